package cli

import (
	"fmt"
	"log/slog"

	"github.com/mchmarny/churnctl/pkg/dataset"
	urfave "github.com/urfave/cli/v2"
)

const (
	sampleRowsDefault = 1000
	sampleSeedDefault = 42
)

var (
	urlFlag = &urfave.StringFlag{
		Name:  "url",
		Usage: "Dataset download URL (optional, default: config data_url)",
	}

	rowsFlag = &urfave.IntFlag{
		Name:  "rows",
		Usage: "Number of synthetic customers",
		Value: sampleRowsDefault,
	}

	seedFlag = &urfave.Uint64Flag{
		Name:  "seed",
		Usage: "Random seed of the synthetic dataset",
		Value: sampleSeedDefault,
	}

	fetchCmd = &urfave.Command{
		Name:   "fetch",
		Usage:  "Downloads the customer dataset when it is not present locally",
		Flags:  []urfave.Flag{dataPathFlag, urlFlag, debugFlag, formatFlag},
		Action: cmdFetch,
	}

	sampleCmd = &urfave.Command{
		Name:  "sample",
		Usage: "Writes a synthetic customer dataset in the telco churn layout",
		UsageText: `churnctl sample                          # 1000 rows into the configured data_path
   churnctl sample --rows 200 --data s.csv  # 200 rows into s.csv`,
		Flags:  []urfave.Flag{dataPathFlag, rowsFlag, seedFlag, debugFlag, formatFlag},
		Action: cmdSample,
	}
)

// DatasetResult describes a dataset file prepared by fetch or sample.
type DatasetResult struct {
	Path string              `json:"path" yaml:"path"`
	Load *dataset.LoadResult `json:"load" yaml:"load"`
}

func cmdFetch(c *urfave.Context) error {
	applyFlags(c)
	cfg := getConfig(c).Config
	path := dataPath(c, cfg)

	url := c.String(urlFlag.Name)
	if url == "" {
		url = cfg.DataURL
	}
	if err := dataset.Ensure(c.Context, path, url); err != nil {
		return fmt.Errorf("error fetching dataset: %w", err)
	}
	return describe(c, path)
}

func cmdSample(c *urfave.Context) error {
	applyFlags(c)
	cfg := getConfig(c).Config
	path := dataPath(c, cfg)

	n := c.Int(rowsFlag.Name)
	if n < 1 {
		return fmt.Errorf("rows must be positive, got %d", n)
	}
	if err := dataset.WriteFile(path, dataset.Synthetic(n, c.Uint64(seedFlag.Name))); err != nil {
		return fmt.Errorf("error writing sample dataset: %w", err)
	}
	slog.Info("sample dataset written", "path", path, "rows", n)
	return describe(c, path)
}

func describe(c *urfave.Context, path string) error {
	res, err := dataset.Load(path)
	if err != nil {
		return fmt.Errorf("error loading dataset: %w", err)
	}
	return print(c, &DatasetResult{Path: path, Load: res})
}
