package cli

import (
	"context"
	"fmt"

	"github.com/mchmarny/churnctl/pkg/tracking"
	urfave "github.com/urfave/cli/v2"
)

const (
	queryResultLimitDefault = 20
)

var (
	queryLimitFlag = &urfave.IntFlag{
		Name:  "limit",
		Usage: "Limits number of result returned",
		Value: queryResultLimitDefault,
	}

	experimentFlag = &urfave.StringFlag{
		Name:  "experiment",
		Usage: "Experiment name (optional, default: all experiments)",
	}

	modelNameFlag = &urfave.StringFlag{
		Name:  "name",
		Usage: "Registered model name (optional, default: all models)",
	}

	runsCmd = &urfave.Command{
		Name:   "runs",
		Usage:  "Lists the most recent tracked training runs with their metrics",
		Flags:  []urfave.Flag{experimentFlag, queryLimitFlag, debugFlag, formatFlag},
		Action: cmdListRuns,
	}

	modelsCmd = &urfave.Command{
		Name:   "models",
		Usage:  "Lists the registered model versions, newest first",
		Flags:  []urfave.Flag{modelNameFlag, debugFlag, formatFlag},
		Action: cmdListModels,
	}
)

// lister is implemented by tracking backends that can enumerate their content.
type lister interface {
	ListRuns(ctx context.Context, experiment string, limit int) ([]*tracking.Run, error)
	ListVersions(ctx context.Context, name string) ([]*tracking.ModelVersion, error)
}

func getLister(c *urfave.Context) (lister, error) {
	a := getConfig(c)
	t, err := a.Tracker(c.Context)
	if err != nil {
		return nil, err
	}
	l, ok := t.(lister)
	if !ok {
		return nil, fmt.Errorf("listing is not supported by the %s tracking backend", a.Config.Tracking.Backend)
	}
	return l, nil
}

func cmdListRuns(c *urfave.Context) error {
	applyFlags(c)
	l, err := getLister(c)
	if err != nil {
		return err
	}
	list, err := l.ListRuns(c.Context, c.String(experimentFlag.Name), c.Int(queryLimitFlag.Name))
	if err != nil {
		return fmt.Errorf("error listing runs: %w", err)
	}
	return print(c, list)
}

func cmdListModels(c *urfave.Context) error {
	applyFlags(c)
	l, err := getLister(c)
	if err != nil {
		return err
	}
	list, err := l.ListVersions(c.Context, c.String(modelNameFlag.Name))
	if err != nil {
		return fmt.Errorf("error listing model versions: %w", err)
	}
	return print(c, list)
}
