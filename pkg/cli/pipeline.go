package cli

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/mchmarny/churnctl/pkg/artifact"
	"github.com/mchmarny/churnctl/pkg/config"
	"github.com/mchmarny/churnctl/pkg/dataset"
	"github.com/mchmarny/churnctl/pkg/pipeline"
	"github.com/mchmarny/churnctl/pkg/publish"
	"github.com/mchmarny/churnctl/pkg/workflow"
	urfave "github.com/urfave/cli/v2"
)

var (
	dataPathFlag = &urfave.StringFlag{
		Name:  "data",
		Usage: "Customer dataset, CSV or XLSX (optional, default: config data_path)",
	}

	checkCmd = &urfave.Command{
		Name:   "check",
		Usage:  "Checks the quality of the customer dataset, downloading it when missing",
		Flags:  []urfave.Flag{dataPathFlag, debugFlag, formatFlag},
		Action: cmdCheck,
	}

	trainCmd = &urfave.Command{
		Name:   "train",
		Usage:  "Trains, tracks and registers a churn model",
		Flags:  []urfave.Flag{dataPathFlag, debugFlag, formatFlag},
		Action: cmdTrain,
	}

	validateCmd = &urfave.Command{
		Name:   "validate",
		Usage:  "Validates the trained model bundle",
		Flags:  []urfave.Flag{debugFlag, formatFlag},
		Action: cmdValidate,
	}

	deployCmd = &urfave.Command{
		Name:   "deploy",
		Usage:  "Validates and deploys the trained model bundle as the current release",
		Flags:  []urfave.Flag{debugFlag, formatFlag},
		Action: cmdDeploy,
	}

	runCmd = &urfave.Command{
		Name:   "run",
		Usage:  "Runs the full workflow: check, train, validate, deploy and report",
		Flags:  []urfave.Flag{dataPathFlag, debugFlag, formatFlag},
		Action: cmdRun,
	}
)

// dataPath returns the --data flag value or the configured dataset.
func dataPath(c *urfave.Context, cfg *config.Config) string {
	if p := c.String(dataPathFlag.Name); p != "" {
		cfg.DataPath = p
	}
	return cfg.DataPath
}

func cmdCheck(c *urfave.Context) error {
	applyFlags(c)
	cfg := getConfig(c).Config
	path := dataPath(c, cfg)

	if err := dataset.Ensure(c.Context, path, cfg.DataURL); err != nil {
		return fmt.Errorf("error fetching dataset: %w", err)
	}
	f, err := dataset.ReadFile(path)
	if err != nil {
		return fmt.Errorf("error reading dataset: %w", err)
	}
	r, err := dataset.CheckQuality(f, cfg.Quality)
	if err != nil {
		return fmt.Errorf("error checking data quality: %w", err)
	}
	return print(c, r)
}

func cmdTrain(c *urfave.Context) error {
	applyFlags(c)
	a := getConfig(c)
	dataPath(c, a.Config)

	t, err := a.Tracker(c.Context)
	if err != nil {
		return err
	}
	p, err := pipeline.New(t, workflow.PipelineOptions(a.Config, nil))
	if err != nil {
		return fmt.Errorf("error creating pipeline: %w", err)
	}
	res, err := p.Run(c.Context)
	if err != nil {
		return fmt.Errorf("error training model: %w", err)
	}
	return print(c, res)
}

func cmdValidate(c *urfave.Context) error {
	applyFlags(c)
	cfg := getConfig(c).Config

	v, err := artifact.Validate(cfg.ModelDir, cfg.Validation.MinModelBytes)
	if err != nil {
		return fmt.Errorf("error validating model: %w", err)
	}
	return print(c, v)
}

func cmdDeploy(c *urfave.Context) error {
	applyFlags(c)
	cfg := getConfig(c).Config

	if _, err := artifact.Validate(cfg.ModelDir, cfg.Validation.MinModelBytes); err != nil {
		return fmt.Errorf("error validating model: %w", err)
	}
	d, err := artifact.Deploy(cfg.ModelDir, cfg.ServeDir, time.Now())
	if err != nil {
		return fmt.Errorf("error deploying model: %w", err)
	}

	n, err := newNotifier(cfg)
	if err != nil {
		return err
	}
	defer closeNotifier(n)

	e := publish.NewEvent(publish.EventModelDeployed, workflow.PipelineName, d.Version.Timestamp, workflow.StatusSuccess)
	e.Details["release"] = d.Release
	e.Details["model_size"] = d.Version.ModelSize
	if err := n.Notify(c.Context, e); err != nil {
		slog.Warn("deployment notification failed", "error", err)
	}

	return print(c, d)
}

func cmdRun(c *urfave.Context) error {
	applyFlags(c)
	a := getConfig(c)
	dataPath(c, a.Config)

	t, err := a.Tracker(c.Context)
	if err != nil {
		return err
	}
	n, err := newNotifier(a.Config)
	if err != nil {
		return err
	}
	defer closeNotifier(n)

	r := workflow.NewRunner(workflow.Env{Config: a.Config, Tracker: t}, n)
	sum, runErr := r.Run(c.Context, workflow.NewRunContext(time.Now()))
	if sum != nil {
		if err := print(c, sum); err != nil {
			return err
		}
	}
	if runErr != nil {
		return fmt.Errorf("workflow failed: %w", runErr)
	}
	return nil
}

type notifier interface {
	Notify(ctx context.Context, e publish.Event) error
	Close() error
}

// newNotifier publishes to Kafka when brokers are configured and to the log
// otherwise.
func newNotifier(cfg *config.Config) (notifier, error) {
	if len(cfg.Publish.KafkaBrokers) == 0 {
		return publish.LogNotifier{}, nil
	}
	n, err := publish.NewKafkaNotifier(cfg.Publish.KafkaBrokers, cfg.Publish.KafkaTopic)
	if err != nil {
		return nil, fmt.Errorf("error creating kafka notifier: %w", err)
	}
	return n, nil
}

func closeNotifier(n notifier) {
	if err := n.Close(); err != nil {
		slog.Debug("error closing notifier", "error", err)
	}
}
