package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"

	"github.com/mchmarny/churnctl/pkg/auth"
	"github.com/mchmarny/churnctl/pkg/config"
	"github.com/mchmarny/churnctl/pkg/logging"
	"github.com/mchmarny/churnctl/pkg/mlflow"
	"github.com/mchmarny/churnctl/pkg/tracking"
	urfave "github.com/urfave/cli/v2"
	"gopkg.in/yaml.v3"
)

const (
	appName      = "churnctl"
	appConfigKey = "app-config"

	formatJSON = "json"
	formatYAML = "yaml"
)

var (
	version = "v0.0.1-default"
	commit  = ""
	date    = ""

	debugFlag = &urfave.BoolFlag{
		Name:  "debug",
		Usage: "Prints verbose logs (optional, default: false)",
	}

	configDirFlag = &urfave.StringFlag{
		Name:    "config",
		Usage:   fmt.Sprintf("Directory holding %s (optional, default: $HOME/%s)", config.FileName, config.DirName),
		EnvVars: []string{"CHURN_CONFIG_DIR"},
	}

	formatFlag = &urfave.StringFlag{
		Name:  "format",
		Usage: "Output format [json, yaml]",
		Value: formatJSON,
	}
)

// Execute creates and runs the CLI application.
func Execute() {
	logging.SetDefaultCLILogger("info")

	app := newApp()
	if err := app.Run(os.Args); err != nil {
		slog.Error("fatal error", "error", err)
		os.Exit(1)
	}
}

type appConfig struct {
	Dir    string
	Debug  bool
	Format string
	Config *config.Config

	tracker tracking.Tracker
}

// Tracker opens the configured tracking backend on first use.
func (a *appConfig) Tracker(ctx context.Context) (tracking.Tracker, error) {
	if a.tracker != nil {
		return a.tracker, nil
	}
	t, err := openTracker(ctx, a.Dir, a.Config)
	if err != nil {
		return nil, err
	}
	a.tracker = t
	return t, nil
}

func (a *appConfig) Close() {
	if a.tracker == nil {
		return
	}
	if err := a.tracker.Close(); err != nil {
		slog.Debug("error closing tracker", "error", err)
	}
	a.tracker = nil
}

func openTracker(ctx context.Context, dir string, cfg *config.Config) (tracking.Tracker, error) {
	switch cfg.Tracking.Backend {
	case config.BackendMLflow:
		token, err := auth.NewStore(dir).Resolve(os.Getenv("MLFLOW_TRACKING_TOKEN"))
		if err != nil {
			return nil, fmt.Errorf("resolving tracking token: %w", err)
		}
		c, err := mlflow.New(ctx, cfg.Tracking.URI, token)
		if err != nil {
			return nil, fmt.Errorf("creating mlflow client: %w", err)
		}
		return c, nil
	default:
		s, err := tracking.Open(cfg.Tracking.DBPath, cfg.Tracking.ArtifactRoot)
		if err != nil {
			return nil, fmt.Errorf("opening tracking store: %w", err)
		}
		return s, nil
	}
}

func getConfig(c *urfave.Context) *appConfig {
	return c.App.Metadata[appConfigKey].(*appConfig)
}

func newApp() *urfave.App {
	return &urfave.App{
		Name:                 appName,
		Version:              fmt.Sprintf("%s (%s - %s)", version, commit, date),
		Compiled:             time.Now(),
		EnableBashCompletion: true,
		HideHelpCommand:      true,
		Usage:                "Churn prediction MLOps workflow and dashboard",
		Metadata:             map[string]any{},
		Flags: []urfave.Flag{
			debugFlag,
			configDirFlag,
			formatFlag,
		},
		Commands: []*urfave.Command{
			checkCmd,
			trainCmd,
			validateCmd,
			deployCmd,
			runCmd,
			scoreCmd,
			exportCmd,
			serverCmd,
			runsCmd,
			modelsCmd,
			authCmd,
			fetchCmd,
			sampleCmd,
			resetCmd,
		},
		Before: func(c *urfave.Context) error {
			dir := c.String(configDirFlag.Name)
			if dir == "" {
				d, _, err := config.GetOrCreateHomeDir(config.DirName)
				if err != nil {
					return fmt.Errorf("resolving home dir: %w", err)
				}
				dir = d
			}

			cfg, err := config.ReadOrCreate(dir)
			if err != nil {
				return fmt.Errorf("reading config: %w", err)
			}

			a := &appConfig{
				Dir:    dir,
				Debug:  c.Bool(debugFlag.Name),
				Format: formatJSON,
				Config: cfg,
			}
			c.App.Metadata[appConfigKey] = a
			applyFlags(c)
			return nil
		},
		After: func(c *urfave.Context) error {
			if cfg, ok := c.App.Metadata[appConfigKey].(*appConfig); ok {
				cfg.Close()
			}
			return nil
		},
	}
}

// applyFlags applies the output and logging flags, which may also be set
// after the command name.
func applyFlags(c *urfave.Context) {
	a, ok := c.App.Metadata[appConfigKey].(*appConfig)
	if !ok {
		return
	}
	if c.Bool(debugFlag.Name) {
		a.Debug = true
	}
	if f := c.String(formatFlag.Name); f == formatYAML || f == "yml" {
		a.Format = formatYAML
	}

	level := a.Config.LogLevel
	if a.Debug {
		level = "debug"
	}
	logging.SetDefaultCLILogger(level)
}

func encode(w io.Writer, format string, v any) error {
	if format == formatYAML {
		return yaml.NewEncoder(w).Encode(v)
	}
	e := json.NewEncoder(w)
	e.SetIndent("", "  ")
	return e.Encode(v)
}

// print encodes v to the app writer in the selected format.
func print(c *urfave.Context, v any) error {
	if err := encode(c.App.Writer, getConfig(c).Format, v); err != nil {
		return fmt.Errorf("error encoding result: %w", err)
	}
	return nil
}
