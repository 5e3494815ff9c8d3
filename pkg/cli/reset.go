package cli

import (
	"bufio"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/mchmarny/churnctl/pkg/config"
	"github.com/mchmarny/churnctl/pkg/tracking"
	urfave "github.com/urfave/cli/v2"
)

var (
	yesFlag = &urfave.BoolFlag{
		Name:  "yes",
		Usage: "Skips the confirmation prompt",
	}

	resetCmd = &urfave.Command{
		Name:            "reset",
		Usage:           "Delete all tracked runs and registered models and start fresh",
		HideHelpCommand: true,
		Flags:           []urfave.Flag{yesFlag, debugFlag},
		Action:          cmdReset,
	}
)

func cmdReset(c *urfave.Context) error {
	applyFlags(c)
	cfg := getConfig(c)
	t := cfg.Config.Tracking

	if t.Backend != config.BackendSQLite {
		return fmt.Errorf("reset is only supported for the %s tracking backend", config.BackendSQLite)
	}

	w := c.App.Writer
	if !c.Bool(yesFlag.Name) {
		fmt.Fprintf(w, "This will permanently delete all runs in %s and artifacts in %s\n", t.DBPath, t.ArtifactRoot)
		fmt.Fprint(w, "Are you sure? [y/N]: ")

		in := c.App.Reader
		if in == nil {
			in = os.Stdin
		}
		answer, err := bufio.NewReader(in).ReadString('\n')
		if err != nil {
			return fmt.Errorf("reading input: %w", err)
		}
		if strings.ToLower(strings.TrimSpace(answer)) != "y" {
			fmt.Fprintln(w, "Aborted.")
			return nil
		}
	}

	// close the store before deleting the file
	cfg.Close()

	if err := os.Remove(t.DBPath); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("deleting database: %w", err)
	}
	if err := os.RemoveAll(t.ArtifactRoot); err != nil {
		return fmt.Errorf("deleting artifacts: %w", err)
	}
	slog.Info("tracking data deleted", "db", t.DBPath, "artifacts", t.ArtifactRoot)

	if err := tracking.Init(t.DBPath); err != nil {
		return fmt.Errorf("re-initializing database: %w", err)
	}

	slog.Info("database re-initialized", "path", t.DBPath)
	fmt.Fprintln(w, "Reset complete.")
	return nil
}
