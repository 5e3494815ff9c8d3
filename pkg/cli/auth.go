package cli

import (
	"bufio"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/mchmarny/churnctl/pkg/auth"
	urfave "github.com/urfave/cli/v2"
)

var (
	tokenFlag = &urfave.StringFlag{
		Name:  "token",
		Usage: "Tracking server access token (optional, prompted when not set)",
	}

	authCmd = &urfave.Command{
		Name:            "auth",
		HideHelpCommand: true,
		Usage:           "Manage the MLflow tracking server access token",
		Subcommands: []*urfave.Command{
			{
				Name:   "login",
				Usage:  "Save the access token to the OS keychain",
				Flags:  []urfave.Flag{tokenFlag, debugFlag},
				Action: cmdAuthLogin,
			},
			{
				Name:   "logout",
				Usage:  "Delete the saved access token",
				Flags:  []urfave.Flag{debugFlag},
				Action: cmdAuthLogout,
			},
			{
				Name:   "status",
				Usage:  "Show whether an access token is saved",
				Flags:  []urfave.Flag{debugFlag, formatFlag},
				Action: cmdAuthStatus,
			},
		},
	}
)

// AuthStatus is the output of the auth status command.
type AuthStatus struct {
	Backend string `json:"backend" yaml:"backend"`
	URI     string `json:"uri,omitempty" yaml:"uri,omitempty"`
	Saved   bool   `json:"token_saved" yaml:"tokenSaved"`
}

func cmdAuthLogin(c *urfave.Context) error {
	applyFlags(c)
	token := c.String(tokenFlag.Name)
	if token == "" {
		fmt.Fprint(c.App.Writer, "Paste the tracking server access token and hit enter:\n>")
		in := c.App.Reader
		if in == nil {
			in = os.Stdin
		}
		line, err := bufio.NewReader(in).ReadString('\n')
		if err != nil && line == "" {
			return fmt.Errorf("reading user input: %w", err)
		}
		token = strings.TrimSpace(line)
	}

	if err := auth.NewStore(getConfig(c).Dir).Save(token); err != nil {
		return fmt.Errorf("saving token: %w", err)
	}
	fmt.Fprintln(c.App.Writer, "Token saved")
	return nil
}

func cmdAuthLogout(c *urfave.Context) error {
	applyFlags(c)
	if err := auth.NewStore(getConfig(c).Dir).Delete(); err != nil {
		return fmt.Errorf("deleting token: %w", err)
	}
	fmt.Fprintln(c.App.Writer, "Token deleted")
	return nil
}

func cmdAuthStatus(c *urfave.Context) error {
	applyFlags(c)
	a := getConfig(c)

	s := &AuthStatus{
		Backend: a.Config.Tracking.Backend,
		URI:     a.Config.Tracking.URI,
	}
	_, err := auth.NewStore(a.Dir).Get()
	switch {
	case err == nil:
		s.Saved = true
	case !errors.Is(err, auth.ErrNoToken):
		return fmt.Errorf("reading token: %w", err)
	}
	return print(c, s)
}
