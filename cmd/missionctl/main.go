// cmd/missionctl/main.go
//
// Entry point for the missionctl CLI. `missionctl serve` hosts the mission
// stage sessions over HTTP; every other command is a client of that server,
// except `init` and `log`, which work on the local workspace directly.

package main

import (
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/kingrea/missionctl/internal/config"
	"github.com/kingrea/missionctl/internal/eventbridge"
)

var Version = "dev"

type rootOptions struct {
	workspace string
	server    string
	tenant    string
	json      bool
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	opts := &rootOptions{}
	rootCmd := &cobra.Command{
		Use:           "missionctl",
		Short:         "missionctl - mission stage lifecycle controller",
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	flags := rootCmd.PersistentFlags()
	flags.StringVarP(&opts.workspace, "workspace", "w", "", "workspace directory (default: current directory)")
	flags.StringVar(&opts.server, "server", "", "server base URL (default: from workspace config)")
	flags.StringVar(&opts.tenant, "tenant", "", "tenant id sent with mission requests")
	flags.BoolVar(&opts.json, "json", false, "print raw JSON responses")

	rootCmd.AddCommand(initCmd(opts))
	rootCmd.AddCommand(serveCmd(opts))
	rootCmd.AddCommand(statusCmd(opts))
	rootCmd.AddCommand(transitionCmd(opts, "start", "Start a stage"))
	rootCmd.AddCommand(transitionCmd(opts, "complete", "Complete a stage and activate its successor"))
	rootCmd.AddCommand(transitionCmd(opts, "fail", "Fail and lock a stage"))
	rootCmd.AddCommand(hydrateCmd(opts))
	rootCmd.AddCommand(closeCmd(opts))
	rootCmd.AddCommand(watchCmd(opts))
	rootCmd.AddCommand(logCmd(opts))
	return rootCmd
}

func initCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "init",
		Short: "Create the .missionctl directory in the workspace",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			dir, err := opts.workspaceDir()
			if err != nil {
				return err
			}
			if err := config.InitDir(dir); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Initialized %s/%s\n", dir, config.Dir)
			return nil
		},
	}
}

func (o *rootOptions) workspaceDir() (string, error) {
	if dir := strings.TrimSpace(o.workspace); dir != "" {
		return dir, nil
	}
	cwd, err := os.Getwd()
	if err != nil {
		return "", fmt.Errorf("getting working directory: %w", err)
	}
	return cwd, nil
}

func (o *rootOptions) loadConfig() (*config.Config, error) {
	dir, err := o.workspaceDir()
	if err != nil {
		return nil, err
	}
	return config.Load(dir)
}

// client resolves the server URL from --server, falling back to the
// workspace config and then the built-in defaults.
func (o *rootOptions) client() (*eventbridge.Client, error) {
	base := strings.TrimSpace(o.server)
	tenant := strings.TrimSpace(o.tenant)
	if base == "" {
		cfg, err := o.loadConfig()
		if err != nil {
			return nil, err
		}
		settings, err := eventbridge.SettingsFromConfig(cfg)
		if err != nil {
			return nil, err
		}
		base = settings.URL()
	}
	return eventbridge.NewClient(base, nil, tenant), nil
}
