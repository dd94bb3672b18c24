// Package cli implements the mealsync command line. Every command except
// run and token is a thin client of the daemon's local API.
package cli

import (
	"context"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/clawinfra/mealsync/internal/config"
)

// DefaultConfigPath is used when --config is not given.
const DefaultConfigPath = "mealsync.toml"

// RunFunc starts the daemon and blocks until it exits.
type RunFunc func(ctx context.Context, configPath string) error

type rootOptions struct {
	configPath string
	apiURL     string
	out        io.Writer
}

// client resolves the daemon address: --api wins, then the status port from
// the config file, then the default port.
func (o *rootOptions) client() *Client {
	if o.apiURL != "" {
		return NewClient(o.apiURL)
	}
	port := config.DefaultConfig().Server.StatusPort
	if _, err := os.Stat(o.configPath); err == nil {
		if cfg, err := config.Load(o.configPath); err == nil {
			port = cfg.Server.StatusPort
		}
	}
	return NewClient(fmt.Sprintf("http://127.0.0.1:%d", port))
}

// NewRootCmd builds the mealsync command tree.
func NewRootCmd(version string, run RunFunc) *cobra.Command {
	opts := &rootOptions{out: os.Stdout}

	cmd := &cobra.Command{
		Use:           "mealsync",
		Short:         "Offline-first meal and weight logging",
		Long:          `mealsync queues meal and weight changes while offline and replays them to the authority when connectivity returns.`,
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			opts.out = cmd.OutOrStdout()
		},
	}
	cmd.PersistentFlags().StringVarP(&opts.configPath, "config", "c", DefaultConfigPath, "path to config file (.toml, .json, .yaml)")
	cmd.PersistentFlags().StringVar(&opts.apiURL, "api", "", "daemon API base URL (default from config)")

	cmd.AddCommand(newRunCmd(opts, run))
	cmd.AddCommand(newStatusCmd(opts))
	cmd.AddCommand(newQueueCmd(opts))
	cmd.AddCommand(newAddCmd(opts))
	cmd.AddCommand(newSyncCmd(opts))
	cmd.AddCommand(newHistoryCmd(opts))
	cmd.AddCommand(newClearCmd(opts))
	cmd.AddCommand(newJobsCmd(opts))
	cmd.AddCommand(newNetworkCmd(opts))
	cmd.AddCommand(newTokenCmd(opts))

	return cmd
}

func newRunCmd(opts *rootOptions, run RunFunc) *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Run the mealsync daemon",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if run == nil {
				return fmt.Errorf("daemon not available in this build")
			}
			return run(cmd.Context(), opts.configPath)
		},
	}
}
