package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/relayflow-go/pkg/config"
	"github.com/relayflow-go/pkg/logger"
)

var version = "dev"

type rootOptions struct {
	configName string
	verbose    bool
}

// NewRootCmd builds the relayctl command tree.
func NewRootCmd() *cobra.Command {
	opts := &rootOptions{}

	root := &cobra.Command{
		Use:   "relayctl",
		Short: "RelayFlow workflow tooling",
		Long: `relayctl runs RelayFlow workflows locally against an in-memory store
and issues API tokens for a running engine.`,
		SilenceUsage: true,
		Run: func(cmd *cobra.Command, args []string) {
			_ = cmd.Help()
		},
	}

	root.PersistentFlags().StringVar(&opts.configName, "config", "relayctl", "config name looked up in ./configs and /etc/relayflow")
	root.PersistentFlags().BoolVarP(&opts.verbose, "verbose", "v", false, "log engine activity to stderr")

	root.AddCommand(newRunCmd(opts))
	root.AddCommand(newTokenCmd(opts))
	root.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Print the relayctl version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintln(cmd.OutOrStdout(), version)
		},
	})

	return root
}

// Execute runs the root command and exits non-zero on error.
func Execute() {
	if err := NewRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func (o *rootOptions) load() (*config.Config, error) {
	return config.Load(o.configName)
}

func (o *rootOptions) logger(cfg *config.Config) logger.Logger {
	if !o.verbose {
		return logger.NewNop()
	}
	lc := cfg.Logger.ToLoggerConfig()
	lc.Level = "debug"
	lc.Format = "console"
	lc.Output = "stderr"
	return logger.New(lc)
}
