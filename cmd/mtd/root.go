package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

type rootOptions struct {
	configPath string
	logLevel   string
}

func newRootCmd() *cobra.Command {
	opts := &rootOptions{}

	cmd := &cobra.Command{
		Use:   "mtd",
		Short: "mtd collects, aggregates and streams metrics",
		Long: "mtd runs input plugins, keeps the latest value of every metric in memory,\n" +
			"snapshots the store to disk on each tick and streams updates to subscribers\n" +
			"over WebSocket, a Unix socket and Redis.",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(opts.configPath)
			if err != nil {
				return fmt.Errorf("loading config: %w", err)
			}
			if cmd.Flags().Changed("log-level") {
				cfg.LogLevel = opts.logLevel
			}
			if err := cfg.Validate(); err != nil {
				return err
			}
			return runServer(cfg)
		},
	}

	cmd.PersistentFlags().StringVar(&opts.configPath, "config", "", "config file (default is $HOME/.config/mtd/config.toml)")
	cmd.PersistentFlags().StringVar(&opts.logLevel, "log-level", "info", "log level (debug, info, warn, error)")

	cmd.Version = version
	cmd.SetVersionTemplate(fmt.Sprintf("mtd version {{.Version}}\ncommit: %s\nbuilt: %s\n", commit, buildTime))

	cmd.AddCommand(newVersionCmd(), newQueryCmd(opts))
	return cmd
}
