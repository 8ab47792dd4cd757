package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/tinytelemetry/mtd/internal/socketrpc"
)

type queryOptions struct {
	socketPath string
	prefix     string
	follow     bool
	jsonOutput bool
}

func newQueryCmd(root *rootOptions) *cobra.Command {
	opts := &queryOptions{}

	cmd := &cobra.Command{
		Use:   "query [key...]",
		Short: "Query a running daemon over its Unix socket",
		Long: "Print the current value of the given keys, or of every key under --prefix.\n" +
			"With --follow, keep printing updates for the prefix until interrupted.",
		RunE: func(cmd *cobra.Command, args []string) error {
			if opts.socketPath == "" {
				cfg, err := loadConfig(root.configPath)
				if err != nil {
					return fmt.Errorf("loading config: %w", err)
				}
				opts.socketPath = cfg.SocketPath
			}
			return runQuery(cmd.OutOrStdout(), opts, args)
		},
	}

	cmd.Flags().StringVar(&opts.socketPath, "socket", "", "daemon socket path (default from config)")
	cmd.Flags().StringVar(&opts.prefix, "prefix", "", "key prefix to list when no keys are given")
	cmd.Flags().BoolVarP(&opts.follow, "follow", "f", false, "stream updates for the prefix")
	cmd.Flags().BoolVar(&opts.jsonOutput, "json", false, "print JSON instead of key/value lines")
	return cmd
}

func runQuery(w io.Writer, opts *queryOptions, keys []string) error {
	client, err := socketrpc.Dial(opts.socketPath)
	if err != nil {
		return fmt.Errorf("mtd query: %w", err)
	}
	defer client.Close()

	var values map[string]any
	if len(keys) > 0 {
		values, err = client.Query(keys...)
	} else {
		values, err = client.Snapshot(opts.prefix)
	}
	if err != nil {
		return fmt.Errorf("mtd query: %w", err)
	}
	if err := printValues(w, values, opts.jsonOutput); err != nil {
		return err
	}
	if !opts.follow {
		return nil
	}

	if err := client.Subscribe(opts.prefix); err != nil {
		return fmt.Errorf("mtd query: subscribe: %w", err)
	}
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	for {
		select {
		case m, ok := <-client.Notifications():
			if !ok {
				return nil
			}
			if err := printValues(w, map[string]any{m.Key: m.Value}, opts.jsonOutput); err != nil {
				return err
			}
		case <-sigCh:
			return nil
		}
	}
}

func printValues(w io.Writer, values map[string]any, asJSON bool) error {
	if asJSON {
		return json.NewEncoder(w).Encode(values)
	}
	for _, k := range sortedKeys(values) {
		if _, err := fmt.Fprintf(w, "%s\t%v\n", k, values[k]); err != nil {
			return err
		}
	}
	return nil
}
