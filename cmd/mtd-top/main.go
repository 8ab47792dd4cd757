// Command mtd-top is a live terminal dashboard for a running mtd daemon.
package main

import (
	"fmt"
	"os"
	"strings"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/spf13/cobra"
	"github.com/tinytelemetry/mtd/internal/socketrpc"
	"github.com/tinytelemetry/mtd/internal/tui"
)

var (
	version = "dev"
	commit  = "unknown"
)

type options struct {
	socketPath string
	prefix     string
	interval   time.Duration
}

func newRootCmd() *cobra.Command {
	opts := &options{}
	cmd := &cobra.Command{
		Use:           "mtd-top",
		Short:         "Live dashboard for a running mtd daemon",
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(_ *cobra.Command, _ []string) error {
			return runTUI(opts)
		},
	}
	cmd.Flags().StringVar(&opts.socketPath, "socket", socketrpc.DefaultSocketPath(), "daemon socket path")
	cmd.Flags().StringVar(&opts.prefix, "prefix", "", "initial key prefix")
	cmd.Flags().DurationVar(&opts.interval, "interval", time.Second, "update rate sampling period")
	cmd.Version = version
	cmd.SetVersionTemplate(fmt.Sprintf("mtd-top version {{.Version}}\ncommit: %s\n", commit))
	return cmd
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func runTUI(opts *options) error {
	client, err := socketrpc.Dial(opts.socketPath)
	if err != nil {
		return fmt.Errorf("cannot connect to mtd at %s: %w\nIs the daemon running? Start it with: mtd", opts.socketPath, err)
	}
	defer client.Close()

	dashboard := tui.NewDashboardModel(client, opts.prefix, opts.interval)
	app := tui.NewApp(tui.NewDashboardPage(dashboard))

	p := tea.NewProgram(app, tea.WithAltScreen())
	if _, err := p.Run(); err != nil {
		if strings.Contains(err.Error(), "TTY") || strings.Contains(err.Error(), "/dev/tty") {
			return fmt.Errorf("TUI requires a real terminal")
		}
		return fmt.Errorf("error running TUI: %w", err)
	}
	return nil
}
