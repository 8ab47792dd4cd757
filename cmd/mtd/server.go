package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"sort"
	"strings"
	"syscall"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/tinytelemetry/mtd/internal/backup"
	"github.com/tinytelemetry/mtd/internal/daemon"
	"github.com/tinytelemetry/mtd/internal/httpserver"
	"github.com/tinytelemetry/mtd/internal/redisbridge"
	"github.com/tinytelemetry/mtd/internal/socketrpc"
	"github.com/tinytelemetry/mtd/internal/state"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// runServer runs the daemon until SIGINT or SIGTERM.
func runServer(cfg appConfig) error {
	logger, err := newLogger(cfg.LogLevel, cfg.LogFormat, nil)
	if err != nil {
		return fmt.Errorf("building logger: %w", err)
	}
	defer logger.Sync()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	go func() {
		select {
		case <-sigCh:
		case <-ctx.Done():
			return
		}
		fmt.Fprintln(os.Stderr, "\nShutting down gracefully... (press Ctrl+C again to force)")
		cancel()

		// Shutdown deadline starts now, not at boot.
		deadline := time.NewTimer(cfg.ShutdownTimeout + 5*time.Second)
		defer deadline.Stop()

		select {
		case <-sigCh:
			fmt.Fprintln(os.Stderr, "\nForce shutdown.")
		case <-deadline.C:
			fmt.Fprintln(os.Stderr, "Shutdown timed out, forcing exit.")
		}
		cleanupSocket(cfg.SocketPath)
		os.Exit(1)
	}()

	return run(ctx, cfg, logger, func(app *daemon.App) { printStartupBanner(cfg, app) })
}

// run wires the daemon and its transports and blocks until ctx is done or
// the daemon fails. ready is called once everything is listening.
func run(ctx context.Context, cfg appConfig, logger *zap.Logger, ready func(*daemon.App)) error {
	app, err := daemon.New(daemon.Config{
		Store: state.Options{
			Location: cfg.StoreLocation,
			Kind:     cfg.StoreBackend,
			Format:   cfg.StoreFormat,
		},
		UpdateInterval:  cfg.UpdateInterval,
		ShutdownTimeout: cfg.ShutdownTimeout,
		Plugins:         cfg.Plugins,
	}, defaultRegistry(), logger)
	if err != nil {
		return err
	}

	started := false
	defer func() {
		if !started {
			_ = app.Close()
		}
	}()

	api := app.ReadAPI()

	backupManager, err := backup.NewManager(app.Backend(), backup.Config{
		Enabled:        cfg.BackupEnabled,
		Interval:       cfg.BackupInterval,
		LocalDir:       cfg.BackupLocalDir,
		KeepLast:       cfg.BackupKeepLast,
		BucketURL:      cfg.BackupBucketURL,
		S3Endpoint:     cfg.BackupS3Endpoint,
		S3Region:       cfg.BackupS3Region,
		S3AccessKey:    cfg.BackupS3AccessKey,
		S3SecretKey:    cfg.BackupS3SecretKey,
		S3SessionToken: cfg.BackupS3SessionToken,
		S3UseSSL:       cfg.BackupS3UseSSL,
	}, logger)
	if err != nil {
		return fmt.Errorf("failed to initialize backups: %w", err)
	}

	if cfg.APIEnabled {
		apiServer := httpserver.NewServer(cfg.APIAddr, api, app.Router(), app.Metrics().Handler(), logger)
		if err := apiServer.Start(); err != nil {
			return fmt.Errorf("failed to start API server: %w", err)
		}
		defer apiServer.Stop()
	}

	if cfg.SocketEnabled {
		sockServer := socketrpc.NewServer(cfg.SocketPath, api, app.Router(), logger)
		if err := sockServer.Start(); err != nil {
			logger.Warn("failed to start socket server", zap.Error(err))
		} else {
			defer sockServer.Stop()
		}
	}

	if cfg.RedisEnabled {
		bridge, err := redisbridge.New(ctx, redisbridge.Config{
			Addr:          cfg.RedisAddr,
			Password:      cfg.RedisPassword,
			ChannelPrefix: cfg.RedisChannelPrefix,
		}, logger)
		if err != nil {
			return err
		}
		defer bridge.Close()
		bridge.Attach(app.Router())
	}

	if backupManager != nil {
		backupManager.Start()
		defer backupManager.Stop()
	}

	if ready != nil {
		ready(app)
	}

	g, gctx := errgroup.WithContext(ctx)
	started = true
	g.Go(func() error {
		return app.Run(gctx)
	})
	return g.Wait()
}

func cleanupSocket(path string) {
	if path != "" {
		os.Remove(path)
	}
}

func printStartupBanner(cfg appConfig, app *daemon.App) {
	dim := lipgloss.NewStyle().Foreground(lipgloss.Color("240"))
	green := lipgloss.NewStyle().Foreground(lipgloss.Color("42"))
	cyan := lipgloss.NewStyle().Foreground(lipgloss.Color("39"))
	yellow := lipgloss.NewStyle().Foreground(lipgloss.Color("220"))
	bold := lipgloss.NewStyle().Bold(true)

	check := green.Render("●")
	dot := dim.Render("●")

	logo := cyan.Bold(true).Render(`
    ╔╦╗╔╦╗╔╦╗
    ║║║ ║  ║║
    ╩ ╩ ╩ ═╩╝`)

	row := func(on bool, label, value string) string {
		if on {
			return fmt.Sprintf("    %s  %-14s %s", check, label, cyan.Render(value))
		}
		return fmt.Sprintf("    %s  %-14s %s", dot, label, dim.Render("disabled"))
	}

	var lines []string
	lines = append(lines, "", logo, "    "+dim.Render("v"+version), "")

	separator := dim.Render("    ─────────────────────────────────")
	lines = append(lines, separator, "")

	lines = append(lines, bold.Render("    Transports"), "")
	lines = append(lines, row(cfg.APIEnabled, "HTTP API", cfg.APIAddr))
	lines = append(lines, row(cfg.SocketEnabled, "Unix Socket", shortenPath(cfg.SocketPath)))
	lines = append(lines, row(cfg.RedisEnabled, "Redis Bridge", cfg.RedisAddr))
	lines = append(lines, "")

	lines = append(lines, bold.Render("    Storage"), "")
	lines = append(lines, fmt.Sprintf("    %s  %-14s %s", check, "Snapshot", dim.Render(cfg.StoreBackend+" "+shortenPath(cfg.StoreLocation))))
	lines = append(lines, row(cfg.BackupEnabled, "Backups", shortenPath(cfg.BackupLocalDir)))
	lines = append(lines, "")

	lines = append(lines, bold.Render("    Plugins"), "")
	info := app.PluginInfo()
	if len(info) == 0 {
		lines = append(lines, fmt.Sprintf("    %s  %s", dot, dim.Render("none configured")))
	}
	for _, p := range info {
		lines = append(lines, fmt.Sprintf("    %s  %-14s %s", check, p.Name, dim.Render(p.Type)))
	}
	lines = append(lines, fmt.Sprintf("    %s  %-14s %s", check, "Interval", dim.Render(cfg.UpdateInterval.String())))
	lines = append(lines, "")

	lines = append(lines, bold.Render("    Config"), "")
	if cfg.ConfigPath != "" {
		lines = append(lines, fmt.Sprintf("    %s  %-14s %s", check, "Config File", dim.Render(shortenPath(cfg.ConfigPath))))
	} else {
		lines = append(lines, fmt.Sprintf("    %s  %-14s %s", dot, "Config File", dim.Render("default (no file)")))
	}

	lines = append(lines, "", separator, "")
	lines = append(lines, "    "+dim.Render("Press ")+yellow.Render("Ctrl+C")+dim.Render(" to stop"), "")

	fmt.Fprintln(os.Stderr, strings.Join(lines, "\n"))
}

func shortenPath(path string) string {
	home, err := os.UserHomeDir()
	if err != nil {
		return path
	}
	if strings.HasPrefix(path, home) {
		return "~" + path[len(home):]
	}
	return path
}

func sortedKeys(m map[string]any) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
