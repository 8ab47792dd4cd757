// Package nginx counts HTTP status codes by tailing an nginx access log.
package nginx

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os/exec"
	"regexp"
	"sync"

	"github.com/tinytelemetry/mtd/internal/model"
	"github.com/tinytelemetry/mtd/internal/plugin"
	"go.uber.org/zap"
)

// Type is the registry name of this plugin.
const Type = "nginx"

// DefaultLogFile is tailed when no logfile option is given.
const DefaultLogFile = "/var/log/nginx/access.log"

// Config holds the plugin options.
type Config struct {
	LogFile   string `mapstructure:"logfile"`
	LogFormat string `mapstructure:"logformat"`
}

// Plugin follows the access log with tail -F.
type Plugin struct {
	plugin.Base
	cfg     Config
	pattern *regexp.Regexp

	command func(ctx context.Context, logfile string) *exec.Cmd

	mu      sync.Mutex
	cmd     *exec.Cmd
	stopped bool
}

func Register(reg *plugin.Registry) {
	reg.Register(Type, New)
}

func New(host plugin.Host, name string, opts plugin.Options) (plugin.Plugin, error) {
	cfg := Config{LogFile: DefaultLogFile}
	if err := opts.Decode(&cfg); err != nil {
		return nil, err
	}
	re, err := BuildPattern(cfg.LogFormat)
	if err != nil {
		return nil, err
	}
	return &Plugin{
		Base:    plugin.NewBase(host, name, opts),
		cfg:     cfg,
		pattern: re,
		command: tailCommand,
	}, nil
}

func tailCommand(ctx context.Context, logfile string) *exec.Cmd {
	return exec.CommandContext(ctx, "tail", "-n0", "-F", logfile)
}

// Loop runs tail until it exits, ctx is done or Stop is called.
func (p *Plugin) Loop(ctx context.Context) error {
	cmd := p.command(ctx, p.cfg.LogFile)
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return fmt.Errorf("nginx: stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return fmt.Errorf("nginx: stderr pipe: %w", err)
	}

	p.mu.Lock()
	if p.stopped {
		p.mu.Unlock()
		return nil
	}
	if err := cmd.Start(); err != nil {
		p.mu.Unlock()
		return fmt.Errorf("nginx: start tail: %w", err)
	}
	p.cmd = cmd
	p.mu.Unlock()
	p.Logger.Info("tailing access log", zap.String("logfile", p.cfg.LogFile))

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		p.scan(stdout, p.HandleLine)
	}()
	go func() {
		defer wg.Done()
		p.scan(stderr, func(line string) {
			p.Logger.Error("tail stderr", zap.String("line", line))
		})
	}()
	wg.Wait()

	err = cmd.Wait()
	p.mu.Lock()
	stopped := p.stopped
	p.mu.Unlock()
	if stopped || ctx.Err() != nil {
		return nil
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return fmt.Errorf("nginx: tail exited with code %d", exitErr.ExitCode())
	}
	return err
}

func (p *Plugin) scan(r io.Reader, fn func(string)) {
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		fn(scanner.Text())
	}
}

// HandleLine parses one access log line and counts its status.
func (p *Plugin) HandleLine(line string) {
	fields, ok := Fields(p.pattern, line)
	if !ok {
		return
	}
	remote := fields["remote_addr"]
	if fwd := fields["http_x_forwarded_for"]; fwd != "" && fwd != "-" {
		remote = fwd
	}
	status := fields["status"]
	p.Logger.Debug("request",
		zap.String("remote", remote),
		zap.String("request", fields["request"]),
		zap.String("status", status),
	)
	if len(status) != 3 {
		return
	}
	if err := p.Push(status, 1, model.Counter); err != nil {
		p.Logger.Warn("push failed", zap.Error(err))
		return
	}
	if err := p.Push(status[:1]+"xx", 1, model.Counter); err != nil {
		p.Logger.Warn("push failed", zap.Error(err))
	}
}

// Stop terminates the tail process.
func (p *Plugin) Stop() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.stopped = true
	if p.cmd != nil && p.cmd.Process != nil {
		_ = p.cmd.Process.Kill()
	}
}
