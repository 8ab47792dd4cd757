// Package lines receives newline-delimited JSON metric messages over TCP.
package lines

import (
	"bufio"
	"context"
	"errors"
	"net"
	"sync"

	"github.com/tinytelemetry/mtd/internal/plugin"
	"github.com/tinytelemetry/mtd/internal/plugins/payload"
	"go.uber.org/zap"
)

// Type is the registry name of this plugin.
const Type = "lines"

const (
	DefaultAddr = "127.0.0.1:5678"

	// DefaultMaxLineSize is the largest accepted message in bytes.
	DefaultMaxLineSize = 1024 * 1024
)

// Config holds the plugin options.
type Config struct {
	Addr        string `mapstructure:"addr"`
	MaxLineSize int    `mapstructure:"max_line_size"`
}

// Plugin listens on a TCP address and stores every decoded message.
type Plugin struct {
	plugin.Base
	cfg Config

	mu       sync.Mutex
	listener net.Listener
	conns    map[net.Conn]struct{}
	ready    chan struct{}
	wg       sync.WaitGroup
}

// Register adds the plugin factory to reg.
func Register(reg *plugin.Registry) {
	reg.Register(Type, New)
}

// New is the plugin factory.
func New(host plugin.Host, name string, opts plugin.Options) (plugin.Plugin, error) {
	cfg := Config{Addr: DefaultAddr, MaxLineSize: DefaultMaxLineSize}
	if err := opts.Decode(&cfg); err != nil {
		return nil, err
	}
	if cfg.MaxLineSize <= 0 {
		cfg.MaxLineSize = DefaultMaxLineSize
	}
	return &Plugin{
		Base:  plugin.NewBase(host, name, opts),
		cfg:   cfg,
		conns: make(map[net.Conn]struct{}),
		ready: make(chan struct{}),
	}, nil
}

// Loop accepts connections until ctx is done or Stop is called.
func (p *Plugin) Loop(ctx context.Context) error {
	var lc net.ListenConfig
	ln, err := lc.Listen(ctx, "tcp", p.cfg.Addr)
	if err != nil {
		return err
	}
	p.mu.Lock()
	p.listener = ln
	p.mu.Unlock()
	close(p.ready)
	p.Logger.Info("listening", zap.String("addr", ln.Addr().String()))

	go func() {
		<-ctx.Done()
		p.Stop()
	}()

	for {
		conn, err := ln.Accept()
		if err != nil {
			p.wg.Wait()
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return nil
			}
			return err
		}
		if !p.track(conn) {
			conn.Close()
			continue
		}
		p.wg.Add(1)
		go p.handleConnection(conn)
	}
}

func (p *Plugin) track(conn net.Conn) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.conns == nil {
		return false
	}
	p.conns[conn] = struct{}{}
	return true
}

func (p *Plugin) handleConnection(conn net.Conn) {
	defer p.wg.Done()
	defer func() {
		p.mu.Lock()
		delete(p.conns, conn)
		p.mu.Unlock()
		conn.Close()
	}()

	scanner := bufio.NewScanner(conn)
	scanner.Buffer(make([]byte, 0, 64*1024), p.cfg.MaxLineSize)

	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		p.handleLine(line)
	}
	if err := scanner.Err(); err != nil {
		if errors.Is(err, bufio.ErrTooLong) {
			p.Logger.Warn("dropped connection: line exceeds max size",
				zap.Stringer("remote", conn.RemoteAddr()), zap.Int("max_line_size", p.cfg.MaxLineSize))
			return
		}
		if !errors.Is(err, net.ErrClosed) {
			p.Logger.Debug("read error", zap.Stringer("remote", conn.RemoteAddr()), zap.Error(err))
		}
	}
}

func (p *Plugin) handleLine(line []byte) {
	msg, err := payload.Decode(line)
	if err != nil {
		p.Logger.Warn("skipping malformed line", zap.Error(err))
		return
	}
	if _, err := payload.Store(&p.Base, msg.Source, msg.Data); err != nil {
		p.Logger.Warn("push failed", zap.String("source", msg.Source), zap.Error(err))
	}
}

// Addr returns the bound address once the listener is up.
func (p *Plugin) Addr() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.listener != nil {
		return p.listener.Addr().String()
	}
	return p.cfg.Addr
}

// Ready is closed once the listener is bound.
func (p *Plugin) Ready() <-chan struct{} { return p.ready }

// Stop closes the listener and every open connection.
func (p *Plugin) Stop() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.listener != nil {
		p.listener.Close()
	}
	for c := range p.conns {
		c.Close()
	}
	p.conns = nil
}
