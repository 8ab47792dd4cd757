// Package redis ingests JSON metric messages published on Redis channels.
package redis

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	goredis "github.com/redis/go-redis/v9"
	"github.com/tinytelemetry/mtd/internal/plugin"
	"github.com/tinytelemetry/mtd/internal/plugins/payload"
	"go.uber.org/zap"
)

// Type is the registry name of this plugin.
const Type = "redis"

const (
	DefaultAddr   = "127.0.0.1:6379"
	DefaultPrefix = "G"
)

// Config holds the plugin options.
type Config struct {
	Addr        string        `mapstructure:"addr"`
	Username    string        `mapstructure:"username"`
	Password    string        `mapstructure:"password"`
	DB          int           `mapstructure:"db"`
	Prefix      string        `mapstructure:"prefix"`
	DialTimeout time.Duration `mapstructure:"dial_timeout"`
}

// Plugin pattern-subscribes to "<prefix>*" and stores each message under the
// channel suffix.
type Plugin struct {
	plugin.Base
	cfg Config

	mu  sync.Mutex
	sub *goredis.PubSub
}

func Register(reg *plugin.Registry) {
	reg.Register(Type, New)
}

func New(host plugin.Host, name string, opts plugin.Options) (plugin.Plugin, error) {
	cfg := Config{Addr: DefaultAddr, Prefix: DefaultPrefix, DialTimeout: 5 * time.Second}
	if err := opts.Decode(&cfg); err != nil {
		return nil, err
	}
	if cfg.Addr == "" {
		return nil, fmt.Errorf("redis: address is empty")
	}
	return &Plugin{Base: plugin.NewBase(host, name, opts), cfg: cfg}, nil
}

// Loop receives messages until the subscription is closed.
func (p *Plugin) Loop(ctx context.Context) error {
	client := goredis.NewClient(&goredis.Options{
		Addr:        p.cfg.Addr,
		Username:    p.cfg.Username,
		Password:    p.cfg.Password,
		DB:          p.cfg.DB,
		DialTimeout: p.cfg.DialTimeout,
	})
	defer client.Close()

	if err := client.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("redis: failed to ping server: %w", err)
	}

	pattern := p.cfg.Prefix + "*"
	sub := client.PSubscribe(ctx, pattern)
	if _, err := sub.Receive(ctx); err != nil {
		sub.Close()
		return fmt.Errorf("redis: psubscribe %s: %w", pattern, err)
	}
	p.mu.Lock()
	p.sub = sub
	p.mu.Unlock()
	p.Logger.Info("subscribed", zap.String("addr", p.cfg.Addr), zap.String("pattern", pattern))

	ch := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			p.Stop()
			return nil
		case msg, ok := <-ch:
			if !ok {
				return nil
			}
			p.HandleMessage(msg.Channel, []byte(msg.Payload))
		}
	}
}

// Source derives the source name from a channel: the part after the prefix,
// with a leading dot trimmed. An empty remainder yields the prefix itself.
func (p *Plugin) Source(channel string) string {
	src := strings.TrimPrefix(channel, p.cfg.Prefix)
	src = strings.TrimPrefix(src, ".")
	if src == "" {
		return p.cfg.Prefix
	}
	return src
}

// HandleMessage stores one channel payload.
func (p *Plugin) HandleMessage(channel string, body []byte) {
	data, err := payload.DecodeData(body)
	if err != nil {
		p.Logger.Warn("skipping malformed message", zap.String("channel", channel), zap.Error(err))
		return
	}
	if _, err := payload.Store(&p.Base, p.Source(channel), data); err != nil {
		p.Logger.Warn("push failed", zap.String("channel", channel), zap.Error(err))
	}
}

// Stop closes the subscription, which ends Loop.
func (p *Plugin) Stop() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.sub != nil {
		_ = p.sub.Close()
		p.sub = nil
	}
}
