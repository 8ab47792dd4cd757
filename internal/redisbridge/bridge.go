// Package redisbridge republishes every stored metric on Redis pub/sub so
// external consumers can follow updates without a direct connection.
package redisbridge

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	goredis "github.com/redis/go-redis/v9"
	"github.com/tinytelemetry/mtd/internal/model"
	"go.uber.org/zap"
)

// Config holds the bridge connection settings.
type Config struct {
	Addr          string
	Username      string
	Password      string
	DB            int
	ChannelPrefix string
	DialTimeout   time.Duration
}

// Publisher is the subset of the go-redis client the bridge needs.
type Publisher interface {
	Publish(ctx context.Context, channel string, message any) *goredis.IntCmd
}

// Bridge is a router subscriber that PUBLISHes the JSON encoded value of
// each metric on "<prefix><key>".
type Bridge struct {
	pub    Publisher
	client *goredis.Client
	prefix string
	logger *zap.Logger
}

// New connects to Redis and verifies the server answers PING.
func New(ctx context.Context, cfg Config, logger *zap.Logger) (*Bridge, error) {
	if cfg.Addr == "" {
		return nil, fmt.Errorf("redisbridge: address is empty")
	}
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = 5 * time.Second
	}
	client := goredis.NewClient(&goredis.Options{
		Addr:        cfg.Addr,
		Username:    cfg.Username,
		Password:    cfg.Password,
		DB:          cfg.DB,
		DialTimeout: cfg.DialTimeout,
	})

	pingCtx, cancel := context.WithTimeout(ctx, cfg.DialTimeout)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("redisbridge: failed to ping %s: %w", cfg.Addr, err)
	}

	b := NewWithPublisher(client, cfg.ChannelPrefix, logger)
	b.client = client
	b.logger.Info("connected", zap.String("addr", cfg.Addr), zap.String("channel_prefix", b.prefix))
	return b, nil
}

// NewWithPublisher builds a bridge on an existing publisher.
func NewWithPublisher(pub Publisher, prefix string, logger *zap.Logger) *Bridge {
	if logger == nil {
		logger = zap.NewNop()
	}
	if prefix == "" {
		prefix = model.DefaultChannelPrefix
	}
	return &Bridge{pub: pub, prefix: prefix, logger: logger.Named("redisbridge")}
}

// Channel returns the channel a key is published on.
func (b *Bridge) Channel(key string) string { return b.prefix + key }

// SendMetric publishes one metric.
func (b *Bridge) SendMetric(ctx context.Context, key string, value any) error {
	data, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("redisbridge: encode %s: %w", key, err)
	}
	if err := b.pub.Publish(ctx, b.Channel(key), data).Err(); err != nil {
		return fmt.Errorf("redisbridge: publish %s: %w", key, err)
	}
	return nil
}

// Attach subscribes the bridge to every key.
func (b *Bridge) Attach(subs model.SubscriptionRegistry) {
	subs.Subscribe("", b)
}

// Close closes the client opened by New. Callers unsubscribe the bridge first.
func (b *Bridge) Close() error {
	if b.client != nil {
		return b.client.Close()
	}
	return nil
}
