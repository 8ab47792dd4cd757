// Package httpjson polls a JSON endpoint and stores its flattened fields.
package httpjson

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/tinytelemetry/mtd/internal/model"
	"github.com/tinytelemetry/mtd/internal/plugin"
	"github.com/tinytelemetry/mtd/internal/plugins/payload"
	"go.uber.org/zap"
)

// Type is the registry name of this plugin.
const Type = "httpjson"

const maxBodySize = 4 << 20

// Config holds the plugin options.
type Config struct {
	URL     string            `mapstructure:"url"`
	Timeout time.Duration     `mapstructure:"timeout"`
	Headers map[string]string `mapstructure:"headers"`
}

// Plugin fetches URL on every update.
type Plugin struct {
	plugin.Base
	cfg    Config
	client *http.Client
}

func Register(reg *plugin.Registry) {
	reg.Register(Type, New)
}

func New(host plugin.Host, name string, opts plugin.Options) (plugin.Plugin, error) {
	cfg := Config{Timeout: 10 * time.Second}
	if err := opts.Decode(&cfg); err != nil {
		return nil, err
	}
	if cfg.URL == "" {
		return nil, errors.New("httpjson: url is required")
	}
	return &Plugin{
		Base:   plugin.NewBase(host, name, opts),
		cfg:    cfg,
		client: &http.Client{Timeout: cfg.Timeout},
	}, nil
}

// Update fetches the endpoint once. Numbers and booleans are stored as
// gauges, strings as string metrics.
func (p *Plugin) Update(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.cfg.URL, nil)
	if err != nil {
		return fmt.Errorf("httpjson: build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	for k, v := range p.cfg.Headers {
		req.Header.Set(k, v)
	}

	resp, err := p.client.Do(req)
	if err != nil {
		return fmt.Errorf("httpjson: fetch: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("httpjson: unexpected status %d", resp.StatusCode)
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodySize))
	if err != nil {
		return fmt.Errorf("httpjson: read body: %w", err)
	}
	data, err := payload.DecodeData(body)
	if err != nil {
		return err
	}

	flat := make(map[string]any, len(data))
	payload.Flatten("", data, flat)
	var errs []error
	for k, v := range flat {
		t := model.Gauge
		if _, isString := v.(string); isString {
			t = model.String
		}
		if err := p.Push(k, v, t); err != nil {
			errs = append(errs, err)
		}
	}
	p.Logger.Debug("fetched", zap.String("url", p.cfg.URL), zap.Int("values", len(flat)))
	return errors.Join(errs...)
}
