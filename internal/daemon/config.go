package daemon

import (
	"errors"
	"fmt"
	"time"

	"github.com/tinytelemetry/mtd/internal/model"
	"github.com/tinytelemetry/mtd/internal/state"
)

// Config is the scheduler configuration.
type Config struct {
	Store           state.Options
	UpdateInterval  time.Duration
	ShutdownTimeout time.Duration
	Plugins         map[string]map[string]any
}

// ApplyDefaults fills zero values.
func (c *Config) ApplyDefaults() {
	if c.UpdateInterval == 0 {
		c.UpdateInterval = model.DefaultUpdateInterval
	}
	if c.ShutdownTimeout == 0 {
		c.ShutdownTimeout = model.DefaultShutdownTimeout
	}
	if c.Store.Kind == "" {
		c.Store.Kind = state.KindFile
	}
	if c.Plugins == nil {
		c.Plugins = map[string]map[string]any{}
	}
}

// Validate reports configuration errors.
func (c *Config) Validate() error {
	if c.Store.Location == "" {
		return errors.New("daemon: store location is required")
	}
	if c.UpdateInterval <= 0 {
		return fmt.Errorf("daemon: update interval must be positive, got %s", c.UpdateInterval)
	}
	if c.ShutdownTimeout < 0 {
		return fmt.Errorf("daemon: shutdown timeout must not be negative, got %s", c.ShutdownTimeout)
	}
	return nil
}
