// Package plugin defines the contract between the daemon and metric sources.
package plugin

import (
	"context"

	"github.com/tinytelemetry/mtd/internal/model"
	"go.uber.org/zap"
)

// Host is the daemon side of the plugin contract.
type Host interface {
	Push(pluginName string, t model.MetricType, key string, value any) error
	Logger() *zap.Logger
}

// Plugin is a loaded instance. Capabilities are discovered through the
// optional Looper, Updater and Stopper interfaces.
type Plugin interface {
	Name() string
}

// Looper runs for the lifetime of the daemon. It is started exactly once
// and never restarted after it returns.
type Looper interface {
	Loop(ctx context.Context) error
}

// Updater is invoked on every scheduler tick.
type Updater interface {
	Update(ctx context.Context) error
}

// Stopper releases resources during graceful shutdown.
type Stopper interface {
	Stop()
}

// Describe reports the capabilities of p.
func Describe(typ string, p Plugin) model.PluginInfo {
	_, loop := p.(Looper)
	_, update := p.(Updater)
	return model.PluginInfo{Name: p.Name(), Type: typ, Loop: loop, Update: update}
}
