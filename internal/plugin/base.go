package plugin

import (
	"github.com/tinytelemetry/mtd/internal/model"
	"go.uber.org/zap"
)

// Base is embedded by plugin implementations.
type Base struct {
	host    Host
	name    string
	Options Options
	Logger  *zap.Logger
}

// NewBase builds a Base logging through the host logger.
func NewBase(host Host, name string, opts Options) Base {
	logger := host.Logger()
	if logger == nil {
		logger = zap.NewNop()
	}
	return Base{
		host:    host,
		name:    name,
		Options: opts,
		Logger:  logger.Named("plugin").With(zap.String("plugin", name)),
	}
}

func (b *Base) Name() string { return b.name }

// Push stores value under "<name>.<key>".
func (b *Base) Push(key string, value any, t model.MetricType) error {
	return b.host.Push(b.name, t, key, value)
}
