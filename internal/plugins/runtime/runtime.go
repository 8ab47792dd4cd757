// Package runtime reports Go runtime statistics of the daemon process.
package runtime

import (
	"context"
	"errors"
	goruntime "runtime"
	"sync"
	"time"

	"github.com/tinytelemetry/mtd/internal/model"
	"github.com/tinytelemetry/mtd/internal/plugin"
)

// Type is the registry name of this plugin.
const Type = "runtime"

// Plugin pushes process gauges on every update.
type Plugin struct {
	plugin.Base
	started time.Time

	mu     sync.Mutex
	lastGC uint32
}

func Register(reg *plugin.Registry) {
	reg.Register(Type, New)
}

func New(host plugin.Host, name string, opts plugin.Options) (plugin.Plugin, error) {
	var ms goruntime.MemStats
	goruntime.ReadMemStats(&ms)
	return &Plugin{
		Base:    plugin.NewBase(host, name, opts),
		started: time.Now(),
		lastGC:  ms.NumGC,
	}, nil
}

func (p *Plugin) Update(context.Context) error {
	var ms goruntime.MemStats
	goruntime.ReadMemStats(&ms)

	p.mu.Lock()
	newCycles := ms.NumGC - p.lastGC
	p.lastGC = ms.NumGC
	p.mu.Unlock()

	return errors.Join(
		p.Push("goroutines", goruntime.NumGoroutine(), model.Gauge),
		p.Push("heap_alloc_bytes", ms.HeapAlloc, model.Gauge),
		p.Push("heap_objects", ms.HeapObjects, model.Gauge),
		p.Push("gc_cycles", newCycles, model.Counter),
		p.Push("uptime_seconds", time.Since(p.started).Seconds(), model.Gauge),
	)
}
