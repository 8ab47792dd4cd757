// Package daemon owns the store, the router and the plugin set, and drives
// the periodic update and persist cycle.
package daemon

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/tinytelemetry/mtd/internal/metricstore"
	"github.com/tinytelemetry/mtd/internal/model"
	"github.com/tinytelemetry/mtd/internal/plugin"
	"github.com/tinytelemetry/mtd/internal/pubsub"
	"github.com/tinytelemetry/mtd/internal/state"
	"github.com/tinytelemetry/mtd/internal/telemetry"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// ErrAlreadyRunning is returned when Run is called twice.
var ErrAlreadyRunning = errors.New("daemon: already running")

// Option customises App construction.
type Option func(*App)

// WithBackend replaces the backend that would be opened from Config.Store.
func WithBackend(b state.Backend) Option {
	return func(a *App) { a.backend = b }
}

// App is the scheduler.
type App struct {
	cfg     Config
	logger  *zap.Logger
	store   *metricstore.Store
	router  *pubsub.Router
	metrics *telemetry.Metrics
	backend state.Backend
	plugins map[string]plugin.Instance

	started time.Time
	running bool
	mu      sync.Mutex
	loops   sync.WaitGroup
}

// New builds the daemon: it restores the persisted snapshot and loads every
// configured plugin. A corrupt snapshot or unknown plugin type is fatal.
func New(cfg Config, reg *plugin.Registry, logger *zap.Logger, opts ...Option) (*App, error) {
	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	a := &App{cfg: cfg, logger: logger}
	for _, opt := range opts {
		opt(a)
	}

	a.router = pubsub.NewRouter(
		pubsub.WithLogger(logger),
		pubsub.WithFailureHook(func(key string, err error) { a.metrics.DeliveryFailed(key, err) }),
	)
	a.store = metricstore.New(a.router, logger)
	a.metrics = telemetry.New(a.store)

	if a.backend == nil {
		b, err := state.Open(cfg.Store)
		if err != nil {
			return nil, err
		}
		a.backend = b
	}

	values, err := a.backend.Load()
	if err != nil {
		_ = a.backend.Close()
		return nil, fmt.Errorf("daemon: load snapshot: %w", err)
	}
	if err := a.store.Replace(values); err != nil {
		_ = a.backend.Close()
		return nil, fmt.Errorf("daemon: restore snapshot: %w", err)
	}
	a.logger.Info("snapshot restored", zap.String("path", a.backend.Path()), zap.Int("keys", len(values)))

	plugins, err := plugin.Load(reg, a, cfg.Plugins)
	if err != nil {
		_ = a.backend.Close()
		return nil, err
	}
	a.plugins = plugins
	for _, info := range a.PluginInfo() {
		a.logger.Info("plugin loaded",
			zap.String("plugin", info.Name),
			zap.String("type", info.Type),
			zap.Bool("loop", info.Loop),
			zap.Bool("update", info.Update),
		)
	}
	return a, nil
}

// Push implements plugin.Host.
func (a *App) Push(pluginName string, t model.MetricType, key string, value any) error {
	err := a.store.Push(pluginName, t, key, value)
	a.metrics.ObservePush(pluginName, err)
	return err
}

// Logger implements plugin.Host.
func (a *App) Logger() *zap.Logger { return a.logger }

// Store returns the metric store plugins push into.
func (a *App) Store() *metricstore.Store { return a.store }

// Router returns the subscription router fed by the store.
func (a *App) Router() *pubsub.Router { return a.router }

// Metrics returns the daemon's self telemetry.
func (a *App) Metrics() *telemetry.Metrics { return a.metrics }

// Backend returns the snapshot backend.
func (a *App) Backend() state.Backend { return a.backend }

// Plugins returns the loaded plugin instances keyed by name.
func (a *App) Plugins() map[string]plugin.Instance { return a.plugins }

// ReadAPI exposes the store and the plugin list to read surfaces.
func (a *App) ReadAPI() model.ReadAPI {
	return readAPI{Store: a.store, PluginLister: a}
}

type readAPI struct {
	*metricstore.Store
	model.PluginLister
}

// Close releases the backend of an App whose Run was never called.
func (a *App) Close() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.running {
		return ErrAlreadyRunning
	}
	a.running = true
	a.router.Close()
	return a.backend.Close()
}

// StartedAt returns when Run began, zero before that.
func (a *App) StartedAt() time.Time {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.started
}

// PluginInfo lists loaded plugins sorted by name.
func (a *App) PluginInfo() []model.PluginInfo {
	out := make([]model.PluginInfo, 0, len(a.plugins))
	for _, inst := range a.plugins {
		out = append(out, plugin.Describe(inst.Type, inst.Plugin))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Run starts plugin loops and ticks until ctx is cancelled or a snapshot
// cannot be written. Either way the shutdown sequence runs before it returns.
func (a *App) Run(ctx context.Context) error {
	a.mu.Lock()
	if a.running {
		a.mu.Unlock()
		return ErrAlreadyRunning
	}
	a.running = true
	a.started = time.Now()
	a.mu.Unlock()

	loopCtx, cancelLoops := context.WithCancel(ctx)
	defer cancelLoops()
	a.startLoops(loopCtx)

	runErr := a.tickLoop(ctx)
	cancelLoops()

	if err := a.shutdown(); err != nil && runErr == nil {
		return err
	}
	return runErr
}

func (a *App) startLoops(ctx context.Context) {
	for _, name := range a.sortedNames() {
		inst := a.plugins[name]
		looper, ok := inst.Plugin.(plugin.Looper)
		if !ok {
			continue
		}
		a.loops.Add(1)
		go a.superviseLoop(ctx, name, inst.Type, looper)
	}
}

// superviseLoop runs one plugin loop. Loops are never restarted.
func (a *App) superviseLoop(ctx context.Context, name, typ string, l plugin.Looper) {
	defer a.loops.Done()
	var err error
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("panic: %v", p)
		}
		a.metrics.LoopExits.WithLabelValues(name).Inc()
		a.logger.Warn("plugin loop exited",
			zap.String("plugin", name),
			zap.String("type", typ),
			zap.Error(err),
		)
	}()
	err = l.Loop(ctx)
}

func (a *App) tickLoop(ctx context.Context) error {
	for {
		if ctx.Err() != nil {
			return nil
		}
		a.tick(ctx)
		if err := a.persist(); err != nil {
			a.logger.Error("snapshot write failed", zap.String("path", a.backend.Path()), zap.Error(err))
			return fmt.Errorf("daemon: persist snapshot: %w", err)
		}

		timer := time.NewTimer(a.cfg.UpdateInterval)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil
		case <-timer.C:
		}
	}
}

// tick runs every updater concurrently and waits for all of them.
func (a *App) tick(ctx context.Context) {
	start := time.Now()
	var (
		g         errgroup.Group
		mu        sync.Mutex
		succeeded int
		failed    int
	)
	for _, name := range a.sortedNames() {
		inst := a.plugins[name]
		updater, ok := inst.Plugin.(plugin.Updater)
		if !ok {
			continue
		}
		g.Go(func() error {
			err := a.runUpdate(ctx, name, updater)
			mu.Lock()
			if err != nil {
				failed++
			} else {
				succeeded++
			}
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()

	elapsed := time.Since(start)
	a.metrics.ObserveTick(elapsed)
	a.logger.Info("updates complete",
		zap.Int("succeeded", succeeded),
		zap.Int("failed", failed),
		zap.Int64("elapsed_ms", elapsed.Milliseconds()),
	)
}

func (a *App) runUpdate(ctx context.Context, name string, u plugin.Updater) (err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("panic: %v", p)
		}
		a.metrics.ObserveUpdate(name, err)
		if err != nil {
			a.logger.Warn("plugin update failed", zap.String("plugin", name), zap.Error(err))
		}
	}()
	return u.Update(ctx)
}

func (a *App) persist() error {
	start := time.Now()
	err := a.backend.Save(a.store.Snapshot())
	a.metrics.ObservePersist(err)
	if err == nil {
		a.logger.Info("snapshot saved",
			zap.String("path", a.backend.Path()),
			zap.Float64("elapsed_ms", float64(time.Since(start).Microseconds())/1000),
		)
	}
	return err
}

// shutdown stops plugins, waits for their loops, drains deliveries and
// writes a final snapshot.
func (a *App) shutdown() error {
	a.logger.Info("shutting down")
	for _, name := range a.sortedNames() {
		if s, ok := a.plugins[name].Plugin.(plugin.Stopper); ok {
			a.stopPlugin(name, s)
		}
	}

	done := make(chan struct{})
	go func() {
		a.loops.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(a.cfg.ShutdownTimeout):
		a.logger.Warn("plugin loops still running after shutdown timeout",
			zap.Duration("timeout", a.cfg.ShutdownTimeout))
	}

	a.router.Close()

	var errs []error
	if err := a.persist(); err != nil {
		errs = append(errs, fmt.Errorf("daemon: final snapshot: %w", err))
	}
	if err := a.backend.Close(); err != nil {
		errs = append(errs, fmt.Errorf("daemon: close backend: %w", err))
	}
	return errors.Join(errs...)
}

func (a *App) stopPlugin(name string, s plugin.Stopper) {
	defer func() {
		if p := recover(); p != nil {
			a.logger.Warn("plugin stop panicked", zap.String("plugin", name), zap.Any("panic", p))
		}
	}()
	s.Stop()
}

func (a *App) sortedNames() []string {
	names := make([]string, 0, len(a.plugins))
	for name := range a.plugins {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
