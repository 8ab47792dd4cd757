package daemon

import (
	"context"
	"errors"
	"math"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/tinytelemetry/mtd/internal/model"
	"github.com/tinytelemetry/mtd/internal/plugin"
	"github.com/tinytelemetry/mtd/internal/state"
	"go.uber.org/goleak"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

// memBackend records every save.
type memBackend struct {
	mu      sync.Mutex
	initial map[string]any
	saves   []map[string]any
	failAt  int
	closed  bool
	loadErr error
}

func (b *memBackend) Load() (map[string]any, error) {
	if b.loadErr != nil {
		return nil, b.loadErr
	}
	if b.initial == nil {
		return map[string]any{}, nil
	}
	return b.initial, nil
}

func (b *memBackend) Save(v map[string]any) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.failAt > 0 && len(b.saves)+1 >= b.failAt {
		return errors.New("disk full")
	}
	b.saves = append(b.saves, v)
	return nil
}

func (b *memBackend) Path() string            { return "mem" }
func (b *memBackend) SnapshotTo(string) error { return nil }
func (b *memBackend) Close() error {
	b.mu.Lock()
	b.closed = true
	b.mu.Unlock()
	return nil
}

func (b *memBackend) saveCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.saves)
}

// updatePlugin pushes its subkey on every update, or fails.
type updatePlugin struct {
	plugin.Base
	delay time.Duration
	fail  bool
	boom  bool
}

func (p *updatePlugin) Update(ctx context.Context) error {
	if p.boom {
		panic("update exploded")
	}
	if p.delay > 0 {
		time.Sleep(p.delay)
	}
	if p.fail {
		return errors.New("source unreachable")
	}
	return p.Push("n", 1, model.Counter)
}

// nonFinitePlugin pushes NaN and infinite values next to a finite one.
type nonFinitePlugin struct {
	plugin.Base
	rejected atomic.Int32
}

func (p *nonFinitePlugin) Update(context.Context) error {
	for _, v := range []float64{math.NaN(), math.Inf(1), math.Inf(-1)} {
		if err := p.Push("bad", v, model.Gauge); errors.Is(err, model.ErrInvalidValue) {
			p.rejected.Add(1)
		}
	}
	return p.Push("ok", 1, model.Gauge)
}

// loopPlugin blocks until ctx is done or returns immediately.
type loopPlugin struct {
	plugin.Base
	returnNow bool
	stopped   atomic.Bool
	started   atomic.Int32
}

func (p *loopPlugin) Loop(ctx context.Context) error {
	p.started.Add(1)
	if p.returnNow {
		return errors.New("connection refused")
	}
	<-ctx.Done()
	return nil
}

func (p *loopPlugin) Stop() { p.stopped.Store(true) }

func testRegistry(built map[string]plugin.Plugin) *plugin.Registry {
	reg := plugin.NewRegistry()
	add := func(typ string, f func(base plugin.Base, opts plugin.Options) plugin.Plugin) {
		reg.Register(typ, func(host plugin.Host, name string, opts plugin.Options) (plugin.Plugin, error) {
			p := f(plugin.NewBase(host, name, opts), opts)
			built[name] = p
			return p, nil
		})
	}
	add("ok", func(b plugin.Base, _ plugin.Options) plugin.Plugin { return &updatePlugin{Base: b} })
	add("slow", func(b plugin.Base, _ plugin.Options) plugin.Plugin {
		return &updatePlugin{Base: b, delay: 50 * time.Millisecond}
	})
	add("failing", func(b plugin.Base, _ plugin.Options) plugin.Plugin { return &updatePlugin{Base: b, fail: true} })
	add("panicky", func(b plugin.Base, _ plugin.Options) plugin.Plugin { return &updatePlugin{Base: b, boom: true} })
	add("loop", func(b plugin.Base, _ plugin.Options) plugin.Plugin { return &loopPlugin{Base: b} })
	add("nonfinite", func(b plugin.Base, _ plugin.Options) plugin.Plugin { return &nonFinitePlugin{Base: b} })
	add("shortloop", func(b plugin.Base, _ plugin.Options) plugin.Plugin { return &loopPlugin{Base: b, returnNow: true} })
	return reg
}

func newTestApp(t *testing.T, plugins map[string]map[string]any, b *memBackend, logger *zap.Logger) (*App, map[string]plugin.Plugin) {
	t.Helper()
	built := map[string]plugin.Plugin{}
	if logger == nil {
		logger = zap.NewNop()
	}
	app, err := New(Config{
		Store:          state.Options{Location: "mem"},
		UpdateInterval: time.Hour,
		Plugins:        plugins,
	}, testRegistry(built), logger, WithBackend(b))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return app, built
}

func runFor(t *testing.T, app *App, until func() bool) error {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- app.Run(ctx) }()

	deadline := time.Now().Add(5 * time.Second)
	for !until() {
		if time.Now().After(deadline) {
			cancel()
			t.Fatal("condition not reached")
		}
		time.Sleep(5 * time.Millisecond)
	}
	cancel()
	select {
	case err := <-errCh:
		return err
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after cancel")
		return nil
	}
}

func TestRun_PartialUpdateFailureStillPersists(t *testing.T) {
	b := &memBackend{}
	app, _ := newTestApp(t, map[string]map[string]any{
		"a": {"plugin": "ok"},
		"b": {"plugin": "failing"},
		"c": {"plugin": "panicky"},
	}, b, nil)

	err := runFor(t, app, func() bool { return b.saveCount() >= 1 })
	if err != nil {
		t.Fatalf("Run: %v", err)
	}

	first := b.saves[0]
	if first["a.n"] != 1.0 {
		t.Fatalf("first snapshot = %v, want a.n=1", first)
	}
	if _, ok := first["b.n"]; ok {
		t.Fatal("failing plugin must not contribute")
	}
}

func TestRun_PersistsAfterAllUpdatesComplete(t *testing.T) {
	b := &memBackend{}
	app, _ := newTestApp(t, map[string]map[string]any{
		"fast": {"plugin": "ok"},
		"slow": {},
	}, b, nil)

	if err := runFor(t, app, func() bool { return b.saveCount() >= 1 }); err != nil {
		t.Fatalf("Run: %v", err)
	}
	first := b.saves[0]
	if first["fast.n"] != 1.0 || first["slow.n"] != 1.0 {
		t.Fatalf("first snapshot = %v, want both plugins", first)
	}
}

func TestRun_TicksRepeatAtInterval(t *testing.T) {
	b := &memBackend{}
	built := map[string]plugin.Plugin{}
	app, err := New(Config{
		Store:          state.Options{Location: "mem"},
		UpdateInterval: 10 * time.Millisecond,
		Plugins:        map[string]map[string]any{"a": {"plugin": "ok"}},
	}, testRegistry(built), nil, WithBackend(b))
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	if err := runFor(t, app, func() bool { return b.saveCount() >= 3 }); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if v, _ := app.Store().Get("a.n"); v.(float64) < 3 {
		t.Fatalf("a.n = %v, want at least 3 accumulated updates", v)
	}
}

func TestRun_LoopExitIsLoggedAndNotRestarted(t *testing.T) {
	core, logs := observer.New(zapcore.InfoLevel)
	b := &memBackend{}
	app, built := newTestApp(t, map[string]map[string]any{
		"feed": {"plugin": "shortloop"},
	}, b, zap.New(core))

	err := runFor(t, app, func() bool {
		return logs.FilterMessage("plugin loop exited").Len() == 1
	})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}

	entry := logs.FilterMessage("plugin loop exited").All()[0]
	if entry.Level != zapcore.WarnLevel {
		t.Fatalf("level = %v, want warn", entry.Level)
	}
	fields := entry.ContextMap()
	if fields["plugin"] != "feed" || fields["type"] != "shortloop" || fields["error"] != "connection refused" {
		t.Fatalf("fields = %v", fields)
	}
	if n := built["feed"].(*loopPlugin).started.Load(); n != 1 {
		t.Fatalf("loop started %d times, want 1", n)
	}
	if b.saveCount() < 2 {
		t.Fatal("ticks must continue after a loop exits")
	}
}

func TestRun_GracefulShutdown(t *testing.T) {
	b := &memBackend{}
	app, built := newTestApp(t, map[string]map[string]any{
		"listener": {"plugin": "loop"},
		"a":        {"plugin": "ok"},
	}, b, nil)

	if err := runFor(t, app, func() bool { return b.saveCount() >= 1 }); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if !built["listener"].(*loopPlugin).stopped.Load() {
		t.Fatal("Stop was not called")
	}
	if b.saveCount() != 2 {
		t.Fatalf("saves = %d, want tick snapshot plus final snapshot", b.saveCount())
	}
	if !b.closed {
		t.Fatal("backend not closed")
	}
}

func TestRun_PersistFailureIsFatal(t *testing.T) {
	b := &memBackend{failAt: 1}
	app, _ := newTestApp(t, map[string]map[string]any{"a": {"plugin": "ok"}}, b, nil)

	done := make(chan error, 1)
	go func() { done <- app.Run(context.Background()) }()

	select {
	case err := <-done:
		if err == nil {
			t.Fatal("expected persistence error")
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not stop after persist failure")
	}
}

func TestRun_Twice(t *testing.T) {
	b := &memBackend{}
	app, _ := newTestApp(t, nil, b, nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- app.Run(ctx) }()
	for b.saveCount() == 0 {
		time.Sleep(5 * time.Millisecond)
	}
	if err := app.Run(ctx); !errors.Is(err, ErrAlreadyRunning) {
		t.Fatalf("err = %v, want ErrAlreadyRunning", err)
	}
	cancel()
	<-done
}

func TestNew_RestoresSnapshotAndAccumulates(t *testing.T) {
	b := &memBackend{initial: map[string]any{"a.n": 41.0}}
	app, _ := newTestApp(t, map[string]map[string]any{"a": {"plugin": "ok"}}, b, nil)

	if err := runFor(t, app, func() bool { return b.saveCount() >= 1 }); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if got := b.saves[0]["a.n"]; got != 42.0 {
		t.Fatalf("a.n = %v, want 42", got)
	}
}

func TestNew_FatalErrors(t *testing.T) {
	reg := testRegistry(map[string]plugin.Plugin{})

	_, err := New(Config{Store: state.Options{Location: "mem"}, Plugins: map[string]map[string]any{"x": {"plugin": "nope"}}},
		reg, nil, WithBackend(&memBackend{}))
	if !errors.Is(err, plugin.ErrUnknownType) {
		t.Fatalf("err = %v, want ErrUnknownType", err)
	}

	_, err = New(Config{Store: state.Options{Location: "mem"}}, reg, nil,
		WithBackend(&memBackend{loadErr: state.ErrCorruptSnapshot}))
	if !errors.Is(err, state.ErrCorruptSnapshot) {
		t.Fatalf("err = %v, want ErrCorruptSnapshot", err)
	}

	if _, err := New(Config{}, reg, nil); err == nil {
		t.Fatal("expected error for missing store location")
	}
}

func TestNew_FileBackendEndToEnd(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state.json")
	built := map[string]plugin.Plugin{}
	app, err := New(Config{
		Store:          state.Options{Location: path},
		UpdateInterval: time.Hour,
		Plugins:        map[string]map[string]any{"a": {"plugin": "ok"}},
	}, testRegistry(built), nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := app.Run(ctx); err != nil {
		t.Fatalf("Run: %v", err)
	}

	fb, _ := state.NewFileBackend(path, state.FormatJSON)
	got, err := fb.Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if len(got) != 0 {
		t.Fatalf("snapshot = %v, want empty store written on shutdown", got)
	}
}

func TestRun_LogsEverySave(t *testing.T) {
	core, logs := observer.New(zapcore.InfoLevel)
	b := &memBackend{}
	app, _ := newTestApp(t, map[string]map[string]any{"a": {"plugin": "ok"}}, b, zap.New(core))

	if err := runFor(t, app, func() bool { return b.saveCount() >= 1 }); err != nil {
		t.Fatalf("Run: %v", err)
	}

	saved := logs.FilterMessage("snapshot saved").All()
	if len(saved) != b.saveCount() {
		t.Fatalf("logged %d saves, backend saw %d", len(saved), b.saveCount())
	}
	fields := saved[0].ContextMap()
	if fields["path"] != "mem" {
		t.Fatalf("path = %v, want mem", fields["path"])
	}
	if _, ok := fields["elapsed_ms"].(float64); !ok {
		t.Fatalf("elapsed_ms = %#v, want float64", fields["elapsed_ms"])
	}
}

func TestRun_NonFiniteValuesDoNotStopTheLoop(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state.json")
	built := map[string]plugin.Plugin{}
	app, err := New(Config{
		Store:          state.Options{Location: path},
		UpdateInterval: 10 * time.Millisecond,
		Plugins:        map[string]map[string]any{"src": {"plugin": "nonfinite"}},
	}, testRegistry(built), nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	p := built["src"].(*nonFinitePlugin)

	// Two ticks means the first persist succeeded and the loop went on.
	if err := runFor(t, app, func() bool { return p.rejected.Load() >= 6 }); err != nil {
		t.Fatalf("Run: %v", err)
	}

	fb, _ := state.NewFileBackend(path, state.FormatJSON)
	got, err := fb.Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if got["src.ok"] != 1.0 {
		t.Fatalf("snapshot = %v, want src.ok=1", got)
	}
	if _, ok := got["src.bad"]; ok {
		t.Fatal("non-finite value must not reach the snapshot")
	}
}

func TestPluginInfo(t *testing.T) {
	app, _ := newTestApp(t, map[string]map[string]any{
		"z": {"plugin": "loop"},
		"a": {"plugin": "ok"},
	}, &memBackend{}, nil)

	info := app.PluginInfo()
	if len(info) != 2 || info[0].Name != "a" || !info[0].Update || info[1].Type != "loop" || !info[1].Loop {
		t.Fatalf("info = %+v", info)
	}
}

func TestReadAPIAndClose(t *testing.T) {
	b := &memBackend{initial: map[string]any{"ok.hits": 2.0}}
	app, _ := newTestApp(t, map[string]map[string]any{"ok": {}}, b, nil)

	api := app.ReadAPI()
	if v, ok := api.Get("ok.hits"); !ok || v != 2.0 {
		t.Fatalf("Get(ok.hits) = %v, %v", v, ok)
	}
	if len(api.PluginInfo()) != 1 {
		t.Fatalf("PluginInfo = %+v", api.PluginInfo())
	}

	if err := app.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if !b.closed {
		t.Fatal("backend not closed")
	}
	if err := app.Run(context.Background()); !errors.Is(err, ErrAlreadyRunning) {
		t.Fatalf("Run after Close = %v, want ErrAlreadyRunning", err)
	}
}
