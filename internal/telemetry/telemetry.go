// Package telemetry exposes the daemon's own Prometheus metrics.
package telemetry

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/tinytelemetry/mtd/internal/model"
)

// Outcome label values.
const (
	OutcomeOK     = "ok"
	OutcomeFailed = "failed"
)

// Metrics holds the daemon collectors on a private registry.
type Metrics struct {
	Registry *prometheus.Registry

	Ticks            prometheus.Counter
	TickDuration     prometheus.Histogram
	Persists         *prometheus.CounterVec
	PluginUpdates    *prometheus.CounterVec
	LoopExits        *prometheus.CounterVec
	DeliveryFailures prometheus.Counter
	Pushes           *prometheus.CounterVec
}

// New registers all collectors. reader may be nil; otherwise every numeric
// store value is exported as mtd_metric_value{key}.
func New(reader model.MetricReader) *Metrics {
	m := &Metrics{
		Registry: prometheus.NewRegistry(),
		Ticks: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "mtd_ticks_total",
			Help: "Scheduler ticks executed.",
		}),
		TickDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "mtd_tick_update_duration_seconds",
			Help:    "Time spent running plugin updates per tick.",
			Buckets: prometheus.DefBuckets,
		}),
		Persists: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "mtd_persist_total",
			Help: "Snapshot writes by outcome.",
		}, []string{"outcome"}),
		PluginUpdates: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "mtd_plugin_updates_total",
			Help: "Plugin update calls by plugin and outcome.",
		}, []string{"plugin", "outcome"}),
		LoopExits: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "mtd_plugin_loop_exits_total",
			Help: "Plugin loops that returned.",
		}, []string{"plugin"}),
		DeliveryFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "mtd_delivery_failures_total",
			Help: "Subscriber deliveries that failed or panicked.",
		}),
		Pushes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "mtd_pushes_total",
			Help: "Metric pushes by plugin and outcome.",
		}, []string{"plugin", "outcome"}),
	}
	m.Registry.MustRegister(
		m.Ticks,
		m.TickDuration,
		m.Persists,
		m.PluginUpdates,
		m.LoopExits,
		m.DeliveryFailures,
		m.Pushes,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	if reader != nil {
		m.Registry.MustRegister(NewStoreCollector(reader))
	}
	return m
}

// ObserveTick records one completed update phase.
func (m *Metrics) ObserveTick(elapsed time.Duration) {
	m.Ticks.Inc()
	m.TickDuration.Observe(elapsed.Seconds())
}

// ObservePersist records a snapshot write.
func (m *Metrics) ObservePersist(err error) {
	m.Persists.WithLabelValues(outcome(err)).Inc()
}

// ObserveUpdate records one plugin update call.
func (m *Metrics) ObserveUpdate(plugin string, err error) {
	m.PluginUpdates.WithLabelValues(plugin, outcome(err)).Inc()
}

// ObservePush records one store push.
func (m *Metrics) ObservePush(plugin string, err error) {
	m.Pushes.WithLabelValues(plugin, outcome(err)).Inc()
}

// DeliveryFailed matches pubsub.FailureFunc.
func (m *Metrics) DeliveryFailed(string, error) {
	m.DeliveryFailures.Inc()
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.Registry, promhttp.HandlerOpts{Registry: m.Registry})
}

func outcome(err error) string {
	if err != nil {
		return OutcomeFailed
	}
	return OutcomeOK
}
