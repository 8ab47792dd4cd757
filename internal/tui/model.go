package tui

import (
	"sort"
	"time"

	"github.com/charmbracelet/bubbles/help"
	"github.com/charmbracelet/bubbles/textinput"
	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/tinytelemetry/mtd/internal/model"
)

// historySize is the number of samples kept per numeric key for the chart.
const historySize = 120

// MetricSource is the daemon connection the dashboard reads from.
// socketrpc.Client satisfies it.
type MetricSource interface {
	Snapshot(prefix string) (map[string]any, error)
	Subscribe(prefix string) error
	Unsubscribe(prefix string) error
	Notifications() <-chan model.Metric
}

type snapshotMsg struct {
	prefix string
	values map[string]any
	err    error
}

type metricMsg model.Metric

type disconnectedMsg struct{}

type tickMsg time.Time

// DashboardModel lists the metrics under a prefix and charts the selected one.
type DashboardModel struct {
	source   MetricSource
	interval time.Duration
	keys     KeyMap
	help     help.Model
	filter   textinput.Model
	viewport viewport.Model

	prefix  string
	values  map[string]any
	order   []string
	history map[string][]float64
	cursor  int

	filtering    bool
	paused       bool
	showHelp     bool
	disconnected bool
	err          error

	updates  int
	rate     float64
	lastTick time.Time

	width  int
	height int
}

// NewDashboardModel creates the dashboard. interval is the rate sampling period.
func NewDashboardModel(source MetricSource, prefix string, interval time.Duration) *DashboardModel {
	if interval <= 0 {
		interval = time.Second
	}
	ti := textinput.New()
	ti.Prompt = "prefix> "
	ti.Placeholder = "nginx."
	ti.CharLimit = 256

	return &DashboardModel{
		source:   source,
		interval: interval,
		keys:     DefaultKeyMap(),
		help:     help.New(),
		filter:   ti,
		viewport: viewport.New(80, 20),
		prefix:   prefix,
		values:   make(map[string]any),
		history:  make(map[string][]float64),
		lastTick: time.Now(),
	}
}

func (m *DashboardModel) Init() tea.Cmd {
	return tea.Batch(m.resubscribe(m.prefix), m.waitForMetric(), m.tick())
}

// resubscribe replaces the subscription with prefix and reloads the snapshot.
func (m *DashboardModel) resubscribe(prefix string) tea.Cmd {
	src := m.source
	return func() tea.Msg {
		if err := src.Unsubscribe(""); err != nil {
			return snapshotMsg{prefix: prefix, err: err}
		}
		if err := src.Subscribe(prefix); err != nil {
			return snapshotMsg{prefix: prefix, err: err}
		}
		values, err := src.Snapshot(prefix)
		return snapshotMsg{prefix: prefix, values: values, err: err}
	}
}

func (m *DashboardModel) waitForMetric() tea.Cmd {
	ch := m.source.Notifications()
	return func() tea.Msg {
		metric, ok := <-ch
		if !ok {
			return disconnectedMsg{}
		}
		return metricMsg(metric)
	}
}

func (m *DashboardModel) tick() tea.Cmd {
	return tea.Tick(m.interval, func(t time.Time) tea.Msg { return tickMsg(t) })
}

func (m *DashboardModel) applySnapshot(values map[string]any) {
	m.values = make(map[string]any, len(values))
	m.history = make(map[string][]float64)
	for k, v := range values {
		m.values[k] = v
		m.record(k, v)
	}
	m.rebuildOrder()
}

func (m *DashboardModel) applyMetric(metric model.Metric) {
	_, known := m.values[metric.Key]
	m.values[metric.Key] = metric.Value
	m.record(metric.Key, metric.Value)
	if !known {
		selected := m.SelectedKey()
		m.rebuildOrder()
		m.selectKey(selected)
	}
}

func (m *DashboardModel) record(key string, v any) {
	f, ok := v.(float64)
	if !ok {
		delete(m.history, key)
		return
	}
	h := append(m.history[key], f)
	if len(h) > historySize {
		h = h[len(h)-historySize:]
	}
	m.history[key] = h
}

func (m *DashboardModel) rebuildOrder() {
	m.order = m.order[:0]
	for k := range m.values {
		m.order = append(m.order, k)
	}
	sort.Strings(m.order)
	m.clampCursor()
}

func (m *DashboardModel) selectKey(key string) {
	for i, k := range m.order {
		if k == key {
			m.cursor = i
			return
		}
	}
	m.clampCursor()
}

func (m *DashboardModel) clampCursor() {
	if m.cursor >= len(m.order) {
		m.cursor = len(m.order) - 1
	}
	if m.cursor < 0 {
		m.cursor = 0
	}
}

// SelectedKey returns the key under the cursor, or "" when empty.
func (m *DashboardModel) SelectedKey() string {
	if m.cursor < len(m.order) {
		return m.order[m.cursor]
	}
	return ""
}

// DashboardPage adapts DashboardModel to Page.
type DashboardPage struct {
	model *DashboardModel
}

func NewDashboardPage(m *DashboardModel) *DashboardPage { return &DashboardPage{model: m} }

func (p *DashboardPage) ID() string    { return "dashboard" }
func (p *DashboardPage) Init() tea.Cmd { return p.model.Init() }

func (p *DashboardPage) Update(msg tea.Msg) (tea.Cmd, *PageNav) {
	return p.model.Update(msg), nil
}

func (p *DashboardPage) View(width, height int) string {
	return p.model.View(width, height)
}
