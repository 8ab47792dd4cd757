package tui

import (
	"time"

	"github.com/charmbracelet/bubbles/key"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/tinytelemetry/mtd/internal/model"
)

// Update handles one message and returns the next command.
func (m *DashboardModel) Update(msg tea.Msg) tea.Cmd {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		m.help.Width = msg.Width
		return nil

	case snapshotMsg:
		if msg.err != nil {
			m.err = msg.err
			return nil
		}
		m.err = nil
		m.prefix = msg.prefix
		m.applySnapshot(msg.values)
		return nil

	case metricMsg:
		if !m.paused {
			m.applyMetric(model.Metric(msg))
		}
		m.updates++
		return m.waitForMetric()

	case disconnectedMsg:
		m.disconnected = true
		return nil

	case tickMsg:
		now := time.Time(msg)
		if elapsed := now.Sub(m.lastTick).Seconds(); elapsed > 0 {
			m.rate = float64(m.updates) / elapsed
		}
		m.updates = 0
		m.lastTick = now
		return m.tick()

	case tea.KeyMsg:
		if m.filtering {
			return m.handleFilterKey(msg)
		}
		return m.handleKey(msg)
	}
	return nil
}

func (m *DashboardModel) handleFilterKey(msg tea.KeyMsg) tea.Cmd {
	switch {
	case key.Matches(msg, m.keys.Apply):
		m.filtering = false
		m.filter.Blur()
		return m.resubscribe(m.filter.Value())
	case key.Matches(msg, m.keys.Escape):
		m.filtering = false
		m.filter.Blur()
		m.filter.SetValue(m.prefix)
		return nil
	}
	var cmd tea.Cmd
	m.filter, cmd = m.filter.Update(msg)
	return cmd
}

func (m *DashboardModel) handleKey(msg tea.KeyMsg) tea.Cmd {
	page := max(m.viewport.Height, 1)

	switch {
	case key.Matches(msg, m.keys.Quit):
		return tea.Quit
	case key.Matches(msg, m.keys.Help):
		m.showHelp = !m.showHelp
		m.help.ShowAll = m.showHelp
	case key.Matches(msg, m.keys.Filter):
		m.filtering = true
		m.filter.SetValue(m.prefix)
		m.filter.CursorEnd()
		return m.filter.Focus()
	case key.Matches(msg, m.keys.Pause):
		m.paused = !m.paused
		if !m.paused {
			return m.resubscribe(m.prefix)
		}
	case key.Matches(msg, m.keys.Refresh):
		return m.resubscribe(m.prefix)
	case key.Matches(msg, m.keys.Up):
		m.cursor--
	case key.Matches(msg, m.keys.Down):
		m.cursor++
	case key.Matches(msg, m.keys.PageUp):
		m.cursor -= page
	case key.Matches(msg, m.keys.PageDown):
		m.cursor += page
	case key.Matches(msg, m.keys.Home):
		m.cursor = 0
	case key.Matches(msg, m.keys.End):
		m.cursor = len(m.order) - 1
	}
	m.clampCursor()
	return nil
}
