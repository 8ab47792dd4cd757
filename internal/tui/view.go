package tui

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/charmbracelet/lipgloss"
)

var (
	ColorNavy  = lipgloss.Color("#1a2b4c")
	ColorWhite = lipgloss.Color("#FFFFFF")
	ColorGray  = lipgloss.Color("240")
	ColorCyan  = lipgloss.Color("39")
	ColorGreen = lipgloss.Color("42")
	ColorRed   = lipgloss.Color("196")
	ColorAmber = lipgloss.Color("220")

	headerStyle   = lipgloss.NewStyle().Background(ColorNavy).Foreground(ColorWhite).Bold(true)
	selectedStyle = lipgloss.NewStyle().Background(ColorCyan).Foreground(lipgloss.Color("#000000"))
	keyStyle      = lipgloss.NewStyle().Foreground(ColorWhite)
	numberStyle   = lipgloss.NewStyle().Foreground(ColorGreen)
	stringStyle   = lipgloss.NewStyle().Foreground(ColorAmber)
	dimStyle      = lipgloss.NewStyle().Foreground(ColorGray)
	errorStyle    = lipgloss.NewStyle().Foreground(ColorRed).Bold(true)
	panelStyle    = lipgloss.NewStyle().Border(lipgloss.RoundedBorder()).BorderForeground(ColorGray)
)

// minChartWidth is the narrowest terminal that still gets the side chart.
const minChartWidth = 70

// View renders the dashboard into width x height cells.
func (m *DashboardModel) View(width, height int) string {
	if width <= 0 || height <= 0 {
		return "Loading..."
	}

	header := m.renderHeader(width)
	footer := m.renderFooter(width)
	bodyHeight := height - lipgloss.Height(header) - lipgloss.Height(footer)
	if bodyHeight < 3 {
		bodyHeight = 3
	}

	listWidth := width
	var chart string
	if width >= minChartWidth && len(m.order) > 0 {
		listWidth = width / 2
		chart = m.renderChart(width-listWidth, bodyHeight)
	}
	list := m.renderList(listWidth, bodyHeight)

	body := list
	if chart != "" {
		body = lipgloss.JoinHorizontal(lipgloss.Top, list, chart)
	}
	return lipgloss.JoinVertical(lipgloss.Left, header, body, footer)
}

func (m *DashboardModel) renderHeader(width int) string {
	prefix := m.prefix
	if prefix == "" {
		prefix = "*"
	}
	parts := []string{
		" mtd-top",
		"prefix " + prefix,
		fmt.Sprintf("%d keys", len(m.order)),
		fmt.Sprintf("%.1f upd/s", m.rate),
	}
	if m.paused {
		parts = append(parts, "PAUSED")
	}
	line := headerStyle.Width(width).Render(strings.Join(parts, "  │  "))

	switch {
	case m.disconnected:
		line += "\n" + errorStyle.Render(" disconnected from daemon")
	case m.err != nil:
		line += "\n" + errorStyle.Render(" "+m.err.Error())
	}
	return line
}

func (m *DashboardModel) renderFooter(width int) string {
	if m.filtering {
		return m.filter.View()
	}
	m.help.Width = width
	return m.help.View(m.keys)
}

func (m *DashboardModel) renderList(width, height int) string {
	inner := width - 2
	m.viewport.Width = inner
	m.viewport.Height = height - 2

	keyWidth := 0
	for _, k := range m.order {
		keyWidth = max(keyWidth, len(k))
	}
	keyWidth = min(keyWidth, max(inner/2, 10))

	rows := make([]string, 0, len(m.order))
	for i, k := range m.order {
		v := m.values[k]
		text := formatValue(v)
		keyCell := fmt.Sprintf("%-*s  ", keyWidth, truncate(k, keyWidth))
		var row string
		switch {
		case i == m.cursor:
			row = selectedStyle.Width(inner).Render(truncate(keyCell+text, inner))
		case isNumber(v):
			row = keyStyle.Render(keyCell) + numberStyle.Render(text)
		default:
			row = keyStyle.Render(keyCell) + stringStyle.Render(text)
		}
		rows = append(rows, row)
	}
	if len(rows) == 0 {
		rows = append(rows, dimStyle.Render("no metrics under this prefix yet"))
	}
	m.viewport.SetContent(strings.Join(rows, "\n"))
	m.scrollToCursor()

	return panelStyle.Width(inner).Height(height - 2).Render(m.viewport.View())
}

func (m *DashboardModel) scrollToCursor() {
	h := m.viewport.Height
	if h <= 0 {
		return
	}
	switch {
	case m.cursor < m.viewport.YOffset:
		m.viewport.SetYOffset(m.cursor)
	case m.cursor >= m.viewport.YOffset+h:
		m.viewport.SetYOffset(m.cursor - h + 1)
	}
}

func formatValue(v any) string {
	switch x := v.(type) {
	case float64:
		return strconv.FormatFloat(x, 'f', -1, 64)
	case string:
		return x
	case nil:
		return "-"
	default:
		return fmt.Sprint(x)
	}
}

func isNumber(v any) bool {
	_, ok := v.(float64)
	return ok
}

func truncate(s string, n int) string {
	if n <= 0 {
		return ""
	}
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	if n == 1 {
		return "…"
	}
	return string(r[:n-1]) + "…"
}
