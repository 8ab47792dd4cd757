package tui

import (
	"fmt"
	"math"
	"strings"

	"github.com/NimbleMarkets/ntcharts/barchart"
	"github.com/charmbracelet/lipgloss"
)

var barStyle = lipgloss.NewStyle().Foreground(ColorCyan).Background(ColorCyan)

// renderChart draws the recent history of the selected key as a bar chart.
func (m *DashboardModel) renderChart(width, height int) string {
	inner := width - 2
	innerHeight := height - 2
	key := m.SelectedKey()

	title := keyStyle.Bold(true).Render(truncate(key, inner))
	history := m.history[key]

	content := dimStyle.Render("value is not numeric")
	if len(history) > 0 {
		chartHeight := max(innerHeight-2, 2)
		content = renderBars(history, inner, chartHeight) + "\n" + summarize(history)
	}

	return panelStyle.Width(inner).Height(innerHeight).Render(title + "\n" + content)
}

// renderBars shows the newest samples that fit, left padded with empty bars.
func renderBars(history []float64, width, height int) string {
	if width < 4 {
		width = 4
	}
	maxBars := width / 2
	if len(history) > maxBars {
		history = history[len(history)-maxBars:]
	}

	lo := math.Inf(1)
	for _, v := range history {
		lo = math.Min(lo, v)
	}
	// Bars start at zero unless the series dips below it.
	offset := 0.0
	if lo < 0 {
		offset = -lo
	}

	bc := barchart.New(width, height,
		barchart.WithBarGap(1),
		barchart.WithBarWidth(1),
		barchart.WithNoAxis(),
	)
	for i := len(history); i < maxBars; i++ {
		bc.Push(barchart.BarData{Values: []barchart.BarValue{{Name: "empty", Value: 0, Style: barStyle}}})
	}
	for _, v := range history {
		bc.Push(barchart.BarData{Values: []barchart.BarValue{{Name: "value", Value: v + offset, Style: barStyle}}})
	}
	bc.Draw()
	return bc.View()
}

func summarize(history []float64) string {
	lo, hi := math.Inf(1), math.Inf(-1)
	for _, v := range history {
		lo = math.Min(lo, v)
		hi = math.Max(hi, v)
	}
	last := history[len(history)-1]
	parts := []string{
		"last " + formatValue(last),
		"min " + formatValue(lo),
		"max " + formatValue(hi),
		fmt.Sprintf("n=%d", len(history)),
	}
	return dimStyle.Render(strings.Join(parts, "  "))
}
