package tui

import (
	"strings"

	"github.com/NimbleMarkets/ntcharts/barchart"
	"github.com/charmbracelet/lipgloss"

	"github.com/tinytelemetry/tracepush/internal/model"
)

// renderRetryChart draws one bar per sink, its height the sink's current
// retry count and its color the sink state.
func renderRetryChart(st model.AgentState, width, height int) string {
	names := sinkNames(st)
	if len(names) == 0 {
		return dimStyle.Render("  no sinks configured")
	}
	if width < 10 {
		width = 10
	}
	if height < 3 {
		height = 3
	}

	bc := barchart.New(width, height,
		barchart.WithBarGap(2),
		barchart.WithBarWidth(3),
	)
	for _, name := range names {
		s := st.Sinks[name]
		style := sinkStateStyle(s.Status.State)
		style = style.Background(style.GetForeground())
		label := name
		if len(label) > 5 {
			label = label[:5]
		}
		bc.Push(barchart.BarData{
			Label: label,
			Values: []barchart.BarValue{
				{Name: name, Value: float64(s.Status.RetryCount), Style: style},
			},
		})
	}
	bc.Draw()

	legend := make([]string, 0, len(names))
	for _, name := range names {
		s := st.Sinks[name]
		legend = append(legend, sinkStateStyle(s.Status.State).Render("■")+" "+name)
	}
	return lipgloss.JoinVertical(lipgloss.Left, bc.View(), dimStyle.Render(strings.Join(legend, "  ")))
}
