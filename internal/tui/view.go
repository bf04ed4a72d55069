package tui

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/table"
	"github.com/charmbracelet/lipgloss"

	"github.com/tinytelemetry/tracepush/internal/model"
)

var (
	colorAccent = lipgloss.Color("39")
	colorDim    = lipgloss.Color("240")
	colorOK     = lipgloss.Color("42")
	colorWarn   = lipgloss.Color("208")
	colorBad    = lipgloss.Color("196")

	titleStyle   = lipgloss.NewStyle().Bold(true).Foreground(colorAccent)
	dimStyle     = lipgloss.NewStyle().Foreground(colorDim)
	sectionStyle = lipgloss.NewStyle().Bold(true).MarginTop(1)
	errorStyle   = lipgloss.NewStyle().Foreground(colorBad)
)

func phaseStyle(st model.AgentState) lipgloss.Style {
	base := lipgloss.NewStyle().Bold(true).Padding(0, 1).Foreground(lipgloss.Color("0"))
	switch {
	case st.Running:
		return base.Background(colorOK)
	case st.LastError != "":
		return base.Background(colorBad)
	default:
		return base.Background(colorWarn)
	}
}

func sinkStateStyle(state string) lipgloss.Style {
	switch state {
	case model.SinkActive:
		return lipgloss.NewStyle().Foreground(colorOK)
	case model.SinkRetrying:
		return lipgloss.NewStyle().Foreground(colorWarn)
	default:
		return lipgloss.NewStyle().Foreground(colorBad)
	}
}

func tableStyles() table.Styles {
	s := table.DefaultStyles()
	s.Header = s.Header.
		BorderStyle(lipgloss.NormalBorder()).
		BorderForeground(colorDim).
		BorderBottom(true).
		Bold(true)
	s.Selected = s.Selected.
		Foreground(lipgloss.Color("229")).
		Background(lipgloss.Color("57")).
		Bold(false)
	return s
}

// sinkColumns sizes the sink table to the terminal width. The error column
// takes whatever is left.
func sinkColumns(width int) []table.Column {
	cols := []table.Column{
		{Title: "Sink", Width: 16},
		{Title: "Type", Width: 18},
		{Title: "State", Width: 9},
		{Title: "Retries", Width: 7},
		{Title: "Batches", Width: 9},
		{Title: "Last Seq", Width: 10},
	}
	used := 0
	for _, c := range cols {
		used += c.Width + 2
	}
	return append(cols, table.Column{Title: "Last Error", Width: max(10, width-used-4)})
}

func sinkRows(st model.AgentState) []table.Row {
	names := sinkNames(st)
	rows := make([]table.Row, 0, len(names))
	for _, name := range names {
		s := st.Sinks[name]
		rows = append(rows, table.Row{
			name,
			s.Profile.SinkType,
			s.Status.State,
			strconv.Itoa(s.Status.RetryCount),
			strconv.FormatUint(s.Status.Delivered, 10),
			strconv.FormatUint(s.Status.LastSequence, 10),
			s.Status.LastError,
		})
	}
	return rows
}

// View implements tea.Model.
func (m *Model) View() string {
	var b strings.Builder

	b.WriteString(m.renderHeader())
	b.WriteString("\n")

	if !m.hasState {
		if m.lastError != "" {
			b.WriteString("\n" + errorStyle.Render("cannot reach agent: "+m.lastError) + "\n")
		} else {
			b.WriteString("\n" + dimStyle.Render("waiting for agent state...") + "\n")
		}
		b.WriteString("\n" + m.help.View(m.keys))
		return b.String()
	}

	b.WriteString(m.renderStats())
	b.WriteString(sectionStyle.Render("Providers") + "\n")
	b.WriteString(m.renderProviders())
	b.WriteString(sectionStyle.Render("Sinks") + "\n")
	b.WriteString(m.sinks.View() + "\n")
	b.WriteString(sectionStyle.Render("Retries per sink") + "\n")
	b.WriteString(renderRetryChart(m.state, m.width-4, 6) + "\n")

	if m.lastError != "" {
		b.WriteString(errorStyle.Render("poll failed: "+m.lastError) + "\n")
	}
	if m.message != "" {
		b.WriteString(dimStyle.Render(m.message) + "\n")
	}
	b.WriteString("\n" + m.help.View(m.keys))
	return b.String()
}

func (m *Model) renderHeader() string {
	title := titleStyle.Render("tracepush")
	if !m.hasState {
		return title
	}
	st := m.state
	phase := st.Phase
	if phase == "" {
		phase = "unknown"
	}
	where := st.Host
	if st.Site != "" {
		where += " @ " + st.Site
	}
	updated := ""
	if !st.UpdatedAt.IsZero() {
		updated = dimStyle.Render("updated " + st.UpdatedAt.Local().Format(time.TimeOnly))
	}
	return lipgloss.JoinHorizontal(lipgloss.Center,
		title, "  ", phaseStyle(st).Render(strings.ToUpper(phase)), "  ", where, "  ", updated)
}

func (m *Model) renderStats() string {
	st := m.state
	var lines []string
	if s := st.Stats; s != nil {
		lines = append(lines, fmt.Sprintf("received %d  appended %d  dropped %d  queue-full %d  batches %d  last seq %d  trimmed %d",
			s.Received, s.Appended, s.Dropped, s.QueueFullEvents, s.DeliveredBatch, s.LastSequence, s.Trimmed))
	}
	if st.LastError != "" {
		lines = append(lines, errorStyle.Render("pipeline error: "+st.LastError))
	}
	if f := st.ProcessingState.FilterSource.Source; f != "" {
		lines = append(lines, dimStyle.Render("filter: ")+f)
	}
	if c := st.Certificate; c != nil {
		if c.Error != "" {
			lines = append(lines, errorStyle.Render("certificate: "+c.Error))
		} else {
			lines = append(lines, dimStyle.Render("certificate: ")+c.Subject+dimStyle.Render(" expires "+c.NotAfter.Format(time.DateOnly)))
		}
	}
	if len(lines) == 0 {
		return ""
	}
	return strings.Join(lines, "\n") + "\n"
}

func (m *Model) renderProviders() string {
	if len(m.state.EnabledProviders) == 0 {
		return dimStyle.Render("  none enabled") + "\n"
	}
	var b strings.Builder
	for _, p := range m.state.EnabledProviders {
		kw := "any"
		if p.MatchKeywords != 0 {
			kw = "0x" + strconv.FormatUint(p.MatchKeywords, 16)
		}
		fmt.Fprintf(&b, "  %-32s %-14s keywords %s\n", p.Name, model.LevelName(p.Level), kw)
	}
	return b.String()
}
