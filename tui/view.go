package tui

import (
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss/v2"
	"github.com/pb33f/harcap/replay"
)

func (m *ReplayDashboard) render() string {
	var builder strings.Builder

	builder.WriteString(m.renderTitle())
	builder.WriteString("\n")
	builder.WriteString(m.renderStatsBar())
	builder.WriteString("\n")

	// post-process table view to add colorization
	tableView := m.table.View()
	builder.WriteString(ColorizeResultTable(tableView, m.table.Cursor(), m.rows))
	builder.WriteString("\n")

	if m.detailVisible {
		builder.WriteString(DetailStyle.Render(m.detail.View()))
		builder.WriteString("\n")
	}

	builder.WriteString(m.renderHelpBar())
	return builder.String()
}

func (m *ReplayDashboard) renderWaitingView() string {
	return fmt.Sprintf("%s Replaying %s...", m.spinner.View(), m.archive)
}

func (m *ReplayDashboard) renderTitle() string {
	titleStyle := lipgloss.NewStyle().
		BorderStyle(lipgloss.NormalBorder()).
		Padding(0, 1).
		Width(m.width).BorderForeground(RGBBlue).BorderTop(false).BorderLeft(false).BorderRight(false).BorderBottom(true)

	title := TitleStyle.Render("harcap replay: ") + lipgloss.NewStyle().Bold(true).Render(m.archive)
	if m.target != "" {
		title += SubtitleStyle.Render(" → " + m.target)
	}

	var state string
	switch {
	case m.err != nil:
		state = ErrorStyle.Render(" failed: " + m.err.Error())
	case m.done:
		state = SubtitleStyle.Render(" (finished)")
	default:
		state = " " + m.spinner.View()
	}
	return titleStyle.Render(title + state)
}

func (m *ReplayDashboard) renderStatsBar() string {
	s := m.last
	parts := []string{
		fmt.Sprintf("total %d", s.Total),
		StyleOutcomeOK.Render(fmt.Sprintf("ok %d", s.Succeeded-s.Mismatched)),
		StyleOutcomeMismatch.Render(fmt.Sprintf("mismatch %d", s.Mismatched)),
		StyleOutcomeFailed.Render(fmt.Sprintf("failed %d", s.Failed)),
		"read " + formatBytes(s.BytesRead),
		"avg " + formatDuration(s.AverageTime),
		"elapsed " + m.elapsed.Round(time.Second).String(),
	}
	if s.Dropped > 0 {
		parts = append(parts, fmt.Sprintf("dropped %d", s.Dropped))
	}
	return lipgloss.NewStyle().Padding(0, 1).Render(strings.Join(parts, " | "))
}

func (m *ReplayDashboard) renderHelpBar() string {
	parts := []string{"↑/↓: Navigate"}
	if m.detailVisible {
		parts = append(parts, "Enter/Esc: Close Details")
	} else {
		parts = append(parts, "Enter: View Details")
	}
	parts = append(parts, "q: Quit")
	if len(m.results) > 0 {
		parts = append(parts, fmt.Sprintf("Result %d/%d", m.table.Cursor()+1, len(m.results)))
	}
	return HelpStyle.Render(strings.Join(parts, " | "))
}

func (m *ReplayDashboard) renderDetail() string {
	r, ok := m.Selected()
	if !ok {
		return "No result selected"
	}
	return formatResultDetail(r)
}

func formatResultDetail(r replay.Result) string {
	var b strings.Builder
	label := lipgloss.NewStyle().Bold(true).Foreground(RGBPink)

	field := func(name, value string) {
		b.WriteString(label.Render(fmt.Sprintf("%-10s", name)))
		b.WriteString(" ")
		b.WriteString(value)
		b.WriteString("\n")
	}

	field("Page", r.Label)
	field("Request", r.Method+" "+r.URL)
	field("Session", r.Session.String())
	field("Entry", fmt.Sprintf("#%d", r.Index))
	field("Status", fmt.Sprintf("%s (captured %s)", formatStatus(r.Actual), formatStatus(r.Expected)))
	field("Read", formatBytes(r.BytesRead))
	field("Duration", formatDuration(r.Duration))
	if r.Err != nil {
		field("Error", ErrorStyle.Render(r.Err.Error()))
	}

	hidden := replay.HiddenFormFields(r.Document)
	if len(hidden) > 0 {
		b.WriteString("\n")
		b.WriteString(label.Render("Hidden form fields"))
		b.WriteString("\n")
		for _, p := range hidden {
			b.WriteString(fmt.Sprintf("  %s = %s\n", p.Name(), truncateString(p.Value(), 80)))
		}
	}
	return strings.TrimRight(b.String(), "\n")
}
