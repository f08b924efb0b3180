package tui

import (
	"fmt"
	"net/url"
	"strconv"
	"time"

	"github.com/charmbracelet/bubbles/v2/table"
	"github.com/pb33f/harcap/replay"
)

// buildTableRows lists results newest first.
func (m *ReplayDashboard) buildTableRows() {
	rows := make([]table.Row, 0, len(m.results))
	for i := len(m.results) - 1; i >= 0; i-- {
		rows = append(rows, formatResultRow(m.results[i], m.urlWidth()))
	}
	m.rows = rows
}

func formatResultRow(r replay.Result, urlWidth int) table.Row {
	return table.Row{
		outcome(r),
		formatMethod(r.Method),
		truncateString(r.Label, labelColumnWidth),
		formatURL(r.URL, urlWidth),
		formatStatus(r.Expected),
		formatStatus(r.Actual),
		formatDuration(r.Duration),
	}
}

func outcome(r replay.Result) string {
	switch {
	case r.Err != nil:
		return outcomeFailed
	case r.Matched():
		return outcomeOK
	default:
		return outcomeMismatch
	}
}

func formatMethod(method string) string {
	if method == "" {
		method = "GET"
	}
	if len(method) > 7 {
		return method[:7]
	}
	return method
}

func formatURL(fullURL string, width int) string {
	if fullURL == "" {
		return "/"
	}

	u, err := url.Parse(fullURL)
	if err != nil {
		return truncateString(fullURL, width)
	}

	path := u.Path
	if path == "" {
		path = "/"
	}
	if u.RawQuery != "" {
		path = path + "?" + u.RawQuery
	}
	return truncateString(path, width)
}

func formatStatus(code int) string {
	if code == 0 {
		return "---"
	}
	return strconv.Itoa(code)
}

func formatDuration(d time.Duration) string {
	if d <= 0 {
		return "---"
	}

	switch {
	case d < time.Millisecond:
		return fmt.Sprintf("%dμs", d.Microseconds())
	case d < time.Second:
		return fmt.Sprintf("%dms", d.Milliseconds())
	case d < time.Minute:
		return fmt.Sprintf("%.1fs", float64(d.Milliseconds())/1000.0)
	default:
		minutes := int(d.Minutes())
		seconds := int(d.Seconds()) - (minutes * 60)
		return fmt.Sprintf("%dm%ds", minutes, seconds)
	}
}

func formatBytes(n int64) string {
	const unit = 1024
	if n < unit {
		return fmt.Sprintf("%dB", n)
	}
	div, exp := int64(unit), 0
	for v := n / unit; v >= unit; v /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f%cB", float64(n)/float64(div), "KMGTPE"[exp])
}

func truncateString(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	if maxLen <= 3 {
		return s[:maxLen]
	}
	return s[:maxLen-3] + "..."
}
