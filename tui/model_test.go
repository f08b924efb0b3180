package tui

import (
	"errors"
	"strings"
	"testing"
	"time"

	tea "github.com/charmbracelet/bubbletea/v2"
	"github.com/pb33f/harcap/replay"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/net/html"
)

func newTestDashboard(t *testing.T) (*ReplayDashboard, chan replay.Result, *bool) {
	t.Helper()
	results := make(chan replay.Result, 8)
	cancelled := false
	m := NewReplayDashboard(DashboardOptions{
		Archive: "login.har",
		Target:  "http://localhost:8080",
		Results: results,
		Stats: func() replay.ReplayStats {
			return replay.ReplayStats{Total: 3, Succeeded: 2, Failed: 1, Mismatched: 1, BytesRead: 2048}
		},
		Cancel: func() { cancelled = true },
	})
	return m, results, &cancelled
}

func sampleResults() []replay.Result {
	return []replay.Result{
		{Index: 0, Method: "GET", URL: "http://localhost:8080/login", Label: "Login", Expected: 200, Actual: 200, Duration: 12 * time.Millisecond},
		{Index: 1, Method: "POST", URL: "http://localhost:8080/login", Label: "POST /login", Expected: 302, Actual: 401, Duration: 40 * time.Millisecond},
		{Index: 2, Method: "GET", URL: "http://localhost:8080/home?tab=1", Label: "GET /home", Err: errors.New("connection refused")},
	}
}

func TestReplayDashboard_WaitsForWindowSize(t *testing.T) {
	m, _, _ := newTestDashboard(t)
	assert.Contains(t, m.View(), "Replaying login.har")
	assert.NotNil(t, m.Init())
}

func TestReplayDashboard_ShowsResultsNewestFirst(t *testing.T) {
	m, _, _ := newTestDashboard(t)
	m.Update(tea.WindowSizeMsg{Width: 140, Height: 40})
	require.True(t, m.ready)

	for _, r := range sampleResults() {
		_, cmd := m.Update(resultMsg{result: r})
		assert.NotNil(t, cmd)
	}

	require.Len(t, m.rows, 3)
	assert.Equal(t, outcomeFailed, m.rows[0][0])
	assert.Equal(t, "/home?tab=1", m.rows[0][3])
	assert.Equal(t, outcomeMismatch, m.rows[1][0])
	assert.Equal(t, outcomeOK, m.rows[2][0])

	selected, ok := m.Selected()
	require.True(t, ok)
	assert.Equal(t, 2, selected.Index)

	view := m.View()
	assert.Contains(t, view, "login.har")
	assert.Contains(t, view, "Result 1/3")
}

func TestReplayDashboard_TrimsOldResults(t *testing.T) {
	m, _, _ := newTestDashboard(t)
	for i := 0; i < maxResults+5; i++ {
		m.addResult(replay.Result{Index: i, Method: "GET", URL: "/", Expected: 200, Actual: 200})
	}
	require.Len(t, m.results, maxResults)
	assert.Equal(t, 5, m.results[0].Index)
}

func TestReplayDashboard_FinishesWhenResultsClose(t *testing.T) {
	m, results, _ := newTestDashboard(t)
	close(results)

	msg := waitForResult(results)()
	assert.IsType(t, resultsClosedMsg{}, msg)

	_, cmd := m.Update(msg)
	assert.Nil(t, cmd)
	assert.True(t, m.Done())
	assert.NoError(t, m.Err())
	assert.Equal(t, int64(3), m.last.Total)

	_, cmd = m.Update(tickMsg(time.Now()))
	assert.Nil(t, cmd)
}

func TestReplayDashboard_RunFinishedKeepsError(t *testing.T) {
	m, _, _ := newTestDashboard(t)
	m.Update(tea.WindowSizeMsg{Width: 120, Height: 30})
	m.Update(RunFinishedMsg{Err: errors.New("archive truncated")})

	assert.True(t, m.Done())
	assert.EqualError(t, m.Err(), "archive truncated")
	assert.Contains(t, m.View(), "archive truncated")
}

func TestReplayDashboard_QuitCancelsReplay(t *testing.T) {
	m, _, cancelled := newTestDashboard(t)
	_, cmd := m.Update(tea.KeyPressMsg{Code: 'q', Text: "q"})
	require.NotNil(t, cmd)
	assert.True(t, *cancelled)
	assert.Empty(t, m.View())
}

func TestReplayDashboard_ToggleDetail(t *testing.T) {
	m, _, _ := newTestDashboard(t)
	m.Update(tea.WindowSizeMsg{Width: 140, Height: 40})
	m.Update(resultMsg{result: sampleResults()[0]})

	m.Update(tea.KeyPressMsg{Code: tea.KeyEnter})
	require.True(t, m.detailVisible)
	assert.Contains(t, m.detail.View(), "Login")

	m.Update(tea.KeyPressMsg{Code: tea.KeyEscape})
	assert.False(t, m.detailVisible)
}

func TestReplayDashboard_TickRefreshesStats(t *testing.T) {
	m, _, _ := newTestDashboard(t)
	_, cmd := m.Update(tickMsg(time.Now()))
	assert.NotNil(t, cmd)
	assert.Equal(t, int64(2048), m.last.BytesRead)
	assert.Contains(t, m.renderStatsBar(), "2.0KB")
}

func TestFormatResultDetail_ListsHiddenFields(t *testing.T) {
	doc, err := html.Parse(strings.NewReader(
		`<html><head><title>Login</title></head><body><form><input type="hidden" name="csrf" value="t1"></form></body></html>`))
	require.NoError(t, err)

	out := formatResultDetail(replay.Result{
		Method: "GET", URL: "http://localhost/login", Label: "Login",
		Expected: 200, Actual: 200, Document: doc,
	})
	assert.Contains(t, out, "Hidden form fields")
	assert.Contains(t, out, "csrf = t1")
	assert.NotContains(t, out, "Error")
}

func TestFormatHelpers(t *testing.T) {
	assert.Equal(t, "---", formatStatus(0))
	assert.Equal(t, "404", formatStatus(404))

	assert.Equal(t, "---", formatDuration(0))
	assert.Equal(t, "500μs", formatDuration(500*time.Microsecond))
	assert.Equal(t, "42ms", formatDuration(42*time.Millisecond))
	assert.Equal(t, "1.5s", formatDuration(1500*time.Millisecond))
	assert.Equal(t, "2m5s", formatDuration(125*time.Second))

	assert.Equal(t, "512B", formatBytes(512))
	assert.Equal(t, "1.5KB", formatBytes(1536))
	assert.Equal(t, "1.0MB", formatBytes(1<<20))

	assert.Equal(t, "GET", formatMethod(""))
	assert.Equal(t, "OPTIONS", formatMethod("OPTIONS"))
	assert.Equal(t, "/", formatURL("", 20))
	assert.Equal(t, "/a/b?x=1", formatURL("http://host/a/b?x=1", 20))
	assert.Equal(t, "/very/lo...", formatURL("http://host/very/long/path", 11))

	assert.Equal(t, "abc", truncateString("abcdef", 3))
	assert.Equal(t, "abcdef", truncateString("abcdef", 6))
}

func TestIsDuration(t *testing.T) {
	for _, s := range []string{"500μs", "42ms", "1.5s", "2m5s", "3m"} {
		assert.True(t, isDuration(s), s)
	}
	for _, s := range []string{"", "ms", "/login", "1.2.3s", "abc", "200"} {
		assert.False(t, isDuration(s), s)
	}
}

func TestColorizeOutcome(t *testing.T) {
	assert.Equal(t, "  "+renderedOK+" GET", colorizeOutcome("  ok GET"))
	assert.Equal(t, " "+renderedFailed+" POST", colorizeOutcome(" fail POST"))
	assert.Equal(t, "okay GET", colorizeOutcome("okay GET"))
}

func TestColorizeResultTable_SkipsSelectedRow(t *testing.T) {
	m, _, _ := newTestDashboard(t)
	m.Update(tea.WindowSizeMsg{Width: 140, Height: 40})
	for _, r := range sampleResults() {
		m.Update(resultMsg{result: r})
	}

	plain := m.table.View()
	colored := ColorizeResultTable(plain, m.table.Cursor(), m.rows)
	lines := strings.Split(colored, "\n")
	plainLines := strings.Split(plain, "\n")
	require.Equal(t, len(plainLines), len(lines))

	for i, line := range plainLines {
		if strings.Contains(line, "/home?tab=1") {
			assert.Equal(t, line, lines[i])
		}
	}
}
