package tui

import (
	"context"
	"time"

	"github.com/charmbracelet/bubbles/v2/spinner"
	"github.com/charmbracelet/bubbles/v2/table"
	"github.com/charmbracelet/bubbles/v2/viewport"
	tea "github.com/charmbracelet/bubbletea/v2"
	"github.com/charmbracelet/lipgloss/v2"
	"github.com/pb33f/harcap/replay"
)

// StatsFunc reports the aggregate counters of the replay being watched.
type StatsFunc func() replay.ReplayStats

// DashboardOptions configures a ReplayDashboard.
type DashboardOptions struct {
	// Archive and Target are shown in the title.
	Archive string
	Target  string

	// Results streams replay results until it is closed.
	Results <-chan replay.Result
	Stats   StatsFunc

	// Cancel stops the replay when the user quits.
	Cancel context.CancelFunc
}

// RunFinishedMsg tells the dashboard that the replay returned.
type RunFinishedMsg struct {
	Err error
}

type resultMsg struct {
	result replay.Result
}

type resultsClosedMsg struct{}

type tickMsg time.Time

// ReplayDashboard is a live view of a running replay: counters on top, the latest results in
// a table and the details of the selected result on demand.
type ReplayDashboard struct {
	table   table.Model
	columns []table.Column
	rows    []table.Row
	results []replay.Result

	source <-chan replay.Result
	stats  StatsFunc
	cancel context.CancelFunc
	last   replay.ReplayStats

	archive string
	target  string
	started time.Time
	elapsed time.Duration

	spinner       spinner.Model
	detail        viewport.Model
	detailVisible bool

	width    int
	height   int
	ready    bool
	done     bool
	quitting bool
	err      error
}

func NewReplayDashboard(opts DashboardOptions) *ReplayDashboard {
	columns := []table.Column{
		{Title: "", Width: outcomeColumnWidth},
		{Title: "Method", Width: methodColumnWidth},
		{Title: "Page", Width: labelColumnWidth},
		{Title: "URL", Width: minURLColumnWidth},
		{Title: "Expected", Width: statusColumnWidth},
		{Title: "Actual", Width: statusColumnWidth},
		{Title: "Duration", Width: durationColumnWidth},
	}

	return &ReplayDashboard{
		columns: columns,
		source:  opts.Results,
		stats:   opts.Stats,
		cancel:  opts.Cancel,
		archive: opts.Archive,
		target:  opts.Target,
		started: time.Now(),
		spinner: createSpinner(),
	}
}

func (m *ReplayDashboard) Init() tea.Cmd {
	return tea.Batch(
		m.spinner.Tick,
		waitForResult(m.source),
		tick(),
	)
}

func waitForResult(source <-chan replay.Result) tea.Cmd {
	return func() tea.Msg {
		r, ok := <-source
		if !ok {
			return resultsClosedMsg{}
		}
		return resultMsg{result: r}
	}
}

func tick() tea.Cmd {
	return tea.Tick(statsInterval, func(t time.Time) tea.Msg {
		return tickMsg(t)
	})
}

func (m *ReplayDashboard) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	var cmd tea.Cmd
	var cmds []tea.Cmd

	if !m.done {
		m.spinner, cmd = m.spinner.Update(msg)
		if cmd != nil {
			cmds = append(cmds, cmd)
		}
	}

	switch msg := msg.(type) {
	case resultMsg:
		m.addResult(msg.result)
		return m, tea.Batch(append(cmds, waitForResult(m.source))...)

	case resultsClosedMsg:
		m.finish(nil)
		return m, nil

	case RunFinishedMsg:
		m.finish(msg.Err)
		return m, nil

	case tickMsg:
		m.refreshStats()
		if m.done {
			return m, nil
		}
		return m, tea.Batch(append(cmds, tick())...)

	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		if !m.ready {
			m.initializeTable()
			m.ready = true
		} else {
			m.updateTableDimensions()
		}
		if m.detailVisible {
			m.updateDetailDimensions()
		}

	case tea.KeyPressMsg:
		switch msg.String() {
		case "q", "ctrl+c":
			m.quitting = true
			if m.cancel != nil {
				m.cancel()
			}
			return m, tea.Quit

		case "enter":
			if m.ready && len(m.rows) > 0 {
				m.toggleDetail()
			}
			return m, nil

		case "esc":
			if m.detailVisible {
				m.detailVisible = false
				m.updateTableDimensions()
			}
			return m, nil
		}
	}

	if m.ready {
		if m.detailVisible {
			m.detail, cmd = m.detail.Update(msg)
		} else {
			m.table, cmd = m.table.Update(msg)
		}
		cmds = append(cmds, cmd)
	}

	return m, tea.Batch(cmds...)
}

func (m *ReplayDashboard) View() string {
	if m.quitting {
		return ""
	}
	if !m.ready {
		return m.renderWaitingView()
	}
	return m.render()
}

func (m *ReplayDashboard) addResult(r replay.Result) {
	m.results = append(m.results, r)
	if len(m.results) > maxResults {
		m.results = m.results[len(m.results)-maxResults:]
	}
	m.buildTableRows()
	if m.ready {
		m.table.SetRows(m.rows)
	}
}

func (m *ReplayDashboard) finish(err error) {
	if m.done {
		if err != nil && m.err == nil {
			m.err = err
		}
		return
	}
	m.refreshStats()
	m.done = true
	m.err = err
}

func (m *ReplayDashboard) refreshStats() {
	if m.stats != nil {
		m.last = m.stats()
	}
	if !m.done {
		m.elapsed = time.Since(m.started)
	}
}

// Selected returns the result under the cursor.
func (m *ReplayDashboard) Selected() (replay.Result, bool) {
	if !m.ready || len(m.results) == 0 {
		return replay.Result{}, false
	}
	cursor := m.table.Cursor()
	if cursor < 0 || cursor >= len(m.results) {
		return replay.Result{}, false
	}
	return m.results[len(m.results)-1-cursor], true
}

// Done reports whether the replay has finished.
func (m *ReplayDashboard) Done() bool {
	return m.done
}

// Err returns the error the replay finished with.
func (m *ReplayDashboard) Err() error {
	return m.err
}

func (m *ReplayDashboard) initializeTable() {
	m.buildTableRows()
	m.table = table.New(
		table.WithColumns(m.columns),
		table.WithRows(m.rows),
		table.WithFocused(true),
		table.WithHeight(m.tableHeight()),
		table.WithWidth(m.width),
	)
	m.table = ApplyTableStyles(m.table)
	m.adjustColumnWidths()
}

func (m *ReplayDashboard) updateTableDimensions() {
	m.table.SetHeight(m.tableHeight())
	m.table.SetWidth(m.width)
	m.adjustColumnWidths()
}

func (m *ReplayDashboard) tableHeight() int {
	h := m.height - tableVerticalPadding
	if m.detailVisible {
		h /= 2
	}
	return max(h, 3)
}

func (m *ReplayDashboard) urlWidth() int {
	w := m.width - outcomeColumnWidth - methodColumnWidth - labelColumnWidth -
		2*statusColumnWidth - durationColumnWidth - borderPadding
	return min(max(w, minURLColumnWidth), maxURLColumnWidth)
}

func (m *ReplayDashboard) adjustColumnWidths() {
	m.columns[3].Width = m.urlWidth()
	m.table.SetColumns(m.columns)
	m.buildTableRows()
	m.table.SetRows(m.rows)
}

func (m *ReplayDashboard) toggleDetail() {
	m.detailVisible = !m.detailVisible
	m.updateTableDimensions()
	if m.detailVisible {
		m.updateDetailDimensions()
		m.detail.SetContent(m.renderDetail())
	}
}

func (m *ReplayDashboard) updateDetailDimensions() {
	width := m.width - detailPanelPadding*2
	height := (m.height-tableVerticalPadding)/2 - detailPanelPadding
	if m.detail.Width() == 0 {
		m.detail = viewport.New(viewport.WithWidth(width), viewport.WithHeight(height))
	} else {
		m.detail.SetWidth(width)
		m.detail.SetHeight(height)
	}
}

func createSpinner() spinner.Model {
	s := spinner.New()
	s.Spinner = spinner.Dot
	s.Style = lipgloss.NewStyle().Foreground(RGBPink)
	return s
}
