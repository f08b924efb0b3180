package tui

import "time"

const (
	tableVerticalPadding = 6
	detailPanelPadding   = 2
	borderPadding        = 14

	outcomeColumnWidth  = 6
	methodColumnWidth   = 8
	labelColumnWidth    = 24
	minURLColumnWidth   = 20
	maxURLColumnWidth   = 100
	statusColumnWidth   = 8
	durationColumnWidth = 10

	// results kept for the table, oldest dropped first
	maxResults = 2000

	statsInterval = 250 * time.Millisecond
)

const (
	outcomeOK       = "ok"
	outcomeMismatch = "diff"
	outcomeFailed   = "fail"
)
