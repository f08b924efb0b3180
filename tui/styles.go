package tui

import (
	"github.com/charmbracelet/bubbles/v2/table"
	"github.com/charmbracelet/lipgloss/v2"
)

var (
	RGBBlue       = lipgloss.Color("45")
	RGBPink       = lipgloss.Color("201")
	RGBRed        = lipgloss.Color("196")
	RGBYellow     = lipgloss.Color("220")
	RGBGreen      = lipgloss.Color("46")
	RGBGrey       = lipgloss.Color("246")
	RGBSubtlePink = lipgloss.Color("#2a1a2a")
)

var (
	TitleStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(RGBPink)

	SubtitleStyle = lipgloss.NewStyle().
			Foreground(RGBGrey)

	HelpStyle = lipgloss.NewStyle().
			Foreground(RGBGrey)

	ErrorStyle = lipgloss.NewStyle().
			Foreground(RGBRed).
			Bold(true)

	DetailStyle = lipgloss.NewStyle().
			BorderStyle(lipgloss.RoundedBorder()).
			BorderForeground(RGBPink).
			Padding(0, 1)
)

// Table colorization
var (
	StyleMethodGreen  = lipgloss.NewStyle().Foreground(RGBGreen)  // GET
	StyleMethodYellow = lipgloss.NewStyle().Foreground(RGBYellow) // PATCH
	StyleMethodBlue   = lipgloss.NewStyle().Foreground(RGBBlue)   // PUT, POST
	StyleMethodRed    = lipgloss.NewStyle().Foreground(RGBRed)    // DELETE

	StyleOutcomeOK       = lipgloss.NewStyle().Foreground(RGBGreen)
	StyleOutcomeMismatch = lipgloss.NewStyle().Foreground(RGBYellow)
	StyleOutcomeFailed   = lipgloss.NewStyle().Foreground(RGBRed).Bold(true)

	StyleDurationFaint = lipgloss.NewStyle().Faint(true)
)

// ApplyTableStyles applies the pink table theme.
func ApplyTableStyles(t table.Model) table.Model {
	s := table.DefaultStyles()

	s.Header = lipgloss.NewStyle().
		BorderStyle(lipgloss.NormalBorder()).
		BorderForeground(RGBPink).
		BorderBottom(true).
		BorderLeft(false).
		BorderRight(false).
		BorderTop(false).
		Foreground(RGBPink).
		Bold(true).
		Padding(0, 1)

	s.Selected = lipgloss.NewStyle().
		Bold(true).
		Foreground(RGBPink).
		Background(RGBSubtlePink).
		Padding(0, 0)

	s.Cell = lipgloss.NewStyle().
		BorderStyle(lipgloss.NormalBorder()).
		BorderForeground(RGBPink).
		BorderRight(false).
		Padding(0, 1)

	t.SetStyles(s)
	return t
}
