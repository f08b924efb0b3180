package cmd

import (
	"strings"

	"github.com/charmbracelet/lipgloss/v2"
	"github.com/pb33f/harcap/tui"
)

var harcapBanner = []string{
	"@@@  @@@   @@@@@@   @@@@@@@    @@@@@@@   @@@@@@   @@@@@@@ ",
	"@@!  @@@  @@!  @@@  @@!  @@@  !@@       @@!  @@@  @@!  @@@",
	"@!@!@!@!  @!@!@!@!  @!@!!@!   !@!       @!@!@!@!  @!@@!@! ",
	"!!:  !!!  !!:  !!!  !!: :!!   :!!       !!:  !!!  !!:     ",
	" :   : :   :   : :   :   : :   :: :: :   :   : :   :      ",
}

// RenderBanner returns the styled banner shown above the help text.
func RenderBanner() string {
	bannerStyle := lipgloss.NewStyle().
		Foreground(tui.RGBPink).
		Bold(true)

	subtitleStyle := lipgloss.NewStyle().
		Foreground(tui.RGBBlue).
		Italic(true)

	var b strings.Builder
	for _, line := range harcapBanner {
		b.WriteString(bannerStyle.Render(line))
		b.WriteString("\n")
	}
	b.WriteString(subtitleStyle.Render("capture it, replay it"))

	return lipgloss.NewStyle().
		Align(lipgloss.Left).
		MarginBottom(1).
		Render(b.String())
}
