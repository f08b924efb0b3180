package tui

import (
	"strings"

	"github.com/charmbracelet/bubbles/v2/table"
)

// pre-rendered cells, styled once instead of per frame
var (
	renderedGET    string
	renderedPATCH  string
	renderedPUT    string
	renderedPOST   string
	renderedDELETE string

	renderedOK       string
	renderedMismatch string
	renderedFailed   string
)

func init() {
	renderedGET = StyleMethodGreen.Render("GET")
	renderedPATCH = StyleMethodYellow.Render("PATCH")
	renderedPUT = StyleMethodBlue.Render("PUT")
	renderedPOST = StyleMethodBlue.Render("POST")
	renderedDELETE = StyleMethodRed.Render("DELETE")

	renderedOK = StyleOutcomeOK.Render(outcomeOK)
	renderedMismatch = StyleOutcomeMismatch.Render(outcomeMismatch)
	renderedFailed = StyleOutcomeFailed.Render(outcomeFailed)
}

// ColorizeResultTable styles the rendered table line by line. The header and the selected row
// are left alone so the selection background survives.
func ColorizeResultTable(tableView string, cursor int, rows []table.Row) string {
	lines := strings.Split(tableView, "\n")

	var selectedIdentifier string
	if cursor >= 0 && cursor < len(rows) && len(rows[cursor]) >= 4 {
		selectedIdentifier = rows[cursor][1] + rows[cursor][2] + rows[cursor][3]
	}

	var result strings.Builder
	result.Grow(len(tableView) + len(lines)*40)

	for i, line := range lines {
		isSelected := selectedIdentifier != "" && strings.Contains(strings.ReplaceAll(line, " ", ""), strings.ReplaceAll(selectedIdentifier, " ", ""))

		if i >= 1 && !isSelected {
			line = colorizeOutcome(line)
			line = colorizeHTTPMethods(line)
			line = colorizeDurations(line)
		}

		result.WriteString(line)
		if i < len(lines)-1 {
			result.WriteString("\n")
		}
	}
	return result.String()
}

func colorizeOutcome(line string) string {
	trimmed := strings.TrimLeft(line, " ")
	offset := len(line) - len(trimmed)

	for _, o := range []struct{ plain, styled string }{
		{outcomeOK, renderedOK},
		{outcomeMismatch, renderedMismatch},
		{outcomeFailed, renderedFailed},
	} {
		if strings.HasPrefix(trimmed, o.plain+" ") {
			return line[:offset] + o.styled + trimmed[len(o.plain):]
		}
	}
	return line
}

func colorizeHTTPMethods(line string) string {
	if strings.Contains(line, " GET ") {
		return strings.Replace(line, " GET ", " "+renderedGET+" ", 1)
	}
	if strings.Contains(line, " POST ") {
		return strings.Replace(line, " POST ", " "+renderedPOST+" ", 1)
	}
	if strings.Contains(line, " PUT ") {
		return strings.Replace(line, " PUT ", " "+renderedPUT+" ", 1)
	}
	if strings.Contains(line, " DELETE ") {
		return strings.Replace(line, " DELETE ", " "+renderedDELETE+" ", 1)
	}
	if strings.Contains(line, " PATCH ") {
		return strings.Replace(line, " PATCH ", " "+renderedPATCH+" ", 1)
	}
	return line
}

// colorizeDurations fades the duration in the last column.
func colorizeDurations(line string) string {
	trimmed := strings.TrimRight(line, " ")
	lastSpaceIdx := strings.LastIndexByte(trimmed, ' ')
	if lastSpaceIdx == -1 {
		return line
	}

	durationPart := trimmed[lastSpaceIdx+1:]
	if isDuration(durationPart) {
		return trimmed[:lastSpaceIdx+1] + StyleDurationFaint.Render(durationPart) + line[len(trimmed):]
	}
	return line
}

// isDuration accepts the output of formatDuration and rejects paths and identifiers.
func isDuration(s string) bool {
	if s == "" || s[0] < '0' || s[0] > '9' {
		return false
	}

	var valueStr string
	switch {
	case strings.HasSuffix(s, "μs"):
		valueStr = strings.TrimSuffix(s, "μs")
	case strings.HasSuffix(s, "ms"):
		valueStr = strings.TrimSuffix(s, "ms")
	case strings.HasSuffix(s, "s"):
		valueStr = strings.TrimSuffix(s, "s")
		if i := strings.IndexByte(valueStr, 'm'); i >= 0 {
			// 2m5s
			return isDuration(valueStr[:i+1]) && isDuration(valueStr[i+1:]+"s")
		}
	case strings.HasSuffix(s, "m"):
		valueStr = strings.TrimSuffix(s, "m")
	default:
		return false
	}

	if valueStr == "" {
		return false
	}

	dotCount := 0
	for _, c := range valueStr {
		if c == '.' {
			dotCount++
			if dotCount > 1 {
				return false
			}
		} else if c < '0' || c > '9' {
			return false
		}
	}
	return true
}
