package tui

import (
	"encoding/json"
	"strings"

	"github.com/charmbracelet/lipgloss"
)

// renderEmptyState centers a framed message in the remaining space.
func renderEmptyState(width, height int, title, subtitle string, hints []string) string {
	body := []string{styles.Bold.Render(title), ""}
	if subtitle != "" {
		body = append(body, styles.Muted.Render(subtitle))
	}
	if len(hints) > 0 {
		body = append(body, "")
		for _, h := range hints {
			body = append(body, styles.HelpText.Render(h))
		}
	}

	frame := styles.Box.Padding(2, 4).Width(50)
	return lipgloss.Place(width, max(0, height-2), lipgloss.Center, lipgloss.Center,
		frame.Render(lipgloss.JoinVertical(lipgloss.Center, body...)))
}

// parseMemories decodes the JSON array of texts returned by list and
// search. It reports false when the server answered with error text.
func parseMemories(text string) ([]string, bool) {
	var texts []string
	if err := json.Unmarshal([]byte(text), &texts); err != nil {
		return nil, false
	}
	return texts, true
}

// isErrorText reports whether a memory result describes a failure.
func isErrorText(text string) bool {
	return strings.HasPrefix(text, "Error ")
}

// truncate cuts s to at most n runes, ending in "..." when there is room.
func truncate(s string, n int) string {
	r := []rune(s)
	switch {
	case len(r) <= n:
		return s
	case n <= 3:
		return string(r[:n])
	}
	return string(r[:n-3]) + "..."
}
