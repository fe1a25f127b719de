package tui

import "github.com/charmbracelet/lipgloss"

// Colors adapt to the terminal background.
var (
	accent  = lipgloss.AdaptiveColor{Light: "127", Dark: "205"}
	text    = lipgloss.AdaptiveColor{Light: "235", Dark: "252"}
	faint   = lipgloss.AdaptiveColor{Light: "246", Dark: "241"}
	rule    = lipgloss.AdaptiveColor{Light: "250", Dark: "240"}
	surface = lipgloss.AdaptiveColor{Light: "254", Dark: "236"}
	good    = lipgloss.AdaptiveColor{Light: "28", Dark: "82"}
	caution = lipgloss.AdaptiveColor{Light: "166", Dark: "214"}
	bad     = lipgloss.AdaptiveColor{Light: "160", Dark: "196"}
)

type palette struct {
	Title, BoxTitle, Bold       lipgloss.Style
	TabActive, TabInactive      lipgloss.Style
	HelpText, StatusText, Muted lipgloss.Style
	Error, Success, Warning     lipgloss.Style
	TableHeader, TableRow       lipgloss.Style
	Selected, InputFocus, Box   lipgloss.Style
}

var styles = newPalette()

func newPalette() palette {
	plain := lipgloss.NewStyle()
	bold := plain.Bold(true)
	framed := plain.Border(lipgloss.RoundedBorder())

	return palette{
		Title:    bold.Foreground(accent).Padding(0, 1),
		BoxTitle: bold.Foreground(accent),
		Bold:     bold,

		TabActive:   bold.Foreground(accent).Background(surface).Padding(0, 2),
		TabInactive: plain.Foreground(text).Padding(0, 2),

		HelpText:   plain.Foreground(faint),
		StatusText: plain.Foreground(faint).Italic(true),
		Muted:      plain.Foreground(faint),

		Error:   bold.Foreground(bad),
		Success: bold.Foreground(good),
		Warning: plain.Foreground(caution),

		TableHeader: bold.Foreground(text).
			BorderStyle(lipgloss.NormalBorder()).
			BorderBottom(true).
			BorderForeground(rule),
		TableRow: plain.Foreground(text),

		Selected:   bold.Foreground(text).Background(surface),
		InputFocus: framed.BorderForeground(accent).Padding(0, 1),
		Box:        framed.BorderForeground(rule).Padding(1, 2),
	}
}

// ReclaimerStyle colors a reclaimer state: running is healthy, a pending
// stop is a warning and stopped is an error.
func ReclaimerStyle(state string) lipgloss.Style {
	switch state {
	case "running":
		return styles.Success
	case "stop-requested":
		return styles.Warning
	case "stopped":
		return styles.Error
	}
	return styles.Muted
}
