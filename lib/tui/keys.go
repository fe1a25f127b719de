package tui

import "github.com/charmbracelet/bubbles/key"

type keyMap struct {
	Quit, Refresh      key.Binding
	Tab, ShiftTab      key.Binding
	Up, Down           key.Binding
	Enter, Escape      key.Binding
	Search, New        key.Binding
	Status, Pool       key.Binding
	Memories, Activity key.Binding
}

// bind builds a binding whose help label is its first key.
func bind(desc string, k ...string) key.Binding {
	return key.NewBinding(key.WithKeys(k...), key.WithHelp(k[0], desc))
}

var keys = keyMap{
	Quit:     bind("quit", "q", "ctrl+c"),
	Refresh:  bind("refresh", "r"),
	Tab:      bind("next tab", "tab"),
	ShiftTab: bind("prev tab", "shift+tab"),

	Up:   key.NewBinding(key.WithKeys("up", "k"), key.WithHelp("↑/k", "up")),
	Down: key.NewBinding(key.WithKeys("down", "j"), key.WithHelp("↓/j", "down")),

	Enter:  bind("submit", "enter"),
	Escape: bind("cancel", "esc"),
	Search: bind("search", "/"),
	New:    bind("new memory", "n"),

	// Number keys jump straight to a tab.
	Status:   bind("status", "1"),
	Pool:     bind("pool", "2"),
	Memories: bind("memories", "3"),
	Activity: bind("activity", "4"),
}
