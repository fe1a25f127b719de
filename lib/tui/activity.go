package tui

import (
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
)

// Activity levels.
const (
	LevelInfo  = "INFO"
	LevelWarn  = "WARN"
	LevelError = "ERROR"
)

// maxActivityEntries caps the activity history.
const maxActivityEntries = 500

// ActivityEntry is one line of console activity.
type ActivityEntry struct {
	Time    time.Time
	Level   string
	Message string
}

// ActivityModel shows what the console has done: saves, searches and
// failed refreshes.
type ActivityModel struct {
	entries  []ActivityEntry
	viewport viewport.Model
	ready    bool
	width    int
	height   int
	follow   bool // auto-scroll to bottom
}

// NewActivityModel creates a new activity view model.
func NewActivityModel() ActivityModel {
	return ActivityModel{
		follow: true,
	}
}

// Add appends an entry, dropping the oldest past the cap.
func (m *ActivityModel) Add(level, message string) {
	m.entries = append(m.entries, ActivityEntry{Time: time.Now(), Level: level, Message: message})
	if over := len(m.entries) - maxActivityEntries; over > 0 {
		m.entries = append([]ActivityEntry(nil), m.entries[over:]...)
	}
	if m.ready {
		m.updateViewport()
	}
}

// Entries returns the recorded entries, oldest first.
func (m ActivityModel) Entries() []ActivityEntry {
	return m.entries
}

// SetDimensions sets the view dimensions.
func (m *ActivityModel) SetDimensions(width, height int) {
	m.width = width
	m.height = height
	if !m.ready {
		m.viewport = viewport.New(width, max(1, height-2))
		m.ready = true
	} else {
		m.viewport.Width = width
		m.viewport.Height = max(1, height-2)
	}
	m.updateViewport()
}

// Update handles scrolling.
func (m ActivityModel) Update(msg tea.Msg) (ActivityModel, tea.Cmd) {
	if keyMsg, ok := msg.(tea.KeyMsg); ok {
		switch keyMsg.String() {
		case "g":
			m.viewport.GotoTop()
			m.follow = false
			return m, nil
		case "G":
			m.viewport.GotoBottom()
			m.follow = true
			return m, nil
		}
	}

	var cmd tea.Cmd
	m.viewport, cmd = m.viewport.Update(msg)
	m.follow = m.viewport.AtBottom()
	return m, cmd
}

// View renders the activity view.
func (m ActivityModel) View() string {
	if !m.ready {
		return styles.Muted.Render("Initializing...")
	}
	if len(m.entries) == 0 {
		return styles.Muted.Render("No activity yet")
	}

	header := styles.Muted.Render(fmt.Sprintf(
		"Activity ─ %d entries │ (g)top (G)bottom", len(m.entries)))
	footer := styles.Muted.Render(fmt.Sprintf(
		"─── %.0f%% ───", m.viewport.ScrollPercent()*100))

	return lipgloss.JoinVertical(lipgloss.Left, header, m.viewport.View(), footer)
}

func (m *ActivityModel) updateViewport() {
	var content strings.Builder
	for _, entry := range m.entries {
		content.WriteString(formatEntry(entry))
		content.WriteString("\n")
	}
	m.viewport.SetContent(content.String())
	if m.follow {
		m.viewport.GotoBottom()
	}
}

func formatEntry(entry ActivityEntry) string {
	return fmt.Sprintf("%s %s %s",
		styles.Muted.Render(entry.Time.Format("15:04:05")),
		levelStyle(entry.Level).Render(fmt.Sprintf("[%-5s]", entry.Level)),
		entry.Message,
	)
}

func levelStyle(level string) lipgloss.Style {
	switch level {
	case LevelError:
		return styles.Error
	case LevelWarn:
		return styles.Warning
	case LevelInfo:
		return styles.Success
	default:
		return lipgloss.NewStyle()
	}
}

// resultLevel classifies a memory result text.
func resultLevel(result string) string {
	if isErrorText(result) {
		return LevelError
	}
	return LevelInfo
}
