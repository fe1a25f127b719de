package tui

import (
	"strconv"

	"github.com/charmbracelet/lipgloss"
	"github.com/memkeep/memkeep/lib/rpc"
)

// StatusModel shows what the server reports about itself and its storage.
type StatusModel struct {
	status        *rpc.StatusResult
	width, height int
}

func NewStatusModel() StatusModel { return StatusModel{} }

func (m *StatusModel) SetData(status *rpc.StatusResult) { m.status = status }

func (m *StatusModel) SetDimensions(width, height int) {
	m.width, m.height = width, height
}

func (m StatusModel) View() string {
	st := m.status
	if st == nil {
		return styles.Muted.Render("Loading status...")
	}

	state := styles.Success
	if st.State != "running" {
		state = styles.Warning
	}
	// A negative count means the server could not ask the database.
	sessions := styles.Warning.Render("unknown")
	if st.DatabaseSessions >= 0 {
		sessions = strconv.Itoa(st.DatabaseSessions)
	}

	return lipgloss.JoinVertical(lipgloss.Left,
		panel("Server",
			statusRow("State", state.Render(st.State)),
			statusRow("Name", st.Name),
			statusRow("Version", st.Version),
			statusRow("Uptime", orNotSet(st.Uptime)),
		),
		"",
		panel("Storage",
			statusRow("Clients", strconv.Itoa(st.PoolEntries)),
			statusRow("DB sessions", sessions),
		),
	)
}

// panel frames rows under a title.
func panel(title string, rows ...string) string {
	body := append([]string{styles.BoxTitle.Render(title), ""}, rows...)
	return styles.Box.Width(60).Render(lipgloss.JoinVertical(lipgloss.Left, body...))
}

func statusRow(label, value string) string {
	return styles.Muted.Width(15).Render(label+":") + " " + value
}

func orNotSet(v string) string {
	if v == "" {
		return styles.Muted.Render("(not set)")
	}
	return v
}
