package tui

import (
	"fmt"
	"strings"

	"github.com/charmbracelet/bubbles/key"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/memkeep/memkeep/lib/rpc"
)

// PoolModel shows memory client pool statistics and the pooled keys.
type PoolModel struct {
	stats  *rpc.PoolStatsResult
	cursor int
	width  int
	height int
}

// NewPoolModel creates a new pool view model.
func NewPoolModel() PoolModel {
	return PoolModel{}
}

// SetData updates the pool statistics.
func (m *PoolModel) SetData(stats *rpc.PoolStatsResult) {
	m.stats = stats
	if m.stats != nil && m.cursor >= len(m.stats.Keys) {
		m.cursor = max(0, len(m.stats.Keys)-1)
	}
}

// SetDimensions sets the view dimensions.
func (m *PoolModel) SetDimensions(width, height int) {
	m.width = width
	m.height = height
}

// Update moves the key cursor.
func (m PoolModel) Update(msg tea.KeyMsg) (PoolModel, tea.Cmd) {
	switch {
	case key.Matches(msg, keys.Up):
		if m.cursor > 0 {
			m.cursor--
		}
	case key.Matches(msg, keys.Down):
		if m.stats != nil && m.cursor < len(m.stats.Keys)-1 {
			m.cursor++
		}
	}
	return m, nil
}

// SelectedKey returns the key under the cursor, or "".
func (m PoolModel) SelectedKey() string {
	if m.stats == nil || m.cursor < 0 || m.cursor >= len(m.stats.Keys) {
		return ""
	}
	return m.stats.Keys[m.cursor]
}

// View renders the pool view.
func (m PoolModel) View() string {
	if m.stats == nil {
		return styles.Muted.Render("Loading pool statistics...")
	}

	s := m.stats
	var b strings.Builder
	b.WriteString(panel("Memory Clients",
		statusRow("Clients", fmt.Sprintf("%d/%d (%d draining)", s.Entries, s.MaxSize, s.Draining)),
		statusRow("References", fmt.Sprintf("%d", s.Refs)),
		statusRow("Acquires", fmt.Sprintf("%d (%d failed)", s.Acquires, s.AcquireFailed)),
		statusRow("Created", fmt.Sprintf("%d", s.Created)),
		statusRow("Releases", fmt.Sprintf("%d", s.Releases)),
		statusRow("Evictions", fmt.Sprintf("%d", s.Evictions)),
		statusRow("Teardown errs", fmt.Sprintf("%d", s.TeardownErrors)),
		statusRow("Reclaimer", ReclaimerStyle(s.Reclaimer).Render(s.Reclaimer)),
	))
	b.WriteString("\n\n")

	if len(s.Keys) == 0 {
		b.WriteString(styles.Muted.Render("No pooled clients"))
		return b.String()
	}

	b.WriteString(styles.TableHeader.Render("KEY"))
	b.WriteString("\n")
	for i, k := range s.Keys {
		row := truncate(k, max(10, m.width-4))
		if i == m.cursor {
			row = styles.Selected.Render(row)
		} else {
			row = styles.TableRow.Render(row)
		}
		b.WriteString(row)
		b.WriteString("\n")
	}

	return b.String()
}
