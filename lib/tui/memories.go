package tui

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/key"
	"github.com/charmbracelet/bubbles/textinput"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/memkeep/memkeep/lib/validation"
)

// memoryTimeout bounds a save or search; both may call the embedder and
// the LLM.
const memoryTimeout = 60 * time.Second

// MemoriesMode is the input mode of the memories view.
type MemoriesMode int

const (
	MemoriesModeBrowse MemoriesMode = iota
	MemoriesModeSearch
	MemoriesModeSave
)

// MemoriesModel lists the user's memories and runs searches and saves.
type MemoriesModel struct {
	mode      MemoriesMode
	textInput textinput.Model

	all     []string
	results []string
	query   string
	cursor  int

	message string
	isError bool
	pending bool

	width  int
	height int
}

// NewMemoriesModel creates a new memories view model.
func NewMemoriesModel() MemoriesModel {
	ti := textinput.New()
	ti.CharLimit = validation.MaxMemoryTextLength
	ti.Width = 60

	return MemoriesModel{
		textInput: ti,
	}
}

// SetDimensions sets the view dimensions.
func (m *MemoriesModel) SetDimensions(width, height int) {
	m.width = width
	m.height = height
	m.textInput.Width = max(20, min(width-6, 100))
}

// Editing reports whether the view is collecting input.
func (m MemoriesModel) Editing() bool {
	return m.mode != MemoriesModeBrowse
}

// SetMemories replaces the full list.
func (m *MemoriesModel) SetMemories(texts []string) {
	m.all = texts
	m.clampCursor()
}

// SetSaveResult shows the outcome of a save.
func (m *MemoriesModel) SetSaveResult(result string) {
	m.pending = false
	m.message = result
	m.isError = isErrorText(result)
}

// SetSearchResult shows the matches of a search.
func (m *MemoriesModel) SetSearchResult(query, result string) {
	m.pending = false
	texts, ok := parseMemories(result)
	if !ok {
		m.message = result
		m.isError = true
		return
	}
	m.query = query
	m.results = texts
	m.cursor = 0
	m.message = fmt.Sprintf("%d result(s) for %q", len(texts), query)
	m.isError = false
}

// SetError shows an RPC failure.
func (m *MemoriesModel) SetError(err error) {
	m.pending = false
	m.message = err.Error()
	m.isError = true
}

// visible returns the texts on screen: search results while a query is
// active, otherwise every memory.
func (m MemoriesModel) visible() []string {
	if m.query != "" {
		return m.results
	}
	return m.all
}

func (m *MemoriesModel) clampCursor() {
	if n := len(m.visible()); m.cursor >= n {
		m.cursor = max(0, n-1)
	}
}

// Update handles keyboard input.
func (m MemoriesModel) Update(msg tea.KeyMsg, client RPCClient, userID string) (MemoriesModel, tea.Cmd) {
	if m.mode == MemoriesModeBrowse {
		return m.handleBrowseKey(msg)
	}
	return m.handleInputKey(msg, client, userID)
}

func (m MemoriesModel) handleBrowseKey(msg tea.KeyMsg) (MemoriesModel, tea.Cmd) {
	switch {
	case key.Matches(msg, keys.Up):
		if m.cursor > 0 {
			m.cursor--
		}
	case key.Matches(msg, keys.Down):
		if m.cursor < len(m.visible())-1 {
			m.cursor++
		}
	case key.Matches(msg, keys.Escape):
		m.query = ""
		m.results = nil
		m.message = ""
		m.clampCursor()
	case key.Matches(msg, keys.Search):
		return m.startInput(MemoriesModeSearch, "Search memories...")
	case key.Matches(msg, keys.New):
		return m.startInput(MemoriesModeSave, "Something to remember...")
	}
	return m, nil
}

func (m MemoriesModel) startInput(mode MemoriesMode, placeholder string) (MemoriesModel, tea.Cmd) {
	if m.pending {
		return m, nil
	}
	m.mode = mode
	m.message = ""
	m.textInput.Placeholder = placeholder
	m.textInput.SetValue("")
	m.textInput.Focus()
	return m, textinput.Blink
}

func (m MemoriesModel) handleInputKey(msg tea.KeyMsg, client RPCClient, userID string) (MemoriesModel, tea.Cmd) {
	switch {
	case key.Matches(msg, keys.Escape):
		m.mode = MemoriesModeBrowse
		m.textInput.Blur()
		return m, nil
	case key.Matches(msg, keys.Enter):
		text := strings.TrimSpace(m.textInput.Value())
		if text == "" {
			return m, nil
		}
		mode := m.mode
		m.mode = MemoriesModeBrowse
		m.textInput.Blur()
		m.pending = true
		if mode == MemoriesModeSave {
			m.message = "Saving..."
			return m, saveMemory(client, text, userID)
		}
		m.message = "Searching..."
		return m, searchMemories(client, text, userID)
	}

	var cmd tea.Cmd
	m.textInput, cmd = m.textInput.Update(msg)
	return m, cmd
}

// View renders the memories view.
func (m MemoriesModel) View() string {
	var b strings.Builder

	switch m.mode {
	case MemoriesModeSearch:
		b.WriteString(styles.BoxTitle.Render("Search"))
		b.WriteString("\n")
		b.WriteString(styles.InputFocus.Render(m.textInput.View()))
		b.WriteString("\n\n")
	case MemoriesModeSave:
		b.WriteString(styles.BoxTitle.Render("New memory"))
		b.WriteString("\n")
		b.WriteString(styles.InputFocus.Render(m.textInput.View()))
		b.WriteString("\n\n")
	}

	if m.message != "" {
		style := styles.Success
		if m.isError {
			style = styles.Error
		} else if m.pending {
			style = styles.Muted
		}
		b.WriteString(style.Render(m.message))
		b.WriteString("\n\n")
	}

	texts := m.visible()
	if len(texts) == 0 {
		if m.query != "" {
			b.WriteString(styles.Muted.Render("No matches"))
			return b.String()
		}
		b.WriteString(renderEmptyState(m.width, m.height-strings.Count(b.String(), "\n"),
			"No Memories Yet",
			"Saved memories for this user appear here.",
			[]string{"Press n to save one"},
		))
		return b.String()
	}

	title := fmt.Sprintf("All memories (%d)", len(texts))
	if m.query != "" {
		title = fmt.Sprintf("Matches for %q", m.query)
	}
	b.WriteString(styles.TableHeader.Render(title))
	b.WriteString("\n")

	for i, text := range texts {
		row := truncate(text, max(10, m.width-4))
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

func saveMemory(client RPCClient, text, userID string) tea.Cmd {
	return func() tea.Msg {
		ctx, cancel := context.WithTimeout(context.Background(), memoryTimeout)
		defer cancel()

		result, err := client.SaveMemory(ctx, text, userID)
		if err != nil {
			return errMsg{err: err}
		}
		return savedMsg{text: text, result: result}
	}
}

// searchMemories leaves the limit to the server default.
func searchMemories(client RPCClient, query, userID string) tea.Cmd {
	return func() tea.Msg {
		ctx, cancel := context.WithTimeout(context.Background(), memoryTimeout)
		defer cancel()

		result, err := client.SearchMemories(ctx, query, userID, 0)
		if err != nil {
			return errMsg{err: err}
		}
		return searchedMsg{query: query, result: result}
	}
}
