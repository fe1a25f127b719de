// Package tui is an interactive terminal console for a running memkeep
// server. It uses BubbleTea for the application framework and talks to the
// server over RPC.
package tui

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/key"
	"github.com/charmbracelet/bubbles/spinner"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
	"github.com/memkeep/memkeep/lib/rpc"
)

// DefaultRefreshInterval is how often the console polls the server.
const DefaultRefreshInterval = 5 * time.Second

const rpcTimeout = 5 * time.Second

// Tab represents a UI tab.
type Tab int

const (
	TabStatus Tab = iota
	TabPool
	TabMemories
	TabActivity

	tabCount
)

var tabNames = [tabCount]string{
	TabStatus:   "Status",
	TabPool:     "Pool",
	TabMemories: "Memories",
	TabActivity: "Activity",
}

func (t Tab) String() string {
	if t < 0 || t >= tabCount {
		return "Unknown"
	}
	return tabNames[t]
}

// RPCClient is the part of the RPC client the console uses.
type RPCClient interface {
	Status(ctx context.Context) (*rpc.StatusResult, error)
	PoolStats(ctx context.Context) (*rpc.PoolStatsResult, error)
	SaveMemory(ctx context.Context, text, userID string) (string, error)
	ListMemories(ctx context.Context, userID string) (string, error)
	SearchMemories(ctx context.Context, query, userID string, limit int) (string, error)
	Close() error
}

var _ RPCClient = (*rpc.Client)(nil)

// Model is the main TUI application model.
type Model struct {
	client          RPCClient
	userID          string
	refreshInterval time.Duration

	activeTab   Tab
	width       int
	height      int
	ready       bool
	err         error
	lastRefresh time.Time

	status *rpc.StatusResult

	spinner      spinner.Model
	statusView   StatusModel
	poolView     PoolModel
	memoriesView MemoriesModel
	activityView ActivityModel
}

// Config holds TUI configuration.
type Config struct {
	// RPCSocketPath is the path to the RPC Unix socket.
	RPCSocketPath string
	// RPCAuthFile is the path to the RPC auth token file.
	RPCAuthFile string
	// UserID owns the memories the console shows and saves.
	UserID string
	// RefreshInterval is how often to refresh data.
	RefreshInterval time.Duration
}

// New connects to the server and creates the console model.
func New(cfg Config) (*Model, error) {
	client, err := rpc.NewClient(rpc.ClientConfig{
		UnixSocketPath: cfg.RPCSocketPath,
		AuthFile:       cfg.RPCAuthFile,
	})
	if err != nil {
		return nil, fmt.Errorf("connecting to RPC: %w", err)
	}
	return NewWithClient(cfg, client), nil
}

// NewWithClient creates the console model around an existing client.
func NewWithClient(cfg Config, client RPCClient) *Model {
	if cfg.RefreshInterval <= 0 {
		cfg.RefreshInterval = DefaultRefreshInterval
	}

	s := spinner.New(spinner.WithSpinner(spinner.Dot), spinner.WithStyle(styles.BoxTitle))

	return &Model{
		client:          client,
		userID:          cfg.UserID,
		refreshInterval: cfg.RefreshInterval,
		activeTab:       TabStatus,
		spinner:         s,
		statusView:      NewStatusModel(),
		poolView:        NewPoolModel(),
		memoriesView:    NewMemoriesModel(),
		activityView:    NewActivityModel(),
	}
}

// Init starts the spinner and the refresh loop.
func (m Model) Init() tea.Cmd {
	return tea.Batch(
		m.spinner.Tick,
		m.refresh(true),
		tea.SetWindowTitle("memkeep"),
	)
}

// Update handles messages and updates the model.
func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	var cmds []tea.Cmd

	switch msg := msg.(type) {
	case tea.KeyMsg:
		// While typing, keys belong to the input.
		if m.activeTab == TabMemories && m.memoriesView.Editing() {
			if msg.Type == tea.KeyCtrlC {
				return m, tea.Quit
			}
			var cmd tea.Cmd
			m.memoriesView, cmd = m.memoriesView.Update(msg, m.client, m.userID)
			return m, cmd
		}

		switch {
		case key.Matches(msg, keys.Quit):
			return m, tea.Quit
		case key.Matches(msg, keys.Tab):
			m.activeTab = (m.activeTab + 1) % tabCount
		case key.Matches(msg, keys.ShiftTab):
			m.activeTab = (m.activeTab + tabCount - 1) % tabCount
		case key.Matches(msg, keys.Refresh):
			cmds = append(cmds, m.refresh(false))
		case key.Matches(msg, keys.Status):
			m.activeTab = TabStatus
		case key.Matches(msg, keys.Pool):
			m.activeTab = TabPool
		case key.Matches(msg, keys.Memories):
			m.activeTab = TabMemories
		case key.Matches(msg, keys.Activity):
			m.activeTab = TabActivity
		}

		var cmd tea.Cmd
		switch m.activeTab {
		case TabPool:
			m.poolView, cmd = m.poolView.Update(msg)
		case TabMemories:
			m.memoriesView, cmd = m.memoriesView.Update(msg, m.client, m.userID)
		case TabActivity:
			m.activityView, cmd = m.activityView.Update(msg)
		}
		cmds = append(cmds, cmd)

	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		m.ready = true
		contentHeight := m.height - 4 // header and footer
		m.statusView.SetDimensions(m.width, contentHeight)
		m.poolView.SetDimensions(m.width, contentHeight)
		m.memoriesView.SetDimensions(m.width, contentHeight)
		m.activityView.SetDimensions(m.width, contentHeight)

	case refreshMsg:
		m.err = msg.err
		m.lastRefresh = time.Now()
		if msg.err != nil {
			m.activityView.Add(LevelError, "refresh failed: "+msg.err.Error())
		} else {
			m.status = msg.status
			m.statusView.SetData(msg.status)
			m.poolView.SetData(msg.pool)
			m.memoriesView.SetMemories(msg.memories)
		}
		if msg.scheduled {
			cmds = append(cmds, tea.Tick(m.refreshInterval, func(t time.Time) tea.Msg {
				return tickMsg(t)
			}))
		}

	case tickMsg:
		cmds = append(cmds, m.refresh(true))

	case spinner.TickMsg:
		var cmd tea.Cmd
		m.spinner, cmd = m.spinner.Update(msg)
		cmds = append(cmds, cmd)

	case savedMsg:
		m.memoriesView.SetSaveResult(msg.result)
		m.activityView.Add(resultLevel(msg.result), msg.result)
		cmds = append(cmds, m.refresh(false))

	case searchedMsg:
		m.memoriesView.SetSearchResult(msg.query, msg.result)
		if isErrorText(msg.result) {
			m.activityView.Add(LevelError, msg.result)
		} else {
			m.activityView.Add(LevelInfo, fmt.Sprintf("searched %q", msg.query))
		}

	case errMsg:
		m.err = msg.err
		m.memoriesView.SetError(msg.err)
		m.activityView.Add(LevelError, msg.err.Error())
	}

	return m, tea.Batch(cmds...)
}

// View renders the TUI.
func (m Model) View() string {
	if !m.ready {
		return fmt.Sprintf("%s Loading...", m.spinner.View())
	}

	var b strings.Builder

	b.WriteString(m.renderHeader())
	b.WriteString("\n")

	switch m.activeTab {
	case TabStatus:
		b.WriteString(m.statusView.View())
	case TabPool:
		b.WriteString(m.poolView.View())
	case TabMemories:
		b.WriteString(m.memoriesView.View())
	case TabActivity:
		b.WriteString(m.activityView.View())
	}

	b.WriteString("\n")
	b.WriteString(m.renderFooter())

	return b.String()
}

func (m Model) renderHeader() string {
	tabs := make([]string, 0, tabCount)
	for tab := range tabCount {
		style := styles.TabInactive
		if tab == m.activeTab {
			style = styles.TabActive
		}
		tabs = append(tabs, style.Render(tab.String()))
	}
	return lipgloss.JoinHorizontal(lipgloss.Top,
		styles.Title.Render("memkeep"), "  ", lipgloss.JoinHorizontal(lipgloss.Top, tabs...))
}

// hint renders a binding as "key description".
func hint(b key.Binding) string {
	h := b.Help()
	return h.Key + " " + h.Desc
}

// renderFooter puts the key hints for the active tab on the left and the
// last refresh outcome on the right.
func (m Model) renderFooter() string {
	var hints []string
	switch {
	case m.activeTab == TabPool:
		hints = []string{"↑↓ navigate"}
	case m.activeTab == TabActivity:
		hints = []string{"↑↓ scroll"}
	case m.activeTab == TabMemories && m.memoriesView.Editing():
		hints = []string{hint(keys.Enter), hint(keys.Escape)}
	case m.activeTab == TabMemories:
		hints = []string{hint(keys.Search), hint(keys.New), "esc clear"}
	}
	hints = append(hints, "tab switch", hint(keys.Refresh), hint(keys.Quit))
	help := strings.Join(hints, " • ")

	var right string
	switch {
	case m.err != nil:
		right = styles.Error.Render(m.err.Error())
	case m.status != nil:
		right = styles.StatusText.Render(fmt.Sprintf("Clients: %d | %s", m.status.PoolEntries, m.status.Uptime))
	}

	gap := max(0, m.width-lipgloss.Width(help)-lipgloss.Width(right)-2)
	return styles.HelpText.Render(help) + strings.Repeat(" ", gap) + right
}

// refresh fetches status, pool statistics and the user's memories, stopping
// at the first failure. Only scheduled refreshes arm the next tick, so a
// manual refresh never starts a second loop.
func (m Model) refresh(scheduled bool) tea.Cmd {
	client, userID := m.client, m.userID
	return func() tea.Msg {
		ctx, cancel := context.WithTimeout(context.Background(), rpcTimeout)
		defer cancel()

		msg := refreshMsg{scheduled: scheduled}
		msg.err = func() error {
			var err error
			if msg.status, err = client.Status(ctx); err != nil {
				return err
			}
			if msg.pool, err = client.PoolStats(ctx); err != nil {
				return err
			}
			text, err := client.ListMemories(ctx, userID)
			if err != nil {
				return err
			}
			texts, ok := parseMemories(text)
			if !ok {
				return errors.New(text)
			}
			msg.memories = texts
			return nil
		}()
		return msg
	}
}

// Close cleans up resources.
func (m *Model) Close() error {
	if m.client != nil {
		return m.client.Close()
	}
	return nil
}
