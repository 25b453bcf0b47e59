package main

import (
	"context"
	"time"

	"github.com/charmbracelet/bubbles/spinner"
	tea "github.com/charmbracelet/bubbletea"
)

// tickMsg is sent on every refresh interval.
type tickMsg time.Time

// snapshotMsg carries a fetched state snapshot. nil means the state
// database is not readable yet (daemon never started).
type snapshotMsg *Snapshot

// refreshInterval is how often the dashboard polls the state database.
const refreshInterval = 2 * time.Second

// tickCmd returns a command that sends a tickMsg after the refresh interval.
func tickCmd() tea.Cmd {
	return tea.Tick(refreshInterval, func(t time.Time) tea.Msg {
		return tickMsg(t)
	})
}

// fetchSnapshotCmd returns a tea.Cmd that reads the state database.
func fetchSnapshotCmd() tea.Cmd {
	return func() tea.Msg {
		snap, _ := FetchSnapshot(context.Background(), defaultDBPath(), defaultPIDPath())
		return snapshotMsg(snap)
	}
}

// ViewType represents different views in the dashboard.
type ViewType int

const (
	// TasksView shows scheduled task states.
	TasksView ViewType = iota
	// RunsView shows recent run history.
	RunsView
	// EventsView shows the raw event feed.
	EventsView
)

// Model is the Bubble Tea model for the valet dashboard.
type Model struct {
	activeView ViewType
	snap       *Snapshot
	loaded     bool

	// UI state
	width   int
	height  int
	spinner spinner.Model
	styles  styleSet
}

// newModel creates a new Model initialized with TasksView active.
func newModel() Model {
	styles := newStyleSet()
	s := spinner.New(
		spinner.WithSpinner(spinner.Dot),
		spinner.WithStyle(styles.Spinner),
	)
	return Model{
		activeView: TasksView,
		spinner:    s,
		styles:     styles,
	}
}

// Init implements tea.Model.
func (m Model) Init() tea.Cmd {
	cmds := []tea.Cmd{fetchSnapshotCmd(), tickCmd(), m.spinner.Tick}
	if watch := watchStateDir(defaultDBPath()); watch != nil {
		cmds = append(cmds, watch)
	}
	return tea.Batch(cmds...)
}

// Update implements tea.Model.
func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		return m.handleKeyPress(msg)

	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height

	case snapshotMsg:
		m.loaded = true
		if msg != nil {
			m.snap = (*Snapshot)(msg)
		}

	case tickMsg:
		return m, tea.Batch(fetchSnapshotCmd(), tickCmd())

	case fsChangeMsg:
		cmds := []tea.Cmd{fetchSnapshotCmd()}
		if watch := watchStateDir(defaultDBPath()); watch != nil {
			cmds = append(cmds, watch)
		}
		return m, tea.Batch(cmds...)

	case spinner.TickMsg:
		if !m.loaded {
			var cmd tea.Cmd
			m.spinner, cmd = m.spinner.Update(msg)
			return m, cmd
		}
	}
	return m, nil
}

// handleKeyPress routes key events.
func (m Model) handleKeyPress(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch msg.String() {
	case "q", "ctrl+c":
		return m, tea.Quit
	case "1", "t":
		m.activeView = TasksView
	case "2", "u":
		m.activeView = RunsView
	case "3", "e":
		m.activeView = EventsView
	case "tab":
		m.activeView = (m.activeView + 1) % 3
	case "r":
		return m, fetchSnapshotCmd()
	}
	return m, nil
}

// View implements tea.Model.
func (m Model) View() string {
	if !m.loaded {
		return m.spinner.View() + " loading valet state..."
	}
	return m.render()
}
