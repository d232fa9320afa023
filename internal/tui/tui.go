// ABOUTME: Operator terminal dashboard: current group, peer count, now-playing, and ports
// ABOUTME: Adapted from the ambient server status TUI, polling appstate instead of a client map
package tui

import (
	"fmt"
	"strings"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/chorusmesh/harmonia/internal/appstate"
)

// pollInterval is how often the dashboard re-reads appstate.
const pollInterval = 250 * time.Millisecond

// Dashboard manages the operator TUI.
type Dashboard struct {
	program  *tea.Program
	quitChan chan struct{}
}

type tickMsg time.Time
type snapshotMsg appstate.Snapshot

type model struct {
	snap      appstate.Snapshot
	startTime time.Time
	quitting  bool
	quitChan  chan struct{}
	state     *appstate.State
}

func (m model) Init() tea.Cmd {
	return tea.Batch(tickEvery(), pollSnapshot(m.state))
}

func tickEvery() tea.Cmd {
	return tea.Tick(pollInterval, func(t time.Time) tea.Msg { return tickMsg(t) })
}

func pollSnapshot(state *appstate.State) tea.Cmd {
	return func() tea.Msg { return snapshotMsg(state.Snapshot()) }
}

func (m model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		if msg.String() == "q" || msg.String() == "ctrl+c" {
			m.quitting = true
			select {
			case m.quitChan <- struct{}{}:
			default:
			}
			return m, tea.Quit
		}

	case tickMsg:
		return m, tea.Batch(tickEvery(), pollSnapshot(m.state))

	case snapshotMsg:
		m.snap = appstate.Snapshot(msg)
		return m, nil
	}
	return m, nil
}

func (m model) View() string {
	if m.quitting {
		return "Shutting down...\n"
	}

	titleStyle := lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("205")).MarginBottom(1)
	headerStyle := lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("86"))
	valueStyle := lipgloss.NewStyle().Foreground(lipgloss.Color("250"))
	groupStyle := lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("220"))

	var b strings.Builder
	b.WriteString(titleStyle.Render("Harmonia"))
	b.WriteString("\n\n")

	b.WriteString(headerStyle.Render("Nick: "))
	b.WriteString(valueStyle.Render(orNone(m.snap.Nick)))
	b.WriteString("\n")

	b.WriteString(headerStyle.Render("Uptime: "))
	b.WriteString(valueStyle.Render(time.Since(m.startTime).Round(time.Second).String()))
	b.WriteString("\n")

	b.WriteString(headerStyle.Render("Playing: "))
	b.WriteString(valueStyle.Render(orNone(m.snap.NowPlaying)))
	b.WriteString("\n\n")

	group := "(solo)"
	if m.snap.InGroup && m.snap.GroupID != "" {
		group = m.snap.GroupID
	}
	b.WriteString(groupStyle.Render(fmt.Sprintf("Group: %s  (%d peers)", group, m.snap.NumPeers)))
	b.WriteString("\n\n")

	b.WriteString(headerStyle.Render(fmt.Sprintf("MIDI ports (%d)", len(m.snap.Ports))))
	b.WriteString("\n")
	if len(m.snap.Ports) == 0 {
		b.WriteString(valueStyle.Render("  none detected"))
		b.WriteString("\n")
	}
	for _, p := range m.snap.Ports {
		b.WriteString(valueStyle.Render("  " + p))
		b.WriteString("\n")
	}

	b.WriteString("\n")
	b.WriteString(lipgloss.NewStyle().Faint(true).Render("Press 'q' or Ctrl+C to quit"))
	return b.String()
}

func orNone(s string) string {
	if s == "" {
		return "(none)"
	}
	return s
}

// New constructs a Dashboard. Call Start with the state to display to run it.
func New() *Dashboard {
	return &Dashboard{quitChan: make(chan struct{}, 1)}
}

// Start runs the dashboard's event loop until the operator quits. It
// blocks until then, so callers run it in its own goroutine.
func (d *Dashboard) Start(state *appstate.State) error {
	m := model{startTime: time.Now(), quitChan: d.quitChan, state: state}
	d.program = tea.NewProgram(m, tea.WithAltScreen())
	_, err := d.program.Run()
	return err
}

// Stop ends the dashboard's event loop.
func (d *Dashboard) Stop() {
	if d.program != nil {
		d.program.Quit()
	}
}

// QuitChan receives a value when the operator presses q/Ctrl+C, telling the
// caller to begin the same shutdown sequence as SIGINT/SIGTERM. It is never
// closed.
func (d *Dashboard) QuitChan() <-chan struct{} {
	return d.quitChan
}
