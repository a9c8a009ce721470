package main

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/charmbracelet/bubbles/help"
	"github.com/charmbracelet/bubbles/key"
	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/wippyai/wasm-tls/machine"
	"github.com/wippyai/wasm-tls/tls"
)

var (
	titleStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("#FAFAFA")).
			Background(lipgloss.Color("#7D56F4")).
			Padding(0, 1)

	funcStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#98FB98"))

	threadStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#87CEEB"))

	eventStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#FFD580"))

	sectionStyle = lipgloss.NewStyle().
			Bold(true).
			Underline(true)

	resultStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#90EE90"))

	errorStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#FF6B6B"))

	helpStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#666666"))
)

type keyMap struct {
	Step key.Binding
	Run  key.Binding
	Up   key.Binding
	Down key.Binding
	Help key.Binding
	Quit key.Binding
}

func (k keyMap) ShortHelp() []key.Binding {
	return []key.Binding{k.Step, k.Run, k.Help, k.Quit}
}

func (k keyMap) FullHelp() [][]key.Binding {
	return [][]key.Binding{
		{k.Step, k.Run},
		{k.Up, k.Down},
		{k.Help, k.Quit},
	}
}

var keys = keyMap{
	Step: key.NewBinding(key.WithKeys("s", " "), key.WithHelp("s/space", "step")),
	Run:  key.NewBinding(key.WithKeys("r"), key.WithHelp("r", "run/pause")),
	Up:   key.NewBinding(key.WithKeys("up", "k"), key.WithHelp("↑/k", "scroll log up")),
	Down: key.NewBinding(key.WithKeys("down", "j"), key.WithHelp("↓/j", "scroll log down")),
	Help: key.NewBinding(key.WithKeys("?"), key.WithHelp("?", "toggle help")),
	Quit: key.NewBinding(key.WithKeys("q", "ctrl+c"), key.WithHelp("q", "quit")),
}

const (
	logHeight = 12
	// runBatch is the number of steps taken per message while running, so
	// key presses are handled between batches.
	runBatch = 256
)

type runMsg struct{}

func continueRun() tea.Msg { return runMsg{} }

type interactiveModel struct {
	err     error
	session *session
	opts    options
	events  []string
	log     viewport.Model
	help    help.Model
	done    bool
	running bool
}

type loadedMsg struct {
	err     error
	session *session
}

func newInteractiveModel(opts options) *interactiveModel {
	return &interactiveModel{
		opts: opts,
		log:  viewport.New(80, logHeight),
		help: help.New(),
	}
}

func (m *interactiveModel) Init() tea.Cmd {
	return m.load
}

func (m *interactiveModel) load() tea.Msg {
	s, err := openSession(context.Background(), m.opts)
	if err != nil {
		return loadedMsg{err: err}
	}
	return loadedMsg{session: s}
}

func (m *interactiveModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case loadedMsg:
		if msg.err != nil {
			m.err = msg.err
			return m, nil
		}
		m.session = msg.session
		m.session.machine.Subscribe(machine.ObserverFunc(m.record))
		return m, nil

	case tea.WindowSizeMsg:
		m.log.Width = msg.Width
		m.help.Width = msg.Width
		return m, nil

	case tea.KeyMsg:
		switch {
		case key.Matches(msg, keys.Quit):
			if m.session != nil {
				m.session.program.Close(context.Background())
			}
			return m, tea.Quit

		case key.Matches(msg, keys.Help):
			m.help.ShowAll = !m.help.ShowAll
			return m, nil

		case key.Matches(msg, keys.Step):
			m.running = false
			m.step()
			return m, nil

		case key.Matches(msg, keys.Run):
			// A second press pauses.
			m.running = !m.running
			if m.running {
				return m, continueRun
			}
			return m, nil
		}

	case runMsg:
		if !m.running {
			return m, nil
		}
		for i := 0; i < runBatch && m.running; i++ {
			m.step()
		}
		if m.running {
			return m, continueRun
		}
		return m, nil
	}

	var cmd tea.Cmd
	m.log, cmd = m.log.Update(msg)
	return m, cmd
}

func (m *interactiveModel) step() {
	if m.session == nil || m.done || m.err != nil {
		m.running = false
		return
	}
	var progressed bool
	err := guard(func() error {
		var err error
		progressed, err = m.session.machine.Step(context.Background())
		return err
	})
	if err != nil {
		m.err = err
		m.running = false
		return
	}
	if !progressed {
		m.done = true
		m.running = false
	}
}

func (m *interactiveModel) record(e machine.Event) {
	plain := func(_ lipgloss.Style, s string) string { return s }
	m.events = append(m.events, formatEvent(e, plain))
	m.log.SetContent(strings.Join(m.events, "\n"))
	m.log.GotoBottom()
}

func (m *interactiveModel) View() string {
	if m.session == nil {
		if m.err != nil {
			return errorStyle.Render(fmt.Sprintf("Error: %v\n\nPress q to quit.", m.err))
		}
		return "Loading module..."
	}

	var b strings.Builder
	mach := m.session.machine

	b.WriteString(titleStyle.Render("TLS Stepper"))
	b.WriteString(" ")
	b.WriteString(m.opts.wasmFile)
	b.WriteString(helpStyle.Render(fmt.Sprintf("  %s  step %d", mach.Target(), mach.Steps())))
	b.WriteString("\n\n")

	b.WriteString(sectionStyle.Render("Threads"))
	b.WriteString("\n")
	for _, id := range mach.Threads() {
		state, _ := mach.ThreadState(id)
		fmt.Fprintf(&b, "  %s %-10s %s\n",
			threadStyle.Render(fmt.Sprintf("t%-3d", id)),
			state,
			helpStyle.Render("dtors "+mach.Dispatcher().DtorState(id).String()))
	}
	b.WriteString("\n")

	b.WriteString(sectionStyle.Render("TLS keys"))
	b.WriteString("\n")
	keyInfos := mach.TLS().Snapshot()
	if len(keyInfos) == 0 {
		b.WriteString(helpStyle.Render("  none"))
		b.WriteString("\n")
	}
	for _, k := range keyInfos {
		dtor := k.Dtor
		if dtor == "" {
			dtor = "-"
		}
		fmt.Fprintf(&b, "  %-4d %s %s\n", k.Key, funcStyle.Render(dtor), formatValues(k.Values))
	}
	b.WriteString("\n")

	b.WriteString(sectionStyle.Render("Events"))
	b.WriteString("\n")
	b.WriteString(m.log.View())
	b.WriteString("\n\n")

	switch {
	case m.err != nil:
		b.WriteString(errorStyle.Render(fmt.Sprintf("Error: %v", m.err)))
		b.WriteString("\n\n")
	case m.done:
		b.WriteString(resultStyle.Render(fmt.Sprintf("All threads exited after %d steps.", mach.Steps())))
		b.WriteString("\n\n")
	}

	b.WriteString(m.help.View(keys))
	return b.String()
}

func formatValues(values map[tls.ThreadID]tls.Scalar) string {
	ids := make([]tls.ThreadID, 0, len(values))
	for id := range values {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	parts := make([]string, len(ids))
	for i, id := range ids {
		parts[i] = fmt.Sprintf("t%d=%#x", id, uint64(values[id]))
	}
	return strings.Join(parts, " ")
}

func runInteractive(opts options) error {
	p := tea.NewProgram(newInteractiveModel(opts), tea.WithAltScreen())
	_, err := p.Run()
	return err
}
