package main

import (
	"context"
	"strings"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/gemforge/terminal-agent/internal/pairing"
)

// pairActions is what the TUI needs from the pairing flow.
type pairActions interface {
	Pair(ctx context.Context) error
	Regenerate(ctx context.Context) (string, error)
	Code() string
	TerminalID() string
	SetPresenter(p pairing.Presenter)
}

type (
	codeMsg       string
	invalidMsg    struct{}
	dismissMsg    struct{}
	pairResultMsg struct{ err error }
)

// teaPresenter forwards presenter calls into the running program.
type teaPresenter struct {
	send func(tea.Msg)
}

func (p teaPresenter) ShowCode(code string) { p.send(codeMsg(code)) }
func (p teaPresenter) ShowInvalid()         { p.send(invalidMsg{}) }
func (p teaPresenter) Dismiss()             { p.send(dismissMsg{}) }

var (
	titleStyle = lipgloss.NewStyle().Bold(true).MarginBottom(1)
	codeStyle  = lipgloss.NewStyle().
			Bold(true).
			Padding(1, 4).
			Border(lipgloss.RoundedBorder()).
			BorderForeground(lipgloss.Color("63"))
	invalidStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("196"))
	okStyle      = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("42"))
	hintStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("241")).MarginTop(1)
)

type pairModel struct {
	ctx     context.Context
	flow    pairActions
	send    func(tea.Msg)
	code    string
	invalid bool
	busy    bool
	paired  string
	err     error
}

func newPairModel(ctx context.Context, flow pairActions, send func(tea.Msg)) pairModel {
	return pairModel{ctx: ctx, flow: flow, send: send, code: flow.Code()}
}

// Init attaches the presenter once the program is running, so Send never
// blocks on a program that has not started.
func (m pairModel) Init() tea.Cmd {
	flow, send := m.flow, m.send
	return func() tea.Msg {
		flow.SetPresenter(teaPresenter{send: send})
		return nil
	}
}

func (m pairModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "q", "esc", "ctrl+c":
			return m, tea.Quit
		case "enter", "p":
			if m.busy {
				return m, nil
			}
			m.busy = true
			m.err = nil
			flow, ctx := m.flow, m.ctx
			return m, func() tea.Msg { return pairResultMsg{err: flow.Pair(ctx)} }
		case "r":
			if m.busy {
				return m, nil
			}
			flow, ctx := m.flow, m.ctx
			return m, func() tea.Msg {
				if _, err := flow.Regenerate(ctx); err != nil {
					return pairResultMsg{err: err}
				}
				return nil
			}
		}
	case codeMsg:
		m.code = string(msg)
		m.invalid = false
	case invalidMsg:
		m.invalid = true
	case pairResultMsg:
		m.busy = false
		if msg.err != nil {
			m.err = msg.err
			return m, nil
		}
		m.paired = m.flow.TerminalID()
		return m, tea.Quit
	}
	return m, nil
}

func (m pairModel) View() string {
	var b strings.Builder
	b.WriteString(titleStyle.Render("Pair this terminal"))
	b.WriteString("\n")

	if m.paired != "" {
		b.WriteString(okStyle.Render("Paired as " + m.paired))
		b.WriteString("\n")
		return b.String()
	}

	b.WriteString(codeStyle.Render(formatCode(m.code)))
	b.WriteString("\n")
	switch {
	case m.invalid:
		b.WriteString(invalidStyle.Render("Invalid Code"))
	case m.busy:
		b.WriteString("Pairing…")
	default:
		b.WriteString("Enter this code in the admin console, then press Enter.")
	}
	b.WriteString("\n")
	b.WriteString(hintStyle.Render("[enter] pair   [r] new code   [q] quit"))
	b.WriteString("\n")
	return b.String()
}

// formatCode splits a 6-digit code into two groups for reading aloud.
func formatCode(code string) string {
	if len(code) != 6 {
		return code
	}
	return code[:3] + " " + code[3:]
}

// runPairTUI blocks until the terminal is paired or the user quits. It
// returns the new terminal id, or "" when cancelled.
func runPairTUI(ctx context.Context, flow pairActions) (string, error) {
	var prog *tea.Program
	send := func(msg tea.Msg) { prog.Send(msg) }
	prog = tea.NewProgram(newPairModel(ctx, flow, send))
	final, err := prog.Run()
	if err != nil {
		return "", err
	}
	return final.(pairModel).paired, nil
}
