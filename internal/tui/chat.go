// Package tui is the interactive terminal chat behind `greekroom chat`.
package tui

import (
	"context"
	"strings"

	"greekroom/internal/chat"
	"greekroom/internal/gateway"

	"github.com/charmbracelet/bubbles/spinner"
	"github.com/charmbracelet/bubbles/textinput"
	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
)

var (
	titleStyle = lipgloss.NewStyle().
			Background(lipgloss.Color("62")).
			Foreground(lipgloss.Color("230")).
			Padding(0, 1).
			Bold(true)
	userStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("205")).Bold(true)
	botStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("86")).Bold(true)
	toolStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("241"))
	errorStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("9"))
	helpStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("241"))
)

// Asker runs one turn. *gateway.Gateway satisfies it.
type Asker interface {
	Ask(ctx context.Context, identity, text string, opts gateway.AskOptions) (chat.TurnResult, error)
}

type replyMsg struct {
	res chat.TurnResult
	err error
}

// Model is a single-session chat.
type Model struct {
	ctx      context.Context
	asker    Asker
	identity string
	token    string
	header   string

	input   textinput.Model
	vp      viewport.Model
	spinner spinner.Model

	transcript []string
	busy       bool
	width      int
}

// NewModel chats as identity. header is shown above the transcript.
func NewModel(ctx context.Context, asker Asker, identity, token, header string) Model {
	ti := textinput.New()
	ti.Placeholder = "Ask about a text, or type help"
	ti.Prompt = "> "
	ti.Focus()

	sp := spinner.New()
	sp.Spinner = spinner.Dot

	vp := viewport.New(80, 20)

	return Model{
		ctx:      ctx,
		asker:    asker,
		identity: identity,
		token:    token,
		header:   header,
		input:    ti,
		vp:       vp,
		spinner:  sp,
		width:    80,
	}
}

func (m Model) Init() tea.Cmd {
	return textinput.Blink
}

func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	var cmds []tea.Cmd

	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.vp.Width = msg.Width
		m.vp.Height = max(msg.Height-5, 3)
		m.input.Width = max(msg.Width-4, 10)
		m.refresh()
		return m, nil

	case tea.KeyMsg:
		switch msg.Type {
		case tea.KeyCtrlC, tea.KeyEsc:
			return m, tea.Quit
		case tea.KeyEnter:
			if m.busy {
				return m, nil
			}
			text := strings.TrimSpace(m.input.Value())
			if text == "" {
				return m, nil
			}
			switch strings.ToLower(text) {
			case "/exit", "exit", "quit":
				return m, tea.Quit
			}
			m.input.Reset()
			m.busy = true
			m.appendEntry(userStyle.Render("You: ") + text)
			return m, tea.Batch(m.ask(text), m.spinner.Tick)
		case tea.KeyPgUp, tea.KeyPgDown, tea.KeyUp, tea.KeyDown:
			var cmd tea.Cmd
			m.vp, cmd = m.vp.Update(msg)
			return m, cmd
		}

	case replyMsg:
		m.busy = false
		m.appendReply(msg.res, msg.err)
		return m, nil

	case spinner.TickMsg:
		if !m.busy {
			return m, nil
		}
		var cmd tea.Cmd
		m.spinner, cmd = m.spinner.Update(msg)
		return m, cmd
	}

	var cmd tea.Cmd
	m.input, cmd = m.input.Update(msg)
	cmds = append(cmds, cmd)
	return m, tea.Batch(cmds...)
}

func (m Model) ask(text string) tea.Cmd {
	ctx, asker, identity, token := m.ctx, m.asker, m.identity, m.token
	return func() tea.Msg {
		res, err := asker.Ask(ctx, identity, text, gateway.AskOptions{Token: token, Channel: "cli"})
		return replyMsg{res: res, err: err}
	}
}

func (m *Model) appendReply(res chat.TurnResult, err error) {
	if err != nil {
		m.appendEntry(errorStyle.Render(gateway.RenderError(err)))
		return
	}
	if summary := gateway.ToolSummary(res.ToolResults); summary != "" {
		m.appendEntry(toolStyle.Render(summary))
	}
	reply := res.Reply
	if reply == "" && !res.Truncated {
		reply = "🤷 I don't have a response for that."
	}
	if reply != "" {
		m.appendEntry(botStyle.Render("Greek Room: ") + reply)
	}
	if res.Truncated {
		m.appendEntry(errorStyle.Render(gateway.TruncatedNote))
	}
}

func (m *Model) appendEntry(s string) {
	m.transcript = append(m.transcript, s)
	m.refresh()
}

func (m *Model) refresh() {
	wrap := lipgloss.NewStyle().Width(max(m.width-2, 20))
	rendered := make([]string, len(m.transcript))
	for i, s := range m.transcript {
		rendered[i] = wrap.Render(s)
	}
	m.vp.SetContent(strings.Join(rendered, "\n\n"))
	m.vp.GotoBottom()
}

// Transcript returns the entries shown so far, styled.
func (m Model) Transcript() []string {
	return append([]string(nil), m.transcript...)
}

func (m Model) View() string {
	var b strings.Builder
	b.WriteString(titleStyle.Render(" Greek Room "))
	if m.header != "" {
		b.WriteString(" " + helpStyle.Render(m.header))
	}
	b.WriteString("\n")
	b.WriteString(m.vp.View())
	b.WriteString("\n")
	if m.busy {
		b.WriteString(m.spinner.View() + " thinking...")
	} else {
		b.WriteString(m.input.View())
	}
	b.WriteString("\n" + helpStyle.Render("enter: send • /clear: reset • pgup/pgdn: scroll • esc: quit"))
	return b.String()
}

// Run starts the chat and blocks until the user quits.
func Run(ctx context.Context, asker Asker, identity, token, header string) error {
	_, err := tea.NewProgram(NewModel(ctx, asker, identity, token, header), tea.WithAltScreen()).Run()
	return err
}
