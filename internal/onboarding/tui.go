// Package onboarding is the interactive setup wizard behind `greekroom init`.
package onboarding

import (
	"encoding/json"
	"fmt"
	"net/http"
	"sort"
	"strings"
	"time"

	"greekroom/internal/config"
	"greekroom/internal/llm"
	"greekroom/internal/middleware"

	"github.com/charmbracelet/bubbles/list"
	"github.com/charmbracelet/bubbles/textinput"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
)

// --- Styles ---

var (
	focusedStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("205"))
	helpStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("241"))
	errorStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("9"))
	titleStyle   = lipgloss.NewStyle().
			Background(lipgloss.Color("62")).
			Foreground(lipgloss.Color("230")).
			Padding(0, 1).
			Bold(true)

	docStyle = lipgloss.NewStyle().Padding(1, 2)

	activeTabStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("205")).
			Border(lipgloss.NormalBorder(), false, false, true, false).
			BorderForeground(lipgloss.Color("205")).
			Padding(0, 1)

	inactiveTabStyle = lipgloss.NewStyle().
				Padding(0, 1)

	windowStyle = lipgloss.NewStyle().
			Border(lipgloss.NormalBorder()).
			BorderForeground(lipgloss.Color("62")).
			Padding(1)
)

// --- Types ---

type state int

const (
	stateProvider state = iota
	stateAPIKey
	stateModel
	stateMCPURL
	stateMiddlewares
	stateDone
)

type item struct {
	title, desc string
}

func (i item) Title() string       { return i.title }
func (i item) Description() string { return i.desc }
func (i item) FilterValue() string { return i.title }

type savedMsg struct{ err error }

// Model is the wizard's bubbletea model.
type Model struct {
	path string

	state       state
	provider    string
	model       string
	apiKey      string
	baseURL     string
	mcpURL      string
	middlewares []config.MiddlewareSetting

	list  list.Model
	input textinput.Model
	err   error
	saved bool

	cursor int // for middleware list
	width  int
	height int

	// localModels lists models served by a local Ollama.
	localModels func() []item
}

// --- Ollama Discovery ---

type ollamaResponse struct {
	Models []struct {
		Name string `json:"name"`
	} `json:"models"`
}

func fetchOllamaModels() []item {
	client := &http.Client{Timeout: 2 * time.Second}
	resp, err := client.Get("http://localhost:11434/api/tags")
	if err != nil {
		return []item{{title: "llama3.2", desc: "Default fallback (Ollama not responding)"}}
	}
	defer resp.Body.Close()

	var data ollamaResponse
	if err := json.NewDecoder(resp.Body).Decode(&data); err != nil || len(data.Models) == 0 {
		return []item{{title: "llama3.2", desc: "Default fallback (no models reported)"}}
	}
	items := make([]item, len(data.Models))
	for i, m := range data.Models {
		items[i] = item{title: m.Name, desc: "Local Ollama model"}
	}
	return items
}

func cloudModels(provider string) []item {
	switch llm.Provider(provider) {
	case llm.ProviderOpenAI:
		return []item{{title: "gpt-4o", desc: "Best OpenAI model"}, {title: "gpt-4o-mini", desc: "Fast OpenAI model"}}
	case llm.ProviderAnthropic:
		return []item{{title: "claude-3-5-sonnet-latest", desc: "Best Anthropic model"}}
	case llm.ProviderGemini:
		return []item{{title: "gemini-2.5-flash", desc: "Fast Google model"}, {title: "gemini-2.5-pro", desc: "Powerful Google model"}}
	default:
		return []item{{title: llm.DefaultPredictionGuardModel, desc: "Prediction Guard hosted model"}}
	}
}

// --- Initial Model ---

// NewModel starts a wizard that writes its result to path.
func NewModel(path string) Model {
	providers := []list.Item{
		item{title: string(llm.ProviderPredictionGuard), desc: "Prediction Guard (OpenAI-compatible, default)"},
		item{title: string(llm.ProviderOpenAI), desc: "OpenAI GPT models (requires API Key)"},
		item{title: string(llm.ProviderOllama), desc: "Local execution via Ollama"},
		item{title: string(llm.ProviderAnthropic), desc: "Claude models (requires API Key)"},
		item{title: string(llm.ProviderGemini), desc: "Google Gemini models (requires API Key)"},
	}
	l := list.New(providers, list.NewDefaultDelegate(), 0, 0)
	l.Title = "Select AI Provider"
	l.SetShowHelp(false)

	ti := textinput.New()
	ti.Focus()

	registered := middleware.Registered()
	sort.Slice(registered, func(i, j int) bool { return registered[i].ID() < registered[j].ID() })
	settings := make([]config.MiddlewareSetting, len(registered))
	for i, mw := range registered {
		settings[i] = config.MiddlewareSetting{ID: mw.ID(), Enabled: true}
	}

	return Model{
		path:        path,
		state:       stateProvider,
		list:        l,
		input:       ti,
		middlewares: settings,
		localModels: fetchOllamaModels,
	}
}

func (m Model) Init() tea.Cmd {
	return nil
}

func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		if msg.String() == "ctrl+c" {
			return m, tea.Quit
		}
	case tea.WindowSizeMsg:
		m.width, m.height = msg.Width, msg.Height
		m.list.SetSize(msg.Width-10, msg.Height-15)
	case savedMsg:
		m.err = msg.err
		m.saved = msg.err == nil
		return m, nil
	}

	var cmd tea.Cmd
	enter := false
	if k, ok := msg.(tea.KeyMsg); ok && k.Type == tea.KeyEnter {
		enter = true
	}

	switch m.state {
	case stateProvider:
		m.list, cmd = m.list.Update(msg)
		if i, ok := m.list.SelectedItem().(item); ok && enter {
			m.provider = i.title
			if llm.Provider(m.provider) == llm.ProviderOllama {
				m.baseURL = "http://localhost:11434"
				m.showModels(m.localModels(), "Select Local Model")
				m.state = stateModel
			} else {
				m.input.Prompt = fmt.Sprintf("%s API Key (empty to use the environment): ", m.provider)
				m.input.EchoMode = textinput.EchoPassword
				m.input.SetValue("")
				m.state = stateAPIKey
			}
		}

	case stateAPIKey:
		m.input, cmd = m.input.Update(msg)
		if enter {
			m.apiKey = strings.TrimSpace(m.input.Value())
			m.showModels(cloudModels(m.provider), "Select Cloud Model")
			m.state = stateModel
		}

	case stateModel:
		m.list, cmd = m.list.Update(msg)
		if i, ok := m.list.SelectedItem().(item); ok && enter {
			m.model = i.title
			m.input.Prompt = "MCP server URL: "
			m.input.EchoMode = textinput.EchoNormal
			m.input.SetValue(config.Default().MCPURL)
			m.state = stateMCPURL
		}

	case stateMCPURL:
		m.input, cmd = m.input.Update(msg)
		if enter {
			m.mcpURL = strings.TrimSpace(m.input.Value())
			m.state = stateMiddlewares
		}

	case stateMiddlewares:
		if k, ok := msg.(tea.KeyMsg); ok {
			switch k.String() {
			case "up", "k":
				if m.cursor > 0 {
					m.cursor--
				}
			case "down", "j":
				if m.cursor < len(m.middlewares)-1 {
					m.cursor++
				}
			case " ":
				if len(m.middlewares) > 0 {
					m.middlewares[m.cursor].Enabled = !m.middlewares[m.cursor].Enabled
				}
			case "enter":
				m.state = stateDone
				return m, m.saveConfig()
			}
		}

	case stateDone:
		if _, ok := msg.(tea.KeyMsg); ok && (m.saved || m.err != nil) {
			return m, tea.Quit
		}
	}

	return m, cmd
}

func (m *Model) showModels(models []item, title string) {
	items := make([]list.Item, len(models))
	for i, it := range models {
		items[i] = it
	}
	m.list.SetItems(items)
	m.list.Select(0)
	m.list.Title = title
}

// File is the config file the wizard would write right now.
func (m Model) File() *config.File {
	return &config.File{
		Provider:    m.provider,
		Model:       m.model,
		BaseURL:     m.baseURL,
		APIKey:      m.apiKey,
		MCPURL:      m.mcpURL,
		Middlewares: append([]config.MiddlewareSetting(nil), m.middlewares...),
	}
}

func (m Model) saveConfig() tea.Cmd {
	f, path := m.File(), m.path
	return func() tea.Msg {
		return savedMsg{err: f.Save(path)}
	}
}

func (m Model) View() string {
	var s strings.Builder
	s.WriteString(titleStyle.Render(" Greek Room Setup "))
	s.WriteString("\n\n")

	tabs := []string{"Provider", "Model", "Tools", "Middlewares", "Finish"}
	current := map[state]int{
		stateProvider: 0, stateAPIKey: 0, stateModel: 1,
		stateMCPURL: 2, stateMiddlewares: 3, stateDone: 4,
	}[m.state]
	rendered := make([]string, len(tabs))
	for i, t := range tabs {
		if i == current {
			rendered[i] = activeTabStyle.Render(t)
		} else {
			rendered[i] = inactiveTabStyle.Render(t)
		}
	}
	s.WriteString(lipgloss.JoinHorizontal(lipgloss.Top, rendered...))
	s.WriteString("\n\n")

	var content string
	switch m.state {
	case stateProvider, stateModel:
		content = m.list.View()
	case stateAPIKey, stateMCPURL:
		content = "\n" + m.input.View() + "\n\n" + helpStyle.Render("Press enter to continue")
	case stateMiddlewares:
		var b strings.Builder
		b.WriteString("Toggle middlewares with [SPACE], press [ENTER] to finish.\n\n")
		for i, mw := range m.middlewares {
			cursor, checked := " ", " "
			if m.cursor == i {
				cursor = ">"
			}
			if mw.Enabled {
				checked = "x"
			}
			line := fmt.Sprintf("%s [%s] %s", cursor, checked, mw.ID)
			if m.cursor == i {
				line = focusedStyle.Render(line)
			}
			b.WriteString(line + "\n")
		}
		content = b.String()
	case stateDone:
		switch {
		case m.err != nil:
			content = errorStyle.Render("Saving failed: "+m.err.Error()) + "\nPress any key to exit."
		case m.saved:
			content = fmt.Sprintf("\nSaved configuration to %s.\nRun `greekroom --config %s tools` to check the tool service.\nPress any key to exit.", m.path, m.path)
		default:
			content = "\nSaving configuration to " + m.path + "..."
		}
	}

	w, h := m.width-10, m.height-15
	if w < 20 {
		w = 60
	}
	if h < 5 {
		h = 12
	}
	s.WriteString(windowStyle.Width(w).Height(h).Render(content))
	if m.state != stateDone {
		s.WriteString("\n\n" + helpStyle.Render("ctrl+c: quit • ↑/↓: navigate • enter: select"))
	}
	return docStyle.Render(s.String())
}

// --- Runner ---

// Run shows the wizard and writes the config file to path.
func Run(path string) error {
	final, err := tea.NewProgram(NewModel(path), tea.WithAltScreen()).Run()
	if err != nil {
		return err
	}
	if m, ok := final.(Model); ok && m.err != nil {
		return m.err
	}
	return nil
}
