package tui

import (
	"fmt"
	"strings"

	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
	"github.com/muesli/reflow/wordwrap"
)

// model is the bubbletea model for a static report viewer, grounded on
// the teacher's replay pager model (minus live-reload/search, which
// the report viewer's one-shot CLI invocations don't need).
type model struct {
	title    string
	content  string
	viewport viewport.Model
	ready    bool
}

// Run renders content in a scrollable, full-screen viewer titled title.
func Run(title, content string) error {
	prog := tea.NewProgram(&model{title: title, content: content}, tea.WithAltScreen())
	_, err := prog.Run()
	return err
}

func (m *model) Init() tea.Cmd { return nil }

func (m *model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	var cmd tea.Cmd

	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "q", "ctrl+c", "esc":
			return m, tea.Quit
		case "g":
			m.viewport.GotoTop()
		case "G":
			m.viewport.GotoBottom()
		}

	case tea.WindowSizeMsg:
		headerHeight, footerHeight := 1, 1
		wrapped := wordwrap.String(m.content, msg.Width)
		if !m.ready {
			m.viewport = viewport.New(msg.Width, msg.Height-headerHeight-footerHeight)
			m.viewport.YPosition = headerHeight
			m.viewport.SetContent(wrapped)
			m.ready = true
		} else {
			m.viewport.Width = msg.Width
			m.viewport.Height = msg.Height - headerHeight - footerHeight
			m.viewport.SetContent(wrapped)
		}
	}

	m.viewport, cmd = m.viewport.Update(msg)
	return m, cmd
}

func (m *model) View() string {
	if !m.ready {
		return "\n  Loading..."
	}

	header := titleStyle.Render(m.title)
	rule := infoStyle.Render(strings.Repeat("─", max(0, m.viewport.Width-lipgloss.Width(header))))

	percent := 100
	if total := m.viewport.TotalLineCount(); total > m.viewport.Height {
		percent = int(float64(m.viewport.YOffset) / float64(total-m.viewport.Height) * 100)
	}
	footer := helpStyle.Render(" q: quit │ g/G: top/bottom ") + infoStyle.Render(fmt.Sprintf(" %d%% ", percent))

	return header + rule + "\n" + m.viewport.View() + "\n" + footer
}

func max(a, b int) int {
	if a > b {
		return a
	}
	return b
}
