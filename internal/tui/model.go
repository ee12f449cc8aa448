// Package tui renders a terminal dashboard over a running cluster or a
// simulator CSV feed: a node table, a scrolling event log, and a one
// line command input.
package tui

import (
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/table"
	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
)

// Source is what the dashboard shows. Implementations sit over a live
// in-process cluster or a coverage CSV being written by the simulator.
type Source interface {
	// Title labels the dashboard header.
	Title() string
	// Columns and Rows make up the node table, refreshed every tick.
	Columns() []string
	Rows() [][]string
	// Status reports whether the cluster has converged plus a short note.
	Status() (ok bool, note string)
	// Drain returns log lines accumulated since the last call.
	Drain() []string
	// Exec runs one command line. A non-empty echo is printed back to
	// the log; quit ends the program.
	Exec(line string) (echo string, quit bool)
	Close()
}

type tickMsg time.Time

const (
	refreshEvery = 250 * time.Millisecond
	maxLogLines  = 500
)

func tick() tea.Cmd {
	return tea.Tick(refreshEvery, func(t time.Time) tea.Msg { return tickMsg(t) })
}

type Model struct {
	src    Source
	styles *Styles

	nodes  table.Model
	events viewport.Model
	input  string
	lines  []string

	width  int
	height int
}

func New(src Source) Model {
	columns := src.Columns()
	cols := make([]table.Column, len(columns))
	for i, c := range columns {
		w := len(c) + 4
		if w < 10 {
			w = 10
		}
		cols[i] = table.Column{Title: c, Width: w}
	}
	h := len(src.Rows())
	if h < 3 {
		h = 3
	}
	if h > 12 {
		h = 12
	}
	t := table.New(table.WithColumns(cols), table.WithHeight(h))
	st := table.DefaultStyles()
	st.Header = st.Header.
		BorderStyle(lipgloss.NormalBorder()).
		BorderForeground(grey).
		BorderBottom(true).
		Bold(true)
	st.Selected = st.Selected.
		Foreground(lipgloss.Color("229")).
		Background(lipgloss.Color("57"))
	t.SetStyles(st)

	return Model{
		src:    src,
		styles: NewStyles(lipgloss.DefaultRenderer()),
		nodes:  t,
		events: viewport.New(100, 14),
		width:  120,
		height: 32,
	}
}

func (m Model) Init() tea.Cmd {
	return tea.Batch(tea.EnterAltScreen, tea.SetWindowTitle("maelstrom watch"), tick())
}

func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "ctrl+c", "esc":
			m.src.Close()
			return m, tea.Quit
		case "enter":
			line := strings.TrimSpace(m.input)
			m.input = ""
			if line == "" {
				break
			}
			m.push("> " + line)
			echo, quit := m.src.Exec(line)
			if echo != "" {
				m.push(strings.Split(echo, "\n")...)
			}
			if quit {
				m.src.Close()
				return m, tea.Quit
			}
		case "backspace":
			if len(m.input) > 0 {
				m.input = m.input[:len(m.input)-1]
			}
		case "up", "down", "pgup", "pgdown":
			var cmd tea.Cmd
			m.events, cmd = m.events.Update(msg)
			return m, cmd
		default:
			if s := msg.String(); len(s) == 1 {
				m.input += s
			}
		}
	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		m.layout()
	case tickMsg:
		m.refresh()
		return m, tick()
	}
	return m, nil
}

func (m Model) View() string {
	s := m.styles
	header := s.Header.Render(m.src.Title()) +
		s.Clock.Render("  "+time.Now().Format("15:04:05"))

	ok, note := m.src.Status()
	status := s.StatusBad.Render("OUT OF SYNC")
	if ok {
		status = s.StatusOK.Render("IN SYNC")
	}
	statusLine := status + s.Muted.Render("  "+note+"  (esc quits, 'help' lists commands)")

	nodesPanel := s.PanelTitle.Render("Nodes") + "\n" + m.nodes.View()
	eventsPanel := s.Panel.Render(s.PanelTitle.Render("Events") + "\n" + m.events.View())
	prompt := s.Prompt.Render("> ") + m.input + "_"

	return strings.Join([]string{header, statusLine, "", nodesPanel, eventsPanel, prompt}, "\n")
}

// refresh pulls the latest table rows and log lines from the source.
func (m *Model) refresh() {
	rows := m.src.Rows()
	trows := make([]table.Row, len(rows))
	for i, r := range rows {
		trows[i] = table.Row(r)
	}
	m.nodes.SetRows(trows)
	if lines := m.src.Drain(); len(lines) > 0 {
		m.push(lines...)
	}
}

func (m *Model) push(lines ...string) {
	m.lines = append(m.lines, lines...)
	if len(m.lines) > maxLogLines {
		m.lines = m.lines[len(m.lines)-maxLogLines:]
	}
	m.events.SetContent(strings.Join(m.lines, "\n"))
	m.events.GotoBottom()
}

func (m *Model) layout() {
	w := m.width - 6
	if w < 40 {
		w = 40
	}
	m.events.Width = w

	h := m.height - m.nodes.Height() - 9
	if h < 5 {
		h = 5
	}
	m.events.Height = h
}
