package tui

import "github.com/charmbracelet/lipgloss"

var (
	indigo = lipgloss.Color("63")
	grey   = lipgloss.Color("240")
	green  = lipgloss.Color("10")
	red    = lipgloss.Color("9")
	border = lipgloss.Color("62")
)

// Styles holds every lipgloss style the dashboard renders with.
type Styles struct {
	Header     lipgloss.Style
	Clock      lipgloss.Style
	StatusOK   lipgloss.Style
	StatusBad  lipgloss.Style
	Muted      lipgloss.Style
	Panel      lipgloss.Style
	PanelTitle lipgloss.Style
	Prompt     lipgloss.Style
}

func NewStyles(lg *lipgloss.Renderer) *Styles {
	s := Styles{}
	s.Header = lg.NewStyle().Bold(true).Foreground(indigo)
	s.Clock = lg.NewStyle().Foreground(grey)
	s.StatusOK = lg.NewStyle().Bold(true).Foreground(green)
	s.StatusBad = lg.NewStyle().Bold(true).Foreground(red)
	s.Muted = lg.NewStyle().Foreground(grey)
	s.Panel = lg.NewStyle().Border(lipgloss.RoundedBorder()).BorderForeground(border).Padding(0, 1)
	s.PanelTitle = lg.NewStyle().Bold(true).Foreground(indigo)
	s.Prompt = lg.NewStyle().Bold(true).Foreground(indigo)
	return &s
}
