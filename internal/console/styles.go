// Package console renders pipeline progress events as styled terminal lines.
package console

import (
	"github.com/charmbracelet/lipgloss"
)

// Styles groups the lipgloss styles used by the Reporter. Styles are bound to
// a renderer so output to a non-terminal stays plain.
type Styles struct {
	Running  lipgloss.Style
	Complete lipgloss.Style
	Failed   lipgloss.Style
	Pending  lipgloss.Style
	Title    lipgloss.Style
	Help     lipgloss.Style
}

// NewStyles builds the status palette for r.
func NewStyles(r *lipgloss.Renderer) Styles {
	return Styles{
		Running: r.NewStyle().
			Foreground(lipgloss.Color("yellow")).
			Bold(true),
		Complete: r.NewStyle().
			Foreground(lipgloss.Color("green")).
			Bold(true),
		Failed: r.NewStyle().
			Foreground(lipgloss.Color("red")).
			Bold(true),
		Pending: r.NewStyle().
			Foreground(lipgloss.Color("240")),
		Title: r.NewStyle().
			Bold(true),
		Help: r.NewStyle().
			Foreground(lipgloss.Color("241")),
	}
}
