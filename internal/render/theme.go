package render

import "github.com/charmbracelet/lipgloss"

// Colors.
var (
	colorPrimary = lipgloss.Color("#16A34A") // green
	colorAccent  = lipgloss.Color("#F59E0B") // amber
	colorMuted   = lipgloss.Color("#6B7280") // gray-500
	colorSubtle  = lipgloss.Color("#9CA3AF") // gray-400
)

// styles are bound to the renderer of the output writer so colour is only
// emitted to terminals.
type styles struct {
	title    lipgloss.Style
	header   lipgloss.Style
	weekend  lipgloss.Style
	cell     lipgloss.Style
	customer lipgloss.Style
	muted    lipgloss.Style
	border   lipgloss.Style
}

func newStyles(r *lipgloss.Renderer) styles {
	return styles{
		title: r.NewStyle().
			Bold(true).
			Foreground(colorPrimary).
			MarginBottom(1),
		header: r.NewStyle().
			Bold(true).
			Foreground(colorPrimary).
			Padding(0, 1).
			Align(lipgloss.Center),
		weekend: r.NewStyle().
			Bold(true).
			Foreground(colorAccent).
			Padding(0, 1).
			Align(lipgloss.Center),
		cell: r.NewStyle().
			Padding(0, 1),
		customer: r.NewStyle().
			Bold(true),
		muted: r.NewStyle().
			Foreground(colorSubtle),
		border: r.NewStyle().
			Foreground(colorMuted),
	}
}
