package status

import "github.com/charmbracelet/lipgloss"

// theme groups reusable styles for dashboard regions.
type theme struct {
	header     lipgloss.Style
	headerMeta lipgloss.Style
	divider    lipgloss.Style
	tableHead  lipgloss.Style
	row        lipgloss.Style
	running    lipgloss.Style
	degraded   lipgloss.Style
	crashed    lipgloss.Style
	status     lipgloss.Style
	statusBusy lipgloss.Style
	statusErr  lipgloss.Style
	hint       lipgloss.Style
	filter     lipgloss.Style
	viewport   lipgloss.Style
}

func defaultTheme() theme {
	return theme{
		header: lipgloss.NewStyle().
			Bold(true).
			Padding(0, 1).
			Foreground(lipgloss.Color("230")).
			Background(lipgloss.Color("24")),
		headerMeta: lipgloss.NewStyle().
			Foreground(lipgloss.Color("153")),
		divider: lipgloss.NewStyle().
			Foreground(lipgloss.Color("31")),
		tableHead: lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("229")),
		row: lipgloss.NewStyle().
			Foreground(lipgloss.Color("252")),
		running: lipgloss.NewStyle().
			Foreground(lipgloss.Color("114")).
			Bold(true),
		degraded: lipgloss.NewStyle().
			Foreground(lipgloss.Color("222")).
			Bold(true),
		crashed: lipgloss.NewStyle().
			Foreground(lipgloss.Color("203")).
			Bold(true),
		status: lipgloss.NewStyle().
			Foreground(lipgloss.Color("250")).
			Bold(true),
		statusBusy: lipgloss.NewStyle().
			Foreground(lipgloss.Color("222")).
			Bold(true),
		statusErr: lipgloss.NewStyle().
			Foreground(lipgloss.Color("203")).
			Bold(true),
		hint: lipgloss.NewStyle().
			Foreground(lipgloss.Color("244")),
		filter: lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(lipgloss.Color("31")).
			Padding(0, 1),
		viewport: lipgloss.NewStyle().
			Border(lipgloss.ThickBorder()).
			BorderForeground(lipgloss.Color("31")).
			Padding(0, 1),
	}
}

// stateStyle colors a runtime state column.
func (t theme) stateStyle(state string) lipgloss.Style {
	switch state {
	case "running":
		return t.running
	case "crashed":
		return t.crashed
	case "connecting", "stopping":
		return t.degraded
	default:
		return t.row
	}
}
