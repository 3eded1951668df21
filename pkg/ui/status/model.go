package status

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"cargochats/pkg/gateway"
	"cargochats/pkg/supervisor"

	"github.com/charmbracelet/bubbles/spinner"
	"github.com/charmbracelet/bubbles/textinput"
	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
)

// FetchFunc loads one status snapshot.
type FetchFunc func(ctx context.Context) (gateway.StatusResponse, error)

type statusMsg struct {
	status gateway.StatusResponse
	err    error
	at     time.Time
}

type refreshMsg struct{}

type model struct {
	ctx      context.Context
	fetch    FetchFunc
	interval time.Duration

	theme     theme
	spinner   spinner.Model
	filter    textinput.Model
	viewport  viewport.Model
	filtering bool
	width     int
	height    int
	isReady   bool
	isLoading bool

	current *gateway.StatusResponse
	lastErr string
	lastAt  time.Time
}

func newModel(ctx context.Context, fetch FetchFunc, interval time.Duration) *model {
	spin := spinner.New()
	spin.Spinner = spinner.Points
	spin.Style = lipgloss.NewStyle().Foreground(lipgloss.Color("31"))

	in := textinput.New()
	in.Prompt = "/ "
	in.Placeholder = "filter by account, tenant or state"
	in.CharLimit = 64

	if interval <= 0 {
		interval = 2 * time.Second
	}

	return &model{
		ctx:       ctx,
		fetch:     fetch,
		interval:  interval,
		theme:     defaultTheme(),
		spinner:   spin,
		filter:    in,
		viewport:  viewport.New(80, 12),
		width:     110,
		height:    28,
		isLoading: true,
	}
}

func (m *model) Init() tea.Cmd {
	return tea.Batch(m.spinner.Tick, fetchCmd(m.ctx, m.fetch))
}

func (m *model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	var cmd tea.Cmd

	switch typed := msg.(type) {
	case tea.WindowSizeMsg:
		m.width = typed.Width
		m.height = typed.Height
		m.resizeComponents()
		m.refreshViewport()
		m.isReady = true
		return m, nil
	case tea.KeyMsg:
		if m.filtering {
			switch typed.String() {
			case "ctrl+c":
				return m, tea.Quit
			case "esc":
				m.filter.SetValue("")
				m.stopFiltering()
				return m, nil
			case "enter":
				m.stopFiltering()
				return m, nil
			}
			m.filter, cmd = m.filter.Update(msg)
			m.refreshViewport()
			return m, cmd
		}

		switch typed.String() {
		case "ctrl+c", "esc", "q":
			return m, tea.Quit
		case "/":
			m.filtering = true
			m.filter.Focus()
			return m, textinput.Blink
		case "r":
			if m.isLoading {
				return m, nil
			}
			m.isLoading = true
			return m, tea.Batch(m.spinner.Tick, fetchCmd(m.ctx, m.fetch))
		}
		m.viewport, cmd = m.viewport.Update(msg)
		return m, cmd
	case tea.MouseMsg:
		m.handleViewportMouse(typed)
		return m, nil
	case spinner.TickMsg:
		if !m.isLoading {
			return m, nil
		}
		m.spinner, cmd = m.spinner.Update(typed)
		return m, cmd
	case statusMsg:
		m.isLoading = false
		m.lastAt = typed.at
		if typed.err != nil {
			m.lastErr = typed.err.Error()
		} else {
			m.lastErr = ""
			status := typed.status
			m.current = &status
		}
		m.refreshViewport()
		return m, refreshCmd(m.interval)
	case refreshMsg:
		if m.isLoading {
			return m, nil
		}
		m.isLoading = true
		return m, tea.Batch(m.spinner.Tick, fetchCmd(m.ctx, m.fetch))
	}

	return m, nil
}

func (m *model) View() string {
	if !m.isReady {
		m.resizeComponents()
		m.refreshViewport()
	}

	header := m.theme.header.Width(m.width - 2).Render("cargochats supervisor")
	meta := m.theme.headerMeta.Render(summaryLine(m.current))
	line := m.theme.divider.Render(strings.Repeat("═", max(8, m.width-2)))

	status := m.theme.status.Render("r refresh  ·  / filter  ·  ↑/↓ scroll  ·  q quit")
	switch {
	case m.isLoading:
		status = m.theme.statusBusy.Render(fmt.Sprintf("%s refreshing...", m.spinner.View()))
	case m.lastErr != "":
		status = m.theme.statusErr.Render("status unavailable: " + m.lastErr)
	case !m.lastAt.IsZero():
		status += m.theme.hint.Render("  ·  updated " + m.lastAt.Format(time.TimeOnly))
	}

	parts := []string{header, meta, line, m.theme.viewport.Width(m.width - 2).Render(m.viewport.View()), status}
	if m.filtering || m.filter.Value() != "" {
		parts = append(parts, m.theme.filter.Width(m.width-2).Render(m.filter.View()))
	}
	return lipgloss.JoinVertical(lipgloss.Left, parts...)
}

func (m *model) stopFiltering() {
	m.filtering = false
	m.filter.Blur()
	m.refreshViewport()
}

func (m *model) resizeComponents() {
	w := max(60, m.width-6)
	h := max(6, m.height-10)

	m.viewport.Width = w
	m.viewport.Height = h
	m.filter.Width = w - 4
}

func (m *model) refreshViewport() {
	var runtimes []supervisor.RuntimeStatus
	if m.current != nil && m.current.Supervisor != nil {
		runtimes = m.current.Supervisor.Runtimes
	}

	rows := renderTable(m.theme, filterRuntimes(runtimes, m.filter.Value()), time.Now())
	m.viewport.SetContent(strings.Join(rows, "\n"))
}

func (m *model) handleViewportMouse(msg tea.MouseMsg) bool {
	if msg.Action != tea.MouseActionPress {
		return false
	}

	switch msg.Button {
	case tea.MouseButtonWheelUp:
		m.viewport.ScrollUp(3)
		return true
	case tea.MouseButtonWheelDown:
		m.viewport.ScrollDown(3)
		return true
	default:
		return false
	}
}

func fetchCmd(ctx context.Context, fetch FetchFunc) tea.Cmd {
	return func() tea.Msg {
		status, err := fetch(ctx)
		return statusMsg{status: status, err: err, at: time.Now()}
	}
}

func refreshCmd(interval time.Duration) tea.Cmd {
	return tea.Tick(interval, func(time.Time) tea.Msg {
		return refreshMsg{}
	})
}

func summaryLine(current *gateway.StatusResponse) string {
	if current == nil {
		return "waiting for first status..."
	}

	parts := []string{
		"status:" + current.Status,
		"uptime:" + (time.Duration(current.UptimeSeconds) * time.Second).String(),
	}
	if sup := current.Supervisor; sup != nil {
		parts = append(parts,
			"runtimes:"+strconv.Itoa(len(sup.Runtimes)),
			"ticks:"+strconv.FormatUint(sup.Health.Ticks, 10),
			"interval:"+sup.Interval,
		)
		if sup.Health.LastFetchErr != "" {
			parts = append(parts, "fetch error:"+sup.Health.LastFetchErr)
		}
	}
	if current.ReplyBackendError != "" {
		parts = append(parts, "reply backend:"+current.ReplyBackendError)
	}
	return strings.Join(parts, " · ")
}

func filterRuntimes(runtimes []supervisor.RuntimeStatus, query string) []supervisor.RuntimeStatus {
	query = strings.ToLower(strings.TrimSpace(query))
	if query == "" {
		return runtimes
	}

	filtered := make([]supervisor.RuntimeStatus, 0, len(runtimes))
	for _, rt := range runtimes {
		if strings.Contains(strconv.FormatInt(rt.AccountID, 10), query) ||
			strings.Contains(strconv.FormatInt(rt.TenantID, 10), query) ||
			strings.Contains(rt.State, query) {
			filtered = append(filtered, rt)
		}
	}
	return filtered
}

const rowFormat = "%-10s %-8s %-11s %8s %7s %8s %6s %-10s %-13s %s"

func renderTable(t theme, runtimes []supervisor.RuntimeStatus, now time.Time) []string {
	rows := []string{t.tableHead.Render(fmt.Sprintf(rowFormat,
		"ACCOUNT", "TENANT", "STATE", "HANDLED", "FAILED", "DROPPED", "QUEUE", "LAST MSG", "SIGNATURE", "ERROR"))}
	if len(runtimes) == 0 {
		return append(rows, t.hint.Render("no runtimes"))
	}

	for _, rt := range runtimes {
		// Pad before styling so escape codes do not break column widths.
		state := t.stateStyle(rt.State).Render(fmt.Sprintf("%-11s", rt.State))
		row := fmt.Sprintf("%-10d %-8d %s %8d %7d %8d %6d %-10s %-13s %s",
			rt.AccountID,
			rt.TenantID,
			state,
			rt.Handled,
			rt.Failed,
			rt.Dropped,
			rt.QueueLength,
			since(rt.LastMessageAt, now),
			rt.Signature,
			rt.Error,
		)
		rows = append(rows, row)
	}
	return rows
}

func since(at *time.Time, now time.Time) string {
	if at == nil || at.IsZero() {
		return "-"
	}
	return now.Sub(*at).Truncate(time.Second).String() + " ago"
}
