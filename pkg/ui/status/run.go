package status

import (
	"context"
	"fmt"
	"io"
	"strings"
	"time"

	"cargochats/pkg/gateway"
	"cargochats/pkg/supervisor"

	tea "github.com/charmbracelet/bubbletea"
)

// Watch runs the live dashboard until the user quits or ctx ends.
func Watch(ctx context.Context, fetch FetchFunc, interval time.Duration) error {
	program := tea.NewProgram(
		newModel(ctx, fetch, interval),
		tea.WithAltScreen(),
		tea.WithMouseCellMotion(),
		tea.WithContext(ctx),
	)
	_, err := program.Run()
	if err != nil && ctx.Err() != nil {
		return nil
	}
	return err
}

// Print writes a one-off status report.
func Print(w io.Writer, current gateway.StatusResponse) error {
	t := defaultTheme()

	var runtimes []supervisor.RuntimeStatus
	if current.Supervisor != nil {
		runtimes = current.Supervisor.Runtimes
	}

	lines := append([]string{summaryLine(&current), ""}, renderTable(t, runtimes, time.Now())...)
	_, err := fmt.Fprintln(w, strings.Join(lines, "\n"))
	return err
}
