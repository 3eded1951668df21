package cmd

import (
	"context"
	"fmt"
	"net"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"cargochats/pkg/config"
	"cargochats/pkg/gateway"
	uistatus "cargochats/pkg/ui/status"

	"github.com/spf13/cobra"
)

const defaultStatusPort = 18790

var (
	statusAddr     string
	statusWatch    bool
	statusInterval time.Duration
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show the running supervisor's runtimes",
	Long:  "Reads /status from a running supervisor and prints every account runtime, or keeps a live dashboard open with --watch.",
	Run: func(cmd *cobra.Command, args []string) {
		_ = args

		addr := strings.TrimSpace(statusAddr)
		if addr == "" {
			cfg, err := loadConfig()
			if err != nil {
				fmt.Printf("failed to load config: %v\n", err)
				return
			}
			addr = statusAddress(cfg.Gateway)
		}

		client := gateway.NewStatusClient(addr, 5*time.Second)

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		if statusWatch {
			if err := uistatus.Watch(ctx, client.Status, statusInterval); err != nil {
				fmt.Printf("status dashboard failed: %v\n", err)
			}
			return
		}

		current, err := client.Status(ctx)
		if err != nil {
			fmt.Printf("failed to read status: %v\n", err)
			return
		}
		if err := uistatus.Print(cmd.OutOrStdout(), current); err != nil {
			fmt.Printf("failed to print status: %v\n", err)
		}
	},
}

func init() {
	rootCmd.AddCommand(statusCmd)
	statusCmd.Flags().StringVar(&statusAddr, "addr", "", "status server address (default: gateway host/port from config)")
	statusCmd.Flags().BoolVarP(&statusWatch, "watch", "w", false, "keep a live dashboard open")
	statusCmd.Flags().DurationVar(&statusInterval, "interval", 2*time.Second, "dashboard refresh interval")
}

// statusAddress maps the server's bind address to one a local client can dial.
func statusAddress(cfg config.GatewayConfig) string {
	host := strings.TrimSpace(cfg.Host)
	switch host {
	case "", "0.0.0.0", "::":
		host = "127.0.0.1"
	}

	port := cfg.Port
	if port <= 0 {
		port = defaultStatusPort
	}

	return net.JoinHostPort(host, strconv.Itoa(port))
}
