package cmd

import (
	"os"
	"strings"

	"cargochats/pkg/config"

	"github.com/spf13/cobra"
)

var configPath string

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "cargochats",
	Short: "Supervise per-tenant Telegram bot connections",
	Long: `cargochats keeps one live Telegram connection per eligible bot account,
answers each inbound private message with a generated reply, and exposes
health, readiness and status endpoints while it runs.`,
}

// Execute adds all child commands to the root command and sets flags appropriately.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "path to config.json (default: $CARGOCHATS_CONFIG, ./config.json, ./config/config.json)")
}

func loadConfig() (*config.Config, error) {
	if path := strings.TrimSpace(configPath); path != "" {
		return config.LoadConfigFile(path)
	}
	return config.LoadConfig()
}
