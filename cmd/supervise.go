package cmd

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"cargochats/pkg/bus"
	"cargochats/pkg/channel/telegram"
	"cargochats/pkg/config"
	"cargochats/pkg/gateway"
	"cargochats/pkg/logger"
	"cargochats/pkg/reply"
	"cargochats/pkg/store"
	"cargochats/pkg/supervisor"

	"github.com/spf13/cobra"
)

var superviseCmd = &cobra.Command{
	Use:     "supervise",
	Aliases: []string{"gateway"},
	Short:   "Run the account supervisor",
	Long:    "Reconciles live Telegram connections against the account store and serves health, readiness, status and metrics endpoints.",
	Run: func(cmd *cobra.Command, args []string) {
		_ = args

		cfg, err := loadConfig()
		if err != nil {
			fmt.Printf("failed to load config: %v\n", err)
			return
		}

		appLogger, err := logger.New(cfg.Logging)
		if err != nil {
			fmt.Printf("failed to initialize logger: %v\n", err)
			return
		}
		slog.SetDefault(appLogger)
		log := slog.Default().With("component", "cmd.supervise")

		runCtx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		if err := runSupervisor(runCtx, cfg, log); err != nil {
			if errors.Is(err, context.Canceled) {
				return
			}
			log.Error("Supervisor failed", "error", err)
			os.Exit(1)
		}
	},
}

func init() {
	rootCmd.AddCommand(superviseCmd)
}

func runSupervisor(ctx context.Context, cfg *config.Config, log *slog.Logger) error {
	st, err := store.Open(cfg.Store.Path, store.WithLogger(log))
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer st.Close()

	replies, err := reply.New(cfg, st, st, log)
	if err != nil {
		return fmt.Errorf("initialize reply backend: %w", err)
	}

	events := bus.NewEventBus()
	defer events.Close()
	go supervisor.ObserveEvents(ctx, events, log)

	sup := supervisor.New(st, supervisor.Deps{
		Connections:      telegram.NewProvider(cfg.Channels.Telegram, log),
		Generator:        replies,
		SentLog:          st,
		Events:           events,
		Log:              log,
		ErrorPrefixLimit: cfg.Replies.ErrorPrefixLimit,
	}, cfg.Supervisor)

	svc, err := gateway.NewService(cfg, sup, replies, log)
	if err != nil {
		return fmt.Errorf("initialize status server: %w", err)
	}

	log.Info("Supervisor starting",
		"store", cfg.Store.Path,
		"reply_provider", cfg.Replies.Provider,
		"model", cfg.Replies.Model,
		"interval", cfg.Supervisor.Interval(),
		"status_address", svc.Addr(),
	)
	return svc.Run(ctx)
}
