// Package supervisor keeps one live Runtime per eligible account by
// periodically reconciling a desired-state snapshot against the Registry.
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"cargochats/pkg/account"
	"cargochats/pkg/config"
)

const readyIntervals = 3

// Supervisor drives the Reconciler on a fixed interval until its context ends.
type Supervisor struct {
	fetcher      account.Fetcher
	registry     *Registry
	reconciler   *Reconciler
	interval     time.Duration
	fetchTimeout time.Duration
	log          *slog.Logger

	mu     sync.RWMutex
	health Health
}

// Health describes the most recent ticks.
type Health struct {
	Ticks        uint64    `json:"ticks"`
	LastTickAt   time.Time `json:"last_tick_at"`
	LastFetchAt  time.Time `json:"last_fetch_at"`
	LastFetchErr string    `json:"last_fetch_error,omitempty"`
	LastReport   Summary   `json:"last_report"`
}

// Summary is the JSON-friendly form of a Report.
type Summary struct {
	Started []int64          `json:"started,omitempty"`
	Stopped []int64          `json:"stopped,omitempty"`
	Evicted []int64          `json:"evicted,omitempty"`
	Failed  map[int64]string `json:"failed,omitempty"`
}

// Status is the full point-in-time view served by the status endpoint.
type Status struct {
	Health   Health          `json:"health"`
	Ready    bool            `json:"ready"`
	Interval string          `json:"interval"`
	Runtimes []RuntimeStatus `json:"runtimes"`
}

// New wires a Supervisor whose runtimes are started with deps.
func New(fetcher account.Fetcher, deps Deps, cfg config.SupervisorConfig) *Supervisor {
	if deps.Log == nil {
		deps.Log = slog.Default()
	}
	if deps.PollInterval <= 0 {
		deps.PollInterval = cfg.PollInterval()
	}
	if deps.ConnectTimeout <= 0 {
		deps.ConnectTimeout = cfg.ConnectTimeout()
	}
	if deps.QueueCapacity <= 0 {
		deps.QueueCapacity = cfg.QueueCapacity
	}

	registry := NewRegistry()
	start := func(ctx context.Context, accountCfg account.Config) (*Runtime, error) {
		return Start(ctx, accountCfg, deps)
	}

	interval := cfg.Interval()
	if interval <= 0 {
		interval = 5 * time.Second
	}

	return &Supervisor{
		fetcher:      fetcher,
		registry:     registry,
		reconciler:   NewReconciler(registry, start, cfg.StopTimeout(), cfg.MaxParallel, deps.Events, deps.Log),
		interval:     interval,
		fetchTimeout: cfg.FetchTimeout(),
		log:          deps.Log.With("component", "supervisor.loop"),
	}
}

func (s *Supervisor) Registry() *Registry {
	return s.registry
}

// Run reconciles immediately and then every interval. When ctx is cancelled
// it stops every runtime and returns nil.
func (s *Supervisor) Run(ctx context.Context) error {
	s.log.Info("Supervisor started", "interval", s.interval)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		// Errors are logged inside Tick; the next tick retries.
		_, _ = s.Tick(ctx)

		select {
		case <-ctx.Done():
			s.log.Info("Supervisor stopping", "runtimes", s.registry.Len())
			if err := s.reconciler.StopAll(); err != nil {
				s.log.Warn("Shutdown incomplete", "error", err)
			}
			s.log.Info("Supervisor stopped")
			return nil
		case <-ticker.C:
		}
	}
}

// Tick performs one fetch and reconciliation. A fetch failure leaves the
// registry untouched. Panics are recovered and returned as errors.
func (s *Supervisor) Tick(ctx context.Context) (report Report, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("reconcile panic: %v", r)
			reconcileTotal.WithLabelValues("panic").Inc()
			s.log.Error("Reconciliation panicked", "error", err)
		}
	}()

	if ctx.Err() != nil {
		return Report{}, ctx.Err()
	}

	desired, err := s.fetch(ctx)
	now := time.Now().UTC()
	s.mu.Lock()
	s.health.Ticks++
	s.health.LastTickAt = now
	if err != nil {
		s.health.LastFetchErr = err.Error()
	} else {
		s.health.LastFetchAt = now
		s.health.LastFetchErr = ""
	}
	s.mu.Unlock()

	if err != nil {
		reconcileTotal.WithLabelValues("fetch_error").Inc()
		s.log.Error("Desired-state fetch failed, skipping tick", "error", err)
		return Report{}, err
	}

	report = s.reconciler.Reconcile(ctx, desired)

	s.mu.Lock()
	s.health.LastReport = summarize(report)
	s.mu.Unlock()

	result := "ok"
	if len(report.Failed) > 0 {
		result = "partial"
	}
	reconcileTotal.WithLabelValues(result).Inc()

	attrs := []any{
		"desired", len(desired),
		"running", s.registry.Len(),
		"started", len(report.Started),
		"stopped", len(report.Stopped),
		"evicted", len(report.Evicted),
		"failed", len(report.Failed),
	}
	if report.Changed() {
		s.log.Info("Reconciled", attrs...)
	} else {
		s.log.Debug("Reconciled", attrs...)
	}

	return report, nil
}

func (s *Supervisor) fetch(ctx context.Context) (map[int64]account.Config, error) {
	if s.fetcher == nil {
		return nil, errors.New("no desired-state fetcher configured")
	}

	fetchCtx, cancel := ctx, context.CancelFunc(func() {})
	if s.fetchTimeout > 0 {
		fetchCtx, cancel = context.WithTimeout(ctx, s.fetchTimeout)
	}
	defer cancel()

	desired, err := s.fetcher.Fetch(fetchCtx)
	if err != nil {
		return nil, fmt.Errorf("fetch desired state: %w", err)
	}

	// Guard against sources that key a config under the wrong id.
	for id, cfg := range desired {
		if cfg.AccountID != id {
			return nil, fmt.Errorf("fetch desired state: account %d keyed as %d", cfg.AccountID, id)
		}
	}
	return desired, nil
}

func (s *Supervisor) Health() Health {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.health
}

// Ready reports whether the last successful fetch is recent.
func (s *Supervisor) Ready() bool {
	health := s.Health()
	if health.LastFetchAt.IsZero() || health.LastFetchErr != "" {
		return false
	}
	return time.Since(health.LastFetchAt) <= readyIntervals*s.interval
}

func (s *Supervisor) Status() Status {
	return Status{
		Health:   s.Health(),
		Ready:    s.Ready(),
		Interval: s.interval.String(),
		Runtimes: s.registry.Snapshot(),
	}
}

func summarize(report Report) Summary {
	summary := Summary{
		Started: report.Started,
		Stopped: report.Stopped,
		Evicted: report.Evicted,
	}
	if len(report.Failed) > 0 {
		summary.Failed = make(map[int64]string, len(report.Failed))
		for id, err := range report.Failed {
			summary.Failed[id] = err.Error()
		}
	}
	return summary
}
