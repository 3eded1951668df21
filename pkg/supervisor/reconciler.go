package supervisor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"cargochats/pkg/account"
	"cargochats/pkg/bus"

	"golang.org/x/sync/errgroup"
)

// Starter brings up the runtime for one account.
type Starter func(ctx context.Context, cfg account.Config) (*Runtime, error)

// Report summarizes the actions of one reconciliation.
type Report struct {
	Started []int64
	Stopped []int64
	// Evicted lists runtimes removed because they crashed.
	Evicted []int64
	Failed  map[int64]error
}

// Changed reports whether any lifecycle action was taken or attempted.
func (r Report) Changed() bool {
	return len(r.Started) > 0 || len(r.Stopped) > 0 || len(r.Evicted) > 0 || len(r.Failed) > 0
}

type reportBuilder struct {
	mu     sync.Mutex
	report Report
}

func (b *reportBuilder) add(list *[]int64, id int64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	*list = append(*list, id)
}

func (b *reportBuilder) fail(id int64, err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.report.Failed == nil {
		b.report.Failed = make(map[int64]error)
	}
	b.report.Failed[id] = errors.Join(b.report.Failed[id], err)
}

func (b *reportBuilder) build() Report {
	b.mu.Lock()
	defer b.mu.Unlock()
	slices.Sort(b.report.Started)
	slices.Sort(b.report.Stopped)
	slices.Sort(b.report.Evicted)
	return b.report
}

// Reconciler converges the Registry on a desired-state snapshot.
type Reconciler struct {
	registry    *Registry
	start       Starter
	stopTimeout time.Duration
	maxParallel int
	events      *bus.EventBus
	log         *slog.Logger
}

func NewReconciler(registry *Registry, start Starter, stopTimeout time.Duration, maxParallel int, events *bus.EventBus, log *slog.Logger) *Reconciler {
	if log == nil {
		log = slog.Default()
	}
	if maxParallel <= 0 {
		maxParallel = 1
	}

	return &Reconciler{
		registry:    registry,
		start:       start,
		stopTimeout: stopTimeout,
		maxParallel: maxParallel,
		events:      events,
		log:         log.With("component", "supervisor.reconciler"),
	}
}

// Reconcile runs one diff of desired against the registry. Each account is
// handled as an independent chain (evict crashed, stop removed or changed,
// start missing) and chains run concurrently. A failure in one chain is
// recorded in the report and never affects another.
func (r *Reconciler) Reconcile(ctx context.Context, desired map[int64]account.Config) Report {
	ids := make(map[int64]struct{}, len(desired))
	for id := range desired {
		ids[id] = struct{}{}
	}
	for _, id := range r.registry.IDs() {
		ids[id] = struct{}{}
	}

	var (
		b reportBuilder
		g errgroup.Group
	)
	g.SetLimit(r.maxParallel)

	for id := range ids {
		cfg, wanted := desired[id]
		g.Go(func() error {
			r.reconcileAccount(ctx, id, cfg, wanted, &b)
			return nil
		})
	}
	_ = g.Wait()

	runtimesGauge.Set(float64(r.registry.Len()))
	return b.build()
}

func (r *Reconciler) reconcileAccount(ctx context.Context, id int64, cfg account.Config, wanted bool, b *reportBuilder) {
	log := r.log.With("account_id", id)

	if rt, ok := r.registry.Get(id); ok {
		switch {
		case rt.State() == StateCrashed:
			cause := rt.Err()
			r.stopAndRemove(id, rt)
			runtimeActions.WithLabelValues("evict").Inc()
			b.add(&b.report.Evicted, id)
			log.Warn("Evicted crashed runtime", "error", cause)
		case !wanted:
			r.stopAndRemove(id, rt)
			runtimeActions.WithLabelValues("stop").Inc()
			b.add(&b.report.Stopped, id)
			log.Info("Stopped runtime", "reason", "account no longer eligible")
		case rt.Signature() != cfg.Signature:
			r.stopAndRemove(id, rt)
			runtimeActions.WithLabelValues("restart").Inc()
			b.add(&b.report.Stopped, id)
			log.Info("Stopped runtime", "reason", "config changed",
				"old_signature", account.ShortSignature(rt.Signature()),
				"new_signature", account.ShortSignature(cfg.Signature),
			)
		default:
			return
		}
	}

	if !wanted {
		return
	}
	if ctx.Err() != nil {
		return
	}

	rt, err := r.start(ctx, cfg)
	if err != nil {
		runtimeActions.WithLabelValues("start_failed").Inc()
		b.fail(id, err)
		log.Error("Failed to start runtime", "error", err)
		r.events.Publish(ctx, bus.Event{
			Type:      bus.EventRuntimeStartFailed,
			AccountID: id,
			TenantID:  cfg.TenantID,
			Error:     err.Error(),
		})
		return
	}

	if err := r.registry.put(rt); err != nil {
		// Unreachable while the reconciler is the only writer.
		_ = rt.Stop(r.stopTimeout)
		b.fail(id, err)
		log.Error("Refusing duplicate runtime", "error", err)
		return
	}

	runtimeActions.WithLabelValues("start").Inc()
	b.add(&b.report.Started, id)
	r.events.Publish(ctx, bus.Event{
		Type:      bus.EventRuntimeStarted,
		AccountID: id,
		TenantID:  cfg.TenantID,
		Payload:   map[string]string{"signature": account.ShortSignature(cfg.Signature)},
	})
}

// stopAndRemove stops rt and removes it from the registry. The entry is
// removed even when the stop times out; its connection is already closed.
func (r *Reconciler) stopAndRemove(id int64, rt *Runtime) {
	if err := rt.Stop(r.stopTimeout); err != nil {
		r.log.Warn("Runtime stop incomplete", "account_id", id, "error", err)
	}
	r.registry.remove(id, rt)
	r.publishStopped(id, rt)
}

// publishStopped uses a background context so stops during shutdown are
// still delivered after the root context is cancelled.
func (r *Reconciler) publishStopped(id int64, rt *Runtime) {
	r.events.Publish(context.Background(), bus.Event{
		Type:      bus.EventRuntimeStopped,
		AccountID: id,
		TenantID:  rt.cfg.TenantID,
		Payload:   map[string]string{"state": rt.State().String()},
	})
}

// StopAll stops every registered runtime concurrently.
func (r *Reconciler) StopAll() error {
	var g errgroup.Group
	g.SetLimit(r.maxParallel)

	var (
		mu   sync.Mutex
		errs []error
	)
	for _, id := range r.registry.IDs() {
		rt, ok := r.registry.Get(id)
		if !ok {
			continue
		}
		g.Go(func() error {
			if err := rt.Stop(r.stopTimeout); err != nil {
				mu.Lock()
				errs = append(errs, fmt.Errorf("account %d: %w", id, err))
				mu.Unlock()
			}
			r.registry.remove(id, rt)
			runtimeActions.WithLabelValues("stop").Inc()
			r.log.Info("Stopped runtime", "account_id", id, "reason", "shutdown")
			r.publishStopped(id, rt)
			return nil
		})
	}
	_ = g.Wait()

	runtimesGauge.Set(float64(r.registry.Len()))
	if len(errs) > 0 {
		r.log.Warn("Some runtimes did not stop cleanly", "count", len(errs))
	}
	return errors.Join(errs...)
}
