package supervisor

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// runtimesGauge is the number of registered runtimes after each tick.
	runtimesGauge = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "cargochats",
		Subsystem: "supervisor",
		Name:      "runtimes",
		Help:      "Number of live account runtimes in the registry",
	})

	// reconcileTotal counts ticks.
	// Labels: result (ok, partial, fetch_error, panic)
	reconcileTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "cargochats",
		Subsystem: "supervisor",
		Name:      "reconcile_total",
		Help:      "Total reconciliation ticks by result",
	}, []string{"result"})

	// runtimeActions counts lifecycle actions taken by the reconciler.
	// Labels: action (start, start_failed, stop, restart, evict)
	runtimeActions = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "cargochats",
		Subsystem: "supervisor",
		Name:      "runtime_actions_total",
		Help:      "Total runtime lifecycle actions by kind",
	}, []string{"action"})

	// repliesTotal counts handled inbound messages.
	// Labels: outcome (sent, error_reply, send_failed)
	repliesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "cargochats",
		Subsystem: "supervisor",
		Name:      "replies_total",
		Help:      "Total handled inbound messages by outcome",
	}, []string{"outcome"})

	// replyDuration measures reply generation latency.
	replyDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: "cargochats",
		Subsystem: "supervisor",
		Name:      "reply_duration_seconds",
		Help:      "Reply generation latency in seconds",
		Buckets:   []float64{0.1, 0.25, 0.5, 1, 2, 5, 10, 20, 30, 60},
	})
)
