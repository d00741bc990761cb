// Package metrics provides Prometheus metrics for the credential broker:
// selections, refreshes, health transitions, sharing activity, and sweep
// runs.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const (
	namespace = "credmux"
)

var (
	// PoolSelections counts credential selections by outcome
	// (ok, exhausted, refresh_failed).
	PoolSelections = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "pool_selections_total",
			Help:      "Total credential selections by outcome",
		},
		[]string{"outcome"},
	)

	// PoolSize tracks the eligible and total credential counts.
	PoolSize = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "pool_size",
			Help:      "Credentials in the pool by eligibility",
		},
		[]string{"state"},
	)

	// PoolReloads counts pool reloads from the store.
	PoolReloads = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "pool_reloads_total",
			Help:      "Pool reloads from the durable store",
		},
		[]string{"trigger"},
	)

	// TokenRefreshes counts access token refresh attempts.
	TokenRefreshes = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "token_refreshes_total",
			Help:      "Access token refresh attempts by result",
		},
		[]string{"result"},
	)

	// HealthTransitions counts quarantine and disable transitions.
	HealthTransitions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "health_transitions_total",
			Help:      "Credential health transitions (quarantine, disable, recover)",
		},
		[]string{"transition"},
	)

	// UsageCost accumulates metered upstream cost.
	UsageCost = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "usage_cost_total",
			Help:      "Accumulated upstream cost across all credentials",
		},
	)

	// Borrows counts shared-credential selections by outcome
	// (ok, banned, unavailable).
	Borrows = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "borrows_total",
			Help:      "Shared credential selections by outcome",
		},
		[]string{"outcome"},
	)

	// Bans counts abuse bans issued.
	Bans = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "bans_total",
			Help:      "Abuse bans issued",
		},
	)

	// SweepRuns counts quota supervisor sweeps and the credentials they
	// recovered.
	SweepRuns = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sweep_runs_total",
			Help:      "Quota supervisor sweep executions",
		},
	)

	// SweepRecovered counts credentials un-quarantined by the supervisor.
	SweepRecovered = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sweep_recovered_total",
			Help:      "Credentials un-quarantined by the supervisor",
		},
	)
)
