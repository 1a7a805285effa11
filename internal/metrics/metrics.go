// Package metrics provides the Prometheus instrumentation points for the
// execution core: cache hit/miss counters, orchestrator concurrency, sandbox
// exec duration, and session counts. Each collector is consumed by its
// owning component through an optional functional option (sandbox.WithMetrics,
// orchestrator.WithInFlightGauge, sessions.WithMetrics, or directly for
// CacheResult) rather than by this package reaching into them; a caller that
// never supplies a *Metrics gets none of this recorded. Exposing these over
// HTTP is a transport concern and out of scope; this package only owns the
// collectors.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics bundles the collectors used across the execution core.
type Metrics struct {
	// CacheResult counts Content/Search Cache lookups.
	// Labels: cache (content|search), result (hit|miss)
	CacheResult *prometheus.CounterVec

	// SandboxExecDuration measures sandbox command execution time.
	// Labels: command
	SandboxExecDuration *prometheus.HistogramVec

	// SandboxExecCounter counts sandbox executions by outcome.
	// Labels: command, error_kind ("" on success)
	SandboxExecCounter *prometheus.CounterVec

	// OrchestratorInFlight tracks the current number of in-flight child
	// processes dispatched by the orchestrator.
	OrchestratorInFlight prometheus.Gauge

	// ActiveSessions tracks the current number of live sessions.
	ActiveSessions prometheus.Gauge
}

// New registers the execution core's collectors against reg and returns the
// bundle. Passing a fresh *prometheus.Registry per test keeps collector
// registration isolated; production callers typically pass
// prometheus.DefaultRegisterer.
func New(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		CacheResult: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "sandboxagent_cache_result_total",
				Help: "Cache lookups by cache tier and result",
			},
			[]string{"cache", "result"},
		),
		SandboxExecDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "sandboxagent_sandbox_exec_duration_seconds",
				Help:    "Duration of sandboxed command executions",
				Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 2, 5, 10, 30},
			},
			[]string{"command"},
		),
		SandboxExecCounter: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "sandboxagent_sandbox_exec_total",
				Help: "Sandbox executions by command and error kind",
			},
			[]string{"command", "error_kind"},
		),
		OrchestratorInFlight: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "sandboxagent_orchestrator_inflight",
				Help: "Current number of in-flight tool executions",
			},
		),
		ActiveSessions: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "sandboxagent_active_sessions",
				Help: "Current number of live sessions",
			},
		),
	}
}
