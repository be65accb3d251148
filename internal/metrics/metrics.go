package metrics

import "github.com/prometheus/client_golang/prometheus"

// Prometheus metrics for the sheet gateway and the reply monitor.
var (
	SheetCallsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sheet_calls_total",
			Help: "Logical sheet gateway calls by operation, table and outcome",
		},
		[]string{"op", "table", "outcome"},
	)

	SheetAttemptsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sheet_backend_attempts_total",
			Help: "Backend attempts including retries",
		},
		[]string{"op", "table"},
	)

	SheetCallDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "sheet_call_duration_seconds",
			Help:    "Duration of logical sheet gateway calls including retries",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"op"},
	)

	SheetBreakerState = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "sheet_breaker_state",
			Help: "Circuit breaker state: 0 closed, 1 half-open, 2 open",
		},
	)

	SnapshotRefreshTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sheet_snapshot_refresh_total",
			Help: "Table snapshot refreshes",
		},
		[]string{"table"},
	)

	AuthCacheLookupsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "auth_cache_lookups_total",
			Help: "Authorization cache lookups by result (hit, miss)",
		},
		[]string{"result"},
	)

	RepliesDeliveredTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "specialist_replies_total",
			Help: "Specialist replies processed by outcome (delivered, failed, clear_failed, dead_lettered, skipped)",
		},
		[]string{"outcome"},
	)

	MonitorCycleDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "response_monitor_cycle_duration_seconds",
			Help:    "Duration of one response monitor cycle",
			Buckets: prometheus.DefBuckets,
		},
	)
)

// Register registers all Prometheus metrics
func Register() {
	prometheus.MustRegister(SheetCallsTotal)
	prometheus.MustRegister(SheetAttemptsTotal)
	prometheus.MustRegister(SheetCallDuration)
	prometheus.MustRegister(SheetBreakerState)
	prometheus.MustRegister(SnapshotRefreshTotal)
	prometheus.MustRegister(AuthCacheLookupsTotal)
	prometheus.MustRegister(RepliesDeliveredTotal)
	prometheus.MustRegister(MonitorCycleDuration)
}
