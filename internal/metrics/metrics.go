// Package metrics holds the Prometheus collectors and the status server.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	// Registry holds the application-specific Prometheus collectors.
	Registry = prometheus.NewRegistry()

	rpcRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "rentreclaim",
			Subsystem: "rpc",
			Name:      "requests_total",
			Help:      "Total number of ledger RPC requests.",
		},
		[]string{"method", "result"},
	)

	rpcDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "rentreclaim",
			Subsystem: "rpc",
			Name:      "request_duration_seconds",
			Help:      "Duration of ledger RPC requests.",
			Buckets:   prometheus.ExponentialBuckets(0.01, 2, 10), // 10ms to ~5s
		},
		[]string{"method"},
	)

	accountsDiscovered = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "rentreclaim",
			Subsystem: "scanner",
			Name:      "accounts_discovered_total",
			Help:      "Sponsored accounts discovered by type.",
		},
		[]string{"type"},
	)

	verdicts = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "rentreclaim",
			Subsystem: "eligibility",
			Name:      "verdicts_total",
			Help:      "Evaluation verdicts by resulting status.",
		},
		[]string{"status"},
	)

	reclaimOutcomes = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "rentreclaim",
			Subsystem: "reclaim",
			Name:      "operations_total",
			Help:      "Reclaim operations by outcome.",
		},
		[]string{"outcome"},
	)

	lamportsReclaimed = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "rentreclaim",
			Subsystem: "reclaim",
			Name:      "lamports_total",
			Help:      "Lamports returned to the treasury by successful reclaims.",
		},
	)

	cycles = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "rentreclaim",
			Subsystem: "orchestrator",
			Name:      "cycles_total",
			Help:      "Completed cycles by result.",
		},
		[]string{"result"},
	)

	cycleDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "rentreclaim",
			Subsystem: "orchestrator",
			Name:      "cycle_duration_seconds",
			Help:      "Duration of full scan/evaluate/reclaim cycles.",
			Buckets:   prometheus.ExponentialBuckets(1, 2, 12), // 1s to ~1h
		},
	)

	lastCycle = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "rentreclaim",
			Subsystem: "orchestrator",
			Name:      "last_cycle_timestamp_seconds",
			Help:      "Unix time the last cycle finished.",
		},
	)
)

func init() {
	Registry.MustRegister(
		rpcRequests,
		rpcDuration,
		accountsDiscovered,
		verdicts,
		reclaimOutcomes,
		lamportsReclaimed,
		cycles,
		cycleDuration,
		lastCycle,
	)
}

// RecordRPC records one RPC round trip.
func RecordRPC(method string, err error, d time.Duration) {
	result := "ok"
	if err != nil {
		result = "error"
	}
	rpcRequests.WithLabelValues(method, result).Inc()
	rpcDuration.WithLabelValues(method).Observe(d.Seconds())
}

// RecordDiscovered counts a newly discovered account.
func RecordDiscovered(accountType string) {
	accountsDiscovered.WithLabelValues(accountType).Inc()
}

// RecordVerdict counts an evaluation result.
func RecordVerdict(status string) {
	verdicts.WithLabelValues(status).Inc()
}

// RecordReclaim counts a reclaim outcome and, for successes, the lamports.
func RecordReclaim(outcome string, lamports uint64) {
	reclaimOutcomes.WithLabelValues(outcome).Inc()
	if outcome == "success" {
		lamportsReclaimed.Add(float64(lamports))
	}
}

// RecordCycle records a finished cycle.
func RecordCycle(err error, d time.Duration) {
	result := "ok"
	if err != nil {
		result = "error"
	}
	cycles.WithLabelValues(result).Inc()
	cycleDuration.Observe(d.Seconds())
	lastCycle.SetToCurrentTime()
	lastCycleUnix.Store(time.Now().Unix())
}
