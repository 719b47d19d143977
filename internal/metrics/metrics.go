// Package metrics defines and registers the Prometheus metrics exposed on
// /metrics.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Pool metrics
	Sandboxes = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "ash_sandboxes",
			Help: "Number of sandboxes by lifecycle state",
		},
		[]string{"state"},
	)

	SandboxCapacity = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "ash_sandbox_capacity",
			Help: "Configured sandbox capacity of this runner",
		},
	)

	ResumeTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ash_resume_total",
			Help: "Session resumes by path (warm or cold)",
		},
		[]string{"path"},
	)

	ResumeColdSourceTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ash_resume_cold_source_total",
			Help: "Cold resumes by the workspace tier that satisfied the restore",
		},
		[]string{"source"},
	)

	EvictionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ash_evictions_total",
			Help: "Sandbox evictions by tier",
		},
		[]string{"tier"},
	)

	DiskQuotaExceededTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "ash_disk_quota_exceeded_total",
			Help: "Sandboxes destroyed for exceeding the workspace disk quota",
		},
	)

	// Session metrics
	SSEClientTimeoutsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "ash_sse_client_timeouts_total",
			Help: "SSE streams closed because the client stopped reading",
		},
	)

	BridgeStartupFailuresTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "ash_bridge_startup_failures_total",
			Help: "Bridge processes that failed before reporting ready",
		},
	)

	TurnDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "ash_turn_duration_seconds",
			Help:    "Duration of a full message turn (query sent to done received)",
			Buckets: prometheus.ExponentialBuckets(0.1, 2, 12),
		},
	)

	// Coordinator metrics
	Runners = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "ash_runners",
			Help: "Healthy runners in the registry",
		},
	)
)

func init() {
	prometheus.MustRegister(Sandboxes)
	prometheus.MustRegister(SandboxCapacity)
	prometheus.MustRegister(ResumeTotal)
	prometheus.MustRegister(ResumeColdSourceTotal)
	prometheus.MustRegister(EvictionsTotal)
	prometheus.MustRegister(DiskQuotaExceededTotal)
	prometheus.MustRegister(SSEClientTimeoutsTotal)
	prometheus.MustRegister(BridgeStartupFailuresTotal)
	prometheus.MustRegister(TurnDuration)
	prometheus.MustRegister(Runners)
}

// Handler returns the Prometheus HTTP handler for /metrics.
func Handler() http.Handler {
	return promhttp.Handler()
}

// SetPoolGauges publishes a pool snapshot to the sandbox gauges.
func SetPoolGauges(cold, warming, warm, waiting, running, capacity int) {
	Sandboxes.WithLabelValues("cold").Set(float64(cold))
	Sandboxes.WithLabelValues("warming").Set(float64(warming))
	Sandboxes.WithLabelValues("warm").Set(float64(warm))
	Sandboxes.WithLabelValues("waiting").Set(float64(waiting))
	Sandboxes.WithLabelValues("running").Set(float64(running))
	SandboxCapacity.Set(float64(capacity))
}
