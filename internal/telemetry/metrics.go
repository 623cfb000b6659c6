// Package telemetry holds the Prometheus collectors and tracer setup shared
// by the control plane components.
package telemetry

import "github.com/prometheus/client_golang/prometheus"

// CallBuckets covers fast reads through multi-minute client calls.
var CallBuckets = []float64{0.005, 0.025, 0.1, 0.5, 1, 5, 30, 120, 300}

var (
	// CallsTotal counts gated calls by tool, phase and outcome (ok or error type).
	CallsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "toolplane_calls_total",
			Help: "Gated tool calls",
		},
		[]string{"tool", "phase", "outcome"},
	)

	// CallDuration records gated call latency in seconds.
	CallDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "toolplane_call_duration_seconds",
			Help:    "Gated tool call duration",
			Buckets: CallBuckets,
		},
		[]string{"tool", "phase"},
	)

	// RateLimitRejectedTotal counts limiter rejections by the window that tripped.
	RateLimitRejectedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "toolplane_ratelimit_rejected_total",
			Help: "Rate limit rejections",
		},
		[]string{"window"},
	)

	// PlanEventsTotal counts plan lifecycle transitions.
	PlanEventsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "toolplane_plan_events_total",
			Help: "Plan lifecycle events",
		},
		[]string{"event", "risk"},
	)

	// PlansPending tracks plans awaiting apply.
	PlansPending = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "toolplane_plans_pending",
			Help: "Pending plans",
		},
	)

	// OperationsTotal counts long-running operations by terminal status.
	OperationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "toolplane_operations_total",
			Help: "Long-running operations by final status",
		},
		[]string{"status"},
	)

	// OperationsActive tracks operations that are still being polled.
	OperationsActive = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "toolplane_operations_active",
			Help: "Long-running operations being polled",
		},
	)

	// ToolsRegistered tracks exposed tools by operation class.
	ToolsRegistered = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "toolplane_tools_registered",
			Help: "Registered tools",
		},
		[]string{"operation"},
	)
)

func init() {
	prometheus.MustRegister(
		CallsTotal,
		CallDuration,
		RateLimitRejectedTotal,
		PlanEventsTotal,
		PlansPending,
		OperationsTotal,
		OperationsActive,
		ToolsRegistered,
	)
}
