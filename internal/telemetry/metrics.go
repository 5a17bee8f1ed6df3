package telemetry

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

// HTTPRequestDuration tracks HTTP request latency. Shared across every route.
var HTTPRequestDuration = prometheus.NewHistogramVec(
	prometheus.HistogramOpts{
		Namespace: "batchctl",
		Subsystem: "api",
		Name:      "request_duration_seconds",
		Help:      "HTTP request duration in seconds.",
		Buckets:   prometheus.DefBuckets,
	},
	[]string{"method", "path", "status"},
)

// BatchesCreatedTotal counts successfully admitted batches.
var BatchesCreatedTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "batchctl",
		Subsystem: "admission",
		Name:      "batches_created_total",
		Help:      "Total number of batches admitted.",
	},
	[]string{"endpoint"},
)

// BatchesRejectedTotal counts admission rejections by reason.
var BatchesRejectedTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "batchctl",
		Subsystem: "admission",
		Name:      "batches_rejected_total",
		Help:      "Total number of rejected batch admissions.",
	},
	[]string{"reason"},
)

// ReservationCapacityDeficit records the deficit observed on the most recent
// rejection, per model, for dashboarding overload hotspots.
var ReservationCapacityDeficit = prometheus.NewGaugeVec(
	prometheus.GaugeOpts{
		Namespace: "batchctl",
		Subsystem: "reservation",
		Name:      "capacity_deficit",
		Help:      "Most recent capacity deficit observed per model/window.",
	},
	[]string{"model", "window"},
)

// RequestsClaimedTotal counts requests claimed by the dispatcher per model.
var RequestsClaimedTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "batchctl",
		Subsystem: "dispatcher",
		Name:      "requests_claimed_total",
		Help:      "Total number of requests claimed by the dispatcher.",
	},
	[]string{"model"},
)

// RequestsCompletedTotal counts request execution outcomes: the terminal ones
// plus attempts sent back to pending for a retry.
var RequestsCompletedTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "batchctl",
		Subsystem: "dispatcher",
		Name:      "requests_completed_total",
		Help:      "Total number of request execution outcomes, including retries.",
	},
	[]string{"model", "outcome"}, // outcome: completed, failed, retried, canceled
)

// RequestExecutionDuration tracks upstream HTTP call latency per model.
var RequestExecutionDuration = prometheus.NewHistogramVec(
	prometheus.HistogramOpts{
		Namespace: "batchctl",
		Subsystem: "dispatcher",
		Name:      "request_execution_duration_seconds",
		Help:      "Upstream HTTP execution duration in seconds.",
		Buckets:   prometheus.DefBuckets,
	},
	[]string{"model"},
)

// InFlightRequests tracks the dispatcher's current in-flight request count per model.
var InFlightRequests = prometheus.NewGaugeVec(
	prometheus.GaugeOpts{
		Namespace: "batchctl",
		Subsystem: "dispatcher",
		Name:      "in_flight_requests",
		Help:      "Number of requests currently being executed, per model.",
	},
	[]string{"model"},
)

// StaleClaimsReclaimedTotal counts self-healing reclamations.
var StaleClaimsReclaimedTotal = prometheus.NewCounter(
	prometheus.CounterOpts{
		Namespace: "batchctl",
		Subsystem: "dispatcher",
		Name:      "stale_claims_reclaimed_total",
		Help:      "Total number of stale claimed/processing requests reclaimed to pending.",
	},
)

// LeadershipState reports 1 if this process currently holds the dispatcher leader lock.
var LeadershipState = prometheus.NewGauge(
	prometheus.GaugeOpts{
		Namespace: "batchctl",
		Subsystem: "leader",
		Name:      "is_leader",
		Help:      "1 if this process holds the dispatcher leadership lock, else 0.",
	},
)

// All returns every batchctl-specific metric for registration.
func All() []prometheus.Collector {
	return []prometheus.Collector{
		BatchesCreatedTotal,
		BatchesRejectedTotal,
		ReservationCapacityDeficit,
		RequestsClaimedTotal,
		RequestsCompletedTotal,
		RequestExecutionDuration,
		InFlightRequests,
		StaleClaimsReclaimedTotal,
		LeadershipState,
	}
}

// NewMetricsRegistry creates a Prometheus registry with Go/process collectors,
// the shared HTTP metric, and any additional service-specific collectors.
func NewMetricsRegistry(extra ...prometheus.Collector) *prometheus.Registry {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		HTTPRequestDuration,
	)
	for _, c := range extra {
		reg.MustRegister(c)
	}
	return reg
}
