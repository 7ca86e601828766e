package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// CodeValidations records portal code validation attempts by result
	// (success|invalid|rate_limited|error).
	CodeValidations = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "condoflow_code_validations_total",
			Help: "Total number of portal access code validation attempts",
		},
		[]string{"result"},
	)

	// CodesIssued counts minted access codes by kind (invite|reminder).
	CodesIssued = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "condoflow_codes_issued_total",
			Help: "Total number of access codes issued",
		},
		[]string{"kind"},
	)

	// RateLimitRejections counts authoritative rate limiter rejections by key class.
	RateLimitRejections = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "condoflow_rate_limit_rejections_total",
			Help: "Total number of requests rejected by the rate limiter",
		},
		[]string{"scope"},
	)

	// FollowUpOutcomes counts processed follow-up schedules by outcome
	// (sent|failed|skipped).
	FollowUpOutcomes = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "condoflow_followup_outcomes_total",
			Help: "Total number of follow-up schedule processing outcomes",
		},
		[]string{"type", "outcome"},
	)

	// FollowUpRunDuration measures full batch run duration.
	FollowUpRunDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "condoflow_followup_run_seconds",
			Help:    "Duration of follow-up processor runs",
			Buckets: prometheus.DefBuckets,
		},
	)

	// APILatency measures HTTP request latencies.
	APILatency = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "condoflow_api_latency_seconds",
			Help:    "API endpoint latency",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "path", "status"},
	)
)
