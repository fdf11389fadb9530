// Package metrics registers the Prometheus collectors exported on /metrics.
//
// HTTP metrics are labelled with the gin route template (c.FullPath()) so
// path parameters such as certificate ids never become label values.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "meshid_http_requests_total",
			Help: "HTTP requests processed, by method, route template and status code.",
		},
		[]string{"method", "path", "status"},
	)

	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "meshid_http_request_duration_seconds",
			Help:    "HTTP request latency, by method and route template.",
			Buckets: []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
		},
		[]string{"method", "path"},
	)
)

// EnrollmentVerifications counts enrollment token checks by outcome:
// valid, not_found, already_used, expired, nonce_mismatch.
var EnrollmentVerifications = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Name: "meshid_enrollment_verifications_total",
		Help: "Enrollment token verifications, by outcome.",
	},
	[]string{"outcome"},
)

var CertificatesIssued = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Name: "meshid_certificates_issued_total",
		Help: "Device certificates issued, by issuance path (csr or agent).",
	},
	[]string{"path"},
)

var AgentRequests = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Name: "meshid_agent_requests_total",
		Help: "Calls to the mesh root agent, by operation and outcome.",
	},
	[]string{"operation", "outcome"},
)

var (
	SweeperRuns = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "meshid_sweeper_runs_total",
			Help: "Expiry sweeper step executions, by step and outcome.",
		},
		[]string{"step", "outcome"},
	)

	SweeperRows = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "meshid_sweeper_rows_total",
			Help: "Rows removed or updated by the expiry sweeper, by kind.",
		},
		[]string{"kind"},
	)
)

var MailMessages = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Name: "meshid_mail_messages_total",
		Help: "Outbound mail, by outcome (queued, dropped, sent, failed, skipped).",
	},
	[]string{"outcome"},
)
