// SurveySync - Local-First Sync Engine for Offline Field Survey Clients
// Copyright 2026 SurveySync Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/surveykit/surveysync

// Package metrics exposes Prometheus instrumentation for the sync engine:
// queue depth, drain outcomes, media uploads, remote request
// classifications, and circuit breaker state. Metrics are served on the
// operational HTTP surface at /metrics.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Queue and drain metrics
	QueueDepth = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "surveysync_queue_depth",
			Help: "Current number of pending mutations in the local queue",
		},
	)

	DrainDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "surveysync_drain_duration_seconds",
			Help:    "Duration of queue drain passes in seconds",
			Buckets: []float64{0.05, 0.1, 0.5, 1, 5, 10, 30, 60, 120},
		},
	)

	QueueItemsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "surveysync_queue_items_total",
			Help: "Total queue items processed by the drain loop",
		},
		[]string{"action", "result"}, // result: pushed, skipped, discarded, failed
	)

	DrainsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "surveysync_drains_total",
			Help: "Total drain passes by outcome",
		},
		[]string{"outcome"}, // drained, halted, offline, busy
	)

	// Remote adapter metrics
	RemoteRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "surveysync_remote_requests_total",
			Help: "Total remote API calls by operation and outcome kind",
		},
		[]string{"operation", "kind"}, // kind: ok, AUTH_REQUIRED, FORBIDDEN, NOT_FOUND, UNKNOWN
	)

	MediaUploadsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "surveysync_media_uploads_total",
			Help: "Total media field uploads by result",
		},
		[]string{"result"}, // success, failure
	)

	// Circuit breaker metrics
	CircuitBreakerState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "surveysync_circuit_breaker_state",
			Help: "Circuit breaker state (0=closed, 1=half-open, 2=open)",
		},
		[]string{"name"},
	)

	CircuitBreakerTransitions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "surveysync_circuit_breaker_transitions_total",
			Help: "Circuit breaker state transitions",
		},
		[]string{"name", "from", "to"},
	)

	CircuitBreakerRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "surveysync_circuit_breaker_requests_total",
			Help: "Requests passed through the circuit breaker by outcome",
		},
		[]string{"name", "result"}, // success, failure, rejected
	)

	// Connectivity metrics
	Online = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "surveysync_online",
			Help: "Whether the backend is currently reachable (1) or not (0)",
		},
	)
)
