// Coglet - Prediction Runtime for ML Models
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/coglet-go

package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Prometheus instrumentation for the predictor runtime:
// - slot pool occupancy and poisoning
// - prediction throughput, outcomes, and latency
// - webhook delivery attempts and retries
// - worker subprocess lifecycle (spawns, crashes, setup)
// - API endpoint latency and throughput

var (
	// Slot pool metrics
	SlotsTotal = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "predictor_slots_total",
			Help: "Number of concurrency slots the worker was started with",
		},
	)

	SlotsAvailable = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "predictor_slots_available",
			Help: "Number of slots currently idle and available for predictions",
		},
	)

	SlotsPoisoned = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "predictor_slots_poisoned_total",
			Help: "Total slots permanently removed from the pool after IPC failures",
		},
	)

	// Prediction metrics
	PredictionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "predictor_predictions_total",
			Help: "Total predictions by terminal status",
		},
		[]string{"status"}, // succeeded, failed, canceled
	)

	PredictionDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "predictor_prediction_duration_seconds",
			Help:    "Wall-clock duration of predictions from dispatch to terminal state",
			Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 10, 30, 60, 300, 900},
		},
	)

	// Webhook metrics
	WebhookAttempts = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "predictor_webhook_attempts_total",
			Help: "Total webhook delivery attempts by outcome",
		},
		[]string{"outcome"}, // sent, retried, failed, throttled
	)

	// Worker lifecycle metrics
	WorkerSpawns = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "predictor_worker_spawns_total",
			Help: "Total worker subprocess spawn attempts",
		},
	)

	WorkerCrashes = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "predictor_worker_crashes_total",
			Help: "Total worker subprocess crashes detected via control-channel EOF",
		},
	)

	SetupDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "predictor_setup_duration_seconds",
			Help:    "Duration of the worker setup phase",
			Buckets: []float64{0.1, 0.5, 1, 5, 15, 30, 60, 120, 300},
		},
	)

	// Healthcheck circuit breaker state: 0=closed, 1=half-open, 2=open
	HealthcheckBreakerState = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "predictor_healthcheck_breaker_state",
			Help: "Worker healthcheck circuit breaker state (0=closed, 1=half-open, 2=open)",
		},
	)

	// API metrics
	APIRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "api_requests_total",
			Help: "Total API requests",
		},
		[]string{"method", "endpoint", "status"},
	)

	APIRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "api_request_duration_seconds",
			Help:    "Duration of API requests in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "endpoint"},
	)

	APIActiveRequests = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "api_active_requests",
			Help: "Number of API requests currently being processed",
		},
	)
)

// RecordAPIRequest records an API request metric
func RecordAPIRequest(method, endpoint, statusCode string, duration time.Duration) {
	APIRequestsTotal.WithLabelValues(method, endpoint, statusCode).Inc()
	APIRequestDuration.WithLabelValues(method, endpoint).Observe(duration.Seconds())
}

// TrackActiveRequest tracks active API requests
func TrackActiveRequest(inc bool) {
	if inc {
		APIActiveRequests.Inc()
	} else {
		APIActiveRequests.Dec()
	}
}

// RecordPrediction records a prediction reaching its terminal status.
func RecordPrediction(status string, duration time.Duration) {
	PredictionsTotal.WithLabelValues(status).Inc()
	if duration > 0 {
		PredictionDuration.Observe(duration.Seconds())
	}
}

// RecordWebhookAttempt records one webhook delivery attempt outcome.
func RecordWebhookAttempt(outcome string) {
	WebhookAttempts.WithLabelValues(outcome).Inc()
}

// SetSlotGauges updates the pool occupancy gauges from a pool snapshot.
func SetSlotGauges(total, available int) {
	SlotsTotal.Set(float64(total))
	SlotsAvailable.Set(float64(available))
}
