// Coglet - Prediction Runtime for ML Models
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/coglet-go

// Package metrics provides Prometheus instrumentation for the predictor
// runtime.
//
// # Metric Families
//
// Slot pool:
//
//   - predictor_slots_total: gauge, slots the worker was started with
//   - predictor_slots_available: gauge, slots currently idle
//   - predictor_slots_poisoned_total: counter, slots permanently lost
//
// Predictions:
//
//   - predictor_predictions_total{status}: counter over terminal states
//     (succeeded, failed, canceled)
//   - predictor_prediction_duration_seconds: histogram of dispatch-to-
//     terminal wall-clock time
//
// Webhooks:
//
//   - predictor_webhook_attempts_total{outcome}: counter over delivery
//     outcomes (sent, retried, failed, throttled)
//
// Worker lifecycle:
//
//   - predictor_worker_spawns_total / predictor_worker_crashes_total
//   - predictor_setup_duration_seconds
//   - predictor_healthcheck_breaker_state: circuit breaker position
//
// API surface:
//
//   - api_requests_total{method,endpoint,status}
//   - api_request_duration_seconds{method,endpoint}
//   - api_active_requests
//
// # Usage
//
// All metrics are registered with the default registry via promauto at
// package init. Expose them by mounting promhttp.Handler() on /metrics:
//
//	router.Handle("/metrics", promhttp.Handler())
//
// Record from instrumented code through the helper functions rather than
// touching the collectors directly:
//
//	metrics.RecordPrediction("succeeded", elapsed)
//	metrics.SetSlotGauges(pool.NumSlots(), pool.Available())
//
// Histogram buckets for prediction duration are skewed long (up to 15
// minutes): model inference routinely runs orders of magnitude longer
// than an ordinary HTTP request.
//
// References:
//   - https://prometheus.io/docs/practices/naming/: Metric naming conventions
//   - https://prometheus.io/docs/practices/instrumentation/: Instrumentation guide
package metrics
