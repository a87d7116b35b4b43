// Coglet - Prediction Runtime for ML Models
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/coglet-go

package logging

import (
	"context"

	"github.com/rs/zerolog"
)

// EventLogger provides specialized logging for prediction lifecycle
// events, with domain-specific methods for the transitions the
// orchestrator and supervisor emit.
type EventLogger struct {
	logger zerolog.Logger
}

// NewEventLogger creates a logger configured for lifecycle events.
func NewEventLogger() *EventLogger {
	return &EventLogger{
		logger: With().Str("component", "lifecycle").Logger(),
	}
}

// NewEventLoggerWithLogger creates an EventLogger with a custom logger.
//
//nolint:gocritic // zerolog.Logger is designed to be passed by value (copy-on-write semantics)
func NewEventLoggerWithLogger(logger zerolog.Logger) *EventLogger {
	return &EventLogger{
		logger: logger.With().Str("component", "lifecycle").Logger(),
	}
}

// WithFields returns a new EventLogger with additional default fields.
func (e *EventLogger) WithFields(fields map[string]interface{}) *EventLogger {
	ctx := e.logger.With()
	for k, v := range fields {
		ctx = ctx.Interface(k, v)
	}
	return &EventLogger{logger: ctx.Logger()}
}

// Debug logs a debug message.
func (e *EventLogger) Debug(msg string, fields ...interface{}) {
	event := e.logger.Debug()
	event = addFieldPairs(event, fields)
	event.Msg(msg)
}

// Info logs an info message.
func (e *EventLogger) Info(msg string, fields ...interface{}) {
	event := e.logger.Info()
	event = addFieldPairs(event, fields)
	event.Msg(msg)
}

// Warn logs a warning message.
func (e *EventLogger) Warn(msg string, fields ...interface{}) {
	event := e.logger.Warn()
	event = addFieldPairs(event, fields)
	event.Msg(msg)
}

// Error logs an error message.
func (e *EventLogger) Error(msg string, fields ...interface{}) {
	event := e.logger.Error()
	event = addFieldPairs(event, fields)
	event.Msg(msg)
}

// InfoContext logs an info message with context (for correlation ID).
func (e *EventLogger) InfoContext(ctx context.Context, msg string, fields ...interface{}) {
	logger := e.loggerWithContext(ctx)
	event := logger.Info()
	event = addFieldPairs(event, fields)
	event.Msg(msg)
}

// ErrorContext logs an error message with context.
func (e *EventLogger) ErrorContext(ctx context.Context, msg string, fields ...interface{}) {
	logger := e.loggerWithContext(ctx)
	event := logger.Error()
	event = addFieldPairs(event, fields)
	event.Msg(msg)
}

// loggerWithContext returns a logger with context fields added.
func (e *EventLogger) loggerWithContext(ctx context.Context) zerolog.Logger {
	logCtx := e.logger.With()

	if correlationID := CorrelationIDFromContext(ctx); correlationID != "" {
		logCtx = logCtx.Str("correlation_id", correlationID)
	}

	if requestID := RequestIDFromContext(ctx); requestID != "" {
		logCtx = logCtx.Str("request_id", requestID)
	}

	return logCtx.Logger()
}

// Domain-specific lifecycle logging methods

// LogPredictionReceived logs admission of a prediction.
func (e *EventLogger) LogPredictionReceived(ctx context.Context, predictionID string, hasWebhook bool) {
	e.InfoContext(ctx, "prediction received",
		"prediction_id", predictionID,
		"has_webhook", hasWebhook,
	)
}

// LogPredictionCompleted logs a prediction reaching a terminal state.
func (e *EventLogger) LogPredictionCompleted(predictionID, status string, durationMs int64) {
	e.Info("prediction finished",
		"prediction_id", predictionID,
		"status", status,
		"duration_ms", durationMs,
	)
}

// LogCancelRequested logs a cancellation request for a prediction.
func (e *EventLogger) LogCancelRequested(ctx context.Context, predictionID string) {
	e.InfoContext(ctx, "cancel requested",
		"prediction_id", predictionID,
	)
}

// LogWebhookDelivered logs a completed terminal webhook delivery.
func (e *EventLogger) LogWebhookDelivered(predictionID string, attempts int) {
	e.Debug("terminal webhook delivered",
		"prediction_id", predictionID,
		"attempts", attempts,
	)
}

// LogSlotPoisoned logs permanent loss of a slot.
func (e *EventLogger) LogSlotPoisoned(slotID, reason string) {
	e.Warn("slot poisoned",
		"slot", slotID,
		"reason", reason,
	)
}

// addFieldPairs adds key-value pairs to a zerolog event.
func addFieldPairs(event *zerolog.Event, fields []interface{}) *zerolog.Event {
	for i := 0; i < len(fields); i += 2 {
		if i+1 < len(fields) {
			key, ok := fields[i].(string)
			if !ok {
				continue
			}
			event = event.Interface(key, fields[i+1])
		}
	}
	return event
}
