// Coglet - Prediction Runtime for ML Models
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/coglet-go

// Package worker implements the child side of the parent-worker
// protocol: it runs inside the worker subprocess, connects back to the
// orchestrator's slot sockets, drives the predictor's setup phase, and
// then dispatches Predict requests concurrently across slots.
//
// The control channel (stdin/stdout) carries Cancel and Shutdown from
// the orchestrator and Ready/Idle/Failed back. Each slot socket carries
// one Predict request at a time and streams Log/Output messages back
// before the slot's final Done/Failed/Cancelled response.
package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/tomtom215/coglet-go/internal/transport"
	"github.com/tomtom215/coglet-go/internal/wire"
)

// SlotSender streams log lines and output chunks for one in-flight
// prediction back to the orchestrator over that slot's socket.
type SlotSender interface {
	SendLog(source wire.LogSource, data string)
	SendOutput(output interface{})
}

// Setup error kinds, distinguishing where in the setup phase a failure
// happened. All three report Health as SETUP_FAILED; the distinction is
// purely for diagnostics.
var (
	errSetupLoad     = errors.New("failed to load predictor")
	errSetupRun      = errors.New("setup failed")
	errSetupInternal = errors.New("internal error")
)

// SetupError wraps a setup-phase failure with its kind and message.
type SetupError struct {
	kind    error
	message string
}

func (e *SetupError) Error() string { return fmt.Sprintf("%s: %s", e.kind, e.message) }
func (e *SetupError) Unwrap() error { return e.kind }

// NewLoadError reports a failure importing or constructing the predictor.
func NewLoadError(message string) *SetupError { return &SetupError{kind: errSetupLoad, message: message} }

// NewSetupRunError reports the predictor's Setup method itself failing.
func NewSetupRunError(message string) *SetupError {
	return &SetupError{kind: errSetupRun, message: message}
}

// NewInternalSetupError reports a runtime-internal failure unrelated to
// the predictor's own code (e.g. a resource the adapter couldn't acquire).
func NewInternalSetupError(message string) *SetupError {
	return &SetupError{kind: errSetupInternal, message: message}
}

// PredictHandler abstracts the predictor adapter: whatever loads and
// runs the actual model, whether that's an embedded Go implementation or
// a bridge to another language's runtime.
type PredictHandler interface {
	// Setup loads the predictor and runs its one-time setup phase.
	Setup(ctx context.Context) error

	// Predict runs one prediction to completion, streaming logs/output
	// via sender as they become available.
	Predict(ctx context.Context, slot wire.SlotID, id string, input interface{}, sender SlotSender) PredictResult

	// Cancel requests cooperative cancellation of the prediction
	// currently running on slot, if any.
	Cancel(slot wire.SlotID)

	// Schema returns the predictor's input/output OpenAPI schema, if it
	// has one to report.
	Schema() (schema interface{}, ok bool)
}

// HealthChecker is an optional extension a PredictHandler may implement
// to support the control channel's Healthcheck request.
type HealthChecker interface {
	Healthcheck(ctx context.Context) (wire.HealthcheckStatus, error)
}

// PredictResult is the outcome of running one prediction.
type PredictResult struct {
	Output      interface{}
	Success     bool
	Error       string
	PredictTime float64
}

// SuccessResult builds a successful PredictResult.
func SuccessResult(output interface{}, predictTime float64) PredictResult {
	return PredictResult{Output: output, Success: true, PredictTime: predictTime}
}

// FailedResult builds a failed PredictResult.
func FailedResult(errMsg string, predictTime float64) PredictResult {
	return PredictResult{Success: false, Error: errMsg, PredictTime: predictTime}
}

// CancelledResult builds a PredictResult for a cooperatively cancelled
// prediction. Its Error is the literal string "Cancelled", which
// runPrediction matches on to emit a Cancelled slot response instead of
// Failed.
func CancelledResult(predictTime float64) PredictResult {
	return PredictResult{Success: false, Error: "Cancelled", PredictTime: predictTime}
}

const cancelledSentinel = "Cancelled"

// Config controls how Run drives the worker's lifecycle.
type Config struct {
	NumSlots int

	// SetupLogHook, if set, is called once before Setup with a sink the
	// handler may route setup-time log lines through, so they surface
	// on the control channel even though the worker isn't Ready yet.
	// The returned cleanup function is called once Setup returns.
	SetupLogHook func(sink LogSink) (cleanup func())

	Logger *slog.Logger
}

// LogSink accepts log lines captured during setup.
type LogSink interface {
	SendSetupLog(source wire.LogSource, data string)
}

type logSinkFunc func(source wire.LogSource, data string)

func (f logSinkFunc) SendSetupLog(source wire.LogSource, data string) { f(source, data) }

type slotCompletion struct {
	outcome wire.SlotOutcome

	// fatal, when non-empty, reports a worker-level invariant violation
	// (a panic escaped the prediction path). The event loop emits Fatal
	// on the control channel and aborts.
	fatal string
}

// Run connects to the slot transport described by transportInfo, drives
// the handler's setup phase, and then services Predict requests until
// the control channel requests shutdown, closes, or every slot is
// poisoned. ctrlReader and ctrlWriter are the framed control channel (already pointed at
// whatever stdin/stdout fdredirect.Redirect produced).
func Run(ctx context.Context, handler PredictHandler, cfg Config, transportInfo wire.ChildTransportInfo, ctrlReader *wire.Decoder, ctrlWriter *wire.Encoder) error {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	tr, err := transport.Connect(ctx, transportInfo)
	if err != nil {
		return fmt.Errorf("worker: connect slot transport: %w", err)
	}
	defer tr.Close()
	logger.Info("connected to slot transport", "num_slots", tr.NumSlots())

	var ctrlMu sync.Mutex
	sendCtrl := func(resp wire.ControlResponse) error {
		ctrlMu.Lock()
		defer ctrlMu.Unlock()
		return ctrlWriter.Encode(resp)
	}

	slotIDs := make([]wire.SlotID, cfg.NumSlots)
	for i := range slotIDs {
		slotIDs[i] = wire.NewSlotID()
	}

	if err := runSetup(handler, cfg, slotIDs, sendCtrl, logger); err != nil {
		return nil // setup failure already reported on the control channel; exit cleanly
	}

	schema, _ := handler.Schema()
	if err := sendCtrl(wire.ControlResponse{Type: wire.ControlResponseReady, Slots: slotIDs, Schema: schema}); err != nil {
		return fmt.Errorf("worker: send ready: %w", err)
	}

	return runEventLoop(ctx, handler, tr, slotIDs, ctrlReader, sendCtrl, logger)
}

func runSetup(handler PredictHandler, cfg Config, slotIDs []wire.SlotID, sendCtrl func(wire.ControlResponse) error, logger *slog.Logger) error {
	var cleanup func()
	if cfg.SetupLogHook != nil {
		sink := logSinkFunc(func(source wire.LogSource, data string) {
			if data == "" {
				return
			}
			_ = sendCtrl(wire.ControlResponse{Type: wire.ControlResponseLog, Source: source, Data: data})
		})
		cleanup = cfg.SetupLogHook(sink)
	}

	logger.Info("worker starting setup")
	err := handler.Setup(context.Background())
	if cleanup != nil {
		cleanup()
	}

	if err != nil {
		logger.Error("setup failed", "error", err)
		slot := wire.NewSlotID()
		if len(slotIDs) > 0 {
			slot = slotIDs[0]
		}
		_ = sendCtrl(wire.ControlResponse{
			Type:  wire.ControlResponseFailed,
			Slot:  slot,
			Error: fmt.Sprintf("Setup failed: %v", err),
		})
		return err
	}
	return nil
}
