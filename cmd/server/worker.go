// Coglet - Prediction Runtime for ML Models
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/coglet-go

package main

import (
	"context"
	"fmt"
	"runtime/debug"
	"sync/atomic"

	"github.com/tomtom215/coglet-go/internal/fdredirect"
	"github.com/tomtom215/coglet-go/internal/logging"
	"github.com/tomtom215/coglet-go/internal/predictor"
	"github.com/tomtom215/coglet-go/internal/wire"
	"github.com/tomtom215/coglet-go/internal/worker"
)

// capturedLogBuffer bounds how many captured stdout/stderr chunks can
// queue between the capture threads and the control-channel writer.
const capturedLogBuffer = 1024

type capturedLog struct {
	source wire.LogSource
	data   string
}

// runWorkerMode is the subprocess entry point. It must redirect stdio
// before any predictor code runs: anything the model (or its child
// processes) writes to fd 1 afterwards lands in a capture pipe instead
// of the control channel.
func runWorkerMode() (err error) {
	logging.Init(logging.Config{Level: "info", Format: "json"})

	logCh := make(chan capturedLog, capturedLogBuffer)
	var dropped atomic.Int64

	sink := fdredirect.LogSinkFunc(func(source wire.LogSource, data string) {
		select {
		case logCh <- capturedLog{source: source, data: data}:
		default:
			dropped.Add(1)
		}
	})

	ctrl, err := fdredirect.Redirect(sink)
	if err != nil {
		return fmt.Errorf("worker: redirect stdio: %w", err)
	}

	dec := wire.NewDecoder(ctrl.Stdin)
	enc := wire.NewEncoder(ctrl.Stdout)

	// A panic anywhere past this point must surface as Fatal on the
	// control channel so the orchestrator can poison every slot.
	defer func() {
		if r := recover(); r != nil {
			logging.Error().Interface("panic", r).Str("stack", string(debug.Stack())).Msg("worker panicked")
			_ = enc.Encode(wire.ControlResponse{Type: wire.ControlResponseFatal, Reason: fmt.Sprintf("worker panic: %v", r)})
			err = fmt.Errorf("worker: panic: %v", r)
		}
	}()

	go drainCapturedLogs(enc, logCh, &dropped)

	var init wire.ControlRequest
	if err := dec.Decode(&init); err != nil {
		return fmt.Errorf("worker: read init: %w", err)
	}
	if init.Type != wire.ControlRequestInit {
		return fmt.Errorf("worker: expected init, got %q", init.Type)
	}

	factory, err := predictor.Lookup(init.PredictorRef)
	if err != nil {
		// Load failures are setup failures from the orchestrator's view.
		_ = enc.Encode(wire.ControlResponse{
			Type:  wire.ControlResponseFailed,
			Slot:  wire.NewSlotID(),
			Error: fmt.Sprintf("Failed to load predictor: %v", err),
		})
		return err
	}

	cfg := worker.Config{
		NumSlots: init.NumSlots,
		Logger:   logging.NewSlogLogger(),
	}
	return worker.Run(context.Background(), factory(), cfg, init.TransportInfo, dec, enc)
}

// drainCapturedLogs forwards captured subprocess output to the control
// channel, reporting drops so silent log loss is at least visible.
func drainCapturedLogs(enc *wire.Encoder, logCh <-chan capturedLog, dropped *atomic.Int64) {
	for line := range logCh {
		_ = enc.Encode(wire.ControlResponse{
			Type:   wire.ControlResponseLog,
			Source: line.source,
			Data:   line.data,
		})
		if n := dropped.Swap(0); n > 0 {
			_ = enc.Encode(wire.ControlResponse{
				Type:  wire.ControlResponseDroppedLogs,
				Count: int(n),
			})
		}
	}
}
