// Coglet - Prediction Runtime for ML Models
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/coglet-go

// Package predictor hosts the registry of embedded predictors the worker
// can serve. A predictor adapter registers itself by name (typically
// from an init function in the binary that links it); the worker looks
// the name up from the Init message's predictor reference.
package predictor

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/tomtom215/coglet-go/internal/wire"
	"github.com/tomtom215/coglet-go/internal/worker"
)

// Factory constructs a fresh handler instance for one worker process.
type Factory func() worker.PredictHandler

var (
	registryMu sync.RWMutex
	registry   = make(map[string]Factory)
)

// Register adds a named predictor factory. Registering the same name
// twice panics: it is a wiring bug, not a runtime condition.
func Register(name string, f Factory) {
	registryMu.Lock()
	defer registryMu.Unlock()
	if _, dup := registry[name]; dup {
		panic(fmt.Sprintf("predictor: duplicate registration of %q", name))
	}
	registry[name] = f
}

// Lookup resolves a predictor reference to its factory. An empty ref
// resolves to the sole registered predictor, if exactly one exists.
func Lookup(ref string) (Factory, error) {
	registryMu.RLock()
	defer registryMu.RUnlock()

	if ref == "" {
		if len(registry) == 1 {
			for _, f := range registry {
				return f, nil
			}
		}
		return nil, fmt.Errorf("predictor: empty ref with %d registered predictors", len(registry))
	}

	f, ok := registry[ref]
	if !ok {
		return nil, fmt.Errorf("predictor: no predictor registered as %q", ref)
	}
	return f, nil
}

// Func adapts a plain prediction function into a worker.PredictHandler
// with cooperative per-slot cancellation: the function's context is
// cancelled when the orchestrator requests it.
type Func struct {
	// SetupFn runs once before Ready; nil means no setup work.
	SetupFn func(ctx context.Context) error

	// PredictFn runs one prediction. Cancellation arrives via ctx.
	PredictFn func(ctx context.Context, input interface{}, sender worker.SlotSender) (interface{}, error)

	// SchemaDoc is the optional OpenAPI document for the predictor's
	// input/output signature.
	SchemaDoc interface{}

	mu      sync.Mutex
	cancels map[wire.SlotID]context.CancelFunc
}

// Setup implements worker.PredictHandler.
func (f *Func) Setup(ctx context.Context) error {
	if f.SetupFn == nil {
		return nil
	}
	return f.SetupFn(ctx)
}

// Predict implements worker.PredictHandler.
func (f *Func) Predict(ctx context.Context, slot wire.SlotID, id string, input interface{}, sender worker.SlotSender) worker.PredictResult {
	predictCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	f.mu.Lock()
	if f.cancels == nil {
		f.cancels = make(map[wire.SlotID]context.CancelFunc)
	}
	f.cancels[slot] = cancel
	f.mu.Unlock()

	defer func() {
		f.mu.Lock()
		delete(f.cancels, slot)
		f.mu.Unlock()
	}()

	start := time.Now()
	output, err := f.PredictFn(predictCtx, input, sender)
	elapsed := time.Since(start).Seconds()

	switch {
	case predictCtx.Err() != nil:
		return worker.CancelledResult(elapsed)
	case err != nil:
		return worker.FailedResult(err.Error(), elapsed)
	default:
		return worker.SuccessResult(output, elapsed)
	}
}

// Cancel implements worker.PredictHandler. Callable from any goroutine;
// never blocks.
func (f *Func) Cancel(slot wire.SlotID) {
	f.mu.Lock()
	cancel := f.cancels[slot]
	f.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

// Schema implements worker.PredictHandler.
func (f *Func) Schema() (interface{}, bool) {
	return f.SchemaDoc, f.SchemaDoc != nil
}
