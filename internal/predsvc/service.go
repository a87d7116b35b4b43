// Coglet - Prediction Runtime for ML Models
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/coglet-go

package predsvc

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/tomtom215/coglet-go/internal/health"
	"github.com/tomtom215/coglet-go/internal/logging"
	"github.com/tomtom215/coglet-go/internal/orchestrator"
	"github.com/tomtom215/coglet-go/internal/validate"
	"github.com/tomtom215/coglet-go/internal/webhook"
	"github.com/tomtom215/coglet-go/internal/wire"
)

// Admission errors the HTTP layer maps to response codes.
var (
	ErrNotReady   = errors.New("predictor is not ready")
	ErrAtCapacity = errors.New("already running a prediction")
	ErrExists     = errors.New("prediction already in flight")
)

// ValidationError carries per-field input validation failures for the
// 422 response body.
type ValidationError struct {
	Fields []validate.FieldError
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("input validation failed on %d field(s)", len(e.Fields))
}

// Request describes one prediction submission.
type Request struct {
	ID         string
	Input      interface{}
	WebhookURL string
	Trace      webhook.TraceContext

	// EventsFilter optionally narrows webhook event classes for this
	// prediction only.
	EventsFilter []string
}

// HealthSnapshot is the health endpoint's payload.
type HealthSnapshot struct {
	Status         health.Response    `json:"status"`
	Setup          health.SetupResult `json:"setup"`
	Version        health.VersionInfo `json:"version"`
	NumSlots       int                `json:"num_slots"`
	AvailableSlots int                `json:"available_slots"`
}

// Service is the facade the HTTP transport consumes: it glues the
// orchestrator (worker lifecycle, permits, dispatch) to the supervisor
// (prediction records, webhooks, cancellation).
type Service struct {
	orch *orchestrator.Orchestrator
	sup  *Supervisor

	outputRoot string
	shutdownFn func()

	validatorOnce sync.Once
	validator     *validate.Validator
}

// New builds the service facade. shutdownFn is invoked (once) when a
// client triggers shutdown; it should cancel the process root context.
func New(orch *orchestrator.Orchestrator, sup *Supervisor, outputRoot string, shutdownFn func()) *Service {
	svc := &Service{orch: orch, sup: sup, outputRoot: outputRoot, shutdownFn: shutdownFn}
	sup.SetCanceller(orch.CancelPrediction)
	return svc
}

// Health reports the runtime's health, deriving Busy from pool
// occupancy and Unhealthy from the predictor's own healthcheck. The
// healthcheck round trip only happens while Ready, and the orchestrator's
// circuit breaker keeps a wedged worker from stalling health polls.
func (s *Service) Health(ctx context.Context) HealthSnapshot {
	pool := s.orch.Pool()
	state := s.orch.State()

	healthcheckFailed := false
	if state == health.StateReady {
		if status, err := s.orch.Healthcheck(ctx); err == nil && status == wire.HealthcheckStatusUnhealthy {
			healthcheckFailed = true
		}
	}

	return HealthSnapshot{
		Status:         health.ResponseFor(state, pool.Available(), pool.NumSlots(), healthcheckFailed),
		Setup:          s.orch.SetupResult(),
		Version:        health.NewVersionInfo(),
		NumSlots:       pool.NumSlots(),
		AvailableSlots: pool.Available(),
	}
}

// Schema returns the predictor's OpenAPI document, if it reported one.
func (s *Service) Schema() (interface{}, bool) {
	schema := s.orch.Schema()
	return schema, schema != nil
}

// inputValidator lazily compiles the input validator from the schema the
// worker reported at Ready. A predictor without an Input component gets
// a nil validator and no pre-flight validation.
func (s *Service) inputValidator() *validate.Validator {
	s.validatorOnce.Do(func() {
		doc, ok := s.orch.Schema().(map[string]interface{})
		if !ok {
			return
		}
		v, err := validate.FromOpenAPISchema(doc)
		if err != nil {
			logging.Warn().Err(err).Msg("input schema did not compile, validation disabled")
			return
		}
		s.validator = v
	})
	return s.validator
}

// CreatePrediction validates and admits one prediction, dispatches it to
// the worker, and returns a handle for waiting on the result.
//
// The order is deliberate: validation happens before a slot is consumed,
// so malformed input never costs capacity; admission (TryAcquire) is
// non-blocking, so a busy pool is reported immediately as ErrAtCapacity.
func (s *Service) CreatePrediction(ctx context.Context, req Request) (*Handle, error) {
	if s.orch.State() != health.StateReady {
		return nil, ErrNotReady
	}

	if v := s.inputValidator(); v != nil {
		if fieldErrs := v.Validate(req.Input); len(fieldErrs) > 0 {
			return nil, &ValidationError{Fields: fieldErrs}
		}
	}

	if s.sup.Exists(req.ID) {
		return nil, ErrExists
	}

	p := s.orch.Pool().TryAcquire()
	if p == nil {
		return nil, ErrAtCapacity
	}

	outputDir := filepath.Join(s.outputRoot, "prediction-"+req.ID)
	if err := os.MkdirAll(outputDir, 0o755); err != nil {
		p.IntoIdle().Release(nil)
		return nil, fmt.Errorf("predsvc: create output dir: %w", err)
	}

	handle, err := s.sup.Submit(req.ID, req.Input, req.WebhookURL, req.Trace, req.EventsFilter, outputDir)
	if err != nil {
		p.IntoIdle().Release(nil)
		return nil, ErrExists
	}

	sink := s.sup.BeginProcessing(handle)
	if err := s.orch.StartPrediction(ctx, p, req.ID, req.Input, outputDir, sink); err != nil {
		// The slot is poisoned; surface the dispatch failure on the
		// prediction itself, terminal-webhook included.
		sink.Failed(err.Error())
		return handle, nil
	}
	return handle, nil
}

// NewSyncGuard arms a disconnect guard for a synchronous prediction.
func (s *Service) NewSyncGuard(id string) *SyncGuard {
	return NewSyncGuard(s.sup, id)
}

// Cancel requests cancellation of an in-flight prediction.
func (s *Service) Cancel(id string) bool {
	return s.sup.Cancel(id)
}

// Healthcheck runs the predictor's user-defined healthcheck.
func (s *Service) Healthcheck(ctx context.Context) (wire.HealthcheckStatus, error) {
	return s.orch.Healthcheck(ctx)
}

// TriggerShutdown asks the worker to exit and then stops the process.
func (s *Service) TriggerShutdown() {
	if err := s.orch.TriggerShutdown(); err != nil && !errors.Is(err, orchestrator.ErrNotReady) {
		logging.Warn().Err(err).Msg("failed to notify worker of shutdown")
	}
	if s.shutdownFn != nil {
		s.shutdownFn()
	}
}
