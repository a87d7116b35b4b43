// Coglet - Prediction Runtime for ML Models
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/coglet-go

// Package predsvc tracks prediction lifecycles and exposes the service
// facade the HTTP transport consumes.
//
// The supervisor owns the id-to-prediction map. Each prediction record
// moves starting -> processing -> {succeeded, failed, canceled}; once a
// record is terminal no field other than logs and metrics can change.
// Terminal transitions notify synchronous waiters, record metrics,
// remove the record from the map, and dispatch the completion webhook
// with retries in the background.
package predsvc

import (
	"context"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/tomtom215/coglet-go/internal/logging"
	"github.com/tomtom215/coglet-go/internal/metrics"
	"github.com/tomtom215/coglet-go/internal/webhook"
)

// Status is a prediction's lifecycle state as reported to clients.
type Status string

const (
	StatusStarting   Status = "starting"
	StatusProcessing Status = "processing"
	StatusSucceeded  Status = "succeeded"
	StatusFailed     Status = "failed"
	StatusCanceled   Status = "canceled"
)

// IsTerminal reports whether the status permits no further transitions.
func (s Status) IsTerminal() bool {
	return s == StatusSucceeded || s == StatusFailed || s == StatusCanceled
}

// Response is the client-visible snapshot of a prediction, also used as
// every webhook payload.
type Response struct {
	ID          string                 `json:"id"`
	Input       interface{}            `json:"input,omitempty"`
	Output      interface{}            `json:"output,omitempty"`
	Status      Status                 `json:"status"`
	Error       string                 `json:"error,omitempty"`
	Logs        string                 `json:"logs"`
	Metrics     map[string]interface{} `json:"metrics,omitempty"`
	CreatedAt   string                 `json:"created_at,omitempty"`
	StartedAt   string                 `json:"started_at,omitempty"`
	CompletedAt string                 `json:"completed_at,omitempty"`
}

// entry is the supervisor's record for one prediction. Each entry has
// its own lock; the supervisor map itself is lock-free.
type entry struct {
	id    string
	input interface{}

	mu          sync.Mutex
	status      Status
	logs        string
	outputs     []interface{}
	output      interface{}
	errMsg      string
	metrics     map[string]interface{}
	createdAt   time.Time
	startedAt   time.Time
	completedAt time.Time

	doneCh    chan struct{}
	cancelled chan struct{}
	sender    *webhook.Sender
	outputDir string
}

func (e *entry) snapshotLocked() Response {
	resp := Response{
		ID:        e.id,
		Input:     e.input,
		Status:    e.status,
		Error:     e.errMsg,
		Logs:      e.logs,
		CreatedAt: e.createdAt.UTC().Format(time.RFC3339Nano),
	}
	if len(e.metrics) > 0 {
		m := make(map[string]interface{}, len(e.metrics))
		for k, v := range e.metrics {
			m[k] = v
		}
		resp.Metrics = m
	}
	if !e.startedAt.IsZero() {
		resp.StartedAt = e.startedAt.UTC().Format(time.RFC3339Nano)
	}
	if !e.completedAt.IsZero() {
		resp.CompletedAt = e.completedAt.UTC().Format(time.RFC3339Nano)
	}
	switch {
	case e.output != nil:
		resp.Output = e.output
	case len(e.outputs) > 0:
		resp.Output = append([]interface{}(nil), e.outputs...)
	}
	return resp
}

func (e *entry) snapshot() Response {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.snapshotLocked()
}

// Supervisor owns all in-flight prediction records.
type Supervisor struct {
	entries sync.Map // id -> *entry

	webhookCfg webhook.Config

	// canceller dispatches an orchestrator-level cancel for a
	// prediction id; wired by the service facade.
	canceller func(id string) bool
}

// NewSupervisor builds a supervisor whose webhooks use cfg.
func NewSupervisor(cfg webhook.Config) *Supervisor {
	return &Supervisor{webhookCfg: cfg}
}

// SetCanceller wires the orchestrator-level cancel dispatch.
func (s *Supervisor) SetCanceller(fn func(id string) bool) { s.canceller = fn }

// Handle exposes one prediction to its submitter.
type Handle struct {
	sup *Supervisor
	ent *entry
}

// ID returns the prediction id.
func (h *Handle) ID() string { return h.ent.id }

// Response returns the current snapshot.
func (h *Handle) Response() Response { return h.ent.snapshot() }

// Wait blocks until the prediction is terminal or ctx is done, returning
// the final snapshot.
func (h *Handle) Wait(ctx context.Context) (Response, error) {
	select {
	case <-h.ent.doneCh:
		return h.ent.snapshot(), nil
	case <-ctx.Done():
		return h.ent.snapshot(), ctx.Err()
	}
}

// Cancel requests cancellation of this prediction.
func (h *Handle) Cancel() bool { return h.sup.Cancel(h.ent.id) }

// Cancelled exposes the per-prediction cancellation signal; it is closed
// at most once, when cancellation is first requested.
func (h *Handle) Cancelled() <-chan struct{} { return h.ent.cancelled }

// Submit registers a new prediction record in the starting state. A
// non-empty webhookURL attaches a webhook sender; tc is propagated on
// every delivery, and a non-empty eventsFilter narrows which event
// classes this prediction's webhook receives.
func (s *Supervisor) Submit(id string, input interface{}, webhookURL string, tc webhook.TraceContext, eventsFilter []string, outputDir string) (*Handle, error) {
	ent := &entry{
		id:        id,
		input:     input,
		status:    StatusStarting,
		createdAt: time.Now(),
		doneCh:    make(chan struct{}),
		cancelled: make(chan struct{}),
		outputDir: outputDir,
	}
	if webhookURL != "" {
		cfg := s.webhookCfg
		if len(eventsFilter) > 0 {
			cfg.EventsFilter = webhook.ParseEventsFilter(eventsFilter)
		}
		ent.sender = webhook.NewWithTrace(webhookURL, cfg, tc)
	}

	if _, loaded := s.entries.LoadOrStore(id, ent); loaded {
		return nil, fmt.Errorf("predsvc: prediction %q already exists", id)
	}
	return &Handle{sup: s, ent: ent}, nil
}

// Exists reports whether a prediction with the given id is in flight.
func (s *Supervisor) Exists(id string) bool {
	_, ok := s.entries.Load(id)
	return ok
}

// GetState returns the status of an in-flight prediction.
func (s *Supervisor) GetState(id string) (Status, bool) {
	v, ok := s.entries.Load(id)
	if !ok {
		return "", false
	}
	ent := v.(*entry)
	ent.mu.Lock()
	defer ent.mu.Unlock()
	return ent.status, true
}

// Cancel fires the prediction's cancellation signal and dispatches an
// orchestrator-level cancel. Cancelling an unknown or already terminal
// prediction is a no-op returning false.
func (s *Supervisor) Cancel(id string) bool {
	v, ok := s.entries.Load(id)
	if !ok {
		return false
	}
	ent := v.(*entry)

	ent.mu.Lock()
	if ent.status.IsTerminal() {
		ent.mu.Unlock()
		return false
	}
	select {
	case <-ent.cancelled:
	default:
		close(ent.cancelled)
		logging.NewEventLogger().LogCancelRequested(context.Background(), id)
	}
	ent.mu.Unlock()

	if s.canceller != nil {
		s.canceller(id)
	}
	return true
}

// Remove drops a prediction record without a terminal transition. Used
// only for records that never dispatched (admission failures).
func (s *Supervisor) Remove(id string) {
	s.entries.Delete(id)
}

// BeginProcessing marks a submitted prediction as processing, fires the
// start webhook, and returns the orchestrator-facing response sink.
func (s *Supervisor) BeginProcessing(h *Handle) *Sink {
	ent := h.ent
	ent.mu.Lock()
	if ent.status == StatusStarting {
		ent.status = StatusProcessing
		ent.startedAt = time.Now()
	}
	snapshot := ent.snapshotLocked()
	sender := ent.sender
	ent.mu.Unlock()

	if sender != nil {
		sender.Send(context.Background(), webhook.EventStart, snapshot)
	}
	return &Sink{sup: s, ent: ent}
}

// AppendLogs appends log text to a prediction. The terminal transition
// removes the record from the map, so calls by id after it are dropped;
// late log flushes reach a terminal prediction through its Sink.
func (s *Supervisor) AppendLogs(id string, data string) {
	if v, ok := s.entries.Load(id); ok {
		v.(*entry).appendLogs(data)
	}
}

// UpdateMetrics merges user-emitted metrics into a prediction. Like
// AppendLogs, it has no effect once the terminal transition has removed
// the record from the map.
func (s *Supervisor) UpdateMetrics(id string, m map[string]interface{}) {
	v, ok := s.entries.Load(id)
	if !ok {
		return
	}
	ent := v.(*entry)
	ent.mu.Lock()
	if ent.metrics == nil {
		ent.metrics = make(map[string]interface{}, len(m))
	}
	for k, val := range m {
		ent.metrics[k] = val
	}
	ent.mu.Unlock()
}

// Sink adapts one entry to the orchestrator's PredictionSink contract.
type Sink struct {
	sup *Supervisor
	ent *entry
}

func (k *Sink) AppendLogs(data string) { k.ent.appendLogs(data) }

func (k *Sink) AppendOutput(output interface{}) {
	ent := k.ent
	ent.mu.Lock()
	if ent.status.IsTerminal() {
		ent.mu.Unlock()
		return
	}
	ent.outputs = append(ent.outputs, output)
	snapshot := ent.snapshotLocked()
	sender := ent.sender
	ent.mu.Unlock()

	if sender != nil {
		sender.Send(context.Background(), webhook.EventOutput, snapshot)
	}
}

func (k *Sink) Succeeded(output interface{}, predictTime float64) {
	k.terminal(StatusSucceeded, func(ent *entry) {
		ent.output = output
		if ent.metrics == nil {
			ent.metrics = map[string]interface{}{}
		}
		ent.metrics["predict_time"] = predictTime
	})
}

func (k *Sink) Failed(errMsg string) {
	k.terminal(StatusFailed, func(ent *entry) { ent.errMsg = errMsg })
}

func (k *Sink) Canceled() {
	k.terminal(StatusCanceled, nil)
}

func (k *Sink) terminal(status Status, mutate func(*entry)) {
	ent := k.ent

	ent.mu.Lock()
	if ent.status.IsTerminal() {
		// Cancel racing Done: first terminal state wins, later
		// messages for the same id are dropped.
		ent.mu.Unlock()
		return
	}
	ent.status = status
	if mutate != nil {
		mutate(ent)
	}
	ent.completedAt = time.Now()
	elapsed := ent.completedAt.Sub(ent.startedAt)
	snapshot := ent.snapshotLocked()
	sender := ent.sender
	outputDir := ent.outputDir
	ent.mu.Unlock()

	metrics.RecordPrediction(string(status), elapsed)
	logging.NewEventLogger().LogPredictionCompleted(ent.id, string(status), elapsed.Milliseconds())

	close(ent.doneCh)
	k.sup.entries.Delete(ent.id)

	go func() {
		if sender != nil {
			sender.SendTerminal(context.Background(), webhook.EventCompleted, snapshot)
		}
		if outputDir != "" {
			if err := os.RemoveAll(outputDir); err != nil {
				logging.Warn().Err(err).Str("dir", outputDir).Msg("failed to remove prediction output dir")
			}
		}
	}()
}

func (e *entry) appendLogs(data string) {
	if data == "" {
		return
	}
	e.mu.Lock()
	e.logs += data
	terminal := e.status.IsTerminal()
	snapshot := e.snapshotLocked()
	sender := e.sender
	e.mu.Unlock()

	if sender != nil && !terminal {
		sender.Send(context.Background(), webhook.EventLogs, snapshot)
	}
}
