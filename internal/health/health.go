// Coglet - Prediction Runtime for ML Models
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/coglet-go

// Package health models the predictor runtime's health state machine and
// the one-shot setup phase that precedes it.
//
// Health only ever moves Unknown -> Starting -> {Ready | SetupFailed},
// and Ready -> Defunct. Busy is never stored; it's derived at response
// time from whether the permit pool has any available slots. Unhealthy
// is response-only too: it reflects a user-defined healthcheck failure
// without altering the stored state, since the runtime may recover on
// the next healthcheck.
package health

import "time"

// State is the runtime's stored health.
type State string

const (
	StateUnknown     State = "UNKNOWN"
	StateStarting    State = "STARTING"
	StateReady       State = "READY"
	StateSetupFailed State = "SETUP_FAILED"
	StateDefunct     State = "DEFUNCT"
)

// Response is the health value reported over HTTP. It adds two states
// that are never stored: Busy (Ready with no available slots) and
// Unhealthy (a user healthcheck call failed).
type Response string

const (
	ResponseUnknown     Response = "UNKNOWN"
	ResponseStarting    Response = "STARTING"
	ResponseReady       Response = "READY"
	ResponseBusy        Response = "BUSY"
	ResponseSetupFailed Response = "SETUP_FAILED"
	ResponseDefunct     Response = "DEFUNCT"
	ResponseUnhealthy   Response = "UNHEALTHY"
)

// ToResponse renders a stored State as a Response, with no Busy/Unhealthy
// derivation; callers that need Busy should use ResponseFor instead.
func (s State) ToResponse() Response {
	return Response(s)
}

// ResponseFor derives the reported health for a snapshot of runtime
// state: Busy overrides Ready when no slots are available, and a failed
// user healthcheck overrides everything with Unhealthy.
func ResponseFor(state State, availableSlots, totalSlots int, healthcheckFailed bool) Response {
	if healthcheckFailed {
		return ResponseUnhealthy
	}
	if state == StateReady && totalSlots > 0 && availableSlots == 0 {
		return ResponseBusy
	}
	return Response(state)
}

// SetupStatus is the outcome of the one-shot setup() phase.
type SetupStatus string

const (
	SetupStatusStarting  SetupStatus = "starting"
	SetupStatusSucceeded SetupStatus = "succeeded"
	SetupStatusFailed    SetupStatus = "failed"
)

// SetupResult records when setup started/completed, its outcome, and
// any logs captured while it ran.
type SetupResult struct {
	StartedAt   string      `json:"started_at"`
	CompletedAt string      `json:"completed_at,omitempty"`
	Status      SetupStatus `json:"status,omitempty"`
	Logs        string      `json:"logs,omitempty"`
}

// StartingSetup begins a new setup result with the current time.
func StartingSetup() SetupResult {
	return SetupResult{
		StartedAt: time.Now().UTC().Format(time.RFC3339),
		Status:    SetupStatusStarting,
	}
}

// Succeeded returns a copy of r marked as succeeded, with logs attached.
func (r SetupResult) Succeeded(logs string) SetupResult {
	r.CompletedAt = time.Now().UTC().Format(time.RFC3339)
	r.Status = SetupStatusSucceeded
	r.Logs = logs
	return r
}

// Failed returns a copy of r marked as failed, with logs attached.
func (r SetupResult) Failed(logs string) SetupResult {
	r.CompletedAt = time.Now().UTC().Format(time.RFC3339)
	r.Status = SetupStatusFailed
	r.Logs = logs
	return r
}
