// Coglet - Prediction Runtime for ML Models
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/coglet-go

// Package wire defines the parent-worker IPC protocol: message types and the
// length-prefixed JSON framing used to exchange them.
//
// Two channels carry traffic between the orchestrator and a worker
// subprocess:
//
//   - the control channel (the worker's stdin/stdout), used for Init,
//     Cancel, Healthcheck, and Shutdown and their responses;
//   - one slot socket per concurrency slot, used to send Predict requests
//     and receive streaming logs, output chunks, and completion.
//
// Splitting prediction traffic across per-slot sockets avoids
// head-of-line blocking: a slow prediction on slot 0 cannot delay logs or
// output for slot 1.
package wire

import (
	"fmt"

	"github.com/google/uuid"
)

// SlotID identifies a prediction slot. It is serialized as a bare UUID
// string (no wrapper object) to match the worker's wire format.
type SlotID struct {
	id uuid.UUID
}

// NewSlotID generates a fresh random slot identifier.
func NewSlotID() SlotID {
	return SlotID{id: uuid.New()}
}

// ParseSlotID parses a slot identifier from its string form.
func ParseSlotID(s string) (SlotID, error) {
	id, err := uuid.Parse(s)
	if err != nil {
		return SlotID{}, fmt.Errorf("wire: invalid slot id %q: %w", s, err)
	}
	return SlotID{id: id}, nil
}

func (s SlotID) String() string { return s.id.String() }

// MarshalJSON renders the slot id as a bare JSON string, matching the
// worker's `#[serde(transparent)]` representation.
func (s SlotID) MarshalJSON() ([]byte, error) {
	return []byte(`"` + s.id.String() + `"`), nil
}

// UnmarshalJSON parses a bare JSON string slot id.
func (s *SlotID) UnmarshalJSON(data []byte) error {
	if len(data) < 2 || data[0] != '"' || data[len(data)-1] != '"' {
		return fmt.Errorf("wire: slot id must be a JSON string, got %s", data)
	}
	id, err := uuid.Parse(string(data[1 : len(data)-1]))
	if err != nil {
		return fmt.Errorf("wire: invalid slot id %s: %w", data, err)
	}
	s.id = id
	return nil
}

// LogSource identifies which worker stream a log line originated from.
type LogSource string

const (
	LogSourceStdout LogSource = "stdout"
	LogSourceStderr LogSource = "stderr"
)

// HealthcheckStatus is the outcome of a user-defined healthcheck call.
type HealthcheckStatus string

const (
	HealthcheckStatusHealthy   HealthcheckStatus = "healthy"
	HealthcheckStatusUnhealthy HealthcheckStatus = "unhealthy"
)

// ChildTransportKind selects which slot-socket transport the worker should
// use to reach the orchestrator.
type ChildTransportKind string

const (
	ChildTransportNamed    ChildTransportKind = "named_sockets"
	ChildTransportAbstract ChildTransportKind = "abstract_sockets"
)

// ChildTransportInfo tells a freshly spawned worker how to connect its
// slot sockets back to the orchestrator.
type ChildTransportInfo struct {
	Kind     ChildTransportKind `json:"kind"`
	Dir      string             `json:"dir,omitempty"`
	Prefix   string             `json:"prefix,omitempty"`
	NumSlots int                `json:"num_slots"`
}

// ControlRequest is a discriminated union of messages sent from the
// orchestrator to a worker on the control channel. Type selects which of
// the field groups below is meaningful.
type ControlRequest struct {
	Type string `json:"type"`

	// Init fields.
	PredictorRef   string             `json:"predictor_ref,omitempty"`
	NumSlots       int                `json:"num_slots,omitempty"`
	TransportInfo  ChildTransportInfo `json:"transport_info,omitempty"`
	IsTrain        bool               `json:"is_train,omitempty"`
	IsAsync        bool               `json:"is_async,omitempty"`

	// Cancel fields.
	Slot SlotID `json:"slot,omitempty"`

	// Healthcheck fields.
	ID string `json:"id,omitempty"`
}

const (
	ControlRequestInit        = "init"
	ControlRequestCancel      = "cancel"
	ControlRequestHealthcheck = "healthcheck"
	ControlRequestShutdown    = "shutdown"
)

// NewInitRequest builds the Init control message that must be the first
// message sent to a newly spawned worker.
func NewInitRequest(predictorRef string, numSlots int, transport ChildTransportInfo, isTrain, isAsync bool) ControlRequest {
	return ControlRequest{
		Type:          ControlRequestInit,
		PredictorRef:  predictorRef,
		NumSlots:      numSlots,
		TransportInfo: transport,
		IsTrain:       isTrain,
		IsAsync:       isAsync,
	}
}

// NewCancelRequest builds a Cancel control message targeting the given slot.
func NewCancelRequest(slot SlotID) ControlRequest {
	return ControlRequest{Type: ControlRequestCancel, Slot: slot}
}

// NewHealthcheckRequest builds a Healthcheck control message. id correlates
// the eventual HealthcheckResult response.
func NewHealthcheckRequest(id string) ControlRequest {
	return ControlRequest{Type: ControlRequestHealthcheck, ID: id}
}

// NewShutdownRequest builds a Shutdown control message.
func NewShutdownRequest() ControlRequest {
	return ControlRequest{Type: ControlRequestShutdown}
}

// ControlResponse is a discriminated union of messages sent from a worker
// to the orchestrator on the control channel.
type ControlResponse struct {
	Type string `json:"type"`

	// Ready fields.
	Slots  []SlotID    `json:"slots,omitempty"`
	Schema interface{} `json:"schema,omitempty"`

	// Log / WorkerLog fields.
	Source  LogSource `json:"source,omitempty"`
	Data    string    `json:"data,omitempty"`
	Target  string    `json:"target,omitempty"`
	Level   string    `json:"level,omitempty"`
	Message string    `json:"message,omitempty"`

	// Idle / Cancelled / Failed fields.
	Slot  SlotID `json:"slot,omitempty"`
	Error string `json:"error,omitempty"`

	// Fatal fields.
	Reason string `json:"reason,omitempty"`

	// DroppedLogs fields.
	Count          int   `json:"count,omitempty"`
	IntervalMillis int64 `json:"interval_millis,omitempty"`

	// HealthcheckResult fields.
	ID     string            `json:"id,omitempty"`
	Status HealthcheckStatus `json:"status,omitempty"`
}

const (
	ControlResponseReady             = "ready"
	ControlResponseLog               = "log"
	ControlResponseWorkerLog         = "worker_log"
	ControlResponseIdle              = "idle"
	ControlResponseCancelled         = "cancelled"
	ControlResponseFailed            = "failed"
	ControlResponseFatal             = "fatal"
	ControlResponseDroppedLogs       = "dropped_logs"
	ControlResponseHealthcheckResult = "healthcheck_result"
	ControlResponseShuttingDown      = "shutting_down"
)

// SlotRequest is a discriminated union of messages sent on a slot socket
// from the orchestrator to the worker.
type SlotRequest struct {
	Type      string      `json:"type"`
	ID        string      `json:"id,omitempty"`
	Input     interface{} `json:"input,omitempty"`
	OutputDir string      `json:"output_dir,omitempty"`
}

const SlotRequestPredict = "predict"

// NewPredictRequest builds a Predict slot request. outputDir is the
// per-prediction scratch directory the worker should use for any file
// outputs it writes as part of the prediction.
func NewPredictRequest(id string, input interface{}, outputDir string) SlotRequest {
	return SlotRequest{Type: SlotRequestPredict, ID: id, Input: input, OutputDir: outputDir}
}

// SlotResponse is a discriminated union of messages sent on a slot socket
// from the worker to the orchestrator.
type SlotResponse struct {
	Type string `json:"type"`

	// Log fields.
	Source LogSource `json:"source,omitempty"`
	Data   string    `json:"data,omitempty"`

	// Output fields.
	Output interface{} `json:"output,omitempty"`

	// Done fields.
	ID          string  `json:"id,omitempty"`
	PredictTime float64 `json:"predict_time,omitempty"`

	// Failed fields.
	Error string `json:"error,omitempty"`
}

const (
	SlotResponseLog       = "log"
	SlotResponseOutput    = "output"
	SlotResponseDone      = "done"
	SlotResponseFailed    = "failed"
	SlotResponseCancelled = "cancelled"
)

// SlotOutcome describes how a slot finished a unit of work: either it is
// available for the next prediction, or it has been poisoned and must
// never be handed out again. Modeling this as one type (rather than two
// booleans) makes it impossible to accidentally report a poisoned slot as
// idle.
type SlotOutcome struct {
	Slot     SlotID
	Poisoned bool
	Error    string
}

// IdleOutcome reports a slot returning to the pool in good standing.
func IdleOutcome(slot SlotID) SlotOutcome {
	return SlotOutcome{Slot: slot}
}

// PoisonedOutcome reports a slot that failed and must not be reused.
func PoisonedOutcome(slot SlotID, errMsg string) SlotOutcome {
	return SlotOutcome{Slot: slot, Poisoned: true, Error: errMsg}
}

// ToControlResponse renders the outcome as the ControlResponse the worker
// would have sent for it (Idle or Failed).
func (o SlotOutcome) ToControlResponse() ControlResponse {
	if o.Poisoned {
		return ControlResponse{Type: ControlResponseFailed, Slot: o.Slot, Error: o.Error}
	}
	return ControlResponse{Type: ControlResponseIdle, Slot: o.Slot}
}
