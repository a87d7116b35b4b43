// Coglet - Prediction Runtime for ML Models
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/coglet-go

package worker

import (
	"context"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"

	"github.com/tomtom215/coglet-go/internal/transport"
	"github.com/tomtom215/coglet-go/internal/wire"
)

type slotRequest struct {
	slot wire.SlotID
	req  wire.SlotRequest
}

// runEventLoop is the worker's main select loop: control-channel
// messages, slot-prediction completions, and incoming slot requests all
// funnel through one goroutine so slot bookkeeping (busy/poisoned) needs
// no locking.
func runEventLoop(
	ctx context.Context,
	handler PredictHandler,
	tr transport.SlotTransport,
	slotIDs []wire.SlotID,
	ctrlReader *wire.Decoder,
	sendCtrl func(wire.ControlResponse) error,
	logger *slog.Logger,
) error {
	numSlots := len(slotIDs)

	slotBusy := make(map[wire.SlotID]bool, numSlots)
	slotPoisoned := make(map[wire.SlotID]bool, numSlots)
	slotWriters := make(map[wire.SlotID]*slotWriter, numSlots)
	for _, id := range slotIDs {
		slotBusy[id] = false
		slotPoisoned[id] = false
	}

	reqCh := make(chan slotRequest, numSlots)
	for i, id := range slotIDs {
		conn, err := tr.SlotConn(i)
		if err != nil {
			return err
		}
		slotWriters[id] = &slotWriter{enc: wire.NewEncoder(conn)}
		go slotReaderTask(id, wire.NewDecoder(conn), reqCh, logger)
	}

	ctrlCh := make(chan ctrlMsg)
	go func() {
		for {
			var req wire.ControlRequest
			if err := ctrlReader.Decode(&req); err != nil {
				ctrlCh <- ctrlMsg{err: err}
				return
			}
			ctrlCh <- ctrlMsg{req: req}
		}
	}()

	completionCh := make(chan slotCompletion, numSlots)

	for {
		select {
		case msg := <-ctrlCh:
			if msg.err != nil {
				logger.Info("control channel closed, exiting", "error", msg.err)
				return nil
			}
			switch msg.req.Type {
			case wire.ControlRequestInit:
				logger.Warn("received Init in event loop, should be at startup")
			case wire.ControlRequestCancel:
				logger.Debug("cancel requested", "slot", msg.req.Slot.String())
				handler.Cancel(msg.req.Slot)
			case wire.ControlRequestHealthcheck:
				go runHealthcheck(ctx, handler, msg.req.ID, sendCtrl, logger)
			case wire.ControlRequestShutdown:
				logger.Info("shutdown requested")
				_ = sendCtrl(wire.ControlResponse{Type: wire.ControlResponseShuttingDown})
				return nil
			default:
				logger.Warn("unknown control request", "type", msg.req.Type)
			}

		case completion := <-completionCh:
			if completion.fatal != "" {
				_ = sendCtrl(wire.ControlResponse{Type: wire.ControlResponseFatal, Reason: completion.fatal})
				logger.Error("fatal worker error, aborting", "reason", completion.fatal)
				return fmt.Errorf("worker: fatal: %s", completion.fatal)
			}
			slot := completion.outcome.Slot
			slotBusy[slot] = false
			if completion.outcome.Poisoned {
				slotPoisoned[slot] = true
			}
			_ = sendCtrl(completion.outcome.ToControlResponse())

			if allPoisoned(slotPoisoned) {
				logger.Error("all slots poisoned, exiting")
				return nil
			}

		case sr := <-reqCh:
			if slotBusy[sr.slot] {
				logger.Warn("request received for busy slot, ignoring", "slot", sr.slot.String())
				continue
			}
			if slotPoisoned[sr.slot] {
				logger.Warn("request received for poisoned slot, ignoring", "slot", sr.slot.String())
				continue
			}

			switch sr.req.Type {
			case wire.SlotRequestPredict:
				slotBusy[sr.slot] = true
				writer := slotWriters[sr.slot]
				go func(slot wire.SlotID, req wire.SlotRequest) {
					defer func() {
						if r := recover(); r != nil {
							logger.Error("panic in prediction", "slot", slot.String(), "panic", r, "stack", string(debug.Stack()))
							completionCh <- slotCompletion{fatal: fmt.Sprintf("panic in prediction %s: %v", req.ID, r)}
						}
					}()
					completionCh <- runPrediction(ctx, slot, req, handler, writer, logger)
				}(sr.slot, sr.req)
			default:
				logger.Warn("unknown slot request", "type", sr.req.Type)
			}

		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

type ctrlMsg struct {
	req wire.ControlRequest
	err error
}

func allPoisoned(m map[wire.SlotID]bool) bool {
	for _, p := range m {
		if !p {
			return false
		}
	}
	return len(m) > 0
}

// runHealthcheck answers a control-channel Healthcheck request. Handlers
// that don't implement HealthChecker are reported healthy: a worker that
// can service the request at all is, by definition, responsive.
func runHealthcheck(ctx context.Context, handler PredictHandler, id string, sendCtrl func(wire.ControlResponse) error, logger *slog.Logger) {
	status := wire.HealthcheckStatusHealthy
	if hc, ok := handler.(HealthChecker); ok {
		var err error
		status, err = hc.Healthcheck(ctx)
		if err != nil {
			logger.Warn("healthcheck returned error", "error", err)
			status = wire.HealthcheckStatusUnhealthy
		}
	}
	_ = sendCtrl(wire.ControlResponse{Type: wire.ControlResponseHealthcheckResult, ID: id, Status: status})
}

func slotReaderTask(slot wire.SlotID, dec *wire.Decoder, out chan<- slotRequest, logger *slog.Logger) {
	for {
		var req wire.SlotRequest
		if err := dec.Decode(&req); err != nil {
			logger.Debug("slot socket closed", "slot", slot.String(), "error", err)
			return
		}
		out <- slotRequest{slot: slot, req: req}
	}
}

// slotWriter serializes access to a slot socket's encoder; both the
// event loop's final response and the prediction's log/output stream
// write through it.
type slotWriter struct {
	mu  sync.Mutex
	enc *wire.Encoder
}

func (w *slotWriter) send(resp wire.SlotResponse) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.enc.Encode(resp)
}

// predictSlotSender adapts a slotWriter into the SlotSender interface exposed
// to PredictHandler.Predict, buffering nothing: every call is a direct
// (mutex-serialized) write to the socket.
type predictSlotSender struct {
	writer *slotWriter
	logger *slog.Logger
}

func (s *predictSlotSender) SendLog(source wire.LogSource, data string) {
	if data == "" {
		return
	}
	if err := s.writer.send(wire.SlotResponse{Type: wire.SlotResponseLog, Source: source, Data: data}); err != nil {
		s.logger.Warn("failed to forward prediction log", "error", err)
	}
}

func (s *predictSlotSender) SendOutput(output interface{}) {
	if err := s.writer.send(wire.SlotResponse{Type: wire.SlotResponseOutput, Output: output}); err != nil {
		s.logger.Warn("failed to forward prediction output", "error", err)
	}
}

func runPrediction(ctx context.Context, slot wire.SlotID, req wire.SlotRequest, handler PredictHandler, writer *slotWriter, logger *slog.Logger) slotCompletion {
	sender := &predictSlotSender{writer: writer, logger: logger}

	result := handler.Predict(ctx, slot, req.ID, req.Input, sender)

	var resp wire.SlotResponse
	switch {
	case result.Success:
		resp = wire.SlotResponse{Type: wire.SlotResponseDone, ID: req.ID, Output: result.Output, PredictTime: result.PredictTime}
	case result.Error == cancelledSentinel:
		resp = wire.SlotResponse{Type: wire.SlotResponseCancelled, ID: req.ID}
	default:
		errMsg := result.Error
		if errMsg == "" {
			errMsg = "Unknown error"
		}
		resp = wire.SlotResponse{Type: wire.SlotResponseFailed, ID: req.ID, Error: errMsg}
	}

	if err := writer.send(resp); err != nil {
		logger.Error("failed to send prediction response", "error", err)
		return slotCompletion{outcome: wire.PoisonedOutcome(slot, "Socket write error: "+err.Error())}
	}
	return slotCompletion{outcome: wire.IdleOutcome(slot)}
}
