// Coglet - Prediction Runtime for ML Models
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/coglet-go

package orchestrator

import (
	"context"
	"fmt"

	"github.com/tomtom215/coglet-go/internal/health"
	"github.com/tomtom215/coglet-go/internal/logging"
	"github.com/tomtom215/coglet-go/internal/metrics"
	"github.com/tomtom215/coglet-go/internal/permit"
	"github.com/tomtom215/coglet-go/internal/wire"
)

type ctrlEvent struct {
	resp wire.ControlResponse
	err  error
}

type slotEvent struct {
	slot wire.SlotID
	resp wire.SlotResponse
	err  error
}

// registration ties an in-flight prediction to its slot for the
// response router. The router takes ownership of the permit.
type registration struct {
	slot   wire.SlotID
	id     string
	sink   PredictionSink
	permit *permit.PermitInUse
}

type loopCmd struct {
	register   *registration
	deregister *wire.SlotID
}

// inflight is the router's bookkeeping for one slot's current
// prediction: the permit moves in-use -> idle (after the terminal slot
// response) -> released (after the worker's Idle acknowledgement).
type inflight struct {
	id       string
	sink     PredictionSink
	permit   *permit.PermitInUse
	idle     *permit.PermitIdle
	token    *permit.IdleToken
	terminal bool

	// idleAcked records a control-channel Idle that arrived before the
	// slot's own terminal response; the two travel on different
	// conduits, so cross-conduit ordering is not guaranteed.
	idleAcked bool
}

func readControl(dec *wire.Decoder, out chan<- ctrlEvent) {
	for {
		var resp wire.ControlResponse
		if err := dec.Decode(&resp); err != nil {
			out <- ctrlEvent{err: err}
			return
		}
		out <- ctrlEvent{resp: resp}
	}
}

func readSlot(slot wire.SlotID, dec *wire.Decoder, out chan<- slotEvent) {
	for {
		var resp wire.SlotResponse
		if err := dec.Decode(&resp); err != nil {
			out <- slotEvent{slot: slot, err: err}
			return
		}
		out <- slotEvent{slot: slot, resp: resp}
	}
}

// routeResponses is the orchestrator's response router: a single select
// loop demultiplexing control responses, per-slot responses, and
// registration commands. All inflight bookkeeping lives on this
// goroutine, so it needs no locking.
func (o *Orchestrator) routeResponses(ctx context.Context, ctrlCh <-chan ctrlEvent, slotRespCh <-chan slotEvent) error {
	inflights := make(map[wire.SlotID]*inflight)

	defer o.closeDone()

	for {
		select {
		case cmd := <-o.regCh:
			switch {
			case cmd.register != nil:
				reg := cmd.register
				if prev, busy := inflights[reg.slot]; busy {
					// The pool should make this impossible; refuse
					// rather than corrupt routing for the old one.
					logging.Error().Str("slot", reg.slot.String()).Str("in_flight", prev.id).Str("rejected", reg.id).Msg("registration for busy slot rejected")
					reg.sink.Failed("slot already in use")
					reg.permit.IntoPoisoned()
					continue
				}
				inflights[reg.slot] = &inflight{id: reg.id, sink: reg.sink, permit: reg.permit}
				o.slotByPred.Store(reg.id, reg.slot)
				metrics.SetSlotGauges(o.pool.NumSlots(), o.pool.Available())

			case cmd.deregister != nil:
				slot := *cmd.deregister
				if inf, ok := inflights[slot]; ok {
					o.slotByPred.Delete(inf.id)
					if inf.permit != nil {
						inf.permit.IntoPoisoned()
					}
					delete(inflights, slot)
				}
			}

		case ev := <-slotRespCh:
			if ev.err != nil {
				// The slot socket died independently of the control
				// channel: poison the slot and fail its prediction.
				o.pool.Poison(ev.slot)
				metrics.SlotsPoisoned.Inc()
				o.dropInflight(inflights, ev.slot, fmt.Sprintf("slot socket error: %v", ev.err))
				metrics.SetSlotGauges(o.pool.NumSlots(), o.pool.Available())
				continue
			}
			o.handleSlotResponse(inflights, ev.slot, ev.resp)

		case ev := <-ctrlCh:
			if ev.err != nil {
				if o.shutdownRequested.Load() {
					logging.Info().Msg("worker exited after shutdown request")
					return nil
				}
				logging.Error().Err(ev.err).Msg("control channel closed, worker crashed")
				metrics.WorkerCrashes.Inc()
				o.setState(health.StateDefunct)
				o.failAll(inflights, ErrWorkerCrashed.Error())
				return ErrWorkerCrashed
			}
			done, err := o.handleControlResponse(inflights, ev.resp)
			if done || err != nil {
				return err
			}

		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// dropInflight removes one slot's prediction, failing it if it hasn't
// reached a terminal state yet, and discards the permit.
func (o *Orchestrator) dropInflight(inflights map[wire.SlotID]*inflight, slot wire.SlotID, errMsg string) {
	inf, ok := inflights[slot]
	if !ok {
		return
	}
	if !inf.terminal {
		inf.sink.Failed(errMsg)
	}
	if inf.token != nil {
		inf.token.Consume(o.slog)
	}
	if inf.permit != nil {
		inf.permit.IntoPoisoned()
	}
	if inf.idle != nil {
		// The pool-level poison flag is already set for this slot, so
		// release drops the permit instead of returning it.
		inf.idle.Release(o.slog)
	}
	o.slotByPred.Delete(inf.id)
	delete(inflights, slot)
}

func (o *Orchestrator) failAll(inflights map[wire.SlotID]*inflight, errMsg string) {
	for slot := range inflights {
		o.pool.Poison(slot)
		o.dropInflight(inflights, slot, errMsg)
	}
}

func (o *Orchestrator) handleSlotResponse(inflights map[wire.SlotID]*inflight, slot wire.SlotID, resp wire.SlotResponse) {
	inf, ok := inflights[slot]
	if !ok {
		// A late message for a prediction that already lost its slot
		// (cancel racing done); drop it.
		logging.Debug().Str("slot", slot.String()).Str("type", resp.Type).Msg("slot response with no registered prediction, dropping")
		return
	}

	switch resp.Type {
	case wire.SlotResponseLog:
		inf.sink.AppendLogs(resp.Data)
		logging.Info().Str("prediction_id", inf.id).Str("source", string(resp.Source)).Msg(resp.Data)

	case wire.SlotResponseOutput:
		inf.sink.AppendOutput(resp.Output)

	case wire.SlotResponseDone:
		inf.sink.Succeeded(resp.Output, resp.PredictTime)
		o.markTerminal(inflights, inf, slot)

	case wire.SlotResponseFailed:
		inf.sink.Failed(resp.Error)
		o.markTerminal(inflights, inf, slot)

	case wire.SlotResponseCancelled:
		inf.sink.Canceled()
		o.markTerminal(inflights, inf, slot)

	default:
		logging.Warn().Str("type", resp.Type).Msg("unknown slot response, ignoring")
	}
}

// markTerminal moves an inflight past its terminal slot response: the
// permit becomes idle, and the idle-ack alarm starts ticking until the
// worker's control-channel Idle confirms the slot may be reused. If the
// Idle raced ahead of the terminal response, the permit is released
// right away.
func (o *Orchestrator) markTerminal(inflights map[wire.SlotID]*inflight, inf *inflight, slot wire.SlotID) {
	inf.terminal = true
	o.slotByPred.Delete(inf.id)
	if inf.permit != nil {
		inf.idle = inf.permit.IntoIdle()
		inf.permit = nil
		if inf.idleAcked {
			inf.idle.Release(o.slog)
			delete(inflights, slot)
			metrics.SetSlotGauges(o.pool.NumSlots(), o.pool.Available())
			return
		}
		inf.token = permit.NewInactiveIdleToken(slot).Activate(o.slog)
	}
}

// releaseIdle completes the idle handshake for a slot whose worker-side
// acknowledgement just arrived. An Idle that outran the slot's terminal
// response is remembered and applied when the terminal arrives.
func (o *Orchestrator) releaseIdle(inflights map[wire.SlotID]*inflight, slot wire.SlotID) {
	inf, ok := inflights[slot]
	if !ok {
		return
	}
	if !inf.terminal {
		inf.idleAcked = true
		return
	}
	if inf.token != nil {
		inf.token.Consume(o.slog)
	}
	if inf.idle != nil {
		inf.idle.Release(o.slog)
	}
	delete(inflights, slot)
	metrics.SetSlotGauges(o.pool.NumSlots(), o.pool.Available())
}

func (o *Orchestrator) handleControlResponse(inflights map[wire.SlotID]*inflight, resp wire.ControlResponse) (done bool, err error) {
	switch resp.Type {
	case wire.ControlResponseIdle:
		o.releaseIdle(inflights, resp.Slot)

	case wire.ControlResponseCancelled:
		// Worker-level confirmation that the slot's prediction was
		// cancelled; the slot is idle again.
		if inf, ok := inflights[resp.Slot]; ok && !inf.terminal {
			inf.sink.Canceled()
			o.markTerminal(inflights, inf, resp.Slot)
		}
		o.releaseIdle(inflights, resp.Slot)

	case wire.ControlResponseFailed:
		// The worker poisoned this slot (its final response write
		// failed). The prediction may have completed on the slot
		// socket already; fail it only if it hasn't.
		o.pool.Poison(resp.Slot)
		metrics.SlotsPoisoned.Inc()
		o.dropInflight(inflights, resp.Slot, resp.Error)
		metrics.SetSlotGauges(o.pool.NumSlots(), o.pool.Available())

	case wire.ControlResponseFatal:
		logging.Error().Str("reason", resp.Reason).Msg("worker reported fatal error")
		o.setState(health.StateDefunct)
		o.poisonPool()
		o.failAll(inflights, fmt.Sprintf("Fatal worker error: %s", resp.Reason))
		return true, fmt.Errorf("orchestrator: worker fatal: %s", resp.Reason)

	case wire.ControlResponseLog:
		logSetupLine(resp.Source, resp.Data)

	case wire.ControlResponseWorkerLog:
		logWorkerLine(resp)

	case wire.ControlResponseDroppedLogs:
		logging.Warn().Int("count", resp.Count).Int64("interval_millis", resp.IntervalMillis).Msg("worker dropped log messages under backpressure")

	case wire.ControlResponseHealthcheckResult:
		o.deliverHealthcheck(resp.ID, resp.Status)

	case wire.ControlResponseShuttingDown:
		logging.Info().Msg("worker acknowledged shutdown")
		o.shutdownRequested.Store(true)
		return true, nil

	default:
		logging.Warn().Str("type", resp.Type).Msg("unknown control response, ignoring")
	}
	return false, nil
}

// poisonPool drains and poisons every idle permit so nothing can be
// acquired after a Fatal.
func (o *Orchestrator) poisonPool() {
	for {
		p := o.pool.TryAcquire()
		if p == nil {
			return
		}
		o.pool.Poison(p.SlotID())
		p.IntoPoisoned()
	}
}

func logSetupLine(source wire.LogSource, data string) {
	if data == "" {
		return
	}
	if source == wire.LogSourceStderr {
		logging.Warn().Str("source", string(source)).Msg(data)
		return
	}
	logging.Info().Str("source", string(source)).Msg(data)
}

// logWorkerLine re-emits a worker's own structured log line on the
// parent logger at the level the worker recorded.
func logWorkerLine(resp wire.ControlResponse) {
	ev := logging.Info()
	switch resp.Level {
	case "debug", "trace":
		ev = logging.Debug()
	case "warn", "warning":
		ev = logging.Warn()
	case "error":
		ev = logging.Error()
	}
	ev.Str("target", resp.Target).Msg(resp.Message)
}
