// Coglet - Prediction Runtime for ML Models
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/coglet-go

package predsvc

import (
	"sync/atomic"

	"github.com/tomtom215/coglet-go/internal/logging"
)

// SyncGuard propagates a synchronous client's disconnect to its
// prediction. The HTTP handler arms one per sync request and wires
// Trigger to the request context's cancellation (context.AfterFunc);
// if the client goes away before the final response is written, the
// prediction is cancelled. Disarm suppresses that on normal completion.
//
// This is the only path by which a dropped connection reaches the
// worker.
type SyncGuard struct {
	sup   *Supervisor
	id    string
	armed atomic.Bool
}

// NewSyncGuard builds an armed guard for the given prediction.
func NewSyncGuard(sup *Supervisor, id string) *SyncGuard {
	g := &SyncGuard{sup: sup, id: id}
	g.armed.Store(true)
	return g
}

// Disarm marks the prediction as completed normally; a later Trigger is
// a no-op.
func (g *SyncGuard) Disarm() {
	g.armed.Store(false)
}

// Trigger cancels the prediction if the guard is still armed. Safe to
// call more than once.
func (g *SyncGuard) Trigger() {
	if !g.armed.Swap(false) {
		return
	}
	logging.Info().Str("prediction_id", g.id).Msg("client disconnected, cancelling prediction")
	g.sup.Cancel(g.id)
}
