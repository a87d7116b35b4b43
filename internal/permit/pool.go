// Coglet - Prediction Runtime for ML Models
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/coglet-go

// Package permit implements the concurrency-slot permit pool.
//
// A permit represents exclusive use of one worker slot socket. Permits move
// through three states: in-use (actively running a prediction), idle
// (returned to the pool for reuse), and poisoned (removed from the pool
// forever because the slot failed in a way that makes it unsafe to reuse).
//
// Go has no destructors, so unlike the typestate this is modeled on, a
// permit is not automatically returned to the pool when it goes out of
// scope. Every PermitInUse must be explicitly resolved by calling exactly
// one of IntoIdle or IntoPoisoned; callers own that responsibility the
// same way they own closing an *os.File.
//
// Slot poisoning is tracked at the pool level, independent of any single
// permit's state: a slot can be poisoned while idle in the pool, or while
// in use by a prediction, and in either case it will never be handed out
// again.
package permit

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/tomtom215/coglet-go/internal/wire"
)

// SlotWriter sends slot requests to a worker over that slot's socket. It
// is the Go analogue of a FramedWrite<OwnedWriteHalf, JsonCodec<SlotRequest>>.
type SlotWriter interface {
	Send(ctx context.Context, req wire.SlotRequest) error
}

type permitInner struct {
	slotID   wire.SlotID
	writer   SlotWriter
	poisoned *atomic.Bool
}

// PermitInUse represents exclusive ownership of a slot while a prediction
// runs on it. It must be resolved via IntoIdle or IntoPoisoned.
type PermitInUse struct {
	inner permitInner
	pool  *Pool
}

// SlotID returns the slot this permit owns.
func (p *PermitInUse) SlotID() wire.SlotID { return p.inner.slotID }

// Send forwards a slot request (a Predict message) to the worker.
func (p *PermitInUse) Send(ctx context.Context, req wire.SlotRequest) error {
	return p.inner.writer.Send(ctx, req)
}

// IntoIdle transitions the permit to idle. The returned PermitIdle must
// itself be resolved by calling Release, which returns the slot to the
// pool unless it has since been poisoned.
func (p *PermitInUse) IntoIdle() *PermitIdle {
	return &PermitIdle{inner: p.inner, pool: p.pool}
}

// IntoPoisoned transitions the permit to poisoned. This both marks the
// pool-level poison flag for the slot (so an idle copy elsewhere, or a
// concurrent acquire, also observes it) and permanently discards this
// permit's slot socket.
func (p *PermitInUse) IntoPoisoned() *PermitPoisoned {
	p.inner.poisoned.Store(true)
	return &PermitPoisoned{slotID: p.inner.slotID}
}

// PermitIdle is a permit that finished its prediction successfully and is
// ready to return to the pool.
type PermitIdle struct {
	inner    permitInner
	pool     *Pool
	released bool
}

// SlotID returns the slot this permit owns.
func (p *PermitIdle) SlotID() wire.SlotID { return p.inner.slotID }

// Release returns the slot to the pool, unless the slot has since been
// poisoned at the pool level (e.g. by a worker Fatal message racing the
// prediction's own completion), in which case the slot is dropped for
// good. Release is idempotent; calling it twice is a no-op after the
// first call.
func (p *PermitIdle) Release(logger *slog.Logger) {
	if p.released {
		return
	}
	p.released = true

	if p.inner.poisoned.Load() {
		if logger != nil {
			logger.Warn("slot poisoned, not returning to pool", "slot", p.inner.slotID.String())
		}
		return
	}
	p.pool.returnPermit(p.inner)
}

// PermitPoisoned is a permit whose slot failed and will never be reused.
type PermitPoisoned struct {
	slotID wire.SlotID
}

// SlotID returns the slot this permit owned.
func (p *PermitPoisoned) SlotID() wire.SlotID { return p.slotID }

// InactiveIdleToken must be activated before a worker's Idle response is
// awaited. Activating it starts the leak-detection alarm.
type InactiveIdleToken struct {
	slotID wire.SlotID
}

// NewInactiveIdleToken creates a token for the given slot.
func NewInactiveIdleToken(slotID wire.SlotID) InactiveIdleToken {
	return InactiveIdleToken{slotID: slotID}
}

// Activate starts the 5-second leak-detection alarm and returns the live
// token. If the token isn't consumed before the alarm fires, an error is
// logged; the alarm does not release anything, and the slot's permit
// stays out of the pool until its PermitIdle is released.
func (t InactiveIdleToken) Activate(logger *slog.Logger) *IdleToken {
	tok := &IdleToken{
		slotID:    t.slotID,
		createdAt: time.Now(),
	}
	tok.timer = time.AfterFunc(idleTokenAlertThreshold, func() {
		if logger != nil {
			logger.Error("idle token not consumed after 5s, slot will not return to pool", "slot", t.slotID.String())
		}
	})
	return tok
}

const idleTokenAlertThreshold = 5 * time.Second

// IdleToken confirms a worker has acknowledged a slot as idle. Consuming
// it stops the leak-detection alarm.
type IdleToken struct {
	slotID    wire.SlotID
	createdAt time.Time
	timer     *time.Timer
}

// SlotID returns the slot this token confirms.
func (t *IdleToken) SlotID() wire.SlotID { return t.slotID }

// Consume stops the leak-detection alarm. Call this once the worker's
// Idle acknowledgement has actually been observed.
func (t *IdleToken) Consume(logger *slog.Logger) {
	t.timer.Stop()
	elapsed := time.Since(t.createdAt)
	if elapsed > idleTokenAlertThreshold && logger != nil {
		logger.Warn("delayed idle token consumption", "slot", t.slotID.String(), "elapsed", elapsed)
	}
}

// Pool manages the permits for a worker's concurrency slots.
//
// A poisoned slot is permanently removed: its permit will not be returned
// or acquired again, and Available() reports one fewer usable slot for
// the remainder of the worker's lifetime.
type Pool struct {
	available chan permitInner
	numSlots  int

	mu     sync.Mutex
	flags  map[wire.SlotID]*atomic.Bool
	logger *slog.Logger
}

// NewPool creates an empty pool sized for numSlots. Call AddPermit once
// per slot after the worker reports Ready.
func NewPool(numSlots int, logger *slog.Logger) *Pool {
	return &Pool{
		available: make(chan permitInner, numSlots),
		numSlots:  numSlots,
		flags:     make(map[wire.SlotID]*atomic.Bool, numSlots),
		logger:    logger,
	}
}

// AddPermit registers a freshly connected slot socket with the pool.
func (p *Pool) AddPermit(slotID wire.SlotID, writer SlotWriter) {
	poisoned := &atomic.Bool{}

	p.mu.Lock()
	p.flags[slotID] = poisoned
	p.mu.Unlock()

	inner := permitInner{slotID: slotID, writer: writer, poisoned: poisoned}
	select {
	case p.available <- inner:
	default:
		if p.logger != nil {
			p.logger.Error("failed to add permit to pool, channel full", "slot", slotID.String())
		}
	}
}

// Poison marks a slot as permanently unusable. Safe to call whether the
// slot is currently idle in the pool or in use by a prediction; in the
// latter case the in-flight PermitIdle.Release will observe the flag and
// discard the slot instead of returning it.
func (p *Pool) Poison(slotID wire.SlotID) {
	p.mu.Lock()
	flag, ok := p.flags[slotID]
	p.mu.Unlock()

	if !ok {
		if p.logger != nil {
			p.logger.Warn("attempted to poison unknown slot", "slot", slotID.String())
		}
		return
	}
	if !flag.Swap(true) && p.logger != nil {
		p.logger.Warn("slot poisoned, capacity permanently reduced", "slot", slotID.String())
	}
}

// IsPoisoned reports whether the given slot has been poisoned.
func (p *Pool) IsPoisoned(slotID wire.SlotID) bool {
	p.mu.Lock()
	flag, ok := p.flags[slotID]
	p.mu.Unlock()
	if !ok {
		return false
	}
	return flag.Load()
}

// TryAcquire attempts to take an available permit without blocking. It
// returns nil if no permit is immediately available. Poisoned permits
// encountered in the pool are discarded and the search continues.
func (p *Pool) TryAcquire() *PermitInUse {
	for {
		select {
		case inner := <-p.available:
			if inner.poisoned.Load() {
				if p.logger != nil {
					p.logger.Debug("discarding poisoned permit from pool", "slot", inner.slotID.String())
				}
				continue
			}
			return &PermitInUse{inner: inner, pool: p}
		default:
			return nil
		}
	}
}

// Acquire blocks until a permit is available or ctx is canceled. Poisoned
// permits encountered in the pool are discarded and the wait continues.
func (p *Pool) Acquire(ctx context.Context) (*PermitInUse, error) {
	for {
		select {
		case inner := <-p.available:
			if inner.poisoned.Load() {
				if p.logger != nil {
					p.logger.Debug("discarding poisoned permit from pool", "slot", inner.slotID.String())
				}
				continue
			}
			return &PermitInUse{inner: inner, pool: p}, nil
		case <-ctx.Done():
			return nil, fmt.Errorf("permit: acquire canceled: %w", ctx.Err())
		}
	}
}

// NumSlots returns the total number of slots the pool was created with,
// regardless of how many have since been poisoned.
func (p *Pool) NumSlots() int { return p.numSlots }

// Available returns the number of permits currently sitting idle in the
// pool, ready for immediate acquisition.
func (p *Pool) Available() int { return len(p.available) }

func (p *Pool) returnPermit(inner permitInner) {
	select {
	case p.available <- inner:
	default:
		if p.logger != nil {
			p.logger.Error("pool channel full on permit return", "slot", inner.slotID.String())
		}
	}
}
