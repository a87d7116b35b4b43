// Coglet - Prediction Runtime for ML Models
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/coglet-go

package permit

import (
	"bytes"
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tomtom215/coglet-go/internal/wire"
)

type fakeWriter struct {
	sent []wire.SlotRequest
}

func (f *fakeWriter) Send(_ context.Context, req wire.SlotRequest) error {
	f.sent = append(f.sent, req)
	return nil
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestPoolAddAndAcquire(t *testing.T) {
	pool := NewPool(2, discardLogger())

	slot1 := wire.NewSlotID()
	slot2 := wire.NewSlotID()
	pool.AddPermit(slot1, &fakeWriter{})
	pool.AddPermit(slot2, &fakeWriter{})

	assert.Equal(t, 2, pool.Available())

	permit, err := pool.Acquire(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, pool.Available())

	idle := permit.IntoIdle()
	idle.Release(discardLogger())
	assert.Equal(t, 2, pool.Available())
}

func TestPoolTryAcquireEmptyReturnsNil(t *testing.T) {
	pool := NewPool(1, discardLogger())
	assert.Nil(t, pool.TryAcquire())
}

func TestPoolAcquireBlocksUntilCanceled(t *testing.T) {
	pool := NewPool(1, discardLogger())

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	_, err := pool.Acquire(ctx)
	assert.Error(t, err)
}

func TestPoisonedPermitNeverReturnsToPool(t *testing.T) {
	pool := NewPool(1, discardLogger())
	slot := wire.NewSlotID()
	pool.AddPermit(slot, &fakeWriter{})

	permit, err := pool.Acquire(context.Background())
	require.NoError(t, err)

	poisoned := permit.IntoPoisoned()
	assert.Equal(t, slot, poisoned.SlotID())
	assert.True(t, pool.IsPoisoned(slot))
	assert.Equal(t, 0, pool.Available())

	assert.Nil(t, pool.TryAcquire())
}

func TestPoisonWhileIdleInPoolDiscardsOnAcquire(t *testing.T) {
	pool := NewPool(1, discardLogger())
	slot := wire.NewSlotID()
	pool.AddPermit(slot, &fakeWriter{})

	pool.Poison(slot)
	assert.True(t, pool.IsPoisoned(slot))

	assert.Nil(t, pool.TryAcquire())
}

func TestPoisonAfterAcquireDiscardsOnRelease(t *testing.T) {
	pool := NewPool(1, discardLogger())
	slot := wire.NewSlotID()
	pool.AddPermit(slot, &fakeWriter{})

	permit, err := pool.Acquire(context.Background())
	require.NoError(t, err)

	// Slot is poisoned externally (e.g. a worker Fatal message) while the
	// prediction using it is still completing normally.
	pool.Poison(slot)

	idle := permit.IntoIdle()
	idle.Release(discardLogger())

	assert.Equal(t, 0, pool.Available())
}

func TestReleaseIsIdempotent(t *testing.T) {
	pool := NewPool(1, discardLogger())
	slot := wire.NewSlotID()
	pool.AddPermit(slot, &fakeWriter{})

	permit, err := pool.Acquire(context.Background())
	require.NoError(t, err)

	idle := permit.IntoIdle()
	idle.Release(discardLogger())
	idle.Release(discardLogger())

	assert.Equal(t, 1, pool.Available())
}

func TestIdleTokenConsumeStopsAlarm(t *testing.T) {
	slot := wire.NewSlotID()
	inactive := NewInactiveIdleToken(slot)
	token := inactive.Activate(discardLogger())
	assert.Equal(t, slot, token.SlotID())
	token.Consume(discardLogger())
}

func TestPoisonUnknownSlotLogsWarning(t *testing.T) {
	var buf bytes.Buffer
	pool := NewPool(1, slog.New(slog.NewTextHandler(&buf, nil)))
	unknown := wire.NewSlotID()
	pool.Poison(unknown)
	assert.False(t, pool.IsPoisoned(unknown))
	assert.Contains(t, buf.String(), "attempted to poison unknown slot")
}
