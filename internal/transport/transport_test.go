// Coglet - Prediction Runtime for ML Models
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/coglet-go

package transport

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNamedTransportRoundTrip(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	const numSlots = 3
	ln, err := listenNamed(ctx, numSlots)
	require.NoError(t, err)

	childCh := make(chan SlotTransport, 1)
	errCh := make(chan error, 1)
	go func() {
		child, err := connectNamed(ctx, ln.Info().Dir, numSlots)
		if err != nil {
			errCh <- err
			return
		}
		childCh <- child
	}()

	parent, err := ln.Accept(ctx)
	require.NoError(t, err)
	defer parent.Close()

	assert.Equal(t, numSlots, parent.NumSlots())

	var child SlotTransport
	select {
	case child = <-childCh:
	case err := <-errCh:
		t.Fatalf("child connect failed: %v", err)
	}
	defer child.Close()

	parentConn, err := parent.SlotConn(0)
	require.NoError(t, err)
	childConn, err := child.SlotConn(0)
	require.NoError(t, err)

	msg := []byte("hello")
	go func() { _, _ = parentConn.Write(msg) }()

	buf := make([]byte, len(msg))
	_, err = childConn.Read(buf)
	require.NoError(t, err)
	assert.Equal(t, msg, buf)
}

func TestSlotConnOutOfRange(t *testing.T) {
	tr := &namedSocketTransport{}
	_, err := tr.SlotConn(0)
	assert.Error(t, err)
}
