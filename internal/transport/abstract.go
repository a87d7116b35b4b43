// Coglet - Prediction Runtime for ML Models
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/coglet-go

package transport

import (
	"context"
	"fmt"
	"net"
	"os"

	"github.com/tomtom215/coglet-go/internal/wire"
)

// abstractSocketTransport binds one Linux abstract-namespace Unix socket
// per slot. Abstract sockets are addressed with a leading "@" in Go's net
// package, which maps it to a leading NUL byte at the kernel level; they
// have no filesystem presence and are reclaimed automatically when every
// referencing file descriptor is closed.
type abstractSocketTransport struct {
	prefix string
	conns  []net.Conn
}

func listenAbstract(ctx context.Context, numSlots int) (*Listener, error) {
	prefix := fmt.Sprintf("coglet-%d", os.Getpid())

	listeners := make([]net.Listener, 0, numSlots)
	for i := 0; i < numSlots; i++ {
		lc := net.ListenConfig{}
		ln, err := lc.Listen(ctx, "unix", abstractSlotAddr(prefix, i))
		if err != nil {
			closeListeners(listeners)
			return nil, fmt.Errorf("transport: bind abstract slot %d: %w", i, err)
		}
		listeners = append(listeners, ln)
	}

	info := wire.ChildTransportInfo{Kind: wire.ChildTransportAbstract, Prefix: prefix, NumSlots: numSlots}
	return &Listener{info: info, listeners: listeners}, nil
}

func connectAbstract(ctx context.Context, prefix string, numSlots int) (SlotTransport, error) {
	conns := make([]net.Conn, 0, numSlots)
	var d net.Dialer
	for i := 0; i < numSlots; i++ {
		conn, err := d.DialContext(ctx, "unix", abstractSlotAddr(prefix, i))
		if err != nil {
			for _, c := range conns {
				_ = c.Close()
			}
			return nil, fmt.Errorf("transport: connect abstract slot %d: %w", i, err)
		}
		conns = append(conns, conn)
	}
	return &abstractSocketTransport{prefix: prefix, conns: conns}, nil
}

func (t *abstractSocketTransport) SlotConn(slot int) (net.Conn, error) {
	if slot < 0 || slot >= len(t.conns) {
		return nil, fmt.Errorf("transport: slot %d out of range (have %d)", slot, len(t.conns))
	}
	return t.conns[slot], nil
}

func (t *abstractSocketTransport) NumSlots() int { return len(t.conns) }

func (t *abstractSocketTransport) Close() error {
	var firstErr error
	for _, c := range t.conns {
		if err := c.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
