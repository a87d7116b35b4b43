// Coglet - Prediction Runtime for ML Models
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/coglet-go

package transport

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"

	"github.com/tomtom215/coglet-go/internal/wire"
)

// namedSocketTransport binds one filesystem Unix socket per slot under a
// per-process directory and removes that directory when closed.
type namedSocketTransport struct {
	dir       string
	conns     []net.Conn
	listeners []net.Listener
	isParent  bool
}

func listenNamed(ctx context.Context, numSlots int) (*Listener, error) {
	dir := namedSocketDir()
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("transport: create socket dir: %w", err)
	}

	listeners := make([]net.Listener, 0, numSlots)
	for i := 0; i < numSlots; i++ {
		path := slotSocketPath(dir, i)
		_ = os.Remove(path)

		lc := net.ListenConfig{}
		ln, err := lc.Listen(ctx, "unix", path)
		if err != nil {
			closeListeners(listeners)
			return nil, fmt.Errorf("transport: bind slot %d: %w", i, err)
		}
		listeners = append(listeners, ln)
	}

	info := wire.ChildTransportInfo{Kind: wire.ChildTransportNamed, Dir: dir, NumSlots: numSlots}
	return &Listener{info: info, listeners: listeners}, nil
}

// acceptOne accepts a single connection, respecting context cancellation
// by racing the accept against ctx.Done in a goroutine.
func acceptOne(ctx context.Context, ln net.Listener) (net.Conn, error) {
	type result struct {
		conn net.Conn
		err  error
	}
	ch := make(chan result, 1)
	go func() {
		conn, err := ln.Accept()
		ch <- result{conn, err}
	}()

	select {
	case r := <-ch:
		return r.conn, r.err
	case <-ctx.Done():
		_ = ln.Close()
		<-ch
		return nil, ctx.Err()
	}
}

func connectNamed(ctx context.Context, dir string, numSlots int) (SlotTransport, error) {
	conns := make([]net.Conn, 0, numSlots)
	var d net.Dialer
	for i := 0; i < numSlots; i++ {
		path := slotSocketPath(dir, i)
		conn, err := d.DialContext(ctx, "unix", path)
		if err != nil {
			for _, c := range conns {
				_ = c.Close()
			}
			return nil, fmt.Errorf("transport: connect slot %d: %w", i, err)
		}
		conns = append(conns, conn)
	}
	return &namedSocketTransport{dir: dir, conns: conns, isParent: false}, nil
}

func (t *namedSocketTransport) SlotConn(slot int) (net.Conn, error) {
	if slot < 0 || slot >= len(t.conns) {
		return nil, fmt.Errorf("transport: slot %d out of range (have %d)", slot, len(t.conns))
	}
	return t.conns[slot], nil
}

func (t *namedSocketTransport) NumSlots() int { return len(t.conns) }

func (t *namedSocketTransport) Close() error {
	var errs []error
	closeListeners(t.listeners)
	for _, c := range t.conns {
		if err := c.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	if t.isParent {
		if err := os.RemoveAll(t.dir); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func closeListeners(listeners []net.Listener) {
	for _, ln := range listeners {
		_ = ln.Close()
	}
}
