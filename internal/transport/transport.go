// Coglet - Prediction Runtime for ML Models
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/coglet-go

// Package transport implements the slot-socket transport used to carry
// Predict traffic between the orchestrator and a worker subprocess.
//
// Two flavors are supported:
//
//   - named sockets: one Unix domain socket per slot, bound under a
//     per-process temp directory. Works on every platform net.Listen
//     supports Unix sockets on, and is the portable default.
//   - abstract sockets: Linux's abstract namespace, selected by prefixing
//     the address with "@". No filesystem entries are created, so there
//     is nothing to clean up if the process is killed uncleanly.
//
// The orchestrator binds with Listen, tells the worker how to reach the
// sockets via a wire.ChildTransportInfo sent in the Init control message,
// and then blocks in Accept; the worker uses Connect to dial back.
package transport

import (
	"context"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"runtime"

	"github.com/tomtom215/coglet-go/internal/wire"
)

// SlotTransport is the parent- or child-side handle on a set of
// connected slot sockets. Implementations are not safe for concurrent
// use of the same slot index from multiple goroutines, but distinct
// slots may be used concurrently.
type SlotTransport interface {
	// SlotConn returns the connection for the given slot index.
	SlotConn(slot int) (net.Conn, error)

	// NumSlots returns the number of connected slots.
	NumSlots() int

	// Close releases all slot connections and any transport-owned
	// resources (listeners, socket directories).
	Close() error
}

// Listener holds bound-but-unaccepted slot sockets on the orchestrator
// side. The two-phase split matters for the spawn handshake: the
// orchestrator binds, sends the transport descriptor to the worker in
// the Init message, and only then blocks in Accept waiting for the
// worker to dial back.
type Listener struct {
	info      wire.ChildTransportInfo
	listeners []net.Listener
}

// Listen binds one slot socket per slot, selecting abstract sockets on
// Linux and named sockets everywhere else. The returned Listener must be
// completed with Accept or released with Close.
func Listen(ctx context.Context, numSlots int) (*Listener, error) {
	if runtime.GOOS == "linux" {
		return listenAbstract(ctx, numSlots)
	}
	return listenNamed(ctx, numSlots)
}

// Info returns the descriptor the worker needs to dial back, as embedded
// in the Init control message.
func (l *Listener) Info() wire.ChildTransportInfo { return l.info }

// Accept blocks until the worker has connected to every slot socket (in
// slot order), then returns the connected transport. The listeners are
// closed either way.
func (l *Listener) Accept(ctx context.Context) (SlotTransport, error) {
	conns := make([]net.Conn, 0, len(l.listeners))
	for i, ln := range l.listeners {
		conn, err := acceptOne(ctx, ln)
		if err != nil {
			for _, c := range conns {
				_ = c.Close()
			}
			_ = l.Close()
			return nil, fmt.Errorf("transport: accept slot %d: %w", i, err)
		}
		conns = append(conns, conn)
	}
	closeListeners(l.listeners)
	l.listeners = nil

	if l.info.Kind == wire.ChildTransportAbstract {
		return &abstractSocketTransport{prefix: l.info.Prefix, conns: conns}, nil
	}
	return &namedSocketTransport{dir: l.info.Dir, conns: conns, isParent: true}, nil
}

// Close releases the bound listeners without accepting. After a
// successful Accept the listeners are already closed, but for named
// sockets Close still removes the socket directory.
func (l *Listener) Close() error {
	closeListeners(l.listeners)
	l.listeners = nil
	if l.info.Kind == wire.ChildTransportNamed && l.info.Dir != "" {
		return os.RemoveAll(l.info.Dir)
	}
	return nil
}

// Connect builds a transport on the worker side from the ChildTransportInfo
// the orchestrator sent in the Init message.
func Connect(ctx context.Context, info wire.ChildTransportInfo) (SlotTransport, error) {
	switch info.Kind {
	case wire.ChildTransportNamed:
		return connectNamed(ctx, info.Dir, info.NumSlots)
	case wire.ChildTransportAbstract:
		return connectAbstract(ctx, info.Prefix, info.NumSlots)
	default:
		return nil, fmt.Errorf("transport: unknown child transport kind %q", info.Kind)
	}
}

// namedSocketDir returns the per-process directory named sockets are
// bound under: {temp_dir}/coglet-{pid}.
func namedSocketDir() string {
	return filepath.Join(os.TempDir(), fmt.Sprintf("coglet-%d", os.Getpid()))
}

func slotSocketPath(dir string, slot int) string {
	return filepath.Join(dir, fmt.Sprintf("slot-%d.sock", slot))
}

func abstractSlotAddr(prefix string, slot int) string {
	return "@" + prefix + fmt.Sprintf("-%d", slot)
}
