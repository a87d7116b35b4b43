// Coglet - Prediction Runtime for ML Models
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/coglet-go

// Package fdredirect isolates a worker's control channel from subprocess
// output.
//
// The worker's control channel normally rides on stdin/stdout. If the
// predictor's setup() spawns subprocesses (os/exec.Command et al.) they
// inherit fd 1 by default and can corrupt the control channel by writing
// into it directly.
//
// Redirect moves the original stdin/stdout/stderr to high-numbered fds
// (99/100/101) before any predictor code runs, then replaces fds 1 and 2
// with pipes whose read ends are drained by two goroutines that forward
// captured output as wire.Log control messages. Any subprocess spawned
// after Redirect inherits the capture pipes, never the control channel.
//
// This package only does anything on Unix; Redirect is a no-op returning
// the process's own stdin/stdout elsewhere.
package fdredirect

import "github.com/tomtom215/coglet-go/internal/wire"

// ControlChannel is the pair of file-like handles the worker's framed
// codec should use as its control channel after redirection.
type ControlChannel struct {
	Stdin  ReadCloser
	Stdout WriteCloser
}

// ReadCloser and WriteCloser mirror io.ReadCloser/io.WriteCloser; they're
// named here so both build variants can satisfy them with either
// *os.File or the process's own os.Stdin/os.Stdout.
type ReadCloser interface {
	Read(p []byte) (int, error)
	Close() error
}

type WriteCloser interface {
	Write(p []byte) (int, error)
	Close() error
}

// LogSink receives captured subprocess output, tagged by source stream.
// It is typically a channel wrapped in a small adapter that turns it
// into a wire.ControlResponse Log message for the orchestrator.
type LogSink interface {
	SendLog(source wire.LogSource, data string)
}

// LogSinkFunc adapts a function to LogSink.
type LogSinkFunc func(source wire.LogSource, data string)

func (f LogSinkFunc) SendLog(source wire.LogSource, data string) { f(source, data) }
