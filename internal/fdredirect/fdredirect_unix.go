// Coglet - Prediction Runtime for ML Models
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/coglet-go

//go:build unix

package fdredirect

import (
	"fmt"
	"os"

	"golang.org/x/sys/unix"

	"github.com/tomtom215/coglet-go/internal/wire"
)

// Chosen to sit above the range typically used by libraries, avoiding
// collisions with application or library-opened files.
const (
	controlStdinFD  = 99
	controlStdoutFD = 100
	workerStderrFD  = 101

	captureBufSize = 4096
)

// Redirect must be called before any predictor/FFI code runs. It
// preserves the process's original stdin/stdout/stderr at fds 99-101,
// then replaces fds 1 and 2 with pipes whose read ends are drained by
// background goroutines forwarding captured output to sink in chunks of
// up to 4 KiB, as each read returns it.
func Redirect(sink LogSink) (ControlChannel, error) {
	controlStdin, err := unix.Dup(0)
	if err != nil {
		return ControlChannel{}, fmt.Errorf("fdredirect: dup(0): %w", err)
	}
	controlStdout, err := unix.Dup(1)
	if err != nil {
		return ControlChannel{}, fmt.Errorf("fdredirect: dup(1): %w", err)
	}
	workerStderr, err := unix.Dup(2)
	if err != nil {
		return ControlChannel{}, fmt.Errorf("fdredirect: dup(2): %w", err)
	}

	if err := unix.Dup2(controlStdin, controlStdinFD); err != nil {
		return ControlChannel{}, fmt.Errorf("fdredirect: dup2 stdin: %w", err)
	}
	if err := unix.Dup2(controlStdout, controlStdoutFD); err != nil {
		return ControlChannel{}, fmt.Errorf("fdredirect: dup2 stdout: %w", err)
	}
	if err := unix.Dup2(workerStderr, workerStderrFD); err != nil {
		return ControlChannel{}, fmt.Errorf("fdredirect: dup2 stderr: %w", err)
	}

	_ = unix.Close(controlStdin)
	_ = unix.Close(controlStdout)
	_ = unix.Close(workerStderr)

	stdoutRead, stdoutWrite, err := os.Pipe()
	if err != nil {
		return ControlChannel{}, fmt.Errorf("fdredirect: pipe: %w", err)
	}
	stderrRead, stderrWrite, err := os.Pipe()
	if err != nil {
		return ControlChannel{}, fmt.Errorf("fdredirect: pipe: %w", err)
	}

	if err := unix.Dup2(int(stdoutWrite.Fd()), 1); err != nil {
		return ControlChannel{}, fmt.Errorf("fdredirect: dup2(stdout): %w", err)
	}
	if err := unix.Dup2(int(stderrWrite.Fd()), 2); err != nil {
		return ControlChannel{}, fmt.Errorf("fdredirect: dup2(stderr): %w", err)
	}
	_ = stdoutWrite.Close()
	_ = stderrWrite.Close()

	// No logging inside the capture goroutines: this process's own
	// stderr now feeds back through the pipe we're draining here.
	go captureLoop(stdoutRead, wire.LogSourceStdout, sink)
	go captureLoop(stderrRead, wire.LogSourceStderr, sink)

	return ControlChannel{
		Stdin:  os.NewFile(uintptr(controlStdinFD), "control-stdin"),
		Stdout: os.NewFile(uintptr(controlStdoutFD), "control-stdout"),
	}, nil
}

func captureLoop(r *os.File, source wire.LogSource, sink LogSink) {
	defer r.Close()
	buf := make([]byte, captureBufSize)
	for {
		n, err := r.Read(buf)
		if n > 0 {
			sink.SendLog(source, string(buf[:n]))
		}
		if err != nil {
			return
		}
	}
}
