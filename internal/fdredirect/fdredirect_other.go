// Coglet - Prediction Runtime for ML Models
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/coglet-go

//go:build !unix

package fdredirect

import "os"

// Redirect is a no-op on non-Unix platforms: fd-level isolation isn't
// available, so subprocesses spawned by predictor code may still
// corrupt the control channel. sink is accepted for interface
// compatibility but never called.
func Redirect(sink LogSink) (ControlChannel, error) {
	_ = sink
	return ControlChannel{Stdin: os.Stdin, Stdout: os.Stdout}, nil
}
