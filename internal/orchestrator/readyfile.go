// Coglet - Prediction Runtime for ML Models
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/coglet-go

package orchestrator

import (
	"os"
	"path/filepath"

	"github.com/tomtom215/coglet-go/internal/logging"
)

// readyFilePath is probed by the Kubernetes readiness check; touching it
// on first Ready lets an exec-based probe avoid an HTTP round trip.
const readyFilePath = "/var/run/cog/ready"

// touchReadyFile creates the readiness marker when running under
// Kubernetes. Failures are logged and otherwise ignored: the HTTP
// health endpoint remains authoritative.
func touchReadyFile() {
	if os.Getenv("KUBERNETES_SERVICE_HOST") == "" {
		return
	}
	if err := os.MkdirAll(filepath.Dir(readyFilePath), 0o755); err != nil {
		logging.Warn().Err(err).Msg("failed to create readiness marker directory")
		return
	}
	if err := os.WriteFile(readyFilePath, nil, 0o644); err != nil {
		logging.Warn().Err(err).Msg("failed to touch readiness marker")
		return
	}
	logging.Info().Str("path", readyFilePath).Msg("readiness marker created")
}
