// Coglet - Prediction Runtime for ML Models
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/coglet-go

package health

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestResponseForBusyDerivation(t *testing.T) {
	assert.Equal(t, ResponseBusy, ResponseFor(StateReady, 0, 4, false))
	assert.Equal(t, ResponseReady, ResponseFor(StateReady, 1, 4, false))
	assert.Equal(t, ResponseReady, ResponseFor(StateReady, 0, 0, false))
}

func TestResponseForUnhealthyOverridesEverything(t *testing.T) {
	assert.Equal(t, ResponseUnhealthy, ResponseFor(StateReady, 4, 4, true))
	assert.Equal(t, ResponseUnhealthy, ResponseFor(StateStarting, 0, 0, true))
}

func TestResponseForPassesThroughOtherStates(t *testing.T) {
	assert.Equal(t, ResponseSetupFailed, ResponseFor(StateSetupFailed, 0, 0, false))
	assert.Equal(t, ResponseDefunct, ResponseFor(StateDefunct, 0, 0, false))
}

func TestSetupResultLifecycle(t *testing.T) {
	r := StartingSetup()
	assert.Equal(t, SetupStatusStarting, r.Status)
	assert.Empty(t, r.CompletedAt)

	ok := r.Succeeded("setup log output")
	assert.Equal(t, SetupStatusSucceeded, ok.Status)
	assert.NotEmpty(t, ok.CompletedAt)
	assert.Equal(t, "setup log output", ok.Logs)

	failed := r.Failed("traceback here")
	assert.Equal(t, SetupStatusFailed, failed.Status)
	assert.Equal(t, "traceback here", failed.Logs)
}

func TestVersionInfoBuilders(t *testing.T) {
	v := NewVersionInfo().WithPredictor("1.2.3").WithLanguage("python")
	assert.Equal(t, RuntimeVersion, v.Runtime)
	assert.Equal(t, "1.2.3", v.Predictor)
	assert.Equal(t, "python", v.Language)
}
