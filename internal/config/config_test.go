// Coglet - Prediction Runtime for ML Models
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/coglet-go

package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, 1, cfg.Predictor.NumSlots)
	assert.Equal(t, 300*time.Second, cfg.Predictor.SetupTimeout)
	assert.Equal(t, 5000, cfg.Server.Port)
	assert.Equal(t, "info", cfg.Logging.Level)
	assert.Equal(t, 500*time.Millisecond, cfg.Webhook.ThrottleInterval)
	assert.Equal(t, 12, cfg.Webhook.MaxRetries)
}

func TestLoadEnvOverrides(t *testing.T) {
	t.Setenv("PREDICTOR_NUM_SLOTS", "4")
	t.Setenv("HTTP_PORT", "8080")
	t.Setenv("COG_LOG", "debug")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, 4, cfg.Predictor.NumSlots)
	assert.Equal(t, 8080, cfg.Server.Port)
	assert.Equal(t, "debug", cfg.Logging.Level)
}

func TestLoadConfigFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	yaml := []byte("predictor:\n  num_slots: 3\nserver:\n  port: 9000\n")
	require.NoError(t, os.WriteFile(path, yaml, 0o600))
	t.Setenv(ConfigPathEnvVar, path)

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, 3, cfg.Predictor.NumSlots)
	assert.Equal(t, 9000, cfg.Server.Port)
}

func TestEnvBeatsFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("server:\n  port: 9000\n"), 0o600))
	t.Setenv(ConfigPathEnvVar, path)
	t.Setenv("HTTP_PORT", "7000")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, 7000, cfg.Server.Port)
}

func TestSliceFieldsFromEnv(t *testing.T) {
	t.Setenv("COG_WEBHOOK_EVENTS_FILTER", "start, completed")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, []string{"start", "completed"}, cfg.Webhook.EventsFilter)
}

func TestValidateRejectsBadValues(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"zero slots", func(c *Config) { c.Predictor.NumSlots = 0 }},
		{"negative setup timeout", func(c *Config) { c.Predictor.SetupTimeout = -time.Second }},
		{"port out of range", func(c *Config) { c.Server.Port = 70000 }},
		{"bad log level", func(c *Config) { c.Logging.Level = "verbose" }},
		{"negative retries", func(c *Config) { c.Webhook.MaxRetries = -1 }},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			cfg := defaultConfig()
			tc.mutate(cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}

func TestThrottleIntervalCompatEnv(t *testing.T) {
	cfg := defaultConfig()

	t.Setenv("COG_THROTTLE_RESPONSE_INTERVAL", "0.25")
	assert.Equal(t, 250*time.Millisecond, cfg.ThrottleInterval())

	t.Setenv("COG_THROTTLE_RESPONSE_INTERVAL", "")
	assert.Equal(t, 500*time.Millisecond, cfg.ThrottleInterval())
}
