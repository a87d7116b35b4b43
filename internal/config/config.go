// Coglet - Prediction Runtime for ML Models
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/coglet-go

// Package config loads runtime configuration via Koanf v2 with layered
// sources: built-in defaults, an optional YAML config file, and
// environment variables, highest priority last.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/structs"
	"github.com/knadh/koanf/v2"
)

// DefaultConfigPaths lists the paths where config files are searched in
// order of priority. The first file found wins.
var DefaultConfigPaths = []string{
	"coglet.yaml",
	"coglet.yml",
	"/etc/coglet/config.yaml",
	"/etc/coglet/config.yml",
}

// ConfigPathEnvVar overrides the config file search path.
const ConfigPathEnvVar = "CONFIG_PATH"

// Config is the full runtime configuration.
type Config struct {
	Predictor PredictorConfig `koanf:"predictor"`
	Webhook   WebhookConfig   `koanf:"webhook"`
	Server    ServerConfig    `koanf:"server"`
	Logging   LoggingConfig   `koanf:"logging"`
}

// PredictorConfig describes the model being served and the worker
// subprocess that will host it.
type PredictorConfig struct {
	// Ref names the predictor the worker should load, in whatever form
	// the registered handler understands (for the built-in Go registry
	// this is the handler's registered name).
	Ref string `koanf:"ref"`

	// NumSlots is the number of concurrent predictions the worker serves.
	NumSlots int `koanf:"num_slots"`

	// SetupTimeout bounds the worker's setup phase; exceeding it moves
	// health to SETUP_FAILED.
	SetupTimeout time.Duration `koanf:"setup_timeout"`

	// OutputDir is the root under which per-prediction scratch
	// directories are created for file-valued outputs.
	OutputDir string `koanf:"output_dir"`

	// IsTrain selects the training handler mode. It is carried to the
	// worker in the Init message; the handler interface has a single
	// Predict entry point, which the worker calls in both modes.
	IsTrain bool `koanf:"is_train"`

	// IsAsync marks the predictor's handler as natively asynchronous.
	IsAsync bool `koanf:"is_async"`
}

// WebhookConfig controls webhook delivery behavior.
type WebhookConfig struct {
	// ThrottleInterval is the minimum gap between non-terminal webhook
	// sends for one prediction.
	ThrottleInterval time.Duration `koanf:"throttle_interval"`

	// MaxRetries bounds terminal-webhook delivery attempts beyond the first.
	MaxRetries int `koanf:"max_retries"`

	// EventsFilter restricts which event classes are delivered
	// (start, output, logs, completed). Empty means all.
	EventsFilter []string `koanf:"events_filter"`
}

// ServerConfig holds the HTTP listener settings.
type ServerConfig struct {
	Host    string        `koanf:"host"`
	Port    int           `koanf:"port"`
	Timeout time.Duration `koanf:"timeout"`

	// CORSOrigins lists allowed CORS origins; empty disables cross-origin
	// requests entirely.
	CORSOrigins []string `koanf:"cors_origins"`

	// RateLimitReqs / RateLimitWindow bound per-client request rates.
	RateLimitReqs     int           `koanf:"rate_limit_reqs"`
	RateLimitWindow   time.Duration `koanf:"rate_limit_window"`
	RateLimitDisabled bool          `koanf:"rate_limit_disabled"`
}

// LoggingConfig holds structured-logging settings.
type LoggingConfig struct {
	Level  string `koanf:"level"`
	Format string `koanf:"format"`
	Caller bool   `koanf:"caller"`
}

// defaultConfig returns a Config with all default values. Defaults are
// applied first, then overridden by config file and env vars.
func defaultConfig() *Config {
	return &Config{
		Predictor: PredictorConfig{
			Ref:          "",
			NumSlots:     1,
			SetupTimeout: 300 * time.Second,
			OutputDir:    os.TempDir(),
			IsTrain:      false,
			IsAsync:      false,
		},
		Webhook: WebhookConfig{
			ThrottleInterval: 500 * time.Millisecond,
			MaxRetries:       12,
			EventsFilter:     nil,
		},
		Server: ServerConfig{
			Host:              "0.0.0.0",
			Port:              5000,
			Timeout:           0, // sync predictions block for the model's own duration
			CORSOrigins:       []string{"*"},
			RateLimitReqs:     100,
			RateLimitWindow:   time.Minute,
			RateLimitDisabled: false,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
			Caller: false,
		},
	}
}

// Load reads configuration using Koanf v2 with layered sources:
//  1. Defaults: built-in values
//  2. Config file: optional YAML (CONFIG_PATH or the default search paths)
//  3. Environment variables: highest priority
func Load() (*Config, error) {
	k := koanf.New(".")

	if err := k.Load(structs.Provider(defaultConfig(), "koanf"), nil); err != nil {
		return nil, fmt.Errorf("failed to load defaults: %w", err)
	}

	if configPath := findConfigFile(); configPath != "" {
		if err := k.Load(file.Provider(configPath), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("failed to load config file %s: %w", configPath, err)
		}
	}

	envProvider := env.Provider("", ".", envTransformFunc)
	if err := k.Load(envProvider, nil); err != nil {
		return nil, fmt.Errorf("failed to load environment variables: %w", err)
	}

	if err := processSliceFields(k); err != nil {
		return nil, fmt.Errorf("failed to process slice fields: %w", err)
	}

	cfg := &Config{}
	if err := k.Unmarshal("", cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal configuration: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return cfg, nil
}

// Validate rejects configurations the runtime cannot start with.
func (c *Config) Validate() error {
	if c.Predictor.NumSlots < 1 {
		return fmt.Errorf("predictor.num_slots must be at least 1, got %d", c.Predictor.NumSlots)
	}
	if c.Predictor.SetupTimeout <= 0 {
		return fmt.Errorf("predictor.setup_timeout must be positive, got %s", c.Predictor.SetupTimeout)
	}
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port must be in [1, 65535], got %d", c.Server.Port)
	}
	switch c.Logging.Level {
	case "trace", "debug", "info", "warn", "error", "":
	default:
		return fmt.Errorf("logging.level must be one of trace|debug|info|warn|error, got %q", c.Logging.Level)
	}
	if c.Webhook.MaxRetries < 0 {
		return fmt.Errorf("webhook.max_retries must not be negative, got %d", c.Webhook.MaxRetries)
	}
	return nil
}

// findConfigFile searches CONFIG_PATH and then the default paths,
// returning the first file that exists.
func findConfigFile() string {
	if envPath := os.Getenv(ConfigPathEnvVar); envPath != "" {
		if _, err := os.Stat(envPath); err == nil {
			return envPath
		}
	}
	for _, path := range DefaultConfigPaths {
		if _, err := os.Stat(path); err == nil {
			return path
		}
	}
	return ""
}

// sliceConfigPaths defines which config paths should be parsed as
// comma-separated slices when they arrive as env-var strings.
var sliceConfigPaths = []string{
	"server.cors_origins",
	"webhook.events_filter",
}

func processSliceFields(k *koanf.Koanf) error {
	for _, path := range sliceConfigPaths {
		val := k.Get(path)
		if val == nil {
			continue
		}
		if _, ok := val.([]interface{}); ok {
			continue
		}
		if _, ok := val.([]string); ok {
			continue
		}
		strVal, ok := val.(string)
		if !ok || strVal == "" {
			continue
		}
		parts := strings.Split(strVal, ",")
		trimmed := make([]string, 0, len(parts))
		for _, p := range parts {
			if p = strings.TrimSpace(p); p != "" {
				trimmed = append(trimmed, p)
			}
		}
		if len(trimmed) > 0 {
			if err := k.Set(path, trimmed); err != nil {
				return fmt.Errorf("failed to set %s: %w", path, err)
			}
		}
	}
	return nil
}

// envTransformFunc maps environment variable names to koanf config
// paths. Only known variables are mapped; everything else is dropped so
// unrelated environment noise can't perturb the config tree.
//
// Examples:
//   - PREDICTOR_NUM_SLOTS -> predictor.num_slots
//   - COG_THROTTLE_RESPONSE_INTERVAL -> webhook.throttle_interval (seconds, float)
//   - HTTP_PORT -> server.port
func envTransformFunc(key string) string {
	key = strings.ToLower(key)

	envMappings := map[string]string{
		"predictor_ref":           "predictor.ref",
		"predictor_num_slots":     "predictor.num_slots",
		"predictor_setup_timeout": "predictor.setup_timeout",
		"predictor_output_dir":    "predictor.output_dir",
		"predictor_is_train":      "predictor.is_train",
		"predictor_is_async":      "predictor.is_async",

		"cog_webhook_events_filter": "webhook.events_filter",
		"webhook_max_retries":       "webhook.max_retries",

		"http_host":          "server.host",
		"http_port":          "server.port",
		"http_timeout":       "server.timeout",
		"cors_origins":       "server.cors_origins",
		"rate_limit_reqs":    "server.rate_limit_reqs",
		"rate_limit_window":  "server.rate_limit_window",
		"disable_rate_limit": "server.rate_limit_disabled",

		"cog_log":    "logging.level",
		"log_level":  "logging.level",
		"log_format": "logging.format",
		"log_caller": "logging.caller",
	}

	if mapped, ok := envMappings[key]; ok {
		return mapped
	}
	return ""
}

// ThrottleInterval resolves the effective webhook throttle interval,
// honoring the COG_THROTTLE_RESPONSE_INTERVAL compatibility variable
// (seconds as a float) over the structured config value.
func (c *Config) ThrottleInterval() time.Duration {
	if raw := os.Getenv("COG_THROTTLE_RESPONSE_INTERVAL"); raw != "" {
		var seconds float64
		if _, err := fmt.Sscanf(raw, "%g", &seconds); err == nil && seconds >= 0 {
			return time.Duration(seconds * float64(time.Second))
		}
	}
	return c.Webhook.ThrottleInterval
}
