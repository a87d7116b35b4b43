// Coglet - Prediction Runtime for ML Models
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/coglet-go

package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/tomtom215/coglet-go/internal/api"
	"github.com/tomtom215/coglet-go/internal/config"
	"github.com/tomtom215/coglet-go/internal/logging"
	"github.com/tomtom215/coglet-go/internal/orchestrator"
	"github.com/tomtom215/coglet-go/internal/predsvc"
	"github.com/tomtom215/coglet-go/internal/supervisor"
	"github.com/tomtom215/coglet-go/internal/supervisor/services"
	"github.com/tomtom215/coglet-go/internal/webhook"
)

func main() {
	// Worker mode: this same binary, re-invoked by the orchestrator with
	// piped stdio as the control channel.
	if len(os.Args) > 1 && os.Args[1] == "worker" {
		if err := runWorkerMode(); err != nil {
			logging.Fatal().Err(err).Msg("worker exited with error")
		}
		return
	}

	cfg, err := config.Load()
	if err != nil {
		logging.Fatal().Err(err).Msg("Failed to load configuration")
	}

	logging.Init(logging.Config{
		Level:  logLevel(cfg),
		Format: cfg.Logging.Format,
		Caller: cfg.Logging.Caller,
	})

	logging.Info().
		Str("predictor_ref", cfg.Predictor.Ref).
		Int("num_slots", cfg.Predictor.NumSlots).
		Dur("setup_timeout", cfg.Predictor.SetupTimeout).
		Msg("Starting predictor runtime")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Supervisor tree: the orchestrator (worker lifecycle) and the HTTP
	// server fail independently; a worker crash leaves the HTTP surface
	// up to report DEFUNCT.
	slogLogger := logging.NewSlogLogger()
	tree, err := supervisor.NewSupervisorTree(slogLogger, supervisor.DefaultTreeConfig())
	if err != nil {
		logging.Fatal().Err(err).Msg("Failed to create supervisor tree")
	}

	orch := orchestrator.New(orchestrator.Config{
		PredictorRef: cfg.Predictor.Ref,
		NumSlots:     cfg.Predictor.NumSlots,
		SetupTimeout: cfg.Predictor.SetupTimeout,
		IsTrain:      cfg.Predictor.IsTrain,
		IsAsync:      cfg.Predictor.IsAsync,
	})

	webhookCfg := webhook.DefaultConfig()
	webhookCfg.ResponseInterval = cfg.ThrottleInterval()
	webhookCfg.MaxRetries = cfg.Webhook.MaxRetries
	webhookCfg.EventsFilter = webhook.ParseEventsFilter(cfg.Webhook.EventsFilter)

	sup := predsvc.NewSupervisor(webhookCfg)
	svc := predsvc.New(orch, sup, cfg.Predictor.OutputDir, cancel)

	mwConfig := api.MiddlewareConfigFromServer(
		cfg.Server.CORSOrigins,
		cfg.Server.RateLimitReqs,
		cfg.Server.RateLimitWindow,
		cfg.Server.RateLimitDisabled,
	)
	httpServer := &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler:      api.NewServer(svc, mwConfig).Router(),
		ReadTimeout:  cfg.Server.Timeout,
		WriteTimeout: cfg.Server.Timeout,
		IdleTimeout:  60 * time.Second,
	}

	tree.AddOrchestratorService(orch)
	tree.AddAPIService(services.NewHTTPServerService(httpServer, 10*time.Second))
	logging.Info().Str("addr", httpServer.Addr).Msg("HTTP server service added")

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		logging.Info().Str("signal", sig.String()).Msg("Received shutdown signal")
		svc.TriggerShutdown()
	}()

	logging.Info().Msg("Starting supervisor tree...")
	errCh := tree.ServeBackground(ctx)

	select {
	case <-ctx.Done():
		logging.Info().Msg("Context canceled, waiting for supervisor to finish...")
	case err := <-errCh:
		if err != nil && !errors.Is(err, context.Canceled) {
			logging.Error().Err(err).Msg("Supervisor tree error")
		}
	}

	for err := range errCh {
		if err != nil && !errors.Is(err, context.Canceled) {
			logging.Error().Err(err).Msg("Supervisor shutdown error")
		}
	}

	unstopped, _ := tree.UnstoppedServiceReport()
	if len(unstopped) > 0 {
		logging.Warn().Int("count", len(unstopped)).Msg("Services failed to stop within timeout")
		for _, s := range unstopped {
			logging.Warn().Str("service", s.Name).Msg("Service failed to stop")
		}
	}

	logging.Info().Msg("Predictor runtime stopped gracefully")
}

// logLevel resolves the effective log level: RUST_LOG (kept for client
// compatibility) fully overrides the structured configuration.
func logLevel(cfg *config.Config) string {
	if override := os.Getenv("RUST_LOG"); override != "" {
		return override
	}
	return cfg.Logging.Level
}
