// Coglet - Prediction Runtime for ML Models
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/coglet-go

/*
Package main is the entry point for the coglet predictor runtime.

The same binary runs in two modes:

  - server (default): loads configuration, builds the supervisor tree,
    spawns the worker subprocess, and serves the prediction HTTP API.
  - worker ("coglet worker"): the subprocess the server spawns. It
    redirects stdio, connects back on the slot sockets, hosts the
    registered predictor, and services Predict requests.

# Application Architecture

The server runs under a Suture v4 supervisor tree:

	RootSupervisor ("coglet")
	├── OrchestratorSupervisor ("orchestrator-layer")
	│   └── orchestrator (worker spawn, handshake, response routing)
	└── APISupervisor ("api-layer")
	    └── http-server (chi router over the prediction service facade)

A worker crash moves health to DEFUNCT but leaves the HTTP surface up to
report it; the orchestrator service is deliberately not restarted.

# Configuration

Configuration is loaded via Koanf v2 with layered sources (highest
priority wins):
  - Environment variables (PREDICTOR_NUM_SLOTS, HTTP_PORT, COG_LOG, ...)
  - Config file (coglet.yaml, or CONFIG_PATH)
  - Built-in defaults

# Predictors

A predictor links into this binary and registers itself by name:

	func init() {
	    predictor.Register("my-model", func() worker.PredictHandler {
	        return &predictor.Func{PredictFn: run}
	    })
	}

PREDICTOR_REF selects which registered predictor the worker loads; with
exactly one registered it may be left empty.

# Signal Handling

SIGINT and SIGTERM trigger graceful shutdown: the worker receives a
Shutdown control message, the HTTP server stops accepting connections
and drains in-flight requests (10s timeout), then the supervisor tree
unwinds.

# Example Usage

	export PREDICTOR_NUM_SLOTS=4
	export HTTP_PORT=5000
	./coglet

Prediction requests:

	curl -X POST localhost:5000/predictions \
	  -H 'Content-Type: application/json' \
	  -d '{"input": {"prompt": "hello"}}'
*/
package main
