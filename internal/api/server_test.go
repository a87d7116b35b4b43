// Coglet - Prediction Runtime for ML Models
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/coglet-go

package api

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tomtom215/coglet-go/internal/orchestrator"
	"github.com/tomtom215/coglet-go/internal/predsvc"
	"github.com/tomtom215/coglet-go/internal/webhook"
)

func newTestServer(t *testing.T) (*Server, *shutdownRecorder) {
	t.Helper()

	orch := orchestrator.New(orchestrator.Config{PredictorRef: "test", NumSlots: 1})
	cfg := webhook.DefaultConfig()
	cfg.ResponseInterval = 0
	cfg.BackoffBase = time.Millisecond
	sup := predsvc.NewSupervisor(cfg)

	rec := &shutdownRecorder{ch: make(chan struct{}, 1)}
	svc := predsvc.New(orch, sup, t.TempDir(), rec.record)

	mwCfg := DefaultChiMiddlewareConfig()
	mwCfg.RateLimitDisabled = true
	return NewServer(svc, mwCfg), rec
}

type shutdownRecorder struct {
	ch chan struct{}
}

func (r *shutdownRecorder) record() {
	select {
	case r.ch <- struct{}{}:
	default:
	}
}

func doRequest(t *testing.T, srv *Server, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	srv.Router().ServeHTTP(w, req)
	return w
}

func TestHealthCheckReportsUnknownBeforeStart(t *testing.T) {
	srv, _ := newTestServer(t)

	w := doRequest(t, srv, http.MethodGet, "/health-check", "")
	require.Equal(t, http.StatusOK, w.Code)

	var snap predsvc.HealthSnapshot
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &snap))
	assert.EqualValues(t, "UNKNOWN", snap.Status)
	assert.Equal(t, 1, snap.NumSlots)
}

func TestPredictionRejectedWhenNotReady(t *testing.T) {
	srv, _ := newTestServer(t)

	w := doRequest(t, srv, http.MethodPost, "/predictions", `{"input":{"x":1}}`)
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
}

func TestPredictionRejectsInvalidJSON(t *testing.T) {
	srv, _ := newTestServer(t)

	w := doRequest(t, srv, http.MethodPost, "/predictions", `{"input":`)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestPutPredictionIDMismatch(t *testing.T) {
	srv, _ := newTestServer(t)

	w := doRequest(t, srv, http.MethodPut, "/predictions/pX", `{"id":"pY","input":{}}`)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestCancelUnknownPredictionIs404(t *testing.T) {
	srv, _ := newTestServer(t)

	w := doRequest(t, srv, http.MethodPost, "/predictions/missing/cancel", "")
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestOpenAPIWithoutSchemaIs404(t *testing.T) {
	srv, _ := newTestServer(t)

	w := doRequest(t, srv, http.MethodGet, "/openapi.json", "")
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestShutdownTriggersCallback(t *testing.T) {
	srv, rec := newTestServer(t)

	w := doRequest(t, srv, http.MethodPost, "/shutdown", "")
	assert.Equal(t, http.StatusOK, w.Code)

	select {
	case <-rec.ch:
	case <-time.After(time.Second):
		t.Fatal("shutdown callback never fired")
	}
}

func TestRequestIDHeaderSet(t *testing.T) {
	srv, _ := newTestServer(t)

	w := doRequest(t, srv, http.MethodGet, "/health-check", "")
	assert.NotEmpty(t, w.Header().Get("X-Request-ID"))
}

func TestRootListsEndpoints(t *testing.T) {
	srv, _ := newTestServer(t)

	w := doRequest(t, srv, http.MethodGet, "/", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "openapi")
}

func TestMetricsEndpointServes(t *testing.T) {
	srv, _ := newTestServer(t)

	w := doRequest(t, srv, http.MethodGet, "/metrics", "")
	assert.Equal(t, http.StatusOK, w.Code)
}
