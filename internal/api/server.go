// Coglet - Prediction Runtime for ML Models
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/coglet-go

// Package api is the thin HTTP transport over the prediction service
// facade. Route handlers translate between the cog HTTP protocol and
// predsvc; nothing in this package touches the worker directly.
package api

import (
	"context"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/tomtom215/coglet-go/internal/logging"
	"github.com/tomtom215/coglet-go/internal/middleware"
	"github.com/tomtom215/coglet-go/internal/predsvc"
	"github.com/tomtom215/coglet-go/internal/webhook"
)

// Server wires the prediction service facade to its HTTP routes.
type Server struct {
	svc  *predsvc.Service
	chim *ChiMiddleware
	perf *middleware.PerformanceMonitor
}

// NewServer builds the HTTP server surface.
func NewServer(svc *predsvc.Service, mwConfig *ChiMiddlewareConfig) *Server {
	return &Server{
		svc:  svc,
		chim: NewChiMiddleware(mwConfig),
		perf: middleware.NewPerformanceMonitor(1000),
	}
}

// Router assembles the chi router with the shared middleware stack.
func (s *Server) Router() chi.Router {
	r := chi.NewRouter()

	r.Use(adaptFunc(middleware.RequestID))
	r.Use(adaptFunc(middleware.PrometheusMetrics))
	r.Use(s.perf.Middleware)
	r.Use(APISecurityHeaders())
	r.Use(s.chim.CORS())
	r.Use(s.chim.RateLimit())

	// promhttp negotiates its own gzip; keep /metrics out of the
	// compression group so the two never stack.
	r.Handle("/metrics", promhttp.Handler())

	r.Group(func(r chi.Router) {
		r.Use(adaptFunc(middleware.Compression))

		r.Get("/", s.handleRoot)
		r.Get("/health-check", s.handleHealthCheck)
		r.Get("/openapi.json", s.handleOpenAPI)

		r.Post("/predictions", s.handleCreatePrediction)
		r.Post("/predictions/{id}", s.handleCreatePredictionWithID)
		r.Put("/predictions/{id}", s.handleCreatePredictionWithID)
		r.Post("/predictions/{id}/cancel", s.handleCancel)

		r.Get("/shutdown", s.handleShutdown)
		r.Post("/shutdown", s.handleShutdown)
	})

	return r
}

// adaptFunc lifts the HandlerFunc-shaped middleware onto chi's
// Handler-shaped middleware chain.
func adaptFunc(mw func(http.HandlerFunc) http.HandlerFunc) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return mw(next.ServeHTTP)
	}
}

func (s *Server) handleRoot(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"openapi_url":      "/openapi.json",
		"health_check_url": "/health-check",
	})
}

func (s *Server) handleHealthCheck(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.svc.Health(r.Context()))
}

func (s *Server) handleOpenAPI(w http.ResponseWriter, r *http.Request) {
	schema, ok := s.svc.Schema()
	if !ok {
		NewResponseWriter(w, r).NotFound("no schema reported by predictor")
		return
	}
	writeJSON(w, http.StatusOK, schema)
}

// predictionRequest is the cog-protocol request body.
type predictionRequest struct {
	ID                  string      `json:"id,omitempty"`
	Input               interface{} `json:"input"`
	Webhook             string      `json:"webhook,omitempty"`
	WebhookEventsFilter []string    `json:"webhook_events_filter,omitempty"`
}

func (s *Server) handleCreatePrediction(w http.ResponseWriter, r *http.Request) {
	s.runPrediction(w, r, "")
}

func (s *Server) handleCreatePredictionWithID(w http.ResponseWriter, r *http.Request) {
	s.runPrediction(w, r, chi.URLParam(r, "id"))
}

// runPrediction admits and dispatches one prediction. The Prefer:
// respond-async header selects 202-with-snapshot over blocking for the
// terminal response. Failed predictions still return 200: the failure is
// payload, not a transport error.
func (s *Server) runPrediction(w http.ResponseWriter, r *http.Request, pathID string) {
	var req predictionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		NewResponseWriter(w, r).BadRequest("invalid JSON body: " + err.Error())
		return
	}

	id := pathID
	if id == "" {
		id = req.ID
	}
	if id == "" {
		id = uuid.NewString()
	}
	if pathID != "" && req.ID != "" && pathID != req.ID {
		NewResponseWriter(w, r).BadRequest("prediction id in body does not match path")
		return
	}

	handle, err := s.svc.CreatePrediction(r.Context(), predsvc.Request{
		ID:           id,
		Input:        req.Input,
		WebhookURL:   req.Webhook,
		EventsFilter: req.WebhookEventsFilter,
		Trace: webhook.TraceContext{
			Traceparent: r.Header.Get("traceparent"),
			Tracestate:  r.Header.Get("tracestate"),
		},
	})
	if err != nil {
		s.writeAdmissionError(w, r, err)
		return
	}

	if wantsAsync(r) {
		writeJSON(w, http.StatusAccepted, handle.Response())
		return
	}

	// Synchronous: a dropped client connection cancels the prediction
	// unless the guard is disarmed after normal completion.
	guard := s.svc.NewSyncGuard(id)
	stop := context.AfterFunc(r.Context(), guard.Trigger)
	defer stop()

	resp, err := handle.Wait(r.Context())
	if err != nil {
		// Client is gone; the guard has already fired.
		logging.Debug().Str("prediction_id", id).Err(err).Msg("sync prediction wait aborted")
		return
	}
	guard.Disarm()
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) writeAdmissionError(w http.ResponseWriter, r *http.Request, err error) {
	var vErr *predsvc.ValidationError
	switch {
	case errors.As(err, &vErr):
		writeJSON(w, http.StatusUnprocessableEntity, validationDetail(vErr))
	case errors.Is(err, predsvc.ErrNotReady):
		NewResponseWriter(w, r).ServiceUnavailable("predictor is not ready")
	case errors.Is(err, predsvc.ErrAtCapacity):
		NewResponseWriter(w, r).Conflict("already running a prediction")
	case errors.Is(err, predsvc.ErrExists):
		NewResponseWriter(w, r).Conflict("prediction with this id is already running")
	default:
		logging.Error().Err(err).Msg("prediction admission failed")
		NewResponseWriter(w, r).InternalError("failed to start prediction")
	}
}

// validationDetail renders field errors in the pydantic detail shape
// existing cog clients parse.
func validationDetail(vErr *predsvc.ValidationError) map[string]interface{} {
	detail := make([]map[string]interface{}, 0, len(vErr.Fields))
	for _, f := range vErr.Fields {
		loc := []interface{}{"body", "input"}
		if f.Field != "" && f.Field != "__root__" {
			loc = append(loc, f.Field)
		}
		detail = append(detail, map[string]interface{}{
			"loc":  loc,
			"msg":  f.Message,
			"type": f.ErrorType,
		})
	}
	return map[string]interface{}{"detail": detail}
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if !s.svc.Cancel(id) {
		NewResponseWriter(w, r).NotFound("prediction not found or already finished")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "canceled"})
}

func (s *Server) handleShutdown(w http.ResponseWriter, r *http.Request) {
	logging.Info().Msg("shutdown requested over HTTP")
	s.svc.TriggerShutdown()
	writeJSON(w, http.StatusOK, map[string]string{"status": "shutting down"})
}

func wantsAsync(r *http.Request) bool {
	return r.Header.Get("Prefer") == "respond-async"
}

// writeJSON writes a raw JSON response. Prediction and health payloads
// use the cog wire shapes directly, without the APIResponse envelope.
func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logging.Error().Err(err).Msg("failed to encode JSON response")
	}
}
