// Coglet - Prediction Runtime for ML Models
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/coglet-go

// Package webhook delivers prediction status updates to a caller-supplied
// URL, matching the cog webhook protocol: non-terminal updates are
// throttled and fire-and-forget, the terminal update is retried with
// exponential backoff, and both carry WEBHOOK_AUTH_TOKEN bearer auth and
// optional W3C trace context propagation.
package webhook

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"strconv"
	"time"

	"go.opentelemetry.io/otel/trace"
	"golang.org/x/time/rate"

	"github.com/tomtom215/coglet-go/internal/health"
	"github.com/tomtom215/coglet-go/internal/logging"
	"github.com/tomtom215/coglet-go/internal/metrics"
)

// EventType is one of the event categories a webhook subscription can
// filter on.
type EventType string

const (
	EventStart     EventType = "start"
	EventOutput    EventType = "output"
	EventLogs      EventType = "logs"
	EventCompleted EventType = "completed"
)

// IsTerminal reports whether this event marks the end of a prediction's
// lifecycle; only terminal events get retried delivery.
func (e EventType) IsTerminal() bool { return e == EventCompleted }

// ParseEventsFilter builds an events filter from config strings (e.g.
// the COG_WEBHOOK_EVENTS_FILTER comma list). Unknown names are ignored
// with a warning; an empty list means all events.
func ParseEventsFilter(names []string) map[EventType]bool {
	if len(names) == 0 {
		return AllEvents()
	}
	filter := map[EventType]bool{}
	for _, name := range names {
		switch e := EventType(name); e {
		case EventStart, EventOutput, EventLogs, EventCompleted:
			filter[e] = true
		default:
			logging.Warn().Str("event", name).Msg("unknown webhook event type in filter, ignoring")
		}
	}
	return filter
}

// AllEvents is the default events filter: every event type.
func AllEvents() map[EventType]bool {
	return map[EventType]bool{
		EventStart:     true,
		EventOutput:    true,
		EventLogs:      true,
		EventCompleted: true,
	}
}

// Config controls throttling and retry behavior for a Sender.
type Config struct {
	ResponseInterval time.Duration
	EventsFilter     map[EventType]bool
	MaxRetries       int
	BackoffBase      time.Duration
	RetryStatusCodes map[int]bool
	RequestTimeout   time.Duration
}

// DefaultConfig returns the cog-compatible defaults, honoring
// COG_THROTTLE_RESPONSE_INTERVAL (seconds, float) when set.
func DefaultConfig() Config {
	interval := 500 * time.Millisecond
	if raw := os.Getenv("COG_THROTTLE_RESPONSE_INTERVAL"); raw != "" {
		if seconds, err := strconv.ParseFloat(raw, 64); err == nil {
			interval = time.Duration(seconds * float64(time.Second))
		}
	}

	return Config{
		ResponseInterval: interval,
		EventsFilter:     AllEvents(),
		MaxRetries:       12,
		BackoffBase:      100 * time.Millisecond,
		RetryStatusCodes: map[int]bool{429: true, 500: true, 502: true, 503: true, 504: true},
		RequestTimeout:   30 * time.Second,
	}
}

// TraceContext carries W3C trace context headers to propagate onto
// outbound webhook requests.
type TraceContext struct {
	Traceparent string
	Tracestate  string
}

// TraceContextFromSpan builds a TraceContext from the span active in ctx,
// if any.
func TraceContextFromSpan(ctx context.Context) TraceContext {
	sc := trace.SpanContextFromContext(ctx)
	if !sc.IsValid() {
		return TraceContext{}
	}
	tc := TraceContext{
		Traceparent: fmt.Sprintf("00-%s-%s-%s", sc.TraceID(), sc.SpanID(), sc.TraceFlags()),
	}
	if sc.TraceState().Len() > 0 {
		tc.Tracestate = sc.TraceState().String()
	}
	return tc
}

// Sender delivers webhook payloads to a single URL for one prediction.
type Sender struct {
	url       string
	config    Config
	client    *http.Client
	authToken string
	trace     TraceContext
	throttle  *rate.Limiter
}

// New builds a sender with no trace context propagation.
func New(url string, config Config) *Sender {
	return NewWithTrace(url, config, TraceContext{})
}

// NewWithTrace builds a sender that also propagates the given trace
// context on every outbound request.
func NewWithTrace(url string, config Config, tc TraceContext) *Sender {
	var limiter *rate.Limiter
	if config.ResponseInterval > 0 {
		limiter = rate.NewLimiter(rate.Every(config.ResponseInterval), 1)
	}
	return &Sender{
		url:       url,
		config:    config,
		client:    &http.Client{Timeout: config.RequestTimeout},
		authToken: os.Getenv("WEBHOOK_AUTH_TOKEN"),
		trace:     tc,
		throttle:  limiter,
	}
}

// URL returns the destination this sender delivers to.
func (s *Sender) URL() string { return s.url }

// shouldSend reports whether a non-terminal event may be sent right now.
// It consumes one token from the throttle limiter, so calling this more
// than once per decision double-charges the budget; callers must call it
// exactly once per candidate send.
func (s *Sender) shouldSend(event EventType) bool {
	if !s.config.EventsFilter[event] {
		return false
	}
	if event.IsTerminal() {
		return true
	}
	if s.throttle == nil {
		return true
	}
	return s.throttle.Allow()
}

func (s *Sender) newRequest(ctx context.Context, payload interface{}) (*http.Request, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("webhook: marshal payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("webhook: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", "coglet-go/"+health.RuntimeVersion)
	if s.authToken != "" {
		req.Header.Set("Authorization", "Bearer "+s.authToken)
	}
	if s.trace.Traceparent != "" {
		req.Header.Set("traceparent", s.trace.Traceparent)
	}
	if s.trace.Tracestate != "" {
		req.Header.Set("tracestate", s.trace.Tracestate)
	}
	return req, nil
}

// Send delivers a non-terminal event. It's throttled to at most once per
// ResponseInterval and fires in the background; delivery failures are
// logged, never surfaced to the caller or retried.
func (s *Sender) Send(ctx context.Context, event EventType, payload interface{}) {
	if !s.shouldSend(event) {
		if s.config.EventsFilter[event] {
			metrics.RecordWebhookAttempt("throttled")
		}
		return
	}

	req, err := s.newRequest(ctx, payload)
	if err != nil {
		logging.Warn().Err(err).Msg("failed to build non-terminal webhook request")
		return
	}
	go func() {
		resp, err := s.client.Do(req)
		if err != nil {
			metrics.RecordWebhookAttempt("failed")
			logging.Warn().Err(err).Str("url", logging.SanitizeURL(s.url)).Msg("failed to send webhook (non-terminal)")
			return
		}
		_ = resp.Body.Close()
		metrics.RecordWebhookAttempt("sent")
	}()
}

// SendTerminal delivers the prediction's final event, retrying on
// retryable HTTP statuses and transport errors with exponential backoff
// until MaxRetries is exhausted. It blocks until delivery succeeds, is
// abandoned, or ctx is done.
func (s *Sender) SendTerminal(ctx context.Context, event EventType, payload interface{}) {
	if !s.config.EventsFilter[event] {
		return
	}

	attempt := 0
	for {
		req, err := s.newRequest(ctx, payload)
		if err != nil {
			logging.Error().Err(err).Msg("failed to build terminal webhook request")
			return
		}

		resp, err := s.client.Do(req)
		if err != nil {
			if !s.retryAfterError(ctx, &attempt, err) {
				return
			}
			continue
		}

		status := resp.StatusCode
		_ = resp.Body.Close()

		if status >= 200 && status < 300 {
			metrics.RecordWebhookAttempt("sent")
			logging.Debug().Int("status", status).Msg("terminal webhook sent successfully")
			return
		}
		if !s.config.RetryStatusCodes[status] {
			metrics.RecordWebhookAttempt("failed")
			logging.Error().Int("status", status).Msg("terminal webhook failed with non-retryable status")
			return
		}
		if !s.retryAfterStatus(ctx, &attempt, status) {
			return
		}
	}
}

func (s *Sender) retryAfterStatus(ctx context.Context, attempt *int, status int) bool {
	*attempt++
	if *attempt > s.config.MaxRetries {
		metrics.RecordWebhookAttempt("failed")
		logging.Error().Int("status", status).Int("attempts", *attempt).Msg("terminal webhook failed after max retries")
		return false
	}
	metrics.RecordWebhookAttempt("retried")
	backoff := s.backoffFor(*attempt)
	logging.Warn().Int("status", status).Int("attempt", *attempt).Dur("backoff", backoff).Msg("terminal webhook failed, retrying")
	return sleepOrDone(ctx, backoff)
}

func (s *Sender) retryAfterError(ctx context.Context, attempt *int, err error) bool {
	*attempt++
	if *attempt > s.config.MaxRetries {
		metrics.RecordWebhookAttempt("failed")
		logging.Error().Err(err).Int("attempts", *attempt).Msg("terminal webhook failed after max retries")
		return false
	}
	metrics.RecordWebhookAttempt("retried")
	backoff := s.backoffFor(*attempt)
	logging.Warn().Err(err).Int("attempt", *attempt).Dur("backoff", backoff).Msg("terminal webhook request error, retrying")
	return sleepOrDone(ctx, backoff)
}

func (s *Sender) backoffFor(attempt int) time.Duration {
	shift := attempt
	if shift > 10 {
		shift = 10
	}
	return s.config.BackoffBase * time.Duration(1<<uint(shift))
}

func sleepOrDone(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-ctx.Done():
		return false
	}
}

// SendTerminalSync delivers the terminal event synchronously on the
// calling goroutine, for use from shutdown paths that can't wait on a
// background goroutine's completion (e.g. a cancellation guard running
// as a deferred cleanup). It shares the same retry/backoff policy as
// SendTerminal; callers on a hot path should prefer SendTerminal.
func (s *Sender) SendTerminalSync(ctx context.Context, payload interface{}) {
	s.SendTerminal(ctx, EventCompleted, payload)
}
