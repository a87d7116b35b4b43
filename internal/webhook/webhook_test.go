// Coglet - Prediction Runtime for ML Models
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/coglet-go

package webhook

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSendNonTerminalIsThrottled(t *testing.T) {
	var hits int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&hits, 1)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	cfg := DefaultConfig()
	cfg.ResponseInterval = 50 * time.Millisecond
	s := New(srv.URL, cfg)

	ctx := context.Background()
	s.Send(ctx, EventLogs, map[string]string{"logs": "a"})
	s.Send(ctx, EventLogs, map[string]string{"logs": "b"})

	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, int32(1), atomic.LoadInt32(&hits))
}

func TestSendTerminalRetriesOnRetryableStatus(t *testing.T) {
	var attempts int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := atomic.AddInt32(&attempts, 1)
		if n < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	cfg := DefaultConfig()
	cfg.BackoffBase = time.Millisecond
	s := New(srv.URL, cfg)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	s.SendTerminal(ctx, EventCompleted, map[string]string{"status": "succeeded"})

	assert.Equal(t, int32(3), atomic.LoadInt32(&attempts))
}

func TestSendTerminalStopsOnNonRetryableStatus(t *testing.T) {
	var attempts int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&attempts, 1)
		w.WriteHeader(http.StatusBadRequest)
	}))
	defer srv.Close()

	cfg := DefaultConfig()
	cfg.BackoffBase = time.Millisecond
	s := New(srv.URL, cfg)

	s.SendTerminal(context.Background(), EventCompleted, map[string]string{"status": "succeeded"})
	assert.Equal(t, int32(1), atomic.LoadInt32(&attempts))
}

func TestAuthTokenHeaderSet(t *testing.T) {
	t.Setenv("WEBHOOK_AUTH_TOKEN", "secret-token")

	var gotAuth string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	s := New(srv.URL, DefaultConfig())
	s.SendTerminal(context.Background(), EventCompleted, map[string]string{})

	assert.Equal(t, "Bearer secret-token", gotAuth)
}

func TestEventsFilterSuppressesDisallowedEvent(t *testing.T) {
	var hits int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&hits, 1)
	}))
	defer srv.Close()

	cfg := DefaultConfig()
	cfg.EventsFilter = map[EventType]bool{EventCompleted: true}
	s := New(srv.URL, cfg)

	s.Send(context.Background(), EventLogs, map[string]string{})
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, int32(0), atomic.LoadInt32(&hits))
}

func TestParseEventsFilter(t *testing.T) {
	assert.Equal(t, AllEvents(), ParseEventsFilter(nil))

	filter := ParseEventsFilter([]string{"start", "completed", "bogus"})
	assert.True(t, filter[EventStart])
	assert.True(t, filter[EventCompleted])
	assert.False(t, filter[EventLogs])
	assert.False(t, filter[EventOutput])
}

func TestDefaultConfigReadsThrottleEnv(t *testing.T) {
	t.Setenv("COG_THROTTLE_RESPONSE_INTERVAL", "0.25")
	cfg := DefaultConfig()
	require.Equal(t, 250*time.Millisecond, cfg.ResponseInterval)
}
