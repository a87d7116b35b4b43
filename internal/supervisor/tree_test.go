// Coglet - Prediction Runtime for ML Models
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/coglet-go

package supervisor

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// mockService is a minimal suture.Service used to exercise tree wiring
// without spinning up a real orchestrator or HTTP server.
type mockService struct {
	name       string
	startCount atomic.Int64
	failCount  atomic.Int64
}

func newMockService(name string) *mockService {
	return &mockService{name: name}
}

func (s *mockService) setFailCount(n int64) {
	s.failCount.Store(n)
}

func (s *mockService) startCountValue() int64 {
	return s.startCount.Load()
}

func (s *mockService) Serve(ctx context.Context) error {
	s.startCount.Add(1)
	if s.failCount.Load() > 0 {
		s.failCount.Add(-1)
		return errors.New("mock service failure")
	}
	<-ctx.Done()
	return ctx.Err()
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

func TestSupervisorTreeConstruction(t *testing.T) {
	t.Run("creates hierarchical supervisor tree", func(t *testing.T) {
		tree, err := NewSupervisorTree(testLogger(), TreeConfig{
			FailureThreshold: 5,
			FailureBackoff:   time.Second,
			ShutdownTimeout:  10 * time.Second,
		})
		require.NoError(t, err)
		assert.NotNil(t, tree.Root())
	})

	t.Run("applies default values for zero config", func(t *testing.T) {
		tree, err := NewSupervisorTree(testLogger(), TreeConfig{})
		require.NoError(t, err)

		assert.Equal(t, 5.0, tree.config.FailureThreshold)
		assert.Equal(t, 30.0, tree.config.FailureDecay)
		assert.Equal(t, 15*time.Second, tree.config.FailureBackoff)
		assert.Equal(t, 10*time.Second, tree.config.ShutdownTimeout)
	})
}

func TestSupervisorTreeLifecycle(t *testing.T) {
	t.Run("tree starts and stops gracefully", func(t *testing.T) {
		tree, err := NewSupervisorTree(testLogger(), TreeConfig{
			FailureThreshold: 5,
			FailureBackoff:   100 * time.Millisecond,
			ShutdownTimeout:  time.Second,
		})
		require.NoError(t, err)

		tree.AddOrchestratorService(newMockService("mock-orchestrator"))
		tree.AddAPIService(newMockService("mock-api"))

		ctx, cancel := context.WithTimeout(context.Background(), 500*time.Millisecond)
		defer cancel()

		errCh := make(chan error, 1)
		go func() {
			errCh <- tree.Serve(ctx)
		}()

		time.Sleep(100 * time.Millisecond)
		cancel()

		select {
		case err := <-errCh:
			if err != nil {
				assert.ErrorIs(t, err, context.Canceled)
			}
		case <-time.After(2 * time.Second):
			t.Fatal("tree did not shut down in time")
		}
	})

	t.Run("ServeBackground returns channel", func(t *testing.T) {
		tree, err := NewSupervisorTree(testLogger(), TreeConfig{ShutdownTimeout: time.Second})
		require.NoError(t, err)

		ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
		defer cancel()

		errCh := tree.ServeBackground(ctx)

		select {
		case err := <-errCh:
			if err != nil {
				assert.ErrorIs(t, err, context.DeadlineExceeded)
			}
		case <-time.After(time.Second):
			t.Fatal("did not receive from error channel")
		}
	})
}

func TestSupervisorTreeServiceManagement(t *testing.T) {
	t.Run("services in orchestrator layer are started", func(t *testing.T) {
		tree, err := NewSupervisorTree(testLogger(), TreeConfig{ShutdownTimeout: time.Second})
		require.NoError(t, err)

		svc := newMockService("orchestrator-service")
		tree.AddOrchestratorService(svc)

		ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
		defer cancel()

		go tree.Serve(ctx) //nolint:errcheck
		time.Sleep(100 * time.Millisecond)

		assert.GreaterOrEqual(t, svc.startCountValue(), int64(1))
	})

	t.Run("services in api layer are started", func(t *testing.T) {
		tree, err := NewSupervisorTree(testLogger(), TreeConfig{ShutdownTimeout: time.Second})
		require.NoError(t, err)

		svc := newMockService("api-service")
		tree.AddAPIService(svc)

		ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
		defer cancel()

		go tree.Serve(ctx) //nolint:errcheck
		time.Sleep(100 * time.Millisecond)

		assert.GreaterOrEqual(t, svc.startCountValue(), int64(1))
	})
}

func TestSupervisorTreeFailureHandling(t *testing.T) {
	t.Run("failing service in one layer is restarted", func(t *testing.T) {
		tree, err := NewSupervisorTree(testLogger(), TreeConfig{
			FailureThreshold: 10,
			FailureBackoff:   10 * time.Millisecond,
			ShutdownTimeout:  time.Second,
		})
		require.NoError(t, err)

		failingSvc := newMockService("failing")
		failingSvc.setFailCount(2)

		stableSvc := newMockService("stable")

		tree.AddOrchestratorService(failingSvc)
		tree.AddAPIService(stableSvc)

		ctx, cancel := context.WithTimeout(context.Background(), 300*time.Millisecond)
		defer cancel()

		go tree.Serve(ctx) //nolint:errcheck
		time.Sleep(200 * time.Millisecond)

		assert.GreaterOrEqual(t, failingSvc.startCountValue(), int64(3))
		assert.GreaterOrEqual(t, stableSvc.startCountValue(), int64(1))
	})
}

func TestDefaultTreeConfig(t *testing.T) {
	config := DefaultTreeConfig()

	assert.Equal(t, 5.0, config.FailureThreshold)
	assert.Equal(t, 30.0, config.FailureDecay)
	assert.Equal(t, 15*time.Second, config.FailureBackoff)
	assert.Equal(t, 10*time.Second, config.ShutdownTimeout)
}
