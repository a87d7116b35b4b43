// Coglet - Prediction Runtime for ML Models
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/coglet-go

// Package orchestrator implements the parent side of the parent-worker
// protocol: it spawns the worker subprocess, performs the Init/Ready
// handshake, owns the permit pool, and routes slot responses back to the
// predictions that triggered them.
//
// The orchestrator runs as a single suture service. Its Serve method
// performs the spawn handshake and then blocks in the response router
// until the worker shuts down, crashes, or reports Fatal. A worker that
// dies is not respawned: health moves to DEFUNCT and the service returns
// suture.ErrDoNotRestart, leaving the HTTP surface up to report the
// terminal state.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/sony/gobreaker/v2"
	"github.com/thejerf/suture/v4"
	"golang.org/x/sync/errgroup"

	"github.com/tomtom215/coglet-go/internal/health"
	"github.com/tomtom215/coglet-go/internal/logging"
	"github.com/tomtom215/coglet-go/internal/metrics"
	"github.com/tomtom215/coglet-go/internal/permit"
	"github.com/tomtom215/coglet-go/internal/transport"
	"github.com/tomtom215/coglet-go/internal/wire"
)

// Sentinel errors surfaced to the service facade.
var (
	ErrNotReady        = errors.New("orchestrator: worker not ready")
	ErrWorkerCrashed   = errors.New("Worker crashed")
	ErrSetupFailed     = errors.New("orchestrator: setup failed")
	ErrSetupTimeout    = errors.New("orchestrator: setup timed out")
	ErrShuttingDown    = errors.New("orchestrator: shutting down")
	errHealthcheckSlow = errors.New("orchestrator: healthcheck timed out")
)

const healthcheckTimeout = 10 * time.Second

// PredictionSink receives a single prediction's streamed responses from
// the response router. Implementations must be safe for calls from the
// router goroutine; each method is invoked at most once except the
// streaming AppendLogs/AppendOutput.
type PredictionSink interface {
	AppendLogs(data string)
	AppendOutput(output interface{})
	Succeeded(output interface{}, predictTime float64)
	Failed(errMsg string)
	Canceled()
}

// Config parameterizes an Orchestrator.
type Config struct {
	PredictorRef string
	NumSlots     int
	SetupTimeout time.Duration
	IsTrain      bool
	IsAsync      bool

	// Spawner launches the worker; nil selects ExecSpawner re-invoking
	// the current binary in worker mode.
	Spawner Spawner
}

// Orchestrator owns the worker subprocess and the permit pool.
type Orchestrator struct {
	cfg  Config
	pool *permit.Pool
	slog *slog.Logger

	mu          sync.RWMutex
	state       health.State
	setupResult health.SetupResult
	schema      interface{}

	ctrl atomic.Pointer[wire.Encoder]

	regCh     chan loopCmd
	doneCh    chan struct{}
	closeOnce sync.Once

	slotByPred sync.Map // prediction id -> wire.SlotID

	hcMu      sync.Mutex
	hcWaiters map[string]chan wire.HealthcheckStatus
	breaker   *gobreaker.CircuitBreaker[wire.HealthcheckStatus]

	shutdownRequested atomic.Bool
}

// New builds an orchestrator. Call Serve (typically under a suture
// supervisor) to spawn the worker and start routing.
func New(cfg Config) *Orchestrator {
	if cfg.Spawner == nil {
		cfg.Spawner = &ExecSpawner{}
	}
	if cfg.SetupTimeout <= 0 {
		cfg.SetupTimeout = 300 * time.Second
	}

	slogger := logging.NewSlogLogger()
	o := &Orchestrator{
		cfg:       cfg,
		pool:      permit.NewPool(cfg.NumSlots, slogger),
		slog:      slogger,
		state:     health.StateUnknown,
		regCh:     make(chan loopCmd, 16),
		doneCh:    make(chan struct{}),
		hcWaiters: make(map[string]chan wire.HealthcheckStatus),
	}

	o.breaker = gobreaker.NewCircuitBreaker[wire.HealthcheckStatus](gobreaker.Settings{
		Name:        "worker-healthcheck",
		MaxRequests: 1,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 3
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logging.Warn().Str("breaker", name).Str("from", from.String()).Str("to", to.String()).Msg("healthcheck circuit breaker state change")
			metrics.HealthcheckBreakerState.Set(float64(to))
		},
	})

	return o
}

// String implements fmt.Stringer for suture's service logging.
func (o *Orchestrator) String() string { return "orchestrator" }

// Pool exposes the permit pool to the service facade.
func (o *Orchestrator) Pool() *permit.Pool { return o.pool }

// State returns the stored health state.
func (o *Orchestrator) State() health.State {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.state
}

// SetupResult returns a snapshot of the setup record.
func (o *Orchestrator) SetupResult() health.SetupResult {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.setupResult
}

// Schema returns the OpenAPI schema the worker reported at Ready, or nil.
func (o *Orchestrator) Schema() interface{} {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.schema
}

func (o *Orchestrator) setState(s health.State) {
	o.mu.Lock()
	o.state = s
	o.mu.Unlock()
}

// sendCtrl writes one frame on the control channel. The encoder
// serializes concurrent writers internally, so a cancel racing a
// healthcheck cannot interleave frames.
func (o *Orchestrator) sendCtrl(req wire.ControlRequest) error {
	enc := o.ctrl.Load()
	if enc == nil {
		return ErrNotReady
	}
	return enc.Encode(req)
}

// Serve implements suture.Service. It spawns the worker, completes the
// handshake, and runs the response router until the worker goes away.
func (o *Orchestrator) Serve(ctx context.Context) error {
	defer o.closeDone()
	err := o.run(ctx)
	if err != nil && !errors.Is(err, context.Canceled) {
		logging.Error().Err(err).Msg("orchestrator stopped")
	}

	switch o.State() {
	case health.StateSetupFailed, health.StateDefunct:
		// Terminal states by design: the platform replaces the whole
		// process rather than respawning a worker with unknown damage.
		return errors.Join(err, suture.ErrDoNotRestart)
	default:
		return err
	}
}

func (o *Orchestrator) run(ctx context.Context) error {
	o.mu.Lock()
	o.state = health.StateStarting
	o.setupResult = health.StartingSetup()
	o.mu.Unlock()

	setupStart := time.Now()
	metrics.WorkerSpawns.Inc()

	proc, err := o.cfg.Spawner.Spawn(ctx)
	if err != nil {
		o.failSetup(fmt.Sprintf("failed to spawn worker: %v", err), "")
		return fmt.Errorf("%w: %v", ErrSetupFailed, err)
	}
	defer func() {
		_ = proc.Kill()
		_ = proc.Wait()
	}()

	ln, err := transport.Listen(ctx, o.cfg.NumSlots)
	if err != nil {
		o.failSetup(fmt.Sprintf("failed to bind slot sockets: %v", err), "")
		return fmt.Errorf("%w: %v", ErrSetupFailed, err)
	}

	enc := wire.NewEncoder(proc.Stdin())
	o.ctrl.Store(enc)
	dec := wire.NewDecoder(proc.Stdout())

	init := wire.NewInitRequest(o.cfg.PredictorRef, o.cfg.NumSlots, ln.Info(), o.cfg.IsTrain, o.cfg.IsAsync)
	if err := enc.Encode(init); err != nil {
		_ = ln.Close()
		o.failSetup(fmt.Sprintf("failed to send init: %v", err), "")
		return fmt.Errorf("%w: %v", ErrSetupFailed, err)
	}

	// Accept slot connections concurrently with draining setup-phase
	// control traffic; the worker connects before it runs setup, but a
	// setup failure must not leave us blocked in Accept forever.
	acceptCtx, cancelAccept := context.WithCancel(ctx)
	defer cancelAccept()

	var tr transport.SlotTransport
	var g errgroup.Group
	g.Go(func() error {
		var acceptErr error
		tr, acceptErr = ln.Accept(acceptCtx)
		return acceptErr
	})

	ctrlCh := make(chan ctrlEvent, 16)
	go readControl(dec, ctrlCh)

	ready, setupLogs, err := o.awaitReady(ctx, ctrlCh)
	if err != nil {
		_ = proc.Kill()
		cancelAccept()
		_ = g.Wait()
		if tr != nil {
			_ = tr.Close()
		}
		return err
	}
	if err := g.Wait(); err != nil {
		o.failSetup(fmt.Sprintf("failed to accept slot connections: %v", err), setupLogs)
		return fmt.Errorf("%w: %v", ErrSetupFailed, err)
	}
	defer tr.Close()

	if len(ready.Slots) != o.cfg.NumSlots {
		o.failSetup(fmt.Sprintf("worker reported %d slots, expected %d", len(ready.Slots), o.cfg.NumSlots), setupLogs)
		return ErrSetupFailed
	}

	// The Ready message's slot ordering is canonical: slot i of the
	// transport belongs to ready.Slots[i] for the worker's lifetime.
	for i, slotID := range ready.Slots {
		conn, err := tr.SlotConn(i)
		if err != nil {
			o.failSetup(err.Error(), setupLogs)
			return fmt.Errorf("%w: %v", ErrSetupFailed, err)
		}
		o.pool.AddPermit(slotID, &slotEncoder{enc: wire.NewEncoder(conn)})
	}

	o.mu.Lock()
	o.state = health.StateReady
	o.setupResult = o.setupResult.Succeeded(setupLogs)
	o.schema = ready.Schema
	o.mu.Unlock()

	metrics.SetupDuration.Observe(time.Since(setupStart).Seconds())
	metrics.SetSlotGauges(o.pool.NumSlots(), o.pool.Available())
	touchReadyFile()
	logging.Info().Int("num_slots", len(ready.Slots)).Int("worker_pid", proc.Pid()).Msg("worker ready")

	slotRespCh := make(chan slotEvent, 64)
	for i, slotID := range ready.Slots {
		conn, _ := tr.SlotConn(i)
		go readSlot(slotID, wire.NewDecoder(conn), slotRespCh)
	}

	return o.routeResponses(ctx, ctrlCh, slotRespCh)
}

// awaitReady drains the control channel until Ready, a setup failure,
// worker exit, or the setup timeout. Setup-phase Log messages are
// accumulated for the health endpoint and re-emitted on the parent's
// structured logger.
func (o *Orchestrator) awaitReady(ctx context.Context, ctrlCh <-chan ctrlEvent) (wire.ControlResponse, string, error) {
	var logs strings.Builder
	timeout := time.NewTimer(o.cfg.SetupTimeout)
	defer timeout.Stop()

	for {
		select {
		case ev := <-ctrlCh:
			if ev.err != nil {
				o.failSetup("worker exited during setup", logs.String())
				return wire.ControlResponse{}, logs.String(), fmt.Errorf("%w: worker exited during setup", ErrSetupFailed)
			}
			switch ev.resp.Type {
			case wire.ControlResponseReady:
				return ev.resp, logs.String(), nil
			case wire.ControlResponseLog:
				logs.WriteString(ev.resp.Data)
				logSetupLine(ev.resp.Source, ev.resp.Data)
			case wire.ControlResponseWorkerLog:
				logWorkerLine(ev.resp)
			case wire.ControlResponseFailed:
				o.failSetup(ev.resp.Error, logs.String())
				return wire.ControlResponse{}, logs.String(), fmt.Errorf("%w: %s", ErrSetupFailed, ev.resp.Error)
			case wire.ControlResponseFatal:
				o.failSetup(ev.resp.Reason, logs.String())
				return wire.ControlResponse{}, logs.String(), fmt.Errorf("%w: %s", ErrSetupFailed, ev.resp.Reason)
			}

		case <-timeout.C:
			o.failSetup(fmt.Sprintf("setup timed out after %s", o.cfg.SetupTimeout), logs.String())
			return wire.ControlResponse{}, logs.String(), ErrSetupTimeout

		case <-ctx.Done():
			return wire.ControlResponse{}, logs.String(), ctx.Err()
		}
	}
}

func (o *Orchestrator) failSetup(reason, logs string) {
	o.mu.Lock()
	o.state = health.StateSetupFailed
	text := logs
	if reason != "" {
		if text != "" && !strings.HasSuffix(text, "\n") {
			text += "\n"
		}
		text += reason
	}
	o.setupResult = o.setupResult.Failed(text)
	o.mu.Unlock()
	logging.Error().Str("reason", reason).Msg("worker setup failed")
}

// StartPrediction registers the prediction with the response router and
// sends the Predict request on the permit's slot socket. On send failure
// the slot is poisoned, the registration is withdrawn, and the error is
// returned for the caller to surface on the prediction.
func (o *Orchestrator) StartPrediction(ctx context.Context, p *permit.PermitInUse, id string, input interface{}, outputDir string, sink PredictionSink) error {
	slot := p.SlotID()
	reg := &registration{slot: slot, id: id, sink: sink, permit: p}

	// Fail fast once the router is gone: the register channel is
	// buffered, so a send alone cannot detect a dead loop.
	select {
	case <-o.doneCh:
		p.IntoPoisoned()
		return ErrNotReady
	default:
	}

	select {
	case o.regCh <- loopCmd{register: reg}:
	case <-o.doneCh:
		p.IntoPoisoned()
		return ErrNotReady
	case <-ctx.Done():
		p.IntoPoisoned()
		return ctx.Err()
	}

	if err := p.Send(ctx, wire.NewPredictRequest(id, input, outputDir)); err != nil {
		o.pool.Poison(slot)
		metrics.SlotsPoisoned.Inc()
		select {
		case o.regCh <- loopCmd{deregister: &slot}:
		case <-o.doneCh:
		}
		return fmt.Errorf("Failed to send request: %w", err)
	}
	return nil
}

// CancelPrediction sends a best-effort Cancel for the slot currently
// running the given prediction. It reports whether a cancel was
// dispatched; delivery and the actual interrupt are the worker's
// concern.
func (o *Orchestrator) CancelPrediction(id string) bool {
	v, ok := o.slotByPred.Load(id)
	if !ok {
		return false
	}
	slot := v.(wire.SlotID)
	if err := o.sendCtrl(wire.NewCancelRequest(slot)); err != nil {
		logging.Warn().Err(err).Str("prediction_id", id).Msg("failed to send cancel")
		return false
	}
	logging.Debug().Str("prediction_id", id).Str("slot", slot.String()).Msg("cancel dispatched")
	return true
}

// Healthcheck runs the worker's user-defined healthcheck behind a
// circuit breaker: repeated timeouts against a wedged worker trip the
// breaker open and short-circuit to an error instead of queueing more
// requests onto a control channel nobody is reading.
func (o *Orchestrator) Healthcheck(ctx context.Context) (wire.HealthcheckStatus, error) {
	return o.breaker.Execute(func() (wire.HealthcheckStatus, error) {
		id := uuid.NewString()
		ch := make(chan wire.HealthcheckStatus, 1)

		o.hcMu.Lock()
		o.hcWaiters[id] = ch
		o.hcMu.Unlock()
		defer func() {
			o.hcMu.Lock()
			delete(o.hcWaiters, id)
			o.hcMu.Unlock()
		}()

		if err := o.sendCtrl(wire.NewHealthcheckRequest(id)); err != nil {
			return "", err
		}

		select {
		case status := <-ch:
			return status, nil
		case <-time.After(healthcheckTimeout):
			return "", errHealthcheckSlow
		case <-ctx.Done():
			return "", ctx.Err()
		case <-o.doneCh:
			return "", ErrNotReady
		}
	})
}

// TriggerShutdown asks the worker to exit cleanly. The response router
// treats the subsequent ShuttingDown (or EOF) as a normal exit rather
// than a crash.
func (o *Orchestrator) TriggerShutdown() error {
	if !o.shutdownRequested.Swap(true) {
		logging.Info().Msg("shutdown requested, notifying worker")
	}
	return o.sendCtrl(wire.NewShutdownRequest())
}

// closeDone marks the orchestrator's event loop as finished; callers
// blocked in StartPrediction or Healthcheck unblock with ErrNotReady.
func (o *Orchestrator) closeDone() {
	o.closeOnce.Do(func() { close(o.doneCh) })
}

func (o *Orchestrator) deliverHealthcheck(id string, status wire.HealthcheckStatus) {
	o.hcMu.Lock()
	ch, ok := o.hcWaiters[id]
	o.hcMu.Unlock()
	if ok {
		ch <- status
	}
}

// slotEncoder adapts a wire.Encoder to permit.SlotWriter.
type slotEncoder struct {
	enc *wire.Encoder
}

func (s *slotEncoder) Send(_ context.Context, req wire.SlotRequest) error {
	return s.enc.Encode(req)
}
