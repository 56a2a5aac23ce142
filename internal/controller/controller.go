// ============================================================================
// mindist Controller - Scheduler Loop
// ============================================================================
//
// Package: internal/controller
// File: controller.go
// Function: drive the fetch/dispatch cycle against the coordinator and keep
//           the worker pool, job manager and coordinator session in step
//
// Architecture:
//
//   ┌─────────────┐ fetch/report/ping ┌────────────┐
//   │ Coordinator │ <───────────────> │ Controller │
//   └─────────────┘                   └─────┬──────┘
//                                           │ BeginSingle / BeginMulti
//                                     ┌─────▼──────┐  Dispatch   ┌──────┐
//                                     │ JobManager │ ──────────> │ Pool │
//                                     └────────────┘ <────────── └──────┘
//                                                      results
//
// Loops (2 goroutines):
//   1. Run Loop - one tick at a time, then RunInterval of sleep; a tick never
//      overlaps the previous one
//   2. Heartbeat Loop - pings the coordinator with the structures in flight
//
// Tick:
//   - Register again if the coordinator forgot this processor
//   - Apply a pending mode directive once nothing is in flight
//   - SINGLE_FILE: fetch one structure when no slot is busy
//   - MULTI_FILES: fetch one structure per free slot, capped per machine
//
// Startup: clear work dir -> register -> start pool -> wait for every worker
// Shutdown: kill every worker -> best-effort deregister
//
// ============================================================================

package controller

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/ChuLiYu/mindist/internal/coordinator"
	"github.com/ChuLiYu/mindist/internal/jobmanager"
	"github.com/ChuLiYu/mindist/internal/metrics"
	"github.com/ChuLiYu/mindist/internal/structure"
	"github.com/ChuLiYu/mindist/internal/worker"
	"github.com/ChuLiYu/mindist/pkg/types"
)

// Defaults applied by NewController.
const (
	DefaultRunInterval       = 5 * time.Second
	DefaultHeartbeatInterval = 60 * time.Second
	DefaultMaxStructures     = 20
	DefaultStartupTimeout    = 2 * time.Minute
)

// ErrAlreadyStarted is returned by a second Start.
var ErrAlreadyStarted = errors.New("controller already started")

// ============================================================================
// Configuration
// ============================================================================

// Config configures a Controller.
type Config struct {
	WorkDir           string        // cleared at startup; empty skips the cleanup
	RunInterval       time.Duration // pause between ticks
	HeartbeatInterval time.Duration
	MaxStructures     int           // multi-file structures in flight per machine
	RequestTimeout    time.Duration // bound on every coordinator call
	StartupTimeout    time.Duration // bound on waiting for worker handshakes
	Logger            *slog.Logger
	Metrics           *metrics.Collector
}

// Pool is the worker pool as seen by the controller.
type Pool interface {
	jobmanager.Dispatcher
	Start(ctx context.Context) error
	WaitReady(ctx context.Context, poll time.Duration) error
	BusyCount() int
	ReadyCount() int
	Shutdown()
}

// Status is a snapshot of the controller.
type Status struct {
	Mode       types.Mode
	Active     []string
	Busy       int
	Ready      int
	Registered bool
	Uptime     time.Duration
}

// Controller runs the scheduler loop.
type Controller struct {
	cfg    Config
	log    *slog.Logger
	pool   Pool
	jobs   *jobmanager.Manager
	client coordinator.Client

	mu           sync.Mutex
	registered   bool
	pendingMode  types.Mode
	started      bool
	startTime    time.Time
	cancel       context.CancelFunc
	stopCh       chan struct{}
	loopWg       sync.WaitGroup
	shutdownOnce sync.Once
}

// NewController wires a controller around an already constructed pool and
// job manager. The pool's result handler must feed jobs.HandleResult.
func NewController(cfg Config, pool Pool, jobs *jobmanager.Manager, client coordinator.Client) (*Controller, error) {
	if pool == nil || jobs == nil || client == nil {
		return nil, errors.New("controller needs a pool, a job manager and a coordinator client")
	}
	if cfg.RunInterval <= 0 {
		cfg.RunInterval = DefaultRunInterval
	}
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = DefaultHeartbeatInterval
	}
	if cfg.MaxStructures <= 0 {
		cfg.MaxStructures = DefaultMaxStructures
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = coordinator.DefaultTimeout
	}
	if cfg.StartupTimeout <= 0 {
		cfg.StartupTimeout = DefaultStartupTimeout
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &Controller{
		cfg:         cfg,
		log:         logger.With("component", "controller"),
		pool:        pool,
		jobs:        jobs,
		client:      client,
		pendingMode: types.ModeUndefined,
		stopCh:      make(chan struct{}),
	}, nil
}

// ============================================================================
// Lifecycle
// ============================================================================

// Start prepares the work dir, registers with the coordinator, starts the
// pool, waits for every worker to report ready and launches the loops.
// A failed registration is retried by the run loop.
func (c *Controller) Start(ctx context.Context) error {
	c.mu.Lock()
	if c.started {
		c.mu.Unlock()
		return ErrAlreadyStarted
	}
	c.started = true
	c.startTime = time.Now()
	ctx, c.cancel = context.WithCancel(ctx)
	c.mu.Unlock()

	if c.cfg.WorkDir != "" {
		if err := structure.ClearWorkDir(c.cfg.WorkDir); err != nil {
			return fmt.Errorf("prepare work dir: %w", err)
		}
	}

	if err := c.register(ctx); err != nil {
		c.log.Warn("Initial registration failed, retrying on next tick", "error", err)
	}

	if err := c.pool.Start(ctx); err != nil {
		return fmt.Errorf("failed to start worker pool: %w", err)
	}

	readyCtx, cancel := context.WithTimeout(ctx, c.cfg.StartupTimeout)
	err := c.pool.WaitReady(readyCtx, 0)
	cancel()
	if err != nil {
		c.pool.Shutdown()
		return fmt.Errorf("waiting for workers: %w", err)
	}
	c.log.Info("All workers started", "ready", c.pool.ReadyCount())

	c.loopWg.Add(2)
	go c.runLoop(ctx)
	go c.heartbeatLoop(ctx)

	c.log.Info("Controller started", "mode", c.jobs.Mode())
	return nil
}

// Run starts the controller and blocks until ctx is cancelled, then stops it.
func (c *Controller) Run(ctx context.Context) error {
	if err := c.Start(ctx); err != nil {
		return err
	}
	<-ctx.Done()
	c.Stop()
	return nil
}

// Stop kills every worker, ends the loops and deregisters. It is safe to call
// more than once.
func (c *Controller) Stop() {
	c.shutdownOnce.Do(func() {
		c.mu.Lock()
		cancel := c.cancel
		started := c.started
		c.mu.Unlock()

		close(c.stopCh)
		if cancel != nil {
			cancel()
		}

		c.pool.Shutdown()
		c.loopWg.Wait()

		ctx, done := context.WithTimeout(context.Background(), 5*time.Second)
		defer done()
		if err := c.client.Deregister(ctx); err != nil {
			c.log.Warn("Failed to deregister", "error", err)
		}

		if started {
			c.log.Info("Controller stopped", "uptime", time.Since(c.startTime))
		}
	})
}

// Status returns a snapshot of the scheduler state.
func (c *Controller) Status() Status {
	c.mu.Lock()
	registered := c.registered
	var uptime time.Duration
	if c.started {
		uptime = time.Since(c.startTime)
	}
	c.mu.Unlock()

	return Status{
		Mode:       c.jobs.Mode(),
		Active:     c.jobs.ActiveFilenames(),
		Busy:       c.pool.BusyCount(),
		Ready:      c.pool.ReadyCount(),
		Registered: registered,
		Uptime:     uptime,
	}
}

// ============================================================================
// Loops
// ============================================================================

func (c *Controller) runLoop(ctx context.Context) {
	defer c.loopWg.Done()
	timer := time.NewTimer(0)
	defer timer.Stop()

	for {
		select {
		case <-c.stopCh:
			c.log.Info("Run loop stopped")
			return
		case <-ctx.Done():
			return
		case <-timer.C:
		}

		c.tick(ctx)
		timer.Reset(c.cfg.RunInterval)
	}
}

func (c *Controller) heartbeatLoop(ctx context.Context) {
	defer c.loopWg.Done()
	ticker := time.NewTicker(c.cfg.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-c.stopCh:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.heartbeat(ctx)
		}
	}
}

func (c *Controller) heartbeat(ctx context.Context) {
	names := c.jobs.ActiveFilenames()
	if len(names) == 0 {
		return
	}

	callCtx, cancel := context.WithTimeout(ctx, c.cfg.RequestTimeout)
	defer cancel()
	if err := c.client.Heartbeat(callCtx, names); err != nil {
		if errors.Is(err, coordinator.ErrNotRegistered) {
			c.markUnregistered()
		}
		c.log.Warn("Couldn't ping coordinator", "structures", len(names), "error", err)
		return
	}
	c.log.Debug("Pinged coordinator", "structures", names)
}

// ============================================================================
// Tick
// ============================================================================

func (c *Controller) tick(ctx context.Context) {
	defer func() {
		c.cfg.Metrics.UpdateWorkerStats(c.pool.BusyCount(), c.pool.ReadyCount())
	}()

	if !c.isRegistered() {
		if err := c.register(ctx); err != nil {
			c.log.Warn("Registration failed", "error", err)
			return
		}
	}

	c.applyModeDirective()

	switch mode := c.jobs.Mode(); mode {
	case types.ModeSingleFile:
		c.tickSingle(ctx)
	case types.ModeMultiFiles:
		c.tickMulti(ctx)
	case types.ModeUndefined:
		c.log.Error("Processing mode undefined, skipping tick")
	default:
		c.log.Error("Unknown processing mode, skipping tick", "mode", mode)
	}
}

func (c *Controller) tickSingle(ctx context.Context) {
	if c.pool.BusyCount() > 0 || !c.jobs.Quiescent() {
		return
	}

	alloc, ok := c.fetch(ctx, 1, types.ModeSingleFile)
	if !ok || len(alloc.Filenames) == 0 {
		return
	}

	filename := alloc.Filenames[0]
	c.log.Info("Processing structure", "filename", filename, "mode", types.ModeSingleFile)
	if err := c.jobs.BeginSingle(ctx, filename); err != nil {
		c.log.Error("Structure dropped", "filename", filename, "error", err)
	}
}

func (c *Controller) tickMulti(ctx context.Context) {
	free := 0
	for _, s := range c.pool.Slots() {
		if s.Ready && !s.Busy && !s.SingleFileLocked {
			free++
		}
	}
	if room := c.cfg.MaxStructures - len(c.jobs.ActiveFilenames()); free > room {
		free = room
	}
	if free <= 0 {
		return
	}

	alloc, ok := c.fetch(ctx, free, types.ModeMultiFiles)
	if !ok || len(alloc.Filenames) == 0 {
		return
	}

	dispatched := c.jobs.BeginMulti(alloc.Filenames)
	c.log.Info("Structures dispatched",
		"mode", types.ModeMultiFiles,
		"fetched", len(alloc.Filenames),
		"dispatched", len(dispatched))
}

// fetch asks the coordinator for count structures and records its mode
// directive. ok is false when the call failed.
func (c *Controller) fetch(ctx context.Context, count int, mode types.Mode) (coordinator.Allocation, bool) {
	callCtx, cancel := context.WithTimeout(ctx, c.cfg.RequestTimeout)
	defer cancel()

	alloc, err := c.client.FetchStructures(callCtx, count, mode)
	if err != nil {
		if errors.Is(err, coordinator.ErrNotRegistered) {
			c.markUnregistered()
			c.log.Warn("Coordinator does not know this processor, registering again")
			return coordinator.Allocation{}, false
		}
		c.cfg.Metrics.RecordFetchError()
		c.log.Error("Couldn't fetch structures", "count", count, "error", err)
		return coordinator.Allocation{}, false
	}

	c.cfg.Metrics.RecordFetched(len(alloc.Filenames))
	if alloc.Mode.Valid() && alloc.Mode != mode {
		c.mu.Lock()
		c.pendingMode = alloc.Mode
		c.mu.Unlock()
		c.log.Info("Coordinator requested processing mode", "mode", alloc.Mode)
	}
	return alloc, true
}

// applyModeDirective switches mode once nothing is in flight.
func (c *Controller) applyModeDirective() {
	c.mu.Lock()
	mode := c.pendingMode
	c.mu.Unlock()

	if !mode.Valid() || mode == c.jobs.Mode() {
		return
	}
	if c.pool.BusyCount() > 0 {
		return
	}
	if err := c.jobs.SetMode(mode); err != nil {
		if !errors.Is(err, jobmanager.ErrNotQuiescent) {
			c.log.Error("Failed to switch processing mode", "mode", mode, "error", err)
		}
		return
	}

	c.mu.Lock()
	if c.pendingMode == mode {
		c.pendingMode = types.ModeUndefined
	}
	c.mu.Unlock()
}

// ============================================================================
// Registration
// ============================================================================

func (c *Controller) register(ctx context.Context) error {
	callCtx, cancel := context.WithTimeout(ctx, c.cfg.RequestTimeout)
	defer cancel()

	if err := c.client.Register(callCtx); err != nil {
		c.cfg.Metrics.RecordFetchError()
		return fmt.Errorf("register: %w", err)
	}
	c.mu.Lock()
	c.registered = true
	c.mu.Unlock()
	return nil
}

func (c *Controller) isRegistered() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.registered
}

func (c *Controller) markUnregistered() {
	c.mu.Lock()
	c.registered = false
	c.mu.Unlock()
}

var _ Pool = (*worker.Pool)(nil)
