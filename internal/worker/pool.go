// ============================================================================
// mindist Worker Pool - Process Supervisor
// ============================================================================
//
// Package: internal/worker
// File: pool.go
// Function: own a fixed-size set of long-lived worker processes
//
// Slot lifecycle:
//
//   spawning ──started──> ready <──> busy
//                           │         │
//                           └── exit ─┴──> dead ──(revival delay)──> spawning
//
//   - A slot is dispatchable only after its worker sent "started"
//   - A worker that exits while busy yields exactly one synthesized failure
//     result for its assignment, delivered after the slot is removed
//   - Dead slots come back with the same id after RevivalDelay unless the
//     slot was marked must-die by Shutdown
//
// Architecture:
//
//   ┌────────────┐  Dispatch()   ┌──────────┐  envelope  ┌──────────┐
//   │ JobManager │ ────────────> │   Pool   │ ─────────> │ Worker N │
//   └────────────┘               │  slot N  │ <───────── │ (Runner) │
//         ↑                      └──────────┘   result   └──────────┘
//         └──────── Handler(result) ──┘
//
// Concurrency:
//   - One supervise goroutine per live process reads its results
//   - mu guards slots, revivals and the started/stopped flags
//   - The Handler is always called without mu held
//   - wg tracks supervise goroutines and pending revivals so Shutdown only
//     returns when nothing can spawn again
//
// ============================================================================

package worker

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/ChuLiYu/mindist/internal/metrics"
	"github.com/ChuLiYu/mindist/pkg/types"
)

var (
	// ErrPoolClosed is returned once Shutdown has started.
	ErrPoolClosed = errors.New("worker pool is closed")
	// ErrPoolNotStarted is returned before Start.
	ErrPoolNotStarted = errors.New("worker pool not started")
	// ErrSlotUnavailable means the slot is missing, not ready, busy, or
	// reserved for single-file work.
	ErrSlotUnavailable = errors.New("worker slot unavailable")
	// ErrInvalidDispatch rejects dispatches the worker could not execute.
	ErrInvalidDispatch = errors.New("invalid dispatch")
)

// Handler receives every result, including synthesized crash failures.
// Result.ChildID is the slot id.
type Handler func(res types.Result)

// PoolConfig configures a Pool.
type PoolConfig struct {
	Size         int
	RevivalDelay time.Duration
	Launcher     Launcher
	Handler      Handler
	Logger       *slog.Logger
	Metrics      *metrics.Collector
}

// SlotInfo is a read-only snapshot of one worker slot.
type SlotInfo struct {
	ID               int
	Pid              int
	Ready            bool
	Busy             bool
	SingleFileLocked bool
	Filename         string
	Mode             types.Mode
}

type slot struct {
	id     int
	proc   Process
	ready  bool
	busy   bool
	locked bool

	filename string
	mode     types.Mode
	rng      *types.WorkRange

	mustDie bool
}

// Pool supervises worker processes.
type Pool struct {
	cfg PoolConfig
	log *slog.Logger

	mu             sync.Mutex
	ctx            context.Context
	slots          map[int]*slot
	revivals       map[int]*time.Timer
	singleFileLock bool
	started        bool
	stopped        bool

	wg sync.WaitGroup
}

// NewPool creates a pool; no process is launched before Start.
func NewPool(cfg PoolConfig) *Pool {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Handler == nil {
		cfg.Handler = func(types.Result) {}
	}
	return &Pool{
		cfg:      cfg,
		log:      logger.With("component", "pool"),
		slots:    make(map[int]*slot),
		revivals: make(map[int]*time.Timer),
	}
}

// Start launches Size workers with ids 1..Size. Launch failures are retried
// through the revival path.
func (p *Pool) Start(ctx context.Context) error {
	p.mu.Lock()
	if p.started {
		p.mu.Unlock()
		return errors.New("pool already started")
	}
	if p.cfg.Size <= 0 {
		p.mu.Unlock()
		return fmt.Errorf("pool size must be positive, got %d", p.cfg.Size)
	}
	if p.cfg.Launcher == nil {
		p.mu.Unlock()
		return errors.New("pool has no launcher")
	}
	p.started = true
	p.ctx = ctx
	p.mu.Unlock()

	for id := 1; id <= p.cfg.Size; id++ {
		p.spawn(id)
	}
	p.log.Info("Worker pool started", "size", p.cfg.Size)
	return nil
}

// WaitReady blocks until every slot reported ready or ctx ends.
func (p *Pool) WaitReady(ctx context.Context, poll time.Duration) error {
	if poll <= 0 {
		poll = 50 * time.Millisecond
	}
	ticker := time.NewTicker(poll)
	defer ticker.Stop()

	for {
		if p.ReadyCount() >= p.cfg.Size {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

func (p *Pool) spawn(id int) {
	p.mu.Lock()
	if p.stopped {
		p.mu.Unlock()
		return
	}
	ctx := p.ctx
	p.mu.Unlock()

	proc, err := p.cfg.Launcher.Launch(ctx, id)
	if err != nil {
		p.log.Error("Failed to launch worker", "worker_id", id, "error", err)
		p.scheduleRevival(id)
		return
	}

	p.mu.Lock()
	if p.stopped {
		p.mu.Unlock()
		proc.Kill()
		proc.Wait()
		return
	}
	s := &slot{id: id, proc: proc, locked: p.singleFileLock}
	p.slots[id] = s
	p.wg.Add(1)
	p.mu.Unlock()

	p.log.Info("Worker launched", "worker_id", id, "pid", proc.Pid())
	go p.supervise(s)
}

func (p *Pool) supervise(s *slot) {
	defer p.wg.Done()

	for {
		env, err := s.proc.Recv()
		if err != nil {
			if !errors.Is(err, io.EOF) {
				p.log.Error("Worker pipe broken", "worker_id", s.id, "error", err)
				s.proc.Kill()
			}
			break
		}

		switch env.Kind {
		case types.KindStarted:
			p.mu.Lock()
			s.ready = true
			p.mu.Unlock()
			p.log.Info("Worker ready", "worker_id", s.id)

		case types.KindResult:
			if env.Result == nil {
				continue
			}
			res := *env.Result
			res.ChildID = s.id

			p.mu.Lock()
			s.busy = false
			s.filename = ""
			s.mode = ""
			s.rng = nil
			p.mu.Unlock()

			if res.Failure {
				p.cfg.Metrics.RecordChunkFailure()
			}
			p.cfg.Handler(res)

		default:
			p.log.Info("Message from worker", "worker_id", s.id, "kind", env.Kind)
		}
	}

	code := s.proc.Wait()
	p.handleExit(s, code)
}

func (p *Pool) handleExit(s *slot, code int) {
	p.mu.Lock()
	var synthesized *types.Result
	if s.busy {
		synthesized = &types.Result{
			ChildID:  s.id,
			Filename: s.filename,
			Failure:  true,
			Range:    s.rng,
			Mode:     s.mode,
		}
		s.busy = false
	}
	if cur, ok := p.slots[s.id]; ok && cur == s {
		delete(p.slots, s.id)
	}
	revive := !s.mustDie && !p.stopped
	p.mu.Unlock()

	if !revive {
		p.log.Info("Worker terminated", "worker_id", s.id, "exit_code", code)
		return
	}

	p.log.Warn("Worker exited unexpectedly", "worker_id", s.id, "exit_code", code)
	p.cfg.Metrics.RecordCrash()

	if synthesized != nil {
		p.log.Error("Worker died while processing",
			"worker_id", s.id, "filename", synthesized.Filename, "mode", synthesized.Mode)
		p.cfg.Metrics.RecordChunkFailure()
		p.cfg.Handler(*synthesized)
	}

	p.scheduleRevival(s.id)
}

func (p *Pool) scheduleRevival(id int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.stopped {
		return
	}
	if _, pending := p.revivals[id]; pending {
		return
	}

	p.wg.Add(1)
	p.revivals[id] = time.AfterFunc(p.cfg.RevivalDelay, func() {
		defer p.wg.Done()

		p.mu.Lock()
		delete(p.revivals, id)
		stopped := p.stopped
		p.mu.Unlock()
		if stopped {
			return
		}

		p.log.Info("Reviving worker", "worker_id", id)
		p.cfg.Metrics.RecordRevival()
		p.spawn(id)
	})
}

// Dispatch sends d to slot slotID. A nil error means the slot now holds the
// assignment and exactly one result for it will reach the Handler, even if
// the worker dies first.
func (p *Pool) Dispatch(slotID int, d types.Dispatch) error {
	if err := validateDispatch(d); err != nil {
		return err
	}

	p.mu.Lock()
	if !p.started {
		p.mu.Unlock()
		return ErrPoolNotStarted
	}
	if p.stopped {
		p.mu.Unlock()
		return ErrPoolClosed
	}
	s, ok := p.slots[slotID]
	if !ok || !s.ready || s.busy {
		p.mu.Unlock()
		return fmt.Errorf("slot %d: %w", slotID, ErrSlotUnavailable)
	}
	if d.Mode == types.ModeMultiFiles && s.locked {
		p.mu.Unlock()
		return fmt.Errorf("slot %d reserved for single-file work: %w", slotID, ErrSlotUnavailable)
	}
	s.busy = true
	s.filename = d.Filename
	s.mode = d.Mode
	s.rng = d.Range
	proc := s.proc
	p.mu.Unlock()

	p.cfg.Metrics.RecordDispatch()
	if err := proc.Send(types.Envelope{Kind: types.KindDispatch, Dispatch: &d}); err != nil {
		// the exit path reports the failure for this assignment
		p.log.Error("Failed to send dispatch, killing worker",
			"worker_id", slotID, "filename", d.Filename, "error", err)
		proc.Kill()
	}
	return nil
}

func validateDispatch(d types.Dispatch) error {
	switch d.Mode {
	case types.ModeSingleFile:
		if d.Range == nil {
			return fmt.Errorf("%w: single-file dispatch without range", ErrInvalidDispatch)
		}
		for i, a := range d.Coordinates {
			if !finite(a.X) || !finite(a.Y) || !finite(a.Z) {
				return fmt.Errorf("%w: atom %d has non-finite coordinates", ErrInvalidDispatch, i)
			}
		}
	case types.ModeMultiFiles:
	default:
		return fmt.Errorf("%w: mode %q", ErrInvalidDispatch, d.Mode)
	}
	if d.Filename == "" {
		return fmt.Errorf("%w: empty filename", ErrInvalidDispatch)
	}
	return nil
}

func finite(f float64) bool {
	return !math.IsNaN(f) && !math.IsInf(f, 0)
}

// Slots returns a snapshot of all live slots ordered by id.
func (p *Pool) Slots() []SlotInfo {
	p.mu.Lock()
	defer p.mu.Unlock()

	out := make([]SlotInfo, 0, len(p.slots))
	for _, s := range p.slots {
		out = append(out, SlotInfo{
			ID:               s.id,
			Pid:              s.proc.Pid(),
			Ready:            s.ready,
			Busy:             s.busy,
			SingleFileLocked: s.locked,
			Filename:         s.filename,
			Mode:             s.mode,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// BusyCount returns the number of slots holding an assignment.
func (p *Pool) BusyCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := 0
	for _, s := range p.slots {
		if s.busy {
			n++
		}
	}
	return n
}

// ReadyCount returns the number of slots that completed the handshake.
func (p *Pool) ReadyCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := 0
	for _, s := range p.slots {
		if s.ready {
			n++
		}
	}
	return n
}

// LiveCount returns the number of slots with a running process.
func (p *Pool) LiveCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.slots)
}

// Size returns the configured pool size.
func (p *Pool) Size() int { return p.cfg.Size }

// SetSingleFileLock reserves (or releases) every slot for single-file work.
// Revived slots inherit the current setting.
func (p *Pool) SetSingleFileLock(locked bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.singleFileLock = locked
	for _, s := range p.slots {
		s.locked = locked
	}
}

// Shutdown marks every worker must-die, cancels pending revivals, kills all
// processes and waits until every supervisor exited. Results of killed
// workers are not reported.
func (p *Pool) Shutdown() {
	p.mu.Lock()
	if !p.started || p.stopped {
		p.mu.Unlock()
		return
	}
	p.stopped = true

	for id, t := range p.revivals {
		if t.Stop() {
			p.wg.Done()
		}
		delete(p.revivals, id)
	}

	procs := make([]Process, 0, len(p.slots))
	for _, s := range p.slots {
		s.mustDie = true
		procs = append(procs, s.proc)
	}
	p.mu.Unlock()

	for _, proc := range procs {
		if err := proc.Kill(); err != nil {
			p.log.Warn("Failed to kill worker", "pid", proc.Pid(), "error", err)
		}
	}

	p.wg.Wait()
	p.log.Info("Worker pool stopped", "killed", len(procs))
}
