// ============================================================================
// mindist Job Manager - Structure Processing State Machine
// ============================================================================
//
// Package: internal/jobmanager
// File: job_manager.go
// Function: track structures in flight, aggregate chunk results, propagate
//           failures and report completed structures
//
// Modes (tagged variant, exactly one active):
//
//   SINGLE_FILE - one session, every slot reserved for it
//     BeginSingle() -> load models -> partition model 0 over idle slots
//        ↓ chunk results (min-reduced, Pending--)
//     Pending == 0 ── failed ──> release slots, report nothing
//                 ── more models ──> partition next model
//                 ── last model ──> report, reset to empty
//
//   MULTI_FILES - one session per busy slot
//     BeginMulti() -> one whole structure per idle, unlocked slot
//        ↓ terminal result
//     report (or drop on failure), free the slot
//
// Session lifecycle: initiated → running → (failed | completed)
//
// Concurrency:
//   - mu serializes every session mutation; results for different chunks of
//     one session commit their decrement and min-reduction atomically
//   - Lock order is Manager.mu → Pool; the pool never holds its own lock
//     while delivering results
//   - Reports to the coordinator run after mu is released and never block
//     the state machine
//
// ============================================================================

package jobmanager

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/ChuLiYu/mindist/internal/coordinator"
	"github.com/ChuLiYu/mindist/internal/metrics"
	"github.com/ChuLiYu/mindist/internal/partition"
	"github.com/ChuLiYu/mindist/internal/worker"
	"github.com/ChuLiYu/mindist/pkg/types"
)

var (
	// ErrSessionOpen means a single-file session is still in progress.
	ErrSessionOpen = errors.New("a structure is already being processed")
	// ErrWrongMode means the call does not match the active mode.
	ErrWrongMode = errors.New("operation not valid in the current processing mode")
	// ErrNotQuiescent means the mode cannot change while sessions are open.
	ErrNotQuiescent = errors.New("sessions still open")
	// ErrInvalidMode rejects modes other than SINGLE_FILE and MULTI_FILES.
	ErrInvalidMode = errors.New("invalid processing mode")
)

// Dispatcher is the part of the worker pool the state machine drives.
type Dispatcher interface {
	Slots() []worker.SlotInfo
	Dispatch(slotID int, d types.Dispatch) error
	SetSingleFileLock(locked bool)
}

// Reporter receives completed structures.
type Reporter interface {
	ReportResult(ctx context.Context, res coordinator.Result) (coordinator.Ack, error)
}

// Config configures a Manager.
type Config struct {
	Mode          types.Mode // initial mode, MULTI_FILES when unset
	Pool          Dispatcher
	Loader        worker.StructureLoader
	Reporter      Reporter
	ReportTimeout time.Duration
	Metrics       *metrics.Collector
	Logger        *slog.Logger
}

// Manager is the single owner of all session state.
type Manager struct {
	cfg Config
	log *slog.Logger
	now func() time.Time

	mu    sync.Mutex
	state modeState

	reports sync.WaitGroup
}

// NewJobManager creates a Manager.
func NewJobManager(cfg Config) *Manager {
	if cfg.ReportTimeout <= 0 {
		cfg.ReportTimeout = coordinator.DefaultTimeout
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	mode := cfg.Mode
	if mode != types.ModeSingleFile {
		mode = types.ModeMultiFiles
	}
	return &Manager{
		cfg:   cfg,
		log:   logger.With("component", "jobmanager"),
		now:   time.Now,
		state: newModeState(mode),
	}
}

// Mode returns the active processing mode.
func (m *Manager) Mode() types.Mode {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state.mode()
}

// SetMode switches the processing mode. It fails with ErrNotQuiescent while
// any session is open.
func (m *Manager) SetMode(mode types.Mode) error {
	if mode != types.ModeSingleFile && mode != types.ModeMultiFiles {
		return fmt.Errorf("%w: %q", ErrInvalidMode, mode)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state.mode() == mode {
		return nil
	}
	if m.state.open() > 0 {
		return ErrNotQuiescent
	}
	m.log.Info("Processing mode changed", "from", m.state.mode(), "to", mode)
	m.state = newModeState(mode)
	return nil
}

// Quiescent reports whether no session is open.
func (m *Manager) Quiescent() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state.open() == 0
}

// ActiveFilenames lists the structures currently being processed, sorted.
func (m *Manager) ActiveFilenames() []string {
	m.mu.Lock()
	names := m.state.filenames()
	m.mu.Unlock()
	sort.Strings(names)
	return names
}

// Sessions returns copies of the open sessions.
func (m *Manager) Sessions() []Session {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []Session
	switch st := m.state.(type) {
	case *singleFileState:
		if st.session != nil {
			out = append(out, *st.session)
		}
	case *multiFileState:
		for _, s := range st.sessions {
			out = append(out, *s)
		}
		sort.Slice(out, func(i, j int) bool { return out[i].SlotID < out[j].SlotID })
	}
	return out
}

// Wait blocks until every pending report finished.
func (m *Manager) Wait() {
	m.reports.Wait()
}

// ============================================================================
// Single-file mode
// ============================================================================

// BeginSingle opens the session for filename, loads its models and
// dispatches the first model. A load failure discards the session, releases
// the slots and is returned to the caller.
func (m *Manager) BeginSingle(ctx context.Context, filename string) error {
	m.mu.Lock()
	st, ok := m.state.(*singleFileState)
	if !ok {
		m.mu.Unlock()
		return ErrWrongMode
	}
	if st.session != nil {
		m.mu.Unlock()
		return ErrSessionOpen
	}
	s := newSession(filename, types.ModeSingleFile, m.now())
	st.session = s
	m.mu.Unlock()

	m.cfg.Pool.SetSingleFileLock(true)

	models, err := m.load(ctx, filename)
	if err != nil {
		m.mu.Lock()
		if st.session == s {
			st.session = nil
		}
		m.mu.Unlock()

		m.cfg.Pool.SetSingleFileLock(false)
		m.cfg.Metrics.RecordStructureFailed()
		m.log.Error("Failed to load structure", "filename", filename, "error", err)
		return fmt.Errorf("load %s: %w", filename, err)
	}

	m.mu.Lock()
	s.Models = models
	s.State = StateRunning
	after := m.advanceLocked(st)
	m.mu.Unlock()

	after()
	return nil
}

func (m *Manager) load(ctx context.Context, filename string) ([]types.Model, error) {
	if m.cfg.Loader == nil {
		return nil, errors.New("no structure loader configured")
	}
	return m.cfg.Loader.Load(ctx, filename)
}

// advanceLocked dispatches the next model with atoms to compare, or
// finishes the session when none is left. The returned func runs the side
// effects that must happen without mu held.
func (m *Manager) advanceLocked(st *singleFileState) func() {
	s := st.session

	for s.NextModel < len(s.Models) {
		model := s.Models[s.NextModel]
		s.NextModel++
		if len(model) < 2 {
			continue
		}

		var idle []worker.SlotInfo
		for _, slot := range m.cfg.Pool.Slots() {
			if slot.Ready && !slot.Busy {
				idle = append(idle, slot)
			}
		}

		ranges := partition.Partition(len(model), len(idle))
		if len(ranges) == 0 {
			m.log.Error("No worker available for structure", "filename", s.Filename)
			s.fail()
			return m.finishLocked(st)
		}

		s.Pending = len(ranges)
		for i, r := range ranges {
			r := r
			err := m.cfg.Pool.Dispatch(idle[i].ID, types.Dispatch{
				Filename:    s.Filename,
				Range:       &r,
				Coordinates: model,
				Mode:        types.ModeSingleFile,
			})
			if err != nil {
				m.log.Error("Failed to dispatch chunk",
					"filename", s.Filename, "worker_id", idle[i].ID, "range", r.String(), "error", err)
				s.Pending--
				s.Failed = true
			}
		}

		m.log.Info("Model dispatched",
			"filename", s.Filename,
			"model", s.NextModel,
			"models", len(s.Models),
			"atoms", len(model),
			"chunks", s.Pending)

		if s.Pending == 0 {
			s.fail()
			return m.finishLocked(st)
		}
		return func() {}
	}

	s.complete()
	return m.finishLocked(st)
}

// finishLocked closes a done single-file session.
func (m *Manager) finishLocked(st *singleFileState) func() {
	s := st.session
	st.session = nil

	if s.Failed {
		s.State = StateFailed
		s.Done = true
		m.log.Error("Failed to process structure", "filename", s.Filename)
		return func() {
			m.cfg.Pool.SetSingleFileLock(false)
			m.cfg.Metrics.RecordStructureFailed()
		}
	}

	elapsed := m.now().Sub(s.Start)
	m.log.Info("Structure processed",
		"filename", s.Filename,
		"min_distance", s.Min,
		"duration", elapsed)

	res := coordinator.Result{
		Filename:       s.Filename,
		MinDistance:    s.Min,
		Empty:          math.IsInf(s.Min, 1),
		ProcessingTime: elapsed,
	}
	return func() {
		m.cfg.Pool.SetSingleFileLock(false)
		m.cfg.Metrics.RecordCompleted(elapsed, s.Min)
		m.report(res)
	}
}

func (m *Manager) onSingleResult(res types.Result) func() {
	m.mu.Lock()
	defer m.mu.Unlock()

	st, ok := m.state.(*singleFileState)
	if !ok || st.session == nil || st.session.Done || st.session.Filename != res.Filename || st.session.Pending <= 0 {
		m.log.Warn("Ignoring stale chunk result", "filename", res.Filename, "worker_id", res.ChildID)
		return func() {}
	}
	s := st.session

	s.Pending--
	if res.Failure {
		m.log.Error("Got failure from worker", "filename", s.Filename, "worker_id", res.ChildID)
		s.Failed = true
	} else {
		if res.MinDistance != nil {
			s.fold(*res.MinDistance)
		}
		m.log.Info("Got results from worker", "filename", s.Filename, "worker_id", res.ChildID, "remaining", s.Pending)
	}

	if s.Pending > 0 {
		return func() {}
	}
	if s.Failed {
		return m.finishLocked(st)
	}
	return m.advanceLocked(st)
}

// ============================================================================
// Multi-file mode
// ============================================================================

// BeginMulti assigns one filename per idle, unlocked slot and returns the
// filenames that were dispatched. Filenames without a free slot are dropped;
// the coordinator offers them again later.
func (m *Manager) BeginMulti(filenames []string) []string {
	m.mu.Lock()
	defer m.mu.Unlock()

	st, ok := m.state.(*multiFileState)
	if !ok {
		return nil
	}

	var idle []worker.SlotInfo
	for _, slot := range m.cfg.Pool.Slots() {
		if _, taken := st.sessions[slot.ID]; slot.Ready && !slot.Busy && !slot.SingleFileLocked && !taken {
			idle = append(idle, slot)
		}
	}

	var dispatched []string
	for i, filename := range filenames {
		if i >= len(idle) {
			m.log.Warn("No free worker, leaving structures to the coordinator", "dropped", len(filenames)-i)
			break
		}
		slot := idle[i]
		err := m.cfg.Pool.Dispatch(slot.ID, types.Dispatch{Filename: filename, Mode: types.ModeMultiFiles})
		if err != nil {
			m.log.Error("Failed to dispatch structure", "filename", filename, "worker_id", slot.ID, "error", err)
			continue
		}

		s := newSession(filename, types.ModeMultiFiles, m.now())
		s.SlotID = slot.ID
		s.Pending = 1
		s.State = StateRunning
		st.sessions[slot.ID] = s
		dispatched = append(dispatched, filename)
	}
	return dispatched
}

func (m *Manager) onMultiResult(res types.Result) func() {
	m.mu.Lock()
	defer m.mu.Unlock()

	st, ok := m.state.(*multiFileState)
	if !ok {
		m.log.Warn("Ignoring stale structure result", "filename", res.Filename, "worker_id", res.ChildID)
		return func() {}
	}
	s, ok := st.sessions[res.ChildID]
	if !ok || s.Filename != res.Filename {
		m.log.Warn("Ignoring stale structure result", "filename", res.Filename, "worker_id", res.ChildID)
		return func() {}
	}
	delete(st.sessions, res.ChildID)
	s.Pending = 0

	if res.Failure {
		s.fail()
		m.log.Error("Got failure from worker", "filename", s.Filename, "worker_id", res.ChildID)
		return m.cfg.Metrics.RecordStructureFailed
	}

	if res.MinDistance != nil {
		s.fold(*res.MinDistance)
	}
	s.complete()

	elapsed := m.now().Sub(s.Start)
	if res.ProcessingTimeMs != nil {
		elapsed = time.Duration(*res.ProcessingTimeMs) * time.Millisecond
	}
	m.log.Info("Got results from worker", "filename", s.Filename, "worker_id", res.ChildID, "min_distance", s.Min)

	out := coordinator.Result{
		Filename:       s.Filename,
		MinDistance:    s.Min,
		Empty:          math.IsInf(s.Min, 1),
		ProcessingTime: elapsed,
	}
	return func() {
		m.cfg.Metrics.RecordCompleted(elapsed, s.Min)
		m.report(out)
	}
}

// ============================================================================
// Results and reporting
// ============================================================================

// HandleResult is the pool's result handler. Results are routed by their
// mode tag.
func (m *Manager) HandleResult(res types.Result) {
	var after func()
	switch res.Mode {
	case types.ModeSingleFile:
		after = m.onSingleResult(res)
	case types.ModeMultiFiles:
		after = m.onMultiResult(res)
	case types.ModeUndefined:
		m.log.Warn("Result without processing mode", "filename", res.Filename, "worker_id", res.ChildID)
		return
	default:
		m.log.Warn("Result with unknown processing mode", "mode", res.Mode, "worker_id", res.ChildID)
		return
	}
	after()
}

func (m *Manager) report(res coordinator.Result) {
	if m.cfg.Reporter == nil {
		return
	}
	m.reports.Add(1)
	go func() {
		defer m.reports.Done()
		ctx, cancel := context.WithTimeout(context.Background(), m.cfg.ReportTimeout)
		defer cancel()

		ack, err := m.cfg.Reporter.ReportResult(ctx, res)
		if err != nil {
			m.cfg.Metrics.RecordFetchError()
			m.log.Error("Couldn't send result to coordinator", "filename", res.Filename, "error", err)
			return
		}
		if ack.IsNewMinDistance {
			m.log.Info("Current global minimum distance set", "filename", res.Filename, "min_distance", res.MinDistance)
		}
		m.log.Info("Result sent to coordinator", "filename", res.Filename)
	}()
}
