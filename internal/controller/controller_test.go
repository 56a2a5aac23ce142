package controller

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ChuLiYu/mindist/internal/coordinator"
	"github.com/ChuLiYu/mindist/internal/jobmanager"
	"github.com/ChuLiYu/mindist/internal/worker"
	"github.com/ChuLiYu/mindist/pkg/types"
)

// ============================================================================
// Test Helper Functions
// ============================================================================

// fakeCoordinator hands out filenames from a queue and records every call.
type fakeCoordinator struct {
	mu            sync.Mutex
	queue         []string
	mode          types.Mode
	registers     int
	rejectFetches int
	failFetches   int
	fetchModes    []types.Mode
	results       []coordinator.Result
	pings         [][]string
	deregistered  bool
}

func (f *fakeCoordinator) Register(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.registers++
	return nil
}

func (f *fakeCoordinator) FetchStructures(ctx context.Context, count int, mode types.Mode) (coordinator.Allocation, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.fetchModes = append(f.fetchModes, mode)
	if f.rejectFetches > 0 {
		f.rejectFetches--
		return coordinator.Allocation{}, coordinator.ErrNotRegistered
	}
	if f.failFetches > 0 {
		f.failFetches--
		return coordinator.Allocation{}, coordinator.ErrTransient
	}
	if count > len(f.queue) {
		count = len(f.queue)
	}
	names := append([]string(nil), f.queue[:count]...)
	f.queue = f.queue[count:]
	return coordinator.Allocation{Filenames: names, Mode: f.mode}, nil
}

func (f *fakeCoordinator) ReportResult(ctx context.Context, res coordinator.Result) (coordinator.Ack, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.results = append(f.results, res)
	return coordinator.Ack{Success: true}, nil
}

func (f *fakeCoordinator) Heartbeat(ctx context.Context, filenames []string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.pings = append(f.pings, filenames)
	return nil
}

func (f *fakeCoordinator) Deregister(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deregistered = true
	return nil
}

func (f *fakeCoordinator) push(names ...string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.queue = append(f.queue, names...)
}

func (f *fakeCoordinator) reported() map[string]float64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make(map[string]float64, len(f.results))
	for _, r := range f.results {
		out[r.Filename] = r.MinDistance
	}
	return out
}

func (f *fakeCoordinator) registrations() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.registers
}

func (f *fakeCoordinator) pinged(filename string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, p := range f.pings {
		for _, name := range p {
			if name == filename {
				return true
			}
		}
	}
	return false
}

// gateLoader serves fixed models; filenames listed in slow block until the
// gate is closed.
type gateLoader struct {
	models map[string][]types.Model
	slow   map[string]bool
	gate   chan struct{}
}

func (l *gateLoader) Load(ctx context.Context, filename string) ([]types.Model, error) {
	if l.slow[filename] {
		select {
		case <-l.gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	models, ok := l.models[filename]
	if !ok {
		return nil, errors.New("not found")
	}
	return models, nil
}

// spaced returns n atoms on the x axis, step apart.
func spaced(n int, step float64) types.Model {
	m := make(types.Model, n)
	for i := range m {
		m[i] = types.Atom{X: float64(i) * step}
	}
	return m
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type testRig struct {
	ctrl  *Controller
	pool  *worker.Pool
	jobs  *jobmanager.Manager
	coord *fakeCoordinator
}

func newTestRig(t *testing.T, size int, mode types.Mode, loader *gateLoader) *testRig {
	t.Helper()
	logger := quietLogger()
	coord := &fakeCoordinator{}

	var jobs *jobmanager.Manager
	pool := worker.NewPool(worker.PoolConfig{
		Size:         size,
		RevivalDelay: 20 * time.Millisecond,
		Launcher: &worker.LocalLauncher{NewRunner: func(id int) *worker.Runner {
			return worker.NewRunner(id, loader, logger)
		}},
		Handler: func(res types.Result) { jobs.HandleResult(res) },
		Logger:  logger,
	})
	jobs = jobmanager.NewJobManager(jobmanager.Config{
		Mode:     mode,
		Pool:     pool,
		Loader:   loader,
		Reporter: coord,
		Logger:   logger,
	})

	ctrl, err := NewController(Config{
		WorkDir:           t.TempDir(),
		RunInterval:       10 * time.Millisecond,
		HeartbeatInterval: 10 * time.Millisecond,
		StartupTimeout:    5 * time.Second,
		Logger:            logger,
	}, pool, jobs, coord)
	require.NoError(t, err)
	t.Cleanup(func() {
		ctrl.Stop()
		jobs.Wait()
	})

	return &testRig{ctrl: ctrl, pool: pool, jobs: jobs, coord: coord}
}

// ============================================================================
// Tests
// ============================================================================

func TestNewControllerRequiresCollaborators(t *testing.T) {
	_, err := NewController(Config{}, nil, nil, nil)
	assert.Error(t, err)
}

func TestMultiFileRun(t *testing.T) {
	loader := &gateLoader{models: map[string][]types.Model{
		"a.cif": {spaced(4, 1)},
		"b.cif": {spaced(3, 2), spaced(5, 0.5)},
		"c.cif": {spaced(6, 3)},
	}}
	rig := newTestRig(t, 2, types.ModeMultiFiles, loader)
	rig.coord.push("a.cif", "b.cif", "c.cif")

	require.NoError(t, rig.ctrl.Start(context.Background()))

	want := map[string]float64{"a.cif": 1, "b.cif": 0.5, "c.cif": 3}
	require.Eventually(t, func() bool {
		return len(rig.coord.reported()) == len(want)
	}, 5*time.Second, 10*time.Millisecond)
	assert.Equal(t, want, rig.coord.reported())
	assert.True(t, rig.ctrl.Status().Registered)
}

func TestSingleFileRun(t *testing.T) {
	loader := &gateLoader{models: map[string][]types.Model{
		"big.cif": {spaced(40, 2), spaced(30, 1.5)},
	}}
	rig := newTestRig(t, 3, types.ModeSingleFile, loader)
	rig.coord.push("big.cif")

	require.NoError(t, rig.ctrl.Start(context.Background()))

	require.Eventually(t, func() bool {
		_, ok := rig.coord.reported()["big.cif"]
		return ok
	}, 5*time.Second, 10*time.Millisecond)
	assert.Equal(t, 1.5, rig.coord.reported()["big.cif"])

	require.Eventually(t, func() bool { return rig.jobs.Quiescent() }, time.Second, 10*time.Millisecond)
	for _, s := range rig.pool.Slots() {
		assert.False(t, s.SingleFileLocked, "slot %d released", s.ID)
	}
}

func TestModeDirectiveAppliedWhenQuiescent(t *testing.T) {
	loader := &gateLoader{models: map[string][]types.Model{"x.pdb": {spaced(10, 1)}}}
	rig := newTestRig(t, 2, types.ModeMultiFiles, loader)
	rig.coord.mode = types.ModeSingleFile

	require.NoError(t, rig.ctrl.Start(context.Background()))
	require.Eventually(t, func() bool {
		return rig.ctrl.Status().Mode == types.ModeSingleFile
	}, 5*time.Second, 10*time.Millisecond)

	rig.coord.push("x.pdb")
	require.Eventually(t, func() bool {
		_, ok := rig.coord.reported()["x.pdb"]
		return ok
	}, 5*time.Second, 10*time.Millisecond)

	rig.coord.mu.Lock()
	last := rig.coord.fetchModes[len(rig.coord.fetchModes)-1]
	rig.coord.mu.Unlock()
	assert.Equal(t, types.ModeSingleFile, last)
}

func TestRegistersAgainAfterRejection(t *testing.T) {
	loader := &gateLoader{models: map[string][]types.Model{"a.cif": {spaced(3, 1)}}}
	rig := newTestRig(t, 1, types.ModeMultiFiles, loader)
	rig.coord.rejectFetches = 1
	rig.coord.failFetches = 2
	rig.coord.push("a.cif")

	require.NoError(t, rig.ctrl.Start(context.Background()))
	require.Eventually(t, func() bool {
		return len(rig.coord.reported()) == 1
	}, 5*time.Second, 10*time.Millisecond)
	assert.GreaterOrEqual(t, rig.coord.registrations(), 2)
}

func TestHeartbeatCarriesActiveStructures(t *testing.T) {
	loader := &gateLoader{
		models: map[string][]types.Model{"slow.cif": {spaced(3, 1)}},
		slow:   map[string]bool{"slow.cif": true},
		gate:   make(chan struct{}),
	}
	rig := newTestRig(t, 1, types.ModeMultiFiles, loader)
	rig.coord.push("slow.cif")

	require.NoError(t, rig.ctrl.Start(context.Background()))
	require.Eventually(t, func() bool {
		return rig.coord.pinged("slow.cif")
	}, 5*time.Second, 10*time.Millisecond)
	assert.Equal(t, []string{"slow.cif"}, rig.ctrl.Status().Active)

	close(loader.gate)
	require.Eventually(t, func() bool {
		return len(rig.coord.reported()) == 1
	}, 5*time.Second, 10*time.Millisecond)
}

func TestStopKillsWorkersAndDeregisters(t *testing.T) {
	loader := &gateLoader{
		models: map[string][]types.Model{"slow.cif": {spaced(3, 1)}},
		slow:   map[string]bool{"slow.cif": true},
		gate:   make(chan struct{}),
	}
	rig := newTestRig(t, 2, types.ModeMultiFiles, loader)
	rig.coord.push("slow.cif")

	require.NoError(t, rig.ctrl.Start(context.Background()))
	assert.ErrorIs(t, rig.ctrl.Start(context.Background()), ErrAlreadyStarted)
	require.Eventually(t, func() bool { return rig.pool.BusyCount() == 1 }, 5*time.Second, 10*time.Millisecond)

	rig.ctrl.Stop()
	rig.ctrl.Stop()

	assert.Equal(t, 0, rig.pool.LiveCount())
	rig.coord.mu.Lock()
	assert.True(t, rig.coord.deregistered)
	rig.coord.mu.Unlock()
	assert.Empty(t, rig.coord.reported(), "in-flight work is not drained")
}

func TestRunStopsOnCancel(t *testing.T) {
	rig := newTestRig(t, 1, types.ModeMultiFiles, &gateLoader{})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- rig.ctrl.Run(ctx) }()

	require.Eventually(t, func() bool { return rig.pool.ReadyCount() == 1 }, 5*time.Second, 10*time.Millisecond)
	cancel()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
	assert.Equal(t, 0, rig.pool.LiveCount())
}
