package jobmanager

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"math"
	"sort"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ChuLiYu/mindist/internal/coordinator"
	"github.com/ChuLiYu/mindist/internal/worker"
	"github.com/ChuLiYu/mindist/pkg/types"
)

// ============================================================================
// Test Helper Functions
// ============================================================================

// fakePool records dispatches synchronously and lets the test deliver
// results slot by slot.
type fakePool struct {
	mu         sync.Mutex
	slots      map[int]*worker.SlotInfo
	dispatched map[int]types.Dispatch
	locks      []bool
	failSlot   int
}

func newFakePool(size int) *fakePool {
	p := &fakePool{slots: make(map[int]*worker.SlotInfo), dispatched: make(map[int]types.Dispatch)}
	for id := 1; id <= size; id++ {
		p.slots[id] = &worker.SlotInfo{ID: id, Ready: true}
	}
	return p
}

func (p *fakePool) Slots() []worker.SlotInfo {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]worker.SlotInfo, 0, len(p.slots))
	for _, s := range p.slots {
		out = append(out, *s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (p *fakePool) Dispatch(slotID int, d types.Dispatch) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if slotID == p.failSlot {
		return worker.ErrSlotUnavailable
	}
	s, ok := p.slots[slotID]
	if !ok || s.Busy || !s.Ready {
		return worker.ErrSlotUnavailable
	}
	s.Busy = true
	s.Filename = d.Filename
	s.Mode = d.Mode
	p.dispatched[slotID] = d
	return nil
}

func (p *fakePool) SetSingleFileLock(locked bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.locks = append(p.locks, locked)
	for _, s := range p.slots {
		s.SingleFileLocked = locked
	}
}

// take returns and forgets the dispatch held by slotID, freeing the slot.
func (p *fakePool) take(t *testing.T, slotID int) types.Dispatch {
	t.Helper()
	p.mu.Lock()
	defer p.mu.Unlock()
	d, ok := p.dispatched[slotID]
	require.True(t, ok, "slot %d holds no dispatch", slotID)
	delete(p.dispatched, slotID)
	p.slots[slotID].Busy = false
	return d
}

func (p *fakePool) inFlight() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.dispatched)
}

func (p *fakePool) locked() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.locks) > 0 && p.locks[len(p.locks)-1]
}

type fakeReporter struct {
	mu      sync.Mutex
	results []coordinator.Result
	err     error
}

func (r *fakeReporter) ReportResult(ctx context.Context, res coordinator.Result) (coordinator.Ack, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.results = append(r.results, res)
	if r.err != nil {
		return coordinator.Ack{}, r.err
	}
	return coordinator.Ack{Success: true}, nil
}

func (r *fakeReporter) all() []coordinator.Result {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]coordinator.Result(nil), r.results...)
}

type mapLoader map[string][]types.Model

func (l mapLoader) Load(ctx context.Context, filename string) ([]types.Model, error) {
	models, ok := l[filename]
	if !ok {
		return nil, errors.New("download failed")
	}
	return models, nil
}

func line(n int, step float64) types.Model {
	m := make(types.Model, n)
	for i := range m {
		m[i] = types.Atom{X: float64(i) * step}
	}
	return m
}

func newTestManager(t *testing.T, mode types.Mode, pool *fakePool, loader worker.StructureLoader) (*Manager, *fakeReporter) {
	t.Helper()
	rep := &fakeReporter{}
	m := NewJobManager(Config{
		Mode:     mode,
		Pool:     pool,
		Loader:   loader,
		Reporter: rep,
		Logger:   slog.New(slog.NewTextHandler(io.Discard, nil)),
	})
	return m, rep
}

func success(slotID int, d types.Dispatch, dist float64) types.Result {
	return types.Result{ChildID: slotID, Filename: d.Filename, MinDistance: &dist, Range: d.Range, Mode: d.Mode}
}

func failure(slotID int, d types.Dispatch) types.Result {
	return types.Result{ChildID: slotID, Filename: d.Filename, Failure: true, Range: d.Range, Mode: d.Mode}
}

// ============================================================================
// Single-file mode
// ============================================================================

func TestSingleFileAggregatesChunks(t *testing.T) {
	pool := newFakePool(2)
	m, rep := newTestManager(t, types.ModeSingleFile, pool, mapLoader{"1abc.cif.gz": {line(4, 1)}})

	require.NoError(t, m.BeginSingle(context.Background(), "1abc.cif.gz"))
	assert.True(t, pool.locked())
	assert.Equal(t, []string{"1abc.cif.gz"}, m.ActiveFilenames())

	first, second := pool.take(t, 1), pool.take(t, 2)
	assert.Equal(t, &types.WorkRange{Start: 0, End: 0}, first.Range)
	assert.Equal(t, &types.WorkRange{Start: 1, End: 2}, second.Range)
	assert.Len(t, first.Coordinates, 4)

	m.HandleResult(success(1, first, 2.0))
	sessions := m.Sessions()
	require.Len(t, sessions, 1)
	assert.Equal(t, 1, sessions[0].Pending)
	assert.Equal(t, 2.0, sessions[0].Min)

	m.HandleResult(success(2, second, 5.0))
	m.Wait()

	results := rep.all()
	require.Len(t, results, 1)
	assert.Equal(t, "1abc.cif.gz", results[0].Filename)
	assert.Equal(t, 2.0, results[0].MinDistance)
	assert.False(t, results[0].Empty)

	assert.Empty(t, m.Sessions(), "session is reset after reporting")
	assert.True(t, m.Quiescent())
	assert.False(t, pool.locked())
}

func TestSingleFileModelsRunInOrder(t *testing.T) {
	pool := newFakePool(2)
	models := []types.Model{line(3, 4), line(1, 1), line(3, 1.5)}
	m, rep := newTestManager(t, types.ModeSingleFile, pool, mapLoader{"multi.pdb": models})

	require.NoError(t, m.BeginSingle(context.Background(), "multi.pdb"))

	// model 0: three atoms split over two slots
	a, b := pool.take(t, 1), pool.take(t, 2)
	m.HandleResult(success(1, a, 4))
	assert.Equal(t, 0, pool.inFlight(), "next model waits for every chunk")
	m.HandleResult(success(2, b, 4))

	// model 1 has a single atom and is skipped; model 2 is dispatched
	a, b = pool.take(t, 1), pool.take(t, 2)
	assert.Equal(t, 1.5, a.Coordinates[1].X)
	m.HandleResult(success(2, b, 1.5))
	m.HandleResult(success(1, a, 1.5))
	m.Wait()

	results := rep.all()
	require.Len(t, results, 1)
	assert.Equal(t, 1.5, results[0].MinDistance)
}

func TestSingleFileChunkFailureReportsNothing(t *testing.T) {
	pool := newFakePool(2)
	m, rep := newTestManager(t, types.ModeSingleFile, pool, mapLoader{"bad.cif": {line(4, 1), line(4, 1)}})

	require.NoError(t, m.BeginSingle(context.Background(), "bad.cif"))
	a, b := pool.take(t, 1), pool.take(t, 2)

	m.HandleResult(failure(1, a))
	assert.True(t, pool.locked(), "slots stay reserved until every chunk reported")
	require.Len(t, m.Sessions(), 1)

	m.HandleResult(success(2, b, 0.5))
	m.Wait()

	assert.Empty(t, rep.all())
	assert.Empty(t, m.Sessions())
	assert.False(t, pool.locked())
	assert.Equal(t, 0, pool.inFlight(), "a failed structure dispatches no further models")
}

func TestSingleFileIgnoresLateResults(t *testing.T) {
	pool := newFakePool(2)
	m, rep := newTestManager(t, types.ModeSingleFile, pool, mapLoader{"x.cif": {line(4, 1)}})

	require.NoError(t, m.BeginSingle(context.Background(), "x.cif"))
	a, b := pool.take(t, 1), pool.take(t, 2)
	m.HandleResult(success(1, a, 3))
	m.HandleResult(success(2, b, 1))
	m.Wait()

	m.HandleResult(success(2, b, 0.1))
	m.HandleResult(failure(1, a))
	m.Wait()

	results := rep.all()
	require.Len(t, results, 1)
	assert.Equal(t, 1.0, results[0].MinDistance)
	assert.Empty(t, m.Sessions())
}

func TestSingleFileNullResultsReportEmpty(t *testing.T) {
	pool := newFakePool(1)
	m, rep := newTestManager(t, types.ModeSingleFile, pool, mapLoader{"e.cif": {line(2, 1)}})

	require.NoError(t, m.BeginSingle(context.Background(), "e.cif"))
	d := pool.take(t, 1)
	m.HandleResult(types.Result{ChildID: 1, Filename: d.Filename, Mode: types.ModeSingleFile})
	m.Wait()

	results := rep.all()
	require.Len(t, results, 1)
	assert.True(t, results[0].Empty)
	assert.True(t, math.IsInf(results[0].MinDistance, 1))
}

func TestSingleFileWithoutComparableAtoms(t *testing.T) {
	pool := newFakePool(2)
	m, rep := newTestManager(t, types.ModeSingleFile, pool, mapLoader{"tiny.cif": {line(1, 1)}})

	require.NoError(t, m.BeginSingle(context.Background(), "tiny.cif"))
	m.Wait()

	assert.Equal(t, 0, pool.inFlight())
	results := rep.all()
	require.Len(t, results, 1)
	assert.True(t, results[0].Empty)
	assert.False(t, pool.locked())
}

func TestSingleFileLoadFailure(t *testing.T) {
	pool := newFakePool(2)
	m, rep := newTestManager(t, types.ModeSingleFile, pool, mapLoader{})

	err := m.BeginSingle(context.Background(), "missing.cif")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "missing.cif")

	m.Wait()
	assert.Empty(t, rep.all())
	assert.True(t, m.Quiescent())
	assert.False(t, pool.locked())
	assert.Equal(t, 0, pool.inFlight())
}

func TestSingleFileDispatchErrorCountsAsFailure(t *testing.T) {
	pool := newFakePool(2)
	pool.failSlot = 2
	m, rep := newTestManager(t, types.ModeSingleFile, pool, mapLoader{"d.cif": {line(4, 1)}})

	require.NoError(t, m.BeginSingle(context.Background(), "d.cif"))
	sessions := m.Sessions()
	require.Len(t, sessions, 1)
	assert.Equal(t, 1, sessions[0].Pending)
	assert.True(t, sessions[0].Failed)

	m.HandleResult(success(1, pool.take(t, 1), 1))
	m.Wait()
	assert.Empty(t, rep.all())
	assert.True(t, m.Quiescent())
}

func TestBeginSingleGuards(t *testing.T) {
	pool := newFakePool(1)
	loader := mapLoader{"a.cif": {line(3, 1)}}

	m, _ := newTestManager(t, types.ModeMultiFiles, pool, loader)
	assert.ErrorIs(t, m.BeginSingle(context.Background(), "a.cif"), ErrWrongMode)

	m, _ = newTestManager(t, types.ModeSingleFile, pool, loader)
	require.NoError(t, m.BeginSingle(context.Background(), "a.cif"))
	assert.ErrorIs(t, m.BeginSingle(context.Background(), "a.cif"), ErrSessionOpen)
}

// ============================================================================
// Multi-file mode
// ============================================================================

func TestMultiFileOneStructurePerSlot(t *testing.T) {
	pool := newFakePool(2)
	m, rep := newTestManager(t, types.ModeMultiFiles, pool, nil)

	got := m.BeginMulti([]string{"a.cif", "b.cif", "c.cif"})
	assert.Equal(t, []string{"a.cif", "b.cif"}, got, "surplus filenames are left to the coordinator")
	assert.Equal(t, []string{"a.cif", "b.cif"}, m.ActiveFilenames())

	a := pool.take(t, 1)
	assert.Nil(t, a.Range)
	assert.Equal(t, types.ModeMultiFiles, a.Mode)

	res := success(1, a, 1.25)
	res.ProcessingTimeMs = ptr(int64(1500))
	m.HandleResult(res)
	m.Wait()

	results := rep.all()
	require.Len(t, results, 1)
	assert.Equal(t, "a.cif", results[0].Filename)
	assert.Equal(t, 1.25, results[0].MinDistance)
	assert.Equal(t, int64(1500), results[0].ProcessingTime.Milliseconds())
	assert.Equal(t, []string{"b.cif"}, m.ActiveFilenames())

	// the freed slot takes new work
	assert.Equal(t, []string{"c.cif"}, m.BeginMulti([]string{"c.cif"}))
}

func TestMultiFileFailureDropsStructure(t *testing.T) {
	pool := newFakePool(1)
	m, rep := newTestManager(t, types.ModeMultiFiles, pool, nil)

	require.Len(t, m.BeginMulti([]string{"a.cif"}), 1)
	d := pool.take(t, 1)
	m.HandleResult(failure(1, d))
	m.HandleResult(success(1, d, 1))
	m.Wait()

	assert.Empty(t, rep.all(), "failed structures are not reported and late results are stale")
	assert.True(t, m.Quiescent())
}

func TestMultiFileSkipsLockedSlots(t *testing.T) {
	pool := newFakePool(2)
	pool.SetSingleFileLock(true)
	m, _ := newTestManager(t, types.ModeMultiFiles, pool, nil)

	assert.Empty(t, m.BeginMulti([]string{"a.cif"}))
}

// ============================================================================
// Mode switching and routing
// ============================================================================

func TestSetMode(t *testing.T) {
	pool := newFakePool(1)
	m, _ := newTestManager(t, types.ModeMultiFiles, pool, nil)

	assert.ErrorIs(t, m.SetMode(types.ModeUndefined), ErrInvalidMode)

	require.Len(t, m.BeginMulti([]string{"a.cif"}), 1)
	assert.ErrorIs(t, m.SetMode(types.ModeSingleFile), ErrNotQuiescent)
	assert.NoError(t, m.SetMode(types.ModeMultiFiles), "same mode is a no-op")

	m.HandleResult(success(1, pool.take(t, 1), 2))
	m.Wait()
	require.NoError(t, m.SetMode(types.ModeSingleFile))
	assert.Equal(t, types.ModeSingleFile, m.Mode())
	assert.Nil(t, m.BeginMulti([]string{"b.cif"}))
}

func TestResultsRoutedByMode(t *testing.T) {
	pool := newFakePool(1)
	m, rep := newTestManager(t, types.ModeMultiFiles, pool, nil)

	require.Len(t, m.BeginMulti([]string{"a.cif"}), 1)
	d := pool.take(t, 1)

	wrong := success(1, d, 1)
	wrong.Mode = types.ModeSingleFile
	m.HandleResult(wrong)
	untagged := success(1, d, 1)
	untagged.Mode = types.ModeUndefined
	m.HandleResult(untagged)
	m.Wait()

	assert.Empty(t, rep.all())
	assert.Equal(t, []string{"a.cif"}, m.ActiveFilenames())
}

func TestReportErrorDoesNotBlock(t *testing.T) {
	pool := newFakePool(1)
	m, rep := newTestManager(t, types.ModeMultiFiles, pool, nil)
	rep.err = coordinator.ErrTransient

	require.Len(t, m.BeginMulti([]string{"a.cif"}), 1)
	m.HandleResult(success(1, pool.take(t, 1), 1))
	m.Wait()

	assert.Len(t, rep.all(), 1)
	assert.True(t, m.Quiescent())
}

func ptr[T any](v T) *T { return &v }
