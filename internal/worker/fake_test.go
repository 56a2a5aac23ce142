package worker

import (
	"context"
	"errors"
	"io"
	"sync"
	"time"

	"github.com/ChuLiYu/mindist/pkg/types"
)

// fakeProcess is a scriptable Process: tests push envelopes the pool will
// receive and read the envelopes the pool sent.
type fakeProcess struct {
	id    int
	inbox chan types.Envelope
	sent  chan types.Envelope

	dead     chan struct{}
	dieOnce  sync.Once
	exitCode int
	sendErr  error
}

func newFakeProcess(id int) *fakeProcess {
	return &fakeProcess{
		id:    id,
		inbox: make(chan types.Envelope, 16),
		sent:  make(chan types.Envelope, 16),
		dead:  make(chan struct{}),
	}
}

func (f *fakeProcess) Pid() int { return 1000 + f.id }

func (f *fakeProcess) Send(env types.Envelope) error {
	if f.sendErr != nil {
		return f.sendErr
	}
	select {
	case <-f.dead:
		return io.ErrClosedPipe
	default:
	}
	f.sent <- env
	return nil
}

func (f *fakeProcess) Recv() (types.Envelope, error) {
	select {
	case env := <-f.inbox:
		return env, nil
	default:
	}
	select {
	case env := <-f.inbox:
		return env, nil
	case <-f.dead:
		return types.Envelope{}, io.EOF
	}
}

func (f *fakeProcess) Kill() error {
	f.die(-1)
	return nil
}

func (f *fakeProcess) Wait() int {
	<-f.dead
	return f.exitCode
}

func (f *fakeProcess) die(code int) {
	f.dieOnce.Do(func() {
		f.exitCode = code
		close(f.dead)
	})
}

func (f *fakeProcess) started() {
	f.inbox <- types.StartedEnvelope()
}

func (f *fakeProcess) reply(res types.Result) {
	f.inbox <- types.Envelope{Kind: types.KindResult, Result: &res}
}

func (f *fakeProcess) nextDispatch(timeout time.Duration) (types.Dispatch, error) {
	select {
	case env := <-f.sent:
		if env.Dispatch == nil {
			return types.Dispatch{}, errors.New("not a dispatch")
		}
		return *env.Dispatch, nil
	case <-time.After(timeout):
		return types.Dispatch{}, errors.New("no dispatch received")
	}
}

// fakeLauncher hands out fakeProcesses and remembers every launch.
type fakeLauncher struct {
	mu        sync.Mutex
	procs     map[int][]*fakeProcess
	autoStart bool
	failNext  int
}

func newFakeLauncher(autoStart bool) *fakeLauncher {
	return &fakeLauncher{procs: make(map[int][]*fakeProcess), autoStart: autoStart}
}

func (l *fakeLauncher) Launch(ctx context.Context, id int) (Process, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.failNext > 0 {
		l.failNext--
		return nil, errors.New("launch failed")
	}
	p := newFakeProcess(id)
	if l.autoStart {
		p.started()
	}
	l.procs[id] = append(l.procs[id], p)
	return p, nil
}

// latest returns the most recent process launched for id.
func (l *fakeLauncher) latest(id int) *fakeProcess {
	l.mu.Lock()
	defer l.mu.Unlock()
	ps := l.procs[id]
	if len(ps) == 0 {
		return nil
	}
	return ps[len(ps)-1]
}

func (l *fakeLauncher) launches(id int) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.procs[id])
}

// resultSink collects handler calls.
type resultSink struct {
	mu      sync.Mutex
	results []types.Result
	ch      chan types.Result
}

func newResultSink() *resultSink {
	return &resultSink{ch: make(chan types.Result, 64)}
}

func (s *resultSink) handle(res types.Result) {
	s.mu.Lock()
	s.results = append(s.results, res)
	s.mu.Unlock()
	s.ch <- res
}

func (s *resultSink) all() []types.Result {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]types.Result(nil), s.results...)
}
