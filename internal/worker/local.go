package worker

import (
	"context"
	"io"
	"sync"

	"github.com/ChuLiYu/mindist/pkg/types"
)

// LocalLauncher runs every worker as a goroutine connected through in-memory
// pipes. It speaks the same envelope protocol as ExecLauncher and is used by
// the single-binary demo and by tests.
type LocalLauncher struct {
	NewRunner func(id int) *Runner
}

// Launch implements Launcher.
func (l *LocalLauncher) Launch(ctx context.Context, id int) (Process, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	toWorkerR, toWorkerW := io.Pipe()
	fromWorkerR, fromWorkerW := io.Pipe()

	runCtx, cancel := context.WithCancel(context.Background())
	p := &localProcess{
		id:     id,
		cancel: cancel,
		stdin:  toWorkerW,
		stdout: fromWorkerR,
		codec:  newCodec(fromWorkerR, toWorkerW),
		done:   make(chan struct{}),
		killed: make(chan struct{}),
	}

	runner := l.NewRunner(id)
	go func() {
		err := runner.Serve(runCtx, toWorkerR, fromWorkerW)
		if err == nil {
			p.exitCode = 0
		} else {
			p.exitCode = 1
		}
		toWorkerR.Close()
		fromWorkerW.Close()
		close(p.done)
	}()

	return p, nil
}

type localProcess struct {
	id     int
	cancel context.CancelFunc
	stdin  *io.PipeWriter
	stdout *io.PipeReader
	codec  *codec

	exitCode int
	done     chan struct{}
	killed   chan struct{}
	killOnce sync.Once
}

// Pid returns the slot id; in-process workers have no OS pid.
func (p *localProcess) Pid() int { return p.id }

func (p *localProcess) Send(env types.Envelope) error { return p.codec.send(env) }

func (p *localProcess) Recv() (types.Envelope, error) { return p.codec.recv() }

func (p *localProcess) Kill() error {
	p.killOnce.Do(func() {
		close(p.killed)
		p.cancel()
		p.stdin.Close()
		p.stdout.Close()
	})
	return nil
}

func (p *localProcess) Wait() int {
	select {
	case <-p.killed:
		return -1
	case <-p.done:
		return p.exitCode
	}
}
