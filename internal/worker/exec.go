package worker

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strconv"
	"sync"

	"github.com/ChuLiYu/mindist/pkg/types"
)

// ExecLauncher runs every worker as a child OS process that speaks the
// envelope protocol on its stdin and stdout.
type ExecLauncher struct {
	Path   string    // binary to run; defaults to the current executable
	Args   []string  // arguments before "--id N", e.g. ["worker"]
	Env    []string  // extra environment on top of os.Environ()
	Stderr io.Writer // worker log output; defaults to os.Stderr
}

// Launch implements Launcher.
func (l *ExecLauncher) Launch(ctx context.Context, id int) (Process, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	path := l.Path
	if path == "" {
		self, err := os.Executable()
		if err != nil {
			return nil, fmt.Errorf("resolve executable: %w", err)
		}
		path = self
	}

	args := append(append([]string{}, l.Args...), "--id", strconv.Itoa(id))
	cmd := exec.Command(path, args...)
	cmd.Env = append(append(os.Environ(), l.Env...), "CHILD_ID="+strconv.Itoa(id))
	cmd.Stderr = l.Stderr
	if cmd.Stderr == nil {
		cmd.Stderr = os.Stderr
	}

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("stdout pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start worker %d: %w", id, err)
	}

	return &execProcess{
		cmd:   cmd,
		stdin: stdin,
		codec: newCodec(stdout, stdin),
	}, nil
}

type execProcess struct {
	cmd   *exec.Cmd
	stdin io.WriteCloser
	codec *codec

	killOnce sync.Once
}

func (p *execProcess) Pid() int { return p.cmd.Process.Pid }

func (p *execProcess) Send(env types.Envelope) error { return p.codec.send(env) }

func (p *execProcess) Recv() (types.Envelope, error) { return p.codec.recv() }

func (p *execProcess) Kill() error {
	var err error
	p.killOnce.Do(func() {
		p.stdin.Close()
		err = p.cmd.Process.Kill()
		if errors.Is(err, os.ErrProcessDone) {
			err = nil
		}
	})
	return err
}

func (p *execProcess) Wait() int {
	err := p.cmd.Wait()
	if err == nil {
		return 0
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return exitErr.ExitCode()
	}
	return -1
}
