package worker

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/ChuLiYu/mindist/pkg/types"
)

// maxFrameSize bounds one newline-delimited envelope. Single-file dispatches
// carry a whole model, which reaches tens of megabytes for large structures.
const maxFrameSize = 512 << 20

// Process is one worker execution unit as seen from the pool.
//
// Recv returns io.EOF once the worker closed its side of the pipe. Wait may
// only be called after Recv returned an error; it reports the exit code, or
// -1 when the process was killed.
type Process interface {
	Pid() int
	Send(env types.Envelope) error
	Recv() (types.Envelope, error)
	Kill() error
	Wait() int
}

// Launcher starts worker processes. The id is the stable slot identity,
// reused when a dead worker is revived.
type Launcher interface {
	Launch(ctx context.Context, id int) (Process, error)
}

// codec frames envelopes as newline-delimited JSON.
type codec struct {
	mu  sync.Mutex
	w   io.Writer
	enc *json.Encoder
	sc  *bufio.Scanner
}

func newCodec(r io.Reader, w io.Writer) *codec {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), maxFrameSize)
	return &codec{w: w, enc: json.NewEncoder(w), sc: sc}
}

func (c *codec) send(env types.Envelope) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.enc.Encode(env); err != nil {
		return fmt.Errorf("send %s: %w", env.Kind, err)
	}
	if f, ok := c.w.(interface{ Flush() error }); ok {
		return f.Flush()
	}
	return nil
}

func (c *codec) recv() (types.Envelope, error) {
	for c.sc.Scan() {
		line := c.sc.Bytes()
		if len(line) == 0 {
			continue
		}
		var env types.Envelope
		if err := json.Unmarshal(line, &env); err != nil {
			return types.Envelope{}, fmt.Errorf("decode envelope: %w", err)
		}
		return env, nil
	}
	if err := c.sc.Err(); err != nil {
		if errors.Is(err, io.ErrClosedPipe) {
			return types.Envelope{}, io.EOF
		}
		return types.Envelope{}, err
	}
	return types.Envelope{}, io.EOF
}
