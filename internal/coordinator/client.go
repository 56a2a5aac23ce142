// Package coordinator talks to the remote structure manager that allocates
// filenames, receives results and tracks the global minimum distance.
package coordinator

import (
	"context"
	"errors"
	"time"

	"github.com/ChuLiYu/mindist/pkg/types"
)

var (
	// ErrNotRegistered means the coordinator rejected the access token. The
	// caller registers again before its next fetch.
	ErrNotRegistered = errors.New("processor not registered")
	// ErrTransient wraps network and availability failures; the call can be
	// retried on the next tick.
	ErrTransient = errors.New("coordinator unavailable")
	// ErrRejected means the coordinator answered but refused the request.
	ErrRejected = errors.New("coordinator rejected request")
)

// DefaultTimeout bounds every coordinator call.
const DefaultTimeout = 60 * time.Second

// Allocation is the answer to a fetch: zero or more filenames plus the
// processing mode the coordinator wants this processor to run in.
type Allocation struct {
	Filenames []string
	Mode      types.Mode // ModeUndefined when the coordinator has no preference
}

// Result is one finished structure.
type Result struct {
	Filename       string
	MinDistance    float64
	Empty          bool // no comparison was possible; sent as null
	ProcessingTime time.Duration
}

// Ack is the coordinator's answer to a result.
type Ack struct {
	Success          bool
	IsNewMinDistance bool
}

// Client is the narrow interface the scheduler uses.
type Client interface {
	Register(ctx context.Context) error
	FetchStructures(ctx context.Context, count int, mode types.Mode) (Allocation, error)
	ReportResult(ctx context.Context, res Result) (Ack, error)
	Heartbeat(ctx context.Context, filenames []string) error
	Deregister(ctx context.Context) error
}

func resultValue(res Result) any {
	if res.Empty {
		return nil
	}
	return res.MinDistance
}

func acceptMode(m types.Mode) types.Mode {
	if m == types.ModeSingleFile || m == types.ModeMultiFiles {
		return m
	}
	return types.ModeUndefined
}
