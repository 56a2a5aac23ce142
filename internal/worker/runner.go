// ============================================================================
// mindist Worker - Distance Execution Unit
// ============================================================================
//
// Package: internal/worker
// File: runner.go
// Function: worker-side loop, runs inside every worker process
//
// How it works:
//   1. Announce readiness with a single "started" envelope
//   2. Read dispatch envelopes from the parent (blocking)
//   3. Execute the dispatch according to its mode
//   4. Write exactly one result envelope per dispatch
//   5. Exit when the parent closes the pipe
//
// Execution by mode:
//   - SINGLE_FILE: coordinates and range arrive with the dispatch, only the
//     range is evaluated
//   - MULTI_FILES: the worker loads the whole structure itself and evaluates
//     every model in full
//
// Errors inside execution (load failures, panics) become failure results;
// only pipe errors end the loop.
//
// ============================================================================

package worker

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math"
	"os"
	"time"

	"github.com/ChuLiYu/mindist/internal/distance"
	"github.com/ChuLiYu/mindist/pkg/types"
)

// StructureLoader returns the models of a structure. Implementations bound
// their own download and extraction time.
type StructureLoader interface {
	Load(ctx context.Context, filename string) ([]types.Model, error)
}

// Runner executes dispatches inside one worker process.
type Runner struct {
	ID     int
	Loader StructureLoader // required for MULTI_FILES dispatches
	Logger *slog.Logger
}

// NewRunner creates a Runner with the given identity.
func NewRunner(id int, loader StructureLoader, logger *slog.Logger) *Runner {
	if logger == nil {
		logger = slog.Default()
	}
	return &Runner{
		ID:     id,
		Loader: loader,
		Logger: logger.With("worker_id", id, "pid", os.Getpid()),
	}
}

// ServeStdio runs the worker loop on the process's own stdin and stdout.
func (r *Runner) ServeStdio(ctx context.Context) error {
	out := bufio.NewWriter(os.Stdout)
	return r.Serve(ctx, os.Stdin, out)
}

// Serve runs the worker loop until in reaches EOF or ctx is cancelled.
func (r *Runner) Serve(ctx context.Context, in io.Reader, out io.Writer) error {
	c := newCodec(in, out)
	if err := c.send(types.StartedEnvelope()); err != nil {
		return err
	}
	r.Logger.Info("Worker started")

	for {
		env, err := c.recv()
		if errors.Is(err, io.EOF) {
			r.Logger.Info("Parent closed the pipe, worker exiting")
			return nil
		}
		if err != nil {
			return fmt.Errorf("worker %d: %w", r.ID, err)
		}
		if err := ctx.Err(); err != nil {
			return err
		}

		if env.Kind != types.KindDispatch || env.Dispatch == nil {
			r.Logger.Info("Received message", "kind", env.Kind)
			continue
		}

		result := r.Execute(ctx, *env.Dispatch)
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := c.send(types.Envelope{Kind: types.KindResult, Result: &result}); err != nil {
			return err
		}
	}
}

// Execute runs one dispatch and always produces a result.
func (r *Runner) Execute(ctx context.Context, d types.Dispatch) (result types.Result) {
	start := time.Now()
	result = types.Result{
		ChildID:  r.ID,
		Filename: d.Filename,
		Range:    d.Range,
		Mode:     d.Mode,
	}

	defer func() {
		if p := recover(); p != nil {
			r.Logger.Error("Panic while processing structure", "filename", d.Filename, "panic", p)
			result.Failure = true
			result.MinDistance = nil
		}
	}()

	var minDist float64
	switch d.Mode {
	case types.ModeSingleFile:
		if d.Range == nil {
			r.Logger.Error("Chunk dispatch without range", "filename", d.Filename)
			result.Failure = true
			return result
		}
		minDist = distance.MinDistance(d.Coordinates, *d.Range)
		r.Logger.Info("Finished processing structure chunk",
			"filename", d.Filename,
			"range", d.Range.String(),
			"duration", time.Since(start))

	case types.ModeMultiFiles:
		if r.Loader == nil {
			r.Logger.Error("No structure loader configured", "filename", d.Filename)
			result.Failure = true
			return result
		}
		models, err := r.Loader.Load(ctx, d.Filename)
		if err != nil {
			r.Logger.Error("Error processing structure", "filename", d.Filename, "error", err)
			result.Failure = true
			return result
		}
		calcStart := time.Now()
		minDist = distance.StructureMinDistance(models)
		r.Logger.Info("Finished processing structure",
			"filename", d.Filename,
			"models", len(models),
			"min_distance", minDist,
			"calculation", time.Since(calcStart),
			"duration", time.Since(start))

	default:
		r.Logger.Error("Dispatch with unknown mode", "filename", d.Filename, "mode", d.Mode)
		result.Failure = true
		return result
	}

	if !math.IsInf(minDist, 1) {
		result.MinDistance = &minDist
	}
	elapsed := time.Since(start).Milliseconds()
	result.ProcessingTimeMs = &elapsed
	return result
}
