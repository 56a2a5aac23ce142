package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/ChuLiYu/mindist/internal/coordinator"
	"github.com/ChuLiYu/mindist/internal/jobmanager"
	"github.com/ChuLiYu/mindist/internal/worker"
	"github.com/ChuLiYu/mindist/pkg/types"
)

// staticLoader serves models that are already in memory.
type staticLoader map[string][]types.Model

func (l staticLoader) Load(ctx context.Context, filename string) ([]types.Model, error) {
	models, ok := l[filename]
	if !ok {
		return nil, fmt.Errorf("unknown structure %q", filename)
	}
	return models, nil
}

// resultSink is a Reporter that hands the first result to a channel.
type resultSink chan coordinator.Result

func (s resultSink) ReportResult(ctx context.Context, res coordinator.Result) (coordinator.Ack, error) {
	select {
	case s <- res:
	default:
	}
	return coordinator.Ack{Success: true}, nil
}

// computeWithPool runs the single-file pipeline in-process: every model is
// partitioned over workers local goroutine workers and the chunk minima are
// reduced by the job manager.
func computeWithPool(ctx context.Context, path string, models []types.Model, workers int) (float64, error) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	name := filepath.Base(path)
	sink := make(resultSink, 1)

	var jobs *jobmanager.Manager
	pool := worker.NewPool(worker.PoolConfig{
		Size:         workers,
		RevivalDelay: 100 * time.Millisecond,
		Launcher: &worker.LocalLauncher{NewRunner: func(id int) *worker.Runner {
			return worker.NewRunner(id, nil, logger)
		}},
		Handler: func(res types.Result) { jobs.HandleResult(res) },
		Logger:  logger,
	})
	jobs = jobmanager.NewJobManager(jobmanager.Config{
		Mode:     types.ModeSingleFile,
		Pool:     pool,
		Loader:   staticLoader{name: models},
		Reporter: sink,
		Logger:   logger,
	})

	if err := pool.Start(ctx); err != nil {
		return 0, err
	}
	defer pool.Shutdown()
	if err := pool.WaitReady(ctx, 5*time.Millisecond); err != nil {
		return 0, err
	}

	if err := jobs.BeginSingle(ctx, name); err != nil {
		return 0, err
	}

	ticker := time.NewTicker(20 * time.Millisecond)
	defer ticker.Stop()
	quiet := 0
	for {
		select {
		case res := <-sink:
			return res.MinDistance, nil
		case <-ctx.Done():
			return 0, ctx.Err()
		case <-ticker.C:
		}
		// a failed structure is never reported; give a late report a few ticks
		if !jobs.Quiescent() {
			quiet = 0
			continue
		}
		jobs.Wait()
		if quiet++; quiet > 3 {
			return 0, errors.New("structure failed in a worker")
		}
	}
}
