// ============================================================================
// mindist Metrics - Prometheus instrumentation
// ============================================================================
//
// Package: internal/metrics
// File: metrics.go
// Function: collect processor activity and expose it for Prometheus scraping
//
// Metric groups:
//
//   1. Counters:
//      - mindist_structures_fetched_total: filenames allocated by the coordinator
//      - mindist_structures_completed_total: results reported back
//      - mindist_structures_failed_total: structures discarded after a failure
//      - mindist_chunks_dispatched_total: ranges or files sent to a worker
//      - mindist_chunk_failures_total: failure results from workers
//      - mindist_worker_crashes_total: worker exits observed by the pool
//      - mindist_worker_revivals_total: replacement workers launched
//      - mindist_fetch_errors_total: failed coordinator calls
//
//   2. Histogram:
//      - mindist_structure_processing_seconds: end-to-end time per structure
//
//   3. Gauges:
//      - mindist_workers_busy / mindist_workers_ready
//      - mindist_last_min_distance: last value reported to the coordinator
//
// Every Record* method is safe on a nil *Collector so callers may run
// without metrics.
//
// Useful queries:
//
//   # structures per minute
//   rate(mindist_structures_completed_total[1m])
//
//   # worker instability
//   rate(mindist_worker_crashes_total[5m])
//
// ============================================================================

package metrics

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Collector holds the processor's Prometheus metrics.
type Collector struct {
	structuresFetched   prometheus.Counter
	structuresCompleted prometheus.Counter
	structuresFailed    prometheus.Counter
	chunksDispatched    prometheus.Counter
	chunkFailures       prometheus.Counter
	workerCrashes       prometheus.Counter
	workerRevivals      prometheus.Counter
	fetchErrors         prometheus.Counter

	processingTime prometheus.Histogram

	workersBusy     prometheus.Gauge
	workersReady    prometheus.Gauge
	lastMinDistance prometheus.Gauge

	gatherer prometheus.Gatherer
}

// NewCollector creates a collector registered on the default registry.
func NewCollector() *Collector {
	return NewCollectorWith(prometheus.DefaultRegisterer)
}

// NewCollectorWith creates a collector registered on reg. It panics when the
// metrics are already registered there.
func NewCollectorWith(reg prometheus.Registerer) *Collector {
	c := &Collector{
		structuresFetched: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "mindist_structures_fetched_total",
			Help: "Total number of structure filenames allocated by the coordinator",
		}),
		structuresCompleted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "mindist_structures_completed_total",
			Help: "Total number of structure results reported",
		}),
		structuresFailed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "mindist_structures_failed_total",
			Help: "Total number of structures discarded after a failure",
		}),
		chunksDispatched: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "mindist_chunks_dispatched_total",
			Help: "Total number of chunks or files dispatched to workers",
		}),
		chunkFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "mindist_chunk_failures_total",
			Help: "Total number of failure results returned by workers",
		}),
		workerCrashes: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "mindist_worker_crashes_total",
			Help: "Total number of worker process exits",
		}),
		workerRevivals: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "mindist_worker_revivals_total",
			Help: "Total number of replacement workers launched",
		}),
		fetchErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "mindist_fetch_errors_total",
			Help: "Total number of failed coordinator calls",
		}),
		processingTime: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "mindist_structure_processing_seconds",
			Help:    "Time from dispatch to result per structure",
			Buckets: prometheus.ExponentialBuckets(0.05, 2, 14),
		}),
		workersBusy: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "mindist_workers_busy",
			Help: "Current number of busy workers",
		}),
		workersReady: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "mindist_workers_ready",
			Help: "Current number of ready workers",
		}),
		lastMinDistance: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "mindist_last_min_distance",
			Help: "Last minimum distance reported to the coordinator",
		}),
	}

	reg.MustRegister(
		c.structuresFetched,
		c.structuresCompleted,
		c.structuresFailed,
		c.chunksDispatched,
		c.chunkFailures,
		c.workerCrashes,
		c.workerRevivals,
		c.fetchErrors,
		c.processingTime,
		c.workersBusy,
		c.workersReady,
		c.lastMinDistance,
	)

	if g, ok := reg.(prometheus.Gatherer); ok {
		c.gatherer = g
	} else {
		c.gatherer = prometheus.DefaultGatherer
	}

	return c
}

// RecordFetched counts filenames allocated by the coordinator.
func (c *Collector) RecordFetched(n int) {
	if c == nil || n <= 0 {
		return
	}
	c.structuresFetched.Add(float64(n))
}

// RecordCompleted counts a reported structure and its processing time.
func (c *Collector) RecordCompleted(d time.Duration, minDist float64) {
	if c == nil {
		return
	}
	c.structuresCompleted.Inc()
	c.processingTime.Observe(d.Seconds())
	c.lastMinDistance.Set(minDist)
}

// RecordStructureFailed counts a structure discarded after a failure.
func (c *Collector) RecordStructureFailed() {
	if c == nil {
		return
	}
	c.structuresFailed.Inc()
}

// RecordDispatch counts a chunk or file sent to a worker.
func (c *Collector) RecordDispatch() {
	if c == nil {
		return
	}
	c.chunksDispatched.Inc()
}

// RecordChunkFailure counts a failure result.
func (c *Collector) RecordChunkFailure() {
	if c == nil {
		return
	}
	c.chunkFailures.Inc()
}

// RecordCrash counts a worker exit.
func (c *Collector) RecordCrash() {
	if c == nil {
		return
	}
	c.workerCrashes.Inc()
}

// RecordRevival counts a replacement worker.
func (c *Collector) RecordRevival() {
	if c == nil {
		return
	}
	c.workerRevivals.Inc()
}

// RecordFetchError counts a failed coordinator call.
func (c *Collector) RecordFetchError() {
	if c == nil {
		return
	}
	c.fetchErrors.Inc()
}

// UpdateWorkerStats sets the busy and ready gauges.
func (c *Collector) UpdateWorkerStats(busy, ready int) {
	if c == nil {
		return
	}
	c.workersBusy.Set(float64(busy))
	c.workersReady.Set(float64(ready))
}

// Handler returns the scrape handler for this collector's registry.
func (c *Collector) Handler() http.Handler {
	if c == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(c.gatherer, promhttp.HandlerOpts{})
}

// Serve exposes /metrics on port until ctx is cancelled.
func (c *Collector) Serve(ctx context.Context, port int) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", c.Handler())

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", port),
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe() }()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return err
		}
		if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	}
}
