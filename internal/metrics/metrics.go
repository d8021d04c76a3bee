// ============================================================================
// Tasklets Metrics — Sample Ring Buffer, System Sampler & Prometheus Export
// ============================================================================
//
// Package: internal/metrics
// File: metrics.go
// Purpose: Collect MetricsSample observations into a bounded ring buffer for
// the AdaptiveController, sample host CPU/memory via gopsutil, and expose a
// Prometheus Collector over the same domain counters.
//
// Monitoring Philosophy:
//   Based on RED (Rate, Errors, Duration) and USE (Utilization, Saturation,
//   Errors): counters for volume (jobs submitted/completed/failed/cancelled),
//   histograms for latency (execution time, queue wait), gauges for
//   instantaneous state (worker count, queue depth, active jobs).
//
// The host-sampling side is split into two pieces so each is independently
// testable: SystemSampler (the gopsutil-backed producer of one CPU/memory
// observation) and RingBuffer (the bounded history the AdaptiveController
// classifies over).
//
// ============================================================================

package metrics

import (
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/mem"

	"github.com/tasklets-go/tasklets/pkg/types"
)

const defaultRingCapacity = 256

// RingBuffer is a bounded, single-writer/multi-reader history of
// MetricsSample observations. Oldest entries are evicted on overflow, per
// the data model's ring-buffer lifecycle.
type RingBuffer struct {
	mu       sync.RWMutex
	samples  []types.MetricsSample
	capacity int
	lastTS   int64
}

// NewRingBuffer creates a ring buffer with the given capacity (default 256
// if capacity <= 0).
func NewRingBuffer(capacity int) *RingBuffer {
	if capacity <= 0 {
		capacity = defaultRingCapacity
	}
	return &RingBuffer{capacity: capacity}
}

// Append adds a sample, evicting the oldest entry once at capacity.
// Timestamps must strictly increase within a single collector; a
// non-increasing timestamp is bumped by 1ns so the invariant holds even if
// the caller's clock source has coarse resolution.
func (r *RingBuffer) Append(s types.MetricsSample) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if s.TimestampNanos <= r.lastTS {
		s.TimestampNanos = r.lastTS + 1
	}
	r.lastTS = s.TimestampNanos

	r.samples = append(r.samples, s)
	if len(r.samples) > r.capacity {
		r.samples = r.samples[len(r.samples)-r.capacity:]
	}
}

// Recent returns a copy of up to the last n samples, oldest first.
func (r *RingBuffer) Recent(n int) []types.MetricsSample {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if n <= 0 || n > len(r.samples) {
		n = len(r.samples)
	}
	start := len(r.samples) - n
	out := make([]types.MetricsSample, n)
	copy(out, r.samples[start:])
	return out
}

// All returns a copy of the full history (get_metrics_history).
func (r *RingBuffer) All() []types.MetricsSample {
	return r.Recent(0)
}

// Len reports the number of samples currently retained.
func (r *RingBuffer) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.samples)
}

// SystemSampler abstracts host CPU/memory percentage lookups so the
// controller's tests can substitute a deterministic source instead of the
// real gopsutil-backed one.
type SystemSampler interface {
	CPUPercent() (float64, error)
	MemoryPercent() (float64, error)
}

// gopsutilSystemSampler is the production SystemSampler.
type gopsutilSystemSampler struct{}

// NewSystemSampler returns the gopsutil-backed SystemSampler used in
// production.
func NewSystemSampler() SystemSampler { return gopsutilSystemSampler{} }

func (gopsutilSystemSampler) CPUPercent() (float64, error) {
	percents, err := cpu.Percent(0, false)
	if err != nil {
		return 0, err
	}
	if len(percents) == 0 {
		return 0, fmt.Errorf("metrics: cpu.Percent returned no samples")
	}
	return percents[0], nil
}

func (gopsutilSystemSampler) MemoryPercent() (float64, error) {
	vm, err := mem.VirtualMemory()
	if err != nil {
		return 0, err
	}
	return vm.UsedPercent, nil
}

// Collector exposes the Tasklets domain counters to Prometheus: job
// submission/completion/failure/cancellation volume, execution and
// queue-wait latency, and the live pool gauges.
type Collector struct {
	jobsSubmitted prometheus.Counter
	jobsCompleted prometheus.Counter
	jobsFailed    prometheus.Counter
	jobsCancelled prometheus.Counter

	jobLatency prometheus.Histogram
	queueWait  prometheus.Histogram

	workerCount prometheus.Gauge
	queueDepth  prometheus.Gauge
	activeJobs  prometheus.Gauge

	mu sync.Mutex
}

// NewCollector creates and registers a Tasklets metrics collector against
// the default Prometheus registerer.
func NewCollector() *Collector {
	c := &Collector{
		jobsSubmitted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "tasklets_jobs_submitted_total",
			Help: "Total number of jobs submitted to the pool",
		}),
		jobsCompleted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "tasklets_jobs_completed_total",
			Help: "Total number of jobs that completed successfully",
		}),
		jobsFailed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "tasklets_jobs_failed_total",
			Help: "Total number of jobs that failed (error or timeout)",
		}),
		jobsCancelled: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "tasklets_jobs_cancelled_total",
			Help: "Total number of jobs cancelled while pending",
		}),
		jobLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "tasklets_job_execution_seconds",
			Help:    "Job execution duration in seconds",
			Buckets: prometheus.DefBuckets,
		}),
		queueWait: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "tasklets_job_queue_wait_seconds",
			Help:    "Time a job spent queued before it started running",
			Buckets: prometheus.DefBuckets,
		}),
		workerCount: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "tasklets_worker_count",
			Help: "Current number of worker goroutines",
		}),
		queueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "tasklets_queue_depth",
			Help: "Current number of jobs waiting to be dequeued",
		}),
		activeJobs: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "tasklets_active_jobs",
			Help: "Current number of jobs being executed",
		}),
	}

	prometheus.MustRegister(
		c.jobsSubmitted,
		c.jobsCompleted,
		c.jobsFailed,
		c.jobsCancelled,
		c.jobLatency,
		c.queueWait,
		c.workerCount,
		c.queueDepth,
		c.activeJobs,
	)

	return c
}

// RecordSubmitted records a job submission.
func (c *Collector) RecordSubmitted() {
	c.jobsSubmitted.Inc()
}

// RecordCompleted records a successful completion with its execution and
// queue-wait durations.
func (c *Collector) RecordCompleted(execution, queueWait time.Duration) {
	c.jobsCompleted.Inc()
	c.jobLatency.Observe(execution.Seconds())
	c.queueWait.Observe(queueWait.Seconds())
}

// RecordFailed records a job that failed (error or timeout) with its
// execution and queue-wait durations.
func (c *Collector) RecordFailed(execution, queueWait time.Duration) {
	c.jobsFailed.Inc()
	c.jobLatency.Observe(execution.Seconds())
	c.queueWait.Observe(queueWait.Seconds())
}

// RecordCancelled records a job cancelled while still pending.
func (c *Collector) RecordCancelled() {
	c.jobsCancelled.Inc()
}

// UpdatePoolStats sets the instantaneous gauges from a pool stats snapshot.
func (c *Collector) UpdatePoolStats(workers, queueDepth, active int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.workerCount.Set(float64(workers))
	c.queueDepth.Set(float64(queueDepth))
	c.activeJobs.Set(float64(active))
}

// StartServer starts a Prometheus /metrics HTTP server on port. Blocks
// until the server exits; callers typically invoke it in its own
// goroutine.
func StartServer(port int) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	addr := fmt.Sprintf(":%d", port)
	return http.ListenAndServe(addr, mux)
}
