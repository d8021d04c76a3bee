// ============================================================================
// Tasklets Runtime — Facade (component E)
// ============================================================================
//
// File: runtime.go
// Purpose: composes the ThreadPool, MemoryManager and AdaptiveController
// behind the unified Run/RunAll/Batch/Retry surface plus the low-level
// spawn/join/introspection operations.
//
// Construction is dependency-injected in build order: the memory manager is
// built first and handed to the pool, and the pool's notifier is wired to
// the controller only after both exist. One Runtime per embedder; a lazily
// initialized process-wide default is layered on top in tasklets.go, not an
// implicit cross-component singleton.
//
// ============================================================================

package tasklets

import (
	"context"
	"log/slog"
	"runtime"
	"sync"
	"time"

	"github.com/tasklets-go/tasklets/internal/controller"
	"github.com/tasklets-go/tasklets/internal/descriptor"
	"github.com/tasklets-go/tasklets/internal/memory"
	"github.com/tasklets-go/tasklets/internal/metrics"
	"github.com/tasklets-go/tasklets/internal/pool"
	"github.com/tasklets-go/tasklets/pkg/types"
)

// runtimeNotifier fans out the pool's single Notifier seam to both the
// AdaptiveController (which classifies workload from job metrics) and the
// Prometheus collector (which exposes the same completions as counters),
// since pool.ThreadPool only holds one Notifier reference.
type runtimeNotifier struct {
	ctrl      *controller.Controller
	collector *metrics.Collector
}

func (n *runtimeNotifier) RecordJobMetrics(desc *descriptor.JobDescriptor) {
	n.ctrl.RecordJobMetrics(desc)

	status := desc.Status()
	if !status.Terminal() {
		return
	}
	execution := desc.ExecutionDuration()
	queueWait := desc.QueueWait()
	switch status {
	case types.StatusCompleted:
		n.collector.RecordCompleted(execution, queueWait)
	case types.StatusFailed:
		n.collector.RecordFailed(execution, queueWait)
	case types.StatusCancelled:
		n.collector.RecordCancelled()
	}
}

var log = slog.Default().With("component", "runtime")

// Health reports at-a-glance runtime status for get_health.
type Health struct {
	Healthy bool
	Reasons []string
}

// SystemInfo answers get_system_info: static host facts plus the live
// snapshot a caller would otherwise have to assemble from GetStats and
// GetMemoryStats themselves.
type SystemInfo struct {
	HostCPUCount int
	Pool         pool.Stats
	Memory       memory.MemStats
}

// Options mirrors descriptor.Options for submit/spawn; re-exported so
// callers never need to import internal/descriptor or internal/pool
// directly.
type Options = pool.Options

// Runtime is the composed core: one MemoryManager, one ThreadPool, one
// AdaptiveController, wired together behind the facade operations. Safe
// for concurrent use.
type Runtime struct {
	cfg Config

	mem        *memory.Manager
	pool       *pool.ThreadPool
	controller *controller.Controller
	collector  *metrics.Collector

	shutdownOnce sync.Once
	shutdownCh   chan struct{}

	idleStopCh chan struct{}
	idleWG     sync.WaitGroup
}

// New constructs a Runtime from cfg but does not start it; call Start.
func New(cfg Config) (*Runtime, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	cfg.applyWorkloadDefaults()
	if cfg.Logging != "" {
		slog.SetLogLoggerLevel(cfg.Logging.slogLevel())
	}

	hostCPU := runtime.NumCPU()

	memMgr := memory.NewManager(0, 0)
	memMgr.SetThresholds(75.0, float64(cfg.MaxMemoryPercent))

	p := pool.New(memMgr)

	ctrl := controller.New(controller.Config{
		Strategy:     cfg.Strategy,
		HostCPUCount: hostCPU,
	})

	collector := metrics.NewCollector()
	p.SetNotifier(&runtimeNotifier{ctrl: ctrl, collector: collector})

	rt := &Runtime{
		cfg:        cfg,
		mem:        memMgr,
		pool:       p,
		controller: ctrl,
		collector:  collector,
		shutdownCh: make(chan struct{}),
		idleStopCh: make(chan struct{}),
	}

	if cfg.Adaptive {
		ctrl.RegisterAdjustmentCallback(rt.applyRecommendation)
	}

	return rt, nil
}

// Start launches the worker pool, the memory manager's cleanup cadence, and
// (if cfg.Adaptive) the controller's analysis cadence.
func (r *Runtime) Start() error {
	workers := r.cfg.Workers.Resolve(runtime.NumCPU())
	if workers < r.cfg.MinWorkers {
		workers = r.cfg.MinWorkers
	}
	if err := r.pool.Start(workers); err != nil {
		return err
	}
	r.mem.Start()
	if r.cfg.Adaptive {
		r.controller.Start()
	}
	if r.cfg.IdleTimeoutMs > 0 {
		r.idleWG.Add(1)
		go r.idleShrinkLoop()
	}
	log.Info("runtime started", "workers", workers, "adaptive", r.cfg.Adaptive)
	return nil
}

// idleShrinkLoop shrinks the pool toward MinWorkers at each idle_timeout_ms
// tick that finds it idle (no active jobs, empty queue). Idleness is checked
// only at the tick, not over the whole interval before it.
// Independent of the AdaptiveController, matching a conventional
// executor's core/max-thread idle policy rather than workload
// classification.
func (r *Runtime) idleShrinkLoop() {
	defer r.idleWG.Done()
	ticker := time.NewTicker(time.Duration(r.cfg.IdleTimeoutMs) * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-r.idleStopCh:
			return
		case <-ticker.C:
			minWorkers := r.cfg.MinWorkers
			if minWorkers < 1 {
				minWorkers = 1
			}
			stats := r.pool.GetStats()
			if stats.ActiveJobs == 0 && stats.QueueDepth == 0 && stats.WorkerThreads > minWorkers {
				if err := r.pool.SetWorkerCount(minWorkers); err != nil {
					log.Warn("idle shrink failed", "error", err)
				}
			}
		}
	}
}

// applyRecommendation is the controller's adjustment callback: it resizes
// the pool and retunes the memory manager's cleanup cadence. It never
// touches timeout/batch/priority fields of the recommendation directly —
// those are read by callers of GetRecommendations (run/batch) rather than
// applied behind their back, since a job already in flight can't retime
// itself.
func (r *Runtime) applyRecommendation(rec types.Recommendation) {
	if rec.ShouldScaleUp || rec.ShouldScaleDown {
		if err := r.pool.SetWorkerCount(rec.RecommendedWorkerCount); err != nil {
			log.Warn("failed to apply recommended worker count", "error", err)
		}
	}
	if rec.ShouldAdjustMemory {
		r.mem.SetCleanupInterval(time.Duration(rec.RecommendedCleanupIntervalMs) * time.Millisecond)
	}
}

// ---- low-level surface ----

// Spawn enqueues work and returns its id immediately. A submission that
// doesn't carry its own timeout inherits the configured default.
func (r *Runtime) Spawn(work types.Work, opts Options) (types.JobID, error) {
	if opts.TimeoutMs == 0 && r.cfg.TimeoutMs > 0 {
		opts.TimeoutMs = r.cfg.TimeoutMs
	}
	r.collector.RecordSubmitted()
	id, err := r.pool.Submit(work, opts)
	if err != nil {
		return 0, err
	}
	r.syncPoolSnapshot()
	return id, nil
}

// SpawnMany submits n jobs built by factory(i) for i in [0,n), returning
// their ids in submission order.
func (r *Runtime) SpawnMany(n int, factory func(i int) types.Work, opts Options) ([]types.JobID, error) {
	ids := make([]types.JobID, 0, n)
	for i := 0; i < n; i++ {
		id, err := r.Spawn(factory(i), opts)
		if err != nil {
			return ids, err
		}
		ids = append(ids, id)
	}
	r.controller.RecordBatchPattern(n)
	return ids, nil
}

// Join blocks until id reaches a terminal state.
func (r *Runtime) Join(id types.JobID) (types.Outcome, error) {
	outcome, err := r.pool.Join(id)
	r.syncPoolSnapshot()
	return outcome, err
}

// JoinMany blocks until every id reaches a terminal state, preserving
// input order in the result.
func (r *Runtime) JoinMany(ids []types.JobID) ([]types.Outcome, error) {
	outcomes := make([]types.Outcome, len(ids))
	for i, id := range ids {
		outcome, err := r.Join(id)
		if err != nil {
			return nil, err
		}
		outcomes[i] = outcome
	}
	return outcomes, nil
}

// GetResult returns id's result string, failing if it hasn't completed
// successfully yet.
func (r *Runtime) GetResult(id types.JobID) (string, error) {
	outcome, finished, err := r.pool.TryResult(id)
	if err != nil {
		return "", err
	}
	if !finished {
		return "", types.NewError(types.KindInvalidArgument, "job %d has not finished", id)
	}
	if !outcome.Succeeded() {
		return "", types.NewError(types.KindUserError, "job %d did not complete: %s", id, outcome.Error)
	}
	return outcome.Result, nil
}

// GetError returns id's error text, empty if it succeeded or hasn't
// finished.
func (r *Runtime) GetError(id types.JobID) (string, error) {
	outcome, _, err := r.pool.TryResult(id)
	if err != nil {
		return "", err
	}
	return outcome.Error, nil
}

// HasError reports whether id finished with a non-success outcome.
func (r *Runtime) HasError(id types.JobID) (bool, error) {
	outcome, finished, err := r.pool.TryResult(id)
	if err != nil {
		return false, err
	}
	return finished && !outcome.Succeeded(), nil
}

// GetStatus returns id's current status: Pending, Running, or the terminal
// status once it has finished.
func (r *Runtime) GetStatus(id types.JobID) (types.JobStatus, error) {
	return r.pool.Status(id)
}

// Cancel attempts to cancel a still-Pending job. The cancellation counter
// is recorded by runtimeNotifier.RecordJobMetrics, invoked by the pool
// itself as part of the cancel transition.
func (r *Runtime) Cancel(id types.JobID) bool {
	ok := r.pool.Cancel(id)
	r.syncPoolSnapshot()
	return ok
}

// ---- introspection ----

// GetStats snapshots the pool.
func (r *Runtime) GetStats() pool.Stats {
	return r.pool.GetStats()
}

// GetMemoryStats snapshots the memory manager.
func (r *Runtime) GetMemoryStats() memory.MemStats {
	return r.mem.GetMemoryStats()
}

// GetSystemInfo answers get_system_info.
func (r *Runtime) GetSystemInfo() SystemInfo {
	return SystemInfo{
		HostCPUCount: runtime.NumCPU(),
		Pool:         r.GetStats(),
		Memory:       r.GetMemoryStats(),
	}
}

// GetHealth reports whether the runtime looks usable right now: the memory
// manager isn't gating submissions, and the pool has at least one worker.
func (r *Runtime) GetHealth() Health {
	var reasons []string
	healthy := true

	if !r.mem.CanAllocateMemory() {
		healthy = false
		reasons = append(reasons, "system memory at or above the critical threshold")
	}
	stats := r.GetStats()
	if stats.WorkerThreads == 0 {
		healthy = false
		reasons = append(reasons, "no active workers")
	}
	return Health{Healthy: healthy, Reasons: reasons}
}

// GetRecommendations returns the controller's current snapshot.
func (r *Runtime) GetRecommendations() types.Recommendation {
	return r.controller.GetRecommendations()
}

// GetMetricsHistory returns up to the last n observed samples.
func (r *Runtime) GetMetricsHistory(n int) []types.MetricsSample {
	return r.controller.MetricsHistory(n)
}

// GetDetectedWorkloadPattern is a convenience accessor over
// GetRecommendations().Pattern.
func (r *Runtime) GetDetectedWorkloadPattern() types.WorkloadPattern {
	return r.controller.GetRecommendations().Pattern
}

// ForceCleanup synchronously reaps pending-cleanup tasklets.
func (r *Runtime) ForceCleanup() {
	r.mem.ForceCleanup()
}

// ForceAnalysis runs an immediate controller pass.
func (r *Runtime) ForceAnalysis() types.Recommendation {
	return r.controller.ForceAnalysis()
}

// SetStrategy changes the controller's sensitivity setting.
func (r *Runtime) SetStrategy(s types.Strategy) {
	r.controller.SetStrategy(s)
}

// SetAdaptive toggles whether the controller's recommendations are applied.
func (r *Runtime) SetAdaptive(enabled bool) {
	r.controller.SetEnabled(enabled)
}

// IsAdaptive reports the controller's master switch.
func (r *Runtime) IsAdaptive() bool {
	return r.controller.IsEnabled()
}

// Shutdown begins the two-phase drain and waits up to timeout for it to
// finish. Idempotent: a second call returns immediately once the first has
// completed, and emits a "shutdown" event (logged) only once.
func (r *Runtime) Shutdown(timeout time.Duration) {
	r.shutdownOnce.Do(func() {
		log.Info("shutdown")
		close(r.idleStopCh)
		r.idleWG.Wait()
		r.pool.AwaitShutdown(timeout)
		r.controller.Stop()
		r.mem.Stop()
		close(r.shutdownCh)
	})
	<-r.shutdownCh
}

func (r *Runtime) syncPoolSnapshot() {
	stats := r.pool.GetStats()
	r.controller.RecordPoolSnapshot(stats.WorkerThreads, stats.QueueDepth, stats.ActiveJobs)
	r.collector.UpdatePoolStats(stats.WorkerThreads, stats.QueueDepth, stats.ActiveJobs)
}

// ---- composed facade operations ----

// Run submits one job and blocks for its outcome.
func (r *Runtime) Run(ctx context.Context, work types.Work, opts Options) (types.Outcome, error) {
	id, err := r.Spawn(work, opts)
	if err != nil {
		return types.Outcome{}, err
	}
	return r.pool.JoinContext(ctx, id)
}

// RunAll submits every work item and blocks until all reach a terminal
// state, preserving submission order in the result.
func (r *Runtime) RunAll(works []types.Work, opts Options) ([]types.Outcome, error) {
	ids, err := r.SpawnMany(len(works), func(i int) types.Work { return works[i] }, opts)
	if err != nil {
		return nil, err
	}
	return r.JoinMany(ids)
}

// NamedOutcome pairs a batch item's name with its terminal outcome.
type NamedOutcome struct {
	Name    string
	Outcome types.Outcome
}

// BatchItem is one named unit of work for Batch.
type BatchItem struct {
	Name string
	Work types.Work
}

// ProgressFunc receives (completed, total, name) as each batch item
// finishes. Invoked on the host-loop thread, never on a worker; ordering
// across concurrently completing items is unspecified.
type ProgressFunc func(completed, total int, name string)

// Batch behaves like RunAll but each item carries a name and progress is
// reported as each one completes.
func (r *Runtime) Batch(items []BatchItem, opts Options, progress ProgressFunc) ([]NamedOutcome, error) {
	results := make([]NamedOutcome, len(items))
	ids := make([]types.JobID, len(items))

	var mu sync.Mutex
	completed := 0

	for i, item := range items {
		i, item := i, item
		itemOpts := opts
		userCB := itemOpts.OnComplete
		itemOpts.OnComplete = func(o types.Outcome) {
			mu.Lock()
			completed++
			n := completed
			mu.Unlock()
			if progress != nil {
				progress(n, len(items), item.Name)
			}
			if userCB != nil {
				userCB(o)
			}
		}
		id, err := r.Spawn(item.Work, itemOpts)
		if err != nil {
			return nil, err
		}
		ids[i] = id
	}
	r.controller.RecordBatchPattern(len(items))

	for i, id := range ids {
		outcome, err := r.Join(id)
		if err != nil {
			return nil, err
		}
		results[i] = NamedOutcome{Name: items[i].Name, Outcome: outcome}
	}
	return results, nil
}

// RetryOptions configures Retry's backoff schedule.
type RetryOptions struct {
	Attempts int
	DelayMs  int64
	Backoff  float64
}

// Retry submits work; on failure it waits delay_ms * backoff^(attempt-1)
// before resubmitting, up to Attempts times, giving up with the last error.
func (r *Runtime) Retry(ctx context.Context, work types.Work, opts Options, retry RetryOptions) (types.Outcome, error) {
	if retry.Attempts < 1 {
		retry.Attempts = 1
	}
	if retry.Backoff <= 0 {
		retry.Backoff = 1
	}

	var last types.Outcome
	for attempt := 1; attempt <= retry.Attempts; attempt++ {
		outcome, err := r.Run(ctx, work, opts)
		if err != nil {
			return types.Outcome{}, err
		}
		if outcome.Succeeded() {
			return outcome, nil
		}
		last = outcome
		if attempt == retry.Attempts {
			break
		}
		delay := time.Duration(float64(retry.DelayMs)*pow(retry.Backoff, attempt-1)) * time.Millisecond
		select {
		case <-ctx.Done():
			return last, ctx.Err()
		case <-time.After(delay):
		}
	}
	return last, nil
}

func pow(base float64, exp int) float64 {
	result := 1.0
	for i := 0; i < exp; i++ {
		result *= base
	}
	return result
}
