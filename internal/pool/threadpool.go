// ============================================================================
// Tasklets ThreadPool — Adaptive Worker Pool Scheduler
// ============================================================================
//
// Package: internal/pool
// File: threadpool.go
// Function: Schedules submitted work across a resizable set of worker
// goroutines, ordered by priority, with pre-dequeue timeout enforcement and
// a two-phase graceful shutdown.
//
// Dispatch runs through a single mutex+cond-guarded priority heap
// (queue.go) rather than a buffered channel: submissions carry a priority
// band, and resizing the worker count at runtime rules out a fixed,
// pre-sized channel. Shutdown drains through a WaitGroup; Submit is guarded
// by a started/stopped flag.
//
// Architecture:
//
//	Submit() --> queue (priority heap, mu+cond) <-- runWorker() x N
//	                                                     |
//	                                              processItem()
//	                                              /            \
//	                                       Work.Execute()   pre-dequeue
//	                                                         timeout/cancel
//	                                                     |
//	                                              finishJob() --> Tasklet.MarkFinished
//	                                                          --> HostSignal.Wake(on_complete)
//
// Concurrency model:
//   - A single mutex guards the queue, the job map and the worker counters.
//     The heap is small and operations on it are O(log n); holding the lock
//     across Push/Pop keeps the implementation simple.
//   - Each JobDescriptor guards its own state transitions (see
//     internal/descriptor), so Cancel and a worker's MarkRunning race safely:
//     exactly one of them wins the Pending -> {Running, Cancelled} transition.
//
// ============================================================================

package pool

import (
	"container/heap"
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/tasklets-go/tasklets/internal/descriptor"
	"github.com/tasklets-go/tasklets/internal/memory"
	"github.com/tasklets-go/tasklets/pkg/types"
)

var log = slog.Default().With("component", "pool")

// Options mirrors descriptor.Options; re-exported so callers outside this
// module tree never need to import internal/descriptor directly.
type Options = descriptor.Options

// Notifier lets the AdaptiveController observe completed jobs without the
// pool importing the controller package.
type Notifier interface {
	RecordJobMetrics(desc *descriptor.JobDescriptor)
}

// Stats snapshots get_stats.
type Stats struct {
	WorkerThreads int
	QueueDepth    int
	ActiveJobs    int
	CompletedJobs int
	FailedJobs    int
	CancelledJobs int
}

type jobEntry struct {
	desc    *descriptor.JobDescriptor
	tasklet *types.Tasklet
}

// ThreadPool is the adaptive worker pool scheduling all submitted work.
type ThreadPool struct {
	mu    sync.Mutex
	cond  *sync.Cond
	queue priorityQueue
	seq   uint64
	jobs  map[types.JobID]*jobEntry

	memMgr   *memory.Manager
	notifier Notifier
	host     HostSignal
	ownsHost bool

	nextID atomic64

	started        bool
	stopping       bool
	stopped        bool
	desiredWorkers int
	activeWorkers  int
	activeJobs     int

	completedCount int
	failedCount    int
	cancelledCount int

	wg sync.WaitGroup
}

// atomic64 is a tiny monotonically increasing counter; job ids don't need
// to survive a restart, only to stay unique within a process lifetime.
type atomic64 struct {
	mu sync.Mutex
	n  uint64
}

func (a *atomic64) next() uint64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.n++
	return a.n
}

// New creates a ThreadPool backed by memMgr for descriptor pooling and
// memory-pressure admission control. Call Start to launch workers.
func New(memMgr *memory.Manager) *ThreadPool {
	p := &ThreadPool{
		jobs:   make(map[types.JobID]*jobEntry),
		memMgr: memMgr,
	}
	p.cond = sync.NewCond(&p.mu)
	host := newDefaultHostLoop()
	p.host = host
	p.ownsHost = true
	if memMgr != nil {
		memMgr.SetOnReap(p.Forget)
	}
	return p
}

// SetNotifier registers the AdaptiveController (or any Notifier) to observe
// completed jobs.
func (p *ThreadPool) SetNotifier(n Notifier) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.notifier = n
}

// SetHostSignal overrides the completion-callback dispatcher. Must be
// called before Start.
func (p *ThreadPool) SetHostSignal(h HostSignal) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.ownsHost {
		if dh, ok := p.host.(*defaultHostLoop); ok {
			dh.Stop()
		}
	}
	p.host = h
	p.ownsHost = false
}

// Start launches workerCount goroutines. Returns an error if already
// started.
func (p *ThreadPool) Start(workerCount int) error {
	p.mu.Lock()
	if p.started {
		p.mu.Unlock()
		return types.NewError(types.KindInternal, "pool already started")
	}
	if workerCount < 1 {
		workerCount = 1
	}
	p.started = true
	p.desiredWorkers = workerCount
	p.activeWorkers = workerCount
	p.mu.Unlock()

	p.wg.Add(workerCount)
	for i := 0; i < workerCount; i++ {
		go p.runWorker()
	}
	return nil
}

// Submit enqueues work for scheduling and returns its id. Fails with
// InvalidArgument for nil work or a negative timeout, MemoryPressure if the
// memory manager is gating admission, or PoolShutdown once shutdown has
// begun.
func (p *ThreadPool) Submit(work types.Work, opts Options) (types.JobID, error) {
	if work == nil {
		return 0, types.NewError(types.KindInvalidArgument, "work must not be nil")
	}
	if opts.TimeoutMs < 0 {
		return 0, types.NewError(types.KindInvalidArgument, "timeout_ms must be >= 0")
	}

	p.mu.Lock()
	if !p.started {
		p.mu.Unlock()
		return 0, types.NewError(types.KindInternal, "pool not started")
	}
	if p.stopping {
		p.mu.Unlock()
		return 0, types.ErrPoolShutdown
	}
	p.mu.Unlock()

	if p.memMgr != nil && !p.memMgr.CanAllocateMemory() {
		return 0, types.ErrMemoryPressure
	}

	id := types.JobID(p.nextID.next())
	desc := p.memMgr.AcquireDescriptor()
	desc.Reset(id, work, opts)
	tasklet := types.NewTasklet(id, work)

	p.mu.Lock()
	p.jobs[id] = &jobEntry{desc: desc, tasklet: tasklet}
	p.seq++
	heap.Push(&p.queue, &queueItem{desc: desc, seq: p.seq})
	p.mu.Unlock()
	p.cond.Broadcast()

	if err := p.memMgr.RegisterTasklet(id, tasklet); err != nil {
		log.Error("tasklet registration failed", "job_id", id, "error", err)
	}
	return id, nil
}

// Join blocks until id reaches a terminal state and returns its outcome.
// Fails with UnknownId if id was never submitted, or has already been
// reaped by the memory manager.
func (p *ThreadPool) Join(id types.JobID) (types.Outcome, error) {
	p.mu.Lock()
	entry, ok := p.jobs[id]
	p.mu.Unlock()
	if !ok {
		return types.Outcome{}, types.ErrUnknownID
	}
	return entry.tasklet.Wait(), nil
}

// JoinContext is Join with cancellation; see types.Tasklet.WaitContext.
func (p *ThreadPool) JoinContext(ctx context.Context, id types.JobID) (types.Outcome, error) {
	p.mu.Lock()
	entry, ok := p.jobs[id]
	p.mu.Unlock()
	if !ok {
		return types.Outcome{}, types.ErrUnknownID
	}
	return entry.tasklet.WaitContext(ctx)
}

// TryResult is the non-blocking counterpart to Join: it reports whether id
// has finished without waiting.
func (p *ThreadPool) TryResult(id types.JobID) (types.Outcome, bool, error) {
	p.mu.Lock()
	entry, ok := p.jobs[id]
	p.mu.Unlock()
	if !ok {
		return types.Outcome{}, false, types.ErrUnknownID
	}
	outcome, finished := entry.tasklet.Outcome()
	return outcome, finished, nil
}

// Status reports id's current JobStatus: Pending/Running while in flight,
// the terminal status once finished. Fails with UnknownId if id was never
// submitted or has already been reaped.
func (p *ThreadPool) Status(id types.JobID) (types.JobStatus, error) {
	p.mu.Lock()
	entry, ok := p.jobs[id]
	p.mu.Unlock()
	if !ok {
		return "", types.ErrUnknownID
	}
	if outcome, finished := entry.tasklet.Outcome(); finished {
		return outcome.Status, nil
	}
	if entry.tasklet.Running() {
		return types.StatusRunning, nil
	}
	return types.StatusPending, nil
}

// Cancel transitions a Pending job straight to Cancelled. Returns false if
// id is unknown or the job already left Pending (it's running or already
// terminal) — cancellation never preempts running work.
func (p *ThreadPool) Cancel(id types.JobID) bool {
	p.mu.Lock()
	entry, ok := p.jobs[id]
	p.mu.Unlock()
	if !ok {
		return false
	}

	outcome, ok := entry.desc.TryCancel(id)
	if !ok {
		return false
	}

	// The descriptor stays un-released here: its queue item is still in the
	// heap, and releasing now would let a new submission recycle it while
	// queued. Whoever pops the stale item (runWorker or the shutdown drain)
	// observes the non-Pending state and releases it then.
	p.recordTerminal(types.StatusCancelled)
	onComplete := entry.desc.OnComplete()
	entry.tasklet.MarkFinished(outcome)
	if n := p.notifierSnapshot(); n != nil {
		n.RecordJobMetrics(entry.desc)
	}
	p.memMgr.MarkForCleanup(id)
	if onComplete != nil {
		p.host.Wake(func() { onComplete(outcome) })
	}
	return true
}

// RequestCancel sets the best-effort cooperative cancel flag on a running
// job; the job's own Work.Execute must observe types.Cancellable to react.
func (p *ThreadPool) RequestCancel(id types.JobID) bool {
	p.mu.Lock()
	entry, ok := p.jobs[id]
	p.mu.Unlock()
	if !ok {
		return false
	}
	entry.desc.RequestCancel()
	return true
}

// Forget drops id from the pool's own bookkeeping. The memory manager calls
// this via its reap hook once a finished tasklet is actually swept, so a
// subsequent Join/TryResult/Cancel correctly reports UnknownId.
func (p *ThreadPool) Forget(id types.JobID) {
	p.mu.Lock()
	delete(p.jobs, id)
	p.mu.Unlock()
}

// SetWorkerCount resizes the pool. Growing spawns new workers immediately;
// shrinking signals idle workers to exit once they finish their current
// job, never preempting one mid-execution.
func (p *ThreadPool) SetWorkerCount(n int) error {
	if n < 1 {
		return types.NewError(types.KindInvalidArgument, "worker count must be >= 1")
	}

	p.mu.Lock()
	delta := n - p.activeWorkers
	p.desiredWorkers = n
	if delta > 0 {
		p.activeWorkers += delta
	}
	p.mu.Unlock()

	if delta > 0 {
		p.wg.Add(delta)
		for i := 0; i < delta; i++ {
			go p.runWorker()
		}
	}
	p.cond.Broadcast()
	return nil
}

// GetStats snapshots the pool's counters.
func (p *ThreadPool) GetStats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()
	return Stats{
		WorkerThreads: p.activeWorkers,
		QueueDepth:    len(p.queue),
		ActiveJobs:    p.activeJobs,
		CompletedJobs: p.completedCount,
		FailedJobs:    p.failedCount,
		CancelledJobs: p.cancelledCount,
	}
}

// BeginShutdown stops admitting the pool to new scheduling decisions but
// leaves already-queued work draining. Idempotent.
func (p *ThreadPool) BeginShutdown() {
	p.mu.Lock()
	if p.stopping {
		p.mu.Unlock()
		return
	}
	p.stopping = true
	p.mu.Unlock()
	p.cond.Broadcast()
}

// AwaitShutdown begins shutdown if not already begun, waits up to grace for
// the queue to drain naturally, then fails any still-pending jobs with
// PoolShutdown and waits for every worker to exit. Idempotent: a second call
// after shutdown has completed returns immediately.
func (p *ThreadPool) AwaitShutdown(grace time.Duration) {
	p.mu.Lock()
	if p.stopped {
		p.mu.Unlock()
		return
	}
	p.mu.Unlock()

	p.BeginShutdown()

	deadline := time.Now().Add(grace)
	for {
		p.mu.Lock()
		idle := len(p.queue) == 0 && p.activeJobs == 0
		p.mu.Unlock()
		if idle || time.Now().After(deadline) {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}

	p.mu.Lock()
	remaining := make([]*queueItem, len(p.queue))
	copy(remaining, p.queue)
	p.queue = p.queue[:0]
	p.mu.Unlock()

	for _, item := range remaining {
		if outcome, ok := item.desc.MarkTerminalIfPending(types.ErrPoolShutdown.Error()); ok {
			p.recordTerminal(types.StatusFailed)
			p.finishJob(item.desc, outcome)
		} else {
			// Cancelled while queued; Cancel left the release to us.
			p.memMgr.ReleaseDescriptor(item.desc)
		}
	}

	p.mu.Lock()
	p.desiredWorkers = 0
	p.mu.Unlock()
	p.cond.Broadcast()
	p.wg.Wait()

	if p.ownsHost {
		if dh, ok := p.host.(*defaultHostLoop); ok {
			dh.Stop()
		}
	}

	p.mu.Lock()
	p.stopped = true
	p.mu.Unlock()
}

func (p *ThreadPool) notifierSnapshot() Notifier {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.notifier
}

func (p *ThreadPool) recordTerminal(status types.JobStatus) {
	p.mu.Lock()
	switch status {
	case types.StatusCompleted:
		p.completedCount++
	case types.StatusFailed:
		p.failedCount++
	case types.StatusCancelled:
		p.cancelledCount++
	}
	p.mu.Unlock()
}

// runWorker is the main loop for one worker goroutine: wait for work,
// shrink out if the pool was resized down, otherwise dequeue and execute.
func (p *ThreadPool) runWorker() {
	defer p.wg.Done()
	for {
		p.mu.Lock()
		// The shrink condition participates in the wait guard: an idle
		// worker woken by SetWorkerCount must fall through and exit even
		// though the queue is still empty.
		for len(p.queue) == 0 && !p.stopping && p.activeWorkers <= p.desiredWorkers {
			p.cond.Wait()
		}
		if p.activeWorkers > p.desiredWorkers {
			p.activeWorkers--
			p.mu.Unlock()
			return
		}
		if len(p.queue) == 0 {
			p.activeWorkers--
			p.mu.Unlock()
			return
		}
		item := heap.Pop(&p.queue).(*queueItem)
		p.mu.Unlock()

		p.processItem(item.desc)
	}
}

// processItem executes (or pre-empts) one dequeued descriptor.
func (p *ThreadPool) processItem(desc *descriptor.JobDescriptor) {
	if desc.Status() != types.StatusPending {
		// Lost the race to Cancel between Push and Pop; Cancel already
		// performed the full finish and left the release to us.
		p.memMgr.ReleaseDescriptor(desc)
		return
	}

	if tms := desc.TimeoutMs(); tms > 0 {
		deadline := desc.EnqueueTimeNanos() + tms*int64(time.Millisecond)
		if descriptor.NanosSinceStart() >= deadline {
			if outcome, ok := desc.MarkTerminalIfPending(types.ErrTimeout.Error()); ok {
				p.recordTerminal(types.StatusFailed)
				p.finishJob(desc, outcome)
				return
			}
		}
	}

	if !desc.MarkRunning() {
		// Cancelled in the window between the Pending check and here.
		p.memMgr.ReleaseDescriptor(desc)
		return
	}

	p.mu.Lock()
	p.activeJobs++
	entry := p.jobs[desc.ID()]
	p.mu.Unlock()
	if entry != nil {
		entry.tasklet.MarkRunning()
	}

	ctx := context.Background()
	var cancel context.CancelFunc
	if tms := desc.TimeoutMs(); tms > 0 {
		ctx, cancel = context.WithTimeout(ctx, time.Duration(tms)*time.Millisecond)
	}

	result, err := p.safeExecute(ctx, desc.Work())
	if cancel != nil {
		cancel()
	}

	var outcome types.Outcome
	if err != nil {
		outcome = desc.MarkFailed(err.Error())
		p.recordTerminal(types.StatusFailed)
	} else {
		outcome = desc.MarkCompleted(result)
		p.recordTerminal(types.StatusCompleted)
	}

	p.mu.Lock()
	p.activeJobs--
	p.mu.Unlock()

	p.finishJob(desc, outcome)
}

// safeExecute recovers a panicking Work.Execute into an Internal error
// rather than crashing the worker goroutine.
func (p *ThreadPool) safeExecute(ctx context.Context, work types.Work) (result string, err error) {
	defer func() {
		if r := recover(); r != nil {
			log.Error("job panicked", "panic", r)
			err = types.NewError(types.KindInternal, "panic: %v", r)
		}
	}()
	return work.Execute(ctx)
}

func (p *ThreadPool) finishJob(desc *descriptor.JobDescriptor, outcome types.Outcome) {
	id := desc.ID()
	p.mu.Lock()
	entry := p.jobs[id]
	p.mu.Unlock()

	onComplete := desc.OnComplete()

	if entry != nil {
		entry.tasklet.MarkFinished(outcome)
	}
	if n := p.notifierSnapshot(); n != nil {
		n.RecordJobMetrics(desc)
	}

	p.memMgr.ReleaseDescriptor(desc)

	// The tasklet stays reachable for late Join/TryResult callers until the
	// memory manager's next cleanup pass reaps it; the reap hook then calls
	// Forget so the id reads as unknown afterwards.
	p.memMgr.MarkForCleanup(id)

	if onComplete != nil {
		p.host.Wake(func() { onComplete(outcome) })
	}
}
