// ============================================================================
// Tasklets JobDescriptor — Per-Job State Container
// ============================================================================
//
// Package: internal/descriptor
// File: descriptor.go
// Purpose: The atomic unit of scheduled work, pooled to amortize allocation
//
// State Machine (transitions are one-way):
//
//	Pending ──dequeue──> Running ──success──> Completed
//	   │                        ├──error────> Failed
//	   │                        └─timeout(cooperative, best-effort)
//	   └──cancel──> Cancelled
//
// Concurrency:
//   Each descriptor is guarded by its own mutex. It is written once by the
//   owning worker (MarkRunning/MarkCompleted/MarkFailed) and read by any
//   number of joiners; the mutex gives release/acquire ordering, so a
//   joiner observing a terminal state also observes the final result/error.
//
// ============================================================================

package descriptor

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/tasklets-go/tasklets/pkg/types"
)

// processStart anchors the "nanoseconds since process start" timestamps
// the data model specifies in place of wall-clock time.
var processStart = time.Now()

func nanosSinceStart() int64 {
	return time.Since(processStart).Nanoseconds()
}

// NanosSinceStart exposes the same monotonic clock the descriptor uses for
// its own timestamps, so callers outside the package (the scheduler's
// pre-dequeue timeout check) stay on a single consistent clock.
func NanosSinceStart() int64 {
	return nanosSinceStart()
}

// Options carries the per-submission knobs from Options in ThreadPool.submit.
type Options struct {
	Priority   int
	TimeoutMs  int64
	OnComplete func(types.Outcome)
}

// JobDescriptor is the internal state container for one submission.
type JobDescriptor struct {
	mu sync.Mutex

	id         types.JobID
	generation uint64
	work       types.Work
	onComplete func(types.Outcome)
	priority   int
	timeoutMs  int64

	status JobStatusInternal

	enqueueTimeNanos    int64
	startTimeNanos      int64
	completionTimeNanos int64

	result string
	errMsg string

	cancelFlag atomic.Bool
}

// JobStatusInternal mirrors types.JobStatus but is kept local so the
// descriptor package never needs to import the pool's transition rules.
type JobStatusInternal = types.JobStatus

// New allocates a fresh, zeroed descriptor. Pool.Acquire is the normal
// entry point; New exists so Pool can construct slab entries.
func New() *JobDescriptor {
	return &JobDescriptor{status: types.StatusPending}
}

// Reset reinitializes a (possibly reused) descriptor for a new submission.
// Callers must hold no outstanding references to the previous job.
func (d *JobDescriptor) Reset(id types.JobID, work types.Work, opts Options) {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.id = id
	d.generation++
	d.work = work
	d.onComplete = opts.OnComplete
	d.priority = opts.Priority
	d.timeoutMs = opts.TimeoutMs
	d.status = types.StatusPending
	d.enqueueTimeNanos = nanosSinceStart()
	d.startTimeNanos = 0
	d.completionTimeNanos = 0
	d.result = ""
	d.errMsg = ""
	d.cancelFlag.Store(false)
}

func (d *JobDescriptor) ID() types.JobID {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.id
}

func (d *JobDescriptor) Generation() uint64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.generation
}

func (d *JobDescriptor) Work() types.Work {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.work
}

func (d *JobDescriptor) Priority() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.priority
}

func (d *JobDescriptor) TimeoutMs() int64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.timeoutMs
}

func (d *JobDescriptor) Status() types.JobStatus {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.status
}

func (d *JobDescriptor) EnqueueTimeNanos() int64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.enqueueTimeNanos
}

func (d *JobDescriptor) StartTimeNanos() int64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.startTimeNanos
}

func (d *JobDescriptor) CompletionTimeNanos() int64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.completionTimeNanos
}

// QueueWait returns start-enqueue, or 0 if the job hasn't started.
func (d *JobDescriptor) QueueWait() time.Duration {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.startTimeNanos == 0 {
		return 0
	}
	return time.Duration(d.startTimeNanos - d.enqueueTimeNanos)
}

// ExecutionDuration returns completion-start, or 0 if the job never started
// running or has not finished. A job failed before it ran (pre-dequeue
// timeout, shutdown sweep) or cancelled while Pending reports 0.
func (d *JobDescriptor) ExecutionDuration() time.Duration {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.completionTimeNanos == 0 || d.startTimeNanos == 0 {
		return 0
	}
	return time.Duration(d.completionTimeNanos - d.startTimeNanos)
}

// Total returns completion-enqueue, or 0 if not yet completed.
func (d *JobDescriptor) Total() time.Duration {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.completionTimeNanos == 0 {
		return 0
	}
	return time.Duration(d.completionTimeNanos - d.enqueueTimeNanos)
}

// MarkRunning transitions Pending -> Running and records start_time.
// Returns false if the descriptor was not Pending (e.g. concurrently
// cancelled).
func (d *JobDescriptor) MarkRunning() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.status != types.StatusPending {
		return false
	}
	d.status = types.StatusRunning
	d.startTimeNanos = nanosSinceStart()
	return true
}

// MarkCompleted transitions Running -> Completed and records the result.
func (d *JobDescriptor) MarkCompleted(result string) types.Outcome {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.status = types.StatusCompleted
	d.completionTimeNanos = nanosSinceStart()
	d.result = result
	return d.outcomeLocked()
}

// MarkFailed transitions Running -> Failed and records the error text.
func (d *JobDescriptor) MarkFailed(errMsg string) types.Outcome {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.status = types.StatusFailed
	d.completionTimeNanos = nanosSinceStart()
	d.errMsg = errMsg
	return d.outcomeLocked()
}

// TryCancel transitions Pending -> Cancelled, but only while the descriptor
// still belongs to id. A descriptor can be recycled for a new submission
// while stale references to its previous job linger (the scheduler's job
// map holds one until the id is reaped), so the id check and the state
// transition happen under one lock: cancelling a reaped job can never touch
// the descriptor's new occupant.
func (d *JobDescriptor) TryCancel(id types.JobID) (types.Outcome, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.id != id || d.status != types.StatusPending {
		return types.Outcome{}, false
	}
	d.status = types.StatusCancelled
	d.completionTimeNanos = nanosSinceStart()
	d.errMsg = "cancelled"
	return d.outcomeLocked(), true
}

// MarkTerminalIfPending transitions Pending -> Failed for terminal
// conditions detected before a job ever starts running (a pre-dequeue
// timeout, or a pool shutdown sweeping the remaining queue). Returns false
// if the descriptor was not Pending, leaving whatever state it already
// reached untouched.
func (d *JobDescriptor) MarkTerminalIfPending(errMsg string) (types.Outcome, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.status != types.StatusPending {
		return types.Outcome{}, false
	}
	d.status = types.StatusFailed
	d.completionTimeNanos = nanosSinceStart()
	d.errMsg = errMsg
	return d.outcomeLocked(), true
}

// RequestCancel sets the best-effort cooperative cancel flag observed by
// Cancellable work. It never forces a transition on its own.
func (d *JobDescriptor) RequestCancel() {
	d.cancelFlag.Store(true)
}

// Cancelled reports the best-effort cooperative cancel flag.
func (d *JobDescriptor) Cancelled() bool {
	return d.cancelFlag.Load()
}

// OnComplete returns the registered completion callback, if any.
func (d *JobDescriptor) OnComplete() func(types.Outcome) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.onComplete
}

func (d *JobDescriptor) outcomeLocked() types.Outcome {
	return types.Outcome{
		JobID:  d.id,
		Status: d.status,
		Result: d.result,
		Error:  d.errMsg,
	}
}

// Outcome returns a snapshot outcome regardless of current state; callers
// should check Status.Terminal() before trusting Result/Error.
func (d *JobDescriptor) Outcome() types.Outcome {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.outcomeLocked()
}
