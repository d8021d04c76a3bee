// ============================================================================
// Tasklets — Package-Level Convenience Surface
// ============================================================================
//
// File: tasklets.go
// Purpose: the process-wide default Runtime and the package-level functions
// that delegate to it (Run, RunAll, Batch, Retry, Spawn, ...). Convenience
// layered over an explicit Runtime value, not an implicit cross-component
// singleton — every function below does nothing but call the matching
// method on defaultRuntime().
//
// ============================================================================

package tasklets

import (
	"context"
	"sync"
	"time"

	"github.com/tasklets-go/tasklets/internal/memory"
	"github.com/tasklets-go/tasklets/internal/pool"
	"github.com/tasklets-go/tasklets/pkg/types"
)

var (
	defaultOnce  sync.Once
	defaultRT    *Runtime
	defaultRTErr error
)

// defaultRuntime lazily constructs and starts the process-wide Runtime on
// first use, with DefaultConfig(). Embedders that need a non-default
// configuration should construct their own Runtime via New instead of
// using the package-level functions.
func defaultRuntime() (*Runtime, error) {
	defaultOnce.Do(func() {
		rt, err := New(DefaultConfig())
		if err != nil {
			defaultRTErr = err
			return
		}
		if err := rt.Start(); err != nil {
			defaultRTErr = err
			return
		}
		defaultRT = rt
	})
	return defaultRT, defaultRTErr
}

// Run submits one job on the default Runtime and blocks for its outcome.
func Run(ctx context.Context, work types.Work, opts Options) (types.Outcome, error) {
	rt, err := defaultRuntime()
	if err != nil {
		return types.Outcome{}, err
	}
	return rt.Run(ctx, work, opts)
}

// RunAll submits every work item on the default Runtime and blocks until
// all reach a terminal state.
func RunAll(works []types.Work, opts Options) ([]types.Outcome, error) {
	rt, err := defaultRuntime()
	if err != nil {
		return nil, err
	}
	return rt.RunAll(works, opts)
}

// Batch behaves like RunAll but each item carries a name and reports
// progress as items complete.
func Batch(items []BatchItem, opts Options, progress ProgressFunc) ([]NamedOutcome, error) {
	rt, err := defaultRuntime()
	if err != nil {
		return nil, err
	}
	return rt.Batch(items, opts, progress)
}

// Retry submits work on the default Runtime with the given backoff
// schedule.
func Retry(ctx context.Context, work types.Work, opts Options, retry RetryOptions) (types.Outcome, error) {
	rt, err := defaultRuntime()
	if err != nil {
		return types.Outcome{}, err
	}
	return rt.Retry(ctx, work, opts, retry)
}

// Spawn enqueues work on the default Runtime and returns its id.
func Spawn(work types.Work, opts Options) (types.JobID, error) {
	rt, err := defaultRuntime()
	if err != nil {
		return 0, err
	}
	return rt.Spawn(work, opts)
}

// SpawnMany submits n jobs built by factory on the default Runtime.
func SpawnMany(n int, factory func(i int) types.Work, opts Options) ([]types.JobID, error) {
	rt, err := defaultRuntime()
	if err != nil {
		return nil, err
	}
	return rt.SpawnMany(n, factory, opts)
}

// Join blocks until id reaches a terminal state on the default Runtime.
func Join(id types.JobID) (types.Outcome, error) {
	rt, err := defaultRuntime()
	if err != nil {
		return types.Outcome{}, err
	}
	return rt.Join(id)
}

// JoinMany blocks until every id reaches a terminal state.
func JoinMany(ids []types.JobID) ([]types.Outcome, error) {
	rt, err := defaultRuntime()
	if err != nil {
		return nil, err
	}
	return rt.JoinMany(ids)
}

// GetResult returns id's result string on the default Runtime.
func GetResult(id types.JobID) (string, error) {
	rt, err := defaultRuntime()
	if err != nil {
		return "", err
	}
	return rt.GetResult(id)
}

// GetError returns id's error text on the default Runtime.
func GetError(id types.JobID) (string, error) {
	rt, err := defaultRuntime()
	if err != nil {
		return "", err
	}
	return rt.GetError(id)
}

// HasError reports whether id finished with a non-success outcome.
func HasError(id types.JobID) (bool, error) {
	rt, err := defaultRuntime()
	if err != nil {
		return false, err
	}
	return rt.HasError(id)
}

// GetStatus returns id's current status on the default Runtime.
func GetStatus(id types.JobID) (types.JobStatus, error) {
	rt, err := defaultRuntime()
	if err != nil {
		return "", err
	}
	return rt.GetStatus(id)
}

// Cancel attempts to cancel a still-Pending job on the default Runtime.
func Cancel(id types.JobID) (bool, error) {
	rt, err := defaultRuntime()
	if err != nil {
		return false, err
	}
	return rt.Cancel(id), nil
}

// GetStats snapshots the default Runtime's pool.
func GetStats() (pool.Stats, error) {
	rt, err := defaultRuntime()
	if err != nil {
		return pool.Stats{}, err
	}
	return rt.GetStats(), nil
}

// GetHealth reports the default Runtime's health.
func GetHealth() (Health, error) {
	rt, err := defaultRuntime()
	if err != nil {
		return Health{}, err
	}
	return rt.GetHealth(), nil
}

// GetMemoryStats snapshots the default Runtime's memory manager.
func GetMemoryStats() (memory.MemStats, error) {
	rt, err := defaultRuntime()
	if err != nil {
		return memory.MemStats{}, err
	}
	return rt.GetMemoryStats(), nil
}

// GetSystemInfo answers get_system_info for the default Runtime.
func GetSystemInfo() (SystemInfo, error) {
	rt, err := defaultRuntime()
	if err != nil {
		return SystemInfo{}, err
	}
	return rt.GetSystemInfo(), nil
}

// GetRecommendations returns the default Runtime's current recommendation.
func GetRecommendations() (types.Recommendation, error) {
	rt, err := defaultRuntime()
	if err != nil {
		return types.Recommendation{}, err
	}
	return rt.GetRecommendations(), nil
}

// GetMetricsHistory returns up to the last n samples from the default
// Runtime.
func GetMetricsHistory(n int) ([]types.MetricsSample, error) {
	rt, err := defaultRuntime()
	if err != nil {
		return nil, err
	}
	return rt.GetMetricsHistory(n), nil
}

// GetDetectedWorkloadPattern returns the default Runtime's current
// classification.
func GetDetectedWorkloadPattern() (types.WorkloadPattern, error) {
	rt, err := defaultRuntime()
	if err != nil {
		return "", err
	}
	return rt.GetDetectedWorkloadPattern(), nil
}

// ForceCleanup synchronously reaps pending-cleanup tasklets on the default
// Runtime.
func ForceCleanup() error {
	rt, err := defaultRuntime()
	if err != nil {
		return err
	}
	rt.ForceCleanup()
	return nil
}

// Shutdown begins the two-phase drain on the default Runtime and waits up
// to timeout for it to finish. Idempotent.
func Shutdown(timeout time.Duration) error {
	rt, err := defaultRuntime()
	if err != nil {
		return err
	}
	rt.Shutdown(timeout)
	return nil
}
