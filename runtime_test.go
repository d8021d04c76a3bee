package tasklets

import (
	"context"
	"errors"
	"math"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tasklets-go/tasklets/pkg/types"
)

// resetRegistry isolates each test's Collector registration: prometheus
// panics on a second MustRegister of the same metric name against the
// process-wide default registerer.
func resetRegistry() {
	prometheus.DefaultRegisterer = prometheus.NewRegistry()
}

func newTestRuntime(t *testing.T) *Runtime {
	t.Helper()
	resetRegistry()
	cfg := DefaultConfig()
	cfg.Workers = WorkerCount{N: 2}
	cfg.Adaptive = false
	rt, err := New(cfg)
	require.NoError(t, err)
	require.NoError(t, rt.Start())
	t.Cleanup(func() { rt.Shutdown(time.Second) })
	return rt
}

func echoWork(s string) types.Work {
	return types.WorkFunc(func(ctx context.Context) (string, error) {
		return s, nil
	})
}

func failingWork(msg string) types.Work {
	return types.WorkFunc(func(ctx context.Context) (string, error) {
		return "", errors.New(msg)
	})
}

func TestRunReturnsOutcome(t *testing.T) {
	rt := newTestRuntime(t)
	outcome, err := rt.Run(context.Background(), echoWork("hi"), Options{})
	require.NoError(t, err)
	assert.True(t, outcome.Succeeded())
	assert.Equal(t, "hi", outcome.Result)
}

func TestSpawnThenJoin(t *testing.T) {
	rt := newTestRuntime(t)
	id, err := rt.Spawn(echoWork("later"), Options{})
	require.NoError(t, err)

	outcome, err := rt.Join(id)
	require.NoError(t, err)
	assert.Equal(t, "later", outcome.Result)
}

func TestGetStatusTransitions(t *testing.T) {
	rt := newTestRuntime(t)
	release := make(chan struct{})
	blocked := types.WorkFunc(func(ctx context.Context) (string, error) {
		<-release
		return "done", nil
	})

	id, err := rt.Spawn(blocked, Options{})
	require.NoError(t, err)

	assert.Eventually(t, func() bool {
		status, err := rt.GetStatus(id)
		return err == nil && status == types.StatusRunning
	}, time.Second, time.Millisecond)

	close(release)
	outcome, err := rt.Join(id)
	require.NoError(t, err)
	assert.Equal(t, types.StatusCompleted, outcome.Status)

	status, err := rt.GetStatus(id)
	require.NoError(t, err)
	assert.Equal(t, types.StatusCompleted, status)
}

func TestGetStatusUnknownID(t *testing.T) {
	rt := newTestRuntime(t)
	_, err := rt.GetStatus(types.JobID(999999))
	assert.ErrorIs(t, err, types.ErrUnknownID)
}

func TestGetResultOnFailedJobReturnsError(t *testing.T) {
	rt := newTestRuntime(t)
	outcome, err := rt.Run(context.Background(), failingWork("boom"), Options{})
	require.NoError(t, err)
	assert.False(t, outcome.Succeeded())

	_, err = rt.GetResult(outcome.JobID)
	assert.Error(t, err)
}

func TestHasErrorReflectsOutcome(t *testing.T) {
	rt := newTestRuntime(t)
	id, err := rt.Spawn(failingWork("nope"), Options{})
	require.NoError(t, err)

	_, err = rt.Join(id)
	require.NoError(t, err)

	hasErr, err := rt.HasError(id)
	require.NoError(t, err)
	assert.True(t, hasErr)
}

func TestCancelPendingJob(t *testing.T) {
	rt := newTestRuntime(t)

	block := make(chan struct{})
	occupy := types.WorkFunc(func(ctx context.Context) (string, error) {
		<-block
		return "occupied", nil
	})
	// Saturate both workers so the next submission stays Pending.
	_, err := rt.Spawn(occupy, Options{})
	require.NoError(t, err)
	_, err = rt.Spawn(occupy, Options{})
	require.NoError(t, err)

	id, err := rt.Spawn(echoWork("never runs"), Options{})
	require.NoError(t, err)

	ok := rt.Cancel(id)
	assert.True(t, ok)

	outcome, err := rt.Join(id)
	require.NoError(t, err)
	assert.Equal(t, types.StatusCancelled, outcome.Status)

	close(block)
}

func TestRunAllPreservesOrder(t *testing.T) {
	rt := newTestRuntime(t)
	works := []types.Work{echoWork("a"), echoWork("b"), echoWork("c")}

	outcomes, err := rt.RunAll(works, Options{})
	require.NoError(t, err)
	require.Len(t, outcomes, 3)
	assert.Equal(t, "a", outcomes[0].Result)
	assert.Equal(t, "b", outcomes[1].Result)
	assert.Equal(t, "c", outcomes[2].Result)
}

func TestRunAllParallelComputeProducesIdenticalResults(t *testing.T) {
	rt := newTestRuntime(t)

	sumWork := types.WorkFunc(func(ctx context.Context) (string, error) {
		sum := 0.0
		for i := 0; i < 1000; i++ {
			sum += math.Sqrt(float64(i))
		}
		return strconv.FormatFloat(sum, 'f', 6, 64), nil
	})

	works := make([]types.Work, 100)
	for i := range works {
		works[i] = sumWork
	}

	outcomes, err := rt.RunAll(works, Options{})
	require.NoError(t, err)
	require.Len(t, outcomes, 100)
	for _, o := range outcomes {
		assert.Equal(t, types.StatusCompleted, o.Status)
		assert.Equal(t, outcomes[0].Result, o.Result)
	}

	stats := rt.GetStats()
	assert.GreaterOrEqual(t, stats.CompletedJobs, 100)
}

func TestBatchReportsProgressAndNames(t *testing.T) {
	rt := newTestRuntime(t)
	items := []BatchItem{
		{Name: "first", Work: echoWork("1")},
		{Name: "second", Work: echoWork("2")},
	}

	// Progress fires on the host-loop goroutine, which may still be draining
	// after Batch returns; count under a lock and wait for both calls.
	var mu sync.Mutex
	var progressCalls int
	results, err := rt.Batch(items, Options{}, func(completed, total int, name string) {
		mu.Lock()
		progressCalls++
		mu.Unlock()
		assert.LessOrEqual(t, completed, total)
	})
	require.NoError(t, err)
	require.Len(t, results, 2)
	assert.Equal(t, "first", results[0].Name)
	assert.Equal(t, "second", results[1].Name)
	assert.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return progressCalls == 2
	}, time.Second, time.Millisecond)
}

func TestRetrySucceedsAfterFailures(t *testing.T) {
	rt := newTestRuntime(t)
	attempts := 0
	flaky := types.WorkFunc(func(ctx context.Context) (string, error) {
		attempts++
		if attempts < 3 {
			return "", errors.New("transient")
		}
		return "finally", nil
	})

	outcome, err := rt.Retry(context.Background(), flaky, Options{}, RetryOptions{
		Attempts: 5,
		DelayMs:  1,
		Backoff:  1,
	})
	require.NoError(t, err)
	assert.True(t, outcome.Succeeded())
	assert.Equal(t, 3, attempts)
}

func TestRetryGivesUpAfterExhaustingAttempts(t *testing.T) {
	rt := newTestRuntime(t)
	outcome, err := rt.Retry(context.Background(), failingWork("always"), Options{}, RetryOptions{
		Attempts: 2,
		DelayMs:  1,
		Backoff:  1,
	})
	require.NoError(t, err)
	assert.False(t, outcome.Succeeded())
}

func TestGetHealthReflectsWorkerCount(t *testing.T) {
	rt := newTestRuntime(t)
	health := rt.GetHealth()
	assert.True(t, health.Healthy)
}

func TestGetSystemInfoReportsHostCPUCount(t *testing.T) {
	rt := newTestRuntime(t)
	info := rt.GetSystemInfo()
	assert.Greater(t, info.HostCPUCount, 0)
}

func TestShutdownIsIdempotent(t *testing.T) {
	resetRegistry()
	cfg := DefaultConfig()
	cfg.Workers = WorkerCount{N: 1}
	cfg.Adaptive = false
	rt, err := New(cfg)
	require.NoError(t, err)
	require.NoError(t, rt.Start())

	assert.NotPanics(t, func() {
		rt.Shutdown(time.Second)
		rt.Shutdown(time.Second)
	})
}

func TestNewRejectsInvalidConfig(t *testing.T) {
	resetRegistry()
	cfg := DefaultConfig()
	cfg.MaxMemoryPercent = 0
	_, err := New(cfg)
	assert.Error(t, err)
}
