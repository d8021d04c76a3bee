package controller

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tasklets-go/tasklets/internal/descriptor"
	"github.com/tasklets-go/tasklets/pkg/types"
)

type stubSampler struct {
	cpu, mem float64
}

func (s stubSampler) CPUPercent() (float64, error)    { return s.cpu, nil }
func (s stubSampler) MemoryPercent() (float64, error) { return s.mem, nil }

func newTestController(t *testing.T, hostCPU int) *Controller {
	t.Helper()
	c := New(Config{HostCPUCount: hostCPU, WindowSize: 8, AnalysisInterval: 10 * time.Millisecond})
	c.SetSampler(stubSampler{cpu: 10, mem: 10})
	return c
}

// completedDescriptor drives a real JobDescriptor through Pending -> Running
// -> Completed so RecordJobMetrics sees the same shape it would in
// production, without needing a ThreadPool to actually execute work.
func completedDescriptor(t *testing.T, id types.JobID) *descriptor.JobDescriptor {
	t.Helper()
	d := descriptor.New()
	d.Reset(id, nil, descriptor.Options{})
	require.True(t, d.MarkRunning())
	d.MarkCompleted("ok")
	return d
}

func TestNewControllerDefaultsRecommendationValid(t *testing.T) {
	c := newTestController(t, 4)
	rec := c.GetRecommendations()

	assert.GreaterOrEqual(t, rec.RecommendedWorkerCount, 1)
	assert.LessOrEqual(t, rec.RecommendedPoolInitialSize, rec.RecommendedPoolMaxSize)
	assert.GreaterOrEqual(t, rec.OverallConfidence, 0.0)
	assert.LessOrEqual(t, rec.OverallConfidence, 1.0)
}

func TestForceAnalysisOnEmptyHistoryReturnsLowConfidenceDefaults(t *testing.T) {
	c := newTestController(t, 4)

	rec := c.ForceAnalysis()

	assert.GreaterOrEqual(t, rec.RecommendedWorkerCount, 1)
	assert.Less(t, rec.OverallConfidence, confidenceThreshold, "no samples yet: confidence should be low")
	assert.False(t, rec.ShouldScaleUp)
	assert.False(t, rec.ShouldScaleDown)
}

func TestRecordJobMetricsIgnoresNonTerminalDescriptor(t *testing.T) {
	c := newTestController(t, 4)
	d := descriptor.New()
	d.Reset(1, nil, descriptor.Options{})

	c.RecordJobMetrics(d)

	c.mu.Lock()
	n := len(c.jobRecords)
	c.mu.Unlock()
	assert.Equal(t, 0, n, "a Pending descriptor carries no terminal metrics yet")
}

func TestRecordJobMetricsCapturesCompletedJob(t *testing.T) {
	c := newTestController(t, 4)
	d := completedDescriptor(t, 1)

	c.RecordJobMetrics(d)

	c.mu.Lock()
	n := len(c.jobRecords)
	c.mu.Unlock()
	assert.Equal(t, 1, n)
}

func TestClassifyCpuIntensive(t *testing.T) {
	samples := []types.MetricsSample{
		{CPUUtilization: 85, MemoryUsagePercent: 20, AvgExecutionTimeMs: 5},
		{CPUUtilization: 90, MemoryUsagePercent: 25, AvgExecutionTimeMs: 5},
	}
	assert.Equal(t, types.PatternCpuIntensive, classify(samples, 0, 0))
}

func TestClassifyIoIntensive(t *testing.T) {
	samples := []types.MetricsSample{
		{CPUUtilization: 20, MemoryUsagePercent: 30, AvgExecutionTimeMs: 200},
		{CPUUtilization: 25, MemoryUsagePercent: 35, AvgExecutionTimeMs: 250},
	}
	assert.Equal(t, types.PatternIoIntensive, classify(samples, 0, 0))
}

func TestClassifyMemoryIntensive(t *testing.T) {
	samples := []types.MetricsSample{
		{CPUUtilization: 50, MemoryUsagePercent: 85, AvgExecutionTimeMs: 20},
	}
	assert.Equal(t, types.PatternMemoryIntensive, classify(samples, 0, 0))
}

func TestClassifyBurst(t *testing.T) {
	samples := []types.MetricsSample{
		{CPUUtilization: 50, MemoryUsagePercent: 30, AvgExecutionTimeMs: 20},
	}
	assert.Equal(t, types.PatternBurst, classify(samples, 300, 100))
}

func TestClassifySteady(t *testing.T) {
	samples := []types.MetricsSample{
		{CPUUtilization: 50, MemoryUsagePercent: 30, AvgExecutionTimeMs: 20},
	}
	assert.Equal(t, types.PatternSteady, classify(samples, 10, 100))
}

func TestClassifyMixedFallback(t *testing.T) {
	samples := []types.MetricsSample{
		{CPUUtilization: 50, MemoryUsagePercent: 50, AvgExecutionTimeMs: 50},
	}
	assert.Equal(t, types.PatternMixed, classify(samples, 100, 100))
}

func TestRecommendedWorkersPerPattern(t *testing.T) {
	c := newTestController(t, 4)

	assert.Equal(t, 4, c.recommendedWorkers(types.PatternCpuIntensive, types.StrategyModerate, 0))
	assert.Equal(t, 12, c.recommendedWorkers(types.PatternIoIntensive, types.StrategyModerate, 0))
	assert.Equal(t, 8, c.recommendedWorkers(types.PatternIoIntensive, types.StrategyConservative, 0))
	assert.Equal(t, 16, c.recommendedWorkers(types.PatternIoIntensive, types.StrategyAggressive, 0))
	assert.Equal(t, 2, c.recommendedWorkers(types.PatternMemoryIntensive, types.StrategyModerate, 0))
	assert.Equal(t, 6, c.recommendedWorkers(types.PatternBurst, types.StrategyModerate, 0))
	assert.Equal(t, 7, c.recommendedWorkers(types.PatternSteady, types.StrategyModerate, 7))
	assert.Equal(t, 4, c.recommendedWorkers(types.PatternMixed, types.StrategyModerate, 0))
}

func TestScaleUpAndScaleDownMutuallyExclusive(t *testing.T) {
	c := newTestController(t, 4)
	c.RecordPoolSnapshot(4, 0, 0)

	// Feed completed jobs and CPU-heavy samples before forcing a pass.
	for i := 0; i < 40; i++ {
		d := completedDescriptor(t, types.JobID(i))
		c.RecordJobMetrics(d)
		c.samples.Append(types.MetricsSample{CPUUtilization: 85, MemoryUsagePercent: 20, AvgExecutionTimeMs: 5, TimestampNanos: int64(i) + 1})
	}
	c.SetSampler(stubSampler{cpu: 90, mem: 10})

	rec := c.ForceAnalysis()
	assert.False(t, rec.ShouldScaleUp && rec.ShouldScaleDown)
}

func TestSetEnabledSuppressesCallback(t *testing.T) {
	c := newTestController(t, 4)
	called := false
	c.RegisterAdjustmentCallback(func(types.Recommendation) { called = true })

	c.SetEnabled(false)
	c.ForceAnalysis()
	assert.False(t, called, "disabled controller must not fire the adjustment callback")

	c.SetEnabled(true)
	c.ForceAnalysis()
	assert.True(t, called)
}

func TestApplyRecommendationsInvokesCallback(t *testing.T) {
	c := newTestController(t, 4)
	var got types.Recommendation
	c.RegisterAdjustmentCallback(func(r types.Recommendation) { got = r })

	c.ApplyRecommendations()
	assert.Equal(t, c.GetRecommendations(), got)
}

func TestApplyRecommendationsNoopWithoutCallback(t *testing.T) {
	c := newTestController(t, 4)
	assert.NotPanics(t, func() { c.ApplyRecommendations() })
}

func TestCallbackPanicIsRecoveredAndSubsequentCallsStillFire(t *testing.T) {
	c := newTestController(t, 4)
	calls := 0
	c.RegisterAdjustmentCallback(func(types.Recommendation) {
		calls++
		panic("boom")
	})

	assert.NotPanics(t, func() {
		c.ForceAnalysis()
		c.ForceAnalysis()
	})
	assert.Equal(t, 2, calls)
}

func TestSetStrategyChangesRecommendedTimeoutSafetyFactor(t *testing.T) {
	c := newTestController(t, 4)
	for i := 0; i < 10; i++ {
		d := descriptor.New()
		d.Reset(types.JobID(i), nil, descriptor.Options{})
		require.True(t, d.MarkRunning())
		time.Sleep(time.Millisecond)
		d.MarkCompleted("ok")
		c.RecordJobMetrics(d)
	}

	c.SetStrategy(types.StrategyConservative)
	conservative := c.ForceAnalysis()

	c.SetStrategy(types.StrategyAggressive)
	aggressive := c.ForceAnalysis()

	assert.GreaterOrEqual(t, conservative.RecommendedTimeoutMs, aggressive.RecommendedTimeoutMs)
}

func TestRecordBatchPatternInfluencesBatchSize(t *testing.T) {
	c := newTestController(t, 4)
	c.RecordBatchPattern(64)
	c.RecordBatchPattern(64)

	size := recommendedBatchSize(types.PatternCpuIntensive, 10, []int{64, 64})
	assert.GreaterOrEqual(t, size, 16)
	assert.LessOrEqual(t, size, 128)
}

func TestRecommendedPoolSizeInitialNeverExceedsMax(t *testing.T) {
	c := newTestController(t, 4)
	rec := c.ForceAnalysis()
	assert.LessOrEqual(t, rec.RecommendedPoolInitialSize, rec.RecommendedPoolMaxSize)
	assert.GreaterOrEqual(t, rec.RecommendedPoolInitialSize, 32)
	assert.LessOrEqual(t, rec.RecommendedPoolMaxSize, 4096)
}

func TestStartStopCadenceLoopIsIdempotent(t *testing.T) {
	c := newTestController(t, 2)
	c.Start()
	c.Start() // second Start is a no-op (sync.Once)
	time.Sleep(20 * time.Millisecond)
	assert.NotPanics(t, func() {
		c.Stop()
		c.Stop() // idempotent
	})
}

func TestDominantComplexityPrefersMostFrequentTag(t *testing.T) {
	window := []jobRecord{
		{complexity: types.ComplexitySimple},
		{complexity: types.ComplexitySimple},
		{complexity: types.ComplexityHeavy},
	}
	assert.Equal(t, types.ComplexitySimple, dominantComplexity(window))
}

func TestDominantComplexityEmptyWindowDefaultsModerate(t *testing.T) {
	assert.Equal(t, types.ComplexityModerate, dominantComplexity(nil))
}

func TestPercentile95SortsCopyNotOriginal(t *testing.T) {
	xs := []float64{5, 1, 4, 2, 3}
	p95 := percentile95(xs)
	assert.Equal(t, []float64{5, 1, 4, 2, 3}, xs, "percentile95 must not mutate its input")
	assert.Equal(t, 5.0, p95)
}

func TestMeanVarianceSingleSample(t *testing.T) {
	mean, variance := meanVariance([]float64{42})
	assert.Equal(t, 42.0, mean)
	assert.Equal(t, 0.0, variance)
}

func TestMeanVarianceEmpty(t *testing.T) {
	mean, variance := meanVariance(nil)
	assert.Equal(t, 0.0, mean)
	assert.Equal(t, 0.0, variance)
}
