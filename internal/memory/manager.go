// ============================================================================
// Tasklets Memory Manager — Tasklet Registry & Descriptor Pool Owner
// ============================================================================
//
// Package: internal/memory
// File: manager.go
// Purpose: Owns the lifetime of every active Tasklet and JobDescriptor,
// pools descriptors to avoid allocation churn, and drives deferred cleanup
// under memory-pressure policies.
//
// Responsibilities:
//   1. AcquireDescriptor / ReleaseDescriptor, delegating the actual slab
//      to internal/descriptor.Pool
//   2. RegisterTasklet / UnregisterTasklet, a sync.RWMutex-guarded map
//      (registration is rare relative to lookup)
//   3. MarkForCleanup / ForceCleanup: a pending-cleanup list reaped by a
//      background goroutine on a cadence that shortens under memory
//      pressure
//   4. CanAllocateMemory: gates submissions once system memory crosses the
//      critical threshold
//
// Memory pressure is observed via github.com/shirou/gopsutil/v3/mem.
//
// ============================================================================

package memory

import (
	"log/slog"
	"sync"
	"time"

	"github.com/shirou/gopsutil/v3/mem"

	"github.com/tasklets-go/tasklets/internal/descriptor"
	"github.com/tasklets-go/tasklets/pkg/types"
)

var log = slog.Default().With("component", "memory")

const (
	defaultMaxPoolSize       = 256
	defaultWarningThreshold  = 75.0
	defaultCriticalThreshold = 90.0
	minCleanupInterval       = 100 * time.Millisecond
	maxCleanupInterval       = 60 * time.Second
)

// SystemMemorySampler abstracts the host memory percentage lookup so tests
// can substitute a deterministic source.
type SystemMemorySampler interface {
	UsedPercent() (float64, error)
}

// gopsutilSampler is the production SystemMemorySampler, backed by
// gopsutil/v3/mem.VirtualMemory.
type gopsutilSampler struct{}

func (gopsutilSampler) UsedPercent() (float64, error) {
	vm, err := mem.VirtualMemory()
	if err != nil {
		return 0, err
	}
	return vm.UsedPercent, nil
}

// MemStats snapshots the manager's counters for get_memory_stats.
type MemStats struct {
	ActiveTasklets         int
	PendingCleanup         int
	TotalCreated           uint64
	CleanupOperationsCount uint64

	PoolTotalCreated uint64
	PoolAvailable    int
	PoolInUse        int
	PoolMaxSize      int

	SystemMemoryUsedPercent float64
}

// Manager owns live Tasklet handles and the JobDescriptor pool.
type Manager struct {
	pool *descriptor.Pool

	mu             sync.RWMutex
	tasklets       map[types.JobID]*types.Tasklet
	pendingCleanup []types.JobID

	warningThreshold  float64
	criticalThreshold float64
	cleanupInterval   time.Duration
	sampler           SystemMemorySampler

	totalCreated         uint64
	cleanupOperationsCnt uint64

	onReap func(types.JobID)

	stopCh chan struct{}
	wg     sync.WaitGroup
	once   sync.Once
}

// ErrDuplicateTasklet is returned by RegisterTasklet when the id is already
// registered; a programmer error.
var ErrDuplicateTasklet = types.NewError(types.KindInternal, "tasklet already registered")

// NewManager creates a MemoryManager with the given descriptor pool cap and
// cleanup cadence. Thresholds default to 75% warning, 90% critical.
func NewManager(maxPoolSize int, cleanupInterval time.Duration) *Manager {
	if maxPoolSize <= 0 {
		maxPoolSize = defaultMaxPoolSize
	}
	if cleanupInterval <= 0 {
		cleanupInterval = time.Second
	}
	return &Manager{
		pool:              descriptor.NewPool(maxPoolSize),
		tasklets:          make(map[types.JobID]*types.Tasklet),
		warningThreshold:  defaultWarningThreshold,
		criticalThreshold: defaultCriticalThreshold,
		cleanupInterval:   cleanupInterval,
		sampler:           gopsutilSampler{},
		stopCh:            make(chan struct{}),
	}
}

// SetThresholds overrides the warning/critical memory-pressure thresholds;
// the AdaptiveController is expected to tune these.
func (m *Manager) SetThresholds(warning, critical float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.warningThreshold = warning
	m.criticalThreshold = critical
}

// SetSampler overrides the system memory sampler (used by tests).
func (m *Manager) SetSampler(s SystemMemorySampler) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sampler = s
}

// AcquireDescriptor returns a descriptor from the pool, or a fresh one. A
// recycled descriptor is not reset here: it keeps its previous job's state
// until the caller calls Reset on it.
func (m *Manager) AcquireDescriptor() *descriptor.JobDescriptor {
	m.mu.Lock()
	m.totalCreated++
	m.mu.Unlock()
	return m.pool.Acquire()
}

// ReleaseDescriptor returns a descriptor to the pool (or drops it above the
// soft cap).
func (m *Manager) ReleaseDescriptor(d *descriptor.JobDescriptor) {
	m.pool.Release(d)
}

// RegisterTasklet maps id -> tasklet. Duplicate registration is a
// programmer error, surfaced rather than silently overwritten.
func (m *Manager) RegisterTasklet(id types.JobID, t *types.Tasklet) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.tasklets[id]; exists {
		return ErrDuplicateTasklet
	}
	m.tasklets[id] = t
	return nil
}

// UnregisterTasklet removes id from the registry. Unknown ids are a no-op,
// never a panic.
func (m *Manager) UnregisterTasklet(id types.JobID) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.tasklets, id)
}

// Lookup returns the registered tasklet for id, if any.
func (m *Manager) Lookup(id types.JobID) (*types.Tasklet, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	t, ok := m.tasklets[id]
	return t, ok
}

// SetOnReap registers a callback invoked (outside the manager's lock) for
// every tasklet id a cleanup pass actually reaps. The ThreadPool wires this
// to forget its own bookkeeping for the id, so join/try_result correctly
// report UnknownId once a job has been reaped.
func (m *Manager) SetOnReap(fn func(types.JobID)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onReap = fn
}

// MarkForCleanup moves a tasklet onto the pending-cleanup list. It remains
// reachable via Lookup until the next cleanup pass reaps it.
func (m *Manager) MarkForCleanup(id types.JobID) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.pendingCleanup = append(m.pendingCleanup, id)
}

// ForceCleanup synchronously reaps all pending-cleanup tasklets whose
// descriptors reached a terminal state, and returns when done — used by
// tests for determinism instead of waiting on the background cadence.
func (m *Manager) ForceCleanup() {
	m.mu.Lock()
	reaped := m.cleanupLocked()
	hook := m.onReap
	m.mu.Unlock()

	if hook != nil {
		for _, id := range reaped {
			hook(id)
		}
	}
}

func (m *Manager) cleanupLocked() []types.JobID {
	if len(m.pendingCleanup) == 0 {
		return nil
	}
	var reaped []types.JobID
	remaining := m.pendingCleanup[:0]
	for _, id := range m.pendingCleanup {
		t, ok := m.tasklets[id]
		if !ok {
			continue // already unregistered elsewhere; idempotent
		}
		if t.Finished() {
			delete(m.tasklets, id)
			reaped = append(reaped, id)
		} else {
			remaining = append(remaining, id)
		}
	}
	m.pendingCleanup = remaining
	m.cleanupOperationsCnt++
	return reaped
}

// CanAllocateMemory reports whether submissions should be admitted. It
// returns false once system memory usage is at or above the critical
// threshold.
func (m *Manager) CanAllocateMemory() bool {
	m.mu.RLock()
	critical := m.criticalThreshold
	sampler := m.sampler
	m.mu.RUnlock()

	used, err := sampler.UsedPercent()
	if err != nil {
		log.Warn("failed to sample system memory", "error", err)
		return true // fail open; a sampling error must not wedge submissions
	}
	return used < critical
}

// GetMemoryStats returns a snapshot for get_memory_stats.
func (m *Manager) GetMemoryStats() MemStats {
	m.mu.RLock()
	sampler := m.sampler
	active := len(m.tasklets)
	pending := len(m.pendingCleanup)
	totalCreated := m.totalCreated
	cleanupOps := m.cleanupOperationsCnt
	m.mu.RUnlock()

	poolStats := m.pool.Stats()

	usedPercent := 0.0
	if v, err := sampler.UsedPercent(); err == nil {
		usedPercent = v
	}

	return MemStats{
		ActiveTasklets:          active,
		PendingCleanup:          pending,
		TotalCreated:            totalCreated,
		CleanupOperationsCount:  cleanupOps,
		PoolTotalCreated:        poolStats.TotalCreated,
		PoolAvailable:           poolStats.AvailableInPool,
		PoolInUse:               poolStats.InUse,
		PoolMaxSize:             poolStats.MaxPoolSize,
		SystemMemoryUsedPercent: usedPercent,
	}
}

// ResetPool clears every pooled (free) descriptor.
func (m *Manager) ResetPool() {
	m.pool.Reset()
}

// SetCleanupInterval updates the cadence used by the background cleanup
// loop, clamped to [100ms, 60s].
func (m *Manager) SetCleanupInterval(d time.Duration) {
	if d < minCleanupInterval {
		d = minCleanupInterval
	}
	if d > maxCleanupInterval {
		d = maxCleanupInterval
	}
	m.mu.Lock()
	m.cleanupInterval = d
	m.mu.Unlock()
}

// Start launches the background cleanup cadence. Safe to call once; a
// second call is a no-op.
func (m *Manager) Start() {
	m.once.Do(func() {
		m.wg.Add(1)
		go m.cleanupLoop()
	})
}

// Stop halts the background cleanup cadence and waits for it to exit.
func (m *Manager) Stop() {
	select {
	case <-m.stopCh:
		return // already stopped
	default:
	}
	close(m.stopCh)
	m.wg.Wait()
}

func (m *Manager) cleanupLoop() {
	defer m.wg.Done()

	for {
		m.mu.RLock()
		interval := m.cleanupInterval
		warning := m.warningThreshold
		critical := m.criticalThreshold
		sampler := m.sampler
		m.mu.RUnlock()

		if used, err := sampler.UsedPercent(); err == nil {
			if used >= critical {
				// Above critical, cleanup runs immediately rather than
				// waiting out the interval; re-sample at the floor cadence
				// until pressure subsides.
				m.ForceCleanup()
				interval = minCleanupInterval
			} else if used > warning {
				interval = interval / 2
				if interval < minCleanupInterval {
					interval = minCleanupInterval
				}
			}
		}

		select {
		case <-m.stopCh:
			return
		case <-time.After(interval):
			m.ForceCleanup()
		}
	}
}
