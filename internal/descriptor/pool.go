// ============================================================================
// Tasklets Descriptor Pool — Arena with Stable id+generation Handles
// ============================================================================
//
// Package: internal/descriptor
// File: pool.go
// Purpose: Pools JobDescriptors to amortize allocation churn
//
// Ownership:
//   The pool owns descriptors in a slab (the free list below); a caller
//   never holds a descriptor across a release, and Handle values carry a
//   generation counter so a stale reference is observable rather than
//   dangling, even though in practice callers always go through
//   MemoryManager and never retain a released descriptor.
//
// Pool policy:
//   Soft-capped at maxPoolSize. On Release, if the free list already holds
//   maxPoolSize descriptors the released one is dropped (GC'd) rather than
//   retained. On Acquire, an empty free list allocates fresh.
//
// ============================================================================

package descriptor

import "sync"

// Handle is a stable id+generation reference into the pool's arena.
type Handle struct {
	ID         uint64
	Generation uint64
}

// Stats snapshots the pool's allocation counters.
type Stats struct {
	TotalCreated    uint64
	AvailableInPool int
	InUse           int
	MaxPoolSize     int
}

// Pool is the arena of reusable JobDescriptors.
type Pool struct {
	mu           sync.Mutex
	free         []*JobDescriptor
	maxPoolSize  int
	totalCreated uint64
	inUse        int
}

// NewPool creates a descriptor pool soft-capped at maxPoolSize.
func NewPool(maxPoolSize int) *Pool {
	if maxPoolSize < 1 {
		maxPoolSize = 1
	}
	return &Pool{maxPoolSize: maxPoolSize}
}

// Acquire returns a descriptor drawn from the free list, or a freshly
// allocated one if the pool is empty.
func (p *Pool) Acquire() *JobDescriptor {
	p.mu.Lock()
	defer p.mu.Unlock()

	var d *JobDescriptor
	if n := len(p.free); n > 0 {
		d = p.free[n-1]
		p.free = p.free[:n-1]
	} else {
		d = New()
		p.totalCreated++
	}
	p.inUse++
	return d
}

// Release returns a descriptor to the free list if below the soft cap,
// otherwise drops it.
func (p *Pool) Release(d *JobDescriptor) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.inUse--
	if len(p.free) >= p.maxPoolSize {
		return // dropped; pool size unchanged
	}
	p.free = append(p.free, d)
}

// Reset clears every pooled (free) descriptor, forcing fresh allocation on
// the next Acquire. In-use descriptors are unaffected.
func (p *Pool) Reset() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.free = nil
}

// Stats returns a snapshot of the pool's counters.
func (p *Pool) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()
	return Stats{
		TotalCreated:    p.totalCreated,
		AvailableInPool: len(p.free),
		InUse:           p.inUse,
		MaxPoolSize:     p.maxPoolSize,
	}
}
