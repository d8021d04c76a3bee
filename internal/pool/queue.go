// ============================================================================
// Tasklets Scheduling Queue — Priority Heap
// ============================================================================
//
// Package: internal/pool
// File: queue.go
// Purpose: Backs the ThreadPool's single work queue with a binary heap
// ordered by (priority desc, submission order asc). A plain buffered
// channel can't express priority ordering or runtime resizing.
//
// ============================================================================

package pool

import "github.com/tasklets-go/tasklets/internal/descriptor"

// queueItem is one heap entry: the descriptor plus a monotonically
// increasing sequence number used as the FIFO tie-breaker within a
// priority band.
type queueItem struct {
	desc *descriptor.JobDescriptor
	seq  uint64
}

// priorityQueue implements container/heap.Interface. Higher Priority()
// values sort first; equal priorities fall back to submission order.
type priorityQueue []*queueItem

func (pq priorityQueue) Len() int { return len(pq) }

func (pq priorityQueue) Less(i, j int) bool {
	pi, pj := pq[i].desc.Priority(), pq[j].desc.Priority()
	if pi != pj {
		return pi > pj
	}
	return pq[i].seq < pq[j].seq
}

func (pq priorityQueue) Swap(i, j int) { pq[i], pq[j] = pq[j], pq[i] }

func (pq *priorityQueue) Push(x any) {
	*pq = append(*pq, x.(*queueItem))
}

func (pq *priorityQueue) Pop() any {
	old := *pq
	n := len(old)
	item := old[n-1]
	old[n-1] = nil
	*pq = old[:n-1]
	return item
}
