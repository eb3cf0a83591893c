package poller

import (
	"container/heap"
	"sync"
	"time"
)

// Job priorities. A date with zero staged punches is backfilled before dates
// that are merely under the expected volume.
const (
	PriorityNormal = 0
	PriorityHigh   = 1
)

// GapFillJob is a request to backfill one calendar date whose punch volume
// looks suspiciously low.
type GapFillJob struct {
	Date     string // YYYY-MM-DD
	Priority int
	QueuedAt time.Time
	Attempts int
}

// jobQueue is a small in-memory priority queue of gap-fill jobs, deduplicated
// by date. It is intentionally not persisted: gap detection re-runs every
// auto-stitch cycle and re-enqueues whatever is still missing after a restart.
type jobQueue struct {
	mu     sync.Mutex
	items  jobHeap
	queued map[string]struct{}
}

func newJobQueue() *jobQueue {
	return &jobQueue{queued: make(map[string]struct{})}
}

// Push enqueues a job unless one is already queued for the same date.
// Returns whether the job was accepted.
func (q *jobQueue) Push(job GapFillJob) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	if _, dup := q.queued[job.Date]; dup {
		return false
	}
	q.queued[job.Date] = struct{}{}
	heap.Push(&q.items, job)
	return true
}

// Pop removes and returns the oldest job of the highest queued priority.
func (q *jobQueue) Pop() (GapFillJob, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.items) == 0 {
		return GapFillJob{}, false
	}
	job := heap.Pop(&q.items).(GapFillJob)
	delete(q.queued, job.Date)
	return job, true
}

// Contains reports whether a job is queued for the given date.
func (q *jobQueue) Contains(date string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	_, ok := q.queued[date]
	return ok
}

// Len returns the number of queued jobs.
func (q *jobQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// jobHeap implements heap.Interface ordered by priority, then enqueue time.
type jobHeap []GapFillJob

func (h jobHeap) Len() int { return len(h) }

func (h jobHeap) Less(i, j int) bool {
	if h[i].Priority != h[j].Priority {
		return h[i].Priority > h[j].Priority
	}
	return h[i].QueuedAt.Before(h[j].QueuedAt)
}

func (h jobHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }

func (h *jobHeap) Push(x any) { *h = append(*h, x.(GapFillJob)) }

func (h *jobHeap) Pop() any {
	old := *h
	n := len(old)
	job := old[n-1]
	*h = old[:n-1]
	return job
}
