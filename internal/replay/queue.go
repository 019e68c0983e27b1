package replay

import "sync"

// PendingQueue coalesces replay events by card id: only the latest state of an
// entity matters at commit time, so a burst of edits to one card collapses to
// a single pending entry. The queue is an explicit shared object injected into
// both the enqueue and flush sides.
type PendingQueue struct {
	mu  sync.Mutex
	ids map[string]struct{}
}

// NewPendingQueue constructs an empty coalescing queue.
func NewPendingQueue() *PendingQueue {
	return &PendingQueue{ids: make(map[string]struct{})}
}

// Add records a card id as pending and returns the queue size after the add.
// Duplicate ids coalesce into the existing entry.
func (q *PendingQueue) Add(id string) int {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.ids[id] = struct{}{}
	return len(q.ids)
}

// Drain removes and returns every pending id. Callers re-Add the ids if the
// commit they were drained for fails.
func (q *PendingQueue) Drain() []string {
	q.mu.Lock()
	defer q.mu.Unlock()
	ids := make([]string, 0, len(q.ids))
	for id := range q.ids {
		ids = append(ids, id)
	}
	q.ids = make(map[string]struct{})
	return ids
}

// Requeue restores drained ids after a failed commit.
func (q *PendingQueue) Requeue(ids []string) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for _, id := range ids {
		q.ids[id] = struct{}{}
	}
}

// Len reports the number of pending ids.
func (q *PendingQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.ids)
}
