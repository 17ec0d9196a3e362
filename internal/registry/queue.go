package registry

import (
	"container/heap"
	"sync"

	"github.com/coachpo/pricethrottler/pkg/price"
)

// Queue is a coalescing priority queue of pending updates. It holds at most one
// update per instrument; pushing an update for a pending instrument replaces it.
type Queue struct {
	mu    sync.Mutex
	items updateHeap
	index map[string]*queued
	seq   uint64
}

type queued struct {
	update price.Update
	seq    uint64
	pos    int
}

// NewQueue constructs an empty queue.
func NewQueue() *Queue {
	q := new(Queue)
	q.index = make(map[string]*queued)
	return q
}

// Push inserts the update, replacing any pending update for the same
// instrument. It reports whether a pending update was replaced.
func (q *Queue) Push(u price.Update) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.seq++
	if existing, ok := q.index[u.Instrument]; ok {
		existing.update = u
		existing.seq = q.seq
		heap.Fix(&q.items, existing.pos)
		return true
	}
	item := &queued{update: u, seq: q.seq}
	q.index[u.Instrument] = item
	heap.Push(&q.items, item)
	return false
}

// PushIfAbsent inserts the update only when no update for its instrument is
// pending. It reports whether the update was inserted.
func (q *Queue) PushIfAbsent(u price.Update) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	if _, ok := q.index[u.Instrument]; ok {
		return false
	}
	q.seq++
	item := &queued{update: u, seq: q.seq}
	q.index[u.Instrument] = item
	heap.Push(&q.items, item)
	return true
}

// Pop removes and returns the highest-priority update.
func (q *Queue) Pop() (price.Update, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.items) == 0 {
		return price.Update{}, false
	}
	item := heap.Pop(&q.items).(*queued)
	delete(q.index, item.update.Instrument)
	return item.update, true
}

// Peek returns the pending update for the instrument without removing it.
func (q *Queue) Peek(instrument string) (price.Update, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	item, ok := q.index[instrument]
	if !ok {
		return price.Update{}, false
	}
	return item.update, true
}

// Len returns the number of pending updates.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// updateHeap orders by descending priority; ties go to the older insertion.
type updateHeap []*queued

func (h updateHeap) Len() int { return len(h) }

func (h updateHeap) Less(i, j int) bool {
	if h[i].update.Priority != h[j].update.Priority {
		return h[i].update.Before(h[j].update)
	}
	return h[i].seq < h[j].seq
}

func (h updateHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].pos = i
	h[j].pos = j
}

func (h *updateHeap) Push(x any) {
	item := x.(*queued)
	item.pos = len(*h)
	*h = append(*h, item)
}

func (h *updateHeap) Pop() any {
	old := *h
	n := len(old)
	item := old[n-1]
	old[n-1] = nil
	item.pos = -1
	*h = old[:n-1]
	return item
}
