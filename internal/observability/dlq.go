package observability

import (
	"errors"
	"sync"
	"time"

	"github.com/coachpo/pricethrottler/errs"
)

// DeadLetter records a failure that was reported and dropped.
type DeadLetter struct {
	At      time.Time         `json:"at"`
	Source  string            `json:"source"`
	Message string            `json:"message"`
	Fields  map[string]string `json:"fields,omitempty"`
}

// DeadLetterQueue keeps the most recent failures for diagnostics.
type DeadLetterQueue struct {
	mu       sync.Mutex
	capacity int
	total    uint64
	events   []DeadLetter
}

// NewDeadLetterQueue creates a DLQ with the provided capacity. Capacity <=0 implies unbounded.
func NewDeadLetterQueue(capacity int) *DeadLetterQueue {
	queue := new(DeadLetterQueue)
	queue.capacity = capacity
	queue.events = make([]DeadLetter, 0)
	return queue
}

// Record stores err under source, copying structured fields from an errs.E in its chain.
func (q *DeadLetterQueue) Record(at time.Time, source string, err error) {
	if err == nil {
		return
	}
	letter := DeadLetter{At: at, Source: source, Message: err.Error()}
	var structured *errs.E
	if errors.As(err, &structured) && len(structured.Fields) > 0 {
		letter.Fields = make(map[string]string, len(structured.Fields))
		for k, v := range structured.Fields {
			letter.Fields[k] = v
		}
	}
	q.Offer(letter)
}

// Offer records a dead letter, dropping the oldest entry when full.
func (q *DeadLetterQueue) Offer(letter DeadLetter) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.total++
	if q.capacity > 0 && len(q.events) >= q.capacity {
		copy(q.events[0:], q.events[1:])
		q.events[len(q.events)-1] = letter
		return
	}
	q.events = append(q.events, letter)
}

// Recent returns a copy of the retained dead letters, oldest first.
func (q *DeadLetterQueue) Recent() []DeadLetter {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]DeadLetter, len(q.events))
	copy(out, q.events)
	return out
}

// Drain retrieves and clears all retained dead letters.
func (q *DeadLetterQueue) Drain() []DeadLetter {
	q.mu.Lock()
	defer q.mu.Unlock()
	drained := make([]DeadLetter, len(q.events))
	copy(drained, q.events)
	q.events = q.events[:0]
	return drained
}

// Len returns the number of retained dead letters.
func (q *DeadLetterQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.events)
}

// Total returns how many dead letters were ever offered.
func (q *DeadLetterQueue) Total() uint64 {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.total
}
