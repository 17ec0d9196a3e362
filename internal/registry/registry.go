// Package registry owns per-subscriber state: pending update queues, speed
// classification and the round-robin rotations used to pick subscribers for
// each dispatch lane.
package registry

import (
	"sort"
	"sync"

	"github.com/coachpo/pricethrottler/internal/rapidity"
	"github.com/coachpo/pricethrottler/pkg/price"
)

type record struct {
	queue    *Queue
	rapidity rapidity.Rapidity
}

// Entry is a diagnostic view of one registered subscriber.
type Entry struct {
	Name       string `json:"name"`
	Rapidity   string `json:"rapidity"`
	QueueDepth int    `json:"queue_depth"`
}

// Registry tracks subscribers and their pending updates. All subscribers start
// slow and may be promoted to fast exactly once; there is no demotion.
type Registry struct {
	mu      sync.RWMutex
	records map[price.Subscriber]*record
	slow    rotation
	fast    rotation
}

// New constructs an empty registry.
func New() *Registry {
	r := new(Registry)
	r.records = make(map[price.Subscriber]*record)
	return r
}

// Add registers the subscriber as slow. Adding a subscriber that is already
// registered is ignored and reports false.
func (r *Registry) Add(s price.Subscriber) bool {
	if s == nil {
		return false
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.records[s]; exists {
		return false
	}
	r.records[s] = &record{queue: NewQueue(), rapidity: rapidity.Slow}
	r.slow.add(s)
	return true
}

// Remove unregisters the subscriber and discards its pending updates.
func (r *Registry) Remove(s price.Subscriber) bool {
	if s == nil {
		return false
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.records[s]; !exists {
		return false
	}
	r.slow.remove(s)
	r.fast.remove(s)
	delete(r.records, s)
	return true
}

// Enqueue fans the update out to every registered subscriber, replacing any
// pending update for the same instrument. It returns how many pending updates
// were replaced.
func (r *Registry) Enqueue(u price.Update) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	replaced := 0
	for _, rec := range r.records {
		if rec.queue.Push(u) {
			replaced++
		}
	}
	return replaced
}

// Next returns the next subscriber of the lane in round-robin order.
func (r *Registry) Next(lane rapidity.Rapidity) (price.Subscriber, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if lane == rapidity.Fast {
		return r.fast.next()
	}
	return r.slow.next()
}

// NextSlow returns the next slow-lane subscriber in round-robin order.
func (r *Registry) NextSlow() (price.Subscriber, bool) {
	return r.Next(rapidity.Slow)
}

// NextFast returns the next fast-lane subscriber in round-robin order.
func (r *Registry) NextFast() (price.Subscriber, bool) {
	return r.Next(rapidity.Fast)
}

// Dequeue pops the highest-priority pending update for the subscriber.
func (r *Registry) Dequeue(s price.Subscriber) (price.Update, bool) {
	r.mu.RLock()
	rec, ok := r.records[s]
	r.mu.RUnlock()
	if !ok {
		return price.Update{}, false
	}
	return rec.queue.Pop()
}

// Restore puts back an update that was dequeued but could not be delivered.
// A newer update for the same instrument that arrived meanwhile wins.
func (r *Registry) Restore(s price.Subscriber, u price.Update) bool {
	r.mu.RLock()
	rec, ok := r.records[s]
	r.mu.RUnlock()
	if !ok {
		return false
	}
	return rec.queue.PushIfAbsent(u)
}

// Promote moves a slow subscriber to the fast rotation. It reports false when
// the subscriber is unknown or already fast.
func (r *Registry) Promote(s price.Subscriber) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, ok := r.records[s]
	if !ok || rec.rapidity == rapidity.Fast {
		return false
	}
	r.slow.remove(s)
	rec.rapidity = rapidity.Fast
	r.fast.add(s)
	return true
}

// Rapidity returns the subscriber's current classification.
func (r *Registry) Rapidity(s price.Subscriber) (rapidity.Rapidity, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	rec, ok := r.records[s]
	if !ok {
		return rapidity.Slow, false
	}
	return rec.rapidity, true
}

// InRotation reports whether the subscriber is a member of the lane's rotation.
func (r *Registry) InRotation(s price.Subscriber, lane rapidity.Rapidity) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if lane == rapidity.Fast {
		return r.fast.contains(s)
	}
	return r.slow.contains(s)
}

// Pending returns the number of updates waiting for the subscriber.
func (r *Registry) Pending(s price.Subscriber) int {
	r.mu.RLock()
	rec, ok := r.records[s]
	r.mu.RUnlock()
	if !ok {
		return 0
	}
	return rec.queue.Len()
}

// PendingUpdate returns the pending update for one instrument of the subscriber.
func (r *Registry) PendingUpdate(s price.Subscriber, instrument string) (price.Update, bool) {
	r.mu.RLock()
	rec, ok := r.records[s]
	r.mu.RUnlock()
	if !ok {
		return price.Update{}, false
	}
	return rec.queue.Peek(instrument)
}

// Count returns the number of subscribers with the given classification.
func (r *Registry) Count(class rapidity.Rapidity) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	count := 0
	for _, rec := range r.records {
		if rec.rapidity == class {
			count++
		}
	}
	return count
}

// Len returns the total number of registered subscribers.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.records)
}

// RotationLen returns the size of the lane's rotation.
func (r *Registry) RotationLen(lane rapidity.Rapidity) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if lane == rapidity.Fast {
		return r.fast.len()
	}
	return r.slow.len()
}

// Snapshot returns a name-sorted diagnostic view of all subscribers.
func (r *Registry) Snapshot() []Entry {
	r.mu.RLock()
	entries := make([]Entry, 0, len(r.records))
	for s, rec := range r.records {
		entries = append(entries, Entry{
			Name:       price.NameOf(s),
			Rapidity:   rec.rapidity.String(),
			QueueDepth: rec.queue.Len(),
		})
	}
	r.mu.RUnlock()
	sort.Slice(entries, func(i, j int) bool { return entries[i].Name < entries[j].Name })
	return entries
}
