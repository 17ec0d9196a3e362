package dispatch

import (
	"sync"
	"sync/atomic"

	"github.com/coachpo/pricethrottler/pkg/price"
)

// InFlight is the set of subscribers currently running a delivery.
type InFlight struct {
	members sync.Map
	count   atomic.Int64
}

// Claim marks the subscriber as busy. It reports false when the subscriber is
// already claimed; check and insert are a single atomic step.
func (f *InFlight) Claim(s price.Subscriber) bool {
	if _, loaded := f.members.LoadOrStore(s, struct{}{}); loaded {
		return false
	}
	f.count.Add(1)
	return true
}

// Release clears the subscriber's claim. Releasing an unclaimed subscriber is a no-op.
func (f *InFlight) Release(s price.Subscriber) {
	if _, loaded := f.members.LoadAndDelete(s); loaded {
		f.count.Add(-1)
	}
}

// Contains reports whether the subscriber is claimed.
func (f *InFlight) Contains(s price.Subscriber) bool {
	_, ok := f.members.Load(s)
	return ok
}

// Len returns the number of claimed subscribers.
func (f *InFlight) Len() int {
	return int(f.count.Load())
}
