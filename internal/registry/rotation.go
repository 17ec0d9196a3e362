package registry

import "github.com/coachpo/pricethrottler/pkg/price"

// rotation is a round-robin ring of subscribers. It is not synchronised; the
// registry lock guards every access so that moves between rotations are atomic.
type rotation struct {
	members []price.Subscriber
}

// next pops the head and requeues it at the back.
func (r *rotation) next() (price.Subscriber, bool) {
	if len(r.members) == 0 {
		return nil, false
	}
	head := r.members[0]
	copy(r.members, r.members[1:])
	r.members[len(r.members)-1] = head
	return head, true
}

func (r *rotation) add(s price.Subscriber) {
	r.members = append(r.members, s)
}

func (r *rotation) remove(s price.Subscriber) bool {
	for i, member := range r.members {
		if member != s {
			continue
		}
		copy(r.members[i:], r.members[i+1:])
		r.members[len(r.members)-1] = nil
		r.members = r.members[:len(r.members)-1]
		return true
	}
	return false
}

func (r *rotation) contains(s price.Subscriber) bool {
	for _, member := range r.members {
		if member == s {
			return true
		}
	}
	return false
}

func (r *rotation) len() int {
	return len(r.members)
}
