// Package price defines the subscriber capability and the prioritised price
// updates that flow through the throttler.
package price

import (
	"context"
	"fmt"
	"reflect"
)

// Subscriber receives price updates. Implementations may block for an
// arbitrary amount of time and may fail; the throttler guarantees that a
// subscriber never observes two concurrent invocations.
//
// Subscribers are used as identity keys, so the dynamic type must be
// comparable (pointer receivers in practice).
type Subscriber interface {
	OnPrice(ctx context.Context, instrument string, value float64) error
}

// Named is implemented by subscribers that expose a diagnostic name.
type Named interface {
	Name() string
}

// NameOf returns the diagnostic name of the subscriber.
func NameOf(s Subscriber) string {
	if s == nil {
		return "<nil>"
	}
	if named, ok := s.(Named); ok {
		if name := named.Name(); name != "" {
			return name
		}
	}
	if reflect.TypeOf(s).Kind() == reflect.Pointer {
		return fmt.Sprintf("%T@%p", s, s)
	}
	return fmt.Sprintf("%T", s)
}

// Comparable reports whether the subscriber can safely be used as a map key.
func Comparable(s Subscriber) bool {
	if s == nil {
		return false
	}
	return reflect.TypeOf(s).Comparable()
}

// Update is one instrument price at one point in logical time. Two updates
// with the same Instrument occupy the same queue slot.
type Update struct {
	Instrument string
	Value      float64
	Priority   int64
}

// SameSlot reports whether both updates refer to the same instrument.
func (u Update) SameSlot(other Update) bool {
	return u.Instrument == other.Instrument
}

// Before reports whether u dequeues ahead of other: the strictly greater
// priority goes first.
func (u Update) Before(other Update) bool {
	return u.Priority > other.Priority
}
