// Package rapidity classifies units of work as slow or fast by measuring how
// long they take to run.
package rapidity

import (
	"strings"
	"time"

	"github.com/juju/clock"

	"github.com/coachpo/pricethrottler/errs"
)

// Rapidity is the observed speed class of a subscriber.
type Rapidity uint8

const (
	// Slow marks work that ran for at least the configured threshold.
	Slow Rapidity = iota
	// Fast marks work that completed under the configured threshold.
	Fast
)

// String returns the canonical upper-case name.
func (r Rapidity) String() string {
	switch r {
	case Slow:
		return "SLOW"
	case Fast:
		return "FAST"
	default:
		return "UNKNOWN"
	}
}

// Lane returns the lower-case lane label used in logs and metrics.
func (r Rapidity) Lane() string {
	return strings.ToLower(r.String())
}

// ParseRapidity converts a case-insensitive name into a Rapidity.
func ParseRapidity(name string) (Rapidity, error) {
	switch strings.ToUpper(strings.TrimSpace(name)) {
	case "SLOW":
		return Slow, nil
	case "FAST":
		return Fast, nil
	default:
		return Slow, errs.New("rapidity", errs.CodeInvalid, errs.WithMessage("unknown rapidity"), errs.WithField("value", name))
	}
}

// Resolver runs work synchronously and classifies it against a threshold
// expressed in whole seconds.
type Resolver struct {
	threshold int64
	clock     clock.Clock
}

// NewResolver constructs a resolver. A nil clock falls back to the wall clock.
func NewResolver(thresholdSeconds int64, clk clock.Clock) (*Resolver, error) {
	if thresholdSeconds < 0 {
		return nil, errs.New("rapidity", errs.CodeInvalid, errs.WithMessage("threshold seconds must be >=0"))
	}
	if clk == nil {
		clk = clock.WallClock
	}
	return &Resolver{threshold: thresholdSeconds, clock: clk}, nil
}

// Threshold returns the configured threshold.
func (r *Resolver) Threshold() time.Duration {
	return time.Duration(r.threshold) * time.Second
}

// Classify runs work to completion on the calling goroutine and returns its class.
func (r *Resolver) Classify(work func()) Rapidity {
	class, _ := r.Measure(work)
	return class
}

// Measure runs work to completion and returns its class together with the
// measured elapsed time. Elapsed time is truncated to whole seconds before the
// comparison, so a threshold of zero classifies everything as slow.
func (r *Resolver) Measure(work func()) (Rapidity, time.Duration) {
	start := r.clock.Now()
	if work != nil {
		work()
	}
	elapsed := r.clock.Now().Sub(start)
	if elapsed < 0 {
		elapsed = 0
	}
	if int64(elapsed/time.Second) >= r.threshold {
		return Slow, elapsed
	}
	return Fast, elapsed
}
