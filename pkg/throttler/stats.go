package throttler

import (
	"fmt"
	"io"
	"text/tabwriter"

	"github.com/goccy/go-json"

	"github.com/coachpo/pricethrottler/internal/observability"
	"github.com/coachpo/pricethrottler/internal/rapidity"
	"github.com/coachpo/pricethrottler/internal/registry"
)

// Stats is an advisory snapshot; fields are read at slightly different moments.
type Stats struct {
	Subscribers  int              `json:"subscribers"`
	Slow         int              `json:"slow"`
	Fast         int              `json:"fast"`
	SlowRotation int              `json:"slow_rotation"`
	FastRotation int              `json:"fast_rotation"`
	InFlight     int              `json:"in_flight"`
	SlowActive   int              `json:"slow_active"`
	FastActive   int              `json:"fast_active"`
	Instruments  int              `json:"instruments"`
	Queues       []registry.Entry `json:"queues"`
	// Failures counts every delivery failure; RecentFailures keeps the latest few.
	Failures       uint64                     `json:"failures"`
	RecentFailures []observability.DeadLetter `json:"recent_failures,omitempty"`
}

// Stats returns a diagnostic snapshot.
func (t *Throttler) Stats() Stats {
	return Stats{
		Subscribers:  t.registry.Len(),
		Slow:         t.registry.Count(rapidity.Slow),
		Fast:         t.registry.Count(rapidity.Fast),
		SlowRotation: t.registry.RotationLen(rapidity.Slow),
		FastRotation: t.registry.RotationLen(rapidity.Fast),
		InFlight:     t.scheduler.InFlight(),
		SlowActive:   t.slow.Active(),
		FastActive:   t.fast.Active(),
		Instruments:  t.ledger.Len(),
		Queues:       t.registry.Snapshot(),

		Failures:       t.failures.Total(),
		RecentFailures: t.failures.Recent(),
	}
}

// PrintStats writes a human readable snapshot to w.
func (t *Throttler) PrintStats(w io.Writer) error {
	return t.Stats().WriteText(w)
}

// WriteText renders the snapshot as aligned text.
func (s Stats) WriteText(w io.Writer) error {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintf(tw, "subscribers\t%d\t(slow %d, fast %d)\n", s.Subscribers, s.Slow, s.Fast)
	fmt.Fprintf(tw, "rotations\tslow %d\tfast %d\n", s.SlowRotation, s.FastRotation)
	fmt.Fprintf(tw, "active\tslow %d\tfast %d\n", s.SlowActive, s.FastActive)
	fmt.Fprintf(tw, "in flight\t%d\t\n", s.InFlight)
	fmt.Fprintf(tw, "instruments\t%d\t\n", s.Instruments)
	fmt.Fprintf(tw, "failures\t%d\t\n", s.Failures)
	for _, q := range s.Queues {
		fmt.Fprintf(tw, "  %s\t%s\tqueue %d\n", q.Name, q.Rapidity, q.QueueDepth)
	}
	return tw.Flush()
}

// WriteJSON encodes the snapshot as a single JSON line.
func (s Stats) WriteJSON(w io.Writer) error {
	if err := json.NewEncoder(w).Encode(s); err != nil {
		return fmt.Errorf("encode stats: %w", err)
	}
	return nil
}
