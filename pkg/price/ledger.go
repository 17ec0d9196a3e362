package price

import "sync"

// Ledger assigns dispatch priorities to incoming prices. Every repeated update
// for an instrument receives the previous priority plus one; the first update
// starts at zero. Entries are never pruned, so the ledger grows with the number
// of distinct instruments observed.
type Ledger struct {
	mu   sync.Mutex
	last map[string]int64
}

// NewLedger constructs an empty priority ledger.
func NewLedger() *Ledger {
	ledger := new(Ledger)
	ledger.last = make(map[string]int64)
	return ledger
}

// Assign records a new price for the instrument and returns it with its priority.
func (l *Ledger) Assign(instrument string, value float64) Update {
	l.mu.Lock()
	priority, seen := l.last[instrument]
	if seen {
		priority++
	}
	l.last[instrument] = priority
	l.mu.Unlock()
	return Update{Instrument: instrument, Value: value, Priority: priority}
}

// Last returns the most recently assigned priority for the instrument.
func (l *Ledger) Last(instrument string) (int64, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	priority, ok := l.last[instrument]
	return priority, ok
}

// Len returns the number of distinct instruments seen.
func (l *Ledger) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.last)
}
