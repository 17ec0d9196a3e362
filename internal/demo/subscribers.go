// Package demo provides sample subscribers and a random price feed for
// exercising the throttler interactively.
package demo

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/juju/clock"
)

const (
	// SlowDelay is how long a slow subscriber works on each price.
	SlowDelay = 2 * time.Second
	// PrinterDelay is how long printing one price on paper takes.
	PrinterDelay = 2 * time.Second
	// ScreenDelay is how long drawing one price on screen takes.
	ScreenDelay = 300 * time.Millisecond
)

// Worker is a subscriber that spends a fixed delay on every price and then
// increments a shared handled-prices counter.
type Worker struct {
	name    string
	delay   time.Duration
	handled *atomic.Int64
	clock   clock.Clock
}

// NewWorker builds a worker. A nil counter gets a private one; a nil clock is
// the wall clock.
func NewWorker(kind string, delay time.Duration, handled *atomic.Int64, clk clock.Clock) *Worker {
	if handled == nil {
		handled = new(atomic.Int64)
	}
	if clk == nil {
		clk = clock.WallClock
	}
	return &Worker{
		name:    kind + "-" + uuid.NewString()[:8],
		delay:   delay,
		handled: handled,
		clock:   clk,
	}
}

// NewSlow returns a worker that takes SlowDelay per price.
func NewSlow(handled *atomic.Int64) *Worker {
	return NewWorker("slow", SlowDelay, handled, nil)
}

// NewFast returns a worker that returns immediately.
func NewFast(handled *atomic.Int64) *Worker {
	return NewWorker("fast", 0, handled, nil)
}

// NewPrinter returns a worker that prints prices on paper.
func NewPrinter(handled *atomic.Int64) *Worker {
	return NewWorker("printer", PrinterDelay, handled, nil)
}

// NewScreen returns a worker that shows prices on a screen.
func NewScreen(handled *atomic.Int64) *Worker {
	return NewWorker("screen", ScreenDelay, handled, nil)
}

// Name returns the worker's diagnostic name.
func (w *Worker) Name() string { return w.name }

// Handled returns the shared counter value.
func (w *Worker) Handled() int64 { return w.handled.Load() }

// OnPrice waits out the worker's delay and counts the price. Cancellation
// abandons the price without counting it.
func (w *Worker) OnPrice(ctx context.Context, _ string, _ float64) error {
	if w.delay > 0 {
		select {
		case <-w.clock.After(w.delay):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	w.handled.Add(1)
	return nil
}
