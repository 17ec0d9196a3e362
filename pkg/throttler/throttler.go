// Package throttler fans price updates out to subscribers of very different
// speeds. Each subscriber receives the newest price per instrument, at most one
// delivery at a time, on a lane chosen by how quickly it has been observed to
// return.
package throttler

import (
	"context"
	"sync"

	"github.com/juju/clock"
	"github.com/sourcegraph/conc"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"

	"github.com/coachpo/pricethrottler/config"
	"github.com/coachpo/pricethrottler/errs"
	"github.com/coachpo/pricethrottler/internal/dispatch"
	"github.com/coachpo/pricethrottler/internal/observability"
	"github.com/coachpo/pricethrottler/internal/rapidity"
	"github.com/coachpo/pricethrottler/internal/registry"
	"github.com/coachpo/pricethrottler/internal/telemetry"
	"github.com/coachpo/pricethrottler/lib/async"
	"github.com/coachpo/pricethrottler/pkg/price"
)

type lifecycle uint8

const (
	stateIdle lifecycle = iota
	stateRunning
	stateStopped
)

// recentFailures bounds how many delivery failures Stats reports.
const recentFailures = 32

// ErrorHandler receives delivery failures. The lane name is "slow" or "fast".
type ErrorHandler func(lane string, err error)

// Option customises a Throttler.
type Option func(*Throttler)

// WithLogger sets the logger. The global observability logger is used otherwise.
func WithLogger(logger observability.Logger) Option {
	return func(t *Throttler) {
		t.logger = logger
	}
}

// WithClock sets the clock used for tick timing and speed measurement.
func WithClock(clk clock.Clock) Option {
	return func(t *Throttler) {
		t.clock = clk
	}
}

// WithMeterProvider sets where metrics are recorded. The global provider is used otherwise.
func WithMeterProvider(provider metric.MeterProvider) Option {
	return func(t *Throttler) {
		t.meterProvider = provider
	}
}

// WithErrorHandler replaces the default handler, which logs delivery failures.
func WithErrorHandler(handler ErrorHandler) Option {
	return func(t *Throttler) {
		t.onError = handler
	}
}

// Throttler is the entry point for producers and subscribers.
type Throttler struct {
	settings      config.Settings
	logger        observability.Logger
	clock         clock.Clock
	meterProvider metric.MeterProvider
	onError       ErrorHandler
	failures      *observability.DeadLetterQueue

	ledger    *price.Ledger
	registry  *registry.Registry
	slow      *async.Pool
	fast      *async.Pool
	scheduler *dispatch.Scheduler

	received  metric.Int64Counter
	coalesced metric.Int64Counter

	mu    sync.Mutex
	state lifecycle

	shutdownOnce sync.Once
	shutdownErr  error
}

var _ price.Subscriber = (*Throttler)(nil)

// New validates settings and assembles a stopped throttler.
func New(settings config.Settings, opts ...Option) (*Throttler, error) {
	if err := settings.Validate(); err != nil {
		return nil, err
	}
	t := &Throttler{settings: settings, failures: observability.NewDeadLetterQueue(recentFailures)}
	for _, opt := range opts {
		if opt != nil {
			opt(t)
		}
	}
	t.logger = observability.OrDefault(t.logger)
	if t.clock == nil {
		t.clock = clock.WallClock
	}
	if t.meterProvider == nil {
		t.meterProvider = otel.GetMeterProvider()
	}
	if t.onError == nil {
		t.onError = t.logDeliveryError
	}

	resolver, err := rapidity.NewResolver(settings.SlowThresholdSeconds, t.clock)
	if err != nil {
		return nil, err
	}
	laneErrors := async.WithErrorHandler(func(lane string, err error) {
		t.failures.Record(t.clock.Now(), lane, err)
		t.onError(lane, err)
	})
	t.slow, err = async.NewPool(rapidity.Slow.Lane(), settings.SlowWorkers, laneErrors)
	if err != nil {
		return nil, err
	}
	t.fast, err = async.NewPool(rapidity.Fast.Lane(), settings.FastWorkers, laneErrors)
	if err != nil {
		t.slow.Close()
		return nil, err
	}

	t.ledger = price.NewLedger()
	t.registry = registry.New()
	t.scheduler, err = dispatch.New(dispatch.Config{
		Registry:     t.registry,
		Resolver:     resolver,
		SlowLane:     t.slow,
		FastLane:     t.fast,
		Clock:        t.clock,
		Period:       settings.TickPeriod,
		InitialDelay: settings.InitialDelay,
		Logger:       t.logger,
		Meter:        telemetry.Meter(t.meterProvider, "dispatch"),
	})
	if err != nil {
		t.slow.Close()
		t.fast.Close()
		return nil, err
	}

	meter := telemetry.Meter(t.meterProvider, "throttler")
	t.received, _ = meter.Int64Counter("throttler.prices.received",
		metric.WithDescription("Number of price updates accepted from producers"),
		metric.WithUnit("{price}"))
	t.coalesced, _ = meter.Int64Counter("throttler.updates.coalesced",
		metric.WithDescription("Number of pending updates replaced by a newer price"),
		metric.WithUnit("{update}"))
	return t, nil
}

// OnPrice records a new price and queues it for every subscriber, replacing any
// price for the same instrument that has not been delivered yet. It never
// blocks on subscribers.
func (t *Throttler) OnPrice(ctx context.Context, instrument string, value float64) error {
	if instrument == "" {
		return errs.New("throttler", errs.CodeInvalid, errs.WithMessage("instrument required"))
	}
	if t.stopped() {
		return errs.New("throttler", errs.CodeUnavailable, errs.WithMessage("throttler shut down"))
	}
	update := t.ledger.Assign(instrument, value)
	replaced := t.registry.Enqueue(update)

	attrs := metric.WithAttributes(telemetry.AttrEnvironment.String(telemetry.Environment()))
	if t.received != nil {
		t.received.Add(ctx, 1, attrs)
	}
	if replaced > 0 && t.coalesced != nil {
		t.coalesced.Add(ctx, int64(replaced), attrs)
	}
	return nil
}

// Subscribe registers s. Subscribing the same subscriber twice is ignored.
// The subscriber is used as a map key and must be comparable, typically a pointer.
func (t *Throttler) Subscribe(s price.Subscriber) error {
	if s == nil {
		return errs.New("throttler", errs.CodeInvalid, errs.WithMessage("subscriber required"))
	}
	if !price.Comparable(s) {
		return errs.New("throttler", errs.CodeInvalid,
			errs.WithMessage("subscriber must be comparable"),
			errs.WithField("subscriber", price.NameOf(s)))
	}
	if t.registry.Add(s) {
		t.logger.Debug("subscriber added", observability.F("subscriber", price.NameOf(s)))
	}
	return nil
}

// Unsubscribe removes s together with its undelivered prices. A delivery that
// is already running is allowed to finish.
func (t *Throttler) Unsubscribe(s price.Subscriber) {
	if s == nil || !price.Comparable(s) {
		return
	}
	if t.registry.Remove(s) {
		t.logger.Debug("subscriber removed", observability.F("subscriber", price.NameOf(s)))
	}
}

// Start begins periodic dispatch.
func (t *Throttler) Start(ctx context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	switch t.state {
	case stateStopped:
		return errs.New("throttler", errs.CodeUnavailable, errs.WithMessage("throttler shut down"))
	case stateRunning:
		return errs.New("throttler", errs.CodeConflict, errs.WithMessage("throttler already started"))
	}
	if err := t.scheduler.Start(ctx); err != nil {
		return err
	}
	t.state = stateRunning
	t.logger.Info("throttler started",
		observability.F("slow_workers", t.settings.SlowWorkers),
		observability.F("fast_workers", t.settings.FastWorkers),
		observability.F("slow_threshold", t.settings.SlowThresholdSeconds),
		observability.F("period", t.settings.TickPeriod))
	return nil
}

// Shutdown stops dispatch and waits up to the configured grace period for
// running deliveries. Deliveries still running afterwards have their context
// cancelled and an unavailable error is returned; the process may treat it as
// informational. Later calls return the first result.
func (t *Throttler) Shutdown(ctx context.Context) error {
	t.shutdownOnce.Do(func() {
		t.shutdownErr = t.shutdown(ctx)
	})
	return t.shutdownErr
}

func (t *Throttler) shutdown(ctx context.Context) error {
	t.mu.Lock()
	t.state = stateStopped
	t.mu.Unlock()

	graceCtx, cancel := context.WithTimeout(ctx, t.settings.ShutdownGrace)
	defer cancel()

	var mu sync.Mutex
	var failures []error
	record := func(err error) {
		if err == nil {
			return
		}
		mu.Lock()
		failures = append(failures, err)
		mu.Unlock()
	}

	record(t.scheduler.Stop(graceCtx))
	var lanes conc.WaitGroup
	for _, lane := range []*async.Pool{t.slow, t.fast} {
		lanes.Go(func() {
			record(lane.Shutdown(graceCtx))
		})
	}
	lanes.Wait()

	if len(failures) > 0 {
		return observability.AggregateErrors(t.logger, "throttler shutdown", failures,
			observability.F("inflight", t.scheduler.InFlight()))
	}
	t.logger.Info("throttler stopped")
	return nil
}

// Tick runs one dispatch pass immediately, independent of the timer.
func (t *Throttler) Tick(ctx context.Context) dispatch.TickReport {
	return t.scheduler.Tick(ctx)
}

// Rapidity returns the subscriber's current classification.
func (t *Throttler) Rapidity(s price.Subscriber) (rapidity.Rapidity, bool) {
	if s == nil || !price.Comparable(s) {
		return rapidity.Slow, false
	}
	return t.registry.Rapidity(s)
}

func (t *Throttler) stopped() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state == stateStopped
}

func (t *Throttler) logDeliveryError(lane string, err error) {
	t.logger.Error("price delivery failed",
		observability.F("lane", lane),
		observability.F("error", err))
}
