// Package dispatch drives periodic delivery of pending price updates to
// subscribers over a slow and a fast lane.
package dispatch

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/juju/clock"
	"github.com/sourcegraph/conc"
	"github.com/sourcegraph/conc/panics"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"

	"github.com/coachpo/pricethrottler/errs"
	"github.com/coachpo/pricethrottler/internal/observability"
	"github.com/coachpo/pricethrottler/internal/rapidity"
	"github.com/coachpo/pricethrottler/internal/registry"
	"github.com/coachpo/pricethrottler/internal/telemetry"
	"github.com/coachpo/pricethrottler/lib/async"
	"github.com/coachpo/pricethrottler/pkg/price"
)

// Config wires the scheduler to its collaborators.
type Config struct {
	Registry     *registry.Registry
	Resolver     *rapidity.Resolver
	SlowLane     *async.Pool
	FastLane     *async.Pool
	Clock        clock.Clock
	Period       time.Duration
	InitialDelay time.Duration
	Logger       observability.Logger
	Meter        metric.Meter
}

// LaneReport summarises one pass over a lane.
type LaneReport struct {
	Lane      string
	Capacity  int
	Submitted int
	Skipped   int
	// Stopped names why the pass ended before using its capacity; empty otherwise.
	Stopped string
}

// TickReport summarises one tick: the fast pass followed by the slow pass.
type TickReport struct {
	Fast LaneReport
	Slow LaneReport
}

// Submitted returns the number of deliveries handed to either lane.
func (r TickReport) Submitted() int {
	return r.Fast.Submitted + r.Slow.Submitted
}

// Scheduler periodically pulls one pending update per selected subscriber and
// hands it to the lane pool matching the subscriber's classification. A
// subscriber never has more than one delivery in progress.
type Scheduler struct {
	registry     *registry.Registry
	resolver     *rapidity.Resolver
	slow         *async.Pool
	fast         *async.Pool
	clock        clock.Clock
	period       time.Duration
	initialDelay time.Duration
	logger       observability.Logger
	metrics      *schedulerMetrics
	inflight     InFlight

	mu      sync.Mutex
	started bool
	cancel  context.CancelFunc
	loop    conc.WaitGroup
}

// New validates cfg and constructs a stopped scheduler.
func New(cfg Config) (*Scheduler, error) {
	switch {
	case cfg.Registry == nil:
		return nil, errs.New("dispatch", errs.CodeInvalid, errs.WithMessage("registry required"))
	case cfg.Resolver == nil:
		return nil, errs.New("dispatch", errs.CodeInvalid, errs.WithMessage("resolver required"))
	case cfg.SlowLane == nil || cfg.FastLane == nil:
		return nil, errs.New("dispatch", errs.CodeInvalid, errs.WithMessage("slow and fast lanes required"))
	case cfg.Period <= 0:
		return nil, errs.New("dispatch", errs.CodeInvalid, errs.WithMessage("period must be >0"))
	case cfg.InitialDelay < 0:
		return nil, errs.New("dispatch", errs.CodeInvalid, errs.WithMessage("initial delay must be >=0"))
	}
	clk := cfg.Clock
	if clk == nil {
		clk = clock.WallClock
	}
	meter := cfg.Meter
	if meter == nil {
		meter = otel.Meter("dispatch")
	}
	return &Scheduler{
		registry:     cfg.Registry,
		resolver:     cfg.Resolver,
		slow:         cfg.SlowLane,
		fast:         cfg.FastLane,
		clock:        clk,
		period:       cfg.Period,
		initialDelay: cfg.InitialDelay,
		logger:       observability.OrDefault(cfg.Logger),
		metrics:      newSchedulerMetrics(meter),
	}, nil
}

// Start arms the tick timer. The first tick fires after the initial delay and
// each following tick fires one period after the previous tick returned.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return errs.New("dispatch", errs.CodeConflict, errs.WithMessage("scheduler already started"))
	}
	s.started = true
	loopCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.loop.Go(func() {
		s.run(loopCtx)
	})
	return nil
}

// Stop halts the tick timer and waits for a running tick to return. Deliveries
// already handed to a lane keep running.
func (s *Scheduler) Stop(ctx context.Context) error {
	s.mu.Lock()
	cancel := s.cancel
	s.cancel = nil
	s.mu.Unlock()
	if cancel == nil {
		return nil
	}
	cancel()

	done := make(chan struct{})
	go func() {
		s.loop.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("stop scheduler: %w", ctx.Err())
	}
}

// InFlight returns the number of subscribers with a delivery in progress.
func (s *Scheduler) InFlight() int {
	return s.inflight.Len()
}

// Tick runs the fast pass and then the slow pass. Deliveries inherit ctx.
func (s *Scheduler) Tick(ctx context.Context) TickReport {
	return TickReport{
		Fast: s.pass(ctx, rapidity.Fast, s.fast),
		Slow: s.pass(ctx, rapidity.Slow, s.slow),
	}
}

func (s *Scheduler) run(ctx context.Context) {
	// Deliveries outlive the timer; lane shutdown is what cancels them.
	deliveries := context.WithoutCancel(ctx)
	timer := s.clock.NewTimer(s.initialDelay)
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-timer.Chan():
			report := s.Tick(deliveries)
			if report.Submitted() > 0 {
				s.logger.Debug("dispatch tick",
					observability.F("fast_submitted", report.Fast.Submitted),
					observability.F("slow_submitted", report.Slow.Submitted),
					observability.F("inflight", s.InFlight()))
			}
			timer.Reset(s.period)
		}
	}
}

func (s *Scheduler) pass(ctx context.Context, lane rapidity.Rapidity, pool *async.Pool) LaneReport {
	report := LaneReport{Lane: lane.Lane(), Capacity: pool.Available()}
	for i := 0; i < report.Capacity; i++ {
		sub, ok := s.registry.Next(lane)
		if !ok {
			report.Stopped = telemetry.ReasonRotationEmpty
			return report
		}
		// A busy subscriber still uses up this slot.
		if !s.inflight.Claim(sub) {
			report.Skipped++
			s.metrics.recordSkipped(ctx, report.Lane, telemetry.ReasonInFlight)
			continue
		}
		update, ok := s.registry.Dequeue(sub)
		if !ok {
			s.inflight.Release(sub)
			report.Stopped = telemetry.ReasonQueueEmpty
			s.metrics.recordSkipped(ctx, report.Lane, telemetry.ReasonQueueEmpty)
			return report
		}
		s.metrics.addInFlight(ctx, 1)
		if err := pool.Submit(ctx, s.task(lane, sub, update)); err != nil {
			s.release(sub)
			s.registry.Restore(sub, update)
			report.Stopped = telemetry.ReasonSubmitFailed
			s.metrics.recordSkipped(ctx, report.Lane, telemetry.ReasonSubmitFailed)
			s.logger.Error("dispatch submit failed",
				observability.F("lane", report.Lane),
				observability.F("subscriber", price.NameOf(sub)),
				observability.F("instrument", update.Instrument),
				observability.F("error", err))
			return report
		}
		report.Submitted++
		s.metrics.recordSubmitted(ctx, report.Lane)
	}
	return report
}

func (s *Scheduler) task(lane rapidity.Rapidity, sub price.Subscriber, update price.Update) async.Task {
	return func(ctx context.Context) error {
		defer s.release(sub)

		var err error
		var elapsed time.Duration
		class := rapidity.Fast
		if lane == rapidity.Slow {
			class, elapsed = s.resolver.Measure(func() {
				err = deliver(ctx, sub, update)
			})
		} else {
			start := s.clock.Now()
			err = deliver(ctx, sub, update)
			elapsed = s.clock.Now().Sub(start)
		}
		s.metrics.recordDelivery(ctx, lane.Lane(), elapsed, err)

		if err != nil {
			return errs.New("dispatch", errs.CodeDelivery,
				errs.WithMessage("subscriber delivery failed"),
				errs.WithField("lane", lane.Lane()),
				errs.WithField("subscriber", price.NameOf(sub)),
				errs.WithField("instrument", update.Instrument),
				errs.WithCause(err))
		}
		if lane == rapidity.Slow && class == rapidity.Fast && s.registry.Promote(sub) {
			name := price.NameOf(sub)
			s.metrics.recordPromotion(ctx, name)
			s.logger.Info("subscriber promoted to fast lane",
				observability.F("subscriber", name),
				observability.F("elapsed", elapsed))
		}
		return nil
	}
}

func (s *Scheduler) release(sub price.Subscriber) {
	s.inflight.Release(sub)
	s.metrics.addInFlight(context.Background(), -1)
}

func deliver(ctx context.Context, sub price.Subscriber, update price.Update) error {
	var err error
	var catcher panics.Catcher
	catcher.Try(func() {
		err = sub.OnPrice(ctx, update.Instrument, update.Value)
	})
	if recovered := catcher.Recovered(); recovered != nil {
		return recovered.AsError()
	}
	return err
}
