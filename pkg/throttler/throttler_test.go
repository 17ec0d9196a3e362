package throttler

import (
	"bytes"
	"context"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/goccy/go-json"
	"github.com/juju/clock/testclock"
	"github.com/stretchr/testify/require"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
	"go.uber.org/goleak"

	"github.com/coachpo/pricethrottler/config"
	"github.com/coachpo/pricethrottler/errs"
	"github.com/coachpo/pricethrottler/internal/rapidity"
)

type tick struct {
	instrument string
	value      float64
}

type recorder struct {
	name  string
	mu    sync.Mutex
	ticks []tick
	hook  func(ctx context.Context)
}

func (r *recorder) Name() string { return r.name }

func (r *recorder) OnPrice(ctx context.Context, instrument string, value float64) error {
	r.mu.Lock()
	r.ticks = append(r.ticks, tick{instrument: instrument, value: value})
	r.mu.Unlock()
	if r.hook != nil {
		r.hook(ctx)
	}
	return nil
}

func (r *recorder) received() []tick {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]tick(nil), r.ticks...)
}

type funcSubscriber func(context.Context, string, float64) error

func (f funcSubscriber) OnPrice(ctx context.Context, instrument string, value float64) error {
	return f(ctx, instrument, value)
}

func testSettings(opts ...config.Option) config.Settings {
	base := config.Apply(config.Default(), config.WithWorkers(2, 2), config.WithSlowThreshold(1))
	return config.Apply(base, opts...)
}

func newTestThrottler(t *testing.T, settings config.Settings, opts ...Option) (*Throttler, *sdkmetric.ManualReader) {
	t.Helper()
	reader := sdkmetric.NewManualReader()
	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	opts = append([]Option{
		WithClock(testclock.NewClock(time.Unix(0, 0))),
		WithMeterProvider(provider),
	}, opts...)
	thr, err := New(settings, opts...)
	require.NoError(t, err)
	return thr, reader
}

func waitIdle(t *testing.T, thr *Throttler) {
	t.Helper()
	require.Eventually(t, func() bool {
		stats := thr.Stats()
		return stats.InFlight == 0 && stats.SlowActive == 0 && stats.FastActive == 0
	}, 2*time.Second, 2*time.Millisecond)
}

func counter(t *testing.T, reader *sdkmetric.ManualReader, name string) int64 {
	t.Helper()
	var rm metricdata.ResourceMetrics
	require.NoError(t, reader.Collect(context.Background(), &rm))
	var total int64
	for _, scope := range rm.ScopeMetrics {
		for _, m := range scope.Metrics {
			if m.Name != name {
				continue
			}
			if sum, ok := m.Data.(metricdata.Sum[int64]); ok {
				for _, dp := range sum.DataPoints {
					total += dp.Value
				}
			}
		}
	}
	return total
}

func TestNewRejectsInvalidSettings(t *testing.T) {
	for name, settings := range map[string]config.Settings{
		"slow width": testSettings(func(s *config.Settings) { s.SlowWorkers = 0 }),
		"fast width": testSettings(func(s *config.Settings) { s.FastWorkers = 0 }),
		"threshold":  testSettings(config.WithSlowThreshold(-1)),
	} {
		t.Run(name, func(t *testing.T) {
			_, err := New(settings)
			require.Error(t, err)
			require.True(t, errs.Is(err, errs.CodeInvalid))
		})
	}
}

func TestOnPriceCoalescesPendingUpdates(t *testing.T) {
	thr, reader := newTestThrottler(t, testSettings())
	defer func() { require.NoError(t, thr.Shutdown(context.Background())) }()

	sub := &recorder{name: "sub"}
	require.NoError(t, thr.Subscribe(sub))
	ctx := context.Background()
	require.NoError(t, thr.OnPrice(ctx, "EURUSD", 1.10))
	require.NoError(t, thr.OnPrice(ctx, "EURUSD", 1.12))

	require.Equal(t, 1, thr.Tick(ctx).Submitted())
	waitIdle(t, thr)
	thr.Tick(ctx)
	waitIdle(t, thr)

	require.Equal(t, []tick{{instrument: "EURUSD", value: 1.12}}, sub.received())
	require.Equal(t, int64(2), counter(t, reader, "throttler.prices.received"))
	require.Equal(t, int64(1), counter(t, reader, "throttler.updates.coalesced"))
}

func TestOnPriceValidation(t *testing.T) {
	thr, _ := newTestThrottler(t, testSettings())
	err := thr.OnPrice(context.Background(), "", 1)
	require.True(t, errs.Is(err, errs.CodeInvalid))

	require.NoError(t, thr.Shutdown(context.Background()))
	err = thr.OnPrice(context.Background(), "EURUSD", 1)
	require.True(t, errs.Is(err, errs.CodeUnavailable))
}

func TestSubscribeValidation(t *testing.T) {
	thr, _ := newTestThrottler(t, testSettings())
	defer func() { require.NoError(t, thr.Shutdown(context.Background())) }()

	require.True(t, errs.Is(thr.Subscribe(nil), errs.CodeInvalid))
	notComparable := funcSubscriber(func(context.Context, string, float64) error { return nil })
	require.True(t, errs.Is(thr.Subscribe(notComparable), errs.CodeInvalid))
	thr.Unsubscribe(notComparable)

	sub := &recorder{name: "sub"}
	require.NoError(t, thr.Subscribe(sub))
	require.NoError(t, thr.Subscribe(sub))
	require.Equal(t, 1, thr.Stats().Subscribers)
}

func TestUnsubscribeDiscardsPendingPrices(t *testing.T) {
	thr, _ := newTestThrottler(t, testSettings())
	defer func() { require.NoError(t, thr.Shutdown(context.Background())) }()

	gone := &recorder{name: "gone"}
	kept := &recorder{name: "kept"}
	require.NoError(t, thr.Subscribe(gone))
	require.NoError(t, thr.Subscribe(kept))
	require.NoError(t, thr.OnPrice(context.Background(), "EURUSD", 1.1))

	thr.Unsubscribe(gone)
	thr.Unsubscribe(gone)
	stats := thr.Stats()
	require.Equal(t, 1, stats.Subscribers)
	require.Equal(t, 1, stats.SlowRotation)
	require.Len(t, stats.Queues, 1)
	require.Equal(t, "kept", stats.Queues[0].Name)

	thr.Tick(context.Background())
	waitIdle(t, thr)
	require.Empty(t, gone.received())
	require.Len(t, kept.received(), 1)
	_, ok := thr.Rapidity(gone)
	require.False(t, ok)
}

func TestPromotedSubscriberIsNeverDemoted(t *testing.T) {
	clk := testclock.NewClock(time.Unix(0, 0))
	thr, _ := newTestThrottler(t, testSettings(), WithClock(clk))
	defer func() { require.NoError(t, thr.Shutdown(context.Background())) }()

	var sluggish atomic.Bool
	sub := &recorder{name: "sub", hook: func(context.Context) {
		if sluggish.Load() {
			clk.Advance(5 * time.Second)
		}
	}}
	require.NoError(t, thr.Subscribe(sub))
	ctx := context.Background()

	require.NoError(t, thr.OnPrice(ctx, "EURUSD", 1.1))
	require.Equal(t, 1, thr.Tick(ctx).Slow.Submitted)
	waitIdle(t, thr)
	class, _ := thr.Rapidity(sub)
	require.Equal(t, rapidity.Fast, class)

	sluggish.Store(true)
	for i := 0; i < 3; i++ {
		require.NoError(t, thr.OnPrice(ctx, "EURUSD", float64(i)))
		report := thr.Tick(ctx)
		require.Equal(t, 1, report.Fast.Submitted)
		require.Equal(t, 0, report.Slow.Submitted)
		waitIdle(t, thr)
	}
	class, _ = thr.Rapidity(sub)
	require.Equal(t, rapidity.Fast, class)
	require.Equal(t, 0, thr.Stats().SlowRotation)
}

func TestDeliveryErrorsReachHandler(t *testing.T) {
	var mu sync.Mutex
	var lanes []string
	thr, _ := newTestThrottler(t, testSettings(), WithErrorHandler(func(lane string, err error) {
		mu.Lock()
		defer mu.Unlock()
		if errs.Is(err, errs.CodeDelivery) {
			lanes = append(lanes, lane)
		}
	}))
	defer func() { require.NoError(t, thr.Shutdown(context.Background())) }()

	sub := &recorder{name: "angry", hook: func(context.Context) { panic("no prices today") }}
	require.NoError(t, thr.Subscribe(sub))
	require.NoError(t, thr.OnPrice(context.Background(), "EURUSD", 1.1))
	thr.Tick(context.Background())
	waitIdle(t, thr)

	mu.Lock()
	defer mu.Unlock()
	require.Equal(t, []string{"slow"}, lanes)
	stats := thr.Stats()
	require.Equal(t, 1, stats.Subscribers)
	require.Equal(t, uint64(1), stats.Failures)
	require.Len(t, stats.RecentFailures, 1)
	require.Equal(t, "slow", stats.RecentFailures[0].Source)
	require.Equal(t, "angry", stats.RecentFailures[0].Fields["subscriber"])
}

func TestLifecycle(t *testing.T) {
	defer goleak.VerifyNone(t)

	thr, _ := newTestThrottler(t, testSettings())
	ctx := context.Background()
	require.NoError(t, thr.Start(ctx))
	require.True(t, errs.Is(thr.Start(ctx), errs.CodeConflict))

	require.NoError(t, thr.Shutdown(ctx))
	require.NoError(t, thr.Shutdown(ctx))
	require.True(t, errs.Is(thr.Start(ctx), errs.CodeUnavailable))
}

func TestShutdownForcesOutstandingDeliveries(t *testing.T) {
	settings := testSettings(config.WithShutdownGrace(20 * time.Millisecond))
	thr, _ := newTestThrottler(t, settings)

	started := make(chan struct{})
	cancelled := make(chan struct{})
	sub := &recorder{name: "stuck", hook: func(ctx context.Context) {
		close(started)
		<-ctx.Done()
		close(cancelled)
	}}
	require.NoError(t, thr.Subscribe(sub))
	require.NoError(t, thr.OnPrice(context.Background(), "EURUSD", 1.1))
	thr.Tick(context.Background())
	<-started

	err := thr.Shutdown(context.Background())
	require.Error(t, err)
	require.True(t, errs.Is(err, errs.CodeUnavailable))
	require.Equal(t, err, thr.Shutdown(context.Background()))

	select {
	case <-cancelled:
	case <-time.After(time.Second):
		t.Fatal("stuck delivery was not cancelled")
	}
}

func TestThrottlersChain(t *testing.T) {
	upstream, _ := newTestThrottler(t, testSettings())
	downstream, _ := newTestThrottler(t, testSettings())
	defer func() {
		require.NoError(t, upstream.Shutdown(context.Background()))
		require.NoError(t, downstream.Shutdown(context.Background()))
	}()

	sink := &recorder{name: "sink"}
	require.NoError(t, upstream.Subscribe(downstream))
	require.NoError(t, downstream.Subscribe(sink))

	ctx := context.Background()
	require.NoError(t, upstream.OnPrice(ctx, "GBPUSD", 1.27))
	upstream.Tick(ctx)
	waitIdle(t, upstream)
	downstream.Tick(ctx)
	waitIdle(t, downstream)

	require.Equal(t, []tick{{instrument: "GBPUSD", value: 1.27}}, sink.received())
}

func TestStatsRendering(t *testing.T) {
	thr, _ := newTestThrottler(t, testSettings())
	defer func() { require.NoError(t, thr.Shutdown(context.Background())) }()

	require.NoError(t, thr.Subscribe(&recorder{name: "printer"}))
	require.NoError(t, thr.OnPrice(context.Background(), "EURUSD", 1.1))
	require.NoError(t, thr.OnPrice(context.Background(), "GBPUSD", 1.2))

	var text bytes.Buffer
	require.NoError(t, thr.PrintStats(&text))
	require.Contains(t, text.String(), "printer")
	require.Contains(t, text.String(), "queue 2")

	var raw bytes.Buffer
	require.NoError(t, thr.Stats().WriteJSON(&raw))
	var decoded Stats
	require.NoError(t, json.Unmarshal(raw.Bytes(), &decoded))
	require.Equal(t, 1, decoded.Subscribers)
	require.Equal(t, 2, decoded.Instruments)
	require.Equal(t, "SLOW", decoded.Queues[0].Rapidity)
	require.True(t, strings.HasSuffix(raw.String(), "\n"))
}

func TestSlowAndFastSubscribersSeparate(t *testing.T) {
	if testing.Short() {
		t.Skip("runs for several seconds of wall time")
	}
	settings := testSettings(
		config.WithTickPeriod(50*time.Millisecond, 0),
		config.WithShutdownGrace(3*time.Second),
	)
	thr, err := New(settings)
	require.NoError(t, err)

	sleeper := &recorder{name: "sleeper", hook: func(ctx context.Context) {
		select {
		case <-time.After(2 * time.Second):
		case <-ctx.Done():
		}
	}}
	quickA := &recorder{name: "quick-a"}
	quickB := &recorder{name: "quick-b"}
	for _, sub := range []*recorder{sleeper, quickA, quickB} {
		require.NoError(t, thr.Subscribe(sub))
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, thr.Start(ctx))

	feedDone := make(chan struct{})
	go func() {
		defer close(feedDone)
		ticker := time.NewTicker(20 * time.Millisecond)
		defer ticker.Stop()
		i := 0
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				i++
				_ = thr.OnPrice(ctx, "EURUSD", float64(i))
			}
		}
	}()

	isFast := func(sub *recorder) bool {
		class, _ := thr.Rapidity(sub)
		return class == rapidity.Fast
	}
	require.Eventually(t, func() bool { return isFast(quickA) && isFast(quickB) }, 2*time.Second, 10*time.Millisecond)
	require.Eventually(t, func() bool { return len(sleeper.received()) >= 2 }, 5*time.Second, 20*time.Millisecond)
	require.False(t, isFast(sleeper))
	stats := thr.Stats()
	require.Equal(t, 2, stats.Fast)
	require.Equal(t, 1, stats.SlowRotation)

	cancel()
	<-feedDone
	require.NoError(t, thr.Shutdown(context.Background()))
}
