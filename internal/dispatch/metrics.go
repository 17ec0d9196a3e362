package dispatch

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/metric"

	"github.com/coachpo/pricethrottler/internal/telemetry"
)

type schedulerMetrics struct {
	submitted  metric.Int64Counter
	failed     metric.Int64Counter
	promotions metric.Int64Counter
	skipped    metric.Int64Counter
	duration   metric.Float64Histogram
	inflight   metric.Int64UpDownCounter
}

func newSchedulerMetrics(meter metric.Meter) *schedulerMetrics {
	m := new(schedulerMetrics)
	m.submitted, _ = meter.Int64Counter("dispatch.deliveries.submitted",
		metric.WithDescription("Number of deliveries handed to a lane pool"),
		metric.WithUnit("{delivery}"))
	m.failed, _ = meter.Int64Counter("dispatch.deliveries.failed",
		metric.WithDescription("Number of deliveries that returned an error or panicked"),
		metric.WithUnit("{delivery}"))
	m.promotions, _ = meter.Int64Counter("dispatch.promotions",
		metric.WithDescription("Number of subscribers promoted from the slow to the fast lane"),
		metric.WithUnit("{subscriber}"))
	m.skipped, _ = meter.Int64Counter("dispatch.slots.skipped",
		metric.WithDescription("Number of dispatch slots that did not produce a delivery"),
		metric.WithUnit("{slot}"))
	m.duration, _ = meter.Float64Histogram("dispatch.delivery.duration",
		metric.WithDescription("Latency of subscriber callbacks"),
		metric.WithUnit("ms"))
	m.inflight, _ = meter.Int64UpDownCounter("dispatch.inflight",
		metric.WithDescription("Number of subscribers with a delivery in progress"),
		metric.WithUnit("{subscriber}"))
	return m
}

func (m *schedulerMetrics) recordSubmitted(ctx context.Context, lane string) {
	if m.submitted == nil {
		return
	}
	m.submitted.Add(ctx, 1, metric.WithAttributes(telemetry.LaneAttributes(lane)...))
}

func (m *schedulerMetrics) recordSkipped(ctx context.Context, lane, reason string) {
	if m.skipped == nil {
		return
	}
	attrs := append(telemetry.LaneAttributes(lane), telemetry.AttrReason.String(reason))
	m.skipped.Add(ctx, 1, metric.WithAttributes(attrs...))
}

func (m *schedulerMetrics) recordDelivery(ctx context.Context, lane string, elapsed time.Duration, err error) {
	result := telemetry.ResultSuccess
	if err != nil {
		result = telemetry.ResultError
		if m.failed != nil {
			m.failed.Add(ctx, 1, metric.WithAttributes(telemetry.LaneAttributes(lane)...))
		}
	}
	if m.duration != nil {
		m.duration.Record(ctx, float64(elapsed)/float64(time.Millisecond),
			metric.WithAttributes(telemetry.DeliveryAttributes(lane, result)...))
	}
}

func (m *schedulerMetrics) recordPromotion(ctx context.Context, subscriber string) {
	if m.promotions == nil {
		return
	}
	m.promotions.Add(ctx, 1, metric.WithAttributes(
		telemetry.AttrEnvironment.String(telemetry.Environment()),
		telemetry.AttrSubscriber.String(subscriber)))
}

func (m *schedulerMetrics) addInFlight(ctx context.Context, delta int64) {
	if m.inflight == nil {
		return
	}
	m.inflight.Add(ctx, delta, metric.WithAttributes(
		telemetry.AttrEnvironment.String(telemetry.Environment())))
}
