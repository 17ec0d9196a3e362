// Package telemetry configures OpenTelemetry metrics for the throttler.
package telemetry

import (
	"context"
	"fmt"
	"net/url"
	"strings"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetrichttp"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"

	"github.com/coachpo/pricethrottler/config"
)

const (
	defaultServiceName = "pricethrottler"
	serviceVersion     = "1.0.0"
	defaultInterval    = 15 * time.Second
)

// environment stores the environment name for use in metric labels.
var environment atomic.Value

// Environment returns the configured environment name for use in metric labels.
func Environment() string {
	if env, ok := environment.Load().(string); ok && env != "" {
		return env
	}
	return "development"
}

// Init configures the global meter provider. Without an endpoint, or with
// metrics disabled, a noop provider is installed. The returned function flushes
// and stops the exporter.
func Init(ctx context.Context, env config.Environment, cfg config.TelemetryConfig) (metric.MeterProvider, func(context.Context) error, error) {
	environment.Store(strings.ToLower(strings.TrimSpace(string(env))))

	endpoint := strings.TrimSpace(cfg.OTLPEndpoint)
	service := strings.TrimSpace(cfg.ServiceName)
	if service == "" {
		service = defaultServiceName
	}

	if endpoint == "" || !cfg.EnableMetrics {
		provider := noop.NewMeterProvider()
		otel.SetMeterProvider(provider)
		return provider, func(context.Context) error { return nil }, nil
	}

	host, insecure, err := parseEndpoint(endpoint)
	if err != nil {
		return nil, nil, err
	}
	opts := []otlpmetrichttp.Option{otlpmetrichttp.WithEndpoint(host)}
	if insecure || cfg.OTLPInsecure {
		opts = append(opts, otlpmetrichttp.WithInsecure())
	}
	exporter, err := otlpmetrichttp.New(ctx, opts...)
	if err != nil {
		return nil, nil, fmt.Errorf("create metric exporter: %w", err)
	}

	res, err := resource.New(ctx, resource.WithAttributes(
		semconv.ServiceName(service),
		semconv.ServiceVersion(serviceVersion),
		attribute.String("environment", Environment()),
	))
	if err != nil {
		return nil, nil, fmt.Errorf("create resource: %w", err)
	}

	interval := cfg.MetricInterval
	if interval <= 0 {
		interval = defaultInterval
	}
	provider := sdkmetric.NewMeterProvider(
		sdkmetric.WithResource(res),
		sdkmetric.WithReader(sdkmetric.NewPeriodicReader(exporter, sdkmetric.WithInterval(interval))),
	)
	otel.SetMeterProvider(provider)
	return provider, provider.Shutdown, nil
}

// Meter returns a named meter from the provider, or from the global provider
// when provider is nil.
func Meter(provider metric.MeterProvider, name string) metric.Meter {
	if provider == nil {
		return otel.Meter(name)
	}
	return provider.Meter(name)
}

func parseEndpoint(raw string) (string, bool, error) {
	parsed, err := url.Parse(raw)
	if err != nil {
		return "", false, fmt.Errorf("parse otlp endpoint: %w", err)
	}
	host := parsed.Host
	if host == "" {
		host = raw
	}
	insecure := parsed.Scheme != "https"
	return host, insecure, nil
}
