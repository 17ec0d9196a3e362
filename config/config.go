// Package config centralises runtime configuration helpers for the price throttler.
package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/coachpo/pricethrottler/errs"
)

// Environment identifies the runtime environment where the throttler operates.
type Environment string

const (
	// EnvDev marks the development environment.
	EnvDev Environment = "dev"
	// EnvStaging marks the staging environment.
	EnvStaging Environment = "staging"
	// EnvProd marks the production environment.
	EnvProd Environment = "prod"
)

const (
	// DefaultTickPeriod is the fixed delay between dispatch ticks.
	DefaultTickPeriod = time.Second
	// DefaultShutdownGrace bounds how long shutdown waits for in-flight deliveries.
	DefaultShutdownGrace = time.Second
)

// TelemetryConfig configures OTLP exporters (metrics only).
type TelemetryConfig struct {
	OTLPEndpoint   string        `yaml:"otlpEndpoint"`
	ServiceName    string        `yaml:"serviceName"`
	OTLPInsecure   bool          `yaml:"otlpInsecure"`
	EnableMetrics  bool          `yaml:"enableMetrics"`
	MetricInterval time.Duration `yaml:"metricInterval"`
}

// Settings contains the throttler configuration tree loaded from defaults and overrides.
type Settings struct {
	Environment Environment `yaml:"environment"`
	// SlowWorkers is the width of the lane serving subscribers not yet proven fast.
	SlowWorkers int `yaml:"slowWorkers"`
	// FastWorkers is the width of the lane serving promoted subscribers.
	FastWorkers int `yaml:"fastWorkers"`
	// SlowThresholdSeconds is the whole-second callback duration at or above which
	// a subscriber stays slow. Zero keeps every subscriber slow.
	SlowThresholdSeconds int64           `yaml:"slowThresholdSeconds"`
	TickPeriod           time.Duration   `yaml:"tickPeriod"`
	InitialDelay         time.Duration   `yaml:"initialDelay"`
	ShutdownGrace        time.Duration   `yaml:"shutdownGrace"`
	Telemetry            TelemetryConfig `yaml:"telemetry"`
}

// Default returns the default throttler configuration.
func Default() Settings {
	return Settings{
		Environment:          EnvDev,
		SlowWorkers:          10,
		FastWorkers:          20,
		SlowThresholdSeconds: 1,
		TickPeriod:           DefaultTickPeriod,
		InitialDelay:         DefaultTickPeriod,
		ShutdownGrace:        DefaultShutdownGrace,
		Telemetry: TelemetryConfig{
			ServiceName:    "pricethrottler",
			MetricInterval: 15 * time.Second,
		},
	}
}

// FromEnv loads configuration values from environment variables, overriding defaults.
func FromEnv() Settings {
	return OverlayEnv(Default())
}

// OverlayEnv returns a copy of base with any THROTTLER_* environment variables applied.
// Unparseable values are ignored.
func OverlayEnv(base Settings) Settings {
	cfg := base
	if env := strings.TrimSpace(os.Getenv("THROTTLER_ENV")); env != "" {
		cfg.Environment = Environment(strings.ToLower(env))
	}
	if v, ok := envInt("THROTTLER_SLOW_WORKERS"); ok {
		cfg.SlowWorkers = int(v)
	}
	if v, ok := envInt("THROTTLER_FAST_WORKERS"); ok {
		cfg.FastWorkers = int(v)
	}
	if v, ok := envInt("THROTTLER_SLOW_THRESHOLD_SECONDS"); ok {
		cfg.SlowThresholdSeconds = v
	}
	if v, ok := envDuration("THROTTLER_TICK_PERIOD"); ok {
		cfg.TickPeriod = v
	}
	if v, ok := envDuration("THROTTLER_INITIAL_DELAY"); ok {
		cfg.InitialDelay = v
	}
	if v, ok := envDuration("THROTTLER_SHUTDOWN_GRACE"); ok {
		cfg.ShutdownGrace = v
	}
	if v := strings.TrimSpace(os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT")); v != "" {
		cfg.Telemetry.OTLPEndpoint = v
		cfg.Telemetry.EnableMetrics = true
	}
	return cfg
}

// Option mutates Settings when applied via Apply.
type Option func(*Settings)

// Apply applies the provided Option set to a copy of the base Settings.
func Apply(base Settings, opts ...Option) Settings {
	cfg := base
	for _, opt := range opts {
		if opt != nil {
			opt(&cfg)
		}
	}
	return cfg
}

// WithEnvironment configures the top-level environment.
func WithEnvironment(env Environment) Option {
	return func(s *Settings) {
		if env != "" {
			s.Environment = env
		}
	}
}

// WithWorkers overrides the lane widths. Non-positive values are ignored.
func WithWorkers(slow, fast int) Option {
	return func(s *Settings) {
		if slow > 0 {
			s.SlowWorkers = slow
		}
		if fast > 0 {
			s.FastWorkers = fast
		}
	}
}

// WithSlowThreshold sets the slow classification threshold in whole seconds.
func WithSlowThreshold(seconds int64) Option {
	return func(s *Settings) {
		s.SlowThresholdSeconds = seconds
	}
}

// WithTickPeriod sets the dispatch cadence and, when delay >= 0, the initial delay.
func WithTickPeriod(period, delay time.Duration) Option {
	return func(s *Settings) {
		if period > 0 {
			s.TickPeriod = period
		}
		if delay >= 0 {
			s.InitialDelay = delay
		}
	}
}

// WithShutdownGrace sets how long shutdown waits before forcing cancellation.
func WithShutdownGrace(grace time.Duration) Option {
	return func(s *Settings) {
		if grace > 0 {
			s.ShutdownGrace = grace
		}
	}
}

// WithTelemetry replaces the telemetry sub-configuration.
func WithTelemetry(telemetry TelemetryConfig) Option {
	return func(s *Settings) {
		s.Telemetry = telemetry
	}
}

// Validate performs semantic validation on the configuration.
func (s Settings) Validate() error {
	switch s.Environment {
	case EnvDev, EnvStaging, EnvProd:
	default:
		return invalid("environment", "environment must be one of dev, staging, prod")
	}
	if s.SlowWorkers <= 0 {
		return invalid("slowWorkers", "slowWorkers must be >0")
	}
	if s.FastWorkers <= 0 {
		return invalid("fastWorkers", "fastWorkers must be >0")
	}
	if s.SlowThresholdSeconds < 0 {
		return invalid("slowThresholdSeconds", "slowThresholdSeconds must be >=0")
	}
	if s.TickPeriod <= 0 {
		return invalid("tickPeriod", "tickPeriod must be >0")
	}
	if s.InitialDelay < 0 {
		return invalid("initialDelay", "initialDelay must be >=0")
	}
	if s.ShutdownGrace <= 0 {
		return invalid("shutdownGrace", "shutdownGrace must be >0")
	}
	if s.Telemetry.EnableMetrics && strings.TrimSpace(s.Telemetry.ServiceName) == "" {
		return invalid("telemetry.serviceName", "telemetry serviceName required when metrics are enabled")
	}
	return nil
}

func invalid(field, message string) error {
	return errs.New("config", errs.CodeInvalid, errs.WithMessage(message), errs.WithField("field", field))
}

func envInt(key string) (int64, bool) {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return 0, false
	}
	v, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return 0, false
	}
	return v, true
}

func envDuration(key string) (time.Duration, bool) {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return 0, false
	}
	dur, err := time.ParseDuration(raw)
	if err != nil {
		return 0, false
	}
	return dur, true
}
