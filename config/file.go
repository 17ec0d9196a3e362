package config

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// Load reads a YAML configuration file on top of Default and validates the result.
// Durations are written as Go duration strings ("750ms", "2s").
func Load(ctx context.Context, configPath string) (Settings, error) {
	_ = ctx

	reader, closer, err := openConfigFile(configPath)
	if err != nil {
		return Settings{}, err
	}
	defer closer()

	return decode(reader)
}

// LoadOrDefault loads configPath when it is non-empty and otherwise returns Default.
// Environment overrides are applied last in both cases.
func LoadOrDefault(ctx context.Context, configPath string) (Settings, error) {
	if strings.TrimSpace(configPath) == "" {
		cfg := FromEnv()
		if err := cfg.Validate(); err != nil {
			return Settings{}, err
		}
		return cfg, nil
	}
	cfg, err := Load(ctx, configPath)
	if err != nil {
		return Settings{}, err
	}
	cfg = OverlayEnv(cfg)
	if err := cfg.Validate(); err != nil {
		return Settings{}, err
	}
	return cfg, nil
}

func decode(reader io.Reader) (Settings, error) {
	bytes, err := io.ReadAll(reader)
	if err != nil {
		return Settings{}, fmt.Errorf("read config: %w", err)
	}

	cfg := Default()
	if err := yaml.Unmarshal(bytes, &cfg); err != nil {
		return Settings{}, fmt.Errorf("unmarshal config: %w", err)
	}
	cfg.normalise()

	if err := cfg.Validate(); err != nil {
		return Settings{}, err
	}
	return cfg, nil
}

func (s *Settings) normalise() {
	s.Environment = Environment(strings.ToLower(strings.TrimSpace(string(s.Environment))))
	s.Telemetry.OTLPEndpoint = strings.TrimSpace(s.Telemetry.OTLPEndpoint)
	s.Telemetry.ServiceName = strings.TrimSpace(s.Telemetry.ServiceName)
}

func openConfigFile(path string) (io.Reader, func(), error) {
	candidate := strings.TrimSpace(path)
	candidate = filepath.Clean(candidate)

	file, err := os.Open(candidate) // #nosec G304 -- path is operator controlled.
	if err != nil {
		return nil, nil, fmt.Errorf("open config: %w", err)
	}
	return file, func() { _ = file.Close() }, nil
}
