// Package config loads TraceGate configuration. Environment variables are
// read first with sensible defaults; an optional TOML file (TRACEGATE_CONFIG)
// overlays the result, so file values win over defaults but explicit env
// settings win over both.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/BurntSushi/toml"

	"github.com/tracegate/tracegate/internal/runner"
	"github.com/tracegate/tracegate/pkg/models"
)

// Config holds all configuration for the TraceGate control plane.
type Config struct {
	Port    int    `toml:"port"`
	Version string `toml:"version"`

	Store      StoreConfig      `toml:"store"`
	Governance GovernanceConfig `toml:"governance"`
	RD         RDConfig         `toml:"rd"`
	Runner     runner.Config    `toml:"runner"`
	Telemetry  TelemetryConfig  `toml:"telemetry"`
	LogLevel   string           `toml:"log_level"`
}

// StoreConfig selects and configures the storage backend.
type StoreConfig struct {
	Backend  string        `toml:"backend"` // memory | sqlite | postgres
	Path     string        `toml:"path"`    // sqlite file path
	URL      string        `toml:"url"`     // postgres DSN
	DataDir  string        `toml:"data_dir"`
	TraceTTL time.Duration `toml:"trace_ttl"`
}

// GovernanceConfig selects the policy preset and allows field overrides.
type GovernanceConfig struct {
	Preset   string                   `toml:"preset"` // permissive | default | strict
	Override *models.GovernancePolicy `toml:"override"`
}

// Policy resolves the effective policy.
func (g GovernanceConfig) Policy() (models.GovernancePolicy, error) {
	if g.Override != nil {
		if err := g.Override.Validate(); err != nil {
			return models.GovernancePolicy{}, err
		}
		return *g.Override, nil
	}
	switch g.Preset {
	case "", "default":
		return models.DefaultPolicy(), nil
	case "permissive":
		return models.PermissivePolicy(), nil
	case "strict":
		return models.StrictPolicy(), nil
	}
	return models.GovernancePolicy{}, fmt.Errorf("%w: unknown policy preset %q", models.ErrInvalidConfig, g.Preset)
}

// RDConfig configures the rate-distortion engine defaults.
type RDConfig struct {
	Alpha   float64 `toml:"alpha"`
	Epsilon float64 `toml:"epsilon"`
	MaxIter int     `toml:"max_iter"`
	Tol     float64 `toml:"tol"`
}

// TelemetryConfig configures OpenTelemetry export.
type TelemetryConfig struct {
	Enabled      bool   `toml:"enabled"`
	OTLPEndpoint string `toml:"otlp_endpoint"`
	ServiceName  string `toml:"service_name"`
}

// Load reads configuration from environment variables, then overlays the
// TOML file named by TRACEGATE_CONFIG when set.
func Load() (*Config, error) {
	cfg := &Config{
		Port:    envInt("TRACEGATE_PORT", 8080),
		Version: envStr("TRACEGATE_VERSION", "0.2.0"),
		Store: StoreConfig{
			Backend:  envStr("TRACEGATE_STORE_BACKEND", "memory"),
			Path:     envStr("TRACEGATE_SQLITE_PATH", "tracegate.db"),
			URL:      envStr("DATABASE_URL", ""),
			DataDir:  envStr("TRACEGATE_DATA_DIR", ""),
			TraceTTL: envDuration("TRACEGATE_TRACE_TTL", 0),
		},
		Governance: GovernanceConfig{
			Preset: envStr("TRACEGATE_POLICY_PRESET", "default"),
		},
		RD: RDConfig{
			Alpha:   envFloat("TRACEGATE_RD_ALPHA", 0.5),
			Epsilon: envFloat("TRACEGATE_RD_EPSILON", 0.01),
			MaxIter: envInt("TRACEGATE_RD_MAX_ITER", 100),
			Tol:     envFloat("TRACEGATE_RD_TOL", 1e-6),
		},
		Runner: runner.DefaultConfig(),
		Telemetry: TelemetryConfig{
			Enabled:      envBool("OTEL_ENABLED", false),
			OTLPEndpoint: envStr("OTEL_EXPORTER_OTLP_ENDPOINT", "localhost:4317"),
			ServiceName:  envStr("OTEL_SERVICE_NAME", "tracegate"),
		},
		LogLevel: envStr("TRACEGATE_LOG_LEVEL", "info"),
	}

	if path := os.Getenv("TRACEGATE_CONFIG"); path != "" {
		if _, err := toml.DecodeFile(path, cfg); err != nil {
			return nil, fmt.Errorf("decode config file %s: %w", path, err)
		}
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks cross-field consistency.
func (c *Config) Validate() error {
	if c.Port <= 0 || c.Port > 65535 {
		return fmt.Errorf("%w: port %d out of range", models.ErrInvalidConfig, c.Port)
	}
	switch c.Store.Backend {
	case "memory", "sqlite":
	case "postgres":
		if c.Store.URL == "" {
			return fmt.Errorf("%w: postgres backend requires DATABASE_URL", models.ErrInvalidConfig)
		}
	default:
		return fmt.Errorf("%w: unknown store backend %q", models.ErrInvalidConfig, c.Store.Backend)
	}
	if _, err := c.Governance.Policy(); err != nil {
		return err
	}
	if c.RD.Alpha < 0 || c.RD.Alpha > 1 {
		return fmt.Errorf("%w: rd alpha %g outside [0,1]", models.ErrInvalidConfig, c.RD.Alpha)
	}
	return c.Runner.Validate()
}

func envStr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return fallback
}

func envFloat(key string, fallback float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return fallback
}

func envBool(key string, fallback bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return fallback
}

func envDuration(key string, fallback time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return fallback
}
