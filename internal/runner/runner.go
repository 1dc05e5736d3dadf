// Package runner defines the execution backend interface and its built-in
// implementations. A runner executes one task in isolation on behalf of a
// session; the control plane treats every backend uniformly through the
// Runner interface and never inspects the concrete type.
package runner

import (
	"context"
	"fmt"
	"time"

	"github.com/tracegate/tracegate/pkg/models"
)

// Runner executes tasks in isolation for a session.
type Runner interface {
	// Kind identifies the backend, e.g. "process" or "model".
	Kind() string

	// ExecuteIsolated runs one task. Isolation is per session: work for one
	// session must not observe state belonging to another.
	ExecuteIsolated(ctx context.Context, input []byte, sessionID models.SessionID, traceID models.TraceID) (*models.RunnerOutput, error)

	// HealthCheck reports whether the backend is able to accept work.
	HealthCheck(ctx context.Context) error

	// SupportsIsolation reports whether the backend provides real isolation
	// boundaries, as opposed to best-effort scoping.
	SupportsIsolation() bool
}

// Config holds backend settings shared by runner implementations.
type Config struct {
	Kind         string        `toml:"kind"`
	Interpreter  string        `toml:"interpreter"`   // process runner binary, e.g. "python3"
	WorkDir      string        `toml:"work_dir"`      // root under which per-session dirs are created
	Timeout      time.Duration `toml:"timeout"`       // per-task wall clock limit
	MaxOutputLen int           `toml:"max_output_len"`
	Endpoint     string        `toml:"endpoint"` // model runner HTTP endpoint
	Model        string        `toml:"model"`    // model identifier sent upstream
	AllowNetwork bool          `toml:"allow_network"`
	Env          []string      `toml:"env"` // extra KEY=VALUE pairs for process runners
}

// DefaultConfig returns process-runner defaults.
func DefaultConfig() Config {
	return Config{
		Kind:         "process",
		Interpreter:  "python3",
		Timeout:      60 * time.Second,
		MaxOutputLen: 1 << 20,
	}
}

// Validate checks the config for the selected kind.
func (c Config) Validate() error {
	switch c.Kind {
	case "process":
		if c.Interpreter == "" {
			return fmt.Errorf("%w: process runner requires interpreter", models.ErrInvalidConfig)
		}
	case "model":
		if c.Endpoint == "" {
			return fmt.Errorf("%w: model runner requires endpoint", models.ErrInvalidConfig)
		}
	default:
		return fmt.Errorf("%w: unknown runner kind %q", models.ErrInvalidConfig, c.Kind)
	}
	if c.Timeout <= 0 {
		return fmt.Errorf("%w: runner timeout must be > 0", models.ErrInvalidConfig)
	}
	return nil
}

// New builds a runner for the config.
func New(cfg Config) (Runner, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	switch cfg.Kind {
	case "process":
		return NewProcessRunner(cfg), nil
	case "model":
		return NewModelRunner(cfg), nil
	}
	return nil, fmt.Errorf("%w: unknown runner kind %q", models.ErrInvalidConfig, cfg.Kind)
}

// ExecError wraps a backend failure with session and trace attribution so
// callers can log and surface it without losing the underlying cause.
type ExecError struct {
	RunnerKind string
	SessionID  models.SessionID
	TraceID    models.TraceID
	Err        error
}

func (e *ExecError) Error() string {
	return fmt.Sprintf("runner %s failed (session=%s trace=%s): %v", e.RunnerKind, e.SessionID, e.TraceID, e.Err)
}

func (e *ExecError) Unwrap() error { return e.Err }
