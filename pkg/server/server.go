// Package server provides the public entry point for initializing the
// TraceGate control plane. It composes the storage backend, the session
// manager, the governance orchestrator, the runner, and the HTTP router
// into one ready-to-serve unit.
package server

import (
	"context"
	"fmt"
	"net/http"

	"github.com/rs/zerolog/log"

	"github.com/tracegate/tracegate/internal/api"
	"github.com/tracegate/tracegate/internal/api/handlers"
	"github.com/tracegate/tracegate/internal/config"
	"github.com/tracegate/tracegate/internal/governance"
	"github.com/tracegate/tracegate/internal/rd"
	"github.com/tracegate/tracegate/internal/runner"
	"github.com/tracegate/tracegate/internal/sessions"
	"github.com/tracegate/tracegate/internal/store"
	"github.com/tracegate/tracegate/internal/telemetry"
)

// Server holds the initialized TraceGate control plane.
type Server struct {
	// Handler is the HTTP handler with all routes and middleware.
	Handler http.Handler

	// Store is the selected storage backend.
	Store store.Store

	// Orchestrator is the governance policy engine.
	Orchestrator *governance.Orchestrator

	// Port is the port the server should listen on.
	Port int

	// ShutdownFunc should be called on graceful shutdown to flush telemetry.
	ShutdownFunc func(context.Context) error
}

// New initializes all control plane components from the environment.
func New(ctx context.Context) (*Server, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}
	return NewWithConfig(ctx, cfg)
}

// NewWithConfig initializes the control plane with an explicit configuration.
func NewWithConfig(ctx context.Context, cfg *config.Config) (*Server, error) {
	shutdown, err := telemetry.Init(cfg.Telemetry, cfg.Version)
	if err != nil {
		return nil, fmt.Errorf("init telemetry: %w", err)
	}

	dataStore, err := newStore(ctx, cfg.Store)
	if err != nil {
		return nil, err
	}
	log.Info().Str("backend", cfg.Store.Backend).Msg("store initialized")

	policy, err := cfg.Governance.Policy()
	if err != nil {
		return nil, err
	}

	mgr := sessions.NewManager(dataStore, log.Logger)
	orch, err := governance.New(dataStore, policy, governance.NewPatternDetector(), mgr, log.Logger)
	if err != nil {
		return nil, err
	}
	log.Info().Str("preset", cfg.Governance.Preset).Msg("governance orchestrator initialized")

	taskRunner, err := runner.New(cfg.Runner)
	if err != nil {
		return nil, err
	}
	log.Info().Str("kind", taskRunner.Kind()).Msg("runner initialized")

	rdCfg := rd.FGWConfig{
		Alpha:   cfg.RD.Alpha,
		Epsilon: cfg.RD.Epsilon,
		MaxIter: cfg.RD.MaxIter,
		Tol:     cfg.RD.Tol,
	}
	if err := rdCfg.Validate(); err != nil {
		return nil, err
	}

	h := handlers.New(dataStore, mgr, orch, taskRunner, rdCfg)
	router := api.NewRouter(cfg, h)

	return &Server{
		Handler:      router,
		Store:        dataStore,
		Orchestrator: orch,
		Port:         cfg.Port,
		ShutdownFunc: shutdown,
	}, nil
}

// newStore selects and migrates the storage backend.
func newStore(ctx context.Context, cfg config.StoreConfig) (store.Store, error) {
	switch cfg.Backend {
	case "memory":
		return store.NewMemoryStore(), nil
	case "sqlite":
		s, err := store.NewSQLiteStore(ctx, cfg.Path)
		if err != nil {
			return nil, fmt.Errorf("open sqlite store: %w", err)
		}
		return s, nil
	case "postgres":
		s, err := store.NewPostgresStore(ctx, cfg.URL)
		if err != nil {
			return nil, fmt.Errorf("open postgres store: %w", err)
		}
		return s, nil
	}
	return nil, fmt.Errorf("unknown store backend %q", cfg.Backend)
}
