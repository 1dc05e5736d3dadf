// Package sessions manages isolated execution sessions and enforces their
// concurrency bounds. Each session carries a weighted admission gate sized
// to its MaxConcurrency; every trace-producing task acquires the gate
// before running and releases it after, so a session never exceeds its
// configured parallelism.
package sessions

import (
	"context"
	"fmt"
	"sync"

	"github.com/rs/zerolog"
	"golang.org/x/sync/semaphore"

	"github.com/tracegate/tracegate/internal/store"
	"github.com/tracegate/tracegate/pkg/models"
)

// Manager is the session registry. Session configuration is immutable after
// creation; the manager only ever reads it back.
type Manager struct {
	store store.Store
	log   zerolog.Logger

	mu    sync.Mutex
	gates map[models.SessionID]*semaphore.Weighted
}

// NewManager creates a session manager backed by the given store.
func NewManager(st store.Store, log zerolog.Logger) *Manager {
	return &Manager{
		store: st,
		log:   log.With().Str("component", "sessions").Logger(),
		gates: make(map[models.SessionID]*semaphore.Weighted),
	}
}

// Create registers a new session and its admission gate.
func (m *Manager) Create(ctx context.Context, name string, maxConcurrency int, allowNetwork bool) (*models.Session, error) {
	sess, err := models.NewSession(name, maxConcurrency, allowNetwork)
	if err != nil {
		return nil, err
	}
	if err := m.store.CreateSession(ctx, sess); err != nil {
		return nil, fmt.Errorf("create session %s: %w", sess.ID, err)
	}

	m.mu.Lock()
	m.gates[sess.ID] = semaphore.NewWeighted(int64(sess.MaxConcurrency))
	m.mu.Unlock()

	m.log.Info().
		Str("session_id", sess.ID.String()).
		Str("name", sess.Name).
		Int("max_concurrency", sess.MaxConcurrency).
		Bool("allow_network", sess.AllowNetwork).
		Msg("session created")
	return sess, nil
}

// Get returns the session by id, or UnknownSessionError.
func (m *Manager) Get(ctx context.Context, id models.SessionID) (*models.Session, error) {
	sess, err := m.store.GetSession(ctx, id)
	if err != nil {
		if _, ok := err.(*store.ErrNotFound); ok {
			return nil, &models.UnknownSessionError{SessionID: id}
		}
		return nil, fmt.Errorf("get session %s: %w", id, err)
	}
	return sess, nil
}

// List returns all registered sessions.
func (m *Manager) List(ctx context.Context) ([]models.Session, error) {
	return m.store.ListSessions(ctx)
}

// Acquire blocks until the session has a free execution slot or ctx is
// done. Every successful Acquire must be paired with a Release.
func (m *Manager) Acquire(ctx context.Context, id models.SessionID) error {
	gate, err := m.gate(ctx, id)
	if err != nil {
		return err
	}
	if err := gate.Acquire(ctx, 1); err != nil {
		return fmt.Errorf("acquire slot for session %s: %w", id, err)
	}
	return nil
}

// Release frees one execution slot for the session. Releasing a session
// that was never acquired is a programming error and panics in the
// underlying semaphore.
func (m *Manager) Release(id models.SessionID) {
	m.mu.Lock()
	gate := m.gates[id]
	m.mu.Unlock()
	if gate != nil {
		gate.Release(1)
	}
}

// gate returns the admission gate for the session, rebuilding it from the
// stored session after a restart.
func (m *Manager) gate(ctx context.Context, id models.SessionID) (*semaphore.Weighted, error) {
	m.mu.Lock()
	if g, ok := m.gates[id]; ok {
		m.mu.Unlock()
		return g, nil
	}
	m.mu.Unlock()

	sess, err := m.Get(ctx, id)
	if err != nil {
		return nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if g, ok := m.gates[id]; ok {
		return g, nil
	}
	g := semaphore.NewWeighted(int64(sess.MaxConcurrency))
	m.gates[id] = g
	return g, nil
}
