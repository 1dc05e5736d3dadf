// Package store provides the storage interface and implementations for the
// TraceGate control plane. All core code depends on this interface; the
// concrete backend (in-memory, SQLite, PostgreSQL) is selected once at
// construction time and never inspected afterwards.
//
// Every persist operation is durable-on-return and idempotent under retry
// with the same identifiers: retrying a persist after a transient failure
// must not duplicate records.
package store

import (
	"context"

	"github.com/tracegate/tracegate/pkg/models"
)

// Store is the primary storage interface for the control plane.
type Store interface {
	SessionStore
	TraceStore
	RDSeriesStore
	ProvenanceStore
	CheckpointStore
	ReviewStore

	// Ping checks if the backend is reachable.
	Ping(ctx context.Context) error

	// Close releases all resources held by the store.
	Close() error

	// Migrate creates or upgrades the backing schema.
	Migrate(ctx context.Context) error
}

// ── Session Store ───────────────────────────────────────────

type SessionStore interface {
	CreateSession(ctx context.Context, session *models.Session) error
	GetSession(ctx context.Context, id models.SessionID) (*models.Session, error)
	ListSessions(ctx context.Context) ([]models.Session, error)
}

// ── Trace Store ─────────────────────────────────────────────

// TraceStore persists immutable trace payloads. PersistTrace is keyed by
// (session_id, trace_id): retrying with the same identifiers overwrites
// with identical content rather than duplicating.
type TraceStore interface {
	PersistTrace(ctx context.Context, trace *models.Trace) error
	GetTrace(ctx context.Context, id models.TraceID) (*models.Trace, error)
	ListTraces(ctx context.Context, sessionID models.SessionID, limit int) ([]models.Trace, error)
}

// ── RD Series Store ─────────────────────────────────────────

// RDSeriesStore persists one rate-distortion series per session, replacing
// the previous snapshot of the same series on each persist.
type RDSeriesStore interface {
	PersistRDSeries(ctx context.Context, series *models.RDSeries) error
	GetRDSeries(ctx context.Context, sessionID models.SessionID) (*models.RDSeries, error)
}

// ── Provenance Store ────────────────────────────────────────

// ProvenanceStore keeps the append-only provenance log. Records are keyed
// by their ID, so a retried persist is a no-op rather than a duplicate.
type ProvenanceStore interface {
	PersistProvenance(ctx context.Context, record *models.Provenance) error
	ListProvenance(ctx context.Context, traceID models.TraceID) ([]models.Provenance, error)
}

// ── Checkpoint Store ────────────────────────────────────────

type CheckpointStore interface {
	PersistCheckpoint(ctx context.Context, checkpoint *models.GovernanceCheckpoint) error
	ListCheckpoints(ctx context.Context, traceID models.TraceID) ([]models.GovernanceCheckpoint, error)
}

// ── Review Store ────────────────────────────────────────────

type ReviewStore interface {
	PersistReview(ctx context.Context, review *models.ReviewRecord) error
	ListReviews(ctx context.Context, traceID models.TraceID) ([]models.ReviewRecord, error)
}

// ── Errors ──────────────────────────────────────────────────

// ErrNotFound is returned when a requested entity does not exist.
type ErrNotFound struct {
	Entity string
	Key    string
}

func (e *ErrNotFound) Error() string {
	return e.Entity + " not found: " + e.Key
}
