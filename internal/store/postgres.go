// Package store — PostgreSQL Store implementation.
// Used for multi-node deployments where the control plane shares a
// database. Connection URL comes from TRACEGATE_DATABASE_URL.
package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog/log"
	"github.com/tracegate/tracegate/pkg/models"
)

const postgresSchema = `
CREATE TABLE IF NOT EXISTS tg_sessions (
	id              TEXT PRIMARY KEY,
	name            TEXT NOT NULL,
	max_concurrency INTEGER NOT NULL,
	allow_network   BOOLEAN NOT NULL,
	created_at      TIMESTAMPTZ NOT NULL
);

CREATE TABLE IF NOT EXISTS tg_traces (
	id         TEXT PRIMARY KEY,
	session_id TEXT NOT NULL,
	payload    BYTEA NOT NULL,
	created_at TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_tg_traces_session ON tg_traces (session_id);

CREATE TABLE IF NOT EXISTS tg_rd_series (
	session_id TEXT PRIMARY KEY,
	data       JSONB NOT NULL,
	updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
);

CREATE TABLE IF NOT EXISTS tg_provenance (
	id         TEXT PRIMARY KEY,
	session_id TEXT NOT NULL,
	trace_id   TEXT NOT NULL,
	data       JSONB NOT NULL,
	created_at TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_tg_provenance_trace ON tg_provenance (trace_id);

CREATE TABLE IF NOT EXISTS tg_checkpoints (
	id         TEXT PRIMARY KEY,
	session_id TEXT NOT NULL,
	trace_id   TEXT NOT NULL,
	data       JSONB NOT NULL,
	created_at TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_tg_checkpoints_trace ON tg_checkpoints (trace_id);

CREATE TABLE IF NOT EXISTS tg_reviews (
	id         TEXT PRIMARY KEY,
	trace_id   TEXT NOT NULL,
	data       JSONB NOT NULL,
	created_at TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_tg_reviews_trace ON tg_reviews (trace_id);
`

// PostgresStore implements Store on a PostgreSQL connection pool.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore connects, pings, and runs migrations.
func NewPostgresStore(ctx context.Context, connURL string) (*PostgresStore, error) {
	pool, err := pgxpool.New(ctx, connURL)
	if err != nil {
		return nil, fmt.Errorf("postgres connect: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres ping: %w", err)
	}
	s := &PostgresStore{pool: pool}
	if err := s.Migrate(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	log.Info().Msg("Postgres store initialized")
	return s, nil
}

func (s *PostgresStore) Ping(ctx context.Context) error { return s.pool.Ping(ctx) }

func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}

func (s *PostgresStore) Migrate(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, postgresSchema); err != nil {
		return fmt.Errorf("postgres migrate: %w", err)
	}
	return nil
}

// ── Session Store ───────────────────────────────────────────

func (s *PostgresStore) CreateSession(ctx context.Context, session *models.Session) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO tg_sessions (id, name, max_concurrency, allow_network, created_at)
		 VALUES ($1, $2, $3, $4, $5)
		 ON CONFLICT (id) DO NOTHING`,
		string(session.ID), session.Name, session.MaxConcurrency, session.AllowNetwork, session.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert session: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetSession(ctx context.Context, id models.SessionID) (*models.Session, error) {
	var sess models.Session
	err := s.pool.QueryRow(ctx,
		`SELECT id, name, max_concurrency, allow_network, created_at FROM tg_sessions WHERE id = $1`,
		string(id),
	).Scan(&sess.ID, &sess.Name, &sess.MaxConcurrency, &sess.AllowNetwork, &sess.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, &ErrNotFound{Entity: "session", Key: string(id)}
		}
		return nil, fmt.Errorf("select session: %w", err)
	}
	return &sess, nil
}

func (s *PostgresStore) ListSessions(ctx context.Context) ([]models.Session, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, name, max_concurrency, allow_network, created_at FROM tg_sessions ORDER BY created_at`,
	)
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	defer rows.Close()

	var out []models.Session
	for rows.Next() {
		var sess models.Session
		if err := rows.Scan(&sess.ID, &sess.Name, &sess.MaxConcurrency, &sess.AllowNetwork, &sess.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan session: %w", err)
		}
		out = append(out, sess)
	}
	return out, rows.Err()
}

// ── Trace Store ─────────────────────────────────────────────

func (s *PostgresStore) PersistTrace(ctx context.Context, trace *models.Trace) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO tg_traces (id, session_id, payload, created_at)
		 VALUES ($1, $2, $3, $4)
		 ON CONFLICT (id) DO UPDATE SET payload = EXCLUDED.payload`,
		string(trace.ID), string(trace.SessionID), []byte(trace.Payload), trace.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert trace: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetTrace(ctx context.Context, id models.TraceID) (*models.Trace, error) {
	var t models.Trace
	var payload []byte
	err := s.pool.QueryRow(ctx,
		`SELECT id, session_id, payload, created_at FROM tg_traces WHERE id = $1`,
		string(id),
	).Scan(&t.ID, &t.SessionID, &payload, &t.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, &ErrNotFound{Entity: "trace", Key: string(id)}
		}
		return nil, fmt.Errorf("select trace: %w", err)
	}
	t.Payload = payload
	return &t, nil
}

func (s *PostgresStore) ListTraces(ctx context.Context, sessionID models.SessionID, limit int) ([]models.Trace, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.pool.Query(ctx,
		`SELECT id, session_id, payload, created_at FROM tg_traces
		 WHERE session_id = $1 ORDER BY created_at LIMIT $2`,
		string(sessionID), limit,
	)
	if err != nil {
		return nil, fmt.Errorf("list traces: %w", err)
	}
	defer rows.Close()

	var out []models.Trace
	for rows.Next() {
		var t models.Trace
		var payload []byte
		if err := rows.Scan(&t.ID, &t.SessionID, &payload, &t.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan trace: %w", err)
		}
		t.Payload = payload
		out = append(out, t)
	}
	return out, rows.Err()
}

// ── RD Series Store ─────────────────────────────────────────

func (s *PostgresStore) PersistRDSeries(ctx context.Context, series *models.RDSeries) error {
	data, err := json.Marshal(series)
	if err != nil {
		return fmt.Errorf("marshal rd series: %w", err)
	}
	_, err = s.pool.Exec(ctx,
		`INSERT INTO tg_rd_series (session_id, data, updated_at)
		 VALUES ($1, $2, NOW())
		 ON CONFLICT (session_id) DO UPDATE SET data = EXCLUDED.data, updated_at = NOW()`,
		string(series.SessionID), data,
	)
	if err != nil {
		return fmt.Errorf("upsert rd series: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetRDSeries(ctx context.Context, sessionID models.SessionID) (*models.RDSeries, error) {
	var data []byte
	err := s.pool.QueryRow(ctx,
		`SELECT data FROM tg_rd_series WHERE session_id = $1`, string(sessionID),
	).Scan(&data)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, &ErrNotFound{Entity: "rd series", Key: string(sessionID)}
		}
		return nil, fmt.Errorf("select rd series: %w", err)
	}
	var series models.RDSeries
	if err := json.Unmarshal(data, &series); err != nil {
		return nil, fmt.Errorf("unmarshal rd series: %w", err)
	}
	return &series, nil
}

// ── Provenance Store ────────────────────────────────────────

func (s *PostgresStore) PersistProvenance(ctx context.Context, record *models.Provenance) error {
	data, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("marshal provenance: %w", err)
	}
	_, err = s.pool.Exec(ctx,
		`INSERT INTO tg_provenance (id, session_id, trace_id, data, created_at)
		 VALUES ($1, $2, $3, $4, $5)
		 ON CONFLICT (id) DO NOTHING`,
		record.ID, string(record.SessionID), string(record.TraceID), data, record.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert provenance: %w", err)
	}
	return nil
}

func (s *PostgresStore) ListProvenance(ctx context.Context, traceID models.TraceID) ([]models.Provenance, error) {
	return scanPgJSONRows[models.Provenance](ctx, s.pool,
		`SELECT data FROM tg_provenance WHERE trace_id = $1 ORDER BY created_at`, string(traceID))
}

// ── Checkpoint Store ────────────────────────────────────────

func (s *PostgresStore) PersistCheckpoint(ctx context.Context, checkpoint *models.GovernanceCheckpoint) error {
	data, err := json.Marshal(checkpoint)
	if err != nil {
		return fmt.Errorf("marshal checkpoint: %w", err)
	}
	_, err = s.pool.Exec(ctx,
		`INSERT INTO tg_checkpoints (id, session_id, trace_id, data, created_at)
		 VALUES ($1, $2, $3, $4, $5)
		 ON CONFLICT (id) DO NOTHING`,
		checkpoint.ID, string(checkpoint.SessionID), string(checkpoint.TraceID), data, checkpoint.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert checkpoint: %w", err)
	}
	return nil
}

func (s *PostgresStore) ListCheckpoints(ctx context.Context, traceID models.TraceID) ([]models.GovernanceCheckpoint, error) {
	return scanPgJSONRows[models.GovernanceCheckpoint](ctx, s.pool,
		`SELECT data FROM tg_checkpoints WHERE trace_id = $1 ORDER BY created_at`, string(traceID))
}

// ── Review Store ────────────────────────────────────────────

func (s *PostgresStore) PersistReview(ctx context.Context, review *models.ReviewRecord) error {
	data, err := json.Marshal(review)
	if err != nil {
		return fmt.Errorf("marshal review: %w", err)
	}
	_, err = s.pool.Exec(ctx,
		`INSERT INTO tg_reviews (id, trace_id, data, created_at)
		 VALUES ($1, $2, $3, $4)
		 ON CONFLICT (id) DO NOTHING`,
		review.ID, string(review.TraceID), data, review.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert review: %w", err)
	}
	return nil
}

func (s *PostgresStore) ListReviews(ctx context.Context, traceID models.TraceID) ([]models.ReviewRecord, error) {
	return scanPgJSONRows[models.ReviewRecord](ctx, s.pool,
		`SELECT data FROM tg_reviews WHERE trace_id = $1 ORDER BY created_at`, string(traceID))
}

// ── Helpers ─────────────────────────────────────────────────

func scanPgJSONRows[T any](ctx context.Context, pool *pgxpool.Pool, query string, args ...any) ([]T, error) {
	rows, err := pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query: %w", err)
	}
	defer rows.Close()

	var out []T
	for rows.Next() {
		var data []byte
		if err := rows.Scan(&data); err != nil {
			return nil, fmt.Errorf("scan: %w", err)
		}
		var v T
		if err := json.Unmarshal(data, &v); err != nil {
			return nil, fmt.Errorf("unmarshal: %w", err)
		}
		out = append(out, v)
	}
	return out, rows.Err()
}
