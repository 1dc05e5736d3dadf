// Package store — SQLite Store implementation.
// Single-file embedded persistence for single-node deployments.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/tracegate/tracegate/pkg/models"

	_ "modernc.org/sqlite"
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS sessions (
	id              TEXT PRIMARY KEY,
	name            TEXT NOT NULL,
	max_concurrency INTEGER NOT NULL,
	allow_network   INTEGER NOT NULL,
	created_at      TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS traces (
	id         TEXT PRIMARY KEY,
	session_id TEXT NOT NULL,
	payload    BLOB NOT NULL,
	created_at TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_traces_session ON traces (session_id);

CREATE TABLE IF NOT EXISTS rd_series (
	session_id TEXT PRIMARY KEY,
	data       TEXT NOT NULL,
	updated_at TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS provenance (
	id         TEXT PRIMARY KEY,
	session_id TEXT NOT NULL,
	trace_id   TEXT NOT NULL,
	data       TEXT NOT NULL,
	created_at TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_provenance_trace ON provenance (trace_id);

CREATE TABLE IF NOT EXISTS checkpoints (
	id         TEXT PRIMARY KEY,
	session_id TEXT NOT NULL,
	trace_id   TEXT NOT NULL,
	data       TEXT NOT NULL,
	created_at TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_checkpoints_trace ON checkpoints (trace_id);

CREATE TABLE IF NOT EXISTS reviews (
	id         TEXT PRIMARY KEY,
	trace_id   TEXT NOT NULL,
	data       TEXT NOT NULL,
	created_at TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_reviews_trace ON reviews (trace_id);
`

// SQLiteStore implements Store on an embedded SQLite database.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens (or creates) the database at path and runs
// migrations.
func NewSQLiteStore(ctx context.Context, path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	if _, err := db.ExecContext(ctx, "PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("sqlite pragma: %w", err)
	}
	s := &SQLiteStore{db: db}
	if err := s.Migrate(ctx); err != nil {
		db.Close()
		return nil, err
	}
	log.Info().Str("path", path).Msg("SQLite store initialized")
	return s, nil
}

func (s *SQLiteStore) Ping(ctx context.Context) error { return s.db.PingContext(ctx) }

func (s *SQLiteStore) Close() error { return s.db.Close() }

func (s *SQLiteStore) Migrate(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, sqliteSchema); err != nil {
		return fmt.Errorf("sqlite migrate: %w", err)
	}
	return nil
}

// ── Session Store ───────────────────────────────────────────

func (s *SQLiteStore) CreateSession(ctx context.Context, session *models.Session) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO sessions (id, name, max_concurrency, allow_network, created_at)
		 VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT(id) DO NOTHING`,
		string(session.ID), session.Name, session.MaxConcurrency,
		boolToInt(session.AllowNetwork), session.CreatedAt.Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("insert session: %w", err)
	}
	return nil
}

func (s *SQLiteStore) GetSession(ctx context.Context, id models.SessionID) (*models.Session, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, name, max_concurrency, allow_network, created_at FROM sessions WHERE id = ?`,
		string(id),
	)
	var sess models.Session
	var allowNetwork int
	var createdAt string
	if err := row.Scan(&sess.ID, &sess.Name, &sess.MaxConcurrency, &allowNetwork, &createdAt); err != nil {
		if err == sql.ErrNoRows {
			return nil, &ErrNotFound{Entity: "session", Key: string(id)}
		}
		return nil, fmt.Errorf("select session: %w", err)
	}
	sess.AllowNetwork = allowNetwork != 0
	sess.CreatedAt = parseTime(createdAt)
	return &sess, nil
}

func (s *SQLiteStore) ListSessions(ctx context.Context) ([]models.Session, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, name, max_concurrency, allow_network, created_at FROM sessions ORDER BY created_at`,
	)
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	defer rows.Close()

	var out []models.Session
	for rows.Next() {
		var sess models.Session
		var allowNetwork int
		var createdAt string
		if err := rows.Scan(&sess.ID, &sess.Name, &sess.MaxConcurrency, &allowNetwork, &createdAt); err != nil {
			return nil, fmt.Errorf("scan session: %w", err)
		}
		sess.AllowNetwork = allowNetwork != 0
		sess.CreatedAt = parseTime(createdAt)
		out = append(out, sess)
	}
	return out, rows.Err()
}

// ── Trace Store ─────────────────────────────────────────────

func (s *SQLiteStore) PersistTrace(ctx context.Context, trace *models.Trace) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO traces (id, session_id, payload, created_at)
		 VALUES (?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET payload = excluded.payload`,
		string(trace.ID), string(trace.SessionID), []byte(trace.Payload),
		trace.CreatedAt.Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("insert trace: %w", err)
	}
	return nil
}

func (s *SQLiteStore) GetTrace(ctx context.Context, id models.TraceID) (*models.Trace, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, session_id, payload, created_at FROM traces WHERE id = ?`,
		string(id),
	)
	var t models.Trace
	var payload []byte
	var createdAt string
	if err := row.Scan(&t.ID, &t.SessionID, &payload, &createdAt); err != nil {
		if err == sql.ErrNoRows {
			return nil, &ErrNotFound{Entity: "trace", Key: string(id)}
		}
		return nil, fmt.Errorf("select trace: %w", err)
	}
	t.Payload = payload
	t.CreatedAt = parseTime(createdAt)
	return &t, nil
}

func (s *SQLiteStore) ListTraces(ctx context.Context, sessionID models.SessionID, limit int) ([]models.Trace, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, session_id, payload, created_at FROM traces
		 WHERE session_id = ? ORDER BY created_at LIMIT ?`,
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
		var createdAt string
		if err := rows.Scan(&t.ID, &t.SessionID, &payload, &createdAt); err != nil {
			return nil, fmt.Errorf("scan trace: %w", err)
		}
		t.Payload = payload
		t.CreatedAt = parseTime(createdAt)
		out = append(out, t)
	}
	return out, rows.Err()
}

// ── RD Series Store ─────────────────────────────────────────

func (s *SQLiteStore) PersistRDSeries(ctx context.Context, series *models.RDSeries) error {
	data, err := json.Marshal(series)
	if err != nil {
		return fmt.Errorf("marshal rd series: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO rd_series (session_id, data, updated_at)
		 VALUES (?, ?, ?)
		 ON CONFLICT(session_id) DO UPDATE SET data = excluded.data, updated_at = excluded.updated_at`,
		string(series.SessionID), string(data), time.Now().UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("upsert rd series: %w", err)
	}
	return nil
}

func (s *SQLiteStore) GetRDSeries(ctx context.Context, sessionID models.SessionID) (*models.RDSeries, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT data FROM rd_series WHERE session_id = ?`, string(sessionID),
	)
	var data string
	if err := row.Scan(&data); err != nil {
		if err == sql.ErrNoRows {
			return nil, &ErrNotFound{Entity: "rd series", Key: string(sessionID)}
		}
		return nil, fmt.Errorf("select rd series: %w", err)
	}
	var series models.RDSeries
	if err := json.Unmarshal([]byte(data), &series); err != nil {
		return nil, fmt.Errorf("unmarshal rd series: %w", err)
	}
	return &series, nil
}

// ── Provenance Store ────────────────────────────────────────

func (s *SQLiteStore) PersistProvenance(ctx context.Context, record *models.Provenance) error {
	data, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("marshal provenance: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO provenance (id, session_id, trace_id, data, created_at)
		 VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT(id) DO NOTHING`,
		record.ID, string(record.SessionID), string(record.TraceID),
		string(data), record.CreatedAt.Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("insert provenance: %w", err)
	}
	return nil
}

func (s *SQLiteStore) ListProvenance(ctx context.Context, traceID models.TraceID) ([]models.Provenance, error) {
	return scanJSONRows[models.Provenance](ctx, s.db,
		`SELECT data FROM provenance WHERE trace_id = ? ORDER BY created_at`, string(traceID))
}

// ── Checkpoint Store ────────────────────────────────────────

func (s *SQLiteStore) PersistCheckpoint(ctx context.Context, checkpoint *models.GovernanceCheckpoint) error {
	data, err := json.Marshal(checkpoint)
	if err != nil {
		return fmt.Errorf("marshal checkpoint: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO checkpoints (id, session_id, trace_id, data, created_at)
		 VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT(id) DO NOTHING`,
		checkpoint.ID, string(checkpoint.SessionID), string(checkpoint.TraceID),
		string(data), checkpoint.CreatedAt.Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("insert checkpoint: %w", err)
	}
	return nil
}

func (s *SQLiteStore) ListCheckpoints(ctx context.Context, traceID models.TraceID) ([]models.GovernanceCheckpoint, error) {
	return scanJSONRows[models.GovernanceCheckpoint](ctx, s.db,
		`SELECT data FROM checkpoints WHERE trace_id = ? ORDER BY created_at`, string(traceID))
}

// ── Review Store ────────────────────────────────────────────

func (s *SQLiteStore) PersistReview(ctx context.Context, review *models.ReviewRecord) error {
	data, err := json.Marshal(review)
	if err != nil {
		return fmt.Errorf("marshal review: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO reviews (id, trace_id, data, created_at)
		 VALUES (?, ?, ?, ?)
		 ON CONFLICT(id) DO NOTHING`,
		review.ID, string(review.TraceID), string(data),
		review.CreatedAt.Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("insert review: %w", err)
	}
	return nil
}

func (s *SQLiteStore) ListReviews(ctx context.Context, traceID models.TraceID) ([]models.ReviewRecord, error) {
	return scanJSONRows[models.ReviewRecord](ctx, s.db,
		`SELECT data FROM reviews WHERE trace_id = ? ORDER BY created_at`, string(traceID))
}

// ── Helpers ─────────────────────────────────────────────────

// scanJSONRows reads single-column JSON rows into a typed slice.
func scanJSONRows[T any](ctx context.Context, db *sql.DB, query string, args ...any) ([]T, error) {
	rows, err := db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query: %w", err)
	}
	defer rows.Close()

	var out []T
	for rows.Next() {
		var data string
		if err := rows.Scan(&data); err != nil {
			return nil, fmt.Errorf("scan: %w", err)
		}
		var v T
		if err := json.Unmarshal([]byte(data), &v); err != nil {
			return nil, fmt.Errorf("unmarshal: %w", err)
		}
		out = append(out, v)
	}
	return out, rows.Err()
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func parseTime(s string) time.Time {
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}
	}
	return t
}
