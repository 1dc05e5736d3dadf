// Package store — in-memory Store implementation.
// Used as the zero-config default (local dev, tests). Supports file-based
// snapshot persistence so data survives restarts.
package store

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/tracegate/tracegate/pkg/models"
)

// snapshot is the JSON-serializable shape written to disk.
type snapshot struct {
	Sessions    map[models.SessionID]*models.Session      `json:"sessions"`
	Traces      map[models.TraceID]*models.Trace          `json:"traces"`
	Series      map[models.SessionID]*models.RDSeries     `json:"series"`
	Provenance  []*models.Provenance                      `json:"provenance"`
	Checkpoints []*models.GovernanceCheckpoint            `json:"checkpoints"`
	Reviews     []*models.ReviewRecord                    `json:"reviews"`
}

// MemoryStore implements Store with in-memory maps.
type MemoryStore struct {
	mu          sync.RWMutex
	sessions    map[models.SessionID]*models.Session
	traces      map[models.TraceID]*models.Trace
	series      map[models.SessionID]*models.RDSeries
	provenance  []*models.Provenance           // append-only log
	checkpoints []*models.GovernanceCheckpoint // append-only log
	reviews     []*models.ReviewRecord         // append-only log
	provByID    map[string]bool                // idempotency guard by record ID
	chkByID     map[string]bool
	revByID     map[string]bool

	// Persistence
	snapshotPath string        // empty = no persistence
	saveMu       sync.Mutex    // guards file writes
	saveCh       chan struct{} // debounce channel
	doneCh       chan struct{} // signals background goroutines to stop
	closeOnce    sync.Once

	// Trace TTL — traces older than this are evicted automatically.
	// Set via TRACEGATE_TRACE_TTL (Go duration string), default 7 days.
	traceTTL time.Duration
}

// NewMemoryStore creates a new in-memory store.
// If TRACEGATE_DATA_DIR is set, data is persisted to a JSON file in that
// directory. Otherwise defaults to ~/.tracegate/data.json.
func NewMemoryStore() *MemoryStore {
	traceTTL := 7 * 24 * time.Hour
	if ttlStr := os.Getenv("TRACEGATE_TRACE_TTL"); ttlStr != "" {
		if parsed, err := time.ParseDuration(ttlStr); err == nil {
			traceTTL = parsed
		} else {
			log.Warn().Str("value", ttlStr).Msg("Invalid TRACEGATE_TRACE_TTL, using default 7d")
		}
	}

	m := &MemoryStore{
		sessions: make(map[models.SessionID]*models.Session),
		traces:   make(map[models.TraceID]*models.Trace),
		series:   make(map[models.SessionID]*models.RDSeries),
		provByID: make(map[string]bool),
		chkByID:  make(map[string]bool),
		revByID:  make(map[string]bool),
		saveCh:   make(chan struct{}, 1),
		doneCh:   make(chan struct{}),
		traceTTL: traceTTL,
	}

	dataDir := os.Getenv("TRACEGATE_DATA_DIR")
	if dataDir == "" {
		home, err := os.UserHomeDir()
		if err == nil {
			dataDir = filepath.Join(home, ".tracegate")
		}
	}
	if dataDir != "" {
		m.snapshotPath = filepath.Join(dataDir, "data.json")
		if err := os.MkdirAll(dataDir, 0755); err != nil {
			log.Warn().Err(err).Str("dir", dataDir).Msg("Cannot create data dir, persistence disabled")
			m.snapshotPath = ""
		}
	}

	if m.snapshotPath != "" {
		m.loadSnapshot()
		go m.saveLoop()
	}

	go m.traceEvictionLoop()

	log.Info().
		Str("trace_ttl", traceTTL.String()).
		Str("snapshot", m.snapshotPath).
		Msg("Memory store configured")

	return m
}

func (m *MemoryStore) Ping(_ context.Context) error { return nil }

func (m *MemoryStore) Migrate(_ context.Context) error { return nil }

// Close stops background goroutines and flushes a final snapshot.
func (m *MemoryStore) Close() error {
	m.closeOnce.Do(func() {
		close(m.doneCh)
		if m.snapshotPath != "" {
			m.saveSnapshot()
		}
	})
	return nil
}

// ── Session Store ───────────────────────────────────────────

func (m *MemoryStore) CreateSession(_ context.Context, session *models.Session) error {
	m.mu.Lock()
	cp := *session
	m.sessions[session.ID] = &cp
	m.mu.Unlock()
	m.requestSave()
	return nil
}

func (m *MemoryStore) GetSession(_ context.Context, id models.SessionID) (*models.Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.sessions[id]
	if !ok {
		return nil, &ErrNotFound{Entity: "session", Key: string(id)}
	}
	cp := *s
	return &cp, nil
}

func (m *MemoryStore) ListSessions(_ context.Context) ([]models.Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]models.Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		out = append(out, *s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

// ── Trace Store ─────────────────────────────────────────────

func (m *MemoryStore) PersistTrace(_ context.Context, trace *models.Trace) error {
	m.mu.Lock()
	cp := *trace
	m.traces[trace.ID] = &cp
	m.mu.Unlock()
	m.requestSave()
	return nil
}

func (m *MemoryStore) GetTrace(_ context.Context, id models.TraceID) (*models.Trace, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	t, ok := m.traces[id]
	if !ok {
		return nil, &ErrNotFound{Entity: "trace", Key: string(id)}
	}
	cp := *t
	return &cp, nil
}

func (m *MemoryStore) ListTraces(_ context.Context, sessionID models.SessionID, limit int) ([]models.Trace, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []models.Trace
	for _, t := range m.traces {
		if t.SessionID == sessionID {
			out = append(out, *t)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// ── RD Series Store ─────────────────────────────────────────

func (m *MemoryStore) PersistRDSeries(_ context.Context, series *models.RDSeries) error {
	m.mu.Lock()
	cp := *series
	cp.Points = make([]models.RDPoint, len(series.Points))
	copy(cp.Points, series.Points)
	m.series[series.SessionID] = &cp
	m.mu.Unlock()
	m.requestSave()
	return nil
}

func (m *MemoryStore) GetRDSeries(_ context.Context, sessionID models.SessionID) (*models.RDSeries, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.series[sessionID]
	if !ok {
		return nil, &ErrNotFound{Entity: "rd series", Key: string(sessionID)}
	}
	cp := *s
	cp.Points = make([]models.RDPoint, len(s.Points))
	copy(cp.Points, s.Points)
	return &cp, nil
}

// ── Provenance Store ────────────────────────────────────────

func (m *MemoryStore) PersistProvenance(_ context.Context, record *models.Provenance) error {
	m.mu.Lock()
	if !m.provByID[record.ID] {
		m.provByID[record.ID] = true
		cp := *record
		m.provenance = append(m.provenance, &cp)
	}
	m.mu.Unlock()
	m.requestSave()
	return nil
}

func (m *MemoryStore) ListProvenance(_ context.Context, traceID models.TraceID) ([]models.Provenance, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []models.Provenance
	for _, p := range m.provenance {
		if p.TraceID == traceID {
			out = append(out, *p)
		}
	}
	return out, nil
}

// ── Checkpoint Store ────────────────────────────────────────

func (m *MemoryStore) PersistCheckpoint(_ context.Context, checkpoint *models.GovernanceCheckpoint) error {
	m.mu.Lock()
	if !m.chkByID[checkpoint.ID] {
		m.chkByID[checkpoint.ID] = true
		cp := *checkpoint
		m.checkpoints = append(m.checkpoints, &cp)
	}
	m.mu.Unlock()
	m.requestSave()
	return nil
}

func (m *MemoryStore) ListCheckpoints(_ context.Context, traceID models.TraceID) ([]models.GovernanceCheckpoint, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []models.GovernanceCheckpoint
	for _, c := range m.checkpoints {
		if c.TraceID == traceID {
			out = append(out, *c)
		}
	}
	return out, nil
}

// ── Review Store ────────────────────────────────────────────

func (m *MemoryStore) PersistReview(_ context.Context, review *models.ReviewRecord) error {
	m.mu.Lock()
	if !m.revByID[review.ID] {
		m.revByID[review.ID] = true
		cp := *review
		m.reviews = append(m.reviews, &cp)
	}
	m.mu.Unlock()
	m.requestSave()
	return nil
}

func (m *MemoryStore) ListReviews(_ context.Context, traceID models.TraceID) ([]models.ReviewRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []models.ReviewRecord
	for _, r := range m.reviews {
		if r.TraceID == traceID {
			out = append(out, *r)
		}
	}
	return out, nil
}

// ── Persistence ─────────────────────────────────────────────

// requestSave signals the background goroutine to persist data.
// Non-blocking: coalesces multiple rapid writes into one disk flush.
func (m *MemoryStore) requestSave() {
	if m.snapshotPath == "" {
		return
	}
	select {
	case m.saveCh <- struct{}{}:
	default:
		// Already pending
	}
}

// saveLoop runs in a goroutine, debouncing save requests (max 1 write per 500ms).
func (m *MemoryStore) saveLoop() {
	for {
		select {
		case <-m.doneCh:
			return
		case <-m.saveCh:
			time.Sleep(500 * time.Millisecond) // debounce
			m.saveSnapshot()
		}
	}
}

// traceEvictionLoop periodically removes traces older than traceTTL.
func (m *MemoryStore) traceEvictionLoop() {
	ticker := time.NewTicker(10 * time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-m.doneCh:
			return
		case <-ticker.C:
			m.evictExpiredTraces()
		}
	}
}

func (m *MemoryStore) evictExpiredTraces() {
	cutoff := time.Now().Add(-m.traceTTL)

	m.mu.Lock()
	var evicted int
	for id, t := range m.traces {
		if t.CreatedAt.Before(cutoff) {
			delete(m.traces, id)
			evicted++
		}
	}
	m.mu.Unlock()

	if evicted > 0 {
		log.Info().Int("evicted", evicted).Str("ttl", m.traceTTL.String()).Msg("Evicted expired traces")
		m.requestSave()
	}
}

// saveSnapshot persists all data to disk as JSON.
func (m *MemoryStore) saveSnapshot() {
	m.mu.RLock()
	snap := snapshot{
		Sessions:    m.sessions,
		Traces:      m.traces,
		Series:      m.series,
		Provenance:  m.provenance,
		Checkpoints: m.checkpoints,
		Reviews:     m.reviews,
	}
	data, err := json.MarshalIndent(snap, "", "  ")
	m.mu.RUnlock()

	if err != nil {
		log.Error().Err(err).Msg("Failed to marshal snapshot")
		return
	}

	m.saveMu.Lock()
	defer m.saveMu.Unlock()

	// Write to temp file then rename for atomicity
	tmp := m.snapshotPath + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		log.Error().Err(err).Str("path", tmp).Msg("Failed to write snapshot tmp")
		return
	}
	if err := os.Rename(tmp, m.snapshotPath); err != nil {
		log.Error().Err(err).Str("path", m.snapshotPath).Msg("Failed to rename snapshot")
		return
	}

	log.Debug().Str("path", m.snapshotPath).Msg("Snapshot saved")
}

// loadSnapshot reads data from disk on startup.
func (m *MemoryStore) loadSnapshot() {
	data, err := os.ReadFile(m.snapshotPath)
	if err != nil {
		if os.IsNotExist(err) {
			log.Info().Str("path", m.snapshotPath).Msg("No snapshot file found, starting fresh")
			return
		}
		log.Warn().Err(err).Str("path", m.snapshotPath).Msg("Failed to read snapshot")
		return
	}

	var snap snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		log.Warn().Err(err).Str("path", m.snapshotPath).Msg("Corrupt snapshot, starting fresh")
		return
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if snap.Sessions != nil {
		m.sessions = snap.Sessions
	}
	if snap.Traces != nil {
		m.traces = snap.Traces
	}
	if snap.Series != nil {
		m.series = snap.Series
	}
	m.provenance = snap.Provenance
	m.checkpoints = snap.Checkpoints
	m.reviews = snap.Reviews
	for _, p := range m.provenance {
		m.provByID[p.ID] = true
	}
	for _, c := range m.checkpoints {
		m.chkByID[c.ID] = true
	}
	for _, r := range m.reviews {
		m.revByID[r.ID] = true
	}

	log.Info().
		Int("sessions", len(m.sessions)).
		Int("traces", len(m.traces)).
		Int("checkpoints", len(m.checkpoints)).
		Msg("Snapshot loaded")
}
