package store_test

import (
	"bytes"
	"context"
	"encoding/json"
	"math"
	"os"
	"testing"
	"time"

	"github.com/tracegate/tracegate/internal/store"
	"github.com/tracegate/tracegate/pkg/models"
)

// newTestStore creates a fresh in-memory store for tests with an isolated
// snapshot dir.
func newTestStore(t *testing.T) store.Store {
	t.Helper()
	dir := t.TempDir()
	os.Setenv("TRACEGATE_DATA_DIR", dir)
	defer os.Unsetenv("TRACEGATE_DATA_DIR")
	s := store.NewMemoryStore()
	t.Cleanup(func() { s.Close() })
	return s
}

func mustSession(t *testing.T) *models.Session {
	t.Helper()
	sess, err := models.NewSession("test-session", 4, false)
	if err != nil {
		t.Fatalf("NewSession() error = %v", err)
	}
	return sess
}

// ─── Session CRUD ────────────────────────────────────────────

func TestCreateAndGetSession(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	sess := mustSession(t)
	if err := s.CreateSession(ctx, sess); err != nil {
		t.Fatalf("CreateSession() error = %v", err)
	}

	got, err := s.GetSession(ctx, sess.ID)
	if err != nil {
		t.Fatalf("GetSession() error = %v", err)
	}
	if got.Name != "test-session" {
		t.Errorf("GetSession().Name = %q, want %q", got.Name, "test-session")
	}
	if got.MaxConcurrency != 4 {
		t.Errorf("GetSession().MaxConcurrency = %d, want 4", got.MaxConcurrency)
	}
}

func TestGetSession_NotFound(t *testing.T) {
	s := newTestStore(t)

	_, err := s.GetSession(context.Background(), "no-such-session")
	if _, ok := err.(*store.ErrNotFound); !ok {
		t.Errorf("GetSession() error = %v, want *ErrNotFound", err)
	}
}

// ─── Trace round-trip ────────────────────────────────────────

func TestPersistTrace_RoundTrip(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	payload := json.RawMessage(`{"output":"результат","bytes":[0,1,2,255]}`)
	trace := &models.Trace{
		ID:        models.NewTraceID(),
		SessionID: models.NewSessionID(),
		Payload:   payload,
		CreatedAt: time.Now().UTC(),
	}
	if err := s.PersistTrace(ctx, trace); err != nil {
		t.Fatalf("PersistTrace() error = %v", err)
	}

	got, err := s.GetTrace(ctx, trace.ID)
	if err != nil {
		t.Fatalf("GetTrace() error = %v", err)
	}
	if !bytes.Equal(got.Payload, payload) {
		t.Errorf("GetTrace().Payload = %s, want byte-identical %s", got.Payload, payload)
	}
}

func TestPersistTrace_IdempotentRetry(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	trace := &models.Trace{
		ID:        models.NewTraceID(),
		SessionID: models.NewSessionID(),
		Payload:   json.RawMessage(`{"n":1}`),
		CreatedAt: time.Now().UTC(),
	}
	for i := 0; i < 3; i++ {
		if err := s.PersistTrace(ctx, trace); err != nil {
			t.Fatalf("PersistTrace() retry %d error = %v", i, err)
		}
	}

	traces, err := s.ListTraces(ctx, trace.SessionID, 0)
	if err != nil {
		t.Fatalf("ListTraces() error = %v", err)
	}
	if len(traces) != 1 {
		t.Errorf("ListTraces() returned %d traces after retries, want 1", len(traces))
	}
}

func TestListTraces_FiltersBySession(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	mine := models.NewSessionID()
	other := models.NewSessionID()
	for i, sid := range []models.SessionID{mine, mine, other} {
		trace := &models.Trace{
			ID:        models.NewTraceID(),
			SessionID: sid,
			Payload:   json.RawMessage(`{}`),
			CreatedAt: time.Now().UTC().Add(time.Duration(i) * time.Millisecond),
		}
		if err := s.PersistTrace(ctx, trace); err != nil {
			t.Fatalf("PersistTrace() error = %v", err)
		}
	}

	traces, err := s.ListTraces(ctx, mine, 0)
	if err != nil {
		t.Fatalf("ListTraces() error = %v", err)
	}
	if len(traces) != 2 {
		t.Errorf("ListTraces() returned %d traces, want 2", len(traces))
	}
}

// ─── RD series ───────────────────────────────────────────────

func TestPersistRDSeries_RoundTripWithSentinel(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	series := &models.RDSeries{
		SessionID: models.NewSessionID(),
		Points: []models.RDPoint{
			{Step: 0, Rate: models.RateUnbounded, Distortion: 0},
			{Step: 1, Rate: 1.5, Distortion: 0.5},
		},
	}
	if err := s.PersistRDSeries(ctx, series); err != nil {
		t.Fatalf("PersistRDSeries() error = %v", err)
	}

	got, err := s.GetRDSeries(ctx, series.SessionID)
	if err != nil {
		t.Fatalf("GetRDSeries() error = %v", err)
	}
	if len(got.Points) != 2 {
		t.Fatalf("GetRDSeries() returned %d points, want 2", len(got.Points))
	}
	if !math.IsInf(got.Points[0].Rate, 1) {
		t.Errorf("point 0 rate = %v, want unbounded sentinel", got.Points[0].Rate)
	}
	if got.Points[1].Rate != 1.5 {
		t.Errorf("point 1 rate = %v, want 1.5", got.Points[1].Rate)
	}
}

// ─── Provenance / checkpoints / reviews ──────────────────────

func TestPersistProvenance_AppendOnlyAndIdempotent(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	traceID := models.NewTraceID()
	rec := models.NewProvenance(models.NewSessionID(), traceID, "execute", []byte("payload"), "")

	// Retrying the same record must not duplicate it.
	for i := 0; i < 2; i++ {
		if err := s.PersistProvenance(ctx, rec); err != nil {
			t.Fatalf("PersistProvenance() error = %v", err)
		}
	}
	second := models.NewProvenance(rec.SessionID, traceID, "merge", []byte("payload"), "")
	if err := s.PersistProvenance(ctx, second); err != nil {
		t.Fatalf("PersistProvenance() error = %v", err)
	}

	records, err := s.ListProvenance(ctx, traceID)
	if err != nil {
		t.Fatalf("ListProvenance() error = %v", err)
	}
	if len(records) != 2 {
		t.Errorf("ListProvenance() returned %d records, want 2", len(records))
	}
}

func TestProvenanceHash_Deterministic(t *testing.T) {
	a := models.HashContent([]byte("same content"))
	b := models.HashContent([]byte("same content"))
	if a != b {
		t.Errorf("HashContent() not deterministic: %s vs %s", a, b)
	}
	if a == models.HashContent([]byte("different")) {
		t.Error("HashContent() collided on different content")
	}
}

func TestPersistCheckpoint_ListByTrace(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	traceID := models.NewTraceID()
	chk := &models.GovernanceCheckpoint{
		ID:        "chk-1",
		SessionID: models.NewSessionID(),
		TraceID:   traceID,
		Outcome:   models.OutcomeBlock,
		Policy:    models.StrictPolicy(),
		CreatedAt: time.Now().UTC(),
	}
	if err := s.PersistCheckpoint(ctx, chk); err != nil {
		t.Fatalf("PersistCheckpoint() error = %v", err)
	}

	got, err := s.ListCheckpoints(ctx, traceID)
	if err != nil {
		t.Fatalf("ListCheckpoints() error = %v", err)
	}
	if len(got) != 1 {
		t.Fatalf("ListCheckpoints() returned %d, want 1", len(got))
	}
	if got[0].Outcome != models.OutcomeBlock {
		t.Errorf("checkpoint outcome = %q, want block", got[0].Outcome)
	}
}

func TestPersistReview(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	traceID := models.NewTraceID()
	rev := &models.ReviewRecord{
		ID:        "rev-1",
		TraceID:   traceID,
		Reviewer:  "operator",
		Approved:  true,
		CreatedAt: time.Now().UTC(),
	}
	if err := s.PersistReview(ctx, rev); err != nil {
		t.Fatalf("PersistReview() error = %v", err)
	}

	got, err := s.ListReviews(ctx, traceID)
	if err != nil {
		t.Fatalf("ListReviews() error = %v", err)
	}
	if len(got) != 1 || !got[0].Approved {
		t.Errorf("ListReviews() = %+v, want one approved review", got)
	}
}
