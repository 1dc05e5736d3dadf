package sessions_test

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/tracegate/tracegate/internal/sessions"
	"github.com/tracegate/tracegate/internal/store"
	"github.com/tracegate/tracegate/pkg/models"
)

func newTestManager(t *testing.T) *sessions.Manager {
	t.Helper()
	os.Setenv("TRACEGATE_DATA_DIR", t.TempDir())
	defer os.Unsetenv("TRACEGATE_DATA_DIR")
	st := store.NewMemoryStore()
	t.Cleanup(func() { st.Close() })
	return sessions.NewManager(st, zerolog.Nop())
}

func TestCreate_RejectsZeroConcurrency(t *testing.T) {
	m := newTestManager(t)

	_, err := m.Create(context.Background(), "bad", 0, false)
	if err == nil {
		t.Fatal("Create() with max_concurrency=0 succeeded, want error")
	}
}

func TestGet_UnknownSession(t *testing.T) {
	m := newTestManager(t)

	_, err := m.Get(context.Background(), "missing")
	if _, ok := err.(*models.UnknownSessionError); !ok {
		t.Errorf("Get() error = %v, want *UnknownSessionError", err)
	}
}

func TestAcquire_EnforcesConcurrencyBound(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()

	sess, err := m.Create(ctx, "bounded", 2, false)
	if err != nil {
		t.Fatalf("Create() error = %v", err)
	}

	for i := 0; i < 2; i++ {
		if err := m.Acquire(ctx, sess.ID); err != nil {
			t.Fatalf("Acquire() %d error = %v", i, err)
		}
	}

	// Third acquire must block until a slot frees or the context expires.
	shortCtx, cancel := context.WithTimeout(ctx, 50*time.Millisecond)
	defer cancel()
	if err := m.Acquire(shortCtx, sess.ID); err == nil {
		t.Fatal("Acquire() beyond max_concurrency succeeded, want context deadline")
	}

	m.Release(sess.ID)
	if err := m.Acquire(ctx, sess.ID); err != nil {
		t.Fatalf("Acquire() after Release() error = %v", err)
	}
}

func TestAcquire_RebuildsGateFromStore(t *testing.T) {
	os.Setenv("TRACEGATE_DATA_DIR", t.TempDir())
	defer os.Unsetenv("TRACEGATE_DATA_DIR")
	st := store.NewMemoryStore()
	t.Cleanup(func() { st.Close() })
	ctx := context.Background()

	first := sessions.NewManager(st, zerolog.Nop())
	sess, err := first.Create(ctx, "survivor", 1, false)
	if err != nil {
		t.Fatalf("Create() error = %v", err)
	}

	// A fresh manager over the same store simulates a restart: the gate is
	// rebuilt lazily from the persisted session.
	second := sessions.NewManager(st, zerolog.Nop())
	if err := second.Acquire(ctx, sess.ID); err != nil {
		t.Fatalf("Acquire() after restart error = %v", err)
	}
	second.Release(sess.ID)
}
