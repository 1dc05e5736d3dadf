package runner

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/tracegate/tracegate/pkg/models"
)

func TestConfigValidate(t *testing.T) {
	cases := []struct {
		name    string
		cfg     Config
		wantErr bool
	}{
		{"process defaults", DefaultConfig(), false},
		{"process no interpreter", Config{Kind: "process", Timeout: time.Second}, true},
		{"model with endpoint", Config{Kind: "model", Endpoint: "http://localhost:9", Timeout: time.Second}, false},
		{"model no endpoint", Config{Kind: "model", Timeout: time.Second}, true},
		{"unknown kind", Config{Kind: "quantum", Timeout: time.Second}, true},
		{"zero timeout", Config{Kind: "process", Interpreter: "python3"}, true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := tc.cfg.Validate()
			if (err != nil) != tc.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tc.wantErr)
			}
		})
	}
}

func TestProcessRunner_ScrubsNetworkEnv(t *testing.T) {
	t.Setenv("HTTP_PROXY", "http://proxy.internal:3128")
	t.Setenv("NO_PROXY", "localhost")

	r := NewProcessRunner(Config{Kind: "process", Interpreter: "true", AllowNetwork: false})
	env := r.buildEnv("sess-1")
	for _, kv := range env {
		name, _, _ := strings.Cut(kv, "=")
		if name == "HTTP_PROXY" || name == "NO_PROXY" {
			t.Errorf("network var %s survived scrubbing", name)
		}
	}

	open := NewProcessRunner(Config{Kind: "process", Interpreter: "true", AllowNetwork: true})
	found := false
	for _, kv := range open.buildEnv("sess-1") {
		if strings.HasPrefix(kv, "HTTP_PROXY=") {
			found = true
		}
	}
	if !found {
		t.Error("HTTP_PROXY missing from env with AllowNetwork=true")
	}
}

func TestProcessRunner_SessionDirsAreDistinct(t *testing.T) {
	r := NewProcessRunner(Config{Kind: "process", Interpreter: "true", WorkDir: t.TempDir()})

	a, err := r.sessionDir("session-a")
	if err != nil {
		t.Fatalf("sessionDir() error = %v", err)
	}
	b, err := r.sessionDir("session-b")
	if err != nil {
		t.Fatalf("sessionDir() error = %v", err)
	}
	if a == b {
		t.Errorf("sessionDir() returned shared dir %s for two sessions", a)
	}
}

func TestModelRunner_ScopesConversationBySession(t *testing.T) {
	var got modelRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := json.NewDecoder(r.Body).Decode(&got); err != nil {
			t.Errorf("decode request: %v", err)
		}
		json.NewEncoder(w).Encode(modelResponse{Output: "done"})
	}))
	defer srv.Close()

	r := NewModelRunner(Config{Kind: "model", Endpoint: srv.URL, Timeout: 5 * time.Second})
	out, err := r.ExecuteIsolated(context.Background(), []byte(`{"task":"x"}`), "sess-42", "trace-7")
	if err != nil {
		t.Fatalf("ExecuteIsolated() error = %v", err)
	}
	if !out.OK || out.Stdout != "done" {
		t.Errorf("ExecuteIsolated() output = %+v, want OK with stdout 'done'", out)
	}
	if got.ConversationID != "sess-42" {
		t.Errorf("conversation_id = %q, want session id", got.ConversationID)
	}
	if got.TraceID != "trace-7" {
		t.Errorf("trace_id = %q, want trace-7", got.TraceID)
	}
}

func TestModelRunner_ProviderErrorWrapped(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "overloaded", http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	r := NewModelRunner(Config{Kind: "model", Endpoint: srv.URL, Timeout: 5 * time.Second})
	_, err := r.ExecuteIsolated(context.Background(), []byte(`{}`), "s", "t")
	if err == nil {
		t.Fatal("ExecuteIsolated() succeeded against failing provider")
	}
	var ee *ExecError
	if !errors.As(err, &ee) {
		t.Fatalf("error = %v, want *ExecError", err)
	}
	if ee.SessionID != models.SessionID("s") || ee.TraceID != models.TraceID("t") {
		t.Errorf("ExecError attribution = session %q trace %q", ee.SessionID, ee.TraceID)
	}
}
