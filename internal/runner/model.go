package runner

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/tracegate/tracegate/pkg/models"
)

// ModelRunner delegates task execution to a remote model provider over
// HTTP. Isolation is logical: each session maps to a distinct conversation
// scope on the provider, keyed by session id, so prompts from one session
// never leak into another's context.
type ModelRunner struct {
	cfg    Config
	client *http.Client
}

// NewModelRunner creates an HTTP model runner.
func NewModelRunner(cfg Config) *ModelRunner {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	return &ModelRunner{
		cfg:    cfg,
		client: &http.Client{Timeout: timeout},
	}
}

func (r *ModelRunner) Kind() string { return "model" }
func (r *ModelRunner) SupportsIsolation() bool { return false }

// HealthCheck probes the provider endpoint.
func (r *ModelRunner) HealthCheck(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, r.cfg.Endpoint+"/health", nil)
	if err != nil {
		return err
	}
	resp, err := r.client.Do(req)
	if err != nil {
		return fmt.Errorf("model endpoint unreachable: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("model endpoint health returned %d", resp.StatusCode)
	}
	return nil
}

// modelRequest is the wire form sent to the provider.
type modelRequest struct {
	Model          string          `json:"model,omitempty"`
	ConversationID string          `json:"conversation_id"`
	TraceID        string          `json:"trace_id"`
	Input          json.RawMessage `json:"input"`
}

// modelResponse is the provider's reply.
type modelResponse struct {
	Output  string         `json:"output"`
	Error   string         `json:"error,omitempty"`
	Metrics map[string]any `json:"metrics,omitempty"`
}

// ExecuteIsolated sends the task to the provider under the session's
// conversation scope.
func (r *ModelRunner) ExecuteIsolated(ctx context.Context, input []byte, sessionID models.SessionID, traceID models.TraceID) (*models.RunnerOutput, error) {
	wrap := func(err error) error {
		return &ExecError{RunnerKind: r.Kind(), SessionID: sessionID, TraceID: traceID, Err: err}
	}

	if !json.Valid(input) {
		quoted, err := json.Marshal(string(input))
		if err != nil {
			return nil, wrap(err)
		}
		input = quoted
	}
	body, err := json.Marshal(modelRequest{
		Model:          r.cfg.Model,
		ConversationID: sessionID.String(),
		TraceID:        traceID.String(),
		Input:          input,
	})
	if err != nil {
		return nil, wrap(err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.cfg.Endpoint+"/v1/complete", bytes.NewReader(body))
	if err != nil {
		return nil, wrap(err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := r.client.Do(req)
	if err != nil {
		return nil, wrap(err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return nil, wrap(err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, wrap(fmt.Errorf("provider returned %d: %s", resp.StatusCode, truncate(string(raw), 512)))
	}

	var mr modelResponse
	if err := json.Unmarshal(raw, &mr); err != nil {
		return nil, wrap(fmt.Errorf("malformed provider response: %w", err))
	}

	return &models.RunnerOutput{
		OK:      mr.Error == "",
		Stdout:  mr.Output,
		Stderr:  mr.Error,
		Metrics: mr.Metrics,
	}, nil
}
