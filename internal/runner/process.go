package runner

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/tracegate/tracegate/pkg/models"
)

// networkEnvVars are scrubbed from subprocess environments when the
// session does not allow network access. Dropping proxy configuration is
// best-effort containment, not a sandbox.
var networkEnvVars = []string{
	"HTTP_PROXY", "HTTPS_PROXY", "ALL_PROXY", "NO_PROXY",
	"http_proxy", "https_proxy", "all_proxy", "no_proxy",
}

// ProcessRunner executes tasks as interpreter subprocesses. Each session
// gets its own working directory under the configured root; the task input
// is fed to the interpreter on stdin.
type ProcessRunner struct {
	cfg Config

	mu      sync.Mutex
	workDir string // resolved root, created lazily
}

// NewProcessRunner creates a subprocess runner.
func NewProcessRunner(cfg Config) *ProcessRunner {
	return &ProcessRunner{cfg: cfg}
}

func (r *ProcessRunner) Kind() string { return "process" }
func (r *ProcessRunner) SupportsIsolation() bool { return true }

// HealthCheck verifies the interpreter is on PATH.
func (r *ProcessRunner) HealthCheck(_ context.Context) error {
	if _, err := exec.LookPath(r.cfg.Interpreter); err != nil {
		return fmt.Errorf("interpreter %q not found: %w", r.cfg.Interpreter, err)
	}
	return nil
}

// ExecuteIsolated runs the input through the interpreter inside the
// session's working directory, with the configured timeout.
func (r *ProcessRunner) ExecuteIsolated(ctx context.Context, input []byte, sessionID models.SessionID, traceID models.TraceID) (*models.RunnerOutput, error) {
	dir, err := r.sessionDir(sessionID)
	if err != nil {
		return nil, &ExecError{RunnerKind: r.Kind(), SessionID: sessionID, TraceID: traceID, Err: err}
	}

	runCtx := ctx
	if r.cfg.Timeout > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, r.cfg.Timeout)
		defer cancel()
	}

	cmd := exec.CommandContext(runCtx, r.cfg.Interpreter)
	cmd.Dir = dir
	cmd.Stdin = bytes.NewReader(input)
	cmd.Env = r.buildEnv(sessionID)

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	runErr := cmd.Run()

	out := &models.RunnerOutput{
		OK:     runErr == nil,
		Stdout: truncate(stdout.String(), r.cfg.MaxOutputLen),
		Stderr: truncate(stderr.String(), r.cfg.MaxOutputLen),
	}
	if runErr != nil {
		// Nonzero exit is an observation, not a control-plane failure: the
		// output is still returned for governance to inspect.
		if _, ok := runErr.(*exec.ExitError); ok {
			log.Debug().
				Str("session_id", sessionID.String()).
				Str("trace_id", traceID.String()).
				Err(runErr).
				Msg("task process exited nonzero")
			return out, nil
		}
		return nil, &ExecError{RunnerKind: r.Kind(), SessionID: sessionID, TraceID: traceID, Err: runErr}
	}
	return out, nil
}

// sessionDir returns (creating if needed) the isolated working directory
// for a session.
func (r *ProcessRunner) sessionDir(sessionID models.SessionID) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.workDir == "" {
		root := r.cfg.WorkDir
		if root == "" {
			dir, err := os.MkdirTemp("", "tracegate-runners-*")
			if err != nil {
				return "", err
			}
			root = dir
		}
		r.workDir = root
	}

	dir := filepath.Join(r.workDir, sessionID.String())
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", err
	}
	return dir, nil
}

// buildEnv assembles the subprocess environment: parent env plus extras,
// minus network vars when the session forbids network access.
func (r *ProcessRunner) buildEnv(sessionID models.SessionID) []string {
	env := os.Environ()
	env = append(env, r.cfg.Env...)
	env = append(env, "TRACEGATE_SESSION_ID="+sessionID.String())

	if !r.cfg.AllowNetwork {
		filtered := env[:0]
		for _, kv := range env {
			name, _, _ := strings.Cut(kv, "=")
			if scrubbed(name) {
				continue
			}
			filtered = append(filtered, kv)
		}
		env = filtered
	}
	return env
}

func scrubbed(name string) bool {
	for _, v := range networkEnvVars {
		if name == v {
			return true
		}
	}
	return false
}

func truncate(s string, max int) string {
	if max > 0 && len(s) > max {
		return s[:max]
	}
	return s
}
