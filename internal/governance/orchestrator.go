// Package governance implements the policy engine that gates which traces
// may be merged into externally visible results. It keeps a per-trace flag
// table with fine-grained locking, runs deterministic anomaly detection,
// and records every merge decision as an immutable checkpoint. The
// checkpoint write is the single commit point of a merge decision; all
// checks complete before it, and cancellation beforehand leaves no visible
// state.
package governance

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/tracegate/tracegate/internal/runner"
	"github.com/tracegate/tracegate/internal/sessions"
	"github.com/tracegate/tracegate/internal/store"
	"github.com/tracegate/tracegate/pkg/models"
)

// traceEntry is the per-trace governance record. Each entry has its own
// lock so flagging one trace never blocks operations on another.
type traceEntry struct {
	mu    sync.Mutex
	state models.TraceState
	flags []models.TraceFlagInfo
}

// Orchestrator is the governance policy engine. The policy is immutable
// for the orchestrator's lifetime and shared read-only across every
// session it handles; the flag table is the only mutable shared state.
type Orchestrator struct {
	store    store.Store
	policy   models.GovernancePolicy
	detector Detector
	sessions *sessions.Manager
	log      zerolog.Logger

	mu     sync.RWMutex
	traces map[models.TraceID]*traceEntry
}

// New creates an orchestrator. The sessions manager may be nil when task
// execution is not used (flag/merge-only deployments).
func New(st store.Store, policy models.GovernancePolicy, det Detector, mgr *sessions.Manager, log zerolog.Logger) (*Orchestrator, error) {
	if err := policy.Validate(); err != nil {
		return nil, err
	}
	if det == nil {
		det = NewPatternDetector()
	}
	return &Orchestrator{
		store:    st,
		policy:   policy,
		detector: det,
		sessions: mgr,
		log:      log.With().Str("component", "governance").Logger(),
		traces:   make(map[models.TraceID]*traceEntry),
	}, nil
}

// Policy returns the policy in force.
func (o *Orchestrator) Policy() models.GovernancePolicy { return o.policy }

// ── Trace table ─────────────────────────────────────────────

// RegisterTrace makes a trace known to the governance engine. Registering
// an already known trace is a no-op.
func (o *Orchestrator) RegisterTrace(traceID models.TraceID) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if _, ok := o.traces[traceID]; !ok {
		o.traces[traceID] = &traceEntry{state: models.TraceUnflagged}
	}
}

func (o *Orchestrator) entry(traceID models.TraceID) (*traceEntry, bool) {
	o.mu.RLock()
	defer o.mu.RUnlock()
	e, ok := o.traces[traceID]
	return e, ok
}

// TraceState returns the governance state of a trace.
func (o *Orchestrator) TraceState(traceID models.TraceID) (models.TraceState, error) {
	e, ok := o.entry(traceID)
	if !ok {
		return "", &models.UnknownTraceError{TraceID: traceID}
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state, nil
}

// Flags returns a copy of the trace's flag log in arrival order.
func (o *Orchestrator) Flags(traceID models.TraceID) ([]models.TraceFlagInfo, error) {
	e, ok := o.entry(traceID)
	if !ok {
		return nil, &models.UnknownTraceError{TraceID: traceID}
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]models.TraceFlagInfo, len(e.flags))
	copy(out, e.flags)
	return out, nil
}

// ── Flagging ────────────────────────────────────────────────

// FlagTrace appends a flag to the trace's log. When auto-quarantine is
// enabled and the flag crosses the policy threshold, the quarantine
// transition happens atomically with the flag write. Flags accumulate and
// are never removed.
func (o *Orchestrator) FlagTrace(ctx context.Context, traceID models.TraceID, flag models.TraceFlagInfo) error {
	if err := flag.Validate(); err != nil {
		return err
	}
	e, ok := o.entry(traceID)
	if !ok {
		return &models.UnknownTraceError{TraceID: traceID}
	}
	if flag.Timestamp.IsZero() {
		flag.Timestamp = time.Now().UTC()
	}

	e.mu.Lock()
	e.flags = append(e.flags, flag)
	quarantined := false
	if e.state == models.TraceUnflagged {
		e.state = models.TraceFlagged
	}
	if e.state != models.TraceQuarantined && o.shouldQuarantine(flag) {
		e.state = models.TraceQuarantined
		quarantined = true
	}
	e.mu.Unlock()

	o.log.Info().
		Str("trace_id", traceID.String()).
		Str("kind", string(flag.Kind)).
		Int("severity", flag.Severity).
		Bool("auto_detected", flag.AutoDetected).
		Bool("quarantined", quarantined).
		Msg("trace flagged")

	if !quarantined {
		return nil
	}

	// Quarantine is an auditable event in its own right.
	chk := &models.GovernanceCheckpoint{
		ID:              uuid.New().String(),
		TraceID:         traceID,
		Outcome:         models.OutcomeQuarantine,
		Policy:          o.policy,
		TriggeringFlags: []models.TraceFlagInfo{flag},
		Details:         "auto-quarantine: " + flag.Reason,
		CreatedAt:       time.Now().UTC(),
	}
	if err := o.store.PersistCheckpoint(ctx, chk); err != nil {
		return fmt.Errorf("persist quarantine checkpoint for trace %s: %w", traceID, err)
	}
	return nil
}

// shouldQuarantine applies the auto-quarantine rule to a single flag.
func (o *Orchestrator) shouldQuarantine(flag models.TraceFlagInfo) bool {
	if !o.policy.AutoQuarantine {
		return false
	}
	if flag.Severity >= o.policy.QuarantineSeverity {
		return true
	}
	switch flag.Kind {
	case models.FlagJailbreak:
		return o.policy.BlockJailbreak
	case models.FlagMalicious:
		return o.policy.BlockMalicious
	}
	return false
}

// DetectAndFlag runs the detector over a payload and records every
// resulting flag against the trace.
func (o *Orchestrator) DetectAndFlag(ctx context.Context, traceID models.TraceID, payload []byte) ([]models.TraceFlagInfo, error) {
	flags := o.detector.Detect(payload)
	for _, f := range flags {
		if err := o.FlagTrace(ctx, traceID, f); err != nil {
			return nil, err
		}
	}
	return flags, nil
}

// ── Merge validation ────────────────────────────────────────

// ValidateMerge is the sole gate before a trace's results leave session
// isolation. All checks run first; the checkpoint persist is the single
// commit point, and cancellation before it leaves no visible state. A
// block is a normal outcome: the checkpoint is persisted with outcome
// block and a BlockedError is returned.
func (o *Orchestrator) ValidateMerge(ctx context.Context, sessionID models.SessionID, traceID models.TraceID) (*models.GovernanceCheckpoint, error) {
	e, ok := o.entry(traceID)
	if !ok {
		return nil, &models.UnknownTraceError{TraceID: traceID}
	}

	e.mu.Lock()
	state := e.state
	flags := make([]models.TraceFlagInfo, len(e.flags))
	copy(flags, e.flags)
	e.mu.Unlock()

	var reasons []string
	var triggering []models.TraceFlagInfo

	if state == models.TraceQuarantined && o.policy.RequireHumanReview {
		approved, err := o.hasApprovedReview(ctx, traceID)
		if err != nil {
			return nil, err
		}
		if !approved {
			reasons = append(reasons, "quarantined trace requires approved human review")
		}
	}

	maxSeverity := 0
	for _, f := range flags {
		if f.Severity > maxSeverity {
			maxSeverity = f.Severity
		}
		switch f.Kind {
		case models.FlagJailbreak:
			if o.policy.BlockJailbreak {
				reasons = append(reasons, "jailbreak flag: "+f.Reason)
				triggering = append(triggering, f)
			}
		case models.FlagMalicious:
			if o.policy.BlockMalicious {
				reasons = append(reasons, "malicious flag: "+f.Reason)
				triggering = append(triggering, f)
			}
		case models.FlagUnsafe, models.FlagHighRisk:
			if o.policy.BlockUnsafeMerge {
				reasons = append(reasons, "unsafe flag: "+f.Reason)
				triggering = append(triggering, f)
			}
		case models.FlagAnomaly:
			if o.policy.BlockAnomaly {
				reasons = append(reasons, "anomaly flag: "+f.Reason)
				triggering = append(triggering, f)
			}
		}
	}

	// Severity gate is independent of the kind gates: a permitted kind at
	// excessive severity still blocks.
	if maxSeverity > o.policy.MaxAnomalySeverity {
		reasons = append(reasons, fmt.Sprintf("max flag severity %d exceeds policy limit %d", maxSeverity, o.policy.MaxAnomalySeverity))
	}

	if o.policy.RequireProvenance {
		records, err := o.store.ListProvenance(ctx, traceID)
		if err != nil {
			return nil, fmt.Errorf("list provenance for trace %s: %w", traceID, err)
		}
		if len(records) == 0 {
			reasons = append(reasons, "no provenance record for trace")
		}
	}

	// Abort point: nothing has been committed yet.
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	outcome := models.OutcomeAdmit
	if len(reasons) > 0 {
		outcome = models.OutcomeBlock
	}
	chk := &models.GovernanceCheckpoint{
		ID:              uuid.New().String(),
		SessionID:       sessionID,
		TraceID:         traceID,
		Outcome:         outcome,
		Policy:          o.policy,
		TriggeringFlags: triggering,
		Details:         strings.Join(reasons, "; "),
		CreatedAt:       time.Now().UTC(),
	}
	if err := o.store.PersistCheckpoint(ctx, chk); err != nil {
		return nil, fmt.Errorf("persist checkpoint for trace %s: %w", traceID, err)
	}

	if outcome == models.OutcomeBlock {
		o.log.Warn().
			Str("session_id", sessionID.String()).
			Str("trace_id", traceID.String()).
			Strs("reasons", reasons).
			Str("checkpoint_id", chk.ID).
			Msg("merge blocked")
		return chk, &models.BlockedError{TraceID: traceID, Reasons: reasons, CheckpointID: chk.ID}
	}

	o.log.Info().
		Str("session_id", sessionID.String()).
		Str("trace_id", traceID.String()).
		Str("checkpoint_id", chk.ID).
		Msg("merge admitted")
	return chk, nil
}

func (o *Orchestrator) hasApprovedReview(ctx context.Context, traceID models.TraceID) (bool, error) {
	reviews, err := o.store.ListReviews(ctx, traceID)
	if err != nil {
		return false, fmt.Errorf("list reviews for trace %s: %w", traceID, err)
	}
	for _, r := range reviews {
		if r.Approved {
			return true, nil
		}
	}
	return false, nil
}

// ── Review override ─────────────────────────────────────────

// RecordReview records a human review verdict for a trace. An approved
// review is the only path by which a quarantined trace can satisfy a
// policy that requires review; the verdict itself is audited with a
// provenance entry.
func (o *Orchestrator) RecordReview(ctx context.Context, traceID models.TraceID, reviewer string, approved bool, notes string) (*models.ReviewRecord, error) {
	if _, ok := o.entry(traceID); !ok {
		return nil, &models.UnknownTraceError{TraceID: traceID}
	}
	if reviewer == "" {
		return nil, fmt.Errorf("%w: reviewer must not be empty", models.ErrInvalidConfig)
	}

	rev := &models.ReviewRecord{
		ID:        uuid.New().String(),
		TraceID:   traceID,
		Reviewer:  reviewer,
		Approved:  approved,
		Notes:     notes,
		CreatedAt: time.Now().UTC(),
	}
	if err := o.store.PersistReview(ctx, rev); err != nil {
		return nil, fmt.Errorf("persist review for trace %s: %w", traceID, err)
	}

	prov := models.NewProvenance("", traceID, "review", []byte(fmt.Sprintf("%s approved=%t %s", reviewer, approved, notes)), notes)
	if err := o.store.PersistProvenance(ctx, prov); err != nil {
		return nil, fmt.Errorf("persist review provenance for trace %s: %w", traceID, err)
	}

	o.log.Info().
		Str("trace_id", traceID.String()).
		Str("reviewer", reviewer).
		Bool("approved", approved).
		Msg("review recorded")
	return rev, nil
}

// ── Storage passthroughs ────────────────────────────────────

// RecordProvenance persists one provenance record.
func (o *Orchestrator) RecordProvenance(ctx context.Context, rec *models.Provenance) error {
	if err := o.store.PersistProvenance(ctx, rec); err != nil {
		return fmt.Errorf("persist provenance for trace %s: %w", rec.TraceID, err)
	}
	return nil
}

// RecordRDSeries persists a rate-distortion series and runs the runaway
// check over it. A runaway series flags its trace when one is attached.
func (o *Orchestrator) RecordRDSeries(ctx context.Context, series *models.RDSeries) error {
	if err := o.store.PersistRDSeries(ctx, series); err != nil {
		return fmt.Errorf("persist rd series for session %s: %w", series.SessionID, err)
	}
	if series.TraceID == "" {
		return nil
	}
	for _, f := range o.detector.DetectSeries(series.Points) {
		if err := o.FlagTrace(ctx, series.TraceID, f); err != nil {
			if _, ok := err.(*models.UnknownTraceError); ok {
				continue
			}
			return err
		}
	}
	return nil
}

// ── Task execution ──────────────────────────────────────────

// RunTask executes one governed task: acquire the session's admission
// slot, screen the input, execute on the runner, persist the trace and
// its provenance, then validate the merge. The returned error is a
// BlockedError when governance denies the merge; the trace and output are
// still returned so callers can inspect what was blocked.
func (o *Orchestrator) RunTask(ctx context.Context, sessionID models.SessionID, r runner.Runner, input []byte) (*models.Trace, *models.RunnerOutput, error) {
	if o.sessions == nil {
		return nil, nil, fmt.Errorf("%w: orchestrator has no session manager", models.ErrInvalidConfig)
	}
	if err := o.sessions.Acquire(ctx, sessionID); err != nil {
		return nil, nil, err
	}
	defer o.sessions.Release(sessionID)

	traceID := models.NewTraceID()
	o.RegisterTrace(traceID)

	if _, err := o.DetectAndFlag(ctx, traceID, input); err != nil {
		return nil, nil, err
	}

	out, err := r.ExecuteIsolated(ctx, input, sessionID, traceID)
	if err != nil {
		return nil, nil, err
	}
	if _, err := o.DetectAndFlag(ctx, traceID, []byte(out.Stdout)); err != nil {
		return nil, nil, err
	}

	payload, err := json.Marshal(out)
	if err != nil {
		return nil, nil, fmt.Errorf("encode runner output for trace %s: %w", traceID, err)
	}
	trace := &models.Trace{
		ID:        traceID,
		SessionID: sessionID,
		Payload:   payload,
		CreatedAt: time.Now().UTC(),
	}
	if err := o.store.PersistTrace(ctx, trace); err != nil {
		return nil, nil, fmt.Errorf("persist trace %s: %w", traceID, err)
	}
	prov := models.NewProvenance(sessionID, traceID, "execute", payload, "runner "+r.Kind())
	if err := o.store.PersistProvenance(ctx, prov); err != nil {
		return nil, nil, fmt.Errorf("persist execute provenance for trace %s: %w", traceID, err)
	}

	if _, err := o.ValidateMerge(ctx, sessionID, traceID); err != nil {
		return trace, out, err
	}
	return trace, out, nil
}

// ── Stats ───────────────────────────────────────────────────

// Stats aggregates the flag table. Read-only; one trace with several
// flags counts once toward TotalFlagged and once per flag in PerKind.
func (o *Orchestrator) Stats() models.GovernanceStats {
	o.mu.RLock()
	entries := make([]*traceEntry, 0, len(o.traces))
	for _, e := range o.traces {
		entries = append(entries, e)
	}
	o.mu.RUnlock()

	stats := models.GovernanceStats{PerKind: make(map[models.FlagKind]int)}
	for _, e := range entries {
		e.mu.Lock()
		if len(e.flags) > 0 {
			stats.TotalFlagged++
		}
		if e.state == models.TraceQuarantined {
			stats.TotalQuarantined++
		}
		for _, f := range e.flags {
			stats.PerKind[f.Kind]++
		}
		e.mu.Unlock()
	}
	return stats
}
