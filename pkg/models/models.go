// Package models holds the shared value types for the TraceGate control
// plane: sessions, traces, governance flags and policy, provenance records,
// checkpoints, and rate-distortion series. Every other package treats these
// as read-mostly value types; there is no business logic here beyond
// validation and identifier generation.
package models

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"math"
	"time"

	"github.com/google/uuid"
)

// ── Identifiers ─────────────────────────────────────────────

// SessionID identifies one isolated execution session.
type SessionID string

// TraceID identifies one recorded execution trace within a session.
type TraceID string

// NewSessionID returns a fresh random session identifier.
func NewSessionID() SessionID { return SessionID(uuid.New().String()) }

// NewTraceID returns a fresh random trace identifier.
func NewTraceID() TraceID { return TraceID(uuid.New().String()) }

func (id SessionID) String() string { return string(id) }
func (id TraceID) String() string { return string(id) }

// ── Session ─────────────────────────────────────────────────

// Session is an isolated execution context. Its configuration is immutable
// after creation; the concurrency bound is enforced by the sessions manager.
type Session struct {
	ID             SessionID `json:"id" db:"id"`
	Name           string    `json:"name" db:"name"`
	MaxConcurrency int       `json:"max_concurrency" db:"max_concurrency"`
	AllowNetwork   bool      `json:"allow_network" db:"allow_network"`
	CreatedAt      time.Time `json:"created_at" db:"created_at"`
}

// NewSession builds a session with a fresh identifier.
// MaxConcurrency must be positive.
func NewSession(name string, maxConcurrency int, allowNetwork bool) (*Session, error) {
	if maxConcurrency <= 0 {
		return nil, fmt.Errorf("%w: max_concurrency must be > 0, got %d", ErrInvalidConfig, maxConcurrency)
	}
	return &Session{
		ID:             NewSessionID(),
		Name:           name,
		MaxConcurrency: maxConcurrency,
		AllowNetwork:   allowNetwork,
		CreatedAt:      time.Now().UTC(),
	}, nil
}

// ── Trace ───────────────────────────────────────────────────

// Trace is one recorded unit of execution output. Content is immutable once
// stored; governance annotations are attached by TraceID, never in place.
type Trace struct {
	ID        TraceID         `json:"id" db:"id"`
	SessionID SessionID       `json:"session_id" db:"session_id"`
	Payload   json.RawMessage `json:"payload" db:"payload"`
	CreatedAt time.Time       `json:"created_at" db:"created_at"`
}

// ── Governance Flags ────────────────────────────────────────

// FlagKind categorizes a governance concern on a trace.
type FlagKind string

const (
	FlagJailbreak  FlagKind = "jailbreak"
	FlagAnomaly    FlagKind = "anomaly"
	FlagHighRisk   FlagKind = "high_risk"
	FlagUnsafe     FlagKind = "unsafe"
	FlagMalicious  FlagKind = "malicious"
	FlagUnverified FlagKind = "unverified"
)

// KnownFlagKinds lists every valid flag kind.
var KnownFlagKinds = []FlagKind{
	FlagJailbreak, FlagAnomaly, FlagHighRisk, FlagUnsafe, FlagMalicious, FlagUnverified,
}

// TraceFlagInfo is a single governance annotation on a trace. A trace may
// accumulate many flags; they are never removed, only superseded by more.
type TraceFlagInfo struct {
	Kind         FlagKind  `json:"kind" db:"kind"`
	Reason       string    `json:"reason" db:"reason"`
	Severity     int       `json:"severity" db:"severity"` // 1–10
	AutoDetected bool      `json:"auto_detected" db:"auto_detected"`
	Timestamp    time.Time `json:"timestamp" db:"timestamp"`
}

// Validate checks the flag kind and severity range.
func (f TraceFlagInfo) Validate() error {
	if f.Severity < 1 || f.Severity > 10 {
		return fmt.Errorf("%w: severity %d outside [1,10]", ErrInvalidConfig, f.Severity)
	}
	for _, k := range KnownFlagKinds {
		if f.Kind == k {
			return nil
		}
	}
	return fmt.Errorf("%w: unknown flag kind %q", ErrInvalidConfig, f.Kind)
}

// TraceState is the governance lifecycle state of a trace. Transitions are
// monotonic: quarantined traces never silently return to unflagged.
type TraceState string

const (
	TraceUnflagged   TraceState = "unflagged"
	TraceFlagged     TraceState = "flagged"
	TraceQuarantined TraceState = "quarantined"
)

// ── Governance Policy ───────────────────────────────────────

// GovernancePolicy controls merge admission. It is pure data, immutable for
// the lifetime of an Orchestrator instance, and shared read-only across all
// sessions that instance handles.
type GovernancePolicy struct {
	BlockUnsafeMerge   bool `json:"block_unsafe_merge" toml:"block_unsafe_merge"`
	RequireProvenance  bool `json:"require_provenance" toml:"require_provenance"`
	BlockJailbreak     bool `json:"block_jailbreak_traces" toml:"block_jailbreak_traces"`
	BlockAnomaly       bool `json:"block_anomaly_traces" toml:"block_anomaly_traces"`
	MaxAnomalySeverity int  `json:"max_anomaly_severity" toml:"max_anomaly_severity"`
	AutoQuarantine     bool `json:"auto_quarantine" toml:"auto_quarantine"`
	BlockMalicious     bool `json:"block_malicious_traces" toml:"block_malicious_traces"`
	RequireHumanReview bool `json:"require_human_review" toml:"require_human_review"`
	QuarantineSeverity int  `json:"quarantine_severity" toml:"quarantine_severity"`
}

// PermissivePolicy admits everything: no blocking, highest thresholds.
func PermissivePolicy() GovernancePolicy {
	return GovernancePolicy{
		MaxAnomalySeverity: 10,
		QuarantineSeverity: 10,
	}
}

// DefaultPolicy is the balanced preset: blocking on, auto-quarantine on,
// no human review requirement.
func DefaultPolicy() GovernancePolicy {
	return GovernancePolicy{
		BlockUnsafeMerge:   true,
		RequireProvenance:  true,
		BlockJailbreak:     true,
		BlockAnomaly:       true,
		MaxAnomalySeverity: 7,
		AutoQuarantine:     true,
		BlockMalicious:     true,
		QuarantineSeverity: 8,
	}
}

// StrictPolicy blocks on every signal, lowers thresholds, and requires an
// explicit human review before a quarantined trace can merge.
func StrictPolicy() GovernancePolicy {
	return GovernancePolicy{
		BlockUnsafeMerge:   true,
		RequireProvenance:  true,
		BlockJailbreak:     true,
		BlockAnomaly:       true,
		MaxAnomalySeverity: 5,
		AutoQuarantine:     true,
		BlockMalicious:     true,
		RequireHumanReview: true,
		QuarantineSeverity: 6,
	}
}

// Validate checks threshold ranges.
func (p GovernancePolicy) Validate() error {
	if p.MaxAnomalySeverity < 1 || p.MaxAnomalySeverity > 10 {
		return fmt.Errorf("%w: max_anomaly_severity %d outside [1,10]", ErrInvalidConfig, p.MaxAnomalySeverity)
	}
	if p.QuarantineSeverity < 1 || p.QuarantineSeverity > 10 {
		return fmt.Errorf("%w: quarantine_severity %d outside [1,10]", ErrInvalidConfig, p.QuarantineSeverity)
	}
	return nil
}

// ── Provenance ──────────────────────────────────────────────

// Provenance is an append-only audit record of one governed operation.
// ContentHash is a deterministic function of the subject content so that
// tampering is detectable after the fact.
type Provenance struct {
	ID          string    `json:"id" db:"id"`
	SessionID   SessionID `json:"session_id" db:"session_id"`
	TraceID     TraceID   `json:"trace_id" db:"trace_id"`
	Operation   string    `json:"operation" db:"operation"` // e.g. execute/flag/merge/review
	ContentHash string    `json:"content_hash" db:"content_hash"`
	Rationale   string    `json:"rationale,omitempty" db:"rationale"`
	CreatedAt   time.Time `json:"created_at" db:"created_at"`
}

// HashContent returns the hex sha256 digest used for provenance hashes.
func HashContent(content []byte) string {
	sum := sha256.Sum256(content)
	return hex.EncodeToString(sum[:])
}

// NewProvenance builds a provenance record for the given operation,
// hashing the subject content.
func NewProvenance(sessionID SessionID, traceID TraceID, operation string, content []byte, rationale string) *Provenance {
	return &Provenance{
		ID:          uuid.New().String(),
		SessionID:   sessionID,
		TraceID:     traceID,
		Operation:   operation,
		ContentHash: HashContent(content),
		Rationale:   rationale,
		CreatedAt:   time.Now().UTC(),
	}
}

// ── Governance Checkpoint ───────────────────────────────────

// CheckpointOutcome is the decision recorded at a governance checkpoint.
type CheckpointOutcome string

const (
	OutcomeAdmit      CheckpointOutcome = "admit"
	OutcomeBlock      CheckpointOutcome = "block"
	OutcomeQuarantine CheckpointOutcome = "quarantine"
)

// GovernanceCheckpoint is an immutable snapshot of a merge/admission
// decision: the policy in force, the outcome, and the flags that drove it.
type GovernanceCheckpoint struct {
	ID              string            `json:"id" db:"id"`
	SessionID       SessionID         `json:"session_id" db:"session_id"`
	TraceID         TraceID           `json:"trace_id" db:"trace_id"`
	Outcome         CheckpointOutcome `json:"outcome" db:"outcome"`
	Policy          GovernancePolicy  `json:"policy" db:"policy"`
	TriggeringFlags []TraceFlagInfo   `json:"triggering_flags,omitempty" db:"triggering_flags"`
	Details         string            `json:"details,omitempty" db:"details"`
	CreatedAt       time.Time         `json:"created_at" db:"created_at"`
}

// ── Review ──────────────────────────────────────────────────

// ReviewRecord is the audited human-review override for a quarantined
// trace. It is the only path by which a quarantined trace can be admitted
// under a policy that requires review.
type ReviewRecord struct {
	ID        string    `json:"id" db:"id"`
	TraceID   TraceID   `json:"trace_id" db:"trace_id"`
	Reviewer  string    `json:"reviewer" db:"reviewer"`
	Approved  bool      `json:"approved" db:"approved"`
	Notes     string    `json:"notes,omitempty" db:"notes"`
	CreatedAt time.Time `json:"created_at" db:"created_at"`
}

// ── Governance Stats ────────────────────────────────────────

// GovernanceStats aggregates the flag table. TotalFlagged counts distinct
// traces; PerKind counts individual flags, so one trace flagged twice with
// different kinds contributes one to TotalFlagged and two PerKind entries.
type GovernanceStats struct {
	TotalFlagged     int              `json:"total_flagged"`
	TotalQuarantined int              `json:"total_quarantined"`
	PerKind          map[FlagKind]int `json:"per_kind"`
}

// ── Rate-Distortion ─────────────────────────────────────────

// RateUnbounded is the sentinel rate for zero distortion.
var RateUnbounded = math.Inf(1)

// RDPoint is one observation on the reward/difficulty curve.
// Rate is the reward axis, Distortion the difficulty axis.
type RDPoint struct {
	Step       int     `json:"step"`
	Rate       float64 `json:"rate"`
	Distortion float64 `json:"distortion"`
}

// rdPointWire mirrors RDPoint with an any-typed rate so the unbounded
// sentinel survives JSON, which cannot encode +Inf.
type rdPointWire struct {
	Step       int     `json:"step"`
	Rate       any     `json:"rate"`
	Distortion float64 `json:"distortion"`
}

// MarshalJSON encodes an unbounded rate as the string "unbounded".
func (p RDPoint) MarshalJSON() ([]byte, error) {
	w := rdPointWire{Step: p.Step, Rate: p.Rate, Distortion: p.Distortion}
	if math.IsInf(p.Rate, 1) {
		w.Rate = "unbounded"
	}
	return json.Marshal(w)
}

// UnmarshalJSON accepts both numeric rates and the "unbounded" sentinel.
func (p *RDPoint) UnmarshalJSON(data []byte) error {
	var w rdPointWire
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}
	p.Step = w.Step
	p.Distortion = w.Distortion
	switch v := w.Rate.(type) {
	case float64:
		p.Rate = v
	case string:
		if v != "unbounded" {
			return fmt.Errorf("invalid rate %q", v)
		}
		p.Rate = RateUnbounded
	case nil:
		p.Rate = 0
	default:
		return fmt.Errorf("invalid rate type %T", w.Rate)
	}
	return nil
}

// RDSeries is the ordered, append-only sequence of RD points for one
// computation run. Step indices are strictly increasing.
type RDSeries struct {
	SessionID SessionID `json:"session_id"`
	TraceID   TraceID   `json:"trace_id,omitempty"`
	Points    []RDPoint `json:"points"`
}

// ── Runner Output ───────────────────────────────────────────

// RunnerOutput is the result of one isolated backend execution.
type RunnerOutput struct {
	OK      bool           `json:"ok"`
	Stdout  string         `json:"stdout"`
	Stderr  string         `json:"stderr"`
	Metrics map[string]any `json:"metrics,omitempty"`
}
