// Package handlers implements the HTTP handlers for the TraceGate control
// plane. All handlers go through the Store interface and the governance
// orchestrator; none of them keep state of their own except the per-session
// RD engines, whose mutation the handler serializes.
package handlers

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog/log"

	"github.com/tracegate/tracegate/internal/governance"
	"github.com/tracegate/tracegate/internal/rd"
	"github.com/tracegate/tracegate/internal/runner"
	"github.com/tracegate/tracegate/internal/sessions"
	"github.com/tracegate/tracegate/internal/store"
	"github.com/tracegate/tracegate/pkg/models"
)

// Handlers holds all handler dependencies.
type Handlers struct {
	Store        store.Store
	Sessions     *sessions.Manager
	Orchestrator *governance.Orchestrator
	Runner       runner.Runner
	RDConfig     rd.FGWConfig

	mu      sync.Mutex
	engines map[models.SessionID]*rd.Engine
}

// New creates a Handlers instance with all dependencies.
func New(st store.Store, mgr *sessions.Manager, orch *governance.Orchestrator, r runner.Runner, rdCfg rd.FGWConfig) *Handlers {
	return &Handlers{
		Store:        st,
		Sessions:     mgr,
		Orchestrator: orch,
		Runner:       r,
		RDConfig:     rdCfg,
		engines:      make(map[models.SessionID]*rd.Engine),
	}
}

// ── Session Handlers ────────────────────────────────────────

type createSessionRequest struct {
	Name           string `json:"name"`
	MaxConcurrency int    `json:"max_concurrency"`
	AllowNetwork   bool   `json:"allow_network"`
}

func (h *Handlers) CreateSession(w http.ResponseWriter, r *http.Request) {
	var req createSessionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	sess, err := h.Sessions.Create(r.Context(), req.Name, req.MaxConcurrency, req.AllowNetwork)
	if err != nil {
		respondDomainError(w, err)
		return
	}
	respondJSON(w, http.StatusCreated, sess)
}

func (h *Handlers) ListSessions(w http.ResponseWriter, r *http.Request) {
	list, err := h.Sessions.List(r.Context())
	if err != nil {
		respondError(w, http.StatusBadGateway, err.Error())
		return
	}
	if list == nil {
		list = []models.Session{}
	}
	respondJSON(w, http.StatusOK, list)
}

func (h *Handlers) GetSession(w http.ResponseWriter, r *http.Request) {
	id := models.SessionID(chi.URLParam(r, "sessionID"))
	sess, err := h.Sessions.Get(r.Context(), id)
	if err != nil {
		respondDomainError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, sess)
}

// ── Task Handlers ───────────────────────────────────────────

type runTaskRequest struct {
	Input json.RawMessage `json:"input"`
}

type runTaskResponse struct {
	Trace  *models.Trace        `json:"trace,omitempty"`
	Output *models.RunnerOutput `json:"output,omitempty"`
}

// RunTask executes one governed task inside the session.
func (h *Handlers) RunTask(w http.ResponseWriter, r *http.Request) {
	sessionID := models.SessionID(chi.URLParam(r, "sessionID"))

	var req runTaskRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	trace, out, err := h.Orchestrator.RunTask(r.Context(), sessionID, h.Runner, req.Input)
	if err != nil {
		var be *models.BlockedError
		if errors.As(err, &be) {
			respondJSON(w, http.StatusForbidden, map[string]any{
				"error":         "merge blocked by governance policy",
				"reasons":       be.Reasons,
				"checkpoint_id": be.CheckpointID,
				"trace_id":      be.TraceID,
			})
			return
		}
		respondDomainError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, runTaskResponse{Trace: trace, Output: out})
}

// ── Trace Handlers ──────────────────────────────────────────

type createTraceRequest struct {
	SessionID models.SessionID `json:"session_id"`
	Payload   json.RawMessage  `json:"payload"`
}

// CreateTrace stores an externally produced trace payload and registers it
// with governance, running anomaly detection on the content.
func (h *Handlers) CreateTrace(w http.ResponseWriter, r *http.Request) {
	var req createTraceRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	if req.SessionID == "" || len(req.Payload) == 0 {
		respondError(w, http.StatusBadRequest, "session_id and payload are required")
		return
	}
	if _, err := h.Sessions.Get(r.Context(), req.SessionID); err != nil {
		respondDomainError(w, err)
		return
	}

	trace := &models.Trace{
		ID:        models.NewTraceID(),
		SessionID: req.SessionID,
		Payload:   req.Payload,
		CreatedAt: time.Now().UTC(),
	}
	if err := h.Store.PersistTrace(r.Context(), trace); err != nil {
		respondError(w, http.StatusBadGateway, err.Error())
		return
	}

	h.Orchestrator.RegisterTrace(trace.ID)
	flags, err := h.Orchestrator.DetectAndFlag(r.Context(), trace.ID, req.Payload)
	if err != nil {
		respondDomainError(w, err)
		return
	}

	log.Info().
		Str("trace_id", trace.ID.String()).
		Str("session_id", req.SessionID.String()).
		Int("auto_flags", len(flags)).
		Msg("trace recorded")
	respondJSON(w, http.StatusCreated, map[string]any{"trace": trace, "flags": flags})
}

func (h *Handlers) GetTrace(w http.ResponseWriter, r *http.Request) {
	id := models.TraceID(chi.URLParam(r, "traceID"))
	trace, err := h.Store.GetTrace(r.Context(), id)
	if err != nil {
		respondDomainError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, trace)
}

func (h *Handlers) ListTraces(w http.ResponseWriter, r *http.Request) {
	sessionID := models.SessionID(r.URL.Query().Get("session_id"))
	limit := 0
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			limit = n
		}
	}
	traces, err := h.Store.ListTraces(r.Context(), sessionID, limit)
	if err != nil {
		respondError(w, http.StatusBadGateway, err.Error())
		return
	}
	if traces == nil {
		traces = []models.Trace{}
	}
	respondJSON(w, http.StatusOK, traces)
}

// ── Flag Handlers ───────────────────────────────────────────

func (h *Handlers) FlagTrace(w http.ResponseWriter, r *http.Request) {
	id := models.TraceID(chi.URLParam(r, "traceID"))

	var flag models.TraceFlagInfo
	if err := json.NewDecoder(r.Body).Decode(&flag); err != nil {
		respondError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	if err := h.Orchestrator.FlagTrace(r.Context(), id, flag); err != nil {
		respondDomainError(w, err)
		return
	}

	state, _ := h.Orchestrator.TraceState(id)
	respondJSON(w, http.StatusCreated, map[string]any{"state": state})
}

func (h *Handlers) ListFlags(w http.ResponseWriter, r *http.Request) {
	id := models.TraceID(chi.URLParam(r, "traceID"))
	flags, err := h.Orchestrator.Flags(id)
	if err != nil {
		respondDomainError(w, err)
		return
	}
	state, _ := h.Orchestrator.TraceState(id)
	if flags == nil {
		flags = []models.TraceFlagInfo{}
	}
	respondJSON(w, http.StatusOK, map[string]any{"state": state, "flags": flags})
}

// ── Merge Handler ───────────────────────────────────────────

type mergeRequest struct {
	SessionID models.SessionID `json:"session_id"`
}

func (h *Handlers) ValidateMerge(w http.ResponseWriter, r *http.Request) {
	id := models.TraceID(chi.URLParam(r, "traceID"))

	var req mergeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	chk, err := h.Orchestrator.ValidateMerge(r.Context(), req.SessionID, id)
	if err != nil {
		var be *models.BlockedError
		if errors.As(err, &be) {
			respondJSON(w, http.StatusForbidden, map[string]any{
				"error":         "merge blocked by governance policy",
				"reasons":       be.Reasons,
				"checkpoint_id": be.CheckpointID,
			})
			return
		}
		respondDomainError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, chk)
}

func (h *Handlers) ListCheckpoints(w http.ResponseWriter, r *http.Request) {
	id := models.TraceID(chi.URLParam(r, "traceID"))
	chks, err := h.Store.ListCheckpoints(r.Context(), id)
	if err != nil {
		respondError(w, http.StatusBadGateway, err.Error())
		return
	}
	if chks == nil {
		chks = []models.GovernanceCheckpoint{}
	}
	respondJSON(w, http.StatusOK, chks)
}

// ── Provenance Handlers ─────────────────────────────────────

type provenanceRequest struct {
	SessionID models.SessionID `json:"session_id"`
	Operation string           `json:"operation"`
	Content   string           `json:"content"`
	Rationale string           `json:"rationale"`
}

func (h *Handlers) RecordProvenance(w http.ResponseWriter, r *http.Request) {
	id := models.TraceID(chi.URLParam(r, "traceID"))

	var req provenanceRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	if req.Operation == "" {
		respondError(w, http.StatusBadRequest, "operation is required")
		return
	}

	rec := models.NewProvenance(req.SessionID, id, req.Operation, []byte(req.Content), req.Rationale)
	if err := h.Orchestrator.RecordProvenance(r.Context(), rec); err != nil {
		respondDomainError(w, err)
		return
	}
	respondJSON(w, http.StatusCreated, rec)
}

func (h *Handlers) ListProvenance(w http.ResponseWriter, r *http.Request) {
	id := models.TraceID(chi.URLParam(r, "traceID"))
	records, err := h.Store.ListProvenance(r.Context(), id)
	if err != nil {
		respondError(w, http.StatusBadGateway, err.Error())
		return
	}
	if records == nil {
		records = []models.Provenance{}
	}
	respondJSON(w, http.StatusOK, records)
}

// ── Review Handler ──────────────────────────────────────────

type reviewRequest struct {
	Reviewer string `json:"reviewer"`
	Approved bool   `json:"approved"`
	Notes    string `json:"notes"`
}

func (h *Handlers) RecordReview(w http.ResponseWriter, r *http.Request) {
	id := models.TraceID(chi.URLParam(r, "traceID"))

	var req reviewRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	rev, err := h.Orchestrator.RecordReview(r.Context(), id, req.Reviewer, req.Approved, req.Notes)
	if err != nil {
		respondDomainError(w, err)
		return
	}
	respondJSON(w, http.StatusCreated, rev)
}

// ── Governance Stats ────────────────────────────────────────

func (h *Handlers) GovernanceStats(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, h.Orchestrator.Stats())
}

// ── RD Handlers ─────────────────────────────────────────────

// engine returns (creating if needed) the RD engine for a session. Engine
// mutation is not internally synchronized; the handler lock serializes all
// appends for a given process.
func (h *Handlers) engine(sessionID models.SessionID, traceID models.TraceID) (*rd.Engine, error) {
	e, ok := h.engines[sessionID]
	if !ok {
		var err error
		e, err = rd.NewEngine(h.RDConfig)
		if err != nil {
			return nil, err
		}
		e.BindSeries(sessionID, traceID)
		h.engines[sessionID] = e
	}
	return e, nil
}

type rdPointRequest struct {
	TraceID    models.TraceID `json:"trace_id"`
	Distortion float64        `json:"distortion"`
	Variance   float64        `json:"variance"`
}

func (h *Handlers) AddRDPoint(w http.ResponseWriter, r *http.Request) {
	sessionID := models.SessionID(chi.URLParam(r, "sessionID"))

	var req rdPointRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	if _, err := h.Sessions.Get(r.Context(), sessionID); err != nil {
		respondDomainError(w, err)
		return
	}

	h.mu.Lock()
	e, err := h.engine(sessionID, req.TraceID)
	if err != nil {
		h.mu.Unlock()
		respondDomainError(w, err)
		return
	}
	point, err := e.AddRefinementPoint(req.Distortion, req.Variance)
	if err != nil {
		h.mu.Unlock()
		respondDomainError(w, err)
		return
	}
	series := e.Series()
	h.mu.Unlock()

	if err := h.Orchestrator.RecordRDSeries(r.Context(), &series); err != nil {
		respondDomainError(w, err)
		return
	}
	respondJSON(w, http.StatusCreated, point)
}

func (h *Handlers) GetRDSeries(w http.ResponseWriter, r *http.Request) {
	sessionID := models.SessionID(chi.URLParam(r, "sessionID"))

	h.mu.Lock()
	e, ok := h.engines[sessionID]
	var series models.RDSeries
	if ok {
		series = e.Series()
	}
	h.mu.Unlock()

	if !ok {
		// Fall back to the persisted series from a previous process.
		stored, err := h.Store.GetRDSeries(r.Context(), sessionID)
		if err != nil {
			respondDomainError(w, err)
			return
		}
		series = *stored
	}
	respondJSON(w, http.StatusOK, series)
}

func (h *Handlers) FindKnee(w http.ResponseWriter, r *http.Request) {
	sessionID := models.SessionID(chi.URLParam(r, "sessionID"))

	h.mu.Lock()
	e, ok := h.engines[sessionID]
	h.mu.Unlock()
	if !ok {
		respondError(w, http.StatusNotFound, "no rd series for session")
		return
	}

	knee, found := e.FindKneePoint()
	if !found {
		respondJSON(w, http.StatusOK, map[string]any{"found": false})
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"found": true, "knee": knee})
}

type distortionRequest struct {
	FeatureCost   [][]float64 `json:"feature_cost"`
	StructureCost [][]float64 `json:"structure_cost"`
	Alpha         *float64    `json:"alpha"`
}

// ComputeDistortion is a stateless compute endpoint: it combines the two
// cost matrices without touching any session series.
func (h *Handlers) ComputeDistortion(w http.ResponseWriter, r *http.Request) {
	var req distortionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	cfg := h.RDConfig
	if req.Alpha != nil {
		cfg.Alpha = *req.Alpha
	}
	e, err := rd.NewEngine(cfg)
	if err != nil {
		respondDomainError(w, err)
		return
	}
	d, err := e.ComputeFGWDistortion(req.FeatureCost, req.StructureCost)
	if err != nil {
		respondDomainError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]float64{"distortion": d})
}

// ── Helpers ─────────────────────────────────────────────────

func respondJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func respondError(w http.ResponseWriter, status int, message string) {
	respondJSON(w, status, map[string]string{"error": message})
}

// respondDomainError maps domain errors onto HTTP statuses: unknown
// entities are 404, invalid input 400, governance blocks 403, everything
// else is a dependency failure.
func respondDomainError(w http.ResponseWriter, err error) {
	var (
		ute *models.UnknownTraceError
		use *models.UnknownSessionError
		nfe *store.ErrNotFound
		be  *models.BlockedError
	)
	switch {
	case errors.As(err, &be):
		respondJSON(w, http.StatusForbidden, map[string]any{
			"error":         "merge blocked by governance policy",
			"reasons":       be.Reasons,
			"checkpoint_id": be.CheckpointID,
		})
	case errors.As(err, &ute), errors.As(err, &use), errors.As(err, &nfe):
		respondError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, models.ErrInvalidConfig):
		respondError(w, http.StatusBadRequest, err.Error())
	default:
		respondError(w, http.StatusBadGateway, err.Error())
	}
}
