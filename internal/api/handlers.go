package api

import (
	"encoding/json"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/MetaStark/vision-IoS-sub006/internal/conflict"
	"github.com/MetaStark/vision-IoS-sub006/internal/defcon"
	"github.com/MetaStark/vision-IoS-sub006/internal/model"
	"github.com/MetaStark/vision-IoS-sub006/internal/reliability"
)

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	resp := map[string]any{"status": "ok"}
	status := http.StatusOK

	if s.deps.Store != nil {
		if err := s.deps.Store.Ping(r.Context()); err != nil {
			resp["status"], resp["store"] = "unavailable", err.Error()
			status = http.StatusServiceUnavailable
		}
	}
	if s.deps.Machine != nil && status == http.StatusOK {
		level, err := s.deps.Machine.CurrentLevel(r.Context())
		resp["defcon"] = level
		if err != nil {
			resp["status"] = "degraded"
		}
	}
	writeJSON(w, status, resp)
}

// --- Routing ---

func splitList(raw string) []string {
	var out []string
	for _, p := range strings.Split(raw, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func (s *Server) handleRoute(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	feature := strings.TrimSpace(q.Get("feature"))
	if feature == "" {
		writeError(w, r, http.StatusBadRequest, "MISSING_FEATURE", "feature is required")
		return
	}
	excluded := splitList(q.Get("exclude"))

	if q.Get("explain") == "true" {
		candidates, err := s.deps.Router.Explain(r.Context(), feature, excluded)
		if err != nil {
			s.writeErr(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"feature_id": feature, "candidates": candidates})
		return
	}

	sel, err := s.deps.Router.SelectProvider(r.Context(), feature, excluded)
	if err != nil {
		s.writeErr(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, sel)
}

type usageRequest struct {
	ProviderID     string `json:"provider_id"`
	Success        *bool  `json:"success"`
	ResponseTimeMs int    `json:"response_time_ms"`
	Reserved       bool   `json:"reserved"`
}

// handleUsage books a fetch outcome. With reserved set it settles the unit
// that /v1/route booked.
func (s *Server) handleUsage(w http.ResponseWriter, r *http.Request) {
	var req usageRequest
	if !readJSON(w, r, &req) {
		return
	}
	if req.ProviderID == "" || req.Success == nil {
		writeError(w, r, http.StatusBadRequest, "INVALID_USAGE", "provider_id and success are required")
		return
	}
	if req.ResponseTimeMs < 0 {
		writeError(w, r, http.StatusBadRequest, "INVALID_USAGE", "response_time_ms must be >= 0")
		return
	}

	report := s.deps.Router.ReportUsage
	if req.Reserved {
		report = s.deps.Router.ReportReserved
	}
	p, err := report(r.Context(), req.ProviderID, *req.Success, req.ResponseTimeMs)
	if err != nil {
		s.writeErr(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

func (s *Server) handleQuotaReset(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Scope string `json:"scope"`
	}
	if r.ContentLength != 0 && !readJSON(w, r, &req) {
		return
	}

	var (
		n   int64
		err error
	)
	switch strings.ToLower(req.Scope) {
	case "", "daily":
		req.Scope = "daily"
		n, err = s.deps.Router.ResetDailyQuotas(r.Context())
	case "monthly":
		req.Scope = "monthly"
		n, err = s.deps.Router.ResetMonthlyQuotas(r.Context())
	default:
		writeError(w, r, http.StatusBadRequest, "INVALID_SCOPE", "scope must be daily or monthly")
		return
	}
	if err != nil {
		s.writeErr(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"scope": req.Scope, "providers_reset": n})
}

// --- Conflicts ---

func (s *Server) handleResolve(w http.ResponseWriter, r *http.Request) {
	var req conflict.Request
	if !readJSON(w, r, &req) {
		return
	}
	for _, c := range req.Candidates {
		if strings.TrimSpace(c.ProviderID) == "" {
			writeError(w, r, http.StatusBadRequest, "INVALID_CANDIDATE", "every candidate needs a provider_id")
			return
		}
	}
	req.Domain = model.ParseDomain(string(req.Domain))

	res, err := s.deps.Resolver.Resolve(r.Context(), req)
	if err != nil {
		s.writeErr(w, r, err)
		return
	}
	status := http.StatusOK
	if res.ConflictID != "" {
		status = http.StatusCreated
	}
	writeJSON(w, status, res)
}

func (s *Server) handleListConflicts(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	limit, ok := queryLimit(r, 100)
	if !ok {
		writeError(w, r, http.StatusBadRequest, "INVALID_LIMIT", "limit must be a positive integer")
		return
	}
	records, err := s.deps.Resolver.List(r.Context(), model.ConflictFilter{
		FeatureID:      q.Get("feature"),
		ProviderID:     q.Get("provider"),
		ResolutionPath: model.ResolutionPath(strings.ToUpper(q.Get("path"))),
		Limit:          limit,
	})
	if err != nil {
		s.writeErr(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"conflicts": records})
}

func (s *Server) handleGetConflict(w http.ResponseWriter, r *http.Request) {
	rec, err := s.deps.Resolver.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeErr(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

func (s *Server) handleOverride(w http.ResponseWriter, r *http.Request) {
	var req struct {
		ProviderID string `json:"provider_id"`
		Actor      string `json:"actor"`
	}
	if !readJSON(w, r, &req) {
		return
	}
	if req.ProviderID == "" || req.Actor == "" {
		writeError(w, r, http.StatusBadRequest, "INVALID_OVERRIDE", "provider_id and actor are required")
		return
	}

	rec, err := s.deps.Resolver.Override(r.Context(), conflict.OverrideRequest{
		ConflictID: chi.URLParam(r, "id"),
		ProviderID: req.ProviderID,
		Actor:      req.Actor,
	})
	if err != nil {
		s.writeErr(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, rec)
}

// --- Reliability ---

type calibrateRequest struct {
	reliability.Calibration
	// Evidence is hashed into EvidenceHash when no hash is supplied.
	Evidence json.RawMessage `json:"evidence,omitempty"`
}

func (s *Server) handleCalibrate(w http.ResponseWriter, r *http.Request) {
	var req calibrateRequest
	if !readJSON(w, r, &req) {
		return
	}
	req.Category = model.EventTypeCategory(strings.ToUpper(string(req.Category)))
	switch {
	case req.ProviderID == "":
		writeError(w, r, http.StatusBadRequest, "INVALID_CALIBRATION", "provider_id is required")
		return
	case !req.Category.Valid():
		writeError(w, r, http.StatusBadRequest, "INVALID_CALIBRATION", "unknown event_type_category")
		return
	case req.SampleSize < 0:
		writeError(w, r, http.StatusBadRequest, "INVALID_CALIBRATION", "sample_size must be >= 0")
		return
	}

	cal := req.Calibration
	if cal.EvidenceHash == "" && len(req.Evidence) > 0 {
		var doc any
		if err := json.Unmarshal(req.Evidence, &doc); err != nil {
			writeError(w, r, http.StatusBadRequest, "INVALID_EVIDENCE", err.Error())
			return
		}
		hash, err := reliability.EvidenceHash(doc)
		if err != nil {
			s.writeErr(w, r, err)
			return
		}
		cal.EvidenceHash = hash
	}

	rec, err := s.deps.Reliability.Calibrate(r.Context(), cal)
	if err != nil {
		s.writeErr(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

// handleEffective answers for an explicit category, or classifies
// event_type_code within the domain when no category is given.
func (s *Server) handleEffective(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	provider := q.Get("provider")
	if provider == "" {
		writeError(w, r, http.StatusBadRequest, "MISSING_PROVIDER", "provider is required")
		return
	}
	domain := model.ParseDomain(q.Get("domain"))
	category := model.EventTypeCategory(strings.ToUpper(q.Get("category")))
	if category == "" {
		category = conflict.Classify(q.Get("event_type_code"), domain)
	}
	if !category.Valid() {
		writeError(w, r, http.StatusBadRequest, "INVALID_CATEGORY", "unknown category")
		return
	}

	eff, err := s.deps.Reliability.EffectiveReliability(r.Context(), provider, category, domain)
	if err != nil {
		s.writeErr(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, eff)
}

// --- DEFCON ---

func (s *Server) handleDefconStatus(w http.ResponseWriter, r *http.Request) {
	st, err := s.deps.Machine.Status(r.Context())
	if err != nil {
		s.writeErr(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

type transitionRequest struct {
	Level       string         `json:"level"`
	Reason      string         `json:"reason"`
	TriggeredBy string         `json:"triggered_by"`
	ActorRole   string         `json:"actor_role"`
	Evidence    map[string]any `json:"evidence,omitempty"`
}

func (s *Server) handleTransition(w http.ResponseWriter, r *http.Request) {
	var req transitionRequest
	if !readJSON(w, r, &req) {
		return
	}
	level, err := model.ParseDefconLevel(req.Level)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, "INVALID_LEVEL", err.Error())
		return
	}
	if req.TriggeredBy == "" || req.Reason == "" {
		writeError(w, r, http.StatusBadRequest, "INVALID_TRANSITION", "reason and triggered_by are required")
		return
	}

	role := req.ActorRole
	if s.deps.RoleHeader != "" {
		role = strings.TrimSpace(r.Header.Get(s.deps.RoleHeader))
	}

	st, err := s.deps.Machine.Transition(r.Context(), defcon.TransitionRequest{
		Level:       level,
		Reason:      req.Reason,
		TriggeredBy: req.TriggeredBy,
		ActorRole:   role,
		Evidence:    req.Evidence,
	})
	if err != nil {
		s.writeErr(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	limit, ok := queryLimit(r, 50)
	if !ok {
		writeError(w, r, http.StatusBadRequest, "INVALID_LIMIT", "limit must be a positive integer")
		return
	}
	states, err := s.deps.Machine.History(r.Context(), limit)
	if err != nil {
		s.writeErr(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"states": states})
}

func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	limit, ok := queryLimit(r, 50)
	if !ok {
		writeError(w, r, http.StatusBadRequest, "INVALID_LIMIT", "limit must be a positive integer")
		return
	}
	events, err := s.deps.Machine.Events(r.Context(), limit)
	if err != nil {
		s.writeErr(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"events": events})
}

// handleTelemetry evaluates an externally collected snapshot right away.
func (s *Server) handleTelemetry(w http.ResponseWriter, r *http.Request) {
	var snap model.TelemetrySnapshot
	if !readJSON(w, r, &snap) {
		return
	}
	if snap.Source == "" {
		snap.Source = "api"
	}
	eval, err := s.deps.Machine.EvaluateBreakers(r.Context(), snap)
	if err != nil {
		s.writeErr(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, eval)
}
