package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/MetaStark/vision-IoS-sub006/internal/conflict"
	"github.com/MetaStark/vision-IoS-sub006/internal/defcon"
	"github.com/MetaStark/vision-IoS-sub006/internal/reliability"
	"github.com/MetaStark/vision-IoS-sub006/internal/router"
	"github.com/MetaStark/vision-IoS-sub006/internal/store"
)

const maxBodyBytes = 1 << 20

// errorBody is the JSON shape of every error response.
type errorBody struct {
	Error     errorDetail `json:"error"`
	RequestID string      `json:"request_id,omitempty"`
}

type errorDetail struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, r *http.Request, status int, code, message string) {
	writeJSON(w, status, errorBody{
		Error:     errorDetail{Code: code, Message: message},
		RequestID: middleware.GetReqID(r.Context()),
	})
}

func readJSON(w http.ResponseWriter, r *http.Request, dst any) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		writeError(w, r, http.StatusBadRequest, "BAD_BODY", err.Error())
		return false
	}
	return true
}

var errorStatus = []struct {
	err    error
	status int
	code   string
}{
	{store.ErrNotFound, http.StatusNotFound, "NOT_FOUND"},
	{router.ErrRoutingSuspended, http.StatusServiceUnavailable, "ROUTING_SUSPENDED"},
	{conflict.ErrResolutionSuspended, http.StatusServiceUnavailable, "RESOLUTION_SUSPENDED"},
	{router.ErrNoProviderAvailable, http.StatusServiceUnavailable, "NO_PROVIDER_AVAILABLE"},
	{conflict.ErrNoCandidates, http.StatusBadRequest, "NO_CANDIDATES"},
	{conflict.ErrDuplicateCandidate, http.StatusBadRequest, "DUPLICATE_CANDIDATE"},
	{conflict.ErrUnknownCandidate, http.StatusBadRequest, "UNKNOWN_CANDIDATE"},
	{reliability.ErrInvalidReliabilityScore, http.StatusBadRequest, "INVALID_RELIABILITY_SCORE"},
	{defcon.ErrUnauthorizedDowngrade, http.StatusForbidden, "UNAUTHORIZED_DOWNGRADE"},
	{defcon.ErrNoLevelChange, http.StatusConflict, "NO_LEVEL_CHANGE"},
	{defcon.ErrStaleTransition, http.StatusConflict, "STALE_TRANSITION"},
}

// writeErr maps a component error to a status code. Unrecognized errors are
// logged and reported as 500 without their details.
func (s *Server) writeErr(w http.ResponseWriter, r *http.Request, err error) {
	for _, e := range errorStatus {
		if errors.Is(err, e.err) {
			writeError(w, r, e.status, e.code, err.Error())
			return
		}
	}
	s.log.Error("request failed",
		zap.String("path", r.URL.Path),
		zap.String("request_id", middleware.GetReqID(r.Context())),
		zap.Error(err),
	)
	writeError(w, r, http.StatusInternalServerError, "INTERNAL", "internal error")
}

func queryLimit(r *http.Request, def int) (int, bool) {
	raw := r.URL.Query().Get("limit")
	if raw == "" {
		return def, true
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n <= 0 {
		return 0, false
	}
	return n, true
}
