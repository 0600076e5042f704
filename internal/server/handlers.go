package server

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/gkobilansky/abengine/internal/experiment"
)

type HealthResponse struct {
	Status           string `json:"status"`
	ExperimentsCount int    `json:"experiments_count"`
	DBSizeBytes      int64  `json:"db_size_bytes,omitempty"`
	UptimeSeconds    int64  `json:"uptime_seconds"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	exps, err := s.engine.ListExperiments(r.Context())
	if err != nil {
		s.internalError(w, "list experiments", err)
		return
	}

	// Get database size
	var dbSize int64
	if s.db != nil {
		row := s.db.QueryRowContext(r.Context(), "SELECT page_count * page_size FROM pragma_page_count(), pragma_page_size()")
		if err := row.Scan(&dbSize); err != nil {
			s.lggr.Debugw("Failed to read database size", "err", err)
		}
	}

	writeJSON(w, http.StatusOK, HealthResponse{
		Status:           "ok",
		ExperimentsCount: len(exps),
		DBSizeBytes:      dbSize,
		UptimeSeconds:    int64(time.Since(s.startTime).Seconds()),
	})
}

func setCORS(w http.ResponseWriter, methods string) {
	w.Header().Set("Access-Control-Allow-Origin", "*")
	w.Header().Set("Access-Control-Allow-Methods", methods)
	w.Header().Set("Access-Control-Allow-Headers", "Content-Type")
}

type AssignResponse struct {
	Variant  string `json:"variant"`
	Fallback bool   `json:"fallback"`
}

// handleAssign serves page-render collaborators. Known experiments always get
// a variant; problems degrade to the control.
func (s *Server) handleAssign(w http.ResponseWriter, r *http.Request) {
	setCORS(w, "GET, OPTIONS")

	if r.Method == http.MethodOptions {
		w.WriteHeader(http.StatusNoContent)
		return
	}

	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	id := r.URL.Query().Get("experiment")
	if id == "" {
		writeError(w, http.StatusBadRequest, "experiment parameter required")
		return
	}

	variant, fallback, err := s.engine.Assign(r.Context(), id, r.URL.Query().Get("visitor"))
	if err != nil {
		s.writeEngineError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, AssignResponse{Variant: variant, Fallback: fallback})
}

// BeaconRequest represents an incoming exposure or conversion event
type BeaconRequest struct {
	ExperimentID string `json:"x"`
	VariantID    string `json:"v"`
	EventType    string `json:"e"`
	VisitorID    string `json:"vid"`
}

func (s *Server) handleBeacon(w http.ResponseWriter, r *http.Request) {
	// Set CORS headers for all responses
	setCORS(w, "POST, OPTIONS")

	// Handle preflight
	if r.Method == http.MethodOptions {
		w.WriteHeader(http.StatusNoContent)
		return
	}

	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req BeaconRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}

	// Validate required fields
	if req.ExperimentID == "" || req.VariantID == "" || req.VisitorID == "" {
		writeError(w, http.StatusBadRequest, "missing required fields")
		return
	}

	typ := experiment.EventType(req.EventType)
	if !typ.Valid() {
		writeError(w, http.StatusBadRequest, "invalid event type")
		return
	}

	var err error
	switch typ {
	case experiment.EventExposure:
		err = s.engine.RecordExposure(r.Context(), req.ExperimentID, req.VariantID, req.VisitorID)
	case experiment.EventConversion:
		err = s.engine.RecordConversion(r.Context(), req.ExperimentID, req.VariantID, req.VisitorID)
	}
	if err != nil {
		// Logged only; the beacon always answers 204.
		s.lggr.Errorw("Failed to record event", "experiment", req.ExperimentID, "type", typ, "err", err)
	}

	w.WriteHeader(http.StatusNoContent)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func (s *Server) internalError(w http.ResponseWriter, op string, err error) {
	s.lggr.Errorw("Request failed", "op", op, "err", err)
	writeError(w, http.StatusInternalServerError, "internal server error")
}

// writeEngineError maps the engine's typed errors onto status codes.
func (s *Server) writeEngineError(w http.ResponseWriter, err error) {
	var (
		verr *experiment.ValidationError
		serr *experiment.InvalidStateError
		terr *experiment.InvalidTransitionError
		nerr *experiment.NotFoundError
	)
	switch {
	case errors.As(err, &nerr):
		writeError(w, http.StatusNotFound, nerr.Error())
	case errors.As(err, &verr):
		writeError(w, http.StatusUnprocessableEntity, verr.Error())
	case errors.As(err, &serr):
		writeError(w, http.StatusConflict, serr.Error())
	case errors.As(err, &terr):
		writeError(w, http.StatusConflict, terr.Error())
	default:
		s.internalError(w, "engine", err)
	}
}
