package server

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/gkobilansky/abengine/internal/allocator"
	"github.com/gkobilansky/abengine/internal/experiment"
	"github.com/gkobilansky/abengine/internal/stats"
)

// JSON shapes of the admin API

type VariantJSON struct {
	ID             string  `json:"id"`
	Name           string  `json:"name"`
	Description    string  `json:"description,omitempty"`
	Traffic        int     `json:"traffic"`
	IsControl      bool    `json:"isControl"`
	IsActive       bool    `json:"isActive"`
	Exposures      int64   `json:"exposures"`
	Conversions    int64   `json:"conversions"`
	ConversionRate float64 `json:"conversionRate"`
}

type ExperimentJSON struct {
	ID           string        `json:"id"`
	Name         string        `json:"name"`
	Description  string        `json:"description,omitempty"`
	Component    string        `json:"component,omitempty"`
	TargetMetric string        `json:"targetMetric,omitempty"`
	Status       string        `json:"status"`
	StartDate    *time.Time    `json:"startDate,omitempty"`
	EndDate      *time.Time    `json:"endDate,omitempty"`
	Significance float64       `json:"significance"`
	Winner       string        `json:"winner,omitempty"`
	Variants     []VariantJSON `json:"variants"`
	CreatedAt    time.Time     `json:"createdAt"`
	UpdatedAt    time.Time     `json:"updatedAt"`
}

func toJSON(exp *experiment.Experiment) ExperimentJSON {
	out := ExperimentJSON{
		ID:           exp.ID,
		Name:         exp.Name,
		Description:  exp.Description,
		Component:    exp.Component,
		TargetMetric: exp.TargetMetric,
		Status:       string(exp.Status),
		StartDate:    exp.StartDate,
		EndDate:      exp.EndDate,
		Significance: exp.Significance,
		Winner:       exp.Winner,
		Variants:     make([]VariantJSON, len(exp.Variants)),
		CreatedAt:    exp.CreatedAt,
		UpdatedAt:    exp.UpdatedAt,
	}
	for i, v := range exp.Variants {
		out.Variants[i] = VariantJSON{
			ID:             v.ID,
			Name:           v.Name,
			Description:    v.Description,
			Traffic:        v.Traffic,
			IsControl:      v.IsControl,
			IsActive:       v.IsActive,
			Exposures:      v.Exposures,
			Conversions:    v.Conversions,
			ConversionRate: v.ConversionRate(),
		}
	}
	return out
}

// VariantRequest is a variant definition sent by the admin. Traffic and
// IsActive are optional: omitted traffic means an even split, omitted
// isActive means active.
type VariantRequest struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description"`
	Traffic     *int   `json:"traffic"`
	IsControl   bool   `json:"isControl"`
	IsActive    *bool  `json:"isActive"`
}

func (v VariantRequest) toVariant() experiment.Variant {
	out := experiment.Variant{
		ID:          v.ID,
		Name:        v.Name,
		Description: v.Description,
		IsControl:   v.IsControl,
		IsActive:    true,
	}
	if v.Traffic != nil {
		out.Traffic = *v.Traffic
	}
	if v.IsActive != nil {
		out.IsActive = *v.IsActive
	}
	return out
}

type CreateRequest struct {
	ID           string           `json:"id"`
	Name         string           `json:"name"`
	Description  string           `json:"description"`
	Component    string           `json:"component"`
	TargetMetric string           `json:"targetMetric"`
	Variants     []VariantRequest `json:"variants"`
}

// toExperiment builds the draft to create. Without explicit traffic the split
// is even; without an explicit control the first variant is the control.
func (c CreateRequest) toExperiment() *experiment.Experiment {
	exp := &experiment.Experiment{
		ID:           c.ID,
		Name:         c.Name,
		Description:  c.Description,
		Component:    c.Component,
		TargetMetric: c.TargetMetric,
		Variants:     make([]experiment.Variant, len(c.Variants)),
	}

	explicitTraffic, hasControl := false, false
	for i, v := range c.Variants {
		exp.Variants[i] = v.toVariant()
		explicitTraffic = explicitTraffic || v.Traffic != nil
		hasControl = hasControl || v.IsControl
	}
	if !explicitTraffic {
		allocator.Redistribute(exp.Variants)
	}
	if !hasControl && len(exp.Variants) > 0 {
		exp.Variants[0].IsControl = true
	}
	if exp.Name == "" {
		exp.Name = exp.ID
	}
	return exp
}

func decode(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return false
	}
	return true
}

func (s *Server) handleListExperiments(w http.ResponseWriter, r *http.Request) {
	exps, err := s.engine.ListExperiments(r.Context())
	if err != nil {
		s.writeEngineError(w, err)
		return
	}

	out := make([]ExperimentJSON, len(exps))
	for i, exp := range exps {
		out[i] = toJSON(exp)
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleCreateExperiment(w http.ResponseWriter, r *http.Request) {
	var req CreateRequest
	if !decode(w, r, &req) {
		return
	}

	exp, err := s.engine.CreateExperiment(r.Context(), req.toExperiment())
	if err != nil {
		s.writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, toJSON(exp))
}

func (s *Server) handleGetExperiment(w http.ResponseWriter, r *http.Request) {
	exp, err := s.engine.GetExperiment(r.Context(), r.PathValue("id"))
	if err != nil {
		s.writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toJSON(exp))
}

func (s *Server) handleDeleteExperiment(w http.ResponseWriter, r *http.Request) {
	if err := s.engine.DeleteExperiment(r.Context(), r.PathValue("id")); err != nil {
		s.writeEngineError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type TransitionRequest struct {
	Event string `json:"event"`
}

func (s *Server) handleTransition(w http.ResponseWriter, r *http.Request) {
	var req TransitionRequest
	if !decode(w, r, &req) {
		return
	}
	ev, err := experiment.ParseEvent(req.Event)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	exp, err := s.engine.Transition(r.Context(), r.PathValue("id"), ev)
	if err != nil {
		s.writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toJSON(exp))
}

func (s *Server) handleAddVariant(w http.ResponseWriter, r *http.Request) {
	var req VariantRequest
	if !decode(w, r, &req) {
		return
	}

	exp, err := s.engine.AddVariant(r.Context(), r.PathValue("id"), req.toVariant())
	if err != nil {
		s.writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, toJSON(exp))
}

type UpdateVariantRequest struct {
	IsActive *bool `json:"isActive"`
}

func (s *Server) handleUpdateVariant(w http.ResponseWriter, r *http.Request) {
	var req UpdateVariantRequest
	if !decode(w, r, &req) {
		return
	}
	if req.IsActive == nil {
		writeError(w, http.StatusBadRequest, "isActive required")
		return
	}

	exp, err := s.engine.UpdateVariantActive(r.Context(), r.PathValue("id"), r.PathValue("variantID"), *req.IsActive)
	if err != nil {
		s.writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toJSON(exp))
}

func (s *Server) handleRemoveVariant(w http.ResponseWriter, r *http.Request) {
	exp, err := s.engine.RemoveVariant(r.Context(), r.PathValue("id"), r.PathValue("variantID"))
	if err != nil {
		s.writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toJSON(exp))
}

// handleSetTraffic takes a variant id to percentage map.
func (s *Server) handleSetTraffic(w http.ResponseWriter, r *http.Request) {
	var req map[string]int
	if !decode(w, r, &req) {
		return
	}

	exp, err := s.engine.SetTraffic(r.Context(), r.PathValue("id"), req)
	if err != nil {
		s.writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toJSON(exp))
}

type VariantResultJSON struct {
	ID          string  `json:"id"`
	Name        string  `json:"name"`
	IsControl   bool    `json:"isControl"`
	Exposures   int64   `json:"exposures"`
	Conversions int64   `json:"conversions"`
	Rate        float64 `json:"conversionRate"`
	CILower     float64 `json:"ciLower"`
	CIUpper     float64 `json:"ciUpper"`
	Lift        float64 `json:"lift"`
	Z           float64 `json:"z"`
	Confidence  float64 `json:"confidence"`
}

type ResultsJSON struct {
	Experiment   ExperimentJSON      `json:"experiment"`
	Variants     []VariantResultJSON `json:"variants"`
	Significance float64             `json:"significance"`
	Winner       string              `json:"winner,omitempty"`
	Leading      string              `json:"leading,omitempty"`
	Inconclusive string              `json:"inconclusive,omitempty"`
}

func resultsJSON(exp *experiment.Experiment, eval *stats.Evaluation) ResultsJSON {
	out := ResultsJSON{
		Experiment:   toJSON(exp),
		Variants:     make([]VariantResultJSON, len(eval.Variants)),
		Significance: eval.Significance,
		Winner:       eval.Winner,
		Leading:      eval.Leading,
	}
	if eval.Inconclusive != nil {
		out.Inconclusive = eval.Inconclusive.Error()
	}
	for i, v := range eval.Variants {
		out.Variants[i] = VariantResultJSON{
			ID:          v.ID,
			Name:        v.Name,
			IsControl:   v.IsControl,
			Exposures:   v.Exposures,
			Conversions: v.Conversions,
			Rate:        v.RatePercent,
			CILower:     v.CILower,
			CIUpper:     v.CIUpper,
			Lift:        v.Lift,
			Z:           v.Z,
			Confidence:  v.Confidence,
		}
	}
	return out
}

func (s *Server) handleResults(w http.ResponseWriter, r *http.Request) {
	res, err := s.engine.GetResults(r.Context(), r.PathValue("id"))
	if err != nil {
		s.writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, resultsJSON(res.Experiment, res.Evaluation))
}

type EventJSON struct {
	ID        int64     `json:"id"`
	VariantID string    `json:"variantId"`
	Type      string    `json:"type"`
	VisitorID string    `json:"visitorId"`
	CreatedAt time.Time `json:"createdAt"`
}

func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	events, err := s.engine.Events(r.Context(), r.PathValue("id"))
	if err != nil {
		s.writeEngineError(w, err)
		return
	}

	out := make([]EventJSON, len(events))
	for i, ev := range events {
		out[i] = EventJSON{
			ID:        ev.ID,
			VariantID: ev.VariantID,
			Type:      string(ev.Type),
			VisitorID: ev.VisitorID,
			CreatedAt: ev.CreatedAt,
		}
	}
	writeJSON(w, http.StatusOK, out)
}
