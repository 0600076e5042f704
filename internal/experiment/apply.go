package experiment

import (
	"fmt"
	"time"
)

// Apply returns a copy of e with p applied, or the error explaining why the
// patch is refused. e itself is never modified.
func Apply(e *Experiment, p Patch, now time.Time) (*Experiment, error) {
	out := e.Clone()

	if p.Structural() && e.Status != StatusDraft {
		return nil, &InvalidStateError{ExperimentID: e.ID, Status: e.Status, Op: "edit variants of"}
	}
	if (p.Significance != nil || p.Winner != nil) && e.Status == StatusCompleted {
		return nil, &InvalidStateError{ExperimentID: e.ID, Status: e.Status, Op: "update results of"}
	}
	if len(p.VariantActive) > 0 && e.Status == StatusCompleted {
		return nil, &InvalidStateError{ExperimentID: e.ID, Status: e.Status, Op: "toggle variants of"}
	}

	if p.Status != nil && *p.Status != e.Status {
		if !p.Status.Valid() {
			return nil, fmt.Errorf("unknown status %q", *p.Status)
		}
		if _, ok := EventBetween(e.Status, *p.Status); !ok {
			return nil, &InvalidTransitionError{ExperimentID: e.ID, From: e.Status, To: *p.Status}
		}
		out.Status = *p.Status
	}

	if p.Name != nil {
		out.Name = *p.Name
	}
	if p.Description != nil {
		out.Description = *p.Description
	}
	if p.Component != nil {
		out.Component = *p.Component
	}
	if p.TargetMetric != nil {
		out.TargetMetric = *p.TargetMetric
	}
	if p.StartDate != nil {
		t := *p.StartDate
		out.StartDate = &t
	}
	if p.EndDate != nil {
		t := *p.EndDate
		out.EndDate = &t
	}
	if p.Significance != nil {
		if *p.Significance < 0 || *p.Significance > 1 {
			return nil, fmt.Errorf("significance %v out of range [0,1]", *p.Significance)
		}
		out.Significance = *p.Significance
	}

	if p.Variants != nil {
		counters := make(map[string]Variant, len(e.Variants))
		for _, v := range e.Variants {
			counters[v.ID] = v
		}
		out.Variants = make([]Variant, len(p.Variants))
		for i, v := range p.Variants {
			if old, ok := counters[v.ID]; ok {
				v.Exposures, v.Conversions = old.Exposures, old.Conversions
			} else {
				v.Exposures, v.Conversions = 0, 0
			}
			out.Variants[i] = v
		}
	}

	for id, active := range p.VariantActive {
		found := false
		for i := range out.Variants {
			if out.Variants[i].ID == id {
				out.Variants[i].IsActive = active
				found = true
				break
			}
		}
		if !found {
			return nil, &NotFoundError{Kind: "variant", ID: id}
		}
	}

	if p.Winner != nil {
		if *p.Winner != "" {
			if _, ok := out.Variant(*p.Winner); !ok {
				return nil, &NotFoundError{Kind: "variant", ID: *p.Winner}
			}
		}
		out.Winner = *p.Winner
	}

	if err := Validate(out); err != nil {
		return nil, err
	}

	out.UpdatedAt = now
	return out, nil
}
