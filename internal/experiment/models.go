package experiment

import "time"

type Status string

const (
	StatusDraft     Status = "draft"
	StatusRunning   Status = "running"
	StatusPaused    Status = "paused"
	StatusCompleted Status = "completed"
)

// Statuses lists every status in lifecycle order.
var Statuses = []Status{StatusDraft, StatusRunning, StatusPaused, StatusCompleted}

func (s Status) Valid() bool {
	switch s {
	case StatusDraft, StatusRunning, StatusPaused, StatusCompleted:
		return true
	}
	return false
}

// Collecting reports whether the experiment takes events at all. Paused
// experiments still take late-arriving conversions.
func (s Status) Collecting() bool {
	return s == StatusRunning || s == StatusPaused
}

// AcceptsExposures reports whether new exposures count. Only running
// experiments assign real variants; anything else is a control fallback.
func (s Status) AcceptsExposures() bool {
	return s == StatusRunning
}

// Accepts reports whether an event of type t is counted in status s.
func (s Status) Accepts(t EventType) bool {
	if t == EventExposure {
		return s.AcceptsExposures()
	}
	return s.Collecting()
}

type Experiment struct {
	ID           string
	Name         string
	Description  string
	Component    string // UI surface under test, opaque to the engine
	TargetMetric string
	Status       Status
	StartDate    *time.Time
	EndDate      *time.Time
	Significance float64
	Winner       string // variant id, empty when absent
	Variants     []Variant
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

type Variant struct {
	ID          string
	Name        string
	Description string
	Traffic     int
	IsControl   bool
	IsActive    bool
	Exposures   int64
	Conversions int64
}

// ConversionRate is conversions per exposure as a percentage. It is derived on
// every read and never stored.
func (v Variant) ConversionRate() float64 {
	exposures := v.Exposures
	if exposures < 1 {
		exposures = 1
	}
	return float64(v.Conversions) / float64(exposures) * 100
}

// Control returns the control variant, or false if there is none.
func (e *Experiment) Control() (Variant, bool) {
	for _, v := range e.Variants {
		if v.IsControl {
			return v, true
		}
	}
	return Variant{}, false
}

// Variant looks up a variant by id.
func (e *Experiment) Variant(id string) (Variant, bool) {
	for _, v := range e.Variants {
		if v.ID == id {
			return v, true
		}
	}
	return Variant{}, false
}

// Clone returns a deep copy so cached snapshots can be handed out safely.
func (e *Experiment) Clone() *Experiment {
	c := *e
	c.Variants = append([]Variant(nil), e.Variants...)
	if e.StartDate != nil {
		t := *e.StartDate
		c.StartDate = &t
	}
	if e.EndDate != nil {
		t := *e.EndDate
		c.EndDate = &t
	}
	return &c
}

type EventType string

const (
	EventExposure   EventType = "exposure"
	EventConversion EventType = "conversion"
)

func (t EventType) Valid() bool {
	return t == EventExposure || t == EventConversion
}

// Record is a single exposure or conversion reported by a collaborator.
type Record struct {
	ID           int64
	ExperimentID string
	VariantID    string
	Type         EventType
	VisitorID    string
	CreatedAt    time.Time
}

// Patch describes a partial update. Nil fields are left untouched.
type Patch struct {
	// Always allowed.
	Name         *string
	Description  *string
	Status       *Status
	StartDate    *time.Time
	EndDate      *time.Time
	Significance *float64
	Winner       *string // pointer to "" clears the winner

	// Allowed outside completed.
	VariantActive map[string]bool

	// Structural, draft only.
	Component    *string
	TargetMetric *string
	Variants     []Variant
}

// Structural reports whether the patch touches fields frozen after draft.
func (p Patch) Structural() bool {
	return p.Component != nil || p.TargetMetric != nil || p.Variants != nil
}
