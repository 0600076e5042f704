package experiment

import "fmt"

// Invariant identifies one of the structural rules every stored experiment obeys.
type Invariant int

const (
	InvariantMinVariants Invariant = iota + 1
	InvariantSingleControl
	InvariantTrafficSum
	InvariantTrafficRange
	InvariantUniqueIDs
)

func (i Invariant) String() string {
	switch i {
	case InvariantMinVariants:
		return "min-variants"
	case InvariantSingleControl:
		return "single-control"
	case InvariantTrafficSum:
		return "traffic-sum"
	case InvariantTrafficRange:
		return "traffic-range"
	case InvariantUniqueIDs:
		return "unique-ids"
	}
	return fmt.Sprintf("invariant(%d)", int(i))
}

// ValidationError is returned when a create or edit would break an invariant.
// Nothing is applied when it is returned.
type ValidationError struct {
	Invariant Invariant
	Detail    string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invariant %d (%s) violated: %s", int(e.Invariant), e.Invariant, e.Detail)
}

// InvalidStateError is returned for structural edits outside draft.
type InvalidStateError struct {
	ExperimentID string
	Status       Status
	Op           string
}

func (e *InvalidStateError) Error() string {
	return fmt.Sprintf("cannot %s experiment %q while %s", e.Op, e.ExperimentID, e.Status)
}

// InvalidTransitionError is returned for lifecycle events the state machine does
// not allow from the current status.
type InvalidTransitionError struct {
	ExperimentID string
	From         Status
	Event        Event
	To           Status // set when a status was written directly
}

func (e *InvalidTransitionError) Error() string {
	if e.Event == "" {
		return fmt.Sprintf("experiment %q: cannot move from %s to %s", e.ExperimentID, e.From, e.To)
	}
	return fmt.Sprintf("experiment %q: event %q not allowed from %s", e.ExperimentID, e.Event, e.From)
}

type NotFoundError struct {
	Kind string // "experiment" or "variant"
	ID   string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s %q not found", e.Kind, e.ID)
}

// InsufficientDataError is soft: results are still reported, only the winner
// is withheld.
type InsufficientDataError struct {
	VariantID    string
	Exposures    int64
	MinExposures int64
}

func (e *InsufficientDataError) Error() string {
	return fmt.Sprintf("not yet conclusive: variant %q has %d exposures, need %d", e.VariantID, e.Exposures, e.MinExposures)
}
