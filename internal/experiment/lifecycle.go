package experiment

import "fmt"

// Event is a lifecycle event driving the status state machine.
type Event string

const (
	EventStart    Event = "start"
	EventPause    Event = "pause"
	EventResume   Event = "resume"
	EventComplete Event = "complete"
	EventEdit     Event = "edit"
)

// Events lists every lifecycle event.
var Events = []Event{EventStart, EventPause, EventResume, EventComplete, EventEdit}

func ParseEvent(s string) (Event, error) {
	for _, ev := range Events {
		if string(ev) == s {
			return ev, nil
		}
	}
	return "", fmt.Errorf("unknown lifecycle event %q", s)
}

type transitionKey struct {
	from  Status
	event Event
}

// transitions is the complete state machine. Anything missing is rejected.
var transitions = map[transitionKey]Status{
	{StatusDraft, EventStart}:      StatusRunning,
	{StatusRunning, EventPause}:    StatusPaused,
	{StatusPaused, EventResume}:    StatusRunning,
	{StatusRunning, EventComplete}: StatusCompleted,
	{StatusPaused, EventComplete}:  StatusCompleted,
	{StatusDraft, EventEdit}:       StatusDraft,
}

// Next returns the status reached by applying ev in status from.
func Next(from Status, ev Event) (Status, bool) {
	to, ok := transitions[transitionKey{from, ev}]
	return to, ok
}

// Transition is Next with the error the engine reports to callers.
func Transition(id string, from Status, ev Event) (Status, error) {
	to, ok := Next(from, ev)
	if !ok {
		return from, &InvalidTransitionError{ExperimentID: id, From: from, Event: ev}
	}
	return to, nil
}

// EventBetween finds the event that moves from one status to another, so direct
// status writes can be checked against the same table.
func EventBetween(from, to Status) (Event, bool) {
	for _, ev := range Events {
		if next, ok := Next(from, ev); ok && next == to {
			return ev, true
		}
	}
	return "", false
}
