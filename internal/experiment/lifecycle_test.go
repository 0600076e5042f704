package experiment_test

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gkobilansky/abengine/internal/experiment"
)

func TestTransition_Table(t *testing.T) {
	allowed := map[experiment.Status]map[experiment.Event]experiment.Status{
		experiment.StatusDraft: {
			experiment.EventStart: experiment.StatusRunning,
			experiment.EventEdit:  experiment.StatusDraft,
		},
		experiment.StatusRunning: {
			experiment.EventPause:    experiment.StatusPaused,
			experiment.EventComplete: experiment.StatusCompleted,
		},
		experiment.StatusPaused: {
			experiment.EventResume:   experiment.StatusRunning,
			experiment.EventComplete: experiment.StatusCompleted,
		},
		experiment.StatusCompleted: {},
	}

	for _, from := range experiment.Statuses {
		for _, ev := range experiment.Events {
			to, err := experiment.Transition("exp", from, ev)
			want, ok := allowed[from][ev]
			if ok {
				require.NoError(t, err, "%s --%s-->", from, ev)
				assert.Equal(t, want, to, "%s --%s-->", from, ev)
				continue
			}

			var terr *experiment.InvalidTransitionError
			require.True(t, errors.As(err, &terr), "%s --%s--> should be rejected", from, ev)
			assert.Equal(t, from, to, "rejected transition must leave status unchanged")
			assert.Equal(t, from, terr.From)
			assert.Equal(t, ev, terr.Event)
		}
	}
}

func TestTransition_FullPath(t *testing.T) {
	status := experiment.StatusDraft
	var err error
	for _, ev := range []experiment.Event{
		experiment.EventStart,
		experiment.EventPause,
		experiment.EventResume,
		experiment.EventComplete,
	} {
		status, err = experiment.Transition("exp", status, ev)
		require.NoError(t, err, "event %s", ev)
	}
	assert.Equal(t, experiment.StatusCompleted, status)

	_, err = experiment.Transition("exp", status, experiment.EventStart)
	assert.Error(t, err, "completed -> running must fail")
}

func TestEventBetween(t *testing.T) {
	ev, ok := experiment.EventBetween(experiment.StatusPaused, experiment.StatusRunning)
	require.True(t, ok)
	assert.Equal(t, experiment.EventResume, ev)

	_, ok = experiment.EventBetween(experiment.StatusDraft, experiment.StatusPaused)
	assert.False(t, ok)

	_, ok = experiment.EventBetween(experiment.StatusCompleted, experiment.StatusRunning)
	assert.False(t, ok)
}

func TestParseEvent(t *testing.T) {
	ev, err := experiment.ParseEvent("pause")
	require.NoError(t, err)
	assert.Equal(t, experiment.EventPause, ev)

	_, err = experiment.ParseEvent("archive")
	assert.Error(t, err)
}
