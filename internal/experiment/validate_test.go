package experiment_test

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gkobilansky/abengine/internal/experiment"
)

func twoWay() []experiment.Variant {
	return []experiment.Variant{
		{ID: "control", Name: "Control", Traffic: 50, IsControl: true, IsActive: true},
		{ID: "b", Name: "B", Traffic: 50, IsActive: true},
	}
}

func TestValidateVariants(t *testing.T) {
	tests := []struct {
		name     string
		mutate   func([]experiment.Variant) []experiment.Variant
		expected experiment.Invariant
	}{
		{
			name: "single variant",
			mutate: func(v []experiment.Variant) []experiment.Variant {
				v[0].Traffic = 100
				return v[:1]
			},
			expected: experiment.InvariantMinVariants,
		},
		{
			name: "no control",
			mutate: func(v []experiment.Variant) []experiment.Variant {
				v[0].IsControl = false
				return v
			},
			expected: experiment.InvariantSingleControl,
		},
		{
			name: "two controls",
			mutate: func(v []experiment.Variant) []experiment.Variant {
				v[1].IsControl = true
				return v
			},
			expected: experiment.InvariantSingleControl,
		},
		{
			name: "traffic short of 100",
			mutate: func(v []experiment.Variant) []experiment.Variant {
				v[1].Traffic = 40
				return v
			},
			expected: experiment.InvariantTrafficSum,
		},
		{
			name: "negative traffic",
			mutate: func(v []experiment.Variant) []experiment.Variant {
				v[0].Traffic = 110
				v[1].Traffic = -10
				return v
			},
			expected: experiment.InvariantTrafficRange,
		},
		{
			name: "duplicate ids",
			mutate: func(v []experiment.Variant) []experiment.Variant {
				v[1].ID = "control"
				return v
			},
			expected: experiment.InvariantUniqueIDs,
		},
		{
			name: "empty id",
			mutate: func(v []experiment.Variant) []experiment.Variant {
				v[1].ID = ""
				return v
			},
			expected: experiment.InvariantUniqueIDs,
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			err := experiment.ValidateVariants(tc.mutate(twoWay()))
			var verr *experiment.ValidationError
			require.True(t, errors.As(err, &verr), "expected ValidationError, got %v", err)
			assert.Equal(t, tc.expected, verr.Invariant)
			assert.Contains(t, verr.Error(), tc.expected.String())
		})
	}

	assert.NoError(t, experiment.ValidateVariants(twoWay()))
}

func TestApply_StructuralEditOutsideDraft(t *testing.T) {
	exp := &experiment.Experiment{ID: "hero", Status: experiment.StatusRunning, Variants: twoWay()}

	variants := twoWay()
	variants[0].Traffic, variants[1].Traffic = 70, 30
	_, err := experiment.Apply(exp, experiment.Patch{Variants: variants}, time.Now())

	var serr *experiment.InvalidStateError
	require.True(t, errors.As(err, &serr))
	assert.Equal(t, experiment.StatusRunning, serr.Status)
	assert.Equal(t, 50, exp.Variants[0].Traffic, "original must be untouched")
}

func TestApply_ToggleActiveWhileRunning(t *testing.T) {
	exp := &experiment.Experiment{ID: "hero", Status: experiment.StatusRunning, Variants: twoWay()}

	out, err := experiment.Apply(exp, experiment.Patch{VariantActive: map[string]bool{"b": false}}, time.Now())
	require.NoError(t, err)

	b, _ := out.Variant("b")
	assert.False(t, b.IsActive)
	assert.Equal(t, 50, b.Traffic, "traffic stays frozen")
}

func TestApply_ToggleActiveWhenCompleted(t *testing.T) {
	exp := &experiment.Experiment{ID: "hero", Status: experiment.StatusCompleted, Variants: twoWay()}

	_, err := experiment.Apply(exp, experiment.Patch{VariantActive: map[string]bool{"b": false}}, time.Now())
	var serr *experiment.InvalidStateError
	assert.True(t, errors.As(err, &serr))
}

func TestApply_ResultsFrozenWhenCompleted(t *testing.T) {
	exp := &experiment.Experiment{ID: "hero", Status: experiment.StatusCompleted, Variants: twoWay(), Significance: 0.5}

	sig := 0.99
	_, err := experiment.Apply(exp, experiment.Patch{Significance: &sig}, time.Now())
	var serr *experiment.InvalidStateError
	require.True(t, errors.As(err, &serr))

	winner := "b"
	_, err = experiment.Apply(exp, experiment.Patch{Winner: &winner}, time.Now())
	assert.True(t, errors.As(err, &serr))

	// Completing a running experiment writes the snapshot in the same patch.
	running := &experiment.Experiment{ID: "hero", Status: experiment.StatusRunning, Variants: twoWay()}
	completed := experiment.StatusCompleted
	out, err := experiment.Apply(running, experiment.Patch{Status: &completed, Significance: &sig, Winner: &winner}, time.Now())
	require.NoError(t, err)
	assert.Equal(t, "b", out.Winner)
}

func TestStatus_Accepts(t *testing.T) {
	tests := []struct {
		status     experiment.Status
		exposure   bool
		conversion bool
	}{
		{experiment.StatusDraft, false, false},
		{experiment.StatusRunning, true, true},
		{experiment.StatusPaused, false, true},
		{experiment.StatusCompleted, false, false},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.exposure, tt.status.Accepts(experiment.EventExposure), "exposure while %s", tt.status)
		assert.Equal(t, tt.conversion, tt.status.Accepts(experiment.EventConversion), "conversion while %s", tt.status)
	}
}

func TestApply_DirectStatusWriteUsesLifecycleTable(t *testing.T) {
	exp := &experiment.Experiment{ID: "hero", Status: experiment.StatusDraft, Variants: twoWay()}

	paused := experiment.StatusPaused
	_, err := experiment.Apply(exp, experiment.Patch{Status: &paused}, time.Now())
	var terr *experiment.InvalidTransitionError
	require.True(t, errors.As(err, &terr))
	assert.Equal(t, experiment.StatusPaused, terr.To)

	running := experiment.StatusRunning
	out, err := experiment.Apply(exp, experiment.Patch{Status: &running}, time.Now())
	require.NoError(t, err)
	assert.Equal(t, experiment.StatusRunning, out.Status)
}

func TestApply_WinnerMustBeVariant(t *testing.T) {
	exp := &experiment.Experiment{ID: "hero", Status: experiment.StatusRunning, Variants: twoWay()}

	winner := "nope"
	_, err := experiment.Apply(exp, experiment.Patch{Winner: &winner}, time.Now())
	var nerr *experiment.NotFoundError
	require.True(t, errors.As(err, &nerr))
	assert.Equal(t, "variant", nerr.Kind)
}

func TestConversionRate(t *testing.T) {
	assert.Equal(t, 0.0, experiment.Variant{}.ConversionRate())
	assert.InDelta(t, 15.0, experiment.Variant{Exposures: 1000, Conversions: 150}.ConversionRate(), 1e-9)
	// Zero exposures use a denominator of one.
	assert.Equal(t, 300.0, experiment.Variant{Conversions: 3}.ConversionRate())
}
