// Package testutil holds fixtures shared by package tests.
package testutil

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/gkobilansky/abengine/internal/experiment"
	"github.com/gkobilansky/abengine/internal/store"
)

// SetupTestStore creates a test database and returns the store.
// Uses t.TempDir() for automatic cleanup on test completion.
func SetupTestStore(t testing.TB) *store.SQLiteStore {
	t.Helper()

	s, err := store.Open(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("failed to open store: %v", err)
	}

	t.Cleanup(func() {
		s.Close()
	})

	return s
}

// Experiment returns a valid draft experiment with an even split over the
// given variant ids. The first id is the control.
func Experiment(id string, variantIDs ...string) *experiment.Experiment {
	if len(variantIDs) == 0 {
		variantIDs = []string{"control", "treatment"}
	}

	variants := make([]experiment.Variant, len(variantIDs))
	base := 100 / len(variantIDs)
	for i, vid := range variantIDs {
		variants[i] = experiment.Variant{
			ID:        vid,
			Name:      vid,
			Traffic:   base,
			IsControl: i == 0,
			IsActive:  true,
		}
	}
	variants[0].Traffic += 100 - base*len(variantIDs)

	return &experiment.Experiment{
		ID:           id,
		Name:         id,
		Component:    "hero",
		TargetMetric: "signup",
		Variants:     variants,
	}
}

// CreateRunning stores exp and starts it, so the store accepts its events.
func CreateRunning(t testing.TB, s store.Store, exp *experiment.Experiment) *experiment.Experiment {
	t.Helper()

	ctx := context.Background()
	if _, err := s.Create(ctx, exp); err != nil {
		t.Fatalf("failed to create experiment: %v", err)
	}
	running := experiment.StatusRunning
	started, err := s.Update(ctx, exp.ID, experiment.Patch{Status: &running})
	if err != nil {
		t.Fatalf("failed to start experiment: %v", err)
	}
	return started
}
