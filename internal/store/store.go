package store

import (
	"context"

	"github.com/gkobilansky/abengine/internal/experiment"
)

// Store defines the durable record of experiments, their variants and counters.
// Every mutating call is transactional per experiment.
type Store interface {
	// Experiment operations
	Create(ctx context.Context, exp *experiment.Experiment) (*experiment.Experiment, error)
	Get(ctx context.Context, id string) (*experiment.Experiment, error)
	List(ctx context.Context) ([]*experiment.Experiment, error)
	Update(ctx context.Context, id string, patch experiment.Patch) (*experiment.Experiment, error)
	Delete(ctx context.Context, id string) error
	Revision(ctx context.Context) (int64, error)

	// Event operations
	RecordEvent(ctx context.Context, ev experiment.Record) (bool, error)
	Events(ctx context.Context, experimentID string) ([]*experiment.Record, error)

	// Lifecycle
	Close() error
}
