package aggregator_test

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zapcore"

	"github.com/gkobilansky/abengine/internal/aggregator"
	"github.com/gkobilansky/abengine/internal/experiment"
	"github.com/gkobilansky/abengine/internal/logger"
	"github.com/gkobilansky/abengine/internal/metrics"
	"github.com/gkobilansky/abengine/internal/store"
	storetest "github.com/gkobilansky/abengine/internal/testutil"
)

func setup(t *testing.T, queueSize int) (*aggregator.Aggregator, *store.SQLiteStore, *metrics.Metrics) {
	t.Helper()
	s := storetest.SetupTestStore(t)
	m := metrics.NewUnregistered()
	a := aggregator.New(s, queueSize, logger.Test(t), m)
	t.Cleanup(func() { a.Close() })

	a.Track(storetest.CreateRunning(t, s, storetest.Experiment("hero")))
	return a, s, m
}

func TestRecordConversion_Idempotent(t *testing.T) {
	a, _, _ := setup(t, 16)
	ctx := context.Background()

	ok, err := a.RecordConversion(ctx, "hero", "treatment", "v1")
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = a.RecordConversion(ctx, "hero", "treatment", "v1")
	require.NoError(t, err)
	assert.False(t, ok)

	assert.Equal(t, int64(1), a.Counts("hero")["treatment"].Conversions)
}

func TestRecordExposure_UniqueVisitors(t *testing.T) {
	a, _, _ := setup(t, 16)
	ctx := context.Background()

	for _, vid := range []string{"a", "b", "a", "c", "b"} {
		_, err := a.RecordExposure(ctx, "hero", "control", vid)
		require.NoError(t, err)
	}

	assert.Equal(t, int64(3), a.Counts("hero")["control"].Exposures)

	variant, ok := a.ExposedVariant("hero", "b")
	require.True(t, ok)
	assert.Equal(t, "control", variant)

	_, ok = a.ExposedVariant("hero", "z")
	assert.False(t, ok)
}

func TestRecord_UnknownIDs(t *testing.T) {
	a, _, _ := setup(t, 16)
	ctx := context.Background()

	_, err := a.RecordExposure(ctx, "nope", "control", "v1")
	var nerr *experiment.NotFoundError
	require.True(t, errors.As(err, &nerr))
	assert.Equal(t, "experiment", nerr.Kind)

	_, err = a.RecordExposure(ctx, "hero", "ghost", "v1")
	require.True(t, errors.As(err, &nerr))
	assert.Equal(t, "variant", nerr.Kind)
}

func TestRecord_ConcurrentNoLostUpdates(t *testing.T) {
	a, s, m := setup(t, 64)
	ctx := context.Background()

	const visitors = 500
	var wg sync.WaitGroup
	for i := 0; i < visitors; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			vid := fmt.Sprintf("visitor-%d", i)
			_, err := a.RecordExposure(ctx, "hero", "treatment", vid)
			assert.NoError(t, err)
			// Every visitor converts twice; only one may count.
			_, err = a.RecordConversion(ctx, "hero", "treatment", vid)
			assert.NoError(t, err)
			_, err = a.RecordConversion(ctx, "hero", "treatment", vid)
			assert.NoError(t, err)
		}(i)
	}
	wg.Wait()

	counts := a.Counts("hero")["treatment"]
	assert.Equal(t, int64(visitors), counts.Exposures)
	assert.Equal(t, int64(visitors), counts.Conversions)

	require.NoError(t, a.Flush(ctx))
	persisted, err := s.Get(ctx, "hero")
	require.NoError(t, err)
	treatment, _ := persisted.Variant("treatment")
	assert.Equal(t, int64(visitors), treatment.Exposures)
	assert.Equal(t, int64(visitors), treatment.Conversions)

	assert.Equal(t, float64(visitors), testutil.ToFloat64(m.EventsTotal.WithLabelValues("hero", "treatment", "conversion")))
}

func TestRecord_WriteThroughWithoutQueue(t *testing.T) {
	a, s, _ := setup(t, 0)
	ctx := context.Background()

	_, err := a.RecordExposure(ctx, "hero", "control", "v1")
	require.NoError(t, err)

	// Unbuffered queue falls back to an inline write unless the writer is
	// ready; either way Flush guarantees it is stored.
	require.NoError(t, a.Flush(ctx))
	events, err := s.Events(ctx, "hero")
	require.NoError(t, err)
	assert.Len(t, events, 1)
}

func TestLoad_HydratesFromStore(t *testing.T) {
	a, s, _ := setup(t, 16)
	ctx := context.Background()

	_, err := a.RecordExposure(ctx, "hero", "treatment", "v1")
	require.NoError(t, err)
	_, err = a.RecordConversion(ctx, "hero", "treatment", "v1")
	require.NoError(t, err)
	require.NoError(t, a.Close())

	restarted := aggregator.New(s, 16, logger.Test(t), metrics.NewUnregistered())
	t.Cleanup(func() { restarted.Close() })
	require.NoError(t, restarted.Load(ctx))

	counts := restarted.Counts("hero")["treatment"]
	assert.Equal(t, int64(1), counts.Exposures)
	assert.Equal(t, int64(1), counts.Conversions)

	ok, err := restarted.RecordConversion(ctx, "hero", "treatment", "v1")
	require.NoError(t, err)
	assert.False(t, ok, "dedup survives a restart")

	variant, ok := restarted.ExposedVariant("hero", "v1")
	require.True(t, ok)
	assert.Equal(t, "treatment", variant)
}

func TestTrack_KeepsCountsAcrossVariantEdits(t *testing.T) {
	a, _, _ := setup(t, 16)
	ctx := context.Background()

	_, err := a.RecordExposure(ctx, "hero", "control", "v1")
	require.NoError(t, err)

	a.Track(storetest.Experiment("hero", "control", "b", "c"))

	counts := a.Counts("hero")
	assert.Len(t, counts, 3)
	assert.Equal(t, int64(1), counts["control"].Exposures)
	assert.Zero(t, counts["b"].Exposures)
}

func TestForget(t *testing.T) {
	a, _, _ := setup(t, 16)

	a.Forget("hero")
	assert.Nil(t, a.Counts("hero"))

	_, err := a.RecordExposure(context.Background(), "hero", "control", "v1")
	assert.Error(t, err)
}

func TestFill(t *testing.T) {
	a, _, _ := setup(t, 16)
	ctx := context.Background()

	_, err := a.RecordExposure(ctx, "hero", "control", "v1")
	require.NoError(t, err)

	exp := storetest.Experiment("hero")
	a.Fill(exp)
	control, _ := exp.Control()
	assert.Equal(t, int64(1), control.Exposures)
}

func TestPersist_RevertsEventsTheStoreRefuses(t *testing.T) {
	s := storetest.SetupTestStore(t)
	m := metrics.NewUnregistered()
	lggr, logs := logger.TestObserved(t, zapcore.WarnLevel)
	a := aggregator.New(s, 16, lggr, m)
	t.Cleanup(func() { a.Close() })
	ctx := context.Background()

	a.Track(storetest.CreateRunning(t, s, storetest.Experiment("hero")))
	_, err := a.RecordExposure(ctx, "hero", "control", "v1")
	require.NoError(t, err)
	require.NoError(t, a.Flush(ctx))

	// Paused behind the aggregator's back.
	paused := experiment.StatusPaused
	_, err = s.Update(ctx, "hero", experiment.Patch{Status: &paused})
	require.NoError(t, err)

	ok, err := a.RecordExposure(ctx, "hero", "control", "v2")
	require.NoError(t, err)
	assert.True(t, ok)
	_, err = a.RecordConversion(ctx, "hero", "control", "v1")
	require.NoError(t, err)
	require.NoError(t, a.Flush(ctx))

	counts := a.Counts("hero")["control"]
	assert.Equal(t, int64(1), counts.Exposures, "refused exposure is taken back")
	assert.Equal(t, int64(1), counts.Conversions, "paused still takes conversions")

	_, exposed := a.ExposedVariant("hero", "v2")
	assert.False(t, exposed)

	persisted, err := s.Get(ctx, "hero")
	require.NoError(t, err)
	control, _ := persisted.Control()
	assert.Equal(t, int64(1), control.Exposures)

	assert.Equal(t, 1.0, testutil.ToFloat64(m.EventsDropped.WithLabelValues("exposure", metrics.DropNotCollecting)))
	require.Equal(t, 1, logs.FilterMessage("Dropped event").Len())
}

func TestSync_FollowsTheStore(t *testing.T) {
	a, s, _ := setup(t, 16)
	ctx := context.Background()

	_, err := a.RecordExposure(ctx, "hero", "control", "v1")
	require.NoError(t, err)
	require.NoError(t, a.Flush(ctx))

	// Another writer adds an experiment with history and removes hero.
	other := storetest.CreateRunning(t, s, storetest.Experiment("promo"))
	_, err = s.RecordEvent(ctx, experiment.Record{ExperimentID: "promo", VariantID: "treatment", Type: experiment.EventExposure, VisitorID: "v9"})
	require.NoError(t, err)
	other, err = s.Get(ctx, other.ID)
	require.NoError(t, err)
	require.NoError(t, s.Delete(ctx, "hero"))

	require.NoError(t, a.Sync(ctx, []*experiment.Experiment{other}))

	assert.Nil(t, a.Counts("hero"))
	assert.Equal(t, int64(1), a.Counts("promo")["treatment"].Exposures)
	variant, ok := a.ExposedVariant("promo", "v9")
	require.True(t, ok)
	assert.Equal(t, "treatment", variant)

	// Recreated under the same id: the old visitors are gone.
	again := storetest.CreateRunning(t, s, storetest.Experiment("hero"))
	require.NoError(t, a.Sync(ctx, []*experiment.Experiment{other, again}))
	_, ok = a.ExposedVariant("hero", "v1")
	assert.False(t, ok)
	assert.Zero(t, a.Counts("hero")["control"].Exposures)
}
