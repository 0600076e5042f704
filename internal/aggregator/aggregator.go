// Package aggregator counts exposures and conversions per variant.
//
// Counting happens in memory on atomic counters so the hot path never waits on
// the database; accepted events are handed to a single writer goroutine that
// persists them through the store. Each visitor is counted at most once per
// experiment for each event type.
package aggregator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/gkobilansky/abengine/internal/experiment"
	"github.com/gkobilansky/abengine/internal/metrics"
)

const persistTimeout = 5 * time.Second

// Store is the persistence the aggregator drains into and hydrates from.
type Store interface {
	RecordEvent(ctx context.Context, ev experiment.Record) (bool, error)
	List(ctx context.Context) ([]*experiment.Experiment, error)
	Events(ctx context.Context, experimentID string) ([]*experiment.Record, error)
}

type Counts struct {
	Exposures   int64
	Conversions int64
}

type counter struct {
	exposures   atomic.Int64
	conversions atomic.Int64
}

type tally struct {
	createdAt time.Time

	mu       sync.RWMutex
	counters map[string]*counter

	exposed   sync.Map // visitorID -> variantID
	converted sync.Map // visitorID -> struct{}
}

func (t *tally) counter(variantID string) *counter {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.counters[variantID]
}

// item is either an event to persist or a flush marker.
type item struct {
	ev    experiment.Record
	flush chan struct{}
}

type Aggregator struct {
	store   Store
	lggr    *zap.SugaredLogger
	metrics *metrics.Metrics

	mu      sync.RWMutex
	tallies map[string]*tally

	queueMu sync.RWMutex
	closed  bool
	queue   chan item
	done    chan struct{}
}

// New starts the writer goroutine. queueSize bounds the number of events held
// in memory; when the queue is full events are persisted inline.
func New(store Store, queueSize int, lggr *zap.SugaredLogger, m *metrics.Metrics) *Aggregator {
	a := &Aggregator{
		store:   store,
		lggr:    lggr.Named("aggregator"),
		metrics: m,
		tallies: make(map[string]*tally),
		queue:   make(chan item, queueSize),
		done:    make(chan struct{}),
	}
	go a.run()
	return a
}

// Load hydrates counters and visitor sets from the store.
func (a *Aggregator) Load(ctx context.Context) error {
	exps, err := a.store.List(ctx)
	if err != nil {
		return fmt.Errorf("failed to load experiments: %w", err)
	}
	if err := a.Sync(ctx, exps); err != nil {
		return err
	}

	a.lggr.Infow("Loaded counters", "experiments", len(exps))
	return nil
}

// Sync makes the tracked set match exps. Experiments not tracked yet, or
// recreated under the same id, are hydrated from the store before they
// become visible; tracked ones are re-tracked so variant edits apply; the
// rest are forgotten.
func (a *Aggregator) Sync(ctx context.Context, exps []*experiment.Experiment) error {
	fresh := make(map[string]*tally)
	for _, exp := range exps {
		if t := a.tally(exp.ID); t != nil && t.createdAt.Equal(exp.CreatedAt) {
			continue
		}
		t, err := a.hydrate(ctx, exp)
		if err != nil {
			return err
		}
		fresh[exp.ID] = t
	}

	keep := make(map[string]struct{}, len(exps))
	for _, exp := range exps {
		keep[exp.ID] = struct{}{}
	}

	a.mu.Lock()
	for id := range a.tallies {
		if _, ok := keep[id]; !ok {
			delete(a.tallies, id)
		}
	}
	for id, t := range fresh {
		a.tallies[id] = t
	}
	a.mu.Unlock()

	for _, exp := range exps {
		if _, ok := fresh[exp.ID]; !ok {
			a.Track(exp)
		}
	}
	return nil
}

func (a *Aggregator) hydrate(ctx context.Context, exp *experiment.Experiment) (*tally, error) {
	events, err := a.store.Events(ctx, exp.ID)
	if err != nil {
		return nil, fmt.Errorf("failed to load events for %s: %w", exp.ID, err)
	}

	t := newTally(exp)
	for _, ev := range events {
		switch ev.Type {
		case experiment.EventExposure:
			t.exposed.Store(ev.VisitorID, ev.VariantID)
		case experiment.EventConversion:
			t.converted.Store(ev.VisitorID, struct{}{})
		}
	}
	return t, nil
}

func newTally(exp *experiment.Experiment) *tally {
	t := &tally{createdAt: exp.CreatedAt, counters: make(map[string]*counter, len(exp.Variants))}
	for _, v := range exp.Variants {
		c := &counter{}
		c.exposures.Store(v.Exposures)
		c.conversions.Store(v.Conversions)
		t.counters[v.ID] = c
	}
	return t
}

// Track starts counting for exp, seeding counters from its variants. Tracking
// an experiment again after a variant edit keeps the counts of variants that
// survived the edit.
func (a *Aggregator) Track(exp *experiment.Experiment) {
	a.mu.Lock()
	t, ok := a.tallies[exp.ID]
	if !ok {
		a.tallies[exp.ID] = newTally(exp)
	}
	a.mu.Unlock()
	if !ok {
		return
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	counters := make(map[string]*counter, len(exp.Variants))
	for _, v := range exp.Variants {
		if c, ok := t.counters[v.ID]; ok {
			counters[v.ID] = c
			continue
		}
		c := &counter{}
		c.exposures.Store(v.Exposures)
		c.conversions.Store(v.Conversions)
		counters[v.ID] = c
	}
	t.counters = counters
}

// Forget drops all in-memory state for an experiment.
func (a *Aggregator) Forget(experimentID string) {
	a.mu.Lock()
	delete(a.tallies, experimentID)
	a.mu.Unlock()
}

func (a *Aggregator) tally(experimentID string) *tally {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.tallies[experimentID]
}

// RecordExposure counts visitorID as exposed to variantID. It reports false
// when the visitor was already counted.
func (a *Aggregator) RecordExposure(ctx context.Context, experimentID, variantID, visitorID string) (bool, error) {
	return a.record(ctx, experiment.Record{
		ExperimentID: experimentID,
		VariantID:    variantID,
		Type:         experiment.EventExposure,
		VisitorID:    visitorID,
	})
}

// RecordConversion counts a conversion for variantID. Repeat conversions by
// the same visitor are ignored.
func (a *Aggregator) RecordConversion(ctx context.Context, experimentID, variantID, visitorID string) (bool, error) {
	return a.record(ctx, experiment.Record{
		ExperimentID: experimentID,
		VariantID:    variantID,
		Type:         experiment.EventConversion,
		VisitorID:    visitorID,
	})
}

func (a *Aggregator) record(ctx context.Context, ev experiment.Record) (bool, error) {
	t := a.tally(ev.ExperimentID)
	if t == nil {
		return false, &experiment.NotFoundError{Kind: "experiment", ID: ev.ExperimentID}
	}
	c := t.counter(ev.VariantID)
	if c == nil {
		return false, &experiment.NotFoundError{Kind: "variant", ID: ev.VariantID}
	}

	switch ev.Type {
	case experiment.EventExposure:
		if _, seen := t.exposed.LoadOrStore(ev.VisitorID, ev.VariantID); seen {
			return false, nil
		}
		c.exposures.Add(1)
	case experiment.EventConversion:
		if _, seen := t.converted.LoadOrStore(ev.VisitorID, struct{}{}); seen {
			return false, nil
		}
		c.conversions.Add(1)
	default:
		return false, fmt.Errorf("unknown event type %q", ev.Type)
	}

	ev.CreatedAt = time.Now()
	a.metrics.EventsTotal.WithLabelValues(ev.ExperimentID, ev.VariantID, string(ev.Type)).Inc()
	a.enqueue(ctx, ev)
	return true, nil
}

func (a *Aggregator) enqueue(ctx context.Context, ev experiment.Record) {
	a.queueMu.RLock()
	if !a.closed {
		select {
		case a.queue <- item{ev: ev}:
			a.metrics.QueueDepth.Inc()
			a.queueMu.RUnlock()
			return
		default:
		}
	}
	a.queueMu.RUnlock()

	// Queue full or closed: write through on the caller's context.
	a.persist(ctx, ev)
}

func (a *Aggregator) run() {
	defer close(a.done)
	for it := range a.queue {
		if it.flush != nil {
			close(it.flush)
			continue
		}
		a.metrics.QueueDepth.Dec()

		ctx, cancel := context.WithTimeout(context.Background(), persistTimeout)
		a.persist(ctx, it.ev)
		cancel()
	}
}

func (a *Aggregator) persist(ctx context.Context, ev experiment.Record) {
	_, err := a.store.RecordEvent(ctx, ev)
	if err == nil {
		return
	}

	// The store refused the event: the experiment changed under us, most
	// likely through another process sharing the database.
	var serr *experiment.InvalidStateError
	var nerr *experiment.NotFoundError
	switch {
	case errors.As(err, &serr):
		a.revert(ev, metrics.DropNotCollecting, err)
	case errors.As(err, &nerr) && nerr.Kind == "variant":
		a.revert(ev, metrics.DropUnknownVariant, err)
	case errors.As(err, &nerr):
		a.revert(ev, metrics.DropUnknownExperiment, err)
	default:
		a.lggr.Errorw("Failed to persist event",
			"experiment", ev.ExperimentID, "variant", ev.VariantID, "type", ev.Type, "err", err)
	}
}

// revert takes back the in-memory count for an event the store refused.
func (a *Aggregator) revert(ev experiment.Record, reason string, err error) {
	if t := a.tally(ev.ExperimentID); t != nil {
		c := t.counter(ev.VariantID)
		switch ev.Type {
		case experiment.EventExposure:
			if t.exposed.CompareAndDelete(ev.VisitorID, ev.VariantID) && c != nil {
				c.exposures.Add(-1)
			}
		case experiment.EventConversion:
			if _, ok := t.converted.LoadAndDelete(ev.VisitorID); ok && c != nil {
				c.conversions.Add(-1)
			}
		}
	}

	a.metrics.EventsDropped.WithLabelValues(string(ev.Type), reason).Inc()
	a.lggr.Warnw("Dropped event",
		"type", ev.Type, "reason", reason, "experiment", ev.ExperimentID, "variant", ev.VariantID, "err", err)
}

// Counts returns the current counters for every variant of an experiment.
func (a *Aggregator) Counts(experimentID string) map[string]Counts {
	t := a.tally(experimentID)
	if t == nil {
		return nil
	}

	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make(map[string]Counts, len(t.counters))
	for id, c := range t.counters {
		out[id] = Counts{Exposures: c.exposures.Load(), Conversions: c.conversions.Load()}
	}
	return out
}

// Fill overwrites the counters on exp's variants with the live values.
func (a *Aggregator) Fill(exp *experiment.Experiment) {
	counts := a.Counts(exp.ID)
	if counts == nil {
		return
	}
	for i, v := range exp.Variants {
		if c, ok := counts[v.ID]; ok {
			exp.Variants[i].Exposures = c.Exposures
			exp.Variants[i].Conversions = c.Conversions
		}
	}
}

// ExposedVariant reports which variant a visitor was exposed to, if any.
func (a *Aggregator) ExposedVariant(experimentID, visitorID string) (string, bool) {
	t := a.tally(experimentID)
	if t == nil {
		return "", false
	}
	v, ok := t.exposed.Load(visitorID)
	if !ok {
		return "", false
	}
	return v.(string), true
}

// Flush blocks until every event queued before the call has been persisted.
func (a *Aggregator) Flush(ctx context.Context) error {
	done := make(chan struct{})

	a.queueMu.RLock()
	if a.closed {
		a.queueMu.RUnlock()
		return nil
	}
	select {
	case a.queue <- item{flush: done}:
	case <-ctx.Done():
		a.queueMu.RUnlock()
		return ctx.Err()
	}
	a.queueMu.RUnlock()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close stops accepting queued work and waits for the writer to drain.
func (a *Aggregator) Close() error {
	a.queueMu.Lock()
	if !a.closed {
		a.closed = true
		close(a.queue)
	}
	a.queueMu.Unlock()

	<-a.done
	return nil
}
