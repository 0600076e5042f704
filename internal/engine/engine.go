// Package engine wires the store, allocator, aggregator and evaluator into a
// single explicitly constructed experimentation engine.
package engine

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/gkobilansky/abengine/internal/aggregator"
	"github.com/gkobilansky/abengine/internal/allocator"
	"github.com/gkobilansky/abengine/internal/experiment"
	"github.com/gkobilansky/abengine/internal/logger"
	"github.com/gkobilansky/abengine/internal/metrics"
	"github.com/gkobilansky/abengine/internal/stats"
	"github.com/gkobilansky/abengine/internal/store"
)

const (
	defaultQueueSize       = 1024
	defaultRefreshInterval = time.Second
)

type Option func(*Engine)

func WithLogger(lggr *zap.SugaredLogger) Option {
	return func(e *Engine) { e.lggr = lggr }
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(e *Engine) { e.metrics = m }
}

func WithStatsConfig(cfg stats.Config) Option {
	return func(e *Engine) { e.statsCfg = cfg }
}

// WithClock overrides time.Now for lifecycle timestamps.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

func WithQueueSize(n int) Option {
	return func(e *Engine) { e.queueSize = n }
}

// WithRefreshInterval sets how often the hot path checks the store for
// experiments changed by another process. Zero checks on every call.
func WithRefreshInterval(d time.Duration) Option {
	return func(e *Engine) { e.refreshInterval = d }
}

type Engine struct {
	store    store.Store
	agg      *aggregator.Aggregator
	lggr     *zap.SugaredLogger
	metrics  *metrics.Metrics
	statsCfg stats.Config
	now      func() time.Time

	queueSize       int
	refreshInterval time.Duration

	// cache holds immutable snapshots; updates swap the pointer.
	mu    sync.RWMutex
	cache map[string]*experiment.Experiment

	locks sync.Map // experiment id -> *sync.Mutex

	// Writers hold reloadMu for reading across a store write and the cache
	// update that follows; reload holds it exclusively.
	reloadMu  sync.RWMutex
	revision  atomic.Int64 // store revision the cache reflects
	lastCheck atomic.Int64 // unix nanos of the last revision check
}

// New builds an engine over s and hydrates its cache and counters.
func New(ctx context.Context, s store.Store, opts ...Option) (*Engine, error) {
	e := &Engine{
		store:     s,
		lggr:      logger.Nop(),
		statsCfg:  stats.DefaultConfig(),
		now:       time.Now,
		queueSize:       defaultQueueSize,
		refreshInterval: defaultRefreshInterval,
		cache:           make(map[string]*experiment.Experiment),
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.metrics == nil {
		e.metrics = metrics.NewUnregistered()
	}
	e.lggr = e.lggr.Named("engine")
	e.revision.Store(-1)

	e.agg = aggregator.New(s, e.queueSize, e.lggr, e.metrics)
	if err := e.reload(ctx); err != nil {
		e.agg.Close()
		return nil, err
	}

	e.lggr.Infow("Engine ready", "experiments", len(e.cache), "revision", e.revision.Load())
	return e, nil
}

// Close drains pending events. It does not close the store.
func (e *Engine) Close() error {
	return e.agg.Close()
}

// Flush waits until every accepted event is persisted.
func (e *Engine) Flush(ctx context.Context) error {
	return e.agg.Flush(ctx)
}

func (e *Engine) lock(id string) func() {
	m, _ := e.locks.LoadOrStore(id, &sync.Mutex{})
	mu := m.(*sync.Mutex)
	mu.Lock()
	return mu.Unlock
}

// refresh reloads the cache when the store revision moved. Unless forced it
// checks at most once per refresh interval.
func (e *Engine) refresh(ctx context.Context, force bool) error {
	now := time.Now().UnixNano()
	if force {
		e.lastCheck.Store(now)
	} else {
		last := e.lastCheck.Load()
		if now-last < int64(e.refreshInterval) || !e.lastCheck.CompareAndSwap(last, now) {
			return nil
		}
	}

	rev, err := e.store.Revision(ctx)
	if err != nil {
		return fmt.Errorf("failed to read store revision: %w", err)
	}
	if rev == e.revision.Load() {
		return nil
	}
	return e.reload(ctx)
}

// reload replaces the cache and the tracked counters with the store's view.
func (e *Engine) reload(ctx context.Context) error {
	e.reloadMu.Lock()
	defer e.reloadMu.Unlock()

	rev, err := e.store.Revision(ctx)
	if err != nil {
		return fmt.Errorf("failed to read store revision: %w", err)
	}
	if rev == e.revision.Load() {
		return nil
	}

	exps, err := e.store.List(ctx)
	if err != nil {
		return fmt.Errorf("failed to list experiments: %w", err)
	}
	if err := e.agg.Sync(ctx, exps); err != nil {
		return err
	}

	cache := make(map[string]*experiment.Experiment, len(exps))
	for _, exp := range exps {
		cache[exp.ID] = exp
	}
	e.mu.Lock()
	e.cache = cache
	e.mu.Unlock()

	e.lggr.Debugw("Reloaded experiments", "revision", rev, "experiments", len(exps))
	e.revision.Store(rev)
	return nil
}

// lookup is cached for the hot path. A miss forces a revision check, so an
// experiment created elsewhere is found on first use.
func (e *Engine) lookup(ctx context.Context, id string) (*experiment.Experiment, bool) {
	if err := e.refresh(ctx, false); err != nil {
		e.lggr.Warnw("Serving cached experiments", "err", err)
	}
	if exp, ok := e.cached(id); ok {
		return exp, true
	}
	if err := e.refresh(ctx, true); err != nil {
		e.lggr.Warnw("Serving cached experiments", "err", err)
	}
	return e.cached(id)
}

func (e *Engine) cached(id string) (*experiment.Experiment, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	exp, ok := e.cache[id]
	return exp, ok
}

func (e *Engine) put(exp *experiment.Experiment) {
	e.mu.Lock()
	e.cache[exp.ID] = exp
	e.mu.Unlock()
	e.agg.Track(exp)
}

// snapshot returns a caller-owned copy with live counters.
func (e *Engine) snapshot(exp *experiment.Experiment) *experiment.Experiment {
	out := exp.Clone()
	e.agg.Fill(out)
	return out
}

// ListExperiments returns every experiment, newest first.
func (e *Engine) ListExperiments(ctx context.Context) ([]*experiment.Experiment, error) {
	if err := e.refresh(ctx, true); err != nil {
		return nil, err
	}

	e.mu.RLock()
	out := make([]*experiment.Experiment, 0, len(e.cache))
	for _, exp := range e.cache {
		out = append(out, exp)
	}
	e.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.After(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	for i, exp := range out {
		out[i] = e.snapshot(exp)
	}
	return out, nil
}

func (e *Engine) GetExperiment(ctx context.Context, id string) (*experiment.Experiment, error) {
	if err := e.refresh(ctx, true); err != nil {
		return nil, err
	}

	exp, ok := e.cached(id)
	if !ok {
		return nil, &experiment.NotFoundError{Kind: "experiment", ID: id}
	}
	return e.snapshot(exp), nil
}

// CreateExperiment validates and stores a new draft experiment. An empty id is
// replaced with a generated one.
func (e *Engine) CreateExperiment(ctx context.Context, exp *experiment.Experiment) (*experiment.Experiment, error) {
	in := exp.Clone()
	if in.ID == "" {
		in.ID = uuid.NewString()
	}

	unlock := e.lock(in.ID)
	defer unlock()

	e.reloadMu.RLock()
	created, err := e.store.Create(ctx, in)
	if err == nil {
		e.put(created)
	}
	e.reloadMu.RUnlock()
	if err != nil {
		return nil, err
	}

	e.lggr.Infow("Experiment created", "experiment", created.ID, "variants", len(created.Variants))
	return created.Clone(), nil
}

// update applies a patch under the experiment lock and refreshes the cache.
func (e *Engine) update(ctx context.Context, id string, build func(cur *experiment.Experiment) (experiment.Patch, error)) (*experiment.Experiment, error) {
	if err := e.refresh(ctx, true); err != nil {
		return nil, err
	}

	unlock := e.lock(id)
	defer unlock()

	cur, ok := e.cached(id)
	if !ok {
		return nil, &experiment.NotFoundError{Kind: "experiment", ID: id}
	}

	patch, err := build(cur)
	if err != nil {
		return nil, err
	}

	updated, err := e.save(ctx, id, patch)
	if err != nil {
		return nil, err
	}
	return e.snapshot(updated), nil
}

func (e *Engine) save(ctx context.Context, id string, patch experiment.Patch) (*experiment.Experiment, error) {
	e.reloadMu.RLock()
	defer e.reloadMu.RUnlock()

	updated, err := e.store.Update(ctx, id, patch)
	if err != nil {
		return nil, err
	}
	e.put(updated)
	return updated, nil
}

// Transition applies a lifecycle event. Starting sets the start date once;
// completing sets the end date, and completing a running experiment freezes
// its final significance and winner.
func (e *Engine) Transition(ctx context.Context, id string, ev experiment.Event) (*experiment.Experiment, error) {
	// Events accepted before a pause or completion must land while the store
	// still takes them.
	if err := e.agg.Flush(ctx); err != nil {
		return nil, fmt.Errorf("failed to flush events: %w", err)
	}

	var from experiment.Status
	exp, err := e.update(ctx, id, func(cur *experiment.Experiment) (experiment.Patch, error) {
		from = cur.Status
		to, err := experiment.Transition(id, cur.Status, ev)
		if err != nil {
			return experiment.Patch{}, err
		}

		now := e.now()
		p := experiment.Patch{Status: &to}
		if ev == experiment.EventStart && cur.StartDate == nil {
			p.StartDate = &now
		}
		if to == experiment.StatusCompleted {
			p.EndDate = &now
			if cur.Status == experiment.StatusRunning {
				eval := stats.Evaluate(e.snapshot(cur), e.statsCfg)
				p.Significance = &eval.Significance
				p.Winner = &eval.Winner
			}
		}
		return p, nil
	})
	if err != nil {
		return nil, err
	}

	e.metrics.Transitions.WithLabelValues(id, string(ev)).Inc()
	e.lggr.Infow("Experiment transitioned", "experiment", id, "event", ev, "from", from, "to", exp.Status)
	return exp, nil
}

// UpdateVariantActive toggles whether a variant receives new visitors.
func (e *Engine) UpdateVariantActive(ctx context.Context, id, variantID string, active bool) (*experiment.Experiment, error) {
	return e.update(ctx, id, func(*experiment.Experiment) (experiment.Patch, error) {
		return experiment.Patch{VariantActive: map[string]bool{variantID: active}}, nil
	})
}

// AddVariant appends v to a draft experiment and splits traffic evenly.
func (e *Engine) AddVariant(ctx context.Context, id string, v experiment.Variant) (*experiment.Experiment, error) {
	return e.update(ctx, id, func(cur *experiment.Experiment) (experiment.Patch, error) {
		if v.ID == "" {
			v.ID = nextVariantID(cur)
		}
		if v.Name == "" {
			v.Name = v.ID
		}
		v.Exposures, v.Conversions = 0, 0

		variants := append(append([]experiment.Variant(nil), cur.Variants...), v)
		allocator.Redistribute(variants)
		return experiment.Patch{Variants: variants}, nil
	})
}

// RemoveVariant drops a variant from a draft experiment and splits traffic
// evenly over the rest.
func (e *Engine) RemoveVariant(ctx context.Context, id, variantID string) (*experiment.Experiment, error) {
	return e.update(ctx, id, func(cur *experiment.Experiment) (experiment.Patch, error) {
		variants := make([]experiment.Variant, 0, len(cur.Variants))
		for _, v := range cur.Variants {
			if v.ID != variantID {
				variants = append(variants, v)
			}
		}
		if len(variants) == len(cur.Variants) {
			return experiment.Patch{}, &experiment.NotFoundError{Kind: "variant", ID: variantID}
		}
		allocator.Redistribute(variants)
		return experiment.Patch{Variants: variants}, nil
	})
}

// SetTraffic overrides the split on a draft experiment. Variants not named keep
// their traffic; the result must still sum to 100.
func (e *Engine) SetTraffic(ctx context.Context, id string, traffic map[string]int) (*experiment.Experiment, error) {
	return e.update(ctx, id, func(cur *experiment.Experiment) (experiment.Patch, error) {
		variants := append([]experiment.Variant(nil), cur.Variants...)
		for vid, pct := range traffic {
			found := false
			for i := range variants {
				if variants[i].ID == vid {
					variants[i].Traffic = pct
					found = true
					break
				}
			}
			if !found {
				return experiment.Patch{}, &experiment.NotFoundError{Kind: "variant", ID: vid}
			}
		}
		return experiment.Patch{Variants: variants}, nil
	})
}

// Rename changes the display name and, when description is non-nil, the
// description. Allowed in every state.
func (e *Engine) Rename(ctx context.Context, id, name string, description *string) (*experiment.Experiment, error) {
	return e.update(ctx, id, func(*experiment.Experiment) (experiment.Patch, error) {
		return experiment.Patch{Name: &name, Description: description}, nil
	})
}

// DeleteExperiment removes the experiment with its counters and event log.
func (e *Engine) DeleteExperiment(ctx context.Context, id string) error {
	if err := e.refresh(ctx, true); err != nil {
		return err
	}

	unlock := e.lock(id)
	defer unlock()

	if _, ok := e.cached(id); !ok {
		return &experiment.NotFoundError{Kind: "experiment", ID: id}
	}

	// Queued events must land before their rows are deleted.
	if err := e.agg.Flush(ctx); err != nil {
		return fmt.Errorf("failed to flush events: %w", err)
	}
	e.reloadMu.RLock()
	err := e.store.Delete(ctx, id)
	if err == nil {
		e.mu.Lock()
		delete(e.cache, id)
		e.mu.Unlock()
		e.agg.Forget(id)
	}
	e.reloadMu.RUnlock()
	if err != nil {
		return err
	}

	e.lggr.Infow("Experiment deleted", "experiment", id)
	return nil
}

type Results struct {
	Experiment *experiment.Experiment
	Evaluation *stats.Evaluation
}

// GetResults evaluates the experiment on live counters. Outside completed the
// recomputed significance and winner are persisted; completed experiments keep
// their frozen values.
func (e *Engine) GetResults(ctx context.Context, id string) (*Results, error) {
	if err := e.refresh(ctx, true); err != nil {
		return nil, err
	}

	unlock := e.lock(id)
	defer unlock()

	cur, ok := e.cached(id)
	if !ok {
		return nil, &experiment.NotFoundError{Kind: "experiment", ID: id}
	}

	exp := e.snapshot(cur)
	eval := stats.Evaluate(exp, e.statsCfg)

	if exp.Status != experiment.StatusCompleted &&
		(exp.Significance != eval.Significance || exp.Winner != eval.Winner) {
		updated, err := e.save(ctx, id, experiment.Patch{
			Significance: &eval.Significance,
			Winner:       &eval.Winner,
		})
		var serr *experiment.InvalidStateError
		if errors.As(err, &serr) {
			// Completed since the refresh; its stored results stand.
			updated, err = e.reread(ctx, id)
		}
		if err != nil {
			return nil, fmt.Errorf("failed to save results: %w", err)
		}
		exp = e.snapshot(updated)
	}

	return &Results{Experiment: exp, Evaluation: eval}, nil
}

func (e *Engine) reread(ctx context.Context, id string) (*experiment.Experiment, error) {
	e.reloadMu.RLock()
	defer e.reloadMu.RUnlock()

	exp, err := e.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	e.put(exp)
	return exp, nil
}

// Assign maps a visitor to a variant. Only an unknown experiment is an error;
// every other problem falls back to the control.
func (e *Engine) Assign(ctx context.Context, id, visitorID string) (variantID string, fallback bool, err error) {
	exp, ok := e.lookup(ctx, id)
	if !ok {
		return "", false, &experiment.NotFoundError{Kind: "experiment", ID: id}
	}

	if visitorID == "" {
		control, _ := exp.Control()
		variantID, fallback = control.ID, true
	} else {
		variantID, fallback = allocator.Assign(exp, visitorID, e.agg)
	}

	e.metrics.Assignments.WithLabelValues(id, variantID, strconv.FormatBool(fallback)).Inc()
	return variantID, fallback, nil
}

// RecordExposure counts a unique visitor exposure while the experiment runs.
// Events the engine cannot count are dropped and logged, never returned as
// errors.
func (e *Engine) RecordExposure(ctx context.Context, id, variantID, visitorID string) error {
	return e.record(ctx, experiment.EventExposure, id, variantID, visitorID)
}

// RecordConversion counts a conversion, at most once per visitor. Paused
// experiments still take conversions from visitors exposed before the pause.
func (e *Engine) RecordConversion(ctx context.Context, id, variantID, visitorID string) error {
	return e.record(ctx, experiment.EventConversion, id, variantID, visitorID)
}

func (e *Engine) record(ctx context.Context, typ experiment.EventType, id, variantID, visitorID string) error {
	exp, ok := e.lookup(ctx, id)
	switch {
	case !ok:
		e.drop(typ, metrics.DropUnknownExperiment, id, variantID)
		return nil
	case !exp.Status.Accepts(typ):
		e.drop(typ, metrics.DropNotCollecting, id, variantID, "status", exp.Status)
		return nil
	case visitorID == "":
		e.drop(typ, metrics.DropMissingVisitor, id, variantID)
		return nil
	}

	var err error
	if typ == experiment.EventExposure {
		_, err = e.agg.RecordExposure(ctx, id, variantID, visitorID)
	} else {
		_, err = e.agg.RecordConversion(ctx, id, variantID, visitorID)
	}

	var nerr *experiment.NotFoundError
	if errors.As(err, &nerr) {
		reason := metrics.DropUnknownVariant
		if nerr.Kind == "experiment" {
			reason = metrics.DropUnknownExperiment
		}
		e.drop(typ, reason, id, variantID)
		return nil
	}
	return err
}

func (e *Engine) drop(typ experiment.EventType, reason, id, variantID string, kv ...any) {
	e.metrics.EventsDropped.WithLabelValues(string(typ), reason).Inc()
	e.lggr.Warnw("Dropped event",
		append([]any{"type", typ, "reason", reason, "experiment", id, "variant", variantID}, kv...)...)
}

// nextVariantID picks the first free single-letter id after the existing ones,
// the way variants are conventionally labelled A, B, C.
func nextVariantID(exp *experiment.Experiment) string {
	for i := 0; ; i++ {
		id := variantLabel(i)
		if _, taken := exp.Variant(id); !taken {
			return id
		}
	}
}

func variantLabel(i int) string {
	label := ""
	for {
		label = string(rune('a'+i%26)) + label
		i = i/26 - 1
		if i < 0 {
			return label
		}
	}
}

// Events returns the persisted event log once pending writes have landed.
func (e *Engine) Events(ctx context.Context, id string) ([]*experiment.Record, error) {
	if err := e.refresh(ctx, true); err != nil {
		return nil, err
	}
	if _, ok := e.cached(id); !ok {
		return nil, &experiment.NotFoundError{Kind: "experiment", ID: id}
	}
	if err := e.agg.Flush(ctx); err != nil {
		return nil, fmt.Errorf("failed to flush events: %w", err)
	}
	return e.store.Events(ctx, id)
}
