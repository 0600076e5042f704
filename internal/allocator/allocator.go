// Package allocator splits traffic between variants and maps visitors onto
// them deterministically.
package allocator

import (
	"github.com/cespare/xxhash/v2"

	"github.com/gkobilansky/abengine/internal/experiment"
)

// buckets is the resolution of the hash space: 10000 buckets over [0,100).
const buckets = 10000

// Redistribute assigns an even split to the variants in place. The remainder
// of 100/n goes to the first variant, so 3 variants get 34/33/33.
func Redistribute(variants []experiment.Variant) {
	n := len(variants)
	if n == 0 {
		return
	}
	base := 100 / n
	remainder := 100 - base*n
	for i := range variants {
		variants[i].Traffic = base
	}
	variants[0].Traffic += remainder
}

// StickyLookup reports the variant a visitor was already exposed to.
type StickyLookup interface {
	ExposedVariant(experimentID, visitorID string) (string, bool)
}

// Bucket hashes an experiment/visitor pair to a point in [0,100).
func Bucket(experimentID, visitorID string) float64 {
	h := xxhash.Sum64String(experimentID + ":" + visitorID)
	return float64(h%buckets) / (buckets / 100)
}

// Assign returns the variant id for visitorID, and whether it fell back to the
// control because the experiment is not running or no active variant could
// take the visitor.
//
// The primary assignment walks all variants by stored traffic, so deactivating
// a variant never moves visitors between the other variants. Visitors whose
// primary variant is inactive keep it if sticky says they were exposed to it,
// and are otherwise rehashed over the active variants only.
func Assign(exp *experiment.Experiment, visitorID string, sticky StickyLookup) (string, bool) {
	control, _ := exp.Control()
	if exp.Status != experiment.StatusRunning {
		return control.ID, true
	}

	point := Bucket(exp.ID, visitorID)

	primary, ok := pick(exp.Variants, point, func(experiment.Variant) bool { return true })
	if ok && primary.IsActive {
		return primary.ID, false
	}

	if ok && sticky != nil {
		if id, seen := sticky.ExposedVariant(exp.ID, visitorID); seen {
			if _, exists := exp.Variant(id); exists {
				return id, false
			}
		}
	}

	activeTraffic := 0
	for _, v := range exp.Variants {
		if v.IsActive {
			activeTraffic += v.Traffic
		}
	}
	if activeTraffic == 0 {
		return control.ID, true
	}

	// Rehash into the active share of the space so the inactive variant's
	// traffic spreads proportionally.
	scaled := Bucket(exp.ID, visitorID+"#reassign") * float64(activeTraffic) / 100
	v, ok := pick(exp.Variants, scaled, func(v experiment.Variant) bool { return v.IsActive })
	if !ok {
		return control.ID, true
	}
	return v.ID, false
}

// pick walks the eligible variants accumulating traffic and returns the first
// whose cumulative bucket contains point.
func pick(variants []experiment.Variant, point float64, eligible func(experiment.Variant) bool) (experiment.Variant, bool) {
	cumulative := 0.0
	for _, v := range variants {
		if !eligible(v) {
			continue
		}
		cumulative += float64(v.Traffic)
		if point < cumulative {
			return v, true
		}
	}
	return experiment.Variant{}, false
}
