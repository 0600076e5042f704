package stats

import (
	"math"

	"github.com/gkobilansky/abengine/internal/experiment"
)

const (
	DefaultMinExposures    = 100
	DefaultConfidenceLevel = 0.95
)

// Config controls when an evaluation is allowed to name a winner.
type Config struct {
	MinExposures    int64
	ConfidenceLevel float64
}

func DefaultConfig() Config {
	return Config{MinExposures: DefaultMinExposures, ConfidenceLevel: DefaultConfidenceLevel}
}

// Evaluation is the outcome of comparing every variant against control.
type Evaluation struct {
	Variants     []VariantResult
	Significance float64 // best confidence over all comparisons
	Winner       string  // empty unless conclusive
	Leading      string  // variant with the best confidence, even if not conclusive
	// Inconclusive is a soft *experiment.InsufficientDataError when some
	// variant is below the exposure threshold.
	Inconclusive error
}

// VariantResult contains statistics for a single variant
type VariantResult struct {
	ID          string
	Name        string
	IsControl   bool
	IsActive    bool
	Traffic     int
	Exposures   int64
	Conversions int64
	RatePercent float64
	CILower     float64 // Wilson 95% interval, percent
	CIUpper     float64
	Lift        float64 // relative change of rate vs control, percent
	Z           float64
	Confidence  float64 // two-tailed, 0 for control or undefined comparisons
	Compared    bool    // false when the standard error was zero
}

// ZTest performs a two-proportion z-test of a variant against control.
// ok is false when the standard error is zero and the test is undefined.
func ZTest(controlConv, controlExp, variantConv, variantExp int64) (z float64, ok bool) {
	if controlExp == 0 || variantExp == 0 {
		return 0, false
	}

	p1 := float64(controlConv) / float64(controlExp)
	p2 := float64(variantConv) / float64(variantExp)

	// Pooled proportion under the null hypothesis p1 == p2
	pooled := float64(controlConv+variantConv) / float64(controlExp+variantExp)

	se := math.Sqrt(pooled * (1 - pooled) * (1/float64(controlExp) + 1/float64(variantExp)))
	if se == 0 || math.IsNaN(se) {
		return 0, false
	}

	return (p2 - p1) / se, true
}

// Confidence converts a z-score into a two-tailed confidence level in [0,1].
func Confidence(z float64) float64 {
	return 2*normalCDF(math.Abs(z)) - 1
}

// normalCDF is the cumulative distribution function of the standard normal
// distribution.
func normalCDF(x float64) float64 {
	return 0.5 * (1 + math.Erf(x/math.Sqrt2))
}

// Evaluate compares each non-control variant with control. Significance is the
// best confidence seen; a winner is named only when every variant has reached
// cfg.MinExposures and the most confident variant beats control at
// cfg.ConfidenceLevel.
func Evaluate(exp *experiment.Experiment, cfg Config) *Evaluation {
	eval := &Evaluation{Variants: make([]VariantResult, len(exp.Variants))}

	control, hasControl := exp.Control()

	for i, v := range exp.Variants {
		lower, upper := WilsonInterval(v.Conversions, v.Exposures, 0.95)
		eval.Variants[i] = VariantResult{
			ID:          v.ID,
			Name:        v.Name,
			IsControl:   v.IsControl,
			IsActive:    v.IsActive,
			Traffic:     v.Traffic,
			Exposures:   v.Exposures,
			Conversions: v.Conversions,
			RatePercent: v.ConversionRate(),
			CILower:     lower * 100,
			CIUpper:     upper * 100,
		}

		if eval.Inconclusive == nil && v.Exposures < cfg.MinExposures {
			eval.Inconclusive = &experiment.InsufficientDataError{
				VariantID:    v.ID,
				Exposures:    v.Exposures,
				MinExposures: cfg.MinExposures,
			}
		}
	}

	if !hasControl {
		return eval
	}

	best := -1
	for i := range eval.Variants {
		r := &eval.Variants[i]
		if r.IsControl {
			continue
		}

		if control.Exposures > 0 && r.Exposures > 0 {
			controlRate := float64(control.Conversions) / float64(control.Exposures)
			if controlRate > 0 {
				rate := float64(r.Conversions) / float64(r.Exposures)
				r.Lift = (rate - controlRate) / controlRate * 100
			}
		}

		z, ok := ZTest(control.Conversions, control.Exposures, r.Conversions, r.Exposures)
		if !ok {
			continue
		}
		r.Z = z
		r.Confidence = Confidence(z)
		r.Compared = true

		if best < 0 || r.Confidence > eval.Variants[best].Confidence {
			best = i
		}
	}

	if best < 0 {
		return eval
	}

	leader := eval.Variants[best]
	eval.Significance = leader.Confidence
	eval.Leading = leader.ID

	// z > 0 means the variant's rate is above control's.
	if eval.Inconclusive == nil && leader.Confidence >= cfg.ConfidenceLevel && leader.Z > 0 {
		eval.Winner = leader.ID
	}

	return eval
}
