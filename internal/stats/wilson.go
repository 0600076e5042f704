package stats

import "math"

// WilsonInterval returns the Wilson score interval for conversions out of
// exposures at the given two-tailed confidence level, as proportions in [0,1].
// Unlike the normal approximation it stays inside [0,1] for small samples.
func WilsonInterval(conversions, exposures int64, confidence float64) (lower, upper float64) {
	if exposures <= 0 {
		return 0, 0
	}

	z := ZScore(confidence)
	p := float64(conversions) / float64(exposures)
	n := float64(exposures)

	denominator := 1 + z*z/n
	center := (p + z*z/(2*n)) / denominator
	spread := (z / denominator) * math.Sqrt(p*(1-p)/n+z*z/(4*n*n))

	return math.Max(0, center-spread), math.Min(1, center+spread)
}

// ZScore returns the critical value for a two-tailed confidence level,
// e.g. 0.95 -> 1.96 and 0.99 -> 2.576.
func ZScore(confidence float64) float64 {
	if confidence <= 0 {
		return 0
	}
	if confidence >= 1 {
		return math.Inf(1)
	}
	return math.Sqrt2 * math.Erfinv(confidence)
}
