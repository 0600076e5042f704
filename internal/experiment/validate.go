package experiment

import "fmt"

// Validate checks the structural invariants of a single experiment. Global
// uniqueness of the experiment id is the store's job.
func Validate(e *Experiment) error {
	if e.ID == "" {
		return &ValidationError{Invariant: InvariantUniqueIDs, Detail: "experiment id must not be empty"}
	}
	return ValidateVariants(e.Variants)
}

// ValidateVariants checks invariants 1 to 5 over a variant list, reporting the
// first violation found.
func ValidateVariants(variants []Variant) error {
	if len(variants) < 2 {
		return &ValidationError{
			Invariant: InvariantMinVariants,
			Detail:    fmt.Sprintf("have %d variants, need at least 2", len(variants)),
		}
	}

	seen := make(map[string]bool, len(variants))
	for _, v := range variants {
		if v.ID == "" {
			return &ValidationError{Invariant: InvariantUniqueIDs, Detail: "variant id must not be empty"}
		}
		if seen[v.ID] {
			return &ValidationError{Invariant: InvariantUniqueIDs, Detail: fmt.Sprintf("duplicate variant id %q", v.ID)}
		}
		seen[v.ID] = true
	}

	controls := 0
	for _, v := range variants {
		if v.IsControl {
			controls++
		}
	}
	if controls != 1 {
		return &ValidationError{
			Invariant: InvariantSingleControl,
			Detail:    fmt.Sprintf("have %d control variants, need exactly 1", controls),
		}
	}

	sum := 0
	for _, v := range variants {
		if v.Traffic < 0 || v.Traffic > 100 {
			return &ValidationError{
				Invariant: InvariantTrafficRange,
				Detail:    fmt.Sprintf("variant %q has traffic %d, want 0-100", v.ID, v.Traffic),
			}
		}
		sum += v.Traffic
	}
	if sum != 100 {
		return &ValidationError{
			Invariant: InvariantTrafficSum,
			Detail:    fmt.Sprintf("traffic sums to %d, want 100", sum),
		}
	}

	return nil
}
