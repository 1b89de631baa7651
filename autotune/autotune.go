// Package autotune selects, among functionally equivalent kernel implementations ("candidates"), the
// fastest one for a given problem, and remembers the choice.
//
// Candidates of an operation family are registered in a Registry under a functional key (what affects
// correctness: element types, layouts, transforms, compute type). A lookup narrows them with a
// PreferenceKey (what affects eligibility on a device: compute capability, alignment). A Selector then
// benchmarks the eligible candidates once per problem signature on a dedicated stream, timing them with
// driver events (see Bench), and caches the fastest in a Cache that is never evicted.
package autotune

import (
	"fmt"

	"github.com/pkg/errors"
)

// PreferenceKey holds the attributes that make a candidate eligible on a device, without affecting the
// results it computes.
type PreferenceKey struct {
	// ComputeCapability as major*10+minor, e.g. 80 for sm_80.
	ComputeCapability int

	// Alignment in elements of the operands' pointers and leading dimensions.
	Alignment int
}

// String implements fmt.Stringer.
func (p PreferenceKey) String() string {
	return fmt.Sprintf("sm_%d/align%d", p.ComputeCapability, p.Alignment)
}

// Accepts returns whether a candidate with preference p (its minimum compute capability and required
// alignment) can run for a problem and device described by problem.
func (p PreferenceKey) Accepts(problem PreferenceKey) bool {
	if p.ComputeCapability > problem.ComputeCapability {
		return false
	}
	alignment := max(p.Alignment, 1)
	return problem.Alignment%alignment == 0
}

// Candidate is one implementation of an operation family.
type Candidate interface {
	// Name identifies the candidate in logs and metrics.
	Name() string

	// Preference returns the minimum compute capability and the alignment the candidate requires.
	Preference() PreferenceKey
}

var (
	// ErrNoCandidates is returned when no candidate was registered for a functional key, and by
	// Selector.Select when given an empty list of candidates.
	ErrNoCandidates = errors.New("no candidate implementation registered for the functional key")

	// ErrNoEligibleCandidates is returned when candidates exist for the functional key, but none is eligible
	// for the device or the problem.
	ErrNoEligibleCandidates = errors.New("no candidate implementation eligible for the device and problem")

	// ErrWorkspaceTooLarge is returned when a candidate requires more workspace than the configured budget.
	ErrWorkspaceTooLarge = errors.New("required workspace exceeds budget")
)

// AlignmentOf returns the largest power of two, up to maxAlignment, that divides all values.
// It is used to compute the alignment (in elements) of a problem from its sizes and leading dimensions.
func AlignmentOf(maxAlignment int, values ...int) int {
	alignment := max(maxAlignment, 1)
	for alignment > 1 {
		divides := true
		for _, v := range values {
			if v%alignment != 0 {
				divides = false
				break
			}
		}
		if divides {
			break
		}
		alignment /= 2
	}
	return alignment
}
