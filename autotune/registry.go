package autotune

import (
	"slices"
	"sync"

	"github.com/pkg/errors"
)

// Registry holds the candidates of an operation family, grouped by functional key, in registration order.
// It is safe for concurrent use.
type Registry[FK comparable, C Candidate] struct {
	mu         sync.RWMutex
	candidates map[FK][]C
}

// NewRegistry creates an empty Registry.
func NewRegistry[FK comparable, C Candidate]() *Registry[FK, C] {
	return &Registry[FK, C]{candidates: make(map[FK][]C)}
}

// Register adds a candidate under the functional key fk.
func (r *Registry[FK, C]) Register(fk FK, candidate C) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.candidates[fk] = append(r.candidates[fk], candidate)
}

// Candidates returns all candidates registered for fk, in registration order.
func (r *Registry[FK, C]) Candidates(fk FK) []C {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return slices.Clone(r.candidates[fk])
}

// Keys returns the functional keys with registered candidates, in no particular order.
func (r *Registry[FK, C]) Keys() []FK {
	r.mu.RLock()
	defer r.mu.RUnlock()
	keys := make([]FK, 0, len(r.candidates))
	for fk := range r.candidates {
		keys = append(keys, fk)
	}
	return keys
}

// Lookup returns the candidates registered for fk that accept the problem's preference key, in registration
// order.
//
// It fails with ErrNoCandidates if nothing is registered for fk, and with ErrNoEligibleCandidates if
// nothing is left after narrowing.
func (r *Registry[FK, C]) Lookup(fk FK, problem PreferenceKey) ([]C, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	all := r.candidates[fk]
	if len(all) == 0 {
		return nil, errors.Wrapf(ErrNoCandidates, "functional key %+v", fk)
	}
	var eligible []C
	for _, candidate := range all {
		if candidate.Preference().Accepts(problem) {
			eligible = append(eligible, candidate)
		}
	}
	if len(eligible) == 0 {
		return nil, errors.Wrapf(ErrNoEligibleCandidates, "%d candidates for functional key %+v, none for %s",
			len(all), fk, problem)
	}
	return eligible, nil
}
