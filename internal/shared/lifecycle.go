package shared

import (
	"fmt"
	"slices"
)

// Lifecycle lists the statuses reachable from each status.
type Lifecycle[S ~string] map[S][]S

// Allows reports whether from -> to is a permitted transition.
func (l Lifecycle[S]) Allows(from, to S) bool {
	return slices.Contains(l[from], to)
}

// Check returns ErrInvalidTransition when from -> to is not permitted.
func (l Lifecycle[S]) Check(from, to S) error {
	if l.Allows(from, to) {
		return nil
	}
	return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, from, to)
}

// Terminal reports whether no transition leaves s.
func (l Lifecycle[S]) Terminal(s S) bool {
	return len(l[s]) == 0
}
