// This package provides the immutable ordered set used to represent channel
// membership and to compute membership deltas between two membership snapshots.
package set

import (
	"fmt"
	"strings"

	"golang.org/x/exp/constraints"
	"golang.org/x/exp/slices"
)

// Set is a sorted, deduplicated collection with value equality. The zero value
// is the empty set. A Set is never mutated after construction; all algebra
// returns new sets.
type Set[T constraints.Ordered] struct {
	elems []T
}

// From builds a set from an arbitrary slice. A nil or empty slice yields the
// empty set; duplicates collapse to one.
func From[T constraints.Ordered](xs []T) Set[T] {
	elems := make([]T, len(xs))
	copy(elems, xs)
	slices.Sort(elems)
	elems = slices.Compact(elems)
	return Set[T]{elems}
}

func Of[T constraints.Ordered](xs ...T) Set[T] {
	return From(xs)
}

// wrap takes ownership of a slice already known to be strictly increasing.
func wrap[T constraints.Ordered](elems []T) Set[T] {
	return Set[T]{elems}
}

func (s Set[T]) Len() int {
	return len(s.elems)
}

func (s Set[T]) Empty() bool {
	return len(s.elems) == 0
}

// Slice returns the canonical sorted contents. The returned slice is a copy.
func (s Set[T]) Slice() []T {
	elems := make([]T, len(s.elems))
	copy(elems, s.elems)
	return elems
}

// Contains is a linear scan. Sets hold chat-sized groups, not large collections.
func (s Set[T]) Contains(x T) bool {
	for _, e := range s.elems {
		if e == x {
			return true
		}
	}
	return false
}

func (s Set[T]) Equal(o Set[T]) bool {
	return slices.Equal(s.elems, o.elems)
}

// Union returns the elements present in either set.
func (s Set[T]) Union(o Set[T]) Set[T] {
	return From(append(s.Slice(), o.elems...))
}

// Intersect returns the elements present in both sets.
func (s Set[T]) Intersect(o Set[T]) Set[T] {
	elems := make([]T, 0, len(s.elems))
	for _, e := range s.elems {
		if o.Contains(e) {
			elems = append(elems, e)
		}
	}
	return wrap(elems)
}

// Subtract returns the elements present in s and not in o.
func (s Set[T]) Subtract(o Set[T]) Set[T] {
	elems := make([]T, 0, len(s.elems))
	for _, e := range s.elems {
		if !o.Contains(e) {
			elems = append(elems, e)
		}
	}
	return wrap(elems)
}

// Changed diffs s against a newer snapshot, returning the elements added and
// removed. This is the sole mechanism for deriving membership deltas.
func (s Set[T]) Changed(newer Set[T]) (added, removed Set[T]) {
	return newer.Subtract(s), s.Subtract(newer)
}

func (s Set[T]) String() string {
	parts := make([]string, len(s.elems))
	for i, e := range s.elems {
		parts[i] = fmt.Sprintf("%v", e)
	}
	return "{" + strings.Join(parts, " ") + "}"
}
