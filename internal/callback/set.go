// Package callback provides an ordered callback set deduplicated by
// identity rather than structural equality.
package callback

import (
	"reflect"
)

// Set keeps callbacks in registration order. A callback is identified
// by reference: the same value registered twice is stored once, while
// two structurally identical but distinct values count as different
// registrations.
type Set[T any] struct {
	items []T
}

// Add appends cb unless an identical callback is already present.
// It reports whether the set changed.
func (s *Set[T]) Add(cb T) bool {
	for _, existing := range s.items {
		if Identical(existing, cb) {
			return false
		}
	}
	s.items = append(s.items, cb)
	return true
}

// Remove deletes the callback identical to cb, preserving order of the
// remaining entries. It reports whether an entry was removed.
func (s *Set[T]) Remove(cb T) bool {
	for i, existing := range s.items {
		if Identical(existing, cb) {
			s.items = append(s.items[:i], s.items[i+1:]...)
			return true
		}
	}
	return false
}

// Len returns the number of registered callbacks.
func (s *Set[T]) Len() int {
	return len(s.items)
}

// Items returns a copy of the callbacks in registration order.
func (s *Set[T]) Items() []T {
	out := make([]T, len(s.items))
	copy(out, s.items)
	return out
}

// Identical reports whether a and b are the same reference. Pointer,
// func, map, slice, and channel values compare by address; comparable
// values fall back to ==. Never panics on non-comparable types.
func Identical(a, b any) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	av := reflect.ValueOf(a)
	bv := reflect.ValueOf(b)
	if av.Type() != bv.Type() {
		return false
	}
	switch av.Kind() {
	case reflect.Func, reflect.Map, reflect.Slice, reflect.Chan, reflect.Pointer, reflect.UnsafePointer:
		return av.Pointer() == bv.Pointer()
	default:
		if av.Comparable() {
			return av.Equal(bv)
		}
		return false
	}
}
