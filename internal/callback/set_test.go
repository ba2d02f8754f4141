package callback

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

type handler struct{ name string }

func (h *handler) handle() {}

func TestSet(t *testing.T) {
	t.Run("Add keeps registration order", func(t *testing.T) {
		a := &handler{name: "a"}
		b := &handler{name: "b"}
		c := &handler{name: "c"}

		set := &Set[*handler]{}
		assert.True(t, set.Add(a))
		assert.True(t, set.Add(b))
		assert.True(t, set.Add(c))

		assert.Equal(t, []*handler{a, b, c}, set.Items())
	})

	t.Run("Add deduplicates identical references", func(t *testing.T) {
		a := &handler{name: "a"}

		set := &Set[*handler]{}
		assert.True(t, set.Add(a))
		assert.False(t, set.Add(a))
		assert.Equal(t, 1, set.Len())
	})

	t.Run("structurally equal but distinct values are separate registrations", func(t *testing.T) {
		a := &handler{name: "same"}
		b := &handler{name: "same"}

		set := &Set[*handler]{}
		assert.True(t, set.Add(a))
		assert.True(t, set.Add(b))
		assert.Equal(t, 2, set.Len())
	})

	t.Run("Remove drops only the given reference", func(t *testing.T) {
		a := &handler{name: "a"}
		b := &handler{name: "b"}

		set := &Set[*handler]{}
		set.Add(a)
		set.Add(b)

		assert.True(t, set.Remove(a))
		assert.Equal(t, []*handler{b}, set.Items())
		assert.False(t, set.Remove(a))
	})

	t.Run("Items returns a copy", func(t *testing.T) {
		a := &handler{name: "a"}
		set := &Set[*handler]{}
		set.Add(a)

		items := set.Items()
		items[0] = &handler{name: "other"}
		assert.Equal(t, []*handler{a}, set.Items())
	})
}

func TestIdentical(t *testing.T) {
	t.Run("func values compare by code pointer", func(t *testing.T) {
		f := func() {}
		g := func() {}
		assert.True(t, Identical(f, f))
		assert.False(t, Identical(f, g))
	})

	t.Run("does not panic on non-comparable dynamic types", func(t *testing.T) {
		assert.NotPanics(t, func() {
			Identical([]int{1}, []int{1})
		})
	})

	t.Run("nil handling", func(t *testing.T) {
		assert.True(t, Identical(nil, nil))
		assert.False(t, Identical(nil, &handler{}))
	})

	t.Run("different types never match", func(t *testing.T) {
		assert.False(t, Identical(&handler{}, "x"))
	})
}
