package idempotency

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"
)

func TestObserveReportsNewOnce(t *testing.T) {
	c := New(3)
	assert.True(t, c.Observe("a"))
	assert.False(t, c.Observe("a"))
	assert.False(t, c.Observe("a"))
	assert.Equal(t, 1, c.Len())

	_, ok := c.LastSeen("a")
	assert.True(t, ok)
}

func TestEvictsOldestWhenFull(t *testing.T) {
	c := New(2)
	require.True(t, c.Observe("a"))
	require.True(t, c.Observe("b"))
	require.True(t, c.Observe("c"))

	assert.Equal(t, 2, c.Len())
	_, ok := c.LastSeen("a")
	assert.False(t, ok)
	assert.True(t, c.Observe("a"), "evicted ids are new again")
}

func TestHitRefreshesPosition(t *testing.T) {
	c := New(2)
	c.Observe("a")
	c.Observe("b")
	c.Observe("a")
	c.Observe("c")

	_, ok := c.LastSeen("a")
	assert.True(t, ok)
	_, ok = c.LastSeen("b")
	assert.False(t, ok)
}

func TestDefaultCapacity(t *testing.T) {
	c := New(0)
	for i := 0; i < DefaultCapacity+5; i++ {
		c.Observe(fmt.Sprint(i))
	}
	assert.Equal(t, DefaultCapacity, c.Len())
}

func TestObserveMatchesModel(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		capacity := rapid.IntRange(1, 8).Draw(t, "capacity")
		ids := rapid.SliceOf(rapid.SampledFrom([]string{"a", "b", "c", "d", "e", "f"})).Draw(t, "ids")

		c := New(capacity)
		var order []string // most recent first
		for _, id := range ids {
			idx := -1
			for i, o := range order {
				if o == id {
					idx = i
				}
			}
			want := idx < 0
			if idx >= 0 {
				order = append(order[:idx], order[idx+1:]...)
			}
			order = append([]string{id}, order...)
			if len(order) > capacity {
				order = order[:capacity]
			}

			if got := c.Observe(id); got != want {
				t.Fatalf("Observe(%q) = %v, want %v", id, got, want)
			}
		}
		if c.Len() != len(order) {
			t.Fatalf("Len = %d, want %d", c.Len(), len(order))
		}
	})
}
