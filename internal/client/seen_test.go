// ABOUTME: Tests for the per-epoch seen-id cache
// ABOUTME: Covers duplicate detection, reset from a snapshot and size-bounded eviction

package client

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSeenCache_CheckAndMark(t *testing.T) {
	c := newSeenCache(10)

	assert.False(t, c.CheckAndMark("m1"))
	assert.True(t, c.CheckAndMark("m1"))
	assert.False(t, c.CheckAndMark("m2"))
	assert.Equal(t, 2, c.Len())
}

func TestSeenCache_Reset(t *testing.T) {
	c := newSeenCache(10)
	c.CheckAndMark("old")

	c.Reset([]string{"a", "b"})
	assert.Equal(t, 2, c.Len())
	assert.True(t, c.CheckAndMark("a"))
	assert.False(t, c.CheckAndMark("old"), "reset forgets the previous epoch")
}

func TestSeenCache_EvictsOldest(t *testing.T) {
	c := newSeenCache(3)
	for i := range 5 {
		c.CheckAndMark(fmt.Sprintf("m%d", i))
	}
	assert.Equal(t, 3, c.Len())
	assert.False(t, c.CheckAndMark("m0"), "oldest id was evicted")
	assert.True(t, c.CheckAndMark("m4"))
}

func TestSeenCache_ResetKeepsNewest(t *testing.T) {
	c := newSeenCache(2)
	c.Reset([]string{"a", "b", "c"})
	assert.Equal(t, 2, c.Len())
	assert.True(t, c.CheckAndMark("c"))
	assert.True(t, c.CheckAndMark("b"))
}
