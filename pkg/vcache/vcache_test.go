package vcache

/**
 * SPDX-License-Identifier: Apache-2.0
 * Copyright 2020 vorteil.io Pty Ltd
 */

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestQueueInsertLookupTouchesLRU(t *testing.T) {
	q := NewQueue("blocks")
	q.Insert(1, "a", 0)
	q.Insert(2, "b", 0)

	e, ok := q.Lookup(1, 5)
	require.True(t, ok)
	assert.Equal(t, "a", e.Value)
	assert.Equal(t, int64(5), e.Cycle)
}

func TestQueueEvictRespectsRefcnt(t *testing.T) {
	q := NewQueue("blocks")
	e1 := q.Insert(1, "a", 0)
	q.Insert(2, "b", 0)

	e1.RefCnt = 1
	// Current cycle 1: both entries have cycle 0 < 1, but e1 is pinned.
	require.True(t, q.evictOne(1))
	assert.Equal(t, 1, q.Len())
	_, ok := q.Lookup(2, 1)
	assert.False(t, ok, "the unpinned entry should have been evicted")
}

func TestQueueEvictSkipsDirtyAndCurrentCycle(t *testing.T) {
	q := NewQueue("blocks")
	e := q.Insert(1, "a", 3)
	e.Dirty = true
	assert.False(t, q.evictOne(3), "dirty entries never evict")

	e.Dirty = false
	assert.False(t, q.evictOne(3), "entries touched in the current cycle never evict")

	assert.True(t, q.evictOne(4))
}

func TestCacheMarkDirtyBuildsDirtySetAndQueue(t *testing.T) {
	c := New()
	c.Blocks.Insert(10, []byte("block"), 0)

	c.MarkDirty(10, 100)
	c.MarkDirty(10, 200)
	c.MarkDirty(11, 300)

	assert.Equal(t, 2, c.DirtyQueueLen())
	offs := c.DirtySetFor(10)
	assert.ElementsMatch(t, []int64{100, 200}, offs)

	be, ok := c.Blocks.Lookup(10, c.Cycle())
	require.True(t, ok)
	assert.True(t, be.Dirty)
}

func TestCachePopDirtyIsFIFO(t *testing.T) {
	c := New()
	c.MarkDirty(1, 10)
	c.MarkDirty(2, 20)
	c.MarkDirty(3, 30)

	lba, ok := c.PopDirty()
	require.True(t, ok)
	assert.Equal(t, int64(1), lba)

	lba, ok = c.PopDirty()
	require.True(t, ok)
	assert.Equal(t, int64(2), lba)

	assert.Equal(t, 1, c.DirtyQueueLen())
}

func TestCacheClearDirtyDropsSetAndFlag(t *testing.T) {
	c := New()
	c.Blocks.Insert(5, []byte("x"), 0)
	c.MarkDirty(5, 50)

	c.ClearDirty(5)
	assert.Nil(t, c.DirtySetFor(5))

	be, ok := c.Blocks.Lookup(5, c.Cycle())
	require.True(t, ok)
	assert.False(t, be.Dirty)
}

func TestCacheDropWalksVnodesThenInodesThenBlocks(t *testing.T) {
	c := New()
	c.Vnodes.Insert(1, "v", 0)
	c.Inodes.Insert(1, "i", 0)
	c.Blocks.Insert(1, "b", 0)

	c.NextCycle() // current cycle becomes 1, all three entries have cycle 0

	n := c.Drop(3)
	assert.Equal(t, 3, n)
	assert.Equal(t, 0, c.Vnodes.Len())
	assert.Equal(t, 0, c.Inodes.Len())
	assert.Equal(t, 0, c.Blocks.Len())
}

func TestCacheRelaxOnlyFiresPastHalfBudget(t *testing.T) {
	c := New()
	c.Blocks.Insert(1, "b", 0)
	c.NextCycle()

	assert.False(t, c.Relax(40, 100), "below half the budget, nothing should be evicted")
	assert.True(t, c.Relax(60, 100), "past half the budget, eviction should fire")
}
