// Package vcache implements the write-back block cache: three keyed queues
// (blocks, inodes, vnodes), a global dirty queue of blocks with a per-block
// dirty set of vnodes, and the relax/drop eviction policies. Grounded on
// the hash-table-plus-LRU-list-plus-cycle-counter shape of
// original_source/attic/voluta/lib/cache.c, re-expressed with
// container/list for the LRU chain — no third-party LRU cache appears
// anywhere in the pack, and this is exactly what the standard library's
// container/list exists for.
package vcache

/**
 * SPDX-License-Identifier: Apache-2.0
 * Copyright 2020 vorteil.io Pty Ltd
 */

import (
	"container/list"
)

// Entry is one cache-queue element: the generic cache_elem of the source
// design, carrying a queue-specific key, payload and liveness bookkeeping.
type Entry struct {
	Key    uint64
	Value  interface{}
	RefCnt int32
	Dirty  bool
	Cycle  int64

	elem *list.Element
}

// IncRef/DecRef pin and release an entry against eviction while staged.
func (e *Entry) IncRef() { e.RefCnt++ }
func (e *Entry) DecRef() {
	if e.RefCnt > 0 {
		e.RefCnt--
	}
}

func (e *Entry) evictable(currentCycle int64) bool {
	return e.Cycle < currentCycle && e.RefCnt == 0 && !e.Dirty
}

// Queue is one of the three cacheq instances (blocks, inodes, vnodes): a
// hash table keyed by a 64-bit identifier plus an LRU list ordered by
// last-touch cycle.
type Queue struct {
	name  string
	table map[uint64]*Entry
	lru   *list.List
}

// NewQueue creates an empty, named cache queue.
func NewQueue(name string) *Queue {
	return &Queue{
		name:  name,
		table: make(map[uint64]*Entry),
		lru:   list.New(),
	}
}

// Name returns the queue's label, used in log fields and error messages.
func (q *Queue) Name() string { return q.name }

// Len returns the number of entries currently cached.
func (q *Queue) Len() int { return len(q.table) }

// Has reports whether key is currently cached, without touching its LRU
// position or cycle — used by callers reconciling external bookkeeping
// (e.g. pkg/dispatch's quick-allocator accounting) against eviction driven
// by Relax/Drop.
func (q *Queue) Has(key uint64) bool {
	_, ok := q.table[key]
	return ok
}

// Lookup returns the entry for key, touching it to the front of the LRU.
func (q *Queue) Lookup(key uint64, cycle int64) (*Entry, bool) {
	e, ok := q.table[key]
	if !ok {
		return nil, false
	}
	e.Cycle = cycle
	q.lru.MoveToFront(e.elem)
	return e, true
}

// Insert creates and inserts a fresh entry for key, evicting nothing: the
// caller (the cache aggregate) is responsible for driving Relax/Drop first
// when memory pressure demands it.
func (q *Queue) Insert(key uint64, value interface{}, cycle int64) *Entry {
	e := &Entry{Key: key, Value: value, Cycle: cycle}
	e.elem = q.lru.PushFront(e)
	q.table[key] = e
	return e
}

// Remove forgets key unconditionally, used once an entry's backing block
// or object has been deallocated.
func (q *Queue) Remove(key uint64) {
	if e, ok := q.table[key]; ok {
		q.lru.Remove(e.elem)
		delete(q.table, key)
	}
}

// evictOne removes the least-recently-touched evictable entry, walking
// from the back of the LRU list (oldest first). Returns false when nothing
// qualifies.
func (q *Queue) evictOne(currentCycle int64) bool {
	for el := q.lru.Back(); el != nil; el = el.Prev() {
		e := el.Value.(*Entry)
		if e.evictable(currentCycle) {
			q.lru.Remove(el)
			delete(q.table, e.Key)
			return true
		}
	}
	return false
}

// Cache is the top-level write-back cache aggregate: the three typed
// queues, the global dirty queue of blocks, and the monotonic cycle
// counter shared across them.
type Cache struct {
	Blocks *Queue
	Inodes *Queue
	Vnodes *Queue

	cycle int64

	dirtyq   []int64
	dirtyPos map[int64]int
	dirtySet map[int64]map[int64]struct{}
}

// New creates an empty cache with its three queues and dirty bookkeeping.
func New() *Cache {
	return &Cache{
		Blocks:   NewQueue("blocks"),
		Inodes:   NewQueue("inodes"),
		Vnodes:   NewQueue("vnodes"),
		dirtyPos: make(map[int64]int),
		dirtySet: make(map[int64]map[int64]struct{}),
	}
}

// Cycle returns the current cycle counter.
func (c *Cache) Cycle() int64 { return c.cycle }

// NextCycle advances the cycle counter by one, called once per logical
// operation so entries touched within it stay pinned against eviction
// until the next operation begins.
func (c *Cache) NextCycle() int64 {
	c.cycle++
	return c.cycle
}

// MarkDirty records that the vnode at vnodeOff, backed by block lba, holds
// an unflushed view: it joins lba's per-block dirty set and, the first
// time lba itself turns dirty, the global dirty queue.
func (c *Cache) MarkDirty(lba int64, vnodeOff int64) {
	set, ok := c.dirtySet[lba]
	if !ok {
		set = make(map[int64]struct{})
		c.dirtySet[lba] = set
		c.dirtyPos[lba] = len(c.dirtyq)
		c.dirtyq = append(c.dirtyq, lba)
		if be, ok := c.Blocks.table[uint64(lba)]; ok {
			be.Dirty = true
		}
	}
	set[vnodeOff] = struct{}{}
}

// DirtySetFor returns the vnode offsets currently dirty within block lba.
func (c *Cache) DirtySetFor(lba int64) []int64 {
	set, ok := c.dirtySet[lba]
	if !ok {
		return nil
	}
	out := make([]int64, 0, len(set))
	for off := range set {
		out = append(out, off)
	}
	return out
}

// DirtyQueueLen returns the number of blocks currently queued dirty.
func (c *Cache) DirtyQueueLen() int {
	return len(c.dirtyq)
}

// PopDirty removes and returns the block at the front of the global dirty
// queue, the unit of work the commit path iterates over.
func (c *Cache) PopDirty() (int64, bool) {
	if len(c.dirtyq) == 0 {
		return 0, false
	}
	lba := c.dirtyq[0]
	c.dirtyq = c.dirtyq[1:]
	delete(c.dirtyPos, lba)
	for i, v := range c.dirtyq {
		c.dirtyPos[v] = i
	}
	return lba, true
}

// ClearDirty marks block lba clean and discards its dirty set, called once
// the commit path has sealed and encrypted every vnode it held.
func (c *Cache) ClearDirty(lba int64) {
	delete(c.dirtySet, lba)
	if be, ok := c.Blocks.table[uint64(lba)]; ok {
		be.Dirty = false
	}
}

// Relax shrinks one LRU chain — vnodes, then inodes, then blocks, in that
// order — when usedBytes has crossed half of budgetBytes. Returns true if
// anything was evicted.
func (c *Cache) Relax(usedBytes, budgetBytes int64) bool {
	if budgetBytes <= 0 || usedBytes*2 < budgetBytes {
		return false
	}
	if c.Vnodes.evictOne(c.cycle) {
		return true
	}
	if c.Inodes.evictOne(c.cycle) {
		return true
	}
	return c.Blocks.evictOne(c.cycle)
}

// Drop performs up to maxRounds best-effort eviction passes across all
// three queues in vnodes -> inodes -> blocks order, the sequence needed to
// unwind meta-object chains (a block can't evict while a vnode still
// points into it). Returns the total number of entries evicted.
func (c *Cache) Drop(maxRounds int) int {
	total := 0
	for round := 0; round < maxRounds; round++ {
		evicted := 0
		for c.Vnodes.evictOne(c.cycle) {
			evicted++
		}
		for c.Inodes.evictOne(c.cycle) {
			evicted++
		}
		for c.Blocks.evictOne(c.cycle) {
			evicted++
		}
		total += evicted
		if evicted == 0 {
			break
		}
	}
	return total
}
