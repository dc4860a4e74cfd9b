// Package qalloc implements the quick allocator: a bounded, non-fragmenting
// allocator drawing from a single pre-reserved memory budget, backed by a
// memfd-mapped heap so its pages can be physically committed and released
// independently of Go's own garbage-collected heap. Callers that need the
// raw bytes for zero-copy I/O get them through memref; everyone else just
// gets back a Block handle. Grounded on
// original_source/attic/voluta/lib/qalloc.c's page/slab split, re-expressed
// over a single mmap'd region with container/list free lists in place of
// the original's intrusive linked lists (pkg/vcache already established
// that idiom for this tree's LRU chains).
package qalloc

/**
 * SPDX-License-Identifier: Apache-2.0
 * Copyright 2020 vorteil.io Pty Ltd
 */

import (
	"container/list"

	"github.com/voluta-fs/voluta/pkg/verrors"
)

// PageSize is the allocator's page granularity, matching the original's
// MPAGE_SIZE_MIN (the minimum architectural page size).
const PageSize = 4096

// slabShiftMin/slabShiftMax bound the size classes qalloc carves out of a
// page: 16 bytes up to half a page. Anything larger allocates whole pages
// directly.
const (
	slabShiftMin = 4 // 1 << 4 == 16
	slabShiftMax = 11 // 1 << 11 == 2048 == PageSize/2
	numSlabs     = slabShiftMax - slabShiftMin + 1
)

// MaxAlloc is the largest single allocation qalloc ever satisfies,
// matching the original's MALLOC_SIZE_MAX.
const MaxAlloc = 8 * 1024 * 1024

// TrashByte fills freed bytes in pedantic mode, the same poison value the
// original's pedantic build used to make use-after-free visible.
const TrashByte = 0xde

func slabSize(class int) int {
	return 1 << uint(slabShiftMin+class)
}

// classFor returns the slab class that satisfies n bytes, or -1 if n needs
// a whole-page (or multi-page) allocation.
func classFor(n int) int {
	for class := 0; class < numSlabs; class++ {
		if n <= slabSize(class) {
			return class
		}
	}
	return -1
}

// Block is an opaque handle to a live allocation: enough to free it again
// or resolve it to raw bytes via Memref, never to be dereferenced directly.
type Block struct {
	off   int64
	len   int
	class int // slab class, or -1 for a whole-page span
	pages int64
}

func (b Block) pageIndex() int64 { return b.off / PageSize }

// page tracks one page's disposition: either entirely free (queued on
// Allocator.freePages), the head of a multi-page free span, or partitioned
// into slab segments of a single size class.
type page struct {
	index     int64
	spanPages int64 // >0 only on the first page of a free multi-page span
	class     int   // slab class this page is carved into, or -1
	nused     int
	free      []int // free segment indices, LIFO via append/truncate

	elem *list.Element // this page's node in whichever list currently holds it
}

// Allocator is one bounded quick-allocator heap: a budget, the region
// backing it, and the page/slab bookkeeping needed to hand out and reclaim
// pieces of it without fragmenting the budget over the life of a mount.
type Allocator struct {
	budget   int64
	used     int64
	pedantic bool

	data      *region
	totalPgs  int64
	committed int64 // highest page index ever committed, +1

	pages     map[int64]*page
	freePages *list.List   // free whole-page spans (page.spanPages > 0)
	slabPages [numSlabs]*list.List // pages with at least one free segment, per class
}

// New creates an allocator bounded to budget bytes. Pedantic, when true,
// trash-fills freed slab segments with TrashByte instead of leaving their
// contents untouched.
func New(budget int64, pedantic bool) (*Allocator, error) {
	if budget <= 0 {
		return nil, verrors.Wrapf(verrors.ErrInvalidArgument, "qalloc: non-positive budget %d", budget)
	}
	totalPgs := (budget + PageSize - 1) / PageSize
	data, err := newRegion("voluta-qalloc-data", totalPgs*PageSize)
	if err != nil {
		return nil, err
	}
	a := &Allocator{
		budget:    budget,
		pedantic:  pedantic,
		data:      data,
		totalPgs:  totalPgs,
		pages:     make(map[int64]*page),
		freePages: list.New(),
	}
	for i := range a.slabPages {
		a.slabPages[i] = list.New()
	}
	return a, nil
}

// Budget returns the allocator's fixed byte budget.
func (a *Allocator) Budget() int64 {
	return a.budget
}

// Used returns the number of bytes currently handed out, rounded up to
// slab/page granularity.
func (a *Allocator) Used() int64 {
	return a.used
}

// Alloc reserves n bytes and returns a handle to them. Returns
// verrors.ErrOutOfMemory when n exceeds MaxAlloc or the budget has no
// remaining whole pages and no size-class segment can satisfy the request.
func (a *Allocator) Alloc(n int) (Block, error) {
	if n <= 0 {
		return Block{}, verrors.Wrapf(verrors.ErrInvalidArgument, "qalloc: non-positive alloc size %d", n)
	}
	if n > MaxAlloc {
		return Block{}, verrors.Wrapf(verrors.ErrOutOfMemory, "qalloc: alloc %d exceeds max %d", n, MaxAlloc)
	}

	class := classFor(n)
	if class < 0 {
		return a.allocPages(n)
	}
	return a.allocSlab(class, n)
}

func (a *Allocator) allocSlab(class, n int) (Block, error) {
	pg := a.slabPageWithRoom(class)
	if pg == nil {
		var err error
		pg, err = a.takeFreePage(1)
		if err != nil {
			return Block{}, err
		}
		pg.class = class
		pg.free = pg.free[:0]
		segSize := slabSize(class)
		for seg := PageSize/segSize - 1; seg >= 0; seg-- {
			pg.free = append(pg.free, seg)
		}
		pg.elem = a.slabPages[class].PushFront(pg)
	}
	seg := pg.free[len(pg.free)-1]
	pg.free = pg.free[:len(pg.free)-1]
	pg.nused++
	if len(pg.free) == 0 {
		a.slabPages[class].Remove(pg.elem)
		pg.elem = nil
	}
	a.used += int64(slabSize(class))
	return Block{off: pg.index*PageSize + int64(seg*slabSize(class)), len: n, class: class}, nil
}

func (a *Allocator) slabPageWithRoom(class int) *page {
	el := a.slabPages[class].Front()
	if el == nil {
		return nil
	}
	return el.Value.(*page)
}

func (a *Allocator) allocPages(n int) (Block, error) {
	npages := (int64(n) + PageSize - 1) / PageSize
	pg, err := a.takeFreePage(npages)
	if err != nil {
		return Block{}, err
	}
	a.used += npages * PageSize
	return Block{off: pg.index * PageSize, len: n, class: -1, pages: npages}, nil
}

// takeFreePage satisfies an npages-page request from the free-span list,
// growing the committed region when nothing free is large enough.
func (a *Allocator) takeFreePage(npages int64) (*page, error) {
	for el := a.freePages.Front(); el != nil; el = el.Next() {
		pg := el.Value.(*page)
		if pg.spanPages < npages {
			continue
		}
		a.freePages.Remove(el)
		pg.elem = nil
		if pg.spanPages > npages {
			remIndex := pg.index + npages
			rem := a.pageFor(remIndex)
			rem.class = -1
			rem.nused = 0
			rem.free = nil
			rem.spanPages = pg.spanPages - npages
			rem.elem = a.freePages.PushBack(rem)
		}
		pg.spanPages = 0
		pg.class = -1
		pg.nused = 0
		if err := a.data.commit(pg.index*PageSize, npages*PageSize); err != nil {
			return nil, err
		}
		return pg, nil
	}
	return a.growCommitted(npages)
}

func (a *Allocator) pageFor(index int64) *page {
	pg, ok := a.pages[index]
	if !ok {
		pg = &page{index: index}
		a.pages[index] = pg
	}
	return pg
}

func (a *Allocator) growCommitted(npages int64) (*page, error) {
	if a.committed+npages > a.totalPgs {
		return nil, verrors.Wrapf(verrors.ErrOutOfMemory, "qalloc: budget %d exhausted", a.budget)
	}
	pg := a.pageFor(a.committed)
	if err := a.data.commit(a.committed*PageSize, npages*PageSize); err != nil {
		return nil, err
	}
	a.committed += npages
	return pg, nil
}

// Free releases a block previously returned by Alloc. Freeing a whole-page
// span punches a hole in the backing region; freeing a slab segment
// optionally trash-fills it first and, once its page has no segments left
// in use, returns the page to the whole-page free list.
func (a *Allocator) Free(b Block) error {
	if b.class < 0 {
		a.used -= b.pages * PageSize
		if err := a.data.punchHole(b.off, b.pages*PageSize); err != nil {
			return err
		}
		pg := a.pageFor(b.off / PageSize)
		pg.spanPages = b.pages
		pg.elem = a.freePages.PushBack(pg)
		return nil
	}

	segSize := slabSize(b.class)
	a.used -= int64(segSize)
	if a.pedantic {
		start := b.off
		for i := start; i < start+int64(segSize); i++ {
			a.data.mem[i] = TrashByte
		}
	}
	pg := a.pageFor(b.pageIndex())
	seg := int((b.off - pg.index*PageSize) / int64(segSize))
	wasFull := len(pg.free) == 0
	pg.free = append(pg.free, seg)
	pg.nused--
	if wasFull {
		pg.elem = a.slabPages[b.class].PushFront(pg)
	}
	if pg.nused == 0 {
		a.slabPages[b.class].Remove(pg.elem)
		pg.elem = nil
		pg.class = -1
		if err := a.data.punchHole(pg.index*PageSize, PageSize); err != nil {
			return err
		}
		pg.spanPages = 1
		pg.elem = a.freePages.PushBack(pg)
	}
	return nil
}

// Memref resolves a live block to its backing file descriptor, byte offset
// and length within it, plus the mapped slice itself — the zero-copy escape
// hatch callers that need raw bytes (rather than just a handle) use instead
// of a Read/Write pair.
func (a *Allocator) Memref(b Block) (fd int, offset int64, length int, mem []byte) {
	return a.data.fd, b.off, b.len, a.data.mem[b.off : b.off+int64(b.len)]
}

// Close releases the allocator's backing region. The allocator must not be
// used afterward.
func (a *Allocator) Close() error {
	return a.data.close()
}
