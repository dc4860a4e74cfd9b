// Package itable implements the inode table: a persistent radix-like
// ino→vaddr map chained across fixed-width blocks, a reusable free-list of
// inos threaded through those same blocks, and the apex counter and root-ino
// pin a mount needs. Grounded on pkg/space's pattern of pure allocation
// logic over already-staged structures — itable.Table holds no reference to
// the cache or crypto-store; pkg/dispatch is responsible for staging
// ITableNode blocks and calling Reload/Nodes to persist them.
package itable

/**
 * SPDX-License-Identifier: Apache-2.0
 * Copyright 2020 vorteil.io Pty Ltd
 */

import (
	"github.com/voluta-fs/voluta/pkg/verrors"
	"github.com/voluta-fs/voluta/pkg/vtype"
)

// Table is the in-memory inode-table aggregate. It owns the full ino→vaddr
// index plus the apex counter and free-list; Nodes/Reload convert to and
// from the persisted ITableNode chain.
type Table struct {
	RootVaddr vtype.Vaddr // vaddr of the first ITableNode in the chain
	RootIno   int64       // pinned root-directory ino, 0 until bound

	apex     int64
	freeList []int64
	entries  map[int64]vtype.Vaddr
}

// New creates an empty inode table. The apex counter starts at 1: ino 0 is
// never issued, matching the convention that a null ino addresses nothing.
func New() *Table {
	return &Table{
		apex:    1,
		entries: make(map[int64]vtype.Vaddr),
	}
}

// AcquireIno returns the next available ino, preferring a reused one from
// the free-list over advancing the apex counter.
func (t *Table) AcquireIno() int64 {
	if n := len(t.freeList); n > 0 {
		ino := t.freeList[n-1]
		t.freeList = t.freeList[:n-1]
		return ino
	}
	ino := t.apex
	t.apex++
	return ino
}

// BindIno records the vaddr of the inode newly occupying ino, completing an
// AcquireIno call.
func (t *Table) BindIno(ino int64, vaddr vtype.Vaddr) {
	t.entries[ino] = vaddr
}

// ResolveIno walks the table for ino, failing with verrors.ErrNotFound if
// unbound.
func (t *Table) ResolveIno(ino int64) (vtype.Vaddr, error) {
	vaddr, ok := t.entries[ino]
	if !ok {
		return vtype.Vaddr{}, verrors.Wrapf(verrors.ErrNotFound, "itable: ino %d not bound", ino)
	}
	return vaddr, nil
}

// DiscardIno removes ino from the table and pushes it onto the free-list for
// reuse by a later AcquireIno.
func (t *Table) DiscardIno(ino int64) error {
	if _, ok := t.entries[ino]; !ok {
		return verrors.Wrapf(verrors.ErrNotFound, "itable: ino %d not bound", ino)
	}
	delete(t.entries, ino)
	t.freeList = append(t.freeList, ino)
	return nil
}

// BindRootIno pins the root-directory ino, which acquire_ino/discard_ino
// never touch.
func (t *Table) BindRootIno(ino int64) {
	t.RootIno = ino
}

// Ninodes returns the number of currently-bound inos.
func (t *Table) Ninodes() int64 {
	return int64(len(t.entries))
}

// Entries returns a snapshot copy of the ino->vaddr index, for callers
// that need to walk every bound inode (fsck).
func (t *Table) Entries() map[int64]vtype.Vaddr {
	out := make(map[int64]vtype.Vaddr, len(t.entries))
	for ino, vaddr := range t.entries {
		out[ino] = vaddr
	}
	return out
}

// Reload replaces the table's in-memory index with the contents of a
// persisted node chain, walked head-to-tail by the caller (pkg/dispatch,
// which alone can stage each node's vaddr through the cache and
// crypto-store) and handed in root-to-tail order. The apex counter is
// restored to one past the highest ino seen across every node, and each
// node's own free-list entries are concatenated in chain order.
func (t *Table) Reload(rootVaddr vtype.Vaddr, rootIno int64, nodes []*Node) {
	t.RootVaddr = rootVaddr
	t.RootIno = rootIno
	t.entries = make(map[int64]vtype.Vaddr)
	t.freeList = nil
	var maxIno int64
	for _, n := range nodes {
		for _, e := range n.Entries {
			if e.Ino == 0 {
				continue
			}
			t.entries[e.Ino] = e.Vaddr
			if e.Ino > maxIno {
				maxIno = e.Ino
			}
		}
		t.freeList = append(t.freeList, n.FreeList...)
	}
	t.apex = maxIno + 1
}
