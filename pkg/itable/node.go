package itable

/**
 * SPDX-License-Identifier: Apache-2.0
 * Copyright 2020 vorteil.io Pty Ltd
 */

import (
	"encoding/binary"

	"github.com/voluta-fs/voluta/pkg/verrors"
	"github.com/voluta-fs/voluta/pkg/vtype"
)

// Entry binds one ino to the vaddr of its inode.
type Entry struct {
	Ino   int64
	Vaddr vtype.Vaddr
}

// EntrySize is the fixed on-disk width of one Entry.
const EntrySize = 8 + vtype.VaddrSize

// Node is one block of the persisted inode-table chain: a run of
// ino→vaddr entries, a tail of reusable inos pushed by DiscardIno, and the
// vaddr of the next node (the null vaddr terminates the chain).
type Node struct {
	Next     vtype.Vaddr
	Entries  []Entry
	FreeList []int64
}

// nodeFixedSize is the width of Node's own fields ahead of the variable
// entries/free-list arrays: next vaddr + nentries + nfree.
const nodeFixedSize = vtype.VaddrSize + 4 + 4

// NewNode creates an empty, chain-terminating node.
func NewNode() *Node {
	return &Node{}
}

// Encode serializes the node into a fresh vtype.B-sized, stamped and
// sealed view.
func (n *Node) Encode() ([]byte, error) {
	view := make([]byte, vtype.B)
	if err := vtype.Stamp(view, vtype.VITableNode); err != nil {
		return nil, err
	}
	off := vtype.HeaderSize
	vtype.EncodeVaddr(view[off:off+vtype.VaddrSize], n.Next)
	off += vtype.VaddrSize
	binary.LittleEndian.PutUint32(view[off:], uint32(len(n.Entries)))
	off += 4
	binary.LittleEndian.PutUint32(view[off:], uint32(len(n.FreeList)))
	off += 4

	need := off + len(n.Entries)*EntrySize + len(n.FreeList)*8
	if need > len(view) {
		return nil, verrors.Wrapf(verrors.ErrInvalidArgument, "itable: node with %d entries and %d free inos does not fit in one block", len(n.Entries), len(n.FreeList))
	}
	for _, e := range n.Entries {
		binary.LittleEndian.PutUint64(view[off:], uint64(e.Ino))
		off += 8
		vtype.EncodeVaddr(view[off:off+vtype.VaddrSize], e.Vaddr)
		off += vtype.VaddrSize
	}
	for _, ino := range n.FreeList {
		binary.LittleEndian.PutUint64(view[off:], uint64(ino))
		off += 8
	}
	if err := vtype.Seal(view); err != nil {
		return nil, err
	}
	return view, nil
}

// DecodeNode reconstructs a node from a view previously produced by Encode,
// verifying its header first.
func DecodeNode(view []byte) (*Node, error) {
	if err := vtype.Verify(view, vtype.VITableNode); err != nil {
		return nil, err
	}
	off := vtype.HeaderSize
	n := &Node{}
	n.Next = vtype.DecodeVaddr(view[off : off+vtype.VaddrSize])
	off += vtype.VaddrSize
	nentries := int(binary.LittleEndian.Uint32(view[off:]))
	off += 4
	nfree := int(binary.LittleEndian.Uint32(view[off:]))
	off += 4

	n.Entries = make([]Entry, nentries)
	for i := range n.Entries {
		n.Entries[i].Ino = int64(binary.LittleEndian.Uint64(view[off:]))
		off += 8
		n.Entries[i].Vaddr = vtype.DecodeVaddr(view[off : off+vtype.VaddrSize])
		off += vtype.VaddrSize
	}
	n.FreeList = make([]int64, nfree)
	for i := range n.FreeList {
		n.FreeList[i] = int64(binary.LittleEndian.Uint64(view[off:]))
		off += 8
	}
	return n, nil
}

// CapacityFor returns how many more entries a node can hold given it
// already carries nfree free-list slots, bounding appends so Encode never
// overflows a block.
func CapacityFor(nfree int) int {
	avail := vtype.B - vtype.HeaderSize - nodeFixedSize - nfree*8
	if avail <= 0 {
		return 0
	}
	return avail / EntrySize
}
