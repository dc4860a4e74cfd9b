package voperi

/**
 * SPDX-License-Identifier: Apache-2.0
 * Copyright 2020 vorteil.io Pty Ltd
 */

import (
	"encoding/binary"

	"github.com/voluta-fs/voluta/pkg/verrors"
	"github.com/voluta-fs/voluta/pkg/vtype"
)

// MaxNameLen bounds one directory entry's name, matching the common POSIX
// NAME_MAX.
const MaxNameLen = 255

// DirEntry binds one child name to its ino within a directory.
type DirEntry struct {
	Ino  int64
	Name string
}

// dirNodeFixedSize is the width of DirNode's own fields ahead of the
// variable-length entries: next vaddr + nentries.
const dirNodeFixedSize = vtype.VaddrSize + 4

// DirNode is one block of a directory's persisted entry chain: a run of
// name->ino bindings plus the vaddr of the next node (the null vaddr
// terminates the chain). Entries are scanned linearly rather than hashed —
// a minimal but real stand-in for a true hash tree, adequate at the scale
// this filesystem targets.
type DirNode struct {
	Next    vtype.Vaddr
	Entries []DirEntry
}

// NewDirNode creates an empty, chain-terminating directory node.
func NewDirNode() *DirNode {
	return &DirNode{}
}

// Encode serializes the node into a fresh VDirHTreeNode-sized, stamped and
// sealed view.
func (n *DirNode) Encode() ([]byte, error) {
	view := make([]byte, vtype.PersistentSize(vtype.VDirHTreeNode))
	if err := vtype.Stamp(view, vtype.VDirHTreeNode); err != nil {
		return nil, err
	}
	off := vtype.HeaderSize
	vtype.EncodeVaddr(view[off:off+vtype.VaddrSize], n.Next)
	off += vtype.VaddrSize
	binary.LittleEndian.PutUint32(view[off:], uint32(len(n.Entries)))
	off += 4
	for _, e := range n.Entries {
		if len(e.Name) > MaxNameLen {
			return nil, verrors.Wrapf(verrors.ErrInvalidArgument, "dirnode: name %q exceeds %d bytes", e.Name, MaxNameLen)
		}
		need := off + 8 + 2 + len(e.Name)
		if need > len(view) {
			return nil, verrors.Wrapf(verrors.ErrInvalidArgument, "dirnode: %d entries do not fit in one block", len(n.Entries))
		}
		binary.LittleEndian.PutUint64(view[off:], uint64(e.Ino))
		off += 8
		binary.LittleEndian.PutUint16(view[off:], uint16(len(e.Name)))
		off += 2
		copy(view[off:off+len(e.Name)], e.Name)
		off += len(e.Name)
	}
	if err := vtype.Seal(view); err != nil {
		return nil, err
	}
	return view, nil
}

// DecodeDirNode reconstructs a directory node from a view previously
// produced by Encode, verifying its header first.
func DecodeDirNode(view []byte) (*DirNode, error) {
	if err := vtype.Verify(view, vtype.VDirHTreeNode); err != nil {
		return nil, err
	}
	off := vtype.HeaderSize
	n := &DirNode{}
	n.Next = vtype.DecodeVaddr(view[off : off+vtype.VaddrSize])
	off += vtype.VaddrSize
	nentries := int(binary.LittleEndian.Uint32(view[off:]))
	off += 4
	n.Entries = make([]DirEntry, nentries)
	for i := range n.Entries {
		ino := int64(binary.LittleEndian.Uint64(view[off:]))
		off += 8
		nameLen := int(binary.LittleEndian.Uint16(view[off:]))
		off += 2
		name := string(view[off : off+nameLen])
		off += nameLen
		n.Entries[i] = DirEntry{Ino: ino, Name: name}
	}
	return n, nil
}

// roomFor reports whether one more entry with the given name would still
// fit in an encode of n, without actually encoding it.
func (n *DirNode) roomFor(name string) bool {
	used := dirNodeFixedSize
	for _, e := range n.Entries {
		used += 8 + 2 + len(e.Name)
	}
	return used+8+2+len(name) <= vtype.B-vtype.HeaderSize
}
