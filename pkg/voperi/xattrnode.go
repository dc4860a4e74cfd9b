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

// MaxXattrNameLen and MaxXattrValueLen bound one extended-attribute entry,
// matching common POSIX xattr limits closely enough for this domain.
const (
	MaxXattrNameLen  = 255
	MaxXattrValueLen = 4096
)

// xattrNodeFixedSize is the width of XattrNode's own fields ahead of the
// variable-length entries: next vaddr + nentries.
const xattrNodeFixedSize = vtype.VaddrSize + 4

// XattrEntry binds one extended-attribute name to its value.
type XattrEntry struct {
	Name  string
	Value []byte
}

// XattrNode is one block of an inode's persisted extended-attribute
// chain. Small attribute sets fit in a single node reachable directly from
// the inode's Xattr vaddr; a set that outgrows one block spills onto
// Next, the same chain-of-blocks shape pkg/itable and the directory/file
// chains above all share.
type XattrNode struct {
	Next    vtype.Vaddr
	Entries []XattrEntry
}

// NewXattrNode creates an empty, chain-terminating xattr node.
func NewXattrNode() *XattrNode {
	return &XattrNode{}
}

// Encode serializes the node into a fresh VXattrNode-sized, stamped and
// sealed view.
func (n *XattrNode) Encode() ([]byte, error) {
	view := make([]byte, vtype.PersistentSize(vtype.VXattrNode))
	if err := vtype.Stamp(view, vtype.VXattrNode); err != nil {
		return nil, err
	}
	off := vtype.HeaderSize
	vtype.EncodeVaddr(view[off:off+vtype.VaddrSize], n.Next)
	off += vtype.VaddrSize
	binary.LittleEndian.PutUint32(view[off:], uint32(len(n.Entries)))
	off += 4
	for _, e := range n.Entries {
		if len(e.Name) > MaxXattrNameLen || len(e.Value) > MaxXattrValueLen {
			return nil, verrors.Wrapf(verrors.ErrInvalidArgument, "xattrnode: entry %q out of bounds", e.Name)
		}
		need := off + 2 + len(e.Name) + 4 + len(e.Value)
		if need > len(view) {
			return nil, verrors.Wrapf(verrors.ErrInvalidArgument, "xattrnode: %d entries do not fit in one block", len(n.Entries))
		}
		binary.LittleEndian.PutUint16(view[off:], uint16(len(e.Name)))
		off += 2
		copy(view[off:off+len(e.Name)], e.Name)
		off += len(e.Name)
		binary.LittleEndian.PutUint32(view[off:], uint32(len(e.Value)))
		off += 4
		copy(view[off:off+len(e.Value)], e.Value)
		off += len(e.Value)
	}
	if err := vtype.Seal(view); err != nil {
		return nil, err
	}
	return view, nil
}

// DecodeXattrNode reconstructs an xattr node from a view previously
// produced by Encode, verifying its header first.
func DecodeXattrNode(view []byte) (*XattrNode, error) {
	if err := vtype.Verify(view, vtype.VXattrNode); err != nil {
		return nil, err
	}
	off := vtype.HeaderSize
	n := &XattrNode{}
	n.Next = vtype.DecodeVaddr(view[off : off+vtype.VaddrSize])
	off += vtype.VaddrSize
	nentries := int(binary.LittleEndian.Uint32(view[off:]))
	off += 4
	n.Entries = make([]XattrEntry, nentries)
	for i := range n.Entries {
		nameLen := int(binary.LittleEndian.Uint16(view[off:]))
		off += 2
		name := string(view[off : off+nameLen])
		off += nameLen
		valLen := int(binary.LittleEndian.Uint32(view[off:]))
		off += 4
		value := append([]byte(nil), view[off:off+valLen]...)
		off += valLen
		n.Entries[i] = XattrEntry{Name: name, Value: value}
	}
	return n, nil
}

func (n *XattrNode) roomFor(name string, value []byte) bool {
	used := xattrNodeFixedSize
	for _, e := range n.Entries {
		used += 2 + len(e.Name) + 4 + len(e.Value)
	}
	return used+2+len(name)+4+len(value) <= vtype.B-vtype.HeaderSize
}
