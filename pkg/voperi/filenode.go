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

// fileNodeFixedSize is the width of FileNode's own fields ahead of the
// variable-length block-vaddr array: next vaddr + nblocks.
const fileNodeFixedSize = vtype.VaddrSize + 4

// blocksPerFileNode bounds how many direct data-block vaddrs one FileNode
// carries, each covering dataPayloadSize bytes of file content — a flat run of
// direct pointers rather than a multi-level radix tree, adequate for the
// file sizes this filesystem targets.
const blocksPerFileNode = (vtype.B - vtype.HeaderSize - fileNodeFixedSize) / vtype.VaddrSize

// FileNode is one block of a regular file's persisted data-block chain: a
// run of direct VData vaddrs (the null vaddr marks a hole) plus the vaddr
// of the next node.
type FileNode struct {
	Next   vtype.Vaddr
	Blocks []vtype.Vaddr
}

// NewFileNode creates an empty, chain-terminating file node.
func NewFileNode() *FileNode {
	return &FileNode{}
}

// Encode serializes the node into a fresh VFileRadixNode-sized, stamped
// and sealed view.
func (n *FileNode) Encode() ([]byte, error) {
	view := make([]byte, vtype.PersistentSize(vtype.VFileRadixNode))
	if err := vtype.Stamp(view, vtype.VFileRadixNode); err != nil {
		return nil, err
	}
	off := vtype.HeaderSize
	vtype.EncodeVaddr(view[off:off+vtype.VaddrSize], n.Next)
	off += vtype.VaddrSize
	binary.LittleEndian.PutUint32(view[off:], uint32(len(n.Blocks)))
	off += 4
	if len(n.Blocks) > blocksPerFileNode {
		return nil, verrors.Wrapf(verrors.ErrInvalidArgument, "filenode: %d blocks exceed capacity %d", len(n.Blocks), blocksPerFileNode)
	}
	for _, b := range n.Blocks {
		vtype.EncodeVaddr(view[off:off+vtype.VaddrSize], b)
		off += vtype.VaddrSize
	}
	if err := vtype.Seal(view); err != nil {
		return nil, err
	}
	return view, nil
}

// DecodeFileNode reconstructs a file node from a view previously produced
// by Encode, verifying its header first.
func DecodeFileNode(view []byte) (*FileNode, error) {
	if err := vtype.Verify(view, vtype.VFileRadixNode); err != nil {
		return nil, err
	}
	off := vtype.HeaderSize
	n := &FileNode{}
	n.Next = vtype.DecodeVaddr(view[off : off+vtype.VaddrSize])
	off += vtype.VaddrSize
	nblocks := int(binary.LittleEndian.Uint32(view[off:]))
	off += 4
	n.Blocks = make([]vtype.Vaddr, nblocks)
	for i := range n.Blocks {
		n.Blocks[i] = vtype.DecodeVaddr(view[off : off+vtype.VaddrSize])
		off += vtype.VaddrSize
	}
	return n, nil
}
