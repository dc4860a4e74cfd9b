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

// MaxSymlinkTarget bounds a symlink target that spills out of the inode's
// inline field into its own VSymlinkTail object: whatever fits in one
// block alongside the length prefix, far past any realistic path length.
const MaxSymlinkTarget = vtype.B - vtype.HeaderSize - 4

// SymlinkTail is the overflow object for a symlink target too long to fit
// inline in its inode.
type SymlinkTail struct {
	Target string
}

// Encode serializes the tail into a fresh VSymlinkTail-sized, stamped and
// sealed view.
func (t *SymlinkTail) Encode() ([]byte, error) {
	view := make([]byte, vtype.PersistentSize(vtype.VSymlinkTail))
	if err := vtype.Stamp(view, vtype.VSymlinkTail); err != nil {
		return nil, err
	}
	if len(t.Target) > MaxSymlinkTarget {
		return nil, verrors.Wrapf(verrors.ErrInvalidArgument, "symlink-tail: target of %d bytes exceeds cap %d", len(t.Target), MaxSymlinkTarget)
	}
	off := vtype.HeaderSize
	binary.LittleEndian.PutUint32(view[off:], uint32(len(t.Target)))
	off += 4
	copy(view[off:off+len(t.Target)], t.Target)
	if err := vtype.Seal(view); err != nil {
		return nil, err
	}
	return view, nil
}

// DecodeSymlinkTail reconstructs a symlink tail from a view previously
// produced by Encode, verifying its header first.
func DecodeSymlinkTail(view []byte) (*SymlinkTail, error) {
	if err := vtype.Verify(view, vtype.VSymlinkTail); err != nil {
		return nil, err
	}
	off := vtype.HeaderSize
	n := int(binary.LittleEndian.Uint32(view[off:]))
	off += 4
	return &SymlinkTail{Target: string(view[off : off+n])}, nil
}
