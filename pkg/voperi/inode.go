// Package voperi implements the POSIX operation layer: namei, attribute,
// directory, file, xattr and symlink operations realized as a thin user of
// pkg/dispatch — every operation stages the vnodes it needs, mutates them
// in place and marks them dirty, never blocking mid-mutation. Grounded on
// pkg/itable's node-chain shape (the directory, file-data and xattr chains
// below all reuse that "fixed-width block, variable-length payload, null
// vaddr terminates" pattern) and on pkg/space's "pure logic over
// already-staged structures" layering, pushed one level further: voperi is
// what pkg/dispatch assumed some POSIX-facing caller would do with its
// seven primitives.
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

// symlinkInlineCap is the inline-symlink-target threshold: targets up to
// this many bytes live directly in the inode; longer ones spill to a
// dedicated VSymlinkTail object. Chosen as whatever remains of the inode's
// 512-byte budget once every fixed field and the three chain-head vaddrs
// are accounted for — comfortably past any symlink this filesystem is
// likely to carry, without reserving a whole extra block for the common
// case.
const symlinkInlineCap = 328

const inodeFixedSize = 4 + 4 + 4 + 4 + 8 + 8 + 8 + 8 + 4 + 3*vtype.VaddrSize + 2

// Inode is the decoded persistent inode: ownership and timestamps, the
// head vaddr of the object's data chain (a file's FileNode chain or a
// directory's DirNode chain; null for symlinks and device nodes), the
// head vaddr of its xattr chain, and either an inline or node-backed
// symlink target.
type Inode struct {
	Mode  uint32
	Nlink uint32
	UID   uint32
	GID   uint32
	Size  int64
	Mtime int64
	Ctime int64
	Atime int64
	Rdev  uint32

	Data    vtype.Vaddr
	Xattr   vtype.Vaddr
	Symlink vtype.Vaddr

	SymlinkInline []byte
}

// Encode serializes inode into a fresh VInode-sized, stamped and sealed
// view.
func (in *Inode) Encode() ([]byte, error) {
	view := make([]byte, vtype.PersistentSize(vtype.VInode))
	if err := vtype.Stamp(view, vtype.VInode); err != nil {
		return nil, err
	}
	off := vtype.HeaderSize
	binary.LittleEndian.PutUint32(view[off:], in.Mode)
	off += 4
	binary.LittleEndian.PutUint32(view[off:], in.Nlink)
	off += 4
	binary.LittleEndian.PutUint32(view[off:], in.UID)
	off += 4
	binary.LittleEndian.PutUint32(view[off:], in.GID)
	off += 4
	binary.LittleEndian.PutUint64(view[off:], uint64(in.Size))
	off += 8
	binary.LittleEndian.PutUint64(view[off:], uint64(in.Mtime))
	off += 8
	binary.LittleEndian.PutUint64(view[off:], uint64(in.Ctime))
	off += 8
	binary.LittleEndian.PutUint64(view[off:], uint64(in.Atime))
	off += 8
	binary.LittleEndian.PutUint32(view[off:], in.Rdev)
	off += 4
	vtype.EncodeVaddr(view[off:off+vtype.VaddrSize], in.Data)
	off += vtype.VaddrSize
	vtype.EncodeVaddr(view[off:off+vtype.VaddrSize], in.Xattr)
	off += vtype.VaddrSize
	vtype.EncodeVaddr(view[off:off+vtype.VaddrSize], in.Symlink)
	off += vtype.VaddrSize
	if len(in.SymlinkInline) > symlinkInlineCap {
		return nil, verrors.Wrapf(verrors.ErrInvalidArgument, "inode: inline symlink target of %d bytes exceeds cap %d", len(in.SymlinkInline), symlinkInlineCap)
	}
	binary.LittleEndian.PutUint16(view[off:], uint16(len(in.SymlinkInline)))
	off += 2
	copy(view[off:off+len(in.SymlinkInline)], in.SymlinkInline)
	if err := vtype.Seal(view); err != nil {
		return nil, err
	}
	return view, nil
}

// DecodeInode reconstructs an inode from a view previously produced by
// Encode, verifying its header first.
func DecodeInode(view []byte) (*Inode, error) {
	if err := vtype.Verify(view, vtype.VInode); err != nil {
		return nil, err
	}
	off := vtype.HeaderSize
	in := &Inode{}
	in.Mode = binary.LittleEndian.Uint32(view[off:])
	off += 4
	in.Nlink = binary.LittleEndian.Uint32(view[off:])
	off += 4
	in.UID = binary.LittleEndian.Uint32(view[off:])
	off += 4
	in.GID = binary.LittleEndian.Uint32(view[off:])
	off += 4
	in.Size = int64(binary.LittleEndian.Uint64(view[off:]))
	off += 8
	in.Mtime = int64(binary.LittleEndian.Uint64(view[off:]))
	off += 8
	in.Ctime = int64(binary.LittleEndian.Uint64(view[off:]))
	off += 8
	in.Atime = int64(binary.LittleEndian.Uint64(view[off:]))
	off += 8
	in.Rdev = binary.LittleEndian.Uint32(view[off:])
	off += 4
	in.Data = vtype.DecodeVaddr(view[off : off+vtype.VaddrSize])
	off += vtype.VaddrSize
	in.Xattr = vtype.DecodeVaddr(view[off : off+vtype.VaddrSize])
	off += vtype.VaddrSize
	in.Symlink = vtype.DecodeVaddr(view[off : off+vtype.VaddrSize])
	off += vtype.VaddrSize
	n := int(binary.LittleEndian.Uint16(view[off:]))
	off += 2
	in.SymlinkInline = append([]byte(nil), view[off:off+n]...)
	return in, nil
}
