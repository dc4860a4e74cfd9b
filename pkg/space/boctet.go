// Package space implements the space engine: the
// super-block, uspace-map and agroup-map structures and the two-level
// kilobyte-cell bitmap allocator built on top of them. Grounded on the
// teacher's pkg/ext4 (superblock + block-group descriptor + bitmap split)
// and pkg/xfs (AG-local free-space records), which is the same two-level
// shape the allocator asks for.
package space

/**
 * SPDX-License-Identifier: Apache-2.0
 * Copyright 2020 vorteil.io Pty Ltd
 */

import (
	"math/bits"

	"github.com/voluta-fs/voluta/pkg/vtype"
)

// CellsPerBO is the number of kilobyte-cells tracked by one boctet
// (block-octet).
const CellsPerBO = vtype.CellsPerBO

// BOPerBlock is the number of block-octets inside one block.
const BOPerBlock = vtype.BOPerBlock

// Boctet describes the allocation state of one block-octet: an 8-bit
// usemask, a vtype tag, the unwritten flag and a reference count
// one per eight cells of a block.
type Boctet struct {
	Usemask   uint8
	VType     vtype.VType
	Unwritten bool
	Refcnt    uint16
}

// popcount returns the number of cells currently in use.
func (b Boctet) popcount() int {
	return bits.OnesCount8(b.Usemask)
}

// fit searches for a contiguous run of nkb bits starting on an
// nkb-aligned position within the boctet, whose current occupant vtype is
// either VNone or equal to vt ("to pack same-typed
// objects"). Returns the starting bit position and true on success.
func (b Boctet) fit(nkb int, vt vtype.VType) (int, bool) {
	if nkb <= 0 || nkb > CellsPerBO {
		return 0, false
	}
	if b.Usemask != 0 && b.VType != vt {
		return 0, false
	}
	for start := 0; start+nkb <= CellsPerBO; start += nkb {
		mask := uint8(((1 << uint(nkb)) - 1) << uint(start))
		if b.Usemask&mask == 0 {
			return start, true
		}
	}
	return 0, false
}

// mark sets nkb bits starting at start, tagging the boctet with vt and
// (for data) the unwritten bit.
func (b *Boctet) mark(start, nkb int, vt vtype.VType, unwritten bool) {
	mask := uint8(((1 << uint(nkb)) - 1) << uint(start))
	b.Usemask |= mask
	b.VType = vt
	if unwritten {
		b.Unwritten = true
	}
	b.Refcnt++
}

// clear unsets nkb bits starting at start.
func (b *Boctet) clear(start, nkb int) {
	mask := uint8(((1 << uint(nkb)) - 1) << uint(start))
	b.Usemask &^= mask
	if b.Usemask == 0 {
		b.VType = vtype.VNone
		b.Unwritten = false
	}
	if b.Refcnt > 0 {
		b.Refcnt--
	}
}

// empty reports whether no cell of the boctet is in use.
func (b Boctet) empty() bool {
	return b.Usemask == 0
}

// BoctetSize is the compact on-disk width of one boctet: one byte of
// usemask plus one byte packing the vtype tag (low nibble) and the
// unwritten flag (bit 4). Refcnt is not persisted — it is always
// recomputed from the usemask's popcount at reload.
const BoctetSize = 2

// Encode writes b's compact on-disk form into buf (at least BoctetSize
// bytes).
func (b Boctet) Encode(buf []byte) {
	buf[0] = b.Usemask
	tag := uint8(b.VType) & 0x0f
	if b.Unwritten {
		tag |= 0x10
	}
	buf[1] = tag
}

// DecodeBoctet reads a Boctet from its compact on-disk form.
func DecodeBoctet(buf []byte) Boctet {
	b := Boctet{
		Usemask:   buf[0],
		VType:     vtype.VType(buf[1] & 0x0f),
		Unwritten: buf[1]&0x10 != 0,
	}
	b.Refcnt = uint16(b.popcount())
	return b
}
