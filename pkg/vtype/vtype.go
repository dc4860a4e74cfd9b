// Package vtype implements the object-framing layer: the
// closed enum of persistent object classes, the type table mapping each
// class to its on-disk size, and the header stamp/seal/verify trio every
// persistent view carries. Struct layout follows a fixed-width,
// little-endian convention with a magic number first.
package vtype

/**
 * SPDX-License-Identifier: Apache-2.0
 * Copyright 2020 vorteil.io Pty Ltd
 */

import (
	"encoding/binary"
	"hash/crc32"

	"github.com/voluta-fs/voluta/pkg/verrors"
)

// Magic identifies every persistent header written by this format version.
const Magic uint32 = 0x564f4c54 // "VOLT"

// VType is the closed enum of persistent object classes.
type VType uint16

const (
	VNone VType = iota
	VSuperBlock
	VUspaceMap
	VAgroupMap
	VInode
	VDirHTreeNode
	VFileRadixNode
	VXattrNode
	VSymlinkTail
	VData
	VITableNode

	vtypeCount
)

func (v VType) String() string {
	if int(v) < len(vtypeNames) {
		return vtypeNames[v]
	}
	return "unknown"
}

var vtypeNames = [vtypeCount]string{
	VNone:          "none",
	VSuperBlock:    "super-block",
	VUspaceMap:     "uspace-map",
	VAgroupMap:     "agroup-map",
	VInode:         "inode",
	VDirHTreeNode:  "dir-htree-node",
	VFileRadixNode: "file-radix-node",
	VXattrNode:     "xattr-node",
	VSymlinkTail:   "symlink-tail",
	VData:          "data",
	VITableNode:    "itable-node",
}

// Geometry constants. K is the kilobyte-cell; B is the block.
const (
	K           = 1024
	CellsPerBO  = 8
	BOPerBlock  = 2
	CellsPerBlk = CellsPerBO * BOPerBlock // 16 cells of 1 KiB == 16 KiB blocks
	B           = CellsPerBlk * K
)

// HeaderSize is the fixed 16-byte header every persistent view begins with:
// magic(4) + size(4) + vtype(2) + flags(2) + checksum(4).
const HeaderSize = 16

// persistentSizes is the type table: a const array indexed by VType giving
// the fixed on-disk size of each class, chosen so whole-block types
// ("dynamic dispatch by type tag... is a tagged-sum over a closed enum").
var persistentSizes = [vtypeCount]int{
	VNone:          0,
	VSuperBlock:    B,
	VUspaceMap:     B,
	VAgroupMap:     B,
	VInode:         512,
	VDirHTreeNode:  B,
	VFileRadixNode: B,
	VXattrNode:     B,
	VSymlinkTail:   B,
	VData:          B,
	VITableNode:    B,
}

// PersistentSize returns the fixed on-disk size of vt, or 0 for an unknown
// or VNone type.
func PersistentSize(vt VType) int {
	if vt < 0 || int(vt) >= len(persistentSizes) {
		return 0
	}
	return persistentSizes[vt]
}

// CellsFor returns ceil(persistent_size(vt) / K), the number of kilobyte
// cells a fresh allocation of vt requires.
func CellsFor(vt VType) int {
	sz := PersistentSize(vt)
	return (sz + K - 1) / K
}

// Header is the 16-byte preamble of every persistent view.
type Header struct {
	Magic    uint32
	Size     uint32
	VType    VType
	Flags    uint16
	Checksum uint32
}

// Flag bits stored in Header.Flags.
const (
	FlagUnwritten uint16 = 1 << iota
)

func decodeHeader(view []byte) Header {
	return Header{
		Magic:    binary.LittleEndian.Uint32(view[0:4]),
		Size:     binary.LittleEndian.Uint32(view[4:8]),
		VType:    VType(binary.LittleEndian.Uint16(view[8:10])),
		Flags:    binary.LittleEndian.Uint16(view[10:12]),
		Checksum: binary.LittleEndian.Uint32(view[12:16]),
	}
}

func (h Header) encodeInto(view []byte) {
	binary.LittleEndian.PutUint32(view[0:4], h.Magic)
	binary.LittleEndian.PutUint32(view[4:8], h.Size)
	binary.LittleEndian.PutUint16(view[8:10], uint16(h.VType))
	binary.LittleEndian.PutUint16(view[10:12], h.Flags)
	binary.LittleEndian.PutUint32(view[12:16], h.Checksum)
}

// Stamp zeroes view and writes magic/size/vtype, clearing the checksum
// view must be exactly PersistentSize(vt) bytes.
func Stamp(view []byte, vt VType) error {
	sz := PersistentSize(vt)
	if sz == 0 || len(view) != sz {
		return verrors.Wrapf(verrors.ErrInvalidArgument, "stamp: vtype %s size mismatch (have %d want %d)", vt, len(view), sz)
	}
	for i := range view {
		view[i] = 0
	}
	h := Header{Magic: Magic, Size: uint32(sz), VType: vt}
	h.encodeInto(view)
	return nil
}

// Seal computes the CRC32 of the payload (everything after the header) and
// stores it in the checksum field. Data segments are never
// sealed — they are authenticated by GCM at the block layer instead.
func Seal(view []byte) error {
	if len(view) < HeaderSize {
		return verrors.Wrapf(verrors.ErrCorrupted, "seal: view too small (%d bytes)", len(view))
	}
	h := decodeHeader(view)
	if h.VType == VData {
		return nil
	}
	h.Checksum = crc32.ChecksumIEEE(view[HeaderSize:])
	h.encodeInto(view)
	return nil
}

// Verify rejects a view whose header disagrees with the type table for vt,
// and — for non-data views — recomputes the checksum and compares it.
// A mismatch of any kind maps to verrors.ErrCorrupted: "filesystem
// corrupted" never gets auto-repaired in-flight.
func Verify(view []byte, vt VType) error {
	if len(view) < HeaderSize {
		return verrors.Wrapf(verrors.ErrCorrupted, "verify: view too small (%d bytes)", len(view))
	}
	h := decodeHeader(view)
	wantSize := PersistentSize(vt)
	if h.Magic != Magic {
		return verrors.Wrapf(verrors.ErrCorrupted, "verify: bad magic 0x%x", h.Magic)
	}
	if h.VType != vt {
		return verrors.Wrapf(verrors.ErrCorrupted, "verify: vtype mismatch (have %s want %s)", h.VType, vt)
	}
	if int(h.Size) != wantSize || len(view) != wantSize {
		return verrors.Wrapf(verrors.ErrCorrupted, "verify: size mismatch (have %d want %d)", h.Size, wantSize)
	}
	if vt == VData {
		return nil
	}
	sum := crc32.ChecksumIEEE(view[HeaderSize:])
	if sum != h.Checksum {
		return verrors.Wrapf(verrors.ErrCorrupted, "verify: checksum mismatch (have 0x%x want 0x%x)", sum, h.Checksum)
	}
	return nil
}

// HeaderOf decodes and returns the header of view without validating it.
func HeaderOf(view []byte) Header {
	return decodeHeader(view)
}

// SetUnwritten marks or clears the unwritten flag in view's header.
func SetUnwritten(view []byte, unwritten bool) {
	h := decodeHeader(view)
	if unwritten {
		h.Flags |= FlagUnwritten
	} else {
		h.Flags &^= FlagUnwritten
	}
	h.encodeInto(view)
}

// IsUnwritten reports whether view's header carries the unwritten flag.
func IsUnwritten(view []byte) bool {
	return decodeHeader(view).Flags&FlagUnwritten != 0
}
