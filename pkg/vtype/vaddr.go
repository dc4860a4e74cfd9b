package vtype

/**
 * SPDX-License-Identifier: Apache-2.0
 * Copyright 2020 vorteil.io Pty Ltd
 */

import "encoding/binary"

// VaddrSize is the fixed on-disk width of an encoded Vaddr.
const VaddrSize = 2 + 8 + 8 + 8 + 8 + 4

// Vaddr is the logical persistent address of an object: (vtype, ag_index,
// lba, off, len). The null vaddr (zero value) never
// addresses a real object.
type Vaddr struct {
	VType   VType
	AgIndex int64
	Lba     int64
	Off     int64 // lba*B + kbn*K
	Len     int64 // persistent_size(vtype)
	Kbn     int   // cell offset within the block, [0, B/K)
}

// Null is the zero-value vaddr representing "no object".
var Null = Vaddr{}

// IsNull reports whether v is the null vaddr.
func (v Vaddr) IsNull() bool {
	return v == Null
}

// NewVaddr builds a vaddr and derives AgIndex/Off from lba/kbn, enforcing
// the invariant off = lba*B + kbn*K.
func NewVaddr(vt VType, agSize, lba int64, kbn int) Vaddr {
	return Vaddr{
		VType:   vt,
		AgIndex: lba / agSize,
		Lba:     lba,
		Off:     lba*B + int64(kbn)*K,
		Len:     int64(PersistentSize(vt)),
		Kbn:     kbn,
	}
}

// Valid reports whether v satisfies the vaddr invariants: either
// v is null, or vtype/len agree with the type table and off is derived from
// lba/kbn, and ag_index == lba/agSize.
func (v Vaddr) Valid(agSize int64) bool {
	if v.IsNull() {
		return true
	}
	if v.Len != int64(PersistentSize(v.VType)) {
		return false
	}
	if v.Off != v.Lba*B+int64(v.Kbn)*K {
		return false
	}
	if v.AgIndex != v.Lba/agSize {
		return false
	}
	return true
}

// EncodeVaddr writes v into buf, which must be at least VaddrSize bytes.
func EncodeVaddr(buf []byte, v Vaddr) {
	binary.LittleEndian.PutUint16(buf[0:2], uint16(v.VType))
	binary.LittleEndian.PutUint64(buf[2:10], uint64(v.AgIndex))
	binary.LittleEndian.PutUint64(buf[10:18], uint64(v.Lba))
	binary.LittleEndian.PutUint64(buf[18:26], uint64(v.Off))
	binary.LittleEndian.PutUint64(buf[26:34], uint64(v.Len))
	binary.LittleEndian.PutUint32(buf[34:38], uint32(v.Kbn))
}

// DecodeVaddr reads a Vaddr from buf, which must be at least VaddrSize bytes.
func DecodeVaddr(buf []byte) Vaddr {
	return Vaddr{
		VType:   VType(binary.LittleEndian.Uint16(buf[0:2])),
		AgIndex: int64(binary.LittleEndian.Uint64(buf[2:10])),
		Lba:     int64(binary.LittleEndian.Uint64(buf[10:18])),
		Off:     int64(binary.LittleEndian.Uint64(buf[18:26])),
		Len:     int64(binary.LittleEndian.Uint64(buf[26:34])),
		Kbn:     int(int32(binary.LittleEndian.Uint32(buf[34:38]))),
	}
}
