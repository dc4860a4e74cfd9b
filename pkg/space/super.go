package space

/**
 * SPDX-License-Identifier: Apache-2.0
 * Copyright 2020 vorteil.io Pty Ltd
 */

import (
	"encoding/binary"
	"time"

	"github.com/google/uuid"
	"github.com/voluta-fs/voluta/pkg/vcrypto"
	"github.com/voluta-fs/voluta/pkg/verrors"
	"github.com/voluta-fs/voluta/pkg/vtype"
)

// superBlockFixedSize is the width of SuperBlock's own fields ahead of the
// UspaceSlots array: uuid(16) + format_version(4) + birth_time(8) +
// volume_size(8) + nag(8) + nusp(4) + 2 vaddrs.
const superBlockFixedSize = 16 + 4 + 8 + 8 + 8 + 4 + 2*vtype.VaddrSize

// FormatVersion identifies the on-disk format this repo implements: the
// "voluta" generation chosen for this implementation, not the
// earlier "funex" generation (the two are not wire-compatible).
const FormatVersion = 2

// NUSPMax bounds the number of uspace-maps a volume can carry, matching
// the off = AG_size + (usp_index-1)*usmap_size layout formula. Chosen so
// that NUSPMax uspace-key slots (see superBlockFixedSize) still fit inside
// the super-block's own single block.
const NUSPMax = 256

// SuperBlock is the root persistent structure: UUID,
// format version, birth time, per-AG-slot keys/IVs for deriving each
// uspace-map's key, and the root handle of the inode table.
type SuperBlock struct {
	UUID          uuid.UUID
	FormatVersion uint32
	BirthTime     time.Time
	VolumeSize    int64
	NAG           int64 // total allocation groups in the volume

	// UspaceSlots[i] holds the (IV, key) pair used to decrypt uspace-map
	// i+1 ("uspace-map block -> super-block's per-AG-index
	// slot supplies key/IV").
	UspaceSlots []vcrypto.IVKeyPair

	RootITableVaddr vtype.Vaddr
	RootInoVaddr    vtype.Vaddr
}

// NewSuperBlock formats a fresh super-block for a volume of the given size
// with nusp uspace-map slots, each given a fresh random key/IV.
func NewSuperBlock(volumeSize int64, nag int64, nusp int) (*SuperBlock, error) {
	slots := make([]vcrypto.IVKeyPair, nusp)
	for i := range slots {
		iv, err := vcrypto.RandomIV()
		if err != nil {
			return nil, err
		}
		key, err := vcrypto.RandomKey()
		if err != nil {
			return nil, err
		}
		slots[i] = vcrypto.IVKeyPair{IV: iv, Key: key}
	}
	id, err := uuid.NewRandom()
	if err != nil {
		return nil, err
	}
	return &SuperBlock{
		UUID:          id,
		FormatVersion: FormatVersion,
		BirthTime:     time.Now(),
		VolumeSize:    volumeSize,
		NAG:           nag,
		UspaceSlots:   slots,
	}, nil
}

// UspaceKeyFor returns the (IV, key) used to decrypt uspace-map uspIndex
// (1-based), per the three-level key hierarchy.
func (sb *SuperBlock) UspaceKeyFor(uspIndex int) (vcrypto.IVKeyPair, bool) {
	if uspIndex < 1 || uspIndex > len(sb.UspaceSlots) {
		return vcrypto.IVKeyPair{}, false
	}
	return sb.UspaceSlots[uspIndex-1], true
}

// Encode serializes the super-block into a fresh vtype.B-sized, stamped
// and sealed view.
func (sb *SuperBlock) Encode() ([]byte, error) {
	view := make([]byte, vtype.B)
	if err := vtype.Stamp(view, vtype.VSuperBlock); err != nil {
		return nil, err
	}
	off := vtype.HeaderSize
	uuidBytes, err := sb.UUID.MarshalBinary()
	if err != nil {
		return nil, err
	}
	copy(view[off:off+16], uuidBytes)
	off += 16
	binary.LittleEndian.PutUint32(view[off:], sb.FormatVersion)
	off += 4
	binary.LittleEndian.PutUint64(view[off:], uint64(sb.BirthTime.UnixNano()))
	off += 8
	binary.LittleEndian.PutUint64(view[off:], uint64(sb.VolumeSize))
	off += 8
	binary.LittleEndian.PutUint64(view[off:], uint64(sb.NAG))
	off += 8
	binary.LittleEndian.PutUint32(view[off:], uint32(len(sb.UspaceSlots)))
	off += 4
	vtype.EncodeVaddr(view[off:off+vtype.VaddrSize], sb.RootITableVaddr)
	off += vtype.VaddrSize
	vtype.EncodeVaddr(view[off:off+vtype.VaddrSize], sb.RootInoVaddr)
	off += vtype.VaddrSize

	const slotSize = vcrypto.IVSize + vcrypto.KeySize
	need := off + len(sb.UspaceSlots)*slotSize
	if need > len(view) {
		return nil, verrors.Wrapf(verrors.ErrInvalidArgument, "super-block: %d uspace slots do not fit in one block", len(sb.UspaceSlots))
	}
	for _, slot := range sb.UspaceSlots {
		copy(view[off:off+vcrypto.IVSize], slot.IV[:])
		off += vcrypto.IVSize
		copy(view[off:off+vcrypto.KeySize], slot.Key[:])
		off += vcrypto.KeySize
	}
	if err := vtype.Seal(view); err != nil {
		return nil, err
	}
	return view, nil
}

// DecodeSuperBlock reconstructs a super-block from a view previously
// produced by Encode, verifying its header first.
func DecodeSuperBlock(view []byte) (*SuperBlock, error) {
	if err := vtype.Verify(view, vtype.VSuperBlock); err != nil {
		return nil, err
	}
	off := vtype.HeaderSize
	sb := &SuperBlock{}
	if err := sb.UUID.UnmarshalBinary(view[off : off+16]); err != nil {
		return nil, err
	}
	off += 16
	sb.FormatVersion = binary.LittleEndian.Uint32(view[off:])
	off += 4
	sb.BirthTime = time.Unix(0, int64(binary.LittleEndian.Uint64(view[off:])))
	off += 8
	sb.VolumeSize = int64(binary.LittleEndian.Uint64(view[off:]))
	off += 8
	sb.NAG = int64(binary.LittleEndian.Uint64(view[off:]))
	off += 8
	nusp := int(binary.LittleEndian.Uint32(view[off:]))
	off += 4
	sb.RootITableVaddr = vtype.DecodeVaddr(view[off : off+vtype.VaddrSize])
	off += vtype.VaddrSize
	sb.RootInoVaddr = vtype.DecodeVaddr(view[off : off+vtype.VaddrSize])
	off += vtype.VaddrSize

	const slotSize = vcrypto.IVSize + vcrypto.KeySize
	sb.UspaceSlots = make([]vcrypto.IVKeyPair, nusp)
	for i := range sb.UspaceSlots {
		copy(sb.UspaceSlots[i].IV[:], view[off:off+vcrypto.IVSize])
		off += vcrypto.IVSize
		copy(sb.UspaceSlots[i].Key[:], view[off:off+vcrypto.KeySize])
		off += vcrypto.KeySize
	}
	return sb, nil
}
