package space

/**
 * SPDX-License-Identifier: Apache-2.0
 * Copyright 2020 vorteil.io Pty Ltd
 */

import (
	"encoding/binary"

	"github.com/voluta-fs/voluta/pkg/vcrypto"
	"github.com/voluta-fs/voluta/pkg/verrors"
	"github.com/voluta-fs/voluta/pkg/vtype"
)

// BkrefSize is the fixed on-disk width of one bkref: IV + key + one
// compactly-encoded boctet per BO.
const BkrefSize = vcrypto.IVSize + vcrypto.KeySize + BOPerBlock*BoctetSize

// BlocksPerAG is N_ag: the number of blocks in one allocation group,
// including the AG's own agroup-map block at relative index 0
// ("each AG reserves its first block for the agroup-map"). Sized so that
// BlocksPerAG-1 compactly-encoded bkrefs (see Encode) fit inside the
// agroup-map's own single block.
const BlocksPerAG = 256

// Bkref carries the (IV, key) for one block plus one boctet per BO
// describing its cell-grained occupancy.
type Bkref struct {
	IV      vcrypto.IV
	Key     vcrypto.Key
	Boctets [BOPerBlock]Boctet
}

func (bk Bkref) nkbUsed() int {
	n := 0
	for _, bo := range bk.Boctets {
		n += bo.popcount()
	}
	return n
}

func (bk Bkref) empty() bool {
	for _, bo := range bk.Boctets {
		if !bo.empty() {
			return false
		}
	}
	return true
}

// AgroupMap is the in-AG metadata block recording per-block IVs, keys and
// per-cell occupancy.
type AgroupMap struct {
	AgIndex       int64
	NkbUsed       int64
	NFiles        int64
	Formatted     bool
	SearchHintBlk int // append-favouring scan start for whole-block requests; persisted, monotonic

	// Bkrefs[0] corresponds to the AG's second block (relative lba 1):
	// the agroup-map itself occupies relative lba 0 and carries no
	// bkref of its own.
	Bkrefs []Bkref
}

// NewAgroupMap creates an empty, formatted agroup-map for AG agIndex.
func NewAgroupMap(agIndex int64) *AgroupMap {
	return &AgroupMap{
		AgIndex:   agIndex,
		Formatted: true,
		Bkrefs:    make([]Bkref, BlocksPerAG-1),
	}
}

// usedMeta/usedData split matches the uspace-map's agrecord fields;
// AgroupMap itself only tracks the aggregate nkb_used (the split is kept
// at the uspace-map accounting level where vtype is visible per allocation).

// recomputeNkbUsed recomputes and stores NkbUsed from the bkrefs, enforcing
// the invariant "agroup-map.nkb_used ==
// Σ popcount(boctet.usemask)".
func (ag *AgroupMap) recomputeNkbUsed() {
	var n int64
	for _, bk := range ag.Bkrefs {
		n += int64(bk.nkbUsed())
	}
	ag.NkbUsed = n
}

// relLba returns a Bkrefs index for a block at relative lba within the AG
// (1-based: 0 is the agroup-map block itself, which has no bkref).
func (ag *AgroupMap) relLba(lba int64) (int, error) {
	if lba < 1 || lba >= BlocksPerAG {
		return 0, verrors.Wrapf(verrors.ErrInvalidArgument, "agroup-map: lba %d out of AG range", lba)
	}
	return int(lba - 1), nil
}

// allocateFine satisfies a request for nkb < CellsPerBO cells, scanning
// partially-used bkrefs first before fresh ones.
func (ag *AgroupMap) allocateFine(vt vtype.VType, nkb int) (relLba int64, kbn int, err error) {
	// Pass 1: bkrefs that already have live cells, to pack.
	for i := range ag.Bkrefs {
		if ag.Bkrefs[i].empty() {
			continue
		}
		if lba, k, ok := ag.tryBkref(i, vt, nkb); ok {
			return lba, k, nil
		}
	}
	// Pass 2: fresh bkrefs.
	for i := range ag.Bkrefs {
		if !ag.Bkrefs[i].empty() {
			continue
		}
		if lba, k, ok := ag.tryBkref(i, vt, nkb); ok {
			return lba, k, nil
		}
	}
	return 0, 0, verrors.Wrap(verrors.ErrNoSpace, "agroup-map: no fine-grained slot available")
}

// allocateWhole satisfies a whole-block request (nkb == cells_per_block),
// scanning from the persisted search hint to favour append-like patterns.
func (ag *AgroupMap) allocateWhole(vt vtype.VType) (relLba int64, err error) {
	n := len(ag.Bkrefs)
	for i := 0; i < n; i++ {
		idx := (ag.SearchHintBlk + i) % n
		if ag.Bkrefs[idx].empty() {
			ag.markWholeBlock(idx, vt)
			ag.SearchHintBlk = (idx + 1) % n
			return int64(idx + 1), nil
		}
	}
	return 0, verrors.Wrap(verrors.ErrNoSpace, "agroup-map: no free whole block")
}

func (ag *AgroupMap) tryBkref(idx int, vt vtype.VType, nkb int) (int64, int, bool) {
	bk := &ag.Bkrefs[idx]
	boIdx, start, ok := findFit(bk, nkb, vt)
	if !ok {
		return 0, 0, false
	}
	wasEmpty := bk.empty()
	bk.Boctets[boIdx].mark(start, nkb, vt, vt == vtype.VData)
	if wasEmpty {
		renewBkrefKey(bk)
	}
	ag.recomputeNkbUsed()
	kbn := boIdx*CellsPerBO + start
	return int64(idx + 1), kbn, true
}

func (ag *AgroupMap) markWholeBlock(idx int, vt vtype.VType) {
	bk := &ag.Bkrefs[idx]
	for i := range bk.Boctets {
		bk.Boctets[i].mark(0, CellsPerBO, vt, vt == vtype.VData)
	}
	renewBkrefKey(bk)
	ag.recomputeNkbUsed()
}

func findFit(bk *Bkref, nkb int, vt vtype.VType) (boIdx, start int, ok bool) {
	for i := range bk.Boctets {
		if s, fits := bk.Boctets[i].fit(nkb, vt); fits {
			return i, s, true
		}
	}
	return 0, 0, false
}

// renewBkrefKey rotates the block's (IV, key) only when the bkref
// transitions from fully free to in-use, preserving stable keys for
// still-live data.
func renewBkrefKey(bk *Bkref) {
	iv, err := vcrypto.RandomIV()
	if err == nil {
		bk.IV = iv
	}
	key, err := vcrypto.RandomKey()
	if err == nil {
		bk.Key = key
	}
}

// Deallocate clears nkb bits for a block-relative kbn, rotating the key if
// the bkref becomes fully free.
func (ag *AgroupMap) Deallocate(relLba int64, kbn, nkb int) error {
	idx, err := ag.relLba(relLba)
	if err != nil {
		return err
	}
	bk := &ag.Bkrefs[idx]
	boIdx := kbn / CellsPerBO
	start := kbn % CellsPerBO
	if boIdx >= len(bk.Boctets) {
		return verrors.Wrap(verrors.ErrInvalidArgument, "agroup-map: kbn out of range")
	}
	bk.Boctets[boIdx].clear(start, nkb)
	if bk.empty() {
		renewBkrefKey(bk)
	}
	ag.recomputeNkbUsed()
	return nil
}

// BkrefAt returns the bkref for a block at AG-relative lba (1-based; 0 is
// the agroup-map's own block and has no bkref).
func (ag *AgroupMap) BkrefAt(relLba int64) (*Bkref, error) {
	idx, err := ag.relLba(relLba)
	if err != nil {
		return nil, err
	}
	return &ag.Bkrefs[idx], nil
}

// HasUnwritten reports whether any boctet of the block at relLba still
// carries the unwritten flag.
func (ag *AgroupMap) HasUnwritten(relLba int64) (bool, error) {
	bk, err := ag.BkrefAt(relLba)
	if err != nil {
		return false, err
	}
	for _, bo := range bk.Boctets {
		if bo.Unwritten {
			return true, nil
		}
	}
	return false, nil
}

// ClearUnwritten clears the unwritten flag on every boctet of the block at
// relLba. Called by the commit path once it has zero-filled the block the
// first time its view is written through the cache.
func (ag *AgroupMap) ClearUnwritten(relLba int64) error {
	bk, err := ag.BkrefAt(relLba)
	if err != nil {
		return err
	}
	for i := range bk.Boctets {
		bk.Boctets[i].Unwritten = false
	}
	return nil
}

// IsEmpty reports whether the AG currently hosts no live cells at all —
// the trigger for the cache to forget its agroup-map block once its
// AG record shows no cells used.
func (ag *AgroupMap) IsEmpty() bool {
	return ag.NkbUsed == 0
}

func encodeBkref(buf []byte, bk Bkref) {
	copy(buf[0:vcrypto.IVSize], bk.IV[:])
	copy(buf[vcrypto.IVSize:vcrypto.IVSize+vcrypto.KeySize], bk.Key[:])
	off := vcrypto.IVSize + vcrypto.KeySize
	for i, bo := range bk.Boctets {
		bo.Encode(buf[off+i*BoctetSize : off+(i+1)*BoctetSize])
	}
}

func decodeBkref(buf []byte) Bkref {
	var bk Bkref
	copy(bk.IV[:], buf[0:vcrypto.IVSize])
	copy(bk.Key[:], buf[vcrypto.IVSize:vcrypto.IVSize+vcrypto.KeySize])
	off := vcrypto.IVSize + vcrypto.KeySize
	for i := range bk.Boctets {
		bk.Boctets[i] = DecodeBoctet(buf[off+i*BoctetSize : off+(i+1)*BoctetSize])
	}
	return bk
}

// Encode serializes the agroup-map into a fresh vtype.B-sized, stamped and
// sealed view.
func (ag *AgroupMap) Encode() ([]byte, error) {
	view := make([]byte, vtype.B)
	if err := vtype.Stamp(view, vtype.VAgroupMap); err != nil {
		return nil, err
	}
	off := vtype.HeaderSize
	binary.LittleEndian.PutUint64(view[off:], uint64(ag.AgIndex))
	off += 8
	binary.LittleEndian.PutUint64(view[off:], uint64(ag.NkbUsed))
	off += 8
	binary.LittleEndian.PutUint64(view[off:], uint64(ag.NFiles))
	off += 8
	if ag.Formatted {
		view[off] = 1
	}
	off++
	binary.LittleEndian.PutUint32(view[off:], uint32(ag.SearchHintBlk))
	off += 4
	need := off + len(ag.Bkrefs)*BkrefSize
	if need > len(view) {
		return nil, verrors.Wrapf(verrors.ErrInvalidArgument, "agroup-map: %d bkrefs do not fit in one block", len(ag.Bkrefs))
	}
	for _, bk := range ag.Bkrefs {
		encodeBkref(view[off:off+BkrefSize], bk)
		off += BkrefSize
	}
	if err := vtype.Seal(view); err != nil {
		return nil, err
	}
	return view, nil
}

// DecodeAgroupMap reconstructs an agroup-map from a view previously
// produced by Encode, verifying its header first.
func DecodeAgroupMap(view []byte) (*AgroupMap, error) {
	if err := vtype.Verify(view, vtype.VAgroupMap); err != nil {
		return nil, err
	}
	off := vtype.HeaderSize
	ag := &AgroupMap{}
	ag.AgIndex = int64(binary.LittleEndian.Uint64(view[off:]))
	off += 8
	ag.NkbUsed = int64(binary.LittleEndian.Uint64(view[off:]))
	off += 8
	ag.NFiles = int64(binary.LittleEndian.Uint64(view[off:]))
	off += 8
	ag.Formatted = view[off] != 0
	off++
	ag.SearchHintBlk = int(binary.LittleEndian.Uint32(view[off:]))
	off += 4
	ag.Bkrefs = make([]Bkref, BlocksPerAG-1)
	for i := range ag.Bkrefs {
		ag.Bkrefs[i] = decodeBkref(view[off : off+BkrefSize])
		off += BkrefSize
	}
	return ag, nil
}
