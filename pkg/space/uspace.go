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

// AgRecordSize is the fixed on-disk width of one AgRecord.
const AgRecordSize = 8 + 8 + 8 + 1 + vcrypto.IVSize + vcrypto.KeySize

// uspaceMapFixedSize is the width of UspaceMap's own fields ahead of the
// AgRecords array: usp_index, base_ag, nused, search_hint_lo, nag.
const uspaceMapFixedSize = 4 + 8 + 8 + 4 + 4

// AGsPerUspace is N_up: the number of allocation groups covered by a
// single uspace-map (a run of N_up AGs).
const AGsPerUspace = 64

// AgRecord is the per-AG record kept inside a uspace-map
// item 2): usage split by meta/data cells, file count, the formatted
// flag, and the (IV, key) pair used to derive the AG's agroup-map key.
type AgRecord struct {
	UsedMeta  int64
	UsedData  int64
	NFiles    int64
	Formatted bool
	IV        vcrypto.IV
	Key       vcrypto.Key
}

// UspaceMap covers AGsPerUspace allocation groups.
type UspaceMap struct {
	UspIndex  int
	BaseAG    int64 // AG index of AgRecords[0]
	Nused     int64 // aggregate used_meta+used_data byte counter across all AGs
	SearchHintLo int // monotonic-forward AG scan hint
	AgRecords []AgRecord
}

// NewUspaceMap creates an empty uspace-map covering nag AGs starting at
// baseAG.
func NewUspaceMap(uspIndex int, baseAG int64, nag int) *UspaceMap {
	return &UspaceMap{
		UspIndex:  uspIndex,
		BaseAG:    baseAG,
		AgRecords: make([]AgRecord, nag),
	}
}

// RecordIndex returns the AgRecords slot for agIndex, failing if agIndex
// falls outside the AGs this uspace-map covers.
func (u *UspaceMap) RecordIndex(agIndex int64) (int, error) {
	idx := agIndex - u.BaseAG
	if idx < 0 || int(idx) >= len(u.AgRecords) {
		return 0, verrors.Wrapf(verrors.ErrInvalidArgument, "uspace-map: AG %d not covered by uspace %d", agIndex, u.UspIndex)
	}
	return int(idx), nil
}

// recomputeNused enforces the invariant "uspace-map.nused
// == Σ agrecord.used_meta + used_data".
func (u *UspaceMap) recomputeNused() {
	var n int64
	for _, r := range u.AgRecords {
		n += r.UsedMeta + r.UsedData
	}
	u.Nused = n
}

// accountAllocate applies nkb newly-used cells of vtype cellClass (meta or
// data) to the AG record at agIndex and refreshes the aggregate.
func (u *UspaceMap) accountAllocate(agIndex int64, cellBytes int64, isData bool, newFile bool) error {
	idx, err := u.RecordIndex(agIndex)
	if err != nil {
		return err
	}
	r := &u.AgRecords[idx]
	if isData {
		r.UsedData += cellBytes
	} else {
		r.UsedMeta += cellBytes
	}
	if newFile {
		r.NFiles++
	}
	u.recomputeNused()
	return nil
}

func (u *UspaceMap) accountDeallocate(agIndex int64, cellBytes int64, isData bool, lastRef bool) error {
	idx, err := u.RecordIndex(agIndex)
	if err != nil {
		return err
	}
	r := &u.AgRecords[idx]
	if isData {
		r.UsedData -= cellBytes
	} else {
		r.UsedMeta -= cellBytes
	}
	if lastRef && r.NFiles > 0 {
		r.NFiles--
	}
	u.recomputeNused()
	return nil
}

// candidateAGs yields AG indices to try, starting at the search hint and
// wrapping around, skipping unformatted records.
func (u *UspaceMap) candidateAGs() []int64 {
	n := len(u.AgRecords)
	out := make([]int64, 0, n)
	for i := 0; i < n; i++ {
		idx := (u.SearchHintLo + i) % n
		out = append(out, u.BaseAG+int64(idx))
	}
	return out
}

// advanceSearchHint moves the monotonic hint forward to the AG that
// satisfied the last allocation.
func (u *UspaceMap) advanceSearchHint(agIndex int64) {
	idx, err := u.RecordIndex(agIndex)
	if err != nil {
		return
	}
	next := (idx + 1) % len(u.AgRecords)
	if next > u.SearchHintLo || u.SearchHintLo >= len(u.AgRecords) {
		u.SearchHintLo = next
	}
}

func encodeAgRecord(buf []byte, r AgRecord) {
	binary.LittleEndian.PutUint64(buf[0:8], uint64(r.UsedMeta))
	binary.LittleEndian.PutUint64(buf[8:16], uint64(r.UsedData))
	binary.LittleEndian.PutUint64(buf[16:24], uint64(r.NFiles))
	if r.Formatted {
		buf[24] = 1
	}
	off := 25
	copy(buf[off:off+vcrypto.IVSize], r.IV[:])
	off += vcrypto.IVSize
	copy(buf[off:off+vcrypto.KeySize], r.Key[:])
}

func decodeAgRecord(buf []byte) AgRecord {
	var r AgRecord
	r.UsedMeta = int64(binary.LittleEndian.Uint64(buf[0:8]))
	r.UsedData = int64(binary.LittleEndian.Uint64(buf[8:16]))
	r.NFiles = int64(binary.LittleEndian.Uint64(buf[16:24]))
	r.Formatted = buf[24] != 0
	off := 25
	copy(r.IV[:], buf[off:off+vcrypto.IVSize])
	off += vcrypto.IVSize
	copy(r.Key[:], buf[off:off+vcrypto.KeySize])
	return r
}

// Encode serializes the uspace-map into a fresh vtype.B-sized, stamped and
// sealed view.
func (u *UspaceMap) Encode() ([]byte, error) {
	view := make([]byte, vtype.B)
	if err := vtype.Stamp(view, vtype.VUspaceMap); err != nil {
		return nil, err
	}
	off := vtype.HeaderSize
	binary.LittleEndian.PutUint32(view[off:], uint32(u.UspIndex))
	off += 4
	binary.LittleEndian.PutUint64(view[off:], uint64(u.BaseAG))
	off += 8
	binary.LittleEndian.PutUint64(view[off:], uint64(u.Nused))
	off += 8
	binary.LittleEndian.PutUint32(view[off:], uint32(u.SearchHintLo))
	off += 4
	binary.LittleEndian.PutUint32(view[off:], uint32(len(u.AgRecords)))
	off += 4
	need := off + len(u.AgRecords)*AgRecordSize
	if need > len(view) {
		return nil, verrors.Wrapf(verrors.ErrInvalidArgument, "uspace-map: %d ag-records do not fit in one block", len(u.AgRecords))
	}
	for _, r := range u.AgRecords {
		encodeAgRecord(view[off:off+AgRecordSize], r)
		off += AgRecordSize
	}
	if err := vtype.Seal(view); err != nil {
		return nil, err
	}
	return view, nil
}

// DecodeUspaceMap reconstructs a uspace-map from a view previously produced
// by Encode, verifying its header first.
func DecodeUspaceMap(view []byte) (*UspaceMap, error) {
	if err := vtype.Verify(view, vtype.VUspaceMap); err != nil {
		return nil, err
	}
	off := vtype.HeaderSize
	u := &UspaceMap{}
	u.UspIndex = int(binary.LittleEndian.Uint32(view[off:]))
	off += 4
	u.BaseAG = int64(binary.LittleEndian.Uint64(view[off:]))
	off += 8
	u.Nused = int64(binary.LittleEndian.Uint64(view[off:]))
	off += 8
	u.SearchHintLo = int(binary.LittleEndian.Uint32(view[off:]))
	off += 4
	nag := int(binary.LittleEndian.Uint32(view[off:]))
	off += 4
	u.AgRecords = make([]AgRecord, nag)
	for i := range u.AgRecords {
		u.AgRecords[i] = decodeAgRecord(view[off : off+AgRecordSize])
		off += AgRecordSize
	}
	return u, nil
}
