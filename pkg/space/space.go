package space

/**
 * SPDX-License-Identifier: Apache-2.0
 * Copyright 2020 vorteil.io Pty Ltd
 */

import (
	"github.com/voluta-fs/voluta/pkg/verrors"
	"github.com/voluta-fs/voluta/pkg/vtype"
)

// Space is the top-level space-engine aggregate: the super-block plus
// every currently-staged uspace-map and agroup-map. It
// holds non-owning references — pkg/dispatch (C8) is responsible for
// staging the underlying blocks through the cache/crypto-store and
// registering the resulting maps here before calling Allocate/Deallocate,
// matching a layering where the
// space engine is pure allocation logic over already-resident structures.
type Space struct {
	Super *SuperBlock

	uspaceMaps map[int]*UspaceMap
	agroupMaps map[int64]*AgroupMap

	uspSearchHint int
}

// New creates a Space bound to an already-formatted or reloaded super-block.
func New(sb *SuperBlock) *Space {
	return &Space{
		Super:      sb,
		uspaceMaps: make(map[int]*UspaceMap),
		agroupMaps: make(map[int64]*AgroupMap),
	}
}

// RegisterUspaceMap stages a uspace-map into the engine.
func (s *Space) RegisterUspaceMap(u *UspaceMap) {
	s.uspaceMaps[u.UspIndex] = u
}

// RegisterAgroupMap stages an agroup-map into the engine.
func (s *Space) RegisterAgroupMap(ag *AgroupMap) {
	s.agroupMaps[ag.AgIndex] = ag
}

// UspaceMapFor returns the staged uspace-map for uspIndex, if any.
func (s *Space) UspaceMapFor(uspIndex int) (*UspaceMap, bool) {
	u, ok := s.uspaceMaps[uspIndex]
	return u, ok
}

// AgroupMapFor returns the staged agroup-map for agIndex, if any.
func (s *Space) AgroupMapFor(agIndex int64) (*AgroupMap, bool) {
	ag, ok := s.agroupMaps[agIndex]
	return ag, ok
}

// UspIndexFor returns the uspace-map index covering agIndex:
// usp_index = (ag_index − base) / N_up + 1, base == 0 for this layout).
func UspIndexFor(agIndex int64) int {
	return int(agIndex/AGsPerUspace) + 1
}

// AgIndexFor returns the AG index covering lba (ag_index =
// lba / N_ag).
func AgIndexFor(lba int64) int64 {
	return lba / BlocksPerAG
}

// Allocate reserves CellsFor(vt) cells for a fresh object of type vt,
// returning its vaddr. The allocation walks uspace-maps
// from a monotonic search hint, then AGs within the chosen uspace-map from
// its own hint, skipping unformatted or not-yet-staged AGs.
func (s *Space) Allocate(vt vtype.VType) (vtype.Vaddr, error) {
	nkb := vtype.CellsFor(vt)
	if nkb <= 0 {
		return vtype.Vaddr{}, verrors.Wrapf(verrors.ErrInvalidArgument, "space: unknown vtype %s", vt)
	}
	whole := nkb >= vtype.CellsPerBlk

	uspOrder := s.uspaceOrder()
	for _, uspIndex := range uspOrder {
		u := s.uspaceMaps[uspIndex]
		for _, agIndex := range u.candidateAGs() {
			idx, err := u.RecordIndex(agIndex)
			if err != nil {
				continue
			}
			rec := &u.AgRecords[idx]
			if !rec.Formatted {
				continue
			}
			ag, ok := s.agroupMaps[agIndex]
			if !ok {
				continue
			}

			var relLba int64
			var kbn int
			if whole {
				relLba, err = ag.allocateWhole(vt)
				kbn = 0
			} else {
				relLba, kbn, err = ag.allocateFine(vt, nkb)
			}
			if err != nil {
				continue
			}

			lba := agIndex*BlocksPerAG + relLba
			u.advanceSearchHint(agIndex)
			s.uspSearchHint = uspIndexPos(uspOrder, uspIndex)
			isData := vt == vtype.VData
			if err := u.accountAllocate(agIndex, int64(nkb)*vtype.K, isData, vt == vtype.VInode); err != nil {
				return vtype.Vaddr{}, err
			}

			return vtype.NewVaddr(vt, BlocksPerAG, lba, kbn), nil
		}
	}
	return vtype.Vaddr{}, verrors.Wrapf(verrors.ErrNoSpace, "space: no AG can satisfy vtype %s (%d cells)", vt, nkb)
}

// Deallocate releases the cells addressed by vaddr, symmetric with
// Allocate.
func (s *Space) Deallocate(vaddr vtype.Vaddr) error {
	if vaddr.IsNull() {
		return nil
	}
	ag, ok := s.agroupMaps[vaddr.AgIndex]
	if !ok {
		return verrors.Wrapf(verrors.ErrInvalidArgument, "space: agroup-map %d not staged", vaddr.AgIndex)
	}
	relLba := vaddr.Lba - vaddr.AgIndex*BlocksPerAG
	nkb := vtype.CellsFor(vaddr.VType)
	if err := ag.Deallocate(relLba, vaddr.Kbn, nkb); err != nil {
		return err
	}
	u, ok := s.uspaceMaps[UspIndexFor(vaddr.AgIndex)]
	if !ok {
		return verrors.Wrapf(verrors.ErrInvalidArgument, "space: uspace-map for AG %d not staged", vaddr.AgIndex)
	}
	isData := vaddr.VType == vtype.VData
	return u.accountDeallocate(vaddr.AgIndex, int64(nkb)*vtype.K, isData, vaddr.VType == vtype.VInode)
}

func (s *Space) uspaceOrder() []int {
	n := len(s.Super.UspaceSlots)
	out := make([]int, 0, n)
	for i := 0; i < n; i++ {
		uspIndex := ((s.uspSearchHint+i)%n + n) % n + 1
		if _, ok := s.uspaceMaps[uspIndex]; ok {
			out = append(out, uspIndex)
		}
	}
	return out
}

func uspIndexPos(order []int, uspIndex int) int {
	for i, v := range order {
		if v == uspIndex {
			return i
		}
	}
	return 0
}

// StatFS is the aggregate accounting surfaced by statvfs: total bytes, used bytes, free
// bytes and file count across every staged uspace-map.
type StatFS struct {
	TotalBytes int64
	UsedBytes  int64
	FreeBytes  int64
	NFiles     int64
}

// Stat aggregates accounting across every currently staged uspace-map.
func (s *Space) Stat() StatFS {
	var st StatFS
	st.TotalBytes = s.Super.VolumeSize
	for _, u := range s.uspaceMaps {
		st.UsedBytes += u.Nused
		for _, r := range u.AgRecords {
			st.NFiles += r.NFiles
		}
	}
	st.FreeBytes = st.TotalBytes - st.UsedBytes
	return st
}
