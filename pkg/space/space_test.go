package space

/**
 * SPDX-License-Identifier: Apache-2.0
 * Copyright 2020 vorteil.io Pty Ltd
 */

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/voluta-fs/voluta/pkg/verrors"
	"github.com/voluta-fs/voluta/pkg/vtype"
)

func newTestSpace(t *testing.T, nag int64) *Space {
	sb, err := NewSuperBlock(nag*BlocksPerAG*vtype.B, nag, 1)
	require.NoError(t, err)
	s := New(sb)

	u := NewUspaceMap(1, 0, int(nag))
	for i := range u.AgRecords {
		u.AgRecords[i].Formatted = true
	}
	s.RegisterUspaceMap(u)

	for ag := int64(0); ag < nag; ag++ {
		s.RegisterAgroupMap(NewAgroupMap(ag))
	}
	return s
}

func TestAllocateVaddrInvariants(t *testing.T) {
	s := newTestSpace(t, 2)

	vaddr, err := s.Allocate(vtype.VInode)
	require.NoError(t, err)
	assert.Equal(t, int64(vtype.PersistentSize(vtype.VInode)), vaddr.Len)
	assert.Equal(t, vaddr.Lba/BlocksPerAG, vaddr.AgIndex)
	assert.True(t, vaddr.Valid(BlocksPerAG))
}

func TestAllocateDeallocateRestoresAccounting(t *testing.T) {
	s := newTestSpace(t, 1)

	before := s.Stat()
	vaddr, err := s.Allocate(vtype.VInode)
	require.NoError(t, err)
	require.NoError(t, s.Deallocate(vaddr))
	after := s.Stat()

	assert.Equal(t, before.UsedBytes, after.UsedBytes)
}

func TestAllocatePacksSameTypedFineObjects(t *testing.T) {
	s := newTestSpace(t, 1)

	v1, err := s.Allocate(vtype.VInode)
	require.NoError(t, err)
	v2, err := s.Allocate(vtype.VInode)
	require.NoError(t, err)

	// Both should land in the same block-octet run set since inodes
	// (fine-grained, one cell each) pack same-typed objects — at minimum
	// they must not collide.
	assert.NotEqual(t, v1.Kbn, v2.Kbn)
}

func TestAllocateNoSpaceFails(t *testing.T) {
	s := newTestSpace(t, 1)
	// Exhaust every whole block in the single AG.
	for i := 0; i < BlocksPerAG-1; i++ {
		_, err := s.Allocate(vtype.VData)
		require.NoError(t, err)
	}
	_, err := s.Allocate(vtype.VData)
	require.Error(t, err)
	assert.True(t, verrors.Is(err, verrors.ErrNoSpace))
}

func TestUnwrittenFlagSetOnDataAllocation(t *testing.T) {
	s := newTestSpace(t, 1)
	vaddr, err := s.Allocate(vtype.VData)
	require.NoError(t, err)

	ag, ok := s.AgroupMapFor(vaddr.AgIndex)
	require.True(t, ok)
	relLba := vaddr.Lba - vaddr.AgIndex*BlocksPerAG
	unwritten, err := ag.HasUnwritten(relLba)
	require.NoError(t, err)
	assert.True(t, unwritten)

	require.NoError(t, ag.ClearUnwritten(relLba))
	unwritten, err = ag.HasUnwritten(relLba)
	require.NoError(t, err)
	assert.False(t, unwritten)
}

func TestUspIndexAndAgIndexFormulas(t *testing.T) {
	assert.Equal(t, 1, UspIndexFor(0))
	assert.Equal(t, 1, UspIndexFor(AGsPerUspace-1))
	assert.Equal(t, 2, UspIndexFor(AGsPerUspace))

	assert.Equal(t, int64(0), AgIndexFor(BlocksPerAG-1))
	assert.Equal(t, int64(1), AgIndexFor(BlocksPerAG))
}

func TestBkrefKeyStableAcrossPacking(t *testing.T) {
	s := newTestSpace(t, 1)
	v1, err := s.Allocate(vtype.VInode)
	require.NoError(t, err)

	ag, _ := s.AgroupMapFor(v1.AgIndex)
	relLba := v1.Lba - v1.AgIndex*BlocksPerAG
	bk1, err := ag.BkrefAt(relLba)
	require.NoError(t, err)
	key1 := bk1.Key

	_, err = s.Allocate(vtype.VInode)
	require.NoError(t, err)

	bk2, err := ag.BkrefAt(relLba)
	require.NoError(t, err)
	assert.Equal(t, key1, bk2.Key, "key must stay stable while the bkref remains live")
}

func TestAgroupMapEncodeDecodeRoundTrip(t *testing.T) {
	s := newTestSpace(t, 1)
	vaddr, err := s.Allocate(vtype.VInode)
	require.NoError(t, err)

	ag, ok := s.AgroupMapFor(vaddr.AgIndex)
	require.True(t, ok)

	view, err := ag.Encode()
	require.NoError(t, err)
	assert.Len(t, view, vtype.B)

	got, err := DecodeAgroupMap(view)
	require.NoError(t, err)
	assert.Equal(t, ag.AgIndex, got.AgIndex)
	assert.Equal(t, ag.NkbUsed, got.NkbUsed)
	assert.Equal(t, ag.Formatted, got.Formatted)
	assert.Equal(t, ag.Bkrefs, got.Bkrefs)
}

func TestUspaceMapEncodeDecodeRoundTrip(t *testing.T) {
	u := NewUspaceMap(1, 0, AGsPerUspace)
	require.NoError(t, u.accountAllocate(3, 2*vtype.K, false, true))
	u.SearchHintLo = 5

	view, err := u.Encode()
	require.NoError(t, err)
	assert.Len(t, view, vtype.B)

	got, err := DecodeUspaceMap(view)
	require.NoError(t, err)
	assert.Equal(t, u.UspIndex, got.UspIndex)
	assert.Equal(t, u.BaseAG, got.BaseAG)
	assert.Equal(t, u.Nused, got.Nused)
	assert.Equal(t, u.SearchHintLo, got.SearchHintLo)
	assert.Equal(t, u.AgRecords, got.AgRecords)
}

func TestSuperBlockEncodeDecodeRoundTrip(t *testing.T) {
	sb, err := NewSuperBlock(64*BlocksPerAG*vtype.B, 64, 4)
	require.NoError(t, err)
	sb.RootITableVaddr = vtype.NewVaddr(vtype.VITableNode, BlocksPerAG, 1, 0)

	view, err := sb.Encode()
	require.NoError(t, err)
	assert.Len(t, view, vtype.B)

	got, err := DecodeSuperBlock(view)
	require.NoError(t, err)
	assert.Equal(t, sb.UUID, got.UUID)
	assert.Equal(t, sb.FormatVersion, got.FormatVersion)
	assert.Equal(t, sb.VolumeSize, got.VolumeSize)
	assert.Equal(t, sb.NAG, got.NAG)
	assert.Equal(t, sb.UspaceSlots, got.UspaceSlots)
	assert.Equal(t, sb.RootITableVaddr, got.RootITableVaddr)
	assert.WithinDuration(t, sb.BirthTime, got.BirthTime, time.Microsecond)
}
