package dispatch

/**
 * SPDX-License-Identifier: Apache-2.0
 * Copyright 2020 vorteil.io Pty Ltd
 */

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/voluta-fs/voluta/pkg/cstore"
	"github.com/voluta-fs/voluta/pkg/pstore"
	"github.com/voluta-fs/voluta/pkg/space"
	"github.com/voluta-fs/voluta/pkg/vcrypto"
	"github.com/voluta-fs/voluta/pkg/verrors"
	"github.com/voluta-fs/voluta/pkg/vtype"
)

// newTestEngine formats a tiny nag-AG volume (AG 0: super-block, AG 1:
// uspace-map region, AG 2..nag-1: data AGs formatted lazily by the
// dispatcher itself) and returns a ready-to-use Engine.
func newTestEngine(t *testing.T, nag int64) *Engine {
	dir := t.TempDir()
	path := filepath.Join(dir, "vol.img")
	volumeSize := nag * space.BlocksPerAG * int64(cstore.PhysicalBlockSize)

	ps, err := pstore.Create(path, volumeSize, pstore.Limits{})
	require.NoError(t, err)
	t.Cleanup(func() { ps.Close() })
	cs := cstore.New(ps)

	sb, err := space.NewSuperBlock(volumeSize, nag, 1)
	require.NoError(t, err)

	u := space.NewUspaceMap(1, 0, space.AGsPerUspace)
	view, err := u.Encode()
	require.NoError(t, err)
	uspKeys, ok := sb.UspaceKeyFor(1)
	require.True(t, ok)
	require.NoError(t, cs.EncryptSave(uspaceMapLba(1), uspKeys, view))

	masterKeys := vcrypto.IVKeyPair{}
	return NewEngine(sb, cs, masterKeys)
}

// newTestEngineWithBudget is newTestEngine with an explicit, typically tiny,
// quick-allocator budget for exercising heap-pressure behavior.
func newTestEngineWithBudget(t *testing.T, nag int64, budget int64) *Engine {
	dir := t.TempDir()
	path := filepath.Join(dir, "vol.img")
	volumeSize := nag * space.BlocksPerAG * int64(cstore.PhysicalBlockSize)

	ps, err := pstore.Create(path, volumeSize, pstore.Limits{})
	require.NoError(t, err)
	t.Cleanup(func() { ps.Close() })
	cs := cstore.New(ps)

	sb, err := space.NewSuperBlock(volumeSize, nag, 1)
	require.NoError(t, err)

	u := space.NewUspaceMap(1, 0, space.AGsPerUspace)
	view, err := u.Encode()
	require.NoError(t, err)
	uspKeys, ok := sb.UspaceKeyFor(1)
	require.True(t, ok)
	require.NoError(t, cs.EncryptSave(uspaceMapLba(1), uspKeys, view))

	e, err := NewEngineWithHeap(sb, cs, vcrypto.IVKeyPair{}, budget, false)
	require.NoError(t, err)
	t.Cleanup(func() { e.Close() })
	return e
}

// TestStageRawReturnsOutOfMemoryWithoutCommitHook exercises the failure arm
// of the spawn-under-pressure path: with no CommitFn bound, a forced commit
// can't run, the dirty blocks already resident stay dirty and therefore
// uncollectable, and the next fresh block spawn must report ErrOutOfMemory
// rather than silently exceeding the heap budget. The budget covers exactly
// the one-time uspace-map and agroup-map blocks plus 4 data blocks (6
// blocks total); the 5th data block has nowhere left to fit.
func TestStageRawReturnsOutOfMemoryWithoutCommitHook(t *testing.T) {
	e := newTestEngineWithBudget(t, 4, 6*vtype.B)

	for i := 0; i < 4; i++ {
		_, err := e.NewVnode(vtype.VData)
		require.NoError(t, err)
	}

	_, err := e.NewVnode(vtype.VData)
	require.Error(t, err)
	assert.True(t, verrors.Is(err, verrors.ErrOutOfMemory))
}

func TestNewVspaceFormatsAGsOnDemand(t *testing.T) {
	e := newTestEngine(t, 4)

	vaddr, err := e.NewVspace(vtype.VInode)
	require.NoError(t, err)
	assert.Equal(t, int64(FirstDataAG), vaddr.AgIndex)

	ag, ok := e.Space.AgroupMapFor(FirstDataAG)
	require.True(t, ok)
	assert.True(t, ag.Formatted)
}

func TestNewInodeBindsAndResolves(t *testing.T) {
	e := newTestEngine(t, 4)

	ino, vaddr, err := e.NewInode()
	require.NoError(t, err)
	assert.NotZero(t, ino)

	gotVaddr, view, err := e.StageInode(ino)
	require.NoError(t, err)
	assert.Equal(t, vaddr, gotVaddr)
	assert.Equal(t, vtype.VInode, vtype.HeaderOf(view).VType)
}

func TestNewVnodeStampsAndStages(t *testing.T) {
	e := newTestEngine(t, 4)

	vaddr, err := e.NewVnode(vtype.VFileRadixNode)
	require.NoError(t, err)

	view, err := e.StageVnode(vaddr)
	require.NoError(t, err)
	assert.Equal(t, vtype.VFileRadixNode, vtype.HeaderOf(view).VType)
}

func TestDataVnodeStartsUnwritten(t *testing.T) {
	e := newTestEngine(t, 4)

	vaddr, err := e.NewVnode(vtype.VData)
	require.NoError(t, err)

	view, err := e.StageVnode(vaddr)
	require.NoError(t, err)
	assert.True(t, vtype.IsUnwritten(view))
}

func TestDelInodeFreesInoAndVaddr(t *testing.T) {
	e := newTestEngine(t, 4)

	ino, _, err := e.NewInode()
	require.NoError(t, err)
	require.NoError(t, e.DelInode(ino))

	_, _, err = e.StageInode(ino)
	require.Error(t, err)
}

func TestFillsOneAGThenFormatsTheNext(t *testing.T) {
	e := newTestEngine(t, 4)

	var lastAG int64 = -1
	for i := 0; i < space.BlocksPerAG-1; i++ {
		vaddr, err := e.NewVspace(vtype.VData)
		require.NoError(t, err)
		lastAG = vaddr.AgIndex
	}
	assert.Equal(t, int64(FirstDataAG), lastAG)

	vaddr, err := e.NewVspace(vtype.VData)
	require.NoError(t, err)
	assert.Equal(t, int64(FirstDataAG+1), vaddr.AgIndex)
}
