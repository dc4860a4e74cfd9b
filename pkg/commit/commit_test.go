package commit

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
	"github.com/voluta-fs/voluta/pkg/dispatch"
	"github.com/voluta-fs/voluta/pkg/pstore"
	"github.com/voluta-fs/voluta/pkg/space"
	"github.com/voluta-fs/voluta/pkg/vcrypto"
	"github.com/voluta-fs/voluta/pkg/vtype"
)

func newTestEngine(t *testing.T, nag int64) (*dispatch.Engine, *cstore.Store) {
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
	require.NoError(t, cs.EncryptSave(int64(dispatch.UspaceRegionAG)*space.BlocksPerAG, uspKeys, view))

	return dispatch.NewEngine(sb, cs, vcrypto.IVKeyPair{}), cs
}

func TestCommitDirtyQPersistsInodeBlock(t *testing.T) {
	e, _ := newTestEngine(t, 4)

	ino, vaddr, err := e.NewInode()
	require.NoError(t, err)
	require.Greater(t, e.Cache.DirtyQueueLen(), 0)

	require.NoError(t, CommitDirtyQ(e, Flags{Force: true}))
	assert.Equal(t, 0, e.Cache.DirtyQueueLen())

	keys, err := e.KeysForLba(vaddr.Lba)
	require.NoError(t, err)
	raw, err := e.CS.LoadDecrypt(vaddr.Lba, keys)
	require.NoError(t, err)

	cellOff := int(vaddr.Off - vaddr.Lba*vtype.B)
	sub := raw[cellOff : cellOff+int(vaddr.Len)]
	require.NoError(t, vtype.Verify(sub, vtype.VInode))

	_, err = e.ITable.ResolveIno(ino)
	require.NoError(t, err)
}

func TestCommitDirtyQSkipsBelowLowWaterMarkUnlessForced(t *testing.T) {
	e, _ := newTestEngine(t, 4)

	_, _, err := e.NewInode()
	require.NoError(t, err)

	before := e.Cache.DirtyQueueLen()
	require.NoError(t, CommitDirtyQ(e, Flags{}))
	assert.Equal(t, before, e.Cache.DirtyQueueLen(), "a non-forced commit below the low water mark must not drain the queue")
}

// newTestEngineWithBudget is newTestEngine with an explicit quick-allocator
// budget, for exercising the spawn-under-pressure path Bind wires up.
func newTestEngineWithBudget(t *testing.T, nag int64, budget int64) *dispatch.Engine {
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
	require.NoError(t, cs.EncryptSave(int64(dispatch.UspaceRegionAG)*space.BlocksPerAG, uspKeys, view))

	e, err := dispatch.NewEngineWithHeap(sb, cs, vcrypto.IVKeyPair{}, budget, false)
	require.NoError(t, err)
	t.Cleanup(func() { e.Close() })
	return e
}

// TestSpawningUnderMemoryPressureForcesCommit is the property Bind exists
// to satisfy: once the quick-allocator heap is exhausted, spawning one more
// fresh block must drive a synchronous commit of the dirty queue before
// retrying, rather than failing outright. The budget covers exactly the
// one-time uspace-map and agroup-map blocks plus 4 data blocks; the 5th
// data block only fits once the forced commit has let something evict.
func TestSpawningUnderMemoryPressureForcesCommit(t *testing.T) {
	e := newTestEngineWithBudget(t, 4, 6*vtype.B)
	Bind(e)

	for i := 0; i < 4; i++ {
		_, err := e.NewVnode(vtype.VData)
		require.NoError(t, err)
	}
	require.Greater(t, e.Cache.DirtyQueueLen(), 0)

	_, err := e.NewVnode(vtype.VData)
	require.NoError(t, err, "a bound CommitFn must let the 5th block succeed by committing first")
}

func TestCommitDirtyQSyncsStoreWhenRequested(t *testing.T) {
	e, _ := newTestEngine(t, 4)

	_, _, err := e.NewInode()
	require.NoError(t, err)

	require.NoError(t, CommitDirtyQ(e, Flags{Force: true, Sync: true}))
	assert.Equal(t, 0, e.Cache.DirtyQueueLen())
}
