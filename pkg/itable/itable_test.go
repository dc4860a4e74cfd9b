package itable

/**
 * SPDX-License-Identifier: Apache-2.0
 * Copyright 2020 vorteil.io Pty Ltd
 */

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/voluta-fs/voluta/pkg/verrors"
	"github.com/voluta-fs/voluta/pkg/vtype"
)

func TestAcquireInoPrefersFreeListOverApex(t *testing.T) {
	tbl := New()
	ino1 := tbl.AcquireIno()
	tbl.BindIno(ino1, vtype.NewVaddr(vtype.VInode, 1024, 1, 0))
	require.NoError(t, tbl.DiscardIno(ino1))

	ino2 := tbl.AcquireIno()
	assert.Equal(t, ino1, ino2, "a discarded ino should be reused before the apex advances")
}

func TestResolveInoFailsWhenUnbound(t *testing.T) {
	tbl := New()
	_, err := tbl.ResolveIno(42)
	require.Error(t, err)
	assert.True(t, verrors.Is(err, verrors.ErrNotFound))
}

func TestResolveInoAfterBind(t *testing.T) {
	tbl := New()
	ino := tbl.AcquireIno()
	vaddr := vtype.NewVaddr(vtype.VInode, 1024, 5, 0)
	tbl.BindIno(ino, vaddr)

	got, err := tbl.ResolveIno(ino)
	require.NoError(t, err)
	assert.Equal(t, vaddr, got)
}

func TestDiscardInoFailsWhenUnbound(t *testing.T) {
	tbl := New()
	err := tbl.DiscardIno(7)
	require.Error(t, err)
	assert.True(t, verrors.Is(err, verrors.ErrNotFound))
}

func TestBindRootIno(t *testing.T) {
	tbl := New()
	ino := tbl.AcquireIno()
	tbl.BindRootIno(ino)
	assert.Equal(t, ino, tbl.RootIno)
}

func TestReloadRebuildsIndexApexAndFreeList(t *testing.T) {
	tbl := New()
	vaddr1 := vtype.NewVaddr(vtype.VInode, 1024, 1, 0)
	vaddr2 := vtype.NewVaddr(vtype.VInode, 1024, 2, 0)

	root := vtype.NewVaddr(vtype.VITableNode, 1024, 3, 0)
	nodes := []*Node{
		{
			Entries:  []Entry{{Ino: 1, Vaddr: vaddr1}, {Ino: 3, Vaddr: vaddr2}},
			FreeList: []int64{2},
		},
	}

	tbl.Reload(root, 1, nodes)
	assert.Equal(t, root, tbl.RootVaddr)
	assert.Equal(t, int64(1), tbl.RootIno)
	assert.Equal(t, int64(2), tbl.Ninodes())

	got, err := tbl.ResolveIno(3)
	require.NoError(t, err)
	assert.Equal(t, vaddr2, got)

	next := tbl.AcquireIno()
	assert.Equal(t, int64(2), next, "the reloaded free-list entry must be offered before the apex advances")

	apexNext := tbl.AcquireIno()
	assert.Equal(t, int64(4), apexNext, "apex must resume one past the highest ino seen across reloaded nodes")
}

func TestNodeEncodeDecodeRoundTrip(t *testing.T) {
	n := NewNode()
	n.Next = vtype.NewVaddr(vtype.VITableNode, 1024, 9, 0)
	n.Entries = []Entry{
		{Ino: 1, Vaddr: vtype.NewVaddr(vtype.VInode, 1024, 1, 0)},
		{Ino: 2, Vaddr: vtype.NewVaddr(vtype.VInode, 1024, 1, 1)},
	}
	n.FreeList = []int64{5, 6}

	view, err := n.Encode()
	require.NoError(t, err)
	assert.Len(t, view, vtype.B)

	got, err := DecodeNode(view)
	require.NoError(t, err)
	assert.Equal(t, n.Next, got.Next)
	assert.Equal(t, n.Entries, got.Entries)
	assert.Equal(t, n.FreeList, got.FreeList)
}

func TestCapacityForShrinksWithFreeListSize(t *testing.T) {
	withNoFree := CapacityFor(0)
	withSomeFree := CapacityFor(100)
	assert.Greater(t, withNoFree, withSomeFree)
	assert.Greater(t, withSomeFree, 0)
}
