package qalloc

/**
 * SPDX-License-Identifier: Apache-2.0
 * Copyright 2020 vorteil.io Pty Ltd
 */

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/voluta-fs/voluta/pkg/verrors"
)

func TestAllocSlabRoundTripsThroughMemref(t *testing.T) {
	a, err := New(1<<20, false)
	require.NoError(t, err)
	defer a.Close()

	b, err := a.Alloc(40)
	require.NoError(t, err)
	assert.Equal(t, int64(64), a.Used()) // 40 bytes rounds up to the 64-byte class

	_, _, length, mem := a.Memref(b)
	assert.Equal(t, 40, length)
	mem[0] = 0x7a
	_, _, _, mem2 := a.Memref(b)
	assert.Equal(t, byte(0x7a), mem2[0], "memref must expose the same backing bytes across calls")

	require.NoError(t, a.Free(b))
	assert.Equal(t, int64(0), a.Used())
}

func TestAllocWholePageForLargeRequest(t *testing.T) {
	a, err := New(1<<20, false)
	require.NoError(t, err)
	defer a.Close()

	b, err := a.Alloc(PageSize + 1)
	require.NoError(t, err)
	assert.Equal(t, int64(2*PageSize), a.Used())

	require.NoError(t, a.Free(b))
	assert.Equal(t, int64(0), a.Used())
}

func TestFreeSlabSegmentIsReusedBeforeANewPage(t *testing.T) {
	a, err := New(1<<20, false)
	require.NoError(t, err)
	defer a.Close()

	b1, err := a.Alloc(16)
	require.NoError(t, err)
	usedAfterFirst := a.Used()

	require.NoError(t, a.Free(b1))
	assert.Equal(t, int64(0), a.Used())

	b2, err := a.Alloc(16)
	require.NoError(t, err)
	assert.Equal(t, usedAfterFirst, a.Used())
	assert.NoError(t, a.Free(b2))
}

func TestAllocFailsOnceBudgetExhausted(t *testing.T) {
	a, err := New(PageSize, false)
	require.NoError(t, err)
	defer a.Close()

	_, err = a.Alloc(PageSize)
	require.NoError(t, err)

	_, err = a.Alloc(16)
	require.Error(t, err)
	assert.True(t, verrors.Is(err, verrors.ErrOutOfMemory))
}

func TestAllocRejectsOversizedRequest(t *testing.T) {
	a, err := New(2*MaxAlloc, false)
	require.NoError(t, err)
	defer a.Close()

	_, err = a.Alloc(MaxAlloc + 1)
	require.Error(t, err)
	assert.True(t, verrors.Is(err, verrors.ErrOutOfMemory))
}

func TestPedanticModeTrashesFreedSlabSegment(t *testing.T) {
	a, err := New(1<<20, true)
	require.NoError(t, err)
	defer a.Close()

	b, err := a.Alloc(16)
	require.NoError(t, err)
	_, off, _, mem := a.Memref(b)
	mem[0] = 0x11

	require.NoError(t, a.Free(b))

	assert.Equal(t, byte(TrashByte), a.data.mem[off], "a pedantic free must poison the segment before it's reused")
}
