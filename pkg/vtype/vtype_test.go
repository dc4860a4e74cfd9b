package vtype

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

func TestStampSealVerifyRoundTrip(t *testing.T) {
	view := make([]byte, PersistentSize(VInode))
	require.NoError(t, Stamp(view, VInode))
	view[HeaderSize] = 0xAB // touch the payload
	require.NoError(t, Seal(view))
	require.NoError(t, Verify(view, VInode))
}

func TestVerifyDetectsPayloadCorruption(t *testing.T) {
	view := make([]byte, PersistentSize(VInode))
	require.NoError(t, Stamp(view, VInode))
	require.NoError(t, Seal(view))

	view[HeaderSize+1] ^= 0xFF

	err := Verify(view, VInode)
	require.Error(t, err)
	assert.True(t, verrors.Is(err, verrors.ErrCorrupted))
}

func TestVerifyDetectsVTypeMismatch(t *testing.T) {
	view := make([]byte, PersistentSize(VInode))
	require.NoError(t, Stamp(view, VInode))
	require.NoError(t, Seal(view))

	err := Verify(view, VXattrNode)
	require.Error(t, err)
	assert.True(t, verrors.Is(err, verrors.ErrCorrupted))
}

func TestDataNeverSealedOrChecksummed(t *testing.T) {
	view := make([]byte, PersistentSize(VData))
	require.NoError(t, Stamp(view, VData))
	view[HeaderSize] = 0xFF
	require.NoError(t, Seal(view))
	// No checksum was computed for data; mutating payload must still verify.
	view[HeaderSize+5] = 0x11
	require.NoError(t, Verify(view, VData))
}

func TestUnwrittenFlag(t *testing.T) {
	view := make([]byte, PersistentSize(VData))
	require.NoError(t, Stamp(view, VData))
	assert.False(t, IsUnwritten(view))
	SetUnwritten(view, true)
	assert.True(t, IsUnwritten(view))
	SetUnwritten(view, false)
	assert.False(t, IsUnwritten(view))
}

func TestVaddrValid(t *testing.T) {
	const agSize = 1024
	v := NewVaddr(VInode, agSize, 5, 3)
	assert.True(t, v.Valid(agSize))
	assert.Equal(t, int64(5*B+3*K), v.Off)
	assert.Equal(t, int64(5)/agSize, v.AgIndex)

	bad := v
	bad.Off++
	assert.False(t, bad.Valid(agSize))
}

func TestCellsFor(t *testing.T) {
	assert.Equal(t, (PersistentSize(VInode)+K-1)/K, CellsFor(VInode))
	assert.Equal(t, B/K, CellsFor(VData))
}

func TestVaddrEncodeDecodeRoundTrip(t *testing.T) {
	v := NewVaddr(VFileRadixNode, 1024, 17, 0)
	buf := make([]byte, VaddrSize)
	EncodeVaddr(buf, v)
	got := DecodeVaddr(buf)
	assert.Equal(t, v, got)
}
