package cstore

/**
 * SPDX-License-Identifier: Apache-2.0
 * Copyright 2020 vorteil.io Pty Ltd
 */

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/voluta-fs/voluta/pkg/pstore"
	"github.com/voluta-fs/voluta/pkg/vcrypto"
	"github.com/voluta-fs/voluta/pkg/verrors"
	"github.com/voluta-fs/voluta/pkg/vtype"
)

func newTestStore(t *testing.T, nblocks int64) *Store {
	dir := t.TempDir()
	path := filepath.Join(dir, "vol.img")
	size := nblocks * int64(PhysicalBlockSize)
	ps, err := pstore.Create(path, size, pstore.Limits{})
	require.NoError(t, err)
	t.Cleanup(func() { ps.Close() })
	return New(ps)
}

func randomKeys(t *testing.T) vcrypto.IVKeyPair {
	iv, err := vcrypto.RandomIV()
	require.NoError(t, err)
	key, err := vcrypto.RandomKey()
	require.NoError(t, err)
	return vcrypto.IVKeyPair{IV: iv, Key: key}
}

func TestEncryptSaveLoadDecryptRoundTrip(t *testing.T) {
	cs := newTestStore(t, 4)
	keys := randomKeys(t)

	block := make([]byte, vtype.B)
	require.NoError(t, vtype.Stamp(block, vtype.VInode))
	require.NoError(t, vtype.Seal(block))

	require.NoError(t, cs.EncryptSave(1, keys, block))

	got, err := cs.LoadDecrypt(1, keys)
	require.NoError(t, err)
	assert.Equal(t, block, got)
	require.NoError(t, vtype.Verify(got, vtype.VInode))
}

func TestLoadDecryptWrongKeyFailsAuthentication(t *testing.T) {
	cs := newTestStore(t, 4)
	keys := randomKeys(t)

	block := make([]byte, vtype.B)
	require.NoError(t, vtype.Stamp(block, vtype.VData))
	require.NoError(t, cs.EncryptSave(0, keys, block))

	wrongKeys := randomKeys(t)
	_, err := cs.LoadDecrypt(0, wrongKeys)
	require.Error(t, err)
	assert.True(t, verrors.Is(err, verrors.ErrCorrupted))
}

func TestEncryptSaveRejectsWrongBlockSize(t *testing.T) {
	cs := newTestStore(t, 1)
	keys := randomKeys(t)

	err := cs.EncryptSave(0, keys, make([]byte, vtype.B-1))
	require.Error(t, err)
	assert.True(t, verrors.Is(err, verrors.ErrInvalidArgument))
}

func TestDistinctBlocksDoNotCollide(t *testing.T) {
	cs := newTestStore(t, 4)
	keysA := randomKeys(t)
	keysB := randomKeys(t)

	blockA := make([]byte, vtype.B)
	require.NoError(t, vtype.Stamp(blockA, vtype.VData))
	for i := range blockA[vtype.HeaderSize:] {
		blockA[vtype.HeaderSize+i] = 0xAA
	}

	blockB := make([]byte, vtype.B)
	require.NoError(t, vtype.Stamp(blockB, vtype.VData))
	for i := range blockB[vtype.HeaderSize:] {
		blockB[vtype.HeaderSize+i] = 0xBB
	}

	require.NoError(t, cs.EncryptSave(0, keysA, blockA))
	require.NoError(t, cs.EncryptSave(1, keysB, blockB))

	gotA, err := cs.LoadDecrypt(0, keysA)
	require.NoError(t, err)
	gotB, err := cs.LoadDecrypt(1, keysB)
	require.NoError(t, err)

	assert.Equal(t, blockA, gotA)
	assert.Equal(t, blockB, gotB)
	assert.NotEqual(t, gotA, gotB)
}
