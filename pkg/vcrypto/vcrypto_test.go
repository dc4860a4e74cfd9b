package vcrypto

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

func TestKDFDeterministic(t *testing.T) {
	iv1, key1, err := KDF([]byte("pw"), []byte("s"))
	require.NoError(t, err)
	iv2, key2, err := KDF([]byte("pw"), []byte("s"))
	require.NoError(t, err)
	assert.Equal(t, iv1, iv2)
	assert.Equal(t, key1, key2)

	iv3, key3, err := KDF([]byte("pw"), []byte("other-salt"))
	require.NoError(t, err)
	assert.NotEqual(t, iv1, iv3)
	assert.NotEqual(t, key1, key3)
}

func TestEncryptDecryptBlockRoundTrip(t *testing.T) {
	iv, key, err := KDF([]byte("pw"), []byte("s"))
	require.NoError(t, err)

	const cellSize = 1024
	const ncells = 16
	plain := make([]byte, cellSize*ncells)
	for i := range plain {
		plain[i] = byte(i)
	}

	cipherBlock, err := EncryptBlock(iv, key, plain, cellSize)
	require.NoError(t, err)
	assert.Equal(t, PhysicalSize(len(plain), cellSize), len(cipherBlock))

	got, err := DecryptBlock(iv, key, cipherBlock, cellSize)
	require.NoError(t, err)
	assert.Equal(t, plain, got)
}

func TestDecryptDetectsTampering(t *testing.T) {
	iv, key, err := KDF([]byte("pw"), []byte("s"))
	require.NoError(t, err)

	const cellSize = 1024
	plain := make([]byte, cellSize*4)
	cipherBlock, err := EncryptBlock(iv, key, plain, cellSize)
	require.NoError(t, err)

	cipherBlock[17] ^= 0xFF

	_, err = DecryptBlock(iv, key, cipherBlock, cellSize)
	require.Error(t, err)
	assert.True(t, verrors.Is(err, verrors.ErrCorrupted))
}

func TestCellsSealedIndependently(t *testing.T) {
	iv, key, err := KDF([]byte("pw"), []byte("s"))
	require.NoError(t, err)

	const cellSize = 1024
	plainA := make([]byte, cellSize*2)
	plainB := make([]byte, cellSize*2)
	for i := cellSize; i < 2*cellSize; i++ {
		plainB[i] = 0xFF
	}

	ca, err := EncryptBlock(iv, key, plainA, cellSize)
	require.NoError(t, err)
	cb, err := EncryptBlock(iv, key, plainB, cellSize)
	require.NoError(t, err)

	assert.Equal(t, ca[:cellSize], cb[:cellSize], "cell 0 identical plaintext must seal identically")
	assert.NotEqual(t, ca[cellSize:2*cellSize], cb[cellSize:2*cellSize])
}

func TestDigestsAndRandom(t *testing.T) {
	sum := SHA256([]byte("abc"))
	assert.NotZero(t, sum)
	sum512 := SHA512([]byte("abc"))
	assert.NotZero(t, sum512)
	assert.NotZero(t, CRC32([]byte("abc")))

	iv, err := RandomIV()
	require.NoError(t, err)
	assert.NotEqual(t, IV{}, iv)

	key, err := RandomKey()
	require.NoError(t, err)
	assert.NotEqual(t, Key{}, key)

	pass, err := RandomPassphrase(16)
	require.NoError(t, err)
	assert.Len(t, pass, 16)
}
