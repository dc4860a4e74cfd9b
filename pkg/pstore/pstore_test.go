package pstore

/**
 * SPDX-License-Identifier: Apache-2.0
 * Copyright 2020 vorteil.io Pty Ltd
 */

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/voluta-fs/voluta/pkg/verrors"
)

func TestCreateOpenReadWrite(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "vol.img")

	const size = 1 << 20
	s, err := Create(path, size, Limits{})
	require.NoError(t, err)
	assert.Equal(t, int64(size), s.Size())

	buf := []byte("hello-voluta")
	require.NoError(t, s.Write(100, buf))
	require.NoError(t, s.Sync(false))
	require.NoError(t, s.Close())

	s2, err := Open(path, Limits{})
	require.NoError(t, err)
	defer s2.Close()

	got := make([]byte, len(buf))
	require.NoError(t, s2.Read(100, got))
	assert.Equal(t, buf, got)
}

func TestBoundsChecked(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "vol.img")
	s, err := Create(path, 1024, Limits{})
	require.NoError(t, err)
	defer s.Close()

	err = s.Read(1000, make([]byte, 100))
	require.Error(t, err)
	assert.True(t, verrors.Is(err, verrors.ErrIO))
}

func TestSizeValidation(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "vol.img")
	_, err := Create(path, 1000, Limits{AGSize: 1024})
	require.Error(t, err)
	assert.True(t, verrors.Is(err, verrors.ErrInvalidArgument))
}

func TestReadOnlyFallbackRejectsWrites(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "vol.img")
	s, err := Create(path, 4096, Limits{})
	require.NoError(t, err)
	defer s.Close()

	s.SetReadOnly()
	err = s.Write(0, []byte("x"))
	require.Error(t, err)
}
