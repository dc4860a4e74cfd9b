// Package cstore marries the persistent store, the crypto pipeline and the
// object-framing header behind two operations: load_decrypt and
// encrypt_save. It never interprets what it reads or writes — vtype.Verify
// and vtype.Seal stay the caller's responsibility.
package cstore

/**
 * SPDX-License-Identifier: Apache-2.0
 * Copyright 2020 vorteil.io Pty Ltd
 */

import (
	"github.com/voluta-fs/voluta/pkg/pstore"
	"github.com/voluta-fs/voluta/pkg/vcrypto"
	"github.com/voluta-fs/voluta/pkg/verrors"
	"github.com/voluta-fs/voluta/pkg/vtype"
)

// CellSize is the granularity crypto sealing is applied at: every cell of a
// block gets its own GCM nonce and tag.
const CellSize = vtype.K

// PhysicalBlockSize is the on-disk footprint of one logical vtype.B block
// once every cell has grown by its GCM tag. pstore offsets are always
// computed in this unit; vtype.B stays the logical addressing constant
// used everywhere else (vaddr.off, lba arithmetic).
var PhysicalBlockSize = vcrypto.PhysicalSize(vtype.B, CellSize)

// Store composes a persistent store with the crypto pipeline.
type Store struct {
	ps *pstore.Store
}

// New binds a crypto-store to an already-open persistent store.
func New(ps *pstore.Store) *Store {
	return &Store{ps: ps}
}

func (cs *Store) offsetFor(lba int64) int64 {
	return lba * int64(PhysicalBlockSize)
}

// LoadDecrypt reads the physical block at lba through the persistent store
// and decrypts it cell by cell, returning a fresh logical buffer of
// vtype.B bytes. The caller is expected to verify individual views via
// vtype.Verify after staging.
func (cs *Store) LoadDecrypt(lba int64, keys vcrypto.IVKeyPair) ([]byte, error) {
	cipherBlock := make([]byte, PhysicalBlockSize)
	if err := cs.ps.Read(cs.offsetFor(lba), cipherBlock); err != nil {
		return nil, err
	}
	plain, err := vcrypto.DecryptBlock(keys.IV, keys.Key, cipherBlock, CellSize)
	if err != nil {
		return nil, err
	}
	return plain, nil
}

// EncryptSave seals block (exactly vtype.B bytes) into a scratch buffer
// owned by this call and writes it through the persistent store at lba.
// The scratch buffer is freshly allocated per call and never reused across
// concurrent commits, matching the single-threaded commit invariant.
func (cs *Store) EncryptSave(lba int64, keys vcrypto.IVKeyPair, block []byte) error {
	if len(block) != vtype.B {
		return verrors.Wrapf(verrors.ErrInvalidArgument, "cstore: block size %d != %d", len(block), vtype.B)
	}
	cipherBlock, err := vcrypto.EncryptBlock(keys.IV, keys.Key, block, CellSize)
	if err != nil {
		return err
	}
	return cs.ps.Write(cs.offsetFor(lba), cipherBlock)
}

// Sync flushes the underlying persistent store.
func (cs *Store) Sync(datasync bool) error {
	return cs.ps.Sync(datasync)
}
