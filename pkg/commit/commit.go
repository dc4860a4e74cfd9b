// Package commit implements the commit path: draining the write-back
// cache's dirty queue, sealing every non-DATA vnode a dirty block carries,
// encrypting and writing each block through the crypto-store, and stopping
// at the first write failure. Grounded on pkg/vcache's dirty-queue/dirty-set
// bookkeeping and pkg/dispatch's key resolution, composed the way pkg/space
// composes pure logic over already staged structures — commit adds nothing
// but the drain loop. It does not switch the store to read-only.
package commit

/**
 * SPDX-License-Identifier: Apache-2.0
 * Copyright 2020 vorteil.io Pty Ltd
 */

import (
	"github.com/voluta-fs/voluta/pkg/dispatch"
	"github.com/voluta-fs/voluta/pkg/elog"
	"github.com/voluta-fs/voluta/pkg/space"
	"github.com/voluta-fs/voluta/pkg/verrors"
	"github.com/voluta-fs/voluta/pkg/vtype"
)

// LowWaterMark is the dirty-queue size below which a non-forced commit is
// skipped, batching small bursts of writes into fewer encrypt/write cycles.
const LowWaterMark = 512

// Flags selects commit behavior.
type Flags struct {
	// Force commits even when the dirty queue is below LowWaterMark.
	Force bool
	// Sync additionally flushes the underlying persistent store once the
	// dirty queue has drained.
	Sync bool
	// Datasync, when Sync is set, requests fdatasync semantics instead of
	// a full metadata sync.
	Datasync bool
}

// Bind installs CommitDirtyQ as e's forced-commit hook, letting the
// dispatcher drive a synchronous drain of the dirty queue when its
// quick-allocator heap is exhausted, without pkg/dispatch importing
// pkg/commit (which already imports pkg/dispatch for *dispatch.Engine).
func Bind(e *dispatch.Engine) {
	e.CommitFn = func(force bool) error {
		return CommitDirtyQ(e, Flags{Force: force})
	}
}

// CommitDirtyQ drains engine's dirty queue: for each dirty block it seals
// every non-DATA vnode in that block's dirty set, resolves the block's
// (iv, key) through the super-block -> uspace-map -> agroup-map -> bkref
// hierarchy, and writes it through the crypto-store. On a write failure the
// drain stops, the store gets a best-effort sync and the error is returned
// to the caller (pkg/voperi, pkg/fusebridge). The store is not set
// read-only here, so later writes are still attempted.
func CommitDirtyQ(e *dispatch.Engine, flags Flags) error {
	if !flags.Force && e.Cache.DirtyQueueLen() < LowWaterMark {
		return nil
	}
	for {
		lba, ok := e.Cache.PopDirty()
		if !ok {
			break
		}
		if err := commitBlock(e, lba); err != nil {
			_ = e.CS.Sync(false) // best-effort flush before returning the error
			return err
		}
		e.Cache.ClearDirty(lba)
	}
	if flags.Sync {
		return e.CS.Sync(flags.Datasync)
	}
	return nil
}

func commitBlock(e *dispatch.Engine, lba int64) error {
	view, ok := e.RawBlock(lba)
	if !ok {
		return verrors.Wrapf(verrors.ErrCorrupted, "commit: dirty lba %d not resident in cache", lba)
	}
	for _, vaddr := range e.VnodeVaddrsAt(lba) {
		if vaddr.VType == vtype.VData {
			continue
		}
		cellOff := int(vaddr.Off - vaddr.Lba*vtype.B)
		sub := view[cellOff : cellOff+int(vaddr.Len)]
		if err := vtype.Seal(sub); err != nil {
			return err
		}
	}
	if err := zeroFillUnwritten(e, lba, view); err != nil {
		return err
	}
	keys, err := e.KeysForLba(lba)
	if err != nil {
		return err
	}
	if err := e.CS.EncryptSave(lba, keys, view); err != nil {
		e.Logger().WithFields(elog.Fields{"lba": lba, "error": err}).Errorf("commit: encrypt_save failed")
		return err
	}
	return nil
}

// zeroFillUnwritten enforces the unwritten-cell guarantee at commit time:
// a data block allocated but never written still carries whatever stale
// bytes its cells held in the cache, so every boctet still flagged
// unwritten is zeroed here, just before encryption, and the flag cleared
// in the agroup-map so later reads of that cell return zeros without
// needing to re-check at read time. Metadata blocks (the agroup-map's own
// block and the uspace-map region) carry no per-cell unwritten tracking
// and are skipped.
func zeroFillUnwritten(e *dispatch.Engine, lba int64, view []byte) error {
	uspRegionStart := int64(dispatch.UspaceRegionAG) * space.BlocksPerAG
	uspRegionEnd := uspRegionStart + space.NUSPMax
	if lba >= uspRegionStart && lba < uspRegionEnd {
		return nil
	}
	agIndex := lba / space.BlocksPerAG
	relLba := lba % space.BlocksPerAG
	if relLba == 0 {
		return nil
	}

	ag, err := e.StageAgroupMap(agIndex)
	if err != nil {
		return err
	}
	bk, err := ag.BkrefAt(relLba)
	if err != nil {
		return err
	}
	dirty := false
	for i := range bk.Boctets {
		if !bk.Boctets[i].Unwritten {
			continue
		}
		off := i * space.CellsPerBO * vtype.K
		n := space.CellsPerBO * vtype.K
		for j := off; j < off+n; j++ {
			view[j] = 0
		}
		dirty = true
	}
	if dirty {
		if err := ag.ClearUnwritten(relLba); err != nil {
			return err
		}
	}
	return nil
}
