package qalloc

/**
 * SPDX-License-Identifier: Apache-2.0
 * Copyright 2020 vorteil.io Pty Ltd
 */

import (
	"golang.org/x/sys/unix"

	"github.com/voluta-fs/voluta/pkg/verrors"
)

// region is a single memfd-backed heap of fixed capacity: a sparse file
// mapped once at its full size, with pages committed on demand via
// Fallocate and released via a FALLOC_FL_PUNCH_HOLE hole-punch. Capacity is
// reserved up front (Ftruncate) so the mapping never needs to move once
// established, matching the pre-reserved-budget shape of the original
// page_info/union voluta_page heap.
type region struct {
	fd    int
	mem   []byte
	cap   int64
	memfd bool
}

// memfdSupported is probed once: some sandboxed or older kernels reject the
// memfd_create syscall outright, in which case the region falls back to an
// anonymous private mapping. Not an OS build-tag split: both paths run the
// same Linux code, the probe just picks which syscall provisions the pages.
func probeMemfd() bool {
	fd, err := unix.MemfdCreate("voluta-qalloc-probe", unix.MFD_CLOEXEC)
	if err != nil {
		return false
	}
	unix.Close(fd)
	return true
}

func newRegion(name string, capBytes int64) (*region, error) {
	if capBytes <= 0 {
		return nil, verrors.Wrapf(verrors.ErrInvalidArgument, "qalloc: region %s: non-positive capacity %d", name, capBytes)
	}
	if probeMemfd() {
		return newMemfdRegion(name, capBytes)
	}
	return newAnonRegion(capBytes)
}

func newMemfdRegion(name string, capBytes int64) (*region, error) {
	fd, err := unix.MemfdCreate(name, unix.MFD_CLOEXEC)
	if err != nil {
		return nil, verrors.Wrapf(verrors.ErrIO, "qalloc: memfd_create %s: %v", name, err)
	}
	if err := unix.Ftruncate(fd, capBytes); err != nil {
		unix.Close(fd)
		return nil, verrors.Wrapf(verrors.ErrIO, "qalloc: ftruncate %s to %d: %v", name, capBytes, err)
	}
	mem, err := unix.Mmap(fd, 0, int(capBytes), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		unix.Close(fd)
		return nil, verrors.Wrapf(verrors.ErrIO, "qalloc: mmap %s: %v", name, err)
	}
	return &region{fd: fd, mem: mem, cap: capBytes, memfd: true}, nil
}

// newAnonRegion backs the heap with an anonymous private mapping instead of
// a file descriptor. memref() degrades to returning fd -1 for this region:
// the caller can still use the returned byte slice, just not hand the
// backing store to another process.
func newAnonRegion(capBytes int64) (*region, error) {
	mem, err := unix.Mmap(-1, 0, int(capBytes), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_ANON|unix.MAP_PRIVATE)
	if err != nil {
		return nil, verrors.Wrapf(verrors.ErrIO, "qalloc: anonymous mmap %d: %v", capBytes, err)
	}
	return &region{fd: -1, mem: mem, cap: capBytes, memfd: false}, nil
}

// commit marks [off, off+length) as backed by real pages. On the memfd path
// this is an explicit Fallocate; the anonymous mapping has no sparse
// backing store to provision, so it is a no-op there.
func (r *region) commit(off, length int64) error {
	if !r.memfd {
		return nil
	}
	if err := unix.Fallocate(r.fd, 0, off, length); err != nil {
		return verrors.Wrapf(verrors.ErrIO, "qalloc: fallocate [%d,%d): %v", off, off+length, err)
	}
	return nil
}

// punchHole releases the physical pages backing [off, off+length) back to
// the kernel without shrinking the mapping, the counterpart to commit.
func (r *region) punchHole(off, length int64) error {
	if !r.memfd {
		return nil
	}
	mode := uint32(unix.FALLOC_FL_PUNCH_HOLE | unix.FALLOC_FL_KEEP_SIZE)
	if err := unix.Fallocate(r.fd, mode, off, length); err != nil {
		return verrors.Wrapf(verrors.ErrIO, "qalloc: punch hole [%d,%d): %v", off, off+length, err)
	}
	return nil
}

func (r *region) close() error {
	var err error
	if r.mem != nil {
		err = unix.Munmap(r.mem)
		r.mem = nil
	}
	if r.fd >= 0 {
		if cerr := unix.Close(r.fd); err == nil {
			err = cerr
		}
		r.fd = -1
	}
	if err != nil {
		return verrors.Wrapf(verrors.ErrIO, "qalloc: close region: %v", err)
	}
	return nil
}
