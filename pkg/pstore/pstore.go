// Package pstore implements the persistent store: a
// flock-guarded, bounds-checked random-access file or block device, covering
// both a plain disk-image file and a raw block device opened at arbitrary
// offsets.
package pstore

/**
 * SPDX-License-Identifier: Apache-2.0
 * Copyright 2020 vorteil.io Pty Ltd
 */

import (
	"io"
	"os"

	"github.com/voluta-fs/voluta/pkg/verrors"
	"golang.org/x/sys/unix"
)

// Store wraps the backing volume file or block device.
type Store struct {
	f        *os.File
	size     int64
	readOnly bool
}

// Limits bound acceptable volume sizes ("verifies size is a
// multiple of AG size and within [size_min, size_max]").
type Limits struct {
	AGSize  int64
	SizeMin int64
	SizeMax int64
}

// Open opens path with O_RDWR, verifies its size against lim, and acquires
// an advisory whole-file write lock held for the lifetime of the mount.
func Open(path string, lim Limits) (*Store, error) {
	f, err := os.OpenFile(path, os.O_RDWR, 0)
	if err != nil {
		return nil, verrors.Wrapf(verrors.ErrIO, "pstore: open %s: %v", path, err)
	}

	fi, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, verrors.Wrapf(verrors.ErrIO, "pstore: stat %s: %v", path, err)
	}
	size := fi.Size()

	if err := validateSize(size, lim); err != nil {
		f.Close()
		return nil, err
	}

	if err := unix.Flock(int(f.Fd()), unix.LOCK_EX|unix.LOCK_NB); err != nil {
		f.Close()
		return nil, verrors.Wrapf(verrors.ErrIO, "pstore: flock %s: %v", path, err)
	}

	return &Store{f: f, size: size}, nil
}

func validateSize(size int64, lim Limits) error {
	if lim.AGSize > 0 && size%lim.AGSize != 0 {
		return verrors.Wrapf(verrors.ErrInvalidArgument, "pstore: size %d not a multiple of AG size %d", size, lim.AGSize)
	}
	if lim.SizeMin > 0 && size < lim.SizeMin {
		return verrors.Wrapf(verrors.ErrInvalidArgument, "pstore: size %d below minimum %d", size, lim.SizeMin)
	}
	if lim.SizeMax > 0 && size > lim.SizeMax {
		return verrors.Wrapf(verrors.ErrInvalidArgument, "pstore: size %d above maximum %d", size, lim.SizeMax)
	}
	return nil
}

// Create formats a fresh volume file of the given size at path, truncating
// any prior content, and opens it the same way Open would.
func Create(path string, size int64, lim Limits) (*Store, error) {
	if err := validateSize(size, lim); err != nil {
		return nil, err
	}
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0600)
	if err != nil {
		return nil, verrors.Wrapf(verrors.ErrIO, "pstore: create %s: %v", path, err)
	}
	if err := f.Truncate(size); err != nil {
		f.Close()
		return nil, verrors.Wrapf(verrors.ErrIO, "pstore: truncate %s: %v", path, err)
	}
	if err := unix.Flock(int(f.Fd()), unix.LOCK_EX|unix.LOCK_NB); err != nil {
		f.Close()
		return nil, verrors.Wrapf(verrors.ErrIO, "pstore: flock %s: %v", path, err)
	}
	return &Store{f: f, size: size}, nil
}

// Size returns the cached volume size.
func (s *Store) Size() int64 {
	return s.size
}

func (s *Store) checkBounds(off int64, length int) error {
	if off < 0 || length < 0 {
		return verrors.Wrapf(verrors.ErrInvalidArgument, "pstore: negative offset/length")
	}
	if off+int64(length) > s.size {
		return verrors.Wrapf(verrors.ErrIO, "pstore: [%d,%d) exceeds volume size %d", off, off+int64(length), s.size)
	}
	return nil
}

// Read fills buf from off. Partial reads (short of len(buf)) return
// verrors.ErrIO.
func (s *Store) Read(off int64, buf []byte) error {
	if err := s.checkBounds(off, len(buf)); err != nil {
		return err
	}
	n, err := s.f.ReadAt(buf, off)
	if err != nil && err != io.EOF {
		return verrors.Wrapf(verrors.ErrIO, "pstore: read at %d: %v", off, err)
	}
	if n != len(buf) {
		return verrors.Wrapf(verrors.ErrIO, "pstore: short read at %d (%d/%d)", off, n, len(buf))
	}
	return nil
}

// Write writes buf at off. Partial writes return verrors.ErrIO.
func (s *Store) Write(off int64, buf []byte) error {
	if s.readOnly {
		return verrors.Wrap(verrors.ErrIO, "pstore: store is read-only")
	}
	if err := s.checkBounds(off, len(buf)); err != nil {
		return err
	}
	n, err := s.f.WriteAt(buf, off)
	if err != nil {
		return verrors.Wrapf(verrors.ErrIO, "pstore: write at %d: %v", off, err)
	}
	if n != len(buf) {
		return verrors.Wrapf(verrors.ErrIO, "pstore: short write at %d (%d/%d)", off, n, len(buf))
	}
	return nil
}

// Sync flushes pending writes. When datasync is true only file data (not
// metadata) is guaranteed durable, matching fdatasync semantics.
func (s *Store) Sync(datasync bool) error {
	var err error
	if datasync {
		err = unix.Fdatasync(int(s.f.Fd()))
	} else {
		err = s.f.Sync()
	}
	if err != nil {
		return verrors.Wrapf(verrors.ErrIO, "pstore: sync: %v", err)
	}
	return nil
}

// SetReadOnly flips the store into read-only fallback mode: later Writes
// fail with verrors.ErrIO while Reads keep working.
func (s *Store) SetReadOnly() {
	s.readOnly = true
}

// ReadOnly reports whether the store is in read-only fallback mode.
func (s *Store) ReadOnly() bool {
	return s.readOnly
}

// Close flushes pending writes and releases the lock and file handle.
func (s *Store) Close() error {
	if !s.readOnly {
		if err := s.f.Sync(); err != nil {
			s.f.Close()
			return verrors.Wrapf(verrors.ErrIO, "pstore: close sync: %v", err)
		}
	}
	if err := s.f.Close(); err != nil {
		return verrors.Wrapf(verrors.ErrIO, "pstore: close: %v", err)
	}
	return nil
}
