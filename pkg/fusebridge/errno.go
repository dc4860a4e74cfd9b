package fusebridge

/**
 * SPDX-License-Identifier: Apache-2.0
 * Copyright 2020 vorteil.io Pty Ltd
 */

import (
	"syscall"

	"github.com/voluta-fs/voluta/pkg/verrors"
	"github.com/voluta-fs/voluta/pkg/voperi"
)

// toErrno translates a voperi/verrors error into the errno go-fuse reports
// back to the kernel. Everything not recognized here is surfaced as EIO, so
// a storage-core bug is never mistaken by a caller for a clean ENOENT.
func toErrno(err error) syscall.Errno {
	if err == nil {
		return 0
	}
	switch {
	case verrors.Is(err, verrors.ErrNotFound):
		return syscall.ENOENT
	case verrors.Is(err, verrors.ErrInvalidArgument):
		return syscall.EINVAL
	case verrors.Is(err, verrors.ErrNoSpace):
		return syscall.ENOSPC
	case verrors.Is(err, verrors.ErrOutOfMemory):
		return syscall.ENOMEM
	case err == voperi.ErrExist:
		return syscall.EEXIST
	case err == voperi.ErrNotEmpty:
		return syscall.ENOTEMPTY
	case err == voperi.ErrNotDir:
		return syscall.ENOTDIR
	case err == voperi.ErrIsDir:
		return syscall.EISDIR
	case err == voperi.ErrNameTooLong:
		return syscall.ENAMETOOLONG
	case err == voperi.ErrNoData:
		return syscall.ENODATA
	default:
		return syscall.EIO
	}
}
