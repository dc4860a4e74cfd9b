package fusebridge

/**
 * SPDX-License-Identifier: Apache-2.0
 * Copyright 2020 vorteil.io Pty Ltd
 */

import (
	"github.com/hanwen/go-fuse/v2/fs"
	"github.com/hanwen/go-fuse/v2/fuse"

	"github.com/voluta-fs/voluta/pkg/voperi"
)

// Mount binds ops's root directory onto mountpoint and starts serving FUSE
// requests in a background goroutine, returning once the kernel has
// confirmed the mount. Call Server.Unmount (or send an UMOUNT request over
// the control socket) to tear it down.
func Mount(ops *voperi.Ops, mountpoint string, uid, gid uint32, debug bool) (*fuse.Server, error) {
	rootIno, err := ops.EnsureRoot(uid, gid)
	if err != nil {
		return nil, err
	}
	root := newChildNode(ops, rootIno)
	opts := &fs.Options{
		MountOptions: fuse.MountOptions{
			Debug:      debug,
			FsName:     "voluta",
			Name:       "voluta",
			AllowOther: false,
		},
	}
	return fs.Mount(mountpoint, root, opts)
}
