package fusebridge

/**
 * SPDX-License-Identifier: Apache-2.0
 * Copyright 2020 vorteil.io Pty Ltd
 */

import (
	"context"
	"sync"
	"syscall"

	"github.com/hanwen/go-fuse/v2/fs"
	"github.com/hanwen/go-fuse/v2/fuse"

	"github.com/voluta-fs/voluta/pkg/voperi"
)

// fileHandle is the per-open-file state handed back from Node.Open and
// Node.Create. All I/O still goes straight through voperi.Ops; the handle
// itself carries nothing but the target ino and a lock matching the
// granularity go-fuse expects a FileHandle to provide.
type fileHandle struct {
	mu  sync.Mutex
	ops *voperi.Ops
	ino int64
}

var (
	_ = (fs.FileHandle)((*fileHandle)(nil))
	_ = (fs.FileReader)((*fileHandle)(nil))
	_ = (fs.FileWriter)((*fileHandle)(nil))
	_ = (fs.FileFlusher)((*fileHandle)(nil))
	_ = (fs.FileReleaser)((*fileHandle)(nil))
	_ = (fs.FileFsyncer)((*fileHandle)(nil))
	_ = (fs.FileGetattrer)((*fileHandle)(nil))
	_ = (fs.FileAllocater)((*fileHandle)(nil))
)

func (f *fileHandle) Read(ctx context.Context, dest []byte, off int64) (fuse.ReadResult, syscall.Errno) {
	f.mu.Lock()
	defer f.mu.Unlock()
	data, err := f.ops.Read(f.ino, off, len(dest))
	if err != nil {
		return nil, toErrno(err)
	}
	return fuse.ReadResultData(data), 0
}

func (f *fileHandle) Write(ctx context.Context, data []byte, off int64) (uint32, syscall.Errno) {
	f.mu.Lock()
	defer f.mu.Unlock()
	n, err := f.ops.Write(f.ino, off, data)
	if err != nil {
		return uint32(n), toErrno(err)
	}
	return uint32(n), 0
}

func (f *fileHandle) Flush(ctx context.Context) syscall.Errno {
	return 0
}

func (f *fileHandle) Release(ctx context.Context) syscall.Errno {
	return 0
}

func (f *fileHandle) Fsync(ctx context.Context, flags uint32) syscall.Errno {
	return toErrno(f.ops.Fsync(f.ino))
}

func (f *fileHandle) Getattr(ctx context.Context, out *fuse.AttrOut) syscall.Errno {
	in, err := f.ops.Getattr(f.ino)
	if err != nil {
		return toErrno(err)
	}
	fillAttr(in, f.ino, &out.Attr)
	return 0
}

func (f *fileHandle) Allocate(ctx context.Context, off uint64, size uint64, mode uint32) syscall.Errno {
	const keepSizeFlag = 0x01 // FALLOC_FL_KEEP_SIZE
	return toErrno(f.ops.Fallocate(f.ino, int64(off), int64(size), mode&keepSizeFlag != 0))
}
