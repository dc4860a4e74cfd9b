package voperi

/**
 * SPDX-License-Identifier: Apache-2.0
 * Copyright 2020 vorteil.io Pty Ltd
 */

import (
	"time"

	"golang.org/x/sys/unix"

	"github.com/voluta-fs/voluta/pkg/commit"
	"github.com/voluta-fs/voluta/pkg/dispatch"
	"github.com/voluta-fs/voluta/pkg/space"
	"github.com/voluta-fs/voluta/pkg/verrors"
	"github.com/voluta-fs/voluta/pkg/vtype"
)

// Ops is the POSIX operation layer: a thin user of a dispatch.Engine,
// translating namei/attribute/directory/file/xattr/symlink requests into
// the engine's seven staging primitives. It assumes the same
// single-goroutine access the engine itself does; neither it nor
// pkg/fusebridge holds a lock around mount/unmount or around calls into
// Ops (the bridge's only mutex guards a single open file handle).
type Ops struct {
	E *dispatch.Engine
}

// New binds an operation layer to an already-constructed engine.
func New(e *dispatch.Engine) *Ops {
	return &Ops{E: e}
}

func now() int64 { return time.Now().UnixNano() }

// EnsureRoot returns the root directory's ino, creating and binding a
// fresh one (mode S_IFDIR|0755, owned by uid/gid) the first time it is
// called against a freshly formatted volume.
func (o *Ops) EnsureRoot(uid, gid uint32) (int64, error) {
	if o.E.ITable.RootIno != 0 {
		return o.E.ITable.RootIno, nil
	}
	ino, vaddr, err := o.E.NewInode()
	if err != nil {
		return 0, err
	}
	t := now()
	in := &Inode{
		Mode:  unix.S_IFDIR | 0755,
		Nlink: 2,
		UID:   uid,
		GID:   gid,
		Mtime: t,
		Ctime: t,
		Atime: t,
	}
	if err := o.saveInode(vaddr, in); err != nil {
		return 0, err
	}
	o.E.ITable.BindRootIno(ino)
	o.E.Super.RootInoVaddr = vaddr
	return ino, nil
}

func (o *Ops) loadInode(ino int64) (*Inode, vtype.Vaddr, error) {
	vaddr, view, err := o.E.StageInode(ino)
	if err != nil {
		return nil, vtype.Vaddr{}, err
	}
	in, err := DecodeInode(view)
	if err != nil {
		return nil, vtype.Vaddr{}, err
	}
	return in, vaddr, nil
}

func (o *Ops) saveInode(vaddr vtype.Vaddr, in *Inode) error {
	payload, err := in.Encode()
	if err != nil {
		return err
	}
	return o.E.WriteVnode(vaddr, payload)
}

func (o *Ops) loadDirNode(vaddr vtype.Vaddr) (*DirNode, error) {
	view, err := o.E.StageVnode(vaddr)
	if err != nil {
		return nil, err
	}
	return DecodeDirNode(view)
}

func (o *Ops) saveDirNode(vaddr vtype.Vaddr, n *DirNode) error {
	payload, err := n.Encode()
	if err != nil {
		return err
	}
	return o.E.WriteVnode(vaddr, payload)
}

// Getattr stages ino and returns its decoded inode.
func (o *Ops) Getattr(ino int64) (*Inode, error) {
	in, _, err := o.loadInode(ino)
	return in, err
}

// SetattrReq carries the optional fields a Setattr call updates; a nil
// field is left unchanged.
type SetattrReq struct {
	Mode  *uint32
	UID   *uint32
	GID   *uint32
	Size  *int64
	Mtime *int64
	Atime *int64
}

// Setattr applies req to ino's inode, truncating or extending file data
// when Size changes, and returns the updated inode.
func (o *Ops) Setattr(ino int64, req SetattrReq) (*Inode, error) {
	in, vaddr, err := o.loadInode(ino)
	if err != nil {
		return nil, err
	}
	if req.Mode != nil {
		in.Mode = (in.Mode &^ 07777) | (*req.Mode & 07777) | (in.Mode & unix.S_IFMT)
	}
	if req.UID != nil {
		in.UID = *req.UID
	}
	if req.GID != nil {
		in.GID = *req.GID
	}
	if req.Mtime != nil {
		in.Mtime = *req.Mtime
	}
	if req.Atime != nil {
		in.Atime = *req.Atime
	}
	if req.Size != nil {
		if err := o.truncate(in, *req.Size); err != nil {
			return nil, err
		}
	}
	in.Ctime = now()
	if err := o.saveInode(vaddr, in); err != nil {
		return nil, err
	}
	return in, nil
}

// Access is a permission stub: it always succeeds for the owning uid and
// for root, and otherwise checks the "other" permission bits only — group
// membership is not modeled.
func (o *Ops) Access(ino int64, uid uint32, mode uint32) error {
	in, _, err := o.loadInode(ino)
	if err != nil {
		return err
	}
	if uid == 0 || uid == in.UID {
		return nil
	}
	if in.Mode&mode == mode {
		return nil
	}
	return verrors.Wrap(verrors.ErrInvalidArgument, "voperi: access denied")
}

// Statfs surfaces the space engine's aggregate accounting.
func (o *Ops) Statfs() space.StatFS {
	return o.E.Space.Stat()
}

// Fsync forces a commit of every currently dirty block, regardless of the
// low-water mark. The ino argument identifies the request's target for
// callers that log or rate-limit per file; the write-back cache itself
// has no per-file granularity, so the whole dirty queue drains.
func (o *Ops) Fsync(ino int64) error {
	return commit.CommitDirtyQ(o.E, commit.Flags{Force: true})
}
