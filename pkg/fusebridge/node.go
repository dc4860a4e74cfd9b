package fusebridge

/**
 * SPDX-License-Identifier: Apache-2.0
 * Copyright 2020 vorteil.io Pty Ltd
 */

import (
	"context"
	"syscall"
	"time"

	"github.com/hanwen/go-fuse/v2/fs"
	"github.com/hanwen/go-fuse/v2/fuse"

	"github.com/voluta-fs/voluta/pkg/voperi"
	"github.com/voluta-fs/voluta/pkg/vtype"
)

// Node is a filesystem node backed by a single ino in a voperi.Ops
// operation layer, mirroring the shape of go-fuse's own loopback node but
// delegating every call to the storage engine instead of the host's
// filesystem.
type Node struct {
	fs.Inode

	Ops *voperi.Ops
	Ino int64
}

var (
	_ = (fs.NodeLookuper)((*Node)(nil))
	_ = (fs.NodeGetattrer)((*Node)(nil))
	_ = (fs.NodeSetattrer)((*Node)(nil))
	_ = (fs.NodeMknoder)((*Node)(nil))
	_ = (fs.NodeMkdirer)((*Node)(nil))
	_ = (fs.NodeUnlinker)((*Node)(nil))
	_ = (fs.NodeRmdirer)((*Node)(nil))
	_ = (fs.NodeRenamer)((*Node)(nil))
	_ = (fs.NodeSymlinker)((*Node)(nil))
	_ = (fs.NodeReadlinker)((*Node)(nil))
	_ = (fs.NodeLinker)((*Node)(nil))
	_ = (fs.NodeOpener)((*Node)(nil))
	_ = (fs.NodeCreater)((*Node)(nil))
	_ = (fs.NodeOpendirer)((*Node)(nil))
	_ = (fs.NodeReaddirer)((*Node)(nil))
	_ = (fs.NodeGetxattrer)((*Node)(nil))
	_ = (fs.NodeSetxattrer)((*Node)(nil))
	_ = (fs.NodeListxattrer)((*Node)(nil))
	_ = (fs.NodeRemovexattrer)((*Node)(nil))
	_ = (fs.NodeAccesser)((*Node)(nil))
	_ = (fs.NodeStatfser)((*Node)(nil))
)

func newChildNode(ops *voperi.Ops, ino int64) *Node {
	return &Node{Ops: ops, Ino: ino}
}

func splitNanos(nanos int64) (sec uint64, nsec uint32) {
	return uint64(nanos / int64(time.Second)), uint32(nanos % int64(time.Second))
}

func fillAttr(in *voperi.Inode, ino int64, attr *fuse.Attr) {
	attr.Ino = uint64(ino)
	attr.Size = uint64(in.Size)
	attr.Blocks = (attr.Size + 511) / 512
	attr.Mode = in.Mode
	attr.Nlink = in.Nlink
	attr.Owner = fuse.Owner{Uid: in.UID, Gid: in.GID}
	attr.Rdev = in.Rdev
	attr.Blksize = uint32(vtype.B)
	attr.Atime, attr.Atimensec = splitNanos(in.Atime)
	attr.Mtime, attr.Mtimensec = splitNanos(in.Mtime)
	attr.Ctime, attr.Ctimensec = splitNanos(in.Ctime)
}

func (n *Node) child(ctx context.Context, ino int64) (*fs.Inode, syscall.Errno) {
	in, err := n.Ops.Getattr(ino)
	if err != nil {
		return nil, toErrno(err)
	}
	child := newChildNode(n.Ops, ino)
	stable := fs.StableAttr{Mode: in.Mode, Ino: uint64(ino)}
	return n.NewInode(ctx, child, stable), 0
}

// Lookup resolves name as a direct child of n.
func (n *Node) Lookup(ctx context.Context, name string, out *fuse.EntryOut) (*fs.Inode, syscall.Errno) {
	ino, err := n.Ops.Lookup(n.Ino, name)
	if err != nil {
		return nil, toErrno(err)
	}
	in, err := n.Ops.Getattr(ino)
	if err != nil {
		return nil, toErrno(err)
	}
	fillAttr(in, ino, &out.Attr)
	ch, errno := n.child(ctx, ino)
	return ch, errno
}

// Getattr returns n's attributes.
func (n *Node) Getattr(ctx context.Context, f fs.FileHandle, out *fuse.AttrOut) syscall.Errno {
	in, err := n.Ops.Getattr(n.Ino)
	if err != nil {
		return toErrno(err)
	}
	fillAttr(in, n.Ino, &out.Attr)
	return 0
}

// Setattr applies a fuse SETATTR request to n.
func (n *Node) Setattr(ctx context.Context, f fs.FileHandle, in *fuse.SetAttrIn, out *fuse.AttrOut) syscall.Errno {
	var req voperi.SetattrReq
	if m, ok := in.GetMode(); ok {
		req.Mode = &m
	}
	if uid, ok := in.GetUID(); ok {
		req.UID = &uid
	}
	if gid, ok := in.GetGID(); ok {
		req.GID = &gid
	}
	if sz, ok := in.GetSize(); ok {
		sz64 := int64(sz)
		req.Size = &sz64
	}
	if mt, ok := in.GetMTime(); ok {
		mtNanos := mt.UnixNano()
		req.Mtime = &mtNanos
	}
	if at, ok := in.GetATime(); ok {
		atNanos := at.UnixNano()
		req.Atime = &atNanos
	}
	updated, err := n.Ops.Setattr(n.Ino, req)
	if err != nil {
		return toErrno(err)
	}
	fillAttr(updated, n.Ino, &out.Attr)
	return 0
}

// Mknod creates a regular file, device node, FIFO or socket named name.
func (n *Node) Mknod(ctx context.Context, name string, mode, rdev uint32, out *fuse.EntryOut) (*fs.Inode, syscall.Errno) {
	owner, _ := fuse.FromContext(ctx)
	ino, err := n.Ops.Mknod(n.Ino, name, mode, rdev, owner.Uid, owner.Gid)
	if err != nil {
		return nil, toErrno(err)
	}
	in, err := n.Ops.Getattr(ino)
	if err != nil {
		return nil, toErrno(err)
	}
	fillAttr(in, ino, &out.Attr)
	return n.child(ctx, ino)
}

// Create creates and opens a regular file named name.
func (n *Node) Create(ctx context.Context, name string, flags uint32, mode uint32, out *fuse.EntryOut) (*fs.Inode, fs.FileHandle, uint32, syscall.Errno) {
	owner, _ := fuse.FromContext(ctx)
	ino, err := n.Ops.Mknod(n.Ino, name, mode|syscall.S_IFREG, 0, owner.Uid, owner.Gid)
	if err != nil {
		return nil, nil, 0, toErrno(err)
	}
	in, err := n.Ops.Getattr(ino)
	if err != nil {
		return nil, nil, 0, toErrno(err)
	}
	fillAttr(in, ino, &out.Attr)
	ch, errno := n.child(ctx, ino)
	if errno != 0 {
		return nil, nil, 0, errno
	}
	return ch, &fileHandle{ops: n.Ops, ino: ino}, 0, 0
}

// Mkdir creates a directory named name.
func (n *Node) Mkdir(ctx context.Context, name string, mode uint32, out *fuse.EntryOut) (*fs.Inode, syscall.Errno) {
	owner, _ := fuse.FromContext(ctx)
	ino, err := n.Ops.Mkdir(n.Ino, name, mode, owner.Uid, owner.Gid)
	if err != nil {
		return nil, toErrno(err)
	}
	in, err := n.Ops.Getattr(ino)
	if err != nil {
		return nil, toErrno(err)
	}
	fillAttr(in, ino, &out.Attr)
	return n.child(ctx, ino)
}

// Unlink removes a non-directory entry named name.
func (n *Node) Unlink(ctx context.Context, name string) syscall.Errno {
	return toErrno(n.Ops.Unlink(n.Ino, name))
}

// Rmdir removes an empty directory entry named name.
func (n *Node) Rmdir(ctx context.Context, name string) syscall.Errno {
	return toErrno(n.Ops.Rmdir(n.Ino, name))
}

// Rename moves name to newName under newParent.
func (n *Node) Rename(ctx context.Context, name string, newParent fs.InodeEmbedder, newName string, flags uint32) syscall.Errno {
	np, ok := newParent.(*Node)
	if !ok {
		return syscall.EXDEV
	}
	return toErrno(n.Ops.Rename(n.Ino, name, np.Ino, newName))
}

// Symlink creates a symlink named name pointing at target.
func (n *Node) Symlink(ctx context.Context, target, name string, out *fuse.EntryOut) (*fs.Inode, syscall.Errno) {
	owner, _ := fuse.FromContext(ctx)
	ino, err := n.Ops.Symlink(n.Ino, name, target, owner.Uid, owner.Gid)
	if err != nil {
		return nil, toErrno(err)
	}
	in, err := n.Ops.Getattr(ino)
	if err != nil {
		return nil, toErrno(err)
	}
	fillAttr(in, ino, &out.Attr)
	return n.child(ctx, ino)
}

// Readlink returns n's symlink target.
func (n *Node) Readlink(ctx context.Context) ([]byte, syscall.Errno) {
	target, err := n.Ops.Readlink(n.Ino)
	if err != nil {
		return nil, toErrno(err)
	}
	return []byte(target), 0
}

// Link binds an additional name to target inside n.
func (n *Node) Link(ctx context.Context, target fs.InodeEmbedder, name string, out *fuse.EntryOut) (*fs.Inode, syscall.Errno) {
	tn, ok := target.(*Node)
	if !ok {
		return nil, syscall.EXDEV
	}
	if err := n.Ops.Link(tn.Ino, n.Ino, name); err != nil {
		return nil, toErrno(err)
	}
	in, err := n.Ops.Getattr(tn.Ino)
	if err != nil {
		return nil, toErrno(err)
	}
	fillAttr(in, tn.Ino, &out.Attr)
	return n.child(ctx, tn.Ino)
}

// Open opens n for file I/O.
func (n *Node) Open(ctx context.Context, flags uint32) (fs.FileHandle, uint32, syscall.Errno) {
	if err := n.Ops.Open(n.Ino); err != nil {
		return nil, 0, toErrno(err)
	}
	return &fileHandle{ops: n.Ops, ino: n.Ino}, 0, 0
}

// Opendir verifies n is a readable directory.
func (n *Node) Opendir(ctx context.Context) syscall.Errno {
	_, err := n.Ops.Readdir(n.Ino)
	return toErrno(err)
}

// Readdir streams n's directory entries.
func (n *Node) Readdir(ctx context.Context) (fs.DirStream, syscall.Errno) {
	entries, err := n.Ops.Readdir(n.Ino)
	if err != nil {
		return nil, toErrno(err)
	}
	list := make([]fuse.DirEntry, 0, len(entries)+2)
	list = append(list, fuse.DirEntry{Name: ".", Ino: uint64(n.Ino), Mode: syscall.S_IFDIR})
	for _, e := range entries {
		in, err := n.Ops.Getattr(e.Ino)
		if err != nil {
			return nil, toErrno(err)
		}
		list = append(list, fuse.DirEntry{Name: e.Name, Ino: uint64(e.Ino), Mode: in.Mode})
	}
	return fs.NewListDirStream(list), 0
}

// Getxattr returns the named extended attribute's value.
func (n *Node) Getxattr(ctx context.Context, attr string, dest []byte) (uint32, syscall.Errno) {
	value, err := n.Ops.Getxattr(n.Ino, attr)
	if err != nil {
		return 0, toErrno(err)
	}
	if len(dest) < len(value) {
		return uint32(len(value)), syscall.ERANGE
	}
	return uint32(copy(dest, value)), 0
}

// Setxattr sets the named extended attribute's value.
func (n *Node) Setxattr(ctx context.Context, attr string, data []byte, flags uint32) syscall.Errno {
	return toErrno(n.Ops.Setxattr(n.Ino, attr, append([]byte(nil), data...)))
}

// Removexattr removes the named extended attribute.
func (n *Node) Removexattr(ctx context.Context, attr string) syscall.Errno {
	return toErrno(n.Ops.Removexattr(n.Ino, attr))
}

// Listxattr lists n's extended attribute names.
func (n *Node) Listxattr(ctx context.Context, dest []byte) (uint32, syscall.Errno) {
	names, err := n.Ops.Listxattr(n.Ino)
	if err != nil {
		return 0, toErrno(err)
	}
	var size int
	for _, name := range names {
		size += len(name) + 1
	}
	if len(dest) < size {
		return uint32(size), syscall.ERANGE
	}
	off := 0
	for _, name := range names {
		off += copy(dest[off:], name)
		dest[off] = 0
		off++
	}
	return uint32(size), 0
}

// Access checks whether mode is permitted for the caller's uid.
func (n *Node) Access(ctx context.Context, mode uint32) syscall.Errno {
	owner, _ := fuse.FromContext(ctx)
	return toErrno(n.Ops.Access(n.Ino, owner.Uid, mode))
}

// Statfs surfaces aggregate volume accounting.
func (n *Node) Statfs(ctx context.Context, out *fuse.StatfsOut) syscall.Errno {
	st := n.Ops.Statfs()
	out.Blocks = uint64(st.TotalBytes) / uint64(vtype.B)
	out.Bfree = uint64(st.FreeBytes) / uint64(vtype.B)
	out.Bavail = out.Bfree
	out.Files = uint64(st.NFiles)
	out.Bsize = uint32(vtype.B)
	out.NameLen = uint32(voperi.MaxNameLen)
	out.Frsize = uint32(vtype.B)
	return 0
}
