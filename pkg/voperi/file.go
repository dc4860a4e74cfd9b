package voperi

/**
 * SPDX-License-Identifier: Apache-2.0
 * Copyright 2020 vorteil.io Pty Ltd
 */

import (
	"github.com/voluta-fs/voluta/pkg/verrors"
	"github.com/voluta-fs/voluta/pkg/vtype"
)

// dataPayloadSize is the usable content a single VData object carries once
// its own 16-byte header is accounted for.
const dataPayloadSize = vtype.B - vtype.HeaderSize

func (o *Ops) loadFileNode(vaddr vtype.Vaddr) (*FileNode, error) {
	view, err := o.E.StageVnode(vaddr)
	if err != nil {
		return nil, err
	}
	return DecodeFileNode(view)
}

func (o *Ops) saveFileNode(vaddr vtype.Vaddr, n *FileNode) error {
	payload, err := n.Encode()
	if err != nil {
		return err
	}
	return o.E.WriteVnode(vaddr, payload)
}

// fileBlockVaddr resolves the data vaddr backing file block index idx,
// walking (and, when grow is set, extending) the FileNode chain rooted at
// in.Data. Returns the null vaddr for a hole when grow is false.
func (o *Ops) fileBlockVaddr(in *Inode, inVaddr vtype.Vaddr, idx int, grow bool) (vtype.Vaddr, error) {
	if in.Data.IsNull() {
		if !grow {
			return vtype.Vaddr{}, nil
		}
		headVaddr, err := o.E.NewVnode(vtype.VFileRadixNode)
		if err != nil {
			return vtype.Vaddr{}, err
		}
		in.Data = headVaddr
		if err := o.saveInode(inVaddr, in); err != nil {
			return vtype.Vaddr{}, err
		}
	}

	nodeIdx := idx / blocksPerFileNode
	slot := idx % blocksPerFileNode

	vaddr := in.Data
	for n := 0; n < nodeIdx; n++ {
		node, err := o.loadFileNode(vaddr)
		if err != nil {
			return vtype.Vaddr{}, err
		}
		if node.Next.IsNull() {
			if !grow {
				return vtype.Vaddr{}, nil
			}
			nextVaddr, err := o.E.NewVnode(vtype.VFileRadixNode)
			if err != nil {
				return vtype.Vaddr{}, err
			}
			node.Next = nextVaddr
			if err := o.saveFileNode(vaddr, node); err != nil {
				return vtype.Vaddr{}, err
			}
		}
		vaddr = node.Next
	}

	node, err := o.loadFileNode(vaddr)
	if err != nil {
		return vtype.Vaddr{}, err
	}
	if slot < len(node.Blocks) && !node.Blocks[slot].IsNull() {
		return node.Blocks[slot], nil
	}
	if !grow {
		return vtype.Vaddr{}, nil
	}
	dataVaddr, err := o.E.NewVnode(vtype.VData)
	if err != nil {
		return vtype.Vaddr{}, err
	}
	if slot >= len(node.Blocks) {
		grown := make([]vtype.Vaddr, slot+1)
		copy(grown, node.Blocks)
		node.Blocks = grown
	}
	node.Blocks[slot] = dataVaddr
	if err := o.saveFileNode(vaddr, node); err != nil {
		return vtype.Vaddr{}, err
	}
	return dataVaddr, nil
}

// Open verifies ino exists; files have no open-file-table state to set up.
func (o *Ops) Open(ino int64) error {
	_, _, err := o.loadInode(ino)
	return err
}

// Read returns up to size bytes of ino's data starting at offset,
// returning fewer bytes once it reaches the inode's recorded size. Holes
// (never-written blocks) read back as zeros without staging anything.
func (o *Ops) Read(ino int64, offset int64, size int) ([]byte, error) {
	in, inVaddr, err := o.loadInode(ino)
	if err != nil {
		return nil, err
	}
	if offset >= in.Size || size <= 0 {
		return nil, nil
	}
	if offset+int64(size) > in.Size {
		size = int(in.Size - offset)
	}
	out := make([]byte, size)
	remaining := size
	pos := offset
	for remaining > 0 {
		idx := int(pos / dataPayloadSize)
		blkOff := int(pos % dataPayloadSize)
		n := dataPayloadSize - blkOff
		if n > remaining {
			n = remaining
		}
		dataVaddr, err := o.fileBlockVaddr(in, inVaddr, idx, false)
		if err != nil {
			return nil, err
		}
		if !dataVaddr.IsNull() {
			view, err := o.E.StageVnode(dataVaddr)
			if err != nil {
				return nil, err
			}
			copy(out[size-remaining:], view[vtype.HeaderSize+blkOff:vtype.HeaderSize+blkOff+n])
		}
		remaining -= n
		pos += int64(n)
	}
	in.Atime = now()
	if err := o.saveInode(inVaddr, in); err != nil {
		return nil, err
	}
	return out, nil
}

// Write stores data at offset in ino's data, allocating backing blocks and
// FileNode chain links on demand, and extends the inode's recorded size
// when the write reaches past it.
func (o *Ops) Write(ino int64, offset int64, data []byte) (int, error) {
	in, inVaddr, err := o.loadInode(ino)
	if err != nil {
		return 0, err
	}
	remaining := len(data)
	pos := offset
	for remaining > 0 {
		idx := int(pos / dataPayloadSize)
		blkOff := int(pos % dataPayloadSize)
		n := dataPayloadSize - blkOff
		if n > remaining {
			n = remaining
		}
		dataVaddr, err := o.fileBlockVaddr(in, inVaddr, idx, true)
		if err != nil {
			return 0, err
		}
		view, err := o.E.StageVnode(dataVaddr)
		if err != nil {
			return 0, err
		}
		copy(view[vtype.HeaderSize+blkOff:vtype.HeaderSize+blkOff+n], data[len(data)-remaining:len(data)-remaining+n])
		vtype.SetUnwritten(view, false)
		if err := o.E.WriteVnode(dataVaddr, view); err != nil {
			return 0, err
		}
		remaining -= n
		pos += int64(n)
	}
	if offset+int64(len(data)) > in.Size {
		in.Size = offset + int64(len(data))
	}
	t := now()
	in.Mtime, in.Ctime = t, t
	if err := o.saveInode(inVaddr, in); err != nil {
		return 0, err
	}
	return len(data), nil
}

// Fallocate ensures backing blocks exist for [offset, offset+length),
// extending the inode's recorded size unless keepSize is set.
func (o *Ops) Fallocate(ino int64, offset, length int64, keepSize bool) error {
	if length <= 0 {
		return verrors.Wrap(verrors.ErrInvalidArgument, "voperi: fallocate: non-positive length")
	}
	in, inVaddr, err := o.loadInode(ino)
	if err != nil {
		return err
	}
	first := int(offset / dataPayloadSize)
	last := int((offset + length - 1) / dataPayloadSize)
	for idx := first; idx <= last; idx++ {
		if _, err := o.fileBlockVaddr(in, inVaddr, idx, true); err != nil {
			return err
		}
	}
	if !keepSize && offset+length > in.Size {
		in.Size = offset + length
	}
	in.Ctime = now()
	return o.saveInode(inVaddr, in)
}

// truncate shrinks or grows in's recorded size. Growing never touches any
// block (reads past old size already fall back to the hole case); shrinking
// frees every data block and FileNode link that falls entirely beyond the
// new size.
func (o *Ops) truncate(in *Inode, newSize int64) error {
	if newSize >= in.Size {
		in.Size = newSize
		return nil
	}
	lastIdx := int64(-1)
	if newSize > 0 {
		lastIdx = (newSize - 1) / dataPayloadSize
	}

	var prevVaddr vtype.Vaddr
	vaddr := in.Data
	idx := int64(0)
	for !vaddr.IsNull() {
		node, err := o.loadFileNode(vaddr)
		if err != nil {
			return err
		}
		beyond := idx > lastIdx
		dirty := false
		for i := range node.Blocks {
			if idx+int64(i) > lastIdx && !node.Blocks[i].IsNull() {
				if err := o.E.DelVnode(node.Blocks[i]); err != nil {
					return err
				}
				node.Blocks[i] = vtype.Vaddr{}
				dirty = true
			}
		}
		next := node.Next
		if beyond {
			if err := o.E.DelVnode(vaddr); err != nil {
				return err
			}
			if prevVaddr.IsNull() {
				in.Data = vtype.Vaddr{}
			} else {
				prevNode, err := o.loadFileNode(prevVaddr)
				if err != nil {
					return err
				}
				prevNode.Next = vtype.Vaddr{}
				if err := o.saveFileNode(prevVaddr, prevNode); err != nil {
					return err
				}
			}
		} else {
			if dirty {
				if err := o.saveFileNode(vaddr, node); err != nil {
					return err
				}
			}
			prevVaddr = vaddr
		}
		idx += int64(blocksPerFileNode)
		vaddr = next
	}
	in.Size = newSize
	return nil
}
