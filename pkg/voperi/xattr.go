package voperi

/**
 * SPDX-License-Identifier: Apache-2.0
 * Copyright 2020 vorteil.io Pty Ltd
 */

import (
	"github.com/voluta-fs/voluta/pkg/vtype"
)

func (o *Ops) loadXattrNode(vaddr vtype.Vaddr) (*XattrNode, error) {
	view, err := o.E.StageVnode(vaddr)
	if err != nil {
		return nil, err
	}
	return DecodeXattrNode(view)
}

func (o *Ops) saveXattrNode(vaddr vtype.Vaddr, n *XattrNode) error {
	payload, err := n.Encode()
	if err != nil {
		return err
	}
	return o.E.WriteVnode(vaddr, payload)
}

// walkXattr invokes visit for every entry across an inode's xattr node
// chain, stopping as soon as visit returns true.
func (o *Ops) walkXattr(head vtype.Vaddr, visit func(e XattrEntry, node *XattrNode, vaddr vtype.Vaddr, idx int) bool) error {
	vaddr := head
	for !vaddr.IsNull() {
		node, err := o.loadXattrNode(vaddr)
		if err != nil {
			return err
		}
		for i, e := range node.Entries {
			if visit(e, node, vaddr, i) {
				return nil
			}
		}
		vaddr = node.Next
	}
	return nil
}

// Setxattr sets (or replaces) the named extended attribute on ino.
func (o *Ops) Setxattr(ino int64, name string, value []byte) error {
	in, vaddr, err := o.loadInode(ino)
	if err != nil {
		return err
	}

	var replaced bool
	var lastVaddr vtype.Vaddr
	var lastNode *XattrNode
	if err := o.walkXattr(in.Xattr, func(e XattrEntry, node *XattrNode, nodeVaddr vtype.Vaddr, idx int) bool {
		lastVaddr, lastNode = nodeVaddr, node
		if e.Name == name {
			node.Entries[idx].Value = value
			replaced = true
			return true
		}
		return false
	}); err != nil {
		return err
	}
	if replaced {
		if err := o.saveXattrNode(lastVaddr, lastNode); err != nil {
			return err
		}
		in.Ctime = now()
		return o.saveInode(vaddr, in)
	}

	if in.Xattr.IsNull() {
		headVaddr, err := o.E.NewVnode(vtype.VXattrNode)
		if err != nil {
			return err
		}
		in.Xattr = headVaddr
		lastVaddr = headVaddr
		lastNode = NewXattrNode()
	}

	if lastNode != nil && lastNode.roomFor(name, value) {
		lastNode.Entries = append(lastNode.Entries, XattrEntry{Name: name, Value: value})
		if err := o.saveXattrNode(lastVaddr, lastNode); err != nil {
			return err
		}
	} else {
		nextVaddr, err := o.E.NewVnode(vtype.VXattrNode)
		if err != nil {
			return err
		}
		next := &XattrNode{Entries: []XattrEntry{{Name: name, Value: value}}}
		if err := o.saveXattrNode(nextVaddr, next); err != nil {
			return err
		}
		if lastNode != nil {
			lastNode.Next = nextVaddr
			if err := o.saveXattrNode(lastVaddr, lastNode); err != nil {
				return err
			}
		}
	}
	in.Ctime = now()
	return o.saveInode(vaddr, in)
}

// Getxattr returns the value bound to name on ino, failing with ErrNoData
// if the attribute is not set.
func (o *Ops) Getxattr(ino int64, name string) ([]byte, error) {
	in, _, err := o.loadInode(ino)
	if err != nil {
		return nil, err
	}
	var found []byte
	var ok bool
	if err := o.walkXattr(in.Xattr, func(e XattrEntry, _ *XattrNode, _ vtype.Vaddr, _ int) bool {
		if e.Name == name {
			found, ok = e.Value, true
			return true
		}
		return false
	}); err != nil {
		return nil, err
	}
	if !ok {
		return nil, ErrNoData
	}
	return found, nil
}

// Listxattr returns every extended attribute name set on ino.
func (o *Ops) Listxattr(ino int64) ([]string, error) {
	in, _, err := o.loadInode(ino)
	if err != nil {
		return nil, err
	}
	var names []string
	err = o.walkXattr(in.Xattr, func(e XattrEntry, _ *XattrNode, _ vtype.Vaddr, _ int) bool {
		names = append(names, e.Name)
		return false
	})
	return names, err
}

// Removexattr removes the named extended attribute from ino, failing with
// ErrNoData if it was not set. Nodes left empty by the removal are kept in
// the chain, matching the directory chain's own reclaim policy.
func (o *Ops) Removexattr(ino int64, name string) error {
	in, vaddr, err := o.loadInode(ino)
	if err != nil {
		return err
	}
	var foundVaddr vtype.Vaddr
	var foundNode *XattrNode
	foundIdx := -1
	if err := o.walkXattr(in.Xattr, func(e XattrEntry, node *XattrNode, nodeVaddr vtype.Vaddr, idx int) bool {
		if e.Name == name {
			foundVaddr, foundNode, foundIdx = nodeVaddr, node, idx
			return true
		}
		return false
	}); err != nil {
		return err
	}
	if foundIdx < 0 {
		return ErrNoData
	}
	foundNode.Entries = append(foundNode.Entries[:foundIdx], foundNode.Entries[foundIdx+1:]...)
	if err := o.saveXattrNode(foundVaddr, foundNode); err != nil {
		return err
	}
	in.Ctime = now()
	return o.saveInode(vaddr, in)
}
