// Package dispatch implements the object dispatcher: the layer that turns
// space.Space's pure allocation arithmetic, vcache.Cache's write-back
// queues, cstore.Store's encrypt/decrypt and itable.Table's ino index into
// the seven operations the operation layer (pkg/voperi) actually calls —
// new_vspace, new_inode, new_vnode, stage_inode, stage_vnode, del_inode,
// del_vnode. It is the only place a cached block's raw bytes get bound to a
// vtype-tagged view; everywhere else in the tree only sees the typed
// result. Grounded on pkg/space's own "pure logic over staged structures"
// layering, pushed one level up: dispatch is what does the staging
// pkg/space assumed some other caller would do.
package dispatch

/**
 * SPDX-License-Identifier: Apache-2.0
 * Copyright 2020 vorteil.io Pty Ltd
 */

import (
	"math/bits"
	"sort"

	"github.com/voluta-fs/voluta/pkg/cstore"
	"github.com/voluta-fs/voluta/pkg/elog"
	"github.com/voluta-fs/voluta/pkg/itable"
	"github.com/voluta-fs/voluta/pkg/qalloc"
	"github.com/voluta-fs/voluta/pkg/space"
	"github.com/voluta-fs/voluta/pkg/vcache"
	"github.com/voluta-fs/voluta/pkg/vcrypto"
	"github.com/voluta-fs/voluta/pkg/verrors"
	"github.com/voluta-fs/voluta/pkg/vtype"
)

// DefaultQallocBudget bounds the quick-allocator heap backing a mount's
// cached blocks when the caller doesn't ask for a specific size: 64 MiB,
// enough for a few thousand resident 16 KiB blocks before eviction has to
// start paying for itself.
const DefaultQallocBudget = 64 * 1024 * 1024

// dropRounds bounds how many vnodes->inodes->blocks eviction passes a
// heap-pressure Drop runs before giving up and reporting out-of-memory.
const dropRounds = 3

// UspaceRegionAG is the AG index reserved entirely for the uspace-map
// array: NUSPMax uspace-map slots at one block each exactly fill one AG
// (space.NUSPMax == space.BlocksPerAG), so the region needs no separate
// sizing constant of its own.
const UspaceRegionAG = 1

// FirstDataAG is the first AG index available for ordinary allocation; AG
// 0 holds only the super-block (lba 0) and AG UspaceRegionAG holds the
// uspace-map array.
const FirstDataAG = 2

// Engine binds the space engine, the write-back cache, the crypto-store and
// the inode table into the object dispatcher. It assumes single-goroutine
// access, matching the rest of the storage core.
type Engine struct {
	Super  *space.SuperBlock
	Space  *space.Space
	Cache  *vcache.Cache
	CS     *cstore.Store
	ITable *itable.Table
	Log    elog.Logger

	// QA bounds how much process memory the cache's resident blocks may
	// occupy. Every block staged fresh into Cache.Blocks reserves one
	// vtype.B-sized allocation here; staging under heap pressure drives
	// CommitFn and Cache.Drop before giving up with ErrOutOfMemory.
	QA *qalloc.Allocator

	// CommitFn, when set, drains the dirty queue synchronously. Bound by
	// commit.Bind after construction: pkg/commit imports pkg/dispatch, so
	// the dependency can't run the other way.
	CommitFn func(force bool) error

	masterKeys vcrypto.IVKeyPair
	blockMem   map[int64]qalloc.Block
}

// NewEngine binds an already-loaded or freshly-formatted super-block to a
// cache and crypto-store, with the master (iv, key) pair the super-block
// itself was sealed with, and a quick-allocator heap of DefaultQallocBudget
// bytes backing the cache's resident blocks.
func NewEngine(sb *space.SuperBlock, cs *cstore.Store, masterKeys vcrypto.IVKeyPair) *Engine {
	e, err := NewEngineWithHeap(sb, cs, masterKeys, DefaultQallocBudget, false)
	if err != nil {
		// A memfd-backed heap of a fixed, modest size failing to reserve
		// is an environment fault (no anonymous mmap either), not a
		// condition any caller of NewEngine can act on differently; run
		// degraded with heap accounting disabled rather than panicking.
		e = newEngineNoHeap(sb, cs, masterKeys)
	}
	return e
}

// NewEngineWithHeap is NewEngine with an explicit quick-allocator budget and
// pedantic (trash-fill) mode, used by tests exercising heap pressure
// directly against a small budget.
func NewEngineWithHeap(sb *space.SuperBlock, cs *cstore.Store, masterKeys vcrypto.IVKeyPair, budget int64, pedantic bool) (*Engine, error) {
	qa, err := qalloc.New(budget, pedantic)
	if err != nil {
		return nil, err
	}
	e := newEngineNoHeap(sb, cs, masterKeys)
	e.QA = qa
	return e, nil
}

func newEngineNoHeap(sb *space.SuperBlock, cs *cstore.Store, masterKeys vcrypto.IVKeyPair) *Engine {
	return &Engine{
		Super:      sb,
		Space:      space.New(sb),
		Cache:      vcache.New(),
		CS:         cs,
		ITable:     itable.New(),
		Log:        elog.Nop{},
		masterKeys: masterKeys,
		blockMem:   make(map[int64]qalloc.Block),
	}
}

// Close releases the quick-allocator heap backing the cache's resident
// blocks. A no-op if the engine was constructed without one.
func (e *Engine) Close() error {
	if e.QA == nil {
		return nil
	}
	return e.QA.Close()
}

// Logger returns e.Log, falling back to a no-op logger if none was set.
func (e *Engine) Logger() elog.Logger {
	if e.Log == nil {
		return elog.Nop{}
	}
	return e.Log
}

func uspaceMapLba(uspIndex int) int64 {
	return int64(UspaceRegionAG)*space.BlocksPerAG + int64(uspIndex-1)
}

func agroupMapLba(agIndex int64) int64 {
	return agIndex * space.BlocksPerAG
}

func blockLba(agIndex, relLba int64) int64 {
	return agIndex*space.BlocksPerAG + relLba
}

// stageRaw loads and decrypts the physical block at lba through the cache,
// inserting it on first touch and touching its LRU position otherwise.
// Spawning a fresh resident block first reserves its share of the
// quick-allocator heap, driving a forced commit and cache drop under
// pressure before failing the stage with ErrOutOfMemory.
func (e *Engine) stageRaw(lba int64, keys vcrypto.IVKeyPair) ([]byte, error) {
	if be, ok := e.Cache.Blocks.Lookup(uint64(lba), e.Cache.Cycle()); ok {
		return be.Value.([]byte), nil
	}
	if err := e.reserveBlockHeap(lba); err != nil {
		return nil, err
	}
	view, err := e.CS.LoadDecrypt(lba, keys)
	if err != nil {
		e.releaseBlockHeap(lba)
		return nil, err
	}
	e.Cache.Blocks.Insert(uint64(lba), view, e.Cache.Cycle())
	return view, nil
}

// reserveBlockHeap accounts one vtype.B-sized allocation against QA for lba.
// When the heap is exhausted it drives a forced commit of the dirty queue
// (freeing clean candidates) followed by a cache drop, then retries once;
// if the heap is still exhausted the call fails with ErrOutOfMemory, per
// the spawn-under-pressure path a new block must go through.
func (e *Engine) reserveBlockHeap(lba int64) error {
	if e.QA == nil {
		return nil
	}
	if blk, err := e.QA.Alloc(vtype.B); err == nil {
		e.blockMem[lba] = blk
		e.relaxIfOverHalf()
		return nil
	}
	if e.CommitFn != nil {
		_ = e.CommitFn(true)
	}
	e.reclaimBlockHeap()
	blk, err := e.QA.Alloc(vtype.B)
	if err != nil {
		return verrors.Wrapf(verrors.ErrOutOfMemory, "dispatch: heap exhausted staging lba %d", lba)
	}
	e.blockMem[lba] = blk
	return nil
}

// releaseBlockHeap frees lba's heap reservation without waiting for
// eviction, used when staging fails after the reservation already
// succeeded (e.g. a corrupt or short read).
func (e *Engine) releaseBlockHeap(lba int64) {
	if e.QA == nil {
		return
	}
	if blk, ok := e.blockMem[lba]; ok {
		_ = e.QA.Free(blk)
		delete(e.blockMem, lba)
	}
}

// relaxIfOverHalf shrinks one LRU chain once QA's usage has crossed half
// its budget, then reconciles blockMem against whatever Relax evicted.
func (e *Engine) relaxIfOverHalf() {
	if e.QA == nil {
		return
	}
	if e.Cache.Relax(e.QA.Used(), e.QA.Budget()) {
		e.reconcileBlockHeap()
	}
}

// reclaimBlockHeap runs a bounded multi-pass cache drop and reconciles
// blockMem against whatever it evicted, freeing those blocks' heap
// reservations back to QA.
func (e *Engine) reclaimBlockHeap() {
	e.Cache.Drop(dropRounds)
	e.reconcileBlockHeap()
}

// reconcileBlockHeap frees QA reservations for any lba that Relax/Drop
// evicted from Cache.Blocks behind dispatch's back.
func (e *Engine) reconcileBlockHeap() {
	if e.QA == nil {
		return
	}
	for lba, blk := range e.blockMem {
		if !e.Cache.Blocks.Has(uint64(lba)) {
			_ = e.QA.Free(blk)
			delete(e.blockMem, lba)
		}
	}
}

// StageUspaceMap resolves the uspace-map covering agIndex, staging and
// decoding its block through the cache on first access and registering it
// with the space engine.
func (e *Engine) StageUspaceMap(agIndex int64) (*space.UspaceMap, error) {
	uspIndex := space.UspIndexFor(agIndex)
	if u, ok := e.Space.UspaceMapFor(uspIndex); ok {
		return u, nil
	}
	keys, ok := e.Super.UspaceKeyFor(uspIndex)
	if !ok {
		return nil, verrors.Wrapf(verrors.ErrInvalidArgument, "dispatch: no uspace slot for index %d", uspIndex)
	}
	view, err := e.stageRaw(uspaceMapLba(uspIndex), keys)
	if err != nil {
		return nil, err
	}
	u, err := space.DecodeUspaceMap(view)
	if err != nil {
		return nil, err
	}
	e.Space.RegisterUspaceMap(u)
	return u, nil
}

// StageAgroupMap resolves the agroup-map for agIndex, staging it (via its
// owning uspace-map's per-AG key) on first access.
func (e *Engine) StageAgroupMap(agIndex int64) (*space.AgroupMap, error) {
	if ag, ok := e.Space.AgroupMapFor(agIndex); ok {
		return ag, nil
	}
	u, err := e.StageUspaceMap(agIndex)
	if err != nil {
		return nil, err
	}
	idx, err := u.RecordIndex(agIndex)
	if err != nil {
		return nil, err
	}
	rec := &u.AgRecords[idx]
	keys := vcrypto.IVKeyPair{IV: rec.IV, Key: rec.Key}
	view, err := e.stageRaw(agroupMapLba(agIndex), keys)
	if err != nil {
		return nil, err
	}
	ag, err := space.DecodeAgroupMap(view)
	if err != nil {
		return nil, err
	}
	e.Space.RegisterAgroupMap(ag)
	return ag, nil
}

// NewVspace allocates a fresh object of vt, staging whatever uspace-map and
// agroup-map AGs the allocator touches along the way and marking their
// blocks dirty.
func (e *Engine) NewVspace(vt vtype.VType) (vtype.Vaddr, error) {
	vaddr, err := e.Space.Allocate(vt)
	if err == nil {
		return vaddr, e.commitAllocationMetadata(vaddr.AgIndex)
	}
	if !verrors.Is(err, verrors.ErrNoSpace) {
		return vtype.Vaddr{}, err
	}
	if ferr := e.formatNextDataAG(); ferr != nil {
		return vtype.Vaddr{}, err
	}
	vaddr, err = e.Space.Allocate(vt)
	if err != nil {
		return vtype.Vaddr{}, err
	}
	return vaddr, e.commitAllocationMetadata(vaddr.AgIndex)
}

// commitAllocationMetadata re-encodes the agroup-map and uspace-map
// touched by an Allocate/Deallocate call and replaces their cached raw
// buffers, since space.AgroupMap/UspaceMap are decoded structs decoupled
// from the cache's byte-level storage (unlike a vnode, whose Stamp writes
// straight into the shared cached block buffer).
func (e *Engine) commitAllocationMetadata(agIndex int64) error {
	if err := e.resyncAgroupMap(agIndex); err != nil {
		return err
	}
	return e.resyncUspaceMap(space.UspIndexFor(agIndex))
}

func (e *Engine) resyncAgroupMap(agIndex int64) error {
	ag, ok := e.Space.AgroupMapFor(agIndex)
	if !ok {
		return verrors.Wrapf(verrors.ErrInvalidArgument, "dispatch: agroup-map %d not staged", agIndex)
	}
	view, err := ag.Encode()
	if err != nil {
		return err
	}
	return e.replaceCachedBlock(agroupMapLba(agIndex), view)
}

func (e *Engine) resyncUspaceMap(uspIndex int) error {
	u, ok := e.Space.UspaceMapFor(uspIndex)
	if !ok {
		return verrors.Wrapf(verrors.ErrInvalidArgument, "dispatch: uspace-map %d not staged", uspIndex)
	}
	view, err := u.Encode()
	if err != nil {
		return err
	}
	return e.replaceCachedBlock(uspaceMapLba(uspIndex), view)
}

func (e *Engine) replaceCachedBlock(lba int64, view []byte) error {
	e.Cache.NextCycle()
	if be, ok := e.Cache.Blocks.Lookup(uint64(lba), e.Cache.Cycle()); ok {
		be.Value = view
	} else {
		if err := e.reserveBlockHeap(lba); err != nil {
			return err
		}
		e.Cache.Blocks.Insert(uint64(lba), view, e.Cache.Cycle())
	}
	e.Cache.MarkDirty(lba, lba)
	return nil
}

// formatNextDataAG extends the volume by one fresh AG when the allocator
// reports no space anywhere already staged, mirroring the format-time
// per-AG reservation described for mkfs.
func (e *Engine) formatNextDataAG() error {
	agIndex := e.nextUnformattedAG()
	if agIndex < 0 {
		return verrors.Wrap(verrors.ErrNoSpace, "dispatch: volume has no remaining AG slots")
	}
	u, err := e.StageUspaceMap(agIndex)
	if err != nil {
		return err
	}
	idx, err := u.RecordIndex(agIndex)
	if err != nil {
		return err
	}
	iv, err := vcrypto.RandomIV()
	if err != nil {
		return err
	}
	key, err := vcrypto.RandomKey()
	if err != nil {
		return err
	}
	u.AgRecords[idx].IV = iv
	u.AgRecords[idx].Key = key
	u.AgRecords[idx].Formatted = true

	e.Space.RegisterAgroupMap(space.NewAgroupMap(agIndex))
	if err := e.resyncAgroupMap(agIndex); err != nil {
		return err
	}
	return e.resyncUspaceMap(space.UspIndexFor(agIndex))
}

func (e *Engine) nextUnformattedAG() int64 {
	for agIndex := int64(FirstDataAG); agIndex < e.Super.NAG; agIndex++ {
		u, err := e.StageUspaceMap(agIndex)
		if err != nil {
			continue
		}
		idx, err := u.RecordIndex(agIndex)
		if err != nil {
			continue
		}
		if !u.AgRecords[idx].Formatted {
			return agIndex
		}
	}
	return -1
}

// NewInode acquires a fresh ino, allocates its backing vaddr and binds the
// two together in the inode table.
func (e *Engine) NewInode() (int64, vtype.Vaddr, error) {
	vaddr, err := e.NewVspace(vtype.VInode)
	if err != nil {
		return 0, vtype.Vaddr{}, err
	}
	ino := e.ITable.AcquireIno()
	e.ITable.BindIno(ino, vaddr)
	if err := e.stampVnode(vaddr); err != nil {
		return 0, vtype.Vaddr{}, err
	}
	e.Cache.Inodes.Insert(uint64(ino), vaddr, e.Cache.Cycle())
	return ino, vaddr, nil
}

// NewVnode allocates a non-inode object of vt (directory h-tree node, file
// radix node, xattr node, symlink tail or data segment) and stamps its
// header.
func (e *Engine) NewVnode(vt vtype.VType) (vtype.Vaddr, error) {
	vaddr, err := e.NewVspace(vt)
	if err != nil {
		return vtype.Vaddr{}, err
	}
	if err := e.stampVnode(vaddr); err != nil {
		return vtype.Vaddr{}, err
	}
	e.Cache.Vnodes.Insert(uint64(vaddr.Off), vaddr, e.Cache.Cycle())
	return vaddr, nil
}

// stampVnode clears and stamps the header of a freshly allocated object in
// place within its enclosing cached block, marking that block dirty.
func (e *Engine) stampVnode(vaddr vtype.Vaddr) error {
	ag, err := e.StageAgroupMap(vaddr.AgIndex)
	if err != nil {
		return err
	}
	relLba := vaddr.Lba - vaddr.AgIndex*space.BlocksPerAG
	bk, err := ag.BkrefAt(relLba)
	if err != nil {
		return err
	}
	used := 0
	for _, bo := range bk.Boctets {
		used += bits.OnesCount8(bo.Usemask)
	}
	if used == vtype.CellsFor(vaddr.VType) && !e.Cache.Blocks.Has(uint64(vaddr.Lba)) {
		// Sole object in a block the allocator just rekeyed: spawn it zeroed
		// in the cache instead of decrypting stale disk content.
		if err := e.reserveBlockHeap(vaddr.Lba); err != nil {
			return err
		}
		e.Cache.Blocks.Insert(uint64(vaddr.Lba), make([]byte, vtype.B), e.Cache.Cycle())
	}
	blockView, err := e.stageRaw(blockLba(vaddr.AgIndex, relLba), vcrypto.IVKeyPair{IV: bk.IV, Key: bk.Key})
	if err != nil {
		return err
	}
	cellOff := int(vaddr.Off - vaddr.Lba*vtype.B)
	sub := blockView[cellOff : cellOff+int(vaddr.Len)]
	if err := vtype.Stamp(sub, vaddr.VType); err != nil {
		return err
	}
	if vaddr.VType == vtype.VData {
		vtype.SetUnwritten(sub, true)
	} else if err := vtype.Seal(sub); err != nil {
		return err
	}
	e.Cache.NextCycle()
	e.Cache.MarkDirty(blockLba(vaddr.AgIndex, relLba), vaddr.Off)
	return nil
}

// StageInode resolves ino through the inode table and stages its block,
// returning the verified view slice for the caller to interpret.
func (e *Engine) StageInode(ino int64) (vtype.Vaddr, []byte, error) {
	vaddr, err := e.ITable.ResolveIno(ino)
	if err != nil {
		return vtype.Vaddr{}, nil, err
	}
	view, err := e.StageVnode(vaddr)
	return vaddr, view, err
}

// StageVnode stages vaddr's enclosing block (via the cache if already
// resident, else through the agroup-map's bkref key and the crypto-store)
// and returns the verified sub-view for that object alone.
func (e *Engine) StageVnode(vaddr vtype.Vaddr) ([]byte, error) {
	ag, err := e.StageAgroupMap(vaddr.AgIndex)
	if err != nil {
		return nil, err
	}
	relLba := vaddr.Lba - vaddr.AgIndex*space.BlocksPerAG
	bk, err := ag.BkrefAt(relLba)
	if err != nil {
		return nil, err
	}
	blockView, err := e.stageRaw(blockLba(vaddr.AgIndex, relLba), vcrypto.IVKeyPair{IV: bk.IV, Key: bk.Key})
	if err != nil {
		return nil, err
	}
	cellOff := int(vaddr.Off - vaddr.Lba*vtype.B)
	sub := blockView[cellOff : cellOff+int(vaddr.Len)]
	if vaddr.VType != vtype.VData {
		if err := vtype.Verify(sub, vaddr.VType); err != nil {
			return nil, err
		}
	}
	e.Cache.NextCycle()
	if _, ok := e.Cache.Vnodes.Lookup(uint64(vaddr.Off), e.Cache.Cycle()); !ok {
		e.Cache.Vnodes.Insert(uint64(vaddr.Off), vaddr, e.Cache.Cycle())
	}
	return sub, nil
}

// WriteVnode overwrites vaddr's persisted view in place within its
// enclosing cached block with payload (which must be exactly vaddr.Len
// bytes, including the object's own header) and marks that block dirty.
// Used by pkg/voperi after it has decoded, mutated and re-encoded an
// inode, directory node, file node or xattr node.
func (e *Engine) WriteVnode(vaddr vtype.Vaddr, payload []byte) error {
	if int64(len(payload)) != vaddr.Len {
		return verrors.Wrapf(verrors.ErrInvalidArgument, "dispatch: write_vnode: payload %d bytes != vaddr len %d", len(payload), vaddr.Len)
	}
	ag, err := e.StageAgroupMap(vaddr.AgIndex)
	if err != nil {
		return err
	}
	relLba := vaddr.Lba - vaddr.AgIndex*space.BlocksPerAG
	bk, err := ag.BkrefAt(relLba)
	if err != nil {
		return err
	}
	blockView, err := e.stageRaw(blockLba(vaddr.AgIndex, relLba), vcrypto.IVKeyPair{IV: bk.IV, Key: bk.Key})
	if err != nil {
		return err
	}
	cellOff := int(vaddr.Off - vaddr.Lba*vtype.B)
	copy(blockView[cellOff:cellOff+int(vaddr.Len)], payload)
	e.Cache.NextCycle()
	e.Cache.MarkDirty(blockLba(vaddr.AgIndex, relLba), vaddr.Off)
	if _, ok := e.Cache.Vnodes.Lookup(uint64(vaddr.Off), e.Cache.Cycle()); !ok {
		e.Cache.Vnodes.Insert(uint64(vaddr.Off), vaddr, e.Cache.Cycle())
	}
	return nil
}

// DelInode discards ino from the inode table, deallocates its backing
// vaddr, forgets it from the cache and evicts the now-empty agroup-map's
// block if the AG reports no cells left in use.
func (e *Engine) DelInode(ino int64) error {
	vaddr, err := e.ITable.ResolveIno(ino)
	if err != nil {
		return err
	}
	if err := e.ITable.DiscardIno(ino); err != nil {
		return err
	}
	e.Cache.Inodes.Remove(uint64(ino))
	return e.delVspace(vaddr)
}

// DelVnode deallocates a non-inode object's vaddr, forgets it from the
// cache and evicts the now-empty agroup-map's block if applicable.
func (e *Engine) DelVnode(vaddr vtype.Vaddr) error {
	e.Cache.Vnodes.Remove(uint64(vaddr.Off))
	return e.delVspace(vaddr)
}

// PersistITable serializes the entire in-memory inode table into a chain
// of ITableNode blocks and rewrites Super.RootITableVaddr to point at the
// new head, so a later LoadITable call against the same super-block
// recovers every bound ino. Called before unmount; the old chain's blocks
// are simply abandoned (reclaimed the next time their AG is reused).
func (e *Engine) PersistITable() error {
	entries := e.ITable.Entries()
	idx := make([]int64, 0, len(entries))
	for ino := range entries {
		idx = append(idx, ino)
	}
	sort.Slice(idx, func(i, j int) bool { return idx[i] < idx[j] })

	// Build the node list first (pure, in memory), then allocate vaddrs
	// for all of them and encode with each node's Next already known.
	var nodes []*itable.Node
	cur := itable.NewNode()
	nodes = append(nodes, cur)
	for _, ino := range idx {
		if len(cur.Entries) >= itable.CapacityFor(0) {
			cur = itable.NewNode()
			nodes = append(nodes, cur)
		}
		cur.Entries = append(cur.Entries, itable.Entry{Ino: ino, Vaddr: entries[ino]})
	}

	vaddrs := make([]vtype.Vaddr, len(nodes))
	for i := range nodes {
		vaddr, err := e.NewVnode(vtype.VITableNode)
		if err != nil {
			return err
		}
		vaddrs[i] = vaddr
	}
	for i, n := range nodes {
		if i+1 < len(nodes) {
			n.Next = vaddrs[i+1]
		} else {
			n.Next = vtype.Vaddr{}
		}
		view, err := n.Encode()
		if err != nil {
			return err
		}
		if err := e.WriteVnode(vaddrs[i], view); err != nil {
			return err
		}
	}

	if len(vaddrs) > 0 {
		e.Super.RootITableVaddr = vaddrs[0]
	} else {
		e.Super.RootITableVaddr = vtype.Vaddr{}
	}
	return nil
}

// LoadITable walks the ITableNode chain rooted at Super.RootITableVaddr
// and replaces the in-memory inode table with its contents, recovering
// every bound ino and the free-list across a remount of an existing
// volume.
func (e *Engine) LoadITable() error {
	var nodes []*itable.Node
	vaddr := e.Super.RootITableVaddr
	for vaddr.Len != 0 {
		view, err := e.StageVnode(vaddr)
		if err != nil {
			return err
		}
		n, err := itable.DecodeNode(view)
		if err != nil {
			return err
		}
		nodes = append(nodes, n)
		vaddr = n.Next
	}
	e.ITable.Reload(e.Super.RootITableVaddr, 0, nodes)
	if e.Super.RootInoVaddr.Len != 0 {
		for ino, va := range e.ITable.Entries() {
			if va == e.Super.RootInoVaddr {
				e.ITable.BindRootIno(ino)
				break
			}
		}
	}
	return nil
}

// KeysForLba resolves the (iv, key) pair that seals the physical block at
// lba, dispatching on which tier of the super-block -> uspace-map ->
// agroup-map -> block hierarchy lba belongs to. Used by the commit path,
// which walks the dirty queue by lba alone.
func (e *Engine) KeysForLba(lba int64) (vcrypto.IVKeyPair, error) {
	uspRegionStart := int64(UspaceRegionAG) * space.BlocksPerAG
	uspRegionEnd := uspRegionStart + space.NUSPMax
	if lba >= uspRegionStart && lba < uspRegionEnd {
		uspIndex := int(lba-uspRegionStart) + 1
		keys, ok := e.Super.UspaceKeyFor(uspIndex)
		if !ok {
			return vcrypto.IVKeyPair{}, verrors.Wrapf(verrors.ErrInvalidArgument, "dispatch: no uspace slot for lba %d", lba)
		}
		return keys, nil
	}

	agIndex := lba / space.BlocksPerAG
	relLba := lba % space.BlocksPerAG
	u, err := e.StageUspaceMap(agIndex)
	if err != nil {
		return vcrypto.IVKeyPair{}, err
	}
	idx, err := u.RecordIndex(agIndex)
	if err != nil {
		return vcrypto.IVKeyPair{}, err
	}
	if relLba == 0 {
		rec := u.AgRecords[idx]
		return vcrypto.IVKeyPair{IV: rec.IV, Key: rec.Key}, nil
	}
	ag, err := e.StageAgroupMap(agIndex)
	if err != nil {
		return vcrypto.IVKeyPair{}, err
	}
	bk, err := ag.BkrefAt(relLba)
	if err != nil {
		return vcrypto.IVKeyPair{}, err
	}
	return vcrypto.IVKeyPair{IV: bk.IV, Key: bk.Key}, nil
}

// RawBlock returns the currently cached raw bytes for lba, if resident.
func (e *Engine) RawBlock(lba int64) ([]byte, bool) {
	be, ok := e.Cache.Blocks.Lookup(uint64(lba), e.Cache.Cycle())
	if !ok {
		return nil, false
	}
	return be.Value.([]byte), true
}

// VnodeVaddrsAt returns the vaddrs of every vnode currently marked dirty
// within block lba's dirty set.
func (e *Engine) VnodeVaddrsAt(lba int64) []vtype.Vaddr {
	offs := e.Cache.DirtySetFor(lba)
	out := make([]vtype.Vaddr, 0, len(offs))
	for _, off := range offs {
		if off == lba {
			// Whole-block metadata (agroup-map/uspace-map) dirty marker:
			// not a vnode, nothing to seal individually.
			continue
		}
		if be, ok := e.Cache.Vnodes.Lookup(uint64(off), e.Cache.Cycle()); ok {
			if vaddr, ok := be.Value.(vtype.Vaddr); ok {
				out = append(out, vaddr)
			}
		}
	}
	return out
}

func (e *Engine) delVspace(vaddr vtype.Vaddr) error {
	if err := e.Space.Deallocate(vaddr); err != nil {
		return err
	}
	if err := e.commitAllocationMetadata(vaddr.AgIndex); err != nil {
		return err
	}
	ag, ok := e.Space.AgroupMapFor(vaddr.AgIndex)
	if ok && ag.IsEmpty() {
		lba := agroupMapLba(vaddr.AgIndex)
		e.Cache.Blocks.Remove(uint64(lba))
		e.releaseBlockHeap(lba)
	}
	return nil
}
