// Secure memory region table
// https://github.com/Mechanicu/rustsbi
//
// Copyright (c) The RustSBI Authors. All Rights Reserved.
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

// Package secmem binds PMP slots to buddy-allocated physical memory regions.
//
// Penglai PMP uses PMP slots according to the following scheme:
//
//  1. slot PmpSM: protects the secure monitor itself (this firmware image).
//  2. slot PmpTemp: temporarily grants the host access to a secure region.
//  3. slots 2..(N-2): each protects one physically contiguous secure memory
//     region; regions never overlap.
//  4. slot PmpDefault (the last slot): grants the host access to memory not
//     otherwise protected by the monitor.
package secmem

import (
	"errors"
	"sync"

	"github.com/Mechanicu/rustsbi/riscv64/pmp"
	"github.com/Mechanicu/rustsbi/riscv64/pmpsync"
	"github.com/Mechanicu/rustsbi/riscv64/secmem/buddy"
)

// PMP slot assignment fixed by the region table's layout.
const (
	PmpSM      = 0
	PmpTemp    = 1
	PmpDefault = pmp.Count - 1
)

// defaultMask reserves the slots this table claims for itself; the
// allocator backing unused slots never hands these out.
const defaultMask = uint64(1<<PmpSM | 1<<PmpTemp | 1<<PmpDefault)

var (
	// ErrMisaligned is returned by Init/Extend when addr/len is not
	// PageSize-aligned, wraps around the address space, or is shorter
	// than one page.
	ErrMisaligned = errors.New("secmem: region must be page-aligned and non-wrapping")
	// ErrOverlap is returned when a new region would overlap an existing
	// one.
	ErrOverlap = errors.New("secmem: region overlaps an existing region")
	// ErrNoSlot is returned when every region slot is already in use.
	ErrNoSlot = errors.New("secmem: no free region slot")
	// ErrNotFound is returned when an operation names a region that does
	// not exist or is not valid.
	ErrNotFound = errors.New("secmem: region not found")
	// ErrBusy is returned by Reclaim when the region still has memory
	// outstanding.
	ErrBusy = errors.New("secmem: region has outstanding allocations")
	// ErrNoMem is returned by Alloc when the named region cannot satisfy
	// the request.
	ErrNoMem = buddy.ErrNoMem
	// ErrNoMapping is returned by RetrieveHostAccess when PmpTemp does not
	// currently cover the exact range asked for.
	ErrNoMapping = errors.New("secmem: no matching temporary access window")
)

// Region binds one PMP slot to one physically contiguous, buddy-managed
// memory range.
type Region struct {
	HostMode    pmp.Range
	HostPerm    pmp.Permission
	EnclaveMode pmp.Range
	EnclavePerm pmp.Permission

	Valid bool
	Slot  uint8

	start, length uint64
	alloc         *buddy.Allocator
}

// Start and Length report the physical range a region covers. They are
// meaningless if the region is not Valid.
func (r *Region) Start() uint64  { return r.start }
func (r *Region) Length() uint64 { return r.length }

// Table is the fixed-size array of regions bound to the platform's PMP
// slots, one array per secure monitor instance.
type Table struct {
	sync.Mutex

	regions  [pmp.Count]Region
	slots    *pmp.Bitmap
	pageSize uint64

	sync *pmpsync.Manager
	csr  pmp.CSRAccess
	hart int
}

// NewTable returns an empty Table. pageSize is the platform's minimum
// secure-memory allocation granule; sync and csr are the cross-hart PMP
// propagation and local-hart CSR seams used when binding a region to a slot,
// and hart is this table's owning hart's identity as known to sync.
func NewTable(pageSize uint64, sync *pmpsync.Manager, csr pmp.CSRAccess, hart int) *Table {
	return &Table{
		slots:    pmp.NewBitmap(0, pmp.Count, defaultMask),
		pageSize: pageSize,
		sync:     sync,
		csr:      csr,
		hart:     hart,
	}
}

func (t *Table) checkAlign(addr, length uint64) bool {
	align := t.pageSize

	if addr&(align-1) != 0 {
		return false
	}

	if length < align || length&(align-1) != 0 {
		return false
	}

	return addr+length >= addr
}

// checkOverlap reports whether [addr, addr+length) intersects any valid
// region other than PmpDefault, whose [0, max) span would otherwise make
// every address look like an overlap. It tests against each region's
// declared [start, start+length) footprint rather than its buddy allocator,
// so it also rejects a new region landing on PmpSM or PmpTemp, which never
// have a buddy allocator of their own.
func (t *Table) checkOverlap(addr, length uint64) bool {
	end := addr + length

	for i := range t.regions {
		if i == PmpDefault {
			continue
		}

		r := &t.regions[i]
		if !r.Valid {
			continue
		}

		if r.start < end && addr < r.start+r.length {
			return true
		}
	}

	return false
}

// ProtectingSlot reports the PMP slot of the first valid region (if any)
// whose footprint overlaps [addr, addr+length). It mirrors the
// is_data_protected check used to validate pointers crossing the host/SM
// boundary: a pointer is safe for the monitor to dereference only when its
// whole range lies outside the monitor's own PmpSM footprint and outside
// every dynamic secure region.
func (t *Table) ProtectingSlot(addr, length uint64) (slot uint8, ok bool) {
	t.Lock()
	defer t.Unlock()

	end := addr + length

	for i := range t.regions {
		r := &t.regions[i]
		if !r.Valid {
			continue
		}

		if i == PmpSM {
			if r.start < end && addr < r.start+r.length {
				return uint8(i), true
			}
			continue
		}

		if r.alloc != nil && r.alloc.IsMemOverlap(addr, end) {
			return uint8(i), true
		}
	}

	return 0, false
}

func (t *Table) unusedRegion() (int, *Region) {
	for i := range t.regions {
		if !t.regions[i].Valid {
			return i, &t.regions[i]
		}
	}

	return -1, nil
}

// Init prepares the table's fixed slots (PmpSM, PmpTemp, PmpDefault) and
// carves out the first secure memory region spanning [addr, addr+length) by
// calling AddRegion. smStart/smEnd mark the secure monitor's own footprint,
// recorded as the PmpSM region for overlap and pointer checks only; PmpSM's PMP slot
// is expected to already protect the monitor by the time Init runs and is
// not written here.
func (t *Table) Init(smStart, smEnd, addr, length uint64) error {
	t.Lock()

	sm := &t.regions[PmpSM]
	sm.Valid = true
	sm.start, sm.length = smStart, smEnd-smStart

	def := &t.regions[PmpDefault]
	def.Valid = true
	def.HostMode = pmp.NAPOT
	def.HostPerm = pmp.RWX
	def.start, def.length = 0, ^uint64(0)

	tmp := &t.regions[PmpTemp]
	tmp.Valid = true
	tmp.HostMode = pmp.NAPOT
	tmp.HostPerm = pmp.RWX

	t.Unlock()

	return t.AddRegion(addr, length)
}

// AddRegion brings up a brand new dynamic secure memory region spanning
// [addr, addr+length): it allocates a PMP slot and an unused table entry,
// initializes a buddy allocator over the span, and publishes the resulting
// host-view PMP entry to every hart. Unlike Extend, which grows an
// already-existing region's buddy heap, AddRegion creates the region itself;
// Init calls it once to bring up the table's first region, and it is also
// the operation the MEMORY_EXTEND ECALL drives to add further regions later.
func (t *Table) AddRegion(addr, length uint64) error {
	if !t.checkAlign(addr, length) {
		return ErrMisaligned
	}

	t.Lock()
	defer t.Unlock()

	if t.checkOverlap(addr, length) {
		return ErrOverlap
	}

	_, r := t.unusedRegion()
	if r == nil {
		return ErrNoSlot
	}

	slot, ok := t.slots.Alloc()
	if !ok {
		return ErrNoSlot
	}

	a, err := buddy.New(t.pageSize)
	if err != nil {
		t.slots.Free(slot, ^uint64(0))
		return err
	}

	if err := a.Init(addr, length); err != nil {
		t.slots.Free(slot, ^uint64(0))
		return err
	}

	r.Valid = true
	r.Slot = slot
	r.HostMode = pmp.NAPOT
	r.HostPerm = pmp.NONE
	r.EnclaveMode = pmp.NAPOT
	r.EnclavePerm = pmp.RWX
	r.start, r.length = addr, length
	r.alloc = a

	return t.publish(r)
}

// Extend grows an already-initialized region identified by its starting
// address with [addr, addr+length), which must be page-aligned and must not
// overlap any other region.
func (t *Table) Extend(regionStart, addr, length uint64) error {
	if !t.checkAlign(addr, length) {
		return ErrMisaligned
	}

	t.Lock()
	defer t.Unlock()

	r := t.findByStart(regionStart)
	if r == nil {
		return ErrNotFound
	}

	if t.checkOverlap(addr, length) {
		return ErrOverlap
	}

	return r.alloc.Extend(addr, length)
}

// AllocAny carves size bytes out of the first dynamic region with room for
// it, trying regions in slot order, and returns that region's starting
// address alongside the allocated block's address.
func (t *Table) AllocAny(size uint64) (regionStart, addr uint64, err error) {
	t.Lock()
	candidates := make([]*Region, 0, len(t.regions))
	for i := range t.regions {
		if i == PmpSM || i == PmpTemp || i == PmpDefault {
			continue
		}
		if t.regions[i].Valid {
			candidates = append(candidates, &t.regions[i])
		}
	}
	t.Unlock()

	for _, r := range candidates {
		if a, allocErr := r.alloc.Alloc(size); allocErr == nil {
			return r.start, a, nil
		}
	}

	return 0, 0, ErrNoMem
}

// RegionContaining returns the starting address of the dynamic region whose
// footprint contains addr, if any.
func (t *Table) RegionContaining(addr uint64) (regionStart uint64, ok bool) {
	t.Lock()
	defer t.Unlock()

	for i := range t.regions {
		if i == PmpSM || i == PmpTemp || i == PmpDefault {
			continue
		}

		r := &t.regions[i]
		if r.Valid && r.alloc != nil && r.alloc.IsMemContained(addr, addr+1) {
			return r.start, true
		}
	}

	return 0, false
}

func (t *Table) findByStart(start uint64) *Region {
	for i := range t.regions {
		if i == PmpSM || i == PmpTemp || i == PmpDefault {
			continue
		}

		if t.regions[i].Valid && t.regions[i].start == start {
			return &t.regions[i]
		}
	}

	return nil
}

// Alloc carves size bytes out of the region starting at regionStart.
func (t *Table) Alloc(regionStart, size uint64) (uint64, error) {
	t.Lock()
	r := t.findByStart(regionStart)
	t.Unlock()

	if r == nil {
		return 0, ErrNotFound
	}

	return r.alloc.Alloc(size)
}

// Free releases a block previously returned by Alloc.
func (t *Table) Free(regionStart, addr, size uint64) error {
	t.Lock()
	r := t.findByStart(regionStart)
	t.Unlock()

	if r == nil {
		return ErrNotFound
	}

	return r.alloc.Dealloc(addr, size)
}

// Reclaim releases the PMP slot and buddy state backing the region starting
// at regionStart, returning it to the pool of free slots. A region can only
// be reclaimed once every byte allocated from it has been freed; this
// matches the only safe reading of a monitor that never had its own
// reclaim path to model: handing a slot back while memory drawn from it may
// still be in use would let a new region silently alias live enclave
// memory.
func (t *Table) Reclaim(regionStart uint64) error {
	t.Lock()
	defer t.Unlock()

	r := t.findByStart(regionStart)
	if r == nil {
		return ErrNotFound
	}

	if r.alloc.StatsUsed() != 0 {
		return ErrBusy
	}

	slot := r.Slot

	if err := t.sync.CleanSync(t.hart, slot); err != nil {
		return err
	}

	t.slots.Free(slot, ^uint64(0))
	*r = Region{}

	return nil
}

// publish writes r's PMP slot on every hart through the cross-hart sync
// manager, protecting the region against host access by default.
func (t *Table) publish(r *Region) error {
	return t.sync.Sync(t.hart, r.Slot, r.start, r.length, r.HostMode, r.HostPerm)
}

// GrantHostAccess temporarily widens the host's permissions over
// [addr, addr+length) by repointing the shared PmpTemp slot at it; the
// caller is responsible for calling RevokeHostAccess once the host's access
// window is over. addr/length need not span an entire region: a single
// allocated block is the common case.
func (t *Table) GrantHostAccess(addr, length uint64, perm pmp.Permission) error {
	if err := t.sync.Sync(t.hart, PmpTemp, addr, length, pmp.NAPOT, perm); err != nil {
		return err
	}

	t.Lock()
	t.regions[PmpTemp].start, t.regions[PmpTemp].length = addr, length
	t.Unlock()

	return nil
}

// RevokeHostAccess clears the PmpTemp slot, ending any outstanding
// GrantHostAccess window.
func (t *Table) RevokeHostAccess() error {
	if err := t.sync.CleanSync(t.hart, PmpTemp); err != nil {
		return err
	}

	t.Lock()
	t.regions[PmpTemp].start, t.regions[PmpTemp].length = 0, 0
	t.Unlock()

	return nil
}

// RetrieveHostAccess clears the PmpTemp slot only if it currently covers
// exactly [addr, addr+length); this is the query retrive_kernel_access
// performs before free_enclave_mem lets go of the underlying block. A
// non-matching window is reported as ErrNoMapping and left untouched: the
// caller is expected to treat that as an idempotent no-op rather than a hard
// failure.
func (t *Table) RetrieveHostAccess(addr, length uint64) error {
	t.Lock()
	tmp := &t.regions[PmpTemp]
	match := tmp.start == addr && tmp.length == length
	t.Unlock()

	if !match {
		return ErrNoMapping
	}

	return t.RevokeHostAccess()
}
