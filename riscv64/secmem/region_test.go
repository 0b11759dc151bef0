// Secure memory region table
// https://github.com/Mechanicu/rustsbi
//
// Copyright (c) The RustSBI Authors. All Rights Reserved.
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

package secmem

import (
	"testing"

	"github.com/Mechanicu/rustsbi/riscv64/pmp"
	"github.com/Mechanicu/rustsbi/riscv64/pmpsync"
)

const pageSize = 0x1000

type fakeCSR struct {
	addr [pmp.Count]uint64
	cfg  [4]uint64
}

func (c *fakeCSR) ReadAddr(n int) uint64         { return c.addr[n] }
func (c *fakeCSR) WriteAddr(n int, val uint64)   { c.addr[n] = val }
func (c *fakeCSR) ReadCfg(bank int) uint64       { return c.cfg[bank] }
func (c *fakeCSR) WriteCfg(bank int, val uint64) { c.cfg[bank] = val }

// newSingleHartTable builds a Table with no peer harts, so Sync/CleanSync
// write straight through to csr without ever needing an IPISender.
func newSingleHartTable() (*Table, *fakeCSR) {
	csr := &fakeCSR{}
	mgr := pmpsync.NewManager(1, csr, nil)
	return NewTable(pageSize, mgr, csr, 0), csr
}

func TestInitBindsFixedSlotsAndFirstRegion(t *testing.T) {
	table, csr := newSingleHartTable()

	if err := table.Init(0x80000000, 0x80100000, 0x90000000, 0x10000); err != nil {
		t.Fatalf("Init: %v", err)
	}

	r := table.findByStart(0x90000000)
	if r == nil || !r.Valid {
		t.Fatal("expected a valid region at 0x90000000")
	}

	addr, mode, perm, err := pmp.ReadEntry(csr, int(r.Slot))
	if err != nil {
		t.Fatalf("ReadEntry: %v", err)
	}

	if addr != 0x90000000 || mode != pmp.NAPOT || perm != pmp.NONE {
		t.Fatalf("PMP slot = (%#x, %v, %v), want (0x90000000, NAPOT, NONE)", addr, mode, perm)
	}
}

func TestExtendIntoDisjointRangeSucceeds(t *testing.T) {
	table, _ := newSingleHartTable()

	if err := table.Init(0x80000000, 0x80100000, 0x90000000, 0x10000); err != nil {
		t.Fatalf("Init: %v", err)
	}

	r := table.findByStart(0x90000000)
	if err := table.Extend(r.start, 0x90010000, pageSize); err != nil {
		t.Fatalf("Extend into disjoint range unexpectedly failed: %v", err)
	}
}

func TestExtendRejectsRangeOverlappingExistingFootprint(t *testing.T) {
	table, _ := newSingleHartTable()

	if err := table.Init(0x80000000, 0x80100000, 0x90000000, 0x10000); err != nil {
		t.Fatalf("Init: %v", err)
	}

	if err := table.Extend(0x90000000, 0x90008000, pageSize); err != ErrOverlap {
		t.Fatalf("expected ErrOverlap for a range inside the existing region, got %v", err)
	}
}

func TestInitRejectsMisalignedRange(t *testing.T) {
	table, _ := newSingleHartTable()

	if err := table.Init(0x80000000, 0x80100000, 0x90000001, 0x10000); err != ErrMisaligned {
		t.Fatalf("expected ErrMisaligned, got %v", err)
	}
}

func TestAllocFreeRoundTrip(t *testing.T) {
	table, _ := newSingleHartTable()

	if err := table.Init(0x80000000, 0x80100000, 0x90000000, 0x10000); err != nil {
		t.Fatalf("Init: %v", err)
	}

	addr, err := table.Alloc(0x90000000, pageSize)
	if err != nil {
		t.Fatalf("Alloc: %v", err)
	}

	if err := table.Free(0x90000000, addr, pageSize); err != nil {
		t.Fatalf("Free: %v", err)
	}
}

func TestReclaimRequiresRegionToBeFullyFreed(t *testing.T) {
	table, _ := newSingleHartTable()

	if err := table.Init(0x80000000, 0x80100000, 0x90000000, 0x10000); err != nil {
		t.Fatalf("Init: %v", err)
	}

	addr, err := table.Alloc(0x90000000, pageSize)
	if err != nil {
		t.Fatalf("Alloc: %v", err)
	}

	if err := table.Reclaim(0x90000000); err != ErrBusy {
		t.Fatalf("expected ErrBusy while memory is outstanding, got %v", err)
	}

	if err := table.Free(0x90000000, addr, pageSize); err != nil {
		t.Fatalf("Free: %v", err)
	}

	if err := table.Reclaim(0x90000000); err != nil {
		t.Fatalf("Reclaim: %v", err)
	}

	if table.findByStart(0x90000000) != nil {
		t.Fatal("region should no longer be findable after Reclaim")
	}
}

func TestGrantAndRevokeHostAccess(t *testing.T) {
	table, csr := newSingleHartTable()

	if err := table.Init(0x80000000, 0x80100000, 0x90000000, 0x10000); err != nil {
		t.Fatalf("Init: %v", err)
	}

	if err := table.GrantHostAccess(0x90000000, 0x10000, pmp.R); err != nil {
		t.Fatalf("GrantHostAccess: %v", err)
	}

	addr, mode, perm, _ := pmp.ReadEntry(csr, PmpTemp)
	if addr != 0x90000000 || mode != pmp.NAPOT || perm != pmp.R {
		t.Fatalf("PmpTemp = (%#x, %v, %v), want (0x90000000, NAPOT, R)", addr, mode, perm)
	}

	if err := table.RevokeHostAccess(); err != nil {
		t.Fatalf("RevokeHostAccess: %v", err)
	}

	_, mode, perm, _ = pmp.ReadEntry(csr, PmpTemp)
	if mode != pmp.OFF || perm != pmp.NONE {
		t.Fatalf("PmpTemp after revoke = (%v, %v), want (OFF, NONE)", mode, perm)
	}
}

func TestAllocUnknownRegion(t *testing.T) {
	table, _ := newSingleHartTable()

	if _, err := table.Alloc(0x12345678, pageSize); err != ErrNotFound {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}
