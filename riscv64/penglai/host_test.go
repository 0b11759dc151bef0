// Host-facing Penglai PMP secure memory management
// https://github.com/Mechanicu/rustsbi
//
// Copyright (c) The RustSBI Authors. All Rights Reserved.
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

package penglai

import (
	"testing"
	"unsafe"

	"github.com/Mechanicu/rustsbi/riscv64/penglai/platform"
	"github.com/Mechanicu/rustsbi/riscv64/penglai/sbi"
	"github.com/Mechanicu/rustsbi/riscv64/pmp"
)

type fakeCSR struct {
	addr [pmp.Count]uint64
	cfg  [4]uint64
}

func (c *fakeCSR) ReadAddr(n int) uint64         { return c.addr[n] }
func (c *fakeCSR) WriteAddr(n int, val uint64)   { c.addr[n] = val }
func (c *fakeCSR) ReadCfg(bank int) uint64       { return c.cfg[bank] }
func (c *fakeCSR) WriteCfg(bank int, val uint64) { c.cfg[bank] = val }

func newTestMonitor(t *testing.T) *Monitor {
	t.Helper()

	cfg := platform.Config{
		PageSize:   0x1000,
		NumHartMax: 1,
		SBIStart:   0x80000000,
		SBIEnd:     0x80100000,
	}

	m := NewMonitor(cfg, 0, &fakeCSR{}, nil)

	if err := m.Init(cfg, 0x90000000, 0x10000); err != nil {
		t.Fatalf("Init: %v", err)
	}

	return m
}

// hostArgs keeps every EnclaveMemArgs passed to ptrOf reachable from a
// package-level variable, which moves it to the heap: the monitor addresses
// host memory by raw address, and a Go stack variable can be relocated when
// the stack grows, leaving that address stale.
var hostArgs []*sbi.EnclaveMemArgs

func ptrOf(args *sbi.EnclaveMemArgs) uintptr {
	hostArgs = append(hostArgs, args)
	return uintptr(unsafe.Pointer(args))
}

func TestAllocEnclaveMemRoundTrip(t *testing.T) {
	m := newTestMonitor(t)

	req := sbi.EnclaveMemArgs{ReqSize: 0x1000}
	ret := m.HandleEcall(sbi.EIDPenglaiHost, sbi.FuncAllocEnclaveMem, [6]uintptr{ptrOf(&req)})

	if !ret.IsSuccess() {
		t.Fatalf("alloc failed: %+v", ret)
	}

	if req.RspSize != 0x1000 || req.Addr == 0 {
		t.Fatalf("unexpected response args: %+v", req)
	}

	if m.Host.creating.Load() {
		t.Fatal("creating flag should be cleared once allocEnclaveMem returns")
	}

	freeReq := sbi.EnclaveMemArgs{Addr: req.Addr, ReqSize: req.RspSize, RspSize: req.RspSize}
	ret = m.HandleEcall(sbi.EIDPenglaiHost, sbi.FuncFreeEnclaveMem, [6]uintptr{ptrOf(&freeReq)})

	if !ret.IsSuccess() {
		t.Fatalf("free failed: %+v", ret)
	}
}

func TestAllocEnclaveMemRejectsConcurrentCreate(t *testing.T) {
	m := newTestMonitor(t)

	acquired, release := m.Host.beginCreate()
	if !acquired {
		t.Fatal("expected to acquire the creation flag")
	}
	defer release()

	req := sbi.EnclaveMemArgs{ReqSize: 0x1000}
	ret := m.HandleEcall(sbi.EIDPenglaiHost, sbi.FuncAllocEnclaveMem, [6]uintptr{ptrOf(&req)})

	if ret.Code != sbi.CodeAlreadyStarted {
		t.Fatalf("expected already_started, got %+v", ret)
	}
}

func TestAllocEnclaveMemRejectsZeroSize(t *testing.T) {
	m := newTestMonitor(t)

	req := sbi.EnclaveMemArgs{ReqSize: 0}
	ret := m.HandleEcall(sbi.EIDPenglaiHost, sbi.FuncAllocEnclaveMem, [6]uintptr{ptrOf(&req)})

	if ret.Code != sbi.CodeInvalidParam {
		t.Fatalf("expected invalid_param, got %+v", ret)
	}

	if m.Host.creating.Load() {
		t.Fatal("creating flag must be cleared even on the invalid-size exit path")
	}
}

func TestAllocEnclaveMemRejectsNullPointer(t *testing.T) {
	m := newTestMonitor(t)

	ret := m.HandleEcall(sbi.EIDPenglaiHost, sbi.FuncAllocEnclaveMem, [6]uintptr{0})

	if ret.Code != sbi.CodeInvalidParam {
		t.Fatalf("expected invalid_param, got %+v", ret)
	}
}

func TestMemoryExtendAddsUsableRegion(t *testing.T) {
	m := newTestMonitor(t)

	ret := m.HandleEcall(sbi.EIDPenglaiHost, sbi.FuncMemoryExtend, [6]uintptr{0xa0000000, 0x10000})
	if !ret.IsSuccess() {
		t.Fatalf("memory extend failed: %+v", ret)
	}

	// allocation is first-fit in table order, so fill the region Init brought
	// up before asking for a block only the extended region can serve.
	first := sbi.EnclaveMemArgs{ReqSize: 0x10000}
	if ret := m.HandleEcall(sbi.EIDPenglaiHost, sbi.FuncAllocEnclaveMem, [6]uintptr{ptrOf(&first)}); !ret.IsSuccess() || first.Addr != 0x90000000 {
		t.Fatalf("alloc filling the Init region: ret %+v, args %+v", ret, first)
	}

	req := sbi.EnclaveMemArgs{ReqSize: 0x10000}
	allocRet := m.HandleEcall(sbi.EIDPenglaiHost, sbi.FuncAllocEnclaveMem, [6]uintptr{ptrOf(&req)})
	if !allocRet.IsSuccess() {
		t.Fatalf("alloc out of extended region failed: %+v", allocRet)
	}

	if req.Addr != 0xa0000000 {
		t.Fatalf("expected allocation from the newly extended region at %#x, got %#x", 0xa0000000, req.Addr)
	}
}

func TestMemoryExtendRejectsOverlapWithSMRegion(t *testing.T) {
	m := newTestMonitor(t)

	ret := m.HandleEcall(sbi.EIDPenglaiHost, sbi.FuncMemoryExtend, [6]uintptr{0x80000000, 0x1000})
	if ret.Code != sbi.CodeInvalidParam {
		t.Fatalf("expected invalid_param for a region overlapping the SM footprint, got %+v", ret)
	}
}

func TestMemoryReclaimFreesExtendedRegion(t *testing.T) {
	m := newTestMonitor(t)

	if ret := m.HandleEcall(sbi.EIDPenglaiHost, sbi.FuncMemoryExtend, [6]uintptr{0xa0000000, 0x10000}); !ret.IsSuccess() {
		t.Fatalf("memory extend failed: %+v", ret)
	}

	ret := m.HandleEcall(sbi.EIDPenglaiHost, sbi.FuncMemoryReclaim, [6]uintptr{0xa0000000})
	if !ret.IsSuccess() {
		t.Fatalf("memory reclaim failed: %+v", ret)
	}
}

func TestMemoryReclaimRejectsUnknownRegion(t *testing.T) {
	m := newTestMonitor(t)

	ret := m.HandleEcall(sbi.EIDPenglaiHost, sbi.FuncMemoryReclaim, [6]uintptr{0xa0000000})
	if ret.Code != sbi.CodeFailed {
		t.Fatalf("expected failed for a region that was never extended, got %+v", ret)
	}
}

func TestMMInitBringsUpFirstRegion(t *testing.T) {
	cfg := platform.Config{
		PageSize:   0x1000,
		NumHartMax: 1,
		SBIStart:   0x80000000,
		SBIEnd:     0x80100000,
	}

	m := NewMonitor(cfg, 0, &fakeCSR{}, nil)

	ret := m.HandleEcall(sbi.EIDPenglaiHost, sbi.FuncMMInit, [6]uintptr{0x90000000, 0x10000})
	if !ret.IsSuccess() {
		t.Fatalf("mm init failed: %+v", ret)
	}

	req := sbi.EnclaveMemArgs{ReqSize: 0x1000}
	allocRet := m.HandleEcall(sbi.EIDPenglaiHost, sbi.FuncAllocEnclaveMem, [6]uintptr{ptrOf(&req)})
	if !allocRet.IsSuccess() {
		t.Fatalf("alloc after mm init failed: %+v", allocRet)
	}
}

func TestUnknownExtensionRejected(t *testing.T) {
	m := newTestMonitor(t)

	ret := m.HandleEcall(0xdeadbeef, 0, [6]uintptr{})
	if ret.Code != sbi.CodeInvalidParam {
		t.Fatalf("expected invalid_param, got %+v", ret)
	}
}

func TestUnregisteredEnclaveExtensionRejected(t *testing.T) {
	m := newTestMonitor(t)

	ret := m.HandleEcall(sbi.EIDPenglaiEnclave, 0, [6]uintptr{})
	if ret.Code != sbi.CodeInvalidParam {
		t.Fatalf("expected invalid_param before a Dispatcher is registered, got %+v", ret)
	}
}

type stubEnclaveDispatcher struct{}

func (stubEnclaveDispatcher) HandleEcall(function uint64, args [6]uintptr) sbi.Return {
	return sbi.Success(0)
}

func TestRegisteredEnclaveExtensionDispatches(t *testing.T) {
	m := newTestMonitor(t)
	m.Enclave.Register(stubEnclaveDispatcher{})

	ret := m.HandleEcall(sbi.EIDPenglaiEnclave, 0, [6]uintptr{})
	if !ret.IsSuccess() {
		t.Fatalf("expected registered dispatcher's response, got %+v", ret)
	}
}
