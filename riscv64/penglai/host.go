// Host-facing Penglai PMP secure memory management
// https://github.com/Mechanicu/rustsbi
//
// Copyright (c) The RustSBI Authors. All Rights Reserved.
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

// Package penglai implements the Penglai PMP secure monitor's SBI
// extensions: secure memory management on the host-facing side, and the
// (currently unimplemented) enclave-facing side. It wires riscv64/pmp,
// riscv64/pmpsync and riscv64/secmem into the fast-path ECALL dispatcher a
// platform's handle_ecall entry point calls into.
package penglai

import (
	"errors"
	"sync/atomic"
	"unsafe"

	"github.com/Mechanicu/rustsbi/riscv64/penglai/platform"
	"github.com/Mechanicu/rustsbi/riscv64/penglai/sbi"
	"github.com/Mechanicu/rustsbi/riscv64/penglai/sbilog"
	"github.com/Mechanicu/rustsbi/riscv64/pmp"
	"github.com/Mechanicu/rustsbi/riscv64/secmem"
)

var (
	ErrInvalidParam = errors.New("penglai: invalid parameter")
	ErrFailed       = errors.New("penglai: operation failed")
)

// Host is the host-facing Penglai PMP extension. It owns the secure memory
// region table and the single-enclave-creation-in-flight guard.
type Host struct {
	regions *secmem.Table
	cfg     platform.Config

	// creating guards ALLOC_ENCLAVE_MM against a second creation request
	// arriving while one is still in flight.
	creating atomic.Bool
}

// NewHost returns a Host backed by regions, an already-constructed secure
// memory region table; cfg supplies the firmware footprint MM_INIT needs to
// re-derive the PmpSM bound.
func NewHost(regions *secmem.Table, cfg platform.Config) *Host {
	return &Host{regions: regions, cfg: cfg}
}

// beginCreate acquires the single-enclave-creation-in-flight flag, and
// returns a release function the caller must defer unconditionally: the
// flag is cleared on every exit path, successful or not, so a failed
// allocation can never wedge every future creation attempt.
func (h *Host) beginCreate() (acquired bool, release func()) {
	if !h.creating.CompareAndSwap(false, true) {
		return false, func() {}
	}

	return true, func() { h.creating.Store(false) }
}

// host2sm copies a value of type T from host memory at hptr into the
// monitor, refusing to dereference hptr if it falls inside any region the
// monitor protects. Host memory is flat and always mapped in this firmware,
// so the only possible failure is a pointer into protected memory or a nil
// pointer; there is no notion of a fault to recover from.
func host2sm[T any](regions *secmem.Table, hptr uintptr) (T, error) {
	var zero T

	if hptr == 0 {
		return zero, ErrInvalidParam
	}

	size := uint64(unsafe.Sizeof(zero))

	if _, protected := regions.ProtectingSlot(uint64(hptr), size); protected {
		return zero, ErrInvalidParam
	}

	return *(*T)(unsafe.Pointer(hptr)), nil
}

// sm2host copies src into host memory at hptr, refusing to write into any
// region the monitor protects. Unlike the version this is ported from,
// sm2host performs the copy: returning success without writing would let a
// caller believe a response landed in host memory when it never did.
func sm2host[T any](regions *secmem.Table, hptr uintptr, src T) error {
	if hptr == 0 {
		return ErrInvalidParam
	}

	size := uint64(unsafe.Sizeof(src))

	if _, protected := regions.ProtectingSlot(uint64(hptr), size); protected {
		sbilog.Errorf("sm2host: destination %#x overlaps a protected region", hptr)
		return ErrInvalidParam
	}

	*(*T)(unsafe.Pointer(hptr)) = src

	return nil
}

// allocEnclaveMem services ALLOC_ENCLAVE_MM: it copies an EnclaveMemArgs
// request from the host, carves the requested size out of the first secure
// memory region with room for it, temporarily grants the host access to the
// new block through PmpTemp so it can zero or populate it, and copies the
// response back.
func (h *Host) allocEnclaveMem(hptr uintptr) sbi.Return {
	acquired, release := h.beginCreate()
	defer release()

	if !acquired {
		return sbi.AlreadyStarted()
	}

	args, err := host2sm[sbi.EnclaveMemArgs](h.regions, hptr)
	if err != nil || args.ReqSize == 0 {
		return sbi.InvalidParam()
	}

	sbilog.Infof("alloc enclave mem req: %d", args.ReqSize)

	region, addr, err := h.regions.AllocAny(args.ReqSize)
	if err != nil {
		return sbi.InvalidParam()
	}

	args.Addr = addr
	args.RspSize = args.ReqSize

	if err := sm2host(h.regions, hptr, args); err != nil {
		h.regions.Free(region, addr, args.RspSize)
		return sbi.Failed()
	}

	if err := h.regions.GrantHostAccess(addr, args.RspSize, grantedHostPerm); err != nil {
		h.regions.Free(region, addr, args.RspSize)
		return sbi.Failed()
	}

	sbilog.Infof("alloc enclave mem rsp: %d at %#x", args.RspSize, args.Addr)

	return sbi.Success(0)
}

// grantedHostPerm is the access the host receives while it has a temporary
// window into a secure region, via allocEnclaveMem/freeEnclaveMem.
const grantedHostPerm = pmp.R | pmp.W

// freeEnclaveMem services FREE_ENCLAVE_MEM: it revokes the host's temporary
// access window if that window covers exactly the block being freed, and
// returns the block to its region's allocator.
//
// A forged or stale addr/size pair is rejected by the allocator, which only
// accepts blocks it has outstanding at that address and size, and is
// reported as failed.
func (h *Host) freeEnclaveMem(hptr uintptr) sbi.Return {
	args, err := host2sm[sbi.EnclaveMemArgs](h.regions, hptr)
	if err != nil {
		sbilog.Errorf("free enclave mem: bad request pointer %#x", hptr)
		return sbi.InvalidParam()
	}

	// PmpTemp not covering [args.Addr, args.Addr+args.ReqSize) is accepted
	// as an idempotent no-op: the host may be freeing a block it already
	// gave up its temporary window on. Any other failure to clear it
	// (e.g. a cross-hart sync failure) still aborts the free.
	if err := h.regions.RetrieveHostAccess(args.Addr, args.ReqSize); err != nil && err != secmem.ErrNoMapping {
		return sbi.Failed()
	}

	region, ok := h.regions.RegionContaining(args.Addr)
	if !ok {
		return sbi.InvalidAddress()
	}

	if err := h.regions.Free(region, args.Addr, args.RspSize); err != nil {
		return sbi.Failed()
	}

	return sbi.Success(0)
}

// memoryExtend services MEMORY_EXTEND: param0/param1 (carried directly in
// args[0]/args[1], not behind a host pointer) name [addr, addr+len) for a
// brand new dynamic secure region, which AddRegion carves out and publishes.
func (h *Host) memoryExtend(args [6]uintptr) sbi.Return {
	addr, length := uint64(args[0]), uint64(args[1])

	if err := h.regions.AddRegion(addr, length); err != nil {
		sbilog.Errorf("memory extend %#x/%#x: %v", addr, length, err)
		return sbi.InvalidParam()
	}

	return sbi.Success(0)
}

// memoryReclaim services MEMORY_RECLAIM: param0 (args[0]) names the region
// to give back by its starting address.
func (h *Host) memoryReclaim(args [6]uintptr) sbi.Return {
	regionStart := uint64(args[0])

	if err := h.regions.Reclaim(regionStart); err != nil {
		sbilog.Errorf("memory reclaim %#x: %v", regionStart, err)
		return sbi.Failed()
	}

	return sbi.Success(0)
}

// mmInit services MM_INIT: param0/param1 (args[0]/args[1]) are addr/len for
// the first dynamic secure region, bootstrapped alongside the table's fixed
// slots using this Host's recorded firmware footprint.
func (h *Host) mmInit(args [6]uintptr) sbi.Return {
	addr, length := uint64(args[0]), uint64(args[1])

	if err := h.regions.Init(h.cfg.SBIStart, h.cfg.SBIEnd, addr, length); err != nil {
		sbilog.Errorf("mm init %#x/%#x: %v", addr, length, err)
		return sbi.InvalidParam()
	}

	return sbi.Success(0)
}

// HandleEcall dispatches a Penglai PMP host-extension ECALL by function ID.
func (h *Host) HandleEcall(function uint64, args [6]uintptr) sbi.Return {
	switch function {
	case sbi.FuncAllocEnclaveMem:
		return h.allocEnclaveMem(args[0])
	case sbi.FuncFreeEnclaveMem:
		return h.freeEnclaveMem(args[0])
	case sbi.FuncMemoryExtend:
		return h.memoryExtend(args)
	case sbi.FuncMemoryReclaim:
		return h.memoryReclaim(args)
	case sbi.FuncMMInit:
		return h.mmInit(args)
	default:
		return sbi.InvalidParam()
	}
}
