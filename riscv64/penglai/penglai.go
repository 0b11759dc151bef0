// Penglai PMP extension top-level ECALL dispatch
// https://github.com/Mechanicu/rustsbi
//
// Copyright (c) The RustSBI Authors. All Rights Reserved.
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

package penglai

import (
	"github.com/Mechanicu/rustsbi/riscv64/penglai/platform"
	"github.com/Mechanicu/rustsbi/riscv64/penglai/sbi"
	"github.com/Mechanicu/rustsbi/riscv64/pmp"
	"github.com/Mechanicu/rustsbi/riscv64/pmpsync"
	"github.com/Mechanicu/rustsbi/riscv64/secmem"
)

// Monitor is a complete Penglai PMP secure monitor instance: the region
// table and cross-hart PMP sync manager it shares between its host and
// enclave extensions, reachable from a single ECALL entry point keyed by
// RISC-V SBI extension ID.
type Monitor struct {
	Host    *Host
	Enclave *Enclave

	regions *secmem.Table
	sync    *pmpsync.Manager
}

// NewMonitor wires up a Monitor for the given platform configuration. csr
// is the calling hart's PMP CSR access, and ipi delivers IPIs to the other
// harts during a PMP sync.
func NewMonitor(cfg platform.Config, self int, csr pmp.CSRAccess, ipi pmpsync.IPISender) *Monitor {
	sync := pmpsync.NewManager(cfg.NumHartMax, csr, ipi)
	regions := secmem.NewTable(cfg.PageSize, sync, csr, self)

	return &Monitor{
		Host:    NewHost(regions, cfg),
		Enclave: NewEnclave(),
		regions: regions,
		sync:    sync,
	}
}

// Init carves out the monitor's first secure memory region, covering
// [addr, addr+length), using cfg's recorded firmware footprint as the PmpSM
// bound.
func (m *Monitor) Init(cfg platform.Config, addr, length uint64) error {
	return m.regions.Init(cfg.SBIStart, cfg.SBIEnd, addr, length)
}

// HandleEcall is the Penglai PMP platform's RustSBI handle_ecall entry
// point: it routes by SBI extension ID to the host or enclave extension,
// and reports invalid_param for anything else.
func (m *Monitor) HandleEcall(extension, function uint64, args [6]uintptr) sbi.Return {
	switch extension {
	case sbi.EIDPenglaiHost:
		return m.Host.HandleEcall(function, args)
	case sbi.EIDPenglaiEnclave:
		return m.Enclave.HandleEcall(function, args)
	default:
		return sbi.InvalidParam()
	}
}

// HandleIPI must be invoked from the platform's IPI trampoline on hart,
// draining that hart's pending PMP reconfigurations.
func (m *Monitor) HandleIPI(hart int) {
	m.sync.HandleIPI(hart)
}
