// Enclave-facing Penglai PMP extension
// https://github.com/Mechanicu/rustsbi
//
// Copyright (c) The RustSBI Authors. All Rights Reserved.
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

package penglai

import "github.com/Mechanicu/rustsbi/riscv64/penglai/sbi"

// Dispatcher handles enclave-extension ECALLs once the enclave life-cycle
// subsystem (create/run/stop/attest) is registered against this extension.
type Dispatcher interface {
	HandleEcall(function uint64, args [6]uintptr) sbi.Return
}

// Enclave is the enclave-facing Penglai PMP extension. It is a reserved
// seam: calling it before a Dispatcher is registered reports
// invalid-parameter, the same code an unknown host function ID gets.
type Enclave struct {
	dispatcher Dispatcher
}

// NewEnclave returns an unregistered Enclave extension handler.
func NewEnclave() *Enclave { return &Enclave{} }

// Register installs d as the enclave life-cycle handler.
func (e *Enclave) Register(d Dispatcher) { e.dispatcher = d }

// HandleEcall dispatches a Penglai PMP enclave-extension ECALL to the
// registered Dispatcher, if any.
func (e *Enclave) HandleEcall(function uint64, args [6]uintptr) sbi.Return {
	if e.dispatcher == nil {
		return sbi.InvalidParam()
	}

	return e.dispatcher.HandleEcall(function, args)
}
