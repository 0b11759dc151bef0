// Enclave metadata types for the Penglai PMP secure monitor
// https://github.com/Mechanicu/rustsbi
//
// Copyright (c) The RustSBI Authors. All Rights Reserved.
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

package penglai

// EnclaveHashSize is the width, in bytes, of an enclave's measurement and
// signer fields.
const EnclaveHashSize = 32

// PhyMemRegion names a physically contiguous range by base address and
// length; it carries no ownership or protection information of its own.
type PhyMemRegion struct {
	HPA uint64
	Len uint64
}

// EnclaveState is an enclave's lifecycle stage. State transitions between
// these values are not implemented by this package.
type EnclaveState uint8

const (
	StateDestroyed EnclaveState = iota
	StateInvalid
	StateFresh
	StateRunnable
	StateRunning
	StateStopped
)

// String names an EnclaveState for diagnostics.
func (s EnclaveState) String() string {
	switch s {
	case StateDestroyed:
		return "destroyed"
	case StateInvalid:
		return "invalid"
	case StateFresh:
		return "fresh"
	case StateRunnable:
		return "runnable"
	case StateRunning:
		return "running"
	case StateStopped:
		return "stopped"
	default:
		return "unknown"
	}
}

// EnclaveMetadata is the per-enclave bookkeeping record the monitor keeps
// once an enclave has been created. Only the secure memory management
// operations in this package (AllocEnclaveMem/FreeEnclaveMem and friends)
// are implemented; enclave creation, entry and attestation are out of
// scope.
type EnclaveMetadata struct {
	// Sec is the enclave's secure memory region; Free tracks the number
	// of unused bytes remaining in it.
	Sec  PhyMemRegion
	Free uint64

	// Ubuf and Kbuf are unsecure memory windows used for enclave<->host
	// application and enclave<->host kernel IPC respectively.
	Ubuf PhyMemRegion
	Kbuf PhyMemRegion

	EPT   uint64
	Entry uint64
	State EnclaveState

	Hash   [EnclaveHashSize]byte
	Signer [EnclaveHashSize]byte
}
