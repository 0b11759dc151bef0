// Physical Memory Protection (PMP) register encoding
// https://github.com/Mechanicu/rustsbi
//
// Copyright (c) The RustSBI Authors. All Rights Reserved.
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

package pmp

import "github.com/Mechanicu/rustsbi/bits"

// CSRAccess is the seam between the bit-exact encode/decode logic in this
// package and the per-hart pmpaddrN/pmpcfg0/pmpcfg2 CSRs. The firmware
// supplies the concrete implementation (typically backed by RISC-V CSR
// instructions emitted from assembly); this package never issues a CSR
// instruction directly.
type CSRAccess interface {
	ReadAddr(n int) uint64
	WriteAddr(n int, val uint64)
	ReadCfg(bank int) uint64
	WriteCfg(bank int, val uint64)
}

// cfgByte packs a single PMP entry's (range, permission) fields into the one
// byte of pmpcfg0/pmpcfg2 that belongs to it.
func cfgByte(mode Range, perm Permission) uint8 {
	var b uint64
	bits.SetN64(&b, 0, 0b111, uint64(perm))
	bits.SetN64(&b, 3, 0b11, uint64(mode))
	return uint8(b)
}

func unpackCfgByte(b uint8) (Range, Permission) {
	w := uint64(b)
	return Range(bits.Get64(w, 3, 0b11)), Permission(bits.Get64(w, 0, 0b111))
}

// bankAndLane returns the pmpcfgN register index (0 or 2) and the byte lane
// within it for PMP entry idx.
func bankAndLane(idx int) (bank int, lane uint) {
	if idx < 8 {
		return 0, uint(idx)
	}

	return 2, uint(idx - 8)
}

// WriteEntry writes the PMP address register and the matching byte of the
// PMP config register for entry idx on the current hart, through csr. No
// other bits of the config register are modified.
func WriteEntry(csr CSRAccess, idx int, addr uint64, mode Range, perm Permission) error {
	if idx < 0 || idx >= Count {
		return ErrIndexOutOfRange
	}

	bank, lane := bankAndLane(idx)

	cfg := csr.ReadCfg(bank)
	bits.SetN64(&cfg, int(lane)*8, 0xff, uint64(cfgByte(mode, perm)))

	csr.WriteAddr(idx, addr)
	csr.WriteCfg(bank, cfg)

	return nil
}

// ReadEntry returns the decoded address, range mode and permission currently
// programmed into PMP entry idx on the current hart, as seen through csr.
func ReadEntry(csr CSRAccess, idx int) (addr uint64, mode Range, perm Permission, err error) {
	if idx < 0 || idx >= Count {
		return 0, OFF, NONE, ErrIndexOutOfRange
	}

	bank, lane := bankAndLane(idx)

	cb := uint8(bits.Get64(csr.ReadCfg(bank), int(lane)*8, 0xff))
	mode, perm = unpackCfgByte(cb)

	encoded := csr.ReadAddr(idx)
	addr, _ = DecodeAddr(encoded, mode)

	return addr, mode, perm, nil
}
