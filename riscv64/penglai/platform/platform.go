// Platform configuration for the Penglai PMP secure monitor
// https://github.com/Mechanicu/rustsbi
//
// Copyright (c) The RustSBI Authors. All Rights Reserved.
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

// Package platform carries the handful of board-specific constants the
// secure monitor needs but cannot derive on its own: the firmware's own
// footprint, the page granule, and the hart count.
package platform

// Config describes the fixed facts about the hardware a monitor instance
// runs on. It is supplied once at boot and never mutated afterward.
type Config struct {
	// PageSize is the secure memory allocator's minimum granule.
	PageSize uint64
	// NumHartMax bounds the number of harts pmpsync tracks mailboxes for.
	NumHartMax int
	// SBIStart and SBIEnd bound the monitor's own code and data, used to
	// seed the PmpSM region for overlap and host pointer checks.
	SBIStart, SBIEnd uint64
}
