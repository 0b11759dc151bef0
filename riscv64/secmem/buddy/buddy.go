// Binary buddy allocator for secure memory regions
// https://github.com/Mechanicu/rustsbi
//
// Copyright (c) The RustSBI Authors. All Rights Reserved.
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

// Package buddy implements a classic power-of-two buddy allocator over a
// physical address range. Each secure memory region owns one Allocator;
// blocks are tracked by address only, never by content, since the allocator
// never touches the memory it hands out.
package buddy

import (
	"errors"
	"sync"
)

// MaxOrder bounds the largest block an Allocator will ever hand out:
// MinBlockSize << MaxOrder.
const MaxOrder = 20

var (
	// ErrBadMinBlockSize is returned when MinBlockSize is not itself a
	// power of two.
	ErrBadMinBlockSize = errors.New("buddy: MinBlockSize must be a power of two")
	// ErrMisaligned is returned when a range passed to Init or Extend is
	// not aligned to MinBlockSize.
	ErrMisaligned = errors.New("buddy: range must be MinBlockSize-aligned")
	// ErrTooSmall is returned when a range passed to Init or Extend is
	// shorter than MinBlockSize or not a multiple of it.
	ErrTooSmall = errors.New("buddy: range shorter than MinBlockSize")
	// ErrNoMem is returned by Alloc when no free block of a suitable size
	// remains.
	ErrNoMem = errors.New("buddy: out of memory")
	// ErrRequestTooLarge is returned by Alloc when the requested size
	// exceeds MinBlockSize<<MaxOrder.
	ErrRequestTooLarge = errors.New("buddy: request exceeds maximum block size")
	// ErrNotAllocated is returned by Dealloc when addr/size do not match
	// a block this Allocator believes is outstanding.
	ErrNotAllocated = errors.New("buddy: address/size does not match an outstanding allocation")
)

// Allocator is a power-of-two buddy allocator. The zero value is not usable;
// construct one with New.
type Allocator struct {
	mu sync.Mutex

	minBlockSize uint64
	freeLists    [MaxOrder + 1][]uint64

	// base anchors the XOR arithmetic used to find a block's buddy. It is
	// fixed at the first Init/Extend call and every subsequently inserted
	// range is required to stay MinBlockSize-aligned relative to it.
	base     uint64
	haveBase bool

	lo, hi uint64 // bounding [lo, hi) of every range ever inserted
	total  uint64 // total bytes ever inserted
	used   uint64 // bytes currently outstanding

	outstanding map[uint64]uint64 // addr -> size, for Dealloc validation
}

// New returns an empty Allocator whose smallest block is minBlockSize bytes.
// minBlockSize must be a power of two.
func New(minBlockSize uint64) (*Allocator, error) {
	if minBlockSize == 0 || minBlockSize&(minBlockSize-1) != 0 {
		return nil, ErrBadMinBlockSize
	}

	return &Allocator{
		minBlockSize: minBlockSize,
		outstanding:  make(map[uint64]uint64),
	}, nil
}

// Init seeds the allocator with its first range. It is equivalent to Extend
// on an empty Allocator, kept as a distinct name to match the region
// lifecycle the allocator serves (a region is initialized once and may be
// extended any number of times after).
func (a *Allocator) Init(addr, length uint64) error {
	return a.Extend(addr, length)
}

// Extend adds [addr, addr+length) to the allocator's free space. The range
// must be aligned to, and a multiple of, minBlockSize.
func (a *Allocator) Extend(addr, length uint64) error {
	if addr&(a.minBlockSize-1) != 0 {
		return ErrMisaligned
	}

	if length < a.minBlockSize || length&(a.minBlockSize-1) != 0 {
		return ErrTooSmall
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	if !a.haveBase {
		a.base = addr
		a.lo = addr
		a.hi = addr + length
		a.haveBase = true
	} else {
		if addr < a.lo {
			a.lo = addr
		}
		if addr+length > a.hi {
			a.hi = addr + length
		}
	}

	a.total += length

	end := addr + length
	for cur := addr; cur < end; {
		order, blockSize := a.largestBlockAt(cur, end)
		a.freeLists[order] = append(a.freeLists[order], cur)
		cur += blockSize
	}

	return nil
}

// largestBlockAt returns the largest order (capped at MaxOrder) such that a
// block of that order is aligned at cur and fits before end.
func (a *Allocator) largestBlockAt(cur, end uint64) (order int, blockSize uint64) {
	for order = MaxOrder; order > 0; order-- {
		blockSize = a.minBlockSize << uint(order)
		if cur%blockSize == 0 && cur+blockSize <= end {
			return order, blockSize
		}
	}

	return 0, a.minBlockSize
}

func (a *Allocator) orderFor(size uint64) (int, error) {
	if size == 0 {
		size = 1
	}

	blocks := (size + a.minBlockSize - 1) / a.minBlockSize

	order := 0
	for (uint64(1) << uint(order)) < blocks {
		order++
	}

	if order > MaxOrder {
		return 0, ErrRequestTooLarge
	}

	return order, nil
}

// Alloc reserves and returns the address of a block at least size bytes
// long. The block returned is sized to the smallest power-of-two multiple
// of minBlockSize that satisfies size.
func (a *Allocator) Alloc(size uint64) (uint64, error) {
	reqOrder, err := a.orderFor(size)
	if err != nil {
		return 0, err
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	order := reqOrder
	for order <= MaxOrder && len(a.freeLists[order]) == 0 {
		order++
	}

	if order > MaxOrder {
		return 0, ErrNoMem
	}

	n := len(a.freeLists[order])
	addr := a.freeLists[order][n-1]
	a.freeLists[order] = a.freeLists[order][:n-1]

	// split the block down to the requested order, banking each spare
	// buddy half on its own free list.
	for order > reqOrder {
		order--
		buddySize := a.minBlockSize << uint(order)
		buddyAddr := addr + buddySize
		a.freeLists[order] = append(a.freeLists[order], buddyAddr)
	}

	allocSize := a.minBlockSize << uint(reqOrder)
	a.used += allocSize
	a.outstanding[addr] = allocSize

	return addr, nil
}

// Dealloc returns a block previously handed out by Alloc, and merges it
// with its buddy whenever the buddy is also free.
func (a *Allocator) Dealloc(addr, size uint64) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	allocSize, ok := a.outstanding[addr]
	if !ok {
		return ErrNotAllocated
	}

	reqOrder, err := a.orderFor(size)
	if err != nil {
		return err
	}

	if a.minBlockSize<<uint(reqOrder) != allocSize {
		return ErrNotAllocated
	}

	delete(a.outstanding, addr)
	a.used -= allocSize

	order := reqOrder
	for order < MaxOrder {
		blockSize := a.minBlockSize << uint(order)
		buddyAddr := a.base + ((addr - a.base) ^ blockSize)

		if idx, found := indexOf(a.freeLists[order], buddyAddr); found {
			a.freeLists[order] = removeAt(a.freeLists[order], idx)

			if buddyAddr < addr {
				addr = buddyAddr
			}

			order++
			continue
		}

		break
	}

	a.freeLists[order] = append(a.freeLists[order], addr)

	return nil
}

// StatsUsed returns the number of bytes currently allocated.
func (a *Allocator) StatsUsed() uint64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.used
}

// StatsAvailable returns the number of bytes available for allocation.
func (a *Allocator) StatsAvailable() uint64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.total - a.used
}

// IsMemOverlap reports whether [start, end) intersects the bounding range of
// every byte ever inserted into the allocator.
func (a *Allocator) IsMemOverlap(start, end uint64) bool {
	a.mu.Lock()
	defer a.mu.Unlock()

	if !a.haveBase {
		return false
	}

	return a.lo < end && start < a.hi
}

// IsMemContained reports whether [start, end) lies entirely within the
// bounding range of every byte ever inserted into the allocator.
func (a *Allocator) IsMemContained(start, end uint64) bool {
	a.mu.Lock()
	defer a.mu.Unlock()

	if !a.haveBase {
		return false
	}

	return start >= a.lo && end <= a.hi
}

func indexOf(s []uint64, v uint64) (int, bool) {
	for i, x := range s {
		if x == v {
			return i, true
		}
	}

	return 0, false
}

func removeAt(s []uint64, i int) []uint64 {
	last := len(s) - 1
	s[i] = s[last]
	return s[:last]
}
