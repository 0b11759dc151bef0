// Cross-hart PMP synchronisation
// https://github.com/Mechanicu/rustsbi
//
// Copyright (c) The RustSBI Authors. All Rights Reserved.
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

// Package pmpsync propagates PMP reconfigurations from the hart that issued
// them to every other hart, via per-hart mailboxes and an IPI. A sync
// request is complete only once the initiator observes its wait count drop
// to zero, which happens as each target hart's IPI handler drains its
// mailbox and applies the pending PmpConfig.
package pmpsync

import (
	"errors"
	"sync"
	"sync/atomic"

	"github.com/Mechanicu/rustsbi/riscv64/pmp"
)

// DefaultMailboxCapacity bounds the number of outstanding PMP
// reconfigurations a single hart can have queued against it at once.
const DefaultMailboxCapacity = 32

// ErrNoSelfSync is returned if a sync is attempted for a hart ID that does
// not fit the configured hart range.
var ErrNoSelfSync = errors.New("pmpsync: hart id out of range")

// Config is the value transported through mailboxes: a single PMP entry
// reconfiguration, copyable, carrying its already-encoded address word so
// remote harts never have to re-derive it.
type Config struct {
	Addr uint64
	Mode pmp.Range
	Perm pmp.Permission
	Idx  uint8
}

type mailboxEntry struct {
	cfg    Config
	sender int
}

// IPISender delivers an inter-processor interrupt to a target hart. It is
// the external collaborator named send_ipi_by_pmp in the specification; this
// package never programs interrupt-controller hardware directly.
type IPISender interface {
	SendIPI(targetHart int) error
}

type cell struct {
	mu            sync.Mutex
	mailbox       *fifo
	waitSyncCount atomic.Uint32
}

// Manager holds one PmpSyncCell per hart and coordinates publishing PMP
// changes to every hart but the initiator.
type Manager struct {
	cells []cell
	csr   pmp.CSRAccess
	ipi   IPISender
}

// NewManager returns a Manager sized for numHarts harts, writing local PMP
// state through csr and delivering IPIs through ipi.
func NewManager(numHarts int, csr pmp.CSRAccess, ipi IPISender) *Manager {
	m := &Manager{
		cells: make([]cell, numHarts),
		csr:   csr,
		ipi:   ipi,
	}

	for i := range m.cells {
		m.cells[i].mailbox = newFifo(DefaultMailboxCapacity)
	}

	return m
}

// IsSync reports whether every PMP change published by hart is known to
// have been applied by every target hart.
func (m *Manager) IsSync(hart int) bool {
	return m.cells[hart].waitSyncCount.Load() == 0
}

// Sync writes PMP entry idx with (addr, len, mode, perm) on every hart.
// self is the identity of the calling hart. The local register pair is
// written last, after every reachable mailbox has accepted the pending
// reconfiguration and the IPIs have been sent.
//
// Sync fails without touching any hart's state if the address/length pair
// cannot be encoded. It also fails, without writing the local register
// pair, if any target's mailbox is full or an IPI cannot be sent; in those
// cases mailbox entries already pushed to other targets remain queued and
// counted in self's wait count, and the caller must not assume the change
// applied anywhere.
func (m *Manager) Sync(self int, idx uint8, addr, length uint64, mode pmp.Range, perm pmp.Permission) error {
	if self < 0 || self >= len(m.cells) {
		return ErrNoSelfSync
	}

	encoded, err := pmp.EncodeAddr(addr, length, mode)
	if err != nil {
		return err
	}

	cfg := Config{Addr: encoded, Mode: mode, Perm: perm, Idx: idx}

	targets := make([]int, 0, len(m.cells)-1)

	for hart := range m.cells {
		if hart == self {
			continue
		}

		if err := m.publish(hart, self, cfg); err != nil {
			return err
		}

		m.cells[self].waitSyncCount.Add(1)
		targets = append(targets, hart)
	}

	for _, hart := range targets {
		if err := m.ipi.SendIPI(hart); err != nil {
			return err
		}
	}

	return pmp.WriteEntry(m.csr, int(idx), encoded, mode, perm)
}

// CleanSync is Sync(idx, 0, 0, OFF, NONE): it disables PMP entry idx on
// every hart.
func (m *Manager) CleanSync(self int, idx uint8) error {
	return m.Sync(self, idx, 0, 0, pmp.OFF, pmp.NONE)
}

func (m *Manager) publish(target, sender int, cfg Config) error {
	c := &m.cells[target]

	c.mu.Lock()
	defer c.mu.Unlock()

	return c.mailbox.push(mailboxEntry{cfg: cfg, sender: sender})
}

// HandleIPI drains the mailbox belonging to hart and applies every queued
// PmpConfig to the local PMP registers, decrementing each entry's sender's
// wait count as it goes. It is invoked synchronously from the platform's IPI
// trampoline and must not block on any lock the interrupted code might hold.
func (m *Manager) HandleIPI(hart int) {
	c := &m.cells[hart]

	for {
		c.mu.Lock()
		entry, ok := c.mailbox.pop()
		c.mu.Unlock()

		if !ok {
			return
		}

		if err := pmp.WriteEntry(m.csr, int(entry.cfg.Idx), entry.cfg.Addr, entry.cfg.Mode, entry.cfg.Perm); err != nil {
			panic("pmpsync: corrupt mailbox entry: " + err.Error())
		}

		m.cells[entry.sender].waitSyncCount.Add(^uint32(0))
	}
}
