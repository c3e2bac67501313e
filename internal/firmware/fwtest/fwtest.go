// Copyright 2025 The Capsule Boot authors. All Rights Reserved.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package fwtest provides a simulated firmware for loader and handoff tests.
package fwtest

import (
	"fmt"
	"strings"

	"github.com/transparency-dev/capsule-boot/internal/firmware"
)

// DescriptorSize is the stride of the simulated memory map descriptors.
const DescriptorSize = 48

// Firmware is an in-memory implementation of firmware.BootServices with
// fault injection hooks and allocation accounting.
//
// Allocated ranges are backed by a byte store so the loader's segment
// copies can be inspected by tests.
type Firmware struct {
	// FailAllocation, when > 0, makes the Nth AllocatePages call fail
	// (1-based) with an allocation error.
	FailAllocation int

	// GrowMap makes the next N MemoryMap calls report ErrMapTooSmall
	// regardless of the buffer, simulating growth between the size query
	// and the fetch.
	GrowMap int

	// StaleExits makes the next N ExitBootServices calls fail with
	// ErrStaleMapKey after bumping the map key, simulating
	// firmware-internal bookkeeping churn.
	StaleExits int

	// ExitGrowth adds N phantom descriptors to the map on every stale
	// exit, so the recapture no longer fits the buffer sized before it.
	ExitGrowth int

	// Console accumulates ConsoleWrite output.
	Console strings.Builder

	allocs   map[uint64]uint64 // base -> pages
	store    map[uint64][]byte // base -> backing bytes
	next     uint64
	key      uint64
	exited   bool
	allocSeq int
	phantom  int // extra descriptors injected by ExitGrowth

	// accounting
	allocCalls int
	freeCalls  int
	pagesAlloc uint64
	pagesFreed uint64
}

// New returns a simulated firmware whose AnyPages grants start at base.
func New(base uint64) *Firmware {
	return &Firmware{
		allocs: make(map[uint64]uint64),
		store:  make(map[uint64][]byte),
		next:   base,
		key:    1,
	}
}

// AllocatePages implements firmware.BootServices.
func (f *Firmware) AllocatePages(kind firmware.AllocateKind, addr uint64, count uint64) (uint64, error) {
	if f.exited {
		return 0, firmware.ErrExited
	}
	if count == 0 {
		return 0, fmt.Errorf("zero page allocation")
	}

	f.allocSeq++
	f.allocCalls++
	if f.FailAllocation > 0 && f.allocSeq == f.FailAllocation {
		return 0, fmt.Errorf("injected allocation failure at call %d", f.allocSeq)
	}

	base := f.next
	if kind == firmware.AtAddress {
		if addr%firmware.PageSize != 0 {
			return 0, fmt.Errorf("unaligned address %#x", addr)
		}
		base = addr
	}

	if f.collides(base, count) {
		return 0, fmt.Errorf("range [%#x, %#x) already allocated", base, base+count*firmware.PageSize)
	}

	f.allocs[base] = count
	f.store[base] = make([]byte, count*firmware.PageSize)
	f.pagesAlloc += count
	f.key++

	if kind == firmware.AnyPages {
		f.next = base + count*firmware.PageSize
	}

	return base, nil
}

// FreePages implements firmware.BootServices.
func (f *Firmware) FreePages(addr uint64, count uint64) error {
	if f.exited {
		return firmware.ErrExited
	}

	f.freeCalls++
	got, ok := f.allocs[addr]
	if !ok {
		return fmt.Errorf("free of unallocated base %#x", addr)
	}
	if got != count {
		return fmt.Errorf("free of %d pages at %#x, grant was %d", count, addr, got)
	}

	delete(f.allocs, addr)
	delete(f.store, addr)
	f.pagesFreed += count
	f.key++

	return nil
}

func (f *Firmware) entries() int {
	return len(f.allocs) + 1 + f.phantom
}

// MemoryMapSize implements firmware.BootServices.
func (f *Firmware) MemoryMapSize() (uint64, uint32) {
	return uint64(f.entries()) * DescriptorSize, DescriptorSize
}

// MemoryMap implements firmware.BootServices.
func (f *Firmware) MemoryMap(buf []byte) (firmware.MapInfo, error) {
	if f.exited {
		return firmware.MapInfo{}, firmware.ErrExited
	}

	if f.GrowMap > 0 {
		f.GrowMap--
		// An observation of a growing map comes with fresh firmware
		// bookkeeping.
		f.key++
		return firmware.MapInfo{}, firmware.ErrMapTooSmall
	}

	need, _ := f.MemoryMapSize()
	if uint64(len(buf)) < need {
		return firmware.MapInfo{}, firmware.ErrMapTooSmall
	}

	// Descriptor contents are opaque to the boot stage; fill a
	// recognizable pattern.
	entries := uint32(f.entries())
	for i := range buf[:need] {
		buf[i] = byte(i)
	}

	return firmware.MapInfo{
		Key:               f.key,
		DescriptorSize:    DescriptorSize,
		DescriptorVersion: 1,
		Entries:           entries,
	}, nil
}

// ExitBootServices implements firmware.BootServices.
func (f *Firmware) ExitBootServices(key uint64) error {
	if f.exited {
		return firmware.ErrExited
	}

	if f.StaleExits > 0 {
		f.StaleExits--
		f.key++
		f.phantom += f.ExitGrowth
		return firmware.ErrStaleMapKey
	}
	if key != f.key {
		return firmware.ErrStaleMapKey
	}

	f.exited = true
	return nil
}

// ConsoleWrite implements firmware.BootServices.
func (f *Firmware) ConsoleWrite(s string) {
	f.Console.WriteString(s)
}

// Map returns a writable view of [base, base+size), which must lie within
// a single live grant. It satisfies loader.MapFn.
func (f *Firmware) Map(base uint64, size uint64) ([]byte, error) {
	for b, c := range f.allocs {
		bEnd := b + c*firmware.PageSize
		if base >= b && base+size <= bEnd {
			off := base - b
			return f.store[b][off : off+size], nil
		}
	}
	return nil, fmt.Errorf("range [%#x, %#x) not allocated", base, base+size)
}

// Bytes returns the backing store of an allocated range for inspection.
func (f *Firmware) Bytes(base uint64) []byte {
	return f.store[base]
}

// Exited reports whether ExitBootServices succeeded.
func (f *Firmware) Exited() bool {
	return f.exited
}

// OutstandingPages returns allocated minus freed pages.
func (f *Firmware) OutstandingPages() uint64 {
	return f.pagesAlloc - f.pagesFreed
}

// Allocations returns the number of live grants.
func (f *Firmware) Allocations() int {
	return len(f.allocs)
}

// AllocCalls returns the number of AllocatePages invocations, including
// failed ones.
func (f *Firmware) AllocCalls() int {
	return f.allocCalls
}

func (f *Firmware) collides(base, count uint64) bool {
	end := base + count*firmware.PageSize
	for b, c := range f.allocs {
		bEnd := b + c*firmware.PageSize
		if base < bEnd && b < end {
			return true
		}
	}
	return false
}
