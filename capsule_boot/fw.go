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

package main

import (
	"encoding/binary"
	"fmt"
	"log"
	"unsafe"

	"github.com/transparency-dev/capsule-boot/internal/firmware"
)

// Memory map descriptor emitted by bootServices.MemoryMap, little endian:
//
//	phys_base:8 | pages:8 | type:4 | attr:4 | reserved:8
const (
	descriptorSize    = 32
	descriptorVersion = 1

	regionBootStage  = 1
	regionKernelFree = 2
	regionKernelUsed = 3
)

// bootServices implements the firmware capability set over the kernel
// window. On this platform the boot stage owns all physical memory, so page
// grants are pure accounting; the map key is bumped on every state change,
// matching the staleness contract the handoff builder relies on.
type bootServices struct {
	allocs map[uint64]uint64 // base -> pages
	next   uint64
	key    uint64
	exited bool
}

func newBootServices() *bootServices {
	return &bootServices{
		allocs: make(map[uint64]uint64),
		next:   kernelStart,
		key:    1,
	}
}

// AllocatePages implements firmware.BootServices.
func (b *bootServices) AllocatePages(kind firmware.AllocateKind, addr uint64, count uint64) (uint64, error) {
	if b.exited {
		return 0, firmware.ErrExited
	}
	if count == 0 {
		return 0, fmt.Errorf("zero page allocation")
	}

	size := count * firmware.PageSize
	base := b.next
	if kind == firmware.AtAddress {
		if addr%firmware.PageSize != 0 {
			return 0, fmt.Errorf("unaligned base %#x", addr)
		}
		base = addr
	}
	if base < kernelStart || base+size > kernelStart+kernelSize {
		return 0, fmt.Errorf("range [%#x, %#x) outside the kernel window", base, base+size)
	}
	if b.collides(base, count) {
		return 0, fmt.Errorf("range [%#x, %#x) already granted", base, base+size)
	}

	b.allocs[base] = count
	b.key++
	if kind == firmware.AnyPages {
		b.next = base + size
	}

	return base, nil
}

// FreePages implements firmware.BootServices.
func (b *bootServices) FreePages(addr uint64, count uint64) error {
	if b.exited {
		return firmware.ErrExited
	}
	if got, ok := b.allocs[addr]; !ok || got != count {
		return fmt.Errorf("free of %d pages at %#x does not match a grant", count, addr)
	}

	delete(b.allocs, addr)
	b.key++

	return nil
}

// MemoryMapSize implements firmware.BootServices.
func (b *bootServices) MemoryMapSize() (uint64, uint32) {
	// Boot stage RAM, the free kernel window remainder, one entry per grant.
	return uint64(2+len(b.allocs)) * descriptorSize, descriptorSize
}

// MemoryMap implements firmware.BootServices.
func (b *bootServices) MemoryMap(buf []byte) (firmware.MapInfo, error) {
	if b.exited {
		return firmware.MapInfo{}, firmware.ErrExited
	}

	need, _ := b.MemoryMapSize()
	if uint64(len(buf)) < need {
		return firmware.MapInfo{}, firmware.ErrMapTooSmall
	}

	entries := uint32(0)
	put := func(base, pages uint64, typ uint32) {
		d := buf[entries*descriptorSize:]
		binary.LittleEndian.PutUint64(d[0:], base)
		binary.LittleEndian.PutUint64(d[8:], pages)
		binary.LittleEndian.PutUint32(d[16:], typ)
		binary.LittleEndian.PutUint32(d[20:], 0)
		binary.LittleEndian.PutUint64(d[24:], 0)
		entries++
	}

	put(bootStart, bootSize/firmware.PageSize, regionBootStage)
	put(b.next, (kernelStart+kernelSize-b.next)/firmware.PageSize, regionKernelFree)
	for base, pages := range b.allocs {
		put(base, pages, regionKernelUsed)
	}

	return firmware.MapInfo{
		Key:               b.key,
		DescriptorSize:    descriptorSize,
		DescriptorVersion: descriptorVersion,
		Entries:           entries,
	}, nil
}

// ExitBootServices implements firmware.BootServices.
func (b *bootServices) ExitBootServices(key uint64) error {
	if b.exited {
		return firmware.ErrExited
	}
	if key != b.key {
		return firmware.ErrStaleMapKey
	}

	b.exited = true

	return nil
}

// ConsoleWrite implements firmware.BootServices.
func (b *bootServices) ConsoleWrite(s string) {
	if b.exited {
		return
	}
	log.Print(s)
}

// Map returns a writable view of physical memory inside the kernel window.
// It satisfies loader.MapFn.
func (b *bootServices) Map(base uint64, size uint64) ([]byte, error) {
	if base < kernelStart || base+size > kernelStart+kernelSize {
		return nil, fmt.Errorf("range [%#x, %#x) outside the kernel window", base, base+size)
	}
	return unsafe.Slice((*byte)(unsafe.Pointer(uintptr(base))), size), nil
}

func (b *bootServices) collides(base, count uint64) bool {
	end := base + count*firmware.PageSize
	for a, c := range b.allocs {
		aEnd := a + c*firmware.PageSize
		if base < aEnd && a < end {
			return true
		}
	}
	return false
}
