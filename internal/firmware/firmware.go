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

// Package firmware defines the boot-services capability set the boot stage
// consumes. The loader and handoff builder are written against this
// interface only; the capsule_boot binary provides the hardware-backed
// implementation and fwtest provides a simulated one.
//
// The boot stage never assumes any firmware capability beyond this set.
package firmware

import "errors"

// PageSize is the allocation granularity of the firmware page allocator.
const PageSize = 4096

var (
	// ErrMapTooSmall is returned by MemoryMap when the supplied buffer
	// cannot hold the current map; the map may legitimately grow between
	// the size query and the fetch.
	ErrMapTooSmall = errors.New("firmware: memory map buffer too small")

	// ErrStaleMapKey is returned by ExitBootServices when the supplied
	// map key no longer matches the firmware's bookkeeping; the caller
	// must recapture the map and retry.
	ErrStaleMapKey = errors.New("firmware: stale memory map key")

	// ErrExited is returned by any boot service invoked after a
	// successful ExitBootServices call.
	ErrExited = errors.New("firmware: boot services have been exited")
)

// AllocateKind selects the placement policy of an AllocatePages call.
type AllocateKind int

const (
	// AnyPages grants any available physical range of sufficient size.
	AnyPages AllocateKind = iota
	// AtAddress grants exactly the requested physical range.
	AtAddress
)

// MapInfo describes a captured memory map.
type MapInfo struct {
	// Key identifies this snapshot for ExitBootServices. It is
	// invalidated by any subsequent allocation or free.
	Key uint64
	// DescriptorSize is the stride between descriptors in the buffer.
	DescriptorSize uint32
	// DescriptorVersion is the firmware's descriptor layout version.
	DescriptorVersion uint32
	// Entries is the number of descriptors written.
	Entries uint32
}

// BootServices is the firmware collaborator interface. All calls are
// synchronous; the environment is single threaded and non-preemptive.
type BootServices interface {
	// AllocatePages grants count pages. For AtAddress, addr is the
	// required physical base; for AnyPages it is ignored. Returns the
	// physical base address of the grant.
	AllocatePages(kind AllocateKind, addr uint64, count uint64) (uint64, error)

	// FreePages returns a previous grant to the firmware.
	FreePages(addr uint64, count uint64) error

	// MemoryMapSize reports the buffer size currently required to hold
	// the memory map, and the descriptor stride.
	MemoryMapSize() (size uint64, descSize uint32)

	// MemoryMap writes the current memory map into buf.
	MemoryMap(buf []byte) (MapInfo, error)

	// ExitBootServices performs the one-way transition out of firmware
	// services. On success no further boot service may be invoked.
	ExitBootServices(key uint64) error

	// ConsoleWrite emits diagnostic text on the firmware console.
	ConsoleWrite(s string)
}

// PagesFor returns the number of pages needed to hold n bytes, at least one.
func PagesFor(n uint64) uint64 {
	if n == 0 {
		return 1
	}
	return (n + PageSize - 1) / PageSize
}
