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

// Package loader stages a verified capsule payload into firmware-allocated
// physical memory.
//
// The loader operates with fixed-capacity tables only: it performs no heap
// allocation proportional to the input, and every firmware page grant is
// recorded before first use so that failure paths can unwind completely.
// On success the returned Image owns all grants; on failure none survive.
package loader

import (
	"errors"
	"fmt"

	"github.com/transparency-dev/capsule-boot/internal/firmware"
)

// MaxSegments bounds the PT_LOAD table; exceeding it is a hard error, not a
// truncation.
const MaxSegments = 32

// MaxAllocations bounds the allocation record table.
const MaxAllocations = MaxSegments + 2

var (
	ErrTooManySegments      = errors.New("loader: too many loadable segments")
	ErrOverflow             = errors.New("loader: arithmetic overflow")
	ErrAllocationFailed     = errors.New("loader: firmware allocation failed")
	ErrRelocationOutOfRange = errors.New("loader: relocated entry point out of range")
	ErrUnsupportedType      = errors.New("loader: unsupported executable")
	ErrMalformed            = errors.New("loader: malformed executable")
)

// Allocator is the subset of firmware boot services the loader consumes.
type Allocator interface {
	AllocatePages(kind firmware.AllocateKind, addr uint64, count uint64) (uint64, error)
	FreePages(addr uint64, count uint64) error
}

// MapFn returns a writable view of an allocated physical range. The
// firmware binary implements it with a direct physical mapping; tests use
// the simulated firmware's backing store.
type MapFn func(base uint64, size uint64) ([]byte, error)

// Allocation is one firmware page-range grant.
type Allocation struct {
	Address uint64
	Pages   uint64
}

// Image is a loaded executable. Ownership of Allocations transfers to the
// caller; the loader frees nothing once an Image is returned.
type Image struct {
	// Base is the lowest loaded virtual address after relocation.
	Base uint64
	// Size is the union span of all loadable segments.
	Size uint64
	// Entry is the absolute entry point, relocation applied.
	Entry uint64

	Allocations []Allocation
}

// Loader stages payloads using the given firmware collaborators.
type Loader struct {
	Alloc Allocator
	Map   MapFn
}

// Load parses payload as an executable image, allocates physical memory for
// its union span, copies file-backed bytes and zero-fills each segment's
// in-memory tail. Any failure frees every grant made so far and returns a
// typed error.
func (l *Loader) Load(payload []byte) (*Image, error) {
	h, err := parseExecutable(payload)
	if err != nil {
		return nil, err
	}

	// Segments must be ordered by vaddr and non-overlapping; the union
	// span is computed with checked arithmetic.
	for i := 1; i < h.nsegs; i++ {
		prevEnd, err := addChecked(h.segs[i-1].vaddr, h.segs[i-1].memsz)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrOverflow, err)
		}
		if h.segs[i].vaddr < prevEnd {
			return nil, fmt.Errorf("%w: segments unordered or overlapping at %#x", ErrMalformed, h.segs[i].vaddr)
		}
	}

	minV := h.segs[0].vaddr
	maxV, err := addChecked(h.segs[h.nsegs-1].vaddr, h.segs[h.nsegs-1].memsz)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrOverflow, err)
	}
	span := maxV - minV

	var (
		table  [MaxAllocations]Allocation
		ntable int
	)
	record := func(a Allocation) error {
		if ntable == MaxAllocations {
			return ErrTooManySegments
		}
		table[ntable] = a
		ntable++
		return nil
	}
	unwind := func() {
		// Free all below the current index; grants are freed in
		// reverse order of creation.
		for i := ntable - 1; i >= 0; i-- {
			_ = l.Alloc.FreePages(table[i].Address, table[i].Pages)
		}
	}
	fail := func(err error) (*Image, error) {
		unwind()
		return nil, err
	}

	// Fixed-address executables load at the exact union span; position
	// independent ones take any grant and relocate by the delta.
	var base, delta uint64
	allocBase := minV &^ uint64(firmware.PageSize-1)
	pages := firmware.PagesFor(maxV - allocBase)

	switch h.typ {
	case etExec:
		got, err := l.Alloc.AllocatePages(firmware.AtAddress, allocBase, pages)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrAllocationFailed, err)
		}
		if err := record(Allocation{got, pages}); err != nil {
			return fail(err)
		}
		base, delta = minV, 0

	case etDyn:
		pages = firmware.PagesFor(span)
		got, err := l.Alloc.AllocatePages(firmware.AnyPages, 0, pages)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrAllocationFailed, err)
		}
		if err := record(Allocation{got, pages}); err != nil {
			return fail(err)
		}
		base = got
		delta = got - minV // two's complement; applied mod 2^64

		entry := h.entry + delta
		if entry < base || entry >= base+span {
			return fail(fmt.Errorf("%w: entry %#x outside [%#x, %#x)", ErrRelocationOutOfRange, entry, base, base+span))
		}

	default:
		return nil, fmt.Errorf("%w: e_type %d", ErrUnsupportedType, h.typ)
	}

	for i := 0; i < h.nsegs; i++ {
		s := h.segs[i]

		dstAddr := s.vaddr + delta
		dst, err := l.Map(dstAddr, s.memsz)
		if err != nil {
			return fail(fmt.Errorf("%w: map %#x+%#x: %v", ErrAllocationFailed, dstAddr, s.memsz, err))
		}

		// Source bounds were validated during parsing; recheck
		// defensively before the copy.
		end, err := addChecked(s.offset, s.filesz)
		if err != nil || end > uint64(len(payload)) {
			return fail(fmt.Errorf("%w: segment source bounds", ErrMalformed))
		}

		copy(dst[:s.filesz], payload[s.offset:end])
		// Zero the in-memory tail (the BSS convention); firmware pages
		// are not guaranteed clean.
		tail := dst[s.filesz:s.memsz]
		for j := range tail {
			tail[j] = 0
		}
	}

	img := &Image{
		Base:        base,
		Size:        span,
		Entry:       h.entry + delta,
		Allocations: make([]Allocation, ntable),
	}
	copy(img.Allocations, table[:ntable])

	return img, nil
}
