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

// Package handoff performs the terminal boot phase: it captures the
// firmware memory map, severs boot services and transfers control to a
// loaded kernel with a populated control block. A successful handoff never
// returns.
package handoff

import (
	"errors"
	"fmt"

	"github.com/transparency-dev/capsule-boot/api"
	"github.com/transparency-dev/capsule-boot/internal/firmware"
	"github.com/transparency-dev/capsule-boot/internal/loader"
)

const (
	// StackPages is the fresh kernel entry stack, handed over unused.
	StackPages = 8

	// MapRetryLimit bounds the grow-and-retry loop for memory map capture.
	// The map can legitimately grow between the size query and the fetch,
	// but not without bound.
	MapRetryLimit = 8

	// ExitRetryLimit bounds stale-key recapture attempts around the
	// firmware-exit call.
	ExitRetryLimit = 4

	// mapSlack is extra room added to the queried map size, absorbing
	// descriptors created by our own subsequent allocations.
	mapSlack = 2 * firmware.PageSize
)

var (
	// ErrMapRetryExceeded is returned when the memory map keeps outgrowing
	// its buffer past MapRetryLimit attempts.
	ErrMapRetryExceeded = errors.New("handoff: memory map retry limit exceeded")

	// ErrExitFailed is returned when ExitBootServices fails for a reason
	// other than a stale map key, or keeps going stale past the limit.
	ErrExitFailed = errors.New("handoff: firmware exit failed")

	// ErrKernelReturned is returned if control ever comes back from the
	// kernel entry point. The boot stage treats this as fatal.
	ErrKernelReturned = errors.New("handoff: kernel entry point returned")
)

// JumpFn transfers control to the kernel: entry point, physical address of
// the control block and top of the fresh stack. It must not return.
type JumpFn func(entry, controlBlock, stackTop uint64)

// Builder assembles and executes the handoff.
type Builder struct {
	FW   firmware.BootServices
	Map  loader.MapFn
	Jump JumpFn
}

// maxGrants bounds the grant table: control block, command line, stack and
// memory map buffer.
const maxGrants = 4

// grantTable records every page grant made during the handoff so that any
// error before the firmware exit succeeds can unwind all of them. On
// success nothing is unwound; ownership of every grant transfers to the
// kernel.
type grantTable struct {
	recs [maxGrants]loader.Allocation
	n    int
}

func (g *grantTable) record(addr, pages uint64) {
	g.recs[g.n] = loader.Allocation{Address: addr, Pages: pages}
	g.n++
}

// pop removes the most recent grant without freeing it.
func (g *grantTable) pop() loader.Allocation {
	g.n--
	return g.recs[g.n]
}

// freeAll releases every recorded grant, newest first. Free errors are
// unreportable here; the boot is already failing.
func (g *grantTable) freeAll(fw firmware.BootServices) {
	for i := g.n - 1; i >= 0; i-- {
		_ = fw.FreePages(g.recs[i].Address, g.recs[i].Pages)
	}
	g.n = 0
}

// Boot captures the memory map, exits boot services and jumps to the
// image's entry point. flags is OR-ed into the control block flags field.
// On success Boot does not return; every returned error means the kernel
// was never entered and every page granted during the handoff has been
// freed again.
func (b *Builder) Boot(img *loader.Image, cmdline string, flags uint64) error {
	var grants grantTable

	// Everything the kernel will own is allocated while boot services are
	// still available: control block, command line and entry stack.
	ctrlAddr, err := b.FW.AllocatePages(firmware.AnyPages, 0, 1)
	if err != nil {
		return fmt.Errorf("handoff: control block allocation: %w", err)
	}
	grants.record(ctrlAddr, 1)

	var cmdAddr uint64
	if cmdline != "" {
		// NUL terminated, one page is plenty.
		if len(cmdline) >= firmware.PageSize {
			grants.freeAll(b.FW)
			return fmt.Errorf("handoff: command line is %d bytes, page limit is %d", len(cmdline), firmware.PageSize-1)
		}
		if cmdAddr, err = b.FW.AllocatePages(firmware.AnyPages, 0, 1); err != nil {
			grants.freeAll(b.FW)
			return fmt.Errorf("handoff: command line allocation: %w", err)
		}
		grants.record(cmdAddr, 1)
		buf, err := b.Map(cmdAddr, firmware.PageSize)
		if err != nil {
			grants.freeAll(b.FW)
			return fmt.Errorf("handoff: command line mapping: %w", err)
		}
		n := copy(buf, cmdline)
		buf[n] = 0
	}
	stackAddr, err := b.FW.AllocatePages(firmware.AnyPages, 0, StackPages)
	if err != nil {
		grants.freeAll(b.FW)
		return fmt.Errorf("handoff: stack allocation: %w", err)
	}
	grants.record(stackAddr, StackPages)

	ctrl, err := b.Map(ctrlAddr, firmware.PageSize)
	if err != nil {
		grants.freeAll(b.FW)
		return fmt.Errorf("handoff: control block mapping: %w", err)
	}
	h := api.Handoff{
		EntryPoint: img.Entry,
		CmdlinePtr: cmdAddr,
		Flags:      flags | api.FlagSecureBoot | api.FlagMmapRaw,
	}

	// The one-way door. The map key goes stale if firmware state moved
	// since capture; recapture into the same buffer and try again, a
	// bounded number of times. A recapture that no longer fits re-enters
	// the sized capture loop with a fresh buffer. Nothing may be allocated
	// or logged past a successful exit.
	staleBudget := ExitRetryLimit
	for {
		mapAddr, mapBuf, info, err := b.captureMap()
		if err != nil {
			grants.freeAll(b.FW)
			return err
		}
		grants.record(mapAddr, firmware.PagesFor(uint64(len(mapBuf))))

		h.MemoryMapPtr = mapAddr
		h.MemoryMapEntrySize = info.DescriptorSize
		h.MemoryMapEntryCount = info.Entries
		if err := h.Encode(ctrl); err != nil {
			grants.freeAll(b.FW)
			return err
		}

		info, err = b.exit(mapBuf, info, &staleBudget)
		if err == nil {
			// Recapture may have changed the entry count.
			h.MemoryMapEntryCount = info.Entries
			h.MemoryMapEntrySize = info.DescriptorSize
			if err := h.Encode(ctrl); err != nil {
				return err
			}
			break
		}
		if errors.Is(err, firmware.ErrMapTooSmall) {
			// Outgrew the buffer between capture and exit. Release the
			// undersized buffer and capture into a resized one.
			old := grants.pop()
			if ferr := b.FW.FreePages(old.Address, old.Pages); ferr != nil {
				grants.freeAll(b.FW)
				return fmt.Errorf("handoff: undersized map buffer free: %w", ferr)
			}
			continue
		}
		grants.freeAll(b.FW)
		return err
	}

	b.Jump(img.Entry, ctrlAddr, stackAddr+StackPages*firmware.PageSize)

	return ErrKernelReturned
}

// captureMap sizes, allocates and fills a memory map buffer, growing it
// when the map expands underneath us. On success the buffer is live and
// owned by the caller; on any error the allocation has been released.
func (b *Builder) captureMap() (addr uint64, buf []byte, info firmware.MapInfo, err error) {
	for attempt := 0; attempt < MapRetryLimit; attempt++ {
		size, _ := b.FW.MemoryMapSize()
		pages := firmware.PagesFor(size + mapSlack)

		if addr, err = b.FW.AllocatePages(firmware.AnyPages, 0, pages); err != nil {
			return 0, nil, info, fmt.Errorf("handoff: memory map allocation: %w", err)
		}
		if buf, err = b.Map(addr, pages*firmware.PageSize); err != nil {
			_ = b.FW.FreePages(addr, pages)
			return 0, nil, info, fmt.Errorf("handoff: memory map mapping: %w", err)
		}

		info, err = b.FW.MemoryMap(buf)
		if err == nil {
			return addr, buf, info, nil
		}
		if !errors.Is(err, firmware.ErrMapTooSmall) {
			_ = b.FW.FreePages(addr, pages)
			return 0, nil, info, fmt.Errorf("handoff: memory map capture: %w", err)
		}
		// Grew since the size query. Release and resize.
		if ferr := b.FW.FreePages(addr, pages); ferr != nil {
			return 0, nil, info, fmt.Errorf("handoff: memory map buffer free: %w", ferr)
		}
	}
	return 0, nil, info, ErrMapRetryExceeded
}

// exit invokes ExitBootServices, refreshing the map snapshot in place when
// the key has gone stale. budget bounds stale-key occurrences across the
// whole exit phase, including capture re-entries by the caller. A recapture
// that no longer fits mapBuf returns firmware.ErrMapTooSmall for the caller
// to resize.
func (b *Builder) exit(mapBuf []byte, info firmware.MapInfo, budget *int) (firmware.MapInfo, error) {
	for {
		err := b.FW.ExitBootServices(info.Key)
		if err == nil {
			return info, nil
		}
		if !errors.Is(err, firmware.ErrStaleMapKey) {
			return info, fmt.Errorf("%w: %v", ErrExitFailed, err)
		}
		*budget -= 1
		if *budget <= 0 {
			return info, fmt.Errorf("%w: %v", ErrExitFailed, err)
		}
		if info, err = b.FW.MemoryMap(mapBuf); err != nil {
			if errors.Is(err, firmware.ErrMapTooSmall) {
				return info, err
			}
			return info, fmt.Errorf("%w: map recapture: %v", ErrExitFailed, err)
		}
	}
}
