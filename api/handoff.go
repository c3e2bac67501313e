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

// Package api defines the control block passed from the capsule boot stage
// to the loaded kernel. It is the sole contract between the two stages: the
// kernel must validate Magic and Version on entry and halt with a diagnostic
// on mismatch.
//
// The layout is fixed and binary-stable, all fields little-endian:
//
//	magic:8 | version:2 | size:2 | entry_point:8 |
//	mmap_ptr:8 | mmap_entry_size:4 | mmap_entry_count:4 |
//	cmdline_ptr:8 | flags:8
package api

import (
	"encoding/binary"
	"errors"
)

const (
	// Magic is "CAPSBOOT" read as a little-endian uint64.
	Magic   = uint64(0x544f4f4253504143)
	Version = uint16(1)

	// HandoffSize is the encoded size of the control block. The size
	// field of every valid block carries exactly this value.
	HandoffSize = 52
)

// Handoff flag bits.
const (
	// FlagSecureBoot is set when the capsule passed authenticity
	// verification (always the case on a reachable handoff).
	FlagSecureBoot = uint64(1) << 0

	// FlagZKVerified is set when the zero-knowledge path, rather than the
	// static signature path, produced the verdict.
	FlagZKVerified = uint64(1) << 1

	// FlagMmapRaw is set when MemoryMapPtr references the firmware's raw
	// descriptor buffer rather than a canonicalized region list.
	FlagMmapRaw = uint64(1) << 2
)

var (
	ErrShortBuffer = errors.New("handoff: buffer shorter than control block")
	ErrBadMagic    = errors.New("handoff: bad magic")
	ErrBadVersion  = errors.New("handoff: unsupported version")
	ErrBadSize     = errors.New("handoff: size field mismatch")
)

// Handoff is the decoded form of the control block.
type Handoff struct {
	Magic      uint64
	Version    uint16
	Size       uint16
	EntryPoint uint64

	// MemoryMapPtr points at the firmware memory map captured immediately
	// before the firmware-exit call. The buffer's ownership transfers
	// permanently to the kernel.
	MemoryMapPtr        uint64
	MemoryMapEntrySize  uint32
	MemoryMapEntryCount uint32

	// CmdlinePtr points at a NUL terminated command line, 0 if absent.
	CmdlinePtr uint64

	Flags uint64
}

// Valid reports whether the block carries the expected constants.
func (h *Handoff) Valid() bool {
	return h.Magic == Magic && h.Version == Version && h.Size == HandoffSize
}

// Encode serializes the control block into buf, which must hold at least
// HandoffSize bytes. Magic, Version and Size are forced to their constants
// regardless of the receiver's fields.
func (h *Handoff) Encode(buf []byte) error {
	if len(buf) < HandoffSize {
		return ErrShortBuffer
	}

	binary.LittleEndian.PutUint64(buf[0:], Magic)
	binary.LittleEndian.PutUint16(buf[8:], Version)
	binary.LittleEndian.PutUint16(buf[10:], HandoffSize)
	binary.LittleEndian.PutUint64(buf[12:], h.EntryPoint)
	binary.LittleEndian.PutUint64(buf[20:], h.MemoryMapPtr)
	binary.LittleEndian.PutUint32(buf[28:], h.MemoryMapEntrySize)
	binary.LittleEndian.PutUint32(buf[32:], h.MemoryMapEntryCount)
	binary.LittleEndian.PutUint64(buf[36:], h.CmdlinePtr)
	binary.LittleEndian.PutUint64(buf[44:], h.Flags)

	return nil
}

// Decode parses a control block, rejecting any buffer whose fixed fields do
// not match the compiled-in constants.
func Decode(buf []byte) (*Handoff, error) {
	if len(buf) < HandoffSize {
		return nil, ErrShortBuffer
	}

	h := &Handoff{
		Magic:               binary.LittleEndian.Uint64(buf[0:]),
		Version:             binary.LittleEndian.Uint16(buf[8:]),
		Size:                binary.LittleEndian.Uint16(buf[10:]),
		EntryPoint:          binary.LittleEndian.Uint64(buf[12:]),
		MemoryMapPtr:        binary.LittleEndian.Uint64(buf[20:]),
		MemoryMapEntrySize:  binary.LittleEndian.Uint32(buf[28:]),
		MemoryMapEntryCount: binary.LittleEndian.Uint32(buf[32:]),
		CmdlinePtr:          binary.LittleEndian.Uint64(buf[36:]),
		Flags:               binary.LittleEndian.Uint64(buf[44:]),
	}

	switch {
	case h.Magic != Magic:
		return nil, ErrBadMagic
	case h.Version != Version:
		return nil, ErrBadVersion
	case h.Size != HandoffSize:
		return nil, ErrBadSize
	}

	return h, nil
}
