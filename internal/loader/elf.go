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

package loader

import (
	"encoding/binary"
	"fmt"
)

// ELF constants for the subset of images the loader accepts: 64-bit
// little-endian executables for the architectures the boot stage runs on.
const (
	elfClass64   = 2
	elfDataLSB   = 1
	elfVersion   = 1
	elfEhdrSize  = 64
	elfPhdrSize  = 56
	elfPhoffOff  = 32
	elfEntryOff  = 24
	elfTypeOff   = 16
	elfMachOff   = 18
	elfPhszOff   = 54
	elfPhnumOff  = 56
	etExec       = 2
	etDyn        = 3
	emX8664      = 0x3e
	emAArch64    = 0xb7
	ptLoad       = 1
	pfX          = 1
	pfW          = 2
)

// reader provides bounds-checked field access over an untrusted byte
// buffer. An accessor that would read past the buffer returns an error
// instead of a value.
type reader struct {
	buf []byte
}

func (r reader) u16(off uint64) (uint16, error) {
	if err := r.check(off, 2); err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint16(r.buf[off:]), nil
}

func (r reader) u32(off uint64) (uint32, error) {
	if err := r.check(off, 4); err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint32(r.buf[off:]), nil
}

func (r reader) u64(off uint64) (uint64, error) {
	if err := r.check(off, 8); err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint64(r.buf[off:]), nil
}

func (r reader) check(off, n uint64) error {
	end, err := addChecked(off, n)
	if err != nil {
		return err
	}
	if end > uint64(len(r.buf)) {
		return fmt.Errorf("read of %d bytes at %#x past buffer of %d", n, off, len(r.buf))
	}
	return nil
}

// segment is one PT_LOAD program header, already bounds checked against the
// payload.
type segment struct {
	vaddr  uint64
	offset uint64
	filesz uint64
	memsz  uint64
	flags  uint32
}

// header carries the executable-wide fields the loader acts on.
type header struct {
	typ     uint16
	entry   uint64
	phoff   uint64
	phnum   uint16
	// segs holds the PT_LOAD segments in file order; no heap is needed
	// for the table.
	segs  [MaxSegments]segment
	nsegs int
}

// parseExecutable validates the ELF identification and collects loadable
// segments into a fixed-size table.
func parseExecutable(payload []byte) (*header, error) {
	r := reader{payload}

	if len(payload) < elfEhdrSize {
		return nil, fmt.Errorf("%w: %d byte payload", ErrMalformed, len(payload))
	}
	if payload[0] != 0x7f || payload[1] != 'E' || payload[2] != 'L' || payload[3] != 'F' {
		return nil, fmt.Errorf("%w: bad ELF magic", ErrMalformed)
	}
	if payload[4] != elfClass64 || payload[5] != elfDataLSB || payload[6] != elfVersion {
		return nil, fmt.Errorf("%w: class/data/version %d/%d/%d", ErrUnsupportedType, payload[4], payload[5], payload[6])
	}

	h := &header{}
	var err error

	if h.typ, err = r.u16(elfTypeOff); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if h.typ != etExec && h.typ != etDyn {
		return nil, fmt.Errorf("%w: e_type %d", ErrUnsupportedType, h.typ)
	}

	machine, err := r.u16(elfMachOff)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if machine != emX8664 && machine != emAArch64 {
		return nil, fmt.Errorf("%w: e_machine %#x", ErrUnsupportedType, machine)
	}

	if h.entry, err = r.u64(elfEntryOff); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if h.entry == 0 {
		return nil, fmt.Errorf("%w: zero entry point", ErrMalformed)
	}
	if h.phoff, err = r.u64(elfPhoffOff); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}

	phentsize, err := r.u16(elfPhszOff)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if phentsize != elfPhdrSize {
		return nil, fmt.Errorf("%w: e_phentsize %d", ErrMalformed, phentsize)
	}
	if h.phnum, err = r.u16(elfPhnumOff); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if h.phnum == 0 {
		return nil, fmt.Errorf("%w: no program headers", ErrMalformed)
	}

	for i := uint64(0); i < uint64(h.phnum); i++ {
		stride, err := mulChecked(i, elfPhdrSize)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrOverflow, err)
		}
		off, err := addChecked(h.phoff, stride)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrOverflow, err)
		}

		ptype, err := r.u32(off)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
		}
		if ptype != ptLoad {
			continue
		}

		var s segment
		if s.flags, err = r.u32(off + 4); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
		}
		if s.offset, err = r.u64(off + 8); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
		}
		if s.vaddr, err = r.u64(off + 16); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
		}
		if s.filesz, err = r.u64(off + 32); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
		}
		if s.memsz, err = r.u64(off + 40); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
		}

		if s.memsz == 0 {
			continue
		}
		if s.filesz > s.memsz {
			return nil, fmt.Errorf("%w: filesz %#x > memsz %#x", ErrMalformed, s.filesz, s.memsz)
		}
		if s.flags&pfW != 0 && s.flags&pfX != 0 {
			return nil, fmt.Errorf("%w: RWX segment", ErrMalformed)
		}

		// The file-backed portion must lie inside the payload.
		end, err := addChecked(s.offset, s.filesz)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrOverflow, err)
		}
		if end > uint64(len(payload)) {
			return nil, fmt.Errorf("%w: segment [%#x, %#x) past payload", ErrMalformed, s.offset, end)
		}

		if h.nsegs == MaxSegments {
			return nil, ErrTooManySegments
		}
		h.segs[h.nsegs] = s
		h.nsegs++
	}

	if h.nsegs == 0 {
		return nil, fmt.Errorf("%w: no loadable segments", ErrMalformed)
	}

	return h, nil
}

func addChecked(a, b uint64) (uint64, error) {
	s := a + b
	if s < a {
		return 0, fmt.Errorf("uint64 overflow adding %#x and %#x", a, b)
	}
	return s, nil
}

func mulChecked(a, b uint64) (uint64, error) {
	if a == 0 || b == 0 {
		return 0, nil
	}
	p := a * b
	if p/a != b {
		return 0, fmt.Errorf("uint64 overflow multiplying %#x and %#x", a, b)
	}
	return p, nil
}
