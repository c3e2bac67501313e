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

// Package capsule parses and bounds-checks the boot capsule framing.
//
// A capsule is the signed (or proved) container delivered to the boot
// stage, holding metadata plus an executable payload. Framing validation is
// deliberately cheap and runs before any cryptographic work so that
// obviously corrupt input is rejected early.
//
// Wire layout, little-endian, fixed offsets (shared with cmd/capsulegen):
//
//	magic:8 | version:2 | flags:1 | reserved:1 | total_length:4 |
//	program_hash:32 | capsule_commitment:32 | public_input_count:4 |
//	payload_offset:4 | payload_len:4 |
//	proof_or_sig_offset:4 | proof_or_sig_len:4 |
//	manifest_offset:4 | manifest_len:4
package capsule

import (
	"encoding/binary"
	"errors"
	"fmt"
)

const (
	// Magic is "CPSBOOT\0" read as a little-endian uint64.
	Magic   = uint64(0x00544f4f42535043)
	Version = uint16(1)

	// HeaderSize is the fixed size of the capsule framing header.
	HeaderSize = 108
)

// Capsule policy flags.
const (
	// FlagZKRequired marks zero-knowledge verification as mandatory: a
	// capsule carrying it must never be accepted via the static path.
	FlagZKRequired = uint8(1) << 0

	// FlagManifestBound marks the capsule commitment as binding the raw
	// manifest bytes rather than the proof public inputs.
	FlagManifestBound = uint8(1) << 1
)

var (
	ErrTooShort       = errors.New("capsule: shorter than header")
	ErrBadMagic       = errors.New("capsule: bad magic")
	ErrBadVersion     = errors.New("capsule: unsupported version")
	ErrBounds         = errors.New("capsule: region out of bounds")
	ErrOverlap        = errors.New("capsule: regions overlap")
	ErrEmptyRegion    = errors.New("capsule: empty region")
	ErrLengthMismatch = errors.New("capsule: declared length mismatch")
)

// Region identifies a byte range within the capsule.
type Region struct {
	Offset uint32
	Len    uint32
}

func (r Region) empty() bool {
	return r.Len == 0
}

// end returns the exclusive end offset, or an error on wrap.
func (r Region) end() (uint64, error) {
	// uint64 arithmetic cannot wrap on two uint32 operands, the checked
	// helper still guards against future field widening.
	return addChecked(uint64(r.Offset), uint64(r.Len))
}

// Meta is the parsed, bounds-checked capsule framing. It is derived once by
// ParseMeta and immutable thereafter.
type Meta struct {
	Flags             uint8
	TotalLength       uint32
	ProgramHash       [32]byte
	CapsuleCommitment [32]byte
	PublicInputCount  uint32

	Payload    Region
	ProofOrSig Region
	Manifest   Region
}

// RequiresZK reports whether capsule policy mandates the zero-knowledge
// verification path.
func (m *Meta) RequiresZK() bool {
	return m.Flags&FlagZKRequired != 0
}

// ManifestBound reports whether the commitment binds the raw manifest bytes.
func (m *Meta) ManifestBound() bool {
	return m.Flags&FlagManifestBound != 0
}

// ParseMeta reads the fixed-offset framing fields. It performs magic,
// version and minimum-size sanity only; ValidateLayout performs the strong
// layout check.
func ParseMeta(buf []byte) (*Meta, error) {
	if len(buf) < HeaderSize {
		return nil, ErrTooShort
	}

	if binary.LittleEndian.Uint64(buf[0:]) != Magic {
		return nil, ErrBadMagic
	}
	if v := binary.LittleEndian.Uint16(buf[8:]); v != Version {
		return nil, fmt.Errorf("%w: %d", ErrBadVersion, v)
	}

	m := &Meta{
		Flags:            buf[10],
		TotalLength:      binary.LittleEndian.Uint32(buf[12:]),
		PublicInputCount: binary.LittleEndian.Uint32(buf[80:]),
		Payload: Region{
			Offset: binary.LittleEndian.Uint32(buf[84:]),
			Len:    binary.LittleEndian.Uint32(buf[88:]),
		},
		ProofOrSig: Region{
			Offset: binary.LittleEndian.Uint32(buf[92:]),
			Len:    binary.LittleEndian.Uint32(buf[96:]),
		},
		Manifest: Region{
			Offset: binary.LittleEndian.Uint32(buf[100:]),
			Len:    binary.LittleEndian.Uint32(buf[104:]),
		},
	}
	copy(m.ProgramHash[:], buf[16:48])
	copy(m.CapsuleCommitment[:], buf[48:80])

	return m, nil
}

// ValidateLayout confirms that every declared region fits inside capsuleLen,
// that regions do not overlap each other or the header, and that payload and
// proof-or-sig are nonzero. All arithmetic is overflow checked.
func (m *Meta) ValidateLayout(capsuleLen int) error {
	if capsuleLen < HeaderSize {
		return ErrTooShort
	}
	if uint64(m.TotalLength) != uint64(capsuleLen) {
		return fmt.Errorf("%w: header declares %d, capsule is %d bytes", ErrLengthMismatch, m.TotalLength, capsuleLen)
	}

	if m.Payload.empty() || m.ProofOrSig.empty() {
		return ErrEmptyRegion
	}
	if m.ManifestBound() && m.Manifest.empty() {
		return fmt.Errorf("%w: manifest binding declared without manifest", ErrEmptyRegion)
	}

	regions := []Region{m.Payload, m.ProofOrSig}
	if !m.Manifest.empty() {
		regions = append(regions, m.Manifest)
	}

	for _, r := range regions {
		end, err := r.end()
		if err != nil {
			return fmt.Errorf("%w: %v", ErrBounds, err)
		}
		if uint64(r.Offset) < HeaderSize || end > uint64(capsuleLen) {
			return fmt.Errorf("%w: [%#x, %#x)", ErrBounds, r.Offset, end)
		}
	}

	for i := 0; i < len(regions); i++ {
		for j := i + 1; j < len(regions); j++ {
			if overlaps(regions[i], regions[j]) {
				return ErrOverlap
			}
		}
	}

	return nil
}

// ExtractRegions returns zero-copy views of the proof-or-sig blob and the
// payload. It revalidates the layout defensively; callers are expected to
// have run ValidateLayout already.
func ExtractRegions(buf []byte, m *Meta) (proofOrSig, payload []byte, err error) {
	if err := m.ValidateLayout(len(buf)); err != nil {
		return nil, nil, err
	}

	proofOrSig = buf[m.ProofOrSig.Offset : uint64(m.ProofOrSig.Offset)+uint64(m.ProofOrSig.Len)]
	payload = buf[m.Payload.Offset : uint64(m.Payload.Offset)+uint64(m.Payload.Len)]

	return proofOrSig, payload, nil
}

// ManifestBytes returns a zero-copy view of the manifest region, or nil if
// the capsule carries none.
func ManifestBytes(buf []byte, m *Meta) ([]byte, error) {
	if m.Manifest.empty() {
		return nil, nil
	}
	if err := m.ValidateLayout(len(buf)); err != nil {
		return nil, err
	}

	return buf[m.Manifest.Offset : uint64(m.Manifest.Offset)+uint64(m.Manifest.Len)], nil
}

func overlaps(a, b Region) bool {
	// Region ends were bounds checked by the caller, uint64 sums cannot
	// wrap here.
	aEnd := uint64(a.Offset) + uint64(a.Len)
	bEnd := uint64(b.Offset) + uint64(b.Len)
	return uint64(a.Offset) < bEnd && uint64(b.Offset) < aEnd
}

func addChecked(a, b uint64) (uint64, error) {
	s := a + b
	if s < a {
		return 0, fmt.Errorf("uint64 overflow adding %#x and %#x", a, b)
	}
	return s, nil
}
