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

package capsule

import (
	"encoding/binary"
	"fmt"
	"math"
)

// Build describes the variable parts of a capsule to encode. The encoder
// lays regions out as header | manifest | proof_or_sig | payload and fills
// in all offsets and the total length.
type Build struct {
	Flags             uint8
	ProgramHash       [32]byte
	CapsuleCommitment [32]byte
	PublicInputCount  uint32

	Manifest   []byte
	ProofOrSig []byte
	Payload    []byte
}

// Encode produces capsule bytes that ParseMeta and ValidateLayout accept.
// It is used by cmd/capsulegen and by tests; the boot stage itself never
// encodes capsules.
func Encode(b Build) ([]byte, error) {
	if len(b.Payload) == 0 || len(b.ProofOrSig) == 0 {
		return nil, ErrEmptyRegion
	}

	total := uint64(HeaderSize) + uint64(len(b.Manifest)) + uint64(len(b.ProofOrSig)) + uint64(len(b.Payload))
	if total > math.MaxUint32 {
		return nil, fmt.Errorf("capsule: %d bytes exceeds format limit", total)
	}

	out := make([]byte, total)
	binary.LittleEndian.PutUint64(out[0:], Magic)
	binary.LittleEndian.PutUint16(out[8:], Version)
	out[10] = b.Flags
	binary.LittleEndian.PutUint32(out[12:], uint32(total))
	copy(out[16:48], b.ProgramHash[:])
	copy(out[48:80], b.CapsuleCommitment[:])
	binary.LittleEndian.PutUint32(out[80:], b.PublicInputCount)

	off := uint32(HeaderSize)
	put := func(fieldOff int, data []byte) {
		if len(data) == 0 {
			return
		}
		binary.LittleEndian.PutUint32(out[fieldOff:], off)
		binary.LittleEndian.PutUint32(out[fieldOff+4:], uint32(len(data)))
		copy(out[off:], data)
		off += uint32(len(data))
	}

	put(100, b.Manifest)
	put(92, b.ProofOrSig)
	put(84, b.Payload)

	return out, nil
}
