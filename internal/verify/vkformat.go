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

package verify

import (
	"encoding/binary"
	"fmt"
)

// Serialized verifying key layout, all points compressed:
//
//	alpha  G1  48 bytes
//	beta   G2  96 bytes
//	gamma  G2  96 bytes
//	delta  G2  96 bytes
//	count  u32 big endian
//	ic     count * 48 bytes (G1 each)
const (
	g1CompressedSize = 48
	g2CompressedSize = 96

	vkAlphaOff   = 0
	vkBetaOff    = vkAlphaOff + g1CompressedSize
	vkGammaOff   = vkBetaOff + g2CompressedSize
	vkDeltaOff   = vkGammaOff + g2CompressedSize
	vkICCountOff = vkDeltaOff + g2CompressedSize
	vkICOff      = vkICCountOff + 4

	// maxICCount keeps a hostile count field from driving a huge
	// allocation; it comfortably covers MaxPublicInputSize worth of inputs.
	maxICCount = MaxPublicInputSize/FieldElementSize + 1
)

// verifyingKeyInputCount reads the IC point count out of a serialized
// verifying key without touching any curve point.
func verifyingKeyInputCount(vk []byte) (uint32, error) {
	if len(vk) < vkICOff {
		return 0, fmt.Errorf("verify: verifying key is %d bytes, header alone is %d", len(vk), vkICOff)
	}
	n := binary.BigEndian.Uint32(vk[vkICCountOff:])
	if n == 0 || n > maxICCount {
		return 0, fmt.Errorf("verify: verifying key declares %d IC points", n)
	}
	if len(vk) != vkICOff+int(n)*g1CompressedSize {
		return 0, fmt.Errorf("verify: verifying key is %d bytes, want %d for %d IC points", len(vk), vkICOff+int(n)*g1CompressedSize, n)
	}
	return n, nil
}
