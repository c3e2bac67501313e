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
	"crypto/ed25519"
	"crypto/subtle"
	"fmt"

	"github.com/transparency-dev/capsule-boot/internal/capsule"
)

// verifyStatic checks an Ed25519 signature capsule. The signature covers
// the capsule commitment, which in turn must match a fresh commitment over
// the payload (or over the manifest in manifest binding mode), so the
// signature transitively authenticates the bytes the loader will map.
func (v *Verifier) verifyStatic(meta *capsule.Meta, sig, payload, manifest []byte) (Verdict, error) {
	if len(v.TrustedKeys) == 0 {
		return VerdictError, ErrNoTrustedKeys
	}
	if len(sig) != ed25519.SignatureSize {
		return VerdictInvalid, fmt.Errorf("verify: signature region is %d bytes, want %d", len(sig), ed25519.SignatureSize)
	}
	if allZero(sig) {
		// An unprovisioned placeholder, never a real signature.
		return VerdictInvalid, ErrSignatureMismatch
	}

	binder := payload
	message := meta.CapsuleCommitment[:]
	if meta.ManifestBound() {
		binder = manifest
		message = manifest
	}
	want := Commitment(binder)
	if subtle.ConstantTimeCompare(want[:], meta.CapsuleCommitment[:]) != 1 {
		return VerdictInvalid, ErrCommitmentMismatch
	}

	for _, key := range v.TrustedKeys {
		if ed25519.Verify(key, message, sig) {
			return VerdictValid, nil
		}
	}

	return VerdictInvalid, ErrSignatureMismatch
}

func allZero(b []byte) bool {
	var acc byte
	for _, c := range b {
		acc |= c
	}
	return acc == 0
}
