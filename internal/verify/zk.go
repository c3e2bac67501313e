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
	"crypto/subtle"
	"errors"
	"fmt"

	"github.com/transparency-dev/capsule-boot/internal/capsule"
)

// Size caps for the proof record. Anything larger is refused before a
// single point deserialization runs.
const (
	// MaxProofRecordSize bounds the whole proof-or-sig region in ZK mode.
	MaxProofRecordSize = 2 << 20
	// MaxPublicInputSize bounds the serialized public inputs.
	MaxPublicInputSize = 256 << 10
	// FieldElementSize is the serialized width of one BLS12-381 scalar.
	FieldElementSize = 32
	// ProofSize is a compressed Groth16 proof over BLS12-381:
	// A (G1, 48 bytes), B (G2, 96 bytes), C (G1, 48 bytes).
	ProofSize = 192
)

var (
	// ErrBackendDisabled is returned when a capsule demands a proof but the
	// build was compiled without the Groth16 backend.
	ErrBackendDisabled = errors.New("verify: zero-knowledge backend not compiled in")
	// ErrInputCountMismatch is returned when the capsule's public input
	// count disagrees with the registered verifying key.
	ErrInputCountMismatch = errors.New("verify: public input count does not match verifying key")
)

// verifyZK checks a proof-mode capsule. Gates run cheapest first and every
// reject carries the gate that fired; the pairing only ever runs against a
// registered verifying key with a size-validated record.
func (v *Verifier) verifyZK(meta *capsule.Meta, record, manifest []byte) (Verdict, error) {
	if !zkCapable {
		return VerdictUnsupported, ErrBackendDisabled
	}
	if len(record) > MaxProofRecordSize {
		return VerdictUnsupported, fmt.Errorf("verify: proof record is %d bytes, cap is %d", len(record), MaxProofRecordSize)
	}

	inputsLen := uint64(meta.PublicInputCount) * FieldElementSize
	if inputsLen > MaxPublicInputSize {
		return VerdictUnsupported, fmt.Errorf("verify: %d public inputs exceed the %d byte cap", meta.PublicInputCount, MaxPublicInputSize)
	}
	if uint64(len(record)) != inputsLen+ProofSize {
		return VerdictInvalid, fmt.Errorf("verify: proof record is %d bytes, want %d inputs plus a %d byte proof", len(record), meta.PublicInputCount, ProofSize)
	}
	inputs := record[:inputsLen]
	proof := record[inputsLen:]

	// The commitment binds what the proof actually speaks about. In
	// manifest binding mode that is the signed manifest; otherwise the
	// serialized public inputs.
	binder := inputs
	if meta.ManifestBound() {
		binder = manifest
	}
	want := Commitment(binder)
	if subtle.ConstantTimeCompare(want[:], meta.CapsuleCommitment[:]) != 1 {
		return VerdictInvalid, ErrCommitmentMismatch
	}

	vkBytes, err := v.registry().Lookup(meta.ProgramHash)
	switch {
	case errors.Is(err, ErrUnknownProgram):
		return VerdictUnsupported, err
	case err != nil:
		return VerdictError, err
	}

	// The input count is cross-checked against the serialized key before
	// any curve point is deserialized.
	icCount, err := verifyingKeyInputCount(vkBytes)
	if err != nil {
		return VerdictError, err
	}
	if uint64(meta.PublicInputCount) != uint64(icCount)-1 {
		return VerdictInvalid, ErrInputCountMismatch
	}

	ok, err := groth16Verify(vkBytes, proof, inputs)
	if err != nil {
		return VerdictError, err
	}
	if !ok {
		return VerdictInvalid, errors.New("verify: pairing check failed")
	}
	return VerdictValid, nil
}
