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

//go:build !no_zk

package verify

import (
	"encoding/binary"
	"errors"
	"math/big"
	"testing"

	bls12381 "github.com/consensys/gnark-crypto/ecc/bls12-381"
	"github.com/consensys/gnark-crypto/ecc/bls12-381/fr"

	"github.com/transparency-dev/capsule-boot/internal/capsule"
)

// zkFixture is a complete, verifiable Groth16 instance built from known
// discrete logs of every element, so the pairing identity holds by
// construction without running a prover.
type zkFixture struct {
	programHash [32]byte
	vk          []byte
	proof       []byte
	inputs      []byte
	registry    *Registry

	// cScalar allows forging a structurally sound but false proof.
	cScalar fr.Element
	g1      bls12381.G1Affine
}

func buildZKFixture(t *testing.T) *zkFixture {
	t.Helper()
	_, _, g1, g2 := bls12381.Generators()

	scalar := func(v uint64) fr.Element {
		var e fr.Element
		e.SetUint64(v)
		return e
	}
	alphaS, betaS, gammaS, deltaS := scalar(3), scalar(4), scalar(5), scalar(6)
	l0, l1 := scalar(7), scalar(8)
	x := scalar(9)
	aS, bS := scalar(10), scalar(11)

	// k is the public input combination exponent: l0 + x*l1.
	var k fr.Element
	k.Mul(&x, &l1).Add(&k, &l0)

	// Solve e(A,B) = e(alpha,beta) e(K,gamma) e(C,delta) in the exponent:
	// cS = (aS*bS - alphaS*betaS - k*gammaS) / deltaS.
	var ab, alphaBeta, kGamma, num, dInv, cS fr.Element
	ab.Mul(&aS, &bS)
	alphaBeta.Mul(&alphaS, &betaS)
	kGamma.Mul(&k, &gammaS)
	num.Sub(&ab, &alphaBeta)
	num.Sub(&num, &kGamma)
	dInv.Inverse(&deltaS)
	cS.Mul(&num, &dInv)

	g1mul := func(s fr.Element) [bls12381.SizeOfG1AffineCompressed]byte {
		var p bls12381.G1Affine
		p.ScalarMultiplication(&g1, s.BigInt(new(big.Int)))
		return p.Bytes()
	}
	g2mul := func(s fr.Element) [bls12381.SizeOfG2AffineCompressed]byte {
		var p bls12381.G2Affine
		p.ScalarMultiplication(&g2, s.BigInt(new(big.Int)))
		return p.Bytes()
	}

	alpha := g1mul(alphaS)
	beta := g2mul(betaS)
	gamma := g2mul(gammaS)
	delta := g2mul(deltaS)
	ic0 := g1mul(l0)
	ic1 := g1mul(l1)

	var vk []byte
	vk = append(vk, alpha[:]...)
	vk = append(vk, beta[:]...)
	vk = append(vk, gamma[:]...)
	vk = append(vk, delta[:]...)
	vk = binary.BigEndian.AppendUint32(vk, 2)
	vk = append(vk, ic0[:]...)
	vk = append(vk, ic1[:]...)

	a := g1mul(aS)
	b := g2mul(bS)
	c := g1mul(cS)

	var proof []byte
	proof = append(proof, a[:]...)
	proof = append(proof, b[:]...)
	proof = append(proof, c[:]...)

	xb := x.Bytes()

	programHash := DeriveProgramHash([]byte("fixture-program"))
	registry, err := NewRegistry(RegistryEntry{ProgramHash: programHash, VerifyingKey: vk})
	if err != nil {
		t.Fatalf("NewRegistry: %v", err)
	}

	return &zkFixture{
		programHash: programHash,
		vk:          vk,
		proof:       proof,
		inputs:      xb[:],
		registry:    registry,
		cScalar:     cS,
		g1:          g1,
	}
}

// capsule builds a proof-mode capsule around the fixture's record, letting
// individual tests perturb proof, inputs or header fields first.
func (f *zkFixture) capsule(t *testing.T, inputs, proof []byte, programHash [32]byte) ([]byte, *capsule.Meta) {
	t.Helper()
	record := append(append([]byte(nil), inputs...), proof...)
	buf, err := capsule.Encode(capsule.Build{
		Flags:             capsule.FlagZKRequired,
		ProgramHash:       programHash,
		CapsuleCommitment: Commitment(inputs),
		PublicInputCount:  uint32(len(inputs) / FieldElementSize),
		ProofOrSig:        record,
		Payload:           []byte("proven payload"),
	})
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	meta, err := capsule.ParseMeta(buf)
	if err != nil {
		t.Fatalf("ParseMeta: %v", err)
	}
	return buf, meta
}

func TestGroth16KnownAnswer(t *testing.T) {
	f := buildZKFixture(t)
	v := &Verifier{Registry: f.registry}

	buf, meta := f.capsule(t, f.inputs, f.proof, f.programHash)
	if got, err := v.Capsule(buf, meta); got != VerdictValid {
		t.Fatalf("Capsule: got %v (%v), want valid", got, err)
	}

	t.Run("FalseProof", func(t *testing.T) {
		// C' = C + G deserializes cleanly but breaks the identity.
		var bad fr.Element
		bad.SetOne()
		bad.Add(&bad, &f.cScalar)
		var cBad bls12381.G1Affine
		cBad.ScalarMultiplication(&f.g1, bad.BigInt(new(big.Int)))
		cb := cBad.Bytes()

		proof := append([]byte(nil), f.proof...)
		copy(proof[g1CompressedSize+g2CompressedSize:], cb[:])

		buf, meta := f.capsule(t, f.inputs, proof, f.programHash)
		if got, err := v.Capsule(buf, meta); got != VerdictInvalid {
			t.Fatalf("Capsule: got %v (%v), want invalid", got, err)
		}
	})

	t.Run("CorruptedProofBytes", func(t *testing.T) {
		for _, off := range []int{0, 60, 190} {
			proof := append([]byte(nil), f.proof...)
			proof[off] ^= 0x01
			buf, meta := f.capsule(t, f.inputs, proof, f.programHash)
			if got, _ := v.Capsule(buf, meta); got == VerdictValid {
				t.Fatalf("Capsule admitted a proof with byte %d flipped", off)
			}
		}
	})

	t.Run("TamperedInputs", func(t *testing.T) {
		inputs := append([]byte(nil), f.inputs...)
		inputs[31] ^= 0x01
		// Commitment recomputed over the tampered inputs, so the capsule is
		// internally consistent and the rejection must come from the proof.
		buf, meta := f.capsule(t, inputs, f.proof, f.programHash)
		if got, _ := v.Capsule(buf, meta); got == VerdictValid {
			t.Fatal("Capsule admitted a proof over tampered public inputs")
		}
	})

	t.Run("CommitmentMismatch", func(t *testing.T) {
		buf, meta := f.capsule(t, f.inputs, f.proof, f.programHash)
		buf[48] ^= 0x01 // capsule_commitment field
		meta, err := capsule.ParseMeta(buf)
		if err != nil {
			t.Fatalf("ParseMeta: %v", err)
		}
		got, err := v.Capsule(buf, meta)
		if got != VerdictInvalid || !errors.Is(err, ErrCommitmentMismatch) {
			t.Fatalf("Capsule: got %v (%v), want commitment mismatch", got, err)
		}
	})

	t.Run("UnknownProgram", func(t *testing.T) {
		buf, meta := f.capsule(t, f.inputs, f.proof, DeriveProgramHash([]byte("other-program")))
		got, err := v.Capsule(buf, meta)
		if got != VerdictUnsupported || !errors.Is(err, ErrUnknownProgram) {
			t.Fatalf("Capsule: got %v (%v), want unsupported unknown program", got, err)
		}
	})
}

// countingPairing wraps the pairing hook and reports how often it ran.
func countingPairing(t *testing.T) *int {
	t.Helper()
	calls := 0
	orig := pairingCheck
	pairingCheck = func(p []bls12381.G1Affine, q []bls12381.G2Affine) (bool, error) {
		calls++
		return orig(p, q)
	}
	t.Cleanup(func() { pairingCheck = orig })
	return &calls
}

// Structurally rejected records must never reach the pairing.
func TestGroth16RejectsBeforePairing(t *testing.T) {
	f := buildZKFixture(t)
	v := &Verifier{Registry: f.registry}
	calls := countingPairing(t)

	t.Run("InputCountMismatch", func(t *testing.T) {
		// Two well-formed inputs against a key expecting one.
		inputs := append(append([]byte(nil), f.inputs...), f.inputs...)
		buf, meta := f.capsule(t, inputs, f.proof, f.programHash)
		got, err := v.Capsule(buf, meta)
		if got != VerdictInvalid || !errors.Is(err, ErrInputCountMismatch) {
			t.Fatalf("Capsule: got %v (%v), want input count mismatch", got, err)
		}
	})

	t.Run("TruncatedProof", func(t *testing.T) {
		buf, meta := f.capsule(t, f.inputs, f.proof[:ProofSize-1], f.programHash)
		if got, _ := v.Capsule(buf, meta); got != VerdictInvalid {
			t.Fatalf("Capsule with truncated proof: got %v, want invalid", got)
		}
	})

	t.Run("OversizeRecord", func(t *testing.T) {
		huge := make([]byte, MaxProofRecordSize+1)
		buf, meta := f.capsule(t, nil, huge, f.programHash)
		if got, _ := v.Capsule(buf, meta); got != VerdictUnsupported {
			t.Fatalf("Capsule with oversize record: got %v, want unsupported", got)
		}
	})

	t.Run("UnknownProgram", func(t *testing.T) {
		buf, meta := f.capsule(t, f.inputs, f.proof, DeriveProgramHash([]byte("missing")))
		if got, _ := v.Capsule(buf, meta); got != VerdictUnsupported {
			t.Fatalf("Capsule with unknown program: got %v, want unsupported", got)
		}
	})

	if *calls != 0 {
		t.Fatalf("pairing ran %d times on structurally rejected records", *calls)
	}

	// Control: a valid capsule does reach the hook.
	buf, meta := f.capsule(t, f.inputs, f.proof, f.programHash)
	if got, err := v.Capsule(buf, meta); got != VerdictValid {
		t.Fatalf("Capsule: got %v (%v), want valid", got, err)
	}
	if *calls != 1 {
		t.Fatalf("pairing ran %d times for one valid capsule, want 1", *calls)
	}
}
