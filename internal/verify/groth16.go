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
	"fmt"

	"github.com/consensys/gnark-crypto/ecc"
	bls12381 "github.com/consensys/gnark-crypto/ecc/bls12-381"
	"github.com/consensys/gnark-crypto/ecc/bls12-381/fr"
)

const zkCapable = true

// pairingCheck is indirected so tests can observe whether the expensive
// pairing ever runs on a rejected record.
var pairingCheck = bls12381.PairingCheck

type verifyingKey struct {
	alpha bls12381.G1Affine
	beta  bls12381.G2Affine
	gamma bls12381.G2Affine
	delta bls12381.G2Affine
	ic    []bls12381.G1Affine
}

// groth16Verify runs the Groth16 pairing equation
//
//	e(A, B) = e(alpha, beta) * e(K, gamma) * e(C, delta)
//
// with K the public input linear combination over the IC points. All point
// deserialization is canonical and subgroup checked; any malformed point is
// an error, not an invalid proof.
func groth16Verify(vkBytes, proof, inputs []byte) (bool, error) {
	vk, err := parseVerifyingKey(vkBytes)
	if err != nil {
		return false, err
	}
	if len(inputs)%FieldElementSize != 0 {
		return false, fmt.Errorf("verify: public inputs are %d bytes, not a multiple of %d", len(inputs), FieldElementSize)
	}
	scalars := make([]fr.Element, len(inputs)/FieldElementSize)
	for i := range scalars {
		// Big endian, reduced into the scalar field.
		scalars[i].SetBytes(inputs[i*FieldElementSize : (i+1)*FieldElementSize])
	}
	if len(scalars) != len(vk.ic)-1 {
		return false, ErrInputCountMismatch
	}

	var a, c bls12381.G1Affine
	var b bls12381.G2Affine
	if _, err := a.SetBytes(proof[:g1CompressedSize]); err != nil {
		return false, fmt.Errorf("verify: proof point A: %w", err)
	}
	if _, err := b.SetBytes(proof[g1CompressedSize : g1CompressedSize+g2CompressedSize]); err != nil {
		return false, fmt.Errorf("verify: proof point B: %w", err)
	}
	if _, err := c.SetBytes(proof[g1CompressedSize+g2CompressedSize:]); err != nil {
		return false, fmt.Errorf("verify: proof point C: %w", err)
	}

	var acc bls12381.G1Jac
	acc.FromAffine(&vk.ic[0])
	if len(scalars) > 0 {
		var msm bls12381.G1Jac
		if _, err := msm.MultiExp(vk.ic[1:], scalars, ecc.MultiExpConfig{}); err != nil {
			return false, fmt.Errorf("verify: input combination: %w", err)
		}
		acc.AddAssign(&msm)
	}
	var k bls12381.G1Affine
	k.FromJacobian(&acc)

	var negA bls12381.G1Affine
	negA.Neg(&a)

	return pairingCheck(
		[]bls12381.G1Affine{negA, vk.alpha, k, c},
		[]bls12381.G2Affine{b, vk.beta, vk.gamma, vk.delta},
	)
}

// ValidateVerifyingKey fully deserializes a serialized verifying key and
// returns the public input count it expects. Provisioning tooling uses this
// to refuse malformed keys before they are compiled into a registry.
func ValidateVerifyingKey(raw []byte) (uint32, error) {
	vk, err := parseVerifyingKey(raw)
	if err != nil {
		return 0, err
	}
	return uint32(len(vk.ic) - 1), nil
}

func parseVerifyingKey(raw []byte) (*verifyingKey, error) {
	n, err := verifyingKeyInputCount(raw)
	if err != nil {
		return nil, err
	}

	vk := &verifyingKey{ic: make([]bls12381.G1Affine, n)}
	if _, err := vk.alpha.SetBytes(raw[vkAlphaOff:vkBetaOff]); err != nil {
		return nil, fmt.Errorf("verify: verifying key alpha: %w", err)
	}
	if _, err := vk.beta.SetBytes(raw[vkBetaOff:vkGammaOff]); err != nil {
		return nil, fmt.Errorf("verify: verifying key beta: %w", err)
	}
	if _, err := vk.gamma.SetBytes(raw[vkGammaOff:vkDeltaOff]); err != nil {
		return nil, fmt.Errorf("verify: verifying key gamma: %w", err)
	}
	if _, err := vk.delta.SetBytes(raw[vkDeltaOff:vkICCountOff]); err != nil {
		return nil, fmt.Errorf("verify: verifying key delta: %w", err)
	}
	for i := range vk.ic {
		off := vkICOff + i*g1CompressedSize
		if _, err := vk.ic[i].SetBytes(raw[off : off+g1CompressedSize]); err != nil {
			return nil, fmt.Errorf("verify: verifying key IC[%d]: %w", i, err)
		}
	}
	return vk, nil
}
