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

import "lukechampine.com/blake3"

// Domain separation contexts. Program hashes and capsule commitments are
// derived through BLAKE3 key derivation with distinct fixed contexts, so a
// value computed for one purpose can never be replayed as the other.
const (
	dsProgramHash = "CAPSULE:ZK:PROGRAM:v1"
	dsCommitment  = "CAPSULE:COMMITMENT:v1"
)

// DeriveProgramHash derives the registry identifier of a proving program
// from its stable program ID bytes.
func DeriveProgramHash(programID []byte) [32]byte {
	var out [32]byte
	blake3.DeriveKey(out[:], dsProgramHash, programID)
	return out
}

// Commitment computes the domain-separated capsule commitment over data
// (public inputs, manifest bytes or payload, depending on binding mode).
func Commitment(data []byte) [32]byte {
	var out [32]byte
	blake3.DeriveKey(out[:], dsCommitment, data)
	return out
}
