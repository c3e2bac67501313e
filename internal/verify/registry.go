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
)

// RegistryEntry pairs a program hash with the serialized Groth16 verifying
// key admitted for proofs of that program.
type RegistryEntry struct {
	ProgramHash  [32]byte
	VerifyingKey []byte
}

// Registry is an immutable table of verifying keys, fixed at startup.
// Lookups scan every entry regardless of where a match occurs, so lookup
// time does not reveal which program a capsule claims.
type Registry struct {
	entries []RegistryEntry
}

var (
	// ErrUnknownProgram is returned when no registry entry matches the
	// capsule's program hash.
	ErrUnknownProgram = errors.New("verify: program hash not in verifying key registry")
	// ErrPlaceholderKey is returned when a lookup hits an entry whose
	// verifying key was never provisioned. Such an entry admits nothing.
	ErrPlaceholderKey = errors.New("verify: registry entry holds a placeholder verifying key")
)

// NewRegistry copies entries into an immutable registry. Duplicate program
// hashes are rejected so a later entry can never shadow an earlier one.
func NewRegistry(entries ...RegistryEntry) (*Registry, error) {
	r := &Registry{entries: make([]RegistryEntry, 0, len(entries))}
	for i, e := range entries {
		for _, prev := range r.entries {
			if prev.ProgramHash == e.ProgramHash {
				return nil, fmt.Errorf("verify: duplicate registry entry %d for program hash %x", i, e.ProgramHash)
			}
		}
		cp := e
		cp.VerifyingKey = append([]byte(nil), e.VerifyingKey...)
		r.entries = append(r.entries, cp)
	}
	return r, nil
}

// Lookup returns the verifying key registered for programHash. It returns
// ErrUnknownProgram for an unregistered hash and ErrPlaceholderKey for an
// entry that was registered but never provisioned. The scan visits every
// entry and accumulates the match without early exit.
func (r *Registry) Lookup(programHash [32]byte) ([]byte, error) {
	var (
		found int
		idx   int
	)
	for i := range r.entries {
		eq := subtle.ConstantTimeCompare(r.entries[i].ProgramHash[:], programHash[:])
		idx = subtle.ConstantTimeSelect(eq, i, idx)
		found |= eq
	}
	if found != 1 {
		return nil, ErrUnknownProgram
	}
	key := r.entries[idx].VerifyingKey
	if len(key) == 0 || allZero(key) {
		return nil, ErrPlaceholderKey
	}
	return key, nil
}

// Len reports the number of registered programs.
func (r *Registry) Len() int {
	return len(r.entries)
}

// registry returns the verifier's table, falling back to the provisioned
// process-wide one.
func (v *Verifier) registry() *Registry {
	if v.Registry != nil {
		return v.Registry
	}
	return provisionedRegistry
}
