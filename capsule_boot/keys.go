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

package main

import (
	"crypto/ed25519"
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/coreos/go-semver/semver"
	"golang.org/x/mod/sumdb/note"
)

// trustedSigners parses the compiled-in SignerKeys value, a comma separated
// list of hex encoded Ed25519 public keys for the static capsule path.
func trustedSigners() ([]ed25519.PublicKey, error) {
	if SignerKeys == "" {
		return nil, nil
	}

	var keys []ed25519.PublicKey
	for _, h := range strings.Split(SignerKeys, ",") {
		b, err := hex.DecodeString(strings.TrimSpace(h))
		if err != nil {
			return nil, fmt.Errorf("signer key %q: %v", h, err)
		}
		if len(b) != ed25519.PublicKeySize {
			return nil, fmt.Errorf("signer key %q: %d bytes, want %d", h, len(b), ed25519.PublicKeySize)
		}
		keys = append(keys, ed25519.PublicKey(b))
	}

	return keys, nil
}

// manifestVerifiers parses the compiled-in ManifestVerifier note key, if any.
func manifestVerifiers() (note.Verifiers, error) {
	if ManifestVerifier == "" {
		return nil, nil
	}

	v, err := note.NewVerifier(ManifestVerifier)
	if err != nil {
		return nil, fmt.Errorf("manifest verifier key: %v", err)
	}

	return note.VerifierList(v), nil
}

// minVersion parses the compiled-in rollback floor, if any.
func minVersion() (*semver.Version, error) {
	if MinVersion == "" {
		return nil, nil
	}

	v, err := semver.NewVersion(MinVersion)
	if err != nil {
		return nil, fmt.Errorf("minimum version %q: %v", MinVersion, err)
	}

	return v, nil
}
