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

//go:build zeroize

package verify

import (
	"bytes"
	"crypto/ed25519"
	"testing"

	"github.com/transparency-dev/capsule-boot/internal/capsule"
)

// Every verdict must leave the proof-or-sig region wiped; the payload
// region stays intact for the loader.
func TestScrubAfterVerdict(t *testing.T) {
	pub, priv := mustKey(t)
	payload := []byte("kernel bytes")

	run := func(t *testing.T, v *Verifier, wantValid bool) {
		t.Helper()
		buf, meta := staticCapsule(t, priv, payload)
		sig, pay, err := capsule.ExtractRegions(buf, meta)
		if err != nil {
			t.Fatalf("ExtractRegions: %v", err)
		}
		verdict, _ := v.Capsule(buf, meta)
		if got := verdict == VerdictValid; got != wantValid {
			t.Fatalf("verdict %v, want valid=%v", verdict, wantValid)
		}
		if !bytes.Equal(sig, make([]byte, len(sig))) {
			t.Fatal("proof-or-sig region not wiped after verification")
		}
		if !bytes.Equal(pay, payload) {
			t.Fatal("payload region was scrubbed")
		}
	}

	t.Run("Valid", func(t *testing.T) {
		run(t, &Verifier{TrustedKeys: []ed25519.PublicKey{pub}}, true)
	})
	t.Run("Rejected", func(t *testing.T) {
		other, _ := mustKey(t)
		run(t, &Verifier{TrustedKeys: []ed25519.PublicKey{other}}, false)
	})
}
