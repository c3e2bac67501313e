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

// Package verify decides whether a parsed capsule is trustworthy before any
// byte of its payload is interpreted. A capsule is checked along exactly one
// of two paths, selected by the capsule header and never by fallback: a
// static Ed25519 signature over the capsule commitment, or a Groth16 proof
// over BLS12-381 bound to the commitment and a registered proving program.
package verify

import (
	"crypto/ed25519"
	"errors"

	"github.com/coreos/go-semver/semver"
	"golang.org/x/mod/sumdb/note"

	"github.com/transparency-dev/capsule-boot/internal/capsule"
)

// Verdict is the outcome of capsule verification. Anything other than
// VerdictValid must abort the boot before the payload is touched.
type Verdict int

const (
	// VerdictUnverified is the zero value; no check has run.
	VerdictUnverified Verdict = iota
	// VerdictValid means the capsule passed its selected verification path.
	VerdictValid
	// VerdictInvalid means a check ran to completion and failed.
	VerdictInvalid
	// VerdictUnsupported means the capsule demands a capability this build
	// does not carry (unknown program, missing backend, oversize record).
	VerdictUnsupported
	// VerdictError means verification could not run to completion.
	VerdictError
)

// String renders the verdict for boot-stage logs.
func (v Verdict) String() string {
	switch v {
	case VerdictUnverified:
		return "unverified"
	case VerdictValid:
		return "valid"
	case VerdictInvalid:
		return "invalid"
	case VerdictUnsupported:
		return "unsupported"
	case VerdictError:
		return "error"
	default:
		return "unknown"
	}
}

// Scheme identifies the verification path a capsule selects. The set is
// closed; dispatch is a switch, not an interface.
type Scheme uint8

const (
	// SchemeStatic is an Ed25519 signature over the capsule commitment.
	SchemeStatic Scheme = iota
	// SchemeGroth16 is a Groth16 proof over BLS12-381 bound to the
	// commitment and a registered proving program.
	SchemeGroth16
)

// String renders the scheme for boot-stage logs.
func (s Scheme) String() string {
	switch s {
	case SchemeStatic:
		return "static"
	case SchemeGroth16:
		return "groth16"
	default:
		return "unknown"
	}
}

// SchemeOf returns the path the capsule header selects.
func SchemeOf(meta *capsule.Meta) Scheme {
	if meta.RequiresZK() {
		return SchemeGroth16
	}
	return SchemeStatic
}

var (
	// ErrNoTrustedKeys is returned when the static path runs with an empty
	// keyring. A build without provisioned keys must not admit anything.
	ErrNoTrustedKeys = errors.New("verify: no trusted signer keys provisioned")
	// ErrSignatureMismatch is returned when no trusted key admits the
	// capsule signature.
	ErrSignatureMismatch = errors.New("verify: signature does not match any trusted key")
	// ErrCommitmentMismatch is returned when the recomputed capsule
	// commitment differs from the header value.
	ErrCommitmentMismatch = errors.New("verify: capsule commitment mismatch")
	// ErrManifestRequired is returned when the build requires manifest
	// binding but the capsule carries none.
	ErrManifestRequired = errors.New("verify: manifest binding required by this build")
)

// Verifier holds the trust anchors a boot stage is provisioned with. The
// zero value trusts nothing and yields VerdictError for every capsule.
type Verifier struct {
	// TrustedKeys is the Ed25519 keyring for the static path, compiled into
	// the boot stage at provisioning time.
	TrustedKeys []ed25519.PublicKey
	// Registry maps program hashes to Groth16 verifying keys. If nil the
	// process-wide provisioned registry is used.
	Registry *Registry
	// ManifestVerifiers authenticates note-signed manifests when the
	// capsule binds one. Nil disables the authenticity check.
	ManifestVerifiers note.Verifiers
	// MinVersion, when non-nil, rejects manifests declaring an older
	// payload version. This is the rollback gate.
	MinVersion *semver.Version
}

// Capsule verifies buf against the parsed header meta and returns the
// verdict together with a diagnostic error for non-valid outcomes. The path
// is chosen by the capsule's ZK_REQUIRED flag alone: a capsule demanding a
// proof is never admitted on a signature, and vice versa.
func (v *Verifier) Capsule(buf []byte, meta *capsule.Meta) (Verdict, error) {
	proofOrSig, payload, err := capsule.ExtractRegions(buf, meta)
	if err != nil {
		return VerdictError, err
	}
	manifest, err := capsule.ManifestBytes(buf, meta)
	if err != nil {
		return VerdictError, err
	}
	// Key-bearing regions are wiped once the attempt is over, whatever the
	// verdict. The payload region is untouched; the loader still needs it.
	defer scrub(proofOrSig, manifest)
	if ManifestBindingRequired && !meta.ManifestBound() {
		return VerdictUnsupported, ErrManifestRequired
	}
	if meta.ManifestBound() {
		if err := v.checkManifest(manifest); err != nil {
			if errors.Is(err, ErrManifestTooLarge) {
				return VerdictUnsupported, err
			}
			return VerdictInvalid, err
		}
	}
	switch SchemeOf(meta) {
	case SchemeGroth16:
		return v.verifyZK(meta, proofOrSig, manifest)
	default:
		return v.verifyStatic(meta, proofOrSig, payload, manifest)
	}
}
