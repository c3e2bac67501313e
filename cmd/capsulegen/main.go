// Copyright 2025 The Capsule Boot authors. All Rights Reserved.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//	http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.
//
// The capsulegen tool assembles boot capsules: it wraps a kernel ELF with
// either an Ed25519 signature or a Groth16 proof record, computing the
// commitment and header framing the boot stage expects.
package main

import (
	"crypto/ed25519"
	"encoding/hex"
	"flag"
	"os"
	"strings"

	"k8s.io/klog/v2"

	"github.com/transparency-dev/capsule-boot/internal/capsule"
	"github.com/transparency-dev/capsule-boot/internal/verify"
)

var (
	payloadFile  = flag.String("payload_file", "", "Kernel ELF to embed.")
	outputFile   = flag.String("output_file", "", "File to write the capsule to.")
	manifestFile = flag.String("manifest_file", "", "Optional note-signed manifest; sets manifest binding.")

	// Static signature mode.
	signingKeyFile = flag.String("signing_key_file", "", "File containing a hex Ed25519 seed; selects signature mode.")

	// Proof mode.
	proofFile  = flag.String("proof_file", "", "File containing a 192 byte compressed Groth16 proof; selects proof mode.")
	inputsFile = flag.String("inputs_file", "", "File containing the serialized public inputs, 32 bytes each.")
	programID  = flag.String("program_id", "", "Stable program identifier to derive the program hash from.")
)

func main() {
	klog.InitFlags(nil)
	flag.Parse()

	if *payloadFile == "" || *outputFile == "" {
		klog.Exit("--payload_file and --output_file are required")
	}
	if (*signingKeyFile == "") == (*proofFile == "") {
		klog.Exit("exactly one of --signing_key_file and --proof_file must be set")
	}

	payload, err := os.ReadFile(*payloadFile)
	if err != nil {
		klog.Exitf("Failed to read payload %q: %v", *payloadFile, err)
	}

	b := capsule.Build{Payload: payload}

	var manifest []byte
	if *manifestFile != "" {
		if manifest, err = os.ReadFile(*manifestFile); err != nil {
			klog.Exitf("Failed to read manifest %q: %v", *manifestFile, err)
		}
		b.Flags |= capsule.FlagManifestBound
		b.Manifest = manifest
	}

	if *proofFile != "" {
		buildProof(&b, manifest)
	} else {
		buildSigned(&b, manifest, payload)
	}

	out, err := capsule.Encode(b)
	if err != nil {
		klog.Exitf("Encode: %v", err)
	}

	// Round trip through the boot stage's own validation before writing.
	meta, err := capsule.ParseMeta(out)
	if err != nil {
		klog.Exitf("Generated capsule fails to parse: %v", err)
	}
	if err := meta.ValidateLayout(len(out)); err != nil {
		klog.Exitf("Generated capsule fails layout validation: %v", err)
	}

	if err := os.WriteFile(*outputFile, out, 0o644); err != nil {
		klog.Exitf("Failed to write %q: %v", *outputFile, err)
	}
	klog.Infof("Wrote %d byte capsule to %q (zk=%v manifest=%v)", len(out), *outputFile, meta.RequiresZK(), meta.ManifestBound())
}

func buildProof(b *capsule.Build, manifest []byte) {
	proof, err := os.ReadFile(*proofFile)
	if err != nil {
		klog.Exitf("Failed to read proof %q: %v", *proofFile, err)
	}
	if len(proof) != verify.ProofSize {
		klog.Exitf("Proof is %d bytes, want %d", len(proof), verify.ProofSize)
	}
	if *programID == "" {
		klog.Exit("--program_id is required in proof mode")
	}

	var inputs []byte
	if *inputsFile != "" {
		if inputs, err = os.ReadFile(*inputsFile); err != nil {
			klog.Exitf("Failed to read inputs %q: %v", *inputsFile, err)
		}
		if len(inputs)%verify.FieldElementSize != 0 {
			klog.Exitf("Inputs are %d bytes, not a multiple of %d", len(inputs), verify.FieldElementSize)
		}
	}

	binder := inputs
	if manifest != nil {
		binder = manifest
	}

	b.Flags |= capsule.FlagZKRequired
	b.ProgramHash = verify.DeriveProgramHash([]byte(*programID))
	b.CapsuleCommitment = verify.Commitment(binder)
	b.PublicInputCount = uint32(len(inputs) / verify.FieldElementSize)
	b.ProofOrSig = append(append([]byte(nil), inputs...), proof...)
}

func buildSigned(b *capsule.Build, manifest, payload []byte) {
	seedHex, err := os.ReadFile(*signingKeyFile)
	if err != nil {
		klog.Exitf("Failed to read signing key %q: %v", *signingKeyFile, err)
	}
	seed, err := hex.DecodeString(strings.TrimSpace(string(seedHex)))
	if err != nil {
		klog.Exitf("Signing key is not hex: %v", err)
	}
	if len(seed) != ed25519.SeedSize {
		klog.Exitf("Signing key seed is %d bytes, want %d", len(seed), ed25519.SeedSize)
	}
	key := ed25519.NewKeyFromSeed(seed)

	binder := payload
	if manifest != nil {
		binder = manifest
	}
	b.CapsuleCommitment = verify.Commitment(binder)

	message := b.CapsuleCommitment[:]
	if manifest != nil {
		message = manifest
	}
	b.ProofOrSig = ed25519.Sign(key, message)
}
