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

package bootseq

import (
	"bytes"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/binary"
	"errors"
	"testing"

	"github.com/transparency-dev/capsule-boot/api"
	"github.com/transparency-dev/capsule-boot/internal/capsule"
	"github.com/transparency-dev/capsule-boot/internal/firmware/fwtest"
	"github.com/transparency-dev/capsule-boot/internal/handoff"
	"github.com/transparency-dev/capsule-boot/internal/loader"
	"github.com/transparency-dev/capsule-boot/internal/verify"
)

// kernelELF builds a one-segment fixed-address x86-64 executable whose
// loadable bytes are text.
func kernelELF(vaddr uint64, text []byte) []byte {
	const (
		ehdrSize = 64
		phdrSize = 56
	)
	buf := make([]byte, ehdrSize+phdrSize+len(text))
	copy(buf, []byte{0x7f, 'E', 'L', 'F', 2, 1, 1})
	binary.LittleEndian.PutUint16(buf[16:], 2)    // ET_EXEC
	binary.LittleEndian.PutUint16(buf[18:], 0x3e) // x86-64
	binary.LittleEndian.PutUint32(buf[20:], 1)
	binary.LittleEndian.PutUint64(buf[24:], vaddr) // entry
	binary.LittleEndian.PutUint64(buf[32:], ehdrSize)
	binary.LittleEndian.PutUint16(buf[54:], phdrSize)
	binary.LittleEndian.PutUint16(buf[56:], 1)

	ph := buf[ehdrSize:]
	binary.LittleEndian.PutUint32(ph[0:], 1) // PT_LOAD
	binary.LittleEndian.PutUint32(ph[4:], 1) // R+X via pfX only
	binary.LittleEndian.PutUint64(ph[8:], ehdrSize+phdrSize)
	binary.LittleEndian.PutUint64(ph[16:], vaddr)
	binary.LittleEndian.PutUint64(ph[32:], uint64(len(text)))
	binary.LittleEndian.PutUint64(ph[40:], uint64(len(text)))

	copy(buf[ehdrSize+phdrSize:], text)
	return buf
}

type jumpRecord struct {
	called             bool
	entry, ctrl, stack uint64
}

func (j *jumpRecord) fn(entry, ctrl, stack uint64) {
	j.called = true
	j.entry, j.ctrl, j.stack = entry, ctrl, stack
}

func newBoot(fw *fwtest.Firmware, v *verify.Verifier, jump *jumpRecord) *Boot {
	return &Boot{
		Verifier: v,
		Loader:   &loader.Loader{Alloc: fw, Map: fw.Map},
		Handoff:  &handoff.Builder{FW: fw, Map: fw.Map, Jump: jump.fn},
		Cmdline:  "root=/dev/vda",
	}
}

func TestRunBootsValidCapsule(t *testing.T) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatalf("GenerateKey: %v", err)
	}

	const entry = 0x400000
	text := []byte{0xf4, 0xeb, 0xfd} // hlt; jmp $-2
	payload := kernelELF(entry, text)
	commit := verify.Commitment(payload)

	buf, err := capsule.Encode(capsule.Build{
		CapsuleCommitment: commit,
		ProofOrSig:        ed25519.Sign(priv, commit[:]),
		Payload:           payload,
	})
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}

	fw := fwtest.New(0x100000)
	jump := &jumpRecord{}
	b := newBoot(fw, &verify.Verifier{TrustedKeys: []ed25519.PublicKey{pub}}, jump)

	if err := b.Run(buf); !errors.Is(err, handoff.ErrKernelReturned) {
		t.Fatalf("Run: %v, want ErrKernelReturned from the simulated jump", err)
	}
	if !jump.called || jump.entry != entry {
		t.Fatalf("jump: called=%v entry=%#x, want entry %#x", jump.called, jump.entry, uint64(entry))
	}
	if !fw.Exited() {
		t.Fatal("Run jumped without exiting boot services")
	}

	// The staged text must be byte-exact at the load address.
	got, err := fw.Map(entry, uint64(len(text)))
	if err != nil {
		t.Fatalf("Map(loaded text): %v", err)
	}
	if !bytes.Equal(got, text) {
		t.Fatalf("loaded text %x, want %x", got, text)
	}

	h, err := api.Decode(fw.Bytes(jump.ctrl)[:api.HandoffSize])
	if err != nil {
		t.Fatalf("Decode control block: %v", err)
	}
	if h.EntryPoint != entry || h.Flags&api.FlagSecureBoot == 0 {
		t.Fatalf("control block %+v, want entry %#x with SecureBoot", h, uint64(entry))
	}
	if h.Flags&api.FlagZKVerified != 0 {
		t.Fatal("static capsule reported as ZK verified")
	}
}

// A rejected capsule must abort before the loader touches the payload or
// firmware memory.
func TestRunRejectedCapsuleNeverLoads(t *testing.T) {
	pub, _, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatalf("GenerateKey: %v", err)
	}
	_, wrongPriv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatalf("GenerateKey: %v", err)
	}

	payload := kernelELF(0x400000, []byte{0xf4})
	commit := verify.Commitment(payload)
	buf, err := capsule.Encode(capsule.Build{
		CapsuleCommitment: commit,
		ProofOrSig:        ed25519.Sign(wrongPriv, commit[:]),
		Payload:           payload,
	})
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}

	fw := fwtest.New(0x100000)
	jump := &jumpRecord{}
	b := newBoot(fw, &verify.Verifier{TrustedKeys: []ed25519.PublicKey{pub}}, jump)

	if err := b.Run(buf); err == nil {
		t.Fatal("Run booted a capsule with an untrusted signature")
	}
	if fw.AllocCalls() != 0 {
		t.Fatalf("loader made %d firmware allocations for a rejected capsule", fw.AllocCalls())
	}
	if jump.called || fw.Exited() {
		t.Fatal("Run progressed past the verification gate")
	}
}

// A capsule that mandates the proof path is gated on its proof verdict
// alone; when that verdict is non-valid the loader must never run.
func TestRunZKMandatoryRejectionNeverLoads(t *testing.T) {
	payload := kernelELF(0x400000, []byte{0xf4})
	inputs := make([]byte, 32)
	inputs[31] = 9

	buf, err := capsule.Encode(capsule.Build{
		Flags:             capsule.FlagZKRequired,
		ProgramHash:       verify.DeriveProgramHash([]byte("unregistered-program")),
		CapsuleCommitment: verify.Commitment(inputs),
		PublicInputCount:  1,
		ProofOrSig:        append(inputs, make([]byte, verify.ProofSize)...),
		Payload:           payload,
	})
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}

	registry, err := verify.NewRegistry()
	if err != nil {
		t.Fatalf("NewRegistry: %v", err)
	}
	fw := fwtest.New(0x100000)
	jump := &jumpRecord{}
	b := newBoot(fw, &verify.Verifier{Registry: registry}, jump)

	if err := b.Run(buf); err == nil {
		t.Fatal("Run booted a proof-mandatory capsule with no registered program")
	}
	if fw.AllocCalls() != 0 {
		t.Fatalf("loader made %d firmware allocations for a rejected capsule", fw.AllocCalls())
	}
	if jump.called || fw.Exited() {
		t.Fatal("Run progressed past the verification gate")
	}
}

func TestRunMalformedCapsule(t *testing.T) {
	fw := fwtest.New(0x100000)
	jump := &jumpRecord{}
	b := newBoot(fw, &verify.Verifier{}, jump)

	if err := b.Run([]byte("short")); err == nil {
		t.Fatal("Run accepted a malformed capsule")
	}
	if fw.AllocCalls() != 0 || jump.called {
		t.Fatal("Run progressed past framing validation")
	}
}
