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

// capsule_boot is the pre-kernel boot stage: it reads a capsule from
// internal storage, verifies it, loads the embedded kernel and performs the
// one-way handoff. Every failure before the handoff logs a diagnostic and
// halts; after the firmware-exit point the machine belongs to the kernel.
package main

import (
	"log"
	"os"
	"runtime"

	usbarmory "github.com/usbarmory/tamago/board/usbarmory/mk2"
	"github.com/usbarmory/tamago/soc/nxp/imx6ul"

	"github.com/usbarmory/armory-boot/config"

	"github.com/transparency-dev/capsule-boot/internal/bootseq"
	"github.com/transparency-dev/capsule-boot/internal/handoff"
	"github.com/transparency-dev/capsule-boot/internal/loader"
	"github.com/transparency-dev/capsule-boot/internal/verify"
)

// initialized at compile time (see Makefile)
var (
	Build    string
	Revision string
	Version  string

	// PublicKey verifies the storage envelope around the capsule.
	PublicKey string
	// SignerKeys holds the Ed25519 keyring for static capsules, comma
	// separated hex.
	SignerKeys string
	// ManifestVerifier is the note key for manifest-bound capsules.
	ManifestVerifier string
	// MinVersion is the rollback floor for manifest-bound capsules.
	MinVersion string
	// KernelCmdline is passed to the kernel via the control block.
	KernelCmdline string
)

var Storage = usbarmory.MMC

func init() {
	log.SetFlags(log.Ltime)
	log.SetOutput(os.Stdout)

	if len(PublicKey) == 0 {
		log.Fatal("BT capsule envelope verification key is missing")
	}

	if imx6ul.Native {
		imx6ul.SetARMFreq(imx6ul.Freq792)
		imx6ul.DCP.Init()
	}

	imx6ul.GIC.Init(true, false)

	log.Printf("%s/%s (%s) • capsule boot stage • %s %s",
		runtime.GOOS, runtime.GOARCH, runtime.Version(),
		Revision, Build)
}

func main() {
	usbarmory.LED("blue", false)
	usbarmory.LED("white", false)

	if imx6ul.Native {
		if err := Storage.Detect(); err != nil {
			log.Fatalf("BT failed to detect storage, %v", err)
		}
	}

	buf, sig, err := read(Storage)
	if err != nil {
		log.Fatalf("BT could not read capsule, %v", err)
	}
	log.Printf("BT capsule read, %d bytes", len(buf))

	if err := config.Verify(buf, sig, PublicKey); err != nil {
		log.Fatalf("BT capsule envelope verification error, %v", err)
	}
	log.Printf("BT capsule envelope verified")
	usbarmory.LED("blue", true)

	signers, err := trustedSigners()
	if err != nil {
		log.Fatalf("BT signer keyring error, %v", err)
	}
	verifiers, err := manifestVerifiers()
	if err != nil {
		log.Fatalf("BT manifest verifier error, %v", err)
	}
	floor, err := minVersion()
	if err != nil {
		log.Fatalf("BT version floor error, %v", err)
	}

	fw := newBootServices()
	boot := &bootseq.Boot{
		Verifier: &verify.Verifier{
			TrustedKeys:       signers,
			ManifestVerifiers: verifiers,
			MinVersion:        floor,
		},
		Loader:  &loader.Loader{Alloc: fw, Map: fw.Map},
		Handoff: &handoff.Builder{FW: fw, Map: fw.Map, Jump: jumpKernel},
		Cmdline: KernelCmdline,
	}

	usbarmory.LED("white", true)

	// Run only returns on failure; success never comes back here.
	log.Fatalf("BT boot failed, %v", boot.Run(buf))
}
