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

// Package bootseq drives the boot pipeline: validate the capsule framing,
// verify its authenticity, load the payload and hand off to it. Each stage
// gates the next; no payload byte is interpreted before a Valid verdict.
package bootseq

import (
	"fmt"

	"k8s.io/klog/v2"

	"github.com/transparency-dev/capsule-boot/api"
	"github.com/transparency-dev/capsule-boot/internal/capsule"
	"github.com/transparency-dev/capsule-boot/internal/handoff"
	"github.com/transparency-dev/capsule-boot/internal/loader"
	"github.com/transparency-dev/capsule-boot/internal/verify"
)

// Boot holds the stage collaborators.
type Boot struct {
	Verifier *verify.Verifier
	Loader   *loader.Loader
	Handoff  *handoff.Builder

	// Cmdline is passed to the kernel via the control block.
	Cmdline string
}

// Run boots the given capsule. On success it does not return; every error
// return means the kernel was never entered and the stage should halt.
func (b *Boot) Run(buf []byte) error {
	meta, err := capsule.ParseMeta(buf)
	if err != nil {
		return fmt.Errorf("boot: capsule framing: %w", err)
	}
	if err := meta.ValidateLayout(len(buf)); err != nil {
		return fmt.Errorf("boot: capsule layout: %w", err)
	}
	klog.Infof("capsule: %d bytes, scheme=%v manifest=%v inputs=%d", meta.TotalLength, verify.SchemeOf(meta), meta.ManifestBound(), meta.PublicInputCount)

	verdict, err := b.Verifier.Capsule(buf, meta)
	if verdict != verify.VerdictValid {
		return fmt.Errorf("boot: capsule verdict %v: %w", verdict, err)
	}
	klog.Infof("verify: verdict %v", verdict)

	var flags uint64
	if meta.RequiresZK() {
		flags |= api.FlagZKVerified
	}

	_, payload, err := capsule.ExtractRegions(buf, meta)
	if err != nil {
		return fmt.Errorf("boot: payload extraction: %w", err)
	}

	img, err := b.Loader.Load(payload)
	if err != nil {
		return fmt.Errorf("boot: payload load: %w", err)
	}
	klog.Infof("load: base %#x size %#x entry %#x", img.Base, img.Size, img.Entry)

	return b.Handoff.Boot(img, b.Cmdline, flags)
}
