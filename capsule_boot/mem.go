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
	_ "unsafe"

	"github.com/usbarmory/tamago/dma"
)

const (
	// Boot stage
	bootStart = 0x80000000
	bootSize  = 0x0e000000 // 224MB

	// Boot stage DMA
	bootDMAStart = 0x8e000000
	bootDMASize  = 0x02000000 // 32MB

	// Kernel window: everything granted to the loaded payload (segments,
	// control block, command line, stack, memory map) lives here.
	kernelStart = 0x90000000
	kernelSize  = 0x10000000 // 256MB
)

//go:linkname ramStart runtime.ramStart
var ramStart uint32 = bootStart

//go:linkname ramSize runtime.ramSize
var ramSize uint32 = bootSize

var kernelRegion *dma.Region

func init() {
	kernelRegion, _ = dma.NewRegion(kernelStart, kernelSize, false)
	kernelRegion.Reserve(kernelSize, 0)

	dma.Init(bootDMAStart, bootDMASize)
}
