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
	"github.com/usbarmory/tamago/arm"
	"github.com/usbarmory/tamago/soc/nxp/imx6ul"

	"github.com/usbarmory/GoTEE/monitor"
)

// jumpKernel transfers control to the loaded kernel. It satisfies
// handoff.JumpFn: by the time it runs boot services are gone, so any
// failure halts the machine rather than logging.
//
// The kernel ABI: R0 carries the physical address of the control block,
// SP the top of a fresh stack, PC the verified entry point.
func jumpKernel(entry, controlBlock, stackTop uint64) {
	imx6ul.ARM.ConfigureMMU(uint32(kernelRegion.Start()), uint32(kernelRegion.End()), 0, arm.MemoryRegion)

	ctx, err := monitor.Load(uint32(entry), kernelRegion, false)
	if err != nil {
		halt()
	}

	ctx.R0 = uint32(controlBlock)
	ctx.R13 = uint32(stackTop)

	// The kernel owns the machine from here; Run only comes back on a
	// monitor trap, which the contract forbids.
	_ = ctx.Run()

	halt()
}

func halt() {
	imx6ul.ARM.DisableInterrupts()
	for {
		imx6ul.ARM.WaitInterrupt()
	}
}
