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
// The vkprovision tool compiles Groth16 verifying keys into the boot
// stage's registry: it validates each key by full deserialization, derives
// the program hash and emits the Go source consumed by vk_provisioned
// builds.
package main

import (
	"flag"
	"fmt"
	"os"
	"strings"

	"k8s.io/klog/v2"

	"github.com/transparency-dev/capsule-boot/internal/verify"
)

var (
	outputFile = flag.String("output_file", "registry_entries.go", "Go source file to write the registry to.")
	vkFiles    = flag.String("vk_files", "", "Comma separated list of program_id=path pairs, one per verifying key.")
)

const fileHeader = `// Code generated by vkprovision. DO NOT EDIT.

//go:build vk_provisioned

package verify

var provisionedEntries = []RegistryEntry{
`

func main() {
	klog.InitFlags(nil)
	flag.Parse()

	if *vkFiles == "" {
		klog.Exit("--vk_files is required")
	}

	var sb strings.Builder
	sb.WriteString(fileHeader)

	for _, pair := range strings.Split(*vkFiles, ",") {
		id, path, ok := strings.Cut(pair, "=")
		if !ok || id == "" || path == "" {
			klog.Exitf("Malformed --vk_files entry %q, want program_id=path", pair)
		}

		vk, err := os.ReadFile(path)
		if err != nil {
			klog.Exitf("Failed to read verifying key %q: %v", path, err)
		}
		inputs, err := verify.ValidateVerifyingKey(vk)
		if err != nil {
			klog.Exitf("Verifying key %q is invalid: %v", path, err)
		}

		hash := verify.DeriveProgramHash([]byte(id))
		klog.Infof("Program %q: hash %x, %d public inputs, %d byte key", id, hash, inputs, len(vk))

		fmt.Fprintf(&sb, "\t{\n\t\t// program: %s (%d public inputs)\n", id, inputs)
		fmt.Fprintf(&sb, "\t\tProgramHash: %#v,\n", hash)
		fmt.Fprintf(&sb, "\t\tVerifyingKey: %#v,\n\t},\n", vk)
	}
	sb.WriteString("}\n")

	if err := os.WriteFile(*outputFile, []byte(sb.String()), 0o644); err != nil {
		klog.Exitf("Failed to write %q: %v", *outputFile, err)
	}
	klog.Infof("Wrote registry source to %q", *outputFile)
}
