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

//go:build vk_provisioned

package verify

// provisionedEntries is populated by a registry_entries.go file emitted by
// cmd/vkprovision. A vk_provisioned build that still carries placeholders,
// or no entries at all, refuses to start.
var provisionedRegistry = mustProvisionedRegistry()

func mustProvisionedRegistry() *Registry {
	if len(provisionedEntries) == 0 {
		panic("verify: vk_provisioned build carries no registry entries")
	}
	for _, e := range provisionedEntries {
		if len(e.VerifyingKey) == 0 || allZero(e.VerifyingKey) {
			panic("verify: vk_provisioned build carries a placeholder verifying key")
		}
	}
	r, err := NewRegistry(provisionedEntries...)
	if err != nil {
		panic(err)
	}
	return r
}
