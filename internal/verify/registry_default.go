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

//go:build !vk_provisioned

package verify

// provisionedRegistry is the unprovisioned default: it contains no entries,
// so every ZK capsule is refused as unsupported. Production boot stages
// replace this file with output from vkprovision and build with the
// vk_provisioned tag.
var provisionedRegistry = &Registry{}
