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

//go:build no_zk

package verify

// A no_zk build drops the pairing arithmetic entirely; proof-mode capsules
// are refused as unsupported before this is ever reached.
const zkCapable = false

func groth16Verify(_, _, _ []byte) (bool, error) {
	return false, ErrBackendDisabled
}

// ValidateVerifyingKey reports the backend as unavailable.
func ValidateVerifyingKey([]byte) (uint32, error) {
	return 0, ErrBackendDisabled
}
