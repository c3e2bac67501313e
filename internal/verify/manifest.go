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

package verify

import (
	"errors"
	"fmt"
	"strings"

	"github.com/coreos/go-semver/semver"
	"golang.org/x/mod/sumdb/note"
)

// MaxManifestSize bounds the manifest region.
const MaxManifestSize = 128 << 10

// manifestHeader is the first line of every capsule manifest body.
const manifestHeader = "capsule-manifest/v1"

var (
	// ErrManifestTooLarge is returned when the manifest exceeds its cap.
	ErrManifestTooLarge = errors.New("verify: manifest exceeds size cap")
	// ErrRollback is returned when the manifest declares a payload version
	// older than the stage's compiled-in minimum.
	ErrRollback = errors.New("verify: manifest version below minimum, rollback refused")
)

// Manifest is the parsed body of a capsule manifest.
type Manifest struct {
	// Program names the payload, free form.
	Program string
	// Version is the payload release version, gated against MinVersion.
	Version semver.Version
}

// ParseManifest parses a manifest body of the form
//
//	capsule-manifest/v1
//	program: <name>
//	version: <semver>
//
// Unknown "key: value" lines are ignored for forward compatibility.
func ParseManifest(body []byte) (*Manifest, error) {
	lines := strings.Split(strings.TrimRight(string(body), "\n"), "\n")
	if len(lines) == 0 || lines[0] != manifestHeader {
		return nil, fmt.Errorf("verify: manifest does not start with %q", manifestHeader)
	}

	m := &Manifest{}
	seenVersion := false
	for _, l := range lines[1:] {
		key, val, ok := strings.Cut(l, ": ")
		if !ok {
			return nil, fmt.Errorf("verify: malformed manifest line %q", l)
		}
		switch key {
		case "program":
			m.Program = val
		case "version":
			ver, err := semver.NewVersion(val)
			if err != nil {
				return nil, fmt.Errorf("verify: manifest version %q: %v", val, err)
			}
			m.Version = *ver
			seenVersion = true
		}
	}
	if m.Program == "" {
		return nil, errors.New("verify: manifest missing program")
	}
	if !seenVersion {
		return nil, errors.New("verify: manifest missing version")
	}
	return m, nil
}

// checkManifest authenticates and gates a bound manifest. The raw bytes are
// what the capsule commitment covers; authenticity is checked against the
// note verifiers when provisioned, and the declared version must not fall
// below the compiled-in minimum.
func (v *Verifier) checkManifest(manifest []byte) error {
	if len(manifest) > MaxManifestSize {
		return ErrManifestTooLarge
	}

	body := manifest
	if v.ManifestVerifiers != nil {
		n, err := note.Open(manifest, v.ManifestVerifiers)
		if err != nil {
			return fmt.Errorf("verify: manifest note: %w", err)
		}
		body = []byte(n.Text)
	}

	m, err := ParseManifest(body)
	if err != nil {
		return err
	}
	if v.MinVersion != nil && m.Version.LessThan(*v.MinVersion) {
		return fmt.Errorf("%w: manifest declares %s, minimum is %s", ErrRollback, m.Version, v.MinVersion)
	}
	return nil
}
