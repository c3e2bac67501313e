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

package api

import (
	"errors"
	"testing"

	"github.com/google/go-cmp/cmp"
)

func TestEncodeDecodeRoundTrip(t *testing.T) {
	in := &Handoff{
		EntryPoint:          0x100000,
		MemoryMapPtr:        0x7f000000,
		MemoryMapEntrySize:  48,
		MemoryMapEntryCount: 117,
		CmdlinePtr:          0x7f010000,
		Flags:               FlagSecureBoot | FlagMmapRaw,
	}

	buf := make([]byte, HandoffSize)
	if err := in.Encode(buf); err != nil {
		t.Fatalf("Encode: %v", err)
	}

	got, err := Decode(buf)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if !got.Valid() {
		t.Error("decoded block reported invalid")
	}

	want := *in
	want.Magic = Magic
	want.Version = Version
	want.Size = HandoffSize
	if diff := cmp.Diff(want, *got); diff != "" {
		t.Errorf("round trip diff: %s", diff)
	}
}

func TestEncodeForcesConstants(t *testing.T) {
	// A caller cannot smuggle inconsistent framing fields into the block.
	in := &Handoff{Magic: 42, Version: 9, Size: 1}
	buf := make([]byte, HandoffSize)
	if err := in.Encode(buf); err != nil {
		t.Fatalf("Encode: %v", err)
	}
	got, err := Decode(buf)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if got.Magic != Magic || got.Version != Version || got.Size != HandoffSize {
		t.Errorf("got magic %#x version %d size %d, want constants", got.Magic, got.Version, got.Size)
	}
}

func TestDecodeRejects(t *testing.T) {
	valid := make([]byte, HandoffSize)
	if err := (&Handoff{}).Encode(valid); err != nil {
		t.Fatalf("Encode: %v", err)
	}

	for _, test := range []struct {
		name    string
		mutate  func([]byte)
		trunc   int
		wantErr error
	}{
		{name: "short buffer", trunc: HandoffSize - 1, wantErr: ErrShortBuffer},
		{name: "bad magic", mutate: func(b []byte) { b[0] ^= 0xff }, wantErr: ErrBadMagic},
		{name: "bad version", mutate: func(b []byte) { b[8] = 2 }, wantErr: ErrBadVersion},
		{name: "bad size", mutate: func(b []byte) { b[10] = HandoffSize + 1 }, wantErr: ErrBadSize},
	} {
		t.Run(test.name, func(t *testing.T) {
			buf := append([]byte{}, valid...)
			if test.trunc > 0 {
				buf = buf[:test.trunc]
			}
			if test.mutate != nil {
				test.mutate(buf)
			}
			if _, err := Decode(buf); !errors.Is(err, test.wantErr) {
				t.Errorf("Decode: got %v, want %v", err, test.wantErr)
			}
		})
	}
}
