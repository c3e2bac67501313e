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
	"errors"
	"fmt"

	"github.com/usbarmory/tamago/soc/nxp/usdhc"

	"github.com/transparency-dev/armored-witness-boot/config"
)

const (
	expectedBlockSize = 512 // Expected size of MMC block in bytes

	// capsuleConfBlock holds the config block locating the capsule on the
	// card; the capsule itself lives at the offset the block declares.
	capsuleConfBlock = 0x5000

	// maxCapsuleSize caps a single storage read; capsules are small
	// relative to the card.
	maxCapsuleSize = 64 << 20
)

// Card mostly mirrors the public API of the usdhc.Card struct, allowing
// substitutions for testing.
type Card interface {
	// Read reads size bytes at offset from the underlying storage.
	Read(offset int64, size int64) ([]byte, error)
	// Info returns information about the underlying storage.
	Info() usdhc.CardInfo
	// Detect causes the underlying storage to probe itself.
	Detect() error
}

// read loads the capsule and its storage envelope signature from internal
// storage. Nothing read here is trusted until the envelope check and the
// capsule verification both pass.
func read(card Card) (capsule []byte, sig []byte, err error) {
	blockSize := card.Info().BlockSize
	if blockSize != expectedBlockSize {
		return nil, nil, fmt.Errorf("h/w invariant error - expected MMC blocksize %d, found %d", expectedBlockSize, blockSize)
	}

	buf, err := card.Read(capsuleConfBlock*expectedBlockSize, config.MaxLength)
	if err != nil {
		return nil, nil, err
	}

	conf := &config.Config{}
	if err = conf.Decode(buf); err != nil {
		return nil, nil, fmt.Errorf("capsule config block: %w", err)
	}

	if conf.Size <= 0 || conf.Size > maxCapsuleSize {
		return nil, nil, fmt.Errorf("capsule config block declares %d bytes", conf.Size)
	}
	if len(conf.Signatures) == 0 || len(conf.Signatures[0]) == 0 {
		return nil, nil, errors.New("capsule config block carries no envelope signature")
	}

	if capsule, err = card.Read(conf.Offset, conf.Size); err != nil {
		return nil, nil, fmt.Errorf("capsule read: %w", err)
	}

	return capsule, conf.Signatures[0], nil
}
