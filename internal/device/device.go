// Copyright 2026 Google LLC. All Rights Reserved.
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

// Package device provides access to the block storage which is the target of
// an update.
//
// Note that these are low-level primitives: nothing here stops a caller from
// overwriting blocks which are still needed.
package device

import (
	"errors"
	"fmt"
)

// ErrDiscardUnsupported is returned by Discard when the underlying storage
// has no way to discard blocks.
var ErrDiscardUnsupported = errors.New("discard not supported by device")

// BlockReaderWriter describes a type which knows how to read and write
// whole blocks to some backing storage.
type BlockReaderWriter interface {
	// BlockSize returns the block size of the underlying storage system.
	BlockSize() uint

	// ReadBlocks reads len(b) bytes into b from contiguous storage blocks starting
	// at the given block address.
	// b must be an integer multiple of the device's block size.
	ReadBlocks(lba uint64, b []byte) error

	// WriteBlocks writes len(b) bytes from b to contiguous storage blocks starting
	// at the given block address.
	// b must be an integer multiple of the device's block size.
	WriteBlocks(lba uint64, b []byte) error
}

// Device represents an updatable block device.
//
// Drivers for individual kinds of storage are bound to this interface, which
// allows the update engine to stay agnostic of where the blocks live.
type Device interface {
	BlockReaderWriter

	// NumBlocks returns the number of addressable blocks on the device.
	NumBlocks() uint64

	// Discard hints to the device that the count blocks starting at lba are
	// no longer needed. Devices without support return ErrDiscardUnsupported.
	Discard(lba, count uint64) error

	// Sync ensures that all outstanding writes are durable.
	Sync() error

	// Close releases the device.
	Close() error
}

// CheckAccess returns an error if a transfer of len(b) bytes starting at lba
// is not whole blocks or runs past the end of a device with numBlocks blocks.
func CheckAccess(bs uint, numBlocks, lba uint64, b []byte) error {
	if bs == 0 {
		return errors.New("zero block size")
	}
	if r := uint(len(b)) % bs; r != 0 {
		return fmt.Errorf("buffer of %d bytes is not a multiple of the %d byte block size", len(b), bs)
	}
	n := uint64(len(b)) / uint64(bs)
	if lba > numBlocks || n > numBlocks-lba {
		return fmt.Errorf("blocks [%d, %d) out of range for device of %d blocks", lba, lba+n, numBlocks)
	}
	return nil
}
