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

package device

import (
	"fmt"
	"os"
	"path/filepath"
)

// DefaultBlockSize is the block size used by transfer lists unless told otherwise.
const DefaultBlockSize = 4096

// File is a Device backed by either a raw block device node
// (e.g. /dev/block/by-name/system) or a regular image file.
type File struct {
	f         *os.File
	path      string
	blockSize uint
	numBlocks uint64
	// isBlockDev is true when f is a device node rather than a regular file.
	isBlockDev bool
}

var _ Device = &File{}

// Open opens the storage at path for reading and writing in units of blockSize bytes.
// Any trailing partial block at the end of the storage is not addressable.
func Open(path string, blockSize uint) (*File, error) {
	if blockSize == 0 || blockSize%512 != 0 {
		return nil, fmt.Errorf("invalid block size %d", blockSize)
	}
	path = filepath.Clean(path)
	f, err := os.OpenFile(path, os.O_RDWR, 0)
	if err != nil {
		return nil, fmt.Errorf("failed to open device %q: %w", path, err)
	}
	fi, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("failed to stat device %q: %w", path, err)
	}
	d := &File{
		f:          f,
		path:       path,
		blockSize:  blockSize,
		isBlockDev: fi.Mode()&os.ModeDevice != 0,
	}
	size := uint64(fi.Size())
	if d.isBlockDev {
		if size, err = blockDevSize(f); err != nil {
			f.Close()
			return nil, fmt.Errorf("failed to size block device %q: %w", path, err)
		}
	}
	d.numBlocks = size / uint64(blockSize)
	return d, nil
}

// Path returns the path the device was opened from.
func (d *File) Path() string {
	return d.path
}

// BlockSize returns the size in bytes of each block.
func (d *File) BlockSize() uint {
	return d.blockSize
}

// NumBlocks returns the number of whole blocks on the device.
func (d *File) NumBlocks() uint64 {
	return d.numBlocks
}

// ReadBlocks reads data from the device at the given address into b.
func (d *File) ReadBlocks(lba uint64, b []byte) error {
	if err := CheckAccess(d.blockSize, d.numBlocks, lba, b); err != nil {
		return err
	}
	if _, err := d.f.ReadAt(b, int64(lba*uint64(d.blockSize))); err != nil {
		return fmt.Errorf("failed to read %d bytes at block %d of %q: %w", len(b), lba, d.path, err)
	}
	return nil
}

// WriteBlocks writes the data in b to the device blocks starting at the given address.
func (d *File) WriteBlocks(lba uint64, b []byte) error {
	if err := CheckAccess(d.blockSize, d.numBlocks, lba, b); err != nil {
		return err
	}
	if _, err := d.f.WriteAt(b, int64(lba*uint64(d.blockSize))); err != nil {
		return fmt.Errorf("failed to write %d bytes at block %d of %q: %w", len(b), lba, d.path, err)
	}
	return nil
}

// Discard releases count blocks starting at lba.
// Block device nodes are sent BLKDISCARD, regular files get a hole punched.
func (d *File) Discard(lba, count uint64) error {
	if err := CheckAccess(d.blockSize, d.numBlocks, lba, make([]byte, 0)); err != nil {
		return err
	}
	if count > d.numBlocks-lba {
		return fmt.Errorf("discard of blocks [%d, %d) out of range for device of %d blocks", lba, lba+count, d.numBlocks)
	}
	bs := uint64(d.blockSize)
	return discard(d.f, d.isBlockDev, lba*bs, count*bs)
}

// Sync flushes all writes to stable storage.
func (d *File) Sync() error {
	if err := d.f.Sync(); err != nil {
		return fmt.Errorf("failed to sync %q: %w", d.path, err)
	}
	return nil
}

// Close closes the underlying file.
func (d *File) Close() error {
	return d.f.Close()
}
