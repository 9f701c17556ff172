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

// Package testonly provides support for device tests.
package testonly

import (
	"testing"

	"github.com/google/blockupdate/internal/device"
)

// MemDev is a simple in-memory block device which counts the operations
// performed on it.
type MemDev struct {
	bs   uint
	data []byte

	// NoDiscard makes Discard fail with device.ErrDiscardUnsupported.
	NoDiscard bool

	// Writes, Discards and Syncs count successful calls.
	Writes   int
	Discards int
	Syncs    int
}

var _ device.Device = &MemDev{}

// NewMemDev creates a new zeroed in-memory block device.
func NewMemDev(t *testing.T, blockSize uint, numBlocks uint64) *MemDev {
	t.Helper()
	return &MemDev{
		bs:   blockSize,
		data: make([]byte, uint64(blockSize)*numBlocks),
	}
}

func (md *MemDev) BlockSize() uint {
	return md.bs
}

func (md *MemDev) NumBlocks() uint64 {
	return uint64(len(md.data)) / uint64(md.bs)
}

func (md *MemDev) ReadBlocks(lba uint64, b []byte) error {
	if err := device.CheckAccess(md.bs, md.NumBlocks(), lba, b); err != nil {
		return err
	}
	copy(b, md.data[lba*uint64(md.bs):])
	return nil
}

func (md *MemDev) WriteBlocks(lba uint64, b []byte) error {
	if err := device.CheckAccess(md.bs, md.NumBlocks(), lba, b); err != nil {
		return err
	}
	copy(md.data[lba*uint64(md.bs):], b)
	md.Writes++
	return nil
}

func (md *MemDev) Discard(lba, count uint64) error {
	if md.NoDiscard {
		return device.ErrDiscardUnsupported
	}
	b := md.data[lba*uint64(md.bs) : (lba+count)*uint64(md.bs)]
	for i := range b {
		b[i] = 0
	}
	md.Discards++
	return nil
}

func (md *MemDev) Sync() error {
	md.Syncs++
	return nil
}

func (md *MemDev) Close() error {
	return nil
}

// Block returns a copy of the contents of block lba.
func (md *MemDev) Block(lba uint64) []byte {
	start := lba * uint64(md.bs)
	return append([]byte{}, md.data[start:start+uint64(md.bs)]...)
}

// SetBlocks writes b at lba without counting it as a write.
func (md *MemDev) SetBlocks(t *testing.T, lba uint64, b []byte) {
	t.Helper()
	if err := device.CheckAccess(md.bs, md.NumBlocks(), lba, b); err != nil {
		t.Fatalf("SetBlocks: %v", err)
	}
	copy(md.data[lba*uint64(md.bs):], b)
}
