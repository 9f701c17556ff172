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
	"bytes"
	"errors"
	"os"
	"path/filepath"
	"testing"
)

const testBlockSize = 4096

func mustCreateImage(t *testing.T, blocks int) string {
	t.Helper()
	p := filepath.Join(t.TempDir(), "system.img")
	if err := os.WriteFile(p, make([]byte, blocks*testBlockSize+100), 0600); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	return p
}

func TestOpen(t *testing.T) {
	p := mustCreateImage(t, 8)
	d, err := Open(p, testBlockSize)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer d.Close()
	if got, want := d.NumBlocks(), uint64(8); got != want {
		t.Errorf("NumBlocks = %d, want %d", got, want)
	}
	if got, want := d.BlockSize(), uint(testBlockSize); got != want {
		t.Errorf("BlockSize = %d, want %d", got, want)
	}
}

func TestOpenErrors(t *testing.T) {
	p := mustCreateImage(t, 1)
	for _, test := range []struct {
		desc string
		path string
		bs   uint
	}{
		{desc: "missing file", path: filepath.Join(t.TempDir(), "nope"), bs: testBlockSize},
		{desc: "zero block size", path: p, bs: 0},
		{desc: "unaligned block size", path: p, bs: 1000},
	} {
		t.Run(test.desc, func(t *testing.T) {
			if d, err := Open(test.path, test.bs); err == nil {
				d.Close()
				t.Fatal("Open succeeded, want error")
			}
		})
	}
}

func TestReadWriteBlocks(t *testing.T) {
	d, err := Open(mustCreateImage(t, 8), testBlockSize)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer d.Close()

	want := bytes.Repeat([]byte{0xaa}, 2*testBlockSize)
	if err := d.WriteBlocks(3, want); err != nil {
		t.Fatalf("WriteBlocks: %v", err)
	}
	if err := d.Sync(); err != nil {
		t.Fatalf("Sync: %v", err)
	}
	got := make([]byte, len(want))
	if err := d.ReadBlocks(3, got); err != nil {
		t.Fatalf("ReadBlocks: %v", err)
	}
	if !bytes.Equal(got, want) {
		t.Error("read back different data to that written")
	}
}

func TestAccessOutOfRange(t *testing.T) {
	d, err := Open(mustCreateImage(t, 4), testBlockSize)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer d.Close()

	for _, test := range []struct {
		desc string
		lba  uint64
		b    []byte
	}{
		{desc: "past end", lba: 3, b: make([]byte, 2*testBlockSize)},
		{desc: "start past end", lba: 5, b: make([]byte, testBlockSize)},
		{desc: "partial block", lba: 0, b: make([]byte, testBlockSize-1)},
	} {
		t.Run(test.desc, func(t *testing.T) {
			if err := d.WriteBlocks(test.lba, test.b); err == nil {
				t.Error("WriteBlocks succeeded, want error")
			}
			if err := d.ReadBlocks(test.lba, test.b); err == nil {
				t.Error("ReadBlocks succeeded, want error")
			}
		})
	}
}

func TestDiscard(t *testing.T) {
	d, err := Open(mustCreateImage(t, 4), testBlockSize)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer d.Close()

	if err := d.WriteBlocks(0, bytes.Repeat([]byte{0x55}, 4*testBlockSize)); err != nil {
		t.Fatalf("WriteBlocks: %v", err)
	}
	err = d.Discard(1, 2)
	if errors.Is(err, ErrDiscardUnsupported) {
		t.Skipf("filesystem backing %q cannot punch holes", d.Path())
	}
	if err != nil {
		t.Fatalf("Discard: %v", err)
	}
	got := make([]byte, 2*testBlockSize)
	if err := d.ReadBlocks(1, got); err != nil {
		t.Fatalf("ReadBlocks: %v", err)
	}
	if !bytes.Equal(got, make([]byte, len(got))) {
		t.Error("discarded blocks are not zero")
	}
	if err := d.Discard(3, 2); err == nil {
		t.Error("Discard past end succeeded, want error")
	}
}
