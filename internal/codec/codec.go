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

// Package codec opens the possibly compressed byte streams which carry new
// data for an update. The update engine only ever sees the decoded bytes.
package codec

import (
	"fmt"
	"io"
	"path/filepath"
	"strings"

	"github.com/klauspost/compress/zlib"
	"github.com/klauspost/compress/zstd"
	"github.com/pierrec/lz4/v4"
)

// Kind is a stream encoding.
type Kind string

const (
	Raw  Kind = "raw"
	Zstd Kind = "zstd"
	Zlib Kind = "zlib"
	LZ4  Kind = "lz4"
)

// ParseKind returns the Kind named by s. The empty string means Raw.
func ParseKind(s string) (Kind, error) {
	switch k := Kind(strings.ToLower(s)); k {
	case "":
		return Raw, nil
	case Raw, Zstd, Zlib, LZ4:
		return k, nil
	}
	return "", fmt.Errorf("unknown codec %q", s)
}

// KindFromPath guesses the encoding of a file from its extension.
func KindFromPath(p string) Kind {
	switch strings.ToLower(filepath.Ext(p)) {
	case ".zst", ".zstd":
		return Zstd
	case ".zz", ".zlib":
		return Zlib
	case ".lz4":
		return LZ4
	}
	return Raw
}

// Open returns a reader which yields the decoded content of r.
// Closing the returned reader does not close r.
func Open(r io.Reader, k Kind) (io.ReadCloser, error) {
	switch k {
	case Raw, "":
		return io.NopCloser(r), nil
	case Zstd:
		d, err := zstd.NewReader(r)
		if err != nil {
			return nil, fmt.Errorf("failed to create zstd decoder: %w", err)
		}
		return d.IOReadCloser(), nil
	case Zlib:
		zr, err := zlib.NewReader(r)
		if err != nil {
			return nil, fmt.Errorf("failed to create zlib decoder: %w", err)
		}
		return zr, nil
	case LZ4:
		return io.NopCloser(lz4.NewReader(r)), nil
	}
	return nil, fmt.Errorf("unknown codec %q", k)
}

// Discard reads and drops n bytes from r.
func Discard(r io.Reader, n uint64) error {
	if n == 0 {
		return nil
	}
	c, err := io.CopyN(io.Discard, r, int64(n))
	if err != nil {
		return fmt.Errorf("skipped %d of %d bytes: %w", c, n, err)
	}
	return nil
}
