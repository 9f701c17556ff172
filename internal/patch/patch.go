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

// Package patch applies binary patches to reconstruct new data from old.
//
// Deflate chunks of imgdiff patches are recompressed with
// github.com/klauspost/compress/flate, whose output is not byte for byte the
// same as zlib's at the same level. Targets built from deflate chunks by zlib
// based tools will therefore usually fail hash verification; callers must
// check the hash of the result before using it.
package patch

import (
	"bytes"
	"fmt"

	"github.com/kr/binarydist"
)

// Kind identifies a patch format.
type Kind int

const (
	// BsDiff is a BSDIFF40 patch.
	BsDiff Kind = iota
	// ImgDiff is an IMGDIFF2 container of per-chunk patches.
	ImgDiff
)

func (k Kind) String() string {
	switch k {
	case BsDiff:
		return "bsdiff"
	case ImgDiff:
		return "imgdiff"
	}
	return fmt.Sprintf("Kind(%d)", int(k))
}

// Applier reconstructs target data from source data and a patch.
type Applier interface {
	// Apply returns the result of applying patch, of the given kind, to src.
	Apply(kind Kind, src, patch []byte) ([]byte, error)
}

// New returns an Applier which understands all patch kinds.
func New() Applier {
	return applier{}
}

type applier struct{}

func (applier) Apply(kind Kind, src, patch []byte) ([]byte, error) {
	switch kind {
	case BsDiff:
		return bspatch(src, patch)
	case ImgDiff:
		return imgpatch(src, patch)
	}
	return nil, fmt.Errorf("unknown patch kind %v", kind)
}

// bspatch applies a BSDIFF40 patch.
func bspatch(src, patch []byte) ([]byte, error) {
	out := &bytes.Buffer{}
	if err := binarydist.Patch(bytes.NewReader(src), out, bytes.NewReader(patch)); err != nil {
		return nil, fmt.Errorf("bsdiff: %w", err)
	}
	return out.Bytes(), nil
}
