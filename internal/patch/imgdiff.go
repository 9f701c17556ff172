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

package patch

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"

	"github.com/klauspost/compress/flate"
)

// imgdiffMagic is the only supported imgdiff header.
const imgdiffMagic = "IMGDIFF2"

// Chunk types found in an imgdiff container.
const (
	chunkNormal  = 0
	chunkDeflate = 2
	chunkRaw     = 3
)

// normalChunk describes a run of source bytes patched directly with bsdiff.
type normalChunk struct {
	SrcStart    int64
	SrcLen      int64
	PatchOffset int64
}

// deflateChunk describes a run of deflated source bytes. The source is
// inflated, patched, then deflated again with the recorded parameters.
type deflateChunk struct {
	SrcStart       int64
	SrcLen         int64
	PatchOffset    int64
	SrcExpandedLen int64
	TgtExpandedLen int64
	Level          int32
	Method         int32
	WindowBits     int32
	MemLevel       int32
	Strategy       int32
}

// imgpatch applies an IMGDIFF2 patch.
//
// The container is the magic, a little-endian int32 chunk count, and then
// per chunk an int32 type followed by a type-specific header. RAW chunks
// carry their target bytes inline; the other types point at bsdiff patches
// elsewhere in the container.
func imgpatch(src, patch []byte) ([]byte, error) {
	if len(patch) < len(imgdiffMagic)+4 || string(patch[:len(imgdiffMagic)]) != imgdiffMagic {
		return nil, fmt.Errorf("imgdiff: missing %s header", imgdiffMagic)
	}
	r := bytes.NewReader(patch[len(imgdiffMagic):])
	var n int32
	if err := binary.Read(r, binary.LittleEndian, &n); err != nil {
		return nil, fmt.Errorf("imgdiff: failed to read chunk count: %w", err)
	}
	if n < 0 {
		return nil, fmt.Errorf("imgdiff: negative chunk count %d", n)
	}

	out := &bytes.Buffer{}
	for i := int32(0); i < n; i++ {
		var typ int32
		if err := binary.Read(r, binary.LittleEndian, &typ); err != nil {
			return nil, fmt.Errorf("imgdiff: chunk %d: failed to read type: %w", i, err)
		}
		var err error
		switch typ {
		case chunkNormal:
			err = applyNormal(r, src, patch, out)
		case chunkDeflate:
			err = applyDeflate(r, src, patch, out)
		case chunkRaw:
			err = applyRaw(r, out)
		default:
			err = fmt.Errorf("unsupported chunk type %d", typ)
		}
		if err != nil {
			return nil, fmt.Errorf("imgdiff: chunk %d: %w", i, err)
		}
	}
	return out.Bytes(), nil
}

func applyNormal(r io.Reader, src, patch []byte, out *bytes.Buffer) error {
	var h normalChunk
	if err := binary.Read(r, binary.LittleEndian, &h); err != nil {
		return fmt.Errorf("failed to read normal chunk header: %w", err)
	}
	s, err := span(src, h.SrcStart, h.SrcLen)
	if err != nil {
		return fmt.Errorf("source: %w", err)
	}
	p, err := span(patch, h.PatchOffset, int64(len(patch))-h.PatchOffset)
	if err != nil {
		return fmt.Errorf("patch: %w", err)
	}
	t, err := bspatch(s, p)
	if err != nil {
		return err
	}
	out.Write(t)
	return nil
}

func applyDeflate(r io.Reader, src, patch []byte, out *bytes.Buffer) error {
	var h deflateChunk
	if err := binary.Read(r, binary.LittleEndian, &h); err != nil {
		return fmt.Errorf("failed to read deflate chunk header: %w", err)
	}
	if h.SrcExpandedLen < 0 || h.TgtExpandedLen < 0 {
		return fmt.Errorf("negative expanded lengths (%d, %d)", h.SrcExpandedLen, h.TgtExpandedLen)
	}
	if h.WindowBits >= 0 {
		return fmt.Errorf("window bits %d: only raw deflate streams are supported", h.WindowBits)
	}
	s, err := span(src, h.SrcStart, h.SrcLen)
	if err != nil {
		return fmt.Errorf("source: %w", err)
	}
	p, err := span(patch, h.PatchOffset, int64(len(patch))-h.PatchOffset)
	if err != nil {
		return fmt.Errorf("patch: %w", err)
	}

	fr := flate.NewReader(bytes.NewReader(s))
	defer fr.Close()
	expanded := make([]byte, h.SrcExpandedLen)
	if _, err := io.ReadFull(fr, expanded); err != nil {
		return fmt.Errorf("failed to inflate %d source bytes: %w", h.SrcExpandedLen, err)
	}

	t, err := bspatch(expanded, p)
	if err != nil {
		return err
	}
	if int64(len(t)) != h.TgtExpandedLen {
		return fmt.Errorf("patched chunk is %d bytes, header claims %d", len(t), h.TgtExpandedLen)
	}

	fw, err := flate.NewWriter(out, int(h.Level))
	if err != nil {
		return fmt.Errorf("failed to create deflater at level %d: %w", h.Level, err)
	}
	if _, err := fw.Write(t); err != nil {
		return fmt.Errorf("failed to deflate: %w", err)
	}
	return fw.Close()
}

func applyRaw(r io.Reader, out *bytes.Buffer) error {
	var l int32
	if err := binary.Read(r, binary.LittleEndian, &l); err != nil {
		return fmt.Errorf("failed to read raw chunk length: %w", err)
	}
	if l < 0 {
		return fmt.Errorf("negative raw chunk length %d", l)
	}
	if _, err := io.CopyN(out, r, int64(l)); err != nil {
		return fmt.Errorf("failed to read %d raw bytes: %w", l, err)
	}
	return nil
}

// span returns b[off:off+l], or an error if that is out of bounds.
func span(b []byte, off, l int64) ([]byte, error) {
	if off < 0 || l < 0 || off > int64(len(b)) || l > int64(len(b))-off {
		return nil, fmt.Errorf("[%d, %d) out of bounds of %d bytes", off, off+l, len(b))
	}
	return b[off : off+l], nil
}
