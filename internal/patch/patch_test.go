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
	"io"
	"strings"
	"testing"

	"github.com/klauspost/compress/flate"
	"github.com/kr/binarydist"
)

func mustDiff(t *testing.T, old, tgt []byte) []byte {
	t.Helper()
	p := &bytes.Buffer{}
	if err := binarydist.Diff(bytes.NewReader(old), bytes.NewReader(tgt), p); err != nil {
		t.Fatalf("binarydist.Diff: %v", err)
	}
	return p.Bytes()
}

func mustDeflate(t *testing.T, b []byte) []byte {
	t.Helper()
	buf := &bytes.Buffer{}
	w, err := flate.NewWriter(buf, 6)
	if err != nil {
		t.Fatalf("flate.NewWriter: %v", err)
	}
	if _, err := w.Write(b); err != nil {
		t.Fatalf("Write: %v", err)
	}
	if err := w.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	return buf.Bytes()
}

func mustInflate(t *testing.T, b []byte) []byte {
	t.Helper()
	r := flate.NewReader(bytes.NewReader(b))
	defer r.Close()
	out, err := io.ReadAll(r)
	if err != nil {
		t.Fatalf("inflate: %v", err)
	}
	return out
}

func le(t *testing.T, w io.Writer, v interface{}) {
	t.Helper()
	if err := binary.Write(w, binary.LittleEndian, v); err != nil {
		t.Fatalf("binary.Write: %v", err)
	}
}

func TestBsDiff(t *testing.T) {
	old := []byte(strings.Repeat("the quick brown fox ", 50))
	want := []byte(strings.Repeat("the quick brown cat ", 50))
	p := mustDiff(t, old, want)

	got, err := New().Apply(BsDiff, old, p)
	if err != nil {
		t.Fatalf("Apply: %v", err)
	}
	if !bytes.Equal(got, want) {
		t.Error("patched output does not match target")
	}

	if _, err := New().Apply(BsDiff, old, []byte("BSDIFF40 but not really")); err == nil {
		t.Error("Apply of corrupt patch succeeded, want error")
	}
}

func TestUnknownKind(t *testing.T) {
	if _, err := New().Apply(Kind(42), nil, nil); err == nil {
		t.Error("Apply of unknown kind succeeded, want error")
	}
}

func TestImgDiff(t *testing.T) {
	oldA := []byte(strings.Repeat("alpha block ", 40))
	newA := []byte(strings.Repeat("alpha blocK ", 40))
	oldZ := []byte(strings.Repeat("compressed payload ", 64))
	newZ := []byte(strings.Repeat("compressed PAYLOAD ", 64))
	raw := []byte("raw tail")

	deflatedOld := mustDeflate(t, oldZ)
	src := append(append([]byte{}, oldA...), deflatedOld...)

	pA := mustDiff(t, oldA, newA)
	pZ := mustDiff(t, oldZ, newZ)

	// Header sizes: magic(8) + count(4) + normal(4+24) + deflate(4+60) + raw(4+4+len).
	hdrLen := int64(8 + 4 + 28 + 64 + 8 + len(raw))
	p := &bytes.Buffer{}
	p.WriteString(imgdiffMagic)
	le(t, p, int32(3))
	le(t, p, int32(chunkNormal))
	le(t, p, normalChunk{SrcStart: 0, SrcLen: int64(len(oldA)), PatchOffset: hdrLen})
	le(t, p, int32(chunkDeflate))
	le(t, p, deflateChunk{
		SrcStart:       int64(len(oldA)),
		SrcLen:         int64(len(deflatedOld)),
		PatchOffset:    hdrLen + int64(len(pA)),
		SrcExpandedLen: int64(len(oldZ)),
		TgtExpandedLen: int64(len(newZ)),
		Level:          6,
		Method:         8,
		WindowBits:     -15,
		MemLevel:       8,
	})
	le(t, p, int32(chunkRaw))
	le(t, p, int32(len(raw)))
	p.Write(raw)
	if int64(p.Len()) != hdrLen {
		t.Fatalf("header is %d bytes, expected %d", p.Len(), hdrLen)
	}
	p.Write(pA)
	p.Write(pZ)

	got, err := New().Apply(ImgDiff, src, p.Bytes())
	if err != nil {
		t.Fatalf("Apply: %v", err)
	}
	if !bytes.HasPrefix(got, newA) {
		t.Fatal("normal chunk output mismatch")
	}
	if !bytes.HasSuffix(got, raw) {
		t.Fatal("raw chunk output mismatch")
	}
	deflated := got[len(newA) : len(got)-len(raw)]
	if !bytes.Equal(mustInflate(t, deflated), newZ) {
		t.Error("deflate chunk does not inflate to the patched data")
	}
}

func TestImgDiffErrors(t *testing.T) {
	hdr := func(n int32, rest ...interface{}) []byte {
		b := &bytes.Buffer{}
		b.WriteString(imgdiffMagic)
		le(t, b, n)
		for _, r := range rest {
			le(t, b, r)
		}
		return b.Bytes()
	}
	for _, test := range []struct {
		desc  string
		patch []byte
	}{
		{desc: "bad magic", patch: []byte("IMGDIFF1\x00\x00\x00\x00")},
		{desc: "truncated", patch: []byte("IMG")},
		{desc: "negative count", patch: hdr(-1)},
		{desc: "missing chunk", patch: hdr(1)},
		{desc: "unknown chunk type", patch: hdr(1, int32(9))},
		{desc: "source out of range", patch: hdr(1, int32(chunkNormal), normalChunk{SrcStart: 10, SrcLen: 100, PatchOffset: 0})},
		{desc: "raw too short", patch: hdr(1, int32(chunkRaw), int32(50))},
	} {
		t.Run(test.desc, func(t *testing.T) {
			if _, err := New().Apply(ImgDiff, []byte("tiny source"), test.patch); err == nil {
				t.Error("Apply succeeded, want error")
			}
		})
	}
}
