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

package rangeset

import (
	"bytes"
	"errors"
	"testing"

	"github.com/google/blockupdate/internal/device/testonly"
	"github.com/google/go-cmp/cmp"
)

func TestParse(t *testing.T) {
	for _, test := range []struct {
		desc    string
		s       string
		want    RangeSet
		wantErr bool
	}{
		{
			desc: "single",
			s:    "2,0,1",
			want: RangeSet{{0, 1}},
		}, {
			desc: "unsorted order kept",
			s:    "4,10,20,3,4",
			want: RangeSet{{10, 20}, {3, 4}},
		}, {
			desc:    "odd count",
			s:       "3,0,1,2",
			wantErr: true,
		}, {
			desc:    "zero count",
			s:       "0",
			wantErr: true,
		}, {
			desc:    "count mismatch",
			s:       "4,0,1",
			wantErr: true,
		}, {
			desc:    "begin equals end",
			s:       "2,5,5",
			wantErr: true,
		}, {
			desc:    "begin after end",
			s:       "2,6,5",
			wantErr: true,
		}, {
			desc:    "not a number",
			s:       "2,a,5",
			wantErr: true,
		}, {
			desc:    "negative",
			s:       "2,-1,5",
			wantErr: true,
		}, {
			desc:    "empty",
			s:       "",
			wantErr: true,
		}, {
			desc:    "overflow",
			s:       "4,0,18446744073709551615,0,18446744073709551615",
			wantErr: true,
		},
	} {
		t.Run(test.desc, func(t *testing.T) {
			got, err := Parse(test.s)
			if gotErr := err != nil; gotErr != test.wantErr {
				t.Fatalf("Parse(%q): %v, wantErr %t", test.s, err, test.wantErr)
			}
			if test.wantErr {
				if !errors.Is(err, ErrParse) {
					t.Errorf("Parse(%q) error %v does not wrap ErrParse", test.s, err)
				}
				return
			}
			if diff := cmp.Diff(test.want, got); diff != "" {
				t.Errorf("Parse(%q) diff (-want +got):\n%s", test.s, diff)
			}
		})
	}
}

func TestRoundTrip(t *testing.T) {
	for _, s := range []string{
		"2,0,1",
		"4,7,9,1,3",
		"6,100,200,0,50,300,301",
	} {
		rs, err := Parse(s)
		if err != nil {
			t.Fatalf("Parse(%q): %v", s, err)
		}
		if got := rs.String(); got != s {
			t.Errorf("String() = %q, want %q", got, s)
		}
		again, err := Parse(rs.String())
		if err != nil {
			t.Fatalf("Parse(%q): %v", rs.String(), err)
		}
		if diff := cmp.Diff(rs, again); diff != "" {
			t.Errorf("round trip diff (-want +got):\n%s", diff)
		}
	}
}

func TestTotalBlocksAndOverlaps(t *testing.T) {
	a := RangeSet{{0, 4}, {10, 12}}
	if got, want := a.TotalBlocks(), uint64(6); got != want {
		t.Errorf("TotalBlocks = %d, want %d", got, want)
	}
	if got, want := a.MaxEnd(), uint64(12); got != want {
		t.Errorf("MaxEnd = %d, want %d", got, want)
	}
	for _, test := range []struct {
		o    RangeSet
		want bool
	}{
		{o: RangeSet{{4, 10}}, want: false},
		{o: RangeSet{{3, 5}}, want: true},
		{o: RangeSet{{20, 30}, {11, 12}}, want: true},
		{o: RangeSet{{12, 13}}, want: false},
	} {
		if got := a.Overlaps(test.o); got != test.want {
			t.Errorf("%v.Overlaps(%v) = %t, want %t", a, test.o, got, test.want)
		}
	}
}

func TestReadWriteBlocksKeepsOrder(t *testing.T) {
	const bs = 16
	md := testonly.NewMemDev(t, bs, 8)
	rs := RangeSet{{5, 7}, {1, 2}}

	buf := append(bytes.Repeat([]byte{'a'}, 2*bs), bytes.Repeat([]byte{'b'}, bs)...)
	if err := rs.WriteBlocks(md, buf); err != nil {
		t.Fatalf("WriteBlocks: %v", err)
	}
	if got := md.Block(5); got[0] != 'a' {
		t.Errorf("block 5 = %q, want a's", got)
	}
	if got := md.Block(1); got[0] != 'b' {
		t.Errorf("block 1 = %q, want b's", got)
	}

	got := make([]byte, len(buf))
	if err := rs.ReadBlocks(md, got); err != nil {
		t.Fatalf("ReadBlocks: %v", err)
	}
	if !bytes.Equal(got, buf) {
		t.Errorf("ReadBlocks = %q, want %q", got, buf)
	}

	if err := rs.ReadBlocks(md, make([]byte, bs)); err == nil {
		t.Error("ReadBlocks with short buffer succeeded, want error")
	}
}

func TestScatter(t *testing.T) {
	const bs = 2
	dst := make([]byte, 4*bs)
	if err := (RangeSet{{3, 4}, {0, 1}}).Scatter(dst, []byte("xxyy"), bs); err != nil {
		t.Fatalf("Scatter: %v", err)
	}
	if got, want := string(dst), "yy\x00\x00\x00\x00xx"; got != want {
		t.Errorf("Scatter = %q, want %q", got, want)
	}
	if err := (RangeSet{{4, 5}}).Scatter(dst, []byte("zz"), bs); err == nil {
		t.Error("Scatter past end of destination succeeded, want error")
	}
}

func TestByteLen(t *testing.T) {
	for _, test := range []struct {
		desc    string
		blocks  uint64
		bs      uint
		want    int
		wantErr bool
	}{
		{desc: "empty", blocks: 0, bs: 4096, want: 0},
		{desc: "small", blocks: 3, bs: 512, want: 1536},
		{desc: "wraps uint64", blocks: 1 << 58, bs: 64, wantErr: true},
		{desc: "exceeds int", blocks: 1 << 57, bs: 64, wantErr: true},
	} {
		t.Run(test.desc, func(t *testing.T) {
			got, err := ByteLen(test.blocks, test.bs)
			if gotErr := err != nil; gotErr != test.wantErr {
				t.Fatalf("ByteLen() = %d, %v, wantErr %t", got, err, test.wantErr)
			}
			if got != test.want {
				t.Errorf("ByteLen() = %d, want %d", got, test.want)
			}
		})
	}
}

func TestHugeRangesFail(t *testing.T) {
	const bs = 64
	md := testonly.NewMemDev(t, bs, 4)
	huge := RangeSet{{0, 1 << 58}}
	if err := huge.ReadBlocks(md, nil); err == nil {
		t.Error("ReadBlocks of 2^58 blocks into an empty buffer succeeded")
	}
	if err := huge.WriteBlocks(md, nil); err == nil {
		t.Error("WriteBlocks of 2^58 blocks from an empty buffer succeeded")
	}
	if err := huge.Scatter(nil, nil, bs); err == nil {
		t.Error("Scatter of 2^58 blocks succeeded")
	}
	if md.Writes != 0 {
		t.Errorf("got %d writes, want none", md.Writes)
	}
}
