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

// Package rangeset handles the block range sets used to address blocks in
// transfer lists.
//
// A range set is serialised as "<2N>,<b0>,<e0>,...,<b(N-1)>,<e(N-1)>", where
// each [b, e) pair is a run of contiguous blocks. The order of the pairs is
// significant: data is laid out in a buffer in the order the pairs appear,
// not sorted by block address.
package rangeset

import (
	"errors"
	"fmt"
	"math"
	"math/bits"
	"strconv"
	"strings"

	"github.com/google/blockupdate/internal/device"
)

// ErrParse is wrapped by all errors returned for malformed range set tokens.
var ErrParse = errors.New("malformed range set")

// Range is the half-open interval of blocks [Begin, End).
type Range struct {
	Begin uint64
	End   uint64
}

// Len returns the number of blocks in the range.
func (r Range) Len() uint64 {
	return r.End - r.Begin
}

// RangeSet is an ordered list of block ranges.
type RangeSet []Range

// Parse parses the serialised form of a range set.
func Parse(s string) (RangeSet, error) {
	parts := strings.Split(s, ",")
	nums := make([]uint64, 0, len(parts))
	for _, p := range parts {
		n, err := strconv.ParseUint(p, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("%w %q: bad number %q", ErrParse, s, p)
		}
		nums = append(nums, n)
	}
	count := nums[0]
	if count == 0 || count%2 != 0 {
		return nil, fmt.Errorf("%w %q: count %d must be even and non-zero", ErrParse, s, count)
	}
	if count != uint64(len(nums)-1) {
		return nil, fmt.Errorf("%w %q: count %d but %d values follow", ErrParse, s, count, len(nums)-1)
	}
	rs := make(RangeSet, 0, count/2)
	var total uint64
	for i := 1; i < len(nums); i += 2 {
		r := Range{Begin: nums[i], End: nums[i+1]}
		if r.Begin >= r.End {
			return nil, fmt.Errorf("%w %q: empty or inverted range [%d, %d)", ErrParse, s, r.Begin, r.End)
		}
		if r.Len() > math.MaxUint64-total {
			return nil, fmt.Errorf("%w %q: block count overflows", ErrParse, s)
		}
		total += r.Len()
		rs = append(rs, r)
	}
	return rs, nil
}

// String returns the serialised form of the range set, suitable for Parse.
func (rs RangeSet) String() string {
	sb := strings.Builder{}
	sb.WriteString(strconv.Itoa(2 * len(rs)))
	for _, r := range rs {
		fmt.Fprintf(&sb, ",%d,%d", r.Begin, r.End)
	}
	return sb.String()
}

// TotalBlocks returns the number of blocks covered by all ranges in the set.
func (rs RangeSet) TotalBlocks() uint64 {
	var t uint64
	for _, r := range rs {
		t += r.Len()
	}
	return t
}

// ByteLen returns the size in bytes of blocks blocks of bs bytes, or an error
// if that cannot be the length of a buffer.
func ByteLen(blocks uint64, bs uint) (int, error) {
	hi, lo := bits.Mul64(blocks, uint64(bs))
	if hi != 0 || lo > math.MaxInt {
		return 0, fmt.Errorf("%d blocks of %d bytes overflow a buffer", blocks, bs)
	}
	return int(lo), nil
}

// ByteLen returns the size in bytes of the blocks covered by rs.
func (rs RangeSet) ByteLen(bs uint) (int, error) {
	return ByteLen(rs.TotalBlocks(), bs)
}

// MaxEnd returns the largest End of any range in the set.
func (rs RangeSet) MaxEnd() uint64 {
	var m uint64
	for _, r := range rs {
		if r.End > m {
			m = r.End
		}
	}
	return m
}

// Overlaps returns true if any block is covered by both rs and o.
func (rs RangeSet) Overlaps(o RangeSet) bool {
	for _, a := range rs {
		for _, b := range o {
			if a.Begin < b.End && b.Begin < a.End {
				return true
			}
		}
	}
	return false
}

// ReadBlocks reads the blocks covered by rs, in order, from dev into the start of buf.
func (rs RangeSet) ReadBlocks(dev device.BlockReaderWriter, buf []byte) error {
	return rs.each(dev.BlockSize(), buf, dev.ReadBlocks)
}

// WriteBlocks writes the start of buf, in order, to the blocks covered by rs on dev.
func (rs RangeSet) WriteBlocks(dev device.BlockReaderWriter, buf []byte) error {
	return rs.each(dev.BlockSize(), buf, dev.WriteBlocks)
}

func (rs RangeSet) each(bs uint, buf []byte, f func(lba uint64, b []byte) error) error {
	need, err := rs.ByteLen(bs)
	if err != nil {
		return err
	}
	if len(buf) < need {
		return fmt.Errorf("buffer of %d bytes too small for %d blocks", len(buf), rs.TotalBlocks())
	}
	var off uint64
	for _, r := range rs {
		l := r.Len() * uint64(bs)
		if err := f(r.Begin, buf[off:off+l]); err != nil {
			return fmt.Errorf("range [%d, %d): %w", r.Begin, r.End, err)
		}
		off += l
	}
	return nil
}

// Scatter copies consecutive blocks from src into the positions of dst
// named by rs, where dst is treated as an array of bs sized blocks.
func (rs RangeSet) Scatter(dst, src []byte, bs uint) error {
	need, err := rs.ByteLen(bs)
	if err != nil {
		return err
	}
	if len(src) < need {
		return fmt.Errorf("source of %d bytes too small for %d blocks", len(src), rs.TotalBlocks())
	}
	m, err := ByteLen(rs.MaxEnd(), bs)
	if err != nil {
		return err
	}
	if len(dst) < m {
		return fmt.Errorf("destination of %d bytes too small for block %d", len(dst), rs.MaxEnd()-1)
	}
	var off uint64
	for _, r := range rs {
		l := r.Len() * uint64(bs)
		copy(dst[r.Begin*uint64(bs):], src[off:off+l])
		off += l
	}
	return nil
}
