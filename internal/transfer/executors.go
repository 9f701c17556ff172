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

package transfer

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/golang/glog"
	"github.com/google/blockupdate/internal/device"
	"github.com/google/blockupdate/internal/patch"
	"github.com/google/blockupdate/internal/rangeset"
	"github.com/google/blockupdate/internal/stash"
)

// zeroChunkBlocks bounds the buffer used to write zeros.
const zeroChunkBlocks = 256

func execZero(_ context.Context, s *Session, c *Command) (Code, error) {
	zeros := make([]byte, zeroChunkBlocks*uint64(s.bs))
	for _, r := range c.Target {
		for lba := r.Begin; lba < r.End; {
			n := r.End - lba
			if n > zeroChunkBlocks {
				n = zeroChunkBlocks
			}
			if err := s.dev.WriteBlocks(lba, zeros[:n*uint64(s.bs)]); err != nil {
				return fail(IOError, "failed to zero blocks [%d, %d): %v", lba, lba+n, err)
			}
			lba += n
		}
	}
	s.stats.BlocksWritten += c.Target.TotalBlocks()
	return Success, nil
}

func execNew(_ context.Context, s *Session, c *Command) (Code, error) {
	if s.opts.NewData == nil {
		return fail(IOError, "no new data stream")
	}
	n, err := c.Target.ByteLen(s.bs)
	if err != nil {
		return fail(IOError, "%v", err)
	}
	buf := make([]byte, n)
	if _, err := io.ReadFull(s.opts.NewData, buf); err != nil {
		return fail(IOError, "failed to read %d bytes of new data: %v", len(buf), err)
	}
	want := hashBytes(buf)
	if c.TargetHash != "" {
		if want != c.TargetHash {
			return fail(PreconditionMismatch, "new data hashes to %s, want %s", want, c.TargetHash)
		}
		ok, err := s.rangesMatch(c.Target, c.TargetHash)
		if err != nil {
			glog.V(1).Infof("line %d: failed to check target, writing it: %v", c.Line, err)
		}
		if ok {
			return SuccessNoOp, nil
		}
	}
	if err := s.write(c.Target, buf); err != nil {
		return fail(IOError, "%v", err)
	}
	got, err := s.rangeHash(c.Target)
	if err != nil {
		return fail(IOError, "failed to read back new data: %v", err)
	}
	if got != want {
		return fail(IOError, "read back %s after writing new data %s", got, want)
	}
	return Success, nil
}

func execErase(_ context.Context, s *Session, c *Command) (Code, error) {
	for _, r := range c.Target {
		err := s.dev.Discard(r.Begin, r.Len())
		if errors.Is(err, device.ErrDiscardUnsupported) {
			if !s.discardWarned {
				glog.Warningf("Device does not support discard, ignoring erase commands")
				s.discardWarned = true
			}
			return Success, nil
		}
		if err != nil {
			return fail(IOError, "failed to discard blocks [%d, %d): %v", r.Begin, r.End, err)
		}
	}
	return Success, nil
}

func execMove(_ context.Context, s *Session, c *Command) (Code, error) {
	if ok, err := s.rangesMatch(c.Target, c.TargetHash); err != nil {
		return fail(IOError, "%v", err)
	} else if ok {
		return SuccessNoOp, nil
	}
	src, code, err := s.loadVerifiedSource(c)
	if err != nil {
		return code, err
	}
	return s.writeTarget(c, src, src)
}

func execDiff(_ context.Context, s *Session, c *Command) (Code, error) {
	if ok, err := s.rangesMatch(c.Target, c.TargetHash); err != nil {
		return fail(IOError, "%v", err)
	} else if ok {
		return SuccessNoOp, nil
	}
	src, code, err := s.loadVerifiedSource(c)
	if err != nil {
		return code, err
	}
	if s.opts.Patches == nil {
		return fail(IOError, "no patch data")
	}
	if size := uint64(s.opts.Patches.Size()); c.PatchOffset > size || c.PatchLength > size-c.PatchOffset {
		return fail(IOError, "patch [%d, +%d) lies beyond the %d bytes of patch data", c.PatchOffset, c.PatchLength, size)
	}
	p := make([]byte, c.PatchLength)
	if n, err := s.opts.Patches.ReadAt(p, int64(c.PatchOffset)); n != len(p) {
		return fail(IOError, "failed to read patch [%d, +%d): %v", c.PatchOffset, c.PatchLength, err)
	}
	kind := patch.BsDiff
	if c.Op == OpImgDiff {
		kind = patch.ImgDiff
	}
	out, err := s.applier.Apply(kind, src, p)
	if err != nil {
		return fail(PatchApplyFailure, "%v", err)
	}
	if want, err := c.Target.ByteLen(s.bs); err != nil || len(out) != want {
		return fail(PatchApplyFailure, "patch produced %d bytes, want %d", len(out), want)
	}
	if got := hashBytes(out); got != c.TargetHash {
		return fail(PatchApplyFailure, "patched data hashes to %s, want %s", got, c.TargetHash)
	}
	return s.writeTarget(c, src, out)
}

func execStash(_ context.Context, s *Session, c *Command) (Code, error) {
	if s.store.Has(c.SourceHash) {
		if b, err := s.store.Load(c.SourceHash); err == nil && hashBytes(b) == c.SourceHash {
			return SuccessNoOp, nil
		}
		glog.Warningf("Replacing stash entry %s which does not match its name", c.SourceHash)
	}
	n, err := c.Source.Ranges.ByteLen(s.bs)
	if err != nil {
		return fail(IOError, "%v", err)
	}
	buf := make([]byte, n)
	if err := c.Source.Ranges.ReadBlocks(s.dev, buf); err != nil {
		return fail(IOError, "%v", err)
	}
	if got := hashBytes(buf); got != c.SourceHash {
		return fail(PreconditionMismatch, "blocks %s hash to %s, want %s", c.Source.Ranges, got, c.SourceHash)
	}
	return s.stash(c.SourceHash, buf)
}

func execFree(_ context.Context, s *Session, c *Command) (Code, error) {
	for _, h := range c.Hashes {
		if err := s.store.Free(h); err != nil {
			return fail(IOError, "%v", err)
		}
		delete(s.stashed, h)
	}
	return Success, nil
}

func execAbort(context.Context, *Session, *Command) (Code, error) {
	return fail(Aborted, "transfer list does not apply to this device")
}

// stash stores data under name, keeping track of usage against the limits
// declared by the transfer list.
func (s *Session) stash(name string, data []byte) (Code, error) {
	blocks := uint64(len(data)) / uint64(s.bs)
	if m := s.header.MaxStashEntries; m > 0 && uint64(len(s.stashed))+1 > m {
		glog.Warningf("Stash entry %s exceeds the %d entries declared by the transfer list", name, m)
	}
	if m := s.header.MaxStashBlocks; m > 0 && s.stashedBlocks()+blocks > m {
		glog.Warningf("Stash entry %s exceeds the %d blocks declared by the transfer list", name, m)
	}
	if err := s.store.Write(name, data); err != nil {
		if errors.Is(err, stash.ErrSpaceExhausted) {
			return fail(StashSpaceExhausted, "%v", err)
		}
		return fail(IOError, "%v", err)
	}
	s.stashed[name] = blocks
	s.stats.StashedBlocks += blocks
	glog.V(2).Infof("Stashed %d blocks as %s", blocks, name)
	return Success, nil
}

func (s *Session) stashedBlocks() uint64 {
	var t uint64
	for _, b := range s.stashed {
		t += b
	}
	return t
}

// loadVerifiedSource assembles the source buffer of c and checks it against
// c.SourceHash. If the device no longer holds the source, because an
// interrupted run had already overwritten it, the copy stashed under the
// source hash is used instead.
func (s *Session) loadVerifiedSource(c *Command) ([]byte, Code, error) {
	buf, err := s.loadSource(&c.Source)
	var got string
	if err == nil {
		if got = hashBytes(buf); got == c.SourceHash {
			return buf, Success, nil
		}
	}
	if s.store.Has(c.SourceHash) {
		b, lerr := s.store.Load(c.SourceHash)
		want, werr := rangeset.ByteLen(c.Source.Blocks, s.bs)
		if lerr == nil && werr == nil && len(b) == want && hashBytes(b) == c.SourceHash {
			glog.V(1).Infof("line %d: using stashed source %s", c.Line, c.SourceHash)
			return b, Success, nil
		}
	}
	if err != nil {
		return nil, IOError, err
	}
	return nil, PreconditionMismatch, fmt.Errorf("source hashes to %s, want %s", got, c.SourceHash)
}

// loadSource assembles a source buffer from the device and the stash.
func (s *Session) loadSource(src *Source) ([]byte, error) {
	n, err := rangeset.ByteLen(src.Blocks, s.bs)
	if err != nil {
		return nil, err
	}
	buf := make([]byte, n)
	if src.Preferred != "" && s.store.Has(src.Preferred) {
		b, err := s.store.Load(src.Preferred)
		if err != nil {
			return nil, err
		}
		if len(b) == len(buf) {
			return b, nil
		}
		glog.Warningf("Ignoring stash entry %s of %d bytes for a %d byte source", src.Preferred, len(b), len(buf))
	}
	if len(src.Ranges) > 0 {
		if src.Map == nil {
			if err := src.Ranges.ReadBlocks(s.dev, buf); err != nil {
				return nil, err
			}
		} else {
			tn, err := src.Ranges.ByteLen(s.bs)
			if err != nil {
				return nil, err
			}
			tmp := make([]byte, tn)
			if err := src.Ranges.ReadBlocks(s.dev, tmp); err != nil {
				return nil, err
			}
			if err := src.Map.Scatter(buf, tmp, s.bs); err != nil {
				return nil, err
			}
		}
	}
	for _, ref := range src.Stashes {
		b, err := s.store.Load(ref.Hash)
		if err != nil {
			return nil, err
		}
		if err := ref.Ranges.Scatter(buf, b, s.bs); err != nil {
			return nil, fmt.Errorf("stash entry %s: %w", ref.Hash, err)
		}
	}
	return buf, nil
}

// writeTarget writes data to the target of c. If the target overlaps the
// device source, the verified source buffer src is stashed first so that a
// resumed run can still find it, and freed once the target is durable.
func (s *Session) writeTarget(c *Command, src, data []byte) (Code, error) {
	stashed := false
	if c.Source.Ranges.Overlaps(c.Target) && !s.store.Has(c.SourceHash) {
		if code, err := s.stash(c.SourceHash, src); err != nil {
			return code, err
		}
		stashed = true
	}
	if err := s.write(c.Target, data); err != nil {
		return fail(IOError, "%v", err)
	}
	if stashed {
		if err := s.dev.Sync(); err != nil {
			return fail(IOError, "failed to sync device: %v", err)
		}
		if err := s.store.Free(c.SourceHash); err != nil {
			glog.Warningf("Failed to free overlap stash %s: %v", c.SourceHash, err)
		}
		delete(s.stashed, c.SourceHash)
	}
	return Success, nil
}

func (s *Session) write(rs rangeset.RangeSet, data []byte) error {
	if err := rs.WriteBlocks(s.dev, data); err != nil {
		return err
	}
	s.stats.BlocksWritten += rs.TotalBlocks()
	return nil
}

// rangesMatch returns true if the blocks of rs hash to want.
func (s *Session) rangesMatch(rs rangeset.RangeSet, want string) (bool, error) {
	got, err := s.rangeHash(rs)
	if err != nil {
		return false, err
	}
	return got == want, nil
}

func (s *Session) rangeHash(rs rangeset.RangeSet) (string, error) {
	return RangeHash(s.dev, rs)
}

// RangeHash returns the hash of the blocks of dev covered by rs, read in order.
func RangeHash(dev device.Device, rs rangeset.RangeSet) (string, error) {
	if err := checkWithin(rs, dev.NumBlocks()); err != nil {
		return "", err
	}
	n, err := rs.ByteLen(dev.BlockSize())
	if err != nil {
		return "", err
	}
	buf := make([]byte, n)
	if err := rs.ReadBlocks(dev, buf); err != nil {
		return "", err
	}
	return hashBytes(buf), nil
}

// checkWithin returns an error unless rs lies within a device of n blocks and
// covers no more blocks than the device has.
func checkWithin(rs rangeset.RangeSet, n uint64) error {
	if rs.MaxEnd() > n || rs.TotalBlocks() > n {
		return fmt.Errorf("ranges %s exceed the %d blocks of the device", rs, n)
	}
	return nil
}

// checkBounds rejects commands which address blocks beyond the device, so
// that every buffer sized from a command is bounded by the device size.
func (s *Session) checkBounds(c *Command) error {
	n := s.dev.NumBlocks()
	for _, rs := range []rangeset.RangeSet{c.Target, c.Source.Ranges} {
		if err := checkWithin(rs, n); err != nil {
			return err
		}
	}
	if c.Source.Blocks > n {
		return fmt.Errorf("source of %d blocks exceeds the %d blocks of the device", c.Source.Blocks, n)
	}
	return nil
}
