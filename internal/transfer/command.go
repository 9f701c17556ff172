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
	"fmt"
	"strconv"
	"strings"

	"github.com/google/blockupdate/internal/rangeset"
	"github.com/google/blockupdate/internal/stash"
)

// Command is a single parsed transfer list line.
type Command struct {
	Op   Opcode
	Line int
	Raw  string

	// TargetHash is the expected hash of the target blocks after the
	// command has run. It is empty for commands which do not declare one.
	TargetHash string
	Target     rangeset.RangeSet

	// SourceHash is the expected hash of the source buffer. For move it is
	// the same as TargetHash.
	SourceHash string
	Source     Source

	PatchOffset uint64
	PatchLength uint64

	// Hashes lists the stash entries named by a free command.
	Hashes []string
}

// Source describes how to assemble the source buffer of a move, bsdiff or
// imgdiff command.
type Source struct {
	// Blocks is the size of the source buffer in blocks.
	Blocks uint64
	// Ranges are read from the device, in order. May be empty when the
	// whole source comes from the stash.
	Ranges rangeset.RangeSet
	// Map gives the buffer positions of the blocks read from Ranges. When
	// nil they are placed contiguously from the start of the buffer.
	Map rangeset.RangeSet
	// Stashes are stash entries scattered into the buffer.
	Stashes []StashRef
	// Preferred names a stash entry which, if present, holds the whole
	// source buffer in place of Ranges.
	Preferred string
}

// StashRef places the content of a stash entry at Ranges of a source buffer.
type StashRef struct {
	Hash   string
	Ranges rangeset.RangeSet
}

// parseErr builds the error returned for a malformed line.
func parseErr(lineNo int, op, format string, args ...interface{}) error {
	return &CommandError{Code: ParseError, Line: lineNo, Op: op, Err: fmt.Errorf(format, args...)}
}

// ParseCommand parses one transfer list line. lineNo is used for error
// reporting only.
//
// Errors are *CommandError values with Code ParseError, or UnknownOpcode if
// the first word is not a known command.
func ParseCommand(line string, lineNo int) (*Command, error) {
	f := strings.Fields(line)
	if len(f) == 0 {
		return nil, parseErr(lineNo, "", "empty command")
	}
	op, ok := ParseOpcode(f[0])
	if !ok {
		return nil, &CommandError{Code: UnknownOpcode, Line: lineNo, Op: f[0], Err: fmt.Errorf("no executor for %q", f[0])}
	}
	c := &Command{Op: op, Line: lineNo, Raw: line}
	args := f[1:]
	name := op.String()
	var err error
	switch op {
	case OpZero, OpErase:
		if len(args) != 1 {
			return nil, parseErr(lineNo, name, "want 1 argument, got %d", len(args))
		}
		c.Target, err = parseRanges(args[0])
	case OpNew:
		switch len(args) {
		case 1:
			c.Target, err = parseRanges(args[0])
		case 2:
			if c.TargetHash, err = parseHash(args[0]); err == nil {
				c.Target, err = parseRanges(args[1])
			}
		default:
			return nil, parseErr(lineNo, name, "want 1 or 2 arguments, got %d", len(args))
		}
	case OpMove:
		if len(args) < 4 {
			return nil, parseErr(lineNo, name, "want at least 4 arguments, got %d", len(args))
		}
		if c.TargetHash, err = parseHash(args[0]); err != nil {
			break
		}
		c.SourceHash = c.TargetHash
		if c.Target, err = parseRanges(args[1]); err != nil {
			break
		}
		if c.Source, err = parseSource(args[2:]); err != nil {
			break
		}
		if c.Source.Blocks != c.Target.TotalBlocks() {
			err = fmt.Errorf("source has %d blocks, target %d", c.Source.Blocks, c.Target.TotalBlocks())
		}
	case OpBsDiff, OpImgDiff:
		if len(args) < 7 {
			return nil, parseErr(lineNo, name, "want at least 7 arguments, got %d", len(args))
		}
		if c.PatchOffset, err = parseUint(args[0]); err != nil {
			break
		}
		if c.PatchLength, err = parseUint(args[1]); err != nil {
			break
		}
		if c.PatchOffset+c.PatchLength < c.PatchOffset {
			err = fmt.Errorf("patch [%d, +%d) overflows", c.PatchOffset, c.PatchLength)
			break
		}
		if c.SourceHash, err = parseHash(args[2]); err != nil {
			break
		}
		if c.TargetHash, err = parseHash(args[3]); err != nil {
			break
		}
		if c.Target, err = parseRanges(args[4]); err != nil {
			break
		}
		c.Source, err = parseSource(args[5:])
	case OpStash:
		if len(args) != 2 {
			return nil, parseErr(lineNo, name, "want 2 arguments, got %d", len(args))
		}
		if c.SourceHash, err = parseHash(args[0]); err == nil {
			c.Source.Ranges, err = parseRanges(args[1])
			c.Source.Blocks = c.Source.Ranges.TotalBlocks()
		}
	case OpFree:
		if len(args) != 1 {
			return nil, parseErr(lineNo, name, "want 1 argument, got %d", len(args))
		}
		for _, h := range strings.Split(args[0], ",") {
			h, err = parseHash(h)
			if err != nil {
				break
			}
			c.Hashes = append(c.Hashes, h)
		}
	case OpAbort:
		if len(args) != 0 {
			return nil, parseErr(lineNo, name, "want no arguments, got %d", len(args))
		}
	}
	if err != nil {
		return nil, parseErr(lineNo, name, "%v", err)
	}
	return c, nil
}

// parseSource parses the trailing source description of move, bsdiff and
// imgdiff commands:
//
//	<src_block_count> <src_ranges>
//	<src_block_count> <src_ranges>:<stash_hash>
//	<src_block_count> - <hash>:<ranges> [<hash>:<ranges> ...]
//	<src_block_count> <src_ranges> <src_buffer_map> <hash>:<ranges> [...]
func parseSource(args []string) (Source, error) {
	var s Source
	var err error
	if len(args) < 2 {
		return s, fmt.Errorf("missing source")
	}
	if s.Blocks, err = parseUint(args[0]); err != nil {
		return s, err
	}
	if s.Blocks == 0 {
		return s, fmt.Errorf("empty source")
	}
	rest := args[2:]
	switch {
	case args[1] == "-":
		if len(rest) == 0 {
			return s, fmt.Errorf("source has neither ranges nor stash entries")
		}
	case len(rest) == 0 && strings.Contains(args[1], ":"):
		r, h, _ := strings.Cut(args[1], ":")
		if s.Ranges, err = parseRanges(r); err != nil {
			return s, err
		}
		if s.Preferred, err = parseHash(h); err != nil {
			return s, err
		}
	default:
		if s.Ranges, err = parseRanges(args[1]); err != nil {
			return s, err
		}
		if len(rest) > 0 {
			if s.Map, err = parseRanges(rest[0]); err != nil {
				return s, fmt.Errorf("buffer map: %v", err)
			}
			rest = rest[1:]
			if s.Map.TotalBlocks() != s.Ranges.TotalBlocks() {
				return s, fmt.Errorf("buffer map covers %d blocks, source ranges %d", s.Map.TotalBlocks(), s.Ranges.TotalBlocks())
			}
			if s.Map.MaxEnd() > s.Blocks {
				return s, fmt.Errorf("buffer map reaches block %d of a %d block source", s.Map.MaxEnd(), s.Blocks)
			}
		}
	}
	if s.Map == nil && len(rest) == 0 && s.Ranges.TotalBlocks() != s.Blocks {
		return s, fmt.Errorf("source ranges cover %d blocks, want %d", s.Ranges.TotalBlocks(), s.Blocks)
	}
	for _, tok := range rest {
		h, r, ok := strings.Cut(tok, ":")
		if !ok {
			return s, fmt.Errorf("stash reference %q is not <hash>:<ranges>", tok)
		}
		var ref StashRef
		if ref.Hash, err = parseHash(h); err != nil {
			return s, err
		}
		if ref.Ranges, err = parseRanges(r); err != nil {
			return s, err
		}
		if ref.Ranges.MaxEnd() > s.Blocks {
			return s, fmt.Errorf("stash %s reaches block %d of a %d block source", ref.Hash, ref.Ranges.MaxEnd(), s.Blocks)
		}
		s.Stashes = append(s.Stashes, ref)
	}
	return s, nil
}

func parseRanges(s string) (rangeset.RangeSet, error) {
	return rangeset.Parse(s)
}

func parseUint(s string) (uint64, error) {
	v, err := strconv.ParseUint(s, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid number %q", s)
	}
	return v, nil
}

// parseHash validates a content hash, which is also used as a stash entry
// name, and normalises it to lower case.
func parseHash(s string) (string, error) {
	h := strings.ToLower(s)
	if err := stash.ValidName(h); err != nil {
		return "", err
	}
	return h, nil
}
