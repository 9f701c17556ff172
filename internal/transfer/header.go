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
)

// maxVersion is the newest transfer list version understood.
const maxVersion = 4

// Header holds the optional preamble of a transfer list.
type Header struct {
	// Version is zero for lists without a preamble.
	Version int
	// TotalBlocks is the number of blocks the list will write.
	TotalBlocks uint64
	// MaxStashEntries and MaxStashBlocks bound the stash use of the list
	// at any one time. Only present from version 2.
	MaxStashEntries uint64
	MaxStashBlocks  uint64
}

// line is a non-blank transfer list line with its 1-based line number.
type line struct {
	no   int
	text string
}

// splitList parses the header of a transfer list and returns it along with
// the remaining command lines. Blank lines are dropped.
func splitList(text string) (Header, []line, error) {
	var lines []line
	for i, l := range strings.Split(text, "\n") {
		l = strings.TrimSpace(l)
		if l == "" {
			continue
		}
		lines = append(lines, line{no: i + 1, text: l})
	}
	var h Header
	if len(lines) == 0 {
		return h, nil, nil
	}
	v, err := strconv.Atoi(lines[0].text)
	if err != nil {
		// No preamble.
		return h, lines, nil
	}
	if v < 1 || v > maxVersion {
		return h, nil, parseErr(lines[0].no, "", "unsupported transfer list version %d", v)
	}
	h.Version = v
	fields := []*uint64{&h.TotalBlocks}
	if v >= 2 {
		fields = append(fields, &h.MaxStashEntries, &h.MaxStashBlocks)
	}
	if len(lines) < 1+len(fields) {
		return h, nil, parseErr(lines[len(lines)-1].no, "", "version %d header needs %d lines after the version", v, len(fields))
	}
	for i, f := range fields {
		l := lines[1+i]
		n, err := strconv.ParseUint(l.text, 10, 64)
		if err != nil {
			return h, nil, parseErr(l.no, "", "invalid header value %q", l.text)
		}
		*f = n
	}
	return h, lines[1+len(fields):], nil
}

func (h Header) String() string {
	if h.Version == 0 {
		return "no header"
	}
	return fmt.Sprintf("version %d, %d blocks, max stash %d entries / %d blocks", h.Version, h.TotalBlocks, h.MaxStashEntries, h.MaxStashBlocks)
}
