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
	"fmt"
)

// Opcode enumerates the transfer list commands.
type Opcode int

const (
	OpZero Opcode = iota
	OpNew
	OpErase
	OpMove
	OpBsDiff
	OpImgDiff
	OpStash
	OpFree
	OpAbort
)

var opNames = [...]string{
	OpZero:    "zero",
	OpNew:     "new",
	OpErase:   "erase",
	OpMove:    "move",
	OpBsDiff:  "bsdiff",
	OpImgDiff: "imgdiff",
	OpStash:   "stash",
	OpFree:    "free",
	OpAbort:   "abort",
}

func (o Opcode) String() string {
	if o >= 0 && int(o) < len(opNames) {
		return opNames[o]
	}
	return fmt.Sprintf("Opcode(%d)", int(o))
}

// ParseOpcode returns the Opcode called name.
func ParseOpcode(name string) (Opcode, bool) {
	for o, n := range opNames {
		if n == name {
			return Opcode(o), true
		}
	}
	return 0, false
}

// CommandFunction executes one parsed command against a session.
type CommandFunction func(ctx context.Context, s *Session, c *Command) (Code, error)

var executors = map[Opcode]CommandFunction{
	OpZero:    execZero,
	OpNew:     execNew,
	OpErase:   execErase,
	OpMove:    execMove,
	OpBsDiff:  execDiff,
	OpImgDiff: execDiff,
	OpStash:   execStash,
	OpFree:    execFree,
	OpAbort:   execAbort,
}

// Executor returns the function which executes commands with opcode o, or
// nil if there is none.
func Executor(o Opcode) CommandFunction {
	return executors[o]
}

// ExecutorFor returns the executor for the command called name.
func ExecutorFor(name string) (CommandFunction, bool) {
	o, ok := ParseOpcode(name)
	if !ok {
		return nil, false
	}
	f := Executor(o)
	return f, f != nil
}
