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
	"errors"
	"fmt"
)

// Code is the outcome of executing a single command.
type Code int

const (
	Success Code = iota
	// SuccessNoOp means the target already held the expected content.
	SuccessNoOp
	ParseError
	PreconditionMismatch
	PatchApplyFailure
	IOError
	// StashSpaceExhausted is the only retryable failure.
	StashSpaceExhausted
	UnknownOpcode
	Aborted
)

// Statuses reported to the caller of an update.
const (
	StatusSuccess   = 0
	StatusFatal     = -1
	StatusRetryable = 1
	StatusAborted   = 2
)

func (c Code) String() string {
	switch c {
	case Success:
		return "Success"
	case SuccessNoOp:
		return "SuccessNoOp"
	case ParseError:
		return "ParseError"
	case PreconditionMismatch:
		return "PreconditionMismatch"
	case PatchApplyFailure:
		return "PatchApplyFailure"
	case IOError:
		return "IOError"
	case StashSpaceExhausted:
		return "StashSpaceExhausted"
	case UnknownOpcode:
		return "UnknownOpcode"
	case Aborted:
		return "Aborted"
	}
	return fmt.Sprintf("Code(%d)", int(c))
}

// OK returns true for both kinds of success.
func (c Code) OK() bool {
	return c == Success || c == SuccessNoOp
}

// Status maps c onto the status reported to callers.
func (c Code) Status() int {
	switch c {
	case Success, SuccessNoOp:
		return StatusSuccess
	case StashSpaceExhausted:
		return StatusRetryable
	case Aborted:
		return StatusAborted
	}
	return StatusFatal
}

// CommandError describes the failure of the command on a transfer list line.
type CommandError struct {
	Code Code
	// Line is the 1-based line number in the transfer list, or 0 if the
	// failure is not tied to a line.
	Line int
	Op   string
	Err  error
}

func (e *CommandError) Error() string {
	var s string
	if e.Line > 0 {
		s = fmt.Sprintf("line %d: ", e.Line)
	}
	if e.Op != "" {
		s += e.Op + ": "
	}
	s += e.Code.String()
	if e.Err != nil {
		s += ": " + e.Err.Error()
	}
	return s
}

func (e *CommandError) Unwrap() error {
	return e.Err
}

// CodeOf returns the Code carried by err. A nil error is Success, and errors
// which carry no Code are IOError.
func CodeOf(err error) Code {
	if err == nil {
		return Success
	}
	var ce *CommandError
	if errors.As(err, &ce) {
		return ce.Code
	}
	return IOError
}

// Status returns the caller-facing status for err.
func Status(err error) int {
	return CodeOf(err).Status()
}

// fail is shorthand for returning a failed code alongside a formatted error.
func fail(c Code, format string, args ...interface{}) (Code, error) {
	return c, fmt.Errorf(format, args...)
}
