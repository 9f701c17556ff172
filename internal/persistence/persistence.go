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

// Package persistence defines interfaces and types for storing the resume
// cursor of an update.
package persistence

// Cursor records how far through a transfer list an update has progressed.
type Cursor struct {
	// ListID identifies the transfer list the cursor refers to.
	ListID string `json:"list_id" yaml:"list_id"`
	// Applied is the number of command lines which have been fully applied
	// and whose writes are durable.
	Applied int `json:"applied" yaml:"applied"`
	// Done is set once every command in the list has been applied.
	Done bool `json:"done" yaml:"done"`
}

// CursorStore is the interface for persisting the resume cursor.
//
// A store holds at most one cursor. Writes must be durable when Write
// returns, since the update engine relies on the cursor never running ahead
// of the device.
type CursorStore interface {
	// Init sets up the persistence layer. This should be idempotent,
	// and will be called once per process startup.
	Init() error

	// Read returns the stored cursor.
	// If no cursor exists, it must return codes.NotFound.
	Read() (Cursor, error)

	// Write replaces the stored cursor with c.
	Write(c Cursor) error

	// Clear removes any stored cursor. Clearing an empty store is not an
	// error.
	Clear() error
}
