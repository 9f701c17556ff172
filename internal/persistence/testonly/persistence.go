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

// Package testonly contains test scaffolding for testing persistence implementations.
package testonly

import (
	"testing"

	"github.com/google/blockupdate/internal/persistence"
	"github.com/google/go-cmp/cmp"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// Factory returns a fresh store, and a function which releases its resources.
type Factory func() (persistence.CursorStore, func() error)

// TestReadEmpty checks that a new store reports codes.NotFound.
func TestReadEmpty(t *testing.T, f Factory) {
	cs, close := f()
	defer close()
	if err := cs.Init(); err != nil {
		t.Fatalf("Init(): %v", err)
	}
	_, err := cs.Read()
	if got, want := status.Code(err), codes.NotFound; got != want {
		t.Fatalf("error code got != want (%s, %s): %v", got, want, err)
	}
}

// TestWriteRead checks that the latest write is returned by Read.
func TestWriteRead(t *testing.T, f Factory) {
	cs, close := f()
	defer close()
	if err := cs.Init(); err != nil {
		t.Fatalf("Init(): %v", err)
	}
	for _, c := range []persistence.Cursor{
		{ListID: "aa", Applied: 0},
		{ListID: "aa", Applied: 1},
		{ListID: "aa", Applied: 17},
		{ListID: "bb", Applied: 3, Done: true},
	} {
		if err := cs.Write(c); err != nil {
			t.Fatalf("Write(%+v): %v", c, err)
		}
		got, err := cs.Read()
		if err != nil {
			t.Fatalf("Read(): %v", err)
		}
		if diff := cmp.Diff(c, got); diff != "" {
			t.Errorf("Read() diff (-want +got):\n%s", diff)
		}
	}
}

// TestClear checks that a cleared store behaves as a new one, and that
// clearing twice is allowed.
func TestClear(t *testing.T, f Factory) {
	cs, close := f()
	defer close()
	if err := cs.Init(); err != nil {
		t.Fatalf("Init(): %v", err)
	}
	if err := cs.Clear(); err != nil {
		t.Fatalf("Clear() on empty store: %v", err)
	}
	if err := cs.Write(persistence.Cursor{ListID: "cc", Applied: 9}); err != nil {
		t.Fatalf("Write(): %v", err)
	}
	if err := cs.Clear(); err != nil {
		t.Fatalf("Clear(): %v", err)
	}
	if _, err := cs.Read(); status.Code(err) != codes.NotFound {
		t.Fatalf("Read() after Clear(): got %v, want NotFound", err)
	}
	want := persistence.Cursor{ListID: "dd", Applied: 2}
	if err := cs.Write(want); err != nil {
		t.Fatalf("Write() after Clear(): %v", err)
	}
	got, err := cs.Read()
	if err != nil {
		t.Fatalf("Read(): %v", err)
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("Read() diff (-want +got):\n%s", diff)
	}
}

// TestInitIdempotent checks that calling Init again keeps the stored cursor.
func TestInitIdempotent(t *testing.T, f Factory) {
	cs, close := f()
	defer close()
	if err := cs.Init(); err != nil {
		t.Fatalf("Init(): %v", err)
	}
	want := persistence.Cursor{ListID: "ee", Applied: 5}
	if err := cs.Write(want); err != nil {
		t.Fatalf("Write(): %v", err)
	}
	if err := cs.Init(); err != nil {
		t.Fatalf("second Init(): %v", err)
	}
	got, err := cs.Read()
	if err != nil {
		t.Fatalf("Read(): %v", err)
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("Read() diff (-want +got):\n%s", diff)
	}
}

// RunAll runs every conformance test against the store built by f.
func RunAll(t *testing.T, f Factory) {
	for _, test := range []struct {
		name string
		fn   func(*testing.T, Factory)
	}{
		{name: "ReadEmpty", fn: TestReadEmpty},
		{name: "WriteRead", fn: TestWriteRead},
		{name: "Clear", fn: TestClear},
		{name: "InitIdempotent", fn: TestInitIdempotent},
	} {
		t.Run(test.name, func(t *testing.T) {
			test.fn(t, f)
		})
	}
}
