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

package sql

import (
	"database/sql"
	"os"
	"testing"

	"github.com/google/blockupdate/internal/persistence"
	ptest "github.com/google/blockupdate/internal/persistence/testonly"
	_ "github.com/mattn/go-sqlite3" // Load drivers for sqlite3
)

func TestConformance(t *testing.T) {
	ptest.RunAll(t, func() (persistence.CursorStore, func() error) {
		db, close := mustCreateDB(t)
		return NewPersistence(db, "system"), close
	})
}

func TestTargetsAreIndependent(t *testing.T) {
	db, close := mustCreateDB(t)
	defer close()
	sys := NewPersistence(db, "system")
	vendor := NewPersistence(db, "vendor")
	for _, p := range []persistence.CursorStore{sys, vendor} {
		if err := p.Init(); err != nil {
			t.Fatalf("Init(): %v", err)
		}
	}
	if err := sys.Write(persistence.Cursor{ListID: "aa", Applied: 4}); err != nil {
		t.Fatalf("Write(): %v", err)
	}
	if err := vendor.Write(persistence.Cursor{ListID: "bb", Applied: 7}); err != nil {
		t.Fatalf("Write(): %v", err)
	}
	if err := vendor.Clear(); err != nil {
		t.Fatalf("Clear(): %v", err)
	}
	c, err := sys.Read()
	if err != nil {
		t.Fatalf("Read(): %v", err)
	}
	if got, want := c.Applied, 4; got != want {
		t.Errorf("got != want (%d != %d)", got, want)
	}
}

func mustCreateDB(t *testing.T) (*sql.DB, func() error) {
	t.Helper()
	// Use a file to try to get as close to real sqlite behaviour as possible.
	f, err := os.CreateTemp(t.TempDir(), "dbtest*.db")
	if err != nil {
		t.Fatalf("failed to create temp file: %v", err)
	}
	f.Close()
	db, err := sql.Open("sqlite3", f.Name())
	if err != nil {
		t.Fatalf("failed to open temporary DB: %v", err)
	}
	db.SetMaxOpenConns(1)
	return db, db.Close
}
