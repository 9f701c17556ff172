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

// Package file provides a cursor persistence implementation which keeps the
// cursor as a small JSON document on a local filesystem.
package file

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/google/blockupdate/internal/persistence"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

const (
	filePerm = 0600
	dirPerm  = 0700
	tmpExt   = ".temp"
)

// NewPersistence returns a persistence object which stores the cursor at path.
func NewPersistence(path string) persistence.CursorStore {
	return &filePersistence{path: path}
}

type filePersistence struct {
	path string
}

// Init creates the directory holding the cursor, and removes any temporary
// file left behind by an interrupted Write.
func (p *filePersistence) Init() error {
	if err := os.MkdirAll(filepath.Dir(p.path), dirPerm); err != nil {
		return fmt.Errorf("failed to create directory for %q: %w", p.path, err)
	}
	if err := os.Remove(p.path + tmpExt); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("failed to remove stale temporary file: %w", err)
	}
	return nil
}

func (p *filePersistence) Read() (persistence.Cursor, error) {
	raw, err := os.ReadFile(p.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return persistence.Cursor{}, status.Errorf(codes.NotFound, "no cursor at %q", p.path)
		}
		return persistence.Cursor{}, fmt.Errorf("failed to read cursor: %w", err)
	}
	var c persistence.Cursor
	if err := json.Unmarshal(raw, &c); err != nil {
		return persistence.Cursor{}, fmt.Errorf("failed to unmarshal cursor %q: %w", p.path, err)
	}
	return c, nil
}

// Write stores c durably: the new document is written and synced to a
// temporary file, which is then renamed over the old one.
func (p *filePersistence) Write(c persistence.Cursor) error {
	raw, err := json.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal cursor: %w", err)
	}
	tmp := p.path + tmpExt
	f, err := os.OpenFile(tmp, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, filePerm)
	if err != nil {
		return fmt.Errorf("failed to create %q: %w", tmp, err)
	}
	if _, err := f.Write(raw); err != nil {
		f.Close()
		return fmt.Errorf("failed to write %q: %w", tmp, err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return fmt.Errorf("failed to sync %q: %w", tmp, err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("failed to close %q: %w", tmp, err)
	}
	if err := os.Rename(tmp, p.path); err != nil {
		return fmt.Errorf("failed to rename %q to %q: %w", tmp, p.path, err)
	}
	return syncDir(filepath.Dir(p.path))
}

func (p *filePersistence) Clear() error {
	if err := os.Remove(p.path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("failed to remove cursor: %w", err)
	}
	return syncDir(filepath.Dir(p.path))
}

func syncDir(dir string) error {
	d, err := os.Open(dir)
	if err != nil {
		return fmt.Errorf("failed to open %q: %w", dir, err)
	}
	defer d.Close()
	if err := d.Sync(); err != nil {
		return fmt.Errorf("failed to sync %q: %w", dir, err)
	}
	return nil
}
