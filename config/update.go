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

// Package config provides the descriptor structs for an update run, so that
// a run can be described in a file as well as on the command line.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"time"

	"github.com/google/blockupdate/internal/codec"
	"gopkg.in/yaml.v3"
)

// DefaultBlockSize is used when no block size is configured.
const DefaultBlockSize = 4096

// Cursor backends.
const (
	CursorNone    = "none"
	CursorFile    = "file"
	CursorSQLite  = "sqlite"
	CursorMySQL   = "mysql"
	CursorJournal = "journal"
)

// Update describes one update run.
type Update struct {
	// Device is the path of the block device or image file to update.
	Device string `yaml:"Device"`
	// BlockSize is the transfer list block size in bytes.
	BlockSize uint `yaml:"BlockSize"`
	// StashDir holds blocks which are needed after being overwritten.
	// It must be on storage other than Device.
	StashDir string `yaml:"StashDir"`
	// TransferList is the path of the transfer list.
	TransferList string `yaml:"TransferList"`
	// NewData is the path of the stream of literal blocks, if any.
	NewData string `yaml:"NewData"`
	// NewDataCodec overrides the compression guessed from the NewData extension.
	NewDataCodec string `yaml:"NewDataCodec"`
	// Patches is the path of the concatenated patch data, if any.
	Patches string `yaml:"Patches"`
	// Cursor says where progress is recorded.
	Cursor Cursor `yaml:"Cursor"`
	// StashRetries bounds retries of commands which ran out of stash space.
	StashRetries uint64 `yaml:"StashRetries"`
	// RetryInterval is the initial backoff between those retries.
	RetryInterval time.Duration `yaml:"RetryInterval"`
}

// Cursor describes the store used to resume an interrupted update.
type Cursor struct {
	// Backend is one of none, file, sqlite, mysql or journal.
	Backend string `yaml:"Backend"`
	// Path is the cursor file, the sqlite database, or the device holding the journal.
	Path string `yaml:"Path"`
	// DSN is the MySQL data source name.
	DSN string `yaml:"DSN"`
	// Target keys the cursor row in a database shared by several devices.
	// Defaults to the device path.
	Target string `yaml:"Target"`
	// JournalStart and JournalLength locate the journal, in blocks of Path.
	JournalStart  uint64 `yaml:"JournalStart"`
	JournalLength uint64 `yaml:"JournalLength"`
}

// Parse decodes a yaml description of an update. Unknown fields are errors.
func Parse(b []byte) (Update, error) {
	u := Update{}
	d := yaml.NewDecoder(bytes.NewReader(b))
	d.KnownFields(true)
	if err := d.Decode(&u); err != nil {
		return Update{}, fmt.Errorf("failed to parse update config: %w", err)
	}
	return u, nil
}

func (u Update) Validate() error {
	if u.Device == "" {
		return errors.New("missing field: Device")
	}
	if u.StashDir == "" {
		return errors.New("missing field: StashDir")
	}
	if u.TransferList == "" {
		return errors.New("missing field: TransferList")
	}
	if u.BlockSize != 0 && (u.BlockSize%512 != 0 || u.BlockSize&(u.BlockSize-1) != 0) {
		return fmt.Errorf("BlockSize %d is not a power of two multiple of 512", u.BlockSize)
	}
	if _, err := codec.ParseKind(u.NewDataCodec); err != nil {
		return fmt.Errorf("NewDataCodec: %v", err)
	}
	if u.RetryInterval < 0 {
		return fmt.Errorf("negative RetryInterval %v", u.RetryInterval)
	}
	return u.Cursor.Validate()
}

func (c Cursor) Validate() error {
	switch c.Backend {
	case "", CursorNone:
	case CursorFile, CursorSQLite:
		if c.Path == "" {
			return fmt.Errorf("missing field: Cursor.Path for %s backend", c.Backend)
		}
	case CursorMySQL:
		if c.DSN == "" {
			return errors.New("missing field: Cursor.DSN for mysql backend")
		}
	case CursorJournal:
		if c.Path == "" {
			return errors.New("missing field: Cursor.Path for journal backend")
		}
		if c.JournalLength == 0 {
			return errors.New("missing field: Cursor.JournalLength for journal backend")
		}
	default:
		return fmt.Errorf("unknown cursor backend %q", c.Backend)
	}
	return nil
}

// EffectiveBlockSize returns BlockSize, or DefaultBlockSize if it is unset.
func (u Update) EffectiveBlockSize() uint {
	if u.BlockSize == 0 {
		return DefaultBlockSize
	}
	return u.BlockSize
}
