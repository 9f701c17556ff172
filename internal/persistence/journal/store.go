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

package journal

import (
	"fmt"

	"github.com/golang/glog"
	"github.com/google/blockupdate/internal/device"
	"github.com/google/blockupdate/internal/persistence"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"gopkg.in/yaml.v3"
)

// NewPersistence returns a persistence object which keeps the cursor in a
// journal occupying blocks [start, start+length) of dev.
//
// The device must be synced by the caller for writes to be durable; a
// *device.File passed here is synced after every record.
func NewPersistence(dev device.BlockReaderWriter, start, length uint64) persistence.CursorStore {
	return &journalPersistence{
		dev:    dev,
		start:  start,
		length: length,
	}
}

type journalPersistence struct {
	dev    device.BlockReaderWriter
	start  uint64
	length uint64
	j      *Journal
}

// syncer is implemented by devices which buffer writes.
type syncer interface {
	Sync() error
}

func (p *journalPersistence) Init() error {
	j, err := Open(p.dev, p.start, p.length)
	if err != nil {
		return fmt.Errorf("failed to open journal at [%d, %d): %w", p.start, p.start+p.length, err)
	}
	_, rev := j.Data()
	glog.V(1).Infof("Opened cursor journal at block %d, revision %d", p.start, rev)
	p.j = j
	return nil
}

func (p *journalPersistence) Read() (persistence.Cursor, error) {
	if p.j == nil {
		return persistence.Cursor{}, fmt.Errorf("journal not initialised")
	}
	data, _ := p.j.Data()
	if len(data) == 0 {
		return persistence.Cursor{}, status.Error(codes.NotFound, "no cursor in journal")
	}
	var c persistence.Cursor
	if err := yaml.Unmarshal(data, &c); err != nil {
		return persistence.Cursor{}, fmt.Errorf("failed to unmarshal cursor: %w", err)
	}
	return c, nil
}

func (p *journalPersistence) Write(c persistence.Cursor) error {
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal cursor: %w", err)
	}
	return p.update(data)
}

// Clear writes an empty record, which reads back as no cursor.
func (p *journalPersistence) Clear() error {
	if p.j == nil {
		return fmt.Errorf("journal not initialised")
	}
	if data, _ := p.j.Data(); len(data) == 0 {
		return nil
	}
	return p.update(nil)
}

func (p *journalPersistence) update(data []byte) error {
	if p.j == nil {
		return fmt.Errorf("journal not initialised")
	}
	if err := p.j.Update(data); err != nil {
		return fmt.Errorf("failed to update journal: %w", err)
	}
	if s, ok := p.dev.(syncer); ok {
		if err := s.Sync(); err != nil {
			return fmt.Errorf("failed to sync journal: %w", err)
		}
	}
	return nil
}
