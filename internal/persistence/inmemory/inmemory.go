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

// Package inmemory provides a persistence implementation that lives only in memory.
package inmemory

import (
	"sync"

	"github.com/google/blockupdate/internal/persistence"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// NewPersistence returns a persistence object that lives only in memory.
// Updates run with it cannot be resumed after the process exits.
func NewPersistence() persistence.CursorStore {
	return &inMemoryPersistence{}
}

type inMemoryPersistence struct {
	mu     sync.RWMutex
	cursor *persistence.Cursor
}

func (p *inMemoryPersistence) Init() error {
	return nil
}

func (p *inMemoryPersistence) Read() (persistence.Cursor, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.cursor == nil {
		return persistence.Cursor{}, status.Error(codes.NotFound, "no cursor stored")
	}
	return *p.cursor, nil
}

func (p *inMemoryPersistence) Write(c persistence.Cursor) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.cursor = &c
	return nil
}

func (p *inMemoryPersistence) Clear() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.cursor = nil
	return nil
}
