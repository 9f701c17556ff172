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

// Package sql provides a cursor persistence implementation backed by a SQL
// database. The statements used are understood by both SQLite and MySQL.
package sql

import (
	"database/sql"
	"errors"
	"fmt"

	"github.com/google/blockupdate/internal/persistence"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// NewPersistence returns a persistence object storing the cursor for the
// named target in db. Several targets may share a database.
func NewPersistence(db *sql.DB, target string) persistence.CursorStore {
	return &sqlPersistence{
		db:     db,
		target: target,
	}
}

type sqlPersistence struct {
	db     *sql.DB
	target string
}

func (p *sqlPersistence) Init() error {
	_, err := p.db.Exec(`CREATE TABLE IF NOT EXISTS cursors (
		target VARCHAR(255) PRIMARY KEY,
		listID VARCHAR(64) NOT NULL,
		applied BIGINT NOT NULL,
		done BOOLEAN NOT NULL
		)`)
	return err
}

func (p *sqlPersistence) Read() (persistence.Cursor, error) {
	row := p.db.QueryRow("SELECT listID, applied, done FROM cursors WHERE target = ?", p.target)
	if err := row.Err(); err != nil {
		return persistence.Cursor{}, err
	}
	var c persistence.Cursor
	if err := row.Scan(&c.ListID, &c.Applied, &c.Done); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return persistence.Cursor{}, status.Errorf(codes.NotFound, "no cursor for target %q", p.target)
		}
		return persistence.Cursor{}, err
	}
	return c, nil
}

func (p *sqlPersistence) Write(c persistence.Cursor) error {
	tx, err := p.db.Begin()
	if err != nil {
		return fmt.Errorf("tx.Begin(): %v", err)
	}
	defer tx.Rollback()
	if _, err := tx.Exec(`REPLACE INTO cursors (target, listID, applied, done) VALUES (?, ?, ?, ?)`, p.target, c.ListID, c.Applied, c.Done); err != nil {
		return fmt.Errorf("Exec(): %v", err)
	}
	return tx.Commit()
}

func (p *sqlPersistence) Clear() error {
	if _, err := p.db.Exec("DELETE FROM cursors WHERE target = ?", p.target); err != nil {
		return fmt.Errorf("Exec(): %v", err)
	}
	return nil
}
