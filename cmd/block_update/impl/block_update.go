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

// Package impl is the implementation of a tool which applies a transfer list
// to a block device.
package impl

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/golang/glog"
	"github.com/google/blockupdate/config"
	"github.com/google/blockupdate/internal/codec"
	"github.com/google/blockupdate/internal/device"
	"github.com/google/blockupdate/internal/persistence"
	"github.com/google/blockupdate/internal/persistence/file"
	"github.com/google/blockupdate/internal/persistence/inmemory"
	"github.com/google/blockupdate/internal/persistence/journal"
	psql "github.com/google/blockupdate/internal/persistence/sql"
	"github.com/google/blockupdate/internal/transfer"
	"golang.org/x/sync/errgroup"

	_ "github.com/go-sql-driver/mysql"
	_ "github.com/mattn/go-sqlite3"
)

// Exit codes of the tool.
const (
	ExitSuccess = 0
	ExitFailure = 1
	ExitAborted = 3
	// ExitRetry asks the caller to run the update again later.
	ExitRetry = 75
)

// ErrInterrupted is returned when the update was stopped by a signal.
var ErrInterrupted = errors.New("update interrupted by signal")

// Opts encapsulates the parameters of an update run.
type Opts struct {
	config.Update
	// ResetCursor discards any recorded progress before starting.
	ResetCursor bool
}

// Main applies the transfer list described by opts.
func Main(ctx context.Context, opts Opts) error {
	if err := opts.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	bs := opts.EffectiveBlockSize()

	dev, err := device.Open(opts.Device, bs)
	if err != nil {
		return err
	}
	defer dev.Close()

	list, err := os.Open(opts.TransferList)
	if err != nil {
		return fmt.Errorf("failed to open transfer list: %w", err)
	}
	defer list.Close()

	tOpts := transfer.Options{
		Device:        dev,
		StashDir:      opts.StashDir,
		StashRetries:  opts.StashRetries,
		RetryInterval: opts.RetryInterval,
	}
	if opts.NewData != "" {
		r, err := openNewData(opts.NewData, opts.NewDataCodec)
		if err != nil {
			return err
		}
		defer r.Close()
		tOpts.NewData = r
	}
	if opts.Patches != "" {
		f, err := os.Open(opts.Patches)
		if err != nil {
			return fmt.Errorf("failed to open patch data: %w", err)
		}
		defer f.Close()
		fi, err := f.Stat()
		if err != nil {
			return fmt.Errorf("failed to stat patch data: %w", err)
		}
		tOpts.Patches = io.NewSectionReader(f, 0, fi.Size())
	}
	cs, closeCursors, err := openCursors(opts.Cursor, opts.Device, bs)
	if err != nil {
		return err
	}
	defer func() {
		if err := closeCursors(); err != nil {
			glog.Warningf("Failed to close cursor store: %v", err)
		}
	}()
	if opts.ResetCursor {
		glog.Infof("Discarding recorded progress")
		if err := cs.Init(); err != nil {
			return fmt.Errorf("failed to initialise cursor store: %w", err)
		}
		if err := cs.Clear(); err != nil {
			return fmt.Errorf("failed to clear cursor: %w", err)
		}
	}
	tOpts.Cursors = cs

	s, err := transfer.NewSession(tOpts)
	if err != nil {
		return err
	}

	// The session and the signal watcher run in one group: a signal cancels
	// the session, which then stops before its next command.
	g, gctx := errgroup.WithContext(ctx)
	done := make(chan struct{})
	var stats transfer.Stats
	g.Go(func() error {
		defer close(done)
		var err error
		stats, err = s.Run(gctx, list)
		return err
	})
	g.Go(func() error {
		return watchSignals(gctx, done)
	})
	if err := g.Wait(); err != nil {
		return err
	}
	if stats.AlreadyDone {
		fmt.Println("Update already applied")
	} else {
		fmt.Printf("Applied %d commands, wrote %d blocks\n", stats.Commands, stats.BlocksWritten)
	}
	return nil
}

func watchSignals(ctx context.Context, done <-chan struct{}) error {
	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigs)
	select {
	case sig := <-sigs:
		glog.Warningf("Received %v, stopping after the current command", sig)
		return ErrInterrupted
	case <-done:
		return nil
	case <-ctx.Done():
		return nil
	}
}

type readCloser struct {
	io.Reader
	closers []io.Closer
}

func (r readCloser) Close() error {
	var errs []error
	for _, c := range r.closers {
		if err := c.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// openNewData opens the new data stream, decompressing it according to
// codecName or, if that is empty, the file extension.
func openNewData(path, codecName string) (io.ReadCloser, error) {
	k := codec.KindFromPath(path)
	if codecName != "" {
		var err error
		if k, err = codec.ParseKind(codecName); err != nil {
			return nil, err
		}
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open new data: %w", err)
	}
	r, err := codec.Open(f, k)
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("failed to open %s new data: %w", k, err)
	}
	glog.V(1).Infof("Reading %s new data from %q", k, path)
	return readCloser{Reader: r, closers: []io.Closer{r, f}}, nil
}

// openCursors returns the cursor store described by c, and a function
// releasing its resources.
func openCursors(c config.Cursor, devicePath string, bs uint) (persistence.CursorStore, func() error, error) {
	nop := func() error { return nil }
	target := c.Target
	if target == "" {
		target = devicePath
	}
	switch c.Backend {
	case "", config.CursorNone:
		glog.Warningf("No cursor backend configured, an interrupted update will start again from scratch")
		return inmemory.NewPersistence(), nop, nil
	case config.CursorFile:
		return file.NewPersistence(c.Path), nop, nil
	case config.CursorSQLite:
		db, err := sql.Open("sqlite3", c.Path)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to open sqlite database: %w", err)
		}
		db.SetMaxOpenConns(1)
		return psql.NewPersistence(db, target), db.Close, nil
	case config.CursorMySQL:
		glog.Infof("Connecting to cursor DB")
		db, err := sql.Open("mysql", c.DSN)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to connect to DB: %w", err)
		}
		return psql.NewPersistence(db, target), db.Close, nil
	case config.CursorJournal:
		jdev, err := device.Open(c.Path, bs)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to open journal device: %w", err)
		}
		if end := c.JournalStart + c.JournalLength; end > jdev.NumBlocks() {
			jdev.Close()
			return nil, nil, fmt.Errorf("journal [%d, %d) lies beyond the %d blocks of %q", c.JournalStart, end, jdev.NumBlocks(), c.Path)
		}
		return journal.NewPersistence(jdev, c.JournalStart, c.JournalLength), jdev.Close, nil
	}
	return nil, nil, fmt.Errorf("unknown cursor backend %q", c.Backend)
}

// ExitCode maps the result of Main to the exit code of the tool.
func ExitCode(err error) int {
	if err == nil {
		return ExitSuccess
	}
	if errors.Is(err, ErrInterrupted) || errors.Is(err, context.Canceled) {
		return ExitRetry
	}
	switch transfer.Status(err) {
	case transfer.StatusAborted:
		return ExitAborted
	case transfer.StatusRetryable:
		return ExitRetry
	}
	return ExitFailure
}
