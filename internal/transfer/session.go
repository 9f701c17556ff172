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

// Package transfer applies transfer lists to block devices.
//
// A transfer list is a small script of block level commands which turns the
// old image on a device into the new one. Progress is recorded in a cursor
// after every command, so that an interrupted update can be resumed, and
// blocks which are needed after they are overwritten are kept in a stash.
package transfer

import (
	"context"
	"crypto/sha1"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/golang/glog"
	"github.com/google/blockupdate/internal/codec"
	"github.com/google/blockupdate/internal/device"
	"github.com/google/blockupdate/internal/patch"
	"github.com/google/blockupdate/internal/persistence"
	"github.com/google/blockupdate/internal/persistence/inmemory"
	"github.com/google/blockupdate/internal/stash"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// PatchSource is the patch data addressed by bsdiff and imgdiff commands.
// *bytes.Reader and *io.SectionReader satisfy it.
type PatchSource interface {
	io.ReaderAt
	// Size returns the length of the patch data in bytes.
	Size() int64
}

// Options configures a Session.
type Options struct {
	// Device is the block device being updated. Required.
	Device device.Device
	// StashDir is where stash entries are kept. Required.
	StashDir string
	// NewData supplies the literal data consumed by new commands.
	NewData io.Reader
	// Patches holds the patch blobs addressed by bsdiff and imgdiff commands.
	Patches PatchSource
	// Applier applies patches. Defaults to patch.New().
	Applier patch.Applier
	// Cursors persists the resume cursor. Defaults to an in-memory store,
	// with which an update cannot be resumed by a later process.
	Cursors persistence.CursorStore
	// StashRetries bounds how many times a command which ran out of stash
	// space is retried. Zero disables retries.
	StashRetries uint64
	// RetryInterval is the initial backoff between retries.
	RetryInterval time.Duration
	// FreeStashSpace, if set, is called before every retry of a command
	// which ran out of stash space.
	FreeStashSpace func(ctx context.Context) error
}

// Stats summarises a Run.
type Stats struct {
	Header Header
	// Commands is the number of commands executed in this run, and Skipped
	// the number passed over because the cursor showed them applied.
	Commands int
	Skipped  int
	NoOps    int
	Retries  int
	// BlocksWritten counts blocks written to the device.
	BlocksWritten uint64
	// StashedBlocks counts blocks written to the stash.
	StashedBlocks uint64
	// AlreadyDone is set if the list had been completely applied before.
	AlreadyDone bool
}

// Session holds the state of one update attempt.
// Sessions must not be used concurrently, and only one session may run
// against a device at a time.
type Session struct {
	opts    Options
	dev     device.Device
	bs      uint
	store   *stash.Store
	applier patch.Applier
	cursors persistence.CursorStore

	listID       string
	header       Header
	storeCreated bool
	// stashed tracks the size in blocks of entries written by this session.
	stashed map[string]uint64
	// discardWarned is set once an unsupported discard has been logged.
	discardWarned bool
	stats         Stats
}

// NewSession creates a session which will update opts.Device.
func NewSession(opts Options) (*Session, error) {
	if opts.Device == nil {
		return nil, errors.New("no device")
	}
	if opts.StashDir == "" {
		return nil, errors.New("no stash directory")
	}
	s := &Session{
		opts:    opts,
		dev:     opts.Device,
		bs:      opts.Device.BlockSize(),
		applier: opts.Applier,
		cursors: opts.Cursors,
		stashed: make(map[string]uint64),
	}
	if s.applier == nil {
		s.applier = patch.New()
	}
	if s.cursors == nil {
		s.cursors = inmemory.NewPersistence()
	}
	st, err := stash.New(opts.StashDir, s.bs)
	if err != nil {
		return nil, fmt.Errorf("failed to create stash: %w", err)
	}
	s.store = st
	return s, nil
}

// Run applies the transfer list read from list.
//
// Commands are executed strictly in order. After each one the device is
// synced and only then is the cursor advanced, so a cursor never claims
// more than is durable on the device. A fresh run records a cursor before
// its first command, so that a run cut short at any point is resumed rather
// than restarted. If ctx is cancelled, Run stops before the next command;
// if a command runs out of stash space, Run stops after it. Both leave the
// stash and cursor in place for a later resumption. Any other outcome ends
// the session and frees the stash.
//
// Failures are returned as *CommandError values; use Status to map them to
// the caller-facing status.
func (s *Session) Run(ctx context.Context, list io.Reader) (Stats, error) {
	raw, err := io.ReadAll(list)
	if err != nil {
		return s.stats, fmt.Errorf("failed to read transfer list: %w", err)
	}
	s.listID = ListID(raw)
	h, lines, err := splitList(string(raw))
	if err != nil {
		return s.stats, err
	}
	s.header = h
	s.stats.Header = h
	glog.Infof("Applying transfer list %s (%s, %d commands) to %d blocks of %d bytes", s.listID[:8], h, len(lines), s.dev.NumBlocks(), s.bs)

	if err := s.cursors.Init(); err != nil {
		return s.stats, fmt.Errorf("failed to initialise cursor store: %w", err)
	}
	resume, found, done, err := s.loadCursor(len(lines))
	if err != nil {
		return s.stats, err
	}
	if done {
		glog.Infof("Transfer list %s has already been applied", s.listID[:8])
		s.stats.AlreadyDone = true
		s.endSession()
		return s.stats, nil
	}

	if err := s.openStash(!found); err != nil {
		return s.stats, err
	}
	if !found {
		// From here on a crash may leave stash entries which a resumed run
		// needs, so the run must be recognisable as started.
		if err := s.cursors.Write(persistence.Cursor{ListID: s.listID}); err != nil {
			return s.stats, &CommandError{Code: IOError, Err: fmt.Errorf("failed to persist cursor: %w", err)}
		}
	}

	for i, l := range lines {
		if i < resume {
			if err := s.skip(l); err != nil {
				s.endSession()
				return s.stats, err
			}
			continue
		}
		if err := ctx.Err(); err != nil {
			glog.Infof("Update interrupted before line %d; %d of %d commands applied", l.no, i, len(lines))
			return s.stats, fmt.Errorf("interrupted after %d commands: %w", i, err)
		}
		if err := s.apply(ctx, l); err != nil {
			switch CodeOf(err) {
			case StashSpaceExhausted:
				// Retryable: keep the stash and cursor for the next attempt.
				glog.Warningf("Stopping at line %d, %d of %d commands applied: %v", l.no, i, len(lines), err)
				return s.stats, err
			case Aborted:
				glog.Warningf("Transfer list aborted at line %d", l.no)
			default:
				glog.Errorf("Failed to apply transfer list: %v", err)
			}
			s.endSession()
			return s.stats, err
		}
		if err := s.dev.Sync(); err != nil {
			s.endSession()
			return s.stats, &CommandError{Code: IOError, Line: l.no, Err: fmt.Errorf("failed to sync device: %w", err)}
		}
		if err := s.cursors.Write(persistence.Cursor{ListID: s.listID, Applied: i + 1}); err != nil {
			s.endSession()
			return s.stats, &CommandError{Code: IOError, Line: l.no, Err: fmt.Errorf("failed to persist cursor: %w", err)}
		}
	}

	if err := s.cursors.Write(persistence.Cursor{ListID: s.listID, Applied: len(lines), Done: true}); err != nil {
		s.endSession()
		return s.stats, &CommandError{Code: IOError, Err: fmt.Errorf("failed to persist cursor: %w", err)}
	}
	s.endSession()
	s.logStats()
	return s.stats, nil
}

// loadCursor returns the number of commands already applied, whether a
// cursor for this list was found at all, and whether the whole list has
// been applied.
func (s *Session) loadCursor(n int) (applied int, found, done bool, err error) {
	c, err := s.cursors.Read()
	switch {
	case status.Code(err) == codes.NotFound:
		return 0, false, false, nil
	case err != nil:
		return 0, false, false, fmt.Errorf("failed to read cursor: %w", err)
	}
	if c.ListID != s.listID {
		glog.Infof("Cursor refers to transfer list %.8s, starting afresh", c.ListID)
		return 0, false, false, nil
	}
	if c.Applied < 0 || c.Applied > n {
		return 0, false, false, fmt.Errorf("cursor claims %d of %d commands applied", c.Applied, n)
	}
	if c.Done {
		return n, true, true, nil
	}
	glog.Infof("Resuming transfer list %.8s after %d of %d commands", s.listID, c.Applied, n)
	return c.Applied, true, false, nil
}

// openStash prepares the stash. A fresh update starts with an empty stash,
// while a resumed one needs the entries left by the interrupted run.
func (s *Session) openStash(fresh bool) error {
	existed, err := s.store.CreateSpace(fresh)
	if err != nil {
		return &CommandError{Code: IOError, Err: err}
	}
	s.storeCreated = !existed
	if !fresh && s.storeCreated {
		glog.Warningf("Resuming without stash %q; commands which need it will fail", s.store.Dir())
	}
	if fresh && s.header.MaxStashBlocks > 0 {
		if err := s.store.EnsureCapacity(s.header.MaxStashBlocks * uint64(s.bs)); err != nil {
			return &CommandError{Code: StashSpaceExhausted, Err: err}
		}
	}
	return nil
}

// skip passes over an applied line. The new data for it is still consumed
// so that later new commands read from the right place.
func (s *Session) skip(l line) error {
	c, err := s.parse(l)
	if err != nil {
		return err
	}
	s.stats.Skipped++
	if c.Op != OpNew {
		return nil
	}
	if s.opts.NewData == nil {
		return &CommandError{Code: IOError, Line: l.no, Op: c.Op.String(), Err: errors.New("no new data stream")}
	}
	if err := codec.Discard(s.opts.NewData, c.Target.TotalBlocks()*uint64(s.bs)); err != nil {
		return &CommandError{Code: IOError, Line: l.no, Op: c.Op.String(), Err: fmt.Errorf("failed to skip new data: %w", err)}
	}
	return nil
}

// apply parses and executes one line, retrying it if it runs out of stash
// space and retries are enabled.
func (s *Session) apply(ctx context.Context, l line) error {
	c, err := s.parse(l)
	if err != nil {
		return err
	}
	f := Executor(c.Op)
	if f == nil {
		return &CommandError{Code: UnknownOpcode, Line: l.no, Op: c.Op.String()}
	}
	glog.V(1).Infof("line %d: %s", l.no, c.Raw)

	var code Code
	op := func() error {
		var err error
		code, err = f(ctx, s, c)
		if code == StashSpaceExhausted {
			if s.opts.FreeStashSpace != nil {
				if ferr := s.opts.FreeStashSpace(ctx); ferr != nil {
					glog.Warningf("Failed to free stash space: %v", ferr)
				}
			}
			s.stats.Retries++
			return err
		}
		if err != nil {
			return backoff.Permanent(err)
		}
		return nil
	}
	if s.opts.StashRetries == 0 {
		err = op()
		var pe *backoff.PermanentError
		if errors.As(err, &pe) {
			err = pe.Err
		}
	} else {
		bo := backoff.NewExponentialBackOff()
		if s.opts.RetryInterval > 0 {
			bo.InitialInterval = s.opts.RetryInterval
		}
		err = backoff.Retry(op, backoff.WithContext(backoff.WithMaxRetries(bo, s.opts.StashRetries), ctx))
	}
	if code == StashSpaceExhausted {
		// The last attempt is not a retry.
		s.stats.Retries--
	}
	s.stats.Commands++
	if code == SuccessNoOp {
		s.stats.NoOps++
		glog.V(1).Infof("line %d: target already up to date", l.no)
	}
	if !code.OK() {
		if err == nil {
			err = errors.New(code.String())
		}
		return &CommandError{Code: code, Line: l.no, Op: c.Op.String(), Err: err}
	}
	return nil
}

// parse parses l and checks that it stays within the device.
func (s *Session) parse(l line) (*Command, error) {
	c, err := ParseCommand(l.text, l.no)
	if err != nil {
		return nil, err
	}
	if err := s.checkBounds(c); err != nil {
		return nil, &CommandError{Code: ParseError, Line: l.no, Op: c.Op.String(), Err: err}
	}
	return c, nil
}

// endSession releases the stash.
func (s *Session) endSession() {
	if err := s.store.Remove(); err != nil {
		glog.Warningf("Failed to remove stash %q: %v", s.store.Dir(), err)
	}
}

func (s *Session) logStats() {
	glog.Infof("Applied %d commands (%d skipped, %d already up to date, %d retries)", s.stats.Commands, s.stats.Skipped, s.stats.NoOps, s.stats.Retries)
	if t := s.header.TotalBlocks; t > 0 {
		glog.Infof("Wrote %d blocks, transfer list declares %d", s.stats.BlocksWritten, t)
	} else {
		glog.Infof("Wrote %d blocks", s.stats.BlocksWritten)
	}
	glog.Infof("Stashed %d blocks (%d bytes)", s.stats.StashedBlocks, s.stats.StashedBlocks*uint64(s.bs))
}

// ListID returns the identifier recorded in cursors for the transfer list text.
func ListID(list []byte) string {
	return hashBytes(list)
}

// hashBytes returns the lower case hex SHA-1 of b, the hash used throughout
// transfer lists.
func hashBytes(b []byte) string {
	h := sha1.Sum(b)
	return hex.EncodeToString(h[:])
}
