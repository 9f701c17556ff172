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

// Package stash provides a content-addressed scratch area for blocks which
// must outlive being overwritten on the device under update.
//
// The on-disk structure is:
//
//	<dir>/<hexhash>          stashed blocks
//	<dir>/<hexhash>.partial  an entry being written
//
// Every entry holds a whole number of blocks. Entries are named by the hash
// of their content, so writing the same content twice yields the same file.
//
// A Store is not safe for concurrent use.
package stash

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/golang/glog"
	"golang.org/x/sys/unix"
)

const (
	// dirPerm is the mode of the stash directory.
	dirPerm = 0700
	// filePerm is the mode of stash entries.
	filePerm = 0600

	// systemUID and systemGID own the stash when the updater runs privileged.
	systemUID = 1000
	systemGID = 1000

	partialSuffix = ".partial"

	// maxNameLen bounds entry names; a SHA-512 hex digest is 128 characters.
	maxNameLen = 128
)

var (
	// ErrSpaceExhausted is returned by Write when the stash filesystem could
	// not take the data. The caller may free space and retry.
	ErrSpaceExhausted = errors.New("stash space exhausted")

	// ErrInvalidName is returned when an entry name is not a hex hash.
	ErrInvalidName = errors.New("invalid stash entry name")
)

// Store is a stash area rooted at a directory.
type Store struct {
	dir       string
	blockSize uint
}

// New returns a Store for the stash area at dir. The area is not touched
// until CreateSpace is called.
func New(dir string, blockSize uint) (*Store, error) {
	if blockSize == 0 {
		return nil, errors.New("zero block size")
	}
	if dir == "" {
		return nil, errors.New("empty stash directory")
	}
	return &Store{
		dir:       filepath.Clean(dir),
		blockSize: blockSize,
	}, nil
}

// Dir returns the stash directory.
func (s *Store) Dir() string {
	return s.dir
}

// ValidName returns an error if name cannot be used as an entry name.
// Names come from transfer lists, so nothing but hex digits is accepted.
func ValidName(name string) error {
	if l := len(name); l == 0 || l > maxNameLen {
		return fmt.Errorf("%w: %q has length %d", ErrInvalidName, name, l)
	}
	for _, c := range name {
		if !(c >= '0' && c <= '9' || c >= 'a' && c <= 'f' || c >= 'A' && c <= 'F') {
			return fmt.Errorf("%w: %q contains %q", ErrInvalidName, name, c)
		}
	}
	return nil
}

func (s *Store) path(name string) (string, error) {
	if err := ValidName(name); err != nil {
		return "", err
	}
	return filepath.Join(s.dir, name), nil
}

// CreateSpace creates the stash directory if it does not exist.
// If it already exists and needClear is set, all entries in it are deleted;
// failures to delete individual entries are logged but not fatal.
// It returns true if the directory already existed.
func (s *Store) CreateSpace(needClear bool) (bool, error) {
	fi, err := os.Stat(s.dir)
	switch {
	case err == nil:
		if !fi.IsDir() {
			return false, fmt.Errorf("stash %q is not a directory", s.dir)
		}
		if needClear {
			glog.Infof("Clearing existing stash %q", s.dir)
			if err := s.FreeSpace(); err != nil {
				return true, err
			}
		}
		return true, nil
	case errors.Is(err, os.ErrNotExist):
	default:
		return false, fmt.Errorf("failed to stat stash %q: %w", s.dir, err)
	}

	glog.Infof("Creating stash %q", s.dir)
	if err := os.MkdirAll(s.dir, dirPerm); err != nil {
		return false, fmt.Errorf("failed to create stash %q: %w", s.dir, err)
	}
	if err := os.Chmod(s.dir, dirPerm); err != nil {
		return false, fmt.Errorf("failed to chmod stash %q: %w", s.dir, err)
	}
	if err := setOwner(s.dir); err != nil {
		return false, err
	}
	return false, nil
}

// Write stores data as the entry name.
// The data is written to a temporary file which is synced and then renamed
// into place, and the directory is synced so the new name is durable too.
// Running out of space (EIO or ENOSPC from the write) yields ErrSpaceExhausted.
func (s *Store) Write(name string, data []byte) error {
	p, err := s.path(name)
	if err != nil {
		return err
	}
	if r := uint(len(data)) % s.blockSize; r != 0 {
		return fmt.Errorf("stash entry %q: %d bytes is not a whole number of %d byte blocks", name, len(data), s.blockSize)
	}
	tmp := p + partialSuffix
	if err := writeSynced(tmp, data); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("stash entry %q: %w", name, err)
	}
	if err := os.Rename(tmp, p); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("failed to rename %q to %q: %w", tmp, p, err)
	}
	return syncDir(s.dir)
}

func writeSynced(p string, data []byte) (err error) {
	f, err := os.OpenFile(p, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, filePerm)
	if err != nil {
		return fmt.Errorf("failed to create %q: %w", p, err)
	}
	defer func() {
		if cerr := f.Close(); cerr != nil && err == nil {
			err = fmt.Errorf("failed to close %q: %w", p, cerr)
		}
	}()
	if err := setOwner(p); err != nil {
		return err
	}
	if _, err := f.Write(data); err != nil {
		if errors.Is(err, unix.EIO) || errors.Is(err, unix.ENOSPC) {
			return fmt.Errorf("%w: %v", ErrSpaceExhausted, err)
		}
		return fmt.Errorf("failed to write %q: %w", p, err)
	}
	if err := f.Sync(); err != nil {
		if errors.Is(err, unix.EIO) || errors.Is(err, unix.ENOSPC) {
			return fmt.Errorf("%w: %v", ErrSpaceExhausted, err)
		}
		return fmt.Errorf("failed to sync %q: %w", p, err)
	}
	return nil
}

// Load returns the content of the entry name.
func (s *Store) Load(name string) ([]byte, error) {
	p, err := s.path(name)
	if err != nil {
		return nil, err
	}
	f, err := os.Open(p)
	if err != nil {
		return nil, fmt.Errorf("failed to open stash entry %q: %w", name, err)
	}
	defer f.Close()
	fi, err := f.Stat()
	if err != nil {
		return nil, fmt.Errorf("failed to stat stash entry %q: %w", name, err)
	}
	if fi.Size()%int64(s.blockSize) != 0 {
		return nil, fmt.Errorf("stash entry %q has size %d, not a multiple of the %d byte block size", name, fi.Size(), s.blockSize)
	}
	b := make([]byte, fi.Size())
	if _, err := f.ReadAt(b, 0); err != nil && fi.Size() > 0 {
		return nil, fmt.Errorf("failed to read stash entry %q: %w", name, err)
	}
	return b, nil
}

// Has returns true if an entry called name exists.
func (s *Store) Has(name string) bool {
	p, err := s.path(name)
	if err != nil {
		return false
	}
	fi, err := os.Stat(p)
	return err == nil && fi.Mode().IsRegular()
}

// Free deletes the entry name. Deleting an entry which does not exist is not an error.
func (s *Store) Free(name string) error {
	p, err := s.path(name)
	if err != nil {
		return err
	}
	if err := os.Remove(p); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("failed to free stash entry %q: %w", name, err)
	}
	return nil
}

// FreeSpace deletes every file in the stash directory.
// Individual failures are logged; only failing to list the directory is an error.
func (s *Store) FreeSpace() error {
	ents, err := os.ReadDir(s.dir)
	if err != nil {
		return fmt.Errorf("failed to list stash %q: %w", s.dir, err)
	}
	for _, e := range ents {
		if e.IsDir() {
			continue
		}
		p := filepath.Join(s.dir, e.Name())
		if err := os.Remove(p); err != nil {
			glog.Warningf("Failed to delete stash file %q: %v", p, err)
		}
	}
	return nil
}

// Remove deletes every entry and then the stash directory itself.
func (s *Store) Remove() error {
	if err := s.FreeSpace(); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return err
	}
	if err := os.Remove(s.dir); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("failed to remove stash %q: %w", s.dir, err)
	}
	return nil
}

// UsedBytes returns the total size of the complete entries in the stash.
func (s *Store) UsedBytes() (uint64, error) {
	ents, err := os.ReadDir(s.dir)
	if err != nil {
		return 0, fmt.Errorf("failed to list stash %q: %w", s.dir, err)
	}
	var t uint64
	for _, e := range ents {
		if e.IsDir() || strings.HasSuffix(e.Name(), partialSuffix) {
			continue
		}
		fi, err := e.Info()
		if err != nil {
			return 0, fmt.Errorf("failed to stat %q: %w", e.Name(), err)
		}
		t += uint64(fi.Size())
	}
	return t, nil
}

// EnsureCapacity returns an error if the filesystem holding the stash has
// fewer than n bytes available.
func (s *Store) EnsureCapacity(n uint64) error {
	var st unix.Statfs_t
	if err := unix.Statfs(s.dir, &st); err != nil {
		return fmt.Errorf("failed to statfs %q: %w", s.dir, err)
	}
	avail := uint64(st.Bavail) * uint64(st.Bsize)
	if avail < n {
		return fmt.Errorf("%w: %d bytes needed in %q, %d available", ErrSpaceExhausted, n, s.dir, avail)
	}
	return nil
}

// setOwner hands p to the system user. Unprivileged callers cannot give
// files away, so their files stay owned by them.
func setOwner(p string) error {
	if os.Geteuid() != 0 {
		return nil
	}
	if err := os.Lchown(p, systemUID, systemGID); err != nil {
		return fmt.Errorf("failed to chown %q: %w", p, err)
	}
	return nil
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
