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

// block_update applies a transfer list to a block device or image file.
//
// Usage:
//   go run ./cmd/block_update/ --logtostderr --device=/dev/block/by-name/system \
//     --stash_dir=/cache/stash --transfer_list=system.transfer.list \
//     --new_data=system.new.dat.zst --patches=system.patch.dat \
//     --cursor_backend=file --cursor_path=/cache/system.cursor
//
// All settings can also be given in a yaml file with --config; flags which
// are set explicitly take precedence over the file.
//
// The exit code is 0 on success, 3 if the transfer list aborted because it
// does not apply to the device, 75 if the update should be run again later
// and 1 for any other failure.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"

	"github.com/golang/glog"
	"github.com/google/blockupdate/cmd/block_update/impl"
	"github.com/google/blockupdate/config"
)

var (
	configFile    = flag.String("config", "", "Path to a yaml file describing the update")
	devicePath    = flag.String("device", "", "Block device or image file to update")
	blockSize     = flag.Uint("block_size", config.DefaultBlockSize, "Block size of the transfer list in bytes")
	stashDir      = flag.String("stash_dir", "", "Directory for stashed blocks, on storage other than the device")
	transferList  = flag.String("transfer_list", "", "Path of the transfer list")
	newData       = flag.String("new_data", "", "Path of the new data stream")
	newDataCodec  = flag.String("new_data_codec", "", "Compression of the new data stream, one of [raw, zstd, zlib, lz4]; guessed from the extension if unset")
	patches       = flag.String("patches", "", "Path of the patch data")
	cursorBackend = flag.String("cursor_backend", config.CursorNone, "Where progress is recorded, one of [none, file, sqlite, mysql, journal]")
	cursorPath    = flag.String("cursor_path", "", "Cursor file, sqlite database, or device holding the journal")
	cursorDSN     = flag.String("cursor_dsn", "", "MySQL data source name for the mysql cursor backend")
	cursorTarget  = flag.String("cursor_target", "", "Key of this device's cursor in a shared database; defaults to --device")
	journalStart  = flag.Uint64("journal_start", 0, "First block of the cursor journal")
	journalLength = flag.Uint64("journal_length", 0, "Length in blocks of the cursor journal")
	stashRetries  = flag.Uint64("stash_retries", 0, "Times to retry a command which ran out of stash space")
	retryInterval = flag.Duration("retry_interval", 0, "Initial backoff between stash space retries")
	resetCursor   = flag.Bool("reset_cursor", false, "Discard recorded progress and apply the whole transfer list")
)

func main() {
	flag.Parse()

	u, err := loadConfig()
	if err != nil {
		glog.Exit(err.Error())
	}
	err = impl.Main(context.Background(), impl.Opts{
		Update:      u,
		ResetCursor: *resetCursor,
	})
	if err != nil {
		glog.Errorf("Update failed: %v", err)
		glog.Flush()
		os.Exit(impl.ExitCode(err))
	}
}

// loadConfig reads --config, if given, and applies explicitly set flags on top.
func loadConfig() (config.Update, error) {
	u := config.Update{}
	if *configFile != "" {
		b, err := os.ReadFile(*configFile)
		if err != nil {
			return u, fmt.Errorf("failed to read config: %w", err)
		}
		if u, err = config.Parse(b); err != nil {
			return u, err
		}
	}
	set := map[string]bool{}
	flag.Visit(func(f *flag.Flag) { set[f.Name] = true })
	override := func(name string, apply func()) {
		if set[name] || *configFile == "" {
			apply()
		}
	}
	override("device", func() { u.Device = *devicePath })
	override("block_size", func() { u.BlockSize = *blockSize })
	override("stash_dir", func() { u.StashDir = *stashDir })
	override("transfer_list", func() { u.TransferList = *transferList })
	override("new_data", func() { u.NewData = *newData })
	override("new_data_codec", func() { u.NewDataCodec = *newDataCodec })
	override("patches", func() { u.Patches = *patches })
	override("cursor_backend", func() { u.Cursor.Backend = *cursorBackend })
	override("cursor_path", func() { u.Cursor.Path = *cursorPath })
	override("cursor_dsn", func() { u.Cursor.DSN = *cursorDSN })
	override("cursor_target", func() { u.Cursor.Target = *cursorTarget })
	override("journal_start", func() { u.Cursor.JournalStart = *journalStart })
	override("journal_length", func() { u.Cursor.JournalLength = *journalLength })
	override("stash_retries", func() { u.StashRetries = *stashRetries })
	override("retry_interval", func() { u.RetryInterval = *retryInterval })
	return u, nil
}
