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

package config

import (
	"os"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
)

func TestExampleConfig(t *testing.T) {
	bs, err := os.ReadFile("example_update_config.yaml")
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	u, err := Parse(bs)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if err := u.Validate(); err != nil {
		t.Errorf("Validate: %v", err)
	}
	want := Update{
		Device:        "/dev/block/by-name/system",
		BlockSize:     4096,
		StashDir:      "/cache/recovery/stash",
		TransferList:  "/tmp/update/system.transfer.list",
		NewData:       "/tmp/update/system.new.dat.zst",
		Patches:       "/tmp/update/system.patch.dat",
		StashRetries:  3,
		RetryInterval: 500 * time.Millisecond,
		Cursor: Cursor{
			Backend:       CursorJournal,
			Path:          "/dev/block/by-name/misc",
			JournalStart:  16,
			JournalLength: 8,
		},
	}
	if diff := cmp.Diff(want, u); diff != "" {
		t.Errorf("Parse diff (-want +got):\n%s", diff)
	}
}

func TestParseRejects(t *testing.T) {
	for _, test := range []struct {
		desc string
		yaml string
	}{
		{desc: "unknown field", yaml: "Device: /dev/sda\nDevise: /dev/sdb\n"},
		{desc: "duplicate field", yaml: "Device: /dev/sda\nDevice: /dev/sdb\n"},
		{desc: "bad duration", yaml: "RetryInterval: soon\n"},
	} {
		t.Run(test.desc, func(t *testing.T) {
			if _, err := Parse([]byte(test.yaml)); err == nil {
				t.Error("Parse expected error, but got none")
			}
		})
	}
}

func TestValidate(t *testing.T) {
	valid := Update{
		Device:       "/dev/sda",
		StashDir:     "/cache/stash",
		TransferList: "/tmp/list",
	}
	for _, test := range []struct {
		desc    string
		modify  func(u *Update)
		wantErr bool
	}{
		{desc: "minimal", modify: func(*Update) {}},
		{desc: "no device", modify: func(u *Update) { u.Device = "" }, wantErr: true},
		{desc: "no stash", modify: func(u *Update) { u.StashDir = "" }, wantErr: true},
		{desc: "no list", modify: func(u *Update) { u.TransferList = "" }, wantErr: true},
		{desc: "block size 512", modify: func(u *Update) { u.BlockSize = 512 }},
		{desc: "block size 1000", modify: func(u *Update) { u.BlockSize = 1000 }, wantErr: true},
		{desc: "block size 1536", modify: func(u *Update) { u.BlockSize = 1536 }, wantErr: true},
		{desc: "codec", modify: func(u *Update) { u.NewDataCodec = "LZ4" }},
		{desc: "unknown codec", modify: func(u *Update) { u.NewDataCodec = "rar" }, wantErr: true},
		{desc: "negative interval", modify: func(u *Update) { u.RetryInterval = -time.Second }, wantErr: true},
		{desc: "none backend", modify: func(u *Update) { u.Cursor.Backend = CursorNone }},
		{desc: "file backend", modify: func(u *Update) { u.Cursor = Cursor{Backend: CursorFile, Path: "/cache/cursor"} }},
		{desc: "file backend without path", modify: func(u *Update) { u.Cursor = Cursor{Backend: CursorFile} }, wantErr: true},
		{desc: "sqlite backend without path", modify: func(u *Update) { u.Cursor = Cursor{Backend: CursorSQLite} }, wantErr: true},
		{desc: "mysql backend", modify: func(u *Update) { u.Cursor = Cursor{Backend: CursorMySQL, DSN: "u:p@tcp(db)/ota"} }},
		{desc: "mysql backend without dsn", modify: func(u *Update) { u.Cursor = Cursor{Backend: CursorMySQL} }, wantErr: true},
		{desc: "journal backend without length", modify: func(u *Update) { u.Cursor = Cursor{Backend: CursorJournal, Path: "/dev/misc"} }, wantErr: true},
		{desc: "unknown backend", modify: func(u *Update) { u.Cursor.Backend = "etcd" }, wantErr: true},
	} {
		t.Run(test.desc, func(t *testing.T) {
			u := valid
			test.modify(&u)
			if err := u.Validate(); (err != nil) != test.wantErr {
				t.Errorf("Validate() = %v, wantErr %t", err, test.wantErr)
			}
		})
	}
}

func TestEffectiveBlockSize(t *testing.T) {
	if got := (Update{}).EffectiveBlockSize(); got != DefaultBlockSize {
		t.Errorf("got %d, want %d", got, DefaultBlockSize)
	}
	if got := (Update{BlockSize: 512}).EffectiveBlockSize(); got != 512 {
		t.Errorf("got %d, want 512", got)
	}
}
