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

// range_hash prints the content hash of ranges of blocks on a device, in the
// form used by transfer lists. Package scripts use it to check whether a
// device holds the expected image before and after an update.
//
// Usage:
//   go run ./cmd/range_hash/ --device=/dev/block/by-name/system 2,0,1024 4,0,10,20,30
package main

import (
	"flag"
	"fmt"

	"github.com/golang/glog"
	"github.com/google/blockupdate/config"
	"github.com/google/blockupdate/internal/device"
	"github.com/google/blockupdate/internal/rangeset"
	"github.com/google/blockupdate/internal/transfer"
)

var (
	devicePath = flag.String("device", "", "Block device or image file to read")
	blockSize  = flag.Uint("block_size", config.DefaultBlockSize, "Block size in bytes")
)

func main() {
	flag.Parse()
	if *devicePath == "" || flag.NArg() == 0 {
		glog.Exit("usage: range_hash --device=<path> <ranges>...")
	}

	dev, err := device.Open(*devicePath, *blockSize)
	if err != nil {
		glog.Exitf("Failed to open device: %v", err)
	}
	defer dev.Close()

	for _, arg := range flag.Args() {
		rs, err := rangeset.Parse(arg)
		if err != nil {
			glog.Exitf("Invalid ranges: %v", err)
		}
		h, err := transfer.RangeHash(dev, rs)
		if err != nil {
			glog.Exitf("Failed to hash %s: %v", rs, err)
		}
		fmt.Printf("%s %s\n", h, rs)
	}
}
