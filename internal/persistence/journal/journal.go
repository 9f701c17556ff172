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

// Package journal stores the resume cursor in a reserved region of raw blocks,
// such as a misc partition, where no filesystem is available.
package journal

import (
	"bytes"
	"crypto/sha256"
	"encoding/binary"
	"fmt"
	"io"

	"github.com/google/blockupdate/internal/device"
)

// magic is the only known record header prefix.
const magic = "BUJ1"

// Journal implements a record-based format which provides a resilient storage.
// Each update appends a new revisioned record; the latest record which
// verifies is the current one. This structure is not thread-safe.
type Journal struct {
	dev          device.BlockReaderWriter
	start        uint64
	length       uint64
	current      entry
	nextBlock    uint64
	maxDataBytes uint64
}

// entry represents a record in the journal.
type entry struct {
	// Magic allows quick rejection of blocks which do not start a record.
	Magic [4]byte
	// Revision is one greater than that of the previous record.
	Revision uint32
	// DataLen is the length in bytes of Data.
	DataLen uint64
	// DataSHA256 is the SHA256 hash of Data.
	DataSHA256 [32]byte
	// Data is the application data carried by this record.
	Data []byte
}

const (
	// entryHeaderSize is the on-disk size of an entry without application data.
	entryHeaderSize = 4 + 4 + 8 + 32

	// minEntries is the number of maximally sized records the journal must be
	// able to hold. With three, a torn write can destroy at most the oldest
	// of the two surviving records.
	minEntries = 3
)

func (e *entry) size() uint64 {
	return entryHeaderSize + uint64(len(e.Data))
}

// Open returns a journal stored in the [start, start+length) range of blocks
// of dev, positioned after its latest valid record.
func Open(dev device.BlockReaderWriter, start, length uint64) (*Journal, error) {
	bs := uint64(dev.BlockSize())
	if length*bs/minEntries <= entryHeaderSize {
		return nil, fmt.Errorf("journal of %d blocks is too small", length)
	}
	j := &Journal{
		dev:          dev,
		start:        start,
		length:       length,
		maxDataBytes: length*bs/minEntries - entryHeaderSize,
	}
	if err := j.init(); err != nil {
		return nil, err
	}
	return j, nil
}

// Data returns the application data from the most recent valid record in the
// journal, along with its revision number. A zero revision means nothing has
// been written yet.
func (j *Journal) Data() ([]byte, uint32) {
	return j.current.Data, j.current.Revision
}

// Update writes a new record holding data.
func (j *Journal) Update(data []byte) error {
	if l := uint64(len(data)); l > j.maxDataBytes {
		return fmt.Errorf("attempting to write %d bytes, larger than the max permitted in this journal (%d bytes)", l, j.maxDataBytes)
	}
	e := entry{
		Magic:      [4]byte{magic[0], magic[1], magic[2], magic[3]},
		Revision:   j.current.Revision + 1,
		DataLen:    uint64(len(data)),
		DataSHA256: sha256.Sum256(data),
		Data:       data,
	}

	bs := uint64(j.dev.BlockSize())
	if (j.start+j.length-j.nextBlock)*bs < e.size() {
		// The record won't fit in the remaining space, so wrap around.
		j.nextBlock = j.start
	}
	buf := &bytes.Buffer{}
	if err := marshalEntry(e, buf); err != nil {
		return fmt.Errorf("failed to marshal entry: %v", err)
	}
	if r := uint64(buf.Len()) % bs; r != 0 {
		buf.Write(make([]byte, bs-r))
	}
	if err := j.dev.WriteBlocks(j.nextBlock, buf.Bytes()); err != nil {
		return err
	}
	j.current = e
	j.nextBlock += uint64(buf.Len()) / bs
	if j.nextBlock >= j.start+j.length {
		j.nextBlock = j.start
	}
	return nil
}

// init scans the journal to find the latest valid record, if any.
func (j *Journal) init() error {
	lba := j.start
	var last entry
	next := j.start
	for lba < j.start+j.length {
		br := newBlockReader(j.dev, lba, j.start+j.length)
		e, err := unmarshalEntry(br, j.maxDataBytes)
		if err != nil {
			if last.Revision > 0 {
				break
			}
			// Either the journal is empty, or the records at its start were
			// torn by a failed write. Keep scanning block by block.
			lba++
			continue
		}
		if e.Revision == last.Revision {
			return fmt.Errorf("journal is corrupt - found two entries with the same revision (%d)", e.Revision)
		}
		if e.Revision < last.Revision {
			// An older record following a newer one: we're done.
			next = lba
			break
		}
		last = *e
		lba = (br.pos-1)/br.bs + 1
		next = lba
	}
	if next >= j.start+j.length {
		next = j.start
	}
	j.nextBlock = next
	j.current = last
	return nil
}

// unmarshalEntry reads and deserialises an entry from r.
func unmarshalEntry(r io.Reader, maxData uint64) (*entry, error) {
	e := &entry{}
	if err := binary.Read(r, binary.BigEndian, &e.Magic); err != nil {
		return nil, fmt.Errorf("failed to read magic: %v", err)
	}
	if string(e.Magic[:]) != magic {
		return nil, fmt.Errorf("invalid header magic %v", e.Magic)
	}
	if err := binary.Read(r, binary.BigEndian, &e.Revision); err != nil {
		return nil, fmt.Errorf("failed to read revision: %v", err)
	}
	if err := binary.Read(r, binary.BigEndian, &e.DataLen); err != nil {
		return nil, fmt.Errorf("failed to read data length: %v", err)
	}
	if e.DataLen > maxData {
		return nil, fmt.Errorf("data length %d exceeds journal maximum %d", e.DataLen, maxData)
	}
	if err := binary.Read(r, binary.BigEndian, &e.DataSHA256); err != nil {
		return nil, fmt.Errorf("failed to read data SHA256: %v", err)
	}
	e.Data = make([]byte, e.DataLen)
	if _, err := io.ReadFull(r, e.Data); err != nil {
		return nil, fmt.Errorf("failed to read data: %v", err)
	}
	if h := sha256.Sum256(e.Data); !bytes.Equal(h[:], e.DataSHA256[:]) {
		return nil, fmt.Errorf("incorrect data SHA256 (%x), header claims (%x)", h, e.DataSHA256[:])
	}
	return e, nil
}

// marshalEntry serialises e into w.
func marshalEntry(e entry, w io.Writer) error {
	for _, v := range []interface{}{e.Magic, e.Revision, e.DataLen, e.DataSHA256} {
		if err := binary.Write(w, binary.BigEndian, v); err != nil {
			return err
		}
	}
	_, err := w.Write(e.Data)
	return err
}

// blockReader provides an io.Reader over consecutive device blocks, ending
// at block limit.
type blockReader struct {
	dev   device.BlockReaderWriter
	bs    uint64
	buf   []byte
	pos   uint64
	limit uint64
}

func newBlockReader(dev device.BlockReaderWriter, lba, limit uint64) *blockReader {
	bs := uint64(dev.BlockSize())
	return &blockReader{
		dev:   dev,
		bs:    bs,
		buf:   make([]byte, bs),
		pos:   lba * bs,
		limit: limit * bs,
	}
}

// Read implements io.Reader.
func (br *blockReader) Read(b []byte) (int, error) {
	if br.pos >= br.limit {
		return 0, io.EOF
	}
	if br.pos%br.bs == 0 {
		if err := br.dev.ReadBlocks(br.pos/br.bs, br.buf); err != nil {
			return 0, err
		}
	}
	l := copy(b, br.buf[br.pos%br.bs:])
	br.pos += uint64(l)
	return l, nil
}
