// Copyright 2024 The Erigon Authors
// This file is part of Erigon.
//
// Erigon is free software: you can redistribute it and/or modify
// it under the terms of the GNU Lesser General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// Erigon is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE. See the
// GNU Lesser General Public License for more details.
//
// You should have received a copy of the GNU Lesser General Public License
// along with Erigon. If not, see <http://www.gnu.org/licenses/>.

package codec

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"hash/crc32"

	"github.com/RoaringBitmap/roaring/v2"
)

// Chunk is an immutable roaring32 payload covering a slice of local
// (32-bit) values within a stream, identified by ChunkSeq. Chunk blobs
// are the only persisted type that carries a checksum, since they alone
// live in the BlobStore where a backend may not itself guarantee
// end-to-end integrity.
type Chunk struct {
	MinLocal uint32
	MaxLocal uint32
	Count    uint32
	Bitmap   *roaring.Bitmap
}

// Encode serializes the chunk blob: version ‖ min ‖ max ‖ count ‖
// roaring-payload ‖ crc32(everything before this field).
func (c *Chunk) Encode() ([]byte, error) {
	buf := make([]byte, 0, 1+4+4+4+64)
	buf = append(buf, Version1)
	buf = binary.BigEndian.AppendUint32(buf, c.MinLocal)
	buf = binary.BigEndian.AppendUint32(buf, c.MaxLocal)
	buf = binary.BigEndian.AppendUint32(buf, c.Count)
	var bm bytes.Buffer
	if _, err := c.Bitmap.WriteTo(&bm); err != nil {
		return nil, fmt.Errorf("codec: encode chunk bitmap: %w", err)
	}
	buf = append(buf, bm.Bytes()...)
	sum := crc32.ChecksumIEEE(buf)
	buf = binary.BigEndian.AppendUint32(buf, sum)
	return buf, nil
}

// DecodeChunk parses and verifies a chunk blob. A checksum mismatch or
// unsupported version is a Corruption-class error; callers should treat
// it as non-recoverable for the referencing stream and trigger degraded
// mode.
func DecodeChunk(b []byte) (*Chunk, error) {
	if len(b) < 1+4+4+4+4 {
		return nil, fmt.Errorf("codec: chunk blob too short (%d bytes)", len(b))
	}
	payload := b[:len(b)-4]
	wantSum := binary.BigEndian.Uint32(b[len(b)-4:])
	gotSum := crc32.ChecksumIEEE(payload)
	if gotSum != wantSum {
		return nil, &ErrChecksumMismatch{Type: "Chunk"}
	}
	if err := checkVersion("Chunk", payload[0]); err != nil {
		return nil, err
	}
	c := &Chunk{}
	off := 1
	c.MinLocal = binary.BigEndian.Uint32(payload[off:])
	off += 4
	c.MaxLocal = binary.BigEndian.Uint32(payload[off:])
	off += 4
	c.Count = binary.BigEndian.Uint32(payload[off:])
	off += 4
	bm := roaring.New()
	if _, err := bm.ReadFrom(bytes.NewReader(payload[off:])); err != nil {
		return nil, fmt.Errorf("codec: decode chunk bitmap: %w", err)
	}
	c.Bitmap = bm
	if c.Bitmap.GetCardinality() != uint64(c.Count) {
		return nil, fmt.Errorf("codec: chunk count field %d does not match bitmap cardinality %d", c.Count, c.Bitmap.GetCardinality())
	}
	return c, nil
}

// NewChunkFromBitmap builds a Chunk from a sealed bitmap, computing
// MinLocal/MaxLocal/Count from its contents. Panics if bm is empty —
// callers never seal an empty tail.
func NewChunkFromBitmap(bm *roaring.Bitmap) *Chunk {
	if bm.IsEmpty() {
		panic("codec: NewChunkFromBitmap called with empty bitmap")
	}
	return &Chunk{
		MinLocal: bm.Minimum(),
		MaxLocal: bm.Maximum(),
		Count:    uint32(bm.GetCardinality()),
		Bitmap:   bm,
	}
}
