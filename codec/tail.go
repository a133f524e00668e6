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

	"github.com/RoaringBitmap/roaring/v2"
)

// Tail is the mutable roaring32 checkpoint for values not yet sealed
// into a chunk.
type Tail struct {
	Count  uint32
	Bitmap *roaring.Bitmap
}

func (t *Tail) Encode() ([]byte, error) {
	buf := make([]byte, 0, 1+4+32)
	buf = append(buf, Version1)
	buf = binary.BigEndian.AppendUint32(buf, t.Count)
	var bm bytes.Buffer
	if _, err := t.Bitmap.WriteTo(&bm); err != nil {
		return nil, fmt.Errorf("codec: encode tail bitmap: %w", err)
	}
	buf = append(buf, bm.Bytes()...)
	return buf, nil
}

func DecodeTail(b []byte) (*Tail, error) {
	if len(b) < 1+4 {
		return nil, fmt.Errorf("codec: tail record too short (%d bytes)", len(b))
	}
	if err := checkVersion("Tail", b[0]); err != nil {
		return nil, err
	}
	t := &Tail{}
	t.Count = binary.BigEndian.Uint32(b[1:5])
	bm := roaring.New()
	if _, err := bm.ReadFrom(bytes.NewReader(b[5:])); err != nil {
		return nil, fmt.Errorf("codec: decode tail bitmap: %w", err)
	}
	t.Bitmap = bm
	if t.Bitmap.GetCardinality() != uint64(t.Count) {
		return nil, fmt.Errorf("codec: tail count field %d does not match bitmap cardinality %d", t.Count, t.Bitmap.GetCardinality())
	}
	return t, nil
}

// EmptyTail returns a fresh, empty tail checkpoint value.
func EmptyTail() *Tail {
	return &Tail{Count: 0, Bitmap: roaring.New()}
}
