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
	"encoding/binary"
	"fmt"
)

// ChunkRef is the only per-chunk metadata the query planner needs to
// estimate overlap without reading the chunk blob.
type ChunkRef struct {
	ChunkSeq uint32
	MinLocal uint32
	MaxLocal uint32
	Count    uint32
}

const chunkRefSize = 16

func encodeChunkRef(buf []byte, r ChunkRef) []byte {
	buf = binary.BigEndian.AppendUint32(buf, r.ChunkSeq)
	buf = binary.BigEndian.AppendUint32(buf, r.MinLocal)
	buf = binary.BigEndian.AppendUint32(buf, r.MaxLocal)
	buf = binary.BigEndian.AppendUint32(buf, r.Count)
	return buf
}

func decodeChunkRef(b []byte) ChunkRef {
	return ChunkRef{
		ChunkSeq: binary.BigEndian.Uint32(b[0:4]),
		MinLocal: binary.BigEndian.Uint32(b[4:8]),
		MaxLocal: binary.BigEndian.Uint32(b[8:12]),
		Count:    binary.BigEndian.Uint32(b[12:16]),
	}
}

// Overlaps reports whether the ref's [MinLocal, MaxLocal] interval
// intersects [lo, hi].
func (r ChunkRef) Overlaps(lo, hi uint32) bool {
	return r.MinLocal <= hi && r.MaxLocal >= lo
}

// Manifest is the mutable (via CAS) header for a stream. When the
// number of chunks is small the refs are carried inline; once a stream
// accumulates more than InlineRefCap chunks, refs move into numbered
// ManifestSegment records and the header carries only SegmentCount.
const InlineRefCap = 64

type Manifest struct {
	LastChunkSeq uint32 // 0 with no chunks sealed yet means "none sealed"; NumChunks distinguishes the two
	NumChunks    uint32
	ApproxCount  uint64
	SegmentCount uint32     // 0 => refs carried inline below
	InlineRefs   []ChunkRef // valid only when SegmentCount == 0
}

func (m *Manifest) Encode() []byte {
	buf := make([]byte, 0, 1+4+4+8+4+4+len(m.InlineRefs)*chunkRefSize)
	buf = append(buf, Version1)
	buf = binary.BigEndian.AppendUint32(buf, m.LastChunkSeq)
	buf = binary.BigEndian.AppendUint32(buf, m.NumChunks)
	buf = binary.BigEndian.AppendUint64(buf, m.ApproxCount)
	buf = binary.BigEndian.AppendUint32(buf, m.SegmentCount)
	if m.SegmentCount == 0 {
		buf = binary.BigEndian.AppendUint32(buf, uint32(len(m.InlineRefs)))
		for _, r := range m.InlineRefs {
			buf = encodeChunkRef(buf, r)
		}
	}
	return buf
}

func DecodeManifest(b []byte) (*Manifest, error) {
	if len(b) < 1+4+4+8+4 {
		return nil, fmt.Errorf("codec: manifest record too short (%d bytes)", len(b))
	}
	if err := checkVersion("Manifest", b[0]); err != nil {
		return nil, err
	}
	m := &Manifest{}
	off := 1
	m.LastChunkSeq = binary.BigEndian.Uint32(b[off:])
	off += 4
	m.NumChunks = binary.BigEndian.Uint32(b[off:])
	off += 4
	m.ApproxCount = binary.BigEndian.Uint64(b[off:])
	off += 8
	m.SegmentCount = binary.BigEndian.Uint32(b[off:])
	off += 4
	if m.SegmentCount == 0 {
		if off+4 > len(b) {
			return nil, fmt.Errorf("codec: manifest truncated reading inline ref count")
		}
		n := binary.BigEndian.Uint32(b[off:])
		off += 4
		if off+int(n)*chunkRefSize > len(b) {
			return nil, fmt.Errorf("codec: manifest truncated reading %d inline refs", n)
		}
		m.InlineRefs = make([]ChunkRef, n)
		for i := 0; i < int(n); i++ {
			m.InlineRefs[i] = decodeChunkRef(b[off:])
			off += chunkRefSize
		}
	}
	return m, nil
}

// ManifestSegment holds a slice of a stream's chunk_refs once the
// manifest has outgrown InlineRefCap.
type ManifestSegment struct {
	Refs []ChunkRef
}

func (s *ManifestSegment) Encode() []byte {
	buf := make([]byte, 0, 1+4+len(s.Refs)*chunkRefSize)
	buf = append(buf, Version1)
	buf = binary.BigEndian.AppendUint32(buf, uint32(len(s.Refs)))
	for _, r := range s.Refs {
		buf = encodeChunkRef(buf, r)
	}
	return buf
}

func DecodeManifestSegment(b []byte) (*ManifestSegment, error) {
	if len(b) < 1+4 {
		return nil, fmt.Errorf("codec: manifest segment too short (%d bytes)", len(b))
	}
	if err := checkVersion("ManifestSegment", b[0]); err != nil {
		return nil, err
	}
	n := binary.BigEndian.Uint32(b[1:5])
	if 5+int(n)*chunkRefSize != len(b) {
		return nil, fmt.Errorf("codec: manifest segment length mismatch for %d refs", n)
	}
	s := &ManifestSegment{Refs: make([]ChunkRef, n)}
	off := 5
	for i := 0; i < int(n); i++ {
		s.Refs[i] = decodeChunkRef(b[off:])
		off += chunkRefSize
	}
	return s, nil
}
