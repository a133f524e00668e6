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

// BlockMeta is the canonical, immutable record stored at
// block_meta/{block_num}.
type BlockMeta struct {
	BlockHash  [32]byte
	ParentHash [32]byte
	FirstLogID uint64
	Count      uint32
}

func (m *BlockMeta) Encode() []byte {
	buf := make([]byte, 0, 1+32+32+8+4)
	buf = append(buf, Version1)
	buf = append(buf, m.BlockHash[:]...)
	buf = append(buf, m.ParentHash[:]...)
	buf = binary.BigEndian.AppendUint64(buf, m.FirstLogID)
	buf = binary.BigEndian.AppendUint32(buf, m.Count)
	return buf
}

func DecodeBlockMeta(b []byte) (*BlockMeta, error) {
	if len(b) != 1+32+32+8+4 {
		return nil, fmt.Errorf("codec: block meta record has wrong length %d", len(b))
	}
	if err := checkVersion("BlockMeta", b[0]); err != nil {
		return nil, err
	}
	m := &BlockMeta{}
	off := 1
	copy(m.BlockHash[:], b[off:off+32])
	off += 32
	copy(m.ParentHash[:], b[off:off+32])
	off += 32
	m.FirstLogID = binary.BigEndian.Uint64(b[off:])
	off += 8
	m.Count = binary.BigEndian.Uint32(b[off:])
	return m, nil
}

// LastLogID returns the id of the final log emitted by this block, or
// FirstLogID-1 (i.e. none) if Count==0, or 0 if Count==0 and FirstLogID
// is 0. The query planner does not use it: it bounds a block range by
// the exclusive end FirstLogID+Count instead.
func (m *BlockMeta) LastLogID() uint64 {
	if m.Count == 0 {
		if m.FirstLogID == 0 {
			return 0
		}
		return m.FirstLogID - 1
	}
	return m.FirstLogID + uint64(m.Count) - 1
}

// EncodeBlockNum serializes a block number for block_hash_to_num values.
func EncodeBlockNum(n uint64) []byte {
	buf := make([]byte, 8)
	binary.BigEndian.PutUint64(buf, n)
	return buf
}

// DecodeBlockNum parses the value written by EncodeBlockNum.
func DecodeBlockNum(b []byte) (uint64, error) {
	if len(b) != 8 {
		return 0, fmt.Errorf("codec: block num value has wrong length %d", len(b))
	}
	return binary.BigEndian.Uint64(b), nil
}

// MetaState is the single mutable visibility-barrier record at
// meta/state.
type MetaState struct {
	IndexedFinalizedHead uint64
	NextLogID            uint64
	WriterEpoch          uint64
}

func (s *MetaState) Encode() []byte {
	buf := make([]byte, 0, 1+8+8+8)
	buf = append(buf, Version1)
	buf = binary.BigEndian.AppendUint64(buf, s.IndexedFinalizedHead)
	buf = binary.BigEndian.AppendUint64(buf, s.NextLogID)
	buf = binary.BigEndian.AppendUint64(buf, s.WriterEpoch)
	return buf
}

func DecodeMetaState(b []byte) (*MetaState, error) {
	if len(b) != 1+8+8+8 {
		return nil, fmt.Errorf("codec: meta state record has wrong length %d", len(b))
	}
	if err := checkVersion("MetaState", b[0]); err != nil {
		return nil, err
	}
	s := &MetaState{}
	off := 1
	s.IndexedFinalizedHead = binary.BigEndian.Uint64(b[off:])
	off += 8
	s.NextLogID = binary.BigEndian.Uint64(b[off:])
	off += 8
	s.WriterEpoch = binary.BigEndian.Uint64(b[off:])
	return s, nil
}
