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

// Package streamid builds and parses the wire-stable stream id layout:
// index_kind (1 byte) ‖ value_hash (32 bytes, 20 for addr) ‖ shard_hi32
// (4 bytes BE). A stream is one indexed value within one shard.
package streamid

import (
	"encoding/binary"
	"fmt"
)

// Kind identifies which index a stream belongs to.
type Kind byte

const (
	KindAddr Kind = iota + 1
	KindTopic1
	KindTopic2
	KindTopic3
	KindTopic0Block
	KindTopic0Log
)

func (k Kind) String() string {
	switch k {
	case KindAddr:
		return "addr"
	case KindTopic1:
		return "topic1"
	case KindTopic2:
		return "topic2"
	case KindTopic3:
		return "topic3"
	case KindTopic0Block:
		return "topic0_block"
	case KindTopic0Log:
		return "topic0_log"
	default:
		return fmt.Sprintf("Kind(%d)", byte(k))
	}
}

// LogLevel reports whether streams of this kind shard by global_log_id
// (true) rather than block_num (false, topic0_block only).
func (k Kind) LogLevel() bool { return k != KindTopic0Block }

// ValueLen is the expected value length for the kind: 20 bytes for an
// address, 32 for a topic/signature hash.
func (k Kind) ValueLen() int {
	if k == KindAddr {
		return 20
	}
	return 32
}

// ID is a parsed stream identifier.
type ID struct {
	Kind    Kind
	Value   []byte // 20 or 32 bytes, per Kind.ValueLen
	ShardHi uint32
}

// Bytes serializes the id to its wire-stable layout.
func (id ID) Bytes() []byte {
	out := make([]byte, 0, 1+len(id.Value)+4)
	out = append(out, byte(id.Kind))
	out = append(out, id.Value...)
	var shard [4]byte
	binary.BigEndian.PutUint32(shard[:], id.ShardHi)
	return append(out, shard[:]...)
}

// String returns a map-key-safe representation (the raw bytes, which are
// already a valid, comparable Go string key).
func (id ID) String() string { return string(id.Bytes()) }

// New builds a stream ID for value in shard shardHi, validating the
// value length matches the kind.
func New(kind Kind, value []byte, shardHi uint32) (ID, error) {
	if len(value) != kind.ValueLen() {
		return ID{}, fmt.Errorf("streamid: kind %s expects %d-byte value, got %d", kind, kind.ValueLen(), len(value))
	}
	v := make([]byte, len(value))
	copy(v, value)
	return ID{Kind: kind, Value: v, ShardHi: shardHi}, nil
}

// Parse decodes the wire-stable layout back into an ID.
func Parse(b []byte) (ID, error) {
	if len(b) < 1+4 {
		return ID{}, fmt.Errorf("streamid: short id (%d bytes)", len(b))
	}
	kind := Kind(b[0])
	valLen := kind.ValueLen()
	if len(b) != 1+valLen+4 {
		return ID{}, fmt.Errorf("streamid: id length %d does not match kind %s (expect %d)", len(b), kind, 1+valLen+4)
	}
	value := make([]byte, valLen)
	copy(value, b[1:1+valLen])
	shard := binary.BigEndian.Uint32(b[1+valLen:])
	return ID{Kind: kind, Value: value, ShardHi: shard}, nil
}
