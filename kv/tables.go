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

package kv

import (
	"encoding/binary"
	"fmt"
)

// Key layout for the finalized log index. All multi-byte numeric key
// suffixes are big-endian so lexical iteration order matches numeric
// order. This file is the single place that knows how keys are built;
// every other package goes through these helpers rather than formatting
// keys itself.

const (
	// LogPrefix: logs/{global_log_id:u64 BE} -> codec.Log
	LogPrefix = "logs/"

	// BlockMetaPrefix: block_meta/{block_num:u64 BE} -> codec.BlockMeta
	BlockMetaPrefix = "block_meta/"

	// BlockHashToNumPrefix: block_hash_to_num/{block_hash} -> block_num:u64 BE
	BlockHashToNumPrefix = "block_hash_to_num/"

	// MetaStateKey: meta/state -> codec.MetaState. The single CAS
	// visibility barrier.
	MetaStateKey = "meta/state"

	// ManifestPrefix: manifests/{stream_id} -> codec.Manifest
	ManifestPrefix = "manifests/"

	// ManifestSegmentPrefix: manifest_segments/{stream_id}/{segment_id} -> codec.ManifestSegment
	ManifestSegmentPrefix = "manifest_segments/"

	// TailPrefix: tails/{stream_id} -> codec.Tail
	TailPrefix = "tails/"

	// ChunkPrefix: chunks/{stream_id}/{chunk_seq} -> codec.Chunk blob bytes
	ChunkPrefix = "chunks/"

	// Topic0ModePrefix: topic0_mode/{sig} -> codec.Topic0Mode
	Topic0ModePrefix = "topic0_mode/"

	// Topic0StatsPrefix: topic0_stats/{sig} -> codec.Topic0Stats
	Topic0StatsPrefix = "topic0_stats/"
)

// LogKey returns the key for logs/{id}.
func LogKey(id uint64) []byte {
	k := make([]byte, len(LogPrefix)+8)
	copy(k, LogPrefix)
	binary.BigEndian.PutUint64(k[len(LogPrefix):], id)
	return k
}

// BlockMetaKey returns the key for block_meta/{num}.
func BlockMetaKey(num uint64) []byte {
	k := make([]byte, len(BlockMetaPrefix)+8)
	copy(k, BlockMetaPrefix)
	binary.BigEndian.PutUint64(k[len(BlockMetaPrefix):], num)
	return k
}

// BlockHashToNumKey returns the key for block_hash_to_num/{hash}.
func BlockHashToNumKey(hash [32]byte) []byte {
	k := make([]byte, len(BlockHashToNumPrefix)+32)
	copy(k, BlockHashToNumPrefix)
	copy(k[len(BlockHashToNumPrefix):], hash[:])
	return k
}

// ManifestKey returns the key for manifests/{streamID}.
func ManifestKey(streamID []byte) []byte {
	return appendPrefixed(ManifestPrefix, streamID)
}

// ManifestSegmentKey returns the key for manifest_segments/{streamID}/{segmentID}.
func ManifestSegmentKey(streamID []byte, segmentID uint32) []byte {
	k := appendPrefixed(ManifestSegmentPrefix, streamID)
	k = append(k, '/')
	var seg [4]byte
	binary.BigEndian.PutUint32(seg[:], segmentID)
	return append(k, seg[:]...)
}

// TailKey returns the key for tails/{streamID}.
func TailKey(streamID []byte) []byte {
	return appendPrefixed(TailPrefix, streamID)
}

// ChunkKey returns the key for chunks/{streamID}/{chunkSeq}.
func ChunkKey(streamID []byte, chunkSeq uint32) []byte {
	k := appendPrefixed(ChunkPrefix, streamID)
	k = append(k, '/')
	var seq [4]byte
	binary.BigEndian.PutUint32(seq[:], chunkSeq)
	return append(k, seq[:]...)
}

// ChunkStreamPrefix returns the blob-key prefix enumerating every chunk
// of a stream, used by GcWorker reachability scans.
func ChunkStreamPrefix(streamID []byte) []byte {
	return appendPrefixed(ChunkPrefix, streamID)
}

// Topic0ModeKey returns the key for topic0_mode/{sig}.
func Topic0ModeKey(sig [32]byte) []byte {
	k := make([]byte, len(Topic0ModePrefix)+32)
	copy(k, Topic0ModePrefix)
	copy(k[len(Topic0ModePrefix):], sig[:])
	return k
}

// Topic0StatsKey returns the key for topic0_stats/{sig}.
func Topic0StatsKey(sig [32]byte) []byte {
	k := make([]byte, len(Topic0StatsPrefix)+32)
	copy(k, Topic0StatsPrefix)
	copy(k[len(Topic0StatsPrefix):], sig[:])
	return k
}

func appendPrefixed(prefix string, id []byte) []byte {
	k := make([]byte, 0, len(prefix)+len(id))
	k = append(k, prefix...)
	k = append(k, id...)
	return k
}

// ParseChunkSeq extracts the chunk_seq suffix from a chunk key produced
// by ChunkKey, given the stream id it belongs to. Used by GC when
// listing a stream's chunk blobs.
func ParseChunkSeq(key []byte, streamID []byte) (uint32, error) {
	prefix := appendPrefixed(ChunkPrefix, streamID)
	prefix = append(prefix, '/')
	if len(key) != len(prefix)+4 {
		return 0, fmt.Errorf("kv: malformed chunk key %q", key)
	}
	return binary.BigEndian.Uint32(key[len(prefix):]), nil
}
