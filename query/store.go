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

package query

import (
	"context"
	"fmt"
	"strconv"

	"github.com/RoaringBitmap/roaring/v2"

	"github.com/erigontech/logidx/cache"
	"github.com/erigontech/logidx/codec"
	"github.com/erigontech/logidx/kv"
	"github.com/erigontech/logidx/streamid"
)

// store bundles the read-only handles every planner/executor call needs:
// the backing MetaStore/BlobStore and the process-wide read caches.
type store struct {
	meta   kv.MetaStore
	blobs  kv.BlobStore
	caches *cache.Caches
}

func (s *store) loadManifest(ctx context.Context, id streamid.ID) (*codec.Manifest, error) {
	return s.caches.Manifests.GetOrLoad(ctx, id.Bytes(), func(ctx context.Context) (*codec.Manifest, error) {
		raw, _, ok, err := s.meta.Get(ctx, kv.ManifestKey(id.Bytes()))
		if err != nil {
			return nil, fmt.Errorf("query: load manifest %s: %w", id, err)
		}
		if !ok {
			return &codec.Manifest{}, nil
		}
		return codec.DecodeManifest(raw)
	})
}

// refsFor returns every ChunkRef for a stream, inline or across segments.
// Segments are not cached individually: a sealed segment's refs only ever
// grow by appending a new segment, never by rewriting one already full.
func (s *store) refsFor(ctx context.Context, id streamid.ID, man *codec.Manifest) ([]codec.ChunkRef, error) {
	if man.SegmentCount == 0 {
		return man.InlineRefs, nil
	}
	out := make([]codec.ChunkRef, 0, man.NumChunks)
	for seg := uint32(0); seg < man.SegmentCount; seg++ {
		raw, _, ok, err := s.meta.Get(ctx, kv.ManifestSegmentKey(id.Bytes(), seg))
		if err != nil {
			return nil, fmt.Errorf("query: load manifest segment %s/%d: %w", id, seg, err)
		}
		if !ok {
			return nil, fmt.Errorf("query: manifest segment %s/%d missing", id, seg)
		}
		ms, err := codec.DecodeManifestSegment(raw)
		if err != nil {
			return nil, err
		}
		out = append(out, ms.Refs...)
	}
	return out, nil
}

func (s *store) loadTail(ctx context.Context, id streamid.ID) (*roaring.Bitmap, error) {
	return s.caches.Tails.GetOrLoad(ctx, id.Bytes(), func(ctx context.Context) (*roaring.Bitmap, error) {
		raw, _, ok, err := s.meta.Get(ctx, kv.TailKey(id.Bytes()))
		if err != nil {
			return nil, fmt.Errorf("query: load tail %s: %w", id, err)
		}
		if !ok {
			return roaring.New(), nil
		}
		t, err := codec.DecodeTail(raw)
		if err != nil {
			return nil, err
		}
		return t.Bitmap, nil
	})
}

func (s *store) loadChunk(ctx context.Context, id streamid.ID, seq uint32) (*codec.Chunk, error) {
	key := id.String() + "/" + strconv.FormatUint(uint64(seq), 10)
	return s.caches.Chunks.GetOrLoad(ctx, key, func(ctx context.Context) (*codec.Chunk, error) {
		raw, ok, err := s.blobs.Get(ctx, kv.ChunkKey(id.Bytes(), seq))
		if err != nil {
			return nil, fmt.Errorf("query: load chunk %s/%d: %w", id, seq, err)
		}
		if !ok {
			return nil, fmt.Errorf("query: chunk %s/%d missing", id, seq)
		}
		return codec.DecodeChunk(raw)
	})
}

func (s *store) readBlockMeta(ctx context.Context, num uint64) (*codec.BlockMeta, bool, error) {
	raw, _, ok, err := s.meta.Get(ctx, kv.BlockMetaKey(num))
	if err != nil || !ok {
		return nil, ok, err
	}
	m, err := codec.DecodeBlockMeta(raw)
	return m, true, err
}

func (s *store) readLog(ctx context.Context, id uint64) (*codec.Log, bool, error) {
	raw, _, ok, err := s.meta.Get(ctx, kv.LogKey(id))
	if err != nil || !ok {
		return nil, ok, err
	}
	l, err := codec.DecodeLog(raw)
	if err != nil {
		return nil, false, err
	}
	l.GlobalLogID = id
	return l, true, nil
}

// localBounds returns the [lo,hi] local-id bounds a shard contributes to
// the queried [idLo, idHi] interval: only the first and last shard in the
// range are clipped, every shard strictly between them is full.
func localBounds(shard uint32, shardLo, shardHi uint32, idLo, idHi uint64) (uint32, uint32) {
	lo := uint32(0)
	hi := uint32(mathMaxUint32)
	if shard == shardLo {
		lo = uint32(idLo)
	}
	if shard == shardHi {
		hi = uint32(idHi)
	}
	return lo, hi
}

const mathMaxUint32 = 1<<32 - 1

// rangeBitmap returns a bitmap containing every uint32 in [lo, hi].
func rangeBitmap(lo, hi uint32) *roaring.Bitmap {
	bm := roaring.New()
	bm.AddRange(uint64(lo), uint64(hi)+1)
	return bm
}
