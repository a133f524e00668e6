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

package gc

import (
	"context"
	"testing"

	"github.com/RoaringBitmap/roaring/v2"
	"github.com/stretchr/testify/require"

	"github.com/erigontech/logidx/codec"
	"github.com/erigontech/logidx/kv"
	"github.com/erigontech/logidx/kv/memstore"
)

func heldFence(f kv.Fence) func() (kv.Fence, bool) {
	return func() (kv.Fence, bool) { return f, true }
}

func putChunkBlob(t *testing.T, st *memstore.Store, streamID []byte, seq uint32, values []uint32) {
	t.Helper()
	bm := roaring.New()
	bm.AddMany(values)
	c := codec.NewChunkFromBitmap(bm)
	blob, err := c.Encode()
	require.NoError(t, err)
	require.NoError(t, st.Blobs().Put(context.Background(), kv.ChunkKey(streamID, seq), blob))
}

func TestRunReclaimsOrphanChunkBlob(t *testing.T) {
	st := memstore.New()
	st.SetEpoch(1)
	ctx := context.Background()
	streamID := []byte("s1")

	putChunkBlob(t, st, streamID, 0, []uint32{1, 2, 3})
	putChunkBlob(t, st, streamID, 1, []uint32{4, 5}) // orphan: not referenced by the manifest below

	man := &codec.Manifest{
		LastChunkSeq: 0,
		NumChunks:    1,
		InlineRefs:   []codec.ChunkRef{{ChunkSeq: 0, MinLocal: 1, MaxLocal: 3, Count: 3}},
	}
	_, err := st.Meta().PutIfVersion(ctx, kv.ManifestKey(streamID), man.Encode(), 0, 1)
	require.NoError(t, err)

	w := New(st.Meta(), st.Blobs(), DefaultConfig(), heldFence(1), nil)
	stats, err := w.Run(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, stats.OrphanChunksDeleted)
	require.Greater(t, stats.OrphanChunkBytes, uint64(0))

	_, ok, err := st.Blobs().Get(ctx, kv.ChunkKey(streamID, 1))
	require.NoError(t, err)
	require.False(t, ok)

	_, ok, err = st.Blobs().Get(ctx, kv.ChunkKey(streamID, 0))
	require.NoError(t, err)
	require.True(t, ok, "reachable chunk must survive")
}

func TestRunReclaimsOrphanManifestSegment(t *testing.T) {
	st := memstore.New()
	st.SetEpoch(1)
	ctx := context.Background()
	streamID := []byte("s1")

	man := &codec.Manifest{LastChunkSeq: 1, NumChunks: codec.InlineRefCap + 1, SegmentCount: 1}
	_, err := st.Meta().PutIfVersion(ctx, kv.ManifestKey(streamID), man.Encode(), 0, 1)
	require.NoError(t, err)

	seg0 := &codec.ManifestSegment{Refs: []codec.ChunkRef{{ChunkSeq: 0, MinLocal: 0, MaxLocal: 9, Count: 10}}}
	_, err = st.Meta().PutIfVersion(ctx, kv.ManifestSegmentKey(streamID, 0), seg0.Encode(), 0, 1)
	require.NoError(t, err)

	// segID 1 is an orphan: >= manifest's SegmentCount of 1, left behind
	// by an abandoned seal-publish retry.
	seg1 := &codec.ManifestSegment{Refs: []codec.ChunkRef{{ChunkSeq: 1, MinLocal: 10, MaxLocal: 19, Count: 10}}}
	_, err = st.Meta().PutIfVersion(ctx, kv.ManifestSegmentKey(streamID, 1), seg1.Encode(), 0, 1)
	require.NoError(t, err)

	w := New(st.Meta(), st.Blobs(), DefaultConfig(), heldFence(1), nil)
	stats, err := w.Run(ctx)
	require.NoError(t, err)
	require.Equal(t, uint64(1), stats.OrphanManifestSegments)

	_, _, ok, err := st.Meta().Get(ctx, kv.ManifestSegmentKey(streamID, 1))
	require.NoError(t, err)
	require.False(t, ok)

	_, _, ok, err = st.Meta().Get(ctx, kv.ManifestSegmentKey(streamID, 0))
	require.NoError(t, err)
	require.True(t, ok, "referenced segment must survive")
}

func TestRunReclaimsStaleTailCheckpoint(t *testing.T) {
	st := memstore.New()
	st.SetEpoch(1)
	ctx := context.Background()

	emptyTail, err := codec.EmptyTail().Encode()
	require.NoError(t, err)
	_, err = st.Meta().PutIfVersion(ctx, kv.TailKey([]byte("empty-stream")), emptyTail, 0, 1)
	require.NoError(t, err)

	bm := roaring.New()
	bm.Add(1)
	liveTail := &codec.Tail{Count: 1, Bitmap: bm}
	liveRaw, err := liveTail.Encode()
	require.NoError(t, err)
	_, err = st.Meta().PutIfVersion(ctx, kv.TailKey([]byte("live-stream")), liveRaw, 0, 1)
	require.NoError(t, err)

	w := New(st.Meta(), st.Blobs(), DefaultConfig(), heldFence(1), nil)
	stats, err := w.Run(ctx)
	require.NoError(t, err)
	require.Equal(t, uint64(1), stats.StaleTailKeys)

	_, _, ok, err := st.Meta().Get(ctx, kv.TailKey([]byte("empty-stream")))
	require.NoError(t, err)
	require.False(t, ok)

	_, _, ok, err = st.Meta().Get(ctx, kv.TailKey([]byte("live-stream")))
	require.NoError(t, err)
	require.True(t, ok)
}

func TestRunErrorsWithoutHeldLease(t *testing.T) {
	st := memstore.New()
	w := New(st.Meta(), st.Blobs(), DefaultConfig(), func() (kv.Fence, bool) { return 0, false }, nil)
	_, err := w.Run(context.Background())
	require.Error(t, err)
}

func TestGuardrailThrottleVsFailClosed(t *testing.T) {
	st := memstore.New()
	st.SetEpoch(1)
	ctx := context.Background()
	streamID := []byte("s1")

	putChunkBlob(t, st, streamID, 0, []uint32{1}) // orphan: manifest below references nothing

	man := &codec.Manifest{}
	_, err := st.Meta().PutIfVersion(ctx, kv.ManifestKey(streamID), man.Encode(), 0, 1)
	require.NoError(t, err)

	cfg := DefaultConfig()
	cfg.MaxOrphanChunkBytes = 1
	cfg.Action = Throttle
	w := New(st.Meta(), st.Blobs(), cfg, heldFence(1), nil)
	_, err = w.Run(ctx)
	require.NoError(t, err)
	require.True(t, w.Throttled())
	require.False(t, w.FailClosed())

	cfg.Action = FailClosed
	putChunkBlob(t, st, streamID, 0, []uint32{1}) // the first pass reclaimed the orphan; seed it again
	wFail := New(st.Meta(), st.Blobs(), cfg, heldFence(1), nil)
	_, err = wFail.Run(ctx)
	require.NoError(t, err)
	require.True(t, wFail.FailClosed())
	require.False(t, wFail.Throttled())
}
