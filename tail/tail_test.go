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

package tail

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/erigontech/logidx/kv/memstore"
)

func TestAppendIsIdempotentSetInsert(t *testing.T) {
	st := memstore.New()
	st.SetEpoch(1)
	m := New(st.Meta(), time.Minute, nil)
	ctx := context.Background()

	streamID := []byte("stream-a")
	require.NoError(t, m.Append(ctx, streamID, 5))
	require.NoError(t, m.Append(ctx, streamID, 5))
	require.NoError(t, m.Append(ctx, streamID, 7))

	bm, err := m.Snapshot(ctx, streamID)
	require.NoError(t, err)
	require.Equal(t, uint64(2), bm.GetCardinality())
	require.True(t, bm.Contains(5))
	require.True(t, bm.Contains(7))
}

func TestCheckpointStreamPersistsAndClearsDirty(t *testing.T) {
	st := memstore.New()
	st.SetEpoch(1)
	m := New(st.Meta(), time.Minute, nil)
	ctx := context.Background()
	streamID := []byte("stream-a")

	require.NoError(t, m.Append(ctx, streamID, 1))
	did, err := m.CheckpointStream(ctx, streamID, 1)
	require.NoError(t, err)
	require.True(t, did)

	// Nothing dirty, so a second checkpoint is a no-op.
	did, err = m.CheckpointStream(ctx, streamID, 1)
	require.NoError(t, err)
	require.False(t, did)

	// A fresh manager loading the same backing store observes the
	// persisted tail.
	m2 := New(st.Meta(), time.Minute, nil)
	bm, err := m2.Snapshot(ctx, streamID)
	require.NoError(t, err)
	require.True(t, bm.Contains(1))
}

func TestRemoveSealedClearsOnlySealedRange(t *testing.T) {
	st := memstore.New()
	st.SetEpoch(1)
	m := New(st.Meta(), time.Minute, nil)
	ctx := context.Background()
	streamID := []byte("stream-a")

	for _, v := range []uint32{1, 2, 3, 100} {
		require.NoError(t, m.Append(ctx, streamID, v))
	}

	require.NoError(t, m.RemoveSealed(ctx, streamID, 3))
	bm, err := m.Snapshot(ctx, streamID)
	require.NoError(t, err)
	require.Equal(t, uint64(1), bm.GetCardinality())
	require.True(t, bm.Contains(100))
}

func TestCheckpointDirtyOnlyFlushesTouchedStreams(t *testing.T) {
	st := memstore.New()
	st.SetEpoch(1)
	m := New(st.Meta(), time.Minute, nil)
	ctx := context.Background()

	require.NoError(t, m.Append(ctx, []byte("a"), 1))
	require.NoError(t, m.Append(ctx, []byte("b"), 2))

	require.NoError(t, m.CheckpointDirty(ctx, 1))

	did, err := m.CheckpointStream(ctx, []byte("a"), 1)
	require.NoError(t, err)
	require.False(t, did, "already flushed by CheckpointDirty")
}

func TestCheckpointRejectsStaleFence(t *testing.T) {
	st := memstore.New()
	st.SetEpoch(1)
	m := New(st.Meta(), time.Minute, nil)
	ctx := context.Background()
	streamID := []byte("stream-a")

	require.NoError(t, m.Append(ctx, streamID, 1))
	_, err := m.CheckpointStream(ctx, streamID, 99)
	require.Error(t, err)
}
