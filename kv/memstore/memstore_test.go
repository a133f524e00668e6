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

package memstore

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/erigontech/logidx/kv"
)

func TestPutIfAbsentIdempotentReplaySafe(t *testing.T) {
	st := New()
	st.SetEpoch(1)
	meta := st.Meta()
	ctx := context.Background()

	res, err := meta.PutIfAbsent(ctx, []byte("k"), []byte("v1"), 1)
	require.NoError(t, err)
	require.True(t, res.Applied)
	require.Equal(t, uint64(1), res.NewVersion)

	// Replaying the identical write is a safe no-op.
	res, err = meta.PutIfAbsent(ctx, []byte("k"), []byte("v1"), 1)
	require.NoError(t, err)
	require.True(t, res.Applied)
	require.Equal(t, uint64(1), res.NewVersion)

	// A conflicting value at the same key is rejected, not silently applied.
	res, err = meta.PutIfAbsent(ctx, []byte("k"), []byte("v2"), 1)
	require.NoError(t, err)
	require.False(t, res.Applied)
	require.Equal(t, []byte("v1"), res.Current)
}

func TestPutIfVersionMatchAndMismatch(t *testing.T) {
	st := New()
	st.SetEpoch(1)
	meta := st.Meta()
	ctx := context.Background()

	res, err := meta.PutIfVersion(ctx, []byte("k"), []byte("v1"), 0, 1)
	require.NoError(t, err)
	require.True(t, res.Applied)
	require.Equal(t, uint64(1), res.NewVersion)

	res, err = meta.PutIfVersion(ctx, []byte("k"), []byte("v2"), 1, 1)
	require.NoError(t, err)
	require.True(t, res.Applied)
	require.Equal(t, uint64(2), res.NewVersion)

	// Stale expected version is rejected with the current value surfaced.
	res, err = meta.PutIfVersion(ctx, []byte("k"), []byte("v3"), 1, 1)
	require.NoError(t, err)
	require.False(t, res.Applied)
	require.Equal(t, []byte("v2"), res.Current)
	require.Equal(t, uint64(2), res.CurrentVersion)
}

func TestDeleteIfVersion(t *testing.T) {
	st := New()
	st.SetEpoch(1)
	meta := st.Meta()
	ctx := context.Background()

	_, err := meta.PutIfVersion(ctx, []byte("k"), []byte("v1"), 0, 1)
	require.NoError(t, err)

	res, err := meta.DeleteIfVersion(ctx, []byte("k"), 2, 1)
	require.NoError(t, err)
	require.False(t, res.Applied)

	res, err = meta.DeleteIfVersion(ctx, []byte("k"), 1, 1)
	require.NoError(t, err)
	require.True(t, res.Applied)

	_, _, ok, err := meta.Get(ctx, []byte("k"))
	require.NoError(t, err)
	require.False(t, ok)

	// Deleting an absent key is a no-op success.
	res, err = meta.DeleteIfVersion(ctx, []byte("k"), 0, 1)
	require.NoError(t, err)
	require.True(t, res.Applied)
}

func TestMutationsRejectedUnderWrongFence(t *testing.T) {
	st := New()
	st.SetEpoch(5)
	meta := st.Meta()
	ctx := context.Background()

	_, err := meta.PutIfAbsent(ctx, []byte("k"), []byte("v"), 4)
	require.ErrorIs(t, err, kv.ErrFenceRejected)

	_, err = meta.PutIfVersion(ctx, []byte("k"), []byte("v"), 0, 4)
	require.ErrorIs(t, err, kv.ErrFenceRejected)

	_, err = meta.DeleteIfVersion(ctx, []byte("k"), 0, 4)
	require.ErrorIs(t, err, kv.ErrFenceRejected)
}

func TestListPrefixOrdering(t *testing.T) {
	st := New()
	st.SetEpoch(1)
	meta := st.Meta()
	ctx := context.Background()

	keys := []string{"a/3", "a/1", "a/2", "b/1"}
	for _, k := range keys {
		_, err := meta.PutIfAbsent(ctx, []byte(k), []byte("v"), 1)
		require.NoError(t, err)
	}

	it, err := meta.ListPrefix(ctx, []byte("a/"))
	require.NoError(t, err)
	defer it.Close()

	var got []string
	for {
		e, ok, err := it.Next(ctx)
		require.NoError(t, err)
		if !ok {
			break
		}
		got = append(got, string(e.Key))
	}
	require.Equal(t, []string{"a/1", "a/2", "a/3"}, got)
}

func TestBlobStorePutConflictAndIdempotence(t *testing.T) {
	st := New()
	blobs := st.Blobs()
	ctx := context.Background()

	require.NoError(t, blobs.Put(ctx, []byte("chunk/1"), []byte("payload")))
	// Identical repeat write is a no-op.
	require.NoError(t, blobs.Put(ctx, []byte("chunk/1"), []byte("payload")))

	// Differing bytes at the same key is a hard conflict, never a silent overwrite.
	err := blobs.Put(ctx, []byte("chunk/1"), []byte("other"))
	require.ErrorIs(t, err, kv.ErrBlobConflict)

	v, ok, err := blobs.Get(ctx, []byte("chunk/1"))
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, []byte("payload"), v)
}

func TestBlobStoreDeleteAndListPrefix(t *testing.T) {
	st := New()
	blobs := st.Blobs()
	ctx := context.Background()

	require.NoError(t, blobs.Put(ctx, []byte("chunk/2"), []byte("a")))
	require.NoError(t, blobs.Put(ctx, []byte("chunk/1"), []byte("b")))

	keys, err := blobs.ListPrefix(ctx, []byte("chunk/"))
	require.NoError(t, err)
	require.Equal(t, [][]byte{[]byte("chunk/1"), []byte("chunk/2")}, keys)

	require.NoError(t, blobs.Delete(ctx, []byte("chunk/1")))
	_, ok, err := blobs.Get(ctx, []byte("chunk/1"))
	require.NoError(t, err)
	require.False(t, ok)

	// Deleting an absent key is success, not an error.
	require.NoError(t, blobs.Delete(ctx, []byte("chunk/1")))
}

func TestMetaStoreSetEpochGatewayCapability(t *testing.T) {
	st := New()
	meta := st.Meta()
	setter, ok := meta.(kv.EpochSetter)
	require.True(t, ok)

	setter.SetEpoch(7)
	ctx := context.Background()
	_, err := meta.PutIfAbsent(ctx, []byte("k"), []byte("v"), 7)
	require.NoError(t, err)
}
