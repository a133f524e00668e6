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

package recovery

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/erigontech/logidx/cache"
	"github.com/erigontech/logidx/codec"
	"github.com/erigontech/logidx/kv"
	"github.com/erigontech/logidx/kv/memstore"
	"github.com/erigontech/logidx/streamid"
	"github.com/erigontech/logidx/topic0"
)

func TestBootstrapOnFreshStoreReportsZeroState(t *testing.T) {
	st := memstore.New()
	caches := cache.New(cache.DefaultConfig())
	topics := topic0.New(st.Meta(), topic0.DefaultConfig(), nil)

	summary, err := Bootstrap(context.Background(), st.Meta(), caches, topics, Config{}, nil)
	require.NoError(t, err)
	require.Equal(t, uint64(0), summary.Head)
	require.Equal(t, uint64(0), summary.NextLogID)
	require.Equal(t, 0, summary.ModesLoaded)
	require.Equal(t, 0, summary.StreamsWarmed)
}

func TestBootstrapReadsPersistedMetaState(t *testing.T) {
	st := memstore.New()
	st.SetEpoch(1)
	ctx := context.Background()

	state := &codec.MetaState{IndexedFinalizedHead: 100, NextLogID: 500, WriterEpoch: 1}
	_, err := st.Meta().PutIfVersion(ctx, []byte(kv.MetaStateKey), state.Encode(), 0, 1)
	require.NoError(t, err)

	caches := cache.New(cache.DefaultConfig())
	topics := topic0.New(st.Meta(), topic0.DefaultConfig(), nil)
	summary, err := Bootstrap(ctx, st.Meta(), caches, topics, Config{}, nil)
	require.NoError(t, err)
	require.Equal(t, uint64(100), summary.Head)
	require.Equal(t, uint64(500), summary.NextLogID)
	require.Equal(t, uint64(1), summary.WriterEpoch)
}

func TestBootstrapPreloadsTopic0Catalog(t *testing.T) {
	st := memstore.New()
	st.SetEpoch(1)
	ctx := context.Background()
	topics := topic0.New(st.Meta(), topic0.DefaultConfig(), nil)

	var sig [32]byte
	sig[0] = 9
	_, err := topics.Advance(ctx, sig, 1, true)
	require.NoError(t, err)
	require.NoError(t, topics.Flush(ctx, 1))

	caches := cache.New(cache.DefaultConfig())
	freshTopics := topic0.New(st.Meta(), topic0.DefaultConfig(), nil)
	summary, err := Bootstrap(ctx, st.Meta(), caches, freshTopics, Config{}, nil)
	require.NoError(t, err)
	require.Equal(t, 1, summary.ModesLoaded)
	require.Equal(t, 1, summary.StatsLoaded)
}

func TestBootstrapWarmsRequestedStreams(t *testing.T) {
	st := memstore.New()
	st.SetEpoch(1)
	ctx := context.Background()

	var addr [20]byte
	addr[0] = 0xaa
	id, err := streamid.New(streamid.KindAddr, addr[:], 0)
	require.NoError(t, err)

	man := &codec.Manifest{NumChunks: 1, LastChunkSeq: 0, InlineRefs: []codec.ChunkRef{{ChunkSeq: 0, MinLocal: 0, MaxLocal: 9, Count: 10}}}
	_, err = st.Meta().PutIfVersion(ctx, kv.ManifestKey(id.Bytes()), man.Encode(), 0, 1)
	require.NoError(t, err)

	caches := cache.New(cache.DefaultConfig())
	topics := topic0.New(st.Meta(), topic0.DefaultConfig(), nil)
	cfg := Config{WarmStreams: []WarmStream{{Kind: streamid.KindAddr, Value: addr[:], Shard: 0}}}

	summary, err := Bootstrap(ctx, st.Meta(), caches, topics, cfg, nil)
	require.NoError(t, err)
	require.Equal(t, 1, summary.StreamsWarmed)

	hits, misses := caches.Manifests.Stats()
	require.Equal(t, int64(0), hits)
	require.Equal(t, int64(1), misses)
}

func TestBootstrapSkipsInvalidWarmupStreamsWithoutFailing(t *testing.T) {
	st := memstore.New()
	caches := cache.New(cache.DefaultConfig())
	topics := topic0.New(st.Meta(), topic0.DefaultConfig(), nil)

	cfg := Config{WarmStreams: []WarmStream{{Kind: streamid.KindAddr, Value: make([]byte, 32), Shard: 0}}}
	summary, err := Bootstrap(context.Background(), st.Meta(), caches, topics, cfg, nil)
	require.NoError(t, err)
	require.Equal(t, 0, summary.StreamsWarmed)
}
