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

// Package recovery implements Bootstrap, the startup sequence every
// embedding process runs once before accepting ingest or query calls. It
// never scans the log keyspace: the store's own CAS state is the only
// source of truth, and manifests/tails are left to the ordinary lazy
// cache path to load on first touch.
package recovery

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/erigontech/logidx/cache"
	"github.com/erigontech/logidx/codec"
	"github.com/erigontech/logidx/kv"
	"github.com/erigontech/logidx/streamid"
	"github.com/erigontech/logidx/topic0"
)

// WarmStream names a stream to eagerly populate into the read caches
// during Bootstrap, instead of waiting for the first query to touch it.
type WarmStream struct {
	Kind  streamid.Kind
	Value []byte
	Shard uint32
}

// Config controls optional startup warmup. Leaving WarmStreams empty
// (the default) makes Bootstrap a pure state read with no I/O beyond
// meta/state and the topic0 catalog.
type Config struct {
	WarmStreams []WarmStream
}

// Summary reports what Bootstrap found and did.
type Summary struct {
	Head          uint64
	NextLogID     uint64
	WriterEpoch   uint64
	ModesLoaded   int
	StatsLoaded   int
	StreamsWarmed int
}

// Bootstrap runs the startup sequence: read meta/state, preload the
// topic0 mode/stats catalog, and optionally warm a caller-provided list
// of hot streams into the manifest cache. Tails are not warmed.
func Bootstrap(ctx context.Context, meta kv.MetaStore, caches *cache.Caches, topics *topic0.Policy, cfg Config, log *zap.Logger) (*Summary, error) {
	if log == nil {
		log = zap.NewNop()
	}

	s := &Summary{}

	raw, _, ok, err := meta.Get(ctx, []byte(kv.MetaStateKey))
	if err != nil {
		return nil, fmt.Errorf("recovery: read meta/state: %w", err)
	}
	if ok {
		state, err := codec.DecodeMetaState(raw)
		if err != nil {
			return nil, fmt.Errorf("recovery: decode meta/state: %w", err)
		}
		s.Head = state.IndexedFinalizedHead
		s.NextLogID = state.NextLogID
		s.WriterEpoch = state.WriterEpoch
	}

	if err := topics.Preload(ctx); err != nil {
		return nil, fmt.Errorf("recovery: preload topic0 catalog: %w", err)
	}
	s.ModesLoaded, s.StatsLoaded = topics.Loaded()

	for _, ws := range cfg.WarmStreams {
		id, err := streamid.New(ws.Kind, ws.Value, ws.Shard)
		if err != nil {
			log.Warn("skipping invalid warmup stream", zap.Error(err))
			continue
		}
		if _, err := caches.Manifests.GetOrLoad(ctx, id.Bytes(), func(ctx context.Context) (*codec.Manifest, error) {
			raw, _, ok, err := meta.Get(ctx, kv.ManifestKey(id.Bytes()))
			if err != nil {
				return nil, err
			}
			if !ok {
				return &codec.Manifest{}, nil
			}
			return codec.DecodeManifest(raw)
		}); err != nil {
			log.Warn("warmup manifest load failed", zap.String("stream", id.String()), zap.Error(err))
			continue
		}
		s.StreamsWarmed++
	}

	log.Info("recovery bootstrap complete",
		zap.Uint64("indexed_finalized_head", s.Head),
		zap.Uint64("next_log_id", s.NextLogID),
		zap.Int("streams_warmed", s.StreamsWarmed))
	return s, nil
}
