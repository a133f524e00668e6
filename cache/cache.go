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

// Package cache provides the read-path LRU caches QueryEngine uses to
// avoid re-fetching manifests, tails and chunk blobs on every query:
// one bounded cache per entity kind, with concurrent cache misses on the
// same key collapsed into a single backing load.
package cache

import (
	"context"

	"github.com/RoaringBitmap/roaring/v2"
	lru "github.com/hashicorp/golang-lru/v2"
	"golang.org/x/sync/singleflight"

	"github.com/erigontech/logidx/codec"
)

// Config sizes the three read caches.
type Config struct {
	ManifestEntries int
	ChunkEntries    int
	TailEntries     int
}

func DefaultConfig() Config {
	return Config{ManifestEntries: 4096, ChunkEntries: 2048, TailEntries: 4096}
}

// Stats exposes hit/miss counters for the health report.
type Stats struct {
	ManifestHits, ManifestMisses int64
	ChunkHits, ChunkMisses       int64
	TailHits, TailMisses         int64
}

// Manifests caches decoded manifests keyed by stream id string.
type Manifests struct {
	lru          *lru.Cache[string, *codec.Manifest]
	group        singleflight.Group
	hits, misses counter
}

func NewManifests(size int) *Manifests {
	c, _ := lru.New[string, *codec.Manifest](size)
	return &Manifests{lru: c}
}

// GetOrLoad returns the cached manifest for streamID, loading it via load
// on a miss. Concurrent callers for the same streamID share one load.
func (m *Manifests) GetOrLoad(ctx context.Context, streamID []byte, load func(context.Context) (*codec.Manifest, error)) (*codec.Manifest, error) {
	key := string(streamID)
	if v, ok := m.lru.Get(key); ok {
		m.hits.incr()
		return v, nil
	}
	m.misses.incr()
	v, err, _ := m.group.Do(key, func() (interface{}, error) {
		loaded, err := load(ctx)
		if err != nil {
			return nil, err
		}
		m.lru.Add(key, loaded)
		return loaded, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*codec.Manifest), nil
}

// Invalidate drops streamID's cached manifest, used after the writer
// publishes a new one so readers do not serve a stale header.
func (m *Manifests) Invalidate(streamID []byte) {
	m.lru.Remove(string(streamID))
}

// Chunks caches decoded chunk payloads keyed by "streamID/chunkSeq".
type Chunks struct {
	lru          *lru.Cache[string, *codec.Chunk]
	group        singleflight.Group
	hits, misses counter
}

func NewChunks(size int) *Chunks {
	c, _ := lru.New[string, *codec.Chunk](size)
	return &Chunks{lru: c}
}

func (c *Chunks) GetOrLoad(ctx context.Context, key string, load func(context.Context) (*codec.Chunk, error)) (*codec.Chunk, error) {
	if v, ok := c.lru.Get(key); ok {
		c.hits.incr()
		return v, nil
	}
	c.misses.incr()
	v, err, _ := c.group.Do(key, func() (interface{}, error) {
		loaded, err := load(ctx)
		if err != nil {
			return nil, err
		}
		c.lru.Add(key, loaded)
		return loaded, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*codec.Chunk), nil
}

// Tails caches tail bitmaps keyed by stream id string. Entries are short
// lived: every call to GetOrLoad after an Invalidate re-fetches, and a
// writer-side checkpoint must call Invalidate so readers never serve a
// tail snapshot older than the last sealed chunk's manifest publish.
type Tails struct {
	lru          *lru.Cache[string, *roaring.Bitmap]
	group        singleflight.Group
	hits, misses counter
}

func NewTails(size int) *Tails {
	c, _ := lru.New[string, *roaring.Bitmap](size)
	return &Tails{lru: c}
}

func (t *Tails) GetOrLoad(ctx context.Context, streamID []byte, load func(context.Context) (*roaring.Bitmap, error)) (*roaring.Bitmap, error) {
	key := string(streamID)
	if v, ok := t.lru.Get(key); ok {
		t.hits.incr()
		return v, nil
	}
	t.misses.incr()
	v, err, _ := t.group.Do(key, func() (interface{}, error) {
		loaded, err := load(ctx)
		if err != nil {
			return nil, err
		}
		t.lru.Add(key, loaded)
		return loaded, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*roaring.Bitmap), nil
}

func (t *Tails) Invalidate(streamID []byte) { t.lru.Remove(string(streamID)) }

func (t *Tails) Stats() (hits, misses int64) { return t.hits.load(), t.misses.load() }

// Stats reports this cache's own hit/miss counters; Caches.Aggregate
// combines all three.
func (m *Manifests) Stats() (hits, misses int64) { return m.hits.load(), m.misses.load() }
func (c *Chunks) Stats() (hits, misses int64)    { return c.hits.load(), c.misses.load() }

// Caches bundles the three read caches behind one construction call.
type Caches struct {
	Manifests *Manifests
	Chunks    *Chunks
	Tails     *Tails
}

func New(cfg Config) *Caches {
	return &Caches{
		Manifests: NewManifests(cfg.ManifestEntries),
		Chunks:    NewChunks(cfg.ChunkEntries),
		Tails:     NewTails(cfg.TailEntries),
	}
}

// Aggregate returns a Stats snapshot across all three caches.
func (c *Caches) Aggregate() Stats {
	mh, mm := c.Manifests.Stats()
	ch, cm := c.Chunks.Stats()
	th, tm := c.Tails.Stats()
	return Stats{
		ManifestHits: mh, ManifestMisses: mm,
		ChunkHits: ch, ChunkMisses: cm,
		TailHits: th, TailMisses: tm,
	}
}
