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

// Package tail implements the TailManager: per-stream mutable roaring
// bitmaps holding values not yet sealed into a chunk, with periodic
// checkpoints to the MetaStore. TailManager is write-path only; readers
// see tails through their own MetaStore reads (the visibility barrier
// guarantees every dirty tail touched by a block is checkpointed before
// that block's meta/state CAS succeeds).
package tail

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/RoaringBitmap/roaring/v2"
	"github.com/cespare/xxhash/v2"
	"go.uber.org/zap"

	"github.com/erigontech/logidx/codec"
	"github.com/erigontech/logidx/kv"
)

type streamState struct {
	bitmap  *roaring.Bitmap
	version uint64 // 0 => key not yet created in the store
	dirty   bool
}

// tailStripes is the lock-stripe count for the stream map. A block's
// appends touch many distinct streams; striping keeps the write path and
// the background checkpoint timer off a single mutex.
const tailStripes = 64

type stripe struct {
	mu      sync.Mutex
	streams map[string]*streamState
}

// Manager owns the live tail bitmaps for every stream touched since
// process start. It is not safe for concurrent ingest (single-writer
// invariant); it is safe to call concurrently with its own background
// timer goroutine.
type Manager struct {
	meta kv.MetaStore
	log  *zap.Logger

	stripes [tailStripes]stripe

	flushInterval time.Duration
	stopCh        chan struct{}
	stopped       sync.Once
}

func New(meta kv.MetaStore, flushInterval time.Duration, log *zap.Logger) *Manager {
	if log == nil {
		log = zap.NewNop()
	}
	m := &Manager{
		meta:          meta,
		log:           log,
		flushInterval: flushInterval,
		stopCh:        make(chan struct{}),
	}
	for i := range m.stripes {
		m.stripes[i].streams = make(map[string]*streamState)
	}
	return m
}

func (m *Manager) stripeFor(streamID []byte) *stripe {
	return &m.stripes[xxhash.Sum64(streamID)%tailStripes]
}

// loadLocked returns the stream's state, lazily loading it from the
// store on first touch. Caller must hold s.mu.
func (m *Manager) loadLocked(ctx context.Context, s *stripe, streamID []byte) (*streamState, error) {
	key := string(streamID)
	if st, ok := s.streams[key]; ok {
		return st, nil
	}
	raw, version, ok, err := m.meta.Get(ctx, kv.TailKey(streamID))
	if err != nil {
		return nil, fmt.Errorf("tail: load %x: %w", streamID, err)
	}
	var bm *roaring.Bitmap
	if !ok {
		bm = roaring.New()
		version = 0
	} else {
		t, derr := codec.DecodeTail(raw)
		if derr != nil {
			return nil, fmt.Errorf("tail: decode %x: %w", streamID, derr)
		}
		bm = t.Bitmap
	}
	st := &streamState{bitmap: bm, version: version}
	s.streams[key] = st
	return st, nil
}

// Append is an idempotent set-insert of local into streamID's tail.
func (m *Manager) Append(ctx context.Context, streamID []byte, local uint32) error {
	s := m.stripeFor(streamID)
	s.mu.Lock()
	defer s.mu.Unlock()
	st, err := m.loadLocked(ctx, s, streamID)
	if err != nil {
		return err
	}
	if !st.bitmap.Contains(local) {
		st.bitmap.Add(local)
		st.dirty = true
	}
	return nil
}

// Snapshot returns a cloned bitmap for streamID as of now (lazily
// loading it if untouched this process). Used by ChunkManager to decide
// whether a seal threshold is crossed and to build the sealed chunk.
func (m *Manager) Snapshot(ctx context.Context, streamID []byte) (*roaring.Bitmap, error) {
	s := m.stripeFor(streamID)
	s.mu.Lock()
	defer s.mu.Unlock()
	st, err := m.loadLocked(ctx, s, streamID)
	if err != nil {
		return nil, err
	}
	return st.bitmap.Clone(), nil
}

// SerializedSize returns the tail's current roaring-encoded size in
// bytes, used by ChunkManager's target_bytes seal trigger.
func (m *Manager) SerializedSize(ctx context.Context, streamID []byte) (int, error) {
	s := m.stripeFor(streamID)
	s.mu.Lock()
	defer s.mu.Unlock()
	st, err := m.loadLocked(ctx, s, streamID)
	if err != nil {
		return 0, err
	}
	return int(st.bitmap.GetSerializedSizeInBytes()), nil
}

// RemoveSealed clears every value <= maxLocal from streamID's tail
// (ChunkManager publish step 4: "clear the sealed portion from the
// in-memory tail") and marks it dirty so the next checkpoint persists
// the shrunk tail.
func (m *Manager) RemoveSealed(ctx context.Context, streamID []byte, maxLocal uint32) error {
	s := m.stripeFor(streamID)
	s.mu.Lock()
	defer s.mu.Unlock()
	st, err := m.loadLocked(ctx, s, streamID)
	if err != nil {
		return err
	}
	sealed := roaring.New()
	sealed.AddRange(0, uint64(maxLocal)+1)
	sealed.And(st.bitmap)
	if sealed.IsEmpty() {
		return nil
	}
	st.bitmap.AndNot(sealed)
	st.dirty = true
	return nil
}

// CheckpointStream persists streamID's tail if dirty. Returns false if
// there was nothing to do.
func (m *Manager) CheckpointStream(ctx context.Context, streamID []byte, fence kv.Fence) (bool, error) {
	s := m.stripeFor(streamID)
	s.mu.Lock()
	st, ok := s.streams[string(streamID)]
	s.mu.Unlock()
	if !ok || !st.dirty {
		return false, nil
	}
	return m.checkpoint(ctx, streamID, st, fence)
}

// CheckpointDirty persists every currently dirty stream's tail. Called
// at the end of every ingested block (for streams touched by that
// block) and by the maintenance timer (for any dirty stream).
func (m *Manager) CheckpointDirty(ctx context.Context, fence kv.Fence) error {
	var dirtyKeys [][]byte
	for i := range m.stripes {
		s := &m.stripes[i]
		s.mu.Lock()
		for k, st := range s.streams {
			if st.dirty {
				dirtyKeys = append(dirtyKeys, []byte(k))
			}
		}
		s.mu.Unlock()
	}

	for _, k := range dirtyKeys {
		s := m.stripeFor(k)
		s.mu.Lock()
		st := s.streams[string(k)]
		s.mu.Unlock()
		if st == nil {
			continue
		}
		if _, err := m.checkpoint(ctx, k, st, fence); err != nil {
			return err
		}
	}
	return nil
}

func (m *Manager) checkpoint(ctx context.Context, streamID []byte, st *streamState, fence kv.Fence) (bool, error) {
	s := m.stripeFor(streamID)
	s.mu.Lock()
	bm := st.bitmap.Clone()
	expectedVersion := st.version
	s.mu.Unlock()

	t := &codec.Tail{Count: uint32(bm.GetCardinality()), Bitmap: bm}
	raw, err := t.Encode()
	if err != nil {
		return false, fmt.Errorf("tail: encode %x: %w", streamID, err)
	}

	res, err := m.meta.PutIfVersion(ctx, kv.TailKey(streamID), raw, expectedVersion, fence)
	if err != nil {
		return false, fmt.Errorf("tail: checkpoint %x: %w", streamID, err)
	}
	if !res.Applied {
		// A lost CAS here means a concurrent writer — impossible under
		// the single-writer invariant — or a stale fence. Either way
		// the caller aborts ingest and enters degraded mode; we do not
		// retry silently.
		return false, fmt.Errorf("tail: checkpoint %x: %w (expected version %d, store has %d)", streamID, kv.ErrFenceRejected, expectedVersion, res.CurrentVersion)
	}

	s.mu.Lock()
	st.version = res.NewVersion
	st.dirty = false
	s.mu.Unlock()
	m.log.Debug("tail checkpointed", zap.Binary("stream_id", streamID), zap.Uint64("version", res.NewVersion))
	return true, nil
}

// StartTimer runs the periodic flush-interval checkpoint loop until
// Stop is called. fenceFn is consulted on every tick so the manager
// always checkpoints under the currently held epoch.
func (m *Manager) StartTimer(ctx context.Context, fenceFn func() kv.Fence) {
	go func() {
		ticker := time.NewTicker(m.flushInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-m.stopCh:
				return
			case <-ticker.C:
				if err := m.CheckpointDirty(ctx, fenceFn()); err != nil {
					m.log.Warn("periodic tail checkpoint failed", zap.Error(err))
				}
			}
		}
	}()
}

func (m *Manager) Stop() {
	m.stopped.Do(func() { close(m.stopCh) })
}
