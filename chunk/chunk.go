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

// Package chunk implements the ChunkManager: it seals a stream's tail
// into an immutable chunk blob and CAS-publishes the manifest that
// makes it visible, per the strict four-step publish sequence in the
// engine design (compute, put blob, CAS manifest, clear tail).
package chunk

import (
	"bytes"
	"context"
	"fmt"
	"time"

	"github.com/c2h5oh/datasize"
	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"

	"github.com/erigontech/logidx/codec"
	"github.com/erigontech/logidx/kv"
	"github.com/erigontech/logidx/tail"
)

// Config holds the seal-trigger thresholds.
type Config struct {
	TargetEntries           uint32
	TargetBytes             datasize.ByteSize
	MaintenanceSealInterval time.Duration
	// ManifestCASRetries bounds the retry budget on manifest CAS races,
	// so a pathological race cannot stall ingest forever.
	ManifestCASRetries uint
}

func DefaultConfig() Config {
	return Config{
		TargetEntries:           1950,
		TargetBytes:             64 * datasize.KB,
		MaintenanceSealInterval: 10 * time.Minute,
		ManifestCASRetries:      5,
	}
}

type manifestState struct {
	manifest *codec.Manifest
	version  uint64
	// segments caches loaded segment bodies by segment id, populated
	// lazily; absent entries are (re)loaded from the store on demand.
	segments        map[uint32]*codec.ManifestSegment
	segmentVersions map[uint32]uint64
}

// Manager seals tails and publishes manifests. It is write-path only
// (single writer); readers load manifests through the shared
// cache.Caches, not through this Manager.
type Manager struct {
	meta  kv.MetaStore
	blobs kv.BlobStore
	tails *tail.Manager
	cfg   Config
	log   *zap.Logger

	lastSeal map[string]time.Time
	states   map[string]*manifestState
}

func New(meta kv.MetaStore, blobs kv.BlobStore, tails *tail.Manager, cfg Config, log *zap.Logger) *Manager {
	if log == nil {
		log = zap.NewNop()
	}
	return &Manager{
		meta:     meta,
		blobs:    blobs,
		tails:    tails,
		cfg:      cfg,
		log:      log,
		lastSeal: make(map[string]time.Time),
		states:   make(map[string]*manifestState),
	}
}

func (m *Manager) loadManifest(ctx context.Context, streamID []byte) (*manifestState, error) {
	key := string(streamID)
	if st, ok := m.states[key]; ok {
		return st, nil
	}
	raw, version, ok, err := m.meta.Get(ctx, kv.ManifestKey(streamID))
	if err != nil {
		return nil, fmt.Errorf("chunk: load manifest %x: %w", streamID, err)
	}
	var man *codec.Manifest
	if !ok {
		man = &codec.Manifest{}
		version = 0
	} else {
		man, err = codec.DecodeManifest(raw)
		if err != nil {
			return nil, fmt.Errorf("chunk: decode manifest %x: %w", streamID, err)
		}
	}
	st := &manifestState{
		manifest:        man,
		version:         version,
		segments:        make(map[uint32]*codec.ManifestSegment),
		segmentVersions: make(map[uint32]uint64),
	}
	m.states[key] = st
	return st, nil
}

func (m *Manager) loadSegment(ctx context.Context, streamID []byte, st *manifestState, segID uint32) (*codec.ManifestSegment, error) {
	if seg, ok := st.segments[segID]; ok {
		return seg, nil
	}
	raw, version, ok, err := m.meta.Get(ctx, kv.ManifestSegmentKey(streamID, segID))
	if err != nil {
		return nil, fmt.Errorf("chunk: load segment %x/%d: %w", streamID, segID, err)
	}
	if !ok {
		return nil, fmt.Errorf("chunk: manifest references missing segment %x/%d", streamID, segID)
	}
	seg, err := codec.DecodeManifestSegment(raw)
	if err != nil {
		return nil, fmt.Errorf("chunk: decode segment %x/%d: %w", streamID, segID, err)
	}
	st.segments[segID] = seg
	st.segmentVersions[segID] = version
	return seg, nil
}

// ShouldSeal reports whether any seal trigger holds for streamID, given
// the current tail size. Called after every block's appends land.
func (m *Manager) ShouldSeal(ctx context.Context, streamID []byte) (bool, error) {
	bm, err := m.tails.Snapshot(ctx, streamID)
	if err != nil {
		return false, err
	}
	if bm.IsEmpty() {
		return false, nil
	}
	if bm.GetCardinality() >= uint64(m.cfg.TargetEntries) {
		return true, nil
	}
	size, err := m.tails.SerializedSize(ctx, streamID)
	if err != nil {
		return false, err
	}
	if uint64(size) >= uint64(m.cfg.TargetBytes) {
		return true, nil
	}
	last, ok := m.lastSeal[string(streamID)]
	if !ok {
		// Treat "never sealed" as the clock starting at this stream's
		// first ShouldSeal check; the maintenance trigger only fires once
		// real time has elapsed, it does not force an immediate seal.
		m.lastSeal[string(streamID)] = time.Now()
		return false, nil
	}
	return time.Since(last) >= m.cfg.MaintenanceSealInterval, nil
}

// Seal runs the four-step publish sequence for streamID. It is a no-op
// if the tail is currently empty.
func (m *Manager) Seal(ctx context.Context, streamID []byte, fence kv.Fence) error {
	bm, err := m.tails.Snapshot(ctx, streamID)
	if err != nil {
		return err
	}
	if bm.IsEmpty() {
		return nil
	}

	// Step 1: compute the chunk blob from the current tail.
	c := codec.NewChunkFromBitmap(bm)

	st, err := m.loadManifest(ctx, streamID)
	if err != nil {
		return err
	}
	chunkSeq := uint32(0)
	if st.manifest.NumChunks > 0 {
		chunkSeq = st.manifest.LastChunkSeq + 1
	}
	blobKey := kv.ChunkKey(streamID, chunkSeq)
	blob, err := c.Encode()
	if err != nil {
		return fmt.Errorf("chunk: encode %x/%d: %w", streamID, chunkSeq, err)
	}

	// Step 2: BlobStore.put — idempotent, safe to retry.
	if err := m.blobs.Put(ctx, blobKey, blob); err != nil {
		return fmt.Errorf("chunk: put blob %x/%d: %w", streamID, chunkSeq, err)
	}

	ref := codec.ChunkRef{ChunkSeq: chunkSeq, MinLocal: c.MinLocal, MaxLocal: c.MaxLocal, Count: c.Count}

	// Step 3: CAS-update the manifest (or its affected segment + header
	// pointer) to reference the new chunk, with a bounded retry budget.
	boff := backoff.WithMaxRetries(backoff.NewExponentialBackOff(), uint64(m.cfg.ManifestCASRetries))
	err = backoff.Retry(func() error {
		applied, rerr := m.publishRef(ctx, streamID, st, ref, fence)
		if rerr != nil {
			return backoff.Permanent(rerr)
		}
		if !applied {
			// Reload and retry.
			delete(m.states, string(streamID))
			st, rerr = m.loadManifest(ctx, streamID)
			if rerr != nil {
				return backoff.Permanent(rerr)
			}
			return fmt.Errorf("chunk: manifest CAS not applied for %x, retrying", streamID)
		}
		return nil
	}, boff)
	if err != nil {
		return fmt.Errorf("chunk: publish manifest ref for %x/%d: %w", streamID, chunkSeq, err)
	}

	// Step 4: clear the sealed portion from the in-memory tail and
	// persist a new tail checkpoint. Readers only see the chunk once
	// step 3 succeeded; until then the tail still contained the values.
	if err := m.tails.RemoveSealed(ctx, streamID, c.MaxLocal); err != nil {
		return fmt.Errorf("chunk: remove sealed tail range for %x: %w", streamID, err)
	}
	if _, err := m.tails.CheckpointStream(ctx, streamID, fence); err != nil {
		return fmt.Errorf("chunk: checkpoint shrunk tail for %x: %w", streamID, err)
	}

	m.lastSeal[string(streamID)] = time.Now()
	m.log.Info("sealed chunk",
		zap.Binary("stream_id", streamID),
		zap.Uint32("chunk_seq", chunkSeq),
		zap.Uint32("count", c.Count))
	return nil
}

// publishRef attempts to record ref in streamID's manifest, migrating
// from inline refs to segmented storage as InlineRefCap is crossed. It
// returns applied=false (not an error) when the header CAS lost a race,
// so the caller can reload and retry per the bounded budget.
func (m *Manager) publishRef(ctx context.Context, streamID []byte, st *manifestState, ref codec.ChunkRef, fence kv.Fence) (bool, error) {
	newApproxCount := st.manifest.ApproxCount + uint64(ref.Count)

	if st.manifest.SegmentCount == 0 && len(st.manifest.InlineRefs)+1 <= codec.InlineRefCap {
		newRefs := append(append([]codec.ChunkRef{}, st.manifest.InlineRefs...), ref)
		newManifest := &codec.Manifest{
			LastChunkSeq: ref.ChunkSeq,
			NumChunks:    st.manifest.NumChunks + 1,
			ApproxCount:  newApproxCount,
			SegmentCount: 0,
			InlineRefs:   newRefs,
		}
		return m.casManifest(ctx, streamID, st, newManifest, fence)
	}

	// Segmented storage: migrate inline refs into segment 0 the first
	// time the cap is crossed, otherwise append to (or roll) the
	// latest segment. The header CAS below is the only publish point,
	// so every segment write before it must tolerate content an
	// earlier crashed attempt already landed, the same way the
	// canonical put_if_absent writes tolerate identical replays.
	segCount := st.manifest.SegmentCount

	if segCount == 0 {
		// First migration: segment 0 gets the existing (full) inline
		// refs; the new ref starts segment 1.
		if err := m.writeSegment(ctx, streamID, st, 0, st.manifest.InlineRefs, fence); err != nil {
			return false, err
		}
		if err := m.writeSegment(ctx, streamID, st, 1, []codec.ChunkRef{ref}, fence); err != nil {
			return false, err
		}
		segCount = 2
	} else {
		latest := segCount - 1
		seg, err := m.loadSegment(ctx, streamID, st, latest)
		if err != nil {
			return false, err
		}
		switch {
		case segmentContains(seg.Refs, ref.ChunkSeq):
			// A crashed attempt already landed this ref in the segment;
			// only the header CAS below is still missing. Appending it
			// again would double the ref and skew every count the
			// planner derives from it.
		case len(seg.Refs)+1 <= codec.InlineRefCap:
			refs := append(append([]codec.ChunkRef{}, seg.Refs...), ref)
			if err := m.writeSegment(ctx, streamID, st, latest, refs, fence); err != nil {
				return false, err
			}
		default:
			if err := m.writeSegment(ctx, streamID, st, segCount, []codec.ChunkRef{ref}, fence); err != nil {
				return false, err
			}
			segCount++
		}
	}

	newManifest := &codec.Manifest{
		LastChunkSeq: ref.ChunkSeq,
		NumChunks:    st.manifest.NumChunks + 1,
		ApproxCount:  newApproxCount,
		SegmentCount: segCount,
		InlineRefs:   nil,
	}
	return m.casManifest(ctx, streamID, st, newManifest, fence)
}

// segmentContains reports whether refs already carries chunk seq.
func segmentContains(refs []codec.ChunkRef, seq uint32) bool {
	for _, r := range refs {
		if r.ChunkSeq == seq {
			return true
		}
	}
	return false
}

// writeSegment CAS-writes segID's refs, treating a lost CAS against an
// identical stored record as success: that record is the remnant of a
// crashed attempt that got past this write but not past the header CAS,
// and the redrive produces byte-identical content. The in-memory
// segment cache is kept current either way so later seals CAS against
// the right version.
func (m *Manager) writeSegment(ctx context.Context, streamID []byte, st *manifestState, segID uint32, refs []codec.ChunkRef, fence kv.Fence) error {
	seg := &codec.ManifestSegment{Refs: refs}
	raw := seg.Encode()
	res, err := m.meta.PutIfVersion(ctx, kv.ManifestSegmentKey(streamID, segID), raw, st.segmentVersions[segID], fence)
	if err != nil {
		return fmt.Errorf("chunk: write segment %x/%d: %w", streamID, segID, err)
	}
	version := res.NewVersion
	if !res.Applied {
		if !bytes.Equal(res.Current, raw) {
			return fmt.Errorf("chunk: segment %x/%d CAS race", streamID, segID)
		}
		version = res.CurrentVersion
	}
	st.segments[segID] = seg
	st.segmentVersions[segID] = version
	return nil
}

func (m *Manager) casManifest(ctx context.Context, streamID []byte, st *manifestState, newManifest *codec.Manifest, fence kv.Fence) (bool, error) {
	res, err := m.meta.PutIfVersion(ctx, kv.ManifestKey(streamID), newManifest.Encode(), st.version, fence)
	if err != nil {
		return false, fmt.Errorf("chunk: CAS manifest %x: %w", streamID, err)
	}
	if !res.Applied {
		return false, nil
	}
	st.manifest = newManifest
	st.version = res.NewVersion
	return true, nil
}
