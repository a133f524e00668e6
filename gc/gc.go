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

// Package gc implements Worker, the background reclaimer for chunk blobs
// and manifest segments orphaned by abandoned seal attempts, and for
// emptied-out tail checkpoints. It never touches logs or block meta:
// those are reclaimed by nothing, per the data model's retention rule.
package gc

import (
	"context"
	"encoding/binary"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/erigontech/logidx/codec"
	"github.com/erigontech/logidx/kv"
)

// Action is the operator policy applied once a guardrail counter exceeds
// its configured ceiling.
type Action int

const (
	Throttle Action = iota
	FailClosed
)

// Config holds the guardrail ceilings and the exceedance policy.
type Config struct {
	MaxOrphanChunkBytes       uint64
	MaxOrphanManifestSegments uint64
	MaxStaleTailKeys          uint64
	Action                    Action
}

func DefaultConfig() Config {
	return Config{
		MaxOrphanChunkBytes:       1 << 30,
		MaxOrphanManifestSegments: 10_000,
		MaxStaleTailKeys:          10_000,
		Action:                    Throttle,
	}
}

// Stats is one GC pass's outcome, and the running guardrail counters.
type Stats struct {
	OrphanChunkBytes       uint64
	OrphanChunksDeleted    int
	OrphanManifestSegments uint64
	StaleTailKeys          uint64
}

// Worker runs reclamation passes against the live store, presenting the
// same writer epoch ingest currently holds. Every MetaStore delete is
// version checked, so a delete racing a concurrent seal touching the same
// stream simply fails and GC skips that entry until the next pass. Chunk
// blob deletes are unconditional: BlobStore has no versioned delete.
type Worker struct {
	meta    kv.MetaStore
	blobs   kv.BlobStore
	cfg     Config
	log     *zap.Logger
	fenceFn func() (kv.Fence, bool)

	stats Stats
}

// New builds a Worker. fenceFn returns the writer epoch currently held
// (and whether one is held at all) so GC's DeleteIfVersion calls carry a
// fence the store accepts; GC runs only while a lease is held, same as
// the tail checkpoint timer.
func New(meta kv.MetaStore, blobs kv.BlobStore, cfg Config, fenceFn func() (kv.Fence, bool), log *zap.Logger) *Worker {
	if log == nil {
		log = zap.NewNop()
	}
	return &Worker{meta: meta, blobs: blobs, cfg: cfg, fenceFn: fenceFn, log: log}
}

// Stats returns the guardrail counters as of the last completed pass.
func (w *Worker) Stats() Stats { return w.stats }

// Throttled reports whether the last pass's counters crossed a ceiling
// under the Throttle policy: IngestEngine's embedding service should
// slow its block acceptance rate until the next pass brings it back
// under budget.
func (w *Worker) Throttled() bool {
	return w.cfg.Action == Throttle && w.overBudget()
}

// FailClosed reports the same exceedance under the FailClosed policy:
// the embedding service should stop accepting new blocks entirely.
func (w *Worker) FailClosed() bool {
	return w.cfg.Action == FailClosed && w.overBudget()
}

func (w *Worker) overBudget() bool {
	s := w.stats
	return s.OrphanChunkBytes > w.cfg.MaxOrphanChunkBytes ||
		s.OrphanManifestSegments > w.cfg.MaxOrphanManifestSegments ||
		s.StaleTailKeys > w.cfg.MaxStaleTailKeys
}

// Run performs one full reclamation pass: orphan chunk blobs, orphan
// manifest segments (from abandoned seal-publish retries), and
// zero-cardinality tail checkpoints. It is idempotent and safe to run
// concurrently with ingest.
func (w *Worker) Run(ctx context.Context) (Stats, error) {
	var s Stats

	fence, held := w.fenceFn()
	if !held {
		return s, fmt.Errorf("gc: no writer lease held, deferring pass")
	}

	streamIDs, manifests, err := w.listManifests(ctx)
	if err != nil {
		return s, fmt.Errorf("gc: list manifests: %w", err)
	}

	for i, streamID := range streamIDs {
		man := manifests[i]
		reachable, err := w.reachableChunkSeqs(ctx, streamID, man)
		if err != nil {
			return s, err
		}
		chunkBytes, deleted, err := w.reclaimOrphanChunks(ctx, streamID, reachable)
		if err != nil {
			return s, err
		}
		s.OrphanChunkBytes += chunkBytes
		s.OrphanChunksDeleted += deleted

		orphanSegs, err := w.reclaimOrphanSegments(ctx, streamID, man.SegmentCount, fence)
		if err != nil {
			return s, err
		}
		s.OrphanManifestSegments += orphanSegs
	}

	staleTails, err := w.reclaimStaleTails(ctx, fence)
	if err != nil {
		return s, err
	}
	s.StaleTailKeys = staleTails

	w.stats = s
	w.log.Info("gc pass complete",
		zap.Uint64("orphan_chunk_bytes", s.OrphanChunkBytes),
		zap.Int("orphan_chunks_deleted", s.OrphanChunksDeleted),
		zap.Uint64("orphan_manifest_segments", s.OrphanManifestSegments),
		zap.Uint64("stale_tail_keys", s.StaleTailKeys))
	return s, nil
}

func (w *Worker) listManifests(ctx context.Context) ([][]byte, []*codec.Manifest, error) {
	it, err := w.meta.ListPrefix(ctx, []byte(kv.ManifestPrefix))
	if err != nil {
		return nil, nil, err
	}
	defer it.Close()

	var ids [][]byte
	var mans []*codec.Manifest
	for {
		e, ok, err := it.Next(ctx)
		if err != nil {
			return nil, nil, err
		}
		if !ok {
			break
		}
		streamID := append([]byte{}, e.Key[len(kv.ManifestPrefix):]...)
		man, err := codec.DecodeManifest(e.Value)
		if err != nil {
			return nil, nil, fmt.Errorf("gc: decode manifest %x: %w", streamID, err)
		}
		ids = append(ids, streamID)
		mans = append(mans, man)
	}
	return ids, mans, nil
}

func (w *Worker) reachableChunkSeqs(ctx context.Context, streamID []byte, man *codec.Manifest) (map[uint32]bool, error) {
	reachable := make(map[uint32]bool)
	if man.SegmentCount == 0 {
		for _, r := range man.InlineRefs {
			reachable[r.ChunkSeq] = true
		}
		return reachable, nil
	}
	for seg := uint32(0); seg < man.SegmentCount; seg++ {
		raw, _, ok, err := w.meta.Get(ctx, kv.ManifestSegmentKey(streamID, seg))
		if err != nil {
			return nil, fmt.Errorf("gc: load segment %x/%d: %w", streamID, seg, err)
		}
		if !ok {
			continue // a concurrent migration may not have landed this segment yet
		}
		ms, err := codec.DecodeManifestSegment(raw)
		if err != nil {
			return nil, fmt.Errorf("gc: decode segment %x/%d: %w", streamID, seg, err)
		}
		for _, r := range ms.Refs {
			reachable[r.ChunkSeq] = true
		}
	}
	return reachable, nil
}

func (w *Worker) reclaimOrphanChunks(ctx context.Context, streamID []byte, reachable map[uint32]bool) (uint64, int, error) {
	keys, err := w.blobs.ListPrefix(ctx, kv.ChunkStreamPrefix(streamID))
	if err != nil {
		return 0, 0, fmt.Errorf("gc: list chunks %x: %w", streamID, err)
	}
	var bytesFreed uint64
	var deleted int
	for _, key := range keys {
		seq, err := kv.ParseChunkSeq(key, streamID)
		if err != nil {
			return 0, 0, err
		}
		if reachable[seq] {
			continue
		}
		blob, ok, err := w.blobs.Get(ctx, key)
		if err != nil {
			return 0, 0, fmt.Errorf("gc: read orphan chunk %x/%d: %w", streamID, seq, err)
		}
		if !ok {
			continue
		}
		if err := w.blobs.Delete(ctx, key); err != nil {
			return 0, 0, fmt.Errorf("gc: delete orphan chunk %x/%d: %w", streamID, seq, err)
		}
		bytesFreed += uint64(len(blob))
		deleted++
	}
	return bytesFreed, deleted, nil
}

// reclaimOrphanSegments deletes any manifest_segments/{streamID}/{segID}
// record with segID >= the manifest's current SegmentCount: the only way
// such a record exists is a segment PutIfVersion that landed just before
// the header CAS ran out of retries (chunk.Manager.publishRef), leaving
// it permanently unreferenced.
func (w *Worker) reclaimOrphanSegments(ctx context.Context, streamID []byte, segmentCount uint32, fence kv.Fence) (uint64, error) {
	prefix := append(append([]byte{}, []byte(kv.ManifestSegmentPrefix)...), streamID...)
	prefix = append(prefix, '/')
	it, err := w.meta.ListPrefix(ctx, prefix)
	if err != nil {
		return 0, fmt.Errorf("gc: list segments %x: %w", streamID, err)
	}
	defer it.Close()

	var orphaned uint64
	for {
		e, ok, err := it.Next(ctx)
		if err != nil {
			return 0, err
		}
		if !ok {
			break
		}
		segID, err := parseSegmentID(e.Key, prefix)
		if err != nil {
			return 0, err
		}
		if segID < segmentCount {
			continue
		}
		res, err := w.meta.DeleteIfVersion(ctx, e.Key, e.Version, fence)
		if err != nil {
			// A stale fence or a concurrent rewrite of this exact segment
			// between the list and the delete; skip it for this pass.
			continue
		}
		if res.Applied {
			orphaned++
		}
	}
	return orphaned, nil
}

func parseSegmentID(key, prefix []byte) (uint32, error) {
	if len(key) != len(prefix)+4 {
		return 0, fmt.Errorf("gc: malformed segment key %q", key)
	}
	return binary.BigEndian.Uint32(key[len(prefix):]), nil
}

// reclaimStaleTails deletes tail checkpoints that have been fully sealed
// (zero cardinality) and are therefore redundant: the empty-tail value
// carries no information ChunkManager cannot recompute by treating an
// absent key the same way as an empty one.
func (w *Worker) reclaimStaleTails(ctx context.Context, fence kv.Fence) (uint64, error) {
	it, err := w.meta.ListPrefix(ctx, []byte(kv.TailPrefix))
	if err != nil {
		return 0, err
	}
	defer it.Close()

	var stale uint64
	for {
		e, ok, err := it.Next(ctx)
		if err != nil {
			return 0, err
		}
		if !ok {
			break
		}
		t, err := codec.DecodeTail(e.Value)
		if err != nil {
			return 0, fmt.Errorf("gc: decode tail %s: %w", strings.TrimPrefix(string(e.Key), kv.TailPrefix), err)
		}
		if t.Count != 0 {
			continue
		}
		res, err := w.meta.DeleteIfVersion(ctx, e.Key, e.Version, fence)
		if err != nil {
			continue
		}
		if res.Applied {
			stale++
		}
	}
	return stale, nil
}
