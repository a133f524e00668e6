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

// Package ingest implements Engine, the single-writer per-block pipeline.
// IngestFinalizedBlock runs as a fixed sequence of ten numbered steps, in
// the same staged-stage style as turbo/snapshotsync: a sync run there is
// likewise a sequence of named stages. Steps 5-7 (canonical writes,
// stream appends, seal pass) are private methods; the other steps run
// inline in IngestFinalizedBlock.
package ingest

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/erigontech/logidx/cache"
	"github.com/erigontech/logidx/chunk"
	"github.com/erigontech/logidx/codec"
	"github.com/erigontech/logidx/errs"
	"github.com/erigontech/logidx/kv"
	"github.com/erigontech/logidx/lease"
	"github.com/erigontech/logidx/streamid"
	"github.com/erigontech/logidx/tail"
	"github.com/erigontech/logidx/topic0"
)

// Engine is the sole writer of canonical and index data.
type Engine struct {
	meta   kv.MetaStore
	blobs  kv.BlobStore
	tails  *tail.Manager
	chunks *chunk.Manager
	topics *topic0.Policy
	leases *lease.Manager
	log    *zap.Logger

	// GenesisParentHash is the parent hash block 0 must present.
	GenesisParentHash [32]byte

	// Caches, when set, is invalidated for every stream a block touched
	// once that block's state CAS lands, so readers sharing the caches
	// never serve a manifest or tail older than the published head.
	Caches *cache.Caches

	// degraded latches true on any non-recoverable error (Corruption,
	// FinalityViolation, a lost fence mid-ingest); every subsequent
	// IngestFinalizedBlock call then fails fast until ClearDegraded is
	// called. Recovery is always an explicit operator action, never
	// automatic.
	degraded bool
}

func New(meta kv.MetaStore, blobs kv.BlobStore, tails *tail.Manager, chunks *chunk.Manager, topics *topic0.Policy, leases *lease.Manager, log *zap.Logger) *Engine {
	if log == nil {
		log = zap.NewNop()
	}
	return &Engine{meta: meta, blobs: blobs, tails: tails, chunks: chunks, topics: topics, leases: leases, log: log}
}

// Degraded reports whether the engine has latched into fail-closed
// degraded mode.
func (e *Engine) Degraded() bool { return e.degraded }

// ClearDegraded leaves degraded mode. It never happens on its own.
func (e *Engine) ClearDegraded(reason string) {
	e.log.Warn("degraded mode cleared by operator", zap.String("reason", reason))
	e.degraded = false
}

// IngestFinalizedBlock runs the full per-block pipeline: lease check,
// replay/finality/parent-linkage checks, id assignment, canonical writes,
// stream appends, seal policy, topic0 stats, tail checkpoints, and the
// final meta/state visibility barrier.
func (e *Engine) IngestFinalizedBlock(ctx context.Context, b Block) (Outcome, error) {
	const op = "ingest.IngestFinalizedBlock"

	if e.degraded {
		return 0, errs.New(op, errs.Corruption, fmt.Errorf("engine is in degraded mode"))
	}

	// Step 1: lease check.
	fence, held := e.leases.Fence()
	if !held {
		return 0, errs.New(op, errs.LeaseLost, fmt.Errorf("writer lease not held"))
	}

	state, stateVersion, err := e.readState(ctx)
	if err != nil {
		return 0, errs.New(op, errs.Internal, err)
	}

	// Step 2: replay / finality check. Visibility is defined by
	// meta/state, not by block_meta existence: a block_meta row without a
	// matching state advance is the remnant of a crashed attempt and the
	// pipeline must be redriven (every write below is idempotent).
	// Head and NextLogID both zero means genesis was never published —
	// or was published with zero logs, in which case redriving it is the
	// same set of idempotent writes and converges to the same state.
	published := state.IndexedFinalizedHead > 0 || state.NextLogID > 0
	visible := b.BlockNum < state.IndexedFinalizedHead ||
		(b.BlockNum == state.IndexedFinalizedHead && published)
	existing, err := e.readBlockMeta(ctx, b.BlockNum)
	if err != nil {
		return 0, errs.New(op, errs.Internal, err)
	}
	if existing != nil {
		switch {
		case visible && existing.BlockHash == b.BlockHash:
			return AlreadyIngested, nil
		case visible:
			e.degraded = true
			return 0, errs.New(op, errs.FinalityViolation,
				fmt.Errorf("block %d already indexed with hash %x, got differing hash %x", b.BlockNum, existing.BlockHash, b.BlockHash))
		case existing.BlockHash != b.BlockHash:
			// An unpublished remnant that disagrees with the incoming
			// block: the upstream re-fed a different block at the same
			// height before the first ever became visible. Deterministic
			// keys make this unrecoverable without operator help.
			e.degraded = true
			return 0, errs.New(op, errs.Corruption,
				fmt.Errorf("block %d has an unpublished remnant with hash %x, got differing hash %x", b.BlockNum, existing.BlockHash, b.BlockHash))
		}
	}

	// Ordering: the only acceptable new block is the direct successor of
	// the published head (or genesis on an empty index).
	next := uint64(0)
	if published {
		next = state.IndexedFinalizedHead + 1
	}
	if b.BlockNum != next {
		return 0, errs.New(op, errs.OrderingViolation,
			fmt.Errorf("block %d out of order, expected %d", b.BlockNum, next))
	}

	// Step 3: parent linkage. Block 0 must present the configured
	// genesis base; every later block must chain onto an already-indexed
	// predecessor. This also rejects gaps: a block whose predecessor is
	// unindexed can never pass this check.
	if b.BlockNum == 0 {
		if b.ParentHash != e.GenesisParentHash {
			return 0, errs.New(op, errs.OrderingViolation,
				fmt.Errorf("genesis block parent hash %x does not match configured base %x", b.ParentHash, e.GenesisParentHash))
		}
	} else {
		parent, err := e.readBlockMeta(ctx, b.BlockNum-1)
		if err != nil {
			return 0, errs.New(op, errs.Internal, err)
		}
		if parent == nil {
			return 0, errs.New(op, errs.OrderingViolation,
				fmt.Errorf("block %d has no indexed predecessor", b.BlockNum))
		}
		if parent.BlockHash != b.ParentHash {
			return 0, errs.New(op, errs.OrderingViolation,
				fmt.Errorf("block %d parent hash %x does not match indexed predecessor %x", b.BlockNum, b.ParentHash, parent.BlockHash))
		}
	}

	// Step 4: assign ids.
	firstLogID := state.NextLogID

	// Step 5: canonical writes.
	if err := e.writeCanonical(ctx, b, firstLogID, fence); err != nil {
		if errs.Is(err, errs.Corruption) {
			e.degraded = true
		}
		return 0, err
	}

	// Step 6: stream appends.
	distinctSigs, err := e.appendStreams(ctx, b, firstLogID)
	if err != nil {
		return 0, err
	}

	// Step 7: seal policy for every stream touched by this block.
	touched, err := e.streamsTouched(ctx, b, firstLogID)
	if err != nil {
		return 0, errs.New(op, errs.Internal, err)
	}
	if err := e.maybeSealTouched(ctx, touched, fence); err != nil {
		return 0, err
	}

	// Step 8: topic0 stats. Every signature the index already tracks gets
	// its rolling window advanced this block, present=false if it did not
	// appear in b: this is what makes rate reflect blocks elapsed rather
	// than mere occurrence count. Snapshot the tracked set before
	// advancing distinctSigs, so a signature appearing in b for the very
	// first time is not also advanced a second time as "absent".
	for _, sig := range e.topics.TrackedSigs() {
		if distinctSigs[sig] {
			continue
		}
		if _, err := e.topics.Advance(ctx, sig, b.BlockNum, false); err != nil {
			return 0, errs.New(op, errs.Internal, err)
		}
	}
	for sig := range distinctSigs {
		if _, err := e.topics.Advance(ctx, sig, b.BlockNum, true); err != nil {
			return 0, errs.New(op, errs.Internal, err)
		}
	}
	if err := e.topics.Flush(ctx, fence); err != nil {
		return 0, errs.New(op, errs.Internal, err)
	}

	// Step 9: tail checkpoints for any stream still dirty.
	if err := e.tails.CheckpointDirty(ctx, fence); err != nil {
		if errors.Is(err, kv.ErrFenceRejected) {
			e.leases.MarkLost(err)
			e.degraded = true
			return 0, errs.New(op, errs.LeaseLost, err)
		}
		return 0, errs.New(op, errs.Internal, err)
	}

	// Step 10: visibility barrier.
	newState := &codec.MetaState{
		IndexedFinalizedHead: b.BlockNum,
		NextLogID:            firstLogID + uint64(len(b.Logs)),
		WriterEpoch:          uint64(fence),
	}
	res, err := e.meta.PutIfVersion(ctx, []byte(kv.MetaStateKey), newState.Encode(), stateVersion, fence)
	if err != nil {
		return 0, errs.New(op, errs.Internal, err)
	}
	if !res.Applied {
		// Impossible under the single-writer invariant; a lost race here
		// means something outside that invariant mutated the store.
		e.degraded = true
		return 0, errs.New(op, errs.Internal,
			fmt.Errorf("meta/state CAS lost a race at block %d (expected version %d)", b.BlockNum, stateVersion))
	}

	// The block is visible; drop any reader-cached manifest or tail for
	// the streams it touched so the next query reloads current state.
	if e.Caches != nil {
		for _, sid := range touched {
			e.Caches.Manifests.Invalidate(sid)
			e.Caches.Tails.Invalidate(sid)
		}
	}

	e.log.Info("ingested block",
		zap.Uint64("block_num", b.BlockNum),
		zap.Int("log_count", len(b.Logs)),
		zap.Uint64("first_log_id", firstLogID))
	return Applied, nil
}

func (e *Engine) readState(ctx context.Context) (*codec.MetaState, uint64, error) {
	raw, version, ok, err := e.meta.Get(ctx, []byte(kv.MetaStateKey))
	if err != nil {
		return nil, 0, err
	}
	if !ok {
		return &codec.MetaState{}, 0, nil
	}
	s, err := codec.DecodeMetaState(raw)
	if err != nil {
		return nil, 0, err
	}
	return s, version, nil
}

func (e *Engine) readBlockMeta(ctx context.Context, num uint64) (*codec.BlockMeta, error) {
	raw, _, ok, err := e.meta.Get(ctx, kv.BlockMetaKey(num))
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, nil
	}
	return codec.DecodeBlockMeta(raw)
}

func (e *Engine) writeCanonical(ctx context.Context, b Block, firstLogID uint64, fence kv.Fence) error {
	const op = "ingest.writeCanonical"

	for i, l := range b.Logs {
		logVal := &codec.Log{
			GlobalLogID: firstLogID + uint64(i),
			Address:     l.Address,
			Topics:      append([][32]byte{}, l.Topics...),
			Data:        l.Data,
			BlockNum:    b.BlockNum,
			TxIndex:     l.TxIndex,
			LogIndex:    l.LogIndex,
			BlockHash:   b.BlockHash,
		}
		key := kv.LogKey(firstLogID + uint64(i))
		res, err := e.meta.PutIfAbsent(ctx, key, logVal.Encode(), fence)
		if err != nil {
			return errs.New(op, errs.Internal, err)
		}
		if !res.Applied {
			return errs.New(op, errs.Corruption,
				fmt.Errorf("log %d already exists with different content on replay", firstLogID+uint64(i)))
		}
	}

	bm := &codec.BlockMeta{
		BlockHash:  b.BlockHash,
		ParentHash: b.ParentHash,
		FirstLogID: firstLogID,
		Count:      uint32(len(b.Logs)),
	}
	res, err := e.meta.PutIfAbsent(ctx, kv.BlockMetaKey(b.BlockNum), bm.Encode(), fence)
	if err != nil {
		return errs.New(op, errs.Internal, err)
	}
	if !res.Applied {
		return errs.New(op, errs.Corruption,
			fmt.Errorf("block_meta %d already exists with different content on replay", b.BlockNum))
	}

	res, err = e.meta.PutIfAbsent(ctx, kv.BlockHashToNumKey(b.BlockHash), codec.EncodeBlockNum(b.BlockNum), fence)
	if err != nil {
		return errs.New(op, errs.Internal, err)
	}
	if !res.Applied {
		return errs.New(op, errs.Corruption,
			fmt.Errorf("block_hash_to_num %x already exists with different content on replay", b.BlockHash))
	}
	return nil
}

var topicSlotKinds = map[int]streamid.Kind{1: streamid.KindTopic1, 2: streamid.KindTopic2, 3: streamid.KindTopic3}

// appendStreams performs step 6, returning the set of distinct topic0
// signatures seen in the block (for step 8).
func (e *Engine) appendStreams(ctx context.Context, b Block, firstLogID uint64) (map[[32]byte]bool, error) {
	const op = "ingest.appendStreams"
	distinctSigs := make(map[[32]byte]bool)

	for i, l := range b.Logs {
		logID := firstLogID + uint64(i)
		shardHi := uint32(logID >> 32)

		addrID, err := streamid.New(streamid.KindAddr, l.Address[:], shardHi)
		if err != nil {
			return nil, errs.New(op, errs.Internal, err)
		}
		if err := e.tails.Append(ctx, addrID.Bytes(), uint32(logID)); err != nil {
			return nil, errs.New(op, errs.Internal, err)
		}

		for slot, kind := range topicSlotKinds {
			if slot >= len(l.Topics) {
				continue
			}
			val := l.Topics[slot]
			id, err := streamid.New(kind, val[:], shardHi)
			if err != nil {
				return nil, errs.New(op, errs.Internal, err)
			}
			if err := e.tails.Append(ctx, id.Bytes(), uint32(logID)); err != nil {
				return nil, errs.New(op, errs.Internal, err)
			}
		}

		if len(l.Topics) > 0 {
			distinctSigs[l.Topics[0]] = true
		}
	}

	// One append per distinct topic0 signature seen anywhere in the
	// block to the block-level stream, shard by block_num.
	blockShardHi := uint32(b.BlockNum >> 32)
	for sig := range distinctSigs {
		id, err := streamid.New(streamid.KindTopic0Block, sig[:], blockShardHi)
		if err != nil {
			return nil, errs.New(op, errs.Internal, err)
		}
		if err := e.tails.Append(ctx, id.Bytes(), uint32(b.BlockNum)); err != nil {
			return nil, errs.New(op, errs.Internal, err)
		}
	}

	// Per-log append to the log-level topic0 stream, only for
	// signatures currently hybrid-enabled as of this block.
	for i, l := range b.Logs {
		if len(l.Topics) == 0 {
			continue
		}
		sig := l.Topics[0]
		mode, err := e.topics.ModeFor(ctx, sig)
		if err != nil {
			return nil, errs.New(op, errs.Internal, err)
		}
		if !mode.LogEnabled || b.BlockNum < mode.EnabledFromBlock {
			continue
		}
		logID := firstLogID + uint64(i)
		shardHi := uint32(logID >> 32)
		id, err := streamid.New(streamid.KindTopic0Log, sig[:], shardHi)
		if err != nil {
			return nil, errs.New(op, errs.Internal, err)
		}
		if err := e.tails.Append(ctx, id.Bytes(), uint32(logID)); err != nil {
			return nil, errs.New(op, errs.Internal, err)
		}
	}

	return distinctSigs, nil
}

// streamsTouched recomputes every stream id touched by b, for the seal
// pass. Recomputing rather than threading a list out of appendStreams
// keeps the seal policy decoupled from append bookkeeping; block log
// counts are small enough that redoing this small loop is not material.
func (e *Engine) streamsTouched(ctx context.Context, b Block, firstLogID uint64) ([][]byte, error) {
	var out [][]byte
	seen := make(map[string]bool)
	add := func(id streamid.ID) {
		k := id.String()
		if !seen[k] {
			seen[k] = true
			out = append(out, id.Bytes())
		}
	}

	for i, l := range b.Logs {
		logID := firstLogID + uint64(i)
		shardHi := uint32(logID >> 32)
		addrID, err := streamid.New(streamid.KindAddr, l.Address[:], shardHi)
		if err != nil {
			return nil, err
		}
		add(addrID)
		for slot, kind := range topicSlotKinds {
			if slot >= len(l.Topics) {
				continue
			}
			val := l.Topics[slot]
			id, err := streamid.New(kind, val[:], shardHi)
			if err != nil {
				return nil, err
			}
			add(id)
		}
		if len(l.Topics) > 0 {
			mode, err := e.topics.ModeFor(ctx, l.Topics[0])
			if err != nil {
				return nil, err
			}
			if mode.LogEnabled && b.BlockNum >= mode.EnabledFromBlock {
				id, err := streamid.New(streamid.KindTopic0Log, l.Topics[0][:], shardHi)
				if err != nil {
					return nil, err
				}
				add(id)
			}
		}
	}

	blockShardHi := uint32(b.BlockNum >> 32)
	seenSig := make(map[[32]byte]bool)
	for _, l := range b.Logs {
		if len(l.Topics) == 0 || seenSig[l.Topics[0]] {
			continue
		}
		seenSig[l.Topics[0]] = true
		id, err := streamid.New(streamid.KindTopic0Block, l.Topics[0][:], blockShardHi)
		if err != nil {
			return nil, err
		}
		add(id)
	}
	return out, nil
}

func (e *Engine) maybeSealTouched(ctx context.Context, streams [][]byte, fence kv.Fence) error {
	const op = "ingest.maybeSealTouched"
	for _, sid := range streams {
		should, err := e.chunks.ShouldSeal(ctx, sid)
		if err != nil {
			return errs.New(op, errs.Internal, err)
		}
		if !should {
			continue
		}
		if err := e.chunks.Seal(ctx, sid, fence); err != nil {
			if errors.Is(err, kv.ErrFenceRejected) {
				e.leases.MarkLost(err)
				e.degraded = true
				return errs.New(op, errs.LeaseLost, err)
			}
			return errs.New(op, errs.Internal, err)
		}
	}
	return nil
}
