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

package query

import (
	"context"
	"fmt"
	"sort"

	"github.com/RoaringBitmap/roaring/v2"

	"github.com/erigontech/logidx/cache"
	"github.com/erigontech/logidx/codec"
	"github.com/erigontech/logidx/errs"
	"github.com/erigontech/logidx/internal/mathutil"
	"github.com/erigontech/logidx/kv"
	"github.com/erigontech/logidx/streamid"
)

// Executor runs a Plan against the store. Candidate ids are produced in
// ascending (shard, local) order, which is ascending global_log_id order,
// which in turn is ascending (block_num, tx_idx, log_idx) order because
// IngestEngine assigns ids in exactly that sequence: no separate sort
// step is needed before the max_results early stop.
type Executor struct {
	s *store
}

func NewExecutor(meta kv.MetaStore, blobs kv.BlobStore, caches *cache.Caches) *Executor {
	return &Executor{s: &store{meta: meta, blobs: blobs, caches: caches}}
}

func (e *Executor) Execute(ctx context.Context, plan *Plan) ([]codec.Log, error) {
	const op = "query.Execute"
	if plan.Empty {
		return nil, nil
	}
	if plan.BlockScan {
		return e.blockScan(ctx, plan)
	}

	var candidate map[uint32]*roaring.Bitmap
	if len(plan.Early) == 0 {
		candidate = fullRangeShardMap(plan.L0, plan.L1)
	} else {
		for i, c := range plan.Early {
			if err := ctx.Err(); err != nil {
				return nil, errs.New(op, errs.Internal, err)
			}
			cm, err2 := e.clauseShardMap(ctx, c.Kind, c.Values, plan.L0, plan.L1)
			if err2 != nil {
				return nil, errs.New(op, errs.BackendTransient, err2)
			}
			if i == 0 {
				candidate = cm
			} else {
				candidate = intersectShardMaps(candidate, cm)
			}
			if len(candidate) == 0 {
				return nil, nil
			}
		}
	}

	if plan.Late != nil {
		blockMap, err2 := e.clauseShardMap(ctx, plan.Late.Kind, plan.Late.Values, plan.B0, plan.B1)
		if err2 != nil {
			return nil, errs.New(op, errs.BackendTransient, err2)
		}
		idx, err2 := e.buildBlockIndex(ctx, plan.B0, plan.B1)
		if err2 != nil {
			return nil, errs.New(op, errs.BackendTransient, err2)
		}
		candidate = filterByBlockMembership(candidate, blockMap, idx)
	}

	shards := make([]uint32, 0, len(candidate))
	for shard := range candidate {
		shards = append(shards, shard)
	}
	sort.Slice(shards, func(i, j int) bool { return shards[i] < shards[j] })

	var out []codec.Log
	for _, shard := range shards {
		bm := candidate[shard]
		it := bm.Iterator()
		for it.HasNext() {
			if err := ctx.Err(); err != nil {
				return nil, errs.New(op, errs.Internal, err)
			}
			local := it.Next()
			id := mathutil.Join64(shard, local)
			log, ok, err2 := e.s.readLog(ctx, id)
			if err2 != nil {
				return nil, errs.New(op, errs.BackendTransient, err2)
			}
			if !ok {
				return nil, errs.New(op, errs.Corruption, fmt.Errorf("log %d indexed but missing", id))
			}
			if !matchesFilter(log, plan.Filter) {
				continue
			}
			out = append(out, *log)
			if plan.Filter.MaxResults > 0 && len(out) >= plan.Filter.MaxResults {
				return out, nil
			}
		}
	}
	return out, nil
}

// blockEntry anchors a block_num to the global_log_id of its first log,
// for binary-searching which block a candidate log id belongs to.
type blockEntry struct {
	FirstLogID uint64
	BlockNum   uint64
}

func (e *Executor) buildBlockIndex(ctx context.Context, b0, b1 uint64) ([]blockEntry, error) {
	out := make([]blockEntry, 0, b1-b0+1)
	for b := b0; b <= b1; b++ {
		bm, ok, err := e.s.readBlockMeta(ctx, b)
		if err != nil {
			return nil, err
		}
		if !ok {
			return nil, fmt.Errorf("query: block_meta %d missing", b)
		}
		out = append(out, blockEntry{FirstLogID: bm.FirstLogID, BlockNum: b})
		if b == mathutil.MaxUint64 {
			break
		}
	}
	return out, nil
}

func logIDToBlock(idx []blockEntry, id uint64) uint64 {
	i := sort.Search(len(idx), func(i int) bool { return idx[i].FirstLogID > id })
	if i == 0 {
		return idx[0].BlockNum
	}
	return idx[i-1].BlockNum
}

func filterByBlockMembership(candidate, blockMap map[uint32]*roaring.Bitmap, idx []blockEntry) map[uint32]*roaring.Bitmap {
	out := make(map[uint32]*roaring.Bitmap, len(candidate))
	for shard, bm := range candidate {
		kept := roaring.New()
		it := bm.Iterator()
		for it.HasNext() {
			local := it.Next()
			id := mathutil.Join64(shard, local)
			block := logIDToBlock(idx, id)
			bshard, blocal := mathutil.HiShard(block), mathutil.LoLocal(block)
			if bbm, ok := blockMap[bshard]; ok && bbm.Contains(blocal) {
				kept.Add(local)
			}
		}
		if !kept.IsEmpty() {
			out[shard] = kept
		}
	}
	return out
}

// clauseShardMap unions every OR value's bitmap (sealed chunks + tail)
// per shard, restricted to [idLo, idHi].
func (e *Executor) clauseShardMap(ctx context.Context, kind streamid.Kind, values [][]byte, idLo, idHi uint64) (map[uint32]*roaring.Bitmap, error) {
	shardLo, shardHi := mathutil.HiShard(idLo), mathutil.HiShard(idHi)
	out := make(map[uint32]*roaring.Bitmap)
	for shard := shardLo; shard <= shardHi; shard++ {
		lo, hi := localBounds(shard, shardLo, shardHi, idLo, idHi)
		shardBM := roaring.New()
		for _, v := range values {
			id, err := streamid.New(kind, v, shard)
			if err != nil {
				return nil, err
			}
			man, err := e.s.loadManifest(ctx, id)
			if err != nil {
				return nil, err
			}
			refs, err := e.s.refsFor(ctx, id, man)
			if err != nil {
				return nil, err
			}
			for _, ref := range refs {
				if !ref.Overlaps(lo, hi) {
					continue
				}
				c, err := e.s.loadChunk(ctx, id, ref.ChunkSeq)
				if err != nil {
					return nil, err
				}
				shardBM.Or(c.Bitmap)
			}
			tail, err := e.s.loadTail(ctx, id)
			if err != nil {
				return nil, err
			}
			shardBM.Or(tail)
		}
		shardBM.And(rangeBitmap(lo, hi))
		if !shardBM.IsEmpty() {
			out[shard] = shardBM
		}
		if shard == mathutil.MaxUint32 {
			break
		}
	}
	return out, nil
}

func fullRangeShardMap(idLo, idHi uint64) map[uint32]*roaring.Bitmap {
	shardLo, shardHi := mathutil.HiShard(idLo), mathutil.HiShard(idHi)
	out := make(map[uint32]*roaring.Bitmap)
	for shard := shardLo; shard <= shardHi; shard++ {
		lo, hi := localBounds(shard, shardLo, shardHi, idLo, idHi)
		out[shard] = rangeBitmap(lo, hi)
		if shard == mathutil.MaxUint32 {
			break
		}
	}
	return out
}

func intersectShardMaps(a, b map[uint32]*roaring.Bitmap) map[uint32]*roaring.Bitmap {
	out := make(map[uint32]*roaring.Bitmap)
	small, large := a, b
	if len(b) < len(a) {
		small, large = b, a
	}
	for shard, bm := range small {
		other, ok := large[shard]
		if !ok {
			continue
		}
		r := bm.Clone()
		r.And(other)
		if !r.IsEmpty() {
			out[shard] = r
		}
	}
	return out
}

// blockScan is the fallback path: no per-value index fan-out, just walk
// every block in [B0,B1] in order and exact-filter its logs. Used when
// an OR-list exceeded the guardrail under the block-scan policy. When
// Topics[0] constrains the query, blocks are pre-filtered by topic0_block
// membership before their logs are read; otherwise every block in range
// is read.
func (e *Executor) blockScan(ctx context.Context, plan *Plan) ([]codec.Log, error) {
	const op = "query.blockScan"
	var topic0Map map[uint32]*roaring.Bitmap
	if vals := topicValues(plan.Filter.Topics[0]); len(vals) > 0 {
		m, err := e.clauseShardMap(ctx, streamid.KindTopic0Block, vals, plan.B0, plan.B1)
		if err != nil {
			return nil, errs.New(op, errs.BackendTransient, err)
		}
		topic0Map = m
	}

	var out []codec.Log
	for b := plan.B0; b <= plan.B1; b++ {
		if topic0Map != nil {
			bshard, blocal := mathutil.HiShard(b), mathutil.LoLocal(b)
			bbm, ok := topic0Map[bshard]
			if !ok || !bbm.Contains(blocal) {
				continue
			}
		}
		bm, ok, err := e.s.readBlockMeta(ctx, b)
		if err != nil {
			return nil, errs.New(op, errs.BackendTransient, err)
		}
		if !ok {
			return nil, errs.New(op, errs.NotFound, fmt.Errorf("block_meta %d missing", b))
		}
		for i := uint32(0); i < bm.Count; i++ {
			id := bm.FirstLogID + uint64(i)
			log, ok, err := e.s.readLog(ctx, id)
			if err != nil {
				return nil, errs.New(op, errs.BackendTransient, err)
			}
			if !ok {
				return nil, errs.New(op, errs.Corruption, fmt.Errorf("log %d indexed but missing", id))
			}
			if !matchesFilter(log, plan.Filter) {
				continue
			}
			out = append(out, *log)
			if plan.Filter.MaxResults > 0 && len(out) >= plan.Filter.MaxResults {
				return out, nil
			}
		}
		if b == mathutil.MaxUint64 {
			break
		}
	}
	return out, nil
}

func matchesFilter(log *codec.Log, f Filter) bool {
	if len(f.Address) > 0 {
		match := false
		for _, a := range f.Address {
			if log.Address == a {
				match = true
				break
			}
		}
		if !match {
			return false
		}
	}
	for slot, ors := range f.Topics {
		if len(ors) == 0 {
			continue
		}
		t, ok := log.Topic(slot)
		if !ok {
			return false
		}
		match := false
		for _, want := range ors {
			if t == want {
				match = true
				break
			}
		}
		if !match {
			return false
		}
	}
	return true
}
