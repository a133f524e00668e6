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

	"github.com/erigontech/logidx/cache"
	"github.com/erigontech/logidx/codec"
	"github.com/erigontech/logidx/errs"
	"github.com/erigontech/logidx/internal/mathutil"
	"github.com/erigontech/logidx/kv"
	"github.com/erigontech/logidx/streamid"
)

// Clause is one OR-list predicate the planner estimated and ordered.
type Clause struct {
	Kind     streamid.Kind
	Values   [][]byte
	Estimate uint64
}

// Plan is the immutable output of Planner.Plan: a snapshot of meta/state
// plus the resolved block/log ranges and ordered clauses, ready for
// Executor.Execute. It never touches a chunk blob.
type Plan struct {
	Head      uint64
	B0, B1    uint64 // inclusive resolved block range
	L0, L1    uint64 // inclusive resolved global_log_id range
	Empty     bool   // true if the range is empty after clipping: no work to do
	Early     []Clause
	Late      *Clause // topic0_block, filtered after early-clause intersection
	BlockScan bool    // guardrail fallback: ignore Early/Late, scan blocks directly
	Filter    Filter
}

// Planner turns a Filter into a Plan, reading manifests/tails (never chunk
// blobs) to estimate clause cardinality without materializing bitmaps.
type Planner struct {
	s   *store
	cfg Config
}

func NewPlanner(meta kv.MetaStore, blobs kv.BlobStore, caches *cache.Caches, cfg Config) *Planner {
	return &Planner{s: &store{meta: meta, blobs: blobs, caches: caches}, cfg: cfg}
}

func (p *Planner) Plan(ctx context.Context, f Filter) (*Plan, error) {
	const op = "query.Plan"
	if f.BlockHash != nil && (f.FromBlock != nil || f.ToBlock != nil) {
		return nil, errs.New(op, errs.InvalidParams, fmt.Errorf("block_hash is mutually exclusive with from_block/to_block"))
	}

	raw, _, ok, err := p.s.meta.Get(ctx, []byte(kv.MetaStateKey))
	if err != nil {
		return nil, errs.New(op, errs.BackendTransient, err)
	}
	if !ok {
		return &Plan{Empty: true, Filter: f}, nil
	}
	state, err := codec.DecodeMetaState(raw)
	if err != nil {
		return nil, errs.New(op, errs.Corruption, err)
	}
	head := state.IndexedFinalizedHead
	// Acquiring the lease alone creates meta/state; until a block with
	// logs is published, a block range holds no logs to return.
	if f.BlockHash == nil && head == 0 && state.NextLogID == 0 {
		return &Plan{Empty: true, Filter: f}, nil
	}

	var b0, b1 uint64
	if f.BlockHash != nil {
		numRaw, _, ok, err := p.s.meta.Get(ctx, kv.BlockHashToNumKey(*f.BlockHash))
		if err != nil {
			return nil, errs.New(op, errs.BackendTransient, err)
		}
		if !ok {
			return nil, errs.New(op, errs.NotFound, fmt.Errorf("block_hash %x not indexed", *f.BlockHash))
		}
		num, err := codec.DecodeBlockNum(numRaw)
		if err != nil {
			return nil, errs.New(op, errs.Corruption, err)
		}
		if num > head {
			return nil, errs.New(op, errs.NotFound, fmt.Errorf("block_hash %x resolves above the finalized head", *f.BlockHash))
		}
		b0, b1 = num, num
	} else {
		// Intersect the requested range with [0, head]: the upper bound
		// clips down to head, but a from_block above head makes the
		// intersection empty rather than snapping back into range.
		b0 = 0
		if f.FromBlock != nil {
			b0 = *f.FromBlock
		}
		b1 = head
		if f.ToBlock != nil {
			b1 = mathutil.Clip(*f.ToBlock, 0, head)
		}
	}
	if b0 > b1 {
		return &Plan{Head: head, Empty: true, Filter: f}, nil
	}

	bm0, ok, err := p.s.readBlockMeta(ctx, b0)
	if err != nil {
		return nil, errs.New(op, errs.BackendTransient, err)
	}
	if !ok {
		return nil, errs.New(op, errs.NotFound, fmt.Errorf("block_meta %d missing", b0))
	}
	if f.BlockHash != nil && bm0.BlockHash != *f.BlockHash {
		return nil, errs.New(op, errs.NotFound, fmt.Errorf("block_hash %x does not match indexed block %d", *f.BlockHash, b0))
	}
	bm1, ok, err := p.s.readBlockMeta(ctx, b1)
	if err != nil {
		return nil, errs.New(op, errs.BackendTransient, err)
	}
	if !ok {
		return nil, errs.New(op, errs.NotFound, fmt.Errorf("block_meta %d missing", b1))
	}
	// The exclusive end bm1.FirstLogID+Count avoids the underflow a
	// "last id" form would hit when b0..b1 emitted no logs at all and
	// FirstLogID is still 0.
	l0, l1Excl := bm0.FirstLogID, bm1.FirstLogID+uint64(bm1.Count)
	if l1Excl <= l0 {
		return &Plan{Head: head, B0: b0, B1: b1, Empty: true, Filter: f}, nil
	}
	l1 := l1Excl - 1

	plan := &Plan{Head: head, B0: b0, B1: b1, L0: l0, L1: l1, Filter: f}

	guardrailHit := false
	addClause := func(kind streamid.Kind, values [][]byte, idLo, idHi uint64) (*Clause, error) {
		if len(values) == 0 {
			return nil, nil
		}
		if len(values) > p.cfg.MaxOrTerms {
			guardrailHit = true
		}
		est, err := p.estimate(ctx, kind, values, idLo, idHi)
		if err != nil {
			return nil, err
		}
		return &Clause{Kind: kind, Values: values, Estimate: est}, nil
	}

	addrClause, err := addClause(streamid.KindAddr, addrValues(f.Address), l0, l1)
	if err != nil {
		return nil, errs.New(op, errs.BackendTransient, err)
	}
	if addrClause != nil {
		plan.Early = append(plan.Early, *addrClause)
	}
	topicKinds := [3]streamid.Kind{streamid.KindTopic1, streamid.KindTopic2, streamid.KindTopic3}
	for i, kind := range topicKinds {
		c, err := addClause(kind, topicValues(f.Topics[i+1]), l0, l1)
		if err != nil {
			return nil, errs.New(op, errs.BackendTransient, err)
		}
		if c != nil {
			plan.Early = append(plan.Early, *c)
		}
	}
	sort.SliceStable(plan.Early, func(i, j int) bool { return plan.Early[i].Estimate < plan.Early[j].Estimate })

	if vals := topicValues(f.Topics[0]); len(vals) > 0 {
		c, err := addClause(streamid.KindTopic0Block, vals, b0, b1)
		if err != nil {
			return nil, errs.New(op, errs.BackendTransient, err)
		}
		plan.Late = c
	}

	if guardrailHit {
		switch p.cfg.Action {
		case ActionBlockScan:
			plan.BlockScan = true
		default:
			return nil, errs.New(op, errs.QueryTooBroad, fmt.Errorf("an OR-list exceeds max_or_terms=%d", p.cfg.MaxOrTerms))
		}
	}
	return plan, nil
}

func addrValues(addrs [][20]byte) [][]byte {
	if len(addrs) == 0 {
		return nil
	}
	out := make([][]byte, len(addrs))
	for i, a := range addrs {
		v := make([]byte, 20)
		copy(v, a[:])
		out[i] = v
	}
	return out
}

func topicValues(topics [][32]byte) [][]byte {
	if len(topics) == 0 {
		return nil
	}
	out := make([][]byte, len(topics))
	for i, t := range topics {
		v := make([]byte, 32)
		copy(v, t[:])
		out[i] = v
	}
	return out
}

// estimate sums Count over every chunk ref (plus tail cardinality)
// overlapping [idLo, idHi], for every value and every shard the range
// touches, without reading a single chunk blob.
func (p *Planner) estimate(ctx context.Context, kind streamid.Kind, values [][]byte, idLo, idHi uint64) (uint64, error) {
	shardLo, shardHi := mathutil.HiShard(idLo), mathutil.HiShard(idHi)
	var total uint64
	for _, v := range values {
		for shard := shardLo; shard <= shardHi; shard++ {
			lo, hi := localBounds(shard, shardLo, shardHi, idLo, idHi)
			id, err := streamid.New(kind, v, shard)
			if err != nil {
				return 0, err
			}
			man, err := p.s.loadManifest(ctx, id)
			if err != nil {
				return 0, err
			}
			refs, err := p.s.refsFor(ctx, id, man)
			if err != nil {
				return 0, err
			}
			for _, ref := range refs {
				if ref.Overlaps(lo, hi) {
					total += uint64(ref.Count)
				}
			}
			tail, err := p.s.loadTail(ctx, id)
			if err != nil {
				return 0, err
			}
			total += tail.AndCardinality(rangeBitmap(lo, hi))
			if shard == mathutil.MaxUint32 {
				break // avoid wrapping shard+1 to 0
			}
		}
	}
	return total, nil
}
