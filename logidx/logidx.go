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

// Package logidx wires every component into Core, the single facade an
// embedding service talks to: IngestFinalizedBlock, QueryFinalized,
// IndexedFinalizedHead and Health. Callers build a query.Filter and an
// ingest.Block; nothing outside this package should need to import
// chunk, tail, topic0, gc or lease directly.
package logidx

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/erigontech/logidx/cache"
	"github.com/erigontech/logidx/chunk"
	"github.com/erigontech/logidx/codec"
	"github.com/erigontech/logidx/errs"
	"github.com/erigontech/logidx/gc"
	"github.com/erigontech/logidx/health"
	"github.com/erigontech/logidx/ingest"
	"github.com/erigontech/logidx/kv"
	"github.com/erigontech/logidx/lease"
	"github.com/erigontech/logidx/query"
	"github.com/erigontech/logidx/recovery"
	"github.com/erigontech/logidx/tail"
	"github.com/erigontech/logidx/topic0"
)

// Core is the index's only exported entry point.
type Core struct {
	cfg Config
	log *zap.Logger

	meta  kv.MetaStore
	blobs kv.BlobStore

	leases  *lease.Manager
	tails   *tail.Manager
	topics  *topic0.Policy
	engine  *ingest.Engine
	planner *query.Planner
	exec    *query.Executor
	gcw     *gc.Worker
	caches  *cache.Caches
	health  *health.Collector

	ingestLimiter *rate.Limiter

	runCancel context.CancelFunc
	group     *errgroup.Group
}

// New constructs Core against the given backing stores but does not
// start any background loop or acquire the writer lease; call Start for
// that.
func New(meta kv.MetaStore, blobs kv.BlobStore, cfg Config, reg *prometheus.Registry, log *zap.Logger) *Core {
	if log == nil {
		log = zap.NewNop()
	}
	if reg == nil {
		reg = prometheus.NewRegistry()
	}

	caches := cache.New(cfg.Cache)
	leases := lease.New(meta, log)
	tails := tail.New(meta, cfg.TailFlushInterval, log)
	chunks := chunk.New(meta, blobs, tails, cfg.Chunk, log)
	topics := topic0.New(meta, cfg.Topic0, log)
	engine := ingest.New(meta, blobs, tails, chunks, topics, leases, log)
	engine.GenesisParentHash = cfg.GenesisParentHash
	engine.Caches = caches

	fenceFn := func() (kv.Fence, bool) { return leases.Fence() }
	gcw := gc.New(meta, blobs, cfg.GC, fenceFn, log)

	return &Core{
		cfg:           cfg,
		log:           log,
		meta:          meta,
		blobs:         blobs,
		leases:        leases,
		tails:         tails,
		topics:        topics,
		engine:        engine,
		planner:       query.NewPlanner(meta, blobs, caches, cfg.Query),
		exec:          query.NewExecutor(meta, blobs, caches),
		gcw:           gcw,
		caches:        caches,
		health:        health.New(reg),
		ingestLimiter: rate.NewLimiter(rate.Inf, 1),
	}
}

// Start runs RecoveryBootstrap, acquires the writer lease, and launches
// the tail-checkpoint timer and the GC loop as a grouped lifecycle: if
// any of them returns a non-nil error the whole group winds down
// together.
func (c *Core) Start(ctx context.Context) (*recovery.Summary, error) {
	summary, err := recovery.Bootstrap(ctx, c.meta, c.caches, c.topics, c.cfg.Recovery, c.log)
	if err != nil {
		return nil, fmt.Errorf("logidx: recovery bootstrap: %w", err)
	}

	if _, err := c.leases.Acquire(ctx); err != nil {
		return nil, fmt.Errorf("logidx: acquire writer lease: %w", err)
	}

	runCtx, cancel := context.WithCancel(ctx)
	c.runCancel = cancel
	group, groupCtx := errgroup.WithContext(runCtx)
	c.group = group

	c.tails.StartTimer(groupCtx, func() kv.Fence {
		f, _ := c.leases.Fence()
		return f
	})

	if c.cfg.GCInterval > 0 {
		group.Go(func() error { return c.runGCLoop(groupCtx) })
	}

	return summary, nil
}

// Stop cancels the background loops and releases the tail timer. It
// does not release the writer lease: acquisition is a one-way door for
// the process lifetime, matching LeaseManager's documented contract.
func (c *Core) Stop() error {
	c.tails.Stop()
	if c.runCancel == nil {
		return nil
	}
	c.runCancel()
	if c.group == nil {
		return nil
	}
	if err := c.group.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

func (c *Core) runGCLoop(ctx context.Context) error {
	ticker := time.NewTicker(c.cfg.GCInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			stats, err := c.gcw.Run(ctx)
			if err != nil {
				c.log.Warn("gc pass failed", zap.Error(err))
				continue
			}
			c.health.ObserveGC(stats)
			c.applyGuardrail()
		}
	}
}

// applyGuardrail reconfigures the ingest rate limiter according to the
// last GC pass's Throttle/FailClosed verdict. FailClosed is enforced by
// IngestFinalizedBlock itself (it checks gcw.FailClosed directly);
// Throttle is enforced here by slowing the limiter instead of blocking
// ingest outright.
func (c *Core) applyGuardrail() {
	if c.gcw.Throttled() {
		c.ingestLimiter.SetLimit(rate.Every(100 * time.Millisecond))
	} else {
		c.ingestLimiter.SetLimit(rate.Inf)
	}
}

// IngestFinalizedBlock applies one finalized block to the index.
func (c *Core) IngestFinalizedBlock(ctx context.Context, b ingest.Block) (ingest.Outcome, error) {
	const op = "logidx.IngestFinalizedBlock"
	if c.gcw.FailClosed() {
		return 0, errs.New(op, errs.GuardrailExceeded, fmt.Errorf("gc backlog over budget, refusing new blocks"))
	}
	if err := c.ingestLimiter.Wait(ctx); err != nil {
		return 0, errs.New(op, errs.Internal, err)
	}

	start := time.Now()
	outcome, err := c.engine.IngestFinalizedBlock(ctx, b)
	if err != nil {
		return outcome, err
	}
	c.health.ObserveIngest(len(b.Logs), start)
	c.health.ObserveCaches(c.caches.Aggregate())
	return outcome, nil
}

// QueryFinalized plans and executes f against the current index state.
// If the engine is degraded and cfg.ServeStaleOnDegraded is false, it
// refuses the read rather than risk answering from a torn snapshot.
func (c *Core) QueryFinalized(ctx context.Context, f query.Filter) ([]codec.Log, error) {
	const op = "logidx.QueryFinalized"
	if c.engine.Degraded() && !c.cfg.ServeStaleOnDegraded {
		return nil, errs.New(op, errs.Degraded, fmt.Errorf("engine is degraded, refusing query"))
	}
	plan, err := c.planner.Plan(ctx, f)
	if err != nil {
		return nil, err
	}
	logs, err := c.exec.Execute(ctx, plan)
	if err != nil {
		return nil, err
	}
	c.health.ObserveQuery()
	return logs, nil
}

// IndexedFinalizedHead returns the highest block number fully visible
// to readers.
func (c *Core) IndexedFinalizedHead(ctx context.Context) (uint64, error) {
	const op = "logidx.IndexedFinalizedHead"
	raw, _, ok, err := c.meta.Get(ctx, []byte(kv.MetaStateKey))
	if err != nil {
		return 0, errs.New(op, errs.BackendTransient, err)
	}
	if !ok {
		return 0, nil
	}
	state, err := codec.DecodeMetaState(raw)
	if err != nil {
		return 0, errs.New(op, errs.Corruption, err)
	}
	return state.IndexedFinalizedHead, nil
}

// ClearDegraded leaves degraded mode, an explicit operator action only.
func (c *Core) ClearDegraded(reason string) { c.engine.ClearDegraded(reason) }

// Health assembles the current operator-facing status report.
func (c *Core) Health(ctx context.Context) health.Report {
	mode := health.Normal
	switch {
	case c.engine.Degraded():
		mode = health.Degraded
	case c.gcw.Throttled():
		mode = health.Throttled
	}
	return c.health.Report(mode, c.leases.Held(), c.gcw.Stats())
}
