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

// Package health assembles the operator-facing status report and owns
// the Prometheus metrics every other package feeds into.
package health

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/erigontech/logidx/cache"
	"github.com/erigontech/logidx/gc"
)

// Mode is the coarse operating state reported to operators.
type Mode string

const (
	Normal    Mode = "Normal"
	Throttled Mode = "Throttled"
	Degraded  Mode = "Degraded"
)

// Report is a point-in-time snapshot, matching the public Health() call.
type Report struct {
	Mode         Mode
	LeaseHeld    bool
	GCBacklog    gc.Stats
	LastIngestTS time.Time
	Counters     map[string]float64
}

// Collector owns the Prometheus metrics surface and the last-ingest
// timestamp the embedding service cannot otherwise observe from outside.
type Collector struct {
	reg *prometheus.Registry

	ingestedBlocks  prometheus.Counter
	ingestedLogs    prometheus.Counter
	queriesServed   prometheus.Counter
	cacheHits       *prometheus.CounterVec
	cacheMisses     *prometheus.CounterVec
	orphanBytes     prometheus.Gauge
	orphanSegments  prometheus.Gauge
	staleTailKeys   prometheus.Gauge

	mu           sync.Mutex
	lastIngestTS time.Time
	lastCache    cache.Stats
}

// New registers the index's metrics against reg. Pass a fresh
// prometheus.NewRegistry() per process, or prometheus.DefaultRegisterer
// wrapped by the caller.
func New(reg *prometheus.Registry) *Collector {
	c := &Collector{
		reg: reg,
		ingestedBlocks: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "logidx_ingested_blocks_total", Help: "Finalized blocks ingested.",
		}),
		ingestedLogs: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "logidx_ingested_logs_total", Help: "Logs written to the index.",
		}),
		queriesServed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "logidx_queries_served_total", Help: "QueryFinalized calls completed.",
		}),
		cacheHits: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "logidx_cache_hits_total", Help: "Read cache hits by entity kind.",
		}, []string{"kind"}),
		cacheMisses: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "logidx_cache_misses_total", Help: "Read cache misses by entity kind.",
		}, []string{"kind"}),
		orphanBytes: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "logidx_gc_orphan_chunk_bytes", Help: "Orphaned chunk bytes as of the last GC pass.",
		}),
		orphanSegments: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "logidx_gc_orphan_manifest_segments", Help: "Orphaned manifest segments as of the last GC pass.",
		}),
		staleTailKeys: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "logidx_gc_stale_tail_keys", Help: "Stale tail checkpoints as of the last GC pass.",
		}),
	}
	reg.MustRegister(c.ingestedBlocks, c.ingestedLogs, c.queriesServed, c.cacheHits, c.cacheMisses,
		c.orphanBytes, c.orphanSegments, c.staleTailKeys)
	return c
}

// ObserveIngest records one applied block.
func (c *Collector) ObserveIngest(logCount int, at time.Time) {
	c.ingestedBlocks.Inc()
	c.ingestedLogs.Add(float64(logCount))
	c.mu.Lock()
	c.lastIngestTS = at
	c.mu.Unlock()
}

// ObserveQuery records one completed QueryFinalized call.
func (c *Collector) ObserveQuery() { c.queriesServed.Inc() }

// ObserveCaches folds cache.Caches' running hit/miss totals into the
// Prometheus vectors. The caller hands in cumulative counters, so only
// the delta since the previous observation is added.
func (c *Collector) ObserveCaches(stats cache.Stats) {
	c.mu.Lock()
	prev := c.lastCache
	c.lastCache = stats
	c.mu.Unlock()

	c.cacheHits.WithLabelValues("manifest").Add(float64(stats.ManifestHits - prev.ManifestHits))
	c.cacheMisses.WithLabelValues("manifest").Add(float64(stats.ManifestMisses - prev.ManifestMisses))
	c.cacheHits.WithLabelValues("chunk").Add(float64(stats.ChunkHits - prev.ChunkHits))
	c.cacheMisses.WithLabelValues("chunk").Add(float64(stats.ChunkMisses - prev.ChunkMisses))
	c.cacheHits.WithLabelValues("tail").Add(float64(stats.TailHits - prev.TailHits))
	c.cacheMisses.WithLabelValues("tail").Add(float64(stats.TailMisses - prev.TailMisses))
}

// ObserveGC snapshots one GC pass's guardrail counters.
func (c *Collector) ObserveGC(s gc.Stats) {
	c.orphanBytes.Set(float64(s.OrphanChunkBytes))
	c.orphanSegments.Set(float64(s.OrphanManifestSegments))
	c.staleTailKeys.Set(float64(s.StaleTailKeys))
}

// Report assembles the public HealthReport. mode and leaseHeld come from
// the caller (logidx.Core) since they depend on engine/lease state this
// package does not itself hold.
func (c *Collector) Report(mode Mode, leaseHeld bool, gcStats gc.Stats) Report {
	c.mu.Lock()
	lastIngest := c.lastIngestTS
	c.mu.Unlock()

	metrics, err := c.reg.Gather()
	counters := make(map[string]float64)
	if err == nil {
		for _, mf := range metrics {
			for _, m := range mf.GetMetric() {
				switch {
				case m.GetCounter() != nil:
					counters[mf.GetName()] += m.GetCounter().GetValue()
				case m.GetGauge() != nil:
					counters[mf.GetName()] += m.GetGauge().GetValue()
				}
			}
		}
	}

	return Report{
		Mode:         mode,
		LeaseHeld:    leaseHeld,
		GCBacklog:    gcStats,
		LastIngestTS: lastIngest,
		Counters:     counters,
	}
}
