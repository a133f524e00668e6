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

package health

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"

	"github.com/erigontech/logidx/cache"
	"github.com/erigontech/logidx/gc"
)

func TestObserveIngestUpdatesCountersAndTimestamp(t *testing.T) {
	c := New(prometheus.NewRegistry())
	at := time.Unix(1000, 0)
	c.ObserveIngest(5, at)
	c.ObserveIngest(3, at.Add(time.Second))

	report := c.Report(Normal, true, gc.Stats{})
	require.Equal(t, float64(2), report.Counters["logidx_ingested_blocks_total"])
	require.Equal(t, float64(8), report.Counters["logidx_ingested_logs_total"])
	require.Equal(t, at.Add(time.Second), report.LastIngestTS)
}

func TestObserveQueryIncrementsCounter(t *testing.T) {
	c := New(prometheus.NewRegistry())
	c.ObserveQuery()
	c.ObserveQuery()

	report := c.Report(Normal, true, gc.Stats{})
	require.Equal(t, float64(2), report.Counters["logidx_queries_served_total"])
}

func TestObserveCachesPopulatesHitMissLabels(t *testing.T) {
	c := New(prometheus.NewRegistry())
	c.ObserveCaches(cache.Stats{ManifestHits: 3, ManifestMisses: 1, ChunkHits: 7, TailMisses: 2})

	report := c.Report(Normal, true, gc.Stats{})
	require.Equal(t, float64(10), report.Counters["logidx_cache_hits_total"])
	require.Equal(t, float64(3), report.Counters["logidx_cache_misses_total"])
}

func TestObserveGCSetsGaugesFromLatestPass(t *testing.T) {
	c := New(prometheus.NewRegistry())
	c.ObserveGC(gc.Stats{OrphanChunkBytes: 100, OrphanManifestSegments: 2, StaleTailKeys: 4})
	c.ObserveGC(gc.Stats{OrphanChunkBytes: 10, OrphanManifestSegments: 0, StaleTailKeys: 0})

	report := c.Report(Normal, true, gc.Stats{})
	// Gauges reflect the latest Set, not an accumulation across passes.
	require.Equal(t, float64(10), report.Counters["logidx_gc_orphan_chunk_bytes"])
	require.Equal(t, float64(0), report.Counters["logidx_gc_orphan_manifest_segments"])
	require.Equal(t, float64(0), report.Counters["logidx_gc_stale_tail_keys"])
}

func TestReportCarriesModeAndLeaseFromCaller(t *testing.T) {
	c := New(prometheus.NewRegistry())
	report := c.Report(Degraded, false, gc.Stats{OrphanChunkBytes: 7})
	require.Equal(t, Degraded, report.Mode)
	require.False(t, report.LeaseHeld)
	require.Equal(t, uint64(7), report.GCBacklog.OrphanChunkBytes)
}
