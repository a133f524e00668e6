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

package logidx

import (
	"time"

	"github.com/erigontech/logidx/cache"
	"github.com/erigontech/logidx/chunk"
	"github.com/erigontech/logidx/gc"
	"github.com/erigontech/logidx/query"
	"github.com/erigontech/logidx/recovery"
	"github.com/erigontech/logidx/topic0"
)

// Config carries every tunable the index exposes. The embedder
// populates it directly; no flag/env/file loader is provided.
type Config struct {
	// GenesisParentHash is the parent hash block 0 must present.
	GenesisParentHash [32]byte

	Chunk chunk.Config

	TailFlushInterval time.Duration

	Topic0 topic0.Config

	Query query.Config

	GC         gc.Config
	GCInterval time.Duration

	Cache cache.Config

	Recovery recovery.Config

	// ServeStaleOnDegraded lets QueryFinalized keep answering from the
	// last good snapshot while IngestFinalizedBlock is latched degraded,
	// instead of failing every read too.
	ServeStaleOnDegraded bool
}

// DefaultConfig returns sane thresholds for a single-process embedding,
// matching the defaults each component already picks on its own.
func DefaultConfig() Config {
	return Config{
		Chunk:                chunk.DefaultConfig(),
		TailFlushInterval:    5 * time.Second,
		Topic0:               topic0.DefaultConfig(),
		Query:                query.DefaultConfig(),
		GC:                   gc.DefaultConfig(),
		GCInterval:           time.Minute,
		Cache:                cache.DefaultConfig(),
		ServeStaleOnDegraded: false,
	}
}
