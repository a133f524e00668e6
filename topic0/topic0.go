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

// Package topic0 implements the hybrid block-level/log-level indexing
// policy for event signatures: every signature is tracked
// in a rolling window; a signature that turns out to be rare earns
// per-log indexing, a signature that turns out to be hot loses it,
// with hysteresis so it does not flap at the boundary.
package topic0

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/erigontech/logidx/codec"
	"github.com/erigontech/logidx/kv"
)

// Config holds the rolling-window and hysteresis thresholds.
type Config struct {
	WindowLen   uint32
	EnableRate  float64
	DisableRate float64
}

func DefaultConfig() Config {
	return Config{WindowLen: 50_000, EnableRate: 0.001, DisableRate: 0.010}
}

// Transition describes a log_enabled flip that occurred while advancing
// a signature's window for a block.
type Transition struct {
	Sig            [32]byte
	NowLogEnabled  bool
	EnabledFromBlk uint64
}

// Policy owns the per-signature stats/mode CAS state. It is write-path
// only, driven once per distinct signature per ingested block.
type Policy struct {
	meta kv.MetaStore
	cfg  Config
	log  *zap.Logger

	stats map[[32]byte]*statState
	modes map[[32]byte]*modeState
	dirty map[[32]byte]bool
}

type statState struct {
	stats   *codec.Topic0Stats
	version uint64
}

type modeState struct {
	mode    *codec.Topic0Mode
	version uint64
}

func New(meta kv.MetaStore, cfg Config, log *zap.Logger) *Policy {
	if log == nil {
		log = zap.NewNop()
	}
	return &Policy{
		meta:  meta,
		cfg:   cfg,
		log:   log,
		stats: make(map[[32]byte]*statState),
		modes: make(map[[32]byte]*modeState),
		dirty: make(map[[32]byte]bool),
	}
}

func (p *Policy) loadStats(ctx context.Context, sig [32]byte) (*statState, error) {
	if s, ok := p.stats[sig]; ok {
		return s, nil
	}
	raw, version, ok, err := p.meta.Get(ctx, kv.Topic0StatsKey(sig))
	if err != nil {
		return nil, fmt.Errorf("topic0: load stats %x: %w", sig, err)
	}
	var st *codec.Topic0Stats
	if !ok {
		st = codec.NewTopic0Stats(p.cfg.WindowLen)
		version = 0
	} else {
		st, err = codec.DecodeTopic0Stats(raw)
		if err != nil {
			return nil, fmt.Errorf("topic0: decode stats %x: %w", sig, err)
		}
	}
	s := &statState{stats: st, version: version}
	p.stats[sig] = s
	return s, nil
}

func (p *Policy) loadMode(ctx context.Context, sig [32]byte) (*modeState, error) {
	if m, ok := p.modes[sig]; ok {
		return m, nil
	}
	raw, version, ok, err := p.meta.Get(ctx, kv.Topic0ModeKey(sig))
	if err != nil {
		return nil, fmt.Errorf("topic0: load mode %x: %w", sig, err)
	}
	var md *codec.Topic0Mode
	if !ok {
		md = &codec.Topic0Mode{LogEnabled: false, EnabledFromBlock: 0}
		version = 0
	} else {
		md, err = codec.DecodeTopic0Mode(raw)
		if err != nil {
			return nil, fmt.Errorf("topic0: decode mode %x: %w", sig, err)
		}
	}
	m := &modeState{mode: md, version: version}
	p.modes[sig] = m
	return m, nil
}

// ModeFor returns the currently known log_enabled/enabled_from_block for
// sig, lazily loading it. Used by IngestEngine step 6 to decide whether
// to append to topic0_log(sig) for the current block.
func (p *Policy) ModeFor(ctx context.Context, sig [32]byte) (*codec.Topic0Mode, error) {
	m, err := p.loadMode(ctx, sig)
	if err != nil {
		return nil, err
	}
	return m.mode, nil
}

// Advance updates sig's rolling window for block B (present=true iff
// sig appeared in B), applying the hysteresis transition rules, and
// returns a non-nil Transition if log_enabled flipped. The caller is
// responsible for persisting the stats/mode changes with Flush under
// the block's fence; Advance itself only mutates
// in-memory state.
func (p *Policy) Advance(ctx context.Context, sig [32]byte, blockNum uint64, present bool) (*Transition, error) {
	ss, err := p.loadStats(ctx, sig)
	if err != nil {
		return nil, err
	}
	rate := ss.stats.Advance(present)

	ms, err := p.loadMode(ctx, sig)
	if err != nil {
		return nil, err
	}

	var tr *Transition
	switch {
	case !ms.mode.LogEnabled && rate < p.cfg.EnableRate:
		// enabled_from_block = B + 1, never B itself: a transition triggered
		// during ingest of B does not retroactively cover B.
		ms.mode.LogEnabled = true
		ms.mode.EnabledFromBlock = blockNum + 1
		tr = &Transition{Sig: sig, NowLogEnabled: true, EnabledFromBlk: ms.mode.EnabledFromBlock}
	case ms.mode.LogEnabled && rate > p.cfg.DisableRate:
		ms.mode.LogEnabled = false
		ms.mode.EnabledFromBlock = 0
		tr = &Transition{Sig: sig, NowLogEnabled: false}
	}
	p.dirty[sig] = true
	return tr, nil
}

// TrackedSigs returns every signature with loaded stats/mode state,
// whether from a prior Advance call this process or from Preload at
// startup. IngestEngine's step 8 snapshots this before advancing the
// current block's signatures, so every already-tracked signature gets
// an Advance call every block, recording absence (present=false) for
// blocks where it doesn't appear: this is what keeps BlocksSeenInWindow
// counting real elapsed blocks rather than mere occurrences.
func (p *Policy) TrackedSigs() [][32]byte {
	out := make([][32]byte, 0, len(p.stats))
	for sig := range p.stats {
		out = append(out, sig)
	}
	return out
}

// Preload reads the full topic0_mode/topic0_stats catalog into memory so
// ModeFor calls during startup are served without a per-signature Get.
// Safe to call once before any Advance/ModeFor call; entries already
// cached are left untouched.
func (p *Policy) Preload(ctx context.Context) error {
	it, err := p.meta.ListPrefix(ctx, []byte(kv.Topic0ModePrefix))
	if err != nil {
		return fmt.Errorf("topic0: preload modes: %w", err)
	}
	defer it.Close()
	for {
		e, ok, err := it.Next(ctx)
		if err != nil {
			return fmt.Errorf("topic0: preload modes: %w", err)
		}
		if !ok {
			break
		}
		var sig [32]byte
		copy(sig[:], e.Key[len(kv.Topic0ModePrefix):])
		if _, cached := p.modes[sig]; cached {
			continue
		}
		md, err := codec.DecodeTopic0Mode(e.Value)
		if err != nil {
			return fmt.Errorf("topic0: preload mode %x: %w", sig, err)
		}
		p.modes[sig] = &modeState{mode: md, version: e.Version}
	}

	it2, err := p.meta.ListPrefix(ctx, []byte(kv.Topic0StatsPrefix))
	if err != nil {
		return fmt.Errorf("topic0: preload stats: %w", err)
	}
	defer it2.Close()
	for {
		e, ok, err := it2.Next(ctx)
		if err != nil {
			return fmt.Errorf("topic0: preload stats: %w", err)
		}
		if !ok {
			break
		}
		var sig [32]byte
		copy(sig[:], e.Key[len(kv.Topic0StatsPrefix):])
		if _, cached := p.stats[sig]; cached {
			continue
		}
		st, err := codec.DecodeTopic0Stats(e.Value)
		if err != nil {
			return fmt.Errorf("topic0: preload stats %x: %w", sig, err)
		}
		p.stats[sig] = &statState{stats: st, version: e.Version}
	}
	return nil
}

// Loaded reports how many signatures currently have cached mode/stats
// state, for startup reporting.
func (p *Policy) Loaded() (modes, stats int) {
	return len(p.modes), len(p.stats)
}

// DirtySigs returns every signature touched by Advance since the last
// successful Flush, for the caller to persist.
func (p *Policy) DirtySigs() [][32]byte {
	out := make([][32]byte, 0, len(p.dirty))
	for sig := range p.dirty {
		out = append(out, sig)
	}
	return out
}

// Flush persists the stats and mode of every signature Advance touched
// since the last Flush, via CAS under fence, clearing the dirty set on
// success. Called once per ingested block, after Advance has run for
// every signature in that block. Scoping the CAS writes to DirtySigs
// keeps ingest cost bounded by one block's work instead of growing with
// the total number of distinct historical signatures.
func (p *Policy) Flush(ctx context.Context, fence kv.Fence) error {
	for sig := range p.dirty {
		ss := p.stats[sig]
		raw := ss.stats.Encode()
		res, err := p.meta.PutIfVersion(ctx, kv.Topic0StatsKey(sig), raw, ss.version, fence)
		if err != nil {
			return fmt.Errorf("topic0: persist stats %x: %w", sig, err)
		}
		if !res.Applied {
			return fmt.Errorf("topic0: stats CAS race for %x (expected version %d)", sig, ss.version)
		}
		ss.version = res.NewVersion

		ms := p.modes[sig]
		raw = ms.mode.Encode()
		res, err = p.meta.PutIfVersion(ctx, kv.Topic0ModeKey(sig), raw, ms.version, fence)
		if err != nil {
			return fmt.Errorf("topic0: persist mode %x: %w", sig, err)
		}
		if !res.Applied {
			return fmt.Errorf("topic0: mode CAS race for %x (expected version %d)", sig, ms.version)
		}
		ms.version = res.NewVersion
	}
	p.dirty = make(map[[32]byte]bool)
	return nil
}
