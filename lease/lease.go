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

// Package lease implements the LeaseManager: the single renewable
// fencing token (writer epoch) that every mutating write in the engine
// must present. There is never more than one holder; acquisition bumps
// meta/state.writer_epoch via CAS, and loss of that fence mid-ingest
// moves the engine to a safe stopped state.
package lease

import (
	"context"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/erigontech/logidx/codec"
	"github.com/erigontech/logidx/kv"
)

// Manager owns acquisition of the writer epoch.
type Manager struct {
	meta kv.MetaStore
	log  *zap.Logger

	mu    sync.RWMutex
	epoch kv.Fence
	held  bool
}

func New(meta kv.MetaStore, log *zap.Logger) *Manager {
	if log == nil {
		log = zap.NewNop()
	}
	return &Manager{meta: meta, log: log}
}

// Acquire bumps the writer epoch by one relative to whatever meta/state
// currently records (0 on a fresh store, i.e. this is the genesis
// acquisition) and returns the new epoch. It is not safe to call
// Acquire concurrently with itself; the embedding Core calls it once at
// startup.
func (m *Manager) Acquire(ctx context.Context) (kv.Fence, error) {
	raw, version, ok, err := m.meta.Get(ctx, []byte(kv.MetaStateKey))
	if err != nil {
		return 0, fmt.Errorf("lease: read meta/state: %w", err)
	}

	var state codec.MetaState
	if ok {
		s, derr := codec.DecodeMetaState(raw)
		if derr != nil {
			return 0, fmt.Errorf("lease: decode meta/state: %w", derr)
		}
		state = *s
	}

	oldEpoch := kv.Fence(state.WriterEpoch)
	newEpoch := oldEpoch + 1
	state.WriterEpoch = uint64(newEpoch)

	res, err := m.meta.PutIfVersion(ctx, []byte(kv.MetaStateKey), state.Encode(), version, oldEpoch)
	if err != nil {
		return 0, fmt.Errorf("lease: CAS meta/state: %w", err)
	}
	if !res.Applied {
		return 0, fmt.Errorf("lease: acquire lost a race on meta/state (expected version %d)", version)
	}

	if setter, okSetter := m.meta.(kv.EpochSetter); okSetter {
		setter.SetEpoch(newEpoch)
	}

	m.mu.Lock()
	m.epoch = newEpoch
	m.held = true
	m.mu.Unlock()

	m.log.Info("lease acquired", zap.Uint64("writer_epoch", uint64(newEpoch)))
	return newEpoch, nil
}

// Fence returns the currently held epoch, or (0, false) if no lease is
// held.
func (m *Manager) Fence() (kv.Fence, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.epoch, m.held
}

// MarkLost transitions the manager to "not held" after a fenced write
// came back rejected. Ingest must stop; a fresh Acquire is the only way
// back; recovery is always an explicit operator action.
func (m *Manager) MarkLost(reason error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.held {
		m.log.Error("lease lost", zap.Error(reason), zap.Uint64("writer_epoch", uint64(m.epoch)))
	}
	m.held = false
}

func (m *Manager) Held() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.held
}
