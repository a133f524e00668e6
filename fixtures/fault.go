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

package fixtures

import (
	"context"
	"fmt"
	"sync/atomic"

	"github.com/erigontech/logidx/kv"
)

// ErrInjected is returned by a FaultyMetaStore/FaultyBlobStore once its
// call budget is exhausted, simulating a backend failure at an exact
// point in IngestFinalizedBlock's ten-step pipeline.
var ErrInjected = fmt.Errorf("fixtures: injected fault")

// FaultyMetaStore wraps a kv.MetaStore and fails the (N+1)th mutating
// call onward, for crash-matrix tests that assert IngestFinalizedBlock
// leaves the store in a recoverable state no matter which step failed.
type FaultyMetaStore struct {
	kv.MetaStore
	budget int64 // calls remaining before every further call fails
	calls  int64
}

// NewFaultyMetaStore allows n calls (across Put/Delete; Get/ListPrefix
// are never faulted, since a read failure is not part of the crash
// matrix) before failing every subsequent one with ErrInjected.
func NewFaultyMetaStore(backing kv.MetaStore, n int) *FaultyMetaStore {
	return &FaultyMetaStore{MetaStore: backing, budget: int64(n)}
}

// Calls reports how many mutating calls have been attempted so far.
func (f *FaultyMetaStore) Calls() int64 { return atomic.LoadInt64(&f.calls) }

func (f *FaultyMetaStore) trip() bool {
	n := atomic.AddInt64(&f.calls, 1)
	return n > f.budget
}

func (f *FaultyMetaStore) PutIfAbsent(ctx context.Context, key []byte, value []byte, fence kv.Fence) (kv.CASResult, error) {
	if f.trip() {
		return kv.CASResult{}, ErrInjected
	}
	return f.MetaStore.PutIfAbsent(ctx, key, value, fence)
}

func (f *FaultyMetaStore) PutIfVersion(ctx context.Context, key []byte, value []byte, expectedVersion uint64, fence kv.Fence) (kv.CASResult, error) {
	if f.trip() {
		return kv.CASResult{}, ErrInjected
	}
	return f.MetaStore.PutIfVersion(ctx, key, value, expectedVersion, fence)
}

func (f *FaultyMetaStore) DeleteIfVersion(ctx context.Context, key []byte, expectedVersion uint64, fence kv.Fence) (kv.CASResult, error) {
	if f.trip() {
		return kv.CASResult{}, ErrInjected
	}
	return f.MetaStore.DeleteIfVersion(ctx, key, expectedVersion, fence)
}

// SetEpoch forwards to the backing store if it implements kv.EpochSetter,
// so wrapping a gateway-fenced store (e.g. kv/memstore) in
// FaultyMetaStore does not silently disable fencing.
func (f *FaultyMetaStore) SetEpoch(fence kv.Fence) {
	if setter, ok := f.MetaStore.(kv.EpochSetter); ok {
		setter.SetEpoch(fence)
	}
}

// FaultyBlobStore wraps a kv.BlobStore and fails the (N+1)th Put/Delete
// onward, mirroring FaultyMetaStore for chunk blob writes.
type FaultyBlobStore struct {
	kv.BlobStore
	budget int64
	calls  int64
}

func NewFaultyBlobStore(backing kv.BlobStore, n int) *FaultyBlobStore {
	return &FaultyBlobStore{BlobStore: backing, budget: int64(n)}
}

func (f *FaultyBlobStore) Calls() int64 { return atomic.LoadInt64(&f.calls) }

func (f *FaultyBlobStore) trip() bool {
	n := atomic.AddInt64(&f.calls, 1)
	return n > f.budget
}

func (f *FaultyBlobStore) Put(ctx context.Context, key []byte, value []byte) error {
	if f.trip() {
		return ErrInjected
	}
	return f.BlobStore.Put(ctx, key, value)
}

func (f *FaultyBlobStore) Delete(ctx context.Context, key []byte) error {
	if f.trip() {
		return ErrInjected
	}
	return f.BlobStore.Delete(ctx, key)
}
