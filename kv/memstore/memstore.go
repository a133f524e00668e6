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

// Package memstore is an in-memory reference implementation of
// kv.MetaStore and kv.BlobStore. It exists to exercise the core engine
// in tests; it is not a production backend.
package memstore

import (
	"bytes"
	"context"
	"sort"
	"sync"

	"github.com/erigontech/logidx/kv"
)

type metaRecord struct {
	value   []byte
	version uint64
}

// shared holds the state behind both store views, guarded by one mutex
// so CAS is a true compare-and-swap under a single lock acquisition, not
// read-then-write; it exhibits the same race behavior a real backend
// must handle under concurrent fenced writers.
type shared struct {
	mu    sync.Mutex
	meta  map[string]metaRecord
	blobs map[string][]byte
	epoch kv.Fence
}

// Store bundles an in-memory MetaStore and BlobStore over the same
// mutex-guarded maps. Use Meta() and Blobs() to get the narrow
// interfaces the index core actually depends on.
type Store struct {
	s *shared
}

func New() *Store {
	return &Store{s: &shared{
		meta:  make(map[string]metaRecord),
		blobs: make(map[string][]byte),
	}}
}

// SetEpoch registers the current writer epoch. Called by the
// LeaseManager on acquisition; all subsequent mutating calls must
// present this fence.
func (st *Store) SetEpoch(f kv.Fence) {
	st.s.mu.Lock()
	defer st.s.mu.Unlock()
	st.s.epoch = f
}

// Meta returns the kv.MetaStore view.
func (st *Store) Meta() kv.MetaStore { return (*metaStore)(st.s) }

// Blobs returns the kv.BlobStore view.
func (st *Store) Blobs() kv.BlobStore { return (*blobStore)(st.s) }

// metaStore and blobStore are the shared state reinterpreted as the two
// narrow interfaces; they carry no extra fields so the conversion from
// *shared is free.
type metaStore shared
type blobStore shared

func (s *metaStore) checkFence(f kv.Fence) error {
	if f != s.epoch {
		return kv.ErrFenceRejected
	}
	return nil
}

// SetEpoch implements kv.EpochSetter, the "gateway" mechanism for
// backends that need the engine to tell them which writer epoch is
// currently authoritative.
func (s *metaStore) SetEpoch(f kv.Fence) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.epoch = f
}

func (s *metaStore) Get(_ context.Context, key []byte) ([]byte, uint64, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.meta[string(key)]
	if !ok {
		return nil, 0, false, nil
	}
	v := make([]byte, len(rec.value))
	copy(v, rec.value)
	return v, rec.version, true, nil
}

func (s *metaStore) PutIfAbsent(_ context.Context, key []byte, value []byte, fence kv.Fence) (kv.CASResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.checkFence(fence); err != nil {
		return kv.CASResult{}, err
	}
	rec, exists := s.meta[string(key)]
	if exists {
		if bytes.Equal(rec.value, value) {
			return kv.CASResult{Applied: true, NewVersion: rec.version}, nil
		}
		return kv.CASResult{Applied: false, Current: rec.value, CurrentVersion: rec.version}, nil
	}
	v := make([]byte, len(value))
	copy(v, value)
	s.meta[string(key)] = metaRecord{value: v, version: 1}
	return kv.CASResult{Applied: true, NewVersion: 1}, nil
}

func (s *metaStore) PutIfVersion(_ context.Context, key []byte, value []byte, expectedVersion uint64, fence kv.Fence) (kv.CASResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.checkFence(fence); err != nil {
		return kv.CASResult{}, err
	}
	rec, exists := s.meta[string(key)]
	cur := uint64(0)
	if exists {
		cur = rec.version
	}
	if cur != expectedVersion {
		return kv.CASResult{Applied: false, Current: rec.value, CurrentVersion: cur}, nil
	}
	v := make([]byte, len(value))
	copy(v, value)
	newVer := cur + 1
	s.meta[string(key)] = metaRecord{value: v, version: newVer}
	return kv.CASResult{Applied: true, NewVersion: newVer}, nil
}

func (s *metaStore) DeleteIfVersion(_ context.Context, key []byte, expectedVersion uint64, fence kv.Fence) (kv.CASResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.checkFence(fence); err != nil {
		return kv.CASResult{}, err
	}
	rec, exists := s.meta[string(key)]
	if !exists {
		return kv.CASResult{Applied: true, NewVersion: 0}, nil
	}
	if rec.version != expectedVersion {
		return kv.CASResult{Applied: false, Current: rec.value, CurrentVersion: rec.version}, nil
	}
	delete(s.meta, string(key))
	return kv.CASResult{Applied: true, NewVersion: 0}, nil
}

func (s *metaStore) ListPrefix(_ context.Context, prefix []byte) (kv.Iterator, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var entries []kv.Entry
	p := string(prefix)
	for k, rec := range s.meta {
		if len(k) >= len(p) && k[:len(p)] == p {
			v := make([]byte, len(rec.value))
			copy(v, rec.value)
			entries = append(entries, kv.Entry{Key: []byte(k), Value: v, Version: rec.version})
		}
	}
	sort.Slice(entries, func(i, j int) bool { return bytes.Compare(entries[i].Key, entries[j].Key) < 0 })
	return &sliceIterator{entries: entries}, nil
}

type sliceIterator struct {
	entries []kv.Entry
	pos     int
}

func (it *sliceIterator) Next(_ context.Context) (kv.Entry, bool, error) {
	if it.pos >= len(it.entries) {
		return kv.Entry{}, false, nil
	}
	e := it.entries[it.pos]
	it.pos++
	return e, true, nil
}

func (it *sliceIterator) Close() error { return nil }

// --- BlobStore ---

func (s *blobStore) Put(_ context.Context, key []byte, value []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if existing, ok := s.blobs[string(key)]; ok {
		if bytes.Equal(existing, value) {
			return nil
		}
		return kv.ErrBlobConflict
	}
	v := make([]byte, len(value))
	copy(v, value)
	s.blobs[string(key)] = v
	return nil
}

func (s *blobStore) Get(_ context.Context, key []byte) ([]byte, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.blobs[string(key)]
	if !ok {
		return nil, false, nil
	}
	out := make([]byte, len(v))
	copy(out, v)
	return out, true, nil
}

func (s *blobStore) Delete(_ context.Context, key []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.blobs, string(key))
	return nil
}

func (s *blobStore) ListPrefix(_ context.Context, prefix []byte) ([][]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var keys [][]byte
	p := string(prefix)
	for k := range s.blobs {
		if len(k) >= len(p) && k[:len(p)] == p {
			keys = append(keys, []byte(k))
		}
	}
	sort.Slice(keys, func(i, j int) bool { return bytes.Compare(keys[i], keys[j]) < 0 })
	return keys, nil
}

var (
	_ kv.MetaStore = (*metaStore)(nil)
	_ kv.BlobStore = (*blobStore)(nil)
)
