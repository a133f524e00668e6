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

package kv

import "errors"

// ErrFenceRejected is returned by any mutating call whose fence does not
// match the store's current writer epoch.
var ErrFenceRejected = errors.New("kv: fence rejected, stale writer epoch")

// ErrBlobConflict is returned by BlobStore.Put when an existing key
// already holds different bytes.
var ErrBlobConflict = errors.New("kv: blob key exists with different content")
