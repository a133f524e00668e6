// Copyright 2017 The go-ethereum Authors
// (original work)
// Copyright 2024 The Erigon Authors
// (modifications)
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

// Package mathutil holds the small integer helpers shared by the shard,
// chunk and rolling-window arithmetic used across the index.
package mathutil

import "math/bits"

const (
	MaxUint32 = 1<<32 - 1
	MaxUint64 = 1<<64 - 1
)

// SafeAdd returns x+y and whether the addition overflowed a uint64.
func SafeAdd(x, y uint64) (uint64, bool) {
	sum, carryOut := bits.Add64(x, y, 0)
	return sum, carryOut != 0
}

// AbsoluteDifference returns |x-y| without risking underflow.
func AbsoluteDifference(x, y uint64) uint64 {
	if x > y {
		return x - y
	}
	return y - x
}

// CeilDiv returns ceil(x/y), or 0 if y is 0.
func CeilDiv(x, y uint64) uint64 {
	if y == 0 {
		return 0
	}
	return (x + y - 1) / y
}

// HiShard returns the upper 32 bits of a 64-bit id, used to derive
// shard_hi32 from a global_log_id or block_num per the stream id layout.
func HiShard(id uint64) uint32 {
	return uint32(id >> 32)
}

// LoLocal returns the lower 32 bits of a 64-bit id, the value local to
// its shard (local_lo32 in the glossary).
func LoLocal(id uint64) uint32 {
	return uint32(id & MaxUint32)
}

// Join64 reassembles a 64-bit id from a shard and a local offset.
func Join64(shard uint32, local uint32) uint64 {
	return uint64(shard)<<32 | uint64(local)
}

// Clip bounds v to the closed interval [lo, hi].
func Clip(v, lo, hi uint64) uint64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
