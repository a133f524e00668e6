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

package ingest

// Block is a finalized canonical block as handed to IngestFinalizedBlock
// by the upstream feed.
type Block struct {
	BlockNum   uint64
	BlockHash  [32]byte
	ParentHash [32]byte
	Logs       []Log
}

// Log is one event log within a Block, in the shape the upstream feed
// provides it (global_log_id is assigned by the engine, not supplied
// here).
type Log struct {
	Address  [20]byte
	Topics   [][32]byte // 0..4; Topics[0] is the event signature (topic0) when present
	Data     []byte
	TxIndex  uint32
	LogIndex uint32
}

// Outcome is the non-error result of IngestFinalizedBlock. Rejected
// conditions (FinalityViolation, OrderingViolation, LeaseLost,
// Corruption, ...) are reported as classified errors (package errs)
// rather than Outcome values, so callers branch with errors.As/errs.Is
// the same way they do for QueryFinalized.
type Outcome int

const (
	Applied Outcome = iota
	AlreadyIngested
)

func (o Outcome) String() string {
	switch o {
	case Applied:
		return "Applied"
	case AlreadyIngested:
		return "AlreadyIngested"
	default:
		return "Unknown"
	}
}
