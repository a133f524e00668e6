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

// Package query implements the read path: Planner snapshots meta/state
// and turns a Filter into a Plan without touching chunk blobs; Executor
// runs that Plan against the store to produce matching logs.
package query

// Filter is an eth_getLogs-equivalent filter over the finalized range.
// Address and each Topics slot are OR-lists: nil/empty means "no
// constraint on this field"; a non-empty slice means "match any of
// these values". BlockHash, if set, is mutually exclusive with
// FromBlock/ToBlock.
type Filter struct {
	FromBlock  *uint64
	ToBlock    *uint64
	BlockHash  *[32]byte
	Address    [][20]byte
	Topics     [4][][32]byte
	MaxResults int
}

// GuardrailAction is the configured response to an OR-list exceeding
// Config.MaxOrTerms.
type GuardrailAction int

const (
	ActionError GuardrailAction = iota
	ActionBlockScan
)

// Config holds planner tuning knobs.
type Config struct {
	MaxOrTerms int
	Action     GuardrailAction
}

func DefaultConfig() Config {
	return Config{MaxOrTerms: 16, Action: ActionError}
}
