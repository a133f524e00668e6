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

// Package fixtures drives JSON-described block/query scenarios through
// IngestFinalizedBlock/QueryFinalized, the same JSON-fixture-to-state-
// transition shape tests/state_test_util.go uses for EVM state tests.
package fixtures

import (
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/erigontech/logidx/ingest"
	"github.com/erigontech/logidx/query"
)

// LogFixture is one log entry within a BlockFixture, hex-encoded the way
// JSON test fixtures in the corpus encode byte fields.
type LogFixture struct {
	Address  string   `json:"address"`
	Topics   []string `json:"topics"`
	Data     string   `json:"data"`
	TxIndex  uint32   `json:"tx_index"`
	LogIndex uint32   `json:"log_index"`
}

// BlockFixture is one finalized block to feed to IngestFinalizedBlock.
type BlockFixture struct {
	BlockNum   uint64       `json:"block_num"`
	BlockHash  string       `json:"block_hash"`
	ParentHash string       `json:"parent_hash"`
	Logs       []LogFixture `json:"logs"`
}

// QueryFixture is one QueryFinalized call plus its expected outcome.
type QueryFixture struct {
	Name       string      `json:"name"`
	FromBlock  *uint64     `json:"from_block,omitempty"`
	ToBlock    *uint64     `json:"to_block,omitempty"`
	BlockHash  *string     `json:"block_hash,omitempty"`
	Address    []string    `json:"address,omitempty"`
	Topics     [4][]string `json:"topics,omitempty"`
	MaxResults int         `json:"max_results,omitempty"`
	WantLogIDs []uint64    `json:"want_log_ids"`
	WantErr    string      `json:"want_err,omitempty"` // errs.Kind.String(), if the query must fail
}

// Scenario bundles a sequence of blocks to ingest and queries to run
// against the resulting index.
type Scenario struct {
	Name    string         `json:"name"`
	Blocks  []BlockFixture `json:"blocks"`
	Queries []QueryFixture `json:"queries"`
}

// Load parses one JSON-encoded Scenario.
func Load(raw []byte) (*Scenario, error) {
	var s Scenario
	if err := json.Unmarshal(raw, &s); err != nil {
		return nil, fmt.Errorf("fixtures: decode scenario: %w", err)
	}
	return &s, nil
}

func decodeHash(s string) ([32]byte, error) {
	var out [32]byte
	b, err := decodeHex(s)
	if err != nil {
		return out, err
	}
	if len(b) != 32 {
		return out, fmt.Errorf("fixtures: want 32 bytes, got %d (%q)", len(b), s)
	}
	copy(out[:], b)
	return out, nil
}

func decodeAddr(s string) ([20]byte, error) {
	var out [20]byte
	b, err := decodeHex(s)
	if err != nil {
		return out, err
	}
	if len(b) != 20 {
		return out, fmt.Errorf("fixtures: want 20 bytes, got %d (%q)", len(b), s)
	}
	copy(out[:], b)
	return out, nil
}

func decodeHex(s string) ([]byte, error) {
	return hex.DecodeString(strings.TrimPrefix(s, "0x"))
}

// ToBlock converts a BlockFixture into the ingest.Block shape
// IngestFinalizedBlock consumes.
func (f BlockFixture) ToBlock() (ingest.Block, error) {
	hash, err := decodeHash(f.BlockHash)
	if err != nil {
		return ingest.Block{}, fmt.Errorf("fixtures: block %d hash: %w", f.BlockNum, err)
	}
	parent, err := decodeHash(f.ParentHash)
	if err != nil {
		return ingest.Block{}, fmt.Errorf("fixtures: block %d parent_hash: %w", f.BlockNum, err)
	}
	logs := make([]ingest.Log, len(f.Logs))
	for i, l := range f.Logs {
		addr, err := decodeAddr(l.Address)
		if err != nil {
			return ingest.Block{}, fmt.Errorf("fixtures: block %d log %d address: %w", f.BlockNum, i, err)
		}
		topics := make([][32]byte, len(l.Topics))
		for j, t := range l.Topics {
			th, err := decodeHash(t)
			if err != nil {
				return ingest.Block{}, fmt.Errorf("fixtures: block %d log %d topic %d: %w", f.BlockNum, i, j, err)
			}
			topics[j] = th
		}
		data, err := decodeHex(l.Data)
		if err != nil {
			return ingest.Block{}, fmt.Errorf("fixtures: block %d log %d data: %w", f.BlockNum, i, err)
		}
		logs[i] = ingest.Log{Address: addr, Topics: topics, Data: data, TxIndex: l.TxIndex, LogIndex: l.LogIndex}
	}
	return ingest.Block{BlockNum: f.BlockNum, BlockHash: hash, ParentHash: parent, Logs: logs}, nil
}

// ToFilter converts a QueryFixture into a query.Filter.
func (f QueryFixture) ToFilter() (query.Filter, error) {
	var out query.Filter
	out.FromBlock = f.FromBlock
	out.ToBlock = f.ToBlock
	out.MaxResults = f.MaxResults

	if f.BlockHash != nil {
		h, err := decodeHash(*f.BlockHash)
		if err != nil {
			return out, fmt.Errorf("fixtures: query %q block_hash: %w", f.Name, err)
		}
		out.BlockHash = &h
	}
	for _, a := range f.Address {
		addr, err := decodeAddr(a)
		if err != nil {
			return out, fmt.Errorf("fixtures: query %q address: %w", f.Name, err)
		}
		out.Address = append(out.Address, addr)
	}
	for slot, ors := range f.Topics {
		for _, t := range ors {
			th, err := decodeHash(t)
			if err != nil {
				return out, fmt.Errorf("fixtures: query %q topic[%d]: %w", f.Name, slot, err)
			}
			out.Topics[slot] = append(out.Topics[slot], th)
		}
	}
	return out, nil
}
