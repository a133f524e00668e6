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

package topic0

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/erigontech/logidx/kv/memstore"
)

func TestModeForDefaultsToDisabled(t *testing.T) {
	st := memstore.New()
	st.SetEpoch(1)
	p := New(st.Meta(), DefaultConfig(), nil)

	var sig [32]byte
	sig[0] = 1
	mode, err := p.ModeFor(context.Background(), sig)
	require.NoError(t, err)
	require.False(t, mode.LogEnabled)
}

func TestAdvanceEnablesOnceRateDropsBelowThreshold(t *testing.T) {
	st := memstore.New()
	st.SetEpoch(1)
	cfg := Config{WindowLen: 10, EnableRate: 0.05, DisableRate: 0.3}
	p := New(st.Meta(), cfg, nil)
	ctx := context.Background()
	var sig [32]byte
	sig[0] = 2

	// Fill the window with "present" so the running rate stays well
	// above the enable threshold; no transition should fire yet.
	var blockNum uint64
	for i := 0; i < 10; i++ {
		blockNum++
		tr, err := p.Advance(ctx, sig, blockNum, true)
		require.NoError(t, err)
		require.Nil(t, tr)
	}

	// Now feed "absent" until the rate drains below EnableRate; only the
	// final call (rate hits 0) should cross the 0.05 threshold.
	var lastTr *Transition
	for i := 0; i < 10; i++ {
		blockNum++
		tr, err := p.Advance(ctx, sig, blockNum, false)
		require.NoError(t, err)
		if tr != nil {
			lastTr = tr
		}
	}
	require.NotNil(t, lastTr)
	require.True(t, lastTr.NowLogEnabled)
	require.Equal(t, blockNum+1, lastTr.EnabledFromBlk)

	mode, err := p.ModeFor(ctx, sig)
	require.NoError(t, err)
	require.True(t, mode.LogEnabled)
	require.Equal(t, blockNum+1, mode.EnabledFromBlock)
}

func TestAdvanceDisablesOnceRateExceedsThreshold(t *testing.T) {
	st := memstore.New()
	st.SetEpoch(1)
	cfg := Config{WindowLen: 10, EnableRate: 0.05, DisableRate: 0.3}
	p := New(st.Meta(), cfg, nil)
	ctx := context.Background()
	var sig [32]byte
	sig[0] = 3

	// Drive the signature into the enabled state first (rate 0 < 0.05 on
	// the very first Advance call against a fresh, all-false window).
	tr, err := p.Advance(ctx, sig, 1, false)
	require.NoError(t, err)
	require.NotNil(t, tr)
	require.True(t, tr.NowLogEnabled)

	var lastTr *Transition
	blockNum := uint64(1)
	for i := 0; i < 10; i++ {
		blockNum++
		tr, err := p.Advance(ctx, sig, blockNum, true)
		require.NoError(t, err)
		if tr != nil {
			lastTr = tr
		}
	}
	require.NotNil(t, lastTr)
	require.False(t, lastTr.NowLogEnabled)

	mode, err := p.ModeFor(ctx, sig)
	require.NoError(t, err)
	require.False(t, mode.LogEnabled)
	require.Equal(t, uint64(0), mode.EnabledFromBlock)
}

func TestFlushPersistsAndPreloadReloads(t *testing.T) {
	st := memstore.New()
	st.SetEpoch(1)
	cfg := Config{WindowLen: 10, EnableRate: 0.05, DisableRate: 0.3}
	p := New(st.Meta(), cfg, nil)
	ctx := context.Background()
	var sig [32]byte
	sig[0] = 4

	_, err := p.Advance(ctx, sig, 1, true)
	require.NoError(t, err)
	require.NoError(t, p.Flush(ctx, 1))

	p2 := New(st.Meta(), cfg, nil)
	require.NoError(t, p2.Preload(ctx))
	modes, stats := p2.Loaded()
	require.Equal(t, 1, modes)
	require.Equal(t, 1, stats)

	mode, err := p2.ModeFor(ctx, sig)
	require.NoError(t, err)
	require.False(t, mode.LogEnabled)
}

func TestDirtySigsTracksTouchedSignatures(t *testing.T) {
	st := memstore.New()
	st.SetEpoch(1)
	p := New(st.Meta(), DefaultConfig(), nil)
	ctx := context.Background()
	var a, b [32]byte
	a[0], b[0] = 1, 2

	_, err := p.Advance(ctx, a, 1, true)
	require.NoError(t, err)
	_, err = p.Advance(ctx, b, 1, false)
	require.NoError(t, err)

	require.ElementsMatch(t, [][32]byte{a, b}, p.DirtySigs())
}
