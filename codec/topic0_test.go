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

package codec

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestTopic0ModeEncodeDecodeRoundTrip(t *testing.T) {
	m := &Topic0Mode{LogEnabled: true, EnabledFromBlock: 19000001}
	enc := m.Encode()
	got, err := DecodeTopic0Mode(enc)
	require.NoError(t, err)
	require.Equal(t, *m, *got)

	m2 := &Topic0Mode{LogEnabled: false}
	enc2 := m2.Encode()
	got2, err := DecodeTopic0Mode(enc2)
	require.NoError(t, err)
	require.False(t, got2.LogEnabled)
}

func TestTopic0ModeDecodeRejectsWrongLength(t *testing.T) {
	m := &Topic0Mode{LogEnabled: true, EnabledFromBlock: 1}
	enc := m.Encode()
	_, err := DecodeTopic0Mode(enc[:len(enc)-1])
	require.Error(t, err)
}

func TestTopic0ModeDecodeRejectsBadVersion(t *testing.T) {
	m := &Topic0Mode{LogEnabled: true, EnabledFromBlock: 1}
	enc := m.Encode()
	enc[0] = 0xff
	_, err := DecodeTopic0Mode(enc)
	require.Error(t, err)
}

func TestNewTopic0StatsAndEncodeDecodeRoundTrip(t *testing.T) {
	s := NewTopic0Stats(50000)
	require.Equal(t, uint32(50000), s.WindowLen)
	require.Equal(t, uint32((50000+7)/8), uint32(len(s.RingBits)))

	for i := 0; i < 100; i++ {
		s.Advance(i%3 == 0)
	}

	enc := s.Encode()
	got, err := DecodeTopic0Stats(enc)
	require.NoError(t, err)
	require.Equal(t, s.WindowLen, got.WindowLen)
	require.Equal(t, s.BlocksSeenInWindow, got.BlocksSeenInWindow)
	require.Equal(t, s.RingCursor, got.RingCursor)
	require.Equal(t, s.RingBits, got.RingBits)
}

func TestTopic0StatsAdvanceTracksRate(t *testing.T) {
	s := NewTopic0Stats(4)
	require.Equal(t, float64(0), s.Rate())

	require.Equal(t, 0.25, s.Advance(true))
	require.Equal(t, 0.25, s.Advance(false))
	require.Equal(t, 0.25, s.Advance(false))
	require.Equal(t, 0.25, s.Advance(false))
	// ring has wrapped: cursor 0 (originally "true") now overwritten
	require.Equal(t, float64(0), s.Advance(false))
}

func TestTopic0StatsDecodeRejectsRingLengthMismatch(t *testing.T) {
	s := NewTopic0Stats(8)
	enc := s.Encode()
	enc = append(enc, 0xff) // stray trailing byte not accounted for in length prefix
	_, err := DecodeTopic0Stats(enc)
	require.Error(t, err)
}

func TestTopic0StatsDecodeRejectsBadVersion(t *testing.T) {
	s := NewTopic0Stats(8)
	enc := s.Encode()
	enc[0] = 0xff
	_, err := DecodeTopic0Stats(enc)
	require.Error(t, err)
}
