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

package streamid

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestNewRejectsWrongValueLength(t *testing.T) {
	_, err := New(KindAddr, make([]byte, 32), 0)
	require.Error(t, err)

	_, err = New(KindTopic1, make([]byte, 20), 0)
	require.Error(t, err)
}

func TestBytesParseRoundTrip(t *testing.T) {
	for _, kind := range []Kind{KindAddr, KindTopic1, KindTopic2, KindTopic3, KindTopic0Block, KindTopic0Log} {
		val := make([]byte, kind.ValueLen())
		for i := range val {
			val[i] = byte(i + 1)
		}
		id, err := New(kind, val, 0xdeadbeef)
		require.NoError(t, err)

		parsed, err := Parse(id.Bytes())
		require.NoError(t, err)
		require.Equal(t, id.Kind, parsed.Kind)
		require.Equal(t, id.Value, parsed.Value)
		require.Equal(t, id.ShardHi, parsed.ShardHi)
	}
}

func TestParseRejectsShortAndMismatchedLength(t *testing.T) {
	_, err := Parse([]byte{byte(KindAddr)})
	require.Error(t, err)

	bad := append([]byte{byte(KindAddr)}, make([]byte, 32+4)...) // addr wants 20, not 32
	_, err = Parse(bad)
	require.Error(t, err)
}

func TestLogLevelDistinguishesTopic0Block(t *testing.T) {
	require.True(t, KindAddr.LogLevel())
	require.True(t, KindTopic0Log.LogLevel())
	require.False(t, KindTopic0Block.LogLevel())
}

func TestStringIsStableMapKey(t *testing.T) {
	a, err := New(KindAddr, make([]byte, 20), 1)
	require.NoError(t, err)
	b, err := New(KindAddr, make([]byte, 20), 1)
	require.NoError(t, err)
	require.Equal(t, a.String(), b.String())

	c, err := New(KindAddr, make([]byte, 20), 2)
	require.NoError(t, err)
	require.NotEqual(t, a.String(), c.String())
}
