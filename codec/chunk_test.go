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

	"github.com/RoaringBitmap/roaring/v2"
	"github.com/stretchr/testify/require"
)

func TestChunkEncodeDecodeRoundTrip(t *testing.T) {
	bm := roaring.New()
	bm.AddMany([]uint32{3, 7, 9, 100})
	c := NewChunkFromBitmap(bm)
	require.Equal(t, uint32(3), c.MinLocal)
	require.Equal(t, uint32(100), c.MaxLocal)
	require.Equal(t, uint32(4), c.Count)

	enc, err := c.Encode()
	require.NoError(t, err)

	got, err := DecodeChunk(enc)
	require.NoError(t, err)
	require.Equal(t, c.MinLocal, got.MinLocal)
	require.Equal(t, c.MaxLocal, got.MaxLocal)
	require.Equal(t, c.Count, got.Count)
	require.True(t, c.Bitmap.Equals(got.Bitmap))
}

func TestChunkDecodeRejectsBadVersion(t *testing.T) {
	bm := roaring.New()
	bm.Add(1)
	c := NewChunkFromBitmap(bm)
	enc, err := c.Encode()
	require.NoError(t, err)

	enc[0] = 0xff
	_, err = DecodeChunk(enc)
	require.Error(t, err)
}

func TestChunkDecodeRejectsChecksumMismatch(t *testing.T) {
	bm := roaring.New()
	bm.AddMany([]uint32{1, 2, 3})
	c := NewChunkFromBitmap(bm)
	enc, err := c.Encode()
	require.NoError(t, err)

	enc[len(enc)-1] ^= 0xff
	_, err = DecodeChunk(enc)
	require.Error(t, err)
}

func TestChunkDecodeRejectsCountMismatch(t *testing.T) {
	bm := roaring.New()
	bm.AddMany([]uint32{1, 2, 3})
	c := NewChunkFromBitmap(bm)
	c.Count = 99 // tamper after construction, before encoding

	enc, err := c.Encode()
	require.NoError(t, err)
	_, err = DecodeChunk(enc)
	require.Error(t, err)
}

func TestNewChunkFromBitmapPanicsOnEmpty(t *testing.T) {
	require.Panics(t, func() {
		NewChunkFromBitmap(roaring.New())
	})
}
