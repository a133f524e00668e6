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

func TestChunkRefOverlaps(t *testing.T) {
	r := ChunkRef{ChunkSeq: 1, MinLocal: 10, MaxLocal: 20, Count: 5}
	require.True(t, r.Overlaps(15, 25))
	require.True(t, r.Overlaps(0, 10))
	require.True(t, r.Overlaps(20, 30))
	require.True(t, r.Overlaps(10, 20))
	require.False(t, r.Overlaps(21, 30))
	require.False(t, r.Overlaps(0, 9))
}

func TestManifestEncodeDecodeInlineRoundTrip(t *testing.T) {
	m := &Manifest{
		LastChunkSeq: 3,
		NumChunks:    3,
		ApproxCount:  42,
		InlineRefs: []ChunkRef{
			{ChunkSeq: 1, MinLocal: 0, MaxLocal: 9, Count: 10},
			{ChunkSeq: 2, MinLocal: 10, MaxLocal: 19, Count: 10},
			{ChunkSeq: 3, MinLocal: 20, MaxLocal: 29, Count: 10},
		},
	}
	enc := m.Encode()
	got, err := DecodeManifest(enc)
	require.NoError(t, err)
	require.Equal(t, m.LastChunkSeq, got.LastChunkSeq)
	require.Equal(t, m.NumChunks, got.NumChunks)
	require.Equal(t, m.ApproxCount, got.ApproxCount)
	require.Equal(t, uint32(0), got.SegmentCount)
	require.Equal(t, m.InlineRefs, got.InlineRefs)
}

func TestManifestEncodeDecodeSegmentedRoundTrip(t *testing.T) {
	m := &Manifest{
		LastChunkSeq: 200,
		NumChunks:    200,
		ApproxCount:  1 << 20,
		SegmentCount: 4,
	}
	enc := m.Encode()
	got, err := DecodeManifest(enc)
	require.NoError(t, err)
	require.Equal(t, uint32(4), got.SegmentCount)
	require.Empty(t, got.InlineRefs)
}

func TestManifestDecodeRejectsBadVersion(t *testing.T) {
	m := &Manifest{LastChunkSeq: 1, NumChunks: 1}
	enc := m.Encode()
	enc[0] = 0xff
	_, err := DecodeManifest(enc)
	require.Error(t, err)
}

func TestManifestDecodeRejectsTruncatedInlineRefs(t *testing.T) {
	m := &Manifest{
		LastChunkSeq: 1,
		NumChunks:    1,
		InlineRefs:   []ChunkRef{{ChunkSeq: 1, MinLocal: 0, MaxLocal: 9, Count: 10}},
	}
	enc := m.Encode()
	_, err := DecodeManifest(enc[:len(enc)-4])
	require.Error(t, err)
}

func TestManifestSegmentEncodeDecodeRoundTrip(t *testing.T) {
	s := &ManifestSegment{Refs: []ChunkRef{
		{ChunkSeq: 65, MinLocal: 0, MaxLocal: 99, Count: 100},
		{ChunkSeq: 66, MinLocal: 100, MaxLocal: 199, Count: 100},
	}}
	enc := s.Encode()
	got, err := DecodeManifestSegment(enc)
	require.NoError(t, err)
	require.Equal(t, s.Refs, got.Refs)
}

func TestManifestSegmentDecodeRejectsLengthMismatch(t *testing.T) {
	s := &ManifestSegment{Refs: []ChunkRef{{ChunkSeq: 1, MinLocal: 0, MaxLocal: 9, Count: 10}}}
	enc := s.Encode()
	enc = append(enc, 0) // one stray trailing byte
	_, err := DecodeManifestSegment(enc)
	require.Error(t, err)
}
