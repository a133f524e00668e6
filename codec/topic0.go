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
	"encoding/binary"
	"fmt"
)

// Topic0Mode is the CAS-updated record at topic0_mode/{sig} recording
// whether per-log indexing is currently enabled for a signature.
type Topic0Mode struct {
	LogEnabled       bool
	EnabledFromBlock uint64
}

func (m *Topic0Mode) Encode() []byte {
	buf := make([]byte, 0, 1+1+8)
	buf = append(buf, Version1)
	if m.LogEnabled {
		buf = append(buf, 1)
	} else {
		buf = append(buf, 0)
	}
	buf = binary.BigEndian.AppendUint64(buf, m.EnabledFromBlock)
	return buf
}

func DecodeTopic0Mode(b []byte) (*Topic0Mode, error) {
	if len(b) != 1+1+8 {
		return nil, fmt.Errorf("codec: topic0 mode record has wrong length %d", len(b))
	}
	if err := checkVersion("Topic0Mode", b[0]); err != nil {
		return nil, err
	}
	m := &Topic0Mode{LogEnabled: b[1] != 0}
	m.EnabledFromBlock = binary.BigEndian.Uint64(b[2:])
	return m, nil
}

// Topic0Stats is the CAS-updated rolling-window state at
// topic0_stats/{sig}: a fixed-size bit-ring recording whether each of
// the last WindowLen ingested blocks contained the signature, plus a
// running population count so the occurrence rate is O(1) to compute.
type Topic0Stats struct {
	WindowLen          uint32
	BlocksSeenInWindow uint32
	RingCursor         uint32
	RingBits           []byte // ceil(WindowLen/8) bytes, bit i == block (ring-relative position i) contained the sig
}

func (s *Topic0Stats) Encode() []byte {
	buf := make([]byte, 0, 1+4+4+4+4+len(s.RingBits))
	buf = append(buf, Version1)
	buf = binary.BigEndian.AppendUint32(buf, s.WindowLen)
	buf = binary.BigEndian.AppendUint32(buf, s.BlocksSeenInWindow)
	buf = binary.BigEndian.AppendUint32(buf, s.RingCursor)
	buf = binary.BigEndian.AppendUint32(buf, uint32(len(s.RingBits)))
	buf = append(buf, s.RingBits...)
	return buf
}

func DecodeTopic0Stats(b []byte) (*Topic0Stats, error) {
	if len(b) < 1+4+4+4+4 {
		return nil, fmt.Errorf("codec: topic0 stats record too short (%d bytes)", len(b))
	}
	if err := checkVersion("Topic0Stats", b[0]); err != nil {
		return nil, err
	}
	s := &Topic0Stats{}
	off := 1
	s.WindowLen = binary.BigEndian.Uint32(b[off:])
	off += 4
	s.BlocksSeenInWindow = binary.BigEndian.Uint32(b[off:])
	off += 4
	s.RingCursor = binary.BigEndian.Uint32(b[off:])
	off += 4
	n := binary.BigEndian.Uint32(b[off:])
	off += 4
	if off+int(n) != len(b) {
		return nil, fmt.Errorf("codec: topic0 stats ring length mismatch, want %d got %d", n, len(b)-off)
	}
	s.RingBits = make([]byte, n)
	copy(s.RingBits, b[off:])
	return s, nil
}

// NewTopic0Stats allocates a fresh rolling window of the given length.
func NewTopic0Stats(windowLen uint32) *Topic0Stats {
	return &Topic0Stats{
		WindowLen: windowLen,
		RingBits:  make([]byte, (windowLen+7)/8),
	}
}

func (s *Topic0Stats) bit(i uint32) bool {
	return s.RingBits[i/8]&(1<<(i%8)) != 0
}

func (s *Topic0Stats) setBit(i uint32, v bool) {
	if v {
		s.RingBits[i/8] |= 1 << (i % 8)
	} else {
		s.RingBits[i/8] &^= 1 << (i % 8)
	}
}

// Advance records whether the signature appeared in the next block in
// sequence, updating the ring, cursor and population count, and returns
// the resulting rate = BlocksSeenInWindow / WindowLen.
func (s *Topic0Stats) Advance(present bool) float64 {
	cur := s.bit(s.RingCursor)
	if cur && !present {
		s.BlocksSeenInWindow--
	} else if !cur && present {
		s.BlocksSeenInWindow++
	}
	s.setBit(s.RingCursor, present)
	s.RingCursor = (s.RingCursor + 1) % s.WindowLen
	return s.Rate()
}

func (s *Topic0Stats) Rate() float64 {
	if s.WindowLen == 0 {
		return 0
	}
	return float64(s.BlocksSeenInWindow) / float64(s.WindowLen)
}
