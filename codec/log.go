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

// Log is the canonical, immutable record stored at logs/{global_log_id}.
type Log struct {
	GlobalLogID uint64
	Address     [20]byte
	Topics      [][32]byte // 0..4 entries, Topics[0] is topic0/the event signature
	Data        []byte
	BlockNum    uint64
	TxIndex     uint32
	LogIndex    uint32
	BlockHash   [32]byte
}

// Encode serializes the log value (the key, global_log_id, is not
// repeated in the value; it is recovered from the storage key).
func (l *Log) Encode() []byte {
	size := 1 + 20 + 1 + len(l.Topics)*32 + binary.MaxVarintLen64 + len(l.Data) + 8 + 4 + 4 + 32
	buf := make([]byte, 0, size)
	buf = append(buf, Version1)
	buf = append(buf, l.Address[:]...)
	buf = append(buf, byte(len(l.Topics)))
	for _, t := range l.Topics {
		buf = append(buf, t[:]...)
	}
	buf = binary.AppendUvarint(buf, uint64(len(l.Data)))
	buf = append(buf, l.Data...)
	buf = binary.BigEndian.AppendUint64(buf, l.BlockNum)
	buf = binary.BigEndian.AppendUint32(buf, l.TxIndex)
	buf = binary.BigEndian.AppendUint32(buf, l.LogIndex)
	buf = append(buf, l.BlockHash[:]...)
	return buf
}

// DecodeLog parses the bytes produced by Log.Encode. GlobalLogID is left
// zero; callers that know the originating key set it themselves.
func DecodeLog(b []byte) (*Log, error) {
	if len(b) < 1+20+1 {
		return nil, fmt.Errorf("codec: log record too short (%d bytes)", len(b))
	}
	if err := checkVersion("Log", b[0]); err != nil {
		return nil, err
	}
	l := &Log{}
	off := 1
	copy(l.Address[:], b[off:off+20])
	off += 20
	numTopics := int(b[off])
	off++
	if numTopics > 4 {
		return nil, fmt.Errorf("codec: log has %d topics, max 4", numTopics)
	}
	l.Topics = make([][32]byte, numTopics)
	for i := 0; i < numTopics; i++ {
		if off+32 > len(b) {
			return nil, fmt.Errorf("codec: log record truncated reading topic %d", i)
		}
		copy(l.Topics[i][:], b[off:off+32])
		off += 32
	}
	dataLen, n := binary.Uvarint(b[off:])
	if n <= 0 {
		return nil, fmt.Errorf("codec: log record truncated reading data length")
	}
	off += n
	if off+int(dataLen) > len(b) {
		return nil, fmt.Errorf("codec: log record truncated reading data")
	}
	l.Data = make([]byte, dataLen)
	copy(l.Data, b[off:off+int(dataLen)])
	off += int(dataLen)
	if off+8+4+4+32 > len(b) {
		return nil, fmt.Errorf("codec: log record truncated reading trailer")
	}
	l.BlockNum = binary.BigEndian.Uint64(b[off:])
	off += 8
	l.TxIndex = binary.BigEndian.Uint32(b[off:])
	off += 4
	l.LogIndex = binary.BigEndian.Uint32(b[off:])
	off += 4
	copy(l.BlockHash[:], b[off:off+32])
	return l, nil
}

// Topic returns Topics[i] and true, or the zero hash and false if the
// log has fewer than i+1 topics. i is 0-based (Topic(0) is topic0).
func (l *Log) Topic(i int) ([32]byte, bool) {
	if i < 0 || i >= len(l.Topics) {
		return [32]byte{}, false
	}
	return l.Topics[i], true
}
