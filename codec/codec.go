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

// Package codec is the binary encoding layer for every persisted
// record: logs, block metadata, manifests, chunks, tails, topic0
// mode/stats and meta-state. Every encoding starts with a version byte;
// blob payloads additionally carry a trailing CRC32. Numeric key
// fields, where they appear inside a value, use big-endian so a
// byte-for-byte-identical record always decodes to the same value
// (needed for the idempotent-replay invariant).
package codec

import "fmt"

// Version1 is the only wire version this revision produces or accepts.
const Version1 byte = 1

// ErrUnsupportedVersion is returned by any Decode when the leading
// version byte isn't one this build understands. This is
// a hard error that triggers degraded mode when hit via a manifest
// reference.
type ErrUnsupportedVersion struct {
	Type    string
	Version byte
}

func (e *ErrUnsupportedVersion) Error() string {
	return fmt.Sprintf("codec: unsupported %s version %d", e.Type, e.Version)
}

// ErrChecksumMismatch is returned by Chunk decoding when the trailing
// CRC32 doesn't match the payload.
type ErrChecksumMismatch struct {
	Type string
}

func (e *ErrChecksumMismatch) Error() string {
	return fmt.Sprintf("codec: checksum mismatch decoding %s", e.Type)
}

func checkVersion(typ string, got byte) error {
	if got != Version1 {
		return &ErrUnsupportedVersion{Type: typ, Version: got}
	}
	return nil
}
