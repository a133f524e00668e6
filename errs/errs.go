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

// Package errs classifies every error the index can produce into the
// taxonomy fixed in the engine design: callers branch on Kind, never on
// string matching or type switches over store-specific error types.
package errs

import (
	"fmt"

	"github.com/pkg/errors"
)

// Kind is one of the error classes the engine's components may raise.
type Kind int

const (
	// Unknown is the zero value; never intentionally returned.
	Unknown Kind = iota
	InvalidParams
	NotFound
	QueryTooBroad
	OrderingViolation
	FinalityViolation
	FenceRejected
	LeaseLost
	Corruption
	BackendTransient
	GuardrailExceeded
	Degraded
	Throttled
	Internal
)

func (k Kind) String() string {
	switch k {
	case InvalidParams:
		return "InvalidParams"
	case NotFound:
		return "NotFound"
	case QueryTooBroad:
		return "QueryTooBroad"
	case OrderingViolation:
		return "OrderingViolation"
	case FinalityViolation:
		return "FinalityViolation"
	case FenceRejected:
		return "FenceRejected"
	case LeaseLost:
		return "LeaseLost"
	case Corruption:
		return "Corruption"
	case BackendTransient:
		return "BackendTransient"
	case GuardrailExceeded:
		return "GuardrailExceeded"
	case Degraded:
		return "Degraded"
	case Throttled:
		return "Throttled"
	case Internal:
		return "Internal"
	default:
		return "Unknown"
	}
}

// E is a classified, wrapped error. It carries the original cause (via
// github.com/pkg/errors, so a stack trace is attached at the point of
// classification) and the taxonomy Kind callers switch on.
type E struct {
	Kind Kind
	Op   string
	Err  error
}

func (e *E) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: %s", e.Op, e.Kind)
	}
	return fmt.Sprintf("%s: %s: %v", e.Op, e.Kind, e.Err)
}

func (e *E) Unwrap() error { return e.Err }

// New classifies err under op/kind, wrapping it with a stack trace if it
// isn't nil. A nil err still produces a non-nil *E: callers use New to
// originate a classified error, not only to wrap one.
func New(op string, kind Kind, err error) *E {
	if err != nil {
		err = errors.WithStack(err)
	}
	return &E{Kind: kind, Op: op, Err: err}
}

// Is reports whether err is (or wraps) an *E of the given kind.
func Is(err error, kind Kind) bool {
	var e *E
	if errors.As(err, &e) {
		return e.Kind == kind
	}
	return false
}

// KindOf extracts the Kind from a classified error, or Unknown.
func KindOf(err error) Kind {
	var e *E
	if errors.As(err, &e) {
		return e.Kind
	}
	return Unknown
}

// Retryable reports whether the error's kind is one IngestEngine/ChunkManager
// should retry locally with backoff rather than propagate.
func Retryable(err error) bool {
	k := KindOf(err)
	return k == BackendTransient
}
