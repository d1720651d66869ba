// Copyright 2024 Google Inc. All Rights Reserved.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package errs defines the error taxonomy shared by the checksum index and
// the dedup engine, so callers can tell an invalid argument from a
// transient, retryable failure without string matching.
package errs

import (
	"errors"
	"fmt"
)

// Kind classifies an Error so callers can decide whether to retry, skip, or
// abort.
type Kind int

const (
	// Invalid marks a programmer/caller error: null or empty paths, a
	// src that already lies under dstdir, and similar. Never retryable.
	Invalid Kind = iota
	// NotFound marks a backing file that vanished mid-operation (a
	// broken symlink, or a race with an external deletion). Logged and
	// skipped, never fatal.
	NotFound
	// IO marks a failed read, rename, or link syscall.
	IO
	// CrossDevice marks a hard link attempted across a filesystem
	// boundary. Always fatal for the entry being processed.
	CrossDevice
	// Concurrency marks a transactional busy-timeout.
	Concurrency
	// Config marks a refused operation: algorithm mismatch, non-empty
	// dupdir, and the like.
	Config
)

func (k Kind) String() string {
	switch k {
	case Invalid:
		return "invalid-argument"
	case NotFound:
		return "not-found"
	case IO:
		return "io"
	case CrossDevice:
		return "cross-device"
	case Concurrency:
		return "concurrency"
	case Config:
		return "config"
	default:
		return "unknown"
	}
}

// Error is the single error type used across the core. Op names the
// operation that failed (e.g. "update_checksum", "hard_link"); it is
// always present so logs can attribute the failure.
type Error struct {
	Kind Kind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: %s", e.Op, e.Kind)
	}
	return fmt.Sprintf("%s: %s: %v", e.Op, e.Kind, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

func newErr(kind Kind, op string, err error) *Error {
	return &Error{Kind: kind, Op: op, Err: err}
}

// New wraps err with kind and op. If err is nil, it builds a bare error
// carrying only the kind and op (used for sentinel failures that have no
// underlying cause, e.g. a disallowed empty path).
func New(kind Kind, op string, err error) error {
	return newErr(kind, op, err)
}

func Invalidf(op, format string, a ...any) error {
	return newErr(Invalid, op, fmt.Errorf(format, a...))
}

func NotFoundf(op, format string, a ...any) error {
	return newErr(NotFound, op, fmt.Errorf(format, a...))
}

func IOErr(op string, err error) error {
	return newErr(IO, op, err)
}

func CrossDeviceErr(op string, err error) error {
	return newErr(CrossDevice, op, err)
}

func ConcurrencyErr(op string, err error) error {
	return newErr(Concurrency, op, err)
}

func Configf(op, format string, a ...any) error {
	return newErr(Config, op, fmt.Errorf(format, a...))
}

// KindOf reports the Kind of err if it (or something it wraps) is an
// *Error, and ok=false otherwise.
func KindOf(err error) (kind Kind, ok bool) {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind, true
	}
	return 0, false
}

// Is reports whether err is (or wraps) an *Error of the given kind.
func Is(err error, kind Kind) bool {
	k, ok := KindOf(err)
	return ok && k == kind
}
