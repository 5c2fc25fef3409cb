// Copyright 2022 Saferwall. All rights reserved.
// Use of this source code is governed by Apache v2 license
// license that can be found in the LICENSE file.

package carve

import (
	"errors"
	"fmt"
)

// Errors
var (
	// ErrStoreNotFound is returned when the store root does not exist or is
	// not a directory.
	ErrStoreNotFound = errors.New("store root not found")

	// ErrCorruptInfo is returned when an info record fails to deserialize.
	ErrCorruptInfo = errors.New("corrupt info record")

	// ErrHashMismatch is returned when the content hash of a meta directory
	// does not match its identity.
	ErrHashMismatch = errors.New("content hash does not match identity")

	// ErrNotOpen is returned when an operation requires an open meta
	// directory scope.
	ErrNotOpen = errors.New("meta directory is not open")

	// errPathDenied is returned for logical archive paths that would
	// escape the store.
	errPathDenied = errors.New("path denied")
)

// A ParserError signals that the scanned bytes are not in the parser's
// format. It is expected and non fatal: the dispatcher discards the
// candidate and tries the next one.
type ParserError struct {
	Reason string
}

func (e *ParserError) Error() string {
	return e.Reason
}

// rejectf builds a ParserError from a format string.
func rejectf(format string, a ...interface{}) error {
	return &ParserError{Reason: fmt.Sprintf(format, a...)}
}

// checkCondition returns a ParserError carrying reason when cond does not
// hold.
func checkCondition(cond bool, reason string) error {
	if !cond {
		return &ParserError{Reason: reason}
	}
	return nil
}

// isReject reports whether err is a parser reject.
func isReject(err error) bool {
	var pe *ParserError
	return errors.As(err, &pe)
}

// A StoreError is a filesystem or serialization error on the backing store.
// It is fatal to the current work item.
type StoreError struct {
	Path string
	Err  error
}

func (e *StoreError) Error() string {
	return fmt.Sprintf("store: %s: %v", e.Path, e.Err)
}

func (e *StoreError) Unwrap() error {
	return e.Err
}

// A ConfigError is a malformed configuration value. It is raised at startup
// and aborts the run.
type ConfigError struct {
	Option string
	Reason string
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("config: %s: %s", e.Option, e.Reason)
}
