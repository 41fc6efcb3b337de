// Package bserr defines the sentinel error kinds shared across the
// engine. Every component wraps the underlying cause with one of
// these via fmt.Errorf's %w, so callers can classify a failure with
// errors.Is regardless of which component raised it.
package bserr

import "errors"

var (
	// ErrNotInitialized is returned for any operation attempted before
	// Open or after Close.
	ErrNotInitialized = errors.New("bundlestore: not initialized")
	// ErrAlreadyInitialized is returned by a second Open call.
	ErrAlreadyInitialized = errors.New("bundlestore: already initialized")
	// ErrSchema marks a missing or malformed DDL resource.
	ErrSchema = errors.New("bundlestore: schema error")
	// ErrConnection marks a driver-load or connection-acquisition failure.
	ErrConnection = errors.New("bundlestore: connection error")
	// ErrStore marks a database-side failure during a CRUD operation.
	ErrStore = errors.New("bundlestore: store error")
	// ErrEncoding marks a bundle serialization failure (programmer error).
	ErrEncoding = errors.New("bundlestore: encoding error")
	// ErrDecoding marks a bundle deserialization failure (data corruption).
	ErrDecoding = errors.New("bundlestore: decoding error")
	// ErrNoSuchItem marks a referenced row absent where presence was required.
	ErrNoSuchItem = errors.New("bundlestore: no such item")
	// ErrBlob marks a blob put/get/remove failure.
	ErrBlob = errors.New("bundlestore: blob error")
)
