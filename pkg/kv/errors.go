package kv

import "errors"

// Predefined errors for the kv package.
var (
	// ErrEmptyKey indicates an operation was attempted with an empty key.
	ErrEmptyKey = errors.New("kv: key cannot be empty")

	// ErrStoreUnavailable indicates the backing store could not be reached.
	ErrStoreUnavailable = errors.New("kv: store unavailable")

	// ErrInvalidPath indicates the file store path is empty or unusable.
	ErrInvalidPath = errors.New("kv: invalid file store path")
)
