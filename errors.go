package flagkit

import "errors"

// Predefined errors for the flagkit package.
var (
	// ErrEmptySDKKey indicates the client was constructed without an SDK key.
	ErrEmptySDKKey = errors.New("flagkit: sdk key cannot be empty")

	// ErrUnsupportedValueType indicates a variable default whose type is not
	// one of string, number, boolean or JSON object/array.
	ErrUnsupportedValueType = errors.New("flagkit: default value must be a string, number, boolean, or JSON object/array")

	// ErrEmptyVariableKey indicates a variable lookup with an empty key.
	ErrEmptyVariableKey = errors.New("flagkit: variable key cannot be empty")

	// ErrClientClosed indicates an operation on a closed client.
	ErrClientClosed = errors.New("flagkit: client is closed")

	// ErrAwaitTimeout indicates a future was awaited past its deadline.
	ErrAwaitTimeout = errors.New("flagkit: timed out waiting for operation to complete")

	// ErrUserIDMismatch indicates an in-place user update carried a
	// different user id than the current user.
	ErrUserIDMismatch = errors.New("flagkit: cannot update a user with a different user id")
)
