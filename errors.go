package verto

import "errors"

// Error types for specific failure scenarios
var (
	// ErrInvalidConfig indicates invalid configuration options
	ErrInvalidConfig = errors.New("invalid configuration")

	// ErrAlreadyStarted indicates Start was called twice
	ErrAlreadyStarted = errors.New("server already started")

	// ErrClosed indicates the server has been closed
	ErrClosed = errors.New("server is closed")
)
