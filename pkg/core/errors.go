// Package core provides the main retrieval client and its configuration.
package core

import (
	"errors"
	"fmt"
)

// Predefined errors for common failure scenarios.
var (
	// ErrInvalidConfig indicates that the provided configuration is invalid.
	ErrInvalidConfig = errors.New("invalid configuration")

	// ErrConnectionFailed indicates that a connection to the storage backend failed.
	ErrConnectionFailed = errors.New("connection failed")

	// ErrInvalidInput indicates that the provided input is invalid.
	ErrInvalidInput = errors.New("invalid input")
)

// RetrievalError wraps errors with operation context.
//
// It provides additional context about which operation failed,
// making error messages more informative for debugging.
//
// Example:
//
//	err := &RetrievalError{
//	    Op:  "SaveMemory",
//	    Err: storage.ErrNotFound,
//	}
//	// Error() returns: "semretrieve: SaveMemory: row not found"
type RetrievalError struct {
	// Op is the name of the operation that failed.
	Op string

	// Err is the underlying error.
	Err error
}

// Error returns a formatted error message.
//
// The format is: "semretrieve: <Op>: <Err>"
func (e *RetrievalError) Error() string {
	return fmt.Sprintf("semretrieve: %s: %v", e.Op, e.Err)
}

// Unwrap returns the underlying error for error unwrapping.
//
// This allows using errors.Is() and errors.As() with RetrievalError.
func (e *RetrievalError) Unwrap() error {
	return e.Err
}

// NewRetrievalError creates a new RetrievalError wrapping the given error.
//
// If err is nil, returns nil. This allows safe error wrapping:
//
//	if err != nil {
//	    return NewRetrievalError("SaveMemory", err)
//	}
func NewRetrievalError(op string, err error) error {
	if err == nil {
		return nil
	}
	return &RetrievalError{
		Op:  op,
		Err: err,
	}
}
