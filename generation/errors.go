package generation

import (
	"errors"
	"fmt"
)

// GenerationError is returned when the underlying model call fails or
// produces no content.
type GenerationError struct {
	Op    string
	Model string
	Err   error
}

// Error implements the error interface.
func (e *GenerationError) Error() string {
	return fmt.Sprintf("%s (%s): %v", e.Op, e.Model, e.Err)
}

// Unwrap returns the underlying error.
func (e *GenerationError) Unwrap() error {
	return e.Err
}

// SchemaMismatchError is returned when a structured response cannot be
// decoded into the requested fields, even after repair.
type SchemaMismatchError struct {
	Schema string
	Raw    string
	Err    error
}

// Error implements the error interface.
func (e *SchemaMismatchError) Error() string {
	return fmt.Sprintf("response does not match schema %q: %v", e.Schema, e.Err)
}

// Unwrap returns the underlying error.
func (e *SchemaMismatchError) Unwrap() error {
	return e.Err
}

// IsSchemaMismatch reports whether err is or wraps a SchemaMismatchError.
func IsSchemaMismatch(err error) bool {
	var target *SchemaMismatchError
	return errors.As(err, &target)
}
