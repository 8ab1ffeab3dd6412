package app

import (
	"errors"
	"fmt"
)

var (
	// ErrNotFound indicates the referenced book or chunk does not exist.
	ErrNotFound = errors.New("not found")
	// ErrForbidden indicates the principal failed the authorization check.
	ErrForbidden = errors.New("forbidden")
)

// ValidationError reports malformed input to a mutating operation. No state
// is created when it is returned.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

// ExternalServiceError wraps an OCR or synthesis failure. The affected chunk
// is marked failed with the message retained; the book itself survives.
type ExternalServiceError struct {
	Stage string // "ocr" or "synthesis"
	Err   error
}

func (e *ExternalServiceError) Error() string {
	return fmt.Sprintf("%s: %v", e.Stage, e.Err)
}

func (e *ExternalServiceError) Unwrap() error {
	return e.Err
}
