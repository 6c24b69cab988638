package engine

import (
	"context"
	"errors"
	"fmt"
)

// Sentinel errors for the operation surface. Handlers map these to
// transport status codes; the op log records the kind string.
var (
	ErrValidation  = errors.New("validation error")
	ErrNotFound    = errors.New("not found")
	ErrConflict    = errors.New("conflict")
	ErrDataStore   = errors.New("data store error")
	ErrVectorStore = errors.New("vector store error")
	ErrModel       = errors.New("model error")
	ErrCancelled   = errors.New("cancelled")
	ErrInternal    = errors.New("internal error")
)

// ValidationError reports a rejected argument.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

func (e *ValidationError) Unwrap() error { return ErrValidation }

// NotFoundError reports a selector with no viable match.
type NotFoundError struct {
	Persona  string
	Selector string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("persona %s: no memory matches %q", e.Persona, e.Selector)
}

func (e *NotFoundError) Unwrap() error { return ErrNotFound }

// Kind names the error category for op records and logs.
func Kind(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrValidation):
		return "validation"
	case errors.Is(err, ErrNotFound):
		return "not_found"
	case errors.Is(err, ErrConflict):
		return "conflict"
	case errors.Is(err, ErrDataStore):
		return "data_store"
	case errors.Is(err, ErrVectorStore):
		return "vector_store"
	case errors.Is(err, ErrModel):
		return "model"
	case errors.Is(err, ErrCancelled), errors.Is(err, context.Canceled),
		errors.Is(err, context.DeadlineExceeded):
		return "cancelled"
	default:
		return "internal"
	}
}
