package types

import (
	"errors"
	"fmt"
)

// Kind sentinels forming the engine-wide error taxonomy. Every error that
// crosses a package boundary in lattice is classified into one of these
// via errors.Is, after being wrapped in an *EngineError for context.
var (
	ErrNotFound        = errors.New("not found")
	ErrInvalidInput    = errors.New("invalid input")
	ErrConflict        = errors.New("conflict")
	ErrTimeout         = errors.New("timeout")
	ErrThrottled       = errors.New("throttled")
	ErrTransient       = errors.New("transient error")
	ErrPermanent       = errors.New("permanent error")
	ErrEmbeddingFailed = errors.New("embedding failed")
	ErrCancelled       = errors.New("cancelled")
	ErrReadOnly        = errors.New("read only")
)

// EngineError wraps a taxonomy sentinel with the operation and a
// human-readable message, following the fmt.Errorf("...: %w", err)
// wrapping idiom used throughout this codebase.
type EngineError struct {
	Kind    error  // one of the Err* sentinels above
	Op      string // e.g. "objectstore.Put", "engine.Relate"
	Message string
	Cause   error
}

func (e *EngineError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Op, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Op, e.Message)
}

func (e *EngineError) Unwrap() error {
	if e.Cause != nil {
		return e.Cause
	}
	return e.Kind
}

// Is lets errors.Is(err, types.ErrNotFound) succeed against an
// *EngineError without unwrapping to Cause first.
func (e *EngineError) Is(target error) bool {
	return e.Kind == target
}

// NewError constructs an *EngineError for op, classified as kind.
func NewError(kind error, op, message string) error {
	return &EngineError{Kind: kind, Op: op, Message: message}
}

// Wrap classifies cause under kind, recording op and message for context.
func Wrap(kind error, op, message string, cause error) error {
	return &EngineError{Kind: kind, Op: op, Message: message, Cause: cause}
}

// Retryable reports whether err's classified kind is one the write
// pipeline (pkg/cache, pkg/writebuffer) should retry with backoff.
func Retryable(err error) bool {
	return errors.Is(err, ErrThrottled) || errors.Is(err, ErrTransient) || errors.Is(err, ErrTimeout)
}
