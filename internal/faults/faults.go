// Package faults defines the error kinds the server surfaces to callers
// and the internal kinds the pipelines use for control flow.
package faults

import (
	"errors"
	"fmt"
)

// Kind classifies an error for the RPC surface.
type Kind string

const (
	KindValidation       Kind = "validation_error"
	KindNotFound         Kind = "not_found"
	KindInsufficientData Kind = "insufficient_data"
	KindInternal         Kind = "internal_error"
)

// Fault is an error with a caller-facing kind. The message is written
// for a human or an LLM client; stack traces never cross the boundary.
type Fault struct {
	Kind    Kind
	Message string
	wrapped error
}

func (f *Fault) Error() string {
	return f.Message
}

func (f *Fault) Unwrap() error {
	return f.wrapped
}

// Validation builds a validation_error with a formatted message.
func Validation(format string, args ...interface{}) error {
	return &Fault{Kind: KindValidation, Message: fmt.Sprintf(format, args...)}
}

// NotFound builds a not_found error.
func NotFound(format string, args ...interface{}) error {
	return &Fault{Kind: KindNotFound, Message: fmt.Sprintf(format, args...)}
}

// InsufficientData builds an insufficient_data error.
func InsufficientData(format string, args ...interface{}) error {
	return &Fault{Kind: KindInsufficientData, Message: fmt.Sprintf(format, args...)}
}

// Internal wraps an unexpected error as internal_error.
func Internal(err error) error {
	if err == nil {
		return nil
	}
	return &Fault{Kind: KindInternal, Message: err.Error(), wrapped: err}
}

// KindOf extracts the caller-facing kind from an error chain.
// Unrecognized errors classify as internal_error.
func KindOf(err error) Kind {
	var f *Fault
	if errors.As(err, &f) {
		return f.Kind
	}
	switch {
	case errors.Is(err, ErrInsufficientData):
		return KindInsufficientData
	case errors.Is(err, ErrNotFound):
		return KindNotFound
	}
	return KindInternal
}

// Sentinel errors for internal control flow. Pipelines wrap these with
// context via fmt.Errorf("...: %w", ...) and branch with errors.Is.
var (
	// ErrCollectionExists signals an idempotent create hitting an
	// existing collection. Absorbed by ensure-collection, never
	// propagated upward.
	ErrCollectionExists = errors.New("collection already exists")

	// ErrDimensionMismatch signals an upsert whose vector length does
	// not match the collection dimension.
	ErrDimensionMismatch = errors.New("vector dimension mismatch")

	// ErrNotFound signals an absent resource (collection, point, row).
	ErrNotFound = errors.New("not found")

	// ErrParse signals a syntactically broken source file.
	ErrParse = errors.New("parse error")

	// ErrEncoding signals non-UTF-8 input.
	ErrEncoding = errors.New("encoding error")

	// ErrEmbedding signals an embedding backend failure.
	ErrEmbedding = errors.New("embedding error")

	// ErrEmbeddingModel signals a model load failure. Fatal to the caller.
	ErrEmbeddingModel = errors.New("embedding model error")

	// ErrPersist signals exhausted persistence retries. The resolved
	// entry remains in the journal for a later retry.
	ErrPersist = errors.New("persist error")

	// ErrInsufficientData signals clustering over too few vectors.
	ErrInsufficientData = errors.New("insufficient data")

	// ErrShallowClone signals truncated history. Warn-only.
	ErrShallowClone = errors.New("shallow clone")

	// ErrRepositoryNotFound signals construction against a non-repo path.
	ErrRepositoryNotFound = errors.New("repository not found")

	// ErrBinaryFile signals blame against a binary file.
	ErrBinaryFile = errors.New("binary file")

	// ErrFileNotInRepo signals blame against an untracked file.
	ErrFileNotInRepo = errors.New("file not tracked in repository")
)
