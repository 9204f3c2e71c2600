package store

import (
	"errors"
	"fmt"
	"strings"
)

// Sentinel errors. Callers match with errors.Is.
var (
	ErrNotFound          = errors.New("not found")
	ErrValidation        = errors.New("validation failed")
	ErrIndexUnavailable  = errors.New("index unavailable")
	ErrExternalCall      = errors.New("external call failed")
	ErrConsistency       = errors.New("index consistency violation")
	ErrEmbeddingDisabled = errors.New("embedding provider disabled")
)

// ValidationError rejects malformed parameters before storage is touched.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

func (e *ValidationError) Is(target error) bool { return target == ErrValidation }

// Retryable is false: a malformed request fails the same way every time.
func (e *ValidationError) Retryable() bool { return false }

// Invalid builds a ValidationError.
func Invalid(field, format string, args ...any) error {
	return &ValidationError{Field: field, Reason: fmt.Sprintf(format, args...)}
}

// ExternalCallError wraps a failed or timed-out embedding/LLM call.
type ExternalCallError struct {
	Op  string // "embed", "complete"
	Err error
}

func (e *ExternalCallError) Error() string {
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *ExternalCallError) Unwrap() error { return e.Err }

func (e *ExternalCallError) Is(target error) bool { return target == ErrExternalCall }

// ExternalCall wraps err as an ExternalCallError; nil stays nil.
func ExternalCall(op string, err error) error {
	if err == nil {
		return nil
	}
	return &ExternalCallError{Op: op, Err: err}
}

// ConsistencyError reports index entries whose key does not match a live record.
// It is fatal at the index layer and must lead to a full rebuild.
type ConsistencyError struct {
	Index string
	IDs   []int64
}

func (e *ConsistencyError) Error() string {
	ids := make([]string, 0, min(len(e.IDs), 5))
	for i, id := range e.IDs {
		if i == 5 {
			break
		}
		ids = append(ids, fmt.Sprint(id))
	}
	more := ""
	if len(e.IDs) > 5 {
		more = fmt.Sprintf(" (+%d more)", len(e.IDs)-5)
	}
	return fmt.Sprintf("%s index: orphan entries [%s]%s", e.Index, strings.Join(ids, ", "), more)
}

func (e *ConsistencyError) Is(target error) bool { return target == ErrConsistency }

// IsValidation reports whether err is a ValidationError.
func IsValidation(err error) bool {
	return errors.Is(err, ErrValidation)
}
