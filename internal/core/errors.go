package core

import (
	"errors"
	"fmt"
)

// Sentinel errors shared by every pipeline component.
var (
	// ErrNotFound is returned when a file id has no status record.
	ErrNotFound = errors.New("file not found")

	// ErrVersionConflict is returned by a conditional write whose expected
	// version no longer matches. It is handled inside the status package and
	// never reaches API callers.
	ErrVersionConflict = errors.New("version conflict")

	// ErrConsistencyAnomaly marks an event whose outcome contradicts an
	// already terminal record (for example Failed after Completed).
	ErrConsistencyAnomaly = errors.New("consistency anomaly")

	// ErrIllegalTransition is returned for transitions outside the state machine,
	// such as a manual retry of a file that has not failed.
	ErrIllegalTransition = errors.New("illegal transition")

	// ErrAlreadyExists is returned when creating a record whose id is taken.
	ErrAlreadyExists = errors.New("file already exists")
)

// ValidationError rejects a submission before anything is persisted.
type ValidationError struct {
	Field   string // "file", "format", "schema", ...
	Message string
}

func (e *ValidationError) Error() string {
	if e.Field != "" {
		return fmt.Sprintf("validation error: %s: %s", e.Field, e.Message)
	}
	return "validation error: " + e.Message
}

// NewValidationError builds a ValidationError with a formatted message.
func NewValidationError(field, format string, args ...any) *ValidationError {
	return &ValidationError{Field: field, Message: fmt.Sprintf(format, args...)}
}

// IsValidation reports whether err is (or wraps) a ValidationError.
func IsValidation(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}

// ParseError reports malformed file content. It is terminal: the file fails
// immediately and is never retried.
type ParseError struct {
	Row  int // 1-based data row index, 0 when unknown
	Line int
	Err  error
}

func (e *ParseError) Error() string {
	switch {
	case e.Row > 0:
		return fmt.Sprintf("parse error at row %d (line %d): %v", e.Row, e.Line, e.Err)
	case e.Line > 0:
		return fmt.Sprintf("parse error at line %d: %v", e.Line, e.Err)
	default:
		return fmt.Sprintf("parse error: %v", e.Err)
	}
}

func (e *ParseError) Unwrap() error { return e.Err }

// transientError marks an infrastructure failure that may succeed on retry.
type transientError struct {
	err error
}

func (e *transientError) Error() string { return "transient: " + e.err.Error() }
func (e *transientError) Unwrap() error { return e.err }

// Transient wraps err as retryable. A nil err stays nil.
func Transient(err error) error {
	if err == nil {
		return nil
	}
	var te *transientError
	if errors.As(err, &te) {
		return err
	}
	return &transientError{err: err}
}

// IsTransient reports whether err is marked retryable.
func IsTransient(err error) bool {
	var te *transientError
	return errors.As(err, &te)
}
