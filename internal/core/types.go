package core

import (
	"slices"
	"time"
)

// State is the lifecycle state of a submitted file.
type State string

const (
	StateSubmitted  State = "submitted"
	StateProcessing State = "processing"
	StateCompleted  State = "completed"
	StateFailed     State = "failed"
)

// Terminal reports whether no automatic transition leaves s.
// Failed is terminal for the pipeline; only a manual retry moves it back.
func (s State) Terminal() bool {
	return s == StateCompleted || s == StateFailed
}

// Valid reports whether s is one of the known states.
func (s State) Valid() bool {
	switch s {
	case StateSubmitted, StateProcessing, StateCompleted, StateFailed:
		return true
	}
	return false
}

// ParseState converts a user-supplied string to a State.
func ParseState(s string) (State, bool) {
	st := State(s)
	return st, st.Valid()
}

// Format is an accepted upload format.
type Format string

const (
	FormatCSV  Format = "csv"
	FormatXLSX Format = "xlsx"
)

// FileSubmission is the immutable record of an accepted upload.
// It is written once by intake and never mutated by the pipeline.
type FileSubmission struct {
	ID          string    `json:"id"`
	StorageRef  string    `json:"storage_ref"`
	FileName    string    `json:"file_name"`
	Format      Format    `json:"format"`
	Schema      string    `json:"schema"`
	SizeBytes   int64     `json:"size_bytes"`
	Checksum    string    `json:"checksum"`
	Submitter   string    `json:"submitter"`
	SubmittedAt time.Time `json:"submitted_at"`
}

// FailureReason classifies why a file ended in Failed.
type FailureReason string

const (
	ReasonInvalidFile      FailureReason = "invalid_file"
	ReasonParseError       FailureReason = "parse_error"
	ReasonDispatchFailed   FailureReason = "dispatch_failed"
	ReasonExhaustedRetries FailureReason = "exhausted_retries"
	ReasonProcessingError  FailureReason = "processing_error"
)

// FailureCategory separates "your file was invalid" from "we could not finish".
type FailureCategory string

const (
	CategoryUser   FailureCategory = "user"
	CategorySystem FailureCategory = "system"
)

// Category returns whether the reason is the submitter's or the system's fault.
func (r FailureReason) Category() FailureCategory {
	switch r {
	case ReasonInvalidFile, ReasonParseError:
		return CategoryUser
	default:
		return CategorySystem
	}
}

// RowError describes one invalid row.
// Row is the 1-based data row index; Line is the physical line (or sheet row).
type RowError struct {
	Row     int    `json:"row"`
	Line    int    `json:"line,omitempty"`
	Field   string `json:"field,omitempty"`
	Value   string `json:"value,omitempty"`
	Message string `json:"message"`
}

// ErrorDetail is attached to a StatusRecord in the Failed state.
type ErrorDetail struct {
	Reason    FailureReason   `json:"reason"`
	Category  FailureCategory `json:"category"`
	Code      string          `json:"code"`
	Message   string          `json:"message"`
	RowErrors []RowError      `json:"row_errors,omitempty"`
}

// ResultSummary is attached to a StatusRecord in the Completed state.
// It is derived only from the file contents so reprocessing yields an equal value.
type ResultSummary struct {
	RowsProcessed int      `json:"rows_processed"`
	Columns       []string `json:"columns,omitempty"`
	ContentSHA256 string   `json:"content_sha256"`
	Schema        string   `json:"schema"`
}

// Equal reports whether two summaries describe the same result.
func (r ResultSummary) Equal(o ResultSummary) bool {
	return r.RowsProcessed == o.RowsProcessed &&
		r.ContentSHA256 == o.ContentSHA256 &&
		r.Schema == o.Schema &&
		slices.Equal(r.Columns, o.Columns)
}

// StatusRecord is the single authoritative, version-guarded status of a file.
// Version starts at 0 and increases by exactly 1 on every accepted transition.
type StatusRecord struct {
	FileID      string         `json:"file_id"`
	State       State          `json:"state"`
	Version     int64          `json:"version"`
	Generation  int            `json:"generation"`
	UpdatedAt   time.Time      `json:"updated_at"`
	LastEventID string         `json:"last_event_id,omitempty"`
	Error       *ErrorDetail   `json:"error,omitempty"`
	Result      *ResultSummary `json:"result,omitempty"`
}

// NewStatusRecord returns the initial record for a freshly accepted submission.
func NewStatusRecord(fileID string, at time.Time) StatusRecord {
	return StatusRecord{
		FileID:     fileID,
		State:      StateSubmitted,
		Version:    0,
		Generation: 1,
		UpdatedAt:  at,
	}
}
