package worker

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	"github.com/JonMunkholm/fileflow/internal/blob"
	"github.com/JonMunkholm/fileflow/internal/core"
	"github.com/JonMunkholm/fileflow/internal/extract"
	"github.com/JonMunkholm/fileflow/internal/schema"
)

// Policy decides what an invalid row does to the file.
type Policy string

const (
	// FailFast fails the file on the first invalid row.
	FailFast Policy = "fail_fast"
	// Aggregate validates every row and reports all row errors.
	Aggregate Policy = "aggregate"
)

// ParsePolicy converts a config value to a Policy.
func ParsePolicy(s string) (Policy, error) {
	switch Policy(s) {
	case FailFast, Aggregate:
		return Policy(s), nil
	default:
		return "", fmt.Errorf("unknown validation policy %q", s)
	}
}

// Fetcher reads stored bytes.
type Fetcher interface {
	Fetch(ctx context.Context, ref string) (io.ReadCloser, error)
}

// Processor turns one submission into an outcome. It holds no state
// between calls and derives the outcome only from the stored bytes, so
// processing the same submission twice yields equal results.
type Processor struct {
	blobs        Fetcher
	policy       Policy
	maxRowErrors int
	logger       *slog.Logger
	now          func() time.Time
}

// NewProcessor creates a Processor.
func NewProcessor(blobs Fetcher, policy Policy, maxRowErrors int, logger *slog.Logger) *Processor {
	if maxRowErrors <= 0 {
		maxRowErrors = 100
	}
	return &Processor{
		blobs:        blobs,
		policy:       policy,
		maxRowErrors: maxRowErrors,
		logger:       logger,
		now:          time.Now,
	}
}

// Process returns a Succeeded or Failed event for ev's generation. A
// non-nil error means a transient failure and that the whole call should
// be retried later.
func (p *Processor) Process(ctx context.Context, ev core.Submitted) (core.Event, error) {
	sub := ev.Submission
	gen := ev.Generation
	logger := p.logger.With("file_id", sub.ID, "generation", gen)

	fail := func(reason core.FailureReason, cause error, rows []core.RowError) (core.Event, error) {
		logger.Info("file failed", "reason", reason, "error", cause, "row_errors", len(rows))
		return core.NewFailed(sub.ID, gen, reason, cause, rows, p.now().UTC()), nil
	}

	sch, ok := schema.Get(sub.Schema)
	if !ok {
		return fail(core.ReasonInvalidFile, core.NewValidationError("schema", "unknown schema %q", sub.Schema), nil)
	}
	ex, err := extract.For(sub.Format)
	if err != nil {
		return fail(core.ReasonInvalidFile, core.NewValidationError("format", "%v", err), nil)
	}

	rc, err := p.blobs.Fetch(ctx, sub.StorageRef)
	if err != nil {
		if errors.Is(err, blob.ErrNotFound) {
			return fail(core.ReasonProcessingError, err, nil)
		}
		return nil, err
	}
	defer rc.Close()

	hasher := sha256.New()
	tee := io.TeeReader(rc, hasher)

	rows, err := ex.Open(ctx, tee)
	if err != nil {
		return p.extractFailure(err, fail)
	}
	defer rows.Close()

	var (
		validator *schema.Validator
		dataRows  int
		invalid   int
		rowErrs   []core.RowError
	)
	if !sch.HeaderRow {
		if validator, err = schema.NewValidator(sch, nil); err != nil {
			return fail(core.ReasonInvalidFile, err, nil)
		}
	}

	for rows.Next() {
		row := rows.Row()
		if validator == nil {
			validator, err = schema.NewValidator(sch, row.Cells)
			if err != nil {
				return fail(core.ReasonInvalidFile, err, nil)
			}
			continue
		}

		dataRows++
		errs := validator.ValidateRow(dataRows, row.Line, row.Cells)
		if len(errs) == 0 {
			continue
		}

		if p.policy == FailFast {
			return fail(core.ReasonInvalidFile, rowFailure(errs), errs)
		}
		invalid++
		rowErrs = append(rowErrs, errs...)
		if len(rowErrs) >= p.maxRowErrors {
			rowErrs = rowErrs[:p.maxRowErrors]
			return fail(core.ReasonInvalidFile,
				fmt.Errorf("invalid row: stopped after %d row errors (%d rows failed so far)", p.maxRowErrors, invalid), rowErrs)
		}
	}
	if err := rows.Err(); err != nil {
		return p.extractFailure(err, fail)
	}

	if err := sch.CheckRowCount(dataRows); err != nil {
		return fail(core.ReasonInvalidFile, err, nil)
	}
	if invalid > 0 {
		return fail(core.ReasonInvalidFile, fmt.Errorf("invalid row: %d of %d rows failed validation", invalid, dataRows), rowErrs)
	}

	// Hash whatever the extractor left unread.
	if _, err := io.Copy(io.Discard, tee); err != nil {
		return nil, core.Transient(fmt.Errorf("read blob: %w", err))
	}

	result := core.ResultSummary{
		RowsProcessed: dataRows,
		Columns:       sch.Columns(),
		ContentSHA256: hex.EncodeToString(hasher.Sum(nil)),
		Schema:        sch.Key,
	}
	logger.Info("file processed", "rows", dataRows, "schema", sch.Key)
	return core.NewSucceeded(sub.ID, gen, result, p.now().UTC()), nil
}

// extractFailure separates malformed content from I/O trouble.
func (p *Processor) extractFailure(err error, fail func(core.FailureReason, error, []core.RowError) (core.Event, error)) (core.Event, error) {
	var pe *core.ParseError
	if errors.As(err, &pe) {
		var rows []core.RowError
		if pe.Line > 0 || pe.Row > 0 {
			rows = []core.RowError{{Row: pe.Row, Line: pe.Line, Message: err.Error()}}
		}
		return fail(core.ReasonParseError, err, rows)
	}
	return nil, core.Transient(err)
}

// rowFailure summarizes the first invalid row for the error message.
func rowFailure(errs []core.RowError) error {
	first := errs[0]
	parts := make([]string, 0, len(errs))
	for _, e := range errs {
		parts = append(parts, e.Field+": "+e.Message)
	}
	return fmt.Errorf("invalid row %d (line %d): %s", first.Row, first.Line, strings.Join(parts, "; "))
}
