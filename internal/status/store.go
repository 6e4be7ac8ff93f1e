// Package status owns the authoritative per-file status record.
//
// Records change only through conditional writes guarded by the version
// that was read, so concurrent writers never lose updates; the loser of a
// race gets core.ErrVersionConflict, re-reads and decides again (see
// Applier). Three Store backends share one contract: an in-memory map for
// tests and single-process runs, bbolt for a durable single-node store,
// and Postgres for multi-instance deployments.
package status

import (
	"context"
	"time"

	"github.com/JonMunkholm/fileflow/internal/core"
)

// Store persists submissions and their status records.
type Store interface {
	// Create writes the submission and its initial status record in one
	// atomic step. Returns core.ErrAlreadyExists if the id is taken.
	Create(ctx context.Context, sub core.FileSubmission, rec core.StatusRecord) error

	// Read returns the current record or core.ErrNotFound.
	Read(ctx context.Context, fileID string) (core.StatusRecord, error)

	// ConditionalWrite replaces the record only if its stored version equals
	// expectedVersion. rec.Version must be expectedVersion+1. Returns
	// core.ErrVersionConflict on mismatch and core.ErrNotFound for unknown ids.
	ConditionalWrite(ctx context.Context, fileID string, expectedVersion int64, rec core.StatusRecord) error

	// GetSubmission returns the immutable submission or core.ErrNotFound.
	GetSubmission(ctx context.Context, fileID string) (core.FileSubmission, error)

	// List returns records matching the filter, oldest update first.
	List(ctx context.Context, f ListFilter) ([]core.StatusRecord, error)

	Close() error
}

// ListFilter narrows List. Zero values mean "any".
type ListFilter struct {
	State         core.State
	UpdatedBefore time.Time
	Checksum      string // submissions with this content checksum
	Limit         int
}

// DefaultListLimit caps List when the filter has no limit.
const DefaultListLimit = 100

func (f ListFilter) limit() int {
	if f.Limit <= 0 {
		return DefaultListLimit
	}
	return f.Limit
}

// matches applies the filter to a record and its submission.
func (f ListFilter) matches(rec core.StatusRecord, sub core.FileSubmission) bool {
	if f.State != "" && rec.State != f.State {
		return false
	}
	if !f.UpdatedBefore.IsZero() && !rec.UpdatedAt.Before(f.UpdatedBefore) {
		return false
	}
	if f.Checksum != "" && sub.Checksum != f.Checksum {
		return false
	}
	return true
}

// checkNextVersion enforces that writes advance the version by exactly one.
func checkNextVersion(expected int64, rec core.StatusRecord) error {
	if rec.Version != expected+1 {
		return core.NewValidationError("version", "new version %d must be %d", rec.Version, expected+1)
	}
	return nil
}
