// Package intake accepts uploads and hands them to the pipeline.
//
// Submit validates before anything is persisted, then stores the bytes,
// creates the submission and its Submitted status record in one step,
// and publishes the Submitted event with bounded retries. A publish that
// never succeeds turns the record into Failed(dispatch_failed) so no file
// sits in Submitted without a worker having been told. The Sweeper covers
// the remaining gap (process crash between create and publish).
package intake

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"slices"
	"time"

	"github.com/google/uuid"

	"github.com/JonMunkholm/fileflow/internal/blob"
	"github.com/JonMunkholm/fileflow/internal/bus"
	"github.com/JonMunkholm/fileflow/internal/config"
	"github.com/JonMunkholm/fileflow/internal/core"
	"github.com/JonMunkholm/fileflow/internal/extract"
	"github.com/JonMunkholm/fileflow/internal/metrics"
	"github.com/JonMunkholm/fileflow/internal/schema"
	"github.com/JonMunkholm/fileflow/internal/status"
)

// BlobStore is the storage backend contract intake needs.
type BlobStore interface {
	Store(ctx context.Context, fileID, originalName string, r io.Reader) (blob.SaveResult, error)
	Delete(ctx context.Context, ref string) error
}

// Service is the upload intake.
type Service struct {
	store    status.Store
	blobs    BlobStore
	pub      bus.Publisher
	applier  *status.Applier
	cfg      config.UploadConfig
	topic    string
	dispatch core.RetryPolicy
	logger   *slog.Logger
	now      func() time.Time
}

// NewService creates the intake service. topic is the submission topic.
func NewService(store status.Store, blobs BlobStore, pub bus.Publisher, applier *status.Applier, cfg config.UploadConfig, topic string, logger *slog.Logger) *Service {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 2 * time.Minute
	}
	if cfg.DispatchAttemptTimeout <= 0 {
		cfg.DispatchAttemptTimeout = 5 * time.Second
	}
	return &Service{
		store:   store,
		blobs:   blobs,
		pub:     pub,
		applier: applier,
		cfg:     cfg,
		topic:   topic,
		dispatch: core.RetryPolicy{
			MaxAttempts:     cfg.DispatchMaxAttempts,
			InitialInterval: cfg.DispatchBackoff,
			MaxInterval:     cfg.DispatchMaxBackoff,
			Jitter:          0.2,
		},
		logger: logger,
		now:    time.Now,
	}
}

// SubmitRequest is one upload.
type SubmitRequest struct {
	FileName  string
	Data      []byte
	Submitter string
	Schema    string // empty selects the configured default
}

// SubmitResult is returned for every accepted upload, including one whose
// dispatch failed (State is then Failed).
type SubmitResult struct {
	FileID   string
	State    core.State
	Checksum string
}

// Submit validates, persists and dispatches an upload. Validation failures
// return a *core.ValidationError and leave no trace.
func (s *Service) Submit(ctx context.Context, req SubmitRequest) (SubmitResult, error) {
	format, schemaKey, err := s.validate(req)
	if err != nil {
		metrics.SubmissionsTotal.WithLabelValues("rejected").Inc()
		return SubmitResult{}, err
	}

	fileID := uuid.NewString()
	saved, err := s.blobs.Store(ctx, fileID, req.FileName, bytes.NewReader(req.Data))
	if err != nil {
		return SubmitResult{}, fmt.Errorf("storage: %w", err)
	}

	submitter := req.Submitter
	if submitter == "" {
		submitter = core.SubmitterFromContext(ctx)
	}
	now := s.now().UTC()
	sub := core.FileSubmission{
		ID:          fileID,
		StorageRef:  saved.Ref,
		FileName:    req.FileName,
		Format:      format,
		Schema:      schemaKey,
		SizeBytes:   saved.Size,
		Checksum:    saved.Checksum,
		Submitter:   submitter,
		SubmittedAt: now,
	}

	if err := s.store.Create(ctx, sub, core.NewStatusRecord(fileID, now)); err != nil {
		if derr := s.blobs.Delete(context.WithoutCancel(ctx), saved.Ref); derr != nil {
			s.logger.Warn("orphaned blob after failed create", "file_id", fileID, "ref", saved.Ref, "error", derr)
		}
		return SubmitResult{}, fmt.Errorf("create status record: %w", err)
	}

	logger := s.logger.With("file_id", fileID)
	logger.Info("submission accepted",
		"file_name", req.FileName,
		"format", format,
		"schema", schemaKey,
		"size_bytes", saved.Size,
		"submitter", submitter,
		"client_ip", core.IPAddressFromContext(ctx),
	)

	result := SubmitResult{FileID: fileID, State: core.StateSubmitted, Checksum: saved.Checksum}
	state, err := s.dispatchOrFail(ctx, sub, 1)
	if err != nil {
		return result, err
	}
	result.State = state
	if state == core.StateFailed {
		metrics.SubmissionsTotal.WithLabelValues("dispatch_failed").Inc()
	} else {
		metrics.SubmissionsTotal.WithLabelValues("accepted").Inc()
	}
	return result, nil
}

func (s *Service) validate(req SubmitRequest) (core.Format, string, error) {
	if len(req.Data) == 0 {
		return "", "", core.NewValidationError("file", "empty file")
	}
	if s.cfg.MaxFileSize > 0 && int64(len(req.Data)) > s.cfg.MaxFileSize {
		return "", "", core.NewValidationError("file", "file too large: %d bytes exceeds limit of %d", len(req.Data), s.cfg.MaxFileSize)
	}

	format, err := extract.Detect(req.FileName, req.Data)
	if err != nil {
		return "", "", core.NewValidationError("format", "%v", err)
	}
	if len(s.cfg.AllowedFormats) > 0 && !slices.Contains(s.cfg.AllowedFormats, string(format)) {
		return "", "", core.NewValidationError("format", "unsupported format: %s uploads are disabled", format)
	}

	key := req.Schema
	if key == "" {
		key = s.cfg.DefaultSchema
	}
	if _, ok := schema.Get(key); !ok {
		return "", "", core.NewValidationError("schema", "unknown schema %q", key)
	}
	return format, key, nil
}

// dispatchOrFail publishes Submitted for a generation. Each attempt is
// bounded by DispatchAttemptTimeout and the whole dispatch by Timeout.
// When every attempt fails the record is moved to Failed(dispatch_failed)
// on a fresh deadline, so a dispatch that used up its time still leaves a
// terminal record. The caller's cancellation does not abort a dispatch.
func (s *Service) dispatchOrFail(parent context.Context, sub core.FileSubmission, generation int) (core.State, error) {
	detached := context.WithoutCancel(parent)
	ctx, cancel := context.WithTimeout(detached, s.cfg.Timeout)
	defer cancel()

	logger := s.logger.With("file_id", sub.ID, "generation", generation)
	ev := core.NewSubmitted(sub, generation, s.now().UTC())

	attempts, err := core.Retry(ctx, s.dispatch, func(ctx context.Context, attempt int) error {
		actx, cancel := context.WithTimeout(ctx, s.cfg.DispatchAttemptTimeout)
		defer cancel()
		return bus.PublishEvent(actx, s.pub, s.topic, ev)
	}, func(attempt int, err error, wait time.Duration) {
		metrics.DispatchRetriesTotal.Inc()
		logger.Warn("dispatch failed, retrying", "attempt", attempt, "wait", wait, "error", err)
	})
	if err == nil {
		logger.Debug("dispatched", "attempts", attempts)
		return core.StateSubmitted, nil
	}

	logger.Error("dispatch failed, marking file failed", "attempts", attempts, "error", err)
	failed := core.NewFailed(sub.ID, generation, core.ReasonDispatchFailed,
		fmt.Errorf("dispatch failed after %d attempts: %w", attempts, err), nil, s.now().UTC())

	fctx, fcancel := context.WithTimeout(detached, s.cfg.Timeout)
	defer fcancel()
	res, aerr := s.applier.Apply(fctx, failed)
	if aerr != nil && !errors.Is(aerr, core.ErrConsistencyAnomaly) {
		return core.StateSubmitted, fmt.Errorf("mark dispatch failure: %w", aerr)
	}
	return res.Record.State, nil
}

// Retry moves a Failed file back to Submitted under a new generation and
// dispatches it again. Files in any other state return an error wrapping
// core.ErrIllegalTransition.
func (s *Service) Retry(ctx context.Context, fileID, requestedBy string) (core.StatusRecord, error) {
	rec, err := s.store.Read(ctx, fileID)
	if err != nil {
		return core.StatusRecord{}, err
	}
	if rec.State != core.StateFailed {
		return rec, fmt.Errorf("%w: retry requires %s, file is %s", core.ErrIllegalTransition, core.StateFailed, rec.State)
	}
	sub, err := s.store.GetSubmission(ctx, fileID)
	if err != nil {
		return rec, err
	}

	ev := core.NewResubmitted(fileID, rec.Generation+1, requestedBy, s.now().UTC())
	res, err := s.applier.Apply(ctx, ev)
	if err != nil {
		return rec, err
	}
	if res.Decision != status.Apply {
		// A concurrent retry got there first and dispatched.
		return res.Record, nil
	}

	s.logger.Info("manual retry", "file_id", fileID, "generation", res.Record.Generation, "requested_by", requestedBy)
	state, err := s.dispatchOrFail(ctx, sub, res.Record.Generation)
	if err != nil {
		return res.Record, err
	}
	if state != res.Record.State {
		return s.store.Read(ctx, fileID)
	}
	return res.Record, nil
}
