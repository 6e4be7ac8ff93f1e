package intake

// sweeper.go repairs records the normal flow left behind.
//
// A Submitted record older than StrandedAfter was persisted but probably
// never made it onto the bus, for example because the process died between
// the status write and the publish. Its Submitted event is re-published;
// that is safe because the event id is deterministic and both worker and
// projector tolerate duplicates. A record is re-published at most once per
// StrandedAfter so a lagging worker pool is not handed the same file again
// on every sweep.
//
// A Processing record older than ProcessingStaleAfter was claimed by a
// worker whose outcome never arrived (the bus gave up on it, or the worker
// died). It is moved to Failed(exhausted_retries) so it can be retried by
// hand instead of hanging.

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"

	"github.com/JonMunkholm/fileflow/internal/bus"
	"github.com/JonMunkholm/fileflow/internal/config"
	"github.com/JonMunkholm/fileflow/internal/core"
	"github.com/JonMunkholm/fileflow/internal/metrics"
	"github.com/JonMunkholm/fileflow/internal/status"
)

// recentCacheSize bounds how many re-published records are remembered.
const recentCacheSize = 10000

// Sweeper periodically re-dispatches stranded Submitted records and fails
// stale Processing records.
type Sweeper struct {
	store   status.Store
	pub     bus.Publisher
	applier *status.Applier
	topic   string
	cfg     config.SweeperConfig
	recent  *expirable.LRU[string, struct{}]
	logger  *slog.Logger
	now     func() time.Time
	running atomic.Bool
}

// NewSweeper creates a Sweeper.
func NewSweeper(store status.Store, pub bus.Publisher, applier *status.Applier, topic string, cfg config.SweeperConfig, logger *slog.Logger) *Sweeper {
	if cfg.PublishTimeout <= 0 {
		cfg.PublishTimeout = 5 * time.Second
	}
	return &Sweeper{
		store:   store,
		pub:     pub,
		applier: applier,
		topic:   topic,
		cfg:     cfg,
		recent:  expirable.NewLRU[string, struct{}](recentCacheSize, nil, cfg.StrandedAfter),
		logger:  logger,
		now:     time.Now,
	}
}

// Start runs a sweep every Interval until ctx is done.
func (s *Sweeper) Start(ctx context.Context) {
	s.logger.Info("sweeper started",
		"interval", s.cfg.Interval,
		"stranded_after", s.cfg.StrandedAfter,
		"processing_stale_after", s.cfg.ProcessingStaleAfter,
		"batch_size", s.cfg.BatchSize,
	)

	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("sweeper stopped")
			return
		case <-ticker.C:
			if _, err := s.RunOnce(ctx); err != nil && ctx.Err() == nil {
				s.logger.Error("sweep failed", "error", err)
			}
		}
	}
}

// SweepResult counts what one sweep did.
type SweepResult struct {
	Republished int // stranded Submitted records re-published
	Failed      int // stale Processing records moved to Failed
}

// RunOnce performs one sweep. A sweep that is still running makes the
// call a no-op.
func (s *Sweeper) RunOnce(ctx context.Context) (SweepResult, error) {
	var res SweepResult
	if !s.running.CompareAndSwap(false, true) {
		s.logger.Debug("previous sweep still running, skipping")
		return res, nil
	}
	defer s.running.Store(false)

	start := time.Now()
	var err error
	if res.Republished, err = s.republishStranded(ctx); err != nil {
		return res, err
	}
	if s.cfg.ProcessingStaleAfter > 0 {
		if res.Failed, err = s.failStale(ctx); err != nil {
			return res, err
		}
	}

	if res.Republished > 0 || res.Failed > 0 {
		s.logger.Info("sweep completed",
			"republished", res.Republished,
			"failed", res.Failed,
			"duration_ms", time.Since(start).Milliseconds(),
		)
	}
	return res, nil
}

func (s *Sweeper) republishStranded(ctx context.Context) (int, error) {
	stranded, err := s.store.List(ctx, status.ListFilter{
		State:         core.StateSubmitted,
		UpdatedBefore: s.now().Add(-s.cfg.StrandedAfter),
		Limit:         s.cfg.BatchSize,
	})
	if err != nil {
		return 0, fmt.Errorf("list stranded: %w", err)
	}

	republished := 0
	for _, rec := range stranded {
		if ctx.Err() != nil {
			break
		}
		key := rec.FileID + "/" + strconv.Itoa(rec.Generation)
		if s.recent.Contains(key) {
			continue
		}
		sub, err := s.store.GetSubmission(ctx, rec.FileID)
		if err != nil {
			s.logger.Error("stranded record without submission", "file_id", rec.FileID, "error", err)
			continue
		}
		if err := s.publish(ctx, core.NewSubmitted(sub, rec.Generation, s.now().UTC())); err != nil {
			s.logger.Warn("re-publish failed", "file_id", rec.FileID, "error", err)
			continue
		}
		s.recent.Add(key, struct{}{})
		republished++
		metrics.SweeperRepublishedTotal.Inc()
		s.logger.Info("re-published stranded submission",
			"file_id", rec.FileID,
			"generation", rec.Generation,
			"age", s.now().Sub(rec.UpdatedAt).Round(time.Second),
		)
	}
	return republished, nil
}

func (s *Sweeper) publish(ctx context.Context, ev core.Event) error {
	ctx, cancel := context.WithTimeout(ctx, s.cfg.PublishTimeout)
	defer cancel()
	return bus.PublishEvent(ctx, s.pub, s.topic, ev)
}

func (s *Sweeper) failStale(ctx context.Context) (int, error) {
	stale, err := s.store.List(ctx, status.ListFilter{
		State:         core.StateProcessing,
		UpdatedBefore: s.now().Add(-s.cfg.ProcessingStaleAfter),
		Limit:         s.cfg.BatchSize,
	})
	if err != nil {
		return 0, fmt.Errorf("list stale processing: %w", err)
	}

	failed := 0
	for _, rec := range stale {
		if ctx.Err() != nil {
			break
		}
		age := s.now().Sub(rec.UpdatedAt).Round(time.Second)
		ev := core.NewFailed(rec.FileID, rec.Generation, core.ReasonExhaustedRetries,
			fmt.Errorf("exhausted retries: no processing outcome after %s", age), nil, s.now().UTC())
		res, err := s.applier.Apply(ctx, ev)
		if err != nil && !errors.Is(err, core.ErrConsistencyAnomaly) {
			s.logger.Warn("failing stale record failed", "file_id", rec.FileID, "error", err)
			continue
		}
		if res.Decision != status.Apply {
			continue
		}
		failed++
		s.logger.Warn("stale processing record failed",
			"file_id", rec.FileID,
			"generation", rec.Generation,
			"age", age,
		)
	}
	return failed, nil
}
