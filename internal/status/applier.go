package status

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/JonMunkholm/fileflow/internal/core"
	"github.com/JonMunkholm/fileflow/internal/metrics"
)

// DefaultConflictRetries bounds the read-decide-write loop.
const DefaultConflictRetries = 16

// Applier applies events to the store through the state machine.
type Applier struct {
	store   Store
	logger  *slog.Logger
	policy  core.RetryPolicy
	timeout time.Duration
	now     func() time.Time
}

// ApplierOption configures an Applier.
type ApplierOption func(*Applier)

// WithConflictRetries sets how many times a conflicting write is re-evaluated.
func WithConflictRetries(n int) ApplierOption {
	return func(a *Applier) {
		if n > 0 {
			a.policy.MaxAttempts = n
		}
	}
}

// WithOpTimeout bounds every individual store call.
func WithOpTimeout(d time.Duration) ApplierOption {
	return func(a *Applier) { a.timeout = d }
}

// WithClock replaces time.Now, for tests.
func WithClock(now func() time.Time) ApplierOption {
	return func(a *Applier) { a.now = now }
}

// NewApplier creates an Applier over store.
func NewApplier(store Store, logger *slog.Logger, opts ...ApplierOption) *Applier {
	a := &Applier{
		store:  store,
		logger: logger,
		policy: core.RetryPolicy{
			MaxAttempts:     DefaultConflictRetries,
			InitialInterval: 2 * time.Millisecond,
			MaxInterval:     100 * time.Millisecond,
			Jitter:          0.5,
			Retryable: func(err error) bool {
				return errors.Is(err, core.ErrVersionConflict)
			},
		},
		timeout: 5 * time.Second,
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Result reports what Apply did.
type Result struct {
	Decision Decision
	Record   core.StatusRecord // record after the call (unchanged for Noop/Anomaly)
	Reason   string
	Attempts int
}

// Apply reads the record, decides and writes conditionally. A version
// conflict re-reads and decides again; conflicts never escape unless the
// retry budget is spent, in which case the error is transient.
//
// An event that contradicts a terminal record returns a Result with
// Decision Anomaly together with an error wrapping core.ErrConsistencyAnomaly.
func (a *Applier) Apply(ctx context.Context, ev core.Event) (Result, error) {
	h := ev.Header()
	var res Result

	attempts, err := core.Retry(ctx, a.policy, func(ctx context.Context, attempt int) error {
		cur, err := a.read(ctx, h.FileID)
		if err != nil {
			return err
		}

		out, err := Decide(cur, ev, a.now().UTC())
		if err != nil {
			return backoffStop(err)
		}

		res = Result{Decision: out.Decision, Record: cur, Reason: out.Reason}
		if out.Decision != Apply {
			return nil
		}

		if err := a.write(ctx, h.FileID, cur.Version, out.Next); err != nil {
			return err
		}
		res.Record = out.Next
		return nil
	}, func(attempt int, err error, wait time.Duration) {
		metrics.VersionConflictsTotal.Inc()
		a.logger.Debug("status write conflict, re-evaluating",
			"file_id", h.FileID,
			"event_id", h.EventID,
			"attempt", attempt,
			"wait", wait,
		)
	})
	res.Attempts = attempts

	if err != nil {
		var stop permanentError
		if errors.As(err, &stop) {
			return res, stop.err
		}
		if errors.Is(err, core.ErrVersionConflict) {
			return res, core.Transient(fmt.Errorf("apply %s to %s after %d attempts: %w", ev.Type(), h.FileID, attempts, err))
		}
		return res, fmt.Errorf("apply %s to %s: %w", ev.Type(), h.FileID, err)
	}

	switch res.Decision {
	case Apply:
		a.logger.Debug("status transition applied",
			"file_id", h.FileID,
			"event", ev.Type(),
			"state", res.Record.State,
			"version", res.Record.Version,
		)
	case Anomaly:
		metrics.ConsistencyAnomaliesTotal.WithLabelValues(string(ev.Type())).Inc()
		a.logger.Warn("consistency anomaly: event rejected",
			"file_id", h.FileID,
			"event_id", h.EventID,
			"event", ev.Type(),
			"state", res.Record.State,
			"reason", res.Reason,
		)
		return res, fmt.Errorf("%w: %s %s: %s", core.ErrConsistencyAnomaly, ev.Type(), h.FileID, res.Reason)
	}
	return res, nil
}

func (a *Applier) read(ctx context.Context, id string) (core.StatusRecord, error) {
	ctx, cancel := context.WithTimeout(ctx, a.timeout)
	defer cancel()
	rec, err := a.store.Read(ctx, id)
	if errors.Is(err, core.ErrNotFound) {
		return rec, backoffStop(err)
	}
	return rec, err
}

func (a *Applier) write(ctx context.Context, id string, expected int64, rec core.StatusRecord) error {
	ctx, cancel := context.WithTimeout(ctx, a.timeout)
	defer cancel()
	return a.store.ConditionalWrite(ctx, id, expected, rec)
}

// permanentError marks errors the conflict loop must not retry and must
// return unwrapped.
type permanentError struct{ err error }

func (p permanentError) Error() string { return p.err.Error() }
func (p permanentError) Unwrap() error { return p.err }

func backoffStop(err error) error { return permanentError{err: err} }
