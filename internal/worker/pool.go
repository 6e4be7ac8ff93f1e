package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/JonMunkholm/fileflow/internal/bus"
	"github.com/JonMunkholm/fileflow/internal/config"
	"github.com/JonMunkholm/fileflow/internal/core"
	"github.com/JonMunkholm/fileflow/internal/metrics"
)

// Group is the consumer group workers join on the submission topic.
const Group = "worker"

// Pool consumes Submitted events and publishes outcomes.
//
// Every delivery takes a limiter slot before processing. While all slots
// are busy the delivering partition blocks, which stops consumption of
// that partition until a file finishes.
type Pool struct {
	sub      bus.Subscriber
	pub      bus.Publisher
	proc     *Processor
	limiter  *Limiter
	cfg      config.WorkerConfig
	inTopic  string
	outTopic string
	worker   string
	logger   *slog.Logger
	now      func() time.Time
}

// NewPool creates a worker pool. worker names this instance in Started events.
func NewPool(sub bus.Subscriber, pub bus.Publisher, proc *Processor, cfg config.WorkerConfig, inTopic, outTopic, worker string, logger *slog.Logger) *Pool {
	return &Pool{
		sub:      sub,
		pub:      pub,
		proc:     proc,
		limiter:  NewLimiter(cfg.Concurrency, cfg.AcquireTimeout),
		cfg:      cfg,
		inTopic:  inTopic,
		outTopic: outTopic,
		worker:   worker,
		logger:   logger,
		now:      time.Now,
	}
}

// Run consumes until ctx is done.
func (p *Pool) Run(ctx context.Context) error {
	p.logger.Info("worker pool started",
		"concurrency", p.limiter.Status().MaxConcurrent,
		"max_attempts", p.cfg.MaxAttempts,
		"acquire_timeout", p.cfg.AcquireTimeout,
		"emit_started", p.cfg.EmitStarted,
	)
	err := p.sub.Subscribe(ctx, p.inTopic, Group, p.handle)
	p.logger.Info("worker pool stopped")
	return err
}

// Drain waits for in-flight files to finish.
func (p *Pool) Drain(ctx context.Context) error {
	return p.limiter.WaitForDrain(ctx)
}

// Status reports limiter occupancy.
func (p *Pool) Status() LimiterStatus {
	return p.limiter.Status()
}

func (p *Pool) handle(ctx context.Context, msg bus.Message) error {
	ev, err := core.DecodeEvent(msg.Value)
	if err != nil {
		p.logger.Error("dropping undecodable message", "key", msg.Key, "error", err)
		return nil
	}
	submitted, ok := ev.(core.Submitted)
	if !ok {
		p.logger.Warn("ignoring unexpected event on submission topic", "type", ev.Type(), "file_id", ev.Header().FileID)
		return nil
	}

	if err := p.limiter.Acquire(ctx); err != nil {
		if errors.Is(err, ErrLimiterBusy) {
			logger := p.logger.With("file_id", submitted.FileID, "attempt", msg.Attempt)
			logger.Warn("no free worker slot, returning delivery to the bus", "wait", p.cfg.AcquireTimeout)
		}
		return err
	}
	defer p.limiter.Release()
	metrics.WorkerInFlight.Inc()
	defer metrics.WorkerInFlight.Dec()

	logger := p.logger.With("file_id", submitted.FileID, "generation", submitted.Generation, "attempt", msg.Attempt)

	if p.cfg.EmitStarted {
		started := core.NewStarted(submitted.FileID, submitted.Generation, p.worker, p.now().UTC())
		if err := bus.PublishEvent(ctx, p.pub, p.outTopic, started); err != nil {
			logger.Warn("publish started failed", "error", err)
			return err
		}
	}

	start := time.Now()
	pctx := ctx
	if p.cfg.Timeout > 0 {
		var cancel context.CancelFunc
		pctx, cancel = context.WithTimeout(ctx, p.cfg.Timeout)
		defer cancel()
	}
	outcome, err := p.proc.Process(pctx, submitted)
	metrics.ProcessingDuration.Observe(time.Since(start).Seconds())

	if err != nil {
		if msg.Attempt < p.cfg.MaxAttempts {
			metrics.FilesProcessedTotal.WithLabelValues("transient").Inc()
			logger.Warn("transient processing failure", "error", err)
			return err
		}
		logger.Error("giving up after repeated transient failures", "error", err)
		outcome = core.NewFailed(submitted.FileID, submitted.Generation, core.ReasonExhaustedRetries,
			fmt.Errorf("exhausted retries after %d attempts: %w", msg.Attempt, err), nil, p.now().UTC())
	}

	if err := bus.PublishEvent(ctx, p.pub, p.outTopic, outcome); err != nil {
		logger.Warn("publish outcome failed", "error", err)
		return err
	}

	switch outcome.(type) {
	case core.Succeeded:
		metrics.FilesProcessedTotal.WithLabelValues("succeeded").Inc()
	case core.Failed:
		metrics.FilesProcessedTotal.WithLabelValues("failed").Inc()
	}
	return nil
}
