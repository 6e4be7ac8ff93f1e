// Package projector folds outcome events into the status store.
//
// The projector is the only consumer of the outcome topic. Each event is
// applied through the status Applier, which makes replays and stale
// generations harmless; a bounded cache of recently applied event ids lets
// obvious redeliveries skip the store round trip.
package projector

import (
	"context"
	"errors"
	"log/slog"

	"github.com/hashicorp/golang-lru/v2/expirable"

	"github.com/JonMunkholm/fileflow/internal/bus"
	"github.com/JonMunkholm/fileflow/internal/config"
	"github.com/JonMunkholm/fileflow/internal/core"
	"github.com/JonMunkholm/fileflow/internal/metrics"
	"github.com/JonMunkholm/fileflow/internal/status"
)

// Group is the consumer group the projector joins on the outcome topic.
const Group = "projector"

// Applier applies one event to the status store.
type Applier interface {
	Apply(ctx context.Context, ev core.Event) (status.Result, error)
}

// Projector consumes outcome events.
type Projector struct {
	sub     bus.Subscriber
	applier Applier
	topic   string
	seen    *expirable.LRU[string, struct{}]
	logger  *slog.Logger
}

// New creates a Projector reading topic.
func New(sub bus.Subscriber, applier Applier, cfg config.ProjectorConfig, topic string, logger *slog.Logger) *Projector {
	size := cfg.DedupCacheSize
	if size <= 0 {
		size = 10000
	}
	return &Projector{
		sub:     sub,
		applier: applier,
		topic:   topic,
		seen:    expirable.NewLRU[string, struct{}](size, nil, cfg.DedupTTL),
		logger:  logger,
	}
}

// Run consumes until ctx is done.
func (p *Projector) Run(ctx context.Context) error {
	p.logger.Info("projector started", "topic", p.topic)
	err := p.sub.Subscribe(ctx, p.topic, Group, p.Handle)
	p.logger.Info("projector stopped")
	return err
}

// Handle applies one message. Only transient failures are returned, so
// the bus redelivers them; everything else is acknowledged.
func (p *Projector) Handle(ctx context.Context, msg bus.Message) error {
	ev, err := core.DecodeEvent(msg.Value)
	if err != nil {
		p.logger.Error("dropping undecodable outcome", "key", msg.Key, "error", err)
		return nil
	}
	h := ev.Header()
	logger := p.logger.With("file_id", h.FileID, "event_id", h.EventID, "event", ev.Type())

	if p.seen.Contains(h.EventID) {
		metrics.DedupHitsTotal.Inc()
		logger.Debug("duplicate outcome skipped")
		return nil
	}

	res, err := p.applier.Apply(ctx, ev)
	switch {
	case err == nil:
	case errors.Is(err, core.ErrConsistencyAnomaly):
		// Already logged by the applier; the record stays as it was.
	case errors.Is(err, core.ErrNotFound):
		logger.Warn("outcome for unknown file dropped")
		return nil
	case errors.Is(err, core.ErrIllegalTransition):
		logger.Warn("outcome rejected", "error", err)
		return nil
	default:
		logger.Warn("apply failed", "attempt", msg.Attempt, "error", err)
		return err
	}

	metrics.TransitionsTotal.WithLabelValues(string(ev.Type()), res.Decision.String()).Inc()
	p.seen.Add(h.EventID, struct{}{})
	if res.Decision == status.Apply {
		logger.Info("status updated", "state", res.Record.State, "version", res.Record.Version)
	}
	return nil
}
