// Package bus is the message transport between pipeline roles.
//
// Delivery is at-least-once and ordered per key: every message is routed
// to a partition by its key (the file id) and a partition is consumed by
// one goroutine per consumer group. A handler that returns an error gets
// the same message again, with Attempt incremented, after an exponential
// backoff; partitions behind it wait, which is what gives per-file order.
package bus

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/JonMunkholm/fileflow/internal/config"
	"github.com/JonMunkholm/fileflow/internal/core"
)

// ErrClosed is returned by Publish after Close.
var ErrClosed = errors.New("bus closed")

// Message is one record on a topic.
type Message struct {
	Topic   string
	Key     string
	Value   []byte
	Headers map[string]string
	Attempt int // 1 on first delivery
}

// Handler processes one message. A nil return acknowledges it; an error
// asks for redelivery.
type Handler func(ctx context.Context, msg Message) error

// Publisher sends messages.
type Publisher interface {
	Publish(ctx context.Context, msg Message) error
}

// Subscriber consumes a topic as a member of a consumer group. Subscribe
// blocks until ctx is done.
type Subscriber interface {
	Subscribe(ctx context.Context, topic, group string, h Handler) error
}

// Bus is a Publisher and Subscriber with a lifetime.
type Bus interface {
	Publisher
	Subscriber
	Close() error
}

// New builds the bus selected by cfg.Backend.
func New(cfg config.BusConfig, logger *slog.Logger) (Bus, error) {
	switch cfg.Backend {
	case "memory":
		return NewMemory(cfg, logger), nil
	case "kafka":
		return NewKafka(cfg, logger)
	default:
		return nil, fmt.Errorf("unknown bus backend %q", cfg.Backend)
	}
}

// PublishEvent encodes ev and publishes it keyed by its file id.
func PublishEvent(ctx context.Context, p Publisher, topic string, ev core.Event) error {
	data, err := core.EncodeEvent(ev)
	if err != nil {
		return err
	}
	h := ev.Header()
	return p.Publish(ctx, Message{
		Topic: topic,
		Key:   h.FileID,
		Value: data,
		Headers: map[string]string{
			"event_id":   h.EventID,
			"event_type": string(ev.Type()),
		},
	})
}

// redelivery runs a handler until it acknowledges a message or the
// delivery budget is spent.
type redelivery struct {
	policy core.RetryPolicy
	logger *slog.Logger
}

func newRedelivery(cfg config.BusConfig, logger *slog.Logger) redelivery {
	return redelivery{
		policy: core.RetryPolicy{
			MaxAttempts:     cfg.MaxDeliveries,
			InitialInterval: cfg.RedeliveryBackoff,
			MaxInterval:     cfg.MaxRedeliveryBackoff,
			Jitter:          0.2,
		},
		logger: logger,
	}
}

// deliver reports whether the handler acknowledged msg. A message that is
// never acknowledged is dropped with an error log once the budget is
// spent; consumers that must record an outcome do so before that point.
func (r redelivery) deliver(ctx context.Context, msg Message, h Handler) bool {
	attempts, err := core.Retry(ctx, r.policy, func(ctx context.Context, attempt int) error {
		m := msg
		m.Attempt = attempt
		return h(ctx, m)
	}, func(attempt int, err error, wait time.Duration) {
		r.logger.Warn("handler failed, redelivering",
			"topic", msg.Topic,
			"key", msg.Key,
			"attempt", attempt,
			"wait", wait,
			"error", err,
		)
	})
	if err == nil {
		return true
	}
	if ctx.Err() != nil {
		return false
	}
	r.logger.Error("message dropped after max deliveries",
		"topic", msg.Topic,
		"key", msg.Key,
		"attempts", attempts,
		"error", err,
	)
	return false
}
