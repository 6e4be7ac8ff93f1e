package bus

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/segmentio/kafka-go"
	"golang.org/x/sync/errgroup"

	"github.com/JonMunkholm/fileflow/internal/config"
	"github.com/JonMunkholm/fileflow/internal/core"
)

// Kafka is a Bus on Apache Kafka. Keys are hashed to partitions by the
// writer, so a file's events stay in one partition; offsets are committed
// only after the handler acknowledges, so a crashed consumer's work is
// redelivered to the group.
type Kafka struct {
	cfg       config.BusConfig
	writer    *kafka.Writer
	redeliver redelivery
	logger    *slog.Logger
}

// batchTimeout caps how long the writer holds a message waiting for more.
// Publishes are synchronous and carry one message each.
const batchTimeout = 5 * time.Millisecond

// NewKafka creates a Kafka bus. No connection is made until first use.
func NewKafka(cfg config.BusConfig, logger *slog.Logger) (*Kafka, error) {
	if len(cfg.Brokers) == 0 {
		return nil, errors.New("kafka bus requires BUS_BROKERS")
	}
	w := &kafka.Writer{
		Addr:                   kafka.TCP(cfg.Brokers...),
		Balancer:               &kafka.Hash{},
		RequiredAcks:           kafka.RequireAll,
		AllowAutoTopicCreation: true,
		WriteTimeout:           cfg.PublishTimeout,
		BatchTimeout:           batchTimeout,
	}
	return &Kafka{
		cfg:       cfg,
		writer:    w,
		redeliver: newRedelivery(cfg, logger),
		logger:    logger,
	}, nil
}

func (k *Kafka) Publish(ctx context.Context, msg Message) error {
	km := kafka.Message{
		Topic: msg.Topic,
		Key:   []byte(msg.Key),
		Value: msg.Value,
	}
	for name, v := range msg.Headers {
		km.Headers = append(km.Headers, kafka.Header{Key: name, Value: []byte(v)})
	}
	if err := k.writer.WriteMessages(ctx, km); err != nil {
		return core.Transient(fmt.Errorf("publish to %s: %w", msg.Topic, err))
	}
	return nil
}

// Subscribe joins the consumer group GroupPrefix.group with Partitions
// readers and consumes topic until ctx is done. The group spreads topic
// partitions across the readers; each reader handles its messages in order.
func (k *Kafka) Subscribe(ctx context.Context, topic, group string, h Handler) error {
	groupID := group
	if k.cfg.GroupPrefix != "" {
		groupID = k.cfg.GroupPrefix + "." + group
	}
	readers := k.cfg.Partitions
	if readers < 1 {
		readers = 1
	}

	logger := k.logger.With("topic", topic, "group", groupID)
	logger.Info("kafka consumer started", "readers", readers)

	g, gctx := errgroup.WithContext(ctx)
	for i := 0; i < readers; i++ {
		g.Go(func() error {
			return k.consume(gctx, topic, groupID, h, logger.With("reader", i))
		})
	}
	err := g.Wait()
	logger.Info("kafka consumer stopped")
	return err
}

func (k *Kafka) consume(ctx context.Context, topic, groupID string, h Handler, logger *slog.Logger) error {
	r := kafka.NewReader(kafka.ReaderConfig{
		Brokers:  k.cfg.Brokers,
		GroupID:  groupID,
		Topic:    topic,
		MinBytes: 1,
		MaxBytes: 10e6,
	})
	defer r.Close()

	for {
		km, err := r.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("fetch from %s: %w", topic, err)
		}

		msg := Message{
			Topic:   km.Topic,
			Key:     string(km.Key),
			Value:   km.Value,
			Headers: make(map[string]string, len(km.Headers)),
		}
		for _, hd := range km.Headers {
			msg.Headers[hd.Key] = string(hd.Value)
		}

		if !k.redeliver.deliver(ctx, msg, h) && ctx.Err() != nil {
			// Uncommitted; the group hands it to the next consumer.
			return nil
		}
		if err := r.CommitMessages(ctx, km); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			logger.Warn("commit failed",
				"partition", km.Partition,
				"offset", km.Offset,
				"error", err,
			)
		}
	}
}

func (k *Kafka) Close() error {
	return k.writer.Close()
}
