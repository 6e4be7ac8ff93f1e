package bus

import (
	"context"
	"fmt"
	"hash/fnv"
	"log/slog"
	"sync"
	"time"

	"github.com/JonMunkholm/fileflow/internal/config"
)

// Memory is an in-process Bus with keyed partitions and bounded queues.
//
// Publish blocks while the target partition queue of any subscribed group
// is full, so a slow consumer slows producers instead of growing memory.
// Messages published before the first group subscribes to a topic, and
// messages left undelivered when the last group leaves, are retained for
// the next subscriber. Nothing survives the process.
//
// A blocked Publish gives up after PublishTimeout.
type Memory struct {
	partitions     int
	bufferSize     int
	publishTimeout time.Duration
	redeliver      redelivery
	logger         *slog.Logger

	mu     sync.Mutex
	topics map[string]*memTopic
	closed bool
}

type memTopic struct {
	groups   map[string]*memGroup
	retained [][]Message // per partition, until the first group subscribes
}

type memGroup struct {
	name   string
	queues []chan Message
	done   chan struct{}

	// mu is held for reading by publishers while they send. Leaving takes
	// it for writing so no send lands after the queues are drained.
	mu     sync.RWMutex
	closed bool
}

// NewMemory creates an in-memory bus.
func NewMemory(cfg config.BusConfig, logger *slog.Logger) *Memory {
	partitions := cfg.Partitions
	if partitions <= 0 {
		partitions = 1
	}
	buffer := cfg.BufferSize
	if buffer <= 0 {
		buffer = 1
	}
	return &Memory{
		partitions:     partitions,
		bufferSize:     buffer,
		publishTimeout: cfg.PublishTimeout,
		redeliver:      newRedelivery(cfg, logger),
		logger:         logger,
		topics:         make(map[string]*memTopic),
	}
}

func (m *Memory) topic(name string) *memTopic {
	t, ok := m.topics[name]
	if !ok {
		t = &memTopic{
			groups:   make(map[string]*memGroup),
			retained: make([][]Message, m.partitions),
		}
		m.topics[name] = t
	}
	return t
}

func (m *Memory) partition(key string) int {
	h := fnv.New32a()
	h.Write([]byte(key))
	return int(h.Sum32() % uint32(m.partitions))
}

// Publish enqueues msg for every group subscribed to its topic.
func (m *Memory) Publish(ctx context.Context, msg Message) error {
	p := m.partition(msg.Key)
	if m.publishTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, m.publishTimeout)
		defer cancel()
	}

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return ErrClosed
	}
	t := m.topic(msg.Topic)
	if len(t.groups) == 0 {
		t.retained[p] = append(t.retained[p], msg)
		m.mu.Unlock()
		return nil
	}
	groups := make([]*memGroup, 0, len(t.groups))
	for _, g := range t.groups {
		groups = append(groups, g)
	}
	m.mu.Unlock()

	for _, g := range groups {
		for g != nil {
			sent, err := g.send(ctx, p, msg)
			if err != nil {
				return fmt.Errorf("publish to %s: %w", msg.Topic, err)
			}
			if sent {
				break
			}
			g = m.retain(msg.Topic, g.name, p, msg)
		}
	}
	return nil
}

// send enqueues msg unless the group has left. It reports whether the
// message was queued.
func (g *memGroup) send(ctx context.Context, p int, msg Message) (bool, error) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	if g.closed {
		return false, nil
	}
	select {
	case g.queues[p] <- msg:
		return true, nil
	case <-g.done:
		return false, nil
	case <-ctx.Done():
		return false, ctx.Err()
	}
}

// retain handles a message whose group left mid-publish. It returns the
// group's new subscriber if one has already joined; otherwise the message
// is kept for the next subscriber when no group is left.
func (m *Memory) retain(topic, group string, p int, msg Message) *memGroup {
	m.mu.Lock()
	defer m.mu.Unlock()
	t := m.topic(topic)
	if g, ok := t.groups[group]; ok {
		return g
	}
	if len(t.groups) == 0 {
		t.retained[p] = append(t.retained[p], msg)
	}
	return nil
}

// Subscribe consumes topic as group until ctx is done. A group has at most
// one active subscriber.
func (m *Memory) Subscribe(ctx context.Context, topic, group string, h Handler) error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return ErrClosed
	}
	t := m.topic(topic)
	if _, exists := t.groups[group]; exists {
		m.mu.Unlock()
		return fmt.Errorf("group %q already subscribed to %s", group, topic)
	}
	g := &memGroup{
		name:   group,
		queues: make([]chan Message, m.partitions),
		done:   make(chan struct{}),
	}
	for i := range g.queues {
		g.queues[i] = make(chan Message, m.bufferSize)
	}
	backlog := t.retained
	t.retained = make([][]Message, m.partitions)
	t.groups[group] = g
	m.mu.Unlock()

	logger := m.logger.With("topic", topic, "group", group)
	logger.Debug("subscribed", "partitions", m.partitions)

	unacked := make([][]Message, m.partitions)
	var wg sync.WaitGroup
	for i := range g.queues {
		wg.Add(1)
		go func(p int) {
			defer wg.Done()
			unacked[p] = m.consume(ctx, g.queues[p], backlog[p], h)
		}(i)
	}
	<-ctx.Done()
	wg.Wait()

	m.mu.Lock()
	delete(t.groups, group)
	m.mu.Unlock()

	// Wake blocked publishers, then wait out any send still in progress.
	close(g.done)
	g.mu.Lock()
	g.closed = true
	g.mu.Unlock()

	m.mu.Lock()
	if len(t.groups) == 0 {
		// Hand undelivered messages to the next subscriber.
		for p, q := range g.queues {
			pending := unacked[p]
			for len(q) > 0 {
				pending = append(pending, <-q)
			}
			t.retained[p] = append(pending, t.retained[p]...)
		}
	}
	m.mu.Unlock()

	logger.Debug("unsubscribed")
	return nil
}

// consume delivers one partition in order. On shutdown it returns the
// messages it took but did not get acknowledged.
func (m *Memory) consume(ctx context.Context, queue <-chan Message, backlog []Message, h Handler) []Message {
	for i, msg := range backlog {
		if ctx.Err() != nil || !m.redeliver.deliver(ctx, msg, h) && ctx.Err() != nil {
			return backlog[i:]
		}
	}
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg := <-queue:
			if !m.redeliver.deliver(ctx, msg, h) && ctx.Err() != nil {
				return []Message{msg}
			}
		}
	}
}

// Close rejects further publishes. Active subscriptions end with their
// contexts.
func (m *Memory) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}
