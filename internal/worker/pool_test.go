package worker

import (
	"context"
	"errors"
	"io"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/JonMunkholm/fileflow/internal/bus"
	"github.com/JonMunkholm/fileflow/internal/config"
	"github.com/JonMunkholm/fileflow/internal/core"
	"github.com/JonMunkholm/fileflow/internal/logging"
	"github.com/JonMunkholm/fileflow/internal/schema"
)

const (
	inTopic  = "file.submitted"
	outTopic = "file.outcome"
)

func busConfig() config.BusConfig {
	return config.BusConfig{
		Backend:              "memory",
		Partitions:           2,
		BufferSize:           8,
		MaxDeliveries:        5,
		RedeliveryBackoff:    time.Millisecond,
		MaxRedeliveryBackoff: 2 * time.Millisecond,
	}
}

func workerConfig() config.WorkerConfig {
	return config.WorkerConfig{
		Concurrency: 2,
		MaxAttempts: 3,
		Timeout:     5 * time.Second,
	}
}

// harness runs a pool on a memory bus and collects everything published
// to the outcome topic.
type harness struct {
	bus      *bus.Memory
	outcomes chan core.Event
}

func startPool(t *testing.T, fetcher Fetcher, cfg config.WorkerConfig, policy Policy) harness {
	t.Helper()
	logger := logging.Discard()
	b := bus.NewMemory(busConfig(), logger)
	ctx, cancel := context.WithCancel(context.Background())

	pool := NewPool(b, b, NewProcessor(fetcher, policy, 10, logger), cfg, inTopic, outTopic, "worker-test", logger)
	poolDone := make(chan error, 1)
	go func() { poolDone <- pool.Run(ctx) }()

	outcomes := make(chan core.Event, 16)
	watchDone := make(chan error, 1)
	go func() {
		watchDone <- b.Subscribe(ctx, outTopic, "watch", func(_ context.Context, msg bus.Message) error {
			ev, err := core.DecodeEvent(msg.Value)
			if err != nil {
				return err
			}
			outcomes <- ev
			return nil
		})
	}()

	t.Cleanup(func() {
		cancel()
		for _, done := range []chan error{poolDone, watchDone} {
			select {
			case err := <-done:
				assert.NoError(t, err)
			case <-time.After(5 * time.Second):
				t.Error("consumer did not stop")
			}
		}
		b.Close()
	})
	return harness{bus: b, outcomes: outcomes}
}

func (h harness) next(t *testing.T) core.Event {
	t.Helper()
	select {
	case ev := <-h.outcomes:
		return ev
	case <-time.After(5 * time.Second):
		t.Fatal("no outcome published")
		return nil
	}
}

func (h harness) none(t *testing.T) {
	t.Helper()
	select {
	case ev := <-h.outcomes:
		t.Fatalf("unexpected outcome %T", ev)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestPool_PublishesStartedThenOutcome(t *testing.T) {
	blobs := newBlobs(t)
	cfg := workerConfig()
	cfg.EmitStarted = true
	h := startPool(t, blobs, cfg, FailFast)

	ev := stageFile(t, blobs, "rows.csv", schema.Generic, core.FormatCSV, []byte(genericCSV(3)))
	require.NoError(t, bus.PublishEvent(context.Background(), h.bus, inTopic, ev))

	started, ok := h.next(t).(core.Started)
	require.True(t, ok, "first outcome should be Started")
	assert.Equal(t, "worker-test", started.Worker)
	assert.Equal(t, ev.FileID, started.FileID)

	succeeded, ok := h.next(t).(core.Succeeded)
	require.True(t, ok, "second outcome should be Succeeded")
	assert.Equal(t, 3, succeeded.Result.RowsProcessed)
}

func TestPool_WithoutStarted(t *testing.T) {
	blobs := newBlobs(t)
	h := startPool(t, blobs, workerConfig(), FailFast)

	ev := stageFile(t, blobs, "rows.csv", schema.Generic, core.FormatCSV, []byte("a,,c\nd,e,f\n"))
	require.NoError(t, bus.PublishEvent(context.Background(), h.bus, inTopic, ev))

	failed, ok := h.next(t).(core.Failed)
	require.True(t, ok, "expected Failed")
	assert.Equal(t, core.ReasonInvalidFile, failed.Detail.Reason)
	h.none(t)
}

type countingFetcher struct {
	calls chan struct{}
}

func (f countingFetcher) Fetch(context.Context, string) (io.ReadCloser, error) {
	f.calls <- struct{}{}
	return nil, core.Transient(errors.New("storage unavailable"))
}

func TestPool_TransientFailuresBecomeExhaustedRetries(t *testing.T) {
	fetcher := countingFetcher{calls: make(chan struct{}, 16)}
	h := startPool(t, fetcher, workerConfig(), FailFast)

	ev := core.NewSubmitted(core.FileSubmission{
		ID: "f-1", StorageRef: "f-1.csv", Format: core.FormatCSV, Schema: schema.Generic,
	}, 1, time.Now())
	require.NoError(t, bus.PublishEvent(context.Background(), h.bus, inTopic, ev))

	failed, ok := h.next(t).(core.Failed)
	require.True(t, ok, "expected Failed")
	assert.Equal(t, core.ReasonExhaustedRetries, failed.Detail.Reason)
	assert.Contains(t, failed.Detail.Message, "exhausted retries after 3 attempts")
	assert.Contains(t, failed.Detail.Message, "storage unavailable")
	assert.Len(t, fetcher.calls, 3)
}

func TestPool_SkipsPoisonAndForeignMessages(t *testing.T) {
	blobs := newBlobs(t)
	h := startPool(t, blobs, workerConfig(), FailFast)
	ctx := context.Background()

	ev := stageFile(t, blobs, "rows.csv", schema.Generic, core.FormatCSV, []byte(genericCSV(2)))
	require.NoError(t, h.bus.Publish(ctx, bus.Message{Topic: inTopic, Key: ev.FileID, Value: []byte("{not json")}))
	require.NoError(t, bus.PublishEvent(ctx, h.bus, inTopic, core.NewStarted(ev.FileID, 1, "elsewhere", time.Now())))
	require.NoError(t, bus.PublishEvent(ctx, h.bus, inTopic, ev))

	_, ok := h.next(t).(core.Succeeded)
	assert.True(t, ok, "valid submission behind poison should still be processed")
	h.none(t)
}

func TestPool_DrainWaitsForInFlight(t *testing.T) {
	blobs := newBlobs(t)
	logger := logging.Discard()
	pool := NewPool(nil, nil, NewProcessor(blobs, FailFast, 10, logger), workerConfig(), inTopic, outTopic, "w", logger)

	require.NoError(t, pool.limiter.Acquire(context.Background()))
	assert.Equal(t, 1, pool.Status().Active)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	assert.Error(t, pool.Drain(ctx))

	pool.limiter.Release()
	require.NoError(t, pool.Drain(context.Background()))
}

func TestPool_BusySlotReturnsDeliveryToBus(t *testing.T) {
	blobs := newBlobs(t)
	logger := logging.Discard()
	b := bus.NewMemory(busConfig(), logger)
	defer b.Close()

	cfg := workerConfig()
	cfg.Concurrency = 1
	cfg.AcquireTimeout = 20 * time.Millisecond
	pool := NewPool(b, b, NewProcessor(blobs, FailFast, 10, logger), cfg, inTopic, outTopic, "worker-test", logger)

	ev := stageFile(t, blobs, "rows.csv", schema.Generic, core.FormatCSV, []byte(genericCSV(2)))
	data, err := core.EncodeEvent(ev)
	require.NoError(t, err)
	msg := bus.Message{Topic: inTopic, Key: ev.FileID, Value: data, Attempt: 1}

	// Another file holds the only slot.
	require.NoError(t, pool.limiter.Acquire(context.Background()))

	start := time.Now()
	err = pool.handle(context.Background(), msg)
	assert.ErrorIs(t, err, ErrLimiterBusy)
	assert.Less(t, time.Since(start), time.Second)

	pool.limiter.Release()
	assert.NoError(t, pool.handle(context.Background(), msg))
	assert.Equal(t, 0, pool.Status().Active)
}
