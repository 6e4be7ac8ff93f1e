package intake

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/JonMunkholm/fileflow/internal/bus"
	"github.com/JonMunkholm/fileflow/internal/config"
	"github.com/JonMunkholm/fileflow/internal/core"
	"github.com/JonMunkholm/fileflow/internal/logging"
	"github.com/JonMunkholm/fileflow/internal/status"
)

func seed(t *testing.T, store status.Store, id string, state core.State, at time.Time) {
	t.Helper()
	rec := core.NewStatusRecord(id, at)
	require.NoError(t, store.Create(context.Background(), core.FileSubmission{ID: id, StorageRef: id + ".csv", Format: core.FormatCSV, Schema: "generic"}, rec))
	if state != core.StateSubmitted {
		next := rec
		next.State = state
		next.Version = 1
		require.NoError(t, store.ConditionalWrite(context.Background(), id, 0, next))
	}
}

func newSweeper(store status.Store, pub bus.Publisher, cfg config.SweeperConfig) *Sweeper {
	logger := logging.Discard()
	return NewSweeper(store, pub, status.NewApplier(store, logger), "file.submitted", cfg, logger)
}

func TestSweeper_RepublishesStranded(t *testing.T) {
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	store := status.NewMemoryStore()
	seed(t, store, "old", core.StateSubmitted, now.Add(-time.Hour))
	seed(t, store, "fresh", core.StateSubmitted, now.Add(-time.Second))
	seed(t, store, "done", core.StateCompleted, now.Add(-time.Hour))

	pub := &recordingPublisher{}
	s := newSweeper(store, pub, config.SweeperConfig{
		Interval:      time.Minute,
		StrandedAfter: 5 * time.Minute,
		BatchSize:     10,
	})
	s.now = func() time.Time { return now }

	res, err := s.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, res.Republished)

	events := pub.events(t)
	require.Len(t, events, 1)
	assert.Equal(t, "old", events[0].Header().FileID)
	assert.Equal(t, core.DeterministicEventID("old", 1, core.EventSubmitted), events[0].Header().EventID,
		"re-published event keeps its id")
}

func TestSweeper_RepublishesOncePerWindow(t *testing.T) {
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	store := status.NewMemoryStore()
	seed(t, store, "queued", core.StateSubmitted, now.Add(-time.Hour))

	pub := &recordingPublisher{}
	s := newSweeper(store, pub, config.SweeperConfig{StrandedAfter: time.Hour, BatchSize: 10})
	s.now = func() time.Time { return now }

	for i := 0; i < 3; i++ {
		_, err := s.RunOnce(context.Background())
		require.NoError(t, err)
	}
	assert.Len(t, pub.events(t), 1, "a queued record is not re-published on every sweep")
}

func TestSweeper_PublishFailureIsSkipped(t *testing.T) {
	store := status.NewMemoryStore()
	seed(t, store, "old", core.StateSubmitted, time.Now().Add(-time.Hour))

	pub := &recordingPublisher{failures: 1}
	s := newSweeper(store, pub, config.SweeperConfig{StrandedAfter: time.Minute, BatchSize: 10})

	res, err := s.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, res.Republished)

	// A failed publish is not remembered, so the next sweep tries again.
	res, err = s.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, res.Republished)
}

// blockingPublisher never completes a publish before ctx is done.
type blockingPublisher struct{}

func (blockingPublisher) Publish(ctx context.Context, _ bus.Message) error {
	<-ctx.Done()
	return ctx.Err()
}

func TestSweeper_PublishIsBounded(t *testing.T) {
	store := status.NewMemoryStore()
	seed(t, store, "a", core.StateSubmitted, time.Now().Add(-time.Hour))
	seed(t, store, "b", core.StateSubmitted, time.Now().Add(-time.Hour))

	s := newSweeper(store, blockingPublisher{}, config.SweeperConfig{
		StrandedAfter:  time.Minute,
		BatchSize:      10,
		PublishTimeout: 20 * time.Millisecond,
	})

	start := time.Now()
	res, err := s.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, res.Republished)
	assert.Less(t, time.Since(start), 2*time.Second)
}

func TestSweeper_FailsStaleProcessing(t *testing.T) {
	now := time.Now().UTC()
	store := status.NewMemoryStore()
	seed(t, store, "stuck", core.StateProcessing, now.Add(-24*time.Hour))
	seed(t, store, "busy", core.StateProcessing, now.Add(-time.Minute))

	s := newSweeper(store, &recordingPublisher{}, config.SweeperConfig{
		StrandedAfter:        time.Minute,
		ProcessingStaleAfter: time.Hour,
		BatchSize:            10,
	})

	res, err := s.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, res.Failed)

	rec, err := store.Read(context.Background(), "stuck")
	require.NoError(t, err)
	assert.Equal(t, core.StateFailed, rec.State)
	require.NotNil(t, rec.Error)
	assert.Equal(t, core.ReasonExhaustedRetries, rec.Error.Reason)
	assert.Equal(t, int64(2), rec.Version)

	rec, err = store.Read(context.Background(), "busy")
	require.NoError(t, err)
	assert.Equal(t, core.StateProcessing, rec.State)

	// Already failed: a second sweep leaves it alone.
	res, err = s.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, res.Failed)
}

func TestSweeper_SkipsOverlappingRun(t *testing.T) {
	s := newSweeper(status.NewMemoryStore(), &recordingPublisher{}, config.SweeperConfig{})
	s.running.Store(true)

	res, err := s.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, SweepResult{}, res)
}

func TestSweeper_StartStops(t *testing.T) {
	s := newSweeper(status.NewMemoryStore(), &recordingPublisher{}, config.SweeperConfig{Interval: time.Millisecond, BatchSize: 1})
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		s.Start(ctx)
		close(done)
	}()
	time.Sleep(5 * time.Millisecond)
	cancel()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Start did not return after cancel")
	}
}
