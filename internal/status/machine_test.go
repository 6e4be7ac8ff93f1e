package status

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/JonMunkholm/fileflow/internal/core"
)

var (
	t0  = time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	now = t0.Add(time.Minute)
)

func record(state core.State, version int64) core.StatusRecord {
	rec := core.NewStatusRecord("file-1", t0)
	rec.State = state
	rec.Version = version
	return rec
}

func summary(rows int) core.ResultSummary {
	return core.ResultSummary{RowsProcessed: rows, ContentSHA256: "abc", Schema: "generic"}
}

func TestDecide_LegalEdges(t *testing.T) {
	started := core.NewStarted("file-1", 1, "w1", t0)
	succeeded := core.NewSucceeded("file-1", 1, summary(10), t0)
	failed := core.NewFailed("file-1", 1, core.ReasonParseError, errors.New("parse error at line 3: bad quote"), nil, t0)

	tests := []struct {
		name  string
		from  core.State
		event core.Event
		want  core.State
	}{
		{"submitted to processing", core.StateSubmitted, started, core.StateProcessing},
		{"submitted to completed", core.StateSubmitted, succeeded, core.StateCompleted},
		{"processing to completed", core.StateProcessing, succeeded, core.StateCompleted},
		{"submitted to failed", core.StateSubmitted, failed, core.StateFailed},
		{"processing to failed", core.StateProcessing, failed, core.StateFailed},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			out, err := Decide(record(tt.from, 3), tt.event, now)
			require.NoError(t, err)
			require.Equal(t, Apply, out.Decision, out.Reason)
			assert.Equal(t, tt.want, out.Next.State)
			assert.Equal(t, int64(4), out.Next.Version)
			assert.Equal(t, now, out.Next.UpdatedAt)
			assert.Equal(t, tt.event.Header().EventID, out.Next.LastEventID)
		})
	}
}

func TestDecide_PayloadOnlyInMatchingState(t *testing.T) {
	out, err := Decide(record(core.StateProcessing, 1), core.NewSucceeded("file-1", 1, summary(10), t0), now)
	require.NoError(t, err)
	require.NotNil(t, out.Next.Result)
	assert.Nil(t, out.Next.Error)
	assert.Equal(t, 10, out.Next.Result.RowsProcessed)

	out, err = Decide(record(core.StateSubmitted, 0), core.NewFailed("file-1", 1, core.ReasonInvalidFile, errors.New("invalid row"), []core.RowError{{Row: 2}}, t0), now)
	require.NoError(t, err)
	require.NotNil(t, out.Next.Error)
	assert.Nil(t, out.Next.Result)
	assert.Equal(t, core.CategoryUser, out.Next.Error.Category)
	assert.Equal(t, 2, out.Next.Error.RowErrors[0].Row)
}

func TestDecide_TerminalRecords(t *testing.T) {
	completed := record(core.StateCompleted, 2)
	res := summary(10)
	completed.Result = &res

	failedRec := record(core.StateFailed, 2)
	failedRec.Error = &core.ErrorDetail{Reason: core.ReasonParseError}

	tests := []struct {
		name  string
		rec   core.StatusRecord
		event core.Event
		want  Decision
	}{
		{"same success replayed with new id", completed, core.Succeeded{EventHeader: core.EventHeader{EventID: "other", FileID: "file-1", Generation: 1}, Result: summary(10)}, Noop},
		{"different success", completed, core.NewSucceeded("file-1", 1, summary(11), t0), Anomaly},
		{"failed after completed", completed, core.NewFailed("file-1", 1, core.ReasonParseError, nil, nil, t0), Anomaly},
		{"succeeded after failed", failedRec, core.NewSucceeded("file-1", 1, summary(10), t0), Anomaly},
		{"failed again", failedRec, core.NewFailed("file-1", 1, core.ReasonExhaustedRetries, nil, nil, t0), Noop},
		{"late started on completed", completed, core.NewStarted("file-1", 1, "w", t0), Noop},
		{"started twice", record(core.StateProcessing, 1), core.NewStarted("file-1", 1, "w", t0), Noop},
		{"submission event", record(core.StateSubmitted, 0), core.NewSubmitted(core.FileSubmission{ID: "file-1"}, 1, t0), Noop},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			out, err := Decide(tt.rec, tt.event, now)
			require.NoError(t, err)
			assert.Equal(t, tt.want, out.Decision, out.Reason)
			assert.NotEmpty(t, out.Reason)
		})
	}
}

func TestDecide_DuplicateEventID(t *testing.T) {
	ev := core.NewSucceeded("file-1", 1, summary(10), t0)
	out, err := Decide(record(core.StateSubmitted, 0), ev, now)
	require.NoError(t, err)
	require.Equal(t, Apply, out.Decision)

	again, err := Decide(out.Next, ev, now.Add(time.Second))
	require.NoError(t, err)
	assert.Equal(t, Noop, again.Decision)
}

func TestDecide_Generations(t *testing.T) {
	rec := record(core.StateSubmitted, 5)
	rec.Generation = 2

	out, err := Decide(rec, core.NewSucceeded("file-1", 1, summary(1), t0), now)
	require.NoError(t, err)
	assert.Equal(t, Noop, out.Decision, "outcome of an older generation is stale")

	out, err = Decide(rec, core.NewSucceeded("file-1", 3, summary(1), t0), now)
	require.NoError(t, err)
	assert.Equal(t, Anomaly, out.Decision)
}

func TestDecide_Resubmitted(t *testing.T) {
	failedRec := record(core.StateFailed, 2)
	failedRec.Error = &core.ErrorDetail{Reason: core.ReasonDispatchFailed}

	out, err := Decide(failedRec, core.NewResubmitted("file-1", 2, "ops", t0), now)
	require.NoError(t, err)
	require.Equal(t, Apply, out.Decision)
	assert.Equal(t, core.StateSubmitted, out.Next.State)
	assert.Equal(t, 2, out.Next.Generation)
	assert.Equal(t, int64(3), out.Next.Version)
	assert.Nil(t, out.Next.Error)

	// Replaying the retry after it was applied is harmless.
	out, err = Decide(out.Next, core.NewResubmitted("file-1", 2, "ops", t0), now)
	require.NoError(t, err)
	assert.Equal(t, Noop, out.Decision)

	_, err = Decide(record(core.StateCompleted, 2), core.NewResubmitted("file-1", 2, "ops", t0), now)
	assert.ErrorIs(t, err, core.ErrIllegalTransition)

	_, err = Decide(failedRec, core.NewResubmitted("file-1", 4, "ops", t0), now)
	assert.ErrorIs(t, err, core.ErrIllegalTransition)
}
