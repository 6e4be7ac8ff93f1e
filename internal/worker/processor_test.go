package worker

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/xuri/excelize/v2"

	"github.com/JonMunkholm/fileflow/internal/blob"
	"github.com/JonMunkholm/fileflow/internal/core"
	"github.com/JonMunkholm/fileflow/internal/logging"
	"github.com/JonMunkholm/fileflow/internal/schema"
)

// stageFile stores data and returns the Submitted event a dispatcher would send.
func stageFile(t *testing.T, blobs *blob.FileStore, name, schemaKey string, format core.Format, data []byte) core.Submitted {
	t.Helper()
	id := fmt.Sprintf("file-%d", time.Now().UnixNano())
	saved, err := blobs.Store(context.Background(), id, name, strings.NewReader(string(data)))
	require.NoError(t, err)
	sub := core.FileSubmission{
		ID:          id,
		StorageRef:  saved.Ref,
		FileName:    name,
		Format:      format,
		Schema:      schemaKey,
		SizeBytes:   saved.Size,
		Checksum:    saved.Checksum,
		SubmittedAt: time.Now().UTC(),
	}
	return core.NewSubmitted(sub, 1, sub.SubmittedAt)
}

func newBlobs(t *testing.T) *blob.FileStore {
	t.Helper()
	blobs, err := blob.New(t.TempDir())
	require.NoError(t, err)
	return blobs
}

func genericCSV(rows int) string {
	var b strings.Builder
	for i := 1; i <= rows; i++ {
		fmt.Fprintf(&b, "r%d,%d,x\n", i, i*10)
	}
	return b.String()
}

func requireFailed(t *testing.T, ev core.Event, reason core.FailureReason) core.Failed {
	t.Helper()
	failed, ok := ev.(core.Failed)
	require.True(t, ok, "expected Failed, got %T", ev)
	assert.Equal(t, reason, failed.Detail.Reason)
	return failed
}

func TestProcess_Succeeds(t *testing.T) {
	blobs := newBlobs(t)
	data := genericCSV(10)
	ev := stageFile(t, blobs, "rows.csv", schema.Generic, core.FormatCSV, []byte(data))

	p := NewProcessor(blobs, FailFast, 10, logging.Discard())
	out, err := p.Process(context.Background(), ev)
	require.NoError(t, err)

	succeeded, ok := out.(core.Succeeded)
	require.True(t, ok, "expected Succeeded, got %T", out)
	sum := sha256.Sum256([]byte(data))
	assert.Equal(t, 10, succeeded.Result.RowsProcessed)
	assert.Equal(t, []string{"column_1", "column_2", "column_3"}, succeeded.Result.Columns)
	assert.Equal(t, hex.EncodeToString(sum[:]), succeeded.Result.ContentSHA256)
	assert.Equal(t, schema.Generic, succeeded.Result.Schema)
	assert.Equal(t, ev.FileID, succeeded.FileID)
	assert.Equal(t, core.DeterministicEventID(ev.FileID, 1, core.EventSucceeded), succeeded.EventID)
}

func TestProcess_Deterministic(t *testing.T) {
	blobs := newBlobs(t)
	ev := stageFile(t, blobs, "rows.csv", schema.Generic, core.FormatCSV, []byte(genericCSV(4)))
	p := NewProcessor(blobs, FailFast, 10, logging.Discard())

	first, err := p.Process(context.Background(), ev)
	require.NoError(t, err)
	second, err := p.Process(context.Background(), ev)
	require.NoError(t, err)

	a := first.(core.Succeeded)
	b := second.(core.Succeeded)
	assert.True(t, a.Result.Equal(b.Result))
	assert.Equal(t, a.EventID, b.EventID)
}

func TestProcess_FailFastNamesFirstBadRow(t *testing.T) {
	blobs := newBlobs(t)
	data := "a,b,c\nd,e,f\ng,,i\nj,,l\n"
	ev := stageFile(t, blobs, "rows.csv", schema.Generic, core.FormatCSV, []byte(data))

	p := NewProcessor(blobs, FailFast, 10, logging.Discard())
	out, err := p.Process(context.Background(), ev)
	require.NoError(t, err)

	failed := requireFailed(t, out, core.ReasonInvalidFile)
	require.Len(t, failed.Detail.RowErrors, 1)
	assert.Equal(t, 3, failed.Detail.RowErrors[0].Row)
	assert.Equal(t, "column_2", failed.Detail.RowErrors[0].Field)
	assert.Contains(t, failed.Detail.Message, "invalid row 3")
	assert.Equal(t, core.CategoryUser, failed.Detail.Category)
}

func TestProcess_AggregateCollectsRowErrors(t *testing.T) {
	blobs := newBlobs(t)
	data := strings.Join([]string{
		"id,date,amount,currency,memo",
		"L-1,2024-01-15,100.00,usd,ok",
		"L-2,2024-01-16,abc,USD,",
		"L-3,2024-01-17,5,JPY,",
		"L-4,2024-01-18,0,EUR,",
		"",
	}, "\n")
	ev := stageFile(t, blobs, "ledger.csv", schema.Ledger, core.FormatCSV, []byte(data))

	p := NewProcessor(blobs, Aggregate, 10, logging.Discard())
	out, err := p.Process(context.Background(), ev)
	require.NoError(t, err)

	failed := requireFailed(t, out, core.ReasonInvalidFile)
	require.Len(t, failed.Detail.RowErrors, 3)
	assert.Equal(t, 2, failed.Detail.RowErrors[0].Row)
	assert.Equal(t, "amount", failed.Detail.RowErrors[0].Field)
	assert.Equal(t, 3, failed.Detail.RowErrors[1].Row)
	assert.Equal(t, "currency", failed.Detail.RowErrors[1].Field)
	assert.Equal(t, 4, failed.Detail.RowErrors[2].Row)
	assert.Equal(t, "amount must not be zero", failed.Detail.RowErrors[2].Message)
	assert.Contains(t, failed.Detail.Message, "3 of 4 rows failed")
}

func TestProcess_AggregateStopsAtCap(t *testing.T) {
	blobs := newBlobs(t)
	var b strings.Builder
	for i := 0; i < 20; i++ {
		b.WriteString("a,,c\n")
	}
	ev := stageFile(t, blobs, "rows.csv", schema.Generic, core.FormatCSV, []byte(b.String()))

	p := NewProcessor(blobs, Aggregate, 5, logging.Discard())
	out, err := p.Process(context.Background(), ev)
	require.NoError(t, err)

	failed := requireFailed(t, out, core.ReasonInvalidFile)
	assert.Len(t, failed.Detail.RowErrors, 5)
	assert.Contains(t, failed.Detail.Message, "stopped after 5 row errors")
}

func TestProcess_FileLevelFailures(t *testing.T) {
	tests := []struct {
		name    string
		schema  string
		data    string
		reason  core.FailureReason
		message string
	}{
		{"too few rows", schema.Generic, "a,b,c\n", core.ReasonInvalidFile, "invalid row count"},
		{"header only", schema.Ledger, "id,date,amount,currency\n", core.ReasonInvalidFile, "empty file"},
		{"missing column", schema.Ledger, "id,date,amount\nL-1,2024-01-01,5\n", core.ReasonInvalidFile, "missing required column: currency"},
		{"malformed quote", schema.Generic, "a,b,c\nd,\"e,f\n", core.ReasonParseError, "parse error"},
		{"unknown schema", "payroll", "a,b,c\nd,e,f\n", core.ReasonInvalidFile, "unknown schema"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			blobs := newBlobs(t)
			ev := stageFile(t, blobs, "f.csv", tt.schema, core.FormatCSV, []byte(tt.data))

			out, err := NewProcessor(blobs, FailFast, 10, logging.Discard()).Process(context.Background(), ev)
			require.NoError(t, err)
			failed := requireFailed(t, out, tt.reason)
			assert.Contains(t, strings.ToLower(failed.Detail.Message), tt.message)
		})
	}
}

func TestProcess_XLSX(t *testing.T) {
	f := excelize.NewFile()
	rows := [][]any{
		{"id", "date", "amount", "currency"},
		{"L-1", "2024-02-01", 12.5, "GBP"},
		{"L-2", "2024-02-02", -3, "EUR"},
	}
	for i, r := range rows {
		cell, err := excelize.CoordinatesToCellName(1, i+1)
		require.NoError(t, err)
		row := r
		require.NoError(t, f.SetSheetRow("Sheet1", cell, &row))
	}
	buf, err := f.WriteToBuffer()
	require.NoError(t, err)
	require.NoError(t, f.Close())

	blobs := newBlobs(t)
	ev := stageFile(t, blobs, "ledger.xlsx", schema.Ledger, core.FormatXLSX, buf.Bytes())

	out, err := NewProcessor(blobs, FailFast, 10, logging.Discard()).Process(context.Background(), ev)
	require.NoError(t, err)
	succeeded, ok := out.(core.Succeeded)
	require.True(t, ok, "expected Succeeded, got %T", out)
	assert.Equal(t, 2, succeeded.Result.RowsProcessed)
	sum := sha256.Sum256(buf.Bytes())
	assert.Equal(t, hex.EncodeToString(sum[:]), succeeded.Result.ContentSHA256)
}

func TestProcess_MissingBlob(t *testing.T) {
	blobs := newBlobs(t)
	ev := stageFile(t, blobs, "rows.csv", schema.Generic, core.FormatCSV, []byte(genericCSV(2)))
	require.NoError(t, blobs.Delete(context.Background(), ev.Submission.StorageRef))

	out, err := NewProcessor(blobs, FailFast, 10, logging.Discard()).Process(context.Background(), ev)
	require.NoError(t, err)
	failed := requireFailed(t, out, core.ReasonProcessingError)
	assert.Equal(t, core.CategorySystem, failed.Detail.Category)
}

type flakyFetcher struct{ err error }

func (f flakyFetcher) Fetch(context.Context, string) (io.ReadCloser, error) {
	return nil, f.err
}

func TestProcess_TransientFetchIsReturned(t *testing.T) {
	ev := core.NewSubmitted(core.FileSubmission{
		ID: "f-1", StorageRef: "f-1.csv", Format: core.FormatCSV, Schema: schema.Generic,
	}, 1, time.Now())

	p := NewProcessor(flakyFetcher{err: core.Transient(errors.New("disk busy"))}, FailFast, 10, logging.Discard())
	out, err := p.Process(context.Background(), ev)
	require.Error(t, err)
	assert.Nil(t, out)
	assert.True(t, core.IsTransient(err))
}

func TestParsePolicy(t *testing.T) {
	p, err := ParsePolicy("aggregate")
	require.NoError(t, err)
	assert.Equal(t, Aggregate, p)

	_, err = ParsePolicy("lenient")
	assert.Error(t, err)
}
