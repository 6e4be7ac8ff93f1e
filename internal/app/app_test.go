package app

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/JonMunkholm/fileflow/internal/config"
	"github.com/JonMunkholm/fileflow/internal/core"
	"github.com/JonMunkholm/fileflow/internal/logging"
	"github.com/JonMunkholm/fileflow/internal/status"
)

// fileStatus mirrors the JSON served by GET /api/files/{id}.
type fileStatus struct {
	FileID     string              `json:"file_id"`
	State      core.State          `json:"state"`
	Version    int64               `json:"version"`
	Generation int                 `json:"generation"`
	Error      *core.ErrorDetail   `json:"error"`
	Result     *core.ResultSummary `json:"result"`
}

func startApp(t *testing.T, env map[string]string) *App {
	t.Helper()
	dir := t.TempDir()
	defaults := map[string]string{
		"APP_ROLES":                  "intake,worker,projector",
		"STORE_BACKEND":              "memory",
		"STORE_BOLT_PATH":            filepath.Join(dir, "status.db"),
		"STORAGE_DATA_DIR":           filepath.Join(dir, "blobs"),
		"BUS_BACKEND":                "memory",
		"BUS_REDELIVERY_BACKOFF":     "1ms",
		"BUS_MAX_REDELIVERY_BACKOFF": "5ms",
		"SWEEPER_ENABLED":            "false",
		"UPLOAD_MAX_FILE_SIZE":       "4096",
		"WORKER_VALIDATION_POLICY":   "fail_fast",
		"WORKER_EMIT_STARTED":        "true",
		"RATE_LIMIT_PER_MINUTE":      "0",
		"REQUIRE_API_KEY":            "false",
		"API_KEYS":                   "",
	}
	for k, v := range env {
		defaults[k] = v
	}
	for k, v := range defaults {
		t.Setenv(k, v)
	}

	cfg, err := config.Load()
	require.NoError(t, err)

	a, err := New(context.Background(), cfg, logging.Discard())
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- a.Run(ctx, "") }()

	t.Cleanup(func() {
		cancel()
		select {
		case err := <-done:
			assert.NoError(t, err)
		case <-time.After(10 * time.Second):
			t.Error("app did not stop")
		}
		assert.NoError(t, a.Close())
	})
	return a
}

func upload(t *testing.T, a *App, name, content, schemaKey string) (*httptest.ResponseRecorder, string) {
	t.Helper()
	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	part, err := mw.CreateFormFile("file", name)
	require.NoError(t, err)
	_, err = part.Write([]byte(content))
	require.NoError(t, err)
	if schemaKey != "" {
		require.NoError(t, mw.WriteField("schema", schemaKey))
	}
	require.NoError(t, mw.Close())

	req := httptest.NewRequest(http.MethodPost, "/api/files", &body)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	rec := httptest.NewRecorder()
	a.Handler().ServeHTTP(rec, req)

	var resp struct {
		FileID string `json:"file_id"`
	}
	if rec.Code == http.StatusAccepted {
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	}
	return rec, resp.FileID
}

func getStatus(t *testing.T, a *App, id string) fileStatus {
	t.Helper()
	rec := httptest.NewRecorder()
	a.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/files/"+id, nil))
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var st fileStatus
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &st))
	return st
}

// waitFor polls until the file reaches state at generation gen.
func waitFor(t *testing.T, a *App, id string, state core.State, gen int) fileStatus {
	t.Helper()
	var last fileStatus
	require.Eventually(t, func() bool {
		last = getStatus(t, a, id)
		return last.State == state && last.Generation == gen
	}, 10*time.Second, 10*time.Millisecond, "file %s never reached %s/%d", id, state, gen)
	return last
}

func genericRows(n int) string {
	var b strings.Builder
	for i := 1; i <= n; i++ {
		fmt.Fprintf(&b, "row%d,%d,ok\n", i, i)
	}
	return b.String()
}

func TestPipeline_CompletesValidFile(t *testing.T) {
	a := startApp(t, nil)

	rec, id := upload(t, a, "rows.csv", genericRows(10), "")
	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())

	st := waitFor(t, a, id, core.StateCompleted, 1)
	require.NotNil(t, st.Result)
	assert.Equal(t, 10, st.Result.RowsProcessed)
	assert.Equal(t, "generic", st.Result.Schema)
	assert.Nil(t, st.Error)
	assert.Equal(t, int64(2), st.Version, "submitted -> processing -> completed")
}

func TestPipeline_FailFastNamesRow(t *testing.T) {
	a := startApp(t, nil)

	rec, id := upload(t, a, "rows.csv", "a,b,c\nd,e,f\ng,,i\n", "")
	require.Equal(t, http.StatusAccepted, rec.Code)

	st := waitFor(t, a, id, core.StateFailed, 1)
	require.NotNil(t, st.Error)
	assert.Equal(t, core.ReasonInvalidFile, st.Error.Reason)
	assert.Equal(t, "ROW001", st.Error.Code)
	require.Len(t, st.Error.RowErrors, 1)
	assert.Equal(t, 3, st.Error.RowErrors[0].Row)
	assert.Contains(t, st.Error.Message, "invalid row 3")
}

func TestPipeline_AggregatePolicy(t *testing.T) {
	a := startApp(t, map[string]string{"WORKER_VALIDATION_POLICY": "aggregate"})

	data := "id,date,amount,currency\nL-1,2024-03-01,10,USD\nL-2,not-a-date,5,USD\nL-3,2024-03-03,7,XYZ\n"
	rec, id := upload(t, a, "ledger.csv", data, "ledger")
	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())

	st := waitFor(t, a, id, core.StateFailed, 1)
	require.NotNil(t, st.Error)
	require.Len(t, st.Error.RowErrors, 2)
	assert.Equal(t, "date", st.Error.RowErrors[0].Field)
	assert.Equal(t, "currency", st.Error.RowErrors[1].Field)
}

func TestPipeline_RejectsOversizeWithoutRecord(t *testing.T) {
	a := startApp(t, map[string]string{"UPLOAD_MAX_FILE_SIZE": "32"})

	rec, _ := upload(t, a, "rows.csv", genericRows(20), "")
	assert.Equal(t, http.StatusRequestEntityTooLarge, rec.Code)

	recs, err := a.Store().List(context.Background(), status.ListFilter{})
	require.NoError(t, err)
	assert.Empty(t, recs)
}

func TestPipeline_RetryRunsNewGeneration(t *testing.T) {
	a := startApp(t, nil)

	rec, id := upload(t, a, "rows.csv", "a,b,c\n", "")
	require.Equal(t, http.StatusAccepted, rec.Code)
	first := waitFor(t, a, id, core.StateFailed, 1)
	assert.Contains(t, first.Error.Message, "invalid row count")

	retry := httptest.NewRecorder()
	a.Handler().ServeHTTP(retry, httptest.NewRequest(http.MethodPost, "/api/files/"+id+"/retry", nil))
	require.Equal(t, http.StatusAccepted, retry.Code, retry.Body.String())

	second := waitFor(t, a, id, core.StateFailed, 2)
	assert.Greater(t, second.Version, first.Version)
	assert.Equal(t, first.Error.Message, second.Error.Message, "same bytes, same outcome")
}

func TestPipeline_BoltStoreAndConcurrentUploads(t *testing.T) {
	a := startApp(t, map[string]string{
		"STORE_BACKEND":      "bolt",
		"WORKER_CONCURRENCY": "2",
		"BUS_PARTITIONS":     "3",
	})

	const n = 12
	ids := make([]string, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			rec, id := upload(t, a, fmt.Sprintf("f%d.csv", i), genericRows(i+2), "")
			assert.Equal(t, http.StatusAccepted, rec.Code)
			ids[i] = id
		}()
	}
	wg.Wait()

	for i, id := range ids {
		require.NotEmpty(t, id)
		st := waitFor(t, a, id, core.StateCompleted, 1)
		assert.Equal(t, i+2, st.Result.RowsProcessed)
	}
}

func TestNew_RejectsUnknownPolicy(t *testing.T) {
	cfg := &config.Config{
		App:     config.AppConfig{Roles: []string{RoleWorker}},
		Store:   config.StoreConfig{Backend: "memory"},
		Storage: config.StorageConfig{DataDir: t.TempDir()},
		Bus:     config.BusConfig{Backend: "memory", Partitions: 1},
		Worker:  config.WorkerConfig{ValidationPolicy: "lenient"},
	}
	_, err := New(context.Background(), cfg, logging.Discard())
	assert.Error(t, err)
}
