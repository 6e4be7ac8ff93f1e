package status

import (
	"context"
	"sort"
	"sync"

	"github.com/JonMunkholm/fileflow/internal/core"
)

// MemoryStore is a process-local Store. Safe for concurrent use.
type MemoryStore struct {
	mu          sync.RWMutex
	records     map[string]core.StatusRecord
	submissions map[string]core.FileSubmission
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		records:     make(map[string]core.StatusRecord),
		submissions: make(map[string]core.FileSubmission),
	}
}

func (m *MemoryStore) Create(ctx context.Context, sub core.FileSubmission, rec core.StatusRecord) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.records[sub.ID]; exists {
		return core.ErrAlreadyExists
	}
	m.submissions[sub.ID] = sub
	m.records[sub.ID] = cloneRecord(rec)
	return nil
}

func (m *MemoryStore) Read(ctx context.Context, fileID string) (core.StatusRecord, error) {
	if err := ctx.Err(); err != nil {
		return core.StatusRecord{}, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()

	rec, ok := m.records[fileID]
	if !ok {
		return core.StatusRecord{}, core.ErrNotFound
	}
	return cloneRecord(rec), nil
}

func (m *MemoryStore) ConditionalWrite(ctx context.Context, fileID string, expectedVersion int64, rec core.StatusRecord) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := checkNextVersion(expectedVersion, rec); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	cur, ok := m.records[fileID]
	if !ok {
		return core.ErrNotFound
	}
	if cur.Version != expectedVersion {
		return core.ErrVersionConflict
	}
	m.records[fileID] = cloneRecord(rec)
	return nil
}

func (m *MemoryStore) GetSubmission(ctx context.Context, fileID string) (core.FileSubmission, error) {
	if err := ctx.Err(); err != nil {
		return core.FileSubmission{}, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()

	sub, ok := m.submissions[fileID]
	if !ok {
		return core.FileSubmission{}, core.ErrNotFound
	}
	return sub, nil
}

func (m *MemoryStore) List(ctx context.Context, f ListFilter) ([]core.StatusRecord, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.RLock()
	var out []core.StatusRecord
	for id, rec := range m.records {
		if f.matches(rec, m.submissions[id]) {
			out = append(out, cloneRecord(rec))
		}
	}
	m.mu.RUnlock()

	sortRecords(out)
	if len(out) > f.limit() {
		out = out[:f.limit()]
	}
	return out, nil
}

func (m *MemoryStore) Close() error { return nil }

// sortRecords orders by UpdatedAt, then file id for stable output.
func sortRecords(recs []core.StatusRecord) {
	sort.Slice(recs, func(i, j int) bool {
		if !recs[i].UpdatedAt.Equal(recs[j].UpdatedAt) {
			return recs[i].UpdatedAt.Before(recs[j].UpdatedAt)
		}
		return recs[i].FileID < recs[j].FileID
	})
}

// cloneRecord deep-copies the pointer fields so callers cannot mutate
// stored state.
func cloneRecord(r core.StatusRecord) core.StatusRecord {
	if r.Error != nil {
		e := *r.Error
		e.RowErrors = append([]core.RowError(nil), r.Error.RowErrors...)
		r.Error = &e
	}
	if r.Result != nil {
		res := *r.Result
		res.Columns = append([]string(nil), r.Result.Columns...)
		r.Result = &res
	}
	return r
}
