package status

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	bolt "go.etcd.io/bbolt"

	"github.com/JonMunkholm/fileflow/internal/core"
)

var (
	submissionsBucket = []byte("submissions")
	statusBucket      = []byte("status")
)

// BoltStore is a durable single-node Store backed by a bbolt file.
// bbolt serializes writers, so the version check and the put happen in
// one transaction.
type BoltStore struct {
	db *bolt.DB
}

// OpenBoltStore opens (or creates) the database at path.
func OpenBoltStore(path string) (*BoltStore, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create store dir: %w", err)
	}
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("open bolt store: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		for _, name := range [][]byte{submissionsBucket, statusBucket} {
			if _, err := tx.CreateBucketIfNotExists(name); err != nil {
				return fmt.Errorf("create bucket %s: %w", name, err)
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, err
	}
	return &BoltStore{db: db}, nil
}

func (s *BoltStore) Create(ctx context.Context, sub core.FileSubmission, rec core.StatusRecord) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	subData, err := json.Marshal(sub)
	if err != nil {
		return fmt.Errorf("marshal submission: %w", err)
	}
	recData, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshal status: %w", err)
	}

	return s.db.Update(func(tx *bolt.Tx) error {
		status := tx.Bucket(statusBucket)
		key := []byte(sub.ID)
		if status.Get(key) != nil {
			return core.ErrAlreadyExists
		}
		if err := tx.Bucket(submissionsBucket).Put(key, subData); err != nil {
			return core.Transient(fmt.Errorf("put submission: %w", err))
		}
		if err := status.Put(key, recData); err != nil {
			return core.Transient(fmt.Errorf("put status: %w", err))
		}
		return nil
	})
}

func (s *BoltStore) Read(ctx context.Context, fileID string) (core.StatusRecord, error) {
	var rec core.StatusRecord
	if err := ctx.Err(); err != nil {
		return rec, err
	}
	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(statusBucket).Get([]byte(fileID))
		if data == nil {
			return core.ErrNotFound
		}
		return json.Unmarshal(data, &rec)
	})
	return rec, err
}

func (s *BoltStore) ConditionalWrite(ctx context.Context, fileID string, expectedVersion int64, rec core.StatusRecord) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := checkNextVersion(expectedVersion, rec); err != nil {
		return err
	}
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshal status: %w", err)
	}

	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(statusBucket)
		key := []byte(fileID)
		raw := b.Get(key)
		if raw == nil {
			return core.ErrNotFound
		}
		var cur struct {
			Version int64 `json:"version"`
		}
		if err := json.Unmarshal(raw, &cur); err != nil {
			return fmt.Errorf("decode status %s: %w", fileID, err)
		}
		if cur.Version != expectedVersion {
			return core.ErrVersionConflict
		}
		return b.Put(key, data)
	})
}

func (s *BoltStore) GetSubmission(ctx context.Context, fileID string) (core.FileSubmission, error) {
	var sub core.FileSubmission
	if err := ctx.Err(); err != nil {
		return sub, err
	}
	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(submissionsBucket).Get([]byte(fileID))
		if data == nil {
			return core.ErrNotFound
		}
		return json.Unmarshal(data, &sub)
	})
	return sub, err
}

// List scans the status bucket. Fine for the single-node sizes bbolt is
// used for; Postgres serves larger deployments.
func (s *BoltStore) List(ctx context.Context, f ListFilter) ([]core.StatusRecord, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var out []core.StatusRecord
	err := s.db.View(func(tx *bolt.Tx) error {
		subs := tx.Bucket(submissionsBucket)
		return tx.Bucket(statusBucket).ForEach(func(k, v []byte) error {
			var rec core.StatusRecord
			if err := json.Unmarshal(v, &rec); err != nil {
				return fmt.Errorf("decode status %s: %w", k, err)
			}
			var sub core.FileSubmission
			if f.Checksum != "" {
				if raw := subs.Get(k); raw != nil {
					if err := json.Unmarshal(raw, &sub); err != nil {
						return fmt.Errorf("decode submission %s: %w", k, err)
					}
				}
			}
			if f.matches(rec, sub) {
				out = append(out, rec)
			}
			return nil
		})
	})
	if err != nil {
		return nil, err
	}

	sortRecords(out)
	if len(out) > f.limit() {
		out = out[:f.limit()]
	}
	return out, nil
}

func (s *BoltStore) Close() error {
	return s.db.Close()
}
