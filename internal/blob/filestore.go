// Package blob stores raw uploaded bytes on the local filesystem.
//
// Writes go to a temp file while SHA-256 is computed on the fly, then
// fsync and an atomic rename publish the blob, so readers never see a
// partial file. A storage reference is the blob's name inside the data
// directory and is opaque to everything else.
package blob

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/JonMunkholm/fileflow/internal/core"
)

// ErrNotFound is returned by Fetch for unknown references.
var ErrNotFound = errors.New("blob not found")

// FileStore manages blobs under a data directory.
type FileStore struct {
	dataDir string
}

// SaveResult describes a stored blob.
type SaveResult struct {
	Ref      string // storage reference
	Size     int64
	Checksum string // SHA-256, hex
}

// New creates a FileStore, creating dataDir if needed.
func New(dataDir string) (*FileStore, error) {
	if err := os.MkdirAll(dataDir, 0o750); err != nil {
		return nil, fmt.Errorf("create data dir %s: %w", dataDir, err)
	}
	return &FileStore{dataDir: dataDir}, nil
}

// Store writes r as the blob for fileID. The original name only
// contributes its extension.
func (fs *FileStore) Store(ctx context.Context, fileID, originalName string, r io.Reader) (SaveResult, error) {
	if err := ctx.Err(); err != nil {
		return SaveResult{}, err
	}
	ref := storageName(fileID, originalName)
	fullPath := filepath.Join(fs.dataDir, ref)
	tmpPath := fullPath + ".tmp"

	f, err := os.Create(tmpPath)
	if err != nil {
		return SaveResult{}, core.Transient(fmt.Errorf("create temp blob: %w", err))
	}

	hasher := sha256.New()
	size, err := io.Copy(f, io.TeeReader(r, hasher))
	if err != nil {
		f.Close()
		os.Remove(tmpPath)
		return SaveResult{}, core.Transient(fmt.Errorf("write blob: %w", err))
	}

	if err := f.Sync(); err != nil {
		f.Close()
		os.Remove(tmpPath)
		return SaveResult{}, core.Transient(fmt.Errorf("fsync blob: %w", err))
	}
	if err := f.Close(); err != nil {
		os.Remove(tmpPath)
		return SaveResult{}, core.Transient(fmt.Errorf("close blob: %w", err))
	}

	if err := os.Rename(tmpPath, fullPath); err != nil {
		os.Remove(tmpPath)
		return SaveResult{}, core.Transient(fmt.Errorf("rename blob: %w", err))
	}

	return SaveResult{
		Ref:      ref,
		Size:     size,
		Checksum: hex.EncodeToString(hasher.Sum(nil)),
	}, nil
}

// Fetch opens a blob. The caller closes it. A missing blob wraps
// ErrNotFound and is permanent; other failures are transient.
func (fs *FileStore) Fetch(ctx context.Context, ref string) (io.ReadCloser, error) {
	if err := ctx.Err(); err != nil {
		return nil, core.Transient(err)
	}
	if !validRef(ref) {
		return nil, fmt.Errorf("%w: invalid reference %q", ErrNotFound, ref)
	}

	f, err := os.Open(filepath.Join(fs.dataDir, ref))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, ref)
		}
		return nil, core.Transient(fmt.Errorf("open blob %s: %w", ref, err))
	}
	return f, nil
}

// Delete removes a blob. Deleting a missing blob is not an error.
func (fs *FileStore) Delete(ctx context.Context, ref string) error {
	if !validRef(ref) {
		return nil
	}
	err := os.Remove(filepath.Join(fs.dataDir, ref))
	if err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("delete blob %s: %w", ref, err)
	}
	return nil
}

// DataDir returns the root directory.
func (fs *FileStore) DataDir() string {
	return fs.dataDir
}

// storageName derives the blob name from the file id and the original
// extension: {id}.{ext}
func storageName(fileID, originalName string) string {
	ext := strings.ToLower(filepath.Ext(originalName))
	if !validRef(ext) || len(ext) > 10 {
		ext = ""
	}
	return fileID + ext
}

// validRef rejects anything that could leave the data directory.
func validRef(ref string) bool {
	return ref != "" && !strings.ContainsAny(ref, `/\`) && !strings.Contains(ref, "..")
}
