package blob

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/JonMunkholm/fileflow/internal/core"
)

func TestNew_CreatesDirectory(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "blobs")

	fs, err := New(dir)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	if fs.DataDir() != dir {
		t.Errorf("DataDir() = %s, want %s", fs.DataDir(), dir)
	}
	if info, err := os.Stat(dir); err != nil || !info.IsDir() {
		t.Fatalf("data dir not created: %v", err)
	}
}

func TestStoreAndFetch(t *testing.T) {
	fs, err := New(t.TempDir())
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	ctx := context.Background()
	content := []byte("id,amount\n1,10\n")

	res, err := fs.Store(ctx, "abc-123", "Report.CSV", bytes.NewReader(content))
	if err != nil {
		t.Fatalf("Store() error = %v", err)
	}

	if res.Ref != "abc-123.csv" {
		t.Errorf("Ref = %q, want %q", res.Ref, "abc-123.csv")
	}
	if res.Size != int64(len(content)) {
		t.Errorf("Size = %d, want %d", res.Size, len(content))
	}
	sum := sha256.Sum256(content)
	if want := hex.EncodeToString(sum[:]); res.Checksum != want {
		t.Errorf("Checksum = %s, want %s", res.Checksum, want)
	}
	if _, err := os.Stat(filepath.Join(fs.DataDir(), res.Ref+".tmp")); !os.IsNotExist(err) {
		t.Error("temp file left behind")
	}

	rc, err := fs.Fetch(ctx, res.Ref)
	if err != nil {
		t.Fatalf("Fetch() error = %v", err)
	}
	defer rc.Close()
	got, _ := io.ReadAll(rc)
	if !bytes.Equal(got, content) {
		t.Errorf("Fetch() content = %q, want %q", got, content)
	}
}

func TestFetch_Missing(t *testing.T) {
	fs, _ := New(t.TempDir())

	for _, ref := range []string{"nope.csv", "../etc/passwd", ""} {
		_, err := fs.Fetch(context.Background(), ref)
		if !errors.Is(err, ErrNotFound) {
			t.Errorf("Fetch(%q) error = %v, want ErrNotFound", ref, err)
		}
		if core.IsTransient(err) {
			t.Errorf("Fetch(%q) missing blob must not be transient", ref)
		}
	}
}

func TestDelete(t *testing.T) {
	fs, _ := New(t.TempDir())
	ctx := context.Background()
	res, err := fs.Store(ctx, "del", "x.xlsx", bytes.NewReader([]byte("PK")))
	if err != nil {
		t.Fatalf("Store() error = %v", err)
	}

	if err := fs.Delete(ctx, res.Ref); err != nil {
		t.Fatalf("Delete() error = %v", err)
	}
	if err := fs.Delete(ctx, res.Ref); err != nil {
		t.Errorf("Delete() of missing blob error = %v, want nil", err)
	}
	if _, err := fs.Fetch(ctx, res.Ref); !errors.Is(err, ErrNotFound) {
		t.Errorf("Fetch() after delete error = %v", err)
	}
}

func TestStorageName(t *testing.T) {
	tests := []struct {
		id, name, want string
	}{
		{"a", "book.xlsx", "a.xlsx"},
		{"a", "README", "a"},
		{"a", "weird.ext/../x", "a"},
		{"a", "long.abcdefghijklmnop", "a"},
	}
	for _, tt := range tests {
		if got := storageName(tt.id, tt.name); got != tt.want {
			t.Errorf("storageName(%q, %q) = %q, want %q", tt.id, tt.name, got, tt.want)
		}
	}
}
