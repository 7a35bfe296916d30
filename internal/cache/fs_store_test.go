package cache

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
)

func TestStorePutAndGet(t *testing.T) {
	store := newTestStore(t)
	payload := []byte("payload")

	written, err := store.Put(context.Background(), "sample_image_0", bytes.NewReader(payload))
	if err != nil {
		t.Fatalf("put error: %v", err)
	}
	if written.SizeBytes != int64(len(payload)) {
		t.Fatalf("size mismatch: %d", written.SizeBytes)
	}

	entry, err := store.Get(context.Background(), "sample_image_0")
	if err != nil {
		t.Fatalf("get error: %v", err)
	}
	body, err := os.ReadFile(entry.FilePath)
	if err != nil {
		t.Fatalf("read cached body error: %v", err)
	}
	if string(body) != string(payload) {
		t.Fatalf("cached payload mismatch: %s", string(body))
	}
	if entry.SizeBytes != int64(len(payload)) {
		t.Fatalf("size mismatch: %d", entry.SizeBytes)
	}
}

func TestStorePutLeavesNoTempFiles(t *testing.T) {
	store := newTestStore(t)
	if _, err := store.Put(context.Background(), "k1", bytes.NewReader([]byte("a"))); err != nil {
		t.Fatalf("put error: %v", err)
	}
	if _, err := store.Put(context.Background(), "k1", bytes.NewReader([]byte("bb"))); err != nil {
		t.Fatalf("overwrite error: %v", err)
	}

	entries, err := os.ReadDir(store.Root())
	if err != nil {
		t.Fatalf("readdir error: %v", err)
	}
	if len(entries) != 1 || entries[0].Name() != "k1" {
		t.Fatalf("expected only k1 in cache dir, got %v", entries)
	}
}

func TestStoreFailedPutKeepsPreviousPayload(t *testing.T) {
	store := newTestStore(t)
	if _, err := store.Put(context.Background(), "k1", bytes.NewReader([]byte("old"))); err != nil {
		t.Fatalf("put error: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := store.Put(ctx, "k1", bytes.NewReader([]byte("new"))); err == nil {
		t.Fatalf("expected cancelled put to fail")
	}

	entry, err := store.Get(context.Background(), "k1")
	if err != nil {
		t.Fatalf("get error: %v", err)
	}
	body, _ := os.ReadFile(entry.FilePath)
	if string(body) != "old" {
		t.Fatalf("previous payload should survive a failed put, got %q", string(body))
	}
}

func TestStoreGetMissing(t *testing.T) {
	store := newTestStore(t)
	_, err := store.Get(context.Background(), "missing")
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestStoreRemove(t *testing.T) {
	store := newTestStore(t)
	if _, err := store.Put(context.Background(), "remove_me", bytes.NewReader([]byte("data"))); err != nil {
		t.Fatalf("put error: %v", err)
	}
	if err := store.Remove(context.Background(), "remove_me"); err != nil {
		t.Fatalf("remove error: %v", err)
	}
	if _, err := store.Get(context.Background(), "remove_me"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected not found after remove, got %v", err)
	}
	if err := store.Remove(context.Background(), "remove_me"); err != nil {
		t.Fatalf("removing a missing entry should succeed, got %v", err)
	}
}

func TestStoreIgnoresDirectories(t *testing.T) {
	store := newTestStore(t)

	filePath, err := store.Path("nested")
	if err != nil {
		t.Fatalf("path error: %v", err)
	}
	if err := os.MkdirAll(filePath, 0o755); err != nil {
		t.Fatalf("mkdir error: %v", err)
	}

	if _, err := store.Get(context.Background(), "nested"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound for directory, got %v", err)
	}
}

func TestStoreRejectsUnsafeKeys(t *testing.T) {
	store := newTestStore(t)
	for _, key := range []string{"", ".", "..", "../escape", "a/b", `a\b`, ".hidden", MetadataFileName} {
		if _, err := store.Path(key); !errors.Is(err, ErrInvalidKey) {
			t.Fatalf("key %q should be rejected, got %v", key, err)
		}
	}
}

func TestStorePurgeRecreatesEmptyDir(t *testing.T) {
	store := newTestStore(t)
	if _, err := store.Put(context.Background(), "k1", bytes.NewReader([]byte("a"))); err != nil {
		t.Fatalf("put error: %v", err)
	}
	if err := os.WriteFile(filepath.Join(store.Root(), "orphan"), []byte("x"), 0o644); err != nil {
		t.Fatalf("write orphan: %v", err)
	}

	if err := store.Purge(context.Background()); err != nil {
		t.Fatalf("purge error: %v", err)
	}
	entries, err := os.ReadDir(store.Root())
	if err != nil {
		t.Fatalf("cache dir should exist after purge: %v", err)
	}
	if len(entries) != 0 {
		t.Fatalf("cache dir should be empty, got %d entries", len(entries))
	}
}

// newTestStore returns a Store backed by a temporary directory.
func newTestStore(t *testing.T) Store {
	t.Helper()
	store, err := NewStore(filepath.Join(t.TempDir(), "image_cache"))
	if err != nil {
		t.Fatalf("failed to create store: %v", err)
	}
	return store
}
