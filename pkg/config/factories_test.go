package config

import (
	"context"
	"io"
	"strings"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/marmos91/dittolock/pkg/locking"
)

func TestCreateBlobStore_Filesystem(t *testing.T) {
	ctx := context.Background()
	cfg := &BlobConfig{
		Type: "filesystem",
		Filesystem: map[string]any{
			"path": t.TempDir(),
		},
	}

	store, err := CreateBlobStore(ctx, cfg, nil)
	if err != nil {
		t.Fatalf("Failed to create filesystem blob store: %v", err)
	}
	defer func() { _ = store.Close() }()

	if store == nil {
		t.Fatal("Expected non-nil store")
	}
}

func TestCreateBlobStore_FilesystemMissingPath(t *testing.T) {
	ctx := context.Background()
	cfg := &BlobConfig{
		Type:       "filesystem",
		Filesystem: map[string]any{},
	}

	_, err := CreateBlobStore(ctx, cfg, nil)
	if err == nil {
		t.Fatal("Expected error for missing path")
	}
	if !strings.Contains(err.Error(), "path is required") {
		t.Errorf("Expected 'path is required' error, got: %v", err)
	}
}

func TestCreateBlobStore_Memory(t *testing.T) {
	ctx := context.Background()
	cfg := &BlobConfig{
		Type:      "memory",
		ChunkSize: 8,
	}

	store, err := CreateBlobStore(ctx, cfg, nil)
	if err != nil {
		t.Fatalf("Failed to create memory blob store: %v", err)
	}
	defer func() { _ = store.Close() }()
}

func TestCreateBlobStore_S3MissingBucket(t *testing.T) {
	ctx := context.Background()
	cfg := &BlobConfig{
		Type: "s3",
		S3:   map[string]any{"region": "us-east-1"},
	}

	_, err := CreateBlobStore(ctx, cfg, nil)
	if err == nil {
		t.Fatal("Expected error for missing bucket")
	}
	if !strings.Contains(err.Error(), "bucket is required") {
		t.Errorf("Expected 'bucket is required' error, got: %v", err)
	}
}

func TestCreateBlobStore_S3MissingRegion(t *testing.T) {
	ctx := context.Background()
	cfg := &BlobConfig{
		Type: "s3",
		S3:   map[string]any{"bucket": "files"},
	}

	_, err := CreateBlobStore(ctx, cfg, nil)
	if err == nil {
		t.Fatal("Expected error for missing region")
	}
	if !strings.Contains(err.Error(), "region is required") {
		t.Errorf("Expected 'region is required' error, got: %v", err)
	}
}

func TestCreateBlobStore_UnknownType(t *testing.T) {
	ctx := context.Background()
	cfg := &BlobConfig{Type: "tape"}

	_, err := CreateBlobStore(ctx, cfg, nil)
	if err == nil {
		t.Fatal("Expected error for unknown type")
	}
	if !strings.Contains(err.Error(), "unknown blob store type") {
		t.Errorf("Expected 'unknown blob store type' error, got: %v", err)
	}
}

func TestCreateRecordStore_Memory(t *testing.T) {
	ctx := context.Background()

	store, err := CreateRecordStore(ctx, &LocksConfig{Backend: "memory"})
	if err != nil {
		t.Fatalf("Failed to create memory lock store: %v", err)
	}
	defer func() { _ = store.Close() }()

	if err := store.Ping(ctx); err != nil {
		t.Errorf("Expected memory store to answer ping, got: %v", err)
	}
}

func TestCreateRecordStore_Badger(t *testing.T) {
	ctx := context.Background()
	cfg := &LocksConfig{
		Backend: "badger",
		Badger:  map[string]any{"db_path": t.TempDir()},
	}

	store, err := CreateRecordStore(ctx, cfg)
	if err != nil {
		t.Fatalf("Failed to create badger lock store: %v", err)
	}
	defer func() { _ = store.Close() }()

	if err := store.Ping(ctx); err != nil {
		t.Errorf("Expected badger store to answer ping, got: %v", err)
	}
}

func TestCreateRecordStore_BadgerInMemoryFromString(t *testing.T) {
	ctx := context.Background()
	cfg := &LocksConfig{
		Backend: "badger",
		// Environment and some YAML writers hand booleans over as strings
		Badger: map[string]any{"in_memory": "true"},
	}

	store, err := CreateRecordStore(ctx, cfg)
	if err != nil {
		t.Fatalf("Failed to create in-memory badger lock store: %v", err)
	}
	defer func() { _ = store.Close() }()
}

func TestCreateRecordStore_BadgerMissingPath(t *testing.T) {
	ctx := context.Background()
	cfg := &LocksConfig{
		Backend: "badger",
		Badger:  map[string]any{},
	}

	_, err := CreateRecordStore(ctx, cfg)
	if err == nil {
		t.Fatal("Expected error for missing db_path")
	}
	if !strings.Contains(err.Error(), "db_path is required") {
		t.Errorf("Expected 'db_path is required' error, got: %v", err)
	}
}

func TestCreateRecordStore_Redis(t *testing.T) {
	ctx := context.Background()
	mr := miniredis.RunT(t)

	cfg := &LocksConfig{
		Backend: "redis",
		Redis: map[string]any{
			"addr":           mr.Addr(),
			"key_prefix":     "test:",
			"idle_retention": "1h",
		},
	}

	store, err := CreateRecordStore(ctx, cfg)
	if err != nil {
		t.Fatalf("Failed to create redis lock store: %v", err)
	}
	defer func() { _ = store.Close() }()
}

func TestCreateRecordStore_RedisUnreachable(t *testing.T) {
	ctx := context.Background()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis.Run: %v", err)
	}
	addr := mr.Addr()
	mr.Close()

	cfg := &LocksConfig{
		Backend: "redis",
		Redis:   map[string]any{"addr": addr},
	}

	_, err = CreateRecordStore(ctx, cfg)
	if err == nil {
		t.Fatal("Expected error for unreachable redis")
	}
	if !strings.Contains(err.Error(), "unreachable") {
		t.Errorf("Expected 'unreachable' error, got: %v", err)
	}
}

func TestCreateRecordStore_UnknownBackend(t *testing.T) {
	ctx := context.Background()

	_, err := CreateRecordStore(ctx, &LocksConfig{Backend: "zookeeper"})
	if err == nil {
		t.Fatal("Expected error for unknown backend")
	}
	if !strings.Contains(err.Error(), "unknown lock backend") {
		t.Errorf("Expected 'unknown lock backend' error, got: %v", err)
	}
}

func TestCreateRuntime_WriteThenRead(t *testing.T) {
	ctx := context.Background()

	cfg := GetDefaultConfig()
	cfg.Root = "runtime-test"
	cfg.Blob.Type = "memory"
	cfg.Blob.ChunkSize = 4

	rt, err := CreateRuntime(ctx, cfg, InitializeMetrics(cfg))
	if err != nil {
		t.Fatalf("Failed to create runtime: %v", err)
	}
	defer func() { _ = rt.Close() }()

	if rt.Locker.Root() != "runtime-test" {
		t.Errorf("Expected locker root 'runtime-test', got %q", rt.Locker.Root())
	}

	w, err := rt.Locker.OpenWrite(ctx, locking.WriteOptions{FileID: "greeting"})
	if err != nil {
		t.Fatalf("OpenWrite failed: %v", err)
	}
	if w == nil {
		t.Fatal("Expected write lock to be granted")
	}
	if _, err := w.Write([]byte("hello, world")); err != nil {
		t.Fatalf("Write failed: %v", err)
	}
	if err := w.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}

	r, err := rt.Locker.OpenRead(ctx, locking.ReadOptions{FileID: "greeting"})
	if err != nil {
		t.Fatalf("OpenRead failed: %v", err)
	}
	if r == nil {
		t.Fatal("Expected read lock to be granted")
	}
	data, err := io.ReadAll(r)
	if err != nil {
		t.Fatalf("ReadAll failed: %v", err)
	}
	if string(data) != "hello, world" {
		t.Errorf("Expected 'hello, world', got %q", data)
	}
}

func TestCreateRuntime_CloseWithoutUse(t *testing.T) {
	ctx := context.Background()

	cfg := GetDefaultConfig()
	cfg.Blob.Type = "memory"
	cfg.Locks.Backend = "badger"
	cfg.Locks.Badger = map[string]any{"db_path": t.TempDir()}

	rt, err := CreateRuntime(ctx, cfg, nil)
	if err != nil {
		t.Fatalf("Failed to create runtime: %v", err)
	}

	// The coordinator was never opened, so the runtime must close the store
	if err := rt.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}
}

func TestInitializeMetrics_Disabled(t *testing.T) {
	cfg := GetDefaultConfig()

	result := InitializeMetrics(cfg)
	if result.Server != nil {
		t.Error("Expected no metrics server when disabled")
	}
	if result.LockMetrics != nil || result.BlobMetrics != nil {
		t.Error("Expected nil collectors when disabled")
	}
}
