// Package memory implements an in-memory chunk backend for the blob store.
//
// All chunks and manifests live in process memory and are lost when the
// process exits. It is intended for tests and for short-lived single-process
// deployments.
package memory

import (
	"context"
	"fmt"
	"sync"

	"github.com/marmos91/dittolock/pkg/blob"
)

// file holds everything stored for one FileID.
type file struct {
	chunks   map[int][]byte
	manifest *blob.Manifest
}

// MemoryBackend implements blob.ChunkBackend using in-memory maps.
//
// Thread Safety:
// All operations are protected by a single RWMutex. Chunk slices are copied
// on the way in and out, so callers can never mutate stored data.
type MemoryBackend struct {
	mu     sync.RWMutex
	files  map[blob.FileID]*file
	closed bool
}

// NewMemoryBackend creates an empty in-memory chunk backend.
func NewMemoryBackend() *MemoryBackend {
	return &MemoryBackend{
		files: make(map[blob.FileID]*file),
	}
}

// NewMemoryBlobStore creates a blob store backed by memory.
//
// Parameters:
//   - ctx: Context for cancellation
//   - chunkSize: Bytes per chunk; 0 selects blob.DefaultChunkSize
//   - opts: Optional store options (metrics)
func NewMemoryBlobStore(ctx context.Context, chunkSize int, opts ...blob.ChunkedStoreOption) (*blob.ChunkedStore, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return blob.NewChunkedStore(NewMemoryBackend(), chunkSize, opts...)
}

// getOrCreate returns the entry for id, allocating it if needed. Caller holds mu.
func (b *MemoryBackend) getOrCreate(id blob.FileID) *file {
	f, ok := b.files[id]
	if !ok {
		f = &file{chunks: make(map[int][]byte)}
		b.files[id] = f
	}
	return f
}

func (b *MemoryBackend) PutChunk(ctx context.Context, id blob.FileID, n int, data []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return blob.ErrClosed
	}

	b.getOrCreate(id).chunks[n] = append([]byte(nil), data...)
	return nil
}

func (b *MemoryBackend) GetChunk(ctx context.Context, id blob.FileID, n int) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	b.mu.RLock()
	defer b.mu.RUnlock()

	f, ok := b.files[id]
	if !ok {
		return nil, fmt.Errorf("file %s: %w", id, blob.ErrNotFound)
	}
	data, ok := f.chunks[n]
	if !ok {
		return nil, fmt.Errorf("chunk %d of %s: %w", n, id, blob.ErrNotFound)
	}
	return append([]byte(nil), data...), nil
}

func (b *MemoryBackend) PutManifest(ctx context.Context, m *blob.Manifest) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return blob.ErrClosed
	}

	copied := *m
	b.getOrCreate(m.ID).manifest = &copied
	return nil
}

func (b *MemoryBackend) GetManifest(ctx context.Context, id blob.FileID) (*blob.Manifest, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	b.mu.RLock()
	defer b.mu.RUnlock()

	f, ok := b.files[id]
	if !ok || f.manifest == nil {
		return nil, fmt.Errorf("file %s: %w", id, blob.ErrNotFound)
	}
	copied := *f.manifest
	return &copied, nil
}

func (b *MemoryBackend) DeleteFile(ctx context.Context, id blob.FileID) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if _, ok := b.files[id]; !ok {
		return fmt.Errorf("file %s: %w", id, blob.ErrNotFound)
	}
	delete(b.files, id)
	return nil
}

// ChunkCount returns the number of chunks currently stored for id, with or
// without a manifest. Useful to observe chunks left behind by aborted writes.
func (b *MemoryBackend) ChunkCount(id blob.FileID) int {
	b.mu.RLock()
	defer b.mu.RUnlock()

	f, ok := b.files[id]
	if !ok {
		return 0
	}
	return len(f.chunks)
}

func (b *MemoryBackend) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	return nil
}
