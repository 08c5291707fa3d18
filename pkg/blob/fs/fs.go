// Package fs implements a filesystem chunk backend for the blob store.
//
// Layout on disk:
//
//	<basePath>/<escaped file id>/manifest.json
//	<basePath>/<escaped file id>/chunks/000000
//	<basePath>/<escaped file id>/chunks/000001
//	...
package fs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"net/url"
	"os"
	"path/filepath"

	"github.com/marmos91/dittolock/pkg/blob"
)

const manifestName = "manifest.json"

// FSBackend implements blob.ChunkBackend on the local filesystem.
//
// Thread Safety:
// Each chunk and manifest is written to a temporary file and renamed into
// place, so readers never observe a partially written chunk. Concurrent
// writers on the same FileID race at the file level; exclusion is expected
// from the locking layer.
type FSBackend struct {
	basePath string
}

// NewFSBackend creates a filesystem chunk backend rooted at basePath.
//
// The base directory is created with permissions 0755 if it doesn't exist.
//
// Parameters:
//   - ctx: Context for cancellation
//   - basePath: Root directory for file directories
//
// Returns:
//   - *FSBackend: Initialized backend
//   - error: Returns error if directory creation fails or context is cancelled
func NewFSBackend(ctx context.Context, basePath string) (*FSBackend, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	if basePath == "" {
		return nil, fmt.Errorf("base path is required")
	}

	if err := os.MkdirAll(basePath, 0755); err != nil {
		return nil, fmt.Errorf("failed to create base directory: %w", err)
	}

	return &FSBackend{basePath: basePath}, nil
}

// NewFSBlobStore creates a blob store on the local filesystem.
func NewFSBlobStore(ctx context.Context, basePath string, chunkSize int, opts ...blob.ChunkedStoreOption) (*blob.ChunkedStore, error) {
	backend, err := NewFSBackend(ctx, basePath)
	if err != nil {
		return nil, err
	}
	return blob.NewChunkedStore(backend, chunkSize, opts...)
}

// BasePath returns the root directory of the backend.
func (b *FSBackend) BasePath() string {
	return b.basePath
}

// fileDir returns the directory holding everything stored for id.
//
// FileIDs may contain path separators, so the identifier is escaped into a
// single path segment.
func (b *FSBackend) fileDir(id blob.FileID) string {
	return filepath.Join(b.basePath, url.PathEscape(string(id)))
}

func (b *FSBackend) chunkPath(id blob.FileID, n int) string {
	return filepath.Join(b.fileDir(id), "chunks", fmt.Sprintf("%06d", n))
}

func (b *FSBackend) manifestPath(id blob.FileID) string {
	return filepath.Join(b.fileDir(id), manifestName)
}

// writeAtomic writes data to path through a temporary file in the same
// directory followed by a rename.
func writeAtomic(path string, data []byte) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create directory: %w", err)
	}

	tmp, err := os.CreateTemp(dir, ".tmp-*")
	if err != nil {
		return fmt.Errorf("failed to create temporary file: %w", err)
	}
	tmpName := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
		return fmt.Errorf("failed to write temporary file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpName)
		return fmt.Errorf("failed to close temporary file: %w", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		_ = os.Remove(tmpName)
		return fmt.Errorf("failed to rename temporary file: %w", err)
	}
	return nil
}

func (b *FSBackend) PutChunk(ctx context.Context, id blob.FileID, n int, data []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return writeAtomic(b.chunkPath(id, n), data)
}

func (b *FSBackend) GetChunk(ctx context.Context, id blob.FileID, n int) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	data, err := os.ReadFile(b.chunkPath(id, n))
	if errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("chunk %d of %s: %w", n, id, blob.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read chunk: %w", err)
	}
	return data, nil
}

func (b *FSBackend) PutManifest(ctx context.Context, m *blob.Manifest) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	data, err := json.Marshal(m)
	if err != nil {
		return fmt.Errorf("failed to encode manifest: %w", err)
	}
	return writeAtomic(b.manifestPath(m.ID), data)
}

func (b *FSBackend) GetManifest(ctx context.Context, id blob.FileID) (*blob.Manifest, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	data, err := os.ReadFile(b.manifestPath(id))
	if errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("file %s: %w", id, blob.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read manifest: %w", err)
	}

	var m blob.Manifest
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("failed to decode manifest of %s: %w", id, err)
	}
	return &m, nil
}

func (b *FSBackend) DeleteFile(ctx context.Context, id blob.FileID) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	dir := b.fileDir(id)
	if _, err := os.Stat(dir); errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("file %s: %w", id, blob.ErrNotFound)
	} else if err != nil {
		return fmt.Errorf("failed to stat file directory: %w", err)
	}

	// Remove the manifest first so a half-finished delete never leaves a
	// visible file with missing chunks.
	if err := os.Remove(b.manifestPath(id)); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("failed to remove manifest: %w", err)
	}
	if err := os.RemoveAll(dir); err != nil {
		return fmt.Errorf("failed to remove file directory: %w", err)
	}
	return nil
}

func (b *FSBackend) Close() error {
	return nil
}
