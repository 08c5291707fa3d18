package fs

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/marmos91/dittolock/pkg/blob"
	blobtesting "github.com/marmos91/dittolock/pkg/blob/testing"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testChunkSize = 16

// TestFSBlobStore runs the complete blob store test suite against the
// filesystem backend.
func TestFSBlobStore(t *testing.T) {
	suite := &blobtesting.StoreTestSuite{
		ChunkSize: testChunkSize,
		NewStore: func(t *testing.T) blob.Store {
			store, err := NewFSBlobStore(context.Background(), t.TempDir(), testChunkSize)
			if err != nil {
				t.Fatalf("Failed to create filesystem blob store: %v", err)
			}
			return store
		},
	}

	suite.Run(t)
}

func TestFSBackendLayout(t *testing.T) {
	ctx := context.Background()
	base := t.TempDir()

	store, err := NewFSBlobStore(ctx, base, testChunkSize)
	require.NoError(t, err)

	id := blob.ParseFileID("nested/name")
	w, err := store.Create(ctx, id, blob.CreateOptions{})
	require.NoError(t, err)
	_, err = w.Write(make([]byte, testChunkSize+1))
	require.NoError(t, err)
	require.NoError(t, w.Close())

	dir := filepath.Join(base, "nested%2Fname")
	assert.FileExists(t, filepath.Join(dir, manifestName))
	assert.FileExists(t, filepath.Join(dir, "chunks", "000000"))
	assert.FileExists(t, filepath.Join(dir, "chunks", "000001"))

	require.NoError(t, store.Unlink(ctx, id))
	_, err = os.Stat(dir)
	assert.True(t, os.IsNotExist(err))
}

func TestNewFSBackendRequiresPath(t *testing.T) {
	_, err := NewFSBackend(context.Background(), "")
	assert.Error(t, err)
}
