// Package testing provides a reusable conformance suite for blob.Store
// implementations.
package testing

import (
	"bytes"
	"context"
	"io"
	"testing"

	"github.com/marmos91/dittolock/pkg/blob"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// StoreTestSuite tests the blob.Store contract, not implementation details,
// so it can be reused across backends (memory, filesystem, S3).
//
// Usage:
//
//	func TestMyBlobStore(t *testing.T) {
//	    suite := &blobtesting.StoreTestSuite{
//	        ChunkSize: 16,
//	        NewStore: func(t *testing.T) blob.Store {
//	            return newStore(t, 16)
//	        },
//	    }
//	    suite.Run(t)
//	}
type StoreTestSuite struct {
	// NewStore creates a fresh, empty store for each test. The store must be
	// configured with ChunkSize.
	NewStore func(t *testing.T) blob.Store

	// ChunkSize is the chunk size NewStore configures. Small values exercise
	// multi-chunk paths with small payloads.
	ChunkSize int
}

// Run executes all tests in the suite.
func (suite *StoreTestSuite) Run(t *testing.T) {
	t.Run("BasicOperations", suite.RunBasicTests)
	t.Run("WriteOperations", suite.RunWriteTests)
	t.Run("RangeReads", suite.RunRangeTests)
}

func testContext() context.Context {
	return context.Background()
}

func (suite *StoreTestSuite) newStore(t *testing.T) blob.Store {
	t.Helper()
	store := suite.NewStore(t)
	t.Cleanup(func() { _ = store.Close() })
	return store
}

// payload returns n bytes of deterministic, position-dependent data.
func payload(n int) []byte {
	data := make([]byte, n)
	for i := range data {
		data[i] = byte(i*7 + i/251)
	}
	return data
}

// mustWrite streams data into id in writes of at most step bytes.
func mustWrite(t *testing.T, store blob.Store, id blob.FileID, data []byte, step int) {
	t.Helper()

	w, err := store.Create(testContext(), id, blob.CreateOptions{})
	require.NoError(t, err)

	if step <= 0 {
		step = len(data) + 1
	}
	for off := 0; off < len(data); off += step {
		end := min(off+step, len(data))
		n, err := w.Write(data[off:end])
		require.NoError(t, err)
		require.Equal(t, end-off, n)
	}
	require.NoError(t, w.Close())
}

func mustRead(t *testing.T, store blob.Store, id blob.FileID, opts blob.OpenOptions) []byte {
	t.Helper()

	r, err := store.Open(testContext(), id, opts)
	require.NoError(t, err)
	defer func() { _ = r.Close() }()

	data, err := io.ReadAll(r)
	require.NoError(t, err)
	return data
}

// ============================================================================
// Basic Tests
// ============================================================================

// RunBasicTests executes existence, stat and unlink tests.
func (suite *StoreTestSuite) RunBasicTests(t *testing.T) {
	t.Run("Open_NotFound", suite.testOpenNotFound)
	t.Run("Stat_NotFound", suite.testStatNotFound)
	t.Run("Exists_NotFound", suite.testExistsNotFound)
	t.Run("Exists_AfterClose", suite.testExistsAfterClose)
	t.Run("Stat_Manifest", suite.testStatManifest)
	t.Run("Unlink_Success", suite.testUnlinkSuccess)
	t.Run("Unlink_NotFound", suite.testUnlinkNotFound)
	t.Run("InvalidFileID", suite.testInvalidFileID)
}

func (suite *StoreTestSuite) testOpenNotFound(t *testing.T) {
	store := suite.newStore(t)

	_, err := store.Open(testContext(), blob.NewFileID(), blob.OpenOptions{})
	assert.ErrorIs(t, err, blob.ErrNotFound)
}

func (suite *StoreTestSuite) testStatNotFound(t *testing.T) {
	store := suite.newStore(t)

	_, err := store.Stat(testContext(), blob.NewFileID())
	assert.ErrorIs(t, err, blob.ErrNotFound)
}

func (suite *StoreTestSuite) testExistsNotFound(t *testing.T) {
	store := suite.newStore(t)

	exists, err := store.Exists(testContext(), blob.NewFileID())
	require.NoError(t, err)
	assert.False(t, exists)
}

func (suite *StoreTestSuite) testExistsAfterClose(t *testing.T) {
	store := suite.newStore(t)
	id := blob.NewFileID()

	mustWrite(t, store, id, []byte("hello"), 0)

	exists, err := store.Exists(testContext(), id)
	require.NoError(t, err)
	assert.True(t, exists)
}

func (suite *StoreTestSuite) testStatManifest(t *testing.T) {
	store := suite.newStore(t)
	id := blob.NewFileID()
	data := payload(suite.ChunkSize*2 + 3)

	w, err := store.Create(testContext(), id, blob.CreateOptions{
		Filename:    "report.bin",
		ContentType: "application/octet-stream",
		Metadata:    map[string]string{"team": "storage"},
	})
	require.NoError(t, err)
	_, err = w.Write(data)
	require.NoError(t, err)
	require.NoError(t, w.Close())

	m, err := store.Stat(testContext(), id)
	require.NoError(t, err)
	assert.Equal(t, id, m.ID)
	assert.Equal(t, int64(len(data)), m.Length)
	assert.Equal(t, suite.ChunkSize, m.ChunkSize)
	assert.Equal(t, 3, m.ChunkCount)
	assert.Equal(t, "report.bin", m.Filename)
	assert.Equal(t, "application/octet-stream", m.ContentType)
	assert.Equal(t, map[string]string{"team": "storage"}, m.Metadata)
	assert.False(t, m.UploadedAt.IsZero())
}

func (suite *StoreTestSuite) testUnlinkSuccess(t *testing.T) {
	store := suite.newStore(t)
	id := blob.NewFileID()

	mustWrite(t, store, id, payload(suite.ChunkSize*3), 0)
	require.NoError(t, store.Unlink(testContext(), id))

	exists, err := store.Exists(testContext(), id)
	require.NoError(t, err)
	assert.False(t, exists)

	_, err = store.Open(testContext(), id, blob.OpenOptions{})
	assert.ErrorIs(t, err, blob.ErrNotFound)
}

func (suite *StoreTestSuite) testUnlinkNotFound(t *testing.T) {
	store := suite.newStore(t)

	err := store.Unlink(testContext(), blob.NewFileID())
	assert.ErrorIs(t, err, blob.ErrNotFound)
}

func (suite *StoreTestSuite) testInvalidFileID(t *testing.T) {
	store := suite.newStore(t)

	_, err := store.Create(testContext(), "", blob.CreateOptions{})
	assert.ErrorIs(t, err, blob.ErrInvalidFileID)

	_, err = store.Stat(testContext(), "../escape")
	assert.ErrorIs(t, err, blob.ErrInvalidFileID)

	err = store.Unlink(testContext(), "")
	assert.ErrorIs(t, err, blob.ErrInvalidFileID)
}

// ============================================================================
// Write Tests
// ============================================================================

// RunWriteTests executes streamed write tests.
func (suite *StoreTestSuite) RunWriteTests(t *testing.T) {
	t.Run("Empty", suite.testWriteEmpty)
	t.Run("SingleChunk", suite.testWriteSingleChunk)
	t.Run("ExactChunkBoundary", suite.testWriteExactBoundary)
	t.Run("ManySmallWrites", suite.testWriteManySmall)
	t.Run("OneLargeWrite", suite.testWriteOneLarge)
	t.Run("Abort_NoManifest", suite.testAbort)
	t.Run("Create_Truncates", suite.testCreateTruncates)
	t.Run("Write_AfterClose", suite.testWriteAfterClose)
	t.Run("BytesWritten", suite.testBytesWritten)
	t.Run("CustomID", suite.testCustomID)
}

func (suite *StoreTestSuite) testWriteEmpty(t *testing.T) {
	store := suite.newStore(t)
	id := blob.NewFileID()

	mustWrite(t, store, id, nil, 0)

	m, err := store.Stat(testContext(), id)
	require.NoError(t, err)
	assert.Equal(t, int64(0), m.Length)
	assert.Equal(t, 0, m.ChunkCount)
	assert.Empty(t, mustRead(t, store, id, blob.OpenOptions{}))
}

func (suite *StoreTestSuite) testWriteSingleChunk(t *testing.T) {
	store := suite.newStore(t)
	id := blob.NewFileID()
	data := payload(suite.ChunkSize / 2)

	mustWrite(t, store, id, data, 0)
	assert.Equal(t, data, mustRead(t, store, id, blob.OpenOptions{}))
}

func (suite *StoreTestSuite) testWriteExactBoundary(t *testing.T) {
	store := suite.newStore(t)
	id := blob.NewFileID()
	data := payload(suite.ChunkSize * 2)

	mustWrite(t, store, id, data, 0)

	m, err := store.Stat(testContext(), id)
	require.NoError(t, err)
	assert.Equal(t, 2, m.ChunkCount)
	assert.Equal(t, data, mustRead(t, store, id, blob.OpenOptions{}))
}

func (suite *StoreTestSuite) testWriteManySmall(t *testing.T) {
	store := suite.newStore(t)
	id := blob.NewFileID()
	data := payload(suite.ChunkSize*4 + 5)

	mustWrite(t, store, id, data, 3)
	assert.Equal(t, data, mustRead(t, store, id, blob.OpenOptions{}))
}

func (suite *StoreTestSuite) testWriteOneLarge(t *testing.T) {
	store := suite.newStore(t)
	id := blob.NewFileID()
	data := payload(suite.ChunkSize*7 + 1)

	mustWrite(t, store, id, data, 0)
	assert.Equal(t, data, mustRead(t, store, id, blob.OpenOptions{}))
}

func (suite *StoreTestSuite) testAbort(t *testing.T) {
	store := suite.newStore(t)
	id := blob.NewFileID()

	w, err := store.Create(testContext(), id, blob.CreateOptions{})
	require.NoError(t, err)
	_, err = w.Write(payload(suite.ChunkSize*2 + 1))
	require.NoError(t, err)
	require.NoError(t, w.Abort())

	exists, err := store.Exists(testContext(), id)
	require.NoError(t, err)
	assert.False(t, exists, "aborted write must not publish a manifest")

	// Abort after abort and Write after abort
	assert.NoError(t, w.Abort())
	_, err = w.Write([]byte("x"))
	assert.ErrorIs(t, err, blob.ErrClosed)
}

func (suite *StoreTestSuite) testCreateTruncates(t *testing.T) {
	store := suite.newStore(t)
	id := blob.NewFileID()

	mustWrite(t, store, id, payload(suite.ChunkSize*5), 0)
	short := []byte("short")
	mustWrite(t, store, id, short, 0)

	assert.Equal(t, short, mustRead(t, store, id, blob.OpenOptions{}))

	m, err := store.Stat(testContext(), id)
	require.NoError(t, err)
	assert.Equal(t, int64(len(short)), m.Length)
	assert.Equal(t, 1, m.ChunkCount)
}

func (suite *StoreTestSuite) testWriteAfterClose(t *testing.T) {
	store := suite.newStore(t)

	w, err := store.Create(testContext(), blob.NewFileID(), blob.CreateOptions{})
	require.NoError(t, err)
	require.NoError(t, w.Close())

	_, err = w.Write([]byte("late"))
	assert.ErrorIs(t, err, blob.ErrClosed)
	assert.ErrorIs(t, w.Close(), blob.ErrClosed)
	assert.NoError(t, w.Abort())
}

func (suite *StoreTestSuite) testBytesWritten(t *testing.T) {
	store := suite.newStore(t)
	id := blob.NewFileID()

	w, err := store.Create(testContext(), id, blob.CreateOptions{})
	require.NoError(t, err)
	assert.Equal(t, id, w.FileID())
	assert.Equal(t, int64(0), w.BytesWritten())

	_, err = w.Write(payload(suite.ChunkSize + 1))
	require.NoError(t, err)
	assert.Equal(t, int64(suite.ChunkSize+1), w.BytesWritten())
	require.NoError(t, w.Close())
}

func (suite *StoreTestSuite) testCustomID(t *testing.T) {
	store := suite.newStore(t)
	id := blob.ParseFileID("reports-2024-q3")
	data := []byte("quarterly")

	mustWrite(t, store, id, data, 0)
	assert.Equal(t, data, mustRead(t, store, id, blob.OpenOptions{}))
}

// ============================================================================
// Range Tests
// ============================================================================

// RunRangeTests executes Offset/Length read tests.
func (suite *StoreTestSuite) RunRangeTests(t *testing.T) {
	t.Run("WithinChunk", suite.testRangeWithinChunk)
	t.Run("AcrossChunks", suite.testRangeAcrossChunks)
	t.Run("ToEnd", suite.testRangeToEnd)
	t.Run("PastEnd", suite.testRangePastEnd)
	t.Run("Invalid", suite.testRangeInvalid)
	t.Run("Read_AfterClose", suite.testReadAfterClose)
}

func (suite *StoreTestSuite) writeRangeFixture(t *testing.T, store blob.Store) (blob.FileID, []byte) {
	t.Helper()
	id := blob.NewFileID()
	data := payload(suite.ChunkSize*3 + suite.ChunkSize/2)
	mustWrite(t, store, id, data, 0)
	return id, data
}

func (suite *StoreTestSuite) testRangeWithinChunk(t *testing.T) {
	store := suite.newStore(t)
	id, data := suite.writeRangeFixture(t, store)

	got := mustRead(t, store, id, blob.OpenOptions{Offset: 1, Length: 2})
	assert.Equal(t, data[1:3], got)
}

func (suite *StoreTestSuite) testRangeAcrossChunks(t *testing.T) {
	store := suite.newStore(t)
	id, data := suite.writeRangeFixture(t, store)

	off := int64(suite.ChunkSize - 1)
	length := int64(suite.ChunkSize + 2)
	got := mustRead(t, store, id, blob.OpenOptions{Offset: off, Length: length})
	assert.Equal(t, data[off:off+length], got)
}

func (suite *StoreTestSuite) testRangeToEnd(t *testing.T) {
	store := suite.newStore(t)
	id, data := suite.writeRangeFixture(t, store)

	off := int64(suite.ChunkSize * 2)
	got := mustRead(t, store, id, blob.OpenOptions{Offset: off})
	assert.Equal(t, data[off:], got)
}

func (suite *StoreTestSuite) testRangePastEnd(t *testing.T) {
	store := suite.newStore(t)
	id, data := suite.writeRangeFixture(t, store)

	// Length beyond the end is clipped; offset == length yields no bytes.
	off := int64(len(data) - 2)
	got := mustRead(t, store, id, blob.OpenOptions{Offset: off, Length: 100})
	assert.Equal(t, data[off:], got)

	assert.Empty(t, mustRead(t, store, id, blob.OpenOptions{Offset: int64(len(data))}))
}

func (suite *StoreTestSuite) testRangeInvalid(t *testing.T) {
	store := suite.newStore(t)
	id, data := suite.writeRangeFixture(t, store)

	_, err := store.Open(testContext(), id, blob.OpenOptions{Offset: -1})
	assert.ErrorIs(t, err, blob.ErrInvalidRange)

	_, err = store.Open(testContext(), id, blob.OpenOptions{Offset: int64(len(data)) + 1})
	assert.ErrorIs(t, err, blob.ErrInvalidRange)

	_, err = store.Open(testContext(), id, blob.OpenOptions{Length: -5})
	assert.ErrorIs(t, err, blob.ErrInvalidRange)
}

func (suite *StoreTestSuite) testReadAfterClose(t *testing.T) {
	store := suite.newStore(t)
	id, _ := suite.writeRangeFixture(t, store)

	r, err := store.Open(testContext(), id, blob.OpenOptions{})
	require.NoError(t, err)
	require.NoError(t, r.Close())

	var buf bytes.Buffer
	_, err = io.Copy(&buf, r)
	assert.ErrorIs(t, err, blob.ErrClosed)
}
