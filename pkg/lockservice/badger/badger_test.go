package badger

import (
	"context"
	"testing"

	"github.com/marmos91/dittolock/pkg/lockservice"
	locktesting "github.com/marmos91/dittolock/pkg/lockservice/testing"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestBadgerRecordStore runs the record store conformance suite against a
// BadgerDB instance in a temporary directory.
func TestBadgerRecordStore(t *testing.T) {
	suite := &locktesting.RecordStoreTestSuite{
		NewStore: func(t *testing.T) lockservice.RecordStore {
			store, err := NewBadgerRecordStore(context.Background(), BadgerRecordStoreConfig{
				DBPath: t.TempDir(),
			})
			if err != nil {
				t.Fatalf("Failed to create BadgerDB record store: %v", err)
			}
			return store
		},
	}
	suite.Run(t)
}

func TestBadgerRecordStoreInMemory(t *testing.T) {
	store, err := NewBadgerRecordStore(context.Background(), BadgerRecordStoreConfig{InMemory: true})
	require.NoError(t, err)
	defer func() { _ = store.Close() }()

	assert.NoError(t, store.Ping(context.Background()))
}

func TestBadgerRecordStorePersists(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()

	store, err := NewBadgerRecordStore(ctx, BadgerRecordStoreConfig{DBPath: dir})
	require.NoError(t, err)

	_, err = store.Update(ctx, "root/f", func(doc *lockservice.Document) (*lockservice.Document, error) {
		doc.FileID = "f"
		return doc, nil
	})
	require.NoError(t, err)
	require.NoError(t, store.Close())

	assert.ErrorIs(t, store.Ping(ctx), lockservice.ErrClosed)

	reopened, err := NewBadgerRecordStore(ctx, BadgerRecordStoreConfig{DBPath: dir})
	require.NoError(t, err)
	defer func() { _ = reopened.Close() }()

	doc, err := reopened.Get(ctx, "root/f")
	require.NoError(t, err)
	assert.Equal(t, "f", string(doc.FileID))
}

func TestNewBadgerRecordStoreRequiresPath(t *testing.T) {
	_, err := NewBadgerRecordStore(context.Background(), BadgerRecordStoreConfig{})
	assert.Error(t, err)
}
