// Package testing provides a reusable conformance suite for
// lockservice.RecordStore implementations.
package testing

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/marmos91/dittolock/pkg/lockservice"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// RecordStoreTestSuite tests the RecordStore contract.
//
// Usage:
//
//	func TestMyRecordStore(t *testing.T) {
//	    suite := &locktesting.RecordStoreTestSuite{
//	        NewStore: func(t *testing.T) lockservice.RecordStore {
//	            return newStore(t)
//	        },
//	    }
//	    suite.Run(t)
//	}
type RecordStoreTestSuite struct {
	// NewStore creates a fresh, empty store for each test.
	NewStore func(t *testing.T) lockservice.RecordStore
}

// Run executes all tests in the suite.
func (suite *RecordStoreTestSuite) Run(t *testing.T) {
	t.Run("Ping", suite.testPing)
	t.Run("Get_NotFound", suite.testGetNotFound)
	t.Run("Update_Creates", suite.testUpdateCreates)
	t.Run("Update_SeesPrevious", suite.testUpdateSeesPrevious)
	t.Run("Update_ErrorAborts", suite.testUpdateErrorAborts)
	t.Run("Update_NilDeletes", suite.testUpdateNilDeletes)
	t.Run("Update_KeysIndependent", suite.testKeysIndependent)
	t.Run("Update_Concurrent", suite.testUpdateConcurrent)
	t.Run("Update_ContextCancelled", suite.testUpdateContextCancelled)
	t.Run("RoundTrip_Fields", suite.testRoundTripFields)
}

func (suite *RecordStoreTestSuite) newStore(t *testing.T) lockservice.RecordStore {
	t.Helper()
	store := suite.NewStore(t)
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func addHolder(owner string) lockservice.UpdateFunc {
	return func(doc *lockservice.Document) (*lockservice.Document, error) {
		now := time.Now()
		doc.Holders = append(doc.Holders, lockservice.Holder{
			Owner:      owner,
			Mode:       lockservice.ModeRead,
			AcquiredAt: now,
			ExpiresAt:  now.Add(time.Minute),
		})
		doc.UpdatedAt = now
		return doc, nil
	}
}

func (suite *RecordStoreTestSuite) testPing(t *testing.T) {
	store := suite.newStore(t)
	assert.NoError(t, store.Ping(context.Background()))
}

func (suite *RecordStoreTestSuite) testGetNotFound(t *testing.T) {
	store := suite.newStore(t)

	_, err := store.Get(context.Background(), "root/missing")
	assert.ErrorIs(t, err, lockservice.ErrNotFound)
}

func (suite *RecordStoreTestSuite) testUpdateCreates(t *testing.T) {
	store := suite.newStore(t)
	ctx := context.Background()

	var seen *lockservice.Document
	doc, err := store.Update(ctx, "root/a", func(doc *lockservice.Document) (*lockservice.Document, error) {
		seen = doc.Clone()
		doc.FileID = "a"
		return addHolder("owner-1")(doc)
	})
	require.NoError(t, err)
	require.NotNil(t, doc)
	assert.True(t, seen.IsIdle(), "missing record must be presented as an empty document")

	got, err := store.Get(ctx, "root/a")
	require.NoError(t, err)
	assert.Equal(t, "a", string(got.FileID))
	require.Len(t, got.Holders, 1)
	assert.Equal(t, "owner-1", got.Holders[0].Owner)
}

func (suite *RecordStoreTestSuite) testUpdateSeesPrevious(t *testing.T) {
	store := suite.newStore(t)
	ctx := context.Background()

	_, err := store.Update(ctx, "root/a", addHolder("owner-1"))
	require.NoError(t, err)
	doc, err := store.Update(ctx, "root/a", addHolder("owner-2"))
	require.NoError(t, err)

	require.Len(t, doc.Holders, 2)
	assert.Equal(t, "owner-1", doc.Holders[0].Owner)
	assert.Equal(t, "owner-2", doc.Holders[1].Owner)
}

func (suite *RecordStoreTestSuite) testUpdateErrorAborts(t *testing.T) {
	store := suite.newStore(t)
	ctx := context.Background()
	errBoom := errors.New("boom")

	_, err := store.Update(ctx, "root/a", addHolder("owner-1"))
	require.NoError(t, err)

	_, err = store.Update(ctx, "root/a", func(doc *lockservice.Document) (*lockservice.Document, error) {
		doc.Holders = nil
		return nil, errBoom
	})
	assert.ErrorIs(t, err, errBoom)

	got, err := store.Get(ctx, "root/a")
	require.NoError(t, err)
	assert.Len(t, got.Holders, 1, "aborted update must not be persisted")

	// An aborted update on a missing key must not create it either.
	_, err = store.Update(ctx, "root/b", func(*lockservice.Document) (*lockservice.Document, error) {
		return nil, errBoom
	})
	assert.ErrorIs(t, err, errBoom)
	_, err = store.Get(ctx, "root/b")
	assert.ErrorIs(t, err, lockservice.ErrNotFound)
}

func (suite *RecordStoreTestSuite) testUpdateNilDeletes(t *testing.T) {
	store := suite.newStore(t)
	ctx := context.Background()

	_, err := store.Update(ctx, "root/a", addHolder("owner-1"))
	require.NoError(t, err)

	doc, err := store.Update(ctx, "root/a", func(*lockservice.Document) (*lockservice.Document, error) {
		return nil, nil
	})
	require.NoError(t, err)
	assert.Nil(t, doc)

	_, err = store.Get(ctx, "root/a")
	assert.ErrorIs(t, err, lockservice.ErrNotFound)

	// Deleting a missing record is not an error.
	_, err = store.Update(ctx, "root/a", func(*lockservice.Document) (*lockservice.Document, error) {
		return nil, nil
	})
	assert.NoError(t, err)
}

func (suite *RecordStoreTestSuite) testKeysIndependent(t *testing.T) {
	store := suite.newStore(t)
	ctx := context.Background()

	_, err := store.Update(ctx, "root-1/a", addHolder("owner-1"))
	require.NoError(t, err)

	_, err = store.Get(ctx, "root-2/a")
	assert.ErrorIs(t, err, lockservice.ErrNotFound)
}

func (suite *RecordStoreTestSuite) testUpdateConcurrent(t *testing.T) {
	store := suite.newStore(t)
	ctx := context.Background()

	const workers = 8
	var wg sync.WaitGroup
	errs := make(chan error, workers)

	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			if _, err := store.Update(ctx, "root/shared", addHolder(fmt.Sprintf("owner-%d", i))); err != nil {
				errs <- err
			}
		}(i)
	}
	wg.Wait()
	close(errs)

	for err := range errs {
		require.NoError(t, err)
	}

	got, err := store.Get(ctx, "root/shared")
	require.NoError(t, err)
	assert.Len(t, got.Holders, workers, "every concurrent update must be applied exactly once")
}

func (suite *RecordStoreTestSuite) testUpdateContextCancelled(t *testing.T) {
	store := suite.newStore(t)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := store.Update(ctx, "root/a", addHolder("owner-1"))
	assert.ErrorIs(t, err, context.Canceled)
}

func (suite *RecordStoreTestSuite) testRoundTripFields(t *testing.T) {
	store := suite.newStore(t)
	ctx := context.Background()

	acquired := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	want := &lockservice.Document{
		FileID: "f",
		Holders: []lockservice.Holder{{
			Owner:      "host:1/abc",
			Mode:       lockservice.ModeWrite,
			AcquiredAt: acquired,
			ExpiresAt:  acquired.Add(30 * time.Second),
			Renewals:   3,
		}},
		WriteRequest: &lockservice.Request{Owner: "host:2/def", ExpiresAt: acquired.Add(10 * time.Second)},
		UpdatedAt:    acquired,
	}

	_, err := store.Update(ctx, "root/f", func(*lockservice.Document) (*lockservice.Document, error) {
		return want.Clone(), nil
	})
	require.NoError(t, err)

	got, err := store.Get(ctx, "root/f")
	require.NoError(t, err)
	assert.Equal(t, want.FileID, got.FileID)
	require.Len(t, got.Holders, 1)
	assert.Equal(t, want.Holders[0].Owner, got.Holders[0].Owner)
	assert.Equal(t, want.Holders[0].Mode, got.Holders[0].Mode)
	assert.True(t, want.Holders[0].ExpiresAt.Equal(got.Holders[0].ExpiresAt))
	assert.Equal(t, 3, got.Holders[0].Renewals)
	require.NotNil(t, got.WriteRequest)
	assert.Equal(t, "host:2/def", got.WriteRequest.Owner)
}
