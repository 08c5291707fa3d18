package redis

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/marmos91/dittolock/pkg/lockservice"
	locktesting "github.com/marmos91/dittolock/pkg/lockservice/testing"
	goredis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newMiniredis(t *testing.T) *miniredis.Miniredis {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis.Run: %v", err)
	}
	t.Cleanup(mr.Close)
	return mr
}

// TestRedisRecordStore runs the record store conformance suite against
// miniredis.
func TestRedisRecordStore(t *testing.T) {
	suite := &locktesting.RecordStoreTestSuite{
		NewStore: func(t *testing.T) lockservice.RecordStore {
			mr := newMiniredis(t)
			store, err := NewRedisRecordStore(context.Background(), RedisRecordStoreConfig{Addr: mr.Addr()})
			if err != nil {
				t.Fatalf("Failed to create Redis record store: %v", err)
			}
			return store
		},
	}
	suite.Run(t)
}

func TestRedisRecordStoreKeyLayout(t *testing.T) {
	ctx := context.Background()
	mr := newMiniredis(t)

	client := goredis.NewClient(&goredis.Options{Addr: mr.Addr()})
	defer client.Close()

	store := NewRedisRecordStoreWithClient(client, "test:", time.Hour)

	_, err := store.Update(ctx, "root/f", func(doc *lockservice.Document) (*lockservice.Document, error) {
		now := time.Now()
		doc.FileID = "f"
		doc.Holders = []lockservice.Holder{{Owner: "o", Mode: lockservice.ModeWrite, AcquiredAt: now, ExpiresAt: now.Add(time.Minute)}}
		return doc, nil
	})
	require.NoError(t, err)

	assert.True(t, mr.Exists("test:root/f"))
	assert.Equal(t, time.Duration(0), mr.TTL("test:root/f"), "documents with holders never expire")

	// Releasing the last holder keeps the document but bounds its lifetime.
	_, err = store.Update(ctx, "root/f", func(doc *lockservice.Document) (*lockservice.Document, error) {
		doc.Holders = nil
		return doc, nil
	})
	require.NoError(t, err)
	assert.Equal(t, time.Hour, mr.TTL("test:root/f"))

	// Closing a store built on a caller-owned client leaves the client open.
	require.NoError(t, store.Close())
	assert.NoError(t, client.Ping(ctx).Err())
}

func TestRedisRecordStorePingFailure(t *testing.T) {
	mr := newMiniredis(t)
	store, err := NewRedisRecordStore(context.Background(), RedisRecordStoreConfig{Addr: mr.Addr()})
	require.NoError(t, err)
	defer func() { _ = store.Close() }()

	mr.Close()
	assert.Error(t, store.Ping(context.Background()))
}

func TestNewRedisRecordStoreRequiresAddr(t *testing.T) {
	_, err := NewRedisRecordStore(context.Background(), RedisRecordStoreConfig{})
	assert.Error(t, err)
}
