// Package redis implements a lock record store on Redis.
//
// Documents are JSON strings under "<prefix><key>". Update uses optimistic
// locking: WATCH the key, read and mutate the document, then write it in a
// MULTI/EXEC transaction. A transaction aborted by a concurrent write is
// retried with a fresh read.
//
// Any number of processes sharing the Redis server coordinate through it.
package redis

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/marmos91/dittolock/pkg/lockservice"
	goredis "github.com/redis/go-redis/v9"
)

const (
	// DefaultKeyPrefix namespaces lock records inside a shared database.
	DefaultKeyPrefix = "dittolock:lock:"

	// DefaultIdleRetention is how long a document without holders or
	// requests is kept before Redis evicts it.
	DefaultIdleRetention = 24 * time.Hour

	maxTxRetries = 64
)

// RedisRecordStoreConfig contains configuration for the Redis record store.
type RedisRecordStoreConfig struct {
	// Addr is the Redis server address (host:port).
	Addr string `mapstructure:"addr"`

	// Password for AUTH, optional.
	Password string `mapstructure:"password"`

	// DB selects the logical database.
	DB int `mapstructure:"db"`

	// KeyPrefix is prepended to every record key.
	KeyPrefix string `mapstructure:"key_prefix"`

	// IdleRetention bounds how long idle documents survive. Zero selects
	// DefaultIdleRetention.
	IdleRetention time.Duration `mapstructure:"idle_retention"`
}

// RedisRecordStore implements lockservice.RecordStore on Redis.
type RedisRecordStore struct {
	client        goredis.UniversalClient
	keyPrefix     string
	idleRetention time.Duration
	ownsClient    bool
}

// NewRedisRecordStore creates a store from configuration and owns the
// resulting client (Close closes it).
func NewRedisRecordStore(ctx context.Context, cfg RedisRecordStoreConfig) (*RedisRecordStore, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if cfg.Addr == "" {
		return nil, fmt.Errorf("redis addr is required")
	}

	client := goredis.NewClient(&goredis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	s := NewRedisRecordStoreWithClient(client, cfg.KeyPrefix, cfg.IdleRetention)
	s.ownsClient = true
	return s, nil
}

// NewRedisRecordStoreWithClient wraps an existing client. The caller keeps
// ownership of the client.
func NewRedisRecordStoreWithClient(client goredis.UniversalClient, keyPrefix string, idleRetention time.Duration) *RedisRecordStore {
	if keyPrefix == "" {
		keyPrefix = DefaultKeyPrefix
	}
	if idleRetention <= 0 {
		idleRetention = DefaultIdleRetention
	}
	return &RedisRecordStore{
		client:        client,
		keyPrefix:     keyPrefix,
		idleRetention: idleRetention,
	}
}

func (s *RedisRecordStore) recordKey(key string) string {
	return s.keyPrefix + key
}

func (s *RedisRecordStore) Ping(ctx context.Context) error {
	if err := s.client.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("redis ping failed: %w", err)
	}
	return nil
}

func (s *RedisRecordStore) Get(ctx context.Context, key string) (*lockservice.Document, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	data, err := s.client.Get(ctx, s.recordKey(key)).Bytes()
	if errors.Is(err, goredis.Nil) {
		return nil, fmt.Errorf("key %s: %w", key, lockservice.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get lock record: %w", err)
	}
	return lockservice.DecodeDocument(data)
}

func (s *RedisRecordStore) Update(ctx context.Context, key string, fn lockservice.UpdateFunc) (*lockservice.Document, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	rkey := s.recordKey(key)

	for attempt := 0; attempt < maxTxRetries; attempt++ {
		var result *lockservice.Document

		err := s.client.Watch(ctx, func(tx *goredis.Tx) error {
			current := &lockservice.Document{}
			data, err := tx.Get(ctx, rkey).Bytes()
			switch {
			case errors.Is(err, goredis.Nil):
			case err != nil:
				return fmt.Errorf("failed to get lock record: %w", err)
			default:
				if current, err = lockservice.DecodeDocument(data); err != nil {
					return err
				}
			}

			next, err := fn(current)
			if err != nil {
				return err
			}

			var encoded []byte
			if next != nil {
				if encoded, err = lockservice.EncodeDocument(next); err != nil {
					return err
				}
			}

			_, err = tx.TxPipelined(ctx, func(pipe goredis.Pipeliner) error {
				switch {
				case next == nil:
					pipe.Del(ctx, rkey)
				case next.IsIdle():
					pipe.Set(ctx, rkey, encoded, s.idleRetention)
				default:
					pipe.Set(ctx, rkey, encoded, 0)
				}
				return nil
			})
			if err != nil {
				return err
			}
			result = next
			return nil
		}, rkey)

		if errors.Is(err, goredis.TxFailedErr) {
			continue
		}
		if err != nil {
			return nil, err
		}
		return result, nil
	}

	return nil, fmt.Errorf("key %s after %d attempts: %w", key, maxTxRetries, lockservice.ErrConflict)
}

func (s *RedisRecordStore) Close() error {
	if !s.ownsClient {
		return nil
	}
	return s.client.Close()
}
