// Package badger implements a lock record store on BadgerDB.
//
// Documents are JSON-encoded under "lock:<key>". Every Update runs in a
// read-write transaction; commits that lose an optimistic conflict are
// retried with a fresh read.
//
// A BadgerDB directory can only be opened by one process at a time, so this
// backend coordinates the goroutines and coordinators of a single process
// with durable lock state that survives restarts.
package badger

import (
	"context"
	"errors"
	"fmt"
	"time"

	badgerdb "github.com/dgraph-io/badger/v4"
	"github.com/dgraph-io/badger/v4/options"
	"github.com/marmos91/dittolock/pkg/lockservice"
)

const (
	keyPrefix = "lock:"

	// maxConflictRetries bounds optimistic transaction retries per Update.
	maxConflictRetries = 64
)

// BadgerRecordStoreConfig contains configuration for the BadgerDB record store.
type BadgerRecordStoreConfig struct {
	// DBPath is the directory where BadgerDB stores its files.
	DBPath string `mapstructure:"db_path"`

	// InMemory runs BadgerDB without touching disk (DBPath is ignored).
	InMemory bool `mapstructure:"in_memory"`

	// BadgerOptions overrides every other setting when non-nil.
	BadgerOptions *badgerdb.Options `mapstructure:"-"`
}

// BadgerRecordStore implements lockservice.RecordStore on BadgerDB.
type BadgerRecordStore struct {
	db *badgerdb.DB
}

// NewBadgerRecordStore opens (or creates) the database.
//
// Parameters:
//   - ctx: Context for cancellation
//   - config: Database location and options
//
// Returns:
//   - *BadgerRecordStore: Ready store
//   - error: Error if the database cannot be opened or context is cancelled
func NewBadgerRecordStore(ctx context.Context, config BadgerRecordStoreConfig) (*BadgerRecordStore, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	var opts badgerdb.Options
	switch {
	case config.BadgerOptions != nil:
		opts = *config.BadgerOptions
	case config.InMemory:
		opts = badgerdb.DefaultOptions("").WithInMemory(true)
	default:
		if config.DBPath == "" {
			return nil, fmt.Errorf("db_path is required")
		}
		opts = badgerdb.DefaultOptions(config.DBPath)
	}

	// Lock documents are tiny and rewritten constantly
	opts = opts.WithLoggingLevel(badgerdb.WARNING)
	opts = opts.WithCompression(options.None)

	db, err := badgerdb.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("failed to open BadgerDB at %s: %w", config.DBPath, err)
	}

	return &BadgerRecordStore{db: db}, nil
}

func recordKey(key string) []byte {
	return []byte(keyPrefix + key)
}

func (s *BadgerRecordStore) Ping(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if s.db.IsClosed() {
		return lockservice.ErrClosed
	}
	return nil
}

func (s *BadgerRecordStore) Get(ctx context.Context, key string) (*lockservice.Document, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if s.db.IsClosed() {
		return nil, lockservice.ErrClosed
	}

	var doc *lockservice.Document
	err := s.db.View(func(txn *badgerdb.Txn) error {
		var err error
		doc, err = readDocument(txn, key)
		return err
	})
	if err != nil {
		return nil, err
	}
	if doc == nil {
		return nil, fmt.Errorf("key %s: %w", key, lockservice.ErrNotFound)
	}
	return doc, nil
}

// readDocument loads the document under key, or nil when absent.
func readDocument(txn *badgerdb.Txn, key string) (*lockservice.Document, error) {
	item, err := txn.Get(recordKey(key))
	if errors.Is(err, badgerdb.ErrKeyNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get lock record: %w", err)
	}

	var doc *lockservice.Document
	err = item.Value(func(val []byte) error {
		var derr error
		doc, derr = lockservice.DecodeDocument(val)
		return derr
	})
	return doc, err
}

func (s *BadgerRecordStore) Update(ctx context.Context, key string, fn lockservice.UpdateFunc) (*lockservice.Document, error) {
	if s.db.IsClosed() {
		return nil, lockservice.ErrClosed
	}

	for attempt := 0; attempt < maxConflictRetries; attempt++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		var result *lockservice.Document
		err := s.db.Update(func(txn *badgerdb.Txn) error {
			current, err := readDocument(txn, key)
			if err != nil {
				return err
			}
			if current == nil {
				current = &lockservice.Document{}
			}

			next, err := fn(current)
			if err != nil {
				return err
			}
			if next == nil {
				result = nil
				return txn.Delete(recordKey(key))
			}

			data, err := lockservice.EncodeDocument(next)
			if err != nil {
				return err
			}
			result = next
			return txn.Set(recordKey(key), data)
		})

		if errors.Is(err, badgerdb.ErrConflict) {
			// Back off a little to let the winning transaction settle
			time.Sleep(time.Duration(attempt+1) * time.Millisecond)
			continue
		}
		if err != nil {
			return nil, err
		}
		return result, nil
	}

	return nil, fmt.Errorf("key %s after %d attempts: %w", key, maxConflictRetries, lockservice.ErrConflict)
}

func (s *BadgerRecordStore) Close() error {
	if s.db.IsClosed() {
		return nil
	}
	return s.db.Close()
}
