package lockservice

import "context"

// UpdateFunc mutates the document of one file inside an atomic
// read-modify-write.
//
// doc is a private copy, or a fresh empty Document when no record
// exists yet. The function returns the document to persist, or nil to delete
// the record. Returning an error aborts the update without writing and the
// error is returned from Update unchanged.
//
// Record stores may call the function more than once when an optimistic
// transaction has to be retried, so it must not have side effects beyond
// the document and variables it fully overwrites on each call.
type UpdateFunc func(doc *Document) (*Document, error)

// RecordStore persists lock documents.
//
// Keys are opaque strings built by the Coordinator from its namespace root and
// the FileID. The store knows nothing about lock semantics; it only has to
// guarantee that Update is atomic with respect to other Updates on the same
// key, across every process sharing the store.
//
// Thread Safety:
// Implementations must be safe for concurrent use by multiple goroutines.
type RecordStore interface {
	// Ping checks that the store is reachable.
	Ping(ctx context.Context) error

	// Get returns the document stored under key, or ErrNotFound.
	Get(ctx context.Context, key string) (*Document, error)

	// Update runs fn atomically against the document stored under key and
	// returns what was persisted (nil if the record was deleted).
	Update(ctx context.Context, key string, fn UpdateFunc) (*Document, error)

	// Close releases store resources.
	Close() error
}
