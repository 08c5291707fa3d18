// Package memory implements an in-process lock record store.
//
// Documents are shared only between coordinators that use the same
// MemoryRecordStore value, which makes it suitable for tests and for
// coordinating goroutines of a single process.
package memory

import (
	"context"
	"fmt"
	"sync"

	"github.com/marmos91/dittolock/pkg/lockservice"
)

// MemoryRecordStore implements lockservice.RecordStore with a mutex-guarded
// map. Documents are deep-copied on the way in and out.
type MemoryRecordStore struct {
	mu     sync.Mutex
	docs   map[string]*lockservice.Document
	closed bool
}

// NewMemoryRecordStore creates an empty store.
func NewMemoryRecordStore() *MemoryRecordStore {
	return &MemoryRecordStore{
		docs: make(map[string]*lockservice.Document),
	}
}

func (s *MemoryRecordStore) Ping(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return lockservice.ErrClosed
	}
	return nil
}

func (s *MemoryRecordStore) Get(ctx context.Context, key string) (*lockservice.Document, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil, lockservice.ErrClosed
	}
	doc, ok := s.docs[key]
	if !ok {
		return nil, fmt.Errorf("key %s: %w", key, lockservice.ErrNotFound)
	}
	return doc.Clone(), nil
}

// Update holds the store mutex for the whole read-modify-write, so fn runs
// exactly once per call.
func (s *MemoryRecordStore) Update(ctx context.Context, key string, fn lockservice.UpdateFunc) (*lockservice.Document, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil, lockservice.ErrClosed
	}

	current := &lockservice.Document{}
	if doc, ok := s.docs[key]; ok {
		current = doc.Clone()
	}

	next, err := fn(current)
	if err != nil {
		return nil, err
	}
	if next == nil {
		delete(s.docs, key)
		return nil, nil
	}

	s.docs[key] = next.Clone()
	return next.Clone(), nil
}

// Len returns the number of stored documents.
func (s *MemoryRecordStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.docs)
}

func (s *MemoryRecordStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}
