package blob

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"
)

// ChunkBackend is the storage primitive a ChunkedStore is built on.
//
// Backends only move opaque byte slices around; chunking, manifests, ranges
// and writer state live in ChunkedStore so every backend behaves the same.
type ChunkBackend interface {
	// PutChunk stores chunk n of id, replacing any previous value.
	PutChunk(ctx context.Context, id FileID, n int, data []byte) error

	// GetChunk returns chunk n of id or ErrNotFound.
	GetChunk(ctx context.Context, id FileID, n int) ([]byte, error)

	// PutManifest stores the manifest, making the file visible.
	PutManifest(ctx context.Context, m *Manifest) error

	// GetManifest returns the manifest of id or ErrNotFound.
	GetManifest(ctx context.Context, id FileID) (*Manifest, error)

	// DeleteFile removes the manifest and all chunks of id. It returns
	// ErrNotFound only when nothing at all was stored for id.
	DeleteFile(ctx context.Context, id FileID) error

	// Close releases backend resources.
	Close() error
}

// ChunkedStore implements Store on top of a ChunkBackend.
//
// Thread Safety:
// ChunkedStore itself holds no mutable state besides its configuration; each
// Writer guards its own buffer. Concurrency safety of the stored data is
// delegated to the backend.
type ChunkedStore struct {
	backend   ChunkBackend
	chunkSize int
	metrics   Metrics
}

// ChunkedStoreOption customizes a ChunkedStore.
type ChunkedStoreOption func(*ChunkedStore)

// WithMetrics attaches a metrics collector. A nil collector is ignored.
func WithMetrics(m Metrics) ChunkedStoreOption {
	return func(s *ChunkedStore) {
		if m != nil {
			s.metrics = m
		}
	}
}

// NewChunkedStore creates a Store over backend.
//
// Parameters:
//   - backend: Storage primitive for chunks and manifests
//   - chunkSize: Bytes per chunk; 0 selects DefaultChunkSize
//
// Returns:
//   - *ChunkedStore: Ready to use store
//   - error: ErrInvalidChunkSize for negative sizes
func NewChunkedStore(backend ChunkBackend, chunkSize int, opts ...ChunkedStoreOption) (*ChunkedStore, error) {
	if chunkSize == 0 {
		chunkSize = DefaultChunkSize
	}
	if chunkSize < 0 {
		return nil, fmt.Errorf("chunk size %d: %w", chunkSize, ErrInvalidChunkSize)
	}

	s := &ChunkedStore{
		backend:   backend,
		chunkSize: chunkSize,
		metrics:   noopMetrics{},
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// ChunkSize returns the configured chunk size.
func (s *ChunkedStore) ChunkSize() int {
	return s.chunkSize
}

// Backend returns the underlying backend.
func (s *ChunkedStore) Backend() ChunkBackend {
	return s.backend
}

// ============================================================================
// Store Interface Implementation
// ============================================================================

// Create opens a streamed writer for id, truncating any previous content.
func (s *ChunkedStore) Create(ctx context.Context, id FileID, opts CreateOptions) (Writer, error) {
	start := time.Now()

	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := id.Validate(); err != nil {
		return nil, fmt.Errorf("file %q: %w", id, err)
	}

	// Truncate previous content so stale chunks never outlive a rewrite.
	err := s.backend.DeleteFile(ctx, id)
	if err != nil && !errors.Is(err, ErrNotFound) {
		s.metrics.ObserveOperation("create", time.Since(start), err)
		return nil, fmt.Errorf("failed to truncate file %s: %w", id, err)
	}
	s.metrics.ObserveOperation("create", time.Since(start), nil)

	var meta map[string]string
	if len(opts.Metadata) > 0 {
		meta = make(map[string]string, len(opts.Metadata))
		for k, v := range opts.Metadata {
			meta[k] = v
		}
	}

	return &chunkWriter{
		store:  s,
		ctx:    ctx,
		id:     id,
		opts:   opts,
		meta:   meta,
		buffer: bytes.NewBuffer(make([]byte, 0, s.chunkSize)),
	}, nil
}

// Open returns a streamed reader over the requested range.
func (s *ChunkedStore) Open(ctx context.Context, id FileID, opts OpenOptions) (io.ReadCloser, error) {
	start := time.Now()

	manifest, err := s.Stat(ctx, id)
	s.metrics.ObserveOperation("open", time.Since(start), err)
	if err != nil {
		return nil, err
	}

	if opts.Offset < 0 || opts.Length < 0 || opts.Offset > manifest.Length {
		return nil, fmt.Errorf("file %s range [%d,+%d) of %d bytes: %w",
			id, opts.Offset, opts.Length, manifest.Length, ErrInvalidRange)
	}

	end := manifest.Length
	if opts.Length > 0 && opts.Offset+opts.Length < end {
		end = opts.Offset + opts.Length
	}

	return &chunkReader{
		store:    s,
		ctx:      ctx,
		manifest: manifest,
		pos:      opts.Offset,
		end:      end,
	}, nil
}

// Stat returns the manifest of id.
func (s *ChunkedStore) Stat(ctx context.Context, id FileID) (*Manifest, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := id.Validate(); err != nil {
		return nil, fmt.Errorf("file %q: %w", id, err)
	}
	return s.backend.GetManifest(ctx, id)
}

// Exists reports whether a finalized file exists for id.
func (s *ChunkedStore) Exists(ctx context.Context, id FileID) (bool, error) {
	_, err := s.Stat(ctx, id)
	if errors.Is(err, ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// Unlink deletes the manifest and every chunk of id.
func (s *ChunkedStore) Unlink(ctx context.Context, id FileID) error {
	start := time.Now()

	if err := ctx.Err(); err != nil {
		return err
	}
	if err := id.Validate(); err != nil {
		return fmt.Errorf("file %q: %w", id, err)
	}

	err := s.backend.DeleteFile(ctx, id)
	s.metrics.ObserveOperation("unlink", time.Since(start), err)
	return err
}

// Close closes the backend.
func (s *ChunkedStore) Close() error {
	return s.backend.Close()
}

// ============================================================================
// Writer
// ============================================================================

// chunkWriter buffers up to one chunk and flushes it to the backend as soon
// as it fills.
type chunkWriter struct {
	store  *ChunkedStore
	ctx    context.Context
	id     FileID
	opts   CreateOptions
	meta   map[string]string
	buffer *bytes.Buffer

	mu        sync.Mutex
	nextChunk int
	written   int64
	closed    bool
	err       error
}

func (w *chunkWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return 0, ErrClosed
	}
	if w.err != nil {
		return 0, w.err
	}

	n := 0
	for len(p) > 0 {
		room := w.store.chunkSize - w.buffer.Len()
		take := len(p)
		if take > room {
			take = room
		}
		w.buffer.Write(p[:take])
		p = p[take:]
		n += take
		w.written += int64(take)

		if w.buffer.Len() == w.store.chunkSize {
			if err := w.flushLocked(); err != nil {
				w.err = err
				return n, err
			}
		}
	}
	return n, nil
}

// flushLocked writes the buffered bytes as the next chunk. Caller holds mu.
func (w *chunkWriter) flushLocked() error {
	if w.buffer.Len() == 0 {
		return nil
	}

	start := time.Now()
	data := append([]byte(nil), w.buffer.Bytes()...)
	err := w.store.backend.PutChunk(w.ctx, w.id, w.nextChunk, data)
	w.store.metrics.ObserveOperation("put_chunk", time.Since(start), err)
	if err != nil {
		return fmt.Errorf("failed to write chunk %d of %s: %w", w.nextChunk, w.id, err)
	}

	w.store.metrics.RecordBytes("write", int64(len(data)))
	w.nextChunk++
	w.buffer.Reset()
	return nil
}

func (w *chunkWriter) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return ErrClosed
	}
	w.closed = true

	if w.err != nil {
		return w.err
	}

	start := time.Now()
	if err := w.flushLocked(); err != nil {
		w.err = err
		return err
	}

	manifest := &Manifest{
		ID:          w.id,
		Length:      w.written,
		ChunkSize:   w.store.chunkSize,
		ChunkCount:  w.nextChunk,
		UploadedAt:  time.Now().UTC(),
		Filename:    w.opts.Filename,
		ContentType: w.opts.ContentType,
		Metadata:    w.meta,
	}

	err := w.store.backend.PutManifest(w.ctx, manifest)
	w.store.metrics.ObserveOperation("close", time.Since(start), err)
	if err != nil {
		w.err = fmt.Errorf("failed to write manifest of %s: %w", w.id, err)
		return w.err
	}
	return nil
}

func (w *chunkWriter) Abort() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return nil
	}
	w.closed = true
	w.buffer.Reset()
	return nil
}

func (w *chunkWriter) BytesWritten() int64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.written
}

func (w *chunkWriter) FileID() FileID {
	return w.id
}

// ============================================================================
// Reader
// ============================================================================

// chunkReader fetches one chunk at a time and serves [pos, end).
type chunkReader struct {
	store    *ChunkedStore
	ctx      context.Context
	manifest *Manifest

	mu         sync.Mutex
	pos        int64
	end        int64
	chunk      []byte
	chunkIndex int
	loaded     bool
	closed     bool
}

func (r *chunkReader) Read(p []byte) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return 0, ErrClosed
	}
	if r.pos >= r.end {
		return 0, io.EOF
	}
	if len(p) == 0 {
		return 0, nil
	}

	chunkSize := int64(r.manifest.ChunkSize)
	index := int(r.pos / chunkSize)

	if !r.loaded || index != r.chunkIndex {
		start := time.Now()
		data, err := r.store.backend.GetChunk(r.ctx, r.manifest.ID, index)
		r.store.metrics.ObserveOperation("get_chunk", time.Since(start), err)
		if err != nil {
			return 0, fmt.Errorf("failed to read chunk %d of %s: %w", index, r.manifest.ID, err)
		}
		r.chunk = data
		r.chunkIndex = index
		r.loaded = true
	}

	within := r.pos - int64(index)*chunkSize
	if within >= int64(len(r.chunk)) {
		return 0, fmt.Errorf("chunk %d of %s is truncated: %w", index, r.manifest.ID, io.ErrUnexpectedEOF)
	}

	avail := r.chunk[within:]
	if remaining := r.end - r.pos; int64(len(avail)) > remaining {
		avail = avail[:remaining]
	}

	n := copy(p, avail)
	r.pos += int64(n)
	r.store.metrics.RecordBytes("read", int64(n))
	return n, nil
}

func (r *chunkReader) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.closed = true
	r.chunk = nil
	return nil
}
