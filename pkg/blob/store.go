package blob

import (
	"context"
	"io"
	"time"
)

// DefaultChunkSize is the chunk size used when none is configured (255 KiB).
const DefaultChunkSize = 255 * 1024

// ============================================================================
// Store Interface
// ============================================================================

// Store provides streamed access to files kept as fixed-size chunks plus a
// manifest.
//
// The store manages only bytes and the manifest describing them. It does NOT
// coordinate access: two writers on the same FileID race (last manifest
// wins) and a reader may observe a file being replaced underneath it.
// Exclusion is the job of the locking layer (pkg/locking), which never opens
// a stream before it holds the matching lock.
//
// Storage Model:
//   - A file is a sequence of chunks numbered 0..ChunkCount-1
//   - Chunks are flushed to the backend as soon as they fill
//   - The manifest is written only when a writer is closed successfully
//   - A file exists iff its manifest exists
//   - Aborted writes leave flushed chunks in place (no rollback)
//
// Thread Safety:
// Implementations must be safe for concurrent use by multiple goroutines.
type Store interface {
	// Create opens a streamed writer for id, truncating any previous content.
	//
	// Returns:
	//   - Writer: must be finalized with Close or discarded with Abort
	//   - error: ErrInvalidFileID, context or backend errors
	Create(ctx context.Context, id FileID, opts CreateOptions) (Writer, error)

	// Open returns a streamed reader over the file's bytes.
	//
	// The reader fetches chunks lazily using ctx, so cancelling ctx aborts
	// subsequent reads.
	//
	// Returns:
	//   - io.ReadCloser: returns io.EOF after the last byte of the range
	//   - error: ErrNotFound if the file has no manifest, ErrInvalidRange
	Open(ctx context.Context, id FileID, opts OpenOptions) (io.ReadCloser, error)

	// Stat returns the file manifest.
	//
	// Returns ErrNotFound if the file does not exist.
	Stat(ctx context.Context, id FileID) (*Manifest, error)

	// Exists reports whether a finalized file exists for id.
	//
	// Returns (false, nil) for a missing file; errors are reserved for
	// context cancellation and backend failures.
	Exists(ctx context.Context, id FileID) (bool, error)

	// Unlink deletes the manifest and every chunk of id.
	//
	// Returns ErrNotFound if neither a manifest nor chunks existed.
	Unlink(ctx context.Context, id FileID) error

	// Close releases backend resources.
	Close() error
}

// Writer is a streamed writer over one file.
type Writer interface {
	io.Writer

	// Close flushes the final partial chunk and writes the manifest.
	// After Close the file is visible to Exists/Open/Stat.
	Close() error

	// Abort stops the write without writing a manifest. Chunks already
	// flushed remain in the backend. Abort after Close is a no-op.
	Abort() error

	// BytesWritten returns the number of bytes accepted so far.
	BytesWritten() int64

	// FileID returns the identifier being written.
	FileID() FileID
}

// CreateOptions carries optional descriptive fields stored in the manifest.
type CreateOptions struct {
	// Filename is a human-readable name for the file.
	Filename string

	// ContentType is an optional MIME type.
	ContentType string

	// Metadata holds arbitrary caller-defined key/value pairs.
	Metadata map[string]string
}

// OpenOptions selects a byte range. The zero value reads the whole file.
type OpenOptions struct {
	// Offset is the first byte to return.
	Offset int64

	// Length limits the number of bytes returned; 0 means to the end.
	Length int64
}

// Manifest describes a finalized file.
type Manifest struct {
	ID          FileID            `json:"id"`
	Length      int64             `json:"length"`
	ChunkSize   int               `json:"chunk_size"`
	ChunkCount  int               `json:"chunk_count"`
	UploadedAt  time.Time         `json:"uploaded_at"`
	Filename    string            `json:"filename,omitempty"`
	ContentType string            `json:"content_type,omitempty"`
	Metadata    map[string]string `json:"metadata,omitempty"`
}
