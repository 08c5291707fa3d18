package blob

import "errors"

// ============================================================================
// Standard Blob Store Errors
// ============================================================================

// These errors provide a consistent way to indicate common failure conditions
// across all blob store backends. Callers should check for them with
// errors.Is; backends wrap them with the file identifier for context:
//
//	if !exists {
//	    return fmt.Errorf("file %s: %w", id, blob.ErrNotFound)
//	}

var (
	// ErrNotFound indicates the requested file (or one of its chunks) does
	// not exist.
	//
	// This error is returned when:
	//   - Open() or Stat() is called for a file without a manifest
	//   - Unlink() is called for a file with neither manifest nor chunks
	//   - A manifest references a chunk that is missing (corruption)
	ErrNotFound = errors.New("file not found")

	// ErrInvalidFileID indicates an empty or otherwise unusable identifier.
	ErrInvalidFileID = errors.New("invalid file ID")

	// ErrClosed indicates an operation on a writer that has already been
	// finalized or aborted, or on a reader that has been closed.
	ErrClosed = errors.New("stream already closed")

	// ErrInvalidRange indicates a read range outside the file bounds.
	//
	// This error is returned when:
	//   - Offset is negative or beyond the file length
	//   - Length is negative
	ErrInvalidRange = errors.New("invalid read range")

	// ErrInvalidChunkSize indicates a chunk size that cannot be used.
	ErrInvalidChunkSize = errors.New("invalid chunk size")
)
