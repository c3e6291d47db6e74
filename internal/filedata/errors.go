// Package filedata implements the file data plane: a paged, write-back cache
// sitting between random-offset file I/O and a coarse-grained remote object
// store. See PageManager, CacheManager, and the Backend interface.
package filedata

import (
	"errors"
	"fmt"
)

// ErrOutOfRange is returned when a read offset is at or beyond the file's
// current logical size.
var ErrOutOfRange = errors.New("filedata: read offset out of range")

// ErrShortRead is returned when the backend delivers fewer bytes than
// requested for a fetch that did not reach the backend's true EOF. Per
// spec.md's open question, a short read that is not at the true EOF is
// treated as a transport error, never as an implicit truncation.
var ErrShortRead = errors.New("filedata: short read before true EOF")

// ErrClosed is returned by operations on a PageManager or CacheManager that
// has already been shut down.
var ErrClosed = errors.New("filedata: manager closed")

// NotFoundError indicates the remote object does not exist.
type NotFoundError struct{ FileID string }

func (e *NotFoundError) Error() string { return fmt.Sprintf("filedata: %s: not found", e.FileID) }

// AccessDeniedError indicates the remote rejected the request as unauthorized.
type AccessDeniedError struct{ FileID string }

func (e *AccessDeniedError) Error() string {
	return fmt.Sprintf("filedata: %s: access denied", e.FileID)
}

// EndpointError wraps an HTTP-level failure from the remote API other than
// not-found or access-denied. The HTTP transport retries the 5xx and 429
// ones; any other status is permanent.
type EndpointError struct {
	FileID string
	Status int
	Body   string
}

func (e *EndpointError) Error() string {
	return fmt.Sprintf("filedata: %s: endpoint error (status %d): %s", e.FileID, e.Status, e.Body)
}

// ConnectionError indicates the transport could not reach the remote at all.
type ConnectionError struct{ Err error }

func (e *ConnectionError) Error() string { return fmt.Sprintf("filedata: connection error: %v", e.Err) }
func (e *ConnectionError) Unwrap() error { return e.Err }

// MemoryException indicates CacheManager could not reserve space because its
// evict or flush worker made no progress.
type MemoryException struct{ Kind string }

func (e *MemoryException) Error() string {
	return fmt.Sprintf("filedata: failed to reserve memory: %s error", e.Kind)
}

// FlushFailure is captured from a background flush attempt and re-raised to
// the next caller that tries to dirty more memory for the failing file. Once
// delivered to a caller it is cleared from CacheManager's failure slot.
type FlushFailure struct {
	FileID string
	Err    error
}

func (e *FlushFailure) Error() string {
	return fmt.Sprintf("filedata: flush failed for %s: %v", e.FileID, e.Err)
}
func (e *FlushFailure) Unwrap() error { return e.Err }
