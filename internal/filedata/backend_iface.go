package filedata

import "context"

// PageHandler receives one contiguous slice of fetched bytes per page index,
// called in ascending index order, exactly once per index. sliceSize may be
// less than the configured page size only for the true last page of the
// remote object.
type PageHandler func(pageIndex uint64, absoluteOffset uint64, sliceSize int, buf []byte) error

// Backend is the narrow per-file adapter the core consumes to reach the
// remote object store (spec.md §4.3, §6). Implementations translate
// page-indexed fetches and contiguous flush batches into the remote's
// ranged-read / full-write / create / truncate calls; they do not retain
// pages themselves, only backendSize/backendExists bookkeeping.
type Backend interface {
	// FetchPages performs one ranged read covering `count` pages starting at
	// `index`, streaming results into handler as they arrive.
	FetchPages(ctx context.Context, index uint64, count int, handler PageHandler) error

	// FlushPageList writes a maximal contiguous run of dirty pages as one
	// remote write starting at byte offset index*pageSize.
	FlushPageList(ctx context.Context, index uint64, pages [][]byte) error

	// FlushCreate materializes an empty remote object, used when a file that
	// does not yet exist on the remote needs a non-zero size (spec.md §4.1
	// Truncate algorithm).
	FlushCreate(ctx context.Context) error

	// Truncate resizes the remote object. A no-op if the object does not
	// exist (spec.md §4.3).
	Truncate(ctx context.Context, newSize uint64) error

	// BackendSize returns the backend's last-known remote object size.
	BackendSize() uint64

	// BackendExists reports whether the remote object has been materialized.
	BackendExists() bool
}
