// Package testhelper provides fixtures shared across internal package tests:
// an in-memory stand-in for the remote object backend, in the style of tinySQL's inline test fixtures (no testify, no
// golden files).
package testhelper

import (
	"context"
	"fmt"
	"sync"

	"github.com/objectmount/fusecache/internal/filedata"
)

// FakeBackend is an in-memory filedata.Backend implementation. It records
// every FetchPages/FlushPageList call so tests can assert on fetch and write
// batching, and can be configured to fail the next fetch or flush to
// exercise error-propagation paths.
type FakeBackend struct {
	mu       sync.Mutex
	pageSize int
	data     []byte
	exists   bool

	FetchCalls []FetchCall
	FlushCalls []FlushCall

	// FailNextFetch/FailNextFlush, when non-nil, are returned once by the
	// next FetchPages/FlushPageList call and then cleared.
	FailNextFetch error
	FailNextFlush error
}

// FetchCall records one FetchPages invocation.
type FetchCall struct {
	Index uint64
	Count int
}

// FlushCall records one FlushPageList invocation.
type FlushCall struct {
	Index     uint64
	PageCount int
	Bytes     int
}

// NewFakeBackend creates a backend seeded with initial bytes. Pass nil for a
// file that does not yet exist on the remote.
func NewFakeBackend(pageSize int, initial []byte) *FakeBackend {
	b := &FakeBackend{pageSize: pageSize}
	if initial != nil {
		b.data = append([]byte(nil), initial...)
		b.exists = true
	}
	return b
}

func (b *FakeBackend) FetchPages(ctx context.Context, index uint64, count int, handler filedata.PageHandler) error {
	b.mu.Lock()
	if err := b.FailNextFetch; err != nil {
		b.FailNextFetch = nil
		b.mu.Unlock()
		return err
	}
	b.FetchCalls = append(b.FetchCalls, FetchCall{Index: index, Count: count})
	data := b.data
	b.mu.Unlock()

	for i := 0; i < count; i++ {
		idx := index + uint64(i)
		start := idx * uint64(b.pageSize)
		if start >= uint64(len(data)) {
			return nil
		}
		end := start + uint64(b.pageSize)
		if end > uint64(len(data)) {
			end = uint64(len(data))
		}
		if err := handler(idx, start, int(end-start), data[start:end]); err != nil {
			return err
		}
	}
	return nil
}

func (b *FakeBackend) FlushPageList(ctx context.Context, index uint64, pages [][]byte) error {
	b.mu.Lock()
	if err := b.FailNextFlush; err != nil {
		b.FailNextFlush = nil
		b.mu.Unlock()
		return err
	}
	totalBytes := 0
	for _, p := range pages {
		totalBytes += len(p)
	}
	b.FlushCalls = append(b.FlushCalls, FlushCall{Index: index, PageCount: len(pages), Bytes: totalBytes})

	start := index * uint64(b.pageSize)
	needed := start
	for _, p := range pages {
		needed += uint64(len(p))
	}
	if needed > uint64(len(b.data)) {
		grown := make([]byte, needed)
		copy(grown, b.data)
		b.data = grown
	}
	offset := start
	for _, p := range pages {
		copy(b.data[offset:offset+uint64(len(p))], p)
		offset += uint64(len(p))
	}
	b.exists = true
	b.mu.Unlock()
	return nil
}

func (b *FakeBackend) FlushCreate(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.exists = true
	return nil
}

func (b *FakeBackend) Truncate(ctx context.Context, newSize uint64) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.exists {
		return nil
	}
	if newSize <= uint64(len(b.data)) {
		b.data = b.data[:newSize]
		return nil
	}
	grown := make([]byte, newSize)
	copy(grown, b.data)
	b.data = grown
	return nil
}

func (b *FakeBackend) BackendSize() uint64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return uint64(len(b.data))
}

func (b *FakeBackend) BackendExists() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.exists
}

// Snapshot returns a copy of the backend's current remote bytes, for test
// assertions.
func (b *FakeBackend) Snapshot() []byte {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]byte(nil), b.data...)
}

// String implements fmt.Stringer for readable test failure output.
func (b *FakeBackend) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return fmt.Sprintf("FakeBackend{exists=%v, size=%d}", b.exists, len(b.data))
}
