package backend

import (
	"context"
	"sync"

	"github.com/objectmount/fusecache/internal/filedata"
)

// MemoryBackend is a filedata.Backend that never contacts any remote; it
// holds the "object" entirely in a byte slice. Used for cacheMode: memory
// (SPEC_FULL.md §4), grounded in tinySQL's own ModeMemory storage-mode
// pattern (internal/storage/storage_backend.go, since superseded here).
type MemoryBackend struct {
	pageSize int

	mu     sync.Mutex
	data   []byte
	exists bool
}

// NewMemoryBackend creates a backend seeded with initial bytes, or an empty
// non-existent object if initial is nil.
func NewMemoryBackend(pageSize int, initial []byte) *MemoryBackend {
	b := &MemoryBackend{pageSize: pageSize}
	if initial != nil {
		b.data = append([]byte(nil), initial...)
		b.exists = true
	}
	return b
}

func (b *MemoryBackend) FetchPages(ctx context.Context, index uint64, count int, handler filedata.PageHandler) error {
	b.mu.Lock()
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

func (b *MemoryBackend) FlushPageList(ctx context.Context, index uint64, pages [][]byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()

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
	return nil
}

func (b *MemoryBackend) FlushCreate(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.exists = true
	return nil
}

func (b *MemoryBackend) Truncate(ctx context.Context, newSize uint64) error {
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

func (b *MemoryBackend) BackendSize() uint64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return uint64(len(b.data))
}

func (b *MemoryBackend) BackendExists() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.exists
}
