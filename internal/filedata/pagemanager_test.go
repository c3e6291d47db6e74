package filedata_test

import (
	"bytes"
	"context"
	"testing"
	"time"

	"github.com/objectmount/fusecache/internal/filedata"
	"github.com/objectmount/fusecache/internal/testhelper"
)

func newTestCache(t *testing.T, pageSize int) *filedata.CacheManager {
	t.Helper()
	cfg := filedata.DefaultConfig()
	cfg.PageSize = pageSize
	cfg.MemoryLimit = uint64(pageSize) * 64
	cfg.DirtyLimitMode = "fixed"
	cfg.FixedDirtyLimit = uint64(pageSize) * 32
	cm := filedata.NewCacheManager(cfg)
	t.Cleanup(cm.Close)
	return cm
}

func TestPageManagerReadRoundTrip(t *testing.T) {
	pageSize := 16
	cm := newTestCache(t, pageSize)
	backend := testhelper.NewFakeBackend(pageSize, []byte("hello world, this spans pages"))
	pm := filedata.NewPageManager("file-1", cm, backend, backend.BackendSize())
	t.Cleanup(pm.Close)

	ctx := context.Background()
	dst := make([]byte, backend.BackendSize())
	n, err := pm.ReadBytes(ctx, 0, dst)
	if err != nil {
		t.Fatalf("ReadBytes: %v", err)
	}
	if n != len(dst) {
		t.Fatalf("short read: got %d want %d", n, len(dst))
	}
	if !bytes.Equal(dst, []byte("hello world, this spans pages")) {
		t.Fatalf("got %q", dst)
	}
}

func TestPageManagerReadSpanningPagesBatchesOneFetch(t *testing.T) {
	pageSize := 16
	cfg := filedata.DefaultConfig()
	cfg.PageSize = pageSize
	cfg.MemoryLimit = uint64(pageSize) * 64
	cfg.DirtyLimitMode = "fixed"
	cfg.FixedDirtyLimit = uint64(pageSize) * 32
	cfg.ReadAheadPages = 0
	cm := filedata.NewCacheManager(cfg)
	t.Cleanup(cm.Close)

	remote := make([]byte, 40)
	for i := range remote {
		remote[i] = byte(i)
	}
	backend := testhelper.NewFakeBackend(pageSize, remote)
	pm := filedata.NewPageManager("file-1", cm, backend, backend.BackendSize())
	t.Cleanup(pm.Close)

	ctx := context.Background()
	dst := make([]byte, 4)
	n, err := pm.ReadBytes(ctx, 14, dst)
	if err != nil {
		t.Fatalf("ReadBytes: %v", err)
	}
	if n != 4 {
		t.Fatalf("short read: got %d want 4", n)
	}
	if !bytes.Equal(dst, []byte{14, 15, 16, 17}) {
		t.Fatalf("got %v, want [14 15 16 17]", dst)
	}
	if len(backend.FetchCalls) != 1 {
		t.Fatalf("expected exactly one fetch call spanning pages 0 and 1, got %d: %+v", len(backend.FetchCalls), backend.FetchCalls)
	}
	if backend.FetchCalls[0].Index != 0 || backend.FetchCalls[0].Count != 2 {
		t.Fatalf("expected fetch(index=0, count=2), got %+v", backend.FetchCalls[0])
	}
}

func TestPageManagerCacheModeNoneBypassesResidency(t *testing.T) {
	pageSize := 8
	cfg := filedata.DefaultConfig()
	cfg.PageSize = pageSize
	cfg.MemoryLimit = uint64(pageSize) * 64
	cfg.DirtyLimitMode = "fixed"
	cfg.FixedDirtyLimit = uint64(pageSize) * 32
	cfg.CacheMode = "none"
	cm := filedata.NewCacheManager(cfg)
	t.Cleanup(cm.Close)

	backend := testhelper.NewFakeBackend(pageSize, []byte("0123456789abcdef"))
	pm := filedata.NewPageManager("file-1", cm, backend, backend.BackendSize())
	t.Cleanup(pm.Close)

	ctx := context.Background()
	dst := make([]byte, 4)
	if _, err := pm.ReadBytes(ctx, 6, dst); err != nil {
		t.Fatalf("ReadBytes: %v", err)
	}
	if !bytes.Equal(dst, []byte("6789")) {
		t.Fatalf("got %q, want %q", dst, "6789")
	}
	if cm.CurrentMemory() != 0 {
		t.Fatalf("expected no residency under cacheMode none, CurrentMemory()=%d", cm.CurrentMemory())
	}

	// A partial write mid-page must still read-modify-write the surrounding
	// bytes straight through to the backend, with nothing left dirty.
	if _, err := pm.WriteBytes(ctx, 1, []byte("XY")); err != nil {
		t.Fatalf("WriteBytes: %v", err)
	}
	if cm.CurrentMemory() != 0 || cm.CurrentDirty() != 0 {
		t.Fatalf("expected no resident or dirty pages under cacheMode none, memory=%d dirty=%d", cm.CurrentMemory(), cm.CurrentDirty())
	}
	if !bytes.Equal(backend.Snapshot(), []byte("0XY3456789abcdef")) {
		t.Fatalf("backend contents mismatch: got %q", backend.Snapshot())
	}

	dst2 := make([]byte, 3)
	if _, err := pm.ReadBytes(ctx, 0, dst2); err != nil {
		t.Fatalf("ReadBytes: %v", err)
	}
	if !bytes.Equal(dst2, []byte("0XY")) {
		t.Fatalf("got %q, want %q", dst2, "0XY")
	}
}

func TestPageManagerReadOutOfRange(t *testing.T) {
	pageSize := 16
	cm := newTestCache(t, pageSize)
	backend := testhelper.NewFakeBackend(pageSize, []byte("short"))
	pm := filedata.NewPageManager("file-1", cm, backend, backend.BackendSize())
	t.Cleanup(pm.Close)

	ctx := context.Background()
	dst := make([]byte, 4)
	_, err := pm.ReadBytes(ctx, 100, dst)
	if err != filedata.ErrOutOfRange {
		t.Fatalf("expected ErrOutOfRange, got %v", err)
	}
}

func TestPageManagerWriteThenRead(t *testing.T) {
	pageSize := 8
	cm := newTestCache(t, pageSize)
	backend := testhelper.NewFakeBackend(pageSize, nil)
	pm := filedata.NewPageManager("file-1", cm, backend, 0)
	t.Cleanup(pm.Close)

	ctx := context.Background()
	payload := []byte("0123456789abcdef0123") // 20 bytes, spans 3 pages at pageSize 8
	n, err := pm.WriteBytes(ctx, 0, payload)
	if err != nil || n != len(payload) {
		t.Fatalf("WriteBytes: n=%d err=%v", n, err)
	}
	if pm.Size() != uint64(len(payload)) {
		t.Fatalf("Size() = %d, want %d", pm.Size(), len(payload))
	}

	dst := make([]byte, len(payload))
	if _, err := pm.ReadBytes(ctx, 0, dst); err != nil {
		t.Fatalf("ReadBytes: %v", err)
	}
	if !bytes.Equal(dst, payload) {
		t.Fatalf("got %q want %q", dst, payload)
	}
}

func TestPageManagerWriteDoesNotFetchOnFullPageOverwrite(t *testing.T) {
	pageSize := 8
	cm := newTestCache(t, pageSize)
	backend := testhelper.NewFakeBackend(pageSize, nil)
	pm := filedata.NewPageManager("file-1", cm, backend, 0)
	t.Cleanup(pm.Close)

	ctx := context.Background()
	payload := bytes.Repeat([]byte{'x'}, pageSize)
	if _, err := pm.WriteBytes(ctx, 0, payload); err != nil {
		t.Fatalf("WriteBytes: %v", err)
	}
	if len(backend.FetchCalls) != 0 {
		t.Fatalf("expected no fetch calls for a full-page overwrite of a new file, got %d", len(backend.FetchCalls))
	}
}

func TestPageManagerFlushWritesContiguousRun(t *testing.T) {
	pageSize := 4
	cm := newTestCache(t, pageSize)
	backend := testhelper.NewFakeBackend(pageSize, nil)
	pm := filedata.NewPageManager("file-1", cm, backend, 0)
	t.Cleanup(pm.Close)

	ctx := context.Background()
	payload := bytes.Repeat([]byte{'a'}, pageSize*3)
	if _, err := pm.WriteBytes(ctx, 0, payload); err != nil {
		t.Fatalf("WriteBytes: %v", err)
	}
	if err := pm.Flush(ctx); err != nil {
		t.Fatalf("Flush: %v", err)
	}
	if len(backend.FlushCalls) != 1 {
		t.Fatalf("expected one coalesced flush call for 3 contiguous dirty pages, got %d: %+v", len(backend.FlushCalls), backend.FlushCalls)
	}
	if backend.FlushCalls[0].PageCount != 3 {
		t.Fatalf("expected flush batch of 3 pages, got %d", backend.FlushCalls[0].PageCount)
	}
	if !bytes.Equal(backend.Snapshot(), payload) {
		t.Fatalf("backend contents mismatch: got %q", backend.Snapshot())
	}
}

func TestPageManagerFlushSplitsNonContiguousRuns(t *testing.T) {
	pageSize := 4
	cm := newTestCache(t, pageSize)
	backend := testhelper.NewFakeBackend(pageSize, bytes.Repeat([]byte{0}, pageSize*4))
	pm := filedata.NewPageManager("file-1", cm, backend, backend.BackendSize())
	t.Cleanup(pm.Close)

	ctx := context.Background()
	if _, err := pm.WriteBytes(ctx, 0, bytes.Repeat([]byte{'a'}, pageSize)); err != nil {
		t.Fatalf("WriteBytes page 0: %v", err)
	}
	if _, err := pm.WriteBytes(ctx, uint64(pageSize*3), bytes.Repeat([]byte{'b'}, pageSize)); err != nil {
		t.Fatalf("WriteBytes page 3: %v", err)
	}
	if err := pm.Flush(ctx); err != nil {
		t.Fatalf("Flush: %v", err)
	}
	if len(backend.FlushCalls) != 2 {
		t.Fatalf("expected two flush calls for non-contiguous dirty pages, got %d: %+v", len(backend.FlushCalls), backend.FlushCalls)
	}
}

func TestPageManagerTruncateShrinksAndDropsPages(t *testing.T) {
	pageSize := 4
	cm := newTestCache(t, pageSize)
	backend := testhelper.NewFakeBackend(pageSize, bytes.Repeat([]byte{'z'}, pageSize*4))
	pm := filedata.NewPageManager("file-1", cm, backend, backend.BackendSize())
	t.Cleanup(pm.Close)

	ctx := context.Background()
	// Fault in all pages so the drop-on-truncate path is exercised.
	dst := make([]byte, pageSize*4)
	if _, err := pm.ReadBytes(ctx, 0, dst); err != nil {
		t.Fatalf("ReadBytes: %v", err)
	}

	if err := pm.Truncate(ctx, uint64(pageSize)+2); err != nil {
		t.Fatalf("Truncate: %v", err)
	}
	if pm.Size() != uint64(pageSize)+2 {
		t.Fatalf("Size() = %d, want %d", pm.Size(), pageSize+2)
	}

	small := make([]byte, 2)
	n, err := pm.ReadBytes(ctx, uint64(pageSize), small)
	if err != nil || n != 2 {
		t.Fatalf("ReadBytes after truncate: n=%d err=%v", n, err)
	}
}

func TestPageManagerEvictionPreservesDirtyPages(t *testing.T) {
	pageSize := 4
	cfg := filedata.DefaultConfig()
	cfg.PageSize = pageSize
	cfg.MemoryLimit = uint64(pageSize) * 4
	cfg.DirtyLimitMode = "fixed"
	cfg.FixedDirtyLimit = uint64(pageSize) * 64
	cm := filedata.NewCacheManager(cfg)
	t.Cleanup(cm.Close)

	backend := testhelper.NewFakeBackend(pageSize, bytes.Repeat([]byte{'c'}, pageSize*8))
	pm := filedata.NewPageManager("file-1", cm, backend, backend.BackendSize())
	t.Cleanup(pm.Close)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	// Dirty page 0, then read the remaining pages to push memory well past
	// the margin target and give the evict worker plenty to reclaim.
	if _, err := pm.WriteBytes(ctx, 0, bytes.Repeat([]byte{'d'}, pageSize)); err != nil {
		t.Fatalf("WriteBytes: %v", err)
	}
	dst := make([]byte, pageSize)
	for i := 1; i < 8; i++ {
		if _, err := pm.ReadBytes(ctx, uint64(i*pageSize), dst); err != nil {
			t.Fatalf("ReadBytes page %d: %v", i, err)
		}
	}

	if err := pm.Flush(ctx); err != nil {
		t.Fatalf("Flush: %v", err)
	}
	if !bytes.Equal(backend.Snapshot()[:pageSize], bytes.Repeat([]byte{'d'}, pageSize)) {
		t.Fatalf("dirty page 0 was not preserved through eviction pressure: %q", backend.Snapshot()[:pageSize])
	}
}
