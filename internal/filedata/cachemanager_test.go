package filedata_test

import (
	"bytes"
	"context"
	"testing"
	"time"

	"github.com/objectmount/fusecache/internal/filedata"
	"github.com/objectmount/fusecache/internal/testhelper"
)

func TestCacheManagerDirtyLimitBlocksUntilFlush(t *testing.T) {
	pageSize := 4
	cfg := filedata.DefaultConfig()
	cfg.PageSize = pageSize
	cfg.MemoryLimit = uint64(pageSize) * 64
	cfg.DirtyLimitMode = "fixed"
	cfg.FixedDirtyLimit = uint64(pageSize) * 2 // only two dirty pages fit
	cm := filedata.NewCacheManager(cfg)
	t.Cleanup(cm.Close)

	backend := testhelper.NewFakeBackend(pageSize, nil)
	pm := filedata.NewPageManager("file-1", cm, backend, 0)
	t.Cleanup(pm.Close)

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	// Writing 6 contiguous pages' worth of data exceeds the dirty limit
	// several times over; WriteBytes must still complete because the flush
	// worker drains dirty pages as the limit is hit, rather than returning
	// an error while real progress is still possible.
	payload := bytes.Repeat([]byte{'w'}, pageSize*6)
	n, err := pm.WriteBytes(ctx, 0, payload)
	if err != nil {
		t.Fatalf("WriteBytes: %v", err)
	}
	if n != len(payload) {
		t.Fatalf("WriteBytes wrote %d, want %d", n, len(payload))
	}

	if err := pm.Flush(ctx); err != nil {
		t.Fatalf("final Flush: %v", err)
	}
	if !bytes.Equal(backend.Snapshot(), payload) {
		t.Fatalf("backend mismatch: got %q want %q", backend.Snapshot(), payload)
	}
}

func TestCacheManagerMemoryLimitEvictsCleanPages(t *testing.T) {
	pageSize := 4
	cfg := filedata.DefaultConfig()
	cfg.PageSize = pageSize
	cfg.MemoryLimit = uint64(pageSize) * 3
	cfg.DirtyLimitMode = "fixed"
	cfg.FixedDirtyLimit = uint64(pageSize) * 64
	cm := filedata.NewCacheManager(cfg)
	t.Cleanup(cm.Close)

	backend := testhelper.NewFakeBackend(pageSize, bytes.Repeat([]byte{'r'}, pageSize*10))
	pm := filedata.NewPageManager("file-1", cm, backend, backend.BackendSize())
	t.Cleanup(pm.Close)

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	dst := make([]byte, pageSize)
	for i := 0; i < 10; i++ {
		if _, err := pm.ReadBytes(ctx, uint64(i*pageSize), dst); err != nil {
			t.Fatalf("ReadBytes page %d: %v", i, err)
		}
		if !bytes.Equal(dst, bytes.Repeat([]byte{'r'}, pageSize)) {
			t.Fatalf("page %d content mismatch: %q", i, dst)
		}
	}
}

func TestCacheManagerClosePreventsNewReservations(t *testing.T) {
	pageSize := 4
	cfg := filedata.DefaultConfig()
	cfg.PageSize = pageSize
	cfg.MemoryLimit = uint64(pageSize) * 4
	cm := filedata.NewCacheManager(cfg)

	backend := testhelper.NewFakeBackend(pageSize, bytes.Repeat([]byte{'x'}, pageSize*4))
	pm := filedata.NewPageManager("file-1", cm, backend, backend.BackendSize())

	cm.Close()
	cm.Close() // closing an already-closed CacheManager is idempotent

	ctx := context.Background()
	dst := make([]byte, pageSize)
	if _, err := pm.ReadBytes(ctx, 0, dst); err != filedata.ErrClosed {
		t.Fatalf("expected ErrClosed after CacheManager.Close, got %v", err)
	}
}
