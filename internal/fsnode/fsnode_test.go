package fsnode_test

import (
	"bytes"
	"context"
	"testing"

	"github.com/objectmount/fusecache/internal/filedata"
	"github.com/objectmount/fusecache/internal/fsnode"
	"github.com/objectmount/fusecache/internal/testhelper"
)

func newTestFile(t *testing.T, name string, contents []byte) *fsnode.File {
	t.Helper()
	pageSize := 8
	cfg := filedata.DefaultConfig()
	cfg.PageSize = pageSize
	cfg.MemoryLimit = uint64(pageSize) * 64
	cfg.DirtyLimitMode = "fixed"
	cfg.FixedDirtyLimit = uint64(pageSize) * 32
	cache := filedata.NewCacheManager(cfg)
	t.Cleanup(cache.Close)

	backend := testhelper.NewFakeBackend(pageSize, contents)
	pm := filedata.NewPageManager("file-1", cache, backend, backend.BackendSize())
	f := fsnode.NewFile("file-1", name, 0, pm)
	t.Cleanup(f.Close)
	return f
}

func TestFileReadWriteRoundTrip(t *testing.T) {
	f := newTestFile(t, "greeting.txt", []byte("hello"))
	ctx := context.Background()

	if f.Size() != 5 {
		t.Fatalf("Size() = %d, want 5", f.Size())
	}

	dst := make([]byte, 5)
	if _, err := f.ReadAt(ctx, 0, dst); err != nil {
		t.Fatalf("ReadAt: %v", err)
	}
	if !bytes.Equal(dst, []byte("hello")) {
		t.Fatalf("got %q", dst)
	}

	if _, err := f.WriteAt(ctx, 5, []byte(" world")); err != nil {
		t.Fatalf("WriteAt: %v", err)
	}
	if f.Size() != 11 {
		t.Fatalf("Size() after write = %d, want 11", f.Size())
	}

	if err := f.Flush(ctx); err != nil {
		t.Fatalf("Flush: %v", err)
	}
}

func TestFolderLookupAddRemove(t *testing.T) {
	folder := fsnode.NewFolder("root-id", "/")
	f := newTestFile(t, "a.txt", []byte("data"))
	folder.AddFile("a.txt", f)

	entry, ok := folder.Lookup("a.txt")
	if !ok || entry.File == nil {
		t.Fatalf("expected to find a.txt")
	}

	sub := fsnode.NewFolder("", "sub")
	folder.AddFolder("sub", sub)
	if names := folder.List(); len(names) != 2 {
		t.Fatalf("List() = %v, want 2 entries", names)
	}

	if !folder.Remove("a.txt") {
		t.Fatal("Remove(a.txt) should report true")
	}
	if _, ok := folder.Lookup("a.txt"); ok {
		t.Fatal("a.txt should be gone after Remove")
	}
	if folder.Remove("a.txt") {
		t.Fatal("second Remove(a.txt) should report false")
	}
}

func TestNewFileAssignsIDWhenEmpty(t *testing.T) {
	cfg := filedata.DefaultConfig()
	cache := filedata.NewCacheManager(cfg)
	t.Cleanup(cache.Close)
	backend := testhelper.NewFakeBackend(cfg.PageSize, nil)
	f := fsnode.NewFile("", "x", 0, filedata.NewPageManager("", cache, backend, 0))
	t.Cleanup(f.Close)
	if f.ID == "" {
		t.Fatal("expected a generated ID")
	}
}
