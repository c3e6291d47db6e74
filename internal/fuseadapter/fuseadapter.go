// Package fuseadapter translates kernel FUSE requests into fsnode/filedata
// calls, using bazil.org/fuse (the library the pack's s3fs-go manifest names
// for exactly this domain: a FUSE filesystem backed by a remote object
// store).
package fuseadapter

import (
	"context"
	"errors"
	"os"
	"syscall"
	"time"

	bazilfuse "bazil.org/fuse"
	"bazil.org/fuse/fs"

	"github.com/objectmount/fusecache/internal/filedata"
	"github.com/objectmount/fusecache/internal/fsnode"
	"github.com/objectmount/fusecache/internal/obslog"
)

// FS is the bazil.org/fuse filesystem root.
type FS struct {
	root   *dirNode
	logger *obslog.Logger
}

// New wraps root as a mountable FS. Per-file cache metrics are wired
// directly onto each PageManager/CacheManager by the caller (see
// cmd/fusecache-mount); logger is used here only for handler-level
// error/diagnostic logging.
func New(root *fsnode.Folder, logger *obslog.Logger) *FS {
	return &FS{root: &dirNode{folder: root, fs: nil}, logger: logger}
}

func (f *FS) Root() (fs.Node, error) {
	f.root.fs = f
	return f.root, nil
}

// Mount mounts the filesystem at mountpoint and serves requests until ctx
// is cancelled or the mount is unmounted, mirroring the blocking
// mount-then-serve-then-unmount lifecycle bazil.org/fuse expects.
func Mount(ctx context.Context, mountpoint string, filesystem *FS, readOnly bool) error {
	opts := []bazilfuse.MountOption{
		bazilfuse.FSName("fusecache"),
		bazilfuse.Subtype("fusecache"),
	}
	if readOnly {
		opts = append(opts, bazilfuse.ReadOnly())
	}
	conn, err := bazilfuse.Mount(mountpoint, opts...)
	if err != nil {
		return err
	}
	defer conn.Close()

	serveErr := make(chan error, 1)
	go func() { serveErr <- fs.Serve(conn, filesystem) }()

	select {
	case <-ctx.Done():
		_ = bazilfuse.Unmount(mountpoint)
		<-serveErr
		return ctx.Err()
	case err := <-serveErr:
		return err
	}
}

// dirNode wraps an fsnode.Folder as a bazil.org/fuse directory node.
type dirNode struct {
	folder *fsnode.Folder
	fs     *FS
}

var (
	_ fs.Node               = (*dirNode)(nil)
	_ fs.NodeStringLookuper = (*dirNode)(nil)
	_ fs.HandleReadDirAller = (*dirNode)(nil)
)

func (d *dirNode) Attr(ctx context.Context, a *bazilfuse.Attr) error {
	a.Mode = os.ModeDir | 0o755
	a.Mtime = d.folder.ModTime
	return nil
}

func (d *dirNode) Lookup(ctx context.Context, name string) (fs.Node, error) {
	entry, ok := d.folder.Lookup(name)
	if !ok {
		return nil, syscall.ENOENT
	}
	if entry.Folder != nil {
		return &dirNode{folder: entry.Folder, fs: d.fs}, nil
	}
	return &fileNode{file: entry.File, fs: d.fs}, nil
}

func (d *dirNode) ReadDirAll(ctx context.Context) ([]bazilfuse.Dirent, error) {
	names := d.folder.List()
	out := make([]bazilfuse.Dirent, 0, len(names))
	for _, name := range names {
		entry, _ := d.folder.Lookup(name)
		typ := bazilfuse.DT_File
		if entry.Folder != nil {
			typ = bazilfuse.DT_Dir
		}
		out = append(out, bazilfuse.Dirent{Name: name, Type: typ})
	}
	return out, nil
}

// fileNode wraps an fsnode.File as a bazil.org/fuse regular-file node.
type fileNode struct {
	file *fsnode.File
	fs   *FS
}

var (
	_ fs.Node           = (*fileNode)(nil)
	_ fs.HandleReader   = (*fileNode)(nil)
	_ fs.HandleWriter   = (*fileNode)(nil)
	_ fs.HandleFlusher  = (*fileNode)(nil)
	_ fs.HandleReleaser = (*fileNode)(nil)
	_ fs.NodeOpener     = (*fileNode)(nil)
	_ fs.NodeFsyncer    = (*fileNode)(nil)
	_ fs.NodeSetattrer  = (*fileNode)(nil)
)

func (f *fileNode) Attr(ctx context.Context, a *bazilfuse.Attr) error {
	a.Mode = os.FileMode(f.file.Mode) | 0o644
	a.Size = f.file.Size()
	a.Mtime = f.file.ModTime
	return nil
}

func (f *fileNode) Open(ctx context.Context, req *bazilfuse.OpenRequest, resp *bazilfuse.OpenResponse) (fs.Handle, error) {
	return f, nil
}

func (f *fileNode) Read(ctx context.Context, req *bazilfuse.ReadRequest, resp *bazilfuse.ReadResponse) error {
	buf := make([]byte, req.Size)
	n, err := f.file.ReadAt(ctx, uint64(req.Offset), buf)
	if err != nil && n == 0 {
		return translateErr(err)
	}
	resp.Data = buf[:n]
	return nil
}

func (f *fileNode) Write(ctx context.Context, req *bazilfuse.WriteRequest, resp *bazilfuse.WriteResponse) error {
	n, err := f.file.WriteAt(ctx, uint64(req.Offset), req.Data)
	if err != nil {
		if f.fs.logger != nil {
			f.fs.logger.Warnf("write %s: %v", f.file.Name, err)
		}
		return translateErr(err)
	}
	resp.Size = n
	return nil
}

func (f *fileNode) Fsync(ctx context.Context, req *bazilfuse.FsyncRequest) error {
	return f.flush(ctx)
}

// Flush implements fs.HandleFlusher: the kernel's close(2)-path flush,
// distinct from Fsync. The core makes no distinction between the two — both
// drain every dirty page for this file through PageManager.Flush.
func (f *fileNode) Flush(ctx context.Context, req *bazilfuse.FlushRequest) error {
	return f.flush(ctx)
}

func (f *fileNode) flush(ctx context.Context) error {
	err := f.file.Flush(ctx)
	if err != nil && f.fs.logger != nil {
		f.fs.logger.Errorf("flush %s: %v", f.file.Name, err)
	}
	return translateErr(err)
}

// Release implements fs.HandleReleaser, called once the last file
// descriptor referencing this handle closes. The cache residency itself
// outlives the handle (other opens of the same file may still be live), so
// Release is a no-op: it neither flushes nor closes the File. Dirty pages
// reach the remote through the Flush/Fsync handlers (or the cache's flush
// worker), and nothing in this adapter tears down the PageManager.
func (f *fileNode) Release(ctx context.Context, req *bazilfuse.ReleaseRequest) error {
	return nil
}

func (f *fileNode) Setattr(ctx context.Context, req *bazilfuse.SetattrRequest, resp *bazilfuse.SetattrResponse) error {
	if req.Valid.Size() {
		if err := f.file.Truncate(ctx, req.Size); err != nil {
			return translateErr(err)
		}
	}
	resp.Attr.Size = f.file.Size()
	resp.Attr.Mtime = time.Now()
	return nil
}

// translateErr maps filedata's error taxonomy onto POSIX errno values the
// kernel expects back from a FUSE handler.
func translateErr(err error) error {
	if err == nil {
		return nil
	}
	var notFound *filedata.NotFoundError
	var accessDenied *filedata.AccessDeniedError
	switch {
	case errors.As(err, &notFound):
		return syscall.ENOENT
	case errors.As(err, &accessDenied):
		return syscall.EACCES
	case errors.Is(err, filedata.ErrOutOfRange):
		return syscall.EINVAL
	default:
		return syscall.EIO
	}
}
