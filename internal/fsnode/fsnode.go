// Package fsnode is the thin identity+metadata layer above the paged cache:
// File and Folder just carry a stable ID, a name, and (for files) a
// PageManager, delegating all byte-level work to internal/filedata.
package fsnode

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/objectmount/fusecache/internal/filedata"
)

// File is one open remote object plus its paged cache.
type File struct {
	ID       string
	Name     string
	Mode     uint32
	ModTime  time.Time
	pm       *filedata.PageManager
}

// NewFile wraps an existing PageManager as a File. id should be the
// server-assigned ID when known, or a freshly generated uuid for an object
// not yet created on the remote (spec.md's remote assigns IDs on create;
// the client needs a provisional local identity until that round-trip
// completes).
func NewFile(id, name string, mode uint32, pm *filedata.PageManager) *File {
	if id == "" {
		id = uuid.NewString()
	}
	return &File{ID: id, Name: name, Mode: mode, ModTime: time.Now(), pm: pm}
}

// Size returns the file's current logical size.
func (f *File) Size() uint64 { return f.pm.Size() }

// ReadAt reads len(dst) bytes starting at offset.
func (f *File) ReadAt(ctx context.Context, offset uint64, dst []byte) (int, error) {
	return f.pm.ReadBytes(ctx, offset, dst)
}

// WriteAt writes src starting at offset and bumps ModTime.
func (f *File) WriteAt(ctx context.Context, offset uint64, src []byte) (int, error) {
	n, err := f.pm.WriteBytes(ctx, offset, src)
	if err == nil {
		f.ModTime = time.Now()
	}
	return n, err
}

// Truncate resizes the file.
func (f *File) Truncate(ctx context.Context, newSize uint64) error {
	err := f.pm.Truncate(ctx, newSize)
	if err == nil {
		f.ModTime = time.Now()
	}
	return err
}

// Flush writes all dirty pages to the remote, called from the FUSE
// Flush/Fsync handlers.
func (f *File) Flush(ctx context.Context) error {
	return f.pm.Flush(ctx)
}

// Close releases the File's cache residency. Callers must Flush first if
// durability is required; Close itself does not flush (spec.md §4.3).
func (f *File) Close() {
	f.pm.Close()
}

// Folder is a directory entry: a name, an ID, and child entries. Folders
// carry no page cache of their own.
type Folder struct {
	ID      string
	Name    string
	ModTime time.Time

	mu       sync.RWMutex
	children map[string]*Dirent
}

// Dirent is one entry in a Folder's listing: either a File or a nested
// Folder, never both.
type Dirent struct {
	File   *File
	Folder *Folder
}

// NewFolder creates an empty folder.
func NewFolder(id, name string) *Folder {
	if id == "" {
		id = uuid.NewString()
	}
	return &Folder{ID: id, Name: name, ModTime: time.Now(), children: make(map[string]*Dirent)}
}

// Lookup returns the child entry named name, if any.
func (d *Folder) Lookup(name string) (*Dirent, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	e, ok := d.children[name]
	return e, ok
}

// List returns a snapshot of the folder's entry names.
func (d *Folder) List() []string {
	d.mu.RLock()
	defer d.mu.RUnlock()
	names := make([]string, 0, len(d.children))
	for name := range d.children {
		names = append(names, name)
	}
	return names
}

// AddFile inserts a file entry, overwriting any existing entry with the
// same name.
func (d *Folder) AddFile(name string, f *File) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.children[name] = &Dirent{File: f}
	d.ModTime = time.Now()
}

// AddFolder inserts a subfolder entry.
func (d *Folder) AddFolder(name string, sub *Folder) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.children[name] = &Dirent{Folder: sub}
	d.ModTime = time.Now()
}

// Remove deletes the named entry, reporting whether it existed.
func (d *Folder) Remove(name string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.children[name]; !ok {
		return false
	}
	delete(d.children, name)
	d.ModTime = time.Now()
	return true
}
