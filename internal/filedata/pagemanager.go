package filedata

import (
	"context"
	"fmt"
	"sort"
	"sync"
)

// PageManager owns the paged cache for a single remote file. It is the only
// component that reads or writes Page.buf directly; CacheManager only ever
// touches the linked-list bookkeeping. Grounded on tinySQL's Pager (see
// DESIGN.md) and generalized from fixed-size on-disk pages to
// possibly-short remote byte ranges.
//
// Lock ordering (spec.md §5): fileLock may be held while acquiring
// CacheManager.mu (see the MarkDirty/RemovePage/ResizePage calls below, all
// made with fileLock held; InformPage and Touch are called after fileLock
// has been released). The reverse never happens: no method
// here is ever called by CacheManager while CacheManager.mu is held — the
// flush/evict workers always release cm.mu before calling into a
// PageManager (see CacheManager.flushWorker/evictOnePassLocked).
type PageManager struct {
	fileID   string
	pageSize int
	cache    *CacheManager
	backend  Backend

	fileLock sync.RWMutex
	pages    map[uint64]*Page
	fileSize uint64
	closed   bool

	onHit  func()
	onMiss func(pages int)
}

// SetFaultHooks wires optional page-fault observers (internal/obslog feeds
// these into Prometheus hit/miss counters). Both may be nil. A "hit" is a
// read/write whose touched range was already fully resident; a "miss"
// reports how many pages had to be fetched from the backend.
func (pm *PageManager) SetFaultHooks(onHit func(), onMiss func(pages int)) {
	pm.onHit = onHit
	pm.onMiss = onMiss
}

// NewPageManager creates a PageManager for one remote file. fileSize is the
// file's current logical size (backend.BackendSize() if it already exists
// on the remote, 0 for a newly created file).
func NewPageManager(fileID string, cache *CacheManager, backend Backend, fileSize uint64) *PageManager {
	return &PageManager{
		fileID:   fileID,
		pageSize: cache.cfg.PageSize,
		cache:    cache,
		backend:  backend,
		pages:    make(map[uint64]*Page),
		fileSize: fileSize,
	}
}

func (pm *PageManager) pageIndex(offset uint64) uint64 { return offset / uint64(pm.pageSize) }
func (pm *PageManager) pageOffset(offset uint64) int   { return int(offset % uint64(pm.pageSize)) }

// sizeOfPage returns the logical size a page at this index should have
// given the file's current fileSize (pageSize for all but the last page).
func (pm *PageManager) sizeOfPage(index uint64) int {
	start := index * uint64(pm.pageSize)
	if start >= pm.fileSize {
		return 0
	}
	remaining := pm.fileSize - start
	if remaining > uint64(pm.pageSize) {
		return pm.pageSize
	}
	return int(remaining)
}

// ReadBytes reads len(dst) bytes starting at offset, faulting in any pages
// not currently resident (spec.md §4.1 "Read algorithm"). Returns
// ErrOutOfRange if offset is at or beyond the file's logical size. The
// touched index range is resolved as a single batch (see faultInRange) so a
// read spanning several never-fetched pages costs one remote round trip.
func (pm *PageManager) ReadBytes(ctx context.Context, offset uint64, dst []byte) (int, error) {
	if pm.cache.cfg.CacheMode == "none" {
		return pm.readPassthrough(ctx, offset, dst)
	}
	pm.fileLock.RLock()
	if offset >= pm.fileSize {
		pm.fileLock.RUnlock()
		return 0, ErrOutOfRange
	}
	n := uint64(len(dst))
	if offset+n > pm.fileSize {
		n = pm.fileSize - offset
	}
	pm.fileLock.RUnlock()

	if n == 0 {
		return 0, nil
	}

	startIdx := pm.pageIndex(offset)
	endIdx := pm.pageIndex(offset + n - 1)
	if err := pm.faultInRange(ctx, startIdx, endIdx); err != nil {
		return 0, err
	}

	read := 0
	for uint64(read) < n {
		cur := offset + uint64(read)
		idx := pm.pageIndex(cur)
		off := pm.pageOffset(cur)
		want := int(n) - read
		if want > pm.pageSize-off {
			want = pm.pageSize - off
		}

		pm.fileLock.RLock()
		page, ok := pm.pages[idx]
		pm.fileLock.RUnlock()
		if !ok {
			// Lost the race to the evict worker between faultInRange's
			// install loop and this copy (small memoryLimit relative to the
			// touched range lets an earlier page in the same fault be
			// evicted to admit a later one). Re-fault rather than failing
			// the read outright; the retry only ever targets this one
			// index, so it terminates as soon as the page is resident again
			// or genuinely out of range.
			if err := pm.faultInRange(ctx, idx, idx); err != nil {
				return read, err
			}
			pm.fileLock.RLock()
			page, ok = pm.pages[idx]
			pm.fileLock.RUnlock()
			if !ok {
				return read, fmt.Errorf("filedata: %s: page %d vanished after fault-in", pm.fileID, idx)
			}
		}
		pm.fileLock.RLock()
		avail := page.Size() - off
		if avail < 0 {
			avail = 0
		}
		if want > avail {
			want = avail
		}
		copy(dst[read:read+want], page.Bytes()[off:off+want])
		pm.fileLock.RUnlock()
		pm.cache.Touch(page)

		if want == 0 {
			break
		}
		read += want
	}
	return read, nil
}

// faultInRange ensures every page index in [startIdx, endIdx] is resident,
// fetching any missing ones as a single contiguous PageBackend.FetchPages
// call (spec.md §4.1 "Page fault algorithm"): a read/write that touches
// indices [i,j] computes the missing subset under a read lock, then upgrades
// to the exclusive lock, double-checks (another goroutine may have raced in
// the fetch), and issues one ranged fetch sized to amortize round-trips up
// to the configured read-ahead cap. Pages are installed into the map only
// after their bytes are fully populated, in ascending order, so no reader
// ever observes a partially-filled page and CacheManager's LRU sees them
// newest-to-oldest in index order.
func (pm *PageManager) faultInRange(ctx context.Context, startIdx, endIdx uint64) error {
	pm.fileLock.RLock()
	missing := pm.missingInRangeLocked(startIdx, endIdx)
	pm.fileLock.RUnlock()
	if len(missing) == 0 {
		if pm.onHit != nil {
			pm.onHit()
		}
		return nil
	}
	if pm.onMiss != nil {
		pm.onMiss(len(missing))
	}

	pm.fileLock.Lock()
	if pm.closed {
		pm.fileLock.Unlock()
		return ErrClosed
	}
	missing = pm.missingInRangeLocked(startIdx, endIdx)
	if len(missing) == 0 {
		pm.fileLock.Unlock()
		return nil
	}

	// Pages whose whole range lies beyond the remote's current backendSize
	// exist only in the file's logical extent (e.g. after a growing
	// Truncate): they are synthesized as zero-filled, never fetched. Fetch
	// bytes are gathered into local buffers first; pm.pages is only mutated
	// once every fetch has succeeded, so a fetch error leaves no orphaned,
	// un-accounted page behind.
	backendSize := pm.backend.BackendSize()
	var fetchable []uint64
	var zeroFill []uint64
	for _, idx := range missing {
		if idx*uint64(pm.pageSize) >= backendSize {
			zeroFill = append(zeroFill, idx)
		} else {
			fetchable = append(fetchable, idx)
		}
	}

	bufs := make(map[uint64][]byte, len(fetchable))
	if len(fetchable) > 0 {
		fetchStart := fetchable[0]
		fetchEnd := fetchable[len(fetchable)-1]
		// Extend the fetch past the last gap to amortize round-trips, up to
		// the configured read-ahead cap, stopping at whichever page is
		// already resident, beyond backendSize, or past the file's end
		// first.
		count := int(fetchEnd-fetchStart) + 1
		for extra := 1; extra <= pm.readAheadPages(); extra++ {
			candidate := fetchEnd + uint64(extra)
			if candidate*uint64(pm.pageSize) >= pm.fileSize {
				break
			}
			if candidate*uint64(pm.pageSize) >= backendSize {
				break
			}
			if _, resident := pm.pages[candidate]; resident {
				break
			}
			count++
		}

		var fetchErr error
		err := pm.backend.FetchPages(ctx, fetchStart, count, func(pageIndex, _ uint64, sliceSize int, data []byte) error {
			if sliceSize > pm.pageSize {
				fetchErr = ErrShortRead
				return fetchErr
			}
			buf := make([]byte, sliceSize)
			copy(buf, data[:sliceSize])
			bufs[pageIndex] = buf
			return nil
		})
		if err != nil {
			pm.fileLock.Unlock()
			return err
		}
		if fetchErr != nil {
			pm.fileLock.Unlock()
			return fetchErr
		}
		for _, idx := range fetchable {
			if _, ok := bufs[idx]; !ok {
				pm.fileLock.Unlock()
				return fmt.Errorf("filedata: %s: page %d missing from fetch response", pm.fileID, idx)
			}
		}
	}

	var installed []uint64
	for _, idx := range zeroFill {
		pm.pages[idx] = newPage(make([]byte, pm.sizeOfPage(idx)))
		installed = append(installed, idx)
	}
	// Install every page the fetch actually returned, including read-ahead
	// pages beyond the originally-missing set: they cost nothing more since
	// the bytes already crossed the wire.
	for idx, buf := range bufs {
		if _, ok := pm.pages[idx]; ok {
			continue
		}
		pm.pages[idx] = newPage(buf)
		installed = append(installed, idx)
	}
	sort.Slice(installed, func(i, j int) bool { return installed[i] < installed[j] })
	pm.fileLock.Unlock()

	for _, idx := range installed {
		page := pm.pages[idx]
		if err := pm.cache.InformPage(ctx, pm, idx, page); err != nil {
			pm.fileLock.Lock()
			delete(pm.pages, idx)
			pm.fileLock.Unlock()
			return err
		}
	}
	return nil
}

// missingInRangeLocked returns the sorted indices in [startIdx, endIdx] that
// are not yet resident and that fall within the file's current logical
// size. pm.fileLock must be held (read or write).
func (pm *PageManager) missingInRangeLocked(startIdx, endIdx uint64) []uint64 {
	var missing []uint64
	for idx := startIdx; idx <= endIdx; idx++ {
		if idx*uint64(pm.pageSize) >= pm.fileSize {
			break
		}
		if _, ok := pm.pages[idx]; !ok {
			missing = append(missing, idx)
		}
	}
	return missing
}

func (pm *PageManager) readAheadPages() int {
	if pm.cache.cfg.ReadAheadPages < 0 {
		return 0
	}
	return pm.cache.cfg.ReadAheadPages
}

// resolvePage returns the resident page at index, fetching it from the
// backend on a miss via faultInRange.
func (pm *PageManager) resolvePage(ctx context.Context, index uint64) (*Page, error) {
	if err := pm.faultInRange(ctx, index, index); err != nil {
		return nil, err
	}
	pm.fileLock.RLock()
	defer pm.fileLock.RUnlock()
	page, ok := pm.pages[index]
	if !ok {
		return nil, ErrOutOfRange
	}
	return page, nil
}

// WriteBytes writes src at offset, faulting in the touched pages first when
// the write does not fully cover them (spec.md §4.1 "Write algorithm"). A
// write past the current end of file grows fileSize; intervening bytes in
// the final old page are zero-filled, never fetched, since they do not yet
// exist on the remote.
func (pm *PageManager) WriteBytes(ctx context.Context, offset uint64, src []byte) (int, error) {
	if pm.cache.cfg.CacheMode == "none" {
		return pm.writePassthrough(ctx, offset, src)
	}
	written := 0
	for written < len(src) {
		cur := offset + uint64(written)
		idx := pm.pageIndex(cur)
		off := pm.pageOffset(cur)
		want := len(src) - written
		if want > pm.pageSize-off {
			want = pm.pageSize - off
		}

		page, err := pm.resolveOrCreatePageForWrite(ctx, idx, off, want)
		if err != nil {
			return written, err
		}

		pm.fileLock.Lock()
		needed := off + want
		if needed > page.Size() {
			oldSize := page.Size()
			page.grow(needed)
			pm.cache.ResizePage(page, oldSize, page.Size())
		}
		copy(page.Bytes()[off:off+want], src[written:written+want])
		newFileSize := idx*uint64(pm.pageSize) + uint64(needed)
		if newFileSize > pm.fileSize {
			pm.fileSize = newFileSize
		}
		pm.cache.MarkDirty(pm, idx, page)
		pm.fileLock.Unlock()

		if err := pm.cache.WaitForDirtyCapacity(ctx, pm); err != nil {
			return written, err
		}
		written += want
	}
	return written, nil
}

// resolveOrCreatePageForWrite is like resolvePage but, on a miss for an
// offset/length combination that fully overwrites the page's current
// logical content, skips the backend fetch entirely — a pure write never
// needs bytes it is about to overwrite.
func (pm *PageManager) resolveOrCreatePageForWrite(ctx context.Context, index uint64, off, want int) (*Page, error) {
	pm.fileLock.RLock()
	if p, ok := pm.pages[index]; ok {
		pm.fileLock.RUnlock()
		return p, nil
	}
	pm.fileLock.RUnlock()

	existingSize := pm.sizeOfPage(index)
	fullyCovers := existingSize == 0 || (off == 0 && want >= existingSize)

	if fullyCovers {
		pm.fileLock.Lock()
		if p, ok := pm.pages[index]; ok {
			pm.fileLock.Unlock()
			return p, nil
		}
		if pm.closed {
			pm.fileLock.Unlock()
			return nil, ErrClosed
		}
		page := newPage(make([]byte, 0))
		pm.pages[index] = page
		pm.fileLock.Unlock()
		if err := pm.cache.InformPage(ctx, pm, index, page); err != nil {
			pm.fileLock.Lock()
			delete(pm.pages, index)
			pm.fileLock.Unlock()
			return nil, err
		}
		return page, nil
	}

	return pm.resolvePage(ctx, index)
}

// Truncate resizes the file. Growing drops no pages; shrinking evicts and
// discards any page entirely beyond the new size and trims the new last
// page if it was resident (spec.md §4.1 "Truncate algorithm").
func (pm *PageManager) Truncate(ctx context.Context, newSize uint64) error {
	pm.fileLock.Lock()
	oldSize := pm.fileSize
	pm.fileSize = newSize
	lastIdx := pm.pageIndex(newSize)
	if newSize%uint64(pm.pageSize) == 0 && newSize > 0 {
		lastIdx--
	}

	var toDrop []uint64
	for idx, page := range pm.pages {
		switch {
		case newSize >= oldSize:
		case idx > lastIdx:
			toDrop = append(toDrop, idx)
		case idx == lastIdx:
			want := pm.sizeOfPage(idx)
			if page.Size() > want {
				oldPageSize := page.Size()
				page.truncate(want)
				pm.cache.ResizePage(page, oldPageSize, want)
			}
		}
	}
	for _, idx := range toDrop {
		page := pm.pages[idx]
		delete(pm.pages, idx)
		pm.cache.RemovePage(page)
	}
	pm.fileLock.Unlock()

	if !pm.backend.BackendExists() {
		if newSize > 0 {
			if err := pm.backend.FlushCreate(ctx); err != nil {
				return err
			}
		}
		return nil
	}
	if newSize >= oldSize {
		// Growing never calls backend.Truncate: bumping backendSize to
		// newSize here would make faultInRange treat the newly-extended
		// region as fetchable rather than synthesizing zeros for it (see
		// its backendSize check). The extension only needs to exist
		// locally until a page in that range is actually dirtied and
		// flushed.
		return nil
	}
	return pm.backend.Truncate(ctx, newSize)
}

// Flush writes every dirty page to the backend, batching maximal
// contiguous runs into single remote writes (spec.md §4.2 "Flush
// batching"). Called from the FUSE Flush/Fsync handlers; CacheManager's
// flush worker goes through the same flushAll path via flushFrom.
func (pm *PageManager) Flush(ctx context.Context) error {
	_, err := pm.flushAll(ctx, nil)
	return err
}

// flushFrom is called by CacheManager's flush worker to relieve dirty
// pressure starting from a specific index; it flushes the contiguous run of
// dirty pages starting at that index rather than the whole file, so one slow file does
// not stall unrelated dirty pages in other PageManagers.
func (pm *PageManager) flushFrom(index uint64) (int, error) {
	ctx := context.Background()
	return pm.flushAll(ctx, []uint64{index})
}

// flushAll flushes dirty pages. If only is non-nil, flushing is restricted
// to the contiguous dirty runs starting at those indices; otherwise every
// dirty page in the file is flushed.
func (pm *PageManager) flushAll(ctx context.Context, only []uint64) (int, error) {
	pm.fileLock.Lock()
	var dirtyIdx []uint64
	if only != nil {
		for _, i := range only {
			for idx := i; ; idx++ {
				page, ok := pm.pages[idx]
				if !ok || !page.Dirty() {
					break
				}
				dirtyIdx = append(dirtyIdx, idx)
			}
		}
	} else {
		for idx, page := range pm.pages {
			if page.Dirty() {
				dirtyIdx = append(dirtyIdx, idx)
			}
		}
	}
	sort.Slice(dirtyIdx, func(i, j int) bool { return dirtyIdx[i] < dirtyIdx[j] })
	runs := contiguousRuns(dirtyIdx)

	if !pm.backend.BackendExists() && len(runs) > 0 {
		pm.fileLock.Unlock()
		if err := pm.backend.FlushCreate(ctx); err != nil {
			return 0, fmt.Errorf("flush create %s: %w", pm.fileID, err)
		}
		pm.fileLock.Lock()
	}

	total := 0
	for _, run := range runs {
		bufs := make([][]byte, len(run))
		for i, idx := range run {
			bufs[i] = pm.pages[idx].Bytes()
		}
		start := run[0]
		pm.fileLock.Unlock()
		err := pm.backend.FlushPageList(ctx, start, bufs)
		pm.fileLock.Lock()
		if err != nil {
			pm.fileLock.Unlock()
			return total, fmt.Errorf("flush %s pages %d..%d: %w", pm.fileID, run[0], run[len(run)-1], err)
		}
		for _, idx := range run {
			page := pm.pages[idx]
			total += page.Size()
			pm.cache.MarkClean(page)
		}
	}
	pm.fileLock.Unlock()
	return total, nil
}

// tryEvictPage attempts to evict the clean page at index without blocking.
// Returns false if the file is currently busy (another goroutine holds
// fileLock) or the page is no longer clean/resident, so CacheManager's
// evict worker can move on to the next candidate instead of stalling.
func (pm *PageManager) tryEvictPage(index uint64) bool {
	if !pm.fileLock.TryLock() {
		return false
	}
	defer pm.fileLock.Unlock()

	page, ok := pm.pages[index]
	if !ok || page.Dirty() {
		return false
	}
	delete(pm.pages, index)
	pm.cache.RemovePage(page)
	return true
}

// Close tears down the PageManager: it flushes no pages (callers must Flush
// first for durability) but releases every resident page's cache
// accounting, using CacheManager's teardown bypass so the drain itself
// never blocks on the limits it is relieving.
func (pm *PageManager) Close() {
	pm.cache.beginTeardown(pm)
	defer pm.cache.endTeardown(pm)

	pm.fileLock.Lock()
	defer pm.fileLock.Unlock()
	pm.closed = true
	for idx, page := range pm.pages {
		delete(pm.pages, idx)
		pm.cache.RemovePage(page)
	}
}

// Size returns the file's current logical size.
func (pm *PageManager) Size() uint64 {
	pm.fileLock.RLock()
	defer pm.fileLock.RUnlock()
	return pm.fileSize
}

// readPassthrough implements ReadBytes for cacheMode "none": it fetches the
// touched pages straight from the backend and copies bytes out without ever
// installing a Page or touching CacheManager's accounting (spec.md §6
// "cacheMode: none"). Every call costs a remote round trip; no residency is
// left behind for a later reader to reuse.
func (pm *PageManager) readPassthrough(ctx context.Context, offset uint64, dst []byte) (int, error) {
	pm.fileLock.RLock()
	if offset >= pm.fileSize {
		pm.fileLock.RUnlock()
		return 0, ErrOutOfRange
	}
	n := uint64(len(dst))
	if offset+n > pm.fileSize {
		n = pm.fileSize - offset
	}
	backendExists := pm.backend.BackendExists()
	pm.fileLock.RUnlock()
	if n == 0 {
		return 0, nil
	}

	for i := range dst[:n] {
		dst[i] = 0
	}
	if !backendExists {
		return int(n), nil
	}

	startIdx := pm.pageIndex(offset)
	endIdx := pm.pageIndex(offset + n - 1)
	count := int(endIdx-startIdx) + 1

	err := pm.backend.FetchPages(ctx, startIdx, count, func(pageIndex, absOffset uint64, sliceSize int, data []byte) error {
		reqStart, reqEnd := offset, offset+n
		pageEnd := absOffset + uint64(sliceSize)
		if pageEnd <= reqStart || absOffset >= reqEnd {
			return nil
		}
		copyStart := absOffset
		if copyStart < reqStart {
			copyStart = reqStart
		}
		copyEnd := pageEnd
		if copyEnd > reqEnd {
			copyEnd = reqEnd
		}
		if int(copyEnd-absOffset) > len(data) {
			return ErrShortRead
		}
		copy(dst[copyStart-offset:copyEnd-offset], data[copyStart-absOffset:copyEnd-absOffset])
		return nil
	})
	if err != nil {
		return 0, err
	}
	return int(n), nil
}

// writePassthrough implements WriteBytes for cacheMode "none": it serializes
// on the exclusive file lock for the whole operation (there is no residency
// to let readers race against), read-modify-writes any partially-overwritten
// pages straight from the backend, and flushes the touched run immediately
// — nothing is ever left dirty or resident (spec.md §6 "cacheMode: none").
func (pm *PageManager) writePassthrough(ctx context.Context, offset uint64, src []byte) (int, error) {
	if len(src) == 0 {
		return 0, nil
	}
	pm.fileLock.Lock()
	defer pm.fileLock.Unlock()

	if pm.closed {
		return 0, ErrClosed
	}

	startIdx := pm.pageIndex(offset)
	endIdx := pm.pageIndex(offset + uint64(len(src)) - 1)
	reqEnd := offset + uint64(len(src))

	bufs := make([][]byte, 0, int(endIdx-startIdx)+1)
	for idx := startIdx; idx <= endIdx; idx++ {
		pageStart := idx * uint64(pm.pageSize)
		existingSize := pm.sizeOfPage(idx)

		writeStartInPage := 0
		if offset > pageStart {
			writeStartInPage = int(offset - pageStart)
		}
		writeEndInPage := pm.pageSize
		if pageStart+uint64(pm.pageSize) > reqEnd {
			writeEndInPage = int(reqEnd - pageStart)
		}
		fullyCovers := writeStartInPage == 0 && writeEndInPage >= existingSize

		var buf []byte
		if fullyCovers {
			buf = make([]byte, writeEndInPage)
		} else {
			buf = make([]byte, existingSize)
			if pm.backend.BackendExists() && existingSize > 0 {
				var fetchErr error
				err := pm.backend.FetchPages(ctx, idx, 1, func(_ uint64, _ uint64, sliceSize int, data []byte) error {
					if sliceSize > len(buf) {
						fetchErr = ErrShortRead
						return fetchErr
					}
					copy(buf, data[:sliceSize])
					return nil
				})
				if err != nil {
					return 0, err
				}
				if fetchErr != nil {
					return 0, fetchErr
				}
			}
			if writeEndInPage > len(buf) {
				grown := make([]byte, writeEndInPage)
				copy(grown, buf)
				buf = grown
			}
		}
		copy(buf[writeStartInPage:writeEndInPage], src[pageStart+uint64(writeStartInPage)-offset:pageStart+uint64(writeEndInPage)-offset])
		bufs = append(bufs, buf)
	}

	if !pm.backend.BackendExists() {
		if err := pm.backend.FlushCreate(ctx); err != nil {
			return 0, err
		}
	}
	if err := pm.backend.FlushPageList(ctx, startIdx, bufs); err != nil {
		return 0, fmt.Errorf("flush %s pages %d..%d: %w", pm.fileID, startIdx, endIdx, err)
	}

	if reqEnd > pm.fileSize {
		pm.fileSize = reqEnd
	}
	return len(src), nil
}
