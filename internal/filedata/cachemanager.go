package filedata

import (
	"context"
	"sync"
	"time"

	"github.com/samber/lo"
)

// Config bundles the process-wide cache limits (spec.md §6).
type Config struct {
	PageSize             int
	MemoryLimit          uint64
	MemoryMarginFraction uint64 // divisor: target = limit - limit/frac (spec.md §4.2, DESIGN.md interpretation note)
	DirtyLimitMode       string // "fixed" or "adaptive"
	FixedDirtyLimit      uint64
	AdaptiveTargetStall  time.Duration
	ReadAheadPages       int

	// CacheMode is one of "normal" (default paged write-back cache), "memory"
	// (cache only, the PageManager never contacts the remote — for local
	// testing, enforced by the Backend implementation rather than this
	// field), or "none" (no caching: every PageManager reads/writes bypass
	// the page map and CacheManager entirely, going straight to the backend
	// on every call). spec.md §6 "cacheMode".
	CacheMode string
}

// DefaultConfig returns the spec.md §6 defaults.
func DefaultConfig() Config {
	return Config{
		PageSize:             64 * 1024,
		MemoryLimit:          512 * 1024 * 1024,
		MemoryMarginFraction: 16,
		DirtyLimitMode:       "adaptive",
		AdaptiveTargetStall:  2 * time.Second,
		ReadAheadPages:       4,
		CacheMode:            "normal",
	}
}

// CacheManager is the process-wide shared cache: it owns the memory budget
// and dirty-page budget across every open PageManager, and runs the two
// background worker goroutines (evict, flush) that relieve pressure on those
// budgets. Grounded on tinySQL's PageBufferPool/BufferPool (see DESIGN.md).
//
// Lock ordering (spec.md §5): a goroutine may hold a PageManager's fileLock
// and then acquire CacheManager.mu. The reverse is forbidden: code holding
// CacheManager.mu must never block trying to acquire a fileLock. The evict
// and flush workers release CacheManager.mu before calling into a
// PageManager (tryEvictPage, flushFrom), which then takes its own fileLock.
type CacheManager struct {
	cfg Config

	mu        sync.Mutex
	evictCond *sync.Cond
	flushCond *sync.Cond

	clean pageList // LRU: front = least recently used
	dirty pageList // FIFO: front = oldest dirtied

	currentMemory uint64
	currentDirty  uint64
	dirtyLimit    uint64

	bandwidth *BandwidthMeasure

	// bypass slots: PageManagers mid-teardown skip the wait predicate so
	// their own draining InformPage/RemovePage calls cannot deadlock against
	// the very limits they are trying to relieve (SPEC_FULL.md §4).
	teardown map[*PageManager]struct{}

	stopped   bool
	wg        sync.WaitGroup
	evictFail error
	flushFail map[*PageManager]error

	onEvict func(bytes int)
	onFlush func(bytes int, err error)
}

// NewCacheManager constructs a CacheManager with the given config and starts
// its background evict/flush workers.
func NewCacheManager(cfg Config) *CacheManager {
	if cfg.MemoryMarginFraction == 0 {
		cfg.MemoryMarginFraction = 16
	}
	cm := &CacheManager{
		cfg:       cfg,
		bandwidth: NewBandwidthMeasure(5 * time.Second),
		teardown:  make(map[*PageManager]struct{}),
		flushFail: make(map[*PageManager]error),
	}
	cm.evictCond = sync.NewCond(&cm.mu)
	cm.flushCond = sync.NewCond(&cm.mu)
	if cfg.DirtyLimitMode == "fixed" {
		cm.dirtyLimit = cfg.FixedDirtyLimit
	} else {
		cm.recomputeDirtyLimitLocked()
	}
	cm.wg.Add(2)
	go cm.evictWorker()
	go cm.flushWorker()
	return cm
}

// SetMetricsHooks wires optional observers (internal/obslog uses these to
// feed Prometheus counters/gauges). Both may be nil.
func (cm *CacheManager) SetMetricsHooks(onEvict func(bytes int), onFlush func(bytes int, err error)) {
	cm.mu.Lock()
	defer cm.mu.Unlock()
	cm.onEvict = onEvict
	cm.onFlush = onFlush
}

func (cm *CacheManager) marginLocked() uint64 {
	return cm.cfg.MemoryLimit - cm.cfg.MemoryLimit/cm.cfg.MemoryMarginFraction
}

func (cm *CacheManager) recomputeDirtyLimitLocked() {
	if cm.cfg.DirtyLimitMode == "fixed" {
		cm.dirtyLimit = cm.cfg.FixedDirtyLimit
		return
	}
	cm.dirtyLimit = AdaptiveDirtyLimit(cm.bandwidth, cm.cfg.AdaptiveTargetStall, cm.cfg.PageSize, cm.cfg.MemoryLimit)
}

// beginTeardown registers pm as draining: its own InformPage/RemovePage
// calls will not block on the memory/dirty predicates while it unwinds.
func (cm *CacheManager) beginTeardown(pm *PageManager) {
	cm.mu.Lock()
	defer cm.mu.Unlock()
	cm.teardown[pm] = struct{}{}
}

func (cm *CacheManager) endTeardown(pm *PageManager) {
	cm.mu.Lock()
	defer cm.mu.Unlock()
	delete(cm.teardown, pm)
}

// InformPage registers a newly resident page and accounts for its memory.
// If admitting the page would exceed MemoryLimit while currentMemory is
// above the margin target, it first waits for the evict worker to bring
// currentMemory down to that target; the page is then admitted, so
// currentMemory can exceed MemoryLimit by up to one page. The wait is
// skipped while pm is mid-teardown (bypass slot) and ends with an error if
// ctx is cancelled, the evict worker reports a MemoryException, or the
// cache is closed.
func (cm *CacheManager) InformPage(ctx context.Context, pm *PageManager, index uint64, page *Page) error {
	cm.mu.Lock()
	defer cm.mu.Unlock()

	size := uint64(page.Size())
	if _, bypass := cm.teardown[pm]; !bypass {
		for cm.currentMemory+size > cm.cfg.MemoryLimit && cm.currentMemory > cm.marginLocked() && !cm.stopped {
			cm.evictCond.Signal()
			if err := cm.waitOnLocked(ctx, cm.evictCond); err != nil {
				return err
			}
			if cm.evictFail != nil {
				err := cm.evictFail
				cm.evictFail = nil
				return err
			}
		}
	}
	if cm.stopped {
		return ErrClosed
	}
	cm.currentMemory += size
	entry := &pageManagerEntry{pm: pm, index: index}
	page.lruElem = cm.clean.pushBack(entry, page)
	return nil
}

// Touch moves an already-resident page to the back of the LRU list (most
// recently used), called by ReadBytes for every page it copies from.
func (cm *CacheManager) Touch(page *Page) {
	cm.mu.Lock()
	defer cm.mu.Unlock()
	if page.lruElem != nil {
		cm.clean.moveToBack(page.lruElem)
	}
}

// ResizePage adjusts memory accounting when a page grows or shrinks in
// place (spec.md §4.1 write-growth / truncate algorithms). If page is
// already dirty, currentDirty is kept in lockstep with currentMemory for
// that page's delta — a second write extending an already-dirty page (or a
// Truncate shrinking one) must move the same bytes in both totals, or
// currentDirty silently drifts from Σ dirtyQueue sizes and a later
// MarkClean underflows it.
func (cm *CacheManager) ResizePage(page *Page, oldSize, newSize int) {
	cm.mu.Lock()
	defer cm.mu.Unlock()
	if newSize > oldSize {
		delta := uint64(newSize - oldSize)
		cm.currentMemory += delta
		if page.dirty {
			cm.currentDirty += delta
		}
	} else {
		delta := uint64(oldSize - newSize)
		cm.currentMemory -= delta
		if page.dirty {
			cm.currentDirty -= delta
		}
		cm.evictCond.Broadcast()
		cm.flushCond.Broadcast()
	}
}

// MarkDirty appends a page to the dirty FIFO the first time it is written;
// the page also stays on the LRU list. Re-dirtying an already-dirty page is a no-op per the
// DESIGN.md tie-breaking decision: dirty order reflects first-dirtied time.
//
// The caller must hold pm's fileLock for the duration of this call, across
// the byte mutation that made the page dirty (spec.md §4.1/§9): the evict
// worker only ever takes a page it finds clean (tryEvictPage), using
// fileLock.TryLock to skip busy files rather than block. If a writer copied
// bytes into a still-clean page and then released fileLock before calling
// MarkDirty, the evict worker could slip in during that gap, see the page
// clean, and evict the just-written bytes — leaving MarkDirty to dirty an
// orphaned Page no longer reachable from pm.pages. Marking dirty inside the
// same fileLock critical section as the mutation closes that window.
// MarkDirty itself never blocks; callers enforce the dirty-memory limit via
// WaitForDirtyCapacity afterward, once fileLock has been released (see that
// method's doc comment for why the wait must happen lock-free).
func (cm *CacheManager) MarkDirty(pm *PageManager, index uint64, page *Page) {
	cm.mu.Lock()
	defer cm.mu.Unlock()
	if page.dirty {
		return
	}
	page.dirty = true
	entry := &pageManagerEntry{pm: pm, index: index}
	page.dirtyElem = cm.dirty.pushBack(entry, page)
	cm.currentDirty += uint64(page.Size())
}

// WaitForDirtyCapacity blocks while currentDirty is above dirtyLimit,
// relieving backpressure on a writer that just dirtied more memory than the
// limit allows. It returns as soon as currentDirty is back at dirtyLimit;
// the dirty side has no margin below dirtyLimit, and the flush worker stops
// draining at dirtyLimit as well. Must be called without holding any PageManager's
// fileLock: the flush worker needs to acquire that very fileLock
// (flushFrom) to make progress, and a caller parked here while still
// holding it would deadlock against the worker that is supposed to wake it
// (spec.md §5's lock order — per-file lock before cache lock — is
// preserved by this method never being called while fileLock is held, so
// there is no lock to hand off or drop). Already-dirty pages are immune to
// eviction regardless, so nothing is lost by dirtying first and throttling
// after; currentDirty may transiently exceed dirtyLimit by up to one page
// per concurrent writer, matching the bounded-dirty-memory property
// (spec.md §8).
func (cm *CacheManager) WaitForDirtyCapacity(ctx context.Context, pm *PageManager) error {
	cm.mu.Lock()
	defer cm.mu.Unlock()
	if _, bypass := cm.teardown[pm]; bypass {
		return nil
	}
	for cm.currentDirty > cm.dirtyLimit && !cm.stopped {
		cm.flushCond.Signal()
		if err := cm.waitOnLocked(ctx, cm.flushCond); err != nil {
			return err
		}
		if err, ok := cm.flushFail[pm]; ok {
			delete(cm.flushFail, pm)
			return err
		}
	}
	if cm.stopped {
		return ErrClosed
	}
	return nil
}

// MarkClean removes a page from the dirty FIFO after a successful flush.
func (cm *CacheManager) MarkClean(page *Page) {
	cm.mu.Lock()
	defer cm.mu.Unlock()
	if !page.dirty {
		return
	}
	cm.dirty.remove(page.dirtyElem)
	page.dirtyElem = nil
	page.dirty = false
	cm.currentDirty -= uint64(page.Size())
	cm.flushCond.Broadcast()
}

// RemovePage evicts a page's accounting entirely: used when a PageManager
// drops a page it owns (its own eviction, a truncate, or teardown).
func (cm *CacheManager) RemovePage(page *Page) {
	cm.mu.Lock()
	defer cm.mu.Unlock()
	if page.lruElem != nil {
		cm.clean.remove(page.lruElem)
		page.lruElem = nil
		cm.currentMemory -= uint64(page.Size())
	}
	if page.dirtyElem != nil {
		cm.dirty.remove(page.dirtyElem)
		page.dirtyElem = nil
		cm.currentDirty -= uint64(page.Size())
	}
	page.dirty = false
	cm.evictCond.Broadcast()
}

// waitOnLocked blocks on the given condition variable until woken, or
// returns ctx.Err() if ctx is cancelled first. cm.mu must be held; it is
// released for the duration of the wait exactly as sync.Cond.Wait requires.
// A cancelled ctx wakes every waiter via Broadcast, since Cond has no way to
// wake a single goroutine selectively.
func (cm *CacheManager) waitOnLocked(ctx context.Context, cond *sync.Cond) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	done := make(chan struct{})
	if ctx.Done() != nil {
		go func() {
			select {
			case <-ctx.Done():
				cm.mu.Lock()
				cm.evictCond.Broadcast()
				cm.flushCond.Broadcast()
				cm.mu.Unlock()
			case <-done:
			}
		}()
	}
	cond.Wait()
	close(done)
	return ctx.Err()
}

// evictWorker evicts clean pages from the front of the LRU list (oldest)
// whenever currentMemory exceeds the margin target, using TryLock so a page
// whose file is busy is skipped rather than blocked on.
func (cm *CacheManager) evictWorker() {
	defer cm.wg.Done()
	cm.mu.Lock()
	defer cm.mu.Unlock()
	for {
		for cm.currentMemory <= cm.marginLocked() && !cm.stopped {
			cm.evictCond.Wait()
		}
		if cm.stopped {
			return
		}
		progressed := cm.evictOnePassLocked()
		if !progressed && cm.currentMemory > cm.cfg.MemoryLimit {
			cm.evictFail = &MemoryException{Kind: "evict"}
			cm.evictCond.Broadcast()
		}
	}
}

// evictOnePassLocked walks the clean list front-to-back, evicting pages
// whose owning PageManager can be locked without blocking. Returns true if
// at least one page was evicted. cm.mu must be held.
func (cm *CacheManager) evictOnePassLocked() bool {
	progressed := false
	e := cm.clean.front
	for e != nil && cm.currentMemory > cm.marginLocked() {
		next := e.next
		owner := e.owner
		cm.mu.Unlock()
		ok := owner.pm.tryEvictPage(owner.index)
		cm.mu.Lock()
		if ok {
			progressed = true
			if cm.onEvict != nil {
				cm.onEvict(cm.cfg.PageSize)
			}
		}
		e = next
	}
	return progressed
}

// flushWorker flushes dirty pages from the front of the dirty FIFO (oldest)
// whenever currentDirty exceeds the dirty limit. Unlike eviction, flush
// cannot skip a busy file: the dirty bytes must eventually leave, so the
// worker blocks on the owning PageManager's exclusive lock, releasing
// cm.mu around that wait (lock-inversion avoidance, spec.md §5).
func (cm *CacheManager) flushWorker() {
	defer cm.wg.Done()
	cm.mu.Lock()
	defer cm.mu.Unlock()
	for {
		for cm.currentDirty <= cm.dirtyLimit && !cm.stopped {
			cm.flushCond.Wait()
		}
		if cm.stopped {
			return
		}
		e := cm.dirty.front
		if e == nil {
			continue
		}
		owner := e.owner
		cm.mu.Unlock()
		n, err := owner.pm.flushFrom(owner.index)
		cm.mu.Lock()
		if err != nil {
			cm.flushFail[owner.pm] = &FlushFailure{FileID: owner.pm.fileID, Err: err}
			cm.flushCond.Broadcast()
		}
		if cm.onFlush != nil {
			cm.onFlush(n, err)
		}
		if n > 0 {
			cm.bandwidth.Record(n)
			cm.recomputeDirtyLimitLocked()
		}
	}
}

// CurrentMemory returns the total bytes currently resident across every
// open PageManager sharing this cache.
func (cm *CacheManager) CurrentMemory() uint64 {
	cm.mu.Lock()
	defer cm.mu.Unlock()
	return cm.currentMemory
}

// CurrentDirty returns the total dirty bytes currently pending flush.
func (cm *CacheManager) CurrentDirty() uint64 {
	cm.mu.Lock()
	defer cm.mu.Unlock()
	return cm.currentDirty
}

// Close stops the background workers and waits for them to exit. Resident
// pages are not flushed by Close; callers must Flush every open PageManager
// first if durability is required.
func (cm *CacheManager) Close() {
	cm.mu.Lock()
	cm.stopped = true
	cm.evictCond.Broadcast()
	cm.flushCond.Broadcast()
	cm.mu.Unlock()
	cm.wg.Wait()
}

// contiguousRuns groups a sorted slice of page indices into maximal runs of
// consecutive integers, used by PageManager.flushAll to batch flush writes
// into as few remote requests as possible (spec.md §4.2 "Flush
// batching"). Grounded on samber/lo's slice-partitioning idiom.
func contiguousRuns(indices []uint64) [][]uint64 {
	if len(indices) == 0 {
		return nil
	}
	var runs [][]uint64
	run := []uint64{indices[0]}
	for _, idx := range indices[1:] {
		if idx == run[len(run)-1]+1 {
			run = append(run, idx)
			continue
		}
		runs = append(runs, run)
		run = []uint64{idx}
	}
	runs = append(runs, run)
	return lo.Filter(runs, func(r []uint64, _ int) bool { return len(r) > 0 })
}
