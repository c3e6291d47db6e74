package filedata

import (
	"sync"
	"time"
)

// BandwidthMeasure tracks recent flush throughput (bytes per second) over a
// short moving window, used by CacheManager to size an adaptive dirty limit
// as a bandwidth-delay product. Grounded on
// original_source/.../filedata/CacheManager.hpp's mBandwidth member — the
// distilled spec names the behavior (spec.md §4.2 "Adaptive dirty limit")
// without pinning an implementation, so this is new code written in the
// surrounding package's plain-struct-plus-mutex idiom.
type BandwidthMeasure struct {
	mu     sync.Mutex
	window time.Duration
	samples []bwSample
	now    func() time.Time
}

type bwSample struct {
	at    time.Time
	bytes int64
}

// NewBandwidthMeasure creates a measure with the given moving-window size.
func NewBandwidthMeasure(window time.Duration) *BandwidthMeasure {
	if window <= 0 {
		window = 5 * time.Second
	}
	return &BandwidthMeasure{window: window, now: time.Now}
}

// Record records that n bytes were flushed at the current time.
func (b *BandwidthMeasure) Record(n int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	now := b.now()
	b.samples = append(b.samples, bwSample{at: now, bytes: int64(n)})
	b.evictOld(now)
}

// BytesPerSecond returns the estimated current flush throughput based on
// samples within the moving window. Returns 0 if there is not yet enough
// data.
func (b *BandwidthMeasure) BytesPerSecond() float64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	now := b.now()
	b.evictOld(now)
	if len(b.samples) == 0 {
		return 0
	}
	var total int64
	for _, s := range b.samples {
		total += s.bytes
	}
	elapsed := now.Sub(b.samples[0].at).Seconds()
	if elapsed <= 0 {
		elapsed = b.window.Seconds()
	}
	return float64(total) / elapsed
}

func (b *BandwidthMeasure) evictOld(now time.Time) {
	cutoff := now.Add(-b.window)
	i := 0
	for i < len(b.samples) && b.samples[i].at.Before(cutoff) {
		i++
	}
	if i > 0 {
		b.samples = b.samples[i:]
	}
}

// AdaptiveDirtyLimit computes a dirty-memory ceiling as the bandwidth-delay
// product of the measured throughput against targetStall, clamped to
// [pageSize, memoryLimit/4] per spec.md §4.2/§6.
func AdaptiveDirtyLimit(b *BandwidthMeasure, targetStall time.Duration, pageSize int, memoryLimit uint64) uint64 {
	bps := b.BytesPerSecond()
	limit := uint64(bps * targetStall.Seconds())
	minLimit := uint64(pageSize)
	maxLimit := memoryLimit / 4
	if maxLimit < minLimit {
		maxLimit = minLimit
	}
	if limit < minLimit {
		limit = minLimit
	}
	if limit > maxLimit {
		limit = maxLimit
	}
	return limit
}
