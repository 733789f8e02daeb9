package networking

import (
	"math"
	"sync"
	"time"
)

// FrameUsage captures the throttling state of one connected panel.
type FrameUsage struct {
	Panel          string    `json:"panel"`
	AvailableBytes float64   `json:"available_bytes"`
	BytesPerSecond float64   `json:"bytes_per_second"`
	Delivered      int64     `json:"delivered"`
	Skipped        int64     `json:"skipped"`
	UpdatedAt      time.Time `json:"updated_at"`
}

type frameBucket struct {
	tokens    float64
	last      time.Time
	opened    time.Time
	sent      int64
	delivered int64
	skipped   int64
}

// FrameBudget caps the bytes of scene frames each panel receives per second
// with a token bucket. Frames that do not fit are skipped; the next frame
// carries the full scene again so nothing is lost but update rate.
type FrameBudget struct {
	mu       sync.Mutex
	buckets  map[string]*frameBucket
	capacity float64
	refill   float64
	now      func() time.Time
}

// NewFrameBudget constructs a budget of bytesPerSecond per panel. A
// non-positive rate disables throttling and returns nil; every method is
// nil-safe.
func NewFrameBudget(bytesPerSecond float64, clock func() time.Time) *FrameBudget {
	if bytesPerSecond <= 0 || math.IsInf(bytesPerSecond, 0) || math.IsNaN(bytesPerSecond) {
		return nil
	}
	if clock == nil {
		clock = time.Now
	}
	return &FrameBudget{
		buckets:  make(map[string]*frameBucket),
		capacity: bytesPerSecond,
		refill:   bytesPerSecond,
		now:      clock,
	}
}

func (b *FrameBudget) replenish(bucket *frameBucket, now time.Time) {
	//1.- Ignore clocks that moved backwards.
	if !now.After(bucket.last) {
		return
	}
	bucket.tokens = math.Min(b.capacity, bucket.tokens+now.Sub(bucket.last).Seconds()*b.refill)
	bucket.last = now
}

// Allow charges a frame of size bytes to panel and reports whether it may be sent.
func (b *FrameBudget) Allow(panel string, size int) bool {
	if b == nil || panel == "" || size <= 0 {
		return true
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	now := b.now()
	bucket := b.buckets[panel]
	if bucket == nil {
		//1.- New panels start with a full second of budget.
		bucket = &frameBucket{tokens: b.capacity, last: now, opened: now}
		b.buckets[panel] = bucket
	}
	b.replenish(bucket, now)

	if float64(size) > bucket.tokens {
		bucket.skipped++
		return false
	}
	bucket.tokens -= float64(size)
	bucket.sent += int64(size)
	bucket.delivered++
	return true
}

// Usage reports the throttling statistics of panel.
func (b *FrameBudget) Usage(panel string) (FrameUsage, bool) {
	if b == nil {
		return FrameUsage{}, false
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	bucket, ok := b.buckets[panel]
	if !ok {
		return FrameUsage{}, false
	}
	now := b.now()
	b.replenish(bucket, now)
	usage := FrameUsage{
		Panel:          panel,
		AvailableBytes: math.Max(bucket.tokens, 0),
		Delivered:      bucket.delivered,
		Skipped:        bucket.skipped,
		UpdatedAt:      bucket.last,
	}
	if observed := now.Sub(bucket.opened).Seconds(); observed > 0 {
		usage.BytesPerSecond = float64(bucket.sent) / observed
	}
	return usage, true
}

// Skipped sums the frames withheld from every tracked panel.
func (b *FrameBudget) Skipped() int64 {
	if b == nil {
		return 0
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	var total int64
	for _, bucket := range b.buckets {
		total += bucket.skipped
	}
	return total
}

// Forget drops the bucket of a disconnected panel.
func (b *FrameBudget) Forget(panel string) {
	if b == nil || panel == "" {
		return
	}
	b.mu.Lock()
	delete(b.buckets, panel)
	b.mu.Unlock()
}
