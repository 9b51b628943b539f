// Package ratelimit implements the per-queue, per-key token bucket
// admission controller. golang.org/x/time/rate is the underlying bucket;
// a zero rate is special-cased because rate.Limiter would otherwise keep
// admitting from its initial burst before running dry, and a zero rate
// must never admit.
package ratelimit

import (
	"sync"

	"golang.org/x/time/rate"
)

// Key identifies a rate-limited stream. The closed set is {Primary,
// Secondary}.
type Key string

const (
	Primary   Key = "primary"
	Secondary Key = "secondary"
)

// Bucket is a token bucket for a single (queue, key) pair.
type Bucket struct {
	mtx      sync.Mutex
	limiter  *rate.Limiter
	zeroRate bool
}

// NewBucket creates a bucket with the given refill rate (tokens/second,
// may be fractional and may be zero) and capacity (max burst).
func NewBucket(tokensPerSecond float64, capacity int) *Bucket {
	b := &Bucket{}
	b.reconfigure(tokensPerSecond, capacity)
	return b
}

func (b *Bucket) reconfigure(tokensPerSecond float64, capacity int) {
	if capacity <= 0 {
		capacity = 1
	}
	if tokensPerSecond <= 0 {
		b.zeroRate = true
		// Keep an underlying limiter around (with a nonzero rate so
		// constructing it doesn't panic) but it is never consulted
		// while zeroRate is true.
		b.limiter = rate.NewLimiter(rate.Limit(1), capacity)
		return
	}
	b.zeroRate = false
	b.limiter = rate.NewLimiter(rate.Limit(tokensPerSecond), capacity)
}

// TryAcquire atomically consumes one token if available. A zero-rate
// bucket always returns false regardless of capacity or elapsed time.
func (b *Bucket) TryAcquire() bool {
	b.mtx.Lock()
	defer b.mtx.Unlock()
	if b.zeroRate {
		return false
	}
	return b.limiter.Allow()
}

// SetRate adjusts the bucket's refill rate and capacity at runtime, for
// the control endpoint to call.
func (b *Bucket) SetRate(tokensPerSecond float64, capacity int) {
	b.mtx.Lock()
	defer b.mtx.Unlock()
	b.reconfigure(tokensPerSecond, capacity)
}

// Rate returns the currently configured refill rate.
func (b *Bucket) Rate() float64 {
	b.mtx.Lock()
	defer b.mtx.Unlock()
	if b.zeroRate {
		return 0
	}
	return float64(b.limiter.Limit())
}

// Limiter is a registry of Buckets keyed by (queue name, Key), matching
// the closed {primary, secondary} key set per queue.
type Limiter struct {
	mtx     sync.Mutex
	buckets map[string]map[Key]*Bucket
	// defaultRate/defaultCapacity seed buckets created on first use.
	defaultRate     float64
	defaultCapacity int
}

// NewLimiter creates a Limiter whose buckets start at the given default
// rate/capacity until adjusted via SetRate.
func NewLimiter(defaultRate float64, defaultCapacity int) *Limiter {
	return &Limiter{
		buckets:         make(map[string]map[Key]*Bucket),
		defaultRate:     defaultRate,
		defaultCapacity: defaultCapacity,
	}
}

func (l *Limiter) bucket(queue string, key Key) *Bucket {
	l.mtx.Lock()
	defer l.mtx.Unlock()
	perQueue, ok := l.buckets[queue]
	if !ok {
		perQueue = make(map[Key]*Bucket)
		l.buckets[queue] = perQueue
	}
	b, ok := perQueue[key]
	if !ok {
		b = NewBucket(l.defaultRate, l.defaultCapacity)
		perQueue[key] = b
	}
	return b
}

// TryAcquire consumes one token from the (queue, key) bucket, creating it
// at the default rate/capacity on first use.
func (l *Limiter) TryAcquire(queue string, key Key) bool {
	return l.bucket(queue, key).TryAcquire()
}

// SetRate adjusts the (queue, key) bucket's rate and capacity, creating it
// if necessary. This backs the `POST /token-bucket-refresh-rate` control
// endpoint.
func (l *Limiter) SetRate(queue string, key Key, tokensPerSecond float64, capacity int) {
	l.bucket(queue, key).SetRate(tokensPerSecond, capacity)
}
