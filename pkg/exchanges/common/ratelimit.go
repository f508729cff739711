package common

import (
	"context"
	"math"
	"sync"
	"time"
)

// Clock abstracts time so bucket behaviour can be tested deterministically.
type Clock interface {
	Now() time.Time
	After(d time.Duration) <-chan time.Time
}

type realClock struct{}

func (realClock) Now() time.Time                         { return time.Now() }
func (realClock) After(d time.Duration) <-chan time.Time { return time.After(d) }

// LeakyBucket limits calls to a partner API to rate tokens per minute with
// up to capacity tokens outstanding. Tokens leak lazily: every attempt first
// subtracts floor(rate/60 * secondsSinceLastCommit) from the used count.
//
// A single mutex guards the state, so goroutines blocked in Acquire and
// goroutines waiting on AcquireAsync share one budget.
type LeakyBucket struct {
	mu       sync.Mutex
	rate     float64 // tokens per minute
	capacity int
	used     int
	last     time.Time
	interval time.Duration // time for one token to leak
	clock    Clock
}

// BucketOption customises a LeakyBucket.
type BucketOption func(*LeakyBucket)

// WithCapacity sets the maximum number of outstanding tokens (default 1).
func WithCapacity(capacity int) BucketOption {
	return func(b *LeakyBucket) { b.capacity = capacity }
}

// WithUsedTokens starts the bucket partially filled.
func WithUsedTokens(used int) BucketOption {
	return func(b *LeakyBucket) { b.used = used }
}

func WithClock(c Clock) BucketOption {
	return func(b *LeakyBucket) { b.clock = c }
}

// NewLeakyBucket creates a bucket leaking rate tokens per minute.
func NewLeakyBucket(rate float64, opts ...BucketOption) (*LeakyBucket, error) {
	b := &LeakyBucket{
		rate:     rate,
		capacity: 1,
		clock:    realClock{},
	}
	for _, opt := range opts {
		opt(b)
	}

	switch {
	case !(rate > 0) || math.IsInf(rate, 0):
		return nil, &ConfigError{Field: "leak_rate", Reason: "must be a positive number"}
	case b.capacity <= 0:
		return nil, &ConfigError{Field: "capacity", Reason: "must be positive"}
	case b.used < 0 || b.used > b.capacity:
		return nil, &ConfigError{Field: "used_tokens", Reason: "must be within [0, capacity]"}
	}

	// Round up so that one interval always leaks at least one whole token.
	b.interval = time.Duration(math.Ceil(60 * float64(time.Second) / rate))
	b.last = b.clock.Now()
	return b, nil
}

// MustLeakyBucket is NewLeakyBucket for constant, known-good arguments.
func MustLeakyBucket(rate float64, opts ...BucketOption) *LeakyBucket {
	b, err := NewLeakyBucket(rate, opts...)
	if err != nil {
		panic(err)
	}
	return b
}

// leakedLocked returns the decayed used count at now. Callers hold b.mu.
func (b *LeakyBucket) leakedLocked(now time.Time) int {
	elapsed := now.Sub(b.last).Seconds()
	if elapsed <= 0 {
		return b.used
	}
	delta := math.Floor(b.rate / 60 * elapsed)
	if delta >= float64(b.used) {
		return 0
	}
	return b.used - int(delta)
}

// attempt tries to commit one token. On failure it returns how long to wait
// before the next attempt could succeed.
func (b *LeakyBucket) attempt() (time.Duration, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := b.clock.Now()
	b.used = b.leakedLocked(now)
	if b.used+1 <= b.capacity {
		b.used++
		b.last = now
		return 0, true
	}
	return b.last.Add(b.interval).Sub(now), false
}

// Wait blocks until a token is committed or ctx is done. A cancelled wait
// commits nothing.
func (b *LeakyBucket) Wait(ctx context.Context) error {
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		wait, ok := b.attempt()
		if ok {
			return nil
		}
		if wait <= 0 {
			continue
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-b.clock.After(wait):
		}
	}
}

// Acquire blocks the calling goroutine until a token is committed. It is
// meant for work running on a worker pool where no context is available.
func (b *LeakyBucket) Acquire() {
	_ = b.Wait(context.Background())
}

// AcquireAsync returns immediately; the channel receives exactly one value,
// nil once a token is committed or ctx.Err() if the wait was abandoned.
func (b *LeakyBucket) AcquireAsync(ctx context.Context) <-chan error {
	done := make(chan error, 1)
	go func() {
		done <- b.Wait(ctx)
	}()
	return done
}

// TryAcquire makes a single attempt without waiting.
func (b *LeakyBucket) TryAcquire() bool {
	_, ok := b.attempt()
	return ok
}

// UsedTokens reports the decayed used count without modifying state.
func (b *LeakyBucket) UsedTokens() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.leakedLocked(b.clock.Now())
}

func (b *LeakyBucket) AvailableTokens() int {
	return b.Capacity() - b.UsedTokens()
}

func (b *LeakyBucket) Capacity() int {
	return b.capacity
}

// Rate returns the configured tokens per minute.
func (b *LeakyBucket) Rate() float64 {
	return b.rate
}
