package common

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"pgregory.net/rapid"
)

// fakeClock jumps forward instead of sleeping.
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2024, 3, 1, 9, 30, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func (c *fakeClock) After(d time.Duration) <-chan time.Time {
	c.Advance(d)
	ch := make(chan time.Time, 1)
	ch <- c.Now()
	return ch
}

func TestNewLeakyBucketRejectsBadArgs(t *testing.T) {
	tests := []struct {
		name string
		rate float64
		opts []BucketOption
	}{
		{name: "zero rate", rate: 0},
		{name: "negative rate", rate: -1},
		{name: "zero capacity", rate: 10, opts: []BucketOption{WithCapacity(0)}},
		{name: "negative used", rate: 10, opts: []BucketOption{WithUsedTokens(-1)}},
		{name: "used above capacity", rate: 10, opts: []BucketOption{WithCapacity(2), WithUsedTokens(3)}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewLeakyBucket(tt.rate, tt.opts...)
			var cfgErr *ConfigError
			if !errors.As(err, &cfgErr) {
				t.Fatalf("err=%v, expected ConfigError", err)
			}
		})
	}
}

func TestLeakyBucketSecondAcquireWaitsOneInterval(t *testing.T) {
	clock := newFakeClock()
	b := MustLeakyBucket(60, WithClock(clock))
	start := clock.Now()

	b.Acquire()
	if got := clock.Now().Sub(start); got != 0 {
		t.Fatalf("first acquire waited %v, expected 0", got)
	}

	b.Acquire()
	if got := clock.Now().Sub(start); got != time.Second {
		t.Fatalf("second acquire completed after %v, expected 1s", got)
	}
}

func TestLeakyBucketCapacityAllowsBurst(t *testing.T) {
	clock := newFakeClock()
	b := MustLeakyBucket(60, WithClock(clock), WithCapacity(3))
	start := clock.Now()

	for i := 0; i < 3; i++ {
		if !b.TryAcquire() {
			t.Fatalf("burst acquire %d failed", i)
		}
	}
	if b.TryAcquire() {
		t.Fatalf("fourth acquire succeeded without waiting")
	}

	b.Acquire()
	if got := clock.Now().Sub(start); got != time.Second {
		t.Fatalf("fourth acquire completed after %v, expected 1s", got)
	}
	if used := b.UsedTokens(); used != 3 {
		t.Fatalf("UsedTokens=%d, expected 3", used)
	}
}

func TestLeakyBucketDecay(t *testing.T) {
	clock := newFakeClock()
	b := MustLeakyBucket(60, WithClock(clock), WithCapacity(3), WithUsedTokens(3))

	clock.Advance(2500 * time.Millisecond)
	if used := b.UsedTokens(); used != 1 {
		t.Fatalf("UsedTokens=%d, expected 1", used)
	}
	if avail := b.AvailableTokens(); avail != 2 {
		t.Fatalf("AvailableTokens=%d, expected 2", avail)
	}

	clock.Advance(time.Hour)
	if used := b.UsedTokens(); used != 0 {
		t.Fatalf("UsedTokens=%d, expected 0 after long idle", used)
	}
}

func TestLeakyBucketNonIntegralInterval(t *testing.T) {
	clock := newFakeClock()
	b := MustLeakyBucket(9, WithClock(clock))
	start := clock.Now()

	b.Acquire()
	b.Acquire()
	got := clock.Now().Sub(start)
	want := 60 * time.Second / 9
	if got < want || got > want+time.Microsecond {
		t.Fatalf("second acquire completed after %v, expected about %v", got, want)
	}
}

func TestLeakyBucketWaitCancelledCommitsNothing(t *testing.T) {
	b := MustLeakyBucket(1, WithUsedTokens(1))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	err := b.Wait(ctx)
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("err=%v, expected deadline exceeded", err)
	}
	if used := b.UsedTokens(); used != 1 {
		t.Fatalf("UsedTokens=%d, expected 1", used)
	}
}

func TestLeakyBucketAcquireAsync(t *testing.T) {
	clock := newFakeClock()
	b := MustLeakyBucket(60, WithClock(clock))

	if err := <-b.AcquireAsync(context.Background()); err != nil {
		t.Fatalf("AcquireAsync: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := <-b.AcquireAsync(ctx); !errors.Is(err, context.Canceled) {
		t.Fatalf("err=%v, expected context.Canceled", err)
	}
}

func TestLeakyBucketSharedBetweenEntryPoints(t *testing.T) {
	// 6000/min leaks one token every 10ms.
	b := MustLeakyBucket(6000)
	start := time.Now()

	var wg sync.WaitGroup
	for i := 0; i < 3; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			b.Acquire()
		}()
	}
	var asyncs []<-chan error
	for i := 0; i < 2; i++ {
		asyncs = append(asyncs, b.AcquireAsync(context.Background()))
	}
	wg.Wait()
	for _, ch := range asyncs {
		if err := <-ch; err != nil {
			t.Fatalf("AcquireAsync: %v", err)
		}
	}

	// Five commits with capacity one need at least four leak intervals.
	if elapsed := time.Since(start); elapsed < 40*time.Millisecond {
		t.Fatalf("elapsed=%v, expected at least 40ms", elapsed)
	}
}

func TestPropertyLeakyBucketNeverExceedsCapacity(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		rate := rapid.Float64Range(1, 600).Draw(t, "rate")
		capacity := rapid.IntRange(1, 10).Draw(t, "capacity")
		clock := newFakeClock()
		b := MustLeakyBucket(rate, WithClock(clock), WithCapacity(capacity))

		steps := rapid.IntRange(1, 50).Draw(t, "steps")
		for i := 0; i < steps; i++ {
			clock.Advance(time.Duration(rapid.Int64Range(0, int64(2*time.Second)).Draw(t, "advance")))
			b.TryAcquire()
			if used := b.UsedTokens(); used < 0 || used > capacity {
				t.Fatalf("UsedTokens=%d outside [0, %d]", used, capacity)
			}
		}
	})
}
