package ratelimit

import (
	"context"
	"sync"
	"testing"
	"time"
)

// fakeClock is a manually advanced clock for deterministic refill tests.
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func newTestLimiter(clock *fakeClock, def BucketConfig) *Limiter {
	return New(Config{Default: def, Now: clock.Now})
}

func TestTryAcquire_BurstThenDeny(t *testing.T) {
	clock := newFakeClock()
	l := newTestLimiter(clock, BucketConfig{Capacity: 5, RefillPerSecond: 1})

	for i := 0; i < 5; i++ {
		d := l.TryAcquire("verisign")
		if !d.Allowed {
			t.Fatalf("call %d: denied, want allowed", i+1)
		}
	}

	d := l.TryAcquire("verisign")
	if d.Allowed {
		t.Fatal("6th call allowed, want denied")
	}
	if d.Wait != 1000*time.Millisecond {
		t.Errorf("Wait = %v, want 1s", d.Wait)
	}

	clock.Advance(1 * time.Second)
	d = l.TryAcquire("verisign")
	if !d.Allowed {
		t.Error("7th call after refill window denied, want allowed")
	}
}

func TestTryAcquire_FractionalRefillAccumulates(t *testing.T) {
	clock := newFakeClock()
	l := newTestLimiter(clock, BucketConfig{Capacity: 2, RefillPerSecond: 1})

	// Drain the bucket.
	l.TryAcquire("k")
	l.TryAcquire("k")

	// Ten 100ms slices must accumulate to one full token.
	for i := 0; i < 10; i++ {
		clock.Advance(100 * time.Millisecond)
		if i < 9 {
			if d := l.TryAcquire("k"); d.Allowed {
				t.Fatalf("slice %d: allowed with only partial token", i+1)
			}
		}
	}

	if d := l.TryAcquire("k"); !d.Allowed {
		t.Error("denied after 1s of fractional refill, want allowed")
	}
}

func TestTryAcquire_NeverExceedsCapacity(t *testing.T) {
	clock := newFakeClock()
	l := newTestLimiter(clock, BucketConfig{Capacity: 3, RefillPerSecond: 10})

	// A long idle period must not accumulate beyond capacity.
	clock.Advance(1 * time.Hour)

	allowed := 0
	for i := 0; i < 10; i++ {
		if d := l.TryAcquire("k"); d.Allowed {
			allowed++
		}
	}
	if allowed != 3 {
		t.Errorf("allowed %d admissions after idle, want capacity 3", allowed)
	}
}

func TestConfigure_UpdatesExistingBucket(t *testing.T) {
	clock := newFakeClock()
	l := newTestLimiter(clock, BucketConfig{Capacity: 10, RefillPerSecond: 1})

	l.Configure("ripe", 2, 1)
	if d := l.TryAcquire("ripe"); !d.Allowed {
		t.Fatal("first acquire denied")
	}
	if d := l.TryAcquire("ripe"); !d.Allowed {
		t.Fatal("second acquire denied")
	}
	if d := l.TryAcquire("ripe"); d.Allowed {
		t.Error("third acquire allowed, want denied under capacity 2")
	}

	// Shrinking capacity clamps tokens.
	l.Reset("ripe")
	l.Configure("ripe", 1, 1)
	if u := l.GetUsage("ripe"); u.Tokens > 1 {
		t.Errorf("tokens = %v after shrink, want <= 1", u.Tokens)
	}
}

func TestConfigure_InvalidParamsIgnored(t *testing.T) {
	clock := newFakeClock()
	l := newTestLimiter(clock, BucketConfig{Capacity: 5, RefillPerSecond: 1})

	l.Configure("k", 0, -1)
	if u := l.GetUsage("k"); u.Capacity != 5 {
		t.Errorf("Capacity = %v, want default 5", u.Capacity)
	}
}

func TestGetUsage(t *testing.T) {
	clock := newFakeClock()
	l := newTestLimiter(clock, BucketConfig{Capacity: 4, RefillPerSecond: 1})

	l.TryAcquire("k")
	l.TryAcquire("k")

	u := l.GetUsage("k")
	if u.Capacity != 4 {
		t.Errorf("Capacity = %v, want 4", u.Capacity)
	}
	if u.Tokens != 2 {
		t.Errorf("Tokens = %v, want 2", u.Tokens)
	}
	if u.UtilizationPct != 50 {
		t.Errorf("UtilizationPct = %v, want 50", u.UtilizationPct)
	}
}

func TestReset(t *testing.T) {
	clock := newFakeClock()
	l := newTestLimiter(clock, BucketConfig{Capacity: 2, RefillPerSecond: 1})

	l.TryAcquire("a")
	l.TryAcquire("a")
	l.TryAcquire("b")

	l.Reset("a")
	if u := l.GetUsage("a"); u.Tokens != 2 {
		t.Errorf("a tokens = %v after Reset, want 2", u.Tokens)
	}
	if u := l.GetUsage("b"); u.Tokens != 1 {
		t.Errorf("b tokens = %v, want 1 (untouched)", u.Tokens)
	}

	l.ResetAll()
	if u := l.GetUsage("b"); u.Tokens != 2 {
		t.Errorf("b tokens = %v after ResetAll, want 2", u.Tokens)
	}
}

func TestAcquire_WaitsForToken(t *testing.T) {
	l := New(Config{Default: BucketConfig{Capacity: 1, RefillPerSecond: 20}})

	if d := l.TryAcquire("k"); !d.Allowed {
		t.Fatal("initial acquire denied")
	}

	// Next token arrives after ~50ms; Acquire must block then succeed.
	start := time.Now()
	if err := l.Acquire(context.Background(), "k"); err != nil {
		t.Fatalf("Acquire failed: %v", err)
	}
	if waited := time.Since(start); waited < 25*time.Millisecond {
		t.Errorf("Acquire returned after %v, expected a real wait", waited)
	}
}

func TestAcquire_Cancellation(t *testing.T) {
	l := New(Config{Default: BucketConfig{Capacity: 1, RefillPerSecond: 0.001}})
	l.TryAcquire("slow")

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() {
		errCh <- l.Acquire(ctx, "slow")
	}()

	cancel()
	select {
	case err := <-errCh:
		if err != context.Canceled {
			t.Errorf("Acquire error = %v, want context.Canceled", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Acquire did not observe cancellation promptly")
	}
}

func TestBucketMap_EvictsOldest(t *testing.T) {
	clock := newFakeClock()
	l := New(Config{
		Default:    BucketConfig{Capacity: 5, RefillPerSecond: 1},
		MaxBuckets: 2,
		Now:        clock.Now,
	})

	l.TryAcquire("a")
	clock.Advance(time.Second)
	l.TryAcquire("b")
	clock.Advance(time.Second)
	l.TryAcquire("c") // evicts "a"

	l.mu.Lock()
	_, hasA := l.buckets["a"]
	_, hasB := l.buckets["b"]
	_, hasC := l.buckets["c"]
	l.mu.Unlock()

	if hasA {
		t.Error("bucket a still present, want evicted as least recently used")
	}
	if !hasB || !hasC {
		t.Error("buckets b and c should survive eviction")
	}

	// An evicted key re-initializes to full capacity.
	if u := l.GetUsage("a"); u.Tokens != 5 {
		t.Errorf("re-created bucket tokens = %v, want full capacity 5", u.Tokens)
	}
}

func TestTryAcquire_ConcurrentAdmissionBound(t *testing.T) {
	clock := newFakeClock()
	l := newTestLimiter(clock, BucketConfig{Capacity: 10, RefillPerSecond: 1})

	var wg sync.WaitGroup
	var mu sync.Mutex
	allowed := 0
	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if d := l.TryAcquire("shared"); d.Allowed {
				mu.Lock()
				allowed++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	if allowed != 10 {
		t.Errorf("allowed %d concurrent admissions, want exactly capacity 10", allowed)
	}
}
