package ratelimit

import (
	"testing"
	"time"
)

func newTestLimiter(t *testing.T, rate float64, burst int, ttl time.Duration) (*Limiter, *time.Time) {
	t.Helper()
	l := New(rate, burst, ttl)
	t.Cleanup(l.Stop)
	now := time.Now()
	l.now = func() time.Time { return now }
	return l, &now
}

func TestBurstThenDeny(t *testing.T) {
	l, _ := newTestLimiter(t, 1, 5, time.Minute)
	for i := 0; i < 5; i++ {
		if !l.Allow("1.2.3.4") {
			t.Fatalf("request %d within burst denied", i+1)
		}
	}
	if l.Allow("1.2.3.4") {
		t.Fatalf("request beyond burst allowed")
	}
}

func TestRefillOverTime(t *testing.T) {
	l, now := newTestLimiter(t, 1, 5, time.Minute)
	for i := 0; i < 5; i++ {
		l.Allow("k")
	}
	if l.Allow("k") {
		t.Fatalf("bucket not empty after burst")
	}

	*now = now.Add(time.Second)
	if !l.Allow("k") {
		t.Fatalf("one token should have refilled after 1s at rate 1/s")
	}
	if l.Allow("k") {
		t.Fatalf("only one token should have refilled")
	}

	// refill never exceeds the burst capacity
	*now = now.Add(time.Hour)
	for i := 0; i < 5; i++ {
		if !l.Allow("k") {
			t.Fatalf("request %d after long idle denied", i+1)
		}
	}
	if l.Allow("k") {
		t.Fatalf("bucket refilled beyond burst")
	}
}

func TestKeysAreIndependent(t *testing.T) {
	l, _ := newTestLimiter(t, 1, 2, time.Minute)
	l.Allow("a")
	l.Allow("a")
	if l.Allow("a") {
		t.Fatalf("key a should be exhausted")
	}
	if !l.Allow("b") {
		t.Fatalf("key b throttled by key a's usage")
	}
}

func TestIdleBucketsSwept(t *testing.T) {
	l, now := newTestLimiter(t, 1, 5, time.Minute)
	l.Allow("old")
	*now = now.Add(2 * time.Minute)
	l.Allow("fresh")
	l.sweepOnce()

	l.mu.Lock()
	_, oldKept := l.buckets["old"]
	_, freshKept := l.buckets["fresh"]
	l.mu.Unlock()
	if oldKept {
		t.Fatalf("idle bucket survived sweep")
	}
	if !freshKept {
		t.Fatalf("active bucket swept")
	}
}
