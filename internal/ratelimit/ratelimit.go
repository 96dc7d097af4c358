// Package ratelimit implements per-key token buckets for request admission.
// Buckets refill continuously and idle ones are swept so the key map cannot
// grow without bound.
package ratelimit

import (
	"sync"
	"time"
)

const sweepInterval = time.Minute

// Limiter hands out request tokens per key (typically a client IP).
type Limiter struct {
	rate  float64 // tokens added per second
	burst float64 // bucket capacity
	ttl   time.Duration

	mu      sync.Mutex
	buckets map[string]*bucket

	now    func() time.Time
	stopCh chan struct{}
	once   sync.Once
}

type bucket struct {
	tokens   float64
	lastSeen time.Time
}

// New builds a Limiter and starts its sweep loop. rate is requests per
// second, burst the instantaneous allowance, ttl how long an idle key's
// bucket is retained.
func New(rate float64, burst int, ttl time.Duration) *Limiter {
	if rate <= 0 {
		rate = 1
	}
	if burst < 1 {
		burst = 1
	}
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	l := &Limiter{
		rate:    rate,
		burst:   float64(burst),
		ttl:     ttl,
		buckets: make(map[string]*bucket),
		now:     time.Now,
		stopCh:  make(chan struct{}),
	}
	go l.sweep()
	return l
}

// Allow reports whether one request for key may proceed now.
func (l *Limiter) Allow(key string) bool {
	now := l.now()
	l.mu.Lock()
	defer l.mu.Unlock()

	b, ok := l.buckets[key]
	if !ok {
		b = &bucket{tokens: l.burst}
		l.buckets[key] = b
	} else {
		elapsed := now.Sub(b.lastSeen).Seconds()
		b.tokens += elapsed * l.rate
		if b.tokens > l.burst {
			b.tokens = l.burst
		}
	}
	b.lastSeen = now

	if b.tokens < 1 {
		return false
	}
	b.tokens--
	return true
}

// Stop terminates the sweep loop.
func (l *Limiter) Stop() {
	l.once.Do(func() { close(l.stopCh) })
}

func (l *Limiter) sweep() {
	ticker := time.NewTicker(sweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-l.stopCh:
			return
		case <-ticker.C:
			l.sweepOnce()
		}
	}
}

// sweepOnce exists for tests; it runs one eviction pass synchronously.
func (l *Limiter) sweepOnce() {
	cutoff := l.now().Add(-l.ttl)
	l.mu.Lock()
	for key, b := range l.buckets {
		if b.lastSeen.Before(cutoff) {
			delete(l.buckets, key)
		}
	}
	l.mu.Unlock()
}
