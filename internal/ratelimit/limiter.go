// Package ratelimit keeps one token bucket per caller.
// The HTTP API keys it by client IP, the Telegram bot by user id.
package ratelimit

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// idleTTL is how long an unused bucket is kept before cleanup drops it.
const idleTTL = 10 * time.Minute

const cleanupInterval = 5 * time.Minute

type visitor struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// Limiter hands out a token bucket per key.
type Limiter[K comparable] struct {
	mu       sync.Mutex
	visitors map[K]*visitor
	rps      rate.Limit
	burst    int

	stopOnce sync.Once
	stopCh   chan struct{}
}

// New starts a limiter allowing rps events per second per key with the
// given burst. Close must be called on shutdown.
func New[K comparable](rps float64, burst int) *Limiter[K] {
	l := &Limiter[K]{
		visitors: make(map[K]*visitor),
		rps:      rate.Limit(rps),
		burst:    burst,
		stopCh:   make(chan struct{}),
	}
	go l.cleanup()
	return l
}

// Close stops the cleanup goroutine.
func (l *Limiter[K]) Close() {
	l.stopOnce.Do(func() { close(l.stopCh) })
}

// Allow reports whether key may proceed now and consumes a token if so.
func (l *Limiter[K]) Allow(key K) bool {
	l.mu.Lock()
	v, ok := l.visitors[key]
	if !ok {
		v = &visitor{limiter: rate.NewLimiter(l.rps, l.burst)}
		l.visitors[key] = v
	}
	v.lastSeen = time.Now()
	l.mu.Unlock()

	return v.limiter.Allow()
}

// Len returns the number of tracked keys.
func (l *Limiter[K]) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.visitors)
}

func (l *Limiter[K]) cleanup() {
	ticker := time.NewTicker(cleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-l.stopCh:
			return
		case <-ticker.C:
			l.evict(time.Now().Add(-idleTTL))
		}
	}
}

// evict drops buckets last used before cutoff.
func (l *Limiter[K]) evict(cutoff time.Time) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for key, v := range l.visitors {
		if v.lastSeen.Before(cutoff) {
			delete(l.visitors, key)
		}
	}
}
