package main

import (
	"context"
	"sync"
	"time"
)

// acceptRateLimiter is a token bucket in front of Accept. A nil limiter
// admits everything.
type acceptRateLimiter struct {
	mu     sync.Mutex
	rate   float64 // tokens per second
	burst  float64
	tokens float64
	last   time.Time
}

func newAcceptRateLimiter(maxPerSecond, burst int) *acceptRateLimiter {
	if maxPerSecond <= 0 {
		return nil
	}
	b := float64(burst)
	if b <= 0 {
		b = float64(maxPerSecond)
	}
	return &acceptRateLimiter{
		rate:   float64(maxPerSecond),
		burst:  b,
		tokens: b,
		last:   time.Now(),
	}
}

// take refills the bucket and either consumes a token or reports how long
// the caller must wait for one.
func (l *acceptRateLimiter) take(now time.Time) time.Duration {
	l.mu.Lock()
	defer l.mu.Unlock()
	if elapsed := now.Sub(l.last).Seconds(); elapsed > 0 {
		l.tokens += elapsed * l.rate
		if l.tokens > l.burst {
			l.tokens = l.burst
		}
		l.last = now
	}
	if l.tokens >= 1 {
		l.tokens--
		return 0
	}
	wait := time.Duration((1 - l.tokens) / l.rate * float64(time.Second))
	if wait <= 0 {
		wait = time.Millisecond
	}
	return wait
}

// wait blocks until a token is available. It returns false when ctx ends
// first so shutdown is never held up by the limiter.
func (l *acceptRateLimiter) wait(ctx context.Context) bool {
	if l == nil {
		return true
	}
	for {
		d := l.take(time.Now())
		if d == 0 {
			return true
		}
		timer := time.NewTimer(d)
		select {
		case <-ctx.Done():
			timer.Stop()
			return false
		case <-timer.C:
		}
	}
}
