package main

import (
	"sync"
	"time"
)

// reconnectTracker counts connections per source host in a fixed window and
// refuses hosts that exceed the threshold until their ban expires.
type reconnectTracker struct {
	mu          sync.Mutex
	entries     map[string]*reconnectEntry
	threshold   int
	window      time.Duration
	banDuration time.Duration
	lastPrune   time.Time
}

type reconnectEntry struct {
	count       int
	reset       time.Time
	bannedUntil time.Time
}

func newReconnectTracker(threshold int, window, banDuration time.Duration) *reconnectTracker {
	if threshold <= 0 || window <= 0 || banDuration <= 0 {
		return nil
	}
	return &reconnectTracker{
		entries:     make(map[string]*reconnectEntry),
		threshold:   threshold,
		window:      window,
		banDuration: banDuration,
	}
}

func (rt *reconnectTracker) allow(host string, now time.Time) bool {
	if rt == nil || host == "" {
		return true
	}
	rt.mu.Lock()
	defer rt.mu.Unlock()

	if now.Sub(rt.lastPrune) > rt.window {
		rt.pruneLocked(now)
	}

	entry, ok := rt.entries[host]
	if !ok {
		entry = &reconnectEntry{reset: now.Add(rt.window)}
		rt.entries[host] = entry
	}
	if now.Before(entry.bannedUntil) {
		return false
	}
	if now.After(entry.reset) {
		entry.count = 0
		entry.reset = now.Add(rt.window)
		entry.bannedUntil = time.Time{}
	}
	entry.count++
	if entry.count > rt.threshold {
		entry.bannedUntil = now.Add(rt.banDuration)
		logger.Warn("reconnect ban", "component", "listener", "kind", "ban", "host", host, "attempts", entry.count, "until", entry.bannedUntil.UTC().Format(time.RFC3339))
		return false
	}
	return true
}

// pruneLocked drops hosts whose window and ban have both expired.
func (rt *reconnectTracker) pruneLocked(now time.Time) {
	for host, e := range rt.entries {
		if now.After(e.reset) && !now.Before(e.bannedUntil) {
			delete(rt.entries, host)
		}
	}
	rt.lastPrune = now
}

// banned returns the number of hosts currently refused.
func (rt *reconnectTracker) banned(now time.Time) int {
	if rt == nil {
		return 0
	}
	rt.mu.Lock()
	defer rt.mu.Unlock()
	n := 0
	for _, e := range rt.entries {
		if now.Before(e.bannedUntil) {
			n++
		}
	}
	return n
}
