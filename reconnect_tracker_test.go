package main

import (
	"testing"
	"time"
)

func TestReconnectTrackerDisabled(t *testing.T) {
	if rt := newReconnectTracker(0, time.Minute, time.Minute); rt != nil {
		t.Fatalf("expected nil tracker for zero threshold")
	}
	var rt *reconnectTracker
	if !rt.allow("10.0.0.1", time.Now()) {
		t.Fatalf("nil tracker should allow")
	}
	if n := rt.banned(time.Now()); n != 0 {
		t.Fatalf("banned=%d want 0", n)
	}
}

func TestReconnectTrackerBansAfterThreshold(t *testing.T) {
	rt := newReconnectTracker(3, time.Minute, 5*time.Minute)
	now := time.Unix(1_700_000_000, 0)
	for i := 0; i < 3; i++ {
		if !rt.allow("10.0.0.1", now.Add(time.Duration(i)*time.Second)) {
			t.Fatalf("attempt %d refused", i)
		}
	}
	if rt.allow("10.0.0.1", now.Add(4*time.Second)) {
		t.Fatalf("fourth attempt inside window allowed")
	}
	if !rt.allow("10.0.0.2", now.Add(4*time.Second)) {
		t.Fatalf("other host refused")
	}
	if n := rt.banned(now.Add(5 * time.Second)); n != 1 {
		t.Fatalf("banned=%d want 1", n)
	}
	if rt.allow("10.0.0.1", now.Add(2*time.Minute)) {
		t.Fatalf("allowed while banned")
	}
	if !rt.allow("10.0.0.1", now.Add(6*time.Minute)) {
		t.Fatalf("refused after ban expired")
	}
}

func TestReconnectTrackerWindowResets(t *testing.T) {
	rt := newReconnectTracker(2, time.Minute, time.Hour)
	now := time.Unix(1_700_000_000, 0)
	rt.allow("h", now)
	rt.allow("h", now.Add(time.Second))
	if !rt.allow("h", now.Add(2*time.Minute)) {
		t.Fatalf("refused after window reset")
	}
}

func TestReconnectTrackerPrunesIdleHosts(t *testing.T) {
	rt := newReconnectTracker(5, time.Minute, time.Minute)
	now := time.Unix(1_700_000_000, 0)
	rt.allow("a", now)
	rt.allow("b", now)
	rt.allow("c", now.Add(10*time.Minute))

	rt.mu.Lock()
	defer rt.mu.Unlock()
	if len(rt.entries) != 1 {
		t.Fatalf("entries=%d want 1 after prune", len(rt.entries))
	}
}
