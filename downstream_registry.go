package main

import (
	"sort"
	"sync"
	"time"
)

// downstreamRegistry tracks live downstream connections. The mutex is held
// only for add/remove so status snapshots never block frame handling.
type downstreamRegistry struct {
	mu    sync.Mutex
	conns map[*downstreamConn]struct{}
}

func newDownstreamRegistry() *downstreamRegistry {
	return &downstreamRegistry{
		conns: make(map[*downstreamConn]struct{}),
	}
}

func (r *downstreamRegistry) Add(c *downstreamConn) {
	if c == nil {
		return
	}
	r.mu.Lock()
	r.conns[c] = struct{}{}
	r.mu.Unlock()
}

func (r *downstreamRegistry) Remove(c *downstreamConn) {
	if c == nil {
		return
	}
	r.mu.Lock()
	delete(r.conns, c)
	r.mu.Unlock()
}

func (r *downstreamRegistry) Count() int {
	r.mu.Lock()
	n := len(r.conns)
	r.mu.Unlock()
	return n
}

func (r *downstreamRegistry) Snapshot() []*downstreamConn {
	r.mu.Lock()
	out := make([]*downstreamConn, 0, len(r.conns))
	for c := range r.conns {
		out = append(out, c)
	}
	r.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].id < out[j].id })
	return out
}

// CloseAll cancels every connection; each one tears itself down.
func (r *downstreamRegistry) CloseAll() {
	for _, c := range r.Snapshot() {
		c.Close()
	}
}

func (r *downstreamRegistry) Info(now time.Time) []downstreamInfo {
	conns := r.Snapshot()
	out := make([]downstreamInfo, 0, len(conns))
	for _, c := range conns {
		out = append(out, c.info(now))
	}
	return out
}
