package main

import (
	"net/http"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/bytedance/sonic"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const (
	defaultBestShareLimit = 12

	// submitStatusOther buckets pool rejection texts that are not one of
	// the known SV2 codes.
	submitStatusOther = "other"
)

var knownSubmitStatuses = map[string]struct{}{
	"accepted":                {},
	"unspecified":             {},
	sv2ErrStaleShare:          {},
	sv2ErrDuplicateShare:      {},
	sv2ErrDifficultyTooLow:    {},
	sv2ErrUnauthorizedWorker:  {},
	sv2ErrNotSubscribed:       {},
	sv2ErrInvalidJobID:        {},
	sv2ErrInvalidExtranonce:   {},
	sv2ErrInvalidChannelID:    {},
	sv2ErrUpstreamUnavailable: {},
}

// BestShare is one of the highest-difficulty accepted shares seen by the proxy.
type BestShare struct {
	User       string    `json:"user"`
	Difficulty float64   `json:"difficulty"`
	Timestamp  time.Time `json:"timestamp"`
	JobID      string    `json:"job_id"`
}

type latencySummary struct {
	Last  float64 `json:"last_seconds"`
	Max   float64 `json:"max_seconds"`
	Sum   float64 `json:"sum_seconds"`
	Count uint64  `json:"count"`
}

// ProxyMetrics holds the counters exposed on the status listener. All
// methods accept a nil receiver.
type ProxyMetrics struct {
	mu            sync.RWMutex
	connOpened    map[string]uint64
	connClosed    map[string]uint64
	submits       map[string]uint64
	shareDiffSum  float64
	v1Latency     map[string]*latencySummary
	upstreamDials uint64
	upstreamFails uint64

	registry      *prometheus.Registry
	promOpened    *prometheus.CounterVec
	promClosed    *prometheus.CounterVec
	promSubmits   *prometheus.CounterVec
	promDiffSum   prometheus.Counter
	promDials     prometheus.Counter
	promDialFails prometheus.Counter
	promLatency   *prometheus.SummaryVec

	bestShares     [defaultBestShareLimit]BestShare
	bestShareCount int
	bestSharesMu   sync.RWMutex
	bestSharesFile string
}

func NewProxyMetrics() *ProxyMetrics {
	m := &ProxyMetrics{
		connOpened: make(map[string]uint64),
		connClosed: make(map[string]uint64),
		submits:    make(map[string]uint64),
		v1Latency:  make(map[string]*latencySummary),
		registry:   prometheus.NewRegistry(),
		promOpened: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "sv2proxy_connections_opened_total",
			Help: "Connections reaching a stage.",
		}, []string{"stage"}),
		promClosed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "sv2proxy_connections_closed_total",
			Help: "Connections closed after a stage.",
		}, []string{"stage"}),
		promSubmits: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "sv2proxy_submits_total",
			Help: "Share submissions by outcome.",
		}, []string{"status"}),
		promDiffSum: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "sv2proxy_share_difficulty_sum",
			Help: "Sum of accepted share difficulty.",
		}),
		promDials: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "sv2proxy_upstream_dials_total",
			Help: "Upstream dial attempts.",
		}),
		promDialFails: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "sv2proxy_upstream_dial_failures_total",
			Help: "Failed upstream dials.",
		}),
		promLatency: prometheus.NewSummaryVec(prometheus.SummaryOpts{
			Name:       "sv2proxy_v1_request_seconds",
			Help:       "Upstream V1 request latency.",
			Objectives: map[float64]float64{0.5: 0.05, 0.9: 0.01, 0.99: 0.001},
		}, []string{"method"}),
	}
	m.registry.MustRegister(m.promOpened, m.promClosed, m.promSubmits, m.promDiffSum, m.promDials, m.promDialFails, m.promLatency)
	return m
}

func (m *ProxyMetrics) SetBestSharesFile(path string) {
	if m == nil || path == "" {
		return
	}
	m.bestSharesFile = path
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		logger.Warn("create best shares directory", "component", "metrics", "kind", "best_shares", "error", err, "path", filepath.Dir(path))
	}
	if err := m.loadBestSharesFile(path); err != nil {
		logger.Warn("load best shares file", "component", "metrics", "kind", "best_shares", "error", err, "path", path)
	}
}

func (m *ProxyMetrics) loadBestSharesFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	var shares []BestShare
	if err := sonic.Unmarshal(data, &shares); err != nil {
		return err
	}
	m.bestSharesMu.Lock()
	defer m.bestSharesMu.Unlock()
	m.bestShareCount = 0
	for _, share := range shares {
		if share.Difficulty <= 0 {
			continue
		}
		if m.bestShareCount >= defaultBestShareLimit {
			break
		}
		m.bestShares[m.bestShareCount] = share
		m.bestShareCount++
	}
	return nil
}

// RecordConnOpen counts a connection reaching stage (accepted, handshake,
// operational, upstream).
func (m *ProxyMetrics) RecordConnOpen(stage string) {
	if m == nil {
		return
	}
	stage = sanitizeLabel(stage, "unknown")
	m.mu.Lock()
	m.connOpened[stage]++
	m.mu.Unlock()
	m.promOpened.WithLabelValues(stage).Inc()
}

func (m *ProxyMetrics) RecordConnClose(stage string) {
	if m == nil {
		return
	}
	stage = sanitizeLabel(stage, "unknown")
	m.mu.Lock()
	m.connClosed[stage]++
	m.mu.Unlock()
	m.promClosed.WithLabelValues(stage).Inc()
}

// RecordSubmit counts a share outcome. status is "accepted" or the SV2 error
// code it was answered with; free-form pool texts count as "other".
func (m *ProxyMetrics) RecordSubmit(status string, difficulty float64) {
	if m == nil {
		return
	}
	status = submitStatusLabel(status)
	accepted := status == "accepted" && difficulty > 0
	m.mu.Lock()
	m.submits[status]++
	if accepted {
		m.shareDiffSum += difficulty
	}
	m.mu.Unlock()
	m.promSubmits.WithLabelValues(status).Inc()
	if accepted {
		m.promDiffSum.Add(difficulty)
	}
}

func submitStatusLabel(status string) string {
	status = sanitizeLabel(status, "unspecified")
	if _, ok := knownSubmitStatuses[status]; ok {
		return status
	}
	return submitStatusOther
}

func (m *ProxyMetrics) RecordUpstreamDial(ok bool) {
	if m == nil {
		return
	}
	m.mu.Lock()
	m.upstreamDials++
	if !ok {
		m.upstreamFails++
	}
	m.mu.Unlock()
	m.promDials.Inc()
	if !ok {
		m.promDialFails.Inc()
	}
}

func (m *ProxyMetrics) observeV1Latency(method string, dur time.Duration) {
	if m == nil {
		return
	}
	seconds := dur.Seconds()
	m.mu.Lock()
	s := m.v1Latency[method]
	if s == nil {
		s = &latencySummary{}
		m.v1Latency[method] = s
	}
	s.Last = seconds
	if seconds > s.Max {
		s.Max = seconds
	}
	s.Sum += seconds
	s.Count++
	m.mu.Unlock()
	m.promLatency.WithLabelValues(method).Observe(seconds)
}

// MetricsSnapshot is a copy of every counter, safe to serialize.
type MetricsSnapshot struct {
	ConnOpened       map[string]uint64         `json:"connections_opened"`
	ConnClosed       map[string]uint64         `json:"connections_closed"`
	Submits          map[string]uint64         `json:"submits"`
	ShareDiffSum     float64                   `json:"share_difficulty_sum"`
	V1Latency        map[string]latencySummary `json:"v1_latency"`
	UpstreamDials    uint64                    `json:"upstream_dials"`
	UpstreamFailures uint64                    `json:"upstream_dial_failures"`
	BestShares       []BestShare               `json:"best_shares,omitempty"`
}

func (m *ProxyMetrics) Snapshot() MetricsSnapshot {
	if m == nil {
		return MetricsSnapshot{}
	}
	m.mu.RLock()
	snap := MetricsSnapshot{
		ConnOpened:       copyCounts(m.connOpened),
		ConnClosed:       copyCounts(m.connClosed),
		Submits:          copyCounts(m.submits),
		ShareDiffSum:     m.shareDiffSum,
		V1Latency:        make(map[string]latencySummary, len(m.v1Latency)),
		UpstreamDials:    m.upstreamDials,
		UpstreamFailures: m.upstreamFails,
	}
	for k, v := range m.v1Latency {
		snap.V1Latency[k] = *v
	}
	m.mu.RUnlock()
	snap.BestShares = m.SnapshotBestShares()
	return snap
}

func copyCounts(in map[string]uint64) map[string]uint64 {
	out := make(map[string]uint64, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}

// Handler serves the registry in the Prometheus exposition format.
func (m *ProxyMetrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// SnapshotBestShares returns the best-share list sorted by descending difficulty.
func (m *ProxyMetrics) SnapshotBestShares() []BestShare {
	if m == nil {
		return nil
	}
	m.bestSharesMu.RLock()
	defer m.bestSharesMu.RUnlock()
	if m.bestShareCount == 0 {
		return nil
	}
	out := make([]BestShare, m.bestShareCount)
	copy(out, m.bestShares[:m.bestShareCount])
	return out
}

// TrackBestShare records an accepted share if it ranks in the top N.
func (m *ProxyMetrics) TrackBestShare(user, jobID string, difficulty float64, timestamp time.Time) {
	if m == nil || difficulty <= 0 {
		return
	}
	share := BestShare{User: user, Difficulty: difficulty, Timestamp: timestamp, JobID: jobID}

	m.bestSharesMu.Lock()
	if m.bestShareCount >= defaultBestShareLimit && share.Difficulty <= m.bestShares[m.bestShareCount-1].Difficulty {
		m.bestSharesMu.Unlock()
		return
	}
	idx := sort.Search(m.bestShareCount, func(i int) bool {
		return share.Difficulty > m.bestShares[i].Difficulty
	})
	end := m.bestShareCount
	if end >= defaultBestShareLimit {
		end = defaultBestShareLimit - 1
	}
	for i := end; i > idx; i-- {
		m.bestShares[i] = m.bestShares[i-1]
	}
	m.bestShares[idx] = share
	if m.bestShareCount < defaultBestShareLimit {
		m.bestShareCount++
	}

	var snapshot []BestShare
	if m.bestSharesFile != "" {
		snapshot = make([]BestShare, m.bestShareCount)
		copy(snapshot, m.bestShares[:m.bestShareCount])
	}
	m.bestSharesMu.Unlock()

	if len(snapshot) > 0 {
		m.persistBestShares(snapshot)
	}
}

func sanitizeLabel(val, fallback string) string {
	if val == "" {
		return fallback
	}
	val = strings.ToLower(val)
	val = strings.ReplaceAll(val, " ", "_")
	return val
}

func (m *ProxyMetrics) persistBestShares(shares []BestShare) {
	data, err := sonic.ConfigDefault.MarshalIndent(shares, "", "  ")
	if err != nil {
		logger.Warn("marshal best shares", "component", "metrics", "kind", "best_shares", "error", err)
		return
	}
	tmp := m.bestSharesFile + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		logger.Warn("write best shares temp file", "component", "metrics", "kind", "best_shares", "error", err, "path", tmp)
		return
	}
	if err := os.Rename(tmp, m.bestSharesFile); err != nil {
		logger.Warn("rename best shares file", "component", "metrics", "kind", "best_shares", "error", err, "tmp", tmp, "target", m.bestSharesFile)
	}
}
