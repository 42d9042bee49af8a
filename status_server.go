package main

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/bytedance/sonic"
	"github.com/hako/durafmt"
)

const (
	statusRecentSharesDefault = 50
	statusRecentSharesMax     = 1000
	statusShareTotalsWindow   = 24 * time.Hour
)

// StatusServer exposes read-only proxy state over HTTP.
type StatusServer struct {
	started   time.Time
	upstream  string
	metrics   *ProxyMetrics
	registry  *downstreamRegistry
	arena     *upstreamArena
	journal   *shareJournal
	reconnect *reconnectTracker
}

type statusResponse struct {
	Uptime       string            `json:"uptime"`
	Upstream     string            `json:"upstream"`
	Downstreams  []downstreamInfo  `json:"downstreams"`
	Sessions     []sessionInfo     `json:"upstream_sessions"`
	BannedHosts  int               `json:"banned_hosts"`
	Metrics      MetricsSnapshot   `json:"metrics"`
	ShareTotals  map[string]uint64 `json:"share_totals_24h,omitempty"`
	JournalError string            `json:"journal_error,omitempty"`
}

type shareView struct {
	At            string  `json:"at"`
	User          string  `json:"user"`
	ChannelID     uint32  `json:"channel_id"`
	Sequence      uint32  `json:"sequence"`
	JobID         uint32  `json:"job_id"`
	UpstreamJobID string  `json:"upstream_job_id"`
	UpstreamID    uint64  `json:"upstream_id"`
	Difficulty    float64 `json:"difficulty"`
	Status        string  `json:"status"`
}

func (s *StatusServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet && r.Method != http.MethodHead {
		w.Header().Set("Allow", "GET, HEAD")
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	switch r.URL.Path {
	case "/api/status":
		s.serveJSON(w, s.buildStatus(time.Now()))
	case "/api/shares":
		s.serveShares(w, r)
	case "/metrics":
		s.metrics.Handler().ServeHTTP(w, r)
	default:
		http.NotFound(w, r)
	}
}

func (s *StatusServer) buildStatus(now time.Time) statusResponse {
	resp := statusResponse{
		Uptime:      durafmt.Parse(now.Sub(s.started).Truncate(time.Second)).LimitFirstN(3).String(),
		Upstream:    s.upstream,
		Downstreams: s.registry.Info(now),
		Sessions:    s.arena.info(now),
		BannedHosts: s.reconnect.banned(now),
		Metrics:     s.metrics.Snapshot(),
	}
	if s.journal != nil {
		totals, err := s.journal.Totals(now.Add(-statusShareTotalsWindow))
		if err != nil {
			resp.JournalError = err.Error()
		} else {
			resp.ShareTotals = totals
		}
	}
	return resp
}

func (s *StatusServer) serveShares(w http.ResponseWriter, r *http.Request) {
	if s.journal == nil {
		http.Error(w, "share journal disabled", http.StatusNotFound)
		return
	}
	limit := statusRecentSharesDefault
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			http.Error(w, "invalid limit", http.StatusBadRequest)
			return
		}
		limit = min(n, statusRecentSharesMax)
	}
	entries, err := s.journal.Recent(limit)
	if err != nil {
		logger.Warn("share journal query failed", "component", "http", "kind", "shares", "error", err)
		http.Error(w, "journal query failed", http.StatusInternalServerError)
		return
	}
	out := make([]shareView, 0, len(entries))
	for _, e := range entries {
		out = append(out, shareView{
			At:            e.At.UTC().Format(time.RFC3339Nano),
			User:          e.User,
			ChannelID:     e.ChannelID,
			Sequence:      e.Sequence,
			JobID:         e.V2JobID,
			UpstreamJobID: e.UpstreamJobID,
			UpstreamID:    e.UpstreamID,
			Difficulty:    e.Difficulty,
			Status:        e.Status,
		})
	}
	s.serveJSON(w, out)
}

func (s *StatusServer) serveJSON(w http.ResponseWriter, v any) {
	out, err := sonic.Marshal(v)
	if err != nil {
		logger.Error("status json encode failed", "component", "http", "kind", "json", "error", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-store")
	_, _ = w.Write(out)
}

// startStatusServer serves h on addr until ctx ends. An empty addr disables it.
func startStatusServer(ctx context.Context, addr string, h http.Handler) *http.Server {
	if addr == "" {
		return nil
	}
	srv := &http.Server{
		Addr:              addr,
		Handler:           h,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       2 * time.Minute,
	}
	go func() {
		logger.Info("status listening", "component", "http", "kind", "listen", "addr", addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("status server error", "component", "http", "kind", "listen", "error", err)
		}
	}()
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("status http shutdown error", "component", "http", "kind", "shutdown", "error", err)
		}
	}()
	return srv
}
