package main

import (
	"bufio"
	"context"
	"errors"
	"net"
	"net/netip"
	"sync"
	"sync/atomic"
	"time"
)

const proxyHeaderReadTimeout = 5 * time.Second

// proxyServer accepts downstream V2 connections and hands each one to a
// downstreamConn.
type proxyServer struct {
	cfg       Config
	dcfg      downstreamConfig
	arena     *upstreamArena
	metrics   *ProxyMetrics
	journal   *shareJournal
	registry  *downstreamRegistry
	limiter   *acceptRateLimiter
	reconnect *reconnectTracker

	nextConnID atomic.Uint64
	connWg     sync.WaitGroup
	// connCtx outlives the accept loop so shutdown can close channels
	// before the sockets go away.
	connCtx    context.Context
	connCancel context.CancelFunc
}

func newProxyServer(cfg Config, dcfg downstreamConfig, metrics *ProxyMetrics, journal *shareJournal) *proxyServer {
	connCtx, connCancel := context.WithCancel(context.Background())
	return &proxyServer{
		cfg:        cfg,
		dcfg:       dcfg,
		arena:      newUpstreamArena(cfg.upstreamConfig(), cfg.ShareUpstreamSessions, metrics),
		metrics:    metrics,
		journal:    journal,
		registry:   newDownstreamRegistry(),
		limiter:    newAcceptRateLimiter(cfg.MaxAcceptsPerSecond, cfg.MaxAcceptBurst),
		reconnect:  newReconnectTracker(cfg.ReconnectBanThreshold, cfg.ReconnectBanWindow, cfg.ReconnectBanDuration),
		connCtx:    connCtx,
		connCancel: connCancel,
	}
}

// serve runs the accept loop until ctx ends or ln is closed.
func (s *proxyServer) serve(ctx context.Context, ln net.Listener) {
	go func() {
		<-ctx.Done()
		logger.Info("shutdown requested; closing listener", "component", "listener", "kind", "shutdown")
		_ = ln.Close()
	}()

	for {
		if !s.limiter.wait(ctx) {
			return
		}
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return
			}
			logger.Error("accept error", "component", "listener", "kind", "accept", "error", err)
			continue
		}
		remote := conn.RemoteAddr().String()
		// Behind a PROXY-speaking balancer the peer is the balancer; the ban
		// is applied in handleConn once the real source is known.
		if !s.cfg.ProxyProtocol && !s.allowReconnect(hostOf(remote), remote) {
			_ = conn.Close()
			continue
		}
		if s.cfg.MaxConns > 0 && s.registry.Count() >= s.cfg.MaxConns {
			logger.Warn("rejecting connection: at capacity", "component", "listener", "kind", "capacity", "remote", remote, "max_conns", s.cfg.MaxConns)
			_ = conn.Close()
			continue
		}
		disableTCPNagle(conn)
		setTCPBuffers(conn, s.cfg.TCPReadBuffer, s.cfg.TCPWriteBuffer)

		s.connWg.Add(1)
		go func() {
			defer s.connWg.Done()
			s.handleConn(conn)
		}()
	}
}

func (s *proxyServer) handleConn(conn net.Conn) {
	id := s.nextConnID.Add(1)
	reader := bufio.NewReaderSize(conn, 16*1024)
	remote := conn.RemoteAddr().String()
	deps := channelDeps{arena: s.arena, metrics: s.metrics, journal: s.journal}

	var hdr *proxyHeader
	if s.cfg.ProxyProtocol {
		_ = conn.SetReadDeadline(time.Now().Add(proxyHeaderReadTimeout))
		h, err := readProxyHeader(reader)
		_ = conn.SetReadDeadline(time.Time{})
		if err != nil {
			logger.Warn("proxy header rejected", "component", "listener", "kind", "proxy_protocol", "conn_id", id, "remote", remote, "error", err)
			_ = conn.Close()
			return
		}
		hdr = h
		host := hostOf(remote)
		if h.Source.IsValid() {
			remote = h.Source.String()
			host = h.Source.Addr().Unmap().String()
		}
		if !s.allowReconnect(host, remote) {
			_ = conn.Close()
			return
		}
	}
	if s.cfg.ProxyProtocolUpstream {
		if hdr == nil {
			hdr = headerForConn(conn)
		}
		deps.proxyHeader = hdr
	}

	s.metrics.RecordConnOpen("accepted")
	logger.Info("downstream connected", "component", "downstream", "kind", "connect", "conn_id", id, "remote", remote)

	dc := newDownstreamConn(s.connCtx, id, conn, reader, remote, s.dcfg, deps)
	s.registry.Add(dc)
	defer s.registry.Remove(dc)
	dc.serve()
}

func (s *proxyServer) allowReconnect(host, remote string) bool {
	if s.reconnect.allow(host, time.Now()) {
		return true
	}
	logger.Warn("rejecting connection for reconnect churn", "component", "listener", "kind", "reconnect_limit", "remote", remote)
	return false
}

func hostOf(addr string) string {
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		return addr
	}
	return host
}

func headerForConn(conn net.Conn) *proxyHeader {
	src, err1 := netip.ParseAddrPort(conn.RemoteAddr().String())
	dst, err2 := netip.ParseAddrPort(conn.LocalAddr().String())
	if err1 != nil || err2 != nil {
		return &proxyHeader{Family: "UNKNOWN"}
	}
	return proxyHeaderFor(src, dst)
}

// shutdown closes every downstream and upstream connection and waits up to
// timeout for connection goroutines to return.
func (s *proxyServer) shutdown(timeout time.Duration) bool {
	start := time.Now()
	s.registry.CloseAll()
	s.arena.closeAll()
	s.connCancel()

	done := make(chan struct{})
	go func() {
		s.connWg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return true
	case <-time.After(timeout):
		logger.Warn("timed out waiting for connections to drain", "component", "listener", "kind", "shutdown", "waited", time.Since(start), "remaining", s.registry.Count())
		return false
	}
}
