package main

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"net"
	"os/signal"
	"strings"
	"sync"
	"sync/atomic"
	"syscall"
	"time"
)

// Payload kinds a noise relay carries inside each transport message.
const (
	noisePayloadV2 = "v2"
	noisePayloadV1 = "v1"
)

// noiseRelayConfig describes a Noise terminating relay: downstream clients
// speak Noise NX, the upstream gets the decrypted payload in the clear.
type noiseRelayConfig struct {
	Upstream              string
	Payload               string
	Static                noiseStaticKeyPair
	Certificate           noiseCertificate
	HandshakeTimeout      time.Duration
	ConnectTimeout        time.Duration
	ProxyProtocol         bool
	ProxyProtocolUpstream bool
}

// noiseRelay terminates Noise for each accepted connection and pipes the
// plaintext to its own upstream connection.
type noiseRelay struct {
	cfg     noiseRelayConfig
	metrics *ProxyMetrics

	nextConnID atomic.Uint64
	connWg     sync.WaitGroup
	connCtx    context.Context
	connCancel context.CancelFunc
}

func newNoiseRelay(cfg noiseRelayConfig, metrics *ProxyMetrics) *noiseRelay {
	connCtx, connCancel := context.WithCancel(context.Background())
	return &noiseRelay{cfg: cfg, metrics: metrics, connCtx: connCtx, connCancel: connCancel}
}

// serve runs the accept loop until ctx ends or ln is closed.
func (r *noiseRelay) serve(ctx context.Context, ln net.Listener) {
	go func() {
		<-ctx.Done()
		_ = ln.Close()
	}()
	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return
			}
			logger.Error("accept error", "component", "relay", "kind", "accept", "error", err)
			continue
		}
		disableTCPNagle(conn)
		r.connWg.Add(1)
		go func() {
			defer r.connWg.Done()
			r.handleConn(conn)
		}()
	}
}

func (r *noiseRelay) handleConn(conn net.Conn) {
	defer conn.Close()
	id := r.nextConnID.Add(1)
	reader := bufio.NewReaderSize(conn, 16*1024)
	remote := conn.RemoteAddr().String()

	var hdr *proxyHeader
	if r.cfg.ProxyProtocol {
		_ = conn.SetReadDeadline(time.Now().Add(proxyHeaderReadTimeout))
		h, err := readProxyHeader(reader)
		_ = conn.SetReadDeadline(time.Time{})
		if err != nil {
			logger.Warn("proxy header rejected", "component", "relay", "kind", "proxy_protocol", "conn_id", id, "remote", remote, "error", err)
			r.metrics.RecordConnClose("proxy_protocol")
			return
		}
		hdr = h
		if h.Source.IsValid() {
			remote = h.Source.String()
		}
	}
	if r.cfg.ProxyProtocolUpstream && hdr == nil {
		hdr = headerForConn(conn)
	}
	r.metrics.RecordConnOpen("accepted")

	if r.cfg.HandshakeTimeout > 0 {
		_ = conn.SetDeadline(time.Now().Add(r.cfg.HandshakeTimeout))
	}
	nt := newNoiseFrameTransport(struct {
		io.Reader
		io.Writer
	}{reader, conn})
	if err := nt.Respond(r.cfg.Static, r.cfg.Certificate); err != nil {
		logger.Warn("downstream handshake failed", "component", "relay", "kind", "handshake", "conn_id", id, "remote", remote, "error", err)
		r.metrics.RecordConnClose("handshake")
		return
	}
	_ = conn.SetDeadline(time.Time{})
	r.metrics.RecordConnOpen("handshake")

	dialer := net.Dialer{Timeout: r.cfg.ConnectTimeout}
	up, err := dialer.DialContext(r.connCtx, "tcp", r.cfg.Upstream)
	r.metrics.RecordUpstreamDial(err == nil)
	if err != nil {
		logger.Warn("upstream dial failed", "component", "relay", "kind", "dial", "conn_id", id, "upstream", r.cfg.Upstream, "error", err)
		r.metrics.RecordConnClose("upstream")
		return
	}
	defer up.Close()
	disableTCPNagle(up)
	if r.cfg.ProxyProtocolUpstream {
		if _, err := hdr.writeTo(up); err != nil {
			logger.Warn("write proxy header upstream", "component", "relay", "kind", "proxy_protocol", "conn_id", id, "error", err)
			r.metrics.RecordConnClose("upstream")
			return
		}
	}
	r.metrics.RecordConnOpen("upstream")
	logger.Info("relay established", "component", "relay", "kind", "connect", "conn_id", id, "remote", remote, "upstream", r.cfg.Upstream, "payload", r.cfg.Payload)

	stop := context.AfterFunc(r.connCtx, func() {
		_ = conn.Close()
		_ = up.Close()
	})
	defer stop()

	errs := make(chan error, 2)
	go func() { errs <- r.pumpDownstream(nt, up) }()
	go func() { errs <- r.pumpUpstream(bufio.NewReaderSize(up, 16*1024), nt) }()
	first := <-errs
	// Either side finishing ends the pair.
	_ = conn.Close()
	_ = up.Close()
	<-errs

	stage := "ok"
	if first != nil && !errors.Is(first, io.EOF) && !errors.Is(first, net.ErrClosed) {
		stage = "relay"
		logger.Warn("relay ended with error", "component", "relay", "kind", "disconnect", "conn_id", id, "remote", remote, "error", first)
	}
	r.metrics.RecordConnClose(stage)
	logger.Info("relay closed", "component", "relay", "kind", "disconnect", "conn_id", id, "remote", remote)
}

// pumpDownstream decrypts client messages and writes them upstream. V1
// payloads are single JSON lines and get their newline back.
func (r *noiseRelay) pumpDownstream(nt *noiseFrameTransport, up io.Writer) error {
	for {
		var msg []byte
		var err error
		if r.cfg.Payload == noisePayloadV1 {
			msg, err = nt.ReadMessage()
		} else {
			msg, err = nt.ReadFrame()
		}
		if err != nil {
			return err
		}
		if r.cfg.Payload == noisePayloadV1 {
			msg = append(bytes.TrimRight(msg, "\r\n"), '\n')
		}
		if err := writeAll(up, msg); err != nil {
			return err
		}
	}
}

// pumpUpstream splits the plaintext upstream stream into payloads and sends
// each one as a single encrypted message.
func (r *noiseRelay) pumpUpstream(up *bufio.Reader, nt *noiseFrameTransport) error {
	for {
		var msg []byte
		if r.cfg.Payload == noisePayloadV1 {
			line, err := readRelayLine(up)
			if err != nil {
				return err
			}
			if len(line) == 0 {
				continue
			}
			msg = line
		} else {
			frame, err := readOneStratumV2FrameFromReader(up)
			if err != nil {
				return err
			}
			msg = frame
		}
		if err := nt.WriteFrame(msg); err != nil {
			return err
		}
	}
}

// readRelayLine returns the next line without its terminator. A line that
// cannot fit in one transport message is an error.
func readRelayLine(r *bufio.Reader) ([]byte, error) {
	var line []byte
	for {
		chunk, err := r.ReadSlice('\n')
		line = append(line, chunk...)
		if len(line) > noiseMaxPlaintextLen+1 {
			return nil, fmt.Errorf("%w: line exceeds %d bytes", errNoiseMessageTooLarge, noiseMaxPlaintextLen)
		}
		if err == nil {
			return bytes.TrimRight(line, "\r\n"), nil
		}
		if !errors.Is(err, bufio.ErrBufferFull) {
			return nil, err
		}
	}
}

// shutdown closes every relayed pair and waits up to timeout for them.
func (r *noiseRelay) shutdown(timeout time.Duration) bool {
	r.connCancel()
	done := make(chan struct{})
	go func() {
		r.connWg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return true
	case <-time.After(timeout):
		return false
	}
}

func runNoiseRelay(args []string, stdout io.Writer) error {
	fs := flag.NewFlagSet("noise-proxy", flag.ContinueOnError)
	listen := fs.String("listen", ":3336", "Noise listen address")
	upstream := fs.String("upstream", "", "plaintext upstream host:port")
	payload := fs.String("payload", noisePayloadV2, "payload carried in each message (v2 frames or v1 lines)")
	certFile := fs.String("certificate", defaultCertificateFile, "server certificate file")
	secretFile := fs.String("secret-key", defaultSecretKeyFile, "server static secret key file")
	statusAddr := fs.String("metrics", "", "serve Prometheus metrics on this address")
	handshake := fs.Duration("handshake-timeout", defaultHandshakeTimeout, "downstream handshake timeout")
	connect := fs.Duration("connect-timeout", 10*time.Second, "upstream dial timeout")
	proxyIn := fs.Bool("proxy-protocol", false, "expect a PROXY v1 header from downstream")
	proxyOut := fs.Bool("proxy-protocol-upstream", false, "send a PROXY v1 header upstream")
	logLevel := fs.String("log-level", "info", "log level (debug, info, warn, error)")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() > 0 {
		return fmt.Errorf("unexpected arguments %q", fs.Args())
	}
	level, err := parseLogLevel(*logLevel)
	if err != nil {
		return fmt.Errorf("%w: %w", errConfiguration, err)
	}
	setLogLevel(level)
	defer logger.Stop()

	cfg := noiseRelayConfig{
		Upstream:              strings.TrimSpace(*upstream),
		Payload:               strings.ToLower(strings.TrimSpace(*payload)),
		HandshakeTimeout:      *handshake,
		ConnectTimeout:        *connect,
		ProxyProtocol:         *proxyIn,
		ProxyProtocolUpstream: *proxyOut,
	}
	if err := validateNoiseRelayConfig(cfg); err != nil {
		return err
	}
	cfg.Static, cfg.Certificate, err = loadServerIdentity(*certFile, *secretFile, time.Now())
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	metrics := NewProxyMetrics()
	startStatusServer(ctx, *statusAddr, metrics.Handler())
	ln, err := net.Listen("tcp", *listen)
	if err != nil {
		return err
	}
	fmt.Fprintf(stdout, "noise proxy listening on %s, upstream %s (%s payload)\n", ln.Addr(), cfg.Upstream, cfg.Payload)
	relay := newNoiseRelay(cfg, metrics)
	relay.serve(ctx, ln)
	if !relay.shutdown(5 * time.Second) {
		logger.Warn("timed out waiting for relays to drain", "component", "relay", "kind", "shutdown")
	}
	return nil
}

func validateNoiseRelayConfig(cfg noiseRelayConfig) error {
	if cfg.Upstream == "" {
		return fmt.Errorf("%w: upstream is required", errConfiguration)
	}
	if _, _, err := net.SplitHostPort(cfg.Upstream); err != nil {
		return fmt.Errorf("%w: upstream: %w", errConfiguration, err)
	}
	switch cfg.Payload {
	case noisePayloadV1, noisePayloadV2:
	default:
		return fmt.Errorf("%w: payload %q (want v1 or v2)", errConfiguration, cfg.Payload)
	}
	return nil
}
