package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"time"
)

var (
	errProtocolViolation = errors.New("protocol violation")
	errSetupRefused      = errors.New("setup connection refused")
)

type downstreamState uint8

const (
	downstreamConnected downstreamState = iota
	downstreamAwaitingSetup
	downstreamOperational
	downstreamClosing
	downstreamClosed
)

func (s downstreamState) String() string {
	switch s {
	case downstreamConnected:
		return "connected"
	case downstreamAwaitingSetup:
		return "awaiting-setup"
	case downstreamOperational:
		return "operational"
	case downstreamClosing:
		return "closing"
	case downstreamClosed:
		return "closed"
	default:
		return fmt.Sprintf("downstreamState(%d)", uint8(s))
	}
}

type downstreamEvent uint8

const (
	evHandshakeDone downstreamEvent = iota
	evSetupConnection
	evMiningMessage
	evClose
	evClosed
)

func (e downstreamEvent) String() string {
	switch e {
	case evHandshakeDone:
		return "handshake-done"
	case evSetupConnection:
		return "setup-connection"
	case evMiningMessage:
		return "mining-message"
	case evClose:
		return "close"
	case evClosed:
		return "closed"
	default:
		return fmt.Sprintf("downstreamEvent(%d)", uint8(e))
	}
}

// next returns the state after ev, or errProtocolViolation when ev is not
// allowed in s.
func (s downstreamState) next(ev downstreamEvent) (downstreamState, error) {
	switch {
	case ev == evClose && s < downstreamClosing:
		return downstreamClosing, nil
	case ev == evClosed && s == downstreamClosing:
		return downstreamClosed, nil
	case ev == evHandshakeDone && s == downstreamConnected:
		return downstreamAwaitingSetup, nil
	case ev == evSetupConnection && s == downstreamAwaitingSetup:
		return downstreamOperational, nil
	case ev == evMiningMessage && s == downstreamOperational:
		return downstreamOperational, nil
	}
	return s, fmt.Errorf("%w: %s in state %s", errProtocolViolation, ev, s)
}

type downstreamConfig struct {
	HandshakeTimeout time.Duration
	ReadTimeout      time.Duration
	WriteTimeout     time.Duration
	Insecure         bool
	Static           noiseStaticKeyPair
	Certificate      noiseCertificate
}

// downstreamConn is one V2 miner connection. It owns at most one channel.
type downstreamConn struct {
	id        uint64
	conn      net.Conn
	reader    *bufio.Reader
	remote    string
	cfg       downstreamConfig
	deps      channelDeps
	transport sv2FrameTransport

	writeMu sync.Mutex

	mu            sync.Mutex
	state         downstreamState
	channel       *proxyChannel
	nextChannelID uint32
	setup         stratumV2WireSetupConnection
	mode          string

	ctx         context.Context
	cancel      context.CancelFunc
	closeOnce   sync.Once
	connectedAt time.Time
}

func newDownstreamConn(ctx context.Context, id uint64, conn net.Conn, reader *bufio.Reader, remote string, cfg downstreamConfig, deps channelDeps) *downstreamConn {
	if reader == nil {
		reader = bufio.NewReaderSize(conn, 16*1024)
	}
	if remote == "" {
		remote = conn.RemoteAddr().String()
	}
	cctx, cancel := context.WithCancel(ctx)
	return &downstreamConn{
		id:          id,
		conn:        conn,
		reader:      reader,
		remote:      remote,
		cfg:         cfg,
		deps:        deps,
		ctx:         cctx,
		cancel:      cancel,
		connectedAt: time.Now(),
	}
}

func (c *downstreamConn) transition(ev downstreamEvent) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	next, err := c.state.next(ev)
	if err != nil {
		return err
	}
	c.state = next
	return nil
}

func (c *downstreamConn) State() downstreamState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// serve runs the handshake and the read loop until the connection ends.
func (c *downstreamConn) serve() {
	stop := context.AfterFunc(c.ctx, func() { _ = c.conn.Close() })
	defer stop()

	reason := sv2ReasonClosedByClient
	err := c.handshake()
	if err == nil {
		c.deps.metrics.RecordConnOpen("handshake")
		err = c.handleReadLoop()
	}
	switch {
	case c.ctx.Err() != nil:
		reason = sv2ReasonShutdown
	case errors.Is(err, errProtocolViolation):
		reason = sv2ReasonProtocolViolation
		if c.State() == downstreamAwaitingSetup {
			_ = c.sendMessage(stratumV2WireSetupConnectionError{ErrorCode: sv2ReasonProtocolViolation})
		}
	}
	c.shutdown(reason, err)
}

func (c *downstreamConn) handshake() error {
	if c.cfg.Insecure {
		c.transport = newSV2PlainFrameTransport(c.reader, c.conn)
		c.setMode(sv2TransportModePlain)
		return c.transition(evHandshakeDone)
	}
	if c.cfg.HandshakeTimeout > 0 {
		_ = c.conn.SetDeadline(time.Now().Add(c.cfg.HandshakeTimeout))
	}
	if d := detectSV2TransportMode(c.reader); d.mode == sv2TransportModePlain {
		logger.Warn("downstream handshake failed", "component", "downstream", "kind", "handshake", "conn_id", c.id, "remote", c.remote, "cause", d.cause, "hint", "client speaks plaintext SV2 on a secure listener")
		return fmt.Errorf("%w: plaintext client", errHandshakeFailure)
	}
	nt := newNoiseFrameTransport(struct {
		io.Reader
		io.Writer
	}{c.reader, c.conn})
	if err := nt.Respond(c.cfg.Static, c.cfg.Certificate); err != nil {
		logger.Warn("downstream handshake failed", "component", "downstream", "kind", "handshake", "conn_id", c.id, "remote", c.remote, "error", err)
		return err
	}
	_ = c.conn.SetDeadline(time.Time{})
	c.transport = nt
	c.setMode(sv2TransportModeNoiseNX)
	logger.Debug("downstream handshake complete", "component", "downstream", "kind", "handshake", "conn_id", c.id, "remote", c.remote)
	return c.transition(evHandshakeDone)
}

func (c *downstreamConn) setMode(mode string) {
	c.mu.Lock()
	c.mode = mode
	c.mu.Unlock()
}

func (c *downstreamConn) handleReadLoop() error {
	for {
		if err := c.handleOneFrame(); err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			return err
		}
	}
}

func (c *downstreamConn) handleOneFrame() error {
	frameBytes, err := c.readFrame()
	if err != nil {
		return err
	}
	logNetMessage("downstream-recv", frameBytes)
	wireMsg, err := decodeStratumV2MiningWireFrame(frameBytes)
	if err != nil {
		if errors.Is(err, errUnsupportedSV2Message) {
			logger.Debug("ignoring unsupported sv2 message", "component", "downstream", "kind", "decode", "conn_id", c.id, "error", err)
			return nil
		}
		return fmt.Errorf("%w: %w", errProtocolViolation, err)
	}

	switch msg := wireMsg.(type) {
	case stratumV2WireSetupConnection:
		return c.handleSetupConnection(msg)
	case stratumV2WireOpenStandardMiningChannel:
		return c.handleOpenChannel(channelOpenRequest{
			Kind:            channelStandard,
			RequestID:       msg.RequestID,
			User:            msg.UserIdentity,
			NominalHashRate: msg.NominalHashRate,
			MaxTarget:       msg.MaxTarget,
		})
	case stratumV2WireOpenExtendedMiningChannel:
		return c.handleOpenChannel(channelOpenRequest{
			Kind:              channelExtended,
			RequestID:         msg.RequestID,
			User:              msg.UserIdentity,
			NominalHashRate:   msg.NominalHashRate,
			MaxTarget:         msg.MaxTarget,
			MinExtranonceSize: msg.MinExtranonceSize,
		})
	case stratumV2WireUpdateChannel:
		ch, err := c.channelFor(msg.ChannelID)
		if err != nil {
			return err
		}
		ch.updateChannel(msg)
		return nil
	case stratumV2WireCloseChannel:
		ch, err := c.channelFor(msg.ChannelID)
		if err != nil {
			return err
		}
		c.detachChannel(ch)
		ch.close(sv2ReasonClosedByClient)
		return nil
	case stratumV2WireSubmitSharesStandard:
		return c.handleSubmit(msg.ChannelID, msg.SequenceNumber, func(ch *proxyChannel) { ch.submitStandard(msg) })
	case stratumV2WireSubmitSharesExtended:
		return c.handleSubmit(msg.ChannelID, msg.SequenceNumber, func(ch *proxyChannel) { ch.submitExtended(msg) })
	default:
		return fmt.Errorf("%w: unexpected msg 0x%02x from miner", errProtocolViolation, wireMsg.sv2MsgType())
	}
}

func (c *downstreamConn) readFrame() ([]byte, error) {
	if c.cfg.ReadTimeout > 0 {
		if err := c.conn.SetReadDeadline(time.Now().Add(c.cfg.ReadTimeout)); err != nil {
			return nil, err
		}
	}
	return c.transport.ReadFrame()
}

// sendMessage encodes and writes m. Writes are serialized in call order.
func (c *downstreamConn) sendMessage(m stratumV2Message) error {
	frame, err := encodeStratumV2WireMessage(m)
	if err != nil {
		return err
	}
	return c.writeFrame(frame)
}

func (c *downstreamConn) writeFrame(frame []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if c.transport == nil {
		return errTransportNotReady
	}
	if c.cfg.WriteTimeout > 0 {
		if err := c.conn.SetWriteDeadline(time.Now().Add(c.cfg.WriteTimeout)); err != nil {
			return err
		}
	}
	logNetMessage("downstream-send", frame)
	return c.transport.WriteFrame(frame)
}

func (c *downstreamConn) handleSetupConnection(msg stratumV2WireSetupConnection) error {
	if c.State() != downstreamAwaitingSetup {
		return c.transition(evSetupConnection)
	}
	code := ""
	switch {
	case msg.Protocol != sv2ProtocolMining:
		code = sv2ErrUnsupportedProtocol
	case msg.MinVersion > sv2VersionCurrent || msg.MaxVersion < sv2VersionCurrent:
		code = sv2ErrProtocolVersionMismatch
	}
	if code != "" {
		_ = c.sendMessage(stratumV2WireSetupConnectionError{ErrorCode: code})
		return fmt.Errorf("%w: %s", errSetupRefused, code)
	}
	if err := c.transition(evSetupConnection); err != nil {
		return err
	}
	c.mu.Lock()
	c.setup = msg
	c.mu.Unlock()
	c.deps.metrics.RecordConnOpen("operational")
	logger.Info("downstream setup",
		"component", "downstream", "kind", "setup",
		"conn_id", c.id,
		"remote", c.remote,
		"vendor", msg.Vendor,
		"hardware", msg.HardwareVersion,
		"firmware", msg.Firmware,
		"device_id", msg.DeviceID,
		"transport", c.mode,
	)
	return c.sendMessage(stratumV2WireSetupConnectionSuccess{UsedVersion: sv2VersionCurrent, Flags: 0})
}

func (c *downstreamConn) handleOpenChannel(req channelOpenRequest) error {
	if err := c.transition(evMiningMessage); err != nil {
		return err
	}
	c.mu.Lock()
	if c.channel != nil {
		c.mu.Unlock()
		return c.sendMessage(stratumV2WireOpenMiningChannelError{RequestID: req.RequestID, ErrorCode: sv2ErrMaxChannelsReached})
	}
	c.nextChannelID++
	id := c.nextChannelID
	c.mu.Unlock()

	ch, err := openProxyChannel(c.ctx, id, req, c, c.deps)
	if err != nil {
		code := openErrorCode(err)
		logger.Warn("channel open refused", "component", "downstream", "kind", "open", "conn_id", c.id, "user", req.User, "code", code, "error", err)
		return c.sendMessage(stratumV2WireOpenMiningChannelError{RequestID: req.RequestID, ErrorCode: code})
	}
	c.mu.Lock()
	if !ch.isClosed() {
		c.channel = ch
	}
	c.mu.Unlock()
	return nil
}

// channelFor resolves a channel id for non-submit messages; an unknown id is
// a protocol violation.
func (c *downstreamConn) channelFor(id uint32) (*proxyChannel, error) {
	if err := c.transition(evMiningMessage); err != nil {
		return nil, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.channel == nil || c.channel.id != id {
		return nil, fmt.Errorf("%w: unknown channel %d", errProtocolViolation, id)
	}
	return c.channel, nil
}

func (c *downstreamConn) handleSubmit(channelID, seq uint32, fn func(*proxyChannel)) error {
	if err := c.transition(evMiningMessage); err != nil {
		return err
	}
	c.mu.Lock()
	ch := c.channel
	c.mu.Unlock()
	if ch == nil || ch.id != channelID {
		return c.sendMessage(stratumV2WireSubmitSharesError{ChannelID: channelID, SequenceNumber: seq, ErrorCode: sv2ErrInvalidChannelID})
	}
	fn(ch)
	return nil
}

// channelClosed is called by a channel that ended on its own.
func (c *downstreamConn) channelClosed(id uint32) {
	c.mu.Lock()
	if c.channel != nil && c.channel.id == id {
		c.channel = nil
	}
	c.mu.Unlock()
}

func (c *downstreamConn) detachChannel(ch *proxyChannel) {
	c.mu.Lock()
	if c.channel == ch {
		c.channel = nil
	}
	c.mu.Unlock()
}

// Close sends CloseChannel(shutdown) for the open channel, if any, and
// cancels the connection; serve performs the rest of the teardown.
func (c *downstreamConn) Close() {
	c.mu.Lock()
	ch := c.channel
	c.channel = nil
	c.mu.Unlock()
	if ch != nil {
		ch.close(sv2ReasonShutdown)
	}
	c.cancel()
}

func (c *downstreamConn) shutdown(reason string, cause error) {
	c.closeOnce.Do(func() {
		prev := c.State()
		_ = c.transition(evClose)
		c.mu.Lock()
		ch := c.channel
		c.channel = nil
		c.mu.Unlock()
		if ch != nil {
			ch.close(reason)
		}
		if nt, ok := c.transport.(*noiseFrameTransport); ok {
			nt.Close()
		}
		_ = c.conn.Close()
		c.cancel()
		_ = c.transition(evClosed)
		c.deps.metrics.RecordConnClose(prev.String())

		attrs := []any{"component", "downstream", "kind", "close", "conn_id", c.id, "remote", c.remote, "reason", reason, "connected_for", humanShortDuration(time.Since(c.connectedAt))}
		if cause != nil && !errors.Is(cause, io.EOF) && !errors.Is(cause, net.ErrClosed) {
			attrs = append(attrs, "error", cause)
			logger.Warn("downstream closed", attrs...)
			return
		}
		logger.Info("downstream closed", attrs...)
	})
}

// downstreamInfo is a status view of a connection.
type downstreamInfo struct {
	ID        uint64       `json:"id"`
	Remote    string       `json:"remote"`
	State     string       `json:"state"`
	Transport string       `json:"transport"`
	Vendor    string       `json:"vendor,omitempty"`
	Connected string       `json:"connected_for"`
	Channel   *channelInfo `json:"channel,omitempty"`
}

func (c *downstreamConn) info(now time.Time) downstreamInfo {
	c.mu.Lock()
	di := downstreamInfo{
		ID:        c.id,
		Remote:    c.remote,
		State:     c.state.String(),
		Transport: c.mode,
		Vendor:    c.setup.Vendor,
		Connected: humanShortDuration(now.Sub(c.connectedAt)),
	}
	ch := c.channel
	c.mu.Unlock()
	if ch != nil {
		ci := ch.info(now)
		di.Channel = &ci
	}
	return di
}
