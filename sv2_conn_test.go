package main

import (
	"context"
	"errors"
	"net"
	"testing"
	"time"
)

type testDownstream struct {
	conn   *downstreamConn
	client *sv2Client
	served chan struct{}
}

// startTestDownstream serves exactly one downstream connection on loopback
// and dials it with a V2 client.
func startTestDownstream(t *testing.T, dcfg downstreamConfig, deps channelDeps, authority []byte) *testDownstream {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	t.Cleanup(func() { _ = ln.Close() })

	td := &testDownstream{served: make(chan struct{})}
	accepted := make(chan *downstreamConn, 1)
	go func() {
		conn, err := ln.Accept()
		if err != nil {
			close(accepted)
			close(td.served)
			return
		}
		dc := newDownstreamConn(context.Background(), 1, conn, nil, "", dcfg, deps)
		accepted <- dc
		dc.serve()
		close(td.served)
	}()

	addr := sv2Address{HostPort: ln.Addr().String(), Insecure: dcfg.Insecure, Authority: authority}
	client, err := dialSV2(context.Background(), addr, 2*time.Second)
	if err != nil {
		t.Fatalf("dialSV2: %v", err)
	}
	t.Cleanup(func() { _ = client.Close() })
	td.client = client
	td.conn = <-accepted
	t.Cleanup(func() {
		td.conn.Close()
		<-td.served
	})
	return td
}

func (td *testDownstream) recv(t *testing.T) stratumV2Message {
	t.Helper()
	msg, err := td.client.recv(2 * time.Second)
	if err != nil {
		t.Fatalf("recv: %v", err)
	}
	return msg
}

func (td *testDownstream) send(t *testing.T, m stratumV2Message) {
	t.Helper()
	if err := td.client.send(m); err != nil {
		t.Fatalf("send %T: %v", m, err)
	}
}

// waitClosed asserts that the proxy ended the connection.
func (td *testDownstream) waitClosed(t *testing.T) {
	t.Helper()
	select {
	case <-td.served:
	case <-time.After(3 * time.Second):
		t.Fatalf("downstream connection still served")
	}
	if _, err := td.client.recv(time.Second); err == nil {
		t.Fatalf("client could still read after close")
	}
	if st := td.conn.State(); st != downstreamClosed {
		t.Fatalf("state=%s want closed", st)
	}
}

func insecureDownstreamConfig() downstreamConfig {
	return downstreamConfig{Insecure: true, ReadTimeout: 5 * time.Second, WriteTimeout: 2 * time.Second}
}

func idleDeps() channelDeps {
	return channelDeps{arena: newUpstreamArena(upstreamConfig{Address: "127.0.0.1:1", ConnectTimeout: time.Second}, true, nil)}
}

func TestDownstreamStateTransitions(t *testing.T) {
	cases := []struct {
		from    downstreamState
		ev      downstreamEvent
		want    downstreamState
		wantErr bool
	}{
		{downstreamConnected, evHandshakeDone, downstreamAwaitingSetup, false},
		{downstreamAwaitingSetup, evSetupConnection, downstreamOperational, false},
		{downstreamOperational, evMiningMessage, downstreamOperational, false},
		{downstreamConnected, evClose, downstreamClosing, false},
		{downstreamAwaitingSetup, evClose, downstreamClosing, false},
		{downstreamOperational, evClose, downstreamClosing, false},
		{downstreamClosing, evClosed, downstreamClosed, false},
		{downstreamConnected, evSetupConnection, downstreamConnected, true},
		{downstreamConnected, evMiningMessage, downstreamConnected, true},
		{downstreamAwaitingSetup, evMiningMessage, downstreamAwaitingSetup, true},
		{downstreamOperational, evSetupConnection, downstreamOperational, true},
		{downstreamOperational, evHandshakeDone, downstreamOperational, true},
		{downstreamClosing, evMiningMessage, downstreamClosing, true},
		{downstreamClosing, evClose, downstreamClosing, true},
		{downstreamClosed, evClose, downstreamClosed, true},
		{downstreamOperational, evClosed, downstreamOperational, true},
	}
	for _, tc := range cases {
		got, err := tc.from.next(tc.ev)
		if tc.wantErr {
			if !errors.Is(err, errProtocolViolation) {
				t.Fatalf("%s + %s: err=%v want protocol violation", tc.from, tc.ev, err)
			}
		} else if err != nil {
			t.Fatalf("%s + %s: %v", tc.from, tc.ev, err)
		}
		if got != tc.want {
			t.Fatalf("%s + %s = %s want %s", tc.from, tc.ev, got, tc.want)
		}
	}
}

func TestDownstreamSetupConnectionSucceeds(t *testing.T) {
	td := startTestDownstream(t, insecureDownstreamConfig(), idleDeps(), nil)
	ok, err := td.client.setup("test-miner")
	if err != nil {
		t.Fatalf("setup: %v", err)
	}
	if ok.UsedVersion != sv2VersionCurrent {
		t.Fatalf("used_version=%d want %d", ok.UsedVersion, sv2VersionCurrent)
	}
	waitFor(t, "operational", func() bool { return td.conn.State() == downstreamOperational })
	info := td.conn.info(time.Now())
	if info.Vendor != "test-miner" || info.Transport != sv2TransportModePlain || info.Channel != nil {
		t.Fatalf("info=%+v", info)
	}
}

func TestDownstreamSetupRefused(t *testing.T) {
	cases := []struct {
		name  string
		setup stratumV2WireSetupConnection
		code  string
	}{
		{"job declaration protocol", stratumV2WireSetupConnection{Protocol: 1, MinVersion: 2, MaxVersion: 2}, sv2ErrUnsupportedProtocol},
		{"future version", stratumV2WireSetupConnection{Protocol: 0, MinVersion: 3, MaxVersion: 4}, sv2ErrProtocolVersionMismatch},
		{"old version", stratumV2WireSetupConnection{Protocol: 0, MinVersion: 1, MaxVersion: 1}, sv2ErrProtocolVersionMismatch},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			td := startTestDownstream(t, insecureDownstreamConfig(), idleDeps(), nil)
			td.send(t, tc.setup)
			msg := td.recv(t)
			se, ok := msg.(stratumV2WireSetupConnectionError)
			if !ok || se.ErrorCode != tc.code {
				t.Fatalf("reply=%+v (%T) want SetupConnection.Error %q", msg, msg, tc.code)
			}
			td.waitClosed(t)
		})
	}
}

func TestDownstreamMiningMessageBeforeSetup(t *testing.T) {
	td := startTestDownstream(t, insecureDownstreamConfig(), idleDeps(), nil)
	td.send(t, stratumV2WireOpenStandardMiningChannel{RequestID: 1, UserIdentity: "w1", MaxTarget: maxU256Target()})
	msg := td.recv(t)
	se, ok := msg.(stratumV2WireSetupConnectionError)
	if !ok || se.ErrorCode != sv2ReasonProtocolViolation {
		t.Fatalf("reply=%+v (%T) want protocol-violation", msg, msg)
	}
	td.waitClosed(t)
}

func TestDownstreamSecondSetupIsViolation(t *testing.T) {
	td := startTestDownstream(t, insecureDownstreamConfig(), idleDeps(), nil)
	if _, err := td.client.setup("m"); err != nil {
		t.Fatalf("setup: %v", err)
	}
	td.send(t, stratumV2WireSetupConnection{Protocol: 0, MinVersion: 2, MaxVersion: 2})
	td.waitClosed(t)
}

func TestDownstreamOpenChannelUpstreamUnavailable(t *testing.T) {
	pool := newFakeV1Pool(t)
	cfg := pool.upstreamConfig()
	pool.close()
	deps := channelDeps{arena: newUpstreamArena(cfg, true, nil)}

	td := startTestDownstream(t, insecureDownstreamConfig(), deps, nil)
	if _, err := td.client.setup("m"); err != nil {
		t.Fatalf("setup: %v", err)
	}
	td.send(t, stratumV2WireOpenStandardMiningChannel{RequestID: 42, UserIdentity: "w1", MaxTarget: maxU256Target()})
	msg := td.recv(t)
	oe, ok := msg.(stratumV2WireOpenMiningChannelError)
	if !ok || oe.RequestID != 42 || oe.ErrorCode != sv2ErrUpstreamUnavailable {
		t.Fatalf("reply=%+v (%T)", msg, msg)
	}
	if st := td.conn.State(); st != downstreamOperational {
		t.Fatalf("state=%s want operational after refused open", st)
	}
}

func TestDownstreamSingleChannelAndSubmitRouting(t *testing.T) {
	pool := newFakeV1Pool(t)
	deps := channelDeps{arena: newUpstreamArena(pool.upstreamConfig(), true, nil)}
	t.Cleanup(deps.arena.closeAll)

	td := startTestDownstream(t, insecureDownstreamConfig(), deps, nil)
	if _, err := td.client.setup("m"); err != nil {
		t.Fatalf("setup: %v", err)
	}
	td.send(t, stratumV2WireOpenStandardMiningChannel{RequestID: 1, UserIdentity: "w1", MaxTarget: maxU256Target()})
	okMsg, isOK := td.recv(t).(stratumV2WireOpenStandardMiningChannelSuccess)
	if !isOK {
		t.Fatalf("expected open success")
	}
	if _, isJob := td.recv(t).(stratumV2WireNewMiningJob); !isJob {
		t.Fatalf("expected first job")
	}
	if _, isPrev := td.recv(t).(stratumV2WireSetNewPrevHash); !isPrev {
		t.Fatalf("expected prev hash")
	}

	td.send(t, stratumV2WireOpenStandardMiningChannel{RequestID: 2, UserIdentity: "w1", MaxTarget: maxU256Target()})
	oe, isErr := td.recv(t).(stratumV2WireOpenMiningChannelError)
	if !isErr || oe.RequestID != 2 || oe.ErrorCode != sv2ErrMaxChannelsReached {
		t.Fatalf("second open reply=%+v", oe)
	}

	td.send(t, stratumV2WireSubmitSharesStandard{ChannelID: okMsg.ChannelID + 7, SequenceNumber: 3, JobID: 1})
	se, isErr := td.recv(t).(stratumV2WireSubmitSharesError)
	if !isErr || se.SequenceNumber != 3 || se.ErrorCode != sv2ErrInvalidChannelID {
		t.Fatalf("wrong channel reply=%+v", se)
	}

	td.send(t, stratumV2WireSubmitSharesStandard{ChannelID: okMsg.ChannelID, SequenceNumber: 4, JobID: 1, Nonce: 7})
	pool.waitSubmit(t)
	ss, isOK2 := td.recv(t).(stratumV2WireSubmitSharesSuccess)
	if !isOK2 || ss.LastSequenceNumber != 4 {
		t.Fatalf("submit reply=%+v", ss)
	}
	if info := td.conn.info(time.Now()); info.Channel == nil || info.Channel.ID != okMsg.ChannelID {
		t.Fatalf("info channel=%+v", info.Channel)
	}

	td.send(t, stratumV2WireCloseChannel{ChannelID: okMsg.ChannelID, ReasonCode: sv2ReasonClosedByClient})
	waitFor(t, "channel detached", func() bool { return td.conn.info(time.Now()).Channel == nil })
	waitFor(t, "session released", func() bool { return deps.arena.count() == 0 })

	td.send(t, stratumV2WireUpdateChannel{ChannelID: okMsg.ChannelID})
	td.waitClosed(t)
}

func TestDownstreamCloseSendsShutdown(t *testing.T) {
	pool := newFakeV1Pool(t)
	deps := channelDeps{arena: newUpstreamArena(pool.upstreamConfig(), true, nil)}
	t.Cleanup(deps.arena.closeAll)

	td := startTestDownstream(t, insecureDownstreamConfig(), deps, nil)
	if _, err := td.client.setup("m"); err != nil {
		t.Fatalf("setup: %v", err)
	}
	td.send(t, stratumV2WireOpenStandardMiningChannel{RequestID: 1, UserIdentity: "w1", MaxTarget: maxU256Target()})
	for i := 0; i < 3; i++ {
		td.recv(t)
	}

	td.conn.Close()
	cc, ok := td.recv(t).(stratumV2WireCloseChannel)
	if !ok || cc.ReasonCode != sv2ReasonShutdown {
		t.Fatalf("close reply=%+v", cc)
	}
	td.waitClosed(t)
}

func TestDownstreamSecureHandshake(t *testing.T) {
	now := time.Now()
	m := newNoiseTestMaterial(t, now, 24*time.Hour)
	dcfg := downstreamConfig{HandshakeTimeout: 2 * time.Second, Static: m.static, Certificate: m.cert}

	td := startTestDownstream(t, dcfg, idleDeps(), m.ca.Public)
	if td.client.cert == nil || td.client.cert.PublicKey != m.cert.PublicKey {
		t.Fatalf("client did not record the server certificate")
	}
	if _, err := td.client.setup("m"); err != nil {
		t.Fatalf("setup over noise: %v", err)
	}
	if info := td.conn.info(time.Now()); info.Transport != sv2TransportModeNoiseNX {
		t.Fatalf("transport=%q want %q", info.Transport, sv2TransportModeNoiseNX)
	}
}

func TestDownstreamPlaintextClientOnSecureListener(t *testing.T) {
	m := newNoiseTestMaterial(t, time.Now(), 24*time.Hour)
	dcfg := downstreamConfig{HandshakeTimeout: 2 * time.Second, Static: m.static, Certificate: m.cert}

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer ln.Close()
	served := make(chan *downstreamConn, 1)
	go func() {
		conn, err := ln.Accept()
		if err != nil {
			close(served)
			return
		}
		dc := newDownstreamConn(context.Background(), 1, conn, nil, "", dcfg, idleDeps())
		dc.serve()
		served <- dc
	}()

	client, err := dialSV2(context.Background(), sv2Address{HostPort: ln.Addr().String(), Insecure: true}, 2*time.Second)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer client.Close()
	if _, err := client.setup("m"); err == nil {
		t.Fatalf("plaintext setup succeeded on a secure listener")
	}
	select {
	case dc := <-served:
		if dc == nil {
			t.Fatalf("accept failed")
		}
		if st := dc.State(); st != downstreamClosed {
			t.Fatalf("state=%s want closed", st)
		}
	case <-time.After(3 * time.Second):
		t.Fatalf("secure listener kept the plaintext client")
	}
}

func TestDownstreamWrongAuthorityRejected(t *testing.T) {
	m := newNoiseTestMaterial(t, time.Now(), 24*time.Hour)
	other := newNoiseTestMaterial(t, time.Now(), 24*time.Hour)
	dcfg := downstreamConfig{HandshakeTimeout: 2 * time.Second, Static: m.static, Certificate: m.cert}

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer ln.Close()
	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		newDownstreamConn(context.Background(), 1, conn, nil, "", dcfg, idleDeps()).serve()
	}()

	_, err = dialSV2(context.Background(), sv2Address{HostPort: ln.Addr().String(), Authority: other.ca.Public}, 2*time.Second)
	if !errors.Is(err, errInvalidCertSignature) {
		t.Fatalf("err=%v want %v", err, errInvalidCertSignature)
	}
}

func TestDownstreamHandshakeTimeout(t *testing.T) {
	m := newNoiseTestMaterial(t, time.Now(), 24*time.Hour)
	dcfg := downstreamConfig{HandshakeTimeout: 200 * time.Millisecond, Static: m.static, Certificate: m.cert}

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer ln.Close()
	served := make(chan *downstreamConn, 1)
	go func() {
		conn, err := ln.Accept()
		if err != nil {
			close(served)
			return
		}
		dc := newDownstreamConn(context.Background(), 1, conn, nil, "", dcfg, idleDeps())
		dc.serve()
		served <- dc
	}()

	silent, err := net.Dial("tcp", ln.Addr().String())
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer silent.Close()

	select {
	case dc := <-served:
		if dc == nil {
			t.Fatalf("accept failed")
		}
		if st := dc.State(); st != downstreamClosed {
			t.Fatalf("state=%s want closed", st)
		}
	case <-time.After(3 * time.Second):
		t.Fatalf("silent client held the handshake past its deadline")
	}
	_ = silent.SetReadDeadline(time.Now().Add(2 * time.Second))
	if _, err := silent.Read(make([]byte, 1)); err == nil {
		t.Fatalf("connection still open after handshake timeout")
	}
}
