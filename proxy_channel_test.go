package main

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"
)

// recordingSink collects everything a channel sends downstream.
type recordingSink struct {
	mu     sync.Mutex
	msgs   []stratumV2Message
	closed []uint32
}

func (s *recordingSink) sendMessage(m stratumV2Message) error {
	s.mu.Lock()
	s.msgs = append(s.msgs, m)
	s.mu.Unlock()
	return nil
}

func (s *recordingSink) channelClosed(id uint32) {
	s.mu.Lock()
	s.closed = append(s.closed, id)
	s.mu.Unlock()
}

func (s *recordingSink) messages() []stratumV2Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]stratumV2Message(nil), s.msgs...)
}

func (s *recordingSink) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.msgs)
}

func (s *recordingSink) closedIDs() []uint32 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]uint32(nil), s.closed...)
}

// waitMessage waits for the n-th message (zero based) and returns it.
func (s *recordingSink) waitMessage(t *testing.T, n int) stratumV2Message {
	t.Helper()
	waitFor(t, fmt.Sprintf("downstream message %d", n), func() bool { return s.count() > n })
	return s.messages()[n]
}

type channelFixture struct {
	pool  *fakeV1Pool
	arena *upstreamArena
	deps  channelDeps
}

func newChannelFixture(t *testing.T) *channelFixture {
	t.Helper()
	pool := newFakeV1Pool(t)
	metrics := NewProxyMetrics()
	arena := newUpstreamArena(pool.upstreamConfig(), true, metrics)
	t.Cleanup(arena.closeAll)
	return &channelFixture{
		pool:  pool,
		arena: arena,
		deps:  channelDeps{arena: arena, metrics: metrics},
	}
}

func (f *channelFixture) open(t *testing.T, id uint32, req channelOpenRequest, sink channelSink) *proxyChannel {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	ch, err := openProxyChannel(ctx, id, req, sink, f.deps)
	if err != nil {
		t.Fatalf("open channel %d: %v", id, err)
	}
	return ch
}

func standardOpen(requestID uint32) channelOpenRequest {
	return channelOpenRequest{Kind: channelStandard, RequestID: requestID, NominalHashRate: 1e12}
}

// openWithFirstJob opens a channel and waits for its success, future job and
// prev hash messages.
func (f *channelFixture) openWithFirstJob(t *testing.T, id uint32, req channelOpenRequest, sink *recordingSink) *proxyChannel {
	t.Helper()
	ch := f.open(t, id, req, sink)
	sink.waitMessage(t, 2)
	return ch
}

func mustTarget(t *testing.T, d float64) [32]byte {
	t.Helper()
	target, err := targetFromDifficulty(d)
	if err != nil {
		t.Fatalf("targetFromDifficulty(%v): %v", d, err)
	}
	return targetToU256(target)
}

func TestOpenStandardChannelSendsSuccessAndFutureJob(t *testing.T) {
	f := newChannelFixture(t)
	sink := &recordingSink{}
	f.openWithFirstJob(t, 1, standardOpen(7), sink)

	msgs := sink.messages()
	ok, isOK := msgs[0].(stratumV2WireOpenStandardMiningChannelSuccess)
	if !isOK {
		t.Fatalf("first message %T want open success", msgs[0])
	}
	if ok.RequestID != 7 || ok.ChannelID != 1 {
		t.Fatalf("success=%+v", ok)
	}
	wantPrefix := []byte{0x08, 0x00, 0x00, 0x01, 0x00, 0x00, 0x00, 0x00}
	if !bytes.Equal(ok.ExtranoncePrefix, wantPrefix) {
		t.Fatalf("prefix=%x want %x", ok.ExtranoncePrefix, wantPrefix)
	}
	if ok.Target != mustTarget(t, 1024) {
		t.Fatalf("target does not match pool difficulty 1024")
	}

	job, isJob := msgs[1].(stratumV2WireNewMiningJob)
	if !isJob {
		t.Fatalf("second message %T want new mining job", msgs[1])
	}
	if job.JobID != 1 || job.HasMinNTime || job.Version != 0x20000000 {
		t.Fatalf("job=%+v", job)
	}
	prev, isPrev := msgs[2].(stratumV2WireSetNewPrevHash)
	if !isPrev {
		t.Fatalf("third message %T want set new prev hash", msgs[2])
	}
	if prev.JobID != job.JobID || prev.NBits != 0x1d00ffff || prev.MinNTime != 0x6553f100 {
		t.Fatalf("prev hash=%+v", prev)
	}
}

func TestChannelStaleShareRejectedLocally(t *testing.T) {
	f := newChannelFixture(t)
	sink := &recordingSink{}
	ch := f.openWithFirstJob(t, 1, standardOpen(1), sink)

	f.pool.broadcast(v1MethodNotify, fakeV1JobParams("job2", testPrevHashA, false))
	next := sink.waitMessage(t, 3)
	job, isJob := next.(stratumV2WireNewMiningJob)
	if !isJob || job.JobID != 2 || !job.HasMinNTime {
		t.Fatalf("follow-up job=%+v (%T)", next, next)
	}

	ch.submitStandard(stratumV2WireSubmitSharesStandard{ChannelID: 1, SequenceNumber: 10, JobID: 1, Nonce: 1, NTime: 0x6553f100, Version: 0x20000000})
	rej, isErr := sink.waitMessage(t, 4).(stratumV2WireSubmitSharesError)
	if !isErr || rej.SequenceNumber != 10 || rej.ErrorCode != sv2ErrStaleShare {
		t.Fatalf("stale share answer=%+v", rej)
	}
	if n := f.pool.submitCount(); n != 0 {
		t.Fatalf("stale share reached the pool (%d submits)", n)
	}

	ch.submitStandard(stratumV2WireSubmitSharesStandard{ChannelID: 1, SequenceNumber: 11, JobID: 99})
	rej, isErr = sink.waitMessage(t, 5).(stratumV2WireSubmitSharesError)
	if !isErr || rej.ErrorCode != sv2ErrInvalidJobID {
		t.Fatalf("unknown job answer=%+v", rej)
	}

	ch.submitStandard(stratumV2WireSubmitSharesStandard{ChannelID: 1, SequenceNumber: 12, JobID: 2, Nonce: 0x01020304, NTime: 0x6553f105, Version: 0x20000000})
	got := f.pool.waitSubmit(t)
	if got.JobID != "job2" || got.Extranonce2 != "00000000" || got.Nonce != "01020304" || got.NTime != "6553f105" {
		t.Fatalf("pool submit=%+v", got)
	}
	success, isOK := sink.waitMessage(t, 6).(stratumV2WireSubmitSharesSuccess)
	if !isOK || success.LastSequenceNumber != 12 || success.NewSubmitsAcceptedCount != 1 || success.NewSharesSum != 1024 {
		t.Fatalf("success=%+v", success)
	}
}

func TestChannelPoolRejectionMapped(t *testing.T) {
	f := newChannelFixture(t)
	f.pool.submitError = []any{22, "Duplicate share", nil}
	sink := &recordingSink{}
	ch := f.openWithFirstJob(t, 3, standardOpen(1), sink)

	ch.submitStandard(stratumV2WireSubmitSharesStandard{ChannelID: 3, SequenceNumber: 1, JobID: 1})
	f.pool.waitSubmit(t)
	rej, isErr := sink.waitMessage(t, 3).(stratumV2WireSubmitSharesError)
	if !isErr || rej.ErrorCode != sv2ErrDuplicateShare {
		t.Fatalf("answer=%+v", rej)
	}
}

func TestChannelsClosedOnceOnUpstreamLoss(t *testing.T) {
	f := newChannelFixture(t)
	sink := &recordingSink{}
	const n = 4
	for id := uint32(1); id <= n; id++ {
		f.open(t, id, standardOpen(id), sink)
	}
	if c := f.pool.connectionCount(); c != 1 {
		t.Fatalf("pool connections=%d want 1", c)
	}

	f.pool.dropConnections()
	waitFor(t, "channel closures", func() bool { return len(sink.closedIDs()) == n })
	time.Sleep(50 * time.Millisecond)

	closes := make(map[uint32]int)
	for _, m := range sink.messages() {
		if cc, ok := m.(stratumV2WireCloseChannel); ok {
			if cc.ReasonCode != sv2ErrUpstreamUnavailable {
				t.Fatalf("close reason=%q want %q", cc.ReasonCode, sv2ErrUpstreamUnavailable)
			}
			closes[cc.ChannelID]++
		}
	}
	for id := uint32(1); id <= n; id++ {
		if closes[id] != 1 {
			t.Fatalf("channel %d got %d CloseChannel want 1", id, closes[id])
		}
	}
	if ids := sink.closedIDs(); len(ids) != n {
		t.Fatalf("channelClosed calls=%v", ids)
	}
}

func TestChannelPendingShareAnsweredBeforeClose(t *testing.T) {
	f := newChannelFixture(t)
	f.pool.holdSubmits = true
	sink := &recordingSink{}
	ch := f.openWithFirstJob(t, 1, standardOpen(1), sink)

	ch.submitStandard(stratumV2WireSubmitSharesStandard{ChannelID: 1, SequenceNumber: 5, JobID: 1})
	f.pool.waitSubmit(t)
	f.pool.dropConnections()

	rej, isErr := sink.waitMessage(t, 3).(stratumV2WireSubmitSharesError)
	if !isErr || rej.SequenceNumber != 5 || rej.ErrorCode != sv2ErrUpstreamUnavailable {
		t.Fatalf("pending share answer=%+v", sink.messages()[3])
	}
	cc, isClose := sink.waitMessage(t, 4).(stratumV2WireCloseChannel)
	if !isClose || cc.ChannelID != 1 {
		t.Fatalf("expected CloseChannel after share error, got %T", sink.messages()[4])
	}
	if !ch.isClosed() {
		t.Fatalf("channel still open")
	}
}

func TestChannelTargetFollowsPoolDifficulty(t *testing.T) {
	f := newChannelFixture(t)
	sink := &recordingSink{}
	ch := f.openWithFirstJob(t, 2, standardOpen(1), sink)

	f.pool.broadcast(v1MethodSetDifficulty, []any{2048})
	st, isSet := sink.waitMessage(t, 3).(stratumV2WireSetTarget)
	if !isSet || st.ChannelID != 2 || st.MaximumTarget != mustTarget(t, 2048) {
		t.Fatalf("set target=%+v", sink.messages()[3])
	}

	ch.updateChannel(stratumV2WireUpdateChannel{ChannelID: 2, NominalHashRate: 5e12, MaximumTarget: mustTarget(t, 1)})
	ch.updateChannel(stratumV2WireUpdateChannel{ChannelID: 2, NominalHashRate: 5e12, MaximumTarget: mustTarget(t, 4096)})
	ue, isUE := sink.waitMessage(t, 4).(stratumV2WireUpdateChannelError)
	if !isUE || ue.ErrorCode != sv2ErrMaxTargetOutOfRange {
		t.Fatalf("update channel error=%+v", sink.messages()[4])
	}
	if n := sink.count(); n != 5 {
		t.Fatalf("messages=%d want 5", n)
	}
	if info := ch.info(time.Now()); info.NominalHashRate != 5e12 || info.Difficulty != 2048 {
		t.Fatalf("info=%+v", info)
	}
}

func TestOpenExtendedChannel(t *testing.T) {
	f := newChannelFixture(t)
	sink := &recordingSink{}
	req := channelOpenRequest{Kind: channelExtended, RequestID: 4, MinExtranonceSize: 2}
	ch := f.openWithFirstJob(t, 9, req, sink)

	ok, isOK := sink.messages()[0].(stratumV2WireOpenExtendedMiningChannelSuccess)
	if !isOK {
		t.Fatalf("first message %T", sink.messages()[0])
	}
	if ok.ExtranonceSize != 2 || !bytes.Equal(ok.ExtranoncePrefix, []byte{0x08, 0x00, 0x00, 0x01, 0x00, 0x00}) {
		t.Fatalf("success=%+v", ok)
	}
	job, isJob := sink.messages()[1].(stratumV2WireNewExtendedMiningJob)
	if !isJob || !job.VersionRollingAllowed || len(job.CoinbaseTxPrefix) == 0 {
		t.Fatalf("job=%+v", sink.messages()[1])
	}

	ch.submitExtended(stratumV2WireSubmitSharesExtended{ChannelID: 9, SequenceNumber: 1, JobID: 1, Extranonce: []byte{0xaa}})
	rej, isErr := sink.waitMessage(t, 3).(stratumV2WireSubmitSharesError)
	if !isErr || rej.ErrorCode != sv2ErrInvalidExtranonce {
		t.Fatalf("short extranonce answer=%+v", sink.messages()[3])
	}

	ch.submitExtended(stratumV2WireSubmitSharesExtended{ChannelID: 9, SequenceNumber: 2, JobID: 1, Extranonce: []byte{0xaa, 0xbb}})
	if got := f.pool.waitSubmit(t); got.Extranonce2 != "0000aabb" {
		t.Fatalf("pool extranonce2=%q want 0000aabb", got.Extranonce2)
	}
}

func TestOpenExtendedChannelExtranonceTooLarge(t *testing.T) {
	f := newChannelFixture(t)
	sink := &recordingSink{}
	req := channelOpenRequest{Kind: channelExtended, RequestID: 4, MinExtranonceSize: 3}
	_, err := openProxyChannel(context.Background(), 1, req, sink, f.deps)
	if !errors.Is(err, errMinExtranonceTooLarge) {
		t.Fatalf("err=%v want %v", err, errMinExtranonceTooLarge)
	}
	if code := openErrorCode(err); code != sv2ErrMinExtranonceSizeTooLarge {
		t.Fatalf("code=%q", code)
	}
	if n := sink.count(); n != 0 {
		t.Fatalf("failed open sent %d messages", n)
	}
	if n := f.arena.count(); n != 0 {
		t.Fatalf("failed open left %d sessions", n)
	}
}

func TestChannelCloseFromDownstream(t *testing.T) {
	f := newChannelFixture(t)
	sink := &recordingSink{}
	ch := f.openWithFirstJob(t, 1, standardOpen(1), sink)

	ch.close(sv2ReasonShutdown)
	ch.close(sv2ReasonShutdown)
	closes := 0
	for _, m := range sink.messages() {
		if _, ok := m.(stratumV2WireCloseChannel); ok {
			closes++
		}
	}
	if closes != 1 {
		t.Fatalf("CloseChannel sent %d times want 1", closes)
	}
	before := sink.count()
	ch.submitStandard(stratumV2WireSubmitSharesStandard{ChannelID: 1, JobID: 1})
	ch.onJob(v1Job{JobID: "late"})
	if sink.count() != before {
		t.Fatalf("closed channel kept talking")
	}
	if n := f.arena.count(); n != 0 {
		t.Fatalf("sessions=%d want 0 after last channel closed", n)
	}
}

func TestOpenErrorCode(t *testing.T) {
	cases := []struct {
		err  error
		want string
	}{
		{fmt.Errorf("wrap: %w", errMinExtranonceTooLarge), sv2ErrMinExtranonceSizeTooLarge},
		{fmt.Errorf("wrap: %w", errExtranonceSpaceFull), sv2ErrMaxChannelsReached},
		{errUpstreamUnavailable, sv2ErrUpstreamUnavailable},
		{errArenaClosed, sv2ErrUpstreamUnavailable},
	}
	for _, tc := range cases {
		if got := openErrorCode(tc.err); got != tc.want {
			t.Fatalf("openErrorCode(%v)=%q want %q", tc.err, got, tc.want)
		}
	}
}

func TestChannelUpdateChannel(t *testing.T) {
	f := newChannelFixture(t)
	sink := &recordingSink{}
	ch := f.openWithFirstJob(t, 1, standardOpen(1), sink)

	ch.updateChannel(stratumV2WireUpdateChannel{ChannelID: 1, NominalHashRate: 5e12, MaximumTarget: mustTarget(t, 1024)})
	if n := sink.count(); n != 3 {
		t.Fatalf("messages=%d want 3 after a compatible update", n)
	}
	ch.mu.Lock()
	rate := ch.nominalHashRate
	ch.mu.Unlock()
	if rate != 5e12 {
		t.Fatalf("nominal hashrate=%v want 5e12", rate)
	}

	ch.updateChannel(stratumV2WireUpdateChannel{ChannelID: 1, NominalHashRate: 5e12, MaximumTarget: mustTarget(t, 4096)})
	errMsg, ok := sink.waitMessage(t, 3).(stratumV2WireUpdateChannelError)
	if !ok || errMsg.ChannelID != 1 || errMsg.ErrorCode != sv2ErrMaxTargetOutOfRange {
		t.Fatalf("update error=%+v", sink.messages()[3])
	}
}

func TestExtendedChannelClosedOnExtranonceResize(t *testing.T) {
	f := newChannelFixture(t)
	sink := &recordingSink{}
	req := channelOpenRequest{Kind: channelExtended, RequestID: 4, MinExtranonceSize: 2}
	ch := f.openWithFirstJob(t, 9, req, sink)

	ch.mu.Lock()
	slotBytes := ch.layout.SlotBytes
	ch.mu.Unlock()

	ch.onExtranonce(newExtranonceLayout(v1Subscription{Extranonce1: []byte{0x0b, 0, 0, 1}, Extranonce2Size: 4}, slotBytes))
	prefix, isPrefix := sink.waitMessage(t, 3).(stratumV2WireSetExtranoncePrefix)
	if !isPrefix || !bytes.Equal(prefix.ExtranoncePrefix, []byte{0x0b, 0, 0, 1, 0, 0}) {
		t.Fatalf("same-size change answer=%+v", sink.messages()[3])
	}

	ch.onExtranonce(newExtranonceLayout(v1Subscription{Extranonce1: []byte{0x0c, 0, 0, 1}, Extranonce2Size: 6}, slotBytes))
	closeMsg, isClose := sink.waitMessage(t, 4).(stratumV2WireCloseChannel)
	if !isClose || closeMsg.ChannelID != 9 || closeMsg.ReasonCode != sv2ErrInvalidExtranonce {
		t.Fatalf("resize answer=%+v", sink.messages()[4])
	}
	waitFor(t, "channel released", func() bool { return len(sink.closedIDs()) == 1 })
}

func TestChannelJobKeepsIssuingExtranonce1(t *testing.T) {
	f := newChannelFixture(t)
	sink := &recordingSink{}
	ch := f.openWithFirstJob(t, 1, standardOpen(1), sink)

	ch.mu.Lock()
	slotBytes := ch.layout.SlotBytes
	ch.mu.Unlock()
	newEn1 := []byte{0x0b, 0x00, 0x00, 0x01}
	ch.onExtranonce(newExtranonceLayout(v1Subscription{Extranonce1: newEn1, Extranonce2Size: 4}, slotBytes))

	ch.mu.Lock()
	first, err := ch.jobs.lookup(1)
	ch.mu.Unlock()
	if err != nil {
		t.Fatalf("lookup job 1: %v", err)
	}
	if want := []byte{0x08, 0x00, 0x00, 0x01}; !bytes.Equal(first.Extranonce1, want) {
		t.Fatalf("job 1 extranonce1=%x want %x", first.Extranonce1, want)
	}

	f.pool.broadcast(v1MethodNotify, fakeV1JobParams("job2", testPrevHashA, false))
	sink.waitMessage(t, 3)
	ch.mu.Lock()
	second, err := ch.jobs.lookup(2)
	ch.mu.Unlock()
	if err != nil {
		t.Fatalf("lookup job 2: %v", err)
	}
	if !bytes.Equal(second.Extranonce1, newEn1) || len(second.Extranonce2) != 4 {
		t.Fatalf("job 2 extranonce1=%x extranonce2=%x", second.Extranonce1, second.Extranonce2)
	}

	ch.submitStandard(stratumV2WireSubmitSharesStandard{ChannelID: 1, SequenceNumber: 1, JobID: 2, Nonce: 7, NTime: 0x6553f105, Version: 0x20000000})
	if got := f.pool.waitSubmit(t); got.JobID != "job2" || got.Extranonce2 != "00000000" {
		t.Fatalf("pool submit=%+v", got)
	}
}
