package main

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"sync"
	"time"
)

type channelKind uint8

const (
	channelStandard channelKind = iota
	channelExtended
)

func (k channelKind) String() string {
	if k == channelExtended {
		return "extended"
	}
	return "standard"
}

var errMinExtranonceTooLarge = errors.New("requested extranonce size exceeds upstream layout")

// channelSink is the downstream side of a channel.
type channelSink interface {
	sendMessage(m stratumV2Message) error
	channelClosed(id uint32)
}

// channelOpenRequest carries the fields common to both open messages.
type channelOpenRequest struct {
	Kind              channelKind
	RequestID         uint32
	User              string
	NominalHashRate   float32
	MaxTarget         [32]byte
	MinExtranonceSize uint16
}

type channelDeps struct {
	arena       *upstreamArena
	metrics     *ProxyMetrics
	journal     *shareJournal
	proxyHeader *proxyHeader
}

// proxyChannel joins one downstream mining channel to an upstream session.
// mu serializes job issuance, target updates, share results and close.
type proxyChannel struct {
	mu   sync.Mutex
	id   uint32
	kind channelKind
	user string
	sink channelSink
	deps channelDeps

	upstreamID      uint64
	slot            int
	layout          extranonceLayout
	jobs            *channelJobTable
	difficulty      float64
	target          *big.Int
	versionMask     uint32
	nominalHashRate float32
	openedAt        time.Time
	closed          bool
}

// openProxyChannel attaches a new channel to the arena and sends the open
// success plus the current job, if any. On error nothing was sent.
func openProxyChannel(ctx context.Context, id uint32, req channelOpenRequest, sink channelSink, deps channelDeps) (*proxyChannel, error) {
	ch := &proxyChannel{
		id:              id,
		kind:            req.Kind,
		user:            req.User,
		sink:            sink,
		deps:            deps,
		jobs:            newChannelJobTable(),
		nominalHashRate: req.NominalHashRate,
		openedAt:        time.Now(),
	}
	ch.mu.Lock()
	defer ch.mu.Unlock()

	lease, err := deps.arena.acquire(ctx, req.User, deps.proxyHeader, ch)
	if err != nil {
		ch.closed = true
		return nil, err
	}
	ch.upstreamID = lease.SessionID
	ch.slot = lease.Slot
	ch.layout = lease.Snapshot.Layout
	ch.versionMask = lease.Snapshot.VersionMask
	ch.difficulty = lease.Snapshot.Difficulty

	fail := func(err error) (*proxyChannel, error) {
		ch.closed = true
		deps.arena.release(ch.upstreamID, ch.slot)
		return nil, err
	}

	target, err := targetFromDifficulty(ch.difficulty)
	if err != nil {
		return fail(err)
	}
	ch.target = target

	var success stratumV2Message
	switch req.Kind {
	case channelExtended:
		if int(req.MinExtranonceSize) > ch.layout.minerExtranonceSize() {
			return fail(fmt.Errorf("%w: requested %d, available %d", errMinExtranonceTooLarge, req.MinExtranonceSize, ch.layout.minerExtranonceSize()))
		}
		prefix, err := ch.layout.extendedPrefix(ch.slot)
		if err != nil {
			return fail(err)
		}
		success = stratumV2WireOpenExtendedMiningChannelSuccess{
			RequestID:        req.RequestID,
			ChannelID:        id,
			Target:           targetToU256(target),
			ExtranonceSize:   uint16(ch.layout.minerExtranonceSize()),
			ExtranoncePrefix: prefix,
		}
	default:
		prefix, err := ch.layout.standardPrefix(ch.slot)
		if err != nil {
			return fail(err)
		}
		success = stratumV2WireOpenStandardMiningChannelSuccess{
			RequestID:        req.RequestID,
			ChannelID:        id,
			Target:           targetToU256(target),
			ExtranoncePrefix: prefix,
		}
	}
	if err := sink.sendMessage(success); err != nil {
		return fail(err)
	}
	if job := lease.Snapshot.Job; job != nil {
		ch.emitJobLocked(*job)
	}
	logger.Info("channel opened",
		"component", "channel", "kind", "open",
		"channel_id", id,
		"channel_kind", req.Kind.String(),
		"user", req.User,
		"upstream_id", ch.upstreamID,
		"slot", ch.slot,
		"difficulty", ch.difficulty,
	)
	return ch, nil
}

// openErrorCode maps an open failure to its OpenMiningChannel.Error code.
func openErrorCode(err error) string {
	switch {
	case errors.Is(err, errMinExtranonceTooLarge):
		return sv2ErrMinExtranonceSizeTooLarge
	case errors.Is(err, errExtranonceSpaceFull):
		return sv2ErrMaxChannelsReached
	case errors.Is(err, errAuthorizeRejected):
		return sv2ErrUnauthorizedUser
	default:
		return sv2ErrUpstreamUnavailable
	}
}

func (ch *proxyChannel) send(m stratumV2Message) {
	if err := ch.sink.sendMessage(m); err != nil {
		logger.Debug("channel send failed", "component", "channel", "kind", "send", "channel_id", ch.id, "msg_type", m.sv2MsgType(), "error", err)
	}
}

func (ch *proxyChannel) onJob(job v1Job) {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	if ch.closed {
		return
	}
	ch.emitJobLocked(job)
}

func (ch *proxyChannel) emitJobLocked(job v1Job) {
	future := ch.jobs.needsPrevHash(job)
	var en2 []byte
	if ch.kind != channelExtended {
		en2 = ch.layout.standardExtranonce2(ch.slot)
	}
	m := ch.jobs.issue(job, ch.layout.Extranonce1, en2, time.Now())
	var prev *stratumV2WireSetNewPrevHash
	switch ch.kind {
	case channelExtended:
		var nj stratumV2WireNewExtendedMiningJob
		nj, prev = extendedJobMessages(ch.id, m, job, ch.versionMask != 0, future)
		ch.send(nj)
	default:
		var nj stratumV2WireNewMiningJob
		nj, prev = standardJobMessages(ch.id, m, job, m.Extranonce1, m.Extranonce2, future)
		ch.send(nj)
	}
	if prev != nil {
		ch.send(*prev)
	}
	logger.Debug("channel job",
		"component", "channel", "kind", "job",
		"channel_id", ch.id,
		"job_id", m.V2JobID,
		"upstream_job_id", m.UpstreamJobID,
		"future", future,
	)
}

func (ch *proxyChannel) onDifficulty(d float64) {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	if ch.closed {
		return
	}
	target, err := targetFromDifficulty(d)
	if err != nil {
		return
	}
	ch.difficulty = d
	ch.target = target
	ch.send(stratumV2WireSetTarget{ChannelID: ch.id, MaximumTarget: targetToU256(target)})
}

func (ch *proxyChannel) onExtranonce(layout extranonceLayout) {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	if ch.closed {
		return
	}
	if ch.slot >= layout.maxSlots() {
		ch.closeLocked(sv2ErrInvalidExtranonce)
		return
	}
	// An extended miner cannot resize its extranonce mid-channel.
	if ch.kind == channelExtended && layout.minerExtranonceSize() != ch.layout.minerExtranonceSize() {
		ch.closeLocked(sv2ErrInvalidExtranonce)
		return
	}
	ch.layout = layout
	if ch.kind != channelExtended {
		return
	}
	prefix, err := layout.extendedPrefix(ch.slot)
	if err != nil {
		ch.closeLocked(sv2ErrInvalidExtranonce)
		return
	}
	ch.send(stratumV2WireSetExtranoncePrefix{ChannelID: ch.id, ExtranoncePrefix: prefix})
}

func (ch *proxyChannel) onVersionMask(mask uint32) {
	ch.mu.Lock()
	ch.versionMask = mask
	ch.mu.Unlock()
}

// onUpstreamClosed sends exactly one CloseChannel and silences the channel.
func (ch *proxyChannel) onUpstreamClosed() {
	ch.mu.Lock()
	if ch.closed {
		ch.mu.Unlock()
		return
	}
	ch.closed = true
	ch.send(stratumV2WireCloseChannel{ChannelID: ch.id, ReasonCode: sv2ErrUpstreamUnavailable})
	ch.mu.Unlock()
	logger.Info("channel closed", "component", "channel", "kind", "close", "channel_id", ch.id, "reason", sv2ErrUpstreamUnavailable)
	ch.sink.channelClosed(ch.id)
}

// closeLocked notifies the miner with reason and releases the slot.
func (ch *proxyChannel) closeLocked(reason string) {
	ch.closed = true
	ch.send(stratumV2WireCloseChannel{ChannelID: ch.id, ReasonCode: reason})
	logger.Info("channel closed", "component", "channel", "kind", "close", "channel_id", ch.id, "reason", reason)
	go func() {
		ch.deps.arena.release(ch.upstreamID, ch.slot)
		ch.sink.channelClosed(ch.id)
	}()
}

// close ends the channel from the downstream side. A non-empty reason is sent
// to the miner as CloseChannel.
func (ch *proxyChannel) close(reason string) {
	ch.mu.Lock()
	if ch.closed {
		ch.mu.Unlock()
		return
	}
	ch.closed = true
	if reason != "" && reason != sv2ReasonClosedByClient {
		ch.send(stratumV2WireCloseChannel{ChannelID: ch.id, ReasonCode: reason})
	}
	ch.mu.Unlock()
	ch.deps.arena.release(ch.upstreamID, ch.slot)
	logger.Info("channel closed", "component", "channel", "kind", "close", "channel_id", ch.id, "reason", reason)
}

func (ch *proxyChannel) isClosed() bool {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	return ch.closed
}

// updateChannel records the miner's hashrate. The pool owns difficulty, so a
// maximum target below the current one is refused.
func (ch *proxyChannel) updateChannel(m stratumV2WireUpdateChannel) {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	if ch.closed {
		return
	}
	ch.nominalHashRate = m.NominalHashRate
	if ch.target != nil && u256ToTarget(m.MaximumTarget).Cmp(ch.target) < 0 {
		ch.send(stratumV2WireUpdateChannelError{ChannelID: ch.id, ErrorCode: sv2ErrMaxTargetOutOfRange})
	}
}

func (ch *proxyChannel) submitStandard(m stratumV2WireSubmitSharesStandard) {
	ch.submit(shareSubmission{
		ChannelID:  m.ChannelID,
		Sequence:   m.SequenceNumber,
		JobID:      m.JobID,
		Nonce:      m.Nonce,
		NTime:      m.NTime,
		Version:    m.Version,
		ReceivedAt: time.Now(),
	})
}

func (ch *proxyChannel) submitExtended(m stratumV2WireSubmitSharesExtended) {
	ch.submit(shareSubmission{
		ChannelID:  m.ChannelID,
		Sequence:   m.SequenceNumber,
		JobID:      m.JobID,
		Nonce:      m.Nonce,
		NTime:      m.NTime,
		Version:    m.Version,
		Extranonce: m.Extranonce,
		ReceivedAt: time.Now(),
	})
}

// submit forwards a share for the current job; everything else is answered
// locally without contacting the pool.
func (ch *proxyChannel) submit(share shareSubmission) {
	ch.mu.Lock()
	if ch.closed {
		ch.mu.Unlock()
		return
	}
	share.UserID = ch.user
	mapping, err := ch.jobs.lookup(share.JobID)
	if err != nil {
		code := sv2ErrInvalidJobID
		if errors.Is(err, errStaleShare) {
			code = sv2ErrStaleShare
		}
		ch.rejectLocked(share, code, err)
		ch.mu.Unlock()
		return
	}
	share.Upstream = mapping
	switch ch.kind {
	case channelExtended:
		en2, err := ch.layout.extendedExtranonce2(ch.slot, share.Extranonce)
		if err != nil {
			ch.rejectLocked(share, sv2ErrInvalidExtranonce, err)
			ch.mu.Unlock()
			return
		}
		share.Extranonce2 = en2
	default:
		share.Extranonce2 = append([]byte(nil), mapping.Extranonce2...)
	}
	share.HeaderHash = shareHeaderHash(mapping, share)
	difficulty := ch.difficulty
	upstreamID := ch.upstreamID
	ch.mu.Unlock()

	sess, ok := ch.deps.arena.get(upstreamID)
	if !ok {
		ch.finishSubmit(share, difficulty, false, nil, errUpstreamUnavailable)
		return
	}
	err = sess.submit(share, func(accepted bool, rej *stratumV1Error, err error) {
		ch.finishSubmit(share, difficulty, accepted, rej, err)
	})
	if err != nil {
		ch.finishSubmit(share, difficulty, false, nil, err)
	}
}

func (ch *proxyChannel) rejectLocked(share shareSubmission, code string, cause error) {
	ch.send(stratumV2WireSubmitSharesError{ChannelID: ch.id, SequenceNumber: share.Sequence, ErrorCode: code})
	ch.recordOutcome(share, ch.difficulty, code)
	logger.Debug("share rejected locally", "component", "channel", "kind", "submit", "channel_id", ch.id, "seq", share.Sequence, "job_id", share.JobID, "code", code, "error", cause)
}

func (ch *proxyChannel) finishSubmit(share shareSubmission, difficulty float64, accepted bool, rej *stratumV1Error, err error) {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	if ch.closed {
		return
	}
	switch {
	case err != nil:
		ch.send(stratumV2WireSubmitSharesError{ChannelID: ch.id, SequenceNumber: share.Sequence, ErrorCode: sv2ErrUpstreamUnavailable})
		ch.recordOutcome(share, difficulty, sv2ErrUpstreamUnavailable)
		logger.Warn("share not delivered upstream", "component", "channel", "kind", "submit", "channel_id", ch.id, "seq", share.Sequence, "error", err)
	case accepted:
		ch.send(stratumV2WireSubmitSharesSuccess{
			ChannelID:               ch.id,
			LastSequenceNumber:      share.Sequence,
			NewSubmitsAcceptedCount: 1,
			NewSharesSum:            sharesSumForDifficulty(difficulty),
		})
		ch.recordOutcome(share, difficulty, "accepted")
		ch.deps.metrics.TrackBestShare(ch.user, share.Upstream.UpstreamJobID, difficultyFromHash(share.HeaderHash), share.ReceivedAt)
		if meetsNetworkTarget(share.HeaderHash, share.Upstream.NBits) {
			logger.Info("share meets network target", "component", "channel", "kind", "block", "channel_id", ch.id, "user", ch.user, "job_id", share.Upstream.UpstreamJobID, "hash", share.HeaderHash.String())
		}
	default:
		code := mapV1SubmitError(rej)
		ch.send(stratumV2WireSubmitSharesError{ChannelID: ch.id, SequenceNumber: share.Sequence, ErrorCode: code})
		ch.recordOutcome(share, difficulty, code)
		logger.Debug("share rejected upstream", "component", "channel", "kind", "submit", "channel_id", ch.id, "seq", share.Sequence, "code", code)
	}
}

func (ch *proxyChannel) recordOutcome(share shareSubmission, difficulty float64, status string) {
	ch.deps.metrics.RecordSubmit(status, difficulty)
	ch.deps.journal.Record(shareJournalEntry{
		At:            share.ReceivedAt,
		User:          ch.user,
		ChannelID:     ch.id,
		Sequence:      share.Sequence,
		V2JobID:       share.JobID,
		UpstreamJobID: share.Upstream.UpstreamJobID,
		UpstreamID:    ch.upstreamID,
		Difficulty:    difficulty,
		Status:        status,
	})
}

// channelInfo is a status view of a channel.
type channelInfo struct {
	ID              uint32  `json:"id"`
	Kind            string  `json:"kind"`
	User            string  `json:"user"`
	UpstreamID      uint64  `json:"upstream_id"`
	Slot            int     `json:"slot"`
	Difficulty      float64 `json:"difficulty"`
	NominalHashRate float32 `json:"nominal_hashrate"`
	CurrentJobID    uint32  `json:"current_job_id,omitempty"`
	OpenFor         string  `json:"open_for"`
}

func (ch *proxyChannel) info(now time.Time) channelInfo {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	ci := channelInfo{
		ID:              ch.id,
		Kind:            ch.kind.String(),
		User:            ch.user,
		UpstreamID:      ch.upstreamID,
		Slot:            ch.slot,
		Difficulty:      ch.difficulty,
		NominalHashRate: ch.nominalHashRate,
		OpenFor:         humanShortDuration(now.Sub(ch.openedAt)),
	}
	if ch.jobs.current != nil {
		ci.CurrentJobID = ch.jobs.current.V2JobID
	}
	return ci
}
