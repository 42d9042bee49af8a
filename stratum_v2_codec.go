package main

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"
)

const (
	stratumV2FrameHeaderLen     = 6
	stratumV2CoreExtensionType  = uint16(0x0000)
	stratumV2ChannelMsgBit      = uint16(0x8000)
	stratumV2MaxFramePayloadLen = 0xFFFFFF
)

var errUnsupportedSV2Message = errors.New("unsupported sv2 message")

type stratumV2Frame struct {
	ExtensionType uint16
	MsgType       uint8
	Payload       []byte
}

func (f stratumV2Frame) isChannelMessage() bool {
	return f.ExtensionType&stratumV2ChannelMsgBit != 0
}

func (f stratumV2Frame) baseExtensionType() uint16 {
	return f.ExtensionType &^ stratumV2ChannelMsgBit
}

func encodeStratumV2Frame(f stratumV2Frame) ([]byte, error) {
	if len(f.Payload) > stratumV2MaxFramePayloadLen {
		return nil, fmt.Errorf("sv2 payload too large: %d", len(f.Payload))
	}
	out := make([]byte, stratumV2FrameHeaderLen+len(f.Payload))
	binary.LittleEndian.PutUint16(out[0:2], f.ExtensionType)
	out[2] = f.MsgType
	putUint24LE(out[3:6], uint32(len(f.Payload)))
	copy(out[6:], f.Payload)
	return out, nil
}

func decodeStratumV2Frame(b []byte) (stratumV2Frame, error) {
	if len(b) < stratumV2FrameHeaderLen {
		return stratumV2Frame{}, fmt.Errorf("sv2 frame too short: %d", len(b))
	}
	payloadLen := int(readUint24LE(b[3:6]))
	if len(b)-stratumV2FrameHeaderLen != payloadLen {
		return stratumV2Frame{}, fmt.Errorf("sv2 frame payload length mismatch: header=%d actual=%d", payloadLen, len(b)-stratumV2FrameHeaderLen)
	}
	payload := make([]byte, payloadLen)
	copy(payload, b[stratumV2FrameHeaderLen:])
	return stratumV2Frame{
		ExtensionType: binary.LittleEndian.Uint16(b[0:2]),
		MsgType:       b[2],
		Payload:       payload,
	}, nil
}

func putUint24LE(dst []byte, v uint32) {
	if len(dst) < 3 {
		return
	}
	dst[0] = byte(v)
	dst[1] = byte(v >> 8)
	dst[2] = byte(v >> 16)
}

func readUint24LE(src []byte) uint32 {
	if len(src) < 3 {
		return 0
	}
	return uint32(src[0]) | uint32(src[1])<<8 | uint32(src[2])<<16
}

// sv2Writer appends SV2 primitive types. The first error sticks.
type sv2Writer struct {
	buf []byte
	err error
}

func (w *sv2Writer) u8(v uint8) { w.buf = append(w.buf, v) }

func (w *sv2Writer) u16(v uint16) { w.buf = binary.LittleEndian.AppendUint16(w.buf, v) }

func (w *sv2Writer) u32(v uint32) { w.buf = binary.LittleEndian.AppendUint32(w.buf, v) }

func (w *sv2Writer) u64(v uint64) { w.buf = binary.LittleEndian.AppendUint64(w.buf, v) }

func (w *sv2Writer) f32(v float32) { w.u32(math.Float32bits(v)) }

func (w *sv2Writer) boolean(v bool) {
	if v {
		w.u8(1)
		return
	}
	w.u8(0)
}

func (w *sv2Writer) u256(v [32]byte) { w.buf = append(w.buf, v[:]...) }

func (w *sv2Writer) str0_255(field, s string) {
	if len(s) > 255 {
		w.fail(fmt.Errorf("%s too long: %d", field, len(s)))
		return
	}
	w.u8(uint8(len(s)))
	w.buf = append(w.buf, s...)
}

func (w *sv2Writer) b0_32(field string, b []byte) {
	if len(b) > 32 {
		w.fail(fmt.Errorf("%s too long: %d", field, len(b)))
		return
	}
	w.u8(uint8(len(b)))
	w.buf = append(w.buf, b...)
}

func (w *sv2Writer) b0_64k(field string, b []byte) {
	if len(b) > math.MaxUint16 {
		w.fail(fmt.Errorf("%s too long: %d", field, len(b)))
		return
	}
	w.u16(uint16(len(b)))
	w.buf = append(w.buf, b...)
}

func (w *sv2Writer) seqU256(field string, hs [][32]byte) {
	if len(hs) > 255 {
		w.fail(fmt.Errorf("%s too long: %d", field, len(hs)))
		return
	}
	w.u8(uint8(len(hs)))
	for _, h := range hs {
		w.u256(h)
	}
}

func (w *sv2Writer) optU32(present bool, v uint32) {
	w.boolean(present)
	if present {
		w.u32(v)
	}
}

func (w *sv2Writer) fail(err error) {
	if w.err == nil {
		w.err = err
	}
}

// sv2Reader consumes SV2 primitive types from a payload. Reads past the end
// record an error and return zero values.
type sv2Reader struct {
	b   []byte
	off int
	err error
}

func (r *sv2Reader) take(n int) []byte {
	if r.err != nil {
		return nil
	}
	if n < 0 || len(r.b)-r.off < n {
		r.err = fmt.Errorf("payload truncated at offset %d (need %d, have %d)", r.off, n, len(r.b)-r.off)
		return nil
	}
	out := r.b[r.off : r.off+n]
	r.off += n
	return out
}

func (r *sv2Reader) u8() uint8 {
	b := r.take(1)
	if b == nil {
		return 0
	}
	return b[0]
}

func (r *sv2Reader) u16() uint16 {
	b := r.take(2)
	if b == nil {
		return 0
	}
	return binary.LittleEndian.Uint16(b)
}

func (r *sv2Reader) u32() uint32 {
	b := r.take(4)
	if b == nil {
		return 0
	}
	return binary.LittleEndian.Uint32(b)
}

func (r *sv2Reader) u64() uint64 {
	b := r.take(8)
	if b == nil {
		return 0
	}
	return binary.LittleEndian.Uint64(b)
}

func (r *sv2Reader) f32() float32 { return math.Float32frombits(r.u32()) }

func (r *sv2Reader) boolean() bool {
	v := r.u8()
	if v > 1 && r.err == nil {
		r.err = fmt.Errorf("invalid bool byte 0x%02x", v)
	}
	return v == 1
}

func (r *sv2Reader) u256() [32]byte {
	var out [32]byte
	copy(out[:], r.take(32))
	return out
}

func (r *sv2Reader) str0_255() string {
	n := int(r.u8())
	return string(r.take(n))
}

func (r *sv2Reader) b0_32(field string) []byte {
	n := int(r.u8())
	if n > 32 && r.err == nil {
		r.err = fmt.Errorf("%s len out of range: %d", field, n)
		return nil
	}
	b := r.take(n)
	if len(b) == 0 {
		return nil
	}
	return append([]byte(nil), b...)
}

func (r *sv2Reader) b0_64k() []byte {
	n := int(r.u16())
	b := r.take(n)
	if len(b) == 0 {
		return nil
	}
	return append([]byte(nil), b...)
}

func (r *sv2Reader) seqU256() [][32]byte {
	n := int(r.u8())
	if n == 0 {
		return nil
	}
	out := make([][32]byte, 0, n)
	for i := 0; i < n && r.err == nil; i++ {
		out = append(out, r.u256())
	}
	return out
}

func (r *sv2Reader) optU32() (bool, uint32) {
	if !r.boolean() {
		return false, 0
	}
	return true, r.u32()
}

func (r *sv2Reader) finish(name string) error {
	if r.err != nil {
		return fmt.Errorf("%s: %w", name, r.err)
	}
	if r.off != len(r.b) {
		return fmt.Errorf("%s: %d trailing bytes", name, len(r.b)-r.off)
	}
	return nil
}

// encodeStratumV2WireMessage serializes m into a complete frame.
func encodeStratumV2WireMessage(m stratumV2Message) ([]byte, error) {
	w := &sv2Writer{}
	m.encodePayload(w)
	if w.err != nil {
		return nil, fmt.Errorf("encode sv2 msg 0x%02x: %w", m.sv2MsgType(), w.err)
	}
	ext := stratumV2CoreExtensionType
	if m.sv2ChannelMsg() {
		ext |= stratumV2ChannelMsgBit
	}
	return encodeStratumV2Frame(stratumV2Frame{ExtensionType: ext, MsgType: m.sv2MsgType(), Payload: w.buf})
}

// decodeStratumV2MiningWireFrame parses a full frame into its message shape.
// Unknown message types and extensions return errUnsupportedSV2Message.
func decodeStratumV2MiningWireFrame(b []byte) (stratumV2Message, error) {
	frame, err := decodeStratumV2Frame(b)
	if err != nil {
		return nil, err
	}
	if frame.baseExtensionType() != stratumV2CoreExtensionType {
		return nil, fmt.Errorf("%w: extension_type %#04x", errUnsupportedSV2Message, frame.baseExtensionType())
	}
	r := &sv2Reader{b: frame.Payload}
	var msg stratumV2Message
	var name string
	switch frame.MsgType {
	case sv2MsgSetupConnection:
		name = "setupconnection"
		msg = stratumV2WireSetupConnection{
			Protocol:        r.u8(),
			MinVersion:      r.u16(),
			MaxVersion:      r.u16(),
			Flags:           r.u32(),
			EndpointHost:    r.str0_255(),
			EndpointPort:    r.u16(),
			Vendor:          r.str0_255(),
			HardwareVersion: r.str0_255(),
			Firmware:        r.str0_255(),
			DeviceID:        r.str0_255(),
		}
	case sv2MsgSetupConnectionSuccess:
		name = "setupconnection.success"
		msg = stratumV2WireSetupConnectionSuccess{UsedVersion: r.u16(), Flags: r.u32()}
	case sv2MsgSetupConnectionError:
		name = "setupconnection.error"
		msg = stratumV2WireSetupConnectionError{Flags: r.u32(), ErrorCode: r.str0_255()}
	case sv2MsgOpenStandardMiningChannel:
		name = "openstandardminingchannel"
		msg = decodeOpenStandardMiningChannel(r)
	case sv2MsgOpenExtendedMiningChannel:
		name = "openextendedminingchannel"
		std := decodeOpenStandardMiningChannel(r)
		msg = stratumV2WireOpenExtendedMiningChannel{stratumV2WireOpenStandardMiningChannel: std, MinExtranonceSize: r.u16()}
	case sv2MsgOpenStandardMiningChannelSuccess:
		name = "openstandardminingchannel.success"
		msg = stratumV2WireOpenStandardMiningChannelSuccess{
			RequestID:        r.u32(),
			ChannelID:        r.u32(),
			Target:           r.u256(),
			ExtranoncePrefix: r.b0_32("extranonce_prefix"),
			GroupChannelID:   r.u32(),
		}
	case sv2MsgOpenExtendedMiningChannelSuccess:
		name = "openextendedminingchannel.success"
		msg = stratumV2WireOpenExtendedMiningChannelSuccess{
			RequestID:        r.u32(),
			ChannelID:        r.u32(),
			Target:           r.u256(),
			ExtranonceSize:   r.u16(),
			ExtranoncePrefix: r.b0_32("extranonce_prefix"),
			GroupChannelID:   r.u32(),
		}
	case sv2MsgOpenMiningChannelError:
		name = "openminingchannel.error"
		msg = stratumV2WireOpenMiningChannelError{RequestID: r.u32(), ErrorCode: r.str0_255()}
	case sv2MsgNewMiningJob:
		name = "newminingjob"
		m := stratumV2WireNewMiningJob{ChannelID: r.u32(), JobID: r.u32()}
		m.HasMinNTime, m.MinNTime = r.optU32()
		m.Version = r.u32()
		m.MerkleRoot = r.u256()
		msg = m
	case sv2MsgNewExtendedMiningJob:
		name = "newextendedminingjob"
		m := stratumV2WireNewExtendedMiningJob{ChannelID: r.u32(), JobID: r.u32()}
		m.HasMinNTime, m.MinNTime = r.optU32()
		m.Version = r.u32()
		m.VersionRollingAllowed = r.boolean()
		m.MerklePath = r.seqU256()
		m.CoinbaseTxPrefix = r.b0_64k()
		m.CoinbaseTxSuffix = r.b0_64k()
		msg = m
	case sv2MsgSetNewPrevHash:
		name = "setnewprevhash"
		msg = stratumV2WireSetNewPrevHash{
			ChannelID: r.u32(),
			JobID:     r.u32(),
			PrevHash:  r.u256(),
			MinNTime:  r.u32(),
			NBits:     r.u32(),
		}
	case sv2MsgUpdateChannel:
		name = "updatechannel"
		msg = stratumV2WireUpdateChannel{ChannelID: r.u32(), NominalHashRate: r.f32(), MaximumTarget: r.u256()}
	case sv2MsgUpdateChannelError:
		name = "updatechannel.error"
		msg = stratumV2WireUpdateChannelError{ChannelID: r.u32(), ErrorCode: r.str0_255()}
	case sv2MsgCloseChannel:
		name = "closechannel"
		msg = stratumV2WireCloseChannel{ChannelID: r.u32(), ReasonCode: r.str0_255()}
	case sv2MsgSetExtranoncePrefix:
		name = "setextranonceprefix"
		msg = stratumV2WireSetExtranoncePrefix{ChannelID: r.u32(), ExtranoncePrefix: r.b0_32("extranonce_prefix")}
	case sv2MsgSetTarget:
		name = "settarget"
		msg = stratumV2WireSetTarget{ChannelID: r.u32(), MaximumTarget: r.u256()}
	case sv2MsgSubmitSharesStandard:
		name = "submitsharesstandard"
		msg = stratumV2WireSubmitSharesStandard{
			ChannelID:      r.u32(),
			SequenceNumber: r.u32(),
			JobID:          r.u32(),
			Nonce:          r.u32(),
			NTime:          r.u32(),
			Version:        r.u32(),
		}
	case sv2MsgSubmitSharesExtended:
		name = "submitsharesextended"
		msg = stratumV2WireSubmitSharesExtended{
			ChannelID:      r.u32(),
			SequenceNumber: r.u32(),
			JobID:          r.u32(),
			Nonce:          r.u32(),
			NTime:          r.u32(),
			Version:        r.u32(),
			Extranonce:     r.b0_32("extranonce"),
		}
	case sv2MsgSubmitSharesSuccess:
		name = "submitshares.success"
		msg = stratumV2WireSubmitSharesSuccess{
			ChannelID:               r.u32(),
			LastSequenceNumber:      r.u32(),
			NewSubmitsAcceptedCount: r.u32(),
			NewSharesSum:            r.u64(),
		}
	case sv2MsgSubmitSharesError:
		name = "submitshares.error"
		msg = stratumV2WireSubmitSharesError{ChannelID: r.u32(), SequenceNumber: r.u32(), ErrorCode: r.str0_255()}
	default:
		return nil, fmt.Errorf("%w: msg_type %#02x", errUnsupportedSV2Message, frame.MsgType)
	}
	if err := r.finish(name); err != nil {
		return nil, err
	}
	if msg.sv2ChannelMsg() != frame.isChannelMessage() {
		return nil, fmt.Errorf("%s: channel_msg bit mismatch", name)
	}
	return msg, nil
}

func decodeOpenStandardMiningChannel(r *sv2Reader) stratumV2WireOpenStandardMiningChannel {
	return stratumV2WireOpenStandardMiningChannel{
		RequestID:       r.u32(),
		UserIdentity:    r.str0_255(),
		NominalHashRate: r.f32(),
		MaxTarget:       r.u256(),
	}
}

func (stratumV2WireSetupConnection) sv2MsgType() uint8   { return sv2MsgSetupConnection }
func (stratumV2WireSetupConnection) sv2ChannelMsg() bool { return false }
func (m stratumV2WireSetupConnection) encodePayload(w *sv2Writer) {
	w.u8(m.Protocol)
	w.u16(m.MinVersion)
	w.u16(m.MaxVersion)
	w.u32(m.Flags)
	w.str0_255("endpoint_host", m.EndpointHost)
	w.u16(m.EndpointPort)
	w.str0_255("vendor", m.Vendor)
	w.str0_255("hardware_version", m.HardwareVersion)
	w.str0_255("firmware", m.Firmware)
	w.str0_255("device_id", m.DeviceID)
}

func (stratumV2WireSetupConnectionSuccess) sv2MsgType() uint8   { return sv2MsgSetupConnectionSuccess }
func (stratumV2WireSetupConnectionSuccess) sv2ChannelMsg() bool { return false }
func (m stratumV2WireSetupConnectionSuccess) encodePayload(w *sv2Writer) {
	w.u16(m.UsedVersion)
	w.u32(m.Flags)
}

func (stratumV2WireSetupConnectionError) sv2MsgType() uint8   { return sv2MsgSetupConnectionError }
func (stratumV2WireSetupConnectionError) sv2ChannelMsg() bool { return false }
func (m stratumV2WireSetupConnectionError) encodePayload(w *sv2Writer) {
	w.u32(m.Flags)
	w.str0_255("error_code", m.ErrorCode)
}

func (stratumV2WireOpenStandardMiningChannel) sv2MsgType() uint8 {
	return sv2MsgOpenStandardMiningChannel
}
func (stratumV2WireOpenStandardMiningChannel) sv2ChannelMsg() bool { return false }
func (m stratumV2WireOpenStandardMiningChannel) encodePayload(w *sv2Writer) {
	w.u32(m.RequestID)
	w.str0_255("user_identity", m.UserIdentity)
	w.f32(m.NominalHashRate)
	w.u256(m.MaxTarget)
}

func (stratumV2WireOpenExtendedMiningChannel) sv2MsgType() uint8 {
	return sv2MsgOpenExtendedMiningChannel
}
func (stratumV2WireOpenExtendedMiningChannel) sv2ChannelMsg() bool { return false }
func (m stratumV2WireOpenExtendedMiningChannel) encodePayload(w *sv2Writer) {
	m.stratumV2WireOpenStandardMiningChannel.encodePayload(w)
	w.u16(m.MinExtranonceSize)
}

func (stratumV2WireOpenStandardMiningChannelSuccess) sv2MsgType() uint8 {
	return sv2MsgOpenStandardMiningChannelSuccess
}
func (stratumV2WireOpenStandardMiningChannelSuccess) sv2ChannelMsg() bool { return false }
func (m stratumV2WireOpenStandardMiningChannelSuccess) encodePayload(w *sv2Writer) {
	w.u32(m.RequestID)
	w.u32(m.ChannelID)
	w.u256(m.Target)
	w.b0_32("extranonce_prefix", m.ExtranoncePrefix)
	w.u32(m.GroupChannelID)
}

func (stratumV2WireOpenExtendedMiningChannelSuccess) sv2MsgType() uint8 {
	return sv2MsgOpenExtendedMiningChannelSuccess
}
func (stratumV2WireOpenExtendedMiningChannelSuccess) sv2ChannelMsg() bool { return false }
func (m stratumV2WireOpenExtendedMiningChannelSuccess) encodePayload(w *sv2Writer) {
	w.u32(m.RequestID)
	w.u32(m.ChannelID)
	w.u256(m.Target)
	w.u16(m.ExtranonceSize)
	w.b0_32("extranonce_prefix", m.ExtranoncePrefix)
	w.u32(m.GroupChannelID)
}

func (stratumV2WireOpenMiningChannelError) sv2MsgType() uint8   { return sv2MsgOpenMiningChannelError }
func (stratumV2WireOpenMiningChannelError) sv2ChannelMsg() bool { return false }
func (m stratumV2WireOpenMiningChannelError) encodePayload(w *sv2Writer) {
	w.u32(m.RequestID)
	w.str0_255("error_code", m.ErrorCode)
}

func (stratumV2WireNewMiningJob) sv2MsgType() uint8   { return sv2MsgNewMiningJob }
func (stratumV2WireNewMiningJob) sv2ChannelMsg() bool { return true }
func (m stratumV2WireNewMiningJob) encodePayload(w *sv2Writer) {
	w.u32(m.ChannelID)
	w.u32(m.JobID)
	w.optU32(m.HasMinNTime, m.MinNTime)
	w.u32(m.Version)
	w.u256(m.MerkleRoot)
}

func (stratumV2WireNewExtendedMiningJob) sv2MsgType() uint8   { return sv2MsgNewExtendedMiningJob }
func (stratumV2WireNewExtendedMiningJob) sv2ChannelMsg() bool { return true }
func (m stratumV2WireNewExtendedMiningJob) encodePayload(w *sv2Writer) {
	w.u32(m.ChannelID)
	w.u32(m.JobID)
	w.optU32(m.HasMinNTime, m.MinNTime)
	w.u32(m.Version)
	w.boolean(m.VersionRollingAllowed)
	w.seqU256("merkle_path", m.MerklePath)
	w.b0_64k("coinbase_tx_prefix", m.CoinbaseTxPrefix)
	w.b0_64k("coinbase_tx_suffix", m.CoinbaseTxSuffix)
}

func (stratumV2WireSetNewPrevHash) sv2MsgType() uint8   { return sv2MsgSetNewPrevHash }
func (stratumV2WireSetNewPrevHash) sv2ChannelMsg() bool { return true }
func (m stratumV2WireSetNewPrevHash) encodePayload(w *sv2Writer) {
	w.u32(m.ChannelID)
	w.u32(m.JobID)
	w.u256(m.PrevHash)
	w.u32(m.MinNTime)
	w.u32(m.NBits)
}

func (stratumV2WireUpdateChannel) sv2MsgType() uint8   { return sv2MsgUpdateChannel }
func (stratumV2WireUpdateChannel) sv2ChannelMsg() bool { return true }
func (m stratumV2WireUpdateChannel) encodePayload(w *sv2Writer) {
	w.u32(m.ChannelID)
	w.f32(m.NominalHashRate)
	w.u256(m.MaximumTarget)
}

func (stratumV2WireUpdateChannelError) sv2MsgType() uint8   { return sv2MsgUpdateChannelError }
func (stratumV2WireUpdateChannelError) sv2ChannelMsg() bool { return true }
func (m stratumV2WireUpdateChannelError) encodePayload(w *sv2Writer) {
	w.u32(m.ChannelID)
	w.str0_255("error_code", m.ErrorCode)
}

func (stratumV2WireCloseChannel) sv2MsgType() uint8   { return sv2MsgCloseChannel }
func (stratumV2WireCloseChannel) sv2ChannelMsg() bool { return true }
func (m stratumV2WireCloseChannel) encodePayload(w *sv2Writer) {
	w.u32(m.ChannelID)
	w.str0_255("reason_code", m.ReasonCode)
}

func (stratumV2WireSetExtranoncePrefix) sv2MsgType() uint8   { return sv2MsgSetExtranoncePrefix }
func (stratumV2WireSetExtranoncePrefix) sv2ChannelMsg() bool { return true }
func (m stratumV2WireSetExtranoncePrefix) encodePayload(w *sv2Writer) {
	w.u32(m.ChannelID)
	w.b0_32("extranonce_prefix", m.ExtranoncePrefix)
}

func (stratumV2WireSetTarget) sv2MsgType() uint8   { return sv2MsgSetTarget }
func (stratumV2WireSetTarget) sv2ChannelMsg() bool { return true }
func (m stratumV2WireSetTarget) encodePayload(w *sv2Writer) {
	w.u32(m.ChannelID)
	w.u256(m.MaximumTarget)
}

func (stratumV2WireSubmitSharesStandard) sv2MsgType() uint8   { return sv2MsgSubmitSharesStandard }
func (stratumV2WireSubmitSharesStandard) sv2ChannelMsg() bool { return true }
func (m stratumV2WireSubmitSharesStandard) encodePayload(w *sv2Writer) {
	w.u32(m.ChannelID)
	w.u32(m.SequenceNumber)
	w.u32(m.JobID)
	w.u32(m.Nonce)
	w.u32(m.NTime)
	w.u32(m.Version)
}

func (stratumV2WireSubmitSharesExtended) sv2MsgType() uint8   { return sv2MsgSubmitSharesExtended }
func (stratumV2WireSubmitSharesExtended) sv2ChannelMsg() bool { return true }
func (m stratumV2WireSubmitSharesExtended) encodePayload(w *sv2Writer) {
	w.u32(m.ChannelID)
	w.u32(m.SequenceNumber)
	w.u32(m.JobID)
	w.u32(m.Nonce)
	w.u32(m.NTime)
	w.u32(m.Version)
	w.b0_32("extranonce", m.Extranonce)
}

func (stratumV2WireSubmitSharesSuccess) sv2MsgType() uint8   { return sv2MsgSubmitSharesSuccess }
func (stratumV2WireSubmitSharesSuccess) sv2ChannelMsg() bool { return true }
func (m stratumV2WireSubmitSharesSuccess) encodePayload(w *sv2Writer) {
	w.u32(m.ChannelID)
	w.u32(m.LastSequenceNumber)
	w.u32(m.NewSubmitsAcceptedCount)
	w.u64(m.NewSharesSum)
}

func (stratumV2WireSubmitSharesError) sv2MsgType() uint8   { return sv2MsgSubmitSharesError }
func (stratumV2WireSubmitSharesError) sv2ChannelMsg() bool { return true }
func (m stratumV2WireSubmitSharesError) encodePayload(w *sv2Writer) {
	w.u32(m.ChannelID)
	w.u32(m.SequenceNumber)
	w.str0_255("error_code", m.ErrorCode)
}
