package main

import (
	"bytes"
	"errors"
	"reflect"
	"strings"
	"testing"
)

func TestStratumV2FrameHeaderRoundTrip(t *testing.T) {
	in := stratumV2Frame{
		ExtensionType: stratumV2CoreExtensionType | stratumV2ChannelMsgBit,
		MsgType:       sv2MsgSubmitSharesStandard,
		Payload:       []byte{1, 2, 3, 4, 5},
	}
	enc, err := encodeStratumV2Frame(in)
	if err != nil {
		t.Fatalf("encodeStratumV2Frame: %v", err)
	}
	if len(enc) != stratumV2FrameHeaderLen+5 {
		t.Fatalf("encoded len=%d", len(enc))
	}
	got, err := decodeStratumV2Frame(enc)
	if err != nil {
		t.Fatalf("decodeStratumV2Frame: %v", err)
	}
	if got.ExtensionType != in.ExtensionType || got.MsgType != in.MsgType || !bytes.Equal(got.Payload, in.Payload) {
		t.Fatalf("frame roundtrip mismatch: got=%#v want=%#v", got, in)
	}
}

func TestStratumV2FrameDecodeRejectsLengthMismatch(t *testing.T) {
	b := []byte{
		0x00, 0x80, // extension_type LE (channel bit set)
		0x1a,             // msg_type
		0x02, 0x00, 0x00, // payload len = 2
		0x01, // only one payload byte
	}
	if _, err := decodeStratumV2Frame(b); err == nil {
		t.Fatalf("expected payload length mismatch error")
	}
}

func TestStratumV2WireMessagesRoundTrip(t *testing.T) {
	target := [32]byte{0xff, 0xff, 0x00, 0x01}
	msgs := []stratumV2Message{
		stratumV2WireSetupConnection{
			Protocol:        sv2ProtocolMining,
			MinVersion:      2,
			MaxVersion:      2,
			Flags:           1,
			EndpointHost:    "pool.example.com",
			EndpointPort:    3336,
			Vendor:          "bitaxe",
			HardwareVersion: "ultra",
			Firmware:        "2.4.0",
			DeviceID:        "dev-1",
		},
		stratumV2WireSetupConnectionSuccess{UsedVersion: 2, Flags: 0},
		stratumV2WireSetupConnectionError{Flags: 0, ErrorCode: "unsupported-protocol"},
		stratumV2WireOpenStandardMiningChannel{RequestID: 7, UserIdentity: "alice.rig1", NominalHashRate: 1.5e12, MaxTarget: target},
		stratumV2WireOpenExtendedMiningChannel{
			stratumV2WireOpenStandardMiningChannel: stratumV2WireOpenStandardMiningChannel{RequestID: 8, UserIdentity: "bob", MaxTarget: target},
			MinExtranonceSize:                      4,
		},
		stratumV2WireOpenStandardMiningChannelSuccess{RequestID: 7, ChannelID: 1, Target: target, ExtranoncePrefix: []byte{1, 2, 3}, GroupChannelID: 0},
		stratumV2WireOpenExtendedMiningChannelSuccess{RequestID: 8, ChannelID: 1, Target: target, ExtranonceSize: 6, ExtranoncePrefix: []byte{9, 9}},
		stratumV2WireOpenMiningChannelError{RequestID: 9, ErrorCode: "max-channels-reached"},
		stratumV2WireNewMiningJob{ChannelID: 1, JobID: 2, Version: 0x20000000, MerkleRoot: target},
		stratumV2WireNewMiningJob{ChannelID: 1, JobID: 3, HasMinNTime: true, MinNTime: 1700000000, Version: 0x20000000},
		stratumV2WireNewExtendedMiningJob{
			ChannelID:             1,
			JobID:                 4,
			Version:               0x20000000,
			VersionRollingAllowed: true,
			MerklePath:            [][32]byte{{1}, {2}},
			CoinbaseTxPrefix:      []byte{0x01, 0x00},
			CoinbaseTxSuffix:      []byte{0xff, 0xff, 0xff, 0xff},
		},
		stratumV2WireSetNewPrevHash{ChannelID: 1, JobID: 4, PrevHash: target, MinNTime: 1700000000, NBits: 0x1703a30c},
		stratumV2WireUpdateChannel{ChannelID: 1, NominalHashRate: 2e12, MaximumTarget: target},
		stratumV2WireUpdateChannelError{ChannelID: 1, ErrorCode: "max-target-out-of-range"},
		stratumV2WireCloseChannel{ChannelID: 1, ReasonCode: "upstream-unavailable"},
		stratumV2WireSetExtranoncePrefix{ChannelID: 1, ExtranoncePrefix: []byte{0xaa, 0xbb}},
		stratumV2WireSetTarget{ChannelID: 1, MaximumTarget: target},
		stratumV2WireSubmitSharesStandard{ChannelID: 10, SequenceNumber: 11, JobID: 12, Nonce: 13, NTime: 14, Version: 15},
		stratumV2WireSubmitSharesExtended{ChannelID: 10, SequenceNumber: 11, JobID: 12, Nonce: 13, NTime: 14, Version: 15, Extranonce: []byte{1, 2, 3, 4}},
		stratumV2WireSubmitSharesSuccess{ChannelID: 10, LastSequenceNumber: 11, NewSubmitsAcceptedCount: 1, NewSharesSum: 512},
		stratumV2WireSubmitSharesError{ChannelID: 10, SequenceNumber: 11, ErrorCode: "stale-share"},
	}
	for _, in := range msgs {
		enc, err := encodeStratumV2WireMessage(in)
		if err != nil {
			t.Fatalf("%T encode: %v", in, err)
		}
		frame, err := decodeStratumV2Frame(enc)
		if err != nil {
			t.Fatalf("%T frame: %v", in, err)
		}
		if frame.MsgType != in.sv2MsgType() {
			t.Fatalf("%T msg_type=%#02x want %#02x", in, frame.MsgType, in.sv2MsgType())
		}
		if frame.isChannelMessage() != in.sv2ChannelMsg() {
			t.Fatalf("%T channel bit=%v want %v", in, frame.isChannelMessage(), in.sv2ChannelMsg())
		}
		got, err := decodeStratumV2MiningWireFrame(enc)
		if err != nil {
			t.Fatalf("%T decode: %v", in, err)
		}
		if !reflect.DeepEqual(got, in) {
			t.Fatalf("roundtrip mismatch:\n got=%#v\nwant=%#v", got, in)
		}
	}
}

func TestStratumV2SubmitSharesStandardLayout(t *testing.T) {
	enc, err := encodeStratumV2WireMessage(stratumV2WireSubmitSharesStandard{ChannelID: 1, SequenceNumber: 2, JobID: 3, Nonce: 4, NTime: 5, Version: 6})
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	want := []byte{
		0x00, 0x80, 0x1a, 24, 0, 0,
		1, 0, 0, 0, 2, 0, 0, 0, 3, 0, 0, 0, 4, 0, 0, 0, 5, 0, 0, 0, 6, 0, 0, 0,
	}
	if !bytes.Equal(enc, want) {
		t.Fatalf("encoded=%x want %x", enc, want)
	}
}

func TestStratumV2NewMiningJobOptionEncoding(t *testing.T) {
	future, err := encodeStratumV2WireMessage(stratumV2WireNewMiningJob{ChannelID: 1, JobID: 1})
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	active, err := encodeStratumV2WireMessage(stratumV2WireNewMiningJob{ChannelID: 1, JobID: 1, HasMinNTime: true, MinNTime: 5})
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	if len(active)-len(future) != 4 {
		t.Fatalf("option[u32] size delta=%d want 4", len(active)-len(future))
	}
	if future[stratumV2FrameHeaderLen+8] != 0 || active[stratumV2FrameHeaderLen+8] != 1 {
		t.Fatalf("option tags future=%d active=%d", future[stratumV2FrameHeaderLen+8], active[stratumV2FrameHeaderLen+8])
	}
}

func TestStratumV2EncodeRejectsOversizedFields(t *testing.T) {
	if _, err := encodeStratumV2WireMessage(stratumV2WireSubmitSharesError{ErrorCode: strings.Repeat("x", 256)}); err == nil {
		t.Fatalf("expected error for 256-byte error code")
	}
	if _, err := encodeStratumV2WireMessage(stratumV2WireSetExtranoncePrefix{ExtranoncePrefix: make([]byte, 33)}); err == nil {
		t.Fatalf("expected error for 33-byte extranonce prefix")
	}
	if _, err := encodeStratumV2WireMessage(stratumV2WireNewExtendedMiningJob{MerklePath: make([][32]byte, 256)}); err == nil {
		t.Fatalf("expected error for 256 merkle path entries")
	}
}

func TestStratumV2DecodeRejectsTruncatedAndTrailing(t *testing.T) {
	enc, err := encodeStratumV2WireMessage(stratumV2WireSetTarget{ChannelID: 1})
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	frame, _ := decodeStratumV2Frame(enc)

	short := frame
	short.Payload = frame.Payload[:len(frame.Payload)-1]
	b, _ := encodeStratumV2Frame(short)
	if _, err := decodeStratumV2MiningWireFrame(b); err == nil {
		t.Fatalf("expected truncated payload error")
	}

	long := frame
	long.Payload = append(append([]byte(nil), frame.Payload...), 0)
	b, _ = encodeStratumV2Frame(long)
	if _, err := decodeStratumV2MiningWireFrame(b); err == nil {
		t.Fatalf("expected trailing bytes error")
	}
}

func TestStratumV2DecodeRejectsChannelBitMismatch(t *testing.T) {
	enc, err := encodeStratumV2WireMessage(stratumV2WireSetTarget{ChannelID: 1})
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	enc[1] &^= 0x80
	if _, err := decodeStratumV2MiningWireFrame(enc); err == nil {
		t.Fatalf("expected channel bit mismatch error")
	}
}

func TestStratumV2DecodeUnknownMessage(t *testing.T) {
	b, _ := encodeStratumV2Frame(stratumV2Frame{MsgType: 0x70})
	if _, err := decodeStratumV2MiningWireFrame(b); !errors.Is(err, errUnsupportedSV2Message) {
		t.Fatalf("err=%v want errUnsupportedSV2Message", err)
	}
	b, _ = encodeStratumV2Frame(stratumV2Frame{ExtensionType: 0x0001, MsgType: 0x00})
	if _, err := decodeStratumV2MiningWireFrame(b); !errors.Is(err, errUnsupportedSV2Message) {
		t.Fatalf("err=%v want errUnsupportedSV2Message for extension", err)
	}
}

func TestChannelIDOf(t *testing.T) {
	if id, ok := channelIDOf(stratumV2WireSubmitSharesExtended{ChannelID: 9}); !ok || id != 9 {
		t.Fatalf("channelIDOf submit=%d,%v", id, ok)
	}
	if _, ok := channelIDOf(stratumV2WireSetupConnection{}); ok {
		t.Fatalf("setupconnection should not carry a channel id")
	}
}
