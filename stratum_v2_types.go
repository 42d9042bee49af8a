package main

// On-wire message shapes for the SV2 common and mining protocol messages the
// proxy speaks. Field order matches the binary payload layout.

const (
	sv2MsgSetupConnection                  = uint8(0x00)
	sv2MsgSetupConnectionSuccess           = uint8(0x01)
	sv2MsgSetupConnectionError             = uint8(0x02)
	sv2MsgOpenStandardMiningChannel        = uint8(0x10)
	sv2MsgOpenStandardMiningChannelSuccess = uint8(0x11)
	sv2MsgOpenMiningChannelError           = uint8(0x12)
	sv2MsgOpenExtendedMiningChannel        = uint8(0x13)
	sv2MsgOpenExtendedMiningChannelSuccess = uint8(0x14)
	sv2MsgNewMiningJob                     = uint8(0x15)
	sv2MsgUpdateChannel                    = uint8(0x16)
	sv2MsgUpdateChannelError               = uint8(0x17)
	sv2MsgCloseChannel                     = uint8(0x18)
	sv2MsgSetExtranoncePrefix              = uint8(0x19)
	sv2MsgSubmitSharesStandard             = uint8(0x1a)
	sv2MsgSubmitSharesExtended             = uint8(0x1b)
	sv2MsgSubmitSharesSuccess              = uint8(0x1c)
	sv2MsgSubmitSharesError                = uint8(0x1d)
	sv2MsgNewExtendedMiningJob             = uint8(0x1f)
	sv2MsgSetNewPrevHash                   = uint8(0x20)
	sv2MsgSetTarget                        = uint8(0x21)
)

const (
	sv2ProtocolMining = uint8(0)
	sv2VersionCurrent = uint16(2)
)

// stratumV2Message is implemented by every wire message shape.
type stratumV2Message interface {
	sv2MsgType() uint8
	sv2ChannelMsg() bool
	encodePayload(w *sv2Writer)
}

type stratumV2WireSetupConnection struct {
	Protocol        uint8
	MinVersion      uint16
	MaxVersion      uint16
	Flags           uint32
	EndpointHost    string
	EndpointPort    uint16
	Vendor          string
	HardwareVersion string
	Firmware        string
	DeviceID        string
}

type stratumV2WireSetupConnectionSuccess struct {
	UsedVersion uint16
	Flags       uint32
}

type stratumV2WireSetupConnectionError struct {
	Flags     uint32
	ErrorCode string
}

type stratumV2WireOpenStandardMiningChannel struct {
	RequestID       uint32
	UserIdentity    string
	NominalHashRate float32
	MaxTarget       [32]byte // U256, little-endian
}

type stratumV2WireOpenExtendedMiningChannel struct {
	stratumV2WireOpenStandardMiningChannel
	MinExtranonceSize uint16
}

type stratumV2WireOpenStandardMiningChannelSuccess struct {
	RequestID        uint32
	ChannelID        uint32
	Target           [32]byte
	ExtranoncePrefix []byte // B0_32
	GroupChannelID   uint32
}

type stratumV2WireOpenExtendedMiningChannelSuccess struct {
	RequestID        uint32
	ChannelID        uint32
	Target           [32]byte
	ExtranonceSize   uint16
	ExtranoncePrefix []byte // B0_32
	GroupChannelID   uint32
}

type stratumV2WireOpenMiningChannelError struct {
	RequestID uint32
	ErrorCode string
}

type stratumV2WireNewMiningJob struct {
	ChannelID   uint32
	JobID       uint32
	HasMinNTime bool
	MinNTime    uint32
	Version     uint32
	MerkleRoot  [32]byte
}

type stratumV2WireNewExtendedMiningJob struct {
	ChannelID             uint32
	JobID                 uint32
	HasMinNTime           bool
	MinNTime              uint32
	Version               uint32
	VersionRollingAllowed bool
	MerklePath            [][32]byte // SEQ0_255[U256]
	CoinbaseTxPrefix      []byte     // B0_64K
	CoinbaseTxSuffix      []byte     // B0_64K
}

type stratumV2WireSetNewPrevHash struct {
	ChannelID uint32
	JobID     uint32
	PrevHash  [32]byte
	MinNTime  uint32
	NBits     uint32
}

type stratumV2WireUpdateChannel struct {
	ChannelID       uint32
	NominalHashRate float32
	MaximumTarget   [32]byte
}

type stratumV2WireUpdateChannelError struct {
	ChannelID uint32
	ErrorCode string
}

type stratumV2WireCloseChannel struct {
	ChannelID  uint32
	ReasonCode string
}

type stratumV2WireSetExtranoncePrefix struct {
	ChannelID        uint32
	ExtranoncePrefix []byte // B0_32
}

type stratumV2WireSetTarget struct {
	ChannelID     uint32
	MaximumTarget [32]byte
}

type stratumV2WireSubmitSharesStandard struct {
	ChannelID      uint32
	SequenceNumber uint32
	JobID          uint32
	Nonce          uint32
	NTime          uint32
	Version        uint32
}

type stratumV2WireSubmitSharesExtended struct {
	ChannelID      uint32
	SequenceNumber uint32
	JobID          uint32
	Nonce          uint32
	NTime          uint32
	Version        uint32
	Extranonce     []byte // B0_32
}

type stratumV2WireSubmitSharesSuccess struct {
	ChannelID               uint32
	LastSequenceNumber      uint32
	NewSubmitsAcceptedCount uint32
	NewSharesSum            uint64
}

type stratumV2WireSubmitSharesError struct {
	ChannelID      uint32
	SequenceNumber uint32
	ErrorCode      string // STR0_255
}

// channelIDOf returns the channel a channel-scoped message targets.
func channelIDOf(m stratumV2Message) (uint32, bool) {
	switch v := m.(type) {
	case stratumV2WireNewMiningJob:
		return v.ChannelID, true
	case stratumV2WireNewExtendedMiningJob:
		return v.ChannelID, true
	case stratumV2WireSetNewPrevHash:
		return v.ChannelID, true
	case stratumV2WireUpdateChannel:
		return v.ChannelID, true
	case stratumV2WireUpdateChannelError:
		return v.ChannelID, true
	case stratumV2WireCloseChannel:
		return v.ChannelID, true
	case stratumV2WireSetExtranoncePrefix:
		return v.ChannelID, true
	case stratumV2WireSetTarget:
		return v.ChannelID, true
	case stratumV2WireSubmitSharesStandard:
		return v.ChannelID, true
	case stratumV2WireSubmitSharesExtended:
		return v.ChannelID, true
	case stratumV2WireSubmitSharesSuccess:
		return v.ChannelID, true
	case stratumV2WireSubmitSharesError:
		return v.ChannelID, true
	}
	return 0, false
}
