package main

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

const (
	noiseMaxMessageLen      = 65535
	noiseTagLen             = 16
	noiseMaxPlaintextLen    = noiseMaxMessageLen - noiseTagLen
	noiseMessageLenPrefix   = 2
	noiseHandshakeMsg1Len   = noiseKeyLen
	noiseHandshakeMsg2Len   = noiseKeyLen + (noiseKeyLen + noiseTagLen) + (signatureNoiseMessageLen + noiseTagLen)
	sv2TransportModePlain   = "plaintext"
	sv2TransportModeNoiseNX = "noise"
)

var (
	errHandshakeFailure      = errors.New("noise handshake failed")
	errTransportNotReady     = errors.New("transport not established")
	errNoiseMessageTooLarge  = errors.New("noise message too large")
	errNoiseNonceExhausted   = errors.New("noise nonce exhausted")
	errUnexpectedHandshakeSz = errors.New("unexpected handshake message size")
)

// sv2FrameTransport moves whole SV2 frames (header included) across a
// connection, encrypting them when the transport is secure.
type sv2FrameTransport interface {
	ReadFrame() ([]byte, error)
	WriteFrame([]byte) error
	Mode() string
}

type noiseState uint8

const (
	noiseStateIdle noiseState = iota
	noiseStateHandshake
	noiseStateEstablished
	noiseStateClosed
	noiseStateFailed
)

func (s noiseState) String() string {
	switch s {
	case noiseStateIdle:
		return "idle"
	case noiseStateHandshake:
		return "handshake"
	case noiseStateEstablished:
		return "established"
	case noiseStateClosed:
		return "closed"
	case noiseStateFailed:
		return "failed"
	default:
		return fmt.Sprintf("noiseState(%d)", uint8(s))
	}
}

// sv2PlainFrameTransport is the insecure mode: raw frames, no handshake.
type sv2PlainFrameTransport struct {
	r io.Reader
	w io.Writer
}

func newSV2PlainFrameTransport(r io.Reader, w io.Writer) *sv2PlainFrameTransport {
	return &sv2PlainFrameTransport{r: r, w: w}
}

func (t *sv2PlainFrameTransport) ReadFrame() ([]byte, error) {
	if t == nil {
		return nil, io.EOF
	}
	return readOneStratumV2FrameFromReader(t.r)
}

func (t *sv2PlainFrameTransport) WriteFrame(frame []byte) error {
	if t == nil {
		return io.ErrClosedPipe
	}
	if len(frame) < stratumV2FrameHeaderLen {
		return fmt.Errorf("sv2 frame too short: %d", len(frame))
	}
	return writeAll(t.w, frame)
}

func (t *sv2PlainFrameTransport) Mode() string { return sv2TransportModePlain }

func readOneStratumV2FrameFromReader(r io.Reader) ([]byte, error) {
	var hdr [stratumV2FrameHeaderLen]byte
	n, err := io.ReadFull(r, hdr[:])
	if err != nil {
		if n == 0 && (err == io.EOF || err == io.ErrUnexpectedEOF) {
			return nil, io.EOF
		}
		return nil, err
	}
	payloadLen := int(readUint24LE(hdr[3:6]))
	out := make([]byte, stratumV2FrameHeaderLen+payloadLen)
	copy(out[:stratumV2FrameHeaderLen], hdr[:])
	if payloadLen == 0 {
		return out, nil
	}
	if _, err := io.ReadFull(r, out[stratumV2FrameHeaderLen:]); err != nil {
		return nil, err
	}
	return out, nil
}

// writeNoiseMessage frames msg as u16 LE length || msg.
func writeNoiseMessage(w io.Writer, msg []byte) error {
	if len(msg) > noiseMaxMessageLen {
		return fmt.Errorf("%w: %d", errNoiseMessageTooLarge, len(msg))
	}
	buf := make([]byte, noiseMessageLenPrefix+len(msg))
	binary.LittleEndian.PutUint16(buf[:noiseMessageLenPrefix], uint16(len(msg)))
	copy(buf[noiseMessageLenPrefix:], msg)
	return writeAll(w, buf)
}

func readNoiseMessage(r io.Reader) ([]byte, error) {
	var lenBuf [noiseMessageLenPrefix]byte
	n, err := io.ReadFull(r, lenBuf[:])
	if err != nil {
		if n == 0 && (err == io.EOF || err == io.ErrUnexpectedEOF) {
			return nil, io.EOF
		}
		return nil, err
	}
	msg := make([]byte, binary.LittleEndian.Uint16(lenBuf[:]))
	if _, err := io.ReadFull(r, msg); err != nil {
		return nil, err
	}
	return msg, nil
}

func writeAll(w io.Writer, b []byte) error {
	for len(b) > 0 {
		n, err := w.Write(b)
		if err != nil {
			return err
		}
		b = b[n:]
	}
	return nil
}

type sv2TransportDetection struct {
	mode  string
	cause string
}

// detectSV2TransportMode peeks at the first bytes a secure listener receives
// and reports when they look like a plaintext SetupConnection. The result is
// only used to make the handshake failure log actionable; the listener never
// downgrades.
func detectSV2TransportMode(r io.Reader) sv2TransportDetection {
	peeker, ok := r.(interface{ Peek(int) ([]byte, error) })
	if !ok {
		return sv2TransportDetection{mode: sv2TransportModeNoiseNX, cause: "reader-not-peekable"}
	}
	hdr, err := peeker.Peek(stratumV2FrameHeaderLen)
	if err != nil {
		return sv2TransportDetection{mode: sv2TransportModeNoiseNX, cause: "peek-failed"}
	}
	extType := binary.LittleEndian.Uint16(hdr[0:2])
	msgType := hdr[2]
	payloadLen := int(readUint24LE(hdr[3:6]))
	if extType == stratumV2CoreExtensionType && msgType == sv2MsgSetupConnection && payloadLen > 0 {
		return sv2TransportDetection{mode: sv2TransportModePlain, cause: "setupconnection-header"}
	}
	if binary.LittleEndian.Uint16(hdr[0:2]) == noiseHandshakeMsg1Len {
		return sv2TransportDetection{mode: sv2TransportModeNoiseNX, cause: "handshake-length-prefix"}
	}
	return sv2TransportDetection{
		mode:  sv2TransportModeNoiseNX,
		cause: fmt.Sprintf("unrecognised first bytes ext=0x%04x msg=0x%02x len=%d", extType, msgType, payloadLen),
	}
}
