package main

import (
	"crypto/ed25519"
	"crypto/hmac"
	"encoding/binary"
	"fmt"
	"hash"
	"io"
	"math"
	"sync"
	"time"

	"golang.org/x/crypto/blake2s"
	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/curve25519"
)

const noiseProtocolName = "Noise_NX_25519_ChaChaPoly_BLAKE2s"

// noiseCipherState is a ChaCha20-Poly1305 key with its 64-bit nonce counter.
type noiseCipherState struct {
	key    [32]byte
	nonce  uint64
	hasKey bool
}

func (c *noiseCipherState) init(key [32]byte) {
	c.key = key
	c.nonce = 0
	c.hasKey = true
}

func noiseNonce(counter uint64) [chacha20poly1305.NonceSize]byte {
	var n [chacha20poly1305.NonceSize]byte
	binary.LittleEndian.PutUint64(n[4:], counter)
	return n
}

func (c *noiseCipherState) encrypt(ad, plaintext []byte) ([]byte, error) {
	if !c.hasKey {
		return append([]byte(nil), plaintext...), nil
	}
	if c.nonce == math.MaxUint64 {
		return nil, errNoiseNonceExhausted
	}
	aead, err := chacha20poly1305.New(c.key[:])
	if err != nil {
		return nil, err
	}
	n := noiseNonce(c.nonce)
	out := aead.Seal(nil, n[:], plaintext, ad)
	c.nonce++
	return out, nil
}

func (c *noiseCipherState) decrypt(ad, ciphertext []byte) ([]byte, error) {
	if !c.hasKey {
		return append([]byte(nil), ciphertext...), nil
	}
	if c.nonce == math.MaxUint64 {
		return nil, errNoiseNonceExhausted
	}
	aead, err := chacha20poly1305.New(c.key[:])
	if err != nil {
		return nil, err
	}
	n := noiseNonce(c.nonce)
	out, err := aead.Open(nil, n[:], ciphertext, ad)
	if err != nil {
		return nil, err
	}
	c.nonce++
	return out, nil
}

// noiseSymmetricState holds the chaining key and handshake hash.
type noiseSymmetricState struct {
	ck [32]byte
	h  [32]byte
	cs noiseCipherState
}

func newNoiseSymmetricState() *noiseSymmetricState {
	s := &noiseSymmetricState{}
	if len(noiseProtocolName) <= blake2s.Size {
		copy(s.h[:], noiseProtocolName)
	} else {
		s.h = blake2s.Sum256([]byte(noiseProtocolName))
	}
	s.ck = s.h
	s.mixHash(nil) // empty prologue
	return s
}

func (s *noiseSymmetricState) mixHash(data []byte) {
	h, _ := blake2s.New256(nil)
	_, _ = h.Write(s.h[:])
	_, _ = h.Write(data)
	copy(s.h[:], h.Sum(nil))
}

func (s *noiseSymmetricState) mixKey(ikm []byte) {
	var k [32]byte
	noiseHKDF2(&s.ck, ikm, &s.ck, &k)
	s.cs.init(k)
}

func (s *noiseSymmetricState) encryptAndHash(plaintext []byte) ([]byte, error) {
	ct, err := s.cs.encrypt(s.h[:], plaintext)
	if err != nil {
		return nil, err
	}
	s.mixHash(ct)
	return ct, nil
}

func (s *noiseSymmetricState) decryptAndHash(ciphertext []byte) ([]byte, error) {
	pt, err := s.cs.decrypt(s.h[:], ciphertext)
	if err != nil {
		return nil, err
	}
	s.mixHash(ciphertext)
	return pt, nil
}

// split derives the initiator->responder and responder->initiator keys.
func (s *noiseSymmetricState) split() (k1, k2 [32]byte) {
	noiseHKDF2(&s.ck, nil, &k1, &k2)
	return k1, k2
}

func newBlake2sHash() hash.Hash {
	h, _ := blake2s.New256(nil)
	return h
}

func noiseHMAC(key, msg []byte) [32]byte {
	m := hmac.New(newBlake2sHash, key)
	_, _ = m.Write(msg)
	var out [32]byte
	copy(out[:], m.Sum(nil))
	return out
}

func noiseHKDF2(ck *[32]byte, ikm []byte, out1, out2 *[32]byte) {
	prk := noiseHMAC(ck[:], ikm)
	t1 := noiseHMAC(prk[:], []byte{0x01})
	var t2Input [33]byte
	copy(t2Input[:32], t1[:])
	t2Input[32] = 0x02
	t2 := noiseHMAC(prk[:], t2Input[:])
	*out1 = t1
	*out2 = t2
}

func noiseDH(secret, public []byte) ([]byte, error) {
	return curve25519.X25519(secret, public)
}

// noiseFrameTransport is a Noise NX session over a byte stream. The
// responder side is used for downstream miners and the initiator side by the
// probe client. Reads and writes may run on different goroutines once the
// session is established.
type noiseFrameTransport struct {
	rw io.ReadWriter

	mu    sync.Mutex
	state noiseState

	sendMu sync.Mutex
	send   noiseCipherState
	recv   noiseCipherState

	remoteStatic [noiseKeyLen]byte
}

func newNoiseFrameTransport(rw io.ReadWriter) *noiseFrameTransport {
	return &noiseFrameTransport{rw: rw, state: noiseStateIdle}
}

func (t *noiseFrameTransport) Mode() string { return sv2TransportModeNoiseNX }

func (t *noiseFrameTransport) State() noiseState {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

func (t *noiseFrameTransport) beginHandshake() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.state != noiseStateIdle {
		return fmt.Errorf("%w: handshake from state %s", errHandshakeFailure, t.state)
	}
	t.state = noiseStateHandshake
	return nil
}

func (t *noiseFrameTransport) finishHandshake(err error) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if err != nil {
		t.state = noiseStateFailed
		return fmt.Errorf("%w: %w", errHandshakeFailure, err)
	}
	t.state = noiseStateEstablished
	return nil
}

// Close marks the session closed. The underlying stream is owned by the
// caller.
func (t *noiseFrameTransport) Close() {
	t.mu.Lock()
	if t.state != noiseStateFailed {
		t.state = noiseStateClosed
	}
	t.mu.Unlock()
}

// Respond runs the responder half of NX: read e, send e, ee, s, es with the
// signature noise message as payload.
func (t *noiseFrameTransport) Respond(static noiseStaticKeyPair, cert noiseCertificate) error {
	if err := t.beginHandshake(); err != nil {
		return err
	}
	return t.finishHandshake(t.respond(static, cert))
}

func (t *noiseFrameTransport) respond(static noiseStaticKeyPair, cert noiseCertificate) error {
	ss := newNoiseSymmetricState()

	msg1, err := readNoiseMessage(t.rw)
	if err != nil {
		return fmt.Errorf("read message 1: %w", err)
	}
	if len(msg1) != noiseHandshakeMsg1Len {
		return fmt.Errorf("%w: message 1 len=%d want %d", errUnexpectedHandshakeSz, len(msg1), noiseHandshakeMsg1Len)
	}
	re := msg1[:noiseKeyLen]
	ss.mixHash(re)
	if _, err := ss.decryptAndHash(nil); err != nil {
		return fmt.Errorf("message 1 payload: %w", err)
	}

	eph, err := generateStaticKeyPair()
	if err != nil {
		return err
	}
	out := make([]byte, 0, noiseHandshakeMsg2Len)
	out = append(out, eph.Public[:]...)
	ss.mixHash(eph.Public[:])

	ee, err := noiseDH(eph.Secret[:], re)
	if err != nil {
		return fmt.Errorf("ee: %w", err)
	}
	ss.mixKey(ee)

	encS, err := ss.encryptAndHash(static.Public[:])
	if err != nil {
		return fmt.Errorf("encrypt static: %w", err)
	}
	out = append(out, encS...)

	es, err := noiseDH(static.Secret[:], re)
	if err != nil {
		return fmt.Errorf("es: %w", err)
	}
	ss.mixKey(es)

	encPayload, err := ss.encryptAndHash(cert.signatureNoiseMessage())
	if err != nil {
		return fmt.Errorf("encrypt certificate: %w", err)
	}
	out = append(out, encPayload...)

	if err := writeNoiseMessage(t.rw, out); err != nil {
		return fmt.Errorf("write message 2: %w", err)
	}
	k1, k2 := ss.split()
	t.recv.init(k1)
	t.send.init(k2)
	return nil
}

// Initiate runs the initiator half of NX and verifies the responder's
// certificate against authority at now. The returned certificate carries the
// responder's static key.
func (t *noiseFrameTransport) Initiate(authority ed25519.PublicKey, now time.Time) (noiseCertificate, error) {
	if err := t.beginHandshake(); err != nil {
		return noiseCertificate{}, err
	}
	cert, err := t.initiate(authority, now)
	return cert, t.finishHandshake(err)
}

func (t *noiseFrameTransport) initiate(authority ed25519.PublicKey, now time.Time) (noiseCertificate, error) {
	ss := newNoiseSymmetricState()

	eph, err := generateStaticKeyPair()
	if err != nil {
		return noiseCertificate{}, err
	}
	ss.mixHash(eph.Public[:])
	payload, err := ss.encryptAndHash(nil)
	if err != nil {
		return noiseCertificate{}, err
	}
	msg1 := append(append([]byte(nil), eph.Public[:]...), payload...)
	if err := writeNoiseMessage(t.rw, msg1); err != nil {
		return noiseCertificate{}, fmt.Errorf("write message 1: %w", err)
	}

	msg2, err := readNoiseMessage(t.rw)
	if err != nil {
		return noiseCertificate{}, fmt.Errorf("read message 2: %w", err)
	}
	if len(msg2) != noiseHandshakeMsg2Len {
		return noiseCertificate{}, fmt.Errorf("%w: message 2 len=%d want %d", errUnexpectedHandshakeSz, len(msg2), noiseHandshakeMsg2Len)
	}
	re := msg2[:noiseKeyLen]
	ss.mixHash(re)
	ee, err := noiseDH(eph.Secret[:], re)
	if err != nil {
		return noiseCertificate{}, fmt.Errorf("ee: %w", err)
	}
	ss.mixKey(ee)

	encS := msg2[noiseKeyLen : noiseKeyLen+noiseKeyLen+noiseTagLen]
	rs, err := ss.decryptAndHash(encS)
	if err != nil {
		return noiseCertificate{}, fmt.Errorf("decrypt static: %w", err)
	}
	es, err := noiseDH(eph.Secret[:], rs)
	if err != nil {
		return noiseCertificate{}, fmt.Errorf("es: %w", err)
	}
	ss.mixKey(es)

	sigMsg, err := ss.decryptAndHash(msg2[noiseKeyLen+noiseKeyLen+noiseTagLen:])
	if err != nil {
		return noiseCertificate{}, fmt.Errorf("decrypt certificate: %w", err)
	}
	copy(t.remoteStatic[:], rs)
	cert, err := parseSignatureNoiseMessage(sigMsg, t.remoteStatic)
	if err != nil {
		return noiseCertificate{}, err
	}
	if err := verifyCertificate(cert, authority, now); err != nil {
		return cert, err
	}
	cert.Authority = authority

	k1, k2 := ss.split()
	t.send.init(k1)
	t.recv.init(k2)
	return cert, nil
}

func (t *noiseFrameTransport) established() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.state != noiseStateEstablished {
		return fmt.Errorf("%w: state %s", errTransportNotReady, t.state)
	}
	return nil
}

// ReadMessage decrypts one transport message without looking at what it
// carries. Only the read loop calls it, so the receive cipher needs no lock.
func (t *noiseFrameTransport) ReadMessage() ([]byte, error) {
	if err := t.established(); err != nil {
		return nil, err
	}
	ct, err := readNoiseMessage(t.rw)
	if err != nil {
		return nil, err
	}
	msg, err := t.recv.decrypt(nil, ct)
	if err != nil {
		t.fail()
		return nil, fmt.Errorf("noise decrypt: %w", err)
	}
	return msg, nil
}

// ReadFrame decrypts one transport message into one SV2 frame.
func (t *noiseFrameTransport) ReadFrame() ([]byte, error) {
	frame, err := t.ReadMessage()
	if err != nil {
		return nil, err
	}
	if len(frame) < stratumV2FrameHeaderLen {
		return nil, fmt.Errorf("sv2 frame too short: %d", len(frame))
	}
	if want := stratumV2FrameHeaderLen + int(readUint24LE(frame[3:6])); want != len(frame) {
		return nil, fmt.Errorf("sv2 frame length mismatch: header=%d actual=%d", want, len(frame))
	}
	return frame, nil
}

func (t *noiseFrameTransport) WriteFrame(frame []byte) error {
	if err := t.established(); err != nil {
		return err
	}
	if len(frame) > noiseMaxPlaintextLen {
		return fmt.Errorf("%w: frame %d exceeds %d", errNoiseMessageTooLarge, len(frame), noiseMaxPlaintextLen)
	}
	t.sendMu.Lock()
	defer t.sendMu.Unlock()
	ct, err := t.send.encrypt(nil, frame)
	if err != nil {
		return err
	}
	return writeNoiseMessage(t.rw, ct)
}

func (t *noiseFrameTransport) fail() {
	t.mu.Lock()
	t.state = noiseStateFailed
	t.mu.Unlock()
}
