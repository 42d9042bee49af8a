package main

import (
	"bytes"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"
	"time"

	"golang.org/x/crypto/curve25519"
)

const (
	certVersion              = uint16(0)
	certHeaderLen            = 10
	noiseKeyLen              = 32
	signatureNoiseMessageLen = certHeaderLen + ed25519.SignatureSize
)

var (
	errInvalidCertSignature = errors.New("certificate signature invalid")
	errCertExpired          = errors.New("certificate expired")
	errCertNotYetValid      = errors.New("certificate not yet valid")
)

// caKeyPair is the offline signing authority. Only the keytool subcommands
// ever hold the secret half.
type caKeyPair struct {
	Public ed25519.PublicKey
	Secret ed25519.PrivateKey
}

// noiseStaticKeyPair is the X25519 identity a server presents in the Noise
// handshake.
type noiseStaticKeyPair struct {
	Public [noiseKeyLen]byte
	Secret [noiseKeyLen]byte
}

type certHeader struct {
	Version       uint16
	ValidFrom     uint32
	NotValidAfter uint32
}

func (h certHeader) validFrom() time.Time     { return time.Unix(int64(h.ValidFrom), 0).UTC() }
func (h certHeader) notValidAfter() time.Time { return time.Unix(int64(h.NotValidAfter), 0).UTC() }

func (h certHeader) put(dst []byte) {
	binary.LittleEndian.PutUint16(dst[0:2], h.Version)
	binary.LittleEndian.PutUint32(dst[2:6], h.ValidFrom)
	binary.LittleEndian.PutUint32(dst[6:10], h.NotValidAfter)
}

// checkWindow reports whether now falls in [ValidFrom, NotValidAfter).
func (h certHeader) checkWindow(now time.Time) error {
	ts := now.Unix()
	if ts < int64(h.ValidFrom) {
		return fmt.Errorf("%w: valid from %s", errCertNotYetValid, h.validFrom().Format(time.RFC3339))
	}
	if ts >= int64(h.NotValidAfter) {
		return fmt.Errorf("%w: not valid after %s", errCertExpired, h.notValidAfter().Format(time.RFC3339))
	}
	return nil
}

type noiseCertificate struct {
	Header    certHeader
	PublicKey [noiseKeyLen]byte
	// Authority is informational; verification always uses the caller's
	// pinned key.
	Authority ed25519.PublicKey
	Signature [ed25519.SignatureSize]byte
}

func generateCAKeyPair() (caKeyPair, error) {
	return generateCAKeyPairFrom(rand.Reader)
}

func generateCAKeyPairFrom(r io.Reader) (caKeyPair, error) {
	pub, priv, err := ed25519.GenerateKey(r)
	if err != nil {
		return caKeyPair{}, fmt.Errorf("generate ed25519 key: %w", err)
	}
	return caKeyPair{Public: pub, Secret: priv}, nil
}

func generateStaticKeyPair() (noiseStaticKeyPair, error) {
	return generateStaticKeyPairFrom(rand.Reader)
}

func generateStaticKeyPairFrom(r io.Reader) (noiseStaticKeyPair, error) {
	var kp noiseStaticKeyPair
	if _, err := io.ReadFull(r, kp.Secret[:]); err != nil {
		return noiseStaticKeyPair{}, fmt.Errorf("generate x25519 key: %w", err)
	}
	pub, err := curve25519.X25519(kp.Secret[:], curve25519.Basepoint)
	if err != nil {
		return noiseStaticKeyPair{}, fmt.Errorf("derive x25519 public key: %w", err)
	}
	copy(kp.Public[:], pub)
	return kp, nil
}

func staticPublicFromSecret(secret [noiseKeyLen]byte) ([noiseKeyLen]byte, error) {
	var out [noiseKeyLen]byte
	pub, err := curve25519.X25519(secret[:], curve25519.Basepoint)
	if err != nil {
		return out, err
	}
	copy(out[:], pub)
	return out, nil
}

func certSignedPart(h certHeader, pub [noiseKeyLen]byte) []byte {
	buf := make([]byte, certHeaderLen+noiseKeyLen)
	h.put(buf[:certHeaderLen])
	copy(buf[certHeaderLen:], pub[:])
	return buf
}

// signCertificate binds pub to the window [now, now+validity) under signer.
func signCertificate(pub [noiseKeyLen]byte, signer ed25519.PrivateKey, validity time.Duration, now time.Time) (noiseCertificate, error) {
	if len(signer) != ed25519.PrivateKeySize {
		return noiseCertificate{}, fmt.Errorf("signing key length %d want %d", len(signer), ed25519.PrivateKeySize)
	}
	if validity < time.Second {
		return noiseCertificate{}, fmt.Errorf("validity must be at least one second, got %s", validity)
	}
	from := now.Unix()
	until := now.Add(validity).Unix()
	if from < 0 || until > math.MaxUint32 {
		return noiseCertificate{}, fmt.Errorf("validity window %d..%d does not fit in u32 seconds", from, until)
	}
	cert := noiseCertificate{
		Header: certHeader{
			Version:       certVersion,
			ValidFrom:     uint32(from),
			NotValidAfter: uint32(until),
		},
		PublicKey: pub,
		Authority: signer.Public().(ed25519.PublicKey),
	}
	copy(cert.Signature[:], ed25519.Sign(signer, certSignedPart(cert.Header, pub)))
	return cert, nil
}

// verifyCertificate checks the signature against authority and the window
// against now. Both checks always run, so a caller can see a signature
// failure and an expiry at the same time via errors.Is.
func verifyCertificate(cert noiseCertificate, authority ed25519.PublicKey, now time.Time) error {
	var sigErr error
	switch {
	case len(authority) != ed25519.PublicKeySize:
		sigErr = fmt.Errorf("%w: authority key length %d", errInvalidCertSignature, len(authority))
	case cert.Header.Version != certVersion:
		sigErr = fmt.Errorf("%w: unsupported certificate version %d", errInvalidCertSignature, cert.Header.Version)
	case !ed25519.Verify(authority, certSignedPart(cert.Header, cert.PublicKey), cert.Signature[:]):
		sigErr = errInvalidCertSignature
	}
	return errors.Join(sigErr, cert.Header.checkWindow(now))
}

// signatureNoiseMessage is the handshake payload: the header followed by the
// signature. The certified key itself travels as the Noise static key.
func (c noiseCertificate) signatureNoiseMessage() []byte {
	out := make([]byte, signatureNoiseMessageLen)
	c.Header.put(out[:certHeaderLen])
	copy(out[certHeaderLen:], c.Signature[:])
	return out
}

func parseSignatureNoiseMessage(b []byte, remoteStatic [noiseKeyLen]byte) (noiseCertificate, error) {
	if len(b) != signatureNoiseMessageLen {
		return noiseCertificate{}, fmt.Errorf("signature noise message len=%d want %d", len(b), signatureNoiseMessageLen)
	}
	cert := noiseCertificate{
		Header: certHeader{
			Version:       binary.LittleEndian.Uint16(b[0:2]),
			ValidFrom:     binary.LittleEndian.Uint32(b[2:6]),
			NotValidAfter: binary.LittleEndian.Uint32(b[6:10]),
		},
		PublicKey: remoteStatic,
	}
	copy(cert.Signature[:], b[certHeaderLen:])
	return cert, nil
}

// validateStaticSecretKey makes sure the configured secret key is the one the
// certificate vouches for.
func validateStaticSecretKey(cert noiseCertificate, secret [noiseKeyLen]byte) error {
	pub, err := staticPublicFromSecret(secret)
	if err != nil {
		return fmt.Errorf("derive static public key: %w", err)
	}
	if !bytes.Equal(pub[:], cert.PublicKey[:]) {
		return errors.New("static secret key does not match certified public key")
	}
	return nil
}
