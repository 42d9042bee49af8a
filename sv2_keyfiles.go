package main

import (
	"crypto/ed25519"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/btcsuite/btcd/btcutil/base58"
	"github.com/bytedance/sonic"
)

// On-disk key and certificate records. Keys are base58 strings so operators
// can compare them by eye and paste public keys into connection addresses.

type ed25519PublicKeyFile struct {
	Key string `json:"ed25519_public_key"`
}

type ed25519SecretKeyFile struct {
	Key string `json:"ed25519_secret_key"`
}

type noisePublicKeyFile struct {
	Key string `json:"noise_public_key"`
}

type noiseSecretKeyFile struct {
	Key string `json:"noise_secret_key"`
}

type certHeaderFile struct {
	Version       uint16 `json:"version"`
	ValidFrom     uint32 `json:"valid_from"`
	NotValidAfter uint32 `json:"not_valid_after"`
}

type certificateFile struct {
	SignedPartHeader   certHeaderFile        `json:"signed_part_header"`
	PublicKey          noisePublicKeyFile    `json:"public_key"`
	AuthorityPublicKey *ed25519PublicKeyFile `json:"authority_public_key,omitempty"`
	Signature          string                `json:"signature"`
}

var errKeyFileExists = errors.New("key file already exists")

func encodeBase58Key(b []byte) string {
	return base58.Encode(b)
}

func decodeBase58Key(s string, wantLen int) ([]byte, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil, errors.New("empty key string")
	}
	b := base58.Decode(s)
	if len(b) == 0 {
		return nil, fmt.Errorf("invalid base58 key %q", s)
	}
	if len(b) != wantLen {
		return nil, fmt.Errorf("decoded key length %d want %d", len(b), wantLen)
	}
	return b, nil
}

func marshalKeyRecord(v any) ([]byte, error) {
	data, err := sonic.ConfigStd.MarshalIndent(v, "", "  ")
	if err != nil {
		return nil, err
	}
	return append(data, '\n'), nil
}

// writeKeyRecord writes v as JSON. Existing files are only replaced when
// overwrite is set so a stray rerun cannot destroy a CA secret.
func writeKeyRecord(path string, v any, perm os.FileMode, overwrite bool) error {
	data, err := marshalKeyRecord(v)
	if err != nil {
		return fmt.Errorf("encode %s: %w", path, err)
	}
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("mkdir %s: %w", dir, err)
		}
	}
	if !overwrite {
		if _, err := os.Stat(path); err == nil {
			return fmt.Errorf("%w: %s", errKeyFileExists, path)
		}
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, perm); err != nil {
		return fmt.Errorf("write %s: %w", tmp, err)
	}
	if err := os.Rename(tmp, path); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("rename %s: %w", tmp, err)
	}
	return nil
}

func readKeyRecord(path string, v any) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read %s: %w", path, err)
	}
	if err := sonic.ConfigStd.Unmarshal(data, v); err != nil {
		return fmt.Errorf("parse %s: %w", path, err)
	}
	return nil
}

func saveCAKeyPair(kp caKeyPair, publicPath, secretPath string, overwrite bool) error {
	if err := writeKeyRecord(publicPath, ed25519PublicKeyFile{Key: encodeBase58Key(kp.Public)}, 0o644, overwrite); err != nil {
		return err
	}
	return writeKeyRecord(secretPath, ed25519SecretKeyFile{Key: encodeBase58Key(kp.Secret.Seed())}, 0o600, overwrite)
}

func saveStaticKeyPair(kp noiseStaticKeyPair, publicPath, secretPath string, overwrite bool) error {
	if err := writeKeyRecord(publicPath, noisePublicKeyFile{Key: encodeBase58Key(kp.Public[:])}, 0o644, overwrite); err != nil {
		return err
	}
	return writeKeyRecord(secretPath, noiseSecretKeyFile{Key: encodeBase58Key(kp.Secret[:])}, 0o600, overwrite)
}

func parseCAPublicKey(s string) (ed25519.PublicKey, error) {
	b, err := decodeBase58Key(s, ed25519.PublicKeySize)
	if err != nil {
		return nil, err
	}
	return ed25519.PublicKey(b), nil
}

func loadCAPublicKey(path string) (ed25519.PublicKey, error) {
	var rec ed25519PublicKeyFile
	if err := readKeyRecord(path, &rec); err != nil {
		return nil, err
	}
	pub, err := parseCAPublicKey(rec.Key)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return pub, nil
}

func loadCASecretKey(path string) (ed25519.PrivateKey, error) {
	var rec ed25519SecretKeyFile
	if err := readKeyRecord(path, &rec); err != nil {
		return nil, err
	}
	seed, err := decodeBase58Key(rec.Key, ed25519.SeedSize)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return ed25519.NewKeyFromSeed(seed), nil
}

func loadNoisePublicKey(path string) ([noiseKeyLen]byte, error) {
	var out [noiseKeyLen]byte
	var rec noisePublicKeyFile
	if err := readKeyRecord(path, &rec); err != nil {
		return out, err
	}
	b, err := decodeBase58Key(rec.Key, noiseKeyLen)
	if err != nil {
		return out, fmt.Errorf("%s: %w", path, err)
	}
	copy(out[:], b)
	return out, nil
}

func loadNoiseSecretKey(path string) ([noiseKeyLen]byte, error) {
	var out [noiseKeyLen]byte
	var rec noiseSecretKeyFile
	if err := readKeyRecord(path, &rec); err != nil {
		return out, err
	}
	b, err := decodeBase58Key(rec.Key, noiseKeyLen)
	if err != nil {
		return out, fmt.Errorf("%s: %w", path, err)
	}
	copy(out[:], b)
	return out, nil
}

func certificateToFile(c noiseCertificate) certificateFile {
	out := certificateFile{
		SignedPartHeader: certHeaderFile{
			Version:       c.Header.Version,
			ValidFrom:     c.Header.ValidFrom,
			NotValidAfter: c.Header.NotValidAfter,
		},
		PublicKey: noisePublicKeyFile{Key: encodeBase58Key(c.PublicKey[:])},
		Signature: encodeBase58Key(c.Signature[:]),
	}
	if len(c.Authority) == ed25519.PublicKeySize {
		out.AuthorityPublicKey = &ed25519PublicKeyFile{Key: encodeBase58Key(c.Authority)}
	}
	return out
}

func certificateFromFile(f certificateFile) (noiseCertificate, error) {
	var c noiseCertificate
	c.Header = certHeader{
		Version:       f.SignedPartHeader.Version,
		ValidFrom:     f.SignedPartHeader.ValidFrom,
		NotValidAfter: f.SignedPartHeader.NotValidAfter,
	}
	pub, err := decodeBase58Key(f.PublicKey.Key, noiseKeyLen)
	if err != nil {
		return c, fmt.Errorf("public_key: %w", err)
	}
	copy(c.PublicKey[:], pub)
	sig, err := decodeBase58Key(f.Signature, ed25519.SignatureSize)
	if err != nil {
		return c, fmt.Errorf("signature: %w", err)
	}
	copy(c.Signature[:], sig)
	if f.AuthorityPublicKey != nil {
		auth, err := parseCAPublicKey(f.AuthorityPublicKey.Key)
		if err != nil {
			return c, fmt.Errorf("authority_public_key: %w", err)
		}
		c.Authority = auth
	}
	return c, nil
}

func saveCertificate(c noiseCertificate, path string, overwrite bool) error {
	return writeKeyRecord(path, certificateToFile(c), 0o644, overwrite)
}

func loadCertificate(path string) (noiseCertificate, error) {
	var rec certificateFile
	if err := readKeyRecord(path, &rec); err != nil {
		return noiseCertificate{}, err
	}
	c, err := certificateFromFile(rec)
	if err != nil {
		return noiseCertificate{}, fmt.Errorf("%s: %w", path, err)
	}
	return c, nil
}

// certFilePathFor derives the default certificate path from the signed
// public key's path.
func certFilePathFor(publicKeyPath string) string {
	ext := filepath.Ext(publicKeyPath)
	return strings.TrimSuffix(publicKeyPath, ext) + ".cert"
}
