package main

import (
	"crypto/ed25519"
	"errors"
	"fmt"
	"net"
	"strings"
)

const (
	sv2SchemeSecure   = "stratum2+tcp"
	sv2SchemeInsecure = "stratum2+tcp+insecure"
)

var errInvalidAddress = errors.New("invalid stratum v2 address")

// sv2Address is a parsed downstream connection address. Authority is set
// only for secure addresses and is the pinned CA key.
type sv2Address struct {
	HostPort  string
	Insecure  bool
	Authority ed25519.PublicKey
}

func (a sv2Address) String() string {
	if a.Insecure {
		return sv2SchemeInsecure + "://" + a.HostPort
	}
	return sv2SchemeSecure + "://" + a.HostPort + "/" + encodeBase58Key(a.Authority)
}

// parseSV2Address accepts "stratum2+tcp+insecure://host:port" and
// "stratum2+tcp://host:port/<base58 CA public key>".
func parseSV2Address(s string) (sv2Address, error) {
	s = strings.TrimSpace(s)
	scheme, rest, ok := strings.Cut(s, "://")
	if !ok {
		return sv2Address{}, fmt.Errorf("%w: missing scheme in %q", errInvalidAddress, s)
	}
	var addr sv2Address
	switch strings.ToLower(scheme) {
	case sv2SchemeInsecure:
		addr.Insecure = true
		addr.HostPort = strings.TrimSuffix(rest, "/")
		if strings.Contains(addr.HostPort, "/") {
			return sv2Address{}, fmt.Errorf("%w: insecure address takes no authority key", errInvalidAddress)
		}
	case sv2SchemeSecure:
		hostPort, key, ok := strings.Cut(rest, "/")
		if !ok || key == "" {
			return sv2Address{}, fmt.Errorf("%w: secure address needs /<authority public key>", errInvalidAddress)
		}
		pub, err := parseCAPublicKey(key)
		if err != nil {
			return sv2Address{}, fmt.Errorf("%w: authority key: %w", errInvalidAddress, err)
		}
		addr.HostPort = hostPort
		addr.Authority = pub
	default:
		return sv2Address{}, fmt.Errorf("%w: unsupported scheme %q", errInvalidAddress, scheme)
	}
	if _, _, err := net.SplitHostPort(addr.HostPort); err != nil {
		return sv2Address{}, fmt.Errorf("%w: %w", errInvalidAddress, err)
	}
	return addr, nil
}
