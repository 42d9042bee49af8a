package main

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"io"
	"net/netip"
	"strconv"
	"strings"
)

const (
	proxyHeaderV1MaxLen    = 107
	proxyHeaderV1Signature = "PROXY "
)

var errProxyHeader = errors.New("invalid proxy protocol header")

// proxyHeader is a PROXY protocol v1 header. Family is TCP4, TCP6 or UNKNOWN;
// addresses are only set for the TCP families.
type proxyHeader struct {
	Family      string
	Source      netip.AddrPort
	Destination netip.AddrPort
}

func (h *proxyHeader) String() string {
	if h == nil {
		return ""
	}
	if h.Family == "UNKNOWN" {
		return "PROXY UNKNOWN"
	}
	return fmt.Sprintf("PROXY %s %s %s %d %d", h.Family, h.Source.Addr(), h.Destination.Addr(), h.Source.Port(), h.Destination.Port())
}

func (h *proxyHeader) writeTo(w io.Writer) (int64, error) {
	n, err := io.WriteString(w, h.String()+"\r\n")
	return int64(n), err
}

// proxyHeaderFor builds the header that describes a connection from src to dst.
func proxyHeaderFor(src, dst netip.AddrPort) *proxyHeader {
	src = netip.AddrPortFrom(src.Addr().Unmap(), src.Port())
	dst = netip.AddrPortFrom(dst.Addr().Unmap(), dst.Port())
	switch {
	case src.Addr().Is4() && dst.Addr().Is4():
		return &proxyHeader{Family: "TCP4", Source: src, Destination: dst}
	case src.Addr().Is6() && dst.Addr().Is6():
		return &proxyHeader{Family: "TCP6", Source: src, Destination: dst}
	default:
		return &proxyHeader{Family: "UNKNOWN"}
	}
}

// readProxyHeader consumes one v1 header line from r.
func readProxyHeader(r *bufio.Reader) (*proxyHeader, error) {
	var line []byte
	for {
		b, err := r.ReadByte()
		if err != nil {
			return nil, fmt.Errorf("%w: %w", errProxyHeader, err)
		}
		line = append(line, b)
		if len(line) <= len(proxyHeaderV1Signature) && !bytes.HasPrefix([]byte(proxyHeaderV1Signature), line) {
			return nil, fmt.Errorf("%w: bad signature %q", errProxyHeader, line)
		}
		if bytes.HasSuffix(line, []byte("\r\n")) {
			break
		}
		if len(line) >= proxyHeaderV1MaxLen {
			return nil, fmt.Errorf("%w: no line end within %d bytes", errProxyHeader, proxyHeaderV1MaxLen)
		}
	}
	return parseProxyHeaderLine(string(line[:len(line)-2]))
}

func parseProxyHeaderLine(line string) (*proxyHeader, error) {
	parts := strings.Split(line, " ")
	if parts[0] != "PROXY" {
		return nil, fmt.Errorf("%w: bad tag %q", errProxyHeader, parts[0])
	}
	if len(parts) < 2 {
		return nil, fmt.Errorf("%w: missing family", errProxyHeader)
	}
	switch parts[1] {
	case "UNKNOWN":
		return &proxyHeader{Family: "UNKNOWN"}, nil
	case "TCP4", "TCP6":
	default:
		return nil, fmt.Errorf("%w: %q", errProxyHeader, line)
	}
	if len(parts) != 6 {
		return nil, fmt.Errorf("%w: %q", errProxyHeader, line)
	}
	src, err := parseProxyAddr(parts[2], parts[4])
	if err != nil {
		return nil, err
	}
	dst, err := parseProxyAddr(parts[3], parts[5])
	if err != nil {
		return nil, err
	}
	want4 := parts[1] == "TCP4"
	if src.Addr().Is4() != want4 || dst.Addr().Is4() != want4 {
		return nil, fmt.Errorf("%w: address family does not match %s", errProxyHeader, parts[1])
	}
	return &proxyHeader{Family: parts[1], Source: src, Destination: dst}, nil
}

func parseProxyAddr(ip, port string) (netip.AddrPort, error) {
	addr, err := netip.ParseAddr(ip)
	if err != nil {
		return netip.AddrPort{}, fmt.Errorf("%w: %w", errProxyHeader, err)
	}
	p, err := strconv.ParseUint(port, 10, 16)
	if err != nil {
		return netip.AddrPort{}, fmt.Errorf("%w: port %q", errProxyHeader, port)
	}
	return netip.AddrPortFrom(addr, uint16(p)), nil
}
