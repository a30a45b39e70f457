// Package proxyproto implements the decoder for the PROXY protocol version
// 1 header (https://www.haproxy.org/download/1.8/doc/proxy-protocol.txt),
// used when the engine sits behind a load balancer that prepends the
// real client address ahead of the TLS/SMTP stream.
package proxyproto

import (
	"bufio"
	"errors"
	"net"
	"strconv"
	"strings"
)

var (
	errInvalidProtoID = errors.New("proxyproto: invalid protocol identifier")
	errUnknownProto   = errors.New("proxyproto: unknown protocol family")
	errInvalidFields  = errors.New("proxyproto: invalid number of fields")
	errInvalidSrcIP   = errors.New("proxyproto: invalid source IP")
	errInvalidDstIP   = errors.New("proxyproto: invalid destination IP")
	errInvalidSrcPort = errors.New("proxyproto: invalid source port")
	errInvalidDstPort = errors.New("proxyproto: invalid destination port")

	// ErrUntrustedPeer is returned by Decode when the connection's actual
	// peer address is not inside the configured trusted-CIDR set. The
	// caller must close the connection without a greeting.
	ErrUntrustedPeer = errors.New("proxyproto: peer is not a trusted proxy")
)

// Handshake reads a single v1 header from r and returns the source
// (client) and destination (proxy-facing) addresses it declares. Any
// connection read timeout must be set by the caller before calling this;
// Handshake itself has no notion of deadlines.
func Handshake(r *bufio.Reader) (src, dst *net.TCPAddr, err error) {
	line, err := r.ReadString('\n')
	if err != nil {
		return nil, nil, err
	}

	fields := strings.Fields(line)
	if len(fields) < 2 || fields[0] != "PROXY" {
		return nil, nil, errInvalidProtoID
	}

	switch fields[1] {
	case "TCP4", "TCP6":
	default:
		return nil, nil, errUnknownProto
	}

	if len(fields) != 6 {
		return nil, nil, errInvalidFields
	}

	srcIP := net.ParseIP(fields[2])
	if srcIP == nil {
		return nil, nil, errInvalidSrcIP
	}
	dstIP := net.ParseIP(fields[3])
	if dstIP == nil {
		return nil, nil, errInvalidDstIP
	}

	srcPort, err := parsePort(fields[4])
	if err != nil {
		return nil, nil, errInvalidSrcPort
	}
	dstPort, err := parsePort(fields[5])
	if err != nil {
		return nil, nil, errInvalidDstPort
	}

	return &net.TCPAddr{IP: srcIP, Port: srcPort}, &net.TCPAddr{IP: dstIP, Port: dstPort}, nil
}

func parsePort(s string) (int, error) {
	p, err := strconv.ParseUint(s, 10, 32)
	if err != nil || p < 1 || p > 65535 {
		return 0, errors.New("port out of range")
	}
	return int(p), nil
}

// TrustedCIDRs gates which raw peer addresses are allowed to present a
// PROXY header at all; an untrusted peer claiming to speak PROXY is just
// as dangerous as one spoofing a source address.
type TrustedCIDRs struct {
	nets []*net.IPNet
}

// NewTrustedCIDRs parses a set of CIDR strings (e.g. "10.0.0.0/8") into a
// TrustedCIDRs gate. An entry that fails to parse as a CIDR is re-tried as
// a bare IP (a /32 or /128).
func NewTrustedCIDRs(cidrs []string) (*TrustedCIDRs, error) {
	t := &TrustedCIDRs{}
	for _, c := range cidrs {
		_, n, err := net.ParseCIDR(c)
		if err != nil {
			ip := net.ParseIP(c)
			if ip == nil {
				return nil, errors.New("proxyproto: invalid trusted CIDR/IP: " + c)
			}
			bits := 32
			if ip.To4() == nil {
				bits = 128
			}
			n = &net.IPNet{IP: ip, Mask: net.CIDRMask(bits, bits)}
		}
		t.nets = append(t.nets, n)
	}
	return t, nil
}

// Trusts reports whether addr falls inside any configured CIDR.
func (t *TrustedCIDRs) Trusts(addr net.Addr) bool {
	if t == nil {
		return false
	}
	tcp, ok := addr.(*net.TCPAddr)
	if !ok {
		return false
	}
	for _, n := range t.nets {
		if n.Contains(tcp.IP) {
			return true
		}
	}
	return false
}

// Decode gates peerAddr against trusted, and if it's trusted, performs the
// PROXY v1 handshake on r and returns the real client address that should
// replace the session's peer address. If peerAddr is untrusted, it returns
// ErrUntrustedPeer without reading from r, so the caller never consumes
// bytes from a connection it's about to refuse.
func Decode(r *bufio.Reader, peerAddr net.Addr, trusted *TrustedCIDRs) (*net.TCPAddr, error) {
	if !trusted.Trusts(peerAddr) {
		return nil, ErrUntrustedPeer
	}
	src, _, err := Handshake(r)
	if err != nil {
		return nil, err
	}
	return src, nil
}
