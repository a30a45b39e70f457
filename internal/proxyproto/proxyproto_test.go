package proxyproto

import (
	"bufio"
	"io"
	"net"
	"strings"
	"testing"
)

func TestNoNewline(t *testing.T) {
	r := bufio.NewReader(strings.NewReader("PROXY "))
	_, _, err := Handshake(r)
	if err != io.EOF {
		t.Errorf("expected EOF, got %v", err)
	}
}

func TestBasic(t *testing.T) {
	var (
		src4, _ = net.ResolveTCPAddr("tcp", "1.1.1.1:3333")
		dst4, _ = net.ResolveTCPAddr("tcp", "2.2.2.2:4444")
		src6, _ = net.ResolveTCPAddr("tcp", "[5::5]:7777")
		dst6, _ = net.ResolveTCPAddr("tcp", "[6::6]:8888")
	)

	cases := []struct {
		str      string
		src, dst net.Addr
		err      error
	}{
		{"", nil, nil, errInvalidProtoID},
		{"lalala", nil, nil, errInvalidProtoID},
		{"PROXY", nil, nil, errInvalidProtoID},
		{"PROXY lalala", nil, nil, errUnknownProto},
		{"PROXY UNKNOWN", nil, nil, errUnknownProto},

		{"PROXY TCP4", nil, nil, errInvalidFields},
		{"PROXY TCP4 a", nil, nil, errInvalidFields},
		{"PROXY TCP4 a b", nil, nil, errInvalidFields},
		{"PROXY TCP4 a b c", nil, nil, errInvalidFields},

		{"PROXY TCP4 a b c d", nil, nil, errInvalidSrcIP},
		{"PROXY TCP4 1.1.1.1 b c d", nil, nil, errInvalidDstIP},
		{"PROXY TCP4 1.1.1.1 2.2.2.2 c d", nil, nil, errInvalidSrcPort},
		{"PROXY TCP4 1.1.1.1 2.2.2.2 3333 d", nil, nil, errInvalidDstPort},
		{"PROXY TCP4 1.1.1.1 2.2.2.2 3333 4444", src4, dst4, nil},
		{"PROXY TCP4 1.1.1.1 2.2.2.2 0 4444", nil, nil, errInvalidSrcPort},
		{"PROXY TCP4 1.1.1.1 2.2.2.2 3333 70000", nil, nil, errInvalidDstPort},

		{"PROXY TCP6 a b c d", nil, nil, errInvalidSrcIP},
		{"PROXY TCP6 5::5 b c d", nil, nil, errInvalidDstIP},
		{"PROXY TCP6 5::5 6::6 c d", nil, nil, errInvalidSrcPort},
		{"PROXY TCP6 5::5 6::6 7777 d", nil, nil, errInvalidDstPort},
		{"PROXY TCP6 5::5 6::6 7777 8888", src6, dst6, nil},
	}

	for i, c := range cases {
		src, dst, err := Handshake(newR(c.str))
		if !addrEq(src, c.src) {
			t.Errorf("%d: got src %v, expected %v", i, src, c.src)
		}
		if !addrEq(dst, c.dst) {
			t.Errorf("%d: got dst %v, expected %v", i, dst, c.dst)
		}
		if err != c.err {
			t.Errorf("%d: got error %v, expected %v", i, err, c.err)
		}
	}
}

func newR(s string) *bufio.Reader {
	return bufio.NewReader(strings.NewReader(s + "\r\n"))
}

func addrEq(a, b net.Addr) bool {
	ta, _ := a.(*net.TCPAddr)
	tb, _ := b.(*net.TCPAddr)
	if ta == nil || tb == nil {
		return ta == nil && tb == nil
	}
	return ta.IP.Equal(tb.IP) && ta.Port == tb.Port
}

func TestTrustedCIDRs(t *testing.T) {
	trusted, err := NewTrustedCIDRs([]string{"10.0.0.0/8", "192.168.1.1"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	cases := []struct {
		addr string
		want bool
	}{
		{"10.1.2.3:1234", true},
		{"192.168.1.1:1234", true},
		{"192.168.1.2:1234", false},
		{"8.8.8.8:1234", false},
	}
	for _, c := range cases {
		addr, err := net.ResolveTCPAddr("tcp", c.addr)
		if err != nil {
			t.Fatal(err)
		}
		if got := trusted.Trusts(addr); got != c.want {
			t.Errorf("Trusts(%s) = %v, want %v", c.addr, got, c.want)
		}
	}
}

func TestDecodeUntrusted(t *testing.T) {
	trusted, _ := NewTrustedCIDRs([]string{"10.0.0.0/8"})
	addr, _ := net.ResolveTCPAddr("tcp", "8.8.8.8:1234")
	r := bufio.NewReader(strings.NewReader("PROXY TCP4 1.1.1.1 2.2.2.2 3333 4444\r\n"))

	_, err := Decode(r, addr, trusted)
	if err != ErrUntrustedPeer {
		t.Errorf("got %v, want ErrUntrustedPeer", err)
	}
}

func TestDecodeTrusted(t *testing.T) {
	trusted, _ := NewTrustedCIDRs([]string{"10.0.0.0/8"})
	addr, _ := net.ResolveTCPAddr("tcp", "10.1.2.3:1234")
	r := bufio.NewReader(strings.NewReader("PROXY TCP4 1.1.1.1 2.2.2.2 3333 4444\r\n"))

	src, err := Decode(r, addr, trusted)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if src.String() != "1.1.1.1:3333" {
		t.Errorf("got %v, want 1.1.1.1:3333", src)
	}
}
