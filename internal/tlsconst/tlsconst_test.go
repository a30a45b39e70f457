package tlsconst

import (
	"crypto/tls"
	"testing"
)

func TestVersionName(t *testing.T) {
	cases := []struct {
		ver      uint16
		expected string
	}{
		{0x0302, "TLS-1.1"},
		{0x0304, "TLS-1.3"},
		{0x1234, "TLS-0x1234"},
	}
	for _, c := range cases {
		got := VersionName(c.ver)
		if got != c.expected {
			t.Errorf("VersionName(%x) = %q, expected %q",
				c.ver, got, c.expected)
		}
	}
}

func TestCipherSuiteName(t *testing.T) {
	// Exercise a suite the standard library knows about; the exact string
	// is owned by crypto/tls, we just check we're not masking it.
	known := tls.CipherSuiteName(tls.TLS_AES_128_GCM_SHA256)
	if got := CipherSuiteName(tls.TLS_AES_128_GCM_SHA256); got != known {
		t.Errorf("CipherSuiteName = %q, expected %q", got, known)
	}
}

func TestMinVersion(t *testing.T) {
	cases := []struct {
		in      string
		want    uint16
		wantErr bool
	}{
		{"", tls.VersionTLS12, false},
		{"TLSv1.2", tls.VersionTLS12, false},
		{"TLSv1.3", tls.VersionTLS13, false},
		{"SSLv3", 0, true},
	}
	for _, c := range cases {
		got, err := MinVersion(c.in)
		if (err != nil) != c.wantErr {
			t.Errorf("MinVersion(%q) error = %v, wantErr %v", c.in, err, c.wantErr)
		}
		if got != c.want {
			t.Errorf("MinVersion(%q) = %x, want %x", c.in, got, c.want)
		}
	}
}
