// Package tlsconst renders TLS connection parameters in a human-readable
// form, for use in logs, traces, and the Received header.
package tlsconst

import (
	"crypto/tls"
	"fmt"
)

var versionName = map[uint16]string{
	tls.VersionSSL30: "SSL-3.0",
	tls.VersionTLS10: "TLS-1.0",
	tls.VersionTLS11: "TLS-1.1",
	tls.VersionTLS12: "TLS-1.2",
	tls.VersionTLS13: "TLS-1.3",
}

// VersionName returns a human-readable TLS version name.
func VersionName(v uint16) string {
	if name, ok := versionName[v]; ok {
		return name
	}
	return fmt.Sprintf("TLS-%#04x", v)
}

// CipherSuiteName returns a human-readable TLS cipher suite name. It defers
// to the standard library's registry, which covers both the suites we
// configure and the ones a client may (still) offer during negotiation.
func CipherSuiteName(s uint16) string {
	return tls.CipherSuiteName(s)
}

// MinVersion maps the configuration strings accepted in ListenerConfig /
// Config ("TLSv1.2", "TLSv1.3") to the tls package constants.
func MinVersion(s string) (uint16, error) {
	switch s {
	case "", "TLSv1.2":
		return tls.VersionTLS12, nil
	case "TLSv1.3":
		return tls.VersionTLS13, nil
	}
	return 0, fmt.Errorf("unsupported minimum TLS version %q", s)
}
