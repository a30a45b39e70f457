package config

import (
	"crypto/tls"
	"fmt"
)

// tlsVersionMap maps spec.md §6's min-TLS-version strings to their Go
// constants, following abligh-goms/smtpd/config.go's tlsVersionMap
// (trimmed to the two versions the spec allows: TLSv1.2 and TLSv1.3).
var tlsVersionMap = map[string]uint16{
	"TLSv1.2": tls.VersionTLS12,
	"TLSv1.3": tls.VersionTLS13,
}

// cipherSuiteMap resolves a cipher suite by its Go constant name, built
// from tls.CipherSuites() so it always matches the running Go version's
// supported set.
var cipherSuiteMap = func() map[string]uint16 {
	m := make(map[string]uint16)
	for _, cs := range tls.CipherSuites() {
		m[cs.Name] = cs.ID
	}
	return m
}()

// BuildTLSConfig turns t into a *tls.Config ready to hand to a listener,
// loading the certificate pair from disk. It returns (nil, nil) when no
// certificate is configured, letting a caller treat TLS as entirely
// disabled for that process.
func (t TLSConfig) BuildTLSConfig() (*tls.Config, error) {
	if t.CertFile == "" && t.KeyFile == "" {
		return nil, nil
	}

	cert, err := tls.LoadX509KeyPair(t.CertFile, t.KeyFile)
	if err != nil {
		return nil, fmt.Errorf("config: loading TLS cert/key: %w", err)
	}

	minVersion, ok := tlsVersionMap[t.MinVersion]
	if !ok {
		if t.MinVersion != "" {
			return nil, fmt.Errorf("config: unknown min_version %q", t.MinVersion)
		}
		minVersion = tls.VersionTLS12
	}

	cfg := &tls.Config{
		Certificates: []tls.Certificate{cert},
		MinVersion:   minVersion,
	}

	for _, name := range t.CipherSuites {
		id, ok := cipherSuiteMap[name]
		if !ok {
			return nil, fmt.Errorf("config: unknown cipher suite %q", name)
		}
		cfg.CipherSuites = append(cfg.CipherSuites, id)
	}

	return cfg, nil
}
