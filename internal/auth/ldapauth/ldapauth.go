// Package ldapauth implements an auth.Backend that authenticates users
// against a directory server, either by binding as a templated DN directly
// or by searching for the user's DN first and then binding as it.
package ldapauth

import (
	"crypto/tls"
	"fmt"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/go-ldap/ldap/v3"
)

// Backend authenticates against an LDAP (or Active Directory) server. It
// satisfies github.com/mailcore/engine/internal/auth.Backend.
type Backend struct {
	// URLs to try, in order, until one accepts the connection.
	URLs []string

	// DNTemplate, if set, builds the bind DN directly from the username,
	// with "{username}" replaced; no search is performed. Mutually
	// exclusive with BaseDN/Filter.
	DNTemplate string

	// BaseDN and Filter are used to search for the user's DN before
	// binding as it. Filter's "{username}" is replaced with the
	// authenticating username.
	BaseDN string
	Filter string

	TLSConfig      *tls.Config
	StartTLS       bool
	DialTimeout    time.Duration
	RequestTimeout time.Duration

	mu   sync.Mutex
	conn *ldap.Conn
}

// newConn dials the first reachable URL in Backend.URLs.
func (b *Backend) newConn() (*ldap.Conn, error) {
	dialer := &net.Dialer{Timeout: b.DialTimeout}

	var lastErr error
	for _, u := range b.URLs {
		conn, err := ldap.DialURL(u,
			ldap.DialWithDialer(dialer),
			ldap.DialWithTLSConfig(b.TLSConfig))
		if err != nil {
			lastErr = err
			continue
		}

		if b.RequestTimeout != 0 {
			conn.SetTimeout(b.RequestTimeout)
		}
		if b.StartTLS {
			if err := conn.StartTLS(b.TLSConfig); err != nil {
				conn.Close()
				lastErr = err
				continue
			}
		}
		return conn, nil
	}
	return nil, fmt.Errorf("ldapauth: all directory servers unreachable: %w", lastErr)
}

func (b *Backend) getConn() (*ldap.Conn, error) {
	b.mu.Lock()
	if b.conn == nil || b.conn.IsClosing() {
		conn, err := b.newConn()
		if err != nil {
			b.mu.Unlock()
			return nil, err
		}
		b.conn = conn
	}
	return b.conn, nil
}

// releaseConn unlocks the connection, dropping it if it turned out to be
// broken so the next call reconnects instead of reusing a dead socket.
func (b *Backend) releaseConn(conn *ldap.Conn, broken bool) {
	if broken {
		conn.Close()
		if b.conn == conn {
			b.conn = nil
		}
	}
	b.mu.Unlock()
}

func (b *Backend) resolveDN(conn *ldap.Conn, user string) (string, error) {
	if b.DNTemplate != "" {
		return strings.ReplaceAll(b.DNTemplate, "{username}", user), nil
	}

	req := ldap.NewSearchRequest(
		b.BaseDN, ldap.ScopeWholeSubtree, ldap.NeverDerefAliases,
		2, 0, false,
		strings.ReplaceAll(b.Filter, "{username}", user),
		[]string{"dn"}, nil)
	res, err := conn.Search(req)
	if err != nil {
		return "", fmt.Errorf("ldapauth: search: %w", err)
	}
	switch len(res.Entries) {
	case 0:
		return "", nil
	case 1:
		return res.Entries[0].DN, nil
	default:
		return "", fmt.Errorf("ldapauth: search returned %d entries for %q", len(res.Entries), user)
	}
}

// Authenticate resolves user's DN (via search or template) and attempts a
// simple bind with password.
func (b *Backend) Authenticate(user, password string) (bool, error) {
	conn, err := b.getConn()
	if err != nil {
		return false, err
	}

	dn, err := b.resolveDN(conn, user)
	if err != nil {
		b.releaseConn(conn, true)
		return false, err
	}
	if dn == "" {
		b.releaseConn(conn, false)
		return false, nil
	}

	err = conn.Bind(dn, password)
	b.releaseConn(conn, err != nil)
	if err != nil {
		if isInvalidCredentials(err) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

func isInvalidCredentials(err error) bool {
	le, ok := err.(*ldap.Error)
	return ok && le.ResultCode == ldap.LDAPResultInvalidCredentials
}

// Exists reports whether user resolves to a directory entry, without
// attempting to bind as it.
func (b *Backend) Exists(user string) (bool, error) {
	conn, err := b.getConn()
	if err != nil {
		return false, err
	}
	dn, err := b.resolveDN(conn, user)
	b.releaseConn(conn, err != nil)
	if err != nil {
		return false, err
	}
	return dn != "", nil
}

// Reload drops the cached connection, so the next request redials; LDAP
// backends have no local state to re-read.
func (b *Backend) Reload() error {
	b.mu.Lock()
	if b.conn != nil {
		b.conn.Close()
		b.conn = nil
	}
	b.mu.Unlock()
	return nil
}
