package auth

import (
	"net"

	"github.com/emersion/go-sasl"
)

// ErrUnsupportedMechanism is returned by CreateServer for a mechanism name the
// engine doesn't implement.
var ErrUnsupportedMechanism = errNoAuth("unsupported SASL mechanism")

type errNoAuth string

func (e errNoAuth) Error() string { return string(e) }

// Mechanisms lists the SASL mechanism names this package can produce a
// server for, in the order they should be advertised in EHLO's AUTH line.
func Mechanisms() []string {
	return []string{sasl.Plain, sasl.Login}
}

// SuccessFunc is called once a SASL exchange has produced a verified
// identity, so the caller can record it on the session.
type SuccessFunc func(user, domain string) error

// CreateServer builds a sasl.Server for mech, backed by a.Authenticate.
// remoteAddr is accepted but not used.
func CreateServer(a *Authenticator, mech string, remoteAddr net.Addr, onSuccess SuccessFunc) sasl.Server {
	switch mech {
	case sasl.Plain:
		return sasl.NewPlainServer(func(identity, username, password string) error {
			user, domain, err := splitIdentity(username, identity)
			if err != nil {
				return err
			}
			ok, err := a.Authenticate(user, domain, password)
			if err != nil {
				return err
			}
			if !ok {
				return errNoAuth("invalid username or password")
			}
			return onSuccess(user, domain)
		})
	case sasl.Login:
		return newLoginServer(func(username, password string) error {
			user, domain, err := splitIdentity(username, "")
			if err != nil {
				return err
			}
			ok, err := a.Authenticate(user, domain, password)
			if err != nil {
				return err
			}
			if !ok {
				return errNoAuth("invalid username or password")
			}
			return onSuccess(user, domain)
		})
	}
	return failingServer{ErrUnsupportedMechanism}
}

// splitIdentity reconciles PLAIN's authorization-id/authentication-id pair
// the same way DecodeResponse does: either is allowed to be empty, but if
// both are set they must match, and the result must be "user@domain".
func splitIdentity(username, identity string) (user, domain string, err error) {
	if identity != "" && username != "" && identity != username {
		return "", "", errNoAuth("authorization and authentication identities do not match")
	}
	id := username
	if id == "" {
		id = identity
	}
	return splitUserDomain(id)
}

func splitUserDomain(identity string) (user, domain string, err error) {
	if identity == "" {
		return "", "", errNoAuth("empty identity, must be in the form user@domain")
	}
	for i := 0; i < len(identity); i++ {
		if identity[i] == '@' {
			return identity[:i], identity[i+1:], nil
		}
	}
	return "", "", errNoAuth("identity must be in the form user@domain")
}

// failingServer is a sasl.Server stand-in for a mechanism name we don't
// support, so CreateServer never returns nil.
type failingServer struct{ err error }

func (f failingServer) Next([]byte) ([]byte, bool, error) {
	return nil, true, f.err
}

// loginState tracks where a LOGIN exchange is in its two-step challenge.
// go-sasl no longer ships a LOGIN server (PLAIN superseded it), so the
// engine implements the mechanism itself for legacy clients that still
// expect it.
type loginState int

const (
	loginNotStarted loginState = iota
	loginWaitingUsername
	loginWaitingPassword
)

type loginAuthenticator func(username, password string) error

type loginServer struct {
	state              loginState
	username, password string
	authenticate       loginAuthenticator
}

// newLoginServer returns a server implementation of the LOGIN mechanism, as
// described in draft-murchison-sasl-login-00. LOGIN is obsolete; it's only
// offered for clients that cannot be updated to use PLAIN.
func newLoginServer(authenticate loginAuthenticator) sasl.Server {
	return &loginServer{authenticate: authenticate}
}

func (a *loginServer) Next(response []byte) (challenge []byte, done bool, err error) {
	switch a.state {
	case loginNotStarted:
		if response == nil {
			challenge = []byte("Username:")
			break
		}
		a.state++
		fallthrough
	case loginWaitingUsername:
		a.username = string(response)
		challenge = []byte("Password:")
	case loginWaitingPassword:
		a.password = string(response)
		err = a.authenticate(a.username, a.password)
		done = true
	default:
		err = sasl.ErrUnexpectedClientResponse
	}
	a.state++
	return
}
