// Package tlsoverlay manages the TLS state of a single connection: optional
// implicit TLS at accept, explicit mid-stream STARTTLS upgrade, and the
// pipelining guard that keeps a STARTTLS handshake from being raced by
// plaintext bytes already sitting in the read buffer.
package tlsoverlay

import (
	"bufio"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"time"
)

// Mode describes how (or whether) TLS applies to a connection.
type Mode int

const (
	// Off means the connection is plaintext; STARTTLS can still upgrade it
	// if a config is present.
	Off Mode = iota
	// Implicit means TLS was established before the SMTP greeting, as on
	// the classic submissions (465) port.
	Implicit
	// Explicit means TLS was established mid-stream via STARTTLS.
	Explicit
)

// ErrPipelined is returned by Upgrade when bytes beyond the STARTTLS
// command line were already buffered when the handshake was about to
// start. A client that pipelines past STARTTLS may be attempting to have
// plaintext commands replayed as if they arrived post-handshake; the
// caller must reply 501 and close the connection without handshaking.
var ErrPipelined = errors.New("tlsoverlay: pipelined bytes before handshake")

// ErrAlreadyActive is returned by Upgrade when TLS is already active on
// the connection.
var ErrAlreadyActive = errors.New("tlsoverlay: TLS already active")

// Overlay tracks the TLS state of one connection and performs the
// STARTTLS handshake in place.
type Overlay struct {
	config  *tls.Config
	timeout time.Duration

	mode  Mode
	state *tls.ConnectionState
}

// New returns an Overlay. config may be nil if TLS is not configured for
// the listener at all, in which case Upgrade always fails. timeout bounds
// the handshake; zero means no deadline is set by the overlay itself (the
// caller's connection deadline still applies).
func New(config *tls.Config, timeout time.Duration) *Overlay {
	return &Overlay{config: config, timeout: timeout}
}

// Configured reports whether a TLS config is present at all, i.e. whether
// STARTTLS can be offered or implicit TLS performed.
func (o *Overlay) Configured() bool {
	return o.config != nil
}

// Mode reports the overlay's current TLS mode.
func (o *Overlay) Mode() Mode {
	return o.mode
}

// Active reports whether TLS is in effect (implicit or post-STARTTLS).
func (o *Overlay) Active() bool {
	return o.mode != Off
}

// ConnectionState returns the negotiated TLS state, or nil if TLS is not
// active.
func (o *Overlay) ConnectionState() *tls.ConnectionState {
	return o.state
}

// Implicit performs the TLS handshake immediately, before any SMTP
// greeting is written, for listeners configured with implicit TLS (the
// classic submissions-style port). It returns the resulting *tls.Conn, a
// bufio.Reader wrapping it, and any handshake error.
func (o *Overlay) Implicit(conn net.Conn) (net.Conn, *bufio.Reader, error) {
	if o.config == nil {
		return nil, nil, errors.New("tlsoverlay: implicit TLS requested but not configured")
	}
	tconn, err := o.handshake(conn)
	if err != nil {
		return nil, nil, err
	}
	o.mode = Implicit
	return tconn, bufio.NewReader(tconn), nil
}

// PipelineChecker is satisfied by internal/framer.Framer: it reports how
// many bytes are already sitting in the read buffer ahead of a STARTTLS
// handshake.
type PipelineChecker interface {
	Buffered() int
}

// Upgrade performs the STARTTLS handshake on conn. pc is consulted before
// handshaking: if it reports any buffered bytes, the client pipelined past
// STARTTLS and Upgrade returns ErrPipelined without touching the
// connection, so the caller can reply 501 and close.
//
// On success it returns the wrapping *tls.Conn and a fresh bufio.Reader
// over it; the caller must replace its connection and reader with these,
// since the old reader may still hold pre-handshake plaintext buffered
// internally that must be discarded.
func (o *Overlay) Upgrade(conn net.Conn, pc PipelineChecker) (net.Conn, *bufio.Reader, error) {
	if o.config == nil {
		return nil, nil, errors.New("tlsoverlay: STARTTLS requested but not configured")
	}
	if o.Active() {
		return nil, nil, ErrAlreadyActive
	}
	if pc.Buffered() > 0 {
		return nil, nil, ErrPipelined
	}

	tconn, err := o.handshake(conn)
	if err != nil {
		return nil, nil, err
	}
	o.mode = Explicit
	return tconn, bufio.NewReader(tconn), nil
}

func (o *Overlay) handshake(conn net.Conn) (*tls.Conn, error) {
	if o.timeout > 0 {
		if err := conn.SetDeadline(time.Now().Add(o.timeout)); err != nil {
			return nil, fmt.Errorf("tlsoverlay: setting handshake deadline: %w", err)
		}
		defer conn.SetDeadline(time.Time{})
	}

	tconn := tls.Server(conn, o.config)
	if err := tconn.Handshake(); err != nil {
		return nil, fmt.Errorf("tlsoverlay: handshake: %w", err)
	}

	state := tconn.ConnectionState()
	o.state = &state
	return tconn, nil
}

// ServerNameRequested returns the SNI hostname the client requested during
// the handshake, or "" if TLS isn't active or none was sent.
func (o *Overlay) ServerNameRequested() string {
	if o.state == nil {
		return ""
	}
	return o.state.ServerName
}
