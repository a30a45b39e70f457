// Package session implements the per-connection state machine: command
// framing and dispatch, the verb handlers for every supported ESMTP
// command, and the default transaction processor that hands accepted
// envelopes off to a spool. It is the direct generalization of
// chasquid's internal/smtpsrv.Conn into an embeddable, interface-driven
// engine.
package session

import (
	"net"
	"time"

	"github.com/mailcore/engine/internal/tlsoverlay"
)

// TLSState mirrors spec.md §3's three-valued TLS state.
type TLSState int

const (
	TLSOff TLSState = iota
	TLSImplicit
	TLSExplicit
)

func tlsStateFromOverlay(o *tlsoverlay.Overlay) TLSState {
	switch o.Mode() {
	case tlsoverlay.Implicit:
		return TLSImplicit
	case tlsoverlay.Explicit:
		return TLSExplicit
	default:
		return TLSOff
	}
}

// EndReason records why a session's Serve loop returned, for logging.
type EndReason int

const (
	EndUnknown EndReason = iota
	EndQuit
	EndClientClosed
	EndProtocolError
	EndTimeout
	EndTooManyErrors
	EndShutdown
	EndWrongProtocol
)

func (r EndReason) String() string {
	switch r {
	case EndQuit:
		return "quit"
	case EndClientClosed:
		return "client-closed"
	case EndProtocolError:
		return "protocol-error"
	case EndTimeout:
		return "timeout"
	case EndTooManyErrors:
		return "too-many-errors"
	case EndShutdown:
		return "shutdown"
	case EndWrongProtocol:
		return "wrong-protocol"
	default:
		return "unknown"
	}
}

// RecipientDSN holds the per-recipient DSN options recognized on RCPT
// (NOTIFY=..., ORCPT=...).
type RecipientDSN struct {
	Notify []string // subset of "NEVER", "SUCCESS", "FAILURE", "DELAY"
	ORcpt  string
}

// Envelope is the current transaction's accumulated state, reset by
// RSET, a fresh MAIL FROM, or after a completed DATA/BDAT.
type Envelope struct {
	MailFrom string // "" represents no transaction; "<>" is the null reverse-path
	Params   MailParams

	RcptTo     []string
	RcptDSN    map[string]RecipientDSN
	DeclaredSize int64
	ReceivedBytes int64

	// bdatBuffer accumulates chunks across a BDAT sequence until the LAST
	// chunk arrives.
	bdatBuffer []byte
}

// MailParams are the recognized MAIL FROM parameters.
type MailParams struct {
	Size     int64
	Body     string // "7BIT" | "8BITMIME" | "BINARYMIME"
	SMTPUTF8 bool
	Ret      string // "FULL" | "HDRS"
	Envid    string
}

func (e *Envelope) reset() {
	*e = Envelope{RcptDSN: make(map[string]RecipientDSN)}
}

// AuthStatus tracks the session's authentication state.
type AuthStatus struct {
	Authenticated bool
	User          string
	Domain        string

	// Per-session failure tracking for the AUTH lockout (spec.md §4.4):
	// a count of consecutive failures and the time until which AUTH is
	// locked on this session.
	FailureCount int
	LockedUntil  time.Time
}

// ParsedCommand is a single decoded inbound command line.
type ParsedCommand struct {
	Verb   string
	Params string
}

// Peer bundles the information identifying the remote side of a
// connection, potentially overridden by a PROXY header.
type Peer struct {
	Addr net.Addr
}
