// Package delivery implements the per-recipient delivery attempt a
// spooler worker invokes against a claimed spool entry: local-vs-remote
// routing, the LocalMailboxStore/MailRelay seams, and the entry-level
// outcome rules from spec.md §4.7 (complete / reschedule / synthesize a
// DSN). It generalizes chasquid's internal/courier.Courier split (one
// Courier for local delivery, one for remote) into explicit local and
// remote interfaces plumbed through a single Service.
package delivery

import "context"

// Result is returned by a successful local delivery attempt.
type Result struct {
	// ID is an opaque identifier for the delivered message (e.g. a
	// maildir filename), carried for logging only.
	ID string
}

// LocalMailboxStore persists a message to a local mailbox, per spec.md
// §4.7's "deliver(owner, message_bytes) → Result" interface.
type LocalMailboxStore interface {
	Deliver(ctx context.Context, owner string, message []byte) (Result, error)
}

// RelayRequest is everything MailRelay needs for one outbound hop.
type RelayRequest struct {
	From string
	To   string
	Data []byte
}

// MailRelay delivers mail to a remote recipient. It should return a
// *codederror.Error classified Permanent or Transient; any other error
// type is treated as transient, since an unclassified failure is safer
// to retry than to give up on.
type MailRelay interface {
	Deliver(ctx context.Context, req RelayRequest) error
}
