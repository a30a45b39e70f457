package session

import (
	"fmt"
	"io"

	"github.com/mailcore/engine/internal/codederror"
	"github.com/mailcore/engine/internal/trace"
)

// Processor is the transaction processor contract from spec.md §4.5:
// from/to record to the envelope (handled by the session itself before
// Processor is even consulted, in this implementation — From/To exist so
// an embedder can override admission policy per recipient), Data consumes
// the streamed body, Done releases any resources the transaction
// acquired.
type Processor interface {
	// From is called once MAIL FROM has passed address validation. An
	// error aborts the transaction with that coded response.
	From(tr *trace.Trace, sess *Session, addr string) error

	// To is called once per RCPT TO after address validation and the
	// local-recipient-exists check. An error rejects that one recipient.
	To(tr *trace.Trace, sess *Session, addr string) error

	// Data consumes the message body (already dot-unstuffed, CRLF
	// preserved) and persists it. size is the number of bytes that will
	// be read from r.
	Data(tr *trace.Trace, sess *Session, r io.Reader, size int64) error

	// Done releases any resources acquired during the transaction,
	// called on every exit path (success, error, or RSET).
	Done(tr *trace.Trace, sess *Session)
}

// DefaultProcessor is the default Processor: it hands the accepted
// envelope and body to a Spooler, exactly as chasquid's conn.go hands
// c.data to c.queue.Put after MAIL/RCPT/DATA have already validated
// addresses inline.
type DefaultProcessor struct {
	Spool Spooler
}

// NewDefaultProcessor returns a DefaultProcessor backed by spool.
func NewDefaultProcessor(spool Spooler) *DefaultProcessor {
	return &DefaultProcessor{Spool: spool}
}

// From is a no-op: address validation and the envelope's MailFrom field
// are already handled by the MAIL command handler before Processor.From
// is invoked. It exists so an embedder can reject a sender outright
// (e.g. against a denylist) without reimplementing the MAIL handler.
func (p *DefaultProcessor) From(tr *trace.Trace, sess *Session, addr string) error {
	return nil
}

// To is a no-op for the same reason as From; RCPT's own handler already
// performed the local-existence / relay-allowed checks.
func (p *DefaultProcessor) To(tr *trace.Trace, sess *Session, addr string) error {
	return nil
}

// Data reads the full body into memory and hands it to the spool. r is
// already size-bounded by the caller (the DATA/BDAT handler).
func (p *DefaultProcessor) Data(tr *trace.Trace, sess *Session, r io.Reader, size int64) error {
	buf := make([]byte, size)
	if _, err := io.ReadFull(r, buf); err != nil {
		return codederror.Transient(454, "4.4.0", fmt.Sprintf("error reading message body: %v", err))
	}

	opts := PutOptions{
		Authenticated: sess.Auth.Authenticated,
		AuthUser:      sess.Auth.User,
		Ret:           sess.Envelope.Params.Ret,
		Envid:         sess.Envelope.Params.Envid,
		RcptDSN:       sess.Envelope.RcptDSN,
	}

	id, err := p.Spool.Put(tr, sess.Envelope.MailFrom, sess.Envelope.RcptTo, buf, opts)
	if err != nil {
		return codederror.Transient(451, "4.3.0", fmt.Sprintf("failed to queue message: %v", err))
	}

	tr.Printf("spooled from %s to %v - %s", sess.Envelope.MailFrom, sess.Envelope.RcptTo, id)
	return nil
}

// Done is a no-op for DefaultProcessor: Data already completed the
// transaction synchronously, so there is nothing left to release.
func (p *DefaultProcessor) Done(tr *trace.Trace, sess *Session) {}
