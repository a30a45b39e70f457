// Package spool implements the durable queue of accepted-but-not-yet-
// delivered envelopes: SpoolEntry metadata, the per-entry lock that keeps
// at most one worker operating on an entry at a time, and two concrete
// Backend implementations (file-based and key-value-based) behind one
// interface. It generalizes chasquid's internal/queue.Queue, which only
// ever had one storage strategy (a directory of protobuf text files), into
// a storage-agnostic spool that also supports a shared KV store for
// multi-node deployments.
package spool

import "time"

// RecipientDSN mirrors the per-recipient DSN options captured at RCPT
// time (NOTIFY=..., ORCPT=...); kept as its own type here rather than
// imported from internal/session so the spool package never needs to
// import the session package's dispatcher-shaped types, only its SPI
// ones (session.PutOptions) at the call boundary in spool.go.
type RecipientDSN struct {
	Notify []string
	ORcpt  string
}

// SpoolEntry is one durable unit of work: an accepted envelope plus
// everything the delivery service and DSN synthesizer need to act on it,
// per spec.md §3's SpoolEntry definition.
type SpoolEntry struct {
	ID        string
	From      string
	To        []string
	MessageID string

	Authenticated bool
	Ret           string
	Envid         string
	RcptDSN       map[string]RecipientDSN

	// Attempts is monotonic: it only ever increases, via Reschedule.
	Attempts      int
	NextAttemptAt time.Time
	CreatedAt     time.Time

	// PermanentFailures records recipients the delivery service has given
	// up on, keyed by address, populated by FailPermanent.
	PermanentFailures map[string]string
}

// dueBefore reports whether the entry is eligible for claiming as of now.
func (e *SpoolEntry) dueBefore(now time.Time) bool {
	return !e.NextAttemptAt.After(now)
}
