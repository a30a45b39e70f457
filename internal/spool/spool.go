package spool

import (
	"time"

	"github.com/google/uuid"

	"github.com/mailcore/engine/internal/session"
	"github.com/mailcore/engine/internal/trace"
)

// Spool is the durable queue of accepted envelopes: it implements
// session.Spooler against a pluggable Backend (FileBackend or KVBackend),
// generalizing chasquid's Queue.Put into a storage-agnostic entry point.
type Spool struct {
	Backend Backend

	// MaxRetries bounds Attempts before a still-transient recipient is
	// treated as permanent (consulted by internal/delivery, not by Spool
	// itself).
	MaxRetries int

	// BaseBackoff and MaxBackoff parameterize Backoff's bounded
	// exponential schedule.
	BaseBackoff time.Duration
	MaxBackoff  time.Duration
}

// New returns a Spool over backend with spec.md §4.7's suggested backoff
// defaults (base 60s, cap 1h).
func New(backend Backend) *Spool {
	return &Spool{
		Backend:     backend,
		MaxRetries:  20,
		BaseBackoff: 60 * time.Second,
		MaxBackoff:  time.Hour,
	}
}

// Put implements session.Spooler: it builds a durable SpoolEntry from an
// accepted transaction and hands it to the backend. Unlike chasquid's
// Queue.Put, it performs no alias resolution — internal/session's RCPT
// handler and internal/delivery's routing policy already resolved which
// recipients exist before the transaction ever reaches here.
func (s *Spool) Put(tr *trace.Trace, from string, to []string, data []byte, opts session.PutOptions) (string, error) {
	tr = tr.NewChild("Spool.Put", from)
	defer tr.Finish()

	dsn := make(map[string]RecipientDSN, len(opts.RcptDSN))
	for addr, d := range opts.RcptDSN {
		dsn[addr] = RecipientDSN{Notify: d.Notify, ORcpt: d.ORcpt}
	}

	now := time.Now()
	entry := &SpoolEntry{
		ID:                uuid.NewString(),
		From:              from,
		To:                append([]string(nil), to...),
		MessageID:         uuid.NewString() + "@spool",
		Authenticated:     opts.Authenticated,
		Ret:               opts.Ret,
		Envid:             opts.Envid,
		RcptDSN:           dsn,
		CreatedAt:         now,
		NextAttemptAt:     now,
		PermanentFailures: map[string]string{},
	}

	id, err := s.Backend.Enqueue(entry, data)
	if err != nil {
		return "", tr.Errorf("failed to enqueue: %v", err)
	}
	tr.Printf("queued %s from=%s to=%v", id, from, to)
	return id, nil
}

// Backoff computes the delay before an entry's next delivery attempt,
// bounded exponential per spec.md §4.7: base * 2^attempts, capped at
// MaxBackoff. Callers compare attempts against MaxRetries separately to
// decide between rescheduling and treating the recipient as permanently
// failed.
func (s *Spool) Backoff(attempts int) time.Duration {
	if attempts < 0 {
		attempts = 0
	}
	if attempts > 30 {
		// Guard against 1<<attempts overflowing before the MaxBackoff
		// comparison below gets a chance to clamp it.
		return s.maxBackoff()
	}
	d := s.baseBackoff() * time.Duration(uint64(1)<<uint(attempts))
	if d <= 0 || d > s.maxBackoff() {
		return s.maxBackoff()
	}
	return d
}

func (s *Spool) baseBackoff() time.Duration {
	if s.BaseBackoff <= 0 {
		return 60 * time.Second
	}
	return s.BaseBackoff
}

func (s *Spool) maxBackoff() time.Duration {
	if s.MaxBackoff <= 0 {
		return time.Hour
	}
	return s.MaxBackoff
}

func (s *Spool) maxRetries() int {
	if s.MaxRetries <= 0 {
		return 20
	}
	return s.MaxRetries
}

// MaxRetriesReached reports whether attempts has exceeded the configured
// retry limit, per spec.md §4.7's "attempts exceed maxRetries" rule.
func (s *Spool) MaxRetriesReached(attempts int) bool {
	return attempts > s.maxRetries()
}
