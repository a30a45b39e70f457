package spool

import (
	"context"
	"errors"
	"io"
	"time"
)

// ErrNotFound is returned by Backend methods given an id with no entry.
var ErrNotFound = errors.New("spool: entry not found")

// ErrLockHeld is returned by ClaimDue's callers (indirectly, via a missing
// entry in its result) when a due entry's lock is held by another worker
// and not yet stale; it is not itself surfaced as an error, just noted
// here for the invariant it documents: a worker only ever sees entries it
// has itself locked.
var ErrLockHeld = errors.New("spool: entry lock held by another worker")

// ErrNotOwner is returned by Release/Reschedule/Complete/FailPermanent
// when the caller's worker token does not match the lock's owner.
var ErrNotOwner = errors.New("spool: caller does not hold this entry's lock")

// Backend is the storage-agnostic seam spec.md §4.6 requires: a durable
// queue with an id-scoped lock, implemented once for a single-process file
// layout and once for a shared key-value store. Every method that acts on
// an existing entry takes the claiming worker's token and must fail with
// ErrNotOwner if that token doesn't hold the entry's lock, so a worker can
// never mutate an entry out from under another.
type Backend interface {
	// Enqueue durably stores entry and body, atomically, assigning
	// NextAttemptAt = now if the caller left it zero. Returns the
	// assigned id (entry.ID, if already set by the caller; spool.Spool
	// always sets it before calling Enqueue).
	Enqueue(entry *SpoolEntry, body []byte) (id string, err error)

	// ClaimDue returns up to limit entries whose NextAttemptAt has
	// passed, locking each one to workerToken as it's returned. An entry
	// whose lock is held (and not stale) by a different token is skipped,
	// not returned.
	ClaimDue(ctx context.Context, workerToken string, limit int) ([]*SpoolEntry, error)

	// Open returns the raw message bytes for id, for a worker that
	// already holds its lock.
	Open(id string) (io.ReadCloser, error)

	// Complete removes the entry and its raw bytes entirely. Requires the
	// caller to hold the lock.
	Complete(id, workerToken string) error

	// Reschedule updates attempts/next-attempt-at and releases the lock,
	// for a transient-failure outcome that should be retried later.
	Reschedule(id, workerToken string, nextAt time.Time, newAttempts int) error

	// FailPermanent records terminal per-recipient failures and releases
	// the lock, without removing the entry; the delivery service is
	// expected to synthesize and enqueue a DSN and then call Complete.
	FailPermanent(id, workerToken string, reasons map[string]string) error

	// Release drops workerToken's lock on id without otherwise mutating
	// the entry, used on the defer-path of a worker that errored before
	// reaching a terminal decision (spec.md §4.6's "released on every
	// exit path including panics" invariant).
	Release(id, workerToken string) error
}

// KV is the narrow interface the key-value spool backend needs: atomic
// put-if-absent and TTL refresh for lock ownership, plain get/put for
// metadata and raw bytes, and prefix listing to find due entries. It
// intentionally does not reuse internal/ratelimit.KV, whose IncrCounter
// primitive doesn't fit a lock-ownership protocol.
type KV interface {
	// PutIfAbsent stores value at key with the given TTL only if key is
	// currently absent or expired, and reports whether it acquired
	// ownership.
	PutIfAbsent(ctx context.Context, key string, value []byte, ttl time.Duration) (acquired bool, err error)

	// Refresh extends key's TTL without changing its value; used by a
	// worker to keep a lock alive while it's still working an entry.
	Refresh(ctx context.Context, key string, ttl time.Duration) error

	// Delete removes key unconditionally.
	Delete(ctx context.Context, key string) error

	// Get returns the value at key, and whether it was present.
	Get(ctx context.Context, key string) ([]byte, bool, error)

	// Put stores value at key with no expiry.
	Put(ctx context.Context, key string, value []byte) error

	// List returns every key with the given prefix.
	List(ctx context.Context, prefix string) ([]string, error)
}
