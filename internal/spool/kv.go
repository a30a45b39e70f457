package spool

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"strings"
	"time"

	"github.com/google/uuid"
)

const (
	kvEntryPrefix = "spool/entry/"
	kvBodyPrefix  = "spool/body/"
	kvLockPrefix  = "spool/lock/"
)

// KVBackend is the shared, multi-node Backend: metadata and raw bytes
// live in a distributed key-value store, and the lock is a TTL key each
// worker acquires via PutIfAbsent and keeps alive with RefreshLock; a
// dead owner's lock is superseded once its TTL lapses, with no explicit
// staleness comparison needed (unlike FileBackend's mtime check). The
// teacher has no equivalent at all — chasquid's queue is single-process
// only — so this is grounded on spec.md §4.6's explicit key-value-backend
// requirement, shaped the way internal/ratelimit's sharedLimiter sits
// behind its own narrow KV seam.
type KVBackend struct {
	kv KV

	// LockTTL bounds how long a claimed entry stays locked without a
	// RefreshLock call before another worker may claim it.
	LockTTL time.Duration
}

// NewKVBackend returns a KVBackend over kv.
func NewKVBackend(kv KV) *KVBackend {
	return &KVBackend{kv: kv, LockTTL: 5 * time.Minute}
}

func (b *KVBackend) Enqueue(entry *SpoolEntry, body []byte) (string, error) {
	if entry.ID == "" {
		entry.ID = uuid.NewString()
	}
	if entry.NextAttemptAt.IsZero() {
		entry.NextAttemptAt = time.Now()
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now()
	}

	ctx := context.Background()
	data, err := json.Marshal(entry)
	if err != nil {
		return "", err
	}
	if err := b.kv.Put(ctx, kvBodyPrefix+entry.ID, body); err != nil {
		return "", err
	}
	if err := b.kv.Put(ctx, kvEntryPrefix+entry.ID, data); err != nil {
		return "", err
	}
	return entry.ID, nil
}

func (b *KVBackend) ClaimDue(ctx context.Context, workerToken string, limit int) ([]*SpoolEntry, error) {
	keys, err := b.kv.List(ctx, kvEntryPrefix)
	if err != nil {
		return nil, err
	}

	now := time.Now()
	var claimed []*SpoolEntry
	for _, key := range keys {
		if len(claimed) >= limit {
			break
		}
		data, ok, err := b.kv.Get(ctx, key)
		if err != nil || !ok {
			continue
		}
		entry := &SpoolEntry{}
		if err := json.Unmarshal(data, entry); err != nil {
			continue
		}
		if !entry.dueBefore(now) {
			continue
		}

		id := strings.TrimPrefix(key, kvEntryPrefix)
		rec, _ := json.Marshal(lockRecord{Owner: workerToken, Taken: now})
		acquired, err := b.kv.PutIfAbsent(ctx, kvLockPrefix+id, rec, b.LockTTL)
		if err != nil || !acquired {
			continue
		}
		claimed = append(claimed, entry)
	}
	return claimed, nil
}

func (b *KVBackend) Open(id string) (io.ReadCloser, error) {
	data, ok, err := b.kv.Get(context.Background(), kvBodyPrefix+id)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, ErrNotFound
	}
	return io.NopCloser(bytes.NewReader(data)), nil
}

func (b *KVBackend) checkOwner(ctx context.Context, id, workerToken string) error {
	data, ok, err := b.kv.Get(ctx, kvLockPrefix+id)
	if err != nil {
		return err
	}
	if !ok {
		return ErrNotFound
	}
	var rec lockRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return err
	}
	if rec.Owner != workerToken {
		return ErrNotOwner
	}
	return nil
}

func (b *KVBackend) readEntry(ctx context.Context, id string) (*SpoolEntry, error) {
	data, ok, err := b.kv.Get(ctx, kvEntryPrefix+id)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, ErrNotFound
	}
	entry := &SpoolEntry{}
	if err := json.Unmarshal(data, entry); err != nil {
		return nil, err
	}
	return entry, nil
}

func (b *KVBackend) Complete(id, workerToken string) error {
	ctx := context.Background()
	if err := b.checkOwner(ctx, id, workerToken); err != nil {
		return err
	}
	b.kv.Delete(ctx, kvBodyPrefix+id)
	b.kv.Delete(ctx, kvEntryPrefix+id)
	return b.kv.Delete(ctx, kvLockPrefix+id)
}

func (b *KVBackend) Reschedule(id, workerToken string, nextAt time.Time, newAttempts int) error {
	ctx := context.Background()
	if err := b.checkOwner(ctx, id, workerToken); err != nil {
		return err
	}
	entry, err := b.readEntry(ctx, id)
	if err != nil {
		return err
	}
	entry.NextAttemptAt = nextAt
	entry.Attempts = newAttempts
	data, err := json.Marshal(entry)
	if err != nil {
		return err
	}
	if err := b.kv.Put(ctx, kvEntryPrefix+id, data); err != nil {
		return err
	}
	return b.kv.Delete(ctx, kvLockPrefix+id)
}

func (b *KVBackend) FailPermanent(id, workerToken string, reasons map[string]string) error {
	ctx := context.Background()
	if err := b.checkOwner(ctx, id, workerToken); err != nil {
		return err
	}
	entry, err := b.readEntry(ctx, id)
	if err != nil {
		return err
	}
	if entry.PermanentFailures == nil {
		entry.PermanentFailures = map[string]string{}
	}
	for addr, reason := range reasons {
		entry.PermanentFailures[addr] = reason
	}
	data, err := json.Marshal(entry)
	if err != nil {
		return err
	}
	if err := b.kv.Put(ctx, kvEntryPrefix+id, data); err != nil {
		return err
	}
	return b.kv.Delete(ctx, kvLockPrefix+id)
}

func (b *KVBackend) Release(id, workerToken string) error {
	ctx := context.Background()
	if err := b.checkOwner(ctx, id, workerToken); err != nil {
		return err
	}
	return b.kv.Delete(ctx, kvLockPrefix+id)
}

// RefreshLock extends id's lock TTL, for a worker still processing a long
// delivery. Not part of Backend (FileBackend's mtime-based staleness
// needs no equivalent), so callers that want it type-assert to
// *KVBackend.
func (b *KVBackend) RefreshLock(ctx context.Context, id, workerToken string) error {
	if err := b.checkOwner(ctx, id, workerToken); err != nil {
		return err
	}
	return b.kv.Refresh(ctx, kvLockPrefix+id, b.LockTTL)
}
