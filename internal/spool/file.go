package spool

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/mailcore/engine/internal/safeio"
)

// fileEntryPrefix namespaces metadata files the same way chasquid's
// queue.itemFilePrefix does, so they're trivially told apart from
// temporary files and other cruft that might land in the spool
// directory.
const fileEntryPrefix = "m:"

// FileBackend is the single-process Backend: one metadata file and one
// raw-message file per entry in a spool directory, with a lock sidecar
// file whose presence (and, once stale, mtime) represents ownership.
// Grounded on albertito-chasquid/internal/queue.Queue's on-disk layout,
// generalized from its protobuf encoding to JSON (this package carries no
// protoc-generated code) and from its in-memory q.q map scan to a
// filepath.Glob scan per ClaimDue call.
type FileBackend struct {
	dir string

	// StaleLockAfter is how old an unrefreshed lock file may get before
	// a new worker is allowed to take the entry over, per spec.md §4.6's
	// "stale locks older than a threshold may be taken over".
	StaleLockAfter time.Duration

	mu sync.Mutex
}

// NewFileBackend returns a FileBackend rooted at dir, creating it if
// necessary.
func NewFileBackend(dir string) (*FileBackend, error) {
	if err := os.MkdirAll(dir, 0700); err != nil {
		return nil, fmt.Errorf("spool: creating spool dir: %w", err)
	}
	return &FileBackend{dir: dir, StaleLockAfter: 10 * time.Minute}, nil
}

type lockRecord struct {
	Owner string    `json:"owner"`
	Taken time.Time `json:"taken"`
}

func (b *FileBackend) metaPath(id string) string { return filepath.Join(b.dir, fileEntryPrefix+id+".meta") }
func (b *FileBackend) msgPath(id string) string   { return filepath.Join(b.dir, fileEntryPrefix+id+".msg") }
func (b *FileBackend) lockPath(id string) string  { return filepath.Join(b.dir, fileEntryPrefix+id+".lock") }

func (b *FileBackend) Enqueue(entry *SpoolEntry, body []byte) (string, error) {
	if entry.ID == "" {
		entry.ID = uuid.NewString()
	}
	if entry.NextAttemptAt.IsZero() {
		entry.NextAttemptAt = time.Now()
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now()
	}

	if err := safeio.WriteFile(b.msgPath(entry.ID), body, 0600); err != nil {
		return "", fmt.Errorf("spool: writing message body: %w", err)
	}
	if err := b.writeMeta(entry); err != nil {
		os.Remove(b.msgPath(entry.ID))
		return "", fmt.Errorf("spool: writing metadata: %w", err)
	}
	return entry.ID, nil
}

func (b *FileBackend) writeMeta(entry *SpoolEntry) error {
	data, err := json.Marshal(entry)
	if err != nil {
		return err
	}
	return safeio.WriteFile(b.metaPath(entry.ID), data, 0600)
}

func (b *FileBackend) readMeta(id string) (*SpoolEntry, error) {
	data, err := os.ReadFile(b.metaPath(id))
	if os.IsNotExist(err) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	entry := &SpoolEntry{}
	if err := json.Unmarshal(data, entry); err != nil {
		return nil, err
	}
	return entry, nil
}

// tryLock attempts to acquire id's lock for workerToken, taking over a
// stale lock (one older than StaleLockAfter) if present.
func (b *FileBackend) tryLock(id, workerToken string) (bool, error) {
	lp := b.lockPath(id)

	f, err := os.OpenFile(lp, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0600)
	if err == nil {
		defer f.Close()
		rec := lockRecord{Owner: workerToken, Taken: time.Now()}
		data, _ := json.Marshal(rec)
		if _, werr := f.Write(data); werr != nil {
			os.Remove(lp)
			return false, werr
		}
		return true, nil
	}
	if !os.IsExist(err) {
		return false, err
	}

	// Lock file already exists: take it over only if stale.
	st, statErr := os.Stat(lp)
	if statErr != nil {
		return false, statErr
	}
	if time.Since(st.ModTime()) < b.StaleLockAfter {
		return false, nil
	}
	rec := lockRecord{Owner: workerToken, Taken: time.Now()}
	data, _ := json.Marshal(rec)
	if werr := safeio.WriteFile(lp, data, 0600); werr != nil {
		return false, werr
	}
	return true, nil
}

func (b *FileBackend) checkOwner(id, workerToken string) error {
	data, err := os.ReadFile(b.lockPath(id))
	if os.IsNotExist(err) {
		return ErrNotFound
	}
	if err != nil {
		return err
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

func (b *FileBackend) ClaimDue(_ context.Context, workerToken string, limit int) ([]*SpoolEntry, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	matches, err := filepath.Glob(filepath.Join(b.dir, fileEntryPrefix+"*.meta"))
	if err != nil {
		return nil, err
	}

	now := time.Now()
	var claimed []*SpoolEntry
	for _, path := range matches {
		if len(claimed) >= limit {
			break
		}
		base := filepath.Base(path)
		id := base[len(fileEntryPrefix) : len(base)-len(".meta")]

		entry, err := b.readMeta(id)
		if err != nil {
			continue
		}
		if !entry.dueBefore(now) {
			continue
		}
		ok, err := b.tryLock(id, workerToken)
		if err != nil || !ok {
			continue
		}
		claimed = append(claimed, entry)
	}
	return claimed, nil
}

func (b *FileBackend) Open(id string) (io.ReadCloser, error) {
	f, err := os.Open(b.msgPath(id))
	if os.IsNotExist(err) {
		return nil, ErrNotFound
	}
	return f, err
}

func (b *FileBackend) Complete(id, workerToken string) error {
	if err := b.checkOwner(id, workerToken); err != nil {
		return err
	}
	os.Remove(b.msgPath(id))
	os.Remove(b.metaPath(id))
	os.Remove(b.lockPath(id))
	return nil
}

func (b *FileBackend) Reschedule(id, workerToken string, nextAt time.Time, newAttempts int) error {
	if err := b.checkOwner(id, workerToken); err != nil {
		return err
	}
	entry, err := b.readMeta(id)
	if err != nil {
		return err
	}
	entry.NextAttemptAt = nextAt
	entry.Attempts = newAttempts
	if err := b.writeMeta(entry); err != nil {
		return err
	}
	return os.Remove(b.lockPath(id))
}

func (b *FileBackend) FailPermanent(id, workerToken string, reasons map[string]string) error {
	if err := b.checkOwner(id, workerToken); err != nil {
		return err
	}
	entry, err := b.readMeta(id)
	if err != nil {
		return err
	}
	if entry.PermanentFailures == nil {
		entry.PermanentFailures = map[string]string{}
	}
	for addr, reason := range reasons {
		entry.PermanentFailures[addr] = reason
	}
	if err := b.writeMeta(entry); err != nil {
		return err
	}
	return os.Remove(b.lockPath(id))
}

func (b *FileBackend) Release(id, workerToken string) error {
	if err := b.checkOwner(id, workerToken); err != nil {
		return err
	}
	return os.Remove(b.lockPath(id))
}
