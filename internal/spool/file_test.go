package spool

import (
	"context"
	"io"
	"testing"
	"time"

	"github.com/mailcore/engine/internal/testlib"
)

func TestFileBackendEnqueueClaimComplete(t *testing.T) {
	dir := testlib.MustTempDir(t)
	defer testlib.RemoveIfOk(t, dir)

	b, err := NewFileBackend(dir)
	if err != nil {
		t.Fatalf("NewFileBackend: %v", err)
	}

	entry := &SpoolEntry{From: "sender@example.com", To: []string{"rcpt@example.org"}}
	id, err := b.Enqueue(entry, []byte("Subject: hi\r\n\r\nbody\r\n"))
	if err != nil {
		t.Fatalf("Enqueue: %v", err)
	}

	claimed, err := b.ClaimDue(context.Background(), "worker-1", 10)
	if err != nil {
		t.Fatalf("ClaimDue: %v", err)
	}
	if len(claimed) != 1 || claimed[0].ID != id {
		t.Fatalf("ClaimDue = %+v, want exactly the enqueued entry", claimed)
	}

	// A second worker must not see the same entry while it's locked.
	again, err := b.ClaimDue(context.Background(), "worker-2", 10)
	if err != nil {
		t.Fatalf("ClaimDue (second worker): %v", err)
	}
	if len(again) != 0 {
		t.Fatalf("second worker claimed %d entries, want 0 (lock held)", len(again))
	}

	rc, err := b.Open(id)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	body, _ := io.ReadAll(rc)
	rc.Close()
	if string(body) != "Subject: hi\r\n\r\nbody\r\n" {
		t.Errorf("Open body = %q", body)
	}

	if err := b.Complete(id, "worker-1"); err != nil {
		t.Fatalf("Complete: %v", err)
	}
	if _, err := b.Open(id); err != ErrNotFound {
		t.Errorf("Open after Complete = %v, want ErrNotFound", err)
	}
}

func TestFileBackendRescheduleReleasesLock(t *testing.T) {
	dir := testlib.MustTempDir(t)
	defer testlib.RemoveIfOk(t, dir)

	b, _ := NewFileBackend(dir)
	entry := &SpoolEntry{From: "sender@example.com", To: []string{"rcpt@example.org"}}
	id, _ := b.Enqueue(entry, []byte("body"))

	claimed, _ := b.ClaimDue(context.Background(), "worker-1", 10)
	if len(claimed) != 1 {
		t.Fatalf("expected to claim the entry")
	}

	future := time.Now().Add(time.Hour)
	if err := b.Reschedule(id, "worker-1", future, 1); err != nil {
		t.Fatalf("Reschedule: %v", err)
	}

	// Not due yet, and the lock should be released either way.
	claimed, _ = b.ClaimDue(context.Background(), "worker-2", 10)
	if len(claimed) != 0 {
		t.Fatalf("rescheduled-into-the-future entry claimed early: %+v", claimed)
	}
}

func TestFileBackendFailPermanentRecordsReasons(t *testing.T) {
	dir := testlib.MustTempDir(t)
	defer testlib.RemoveIfOk(t, dir)

	b, _ := NewFileBackend(dir)
	entry := &SpoolEntry{From: "sender@example.com", To: []string{"rcpt@example.org"}}
	id, _ := b.Enqueue(entry, []byte("body"))
	b.ClaimDue(context.Background(), "worker-1", 10)

	err := b.FailPermanent(id, "worker-1", map[string]string{"rcpt@example.org": "550 5.1.1 User unknown"})
	if err != nil {
		t.Fatalf("FailPermanent: %v", err)
	}

	got, err := b.readMeta(id)
	if err != nil {
		t.Fatalf("readMeta: %v", err)
	}
	if got.PermanentFailures["rcpt@example.org"] != "550 5.1.1 User unknown" {
		t.Errorf("PermanentFailures = %+v", got.PermanentFailures)
	}

	// Lock was released by FailPermanent, so another worker can now claim.
	claimed, _ := b.ClaimDue(context.Background(), "worker-2", 10)
	if len(claimed) != 1 {
		t.Fatalf("expected lock release after FailPermanent, got %+v", claimed)
	}
}

func TestFileBackendStaleLockIsTakenOver(t *testing.T) {
	dir := testlib.MustTempDir(t)
	defer testlib.RemoveIfOk(t, dir)

	b, _ := NewFileBackend(dir)
	b.StaleLockAfter = 10 * time.Millisecond

	entry := &SpoolEntry{From: "sender@example.com", To: []string{"rcpt@example.org"}}
	id, _ := b.Enqueue(entry, []byte("body"))
	b.ClaimDue(context.Background(), "worker-1", 10)

	time.Sleep(20 * time.Millisecond)

	claimed, err := b.ClaimDue(context.Background(), "worker-2", 10)
	if err != nil {
		t.Fatalf("ClaimDue: %v", err)
	}
	if len(claimed) != 1 || claimed[0].ID != id {
		t.Fatalf("stale lock was not taken over: %+v", claimed)
	}
}
