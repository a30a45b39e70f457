package spool

import (
	"context"
	"io"
	"testing"
	"time"

	"github.com/mailcore/engine/internal/session"
	"github.com/mailcore/engine/internal/trace"
)

type fakeBackend struct {
	entry *SpoolEntry
	body  []byte
}

func (f *fakeBackend) Enqueue(entry *SpoolEntry, body []byte) (string, error) {
	f.entry = entry
	f.body = body
	return entry.ID, nil
}
func (f *fakeBackend) ClaimDue(context.Context, string, int) ([]*SpoolEntry, error) { return nil, nil }
func (f *fakeBackend) Open(string) (io.ReadCloser, error)                           { return nil, nil }
func (f *fakeBackend) Complete(string, string) error                                { return nil }
func (f *fakeBackend) Reschedule(string, string, time.Time, int) error              { return nil }
func (f *fakeBackend) FailPermanent(string, string, map[string]string) error        { return nil }
func (f *fakeBackend) Release(string, string) error                                 { return nil }

func TestSpoolPutBuildsEntry(t *testing.T) {
	backend := &fakeBackend{}
	sp := New(backend)

	tr := trace.New("test", "TestSpoolPutBuildsEntry")
	defer tr.Finish()

	opts := session.PutOptions{
		Authenticated: true,
		AuthUser:      "alice",
		Ret:           "FULL",
		Envid:         "abc123",
		RcptDSN: map[string]session.RecipientDSN{
			"rcpt@example.org": {Notify: []string{"FAILURE"}, ORcpt: "rfc822;rcpt@example.org"},
		},
	}

	id, err := sp.Put(tr, "sender@example.com", []string{"rcpt@example.org"}, []byte("body"), opts)
	if err != nil {
		t.Fatalf("Put: %v", err)
	}
	if id == "" {
		t.Fatal("Put returned empty id")
	}
	if backend.entry.From != "sender@example.com" {
		t.Errorf("From = %q", backend.entry.From)
	}
	if len(backend.entry.To) != 1 || backend.entry.To[0] != "rcpt@example.org" {
		t.Errorf("To = %v", backend.entry.To)
	}
	if !backend.entry.Authenticated {
		t.Error("Authenticated not propagated")
	}
	if backend.entry.RcptDSN["rcpt@example.org"].ORcpt != "rfc822;rcpt@example.org" {
		t.Errorf("RcptDSN not propagated: %+v", backend.entry.RcptDSN)
	}
	if string(backend.body) != "body" {
		t.Errorf("body = %q", backend.body)
	}
}

func TestBackoffIsBoundedExponential(t *testing.T) {
	sp := New(&fakeBackend{})
	sp.BaseBackoff = time.Minute
	sp.MaxBackoff = time.Hour

	if got := sp.Backoff(0); got != time.Minute {
		t.Errorf("Backoff(0) = %v, want %v", got, time.Minute)
	}
	if got := sp.Backoff(1); got != 2*time.Minute {
		t.Errorf("Backoff(1) = %v, want %v", got, 2*time.Minute)
	}
	if got := sp.Backoff(10); got != time.Hour {
		t.Errorf("Backoff(10) = %v, want capped at %v", got, time.Hour)
	}
}

func TestMaxRetriesReached(t *testing.T) {
	sp := New(&fakeBackend{})
	sp.MaxRetries = 5
	if sp.MaxRetriesReached(5) {
		t.Error("5 attempts should not yet exceed a limit of 5")
	}
	if !sp.MaxRetriesReached(6) {
		t.Error("6 attempts should exceed a limit of 5")
	}
}
