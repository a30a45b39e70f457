package dsn

import (
	"bytes"
	"context"
	"testing"

	"github.com/mailcore/engine/internal/spool"
)

type recordingBackend struct {
	spool.Backend
	enqueued []*spool.SpoolEntry
	bodies   [][]byte
}

func (b *recordingBackend) Enqueue(entry *spool.SpoolEntry, body []byte) (string, error) {
	b.enqueued = append(b.enqueued, entry)
	b.bodies = append(b.bodies, body)
	return "dsn-1", nil
}

func TestEnqueueFailureSkipsEmptyReversePath(t *testing.T) {
	backend := &recordingBackend{}
	s := &Synthesizer{Hostname: "mx.example.org", Spool: spool.New(backend)}

	entry := &spool.SpoolEntry{From: "<>", To: []string{"a@example.com"}}
	if err := s.EnqueueFailure(context.Background(), entry, []byte("Subject: hi\r\n\r\nbody"), map[string]string{"a@example.com": "user unknown"}); err != nil {
		t.Fatalf("EnqueueFailure: %v", err)
	}
	if len(backend.enqueued) != 0 {
		t.Errorf("expected no DSN enqueued for empty reverse-path, got %d", len(backend.enqueued))
	}
}

func TestEnqueueFailureSuppressedByAutoSubmitted(t *testing.T) {
	backend := &recordingBackend{}
	s := &Synthesizer{Hostname: "mx.example.org", Spool: spool.New(backend)}

	entry := &spool.SpoolEntry{From: "sender@example.com", To: []string{"a@example.com"}}
	body := []byte("Auto-Submitted: auto-generated\r\nSubject: hi\r\n\r\nbody")
	if err := s.EnqueueFailure(context.Background(), entry, body, map[string]string{"a@example.com": "user unknown"}); err != nil {
		t.Fatalf("EnqueueFailure: %v", err)
	}
	if len(backend.enqueued) != 0 {
		t.Errorf("expected no DSN for Auto-Submitted original message, got %d", len(backend.enqueued))
	}
}

func TestEnqueueFailureBuildsMultipartReport(t *testing.T) {
	backend := &recordingBackend{}
	s := &Synthesizer{Hostname: "mx.example.org", Spool: spool.New(backend)}

	entry := &spool.SpoolEntry{
		From: "sender@example.com",
		To:   []string{"a@example.com"},
		RcptDSN: map[string]spool.RecipientDSN{
			"a@example.com": {ORcpt: "rfc822;orig@example.com"},
		},
	}
	body := []byte("Subject: hi\r\nMessage-Id: <orig@example.com>\r\n\r\nbody text\r\n")

	if err := s.EnqueueFailure(context.Background(), entry, body, map[string]string{"a@example.com": "550 5.1.1 user unknown"}); err != nil {
		t.Fatalf("EnqueueFailure: %v", err)
	}
	if len(backend.enqueued) != 1 {
		t.Fatalf("expected exactly one DSN enqueued, got %d", len(backend.enqueued))
	}

	got := backend.enqueued[0]
	if got.From != "" {
		t.Errorf("DSN From = %q, want empty reverse-path", got.From)
	}
	if len(got.To) != 1 || got.To[0] != "sender@example.com" {
		t.Errorf("DSN To = %v, want [sender@example.com]", got.To)
	}

	msg := backend.bodies[0]
	for _, want := range []string{
		"multipart/report; report-type=delivery-status",
		"Final-Recipient: rfc822; a@example.com",
		"Original-Recipient: rfc822;orig@example.com",
		"Status: 5.1.1",
		"Diagnostic-Code: smtp; 550 5.1.1 user unknown",
	} {
		if !bytes.Contains(msg, []byte(want)) {
			t.Errorf("DSN body missing %q\n---\n%s", want, msg)
		}
	}
}

func TestEnhancedStatus(t *testing.T) {
	cases := []struct {
		reason string
		want   string
	}{
		{"550 5.1.1 user unknown", "5.1.1"},
		{"550 no such user", "5.1.1"},
		{"552 mailbox full", "5.2.2"},
		{"553 bad address", "5.1.3"},
		{"554 transaction failed", "5.0.0"},
		{"451 try again later", "4.0.0"},
		{"null mx", "5.1.10"},
		{"something unrelated", "5.0.0"},
	}
	for _, tc := range cases {
		if got := EnhancedStatus(tc.reason); got != tc.want {
			t.Errorf("EnhancedStatus(%q) = %q, want %q", tc.reason, got, tc.want)
		}
	}
}

func TestShouldSuppressContentTypeDeliveryStatus(t *testing.T) {
	body := []byte("Content-Type: multipart/report; report-type=delivery-status; boundary=x\r\n\r\nbody")
	h, err := readHeader(body)
	if err != nil {
		t.Fatalf("readHeader: %v", err)
	}
	if !shouldSuppress(h, "mx.example.org") {
		t.Error("expected suppression for a delivery-status content-type")
	}
}
