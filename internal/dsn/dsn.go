// Package dsn synthesizes RFC 3464 delivery status notifications for
// permanently-failed recipients and re-enqueues them as new spool
// entries with an empty reverse-path, per spec.md §4.9. It generalizes
// chasquid's internal/queue.deliveryStatusNotification (a text/template
// filled in from a *queue.Item) into a typed MIME builder on top of
// emersion/go-message's textproto package, following the same
// human-readable-part + message/delivery-status + original-message
// three-part layout maddy's internal/dsn.GenerateDSN uses.
package dsn

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"time"

	"github.com/emersion/go-message/textproto"
	"github.com/google/uuid"

	"github.com/mailcore/engine/internal/session"
	"github.com/mailcore/engine/internal/spool"
)

const defaultMaxOrigMsgLen = 256 * 1024

// Synthesizer builds DSNs for failed spool entries and hands them back
// to Spool as new entries, implementing worker.DSNEnqueuer.
type Synthesizer struct {
	// Hostname names this MTA in Reporting-MTA, From, and X-Loop.
	Hostname string
	Spool    *spool.Spool

	// MaxOrigMsgLen caps how much of the original message is quoted
	// when RET=FULL. Default 256 KiB, matching chasquid's
	// maxOrigMsgLen.
	MaxOrigMsgLen int
}

func (s *Synthesizer) maxOrigMsgLen() int {
	if s.MaxOrigMsgLen <= 0 {
		return defaultMaxOrigMsgLen
	}
	return s.MaxOrigMsgLen
}

// EnqueueFailure synthesizes a DSN for entry's permanently-failed
// recipients (reasons) and enqueues it as a new spool entry addressed to
// entry.From, per spec.md §4.9's closing rule. It is a no-op when
// entry.From is empty or "<>" (nothing to bounce to), when reasons is
// empty, or when loop prevention suppresses generation.
func (s *Synthesizer) EnqueueFailure(ctx context.Context, entry *spool.SpoolEntry, body []byte, reasons map[string]string) error {
	if entry.From == "" || entry.From == "<>" || len(reasons) == 0 {
		return nil
	}

	origHeader, err := readHeader(body)
	if err != nil {
		// An unparseable original message still gets a DSN: we just
		// can't run loop prevention against headers we couldn't read,
		// so we fall through with a zero-value header (no loop rule
		// will match an empty header).
		origHeader = textproto.Header{}
	}
	if shouldSuppress(origHeader, s.Hostname) {
		return nil
	}

	msg, err := s.build(entry, reasons, origHeader, body)
	if err != nil {
		return fmt.Errorf("dsn: building notification: %w", err)
	}

	_, err = s.Spool.Put(nil, "", []string{entry.From}, msg, session.PutOptions{})
	return err
}

func readHeader(body []byte) (textproto.Header, error) {
	return textproto.ReadHeader(bufio.NewReader(bytes.NewReader(body)))
}

func (s *Synthesizer) build(entry *spool.SpoolEntry, reasons map[string]string, origHeader textproto.Header, origBody []byte) ([]byte, error) {
	buf := &bytes.Buffer{}

	hostname := s.Hostname
	if hostname == "" {
		hostname = "localhost"
	}
	messageID := "dsn-" + uuid.NewString() + "@" + hostname

	reportHeader := textproto.Header{}
	reportHeader.Add("From", "MAILER-DAEMON@"+hostname)
	reportHeader.Add("To", entry.From)
	reportHeader.Add("Subject", "Mail delivery failed: returning message to sender")
	reportHeader.Add("Date", time.Now().Format(time.RFC1123Z))
	reportHeader.Add("Message-Id", "<"+messageID+">")
	reportHeader.Add("Auto-Submitted", "auto-replied")
	reportHeader.Add("X-Loop", hostname)
	reportHeader.Add("MIME-Version", "1.0")

	w := textproto.NewMultipartWriter(buf)
	reportHeader.Add("Content-Type", "multipart/report; report-type=delivery-status; boundary="+w.Boundary())

	if err := textproto.WriteHeader(buf, reportHeader); err != nil {
		return nil, err
	}

	if err := writeHumanPart(w, hostname, reasons); err != nil {
		return nil, err
	}
	if err := writeStatusPart(w, hostname, entry, reasons); err != nil {
		return nil, err
	}
	if err := writeOriginalPart(w, entry, origHeader, origBody, s.maxOrigMsgLen()); err != nil {
		return nil, err
	}
	if err := w.Close(); err != nil {
		return nil, err
	}

	return buf.Bytes(), nil
}

func writeHumanPart(w *textproto.MultipartWriter, hostname string, reasons map[string]string) error {
	h := textproto.Header{}
	h.Add("Content-Type", `text/plain; charset="utf-8"`)
	h.Add("Content-Disposition", "inline")
	h.Add("Content-Description", "Notification")
	h.Add("Content-Transfer-Encoding", "8bit")

	pw, err := w.CreatePart(h)
	if err != nil {
		return err
	}

	fmt.Fprintf(pw, "This is the mail delivery system at %s.\n\n", hostname)
	fmt.Fprintf(pw, "Delivery of your message to the following recipient(s) failed permanently:\n\n")
	for addr, reason := range reasons {
		fmt.Fprintf(pw, "  - %s: %s\n", addr, reason)
	}
	return nil
}

func writeStatusPart(w *textproto.MultipartWriter, hostname string, entry *spool.SpoolEntry, reasons map[string]string) error {
	h := textproto.Header{}
	h.Add("Content-Type", "message/delivery-status")
	h.Add("Content-Description", "Delivery Report")
	h.Add("Content-Transfer-Encoding", "8bit")

	pw, err := w.CreatePart(h)
	if err != nil {
		return err
	}

	fmt.Fprintf(pw, "Reporting-MTA: dns; %s\n\n", hostname)
	for addr, reason := range reasons {
		fmt.Fprintf(pw, "Final-Recipient: rfc822; %s\n", addr)
		if orcpt := entry.RcptDSN[addr].ORcpt; orcpt != "" {
			fmt.Fprintf(pw, "Original-Recipient: %s\n", orcpt)
		}
		fmt.Fprintf(pw, "Action: failed\n")
		fmt.Fprintf(pw, "Status: %s\n", EnhancedStatus(reason))
		fmt.Fprintf(pw, "Diagnostic-Code: smtp; %s\n\n", reason)
	}
	return nil
}

func writeOriginalPart(w *textproto.MultipartWriter, entry *spool.SpoolEntry, origHeader textproto.Header, origBody []byte, maxLen int) error {
	full := entry.Ret == "" || entry.Ret == "FULL"

	h := textproto.Header{}
	if full {
		h.Add("Content-Type", "message/rfc822")
	} else {
		h.Add("Content-Type", "text/rfc822-headers")
	}
	h.Add("Content-Description", "Undelivered Message")
	h.Add("Content-Transfer-Encoding", "8bit")

	pw, err := w.CreatePart(h)
	if err != nil {
		return err
	}

	if !full {
		return textproto.WriteHeader(pw, origHeader)
	}

	if len(origBody) > maxLen {
		origBody = origBody[:maxLen]
	}
	_, err = pw.Write(origBody)
	return err
}
