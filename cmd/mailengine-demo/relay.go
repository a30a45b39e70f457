package main

import (
	"context"
	"fmt"
	"net"
	"net/smtp"
	"net/textproto"
	"time"

	"github.com/mailcore/engine/internal/address"
	"github.com/mailcore/engine/internal/codederror"
	"github.com/mailcore/engine/internal/delivery"
)

// smtpRelay is an example delivery.MailRelay: it looks up the
// recipient domain's MX records and attempts outgoing SMTP against
// each in order, mirroring albertito-chasquid/internal/courier/smtp.go's
// Deliver (MX lookup, try each MX, first success wins, all-transient
// falls through to retry) adapted onto net/smtp instead of a
// hand-rolled protocol client — jordan-wright/email's Pool takes the
// same net/smtp-backed approach for its own outgoing deliveries.
type smtpRelay struct {
	HelloDomain string
	DialTimeout time.Duration
}

func newSMTPRelay(helloDomain string) *smtpRelay {
	return &smtpRelay{HelloDomain: helloDomain, DialTimeout: 30 * time.Second}
}

func (r *smtpRelay) Deliver(_ context.Context, req delivery.RelayRequest) error {
	domain := address.DomainOf(req.To)

	mxs, err := lookupMXs(domain)
	if err != nil || len(mxs) == 0 {
		return codederror.Perm(550, "5.1.2", fmt.Sprintf("no mail server for %q: %v", domain, err))
	}

	var lastErr error
	for _, mx := range mxs {
		err := r.deliverTo(mx, req)
		if err == nil {
			return nil
		}
		if ce, ok := err.(*codederror.Error); ok && ce.Permanent {
			return ce
		}
		lastErr = err
	}
	return codederror.Transient(451, "4.4.1", fmt.Sprintf("all MXs for %q failed, last: %v", domain, lastErr))
}

func (r *smtpRelay) deliverTo(mx string, req delivery.RelayRequest) error {
	conn, err := net.DialTimeout("tcp", mx+":25", r.dialTimeout())
	if err != nil {
		return codederror.Transient(451, "4.4.1", fmt.Sprintf("dialing %s: %v", mx, err))
	}
	defer conn.Close()
	conn.SetDeadline(time.Now().Add(r.dialTimeout()))

	c, err := smtp.NewClient(conn, mx)
	if err != nil {
		return codederror.Transient(451, "4.4.1", fmt.Sprintf("SMTP handshake with %s: %v", mx, err))
	}
	defer c.Close()

	if err := c.Hello(r.HelloDomain); err != nil {
		return classifySMTPErr(err)
	}
	if ok, _ := c.Extension("STARTTLS"); ok {
		if err := c.StartTLS(nil); err != nil {
			return codederror.Transient(454, "4.7.0", fmt.Sprintf("STARTTLS with %s: %v", mx, err))
		}
	}

	from := req.From
	if from == "<>" {
		from = ""
	}
	if err := c.Mail(from); err != nil {
		return classifySMTPErr(err)
	}
	if err := c.Rcpt(req.To); err != nil {
		return classifySMTPErr(err)
	}

	w, err := c.Data()
	if err != nil {
		return classifySMTPErr(err)
	}
	if _, err := w.Write(req.Data); err != nil {
		return codederror.Transient(451, "4.4.2", fmt.Sprintf("writing DATA to %s: %v", mx, err))
	}
	if err := w.Close(); err != nil {
		return classifySMTPErr(err)
	}
	return c.Quit()
}

func (r *smtpRelay) dialTimeout() time.Duration {
	if r.DialTimeout <= 0 {
		return 30 * time.Second
	}
	return r.DialTimeout
}

func classifySMTPErr(err error) error {
	if te, ok := err.(*textproto.Error); ok {
		if te.Code >= 500 {
			return codederror.Perm(te.Code, "5.0.0", te.Msg)
		}
		return codederror.Transient(te.Code, "4.0.0", te.Msg)
	}
	return codederror.Transient(451, "4.4.0", err.Error())
}

func lookupMXs(domain string) ([]string, error) {
	mxs, err := net.LookupMX(domain)
	if err != nil {
		if addrs, aerr := net.LookupHost(domain); aerr == nil && len(addrs) > 0 {
			return []string{domain}, nil
		}
		return nil, err
	}
	out := make([]string, len(mxs))
	for i, mx := range mxs {
		out[i] = mx.Host
	}
	return out, nil
}
