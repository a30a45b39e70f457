package session

import (
	"bufio"
	"bytes"
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"net/mail"
	"strings"
	"time"

	"github.com/mailcore/engine/internal/address"
	"github.com/mailcore/engine/internal/auth"
	"github.com/mailcore/engine/internal/codederror"
	"github.com/mailcore/engine/internal/framer"
	"github.com/mailcore/engine/internal/hooks"
	"github.com/mailcore/engine/internal/maillog"
	"github.com/mailcore/engine/internal/ratelimit"
	"github.com/mailcore/engine/internal/tlsoverlay"
)

// errDataTooBig is returned internally by readDotBody when the
// dot-terminated body would exceed the configured size limit; the DATA
// handler still drains the rest of the transfer so subsequent bytes
// aren't misread as commands.
var errDataTooBig = errors.New("session: message too big")

// handleHELO implements the plain HELO verb: it only records the claimed
// domain, it never triggers ESMTP extensions.
func (s *Session) handleHELO(params string) (int, string) {
	if strings.TrimSpace(params) == "" {
		return 501, "5.5.4 Syntax: HELO domain"
	}
	s.HeloDomain = strings.Fields(params)[0]
	s.IsESMTP = false
	s.Greeted = true
	s.Envelope.reset()
	s.postSTARTTLSRegreet = false
	return 250, fmt.Sprintf("2.0.0 %s", s.cfg.Hostname)
}

// handleEHLO advertises the extensions this session actually offers,
// gated on configuration and current TLS state exactly as spec.md §4.4
// requires (no STARTTLS line once TLS is already active, no AUTH line
// before it is).
func (s *Session) handleEHLO(params string) (int, string) {
	if strings.TrimSpace(params) == "" {
		return 501, "5.5.4 Syntax: EHLO domain"
	}
	s.HeloDomain = strings.Fields(params)[0]
	s.IsESMTP = true
	s.Greeted = true
	s.Envelope.reset()
	s.postSTARTTLSRegreet = false

	lines := []string{
		fmt.Sprintf("%s", s.cfg.Hostname),
		"8BITMIME",
		"PIPELINING",
		"SMTPUTF8",
		"ENHANCEDSTATUSCODES",
		fmt.Sprintf("SIZE %d", s.cfg.maxDataSize()),
		"CHUNKING",
		"BINARYMIME",
		"DSN",
	}
	if s.overlay.Configured() && !s.overlay.Active() && s.cfg.EnableStartTLS {
		lines = append(lines, "STARTTLS")
	}
	if s.cfg.EnableAuth && s.overlay.Active() {
		lines = append(lines, "AUTH "+strings.Join(auth.Mechanisms(), " "))
	}
	if s.cfg.EnableETRN {
		lines = append(lines, "ETRN")
	}
	return 250, strings.Join(lines, "\n")
}

// handleRSET aborts the current transaction, preserving HELO/EHLO state
// and authentication.
func (s *Session) handleRSET() (int, string) {
	if s.cfg.Processor != nil && s.Envelope.MailFrom != "" {
		s.cfg.Processor.Done(s.tr, s)
	}
	s.Envelope.reset()
	s.bdatInProgress = false
	return 250, "2.0.0 Ok"
}

// handleVRFY is intentionally conservative: spec.md §4.4 treats local
// recipient existence as privileged information, so VRFY is refused
// unless an embedder explicitly supplies a UserHandler.
func (s *Session) handleVRFY(ctx context.Context, params string) (int, string) {
	if !s.cfg.EnableVRFY || s.cfg.UserHandler == nil {
		return 502, "5.5.1 VRFY not supported"
	}
	matches, err := s.cfg.UserHandler.Verify(ctx, strings.TrimSpace(params))
	if err != nil {
		return 451, "4.3.0 Temporary error verifying address"
	}
	switch len(matches) {
	case 0:
		return 550, "5.1.1 User unknown"
	case 1:
		return 250, "2.1.5 " + matches[0]
	default:
		return 553, "5.1.4 Ambiguous, multiple matches"
	}
}

// handleEXPN expands a mailing list name, if configured.
func (s *Session) handleEXPN(ctx context.Context, params string) (int, string) {
	if !s.cfg.EnableEXPN || s.cfg.MailingListHandler == nil {
		return 502, "5.5.1 EXPN not supported"
	}
	members, err := s.cfg.MailingListHandler.Expand(ctx, strings.TrimSpace(params))
	if err != nil || len(members) == 0 {
		return 550, "5.1.1 No such list"
	}
	return 250, strings.Join(members, "\n")
}

// handleETRN asks a RunOnce-capable spooler/worker to retry a domain
// immediately, rather than waiting for its normal backoff tick.
func (s *Session) handleETRN(params string) (int, string) {
	if !s.cfg.EnableETRN {
		return 502, "5.5.1 ETRN not supported"
	}
	runner, ok := s.cfg.Processor.(interface {
		TriggerRetry(domain string)
	})
	if !ok {
		return 458, "4.5.1 Unable to queue messages for node"
	}
	runner.TriggerRetry(strings.TrimSpace(params))
	return 250, "2.0.0 Queuing for node started"
}

// handleMAIL implements MAIL FROM:<addr> [params...]. Address validation
// and rejection mirror chasquid's Conn.MAIL, generalized to also allow an
// embedder to require AUTH for submission-style listeners.
func (s *Session) handleMAIL(params string) (int, string) {
	if !strings.HasPrefix(strings.ToLower(params), "from:") {
		return 500, "5.5.2 Unknown command"
	}
	if s.cfg.RequireAuthForMail && !s.Auth.Authenticated {
		return 550, "5.7.9 Mail requires authentication"
	}

	s.Envelope.reset()

	rest := strings.TrimSpace(params[len("from:"):])
	rawAddr, mailParams := splitAddrAndParams(rest)

	addr := ""
	if strings.ReplaceAll(rawAddr, " ", "") == "<>" {
		addr = "<>"
	} else {
		e, err := mail.ParseAddress(rawAddr)
		if err != nil || e.Address == "" {
			return 501, "5.1.7 Sender address malformed"
		}
		addr = e.Address
		if !strings.Contains(addr, "@") {
			return 501, "5.1.8 Sender address must contain a domain"
		}
		if len(addr) > 256 {
			return 501, "5.1.7 Sender address too long"
		}
		addr, err = address.Addr(addr)
		if err != nil {
			logRejected(s.Peer.Addr, addr, nil, fmt.Sprintf("malformed address: %v", err))
			return 501, "5.1.8 Malformed sender domain (IDNA conversion failed)"
		}
	}

	if mp, err := parseMailParams(mailParams); err != nil {
		return errAsCoded(err)
	} else {
		s.Envelope.Params = mp
		if mp.Size > s.cfg.maxDataSize() {
			return 552, "5.3.4 Message too big"
		}
	}

	if s.cfg.Processor != nil {
		if err := s.cfg.Processor.From(s.tr, s, addr); err != nil {
			return errAsCoded(err)
		}
	}

	s.Envelope.MailFrom = addr
	return 250, "2.1.5 Ok"
}

// handleRCPT implements RCPT TO:<addr> [params...], including the
// local-recipient-existence and relay-allowed checks from spec.md §4.4.
func (s *Session) handleRCPT(params string) (int, string) {
	if !strings.HasPrefix(strings.ToLower(params), "to:") {
		return 500, "5.5.2 Unknown command"
	}
	if s.Envelope.MailFrom == "" {
		return 503, "5.5.1 Sender not yet given"
	}
	if len(s.Envelope.RcptTo) >= s.cfg.maxRecipients() {
		return 452, "4.5.3 Too many recipients"
	}

	rest := strings.TrimSpace(params[len("to:"):])
	rawAddr, rcptParams := splitAddrAndParams(rest)

	rawAddr, err := stripSourceRoute(rawAddr)
	if err != nil {
		return 501, "5.1.3 Malformed source route"
	}

	e, err := mail.ParseAddress(rawAddr)
	if err != nil || e.Address == "" {
		return 501, "5.1.3 Malformed destination address"
	}
	addr := e.Address
	if len(addr) > 256 {
		return 501, "5.1.3 Destination address too long"
	}

	local := s.cfg.Routing != nil && s.cfg.Routing.IsLocal(address.DomainOf(addr))
	if !local && !s.Auth.Authenticated {
		logRejected(s.Peer.Addr, s.Envelope.MailFrom, []string{addr}, "relay not allowed")
		return 503, "5.7.1 Relay not allowed"
	}

	if local {
		norm, err := address.Addr(addr)
		if err != nil {
			logRejected(s.Peer.Addr, s.Envelope.MailFrom, []string{addr}, fmt.Sprintf("invalid address: %v", err))
			return 550, "5.1.3 Destination address is invalid"
		}
		addr = norm

		if s.cfg.UserHandler != nil {
			matches, err := s.cfg.UserHandler.Verify(context.Background(), addr)
			if err != nil {
				s.tr.Errorf("error checking if %q exists: %v", addr, err)
				logRejected(s.Peer.Addr, s.Envelope.MailFrom, []string{addr}, "error checking if user exists")
				return 451, "4.4.3 Temporary error checking address"
			}
			if len(matches) == 0 {
				logRejected(s.Peer.Addr, s.Envelope.MailFrom, []string{addr}, "local user does not exist")
				return 550, "5.1.1 Destination address is unknown"
			}
		}
	}

	dsn, err := parseRcptParams(rcptParams)
	if err != nil {
		return errAsCoded(err)
	}
	if s.cfg.Processor != nil {
		if err := s.cfg.Processor.To(s.tr, s, addr); err != nil {
			return errAsCoded(err)
		}
	}
	s.Envelope.RcptDSN[addr] = dsn
	s.Envelope.RcptTo = append(s.Envelope.RcptTo, addr)
	return 250, "2.1.5 Ok"
}

// handleDATA implements the classic (non-BDAT) body transfer: a 354
// intermediate reply, then a dot-terminated body read bounded by
// maxDataSize, the same invariant chasquid's Conn.DATA enforces via a
// LimitReader ahead of its DotReader.
func (s *Session) handleDATA(ctx context.Context) (int, string) {
	if s.HeloDomain == "" {
		return 503, "5.5.1 Say HELO/EHLO first"
	}
	if s.Envelope.MailFrom == "" {
		return 503, "5.5.1 Sender not yet given"
	}
	if len(s.Envelope.RcptTo) == 0 {
		return 503, "5.5.1 Need an address to send to"
	}
	if s.Envelope.Params.Body == "BINARYMIME" {
		return 503, "5.5.1 BINARYMIME requires BDAT, not DATA"
	}

	if err := s.writeResponse(354, "Start mail input; end with <CRLF>.<CRLF>"); err != nil {
		return 0, ""
	}

	body, err := readDotBody(s.framer, s.effectiveMaxSize())
	if err != nil {
		if err == errDataTooBig {
			return 552, "5.3.4 Message too big"
		}
		return 554, fmt.Sprintf("5.4.0 Error reading DATA: %v", err)
	}

	body = s.addReceivedHeader(body)

	return s.finishTransaction(ctx, body)
}

// effectiveMaxSize returns the tighter of the server-wide max and the
// client's declared MAIL FROM SIZE= parameter, so a client that declares
// a small SIZE can't use up to the server max instead (spec.md §8).
func (s *Session) effectiveMaxSize() int64 {
	max := s.cfg.maxDataSize()
	if d := s.Envelope.Params.Size; d > 0 && d < max {
		return d
	}
	return max
}

// readDotBody reads a classic dot-terminated body off f, un-stuffing
// leading dots per RFC 5321 §4.5.2, bounded by maxSize. Grounded on
// chasquid's use of textproto.DotReader, re-expressed directly against
// the framer's line interface since the framer owns the only buffered
// reader over the connection.
func readDotBody(f *framer.Framer, maxSize int64) ([]byte, error) {
	var buf bytes.Buffer
	for {
		fr, err := f.ReadLine()
		if err != nil {
			return nil, err
		}
		line := fr.Line
		if line == "." {
			return buf.Bytes(), nil
		}
		if strings.HasPrefix(line, ".") {
			line = line[1:]
		}
		buf.WriteString(line)
		buf.WriteString("\r\n")
		if int64(buf.Len()) > maxSize {
			drainUntilDot(f)
			return nil, errDataTooBig
		}
	}
}

// drainUntilDot consumes lines until the terminating "." so the
// connection stays in a consistent state after a too-big rejection.
func drainUntilDot(f *framer.Framer) {
	for {
		fr, err := f.ReadLine()
		if err != nil || fr.Line == "." {
			return
		}
	}
}

// addReceivedHeader prepends a Received header, generalizing chasquid's
// Conn.addReceivedHeader to the session's own peer/TLS/auth state.
func (s *Session) addReceivedHeader(body []byte) []byte {
	with := "SMTP"
	if s.IsESMTP {
		with = "ESMTP"
	}
	if s.overlay.Active() {
		with += "S"
	}
	if s.Auth.Authenticated {
		with += "A"
	}

	line := fmt.Sprintf("Received: from %s (%s)\r\n\tby %s (%s) with %s;\r\n\t%s\r\n",
		s.HeloDomain, s.Peer.Addr, s.cfg.Hostname, s.serviceName(), with,
		time.Now().Format(time.RFC1123Z))

	return append([]byte(line), body...)
}

// handleBDAT implements RFC 3030 CHUNKING, absent from chasquid entirely;
// grounded on the reference BDAT handler found alongside the other
// example servers: read the declared chunk size exactly, accumulate it,
// and on the LAST chunk hand the assembled body to the same transaction
// path DATA uses.
func (s *Session) handleBDAT(ctx context.Context, params string) (int, string) {
	if s.HeloDomain == "" {
		return 503, "5.5.1 Say HELO/EHLO first"
	}
	if s.Envelope.MailFrom == "" || len(s.Envelope.RcptTo) == 0 {
		return 503, "5.5.1 MAIL/RCPT required before BDAT"
	}

	fields := strings.Fields(params)
	if len(fields) == 0 {
		return 501, "5.5.4 Syntax: BDAT size [LAST]"
	}
	var size int64
	if _, err := fmt.Sscanf(fields[0], "%d", &size); err != nil {
		return 501, "5.5.4 Malformed BDAT size"
	}
	last := len(fields) == 2 && strings.EqualFold(fields[1], "LAST")

	if s.cfg.MaxChunkSize > 0 && size > s.cfg.MaxChunkSize {
		return 552, "5.3.4 Chunk too big"
	}
	if s.Envelope.ReceivedBytes+size > s.effectiveMaxSize() {
		return 552, "5.3.4 Message too big"
	}

	frame, err := s.framer.ReadBytes(int(size))
	if err != nil {
		return 554, fmt.Sprintf("5.4.0 Error reading BDAT chunk: %v", err)
	}
	s.Envelope.bdatBuffer = append(s.Envelope.bdatBuffer, frame.Bytes...)
	s.Envelope.ReceivedBytes += size
	s.bdatInProgress = !last

	if !last {
		return 250, fmt.Sprintf("2.0.0 %d bytes received so far", s.Envelope.ReceivedBytes)
	}

	body := s.addReceivedHeader(s.Envelope.bdatBuffer)
	return s.finishTransaction(ctx, body)
}

// finishTransaction hands an assembled body to the configured Processor
// and resets the envelope on every exit path, matching chasquid's
// "reset before returning, so clients can send another message right
// away" invariant.
func (s *Session) finishTransaction(ctx context.Context, body []byte) (int, string) {
	defer s.Envelope.reset()
	defer func() { s.bdatInProgress = false }()

	if s.cfg.Processor == nil {
		return 451, "4.3.0 No processor configured"
	}
	defer s.cfg.Processor.Done(s.tr, s)

	info := hooks.MessageInfo{
		RemoteAddr: s.Peer.Addr.String(),
		From:       s.Envelope.MailFrom,
		To:         append([]string(nil), s.Envelope.RcptTo...),
		Size:       int64(len(body)),
	}

	err := s.cfg.Processor.Data(s.tr, s, bytes.NewReader(body), int64(len(body)))
	if err != nil {
		logRejected(s.Peer.Addr, s.Envelope.MailFrom, s.Envelope.RcptTo, err.Error())
		if s.cfg.Hooks != nil {
			s.cfg.Hooks.MessageRejected(info, err)
		}
		return errAsCoded(err)
	}

	if s.cfg.Hooks != nil {
		s.cfg.Hooks.MessageAccepted(info)
	}
	return 250, "2.0.0 Ok: queued"
}

// handleSTARTTLS upgrades the connection in place, rejecting a pipelined
// command per spec.md §4.2's guard and requiring a fresh EHLO/HELO
// afterward.
func (s *Session) handleSTARTTLS(params string) (int, string) {
	if !s.cfg.EnableStartTLS || !s.overlay.Configured() {
		return 502, "5.5.1 STARTTLS not supported"
	}
	if s.overlay.Active() {
		return 503, "5.5.1 TLS already active"
	}
	if strings.TrimSpace(params) != "" {
		return 501, "5.5.4 STARTTLS takes no parameters"
	}
	if s.framer.Buffered() > 0 {
		// Client pipelined bytes past STARTTLS: refuse and force the
		// connection closed rather than risk plaintext being replayed as
		// if it arrived post-handshake.
		s.forceClose = true
		s.endReason = EndProtocolError
		return 501, "5.5.1 Pipelining not allowed with STARTTLS"
	}

	if err := s.writeResponse(220, "2.0.0 Ready to start TLS"); err != nil {
		return 0, ""
	}

	tconn, treader, err := s.overlay.Upgrade(s.conn, s.framer)
	if err != nil {
		if err == tlsoverlay.ErrPipelined {
			s.forceClose = true
			s.endReason = EndProtocolError
			return 0, ""
		}
		return 554, fmt.Sprintf("5.5.0 Error in TLS handshake: %v", err)
	}

	s.conn = tconn
	s.framer = framer.New(treader)
	s.writer = bufio.NewWriter(tconn)

	s.Envelope.reset()
	s.postSTARTTLSRegreet = true
	if name := s.overlay.ServerNameRequested(); name != "" {
		s.cfg.Hostname = name
	}
	return 0, ""
}

// handleAUTH drives a go-sasl server through its challenge/response
// rounds, exactly mirroring chasquid's inline AUTH handler but via the
// library-backed auth.CreateServer instead of a single-shot manual
// decode, so LOGIN's legacy two-prompt flow and PLAIN's one-shot flow
// share the same driver loop.
func (s *Session) handleAUTH(params string) (int, string) {
	if !s.cfg.EnableAuth {
		return 502, "5.5.1 AUTH not supported"
	}
	if !s.overlay.Active() {
		return 503, "5.7.10 AUTH requires TLS"
	}
	if s.Auth.Authenticated {
		return 503, "5.5.1 Already authenticated"
	}
	if wait := time.Until(s.Auth.LockedUntil); wait > 0 {
		return 454, fmt.Sprintf("4.7.0 Too many failed attempts, retry in %s", wait.Round(1e9))
	}

	ip := s.ipString()
	key := ratelimit.Key(ip, "")
	if s.cfg.AuthLimiter != nil {
		locked, remaining, _ := s.cfg.AuthLimiter.CheckLock(context.Background(), key)
		if locked {
			return 454, fmt.Sprintf("4.7.0 Too many failed attempts, retry in %s", remaining.Round(1e9))
		}
	}

	sp := strings.SplitN(params, " ", 2)
	if len(sp) < 1 || sp[0] == "" {
		return 501, "5.5.4 Syntax: AUTH mechanism"
	}
	mech := strings.ToUpper(sp[0])

	var gotUser, gotDomain string
	srv := auth.CreateServer(s.cfg.Authr, mech, s.Peer.Addr, func(user, domain string) error {
		gotUser, gotDomain = user, domain
		return nil
	})

	var initial []byte
	if len(sp) == 2 {
		decoded, err := base64.StdEncoding.DecodeString(sp[1])
		if err != nil {
			return 501, "5.5.2 Invalid base64"
		}
		initial = decoded
	}

	challenge, done, err := srv.Next(initial)
	for !done && err == nil {
		if werr := s.writeResponse(334, base64.StdEncoding.EncodeToString(challenge)); werr != nil {
			return 0, ""
		}
		line, rerr := s.framer.ReadLine()
		if rerr != nil {
			return 554, fmt.Sprintf("5.4.0 Error reading AUTH response: %v", rerr)
		}
		if line.Line == "*" {
			return 501, "5.0.0 Authentication cancelled"
		}
		resp, derr := base64.StdEncoding.DecodeString(line.Line)
		if derr != nil {
			return 501, "5.5.2 Invalid base64"
		}
		challenge, done, err = srv.Next(resp)
	}

	if err != nil {
		maillog.Auth(s.Peer.Addr, mech, false)
		delay := s.recordAuthFailure(key)
		s.Auth.FailureCount++
		if delay > 0 {
			s.Auth.LockedUntil = time.Now().Add(delay)
			return 535, fmt.Sprintf("5.7.8 Incorrect credentials; locked for %s", delay.Round(1e9))
		}
		return 535, "5.7.8 Incorrect user or password"
	}

	if s.cfg.AuthLimiter != nil {
		s.cfg.AuthLimiter.Clear(context.Background(), key)
	}
	s.Auth.Authenticated = true
	s.Auth.User = gotUser
	s.Auth.Domain = gotDomain
	maillog.Auth(s.Peer.Addr, gotUser+"@"+gotDomain, true)
	return 235, "2.7.0 Authentication successful"
}

func (s *Session) recordAuthFailure(key string) time.Duration {
	if s.cfg.AuthLimiter == nil {
		return 0
	}
	delay, _ := s.cfg.AuthLimiter.RecordFailure(context.Background(), key)
	return delay
}

// splitAddrAndParams splits "<addr> K=V K=V..." into the bracketed
// address and a parsed parameter map, as used by both MAIL and RCPT.
func splitAddrAndParams(rest string) (addr string, params map[string]string) {
	params = map[string]string{}
	fields := strings.Fields(rest)
	if len(fields) == 0 {
		return "", params
	}
	addr = fields[0]
	for _, f := range fields[1:] {
		kv := strings.SplitN(f, "=", 2)
		if len(kv) == 2 {
			params[strings.ToUpper(kv[0])] = kv[1]
		}
	}
	return addr, params
}

// parseMailParams validates every MAIL FROM parameter, generalizing
// chasquid's permissive pass-through into spec.md §4.4's "unknown param
// → 555" plus per-field validation.
func parseMailParams(params map[string]string) (MailParams, error) {
	mp := MailParams{}
	for k, v := range params {
		switch k {
		case "SIZE":
			var size int64
			if _, err := fmt.Sscanf(v, "%d", &size); err != nil || size < 0 {
				return mp, codederror.Perm(501, "5.5.4", "malformed SIZE parameter")
			}
			mp.Size = size
		case "BODY":
			switch strings.ToUpper(v) {
			case "7BIT", "8BITMIME", "BINARYMIME":
				mp.Body = strings.ToUpper(v)
			default:
				return mp, codederror.Perm(501, "5.5.4", "invalid BODY parameter")
			}
		case "SMTPUTF8":
			mp.SMTPUTF8 = true
		case "RET":
			switch strings.ToUpper(v) {
			case "FULL", "HDRS":
				mp.Ret = strings.ToUpper(v)
			default:
				return mp, codederror.Perm(501, "5.5.4", "invalid RET parameter")
			}
		case "ENVID":
			if !validEnvid(v) {
				return mp, codederror.Perm(501, "5.5.4", "invalid ENVID parameter")
			}
			mp.Envid = v
		default:
			return mp, codederror.Perm(555, "5.5.4", "Unknown MAIL parameter: "+k)
		}
	}
	return mp, nil
}

// parseRcptParams validates RCPT TO's NOTIFY/ORCPT parameters the same
// way parseMailParams validates MAIL FROM's.
func parseRcptParams(params map[string]string) (RecipientDSN, error) {
	dsn := RecipientDSN{}
	for k, v := range params {
		switch k {
		case "NOTIFY":
			for _, tok := range strings.Split(v, ",") {
				tok = strings.ToUpper(strings.TrimSpace(tok))
				switch tok {
				case "SUCCESS", "FAILURE", "DELAY", "NEVER":
				default:
					return dsn, codederror.Perm(501, "5.5.4", "invalid NOTIFY parameter")
				}
				dsn.Notify = append(dsn.Notify, tok)
			}
		case "ORCPT":
			kv := strings.SplitN(v, ";", 2)
			if len(kv) != 2 || !strings.EqualFold(kv[0], "rfc822") || kv[1] == "" {
				return dsn, codederror.Perm(501, "5.5.4", "invalid ORCPT parameter")
			}
			dsn.ORcpt = v
		default:
			return dsn, codederror.Perm(555, "5.5.4", "Unknown RCPT parameter: "+k)
		}
	}
	return dsn, nil
}

// validEnvid reports whether v is an acceptable ENVID value per RFC 3461:
// up to 100 printable ASCII (xtext) characters.
func validEnvid(v string) bool {
	if v == "" || len(v) > 100 {
		return false
	}
	for _, ch := range v {
		if ch < 0x21 || ch > 0x7E {
			return false
		}
	}
	return true
}

// stripSourceRoute removes a legacy RFC 5321 source-route prefix
// ("@host,@host:") from a bracketed RCPT TO address, validating each
// host token along the way, and returns the address with the route
// prefix stripped but brackets intact. An address with no route prefix
// is returned unchanged.
func stripSourceRoute(raw string) (string, error) {
	trimmed := strings.TrimSuffix(strings.TrimPrefix(raw, "<"), ">")
	if !strings.HasPrefix(trimmed, "@") {
		return raw, nil
	}
	idx := strings.Index(trimmed, ":")
	if idx < 0 {
		return "", fmt.Errorf("malformed source route")
	}
	route, rest := trimmed[:idx], trimmed[idx+1:]
	for _, hop := range strings.Split(route, ",") {
		hop = strings.TrimPrefix(strings.TrimSpace(hop), "@")
		if !address.ValidDomain(hop) {
			return "", fmt.Errorf("malformed source route host %q", hop)
		}
	}
	return "<" + rest + ">", nil
}
