package session

import (
	"bufio"
	"context"
	"fmt"
	"net"
	"strings"
	"time"

	"github.com/mailcore/engine/internal/codederror"
	"github.com/mailcore/engine/internal/framer"
	"github.com/mailcore/engine/internal/hooks"
	"github.com/mailcore/engine/internal/maillog"
	"github.com/mailcore/engine/internal/proxyproto"
	"github.com/mailcore/engine/internal/tlsoverlay"
	"github.com/mailcore/engine/internal/trace"
)

// Session holds per-connection state and orchestrates the framer, TLS
// overlay, and command dispatch. One Session exists per accepted
// connection; it is created after admission gates pass and destroyed on
// QUIT, timeout, protocol error, or shutdown.
type Session struct {
	cfg *Config

	conn    net.Conn
	writer  *bufio.Writer
	framer  *framer.Framer
	overlay *tlsoverlay.Overlay

	tr *trace.Trace

	Peer Peer

	Greeted    bool
	HeloDomain string
	IsESMTP    bool

	Auth AuthStatus

	Envelope Envelope

	bdatInProgress      bool
	postSTARTTLSRegreet bool

	quitRequested bool
	forceClose    bool
	endReason     EndReason
	errorCount    int

	deadline time.Time
}

// New creates a Session for an already-accepted connection. conn's TLS
// handling (implicit or not) is handled inside Serve, not here, so New
// itself does no I/O.
func New(cfg *Config, conn net.Conn) *Session {
	return &Session{
		cfg:      cfg,
		conn:     conn,
		overlay:  tlsoverlay.New(cfg.TLSConfig, cfg.TLSHandshakeTimeout),
		Peer:     Peer{Addr: conn.RemoteAddr()},
		deadline: time.Now().Add(cfg.commandTimeout()),
	}
}

// Close closes the underlying connection.
func (s *Session) Close() {
	s.conn.Close()
}

// Serve runs the session's admission sequence and then its command loop
// until QUIT, a protocol error, a timeout, or ctx is cancelled. It always
// closes the connection before returning.
func (s *Session) Serve(ctx context.Context) EndReason {
	defer s.Close()

	s.tr = trace.New("SMTP.Session", s.conn.RemoteAddr().String())
	defer s.tr.Finish()

	if s.cfg.Hooks != nil {
		s.cfg.Hooks.SessionStarted(hooks.SessionInfo{
			RemoteAddr: s.Peer.Addr.String(),
			StartedAt:  time.Now(),
		})
	}

	s.conn.SetDeadline(time.Now().Add(s.cfg.commandTimeout()))

	reader := bufio.NewReader(s.conn)

	if s.cfg.ImplicitTLS {
		tconn, treader, err := s.overlay.Implicit(s.conn)
		if err != nil {
			s.tr.Errorf("implicit TLS handshake failed: %v", err)
			s.endReason = EndProtocolError
			return s.finish(nil)
		}
		s.conn = tconn
		reader = treader
	}

	s.writer = bufio.NewWriter(s.conn)
	s.framer = framer.New(reader)

	if s.cfg.ProxyProtocol {
		src, err := proxyproto.Decode(reader, s.Peer.Addr, s.cfg.TrustedCIDRs)
		if err != nil {
			s.tr.Errorf("PROXY protocol decode failed: %v", err)
			s.endReason = EndProtocolError
			return s.finish(nil)
		}
		s.Peer.Addr = src
		s.tr.Debugf("PROXY handshake: real client %v", src)
	}

	ip := s.ipString()
	if s.cfg.Limiter != nil {
		ok, err := s.cfg.Limiter.AllowConnection(ctx, ip, s.maxConnectionsPerIP())
		if err != nil {
			s.tr.Errorf("connection limiter error: %v", err)
		} else if !ok {
			s.writeResponse(421, "4.7.0 Too many connections, try again later")
			s.endReason = EndTooManyErrors
			return s.finish(nil)
		}
		defer s.cfg.Limiter.ReleaseConnection(ip)
	}

	s.Envelope.reset()
	s.writer.Flush()
	if err := s.writeResponse(220, fmt.Sprintf("%s %s", s.cfg.Hostname, s.serviceName())); err != nil {
		s.endReason = EndProtocolError
		return s.finish(err)
	}

	err := s.loop(ctx)
	return s.finish(err)
}

func (s *Session) serviceName() string {
	if s.cfg.ServiceName == "" {
		return "ESMTP mailengine"
	}
	return s.cfg.ServiceName
}

func (s *Session) maxConnectionsPerIP() int {
	if s.cfg.MaxConnectionsPerIP <= 0 {
		return 1 << 30
	}
	return s.cfg.MaxConnectionsPerIP
}

func (s *Session) ipString() string {
	if tcp, ok := s.Peer.Addr.(*net.TCPAddr); ok {
		return tcp.IP.String()
	}
	return s.Peer.Addr.String()
}

func (s *Session) finish(err error) EndReason {
	if s.endReason == EndUnknown {
		s.endReason = classifyEnd(err, s.quitRequested)
	}
	if s.cfg.Hooks != nil {
		s.cfg.Hooks.SessionEnded(hooks.SessionInfo{
			RemoteAddr: s.Peer.Addr.String(),
			HeloDomain: s.HeloDomain,
			TLSActive:  s.overlay.Active(),
			AuthUser:   s.Auth.User,
		}, err)
	}
	return s.endReason
}

func classifyEnd(err error, quit bool) EndReason {
	switch {
	case quit:
		return EndQuit
	case err == nil:
		return EndClientClosed
	default:
		return EndProtocolError
	}
}

// loop is the single-consumer command dispatch loop: every inbound frame
// for this session is processed strictly in order, as required by
// spec.md §3's ordering guarantees.
func (s *Session) loop(ctx context.Context) error {
	for {
		if time.Now().After(s.deadline) {
			s.writeResponse(421, "4.4.2 Idle timeout")
			s.endReason = EndTimeout
			return nil
		}

		s.conn.SetDeadline(time.Now().Add(s.cfg.commandTimeout()))
		s.deadline = time.Now().Add(s.idleTimeout())

		line, err := s.framer.ReadLine()
		if err != nil {
			if err == framer.ErrLineTooLong {
				s.writeResponse(500, "5.5.4 Line too long")
				s.endReason = EndProtocolError
				return nil
			}
			return err
		}

		cmd := parseCommand(line.Line)

		switch cmd.Verb {
		case "GET", "POST", "CONNECT":
			s.writeResponse(502, "5.7.0 Wrong protocol")
			s.endReason = EndWrongProtocol
			return nil
		}

		if snap := s.snapshot(cmd); s.cfg.Interceptors != nil {
			if d := s.cfg.Interceptors.Intercept(hooks.StagePreCommand, snap); d.Verdict != hooks.Proceed {
				s.writeResponse(d.Code, d.Message)
				if d.Verdict == hooks.Drop {
					return nil
				}
				continue
			}
		}

		code, msg := s.dispatch(ctx, cmd)

		if code == 0 {
			// Handler already wrote (or deliberately suppressed) its own
			// response, e.g. STARTTLS or QUIT.
			if s.quitRequested || s.forceClose {
				return nil
			}
			continue
		}

		if s.cfg.Interceptors != nil {
			snap := s.snapshot(cmd)
			snap.ResponseCode, snap.ResponseMsg = code, msg
			if d := s.cfg.Interceptors.Intercept(hooks.StagePostCommand, snap); d.Verdict != hooks.Proceed {
				code, msg = d.Code, d.Message
				if d.Verdict == hooks.Drop {
					s.writeResponse(code, msg)
					return nil
				}
			}
		}

		if err := s.writeResponse(code, msg); err != nil {
			return err
		}

		if code >= 400 {
			s.errorCount++
			if s.errorCount >= s.cfg.maxErrors() {
				s.writeResponse(421, "4.5.0 Too many errors, bye")
				s.endReason = EndTooManyErrors
				return nil
			}
		}

		if s.quitRequested || s.forceClose {
			return nil
		}
	}
}

func (s *Session) idleTimeout() time.Duration {
	if s.cfg.IdleTimeout <= 0 {
		return 10 * time.Minute
	}
	return s.cfg.IdleTimeout
}

func (s *Session) snapshot(cmd ParsedCommand) hooks.CommandSnapshot {
	return hooks.CommandSnapshot{
		RemoteAddr:    s.Peer.Addr.String(),
		Verb:          cmd.Verb,
		Params:        cmd.Params,
		HeloDomain:    s.HeloDomain,
		TLSActive:     s.overlay.Active(),
		Authenticated: s.Auth.Authenticated,
		AuthUser:      s.Auth.User,
		MailFrom:      s.Envelope.MailFrom,
		RcptTo:        append([]string(nil), s.Envelope.RcptTo...),
	}
}

func parseCommand(line string) ParsedCommand {
	sp := strings.SplitN(line, " ", 2)
	verb := strings.ToUpper(sp[0])
	params := ""
	if len(sp) > 1 {
		params = strings.TrimSpace(sp[1])
	}
	return ParsedCommand{Verb: verb, Params: params}
}

// dispatch routes a single parsed command to its handler, applying the
// global pre-checks spec.md §3/§4.4 require before any verb-specific
// logic: the post-STARTTLS re-greet requirement, BDAT-in-progress
// gating, and the must-be-greeted rule (every verb but EHLO/HELO/NOOP/
// QUIT/RSET gets 503 until a HELO/EHLO has been seen).
func (s *Session) dispatch(ctx context.Context, cmd ParsedCommand) (code int, msg string) {
	defer func() {
		if r := recover(); r != nil {
			s.tr.Errorf("panic handling %s: %v", cmd.Verb, r)
			s.Envelope.reset()
			s.bdatInProgress = false
			code, msg = 451, "4.3.0 Local error in processing"
		}
	}()

	if s.postSTARTTLSRegreet && cmd.Verb != "EHLO" && cmd.Verb != "HELO" {
		return 503, "5.5.1 Must re-greet with EHLO/HELO after STARTTLS"
	}

	if s.bdatInProgress {
		switch cmd.Verb {
		case "BDAT", "RSET", "QUIT", "NOOP", "HELP":
		default:
			return 503, "5.5.1 BDAT transfer in progress"
		}
	}

	if !s.Greeted {
		switch cmd.Verb {
		case "EHLO", "HELO", "NOOP", "QUIT", "RSET":
		default:
			return 503, "5.5.1 Say EHLO/HELO first"
		}
	}

	switch cmd.Verb {
	case "HELO":
		return s.handleHELO(cmd.Params)
	case "EHLO":
		return s.handleEHLO(cmd.Params)
	case "HELP":
		return 214, "2.0.0 See RFC 5321"
	case "NOOP":
		return 250, "2.0.0 Ok"
	case "RSET":
		return s.handleRSET()
	case "VRFY":
		return s.handleVRFY(ctx, cmd.Params)
	case "EXPN":
		return s.handleEXPN(ctx, cmd.Params)
	case "ETRN":
		return s.handleETRN(cmd.Params)
	case "MAIL":
		return s.handleMAIL(cmd.Params)
	case "RCPT":
		return s.handleRCPT(cmd.Params)
	case "DATA":
		return s.handleDATA(ctx)
	case "BDAT":
		return s.handleBDAT(ctx, cmd.Params)
	case "STARTTLS":
		return s.handleSTARTTLS(cmd.Params)
	case "AUTH":
		return s.handleAUTH(cmd.Params)
	case "QUIT":
		s.writeResponse(221, "2.0.0 Bye")
		s.quitRequested = true
		return 0, ""
	default:
		return 500, "5.5.1 Unknown command"
	}
}

func (s *Session) writeResponse(code int, msg string) error {
	defer s.writer.Flush()
	return writeReply(s.writer, code, msg)
}

func writeReply(w stringWriter, code int, msg string) error {
	lines := strings.Split(msg, "\n")
	for i := 0; i < len(lines)-1; i++ {
		if _, err := w.WriteString(fmt.Sprintf("%d-%s\r\n", code, lines[i])); err != nil {
			return err
		}
	}
	_, err := w.WriteString(fmt.Sprintf("%d %s\r\n", code, lines[len(lines)-1]))
	return err
}

type stringWriter interface {
	WriteString(s string) (int, error)
}

func errAsCoded(err error) (int, string) {
	if ce, ok := err.(*codederror.Error); ok {
		return ce.Reply()
	}
	return 451, "4.3.0 " + err.Error()
}

func logRejected(remote net.Addr, from string, to []string, reason string) {
	maillog.Rejected(remote, from, to, reason)
}
