// Package engine binds a process-wide config.Config and the pieces it
// names (spool, delivery, worker pool, DSN synthesizer) into a running
// set of listeners, the same role chasquid's internal/smtpsrv.Server
// plays for chasquid's Conn. Unlike that server, whose ListenAndServe
// never returns, engine.Server supports cooperative graceful shutdown:
// spec.md's worker pool already has a shutdown ceiling, and a server
// embedding this engine needs its listeners to honor one too.
package engine

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"sync"

	"blitiri.com.ar/go/log"

	"github.com/mailcore/engine/internal/maillog"
	"github.com/mailcore/engine/internal/session"
	"github.com/mailcore/engine/internal/worker"
)

// Listener is one accept loop's configuration: a bound net.Listener (be
// it from net.Listen or handed down via systemd socket activation) plus
// the session.Config it should run.
type Listener struct {
	Net     net.Listener
	Config  *session.Config
	TLS     *tls.Config
	Implicit bool
}

// Server runs a set of Listeners plus the background worker.Pool that
// drains the spool, and coordinates shutting both down together.
type Server struct {
	Listeners []*Listener
	Pool      *worker.Pool

	wg       sync.WaitGroup
	stopOnce sync.Once
	stopCh   chan struct{}
}

// New returns a Server ready to have Listeners appended to it.
func New(pool *worker.Pool) *Server {
	return &Server{
		Pool:   pool,
		stopCh: make(chan struct{}),
	}
}

// Start runs every listener's accept loop and the worker pool in the
// background, and returns immediately; call Shutdown to stop them.
func (s *Server) Start(ctx context.Context) {
	s.Pool.Start(ctx)

	for _, l := range s.Listeners {
		ln := l
		if ln.Implicit && ln.TLS != nil {
			ln.Net = tls.NewListener(ln.Net, ln.TLS)
		}
		log.Infof("engine: listening on %s", ln.Net.Addr())
		maillog.Listening(ln.Net.Addr().String())

		s.wg.Add(1)
		go s.serve(ctx, ln)
	}
}

// serve accepts connections on l until the listener is closed (which
// Shutdown does), handing each one to a session.Session in its own
// goroutine, tracked by s.wg so Shutdown can wait for in-flight
// sessions to finish.
func (s *Server) serve(ctx context.Context, l *Listener) {
	defer s.wg.Done()

	for {
		conn, err := l.Net.Accept()
		if err != nil {
			select {
			case <-s.stopCh:
				return
			default:
				log.Errorf("engine: accept on %s: %v", l.Net.Addr(), err)
				return
			}
		}

		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			reason := session.New(l.Config, conn).Serve(ctx)
			log.Infof("engine: session on %s ended: %s", conn.RemoteAddr(), reason)
		}()
	}
}

// ErrShutdownTimeout is returned by Shutdown when ctx is done before every
// listener and in-flight session have drained. An error from stopping the
// worker pool (ctx.Err() or worker.ErrShutdownTimeout) is returned as is.
var ErrShutdownTimeout = fmt.Errorf("engine: shutdown timed out")

// Shutdown closes every listener (which unblocks each serve loop's
// Accept), stops accepting new work, waits for in-flight sessions, and
// stops the worker pool. It returns ErrShutdownTimeout if ctx is done
// before the sessions drain, and otherwise whatever Pool.Stop returns.
func (s *Server) Shutdown(ctx context.Context) error {
	s.stopOnce.Do(func() { close(s.stopCh) })

	for _, l := range s.Listeners {
		l.Net.Close()
	}

	drained := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(drained)
	}()

	select {
	case <-drained:
	case <-ctx.Done():
		return ErrShutdownTimeout
	}

	if err := s.Pool.Stop(ctx); err != nil {
		return err
	}
	return nil
}

// TriggerRetryAdapter wraps a *worker.Pool so it can be embedded into a
// session.Processor, giving that processor the TriggerRetry method
// handleETRN type-asserts for. It exists because worker.Pool's own
// TriggerRetry has no way to also satisfy session.Processor's From/To/
// Data/Done methods.
type TriggerRetryAdapter struct {
	session.Processor
	Pool *worker.Pool
}

// TriggerRetry forwards to the wrapped pool, satisfying session.RunOnce.
func (a *TriggerRetryAdapter) TriggerRetry(domain string) {
	a.Pool.TriggerRetry(domain)
}
