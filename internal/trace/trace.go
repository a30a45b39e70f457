// Package trace provides per-operation tracing for connections, spool
// writes, and delivery attempts, wrapping golang.org/x/net/trace and mirroring
// every entry to the structured logger so both a live /debug/requests view
// and the log stream stay in sync.
package trace

import (
	"fmt"
	"net/http"
	"strconv"

	"blitiri.com.ar/go/log"
	nettrace "golang.org/x/net/trace"
)

func init() {
	// x/net/trace defaults to localhost-only access; that's a poor fit for
	// an engine that typically runs behind a load balancer or in a
	// container, so open it up and let the embedder's own HTTP auth (if
	// any) gate access to the debug endpoints instead.
	nettrace.AuthRequest = func(req *http.Request) (any, sensitive bool) {
		return true, true
	}
}

// maxEvents bounds how many LazyPrintf calls a single trace retains. A full
// SMTP transaction (EHLO..QUIT) produces more events than x/net/trace's
// default of 10 allows for.
const maxEvents = 40

// Trace represents one traced operation: a connection's lifetime, a spool
// Put, or a single delivery attempt.
type Trace struct {
	family, title string
	t             nettrace.Trace
}

// New starts a trace for the given family/title pair.
func New(family, title string) *Trace {
	tr := &Trace{family: family, title: title, t: nettrace.New(family, title)}
	tr.t.SetMaxEvents(maxEvents)
	return tr
}

// NewChild starts a new, independently-finished trace, used when a
// sub-operation (an SPF-style policy check, a single delivery attempt within
// a multi-recipient spool item) deserves its own trace family.
func (t *Trace) NewChild(family, title string) *Trace {
	return New(family, title)
}

// Printf records an informational event.
func (t *Trace) Printf(format string, a ...interface{}) {
	t.t.LazyPrintf(format, a...)
	log.Log(log.Info, 1, "%s %s: %s", t.family, t.title, quote(fmt.Sprintf(format, a...)))
}

// Debugf records a debug-level event.
func (t *Trace) Debugf(format string, a ...interface{}) {
	t.t.LazyPrintf(format, a...)
	log.Log(log.Debug, 1, "%s %s: %s", t.family, t.title, quote(fmt.Sprintf(format, a...)))
}

// Errorf records an error event and returns it as an error, so call sites
// can write `return tr.Errorf(...)`.
func (t *Trace) Errorf(format string, a ...interface{}) error {
	err := fmt.Errorf(format, a...)
	t.t.SetError()
	t.t.LazyPrintf("error: %v", err)
	log.Log(log.Info, 1, "%s %s: error: %s", t.family, t.title, quote(err.Error()))
	return err
}

// Error marks the trace as failed and records err.
func (t *Trace) Error(err error) error {
	t.t.SetError()
	t.t.LazyPrintf("error: %v", err)
	log.Log(log.Info, 1, "%s %s: error: %s", t.family, t.title, quote(err.Error()))
	return err
}

// Finish closes the trace. No further methods may be called afterward.
func (t *Trace) Finish() {
	t.t.Finish()
}

// EventLog is a rolling, unscoped log of events that don't belong to a
// single traced operation, such as authentication attempts across many
// connections. It shows up under /debug/events alongside per-operation
// traces.
type EventLog struct {
	family, title string
	ev            nettrace.EventLog
}

// NewEventLog creates an EventLog for the given family/title pair.
func NewEventLog(family, title string) *EventLog {
	return &EventLog{family: family, title: title, ev: nettrace.NewEventLog(family, title)}
}

// Printf records an informational event.
func (e *EventLog) Printf(format string, a ...interface{}) {
	e.ev.Printf(format, a...)
	log.Log(log.Info, 1, "%s %s: %s", e.family, e.title, quote(fmt.Sprintf(format, a...)))
}

// Errorf records an error event.
func (e *EventLog) Errorf(format string, a ...interface{}) {
	err := fmt.Errorf(format, a...)
	e.ev.Errorf("%v", err)
	log.Log(log.Info, 1, "%s %s: error: %s", e.family, e.title, quote(err.Error()))
}

func quote(s string) string {
	qs := strconv.Quote(s)
	return qs[1 : len(qs)-1]
}
