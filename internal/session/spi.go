package session

import (
	"context"

	"github.com/mailcore/engine/internal/hooks"
	"github.com/mailcore/engine/internal/ratelimit"
	"github.com/mailcore/engine/internal/set"
	"github.com/mailcore/engine/internal/trace"
)

// RoutingPolicy decides whether a domain is served locally, per spec.md
// §6's `RoutingPolicy { isLocal(domain) → bool, localDomains() → set }`.
type RoutingPolicy interface {
	IsLocal(domain string) bool
	LocalDomains() *set.String
}

// UserHandler backs VRFY, when enabled.
type UserHandler interface {
	Verify(ctx context.Context, term string) ([]string, error)
}

// MailingListHandler backs EXPN, when enabled.
type MailingListHandler interface {
	Expand(ctx context.Context, name string) ([]string, error)
}

// PutOptions carries the per-transaction metadata the transaction
// processor records alongside a spool entry.
type PutOptions struct {
	Authenticated bool
	AuthUser      string
	Ret           string
	Envid         string
	RcptDSN       map[string]RecipientDSN
}

// Spooler is the narrow seam the default transaction processor uses to
// hand an accepted envelope off to the spool (internal/spool.Spool
// implements this). It mirrors chasquid's queue.Queue.Put.
type Spooler interface {
	Put(tr *trace.Trace, from string, to []string, data []byte, opts PutOptions) (id string, err error)
}

// RunOnce triggers a named spooler-side action once, used by ETRN to
// kick retry of a given domain (or all domains, for an empty name)
// without waiting for the next poll tick.
type RunOnce interface {
	TriggerRetry(domain string)
}

// Limiter and AuthLimiter alias the ratelimit package's interfaces so
// callers configuring a session don't need to import internal/ratelimit
// directly for the type names.
type (
	Limiter     = ratelimit.Limiter
	AuthLimiter = ratelimit.AuthLimiter
)

// EventHook and CommandInterceptor alias the hooks package's SPI types.
type (
	EventHook           = hooks.EventHook
	CommandInterceptor  = hooks.CommandInterceptor
)
