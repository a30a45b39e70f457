package delivery

import (
	"context"
	"time"

	"github.com/mailcore/engine/internal/address"
	"github.com/mailcore/engine/internal/codederror"
	"github.com/mailcore/engine/internal/session"
	"github.com/mailcore/engine/internal/spool"
)

// Service attempts delivery of one claimed spool entry's recipients,
// consulting a routing policy to split local from remote, per spec.md
// §4.7. It reuses internal/session.RoutingPolicy rather than declaring
// its own, since a routing policy's local/remote split must agree
// between RCPT-time admission and delivery-time routing.
type Service struct {
	Routing session.RoutingPolicy
	Local   LocalMailboxStore
	Relay   MailRelay
}

// Attempt delivers body to every one of entry's recipients that hasn't
// already failed permanently in a previous pass, generalizing chasquid's
// Item.deliver dispatch (EMAIL/PIPE/FORWARD by recipient type) into a
// two-way local/remote split driven by the routing policy instead of a
// per-recipient alias type.
func (s *Service) Attempt(ctx context.Context, entry *spool.SpoolEntry, body []byte) Attempt {
	var results []RecipientOutcome
	for _, addr := range entry.To {
		if _, alreadyFailed := entry.PermanentFailures[addr]; alreadyFailed {
			continue
		}

		var err error
		if s.Routing != nil && s.Routing.IsLocal(address.DomainOf(addr)) {
			_, err = s.Local.Deliver(ctx, addr, body)
		} else {
			err = s.Relay.Deliver(ctx, RelayRequest{From: entry.From, To: addr, Data: body})
		}

		if err == nil {
			results = append(results, RecipientOutcome{Address: addr, Delivered: true})
			continue
		}
		results = append(results, RecipientOutcome{Address: addr, Permanent: isPermanent(err), Err: err})
	}
	return Attempt{Results: results}
}

func isPermanent(err error) bool {
	if ce, ok := err.(*codederror.Error); ok {
		return ce.Permanent
	}
	return false
}

// DecisionKind is the entry-level action a worker should take after one
// delivery pass, per spec.md §4.7's rules.
type DecisionKind int

const (
	// DecisionComplete means every recipient succeeded (or had already
	// failed permanently with nothing left to retry and no DSN owed):
	// the worker should call Backend.Complete.
	DecisionComplete DecisionKind = iota
	// DecisionReschedule means transient failures remain and the retry
	// budget isn't exhausted: the worker should call Backend.Reschedule.
	DecisionReschedule
	// DecisionPermanentFailure means one or more recipients are now
	// permanently failed (either classified as such, or promoted from
	// transient after exhausting retries): the worker should call
	// Backend.FailPermanent with Reasons, generate a DSN if entry.From is
	// non-empty and not "<>", enqueue it, and then call Backend.Complete.
	DecisionPermanentFailure
)

// Decision is Decide's verdict for one entry after one Attempt.
type Decision struct {
	Kind          DecisionKind
	NextAttemptAt time.Time
	NewAttempts   int
	// Reasons holds every recipient this entry has now permanently
	// failed for, cumulative across passes, valid only when Kind is
	// DecisionPermanentFailure.
	Reasons map[string]string
}

// Decide computes the entry-level outcome from one delivery Attempt,
// consulting sp for the retry budget and backoff schedule.
func Decide(sp *spool.Spool, entry *spool.SpoolEntry, attempt Attempt) Decision {
	reasons := map[string]string{}
	for addr, reason := range entry.PermanentFailures {
		reasons[addr] = reason
	}
	for addr, reason := range attempt.PermanentFailures() {
		reasons[addr] = reason
	}

	transient := attempt.TransientFailures()
	newAttempts := entry.Attempts + 1

	if len(transient) == 0 && len(attempt.PermanentFailures()) == 0 {
		return Decision{Kind: DecisionComplete}
	}

	if len(transient) > 0 && !sp.MaxRetriesReached(newAttempts) {
		return Decision{
			Kind:          DecisionReschedule,
			NextAttemptAt: time.Now().Add(sp.Backoff(newAttempts)),
			NewAttempts:   newAttempts,
		}
	}

	// Either nothing transient remains (only permanent failures do), or
	// the retry budget is exhausted: any lingering transient recipient
	// is promoted to permanent.
	for _, addr := range transient {
		if _, ok := reasons[addr]; !ok {
			reasons[addr] = "max retries exceeded"
		}
	}
	return Decision{Kind: DecisionPermanentFailure, Reasons: reasons}
}
