// Package tracker abstracts the issue tracker: polling for actionable
// work and parsing inbound webhook payloads into tickets.
package tracker

import (
	"context"

	"github.com/zjrosen/ticketd/internal/ticket"
)

// Client is the tracker surface the dispatcher consumes. Transition
// calls are best-effort; the dispatcher logs failures and moves on.
type Client interface {
	// PollActionable returns tickets that are ready to be worked.
	PollActionable(ctx context.Context) ([]ticket.Ticket, error)

	// ClaimTicket marks a ticket as in-progress on the tracker side.
	ClaimTicket(ctx context.Context, key string) error

	// TransitionTicket moves a ticket to the given status.
	TransitionTicket(ctx context.Context, key string, status ticket.Status) error
}

// SyntheticPoller is the webhook-driven tracker client: it has no API
// of its own, so polling yields a single synthetic tracker-check
// placeholder the agent interprets as "go look for work yourself".
type SyntheticPoller struct {
	// Disabled suppresses the placeholder, making an empty queue mean
	// an idle round.
	Disabled bool
}

var _ Client = (*SyntheticPoller)(nil)

func (p *SyntheticPoller) PollActionable(_ context.Context) ([]ticket.Ticket, error) {
	if p.Disabled {
		return nil, nil
	}
	return []ticket.Ticket{ticket.PollPlaceholder()}, nil
}

// ClaimTicket is a no-op: the agent session claims tickets itself via
// the tracker's own tooling.
func (p *SyntheticPoller) ClaimTicket(_ context.Context, _ string) error { return nil }

// TransitionTicket is a no-op for the same reason.
func (p *SyntheticPoller) TransitionTicket(_ context.Context, _ string, _ ticket.Status) error {
	return nil
}
