package ticketing

import (
	"context"
	"fmt"
	"strings"
)

type Decision int

const (
	DecisionOK Decision = iota
	DecisionAlreadyHasTicket
)

func (d Decision) String() string {
	switch d {
	case DecisionOK:
		return "ok"
	case DecisionAlreadyHasTicket:
		return "already_has_ticket"
	default:
		return "unknown"
	}
}

// Guard is the pre-checkout check of the one-active-ticket rule. It is
// best-effort: two concurrent callers may both pass, and the ledger's unique
// constraint decides between them.
type Guard struct {
	Ledger Ledger
}

func NewGuard(ledger Ledger) *Guard {
	return &Guard{Ledger: ledger}
}

// EnsureNoActiveTicket reports DecisionAlreadyHasTicket as a normal outcome;
// the error return is reserved for invalid input and store failures.
func (g *Guard) EnsureNoActiveTicket(ctx context.Context, eventID string, identity Identity) (Decision, error) {
	if strings.TrimSpace(eventID) == "" {
		return DecisionOK, ErrEventIDRequired
	}
	if err := identity.Validate(); err != nil {
		return DecisionOK, err
	}
	exists, err := g.Ledger.HasActiveTicket(ctx, eventID, identity)
	if err != nil {
		return DecisionOK, fmt.Errorf("guard check: %w", err)
	}
	if exists {
		return DecisionAlreadyHasTicket, nil
	}
	return DecisionOK, nil
}
