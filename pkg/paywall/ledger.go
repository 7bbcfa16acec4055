package paywall

import (
	"context"
	"time"
)

// TransitionResult describes the outcome of Transition.
type TransitionResult struct {
	// Transaction is the row as stored after the call.
	Transaction *Transaction
	// Previous is the status observed before the attempt.
	Previous Status
	// Applied is false when the transition was a no-op.
	Applied bool
}

// Transition drives a transaction through the state machine. Illegal edges
// and lost compare-and-swap races are no-ops that return the current row
// with Applied=false; only storage failures are errors.
func Transition(ctx context.Context, ledger Ledger, id string, to Status, providerRef string, patch Meta, at time.Time) (*TransitionResult, error) {
	cur, err := ledger.GetTransaction(ctx, id)
	if err != nil {
		return nil, err
	}
	if !CanTransition(cur.Status, to) {
		return &TransitionResult{Transaction: cur, Previous: cur.Status}, nil
	}

	updated, applied, err := ledger.TransitionStatus(ctx, &TransitionRequest{
		TransactionID: id,
		Provider:      cur.Provider,
		From:          cur.Status,
		To:            to,
		ProviderRef:   providerRef,
		MetaPatch:     patch,
		At:            at,
	})
	if err != nil {
		return nil, err
	}
	return &TransitionResult{Transaction: updated, Previous: cur.Status, Applied: applied}, nil
}
