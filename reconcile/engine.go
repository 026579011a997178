/*
engine.go - Engine wiring and policy knobs

PURPOSE:
  The Engine holds the collaborators both reconciliation paths share: the
  store, the accounting ledger, the event publisher, the per-transaction lock
  table, and the business policy. Each invocation runs to completion or
  failure as an isolated unit of work; the engine keeps no per-call state.

POLICY:
  DevolutionWindowDays  how long after a refund's creation a devolution may
                        still be requested
  MaxDevolutions        how many devolutions a single transaction may fragment
                        into

SEE ALSO:
  - intake.go: AdmitRefund
  - payout.go: PayoutDevolution
  - settle.go: SettleDevolution
*/
package reconcile

import (
	"context"
	"time"
)

// Policy carries the business limits enforced by the payout path.
type Policy struct {
	DevolutionWindowDays int
	MaxDevolutions       int
}

// DefaultPolicy mirrors the rail's operational defaults.
func DefaultPolicy() Policy {
	return Policy{
		DevolutionWindowDays: 90,
		MaxDevolutions:       10,
	}
}

// Engine is the reconciliation core. Safe for concurrent use.
type Engine struct {
	store     TxStore
	ledger    Ledger
	publisher Publisher
	resolver  *TransactionResolver
	locks     *TxLocks
	policy    Policy

	// Now is the engine's clock. Overridable in tests.
	Now func() time.Time
}

// NewEngine wires an engine. publisher may be nil, in which case events are
// dropped.
func NewEngine(store TxStore, ledger Ledger, publisher Publisher, policy Policy) *Engine {
	return &Engine{
		store:     store,
		ledger:    ledger,
		publisher: publisher,
		resolver:  NewTransactionResolver(store),
		locks:     NewTxLocks(),
		policy:    policy,
		Now:       time.Now,
	}
}

// Policy returns the engine's business limits.
func (e *Engine) Policy() Policy { return e.policy }

// publish emits an event if a publisher is configured. Fire-and-forget:
// publish failures never fail the operation that produced the event.
func (e *Engine) publish(ctx context.Context, kind EventKind, payload map[string]string) {
	if e.publisher == nil {
		return
	}
	_ = e.publisher.Publish(ctx, Event{Kind: kind, At: e.Now().UTC(), Payload: payload})
}
