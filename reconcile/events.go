/*
events.go - Outbound notification events

PURPOSE:
  Fire-and-forget notifications emitted after successful state changes.
  Downstream settlement and counterparty messaging consume them; the engine
  requires no acknowledgement and never fails an operation because publishing
  failed.

EVENT CATALOG:
  refund.received       - a solicitation was admitted and capacity reserved
  devolution.pending    - a money-return was cut and handed to settlement
  devolution.confirmed  - settlement confirmed the return
  devolution.failed     - settlement failed; capacity was restored

SEE ALSO:
  - pubsub/: log-based and in-memory publishers
*/
package reconcile

import (
	"context"
	"time"
)

// EventKind identifies a notification type.
type EventKind string

const (
	EventRefundReceived      EventKind = "refund.received"
	EventDevolutionPending   EventKind = "devolution.pending"
	EventDevolutionConfirmed EventKind = "devolution.confirmed"
	EventDevolutionFailed    EventKind = "devolution.failed"
)

// Event is a notification payload. Values are strings so transports stay
// schema-free.
type Event struct {
	Kind    EventKind
	At      time.Time
	Payload map[string]string
}

// Publisher delivers events downstream. Fire-and-forget: implementations may
// drop on error, and callers ignore the return for flow control.
type Publisher interface {
	Publish(ctx context.Context, ev Event) error
}
