/*
pubsub.go - Event publishers

PURPOSE:
  Concrete reconcile.Publisher implementations. The engine emits lifecycle
  events (refund.received, devolution.pending, devolution.confirmed,
  devolution.failed) and does not care where they go; this package supplies
  a log-backed publisher for the server binary and an in-memory recorder
  for tests.

KEY CONCEPTS:
  - Publishing is fire-and-forget from the engine's point of view: a failed
    publish never fails the operation that produced the event.
  - Memory is safe for concurrent use and keeps events in arrival order.

SEE ALSO:
  - reconcile/events.go: the event catalog and the Publisher interface
*/
package pubsub

import (
	"context"
	"log"
	"sort"
	"strings"
	"sync"

	"github.com/warp/refund-engine/reconcile"
)

// Log writes each event as a single structured log line. Zero value is ready
// to use and writes through the standard logger.
type Log struct {
	// Logger overrides the destination; nil means log.Default().
	Logger *log.Logger
}

// Publish implements reconcile.Publisher.
func (l *Log) Publish(_ context.Context, e reconcile.Event) error {
	out := l.Logger
	if out == nil {
		out = log.Default()
	}

	// Deterministic field order keeps the lines grep-friendly.
	keys := make([]string, 0, len(e.Payload))
	for k := range e.Payload {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	b.WriteString("event=")
	b.WriteString(string(e.Kind))
	for _, k := range keys {
		b.WriteByte(' ')
		b.WriteString(k)
		b.WriteByte('=')
		b.WriteString(e.Payload[k])
	}
	out.Println(b.String())
	return nil
}

// Memory records published events for inspection. Useful in tests.
type Memory struct {
	mu     sync.Mutex
	events []reconcile.Event
}

// Publish implements reconcile.Publisher.
func (m *Memory) Publish(_ context.Context, e reconcile.Event) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = append(m.events, e)
	return nil
}

// Events returns a copy of everything published so far, in order.
func (m *Memory) Events() []reconcile.Event {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]reconcile.Event, len(m.events))
	copy(out, m.events)
	return out
}

// OfKind returns the recorded events matching kind, in order.
func (m *Memory) OfKind(kind reconcile.EventKind) []reconcile.Event {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []reconcile.Event
	for _, e := range m.events {
		if e.Kind == kind {
			out = append(out, e)
		}
	}
	return out
}
