/*
txlock.go - Per-transaction serialization

PURPOSE:
  Two concurrent payouts against the same transaction must not both pass the
  conservation check before either persists. The engine holds a mutex scoped
  to the transaction's identity across the check-and-persist region, on top of
  the storage layer's own transaction and uniqueness constraints.

  Locks are kept in a map keyed by transaction id. Entries are reference
  counted and removed when the last holder releases, so the map does not grow
  with the number of transactions ever seen.
*/
package reconcile

import "sync"

// TxLocks hands out mutexes keyed by transaction id.
type TxLocks struct {
	mu    sync.Mutex
	locks map[TransactionID]*txLock
}

type txLock struct {
	mu   sync.Mutex
	refs int
}

func NewTxLocks() *TxLocks {
	return &TxLocks{locks: make(map[TransactionID]*txLock)}
}

// Lock acquires the lock for a transaction id and returns the release func.
func (t *TxLocks) Lock(id TransactionID) func() {
	t.mu.Lock()
	l, ok := t.locks[id]
	if !ok {
		l = &txLock{}
		t.locks[id] = l
	}
	l.refs++
	t.mu.Unlock()

	l.mu.Lock()

	return func() {
		l.mu.Unlock()
		t.mu.Lock()
		l.refs--
		if l.refs == 0 {
			delete(t.locks, id)
		}
		t.mu.Unlock()
	}
}
