package perfsim

import (
	"time"
)

// Modeled persistence cost per write operation.
const dbWriteCost = 50 * time.Microsecond

// recordStore models the case database as seen by a run: every run writes
// inside one transaction that is either committed or rolled back. Records
// staged in a transaction that ends neither way are orphans.
type recordStore struct {
	writeDelay time.Duration // added to every transaction's write time
	open       map[string]*txn
	committed  int
	rolledBack int
}

func newRecordStore() *recordStore {
	return &recordStore{open: make(map[string]*txn)}
}

type txn struct {
	store  *recordStore
	runID  string
	staged int
	done   bool
}

func (s *recordStore) begin(runID string) *txn {
	t := &txn{store: s, runID: runID}
	s.open[runID] = t
	return t
}

// stage adds n pending writes and returns the modeled time to write them.
func (t *txn) stage(n int) time.Duration {
	t.staged += n
	return time.Duration(n)*dbWriteCost + t.store.writeDelay
}

func (t *txn) commit() {
	if t.done {
		return
	}
	t.done = true
	t.store.committed += t.staged
	delete(t.store.open, t.runID)
}

// rollback discards staged writes. It is a no-op after commit, so it is safe
// to defer.
func (t *txn) rollback() {
	if t.done {
		return
	}
	t.done = true
	t.store.rolledBack += t.staged
	delete(t.store.open, t.runID)
}

// orphans counts records staged by transactions that never finished.
func (s *recordStore) orphans() int {
	n := 0
	for _, t := range s.open {
		n += t.staged
	}
	return n
}
