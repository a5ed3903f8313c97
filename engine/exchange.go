// Exchange binds one transaction to the goroutine that began it: every
// tree operation run through an Exchange sees that transaction's
// snapshot, and every write it performs is attributed to that
// transaction's handle for MVCC visibility and conflict detection.
package engine

import (
	"errors"
	"sync/atomic"

	"github.com/intellect4all/keystonedb/btree"
	"github.com/intellect4all/keystonedb/config"
	"github.com/intellect4all/keystonedb/journal"
	"github.com/intellect4all/keystonedb/metrics"
	"github.com/intellect4all/keystonedb/page"
	"github.com/intellect4all/keystonedb/txn"
)

var (
	// ErrExchangeClosed is returned by any operation on an Exchange that
	// has already committed or aborted.
	ErrExchangeClosed = errors.New("engine: exchange already resolved")
	// ErrConcurrentUse is returned when two goroutines call into the same
	// Exchange at once, violating its single-goroutine contract. Go has no
	// supported way to assert a true goroutine identity, so this is
	// enforced with a busy flag rather than a captured goroutine ID: it
	// reliably catches overlapping calls, which is the failure mode this
	// guard exists for.
	ErrConcurrentUse = errors.New("engine: exchange used from two goroutines at once")
	// ErrWriteConflict is returned by Commit when another transaction
	// committed a write to a key this transaction also wrote, after this
	// transaction's snapshot was taken. The transaction is rolled back;
	// the caller must retry it from scratch.
	ErrWriteConflict = errors.New("engine: write-write conflict, transaction rolled back")
)

// writeSetKey identifies one key written through an Exchange, scoped to
// the Tree it was written on, for commit-time conflict validation.
type writeSetKey struct {
	tree *Tree
	key  string
}

// Exchange is a transaction-scoped handle. Create one with Engine.Begin,
// use it from a single goroutine, and resolve it with Commit or Abort.
type Exchange struct {
	eng    *Engine
	status *txn.Status
	tsAddr uint64

	writes map[writeSetKey]page.Key

	busy   atomic.Bool
	closed atomic.Bool
}

// Begin starts a new transaction, journals its TS record, and returns an
// Exchange bound to it.
func (e *Engine) Begin() (*Exchange, error) {
	if e.closed.Load() {
		return nil, ErrClosed
	}
	st, err := e.txnIndex.Begin()
	if err != nil {
		return nil, err
	}
	addr, err := e.journal.Append(journal.KindTxnStart, st.StartTS, nil)
	if err != nil {
		_ = e.txnIndex.Abort(st.Handle())
		return nil, err
	}
	metrics.TransactionsActive.Inc()
	return &Exchange{eng: e, status: st, tsAddr: addr}, nil
}

// Handle returns the bound transaction's stable handle.
func (x *Exchange) Handle() txn.Handle { return x.status.Handle() }

// StartTS returns the transaction's snapshot timestamp.
func (x *Exchange) StartTS() txn.Timestamp { return x.status.StartTS }

func (x *Exchange) enter() error {
	if x.closed.Load() {
		return ErrExchangeClosed
	}
	if !x.busy.CompareAndSwap(false, true) {
		return ErrConcurrentUse
	}
	return nil
}

func (x *Exchange) leave() { x.busy.Store(false) }

// Get resolves key against t as of this transaction's snapshot.
func (x *Exchange) Get(t *Tree, key page.Key) ([]byte, bool, error) {
	if err := x.enter(); err != nil {
		return nil, false, err
	}
	defer x.leave()
	return t.tree.Fetch(key, x.status.StartTS, x.status.Handle())
}

// Put writes key=value on behalf of this transaction.
func (x *Exchange) Put(t *Tree, key page.Key, value []byte) error {
	if err := x.enter(); err != nil {
		return err
	}
	defer x.leave()
	if err := t.tree.Store(key, value, x.status.Handle()); err != nil {
		return err
	}
	x.recordWrite(t, key)
	return nil
}

// Delete records an antivalue for key on behalf of this transaction.
func (x *Exchange) Delete(t *Tree, key page.Key) error {
	if err := x.enter(); err != nil {
		return err
	}
	defer x.leave()
	if err := t.tree.Delete(key, x.status.Handle()); err != nil {
		return err
	}
	x.recordWrite(t, key)
	return nil
}

func (x *Exchange) recordWrite(t *Tree, key page.Key) {
	if x.writes == nil {
		x.writes = make(map[writeSetKey]page.Key)
	}
	x.writes[writeSetKey{tree: t, key: string(key)}] = key
}

// Cursor opens a cursor over t as of this transaction's snapshot. The
// returned cursor inherits the Exchange's single-goroutine contract.
func (x *Exchange) Cursor(t *Tree) (*btree.Cursor, error) {
	if err := x.enter(); err != nil {
		return nil, err
	}
	defer x.leave()
	return t.tree.NewCursor(x.status.StartTS, x.status.Handle()), nil
}

// Commit validates this transaction's write set against every writer
// that has committed since this transaction's snapshot was taken, then
// assigns a commit timestamp, journals the TC record (forcing it to disk
// per the engine's commit policy), and releases the Exchange. A detected
// write-write conflict rolls the transaction back instead and returns
// ErrWriteConflict.
func (x *Exchange) Commit() error {
	if err := x.enter(); err != nil {
		return err
	}
	defer x.leave()

	if err := x.checkConflicts(); err != nil {
		_ = x.eng.txnIndex.Abort(x.status.Handle())
		x.closed.Store(true)
		metrics.TransactionsActive.Dec()
		metrics.TransactionsAbortedTotal.Inc()
		return err
	}

	commitTS, err := x.eng.txnIndex.Commit(x.status.Handle())
	if err != nil {
		return err
	}
	payload := journal.EncodeTxnCommit(journal.TxnCommitPayload{
		StartTS:  x.status.StartTS,
		CommitTS: commitTS,
	})
	appendTC := x.eng.journal.AppendAndForce
	if x.eng.cfg.CommitPolicy == config.CommitAsync {
		appendTC = x.eng.journal.Append
	}
	if _, err := appendTC(journal.KindTxnCommit, commitTS, payload); err != nil {
		return err
	}
	x.closed.Store(true)
	metrics.TransactionsActive.Dec()
	metrics.TransactionsCommittedTotal.Inc()
	return nil
}

// checkConflicts re-reads every key this transaction wrote and fails if
// any version attached to another writer has committed at or after this
// transaction's start timestamp — per spec §4.4, exactly one of two
// concurrent writers to the same key may commit.
func (x *Exchange) checkConflicts() error {
	for wk, key := range x.writes {
		versions, ok, err := wk.tree.tree.Versions(key)
		if err != nil {
			return err
		}
		if !ok {
			continue
		}
		for _, v := range versions {
			if v.Handle == uint32(x.status.Handle()) {
				continue
			}
			writer, err := x.eng.txnIndex.Lookup(txn.Handle(v.Handle))
			if err != nil {
				continue // writer already released, necessarily resolved before our snapshot
			}
			if txn.ConflictsWith(writer, x.status.StartTS) {
				metrics.WriteConflictsTotal.Inc()
				return ErrWriteConflict
			}
		}
	}
	return nil
}

// Abort rolls back the transaction. Versions it wrote remain in place
// (they are simply never visible to any other reader) until a cleanup
// pass prunes a cell that also holds a committed version; a cell holding
// only aborted versions is left as it is.
func (x *Exchange) Abort() error {
	if err := x.enter(); err != nil {
		return err
	}
	defer x.leave()
	if err := x.eng.txnIndex.Abort(x.status.Handle()); err != nil {
		return err
	}
	x.closed.Store(true)
	metrics.TransactionsActive.Dec()
	metrics.TransactionsAbortedTotal.Inc()
	return nil
}
