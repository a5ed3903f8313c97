// Package txn implements the transaction index: stable status handles,
// the active-transaction cache, and the snapshot-isolation visibility
// rule that the B+tree consults on every MVV read.
package txn

import "math"

// Timestamp is the engine's single monotonically increasing order
// source. Checkpoints, transaction starts, and transaction commits all
// draw from it.
type Timestamp = uint64

// Aborted is the sentinel CommitTS of a status whose transaction rolled
// back rather than committed.
const Aborted Timestamp = math.MaxUint64

// Handle is a stable, slab-style reference to a TransactionStatus. MVV
// entries store a Handle instead of a pointer so page bytes stay
// self-contained and comparable across process restarts within a run.
type Handle uint32

// NoHandle is the zero value, never issued to a real transaction.
const NoHandle Handle = 0

// listKind identifies which of the three intrusive lists a status
// currently belongs to.
type listKind uint8

const (
	listNone listKind = iota
	listCurrent
	listLongRunning
	listAborted
)

// Status is the record of one transaction's lifecycle: when it began,
// whether and when it committed, and how many MVV versions it produced
// (consulted by pruning to estimate page garbage).
type Status struct {
	handle   Handle
	StartTS  Timestamp
	CommitTS Timestamp // 0 until commit; Aborted if rolled back
	MVVCount uint32

	list       listKind
	prev, next Handle
}

// Handle returns the status's stable reference.
func (s *Status) Handle() Handle { return s.handle }

// Active reports whether the transaction is still running (neither
// committed nor aborted).
func (s *Status) Active() bool { return s.CommitTS == 0 }

// IsAborted reports whether the transaction rolled back.
func (s *Status) IsAborted() bool { return s.CommitTS == Aborted }

// Committed reports whether the transaction committed, and at what
// timestamp.
func (s *Status) Committed() (Timestamp, bool) {
	if s.CommitTS == 0 || s.CommitTS == Aborted {
		return 0, false
	}
	return s.CommitTS, true
}
