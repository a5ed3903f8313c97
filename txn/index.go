package txn

import (
	"errors"
	"sync"

	"github.com/cespare/xxhash/v2"
)

var (
	ErrUnknownHandle  = errors.New("txn: unknown handle")
	ErrTooManyActive  = errors.New("txn: MAXIMUM_CONCURRENT_TRANSACTIONS exceeded")
	ErrAlreadyResolved = errors.New("txn: transaction already committed or aborted")
)

const numShards = 16

type shard struct {
	mu       sync.Mutex
	statuses map[Handle]*Status
}

// Index is the transaction index: a sharded status table keyed by
// Handle, three intrusive lists (current, long-running, aborted) for
// lifecycle bookkeeping, and the active-transaction cache pruning
// consults on every visibility check.
type Index struct {
	shards [numShards]shard

	listMu    sync.Mutex
	nextTS    Timestamp
	freeList  []Handle
	nextHandle Handle
	heads     [4]Handle // indexed by listKind
	tails     [4]Handle

	maxConcurrent int

	cacheMu  sync.RWMutex
	floor    Timestamp
	ceiling  Timestamp
}

// NewIndex creates an empty transaction index. maxConcurrent bounds the
// current list (MAXIMUM_CONCURRENT_TRANSACTIONS, default 10000).
func NewIndex(maxConcurrent int) *Index {
	if maxConcurrent <= 0 {
		maxConcurrent = 10000
	}
	idx := &Index{maxConcurrent: maxConcurrent, nextTS: 1, nextHandle: 1}
	for i := range idx.shards {
		idx.shards[i].statuses = make(map[Handle]*Status)
	}
	return idx
}

func (idx *Index) shardFor(h Handle) *shard {
	sum := xxhash.Sum64(handleBytes(h))
	return &idx.shards[sum%numShards]
}

func handleBytes(h Handle) []byte {
	return []byte{byte(h >> 24), byte(h >> 16), byte(h >> 8), byte(h)}
}

// NextTimestamp draws the next value from the single monotonic
// timestamp source.
func (idx *Index) NextTimestamp() Timestamp {
	idx.listMu.Lock()
	ts := idx.nextTS
	idx.nextTS++
	idx.listMu.Unlock()
	return ts
}

// Begin allocates a TransactionStatus with a fresh start timestamp and
// links it onto the current list.
func (idx *Index) Begin() (*Status, error) {
	idx.listMu.Lock()
	if idx.listLen(listCurrent) >= idx.maxConcurrent {
		idx.listMu.Unlock()
		return nil, ErrTooManyActive
	}
	h := idx.allocHandleLocked()
	ts := idx.nextTS
	idx.nextTS++
	idx.listMu.Unlock()

	st := &Status{handle: h, StartTS: ts}
	s := idx.shardFor(h)
	s.mu.Lock()
	s.statuses[h] = st
	s.mu.Unlock()

	idx.listMu.Lock()
	idx.pushTailLocked(listCurrent, st)
	idx.listMu.Unlock()

	idx.updateFloorOnBegin(ts)
	return st, nil
}

func (idx *Index) allocHandleLocked() Handle {
	if n := len(idx.freeList); n > 0 {
		h := idx.freeList[n-1]
		idx.freeList = idx.freeList[:n-1]
		return h
	}
	h := idx.nextHandle
	idx.nextHandle++
	return h
}

// Commit assigns a commit timestamp and marks the transaction as
// resolved. Callers write the TC record themselves; Commit only updates
// in-memory state.
func (idx *Index) Commit(h Handle) (Timestamp, error) {
	st, err := idx.Lookup(h)
	if err != nil {
		return 0, err
	}

	s := idx.shardFor(h)
	s.mu.Lock()
	if !st.Active() {
		s.mu.Unlock()
		return 0, ErrAlreadyResolved
	}
	commitTS := idx.NextTimestamp()
	st.CommitTS = commitTS
	s.mu.Unlock()

	// A committed status leaves the current/long-running lists immediately;
	// it is kept in the shard table (not any intrusive list) until Release
	// is called for its handle.
	idx.listMu.Lock()
	idx.unlinkLocked(st)
	idx.listMu.Unlock()
	return commitTS, nil
}

// Abort marks the transaction as rolled back.
func (idx *Index) Abort(h Handle) error {
	st, err := idx.Lookup(h)
	if err != nil {
		return err
	}
	s := idx.shardFor(h)
	s.mu.Lock()
	if !st.Active() {
		s.mu.Unlock()
		return ErrAlreadyResolved
	}
	st.CommitTS = Aborted
	s.mu.Unlock()

	idx.listMu.Lock()
	idx.unlinkLocked(st)
	idx.pushTailLocked(listAborted, st)
	idx.listMu.Unlock()
	return nil
}

// Release frees a status once pruning determines no active transaction
// can observe its writes, returning its handle to the free list.
func (idx *Index) Release(h Handle) error {
	st, err := idx.Lookup(h)
	if err != nil {
		return err
	}
	idx.listMu.Lock()
	idx.unlinkLocked(st)
	idx.freeList = append(idx.freeList, h)
	idx.listMu.Unlock()

	s := idx.shardFor(h)
	s.mu.Lock()
	delete(s.statuses, h)
	s.mu.Unlock()
	return nil
}

// Lookup resolves a handle to its status.
func (idx *Index) Lookup(h Handle) (*Status, error) {
	s := idx.shardFor(h)
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.statuses[h]
	if !ok {
		return nil, ErrUnknownHandle
	}
	return st, nil
}

// --- intrusive list bookkeeping (caller holds idx.listMu) ---

func (idx *Index) pushTailLocked(kind listKind, st *Status) {
	st.list = kind
	st.prev, st.next = idx.tails[kind], NoHandle
	if idx.tails[kind] != NoHandle {
		tail, _ := idx.Lookup(idx.tails[kind])
		tail.next = st.handle
	} else {
		idx.heads[kind] = st.handle
	}
	idx.tails[kind] = st.handle
}

func (idx *Index) unlinkLocked(st *Status) {
	if st.list == listNone {
		return
	}
	kind := st.list
	if st.prev != NoHandle {
		prev, _ := idx.Lookup(st.prev)
		prev.next = st.next
	} else {
		idx.heads[kind] = st.next
	}
	if st.next != NoHandle {
		next, _ := idx.Lookup(st.next)
		next.prev = st.prev
	} else {
		idx.tails[kind] = st.prev
	}
	st.prev, st.next = NoHandle, NoHandle
	st.list = listNone
}

func (idx *Index) listLen(kind listKind) int {
	n := 0
	for h := idx.heads[kind]; h != NoHandle; {
		n++
		st, err := idx.Lookup(h)
		if err != nil {
			break
		}
		h = st.next
	}
	return n
}

// --- active-transaction cache (spec §4.4) ---

func (idx *Index) updateFloorOnBegin(ts Timestamp) {
	idx.cacheMu.Lock()
	if idx.floor == 0 || ts < idx.floor {
		idx.floor = ts
	}
	if ts > idx.ceiling {
		idx.ceiling = ts
	}
	idx.cacheMu.Unlock()
}

// RefreshActiveCache walks the current list under an exclusive lock,
// recomputing the floor from the oldest still-active transaction and
// advancing the ceiling to the latest timestamp observed.
func (idx *Index) RefreshActiveCache() {
	idx.listMu.Lock()
	var floor Timestamp
	for h := idx.heads[listCurrent]; h != NoHandle; {
		st, err := idx.Lookup(h)
		if err != nil {
			break
		}
		if floor == 0 || st.StartTS < floor {
			floor = st.StartTS
		}
		h = st.next
	}
	ceiling := idx.nextTS - 1
	idx.listMu.Unlock()

	idx.cacheMu.Lock()
	idx.floor = floor
	idx.ceiling = ceiling
	idx.cacheMu.Unlock()
}

// ActiveStartTimestamps returns the start timestamp of every transaction
// currently on the current list, for the checkpoint manager's CP record
// payload.
func (idx *Index) ActiveStartTimestamps() []Timestamp {
	idx.listMu.Lock()
	defer idx.listMu.Unlock()
	var out []Timestamp
	for h := idx.heads[listCurrent]; h != NoHandle; {
		st, err := idx.Lookup(h)
		if err != nil {
			break
		}
		out = append(out, st.StartTS)
		h = st.next
	}
	return out
}

// HasConcurrentTransaction reports whether any transaction with a start
// timestamp in [low, high] might still be active, conservatively
// treating anything past the cached ceiling as possibly active.
func (idx *Index) HasConcurrentTransaction(low, high Timestamp) bool {
	idx.cacheMu.RLock()
	floor, ceiling := idx.floor, idx.ceiling
	idx.cacheMu.RUnlock()

	if floor == 0 {
		return false // the cache records no current transaction
	}
	if high < floor {
		return false
	}
	if low > ceiling {
		return true // conservative: unknown activity past the snapshot
	}
	return true
}
