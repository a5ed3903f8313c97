// Package btree implements the ordered, MVCC-aware B+tree that every
// named tree in a volume is stored as: crab-walk descent through the
// buffer pool, configurable split bias, opportunistic join on deletion,
// and long-record promotion for oversized values.
package btree

import (
	"bytes"
	"errors"

	"github.com/intellect4all/keystonedb/buffer"
	"github.com/intellect4all/keystonedb/cleanup"
	"github.com/intellect4all/keystonedb/page"
	"github.com/intellect4all/keystonedb/txn"
)

var (
	ErrKeyNotFound  = errors.New("btree: key not found")
	ErrTreeClosed   = errors.New("btree: tree closed")
	ErrValueTooLong = errors.New("btree: value exceeds the configured maximum")
)

// RootSetter persists a tree's new root address after a root split,
// implemented by the directory tree / volume that owns this Tree.
type RootSetter func(newRoot uint32) error

// Pruner is the subset of cleanup.Manager a Tree notifies when a write
// leaves a cell holding an attributed multi-version value (a write that
// splits the leaf does not notify), so a later pruning pass can collapse
// it back down once no reader still needs the older versions.
type Pruner interface {
	Enqueue(a cleanup.Action) bool
}

// Tree is one named B+tree within a volume.
type Tree struct {
	pool        *buffer.Pool
	txnIndex    *txn.Index
	root        uint32
	setRoot     RootSetter
	maxKeyLen   int
	longRecThreshold int // values at or above this size are promoted to a chain
	split       SplitPolicy

	name        string // tree name, carried on cleanup actions for logging/lookup
	volumeAlias string
	pruner      Pruner
}

// Options configures a Tree at construction.
type Options struct {
	MaxKeyLen        int
	LongRecThreshold int
	Split            SplitPolicy

	// Name and VolumeAlias identify this tree on cleanup actions it
	// enqueues. Pruner is nil for a tree that should never queue pruning
	// (tests, or a tree opened without a cleanup manager available).
	Name        string
	VolumeAlias string
	Pruner      Pruner
}

func DefaultOptions() Options {
	return Options{MaxKeyLen: 1024, LongRecThreshold: 1024, Split: NiceBias}
}

// Open binds a Tree to an existing root page address.
func Open(pool *buffer.Pool, txnIndex *txn.Index, root uint32, setRoot RootSetter, opts Options) *Tree {
	if opts.MaxKeyLen == 0 {
		opts = DefaultOptions()
	}
	return &Tree{
		pool: pool, txnIndex: txnIndex, root: root, setRoot: setRoot,
		maxKeyLen: opts.MaxKeyLen, longRecThreshold: opts.LongRecThreshold, split: opts.Split,
		name: opts.Name, volumeAlias: opts.VolumeAlias, pruner: opts.Pruner,
	}
}

// Root returns the tree's current root page address.
func (t *Tree) Root() uint32 { return t.root }

// Fetch descends from the root to the leaf that would hold key, reading
// its MVV cell and returning the version visible as of asOf to reader.
func (t *Tree) Fetch(key page.Key, asOf txn.Timestamp, reader txn.Handle) ([]byte, bool, error) {
	if err := page.Validate(key, t.maxKeyLen); err != nil {
		return nil, false, err
	}
	leaf, idx, found, err := t.descendToLeaf(key)
	if err != nil {
		return nil, false, err
	}
	defer leaf.Unpin()
	if !found {
		return nil, false, nil
	}
	cell, err := leaf.Page().CellAt(idx)
	if err != nil {
		return nil, false, err
	}
	value, isDelete, ok, err := t.resolveVisible(cell.Value, asOf, reader)
	if err != nil {
		return nil, false, err
	}
	if !ok || isDelete {
		return nil, false, nil
	}
	return value, true, nil
}

// Versions returns every writer-attributed version currently stored for
// key, including ones no reader can yet see, for write-write conflict
// validation at commit time. ok is false if key has no cell at all. A
// primordial cell (already pruned to a single globally visible value)
// reports one synthetic version carrying NoHandle, since it has no
// attributed writer to conflict with.
func (t *Tree) Versions(key page.Key) (versions []page.Version, ok bool, err error) {
	leaf, idx, found, err := t.descendToLeaf(key)
	if err != nil {
		return nil, false, err
	}
	defer leaf.Unpin()
	if !found {
		return nil, false, nil
	}
	cell, err := leaf.Page().CellAt(idx)
	if err != nil {
		return nil, false, err
	}
	versions, err = page.DecodeMVV(cell.Value)
	if err != nil {
		return nil, false, err
	}
	return versions, true, nil
}

// resolveVisible walks an MVV cell's versions newest-first and returns the
// one visible to reader as of asOf. ok is false if no version is visible
// at all (the key did not exist as of this snapshot); isDelete is true if
// the visible version is an antivalue.
func (t *Tree) resolveVisible(data []byte, asOf txn.Timestamp, reader txn.Handle) (value []byte, isDelete, ok bool, err error) {
	versions, err := page.DecodeMVV(data)
	if err != nil {
		return nil, false, false, err
	}
	if page.IsPrimordial(data) {
		v := versions[0]
		if v.Kind == page.VersionAntivalue {
			return nil, true, true, nil
		}
		value, err = t.materialize(v)
		return value, false, err == nil, err
	}
	for i := len(versions) - 1; i >= 0; i-- {
		v := versions[i]
		writerStatus, lookupErr := t.txnIndex.Lookup(txn.Handle(v.Handle))
		if lookupErr != nil {
			continue // writer already pruned/released; treat as invisible
		}
		if !txn.Visible(writerStatus, asOf, reader) {
			continue
		}
		if v.Kind == page.VersionAntivalue {
			return nil, true, true, nil
		}
		value, err = t.materialize(v)
		return value, false, err == nil, err
	}
	return nil, false, false, nil
}

func (t *Tree) materialize(v page.Version) ([]byte, error) {
	if v.Kind == page.VersionInline {
		return v.Inline, nil
	}
	return t.readLongRecord(v.HeadAddr)
}

func (t *Tree) readLongRecord(head uint32) ([]byte, error) {
	var out []byte
	addr := head
	first := true
	for addr != 0 {
		claim, err := t.pool.Pin(addr, buffer.Reader)
		if err != nil {
			return nil, err
		}
		pg := claim.Page()
		if first {
			chunk := pg.LongRecordHeadChunk()
			out = append(out, chunk...)
			first = false
		} else {
			out = append(out, pg.LongRecordChunk()...)
		}
		next := pg.RightSibling()
		claim.Unpin()
		addr = next
	}
	return out, nil
}

// descendToLeaf crab-walks from root to the leaf that would hold key with
// reader claims, releasing each parent claim once the child is pinned.
func (t *Tree) descendToLeaf(key page.Key) (*buffer.Claim, uint16, bool, error) {
	addr := t.root
	var parent *buffer.Claim
	for {
		claim, err := t.pool.Pin(addr, buffer.Reader)
		if err != nil {
			if parent != nil {
				parent.Unpin()
			}
			return nil, 0, false, err
		}
		if parent != nil {
			parent.Unpin()
		}
		pg := claim.Page()
		if pg.IsLeaf() {
			idx, found := pg.Search(key)
			return claim, idx, found, nil
		}
		idx, found := pg.Search(key)
		cell, err := t.childAt(pg, routingChildIdx(idx, found))
		if err != nil {
			claim.Unpin()
			return nil, 0, false, err
		}
		addr = cell
		parent = claim
	}
}

// routingChildIdx converts a Search result on an interior page into the
// index of the child cell whose range contains key: the last cell whose
// Key is <= key. Search reports the position of an exact match, or the
// position of the first cell greater than key when there is none, so an
// exact match routes to that same index and a miss routes one cell to its
// left.
func routingChildIdx(idx uint16, found bool) uint16 {
	if found {
		return idx
	}
	if idx == 0 {
		return 0
	}
	return idx - 1
}

// pinLeafForWrite re-descends acquiring a writer claim only on the final
// leaf, minimizing the window any page is exclusively held.
func (t *Tree) pinLeafForWrite(key page.Key) (*buffer.Claim, uint16, bool, error) {
	addr := t.root
	var parent *buffer.Claim
	for {
		mode := buffer.Reader
		claim, err := t.pool.Pin(addr, mode)
		if err != nil {
			if parent != nil {
				parent.Unpin()
			}
			return nil, 0, false, err
		}
		pg := claim.Page()
		if pg.IsLeaf() {
			claim.Unpin()
			wclaim, werr := t.pool.Pin(addr, buffer.Writer)
			if parent != nil {
				parent.Unpin()
			}
			if werr != nil {
				return nil, 0, false, werr
			}
			idx, found := wclaim.Page().Search(key)
			return wclaim, idx, found, nil
		}
		if parent != nil {
			parent.Unpin()
		}
		idx, found := pg.Search(key)
		cell, err := t.childAt(pg, routingChildIdx(idx, found))
		if err != nil {
			claim.Unpin()
			return nil, 0, false, err
		}
		addr = cell
		parent = claim
	}
}

func (t *Tree) childAt(pg *page.Page, idx uint16) (uint32, error) {
	n := pg.NumCells()
	if idx >= n {
		idx = n - 1
	}
	cell, err := pg.CellAt(idx)
	if err != nil {
		return 0, err
	}
	return cell.Child, nil
}

// Store writes key=value on behalf of writer, producing an MVV entry.
// Values at or above the long-record threshold are promoted to an
// overflow chain and the leaf cell stores only the chain head.
func (t *Tree) Store(key page.Key, value []byte, writer txn.Handle) error {
	if err := page.Validate(key, t.maxKeyLen); err != nil {
		return err
	}
	version, err := t.prepareVersion(value, writer)
	if err != nil {
		return err
	}
	_, err = t.insertVersion(key, version)
	return err
}

// Delete records an antivalue for key on behalf of writer, then attempts an
// opportunistic join of the leaf with a sibling if the deletion left enough
// headroom that both would comfortably fit in one page.
func (t *Tree) Delete(key page.Key, writer txn.Handle) error {
	if err := page.Validate(key, t.maxKeyLen); err != nil {
		return err
	}
	leafAddr, err := t.insertVersion(key, page.Version{Handle: uint32(writer), Kind: page.VersionAntivalue})
	if err != nil {
		return err
	}
	return t.tryJoin(leafAddr)
}

func (t *Tree) prepareVersion(value []byte, writer txn.Handle) (page.Version, error) {
	if len(value) < t.longRecThreshold {
		return page.Version{Handle: uint32(writer), Kind: page.VersionInline, Inline: value}, nil
	}
	head, err := t.writeLongRecord(value)
	if err != nil {
		return page.Version{}, err
	}
	return page.Version{Handle: uint32(writer), Kind: page.VersionLongRecord, HeadAddr: head, TotalLen: uint64(len(value))}, nil
}

func (t *Tree) writeLongRecord(value []byte) (uint32, error) {
	claim, err := t.pool.NewPage(page.TypeLongRecord)
	if err != nil {
		return 0, err
	}
	headAddr := claim.Addr()
	head := claim.Page()
	*head = *page.NewLongRecordHead(headAddr, head.Size(), uint64(len(value)))
	chunk := head.LongRecordHeadChunk()
	n := copy(chunk, value)
	claim.MarkDirty(0)
	remaining := value[n:]
	prev := claim

	for len(remaining) > 0 {
		nextClaim, err := t.pool.NewPage(page.TypeLongRecord)
		if err != nil {
			prev.Unpin()
			return 0, err
		}
		prev.Page().SetRightSibling(nextClaim.Addr())
		prev.MarkDirty(0)
		prev.Unpin()

		body := nextClaim.Page().Body()
		m := copy(body, remaining)
		nextClaim.Page().MarkBodyDirty()
		nextClaim.MarkDirty(0)
		remaining = remaining[m:]
		prev = nextClaim
	}
	prev.Unpin()
	return headAddr, nil
}

func (t *Tree) insertVersion(key page.Key, v page.Version) (uint32, error) {
	claim, idx, found, err := t.pinLeafForWrite(key)
	if err != nil {
		return 0, err
	}
	leafAddr := claim.Addr()
	pg := claim.Page()

	var encoded []byte
	if found {
		cell, err := pg.CellAt(idx)
		if err != nil {
			claim.Unpin()
			return 0, err
		}
		existing, err := page.DecodeMVV(cell.Value)
		if err != nil {
			claim.Unpin()
			return 0, err
		}
		existing = append(existing, v)
		encoded = page.EncodeMulti(existing)
		if err := pg.DeleteCell(idx); err != nil {
			claim.Unpin()
			return 0, err
		}
	} else if v.Handle == uint32(txn.NoHandle) {
		// No real writer attached (pruning's own rewrite path): this is a
		// genuinely pruned base value, safe to store unconditionally visible.
		encoded = page.EncodePrimordial(v)
	} else {
		// A key's first write is still one committed-or-not transaction's
		// contribution; it must go through the same visibility gate as any
		// other version, so it is stored as a single-entry multi-version
		// cell rather than an unconditionally visible primordial one.
		encoded = page.EncodeMulti([]page.Version{v})
	}

	cell := &page.Cell{Key: key, Value: encoded}
	if pg.IsFull(len(key), len(encoded)) {
		return leafAddr, t.splitAndInsert(claim, cell)
	}
	if err := pg.InsertCell(cell); err != nil {
		claim.Unpin()
		return 0, err
	}
	claim.MarkDirty(0)
	claim.Unpin()
	if t.pruner != nil && page.IsMulti(encoded) {
		t.pruner.Enqueue(cleanup.Action{Kind: cleanup.ActionPruneMVV, Tree: t.name, Volume: t.volumeAlias, PageAddr: leafAddr})
	}
	return leafAddr, nil
}

// compareKeys exposes byte-order key comparison; page.Key's encoding is
// designed so plain bytes.Compare already implements the full ordering.
func compareKeys(a, b page.Key) int { return bytes.Compare(a, b) }

// Prune collapses every multi-version cell on the leaf at addr back down
// to a primordial value, for any cell where no transaction known to
// txnIndex could still need to see an older version than the newest
// committed one. It is the handler cleanup.ActionPruneMVV (and
// ActionRemoveAntivalueRange, which this subsumes: a pruned antivalue is
// simply deleted outright rather than kept as a tombstone) run against.
func (t *Tree) Prune(addr uint32, txnIndex *txn.Index) error {
	claim, err := t.pool.Pin(addr, buffer.Writer)
	if err != nil {
		return err
	}
	defer claim.Unpin()
	pg := claim.Page()
	if !pg.IsLeaf() {
		return nil
	}

	cells, err := pg.AllCells()
	if err != nil {
		return err
	}
	dirty := false
	for _, cell := range cells {
		if page.IsPrimordial(cell.Value) {
			continue
		}
		versions, err := page.DecodeMVV(cell.Value)
		if err != nil || len(versions) == 0 {
			continue
		}
		winner, ok := prunableWinner(versions, txnIndex)
		if !ok {
			continue
		}
		if winner.Kind == page.VersionAntivalue {
			idx, found := pg.Search(cell.Key)
			if !found {
				continue
			}
			if err := pg.DeleteCell(idx); err != nil {
				continue
			}
		} else if err := pg.InsertCell(&page.Cell{Key: cell.Key, Value: page.EncodePrimordial(winner)}); err != nil {
			continue
		}
		dirty = true
	}
	if dirty {
		claim.MarkDirty(0)
	}
	return nil
}

// prunableWinner returns the newest committed version among versions and
// reports whether every older version is safe to discard: only when
// every version has resolved (no active writer left in play) and no
// transaction tracked by txnIndex could hold a snapshot predating the
// winner's commit.
func prunableWinner(versions []page.Version, txnIndex *txn.Index) (page.Version, bool) {
	var winner page.Version
	var winnerCommit txn.Timestamp
	found := false
	for _, v := range versions {
		st, err := txnIndex.Lookup(txn.Handle(v.Handle))
		if err != nil {
			// Writer already released: it predates everything else here and
			// cannot be the winner, but says nothing about the others.
			continue
		}
		if st.IsAborted() {
			// Never visible to anyone; discarded when the cell collapses.
			continue
		}
		commitTS, committed := st.Committed()
		if !committed {
			return page.Version{}, false
		}
		if !found || commitTS > winnerCommit {
			winner, winnerCommit, found = v, commitTS, true
		}
	}
	if !found {
		return page.Version{}, false
	}
	if txnIndex.HasConcurrentTransaction(0, winnerCommit-1) {
		return page.Version{}, false
	}
	return winner, true
}
