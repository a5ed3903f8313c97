package btree

import (
	"github.com/intellect4all/keystonedb/buffer"
	"github.com/intellect4all/keystonedb/page"
	"github.com/intellect4all/keystonedb/txn"
)

// Direction selects where a Cursor positions relative to a key, matching
// the traversal primitive the original key/value layer exposed: a single
// "move toward this key, in this direction" operation that both seeks and
// steps use.
type Direction int

const (
	LT Direction = iota
	LTEQ
	EQ
	GTEQ
	GT
)

// Cursor walks a tree's keys in order as of a fixed snapshot, skipping
// versions not visible to reader. It holds no page pinned between calls:
// position is a stack of (page address, child/cell index) pairs, rebuilt
// a level at a time as the cursor moves, so a concurrent split or an
// eviction of a page the cursor previously visited never invalidates it.
type Cursor struct {
	tree   *Tree
	asOf   txn.Timestamp
	reader txn.Handle

	// Deep controls whether logically deleted entries (antivalues) are
	// surfaced to the caller as tombstones instead of being skipped. It is
	// false unless the caller sets it; nothing in this module sets it.
	Deep bool

	stack []stackFrame
	key   page.Key
	value []byte
	del   bool
	valid bool
}

type stackFrame struct {
	addr uint32
	idx  int
}

// NewCursor creates a cursor over t, reading as of asOf on behalf of
// reader (NoHandle for a read-only snapshot reader with no in-flight
// writes of its own).
func (t *Tree) NewCursor(asOf txn.Timestamp, reader txn.Handle) *Cursor {
	return &Cursor{tree: t, asOf: asOf, reader: reader}
}

// Seek positions the cursor at the first key satisfying dir relative to
// key. page.Before and page.After are valid seek keys: Seek(page.Before,
// GT) starts a forward scan of the whole tree; Seek(page.After, LT)
// starts a backward scan.
func (c *Cursor) Seek(key page.Key, dir Direction) (bool, error) {
	stack, leafIdx, found, err := c.tree.descendWithPath(key)
	if err != nil {
		return false, err
	}
	switch dir {
	case GT:
		if found {
			leafIdx++
		}
	case GTEQ:
		// leafIdx already points at the first key >= key.
	case EQ:
		if !found {
			c.valid = false
			return false, nil
		}
	case LTEQ:
		if !found {
			leafIdx--
		}
	case LT:
		leafIdx--
	}
	stack[len(stack)-1].idx = leafIdx
	c.stack = stack

	forward := dir == GT || dir == GTEQ || dir == EQ
	return c.settle(forward)
}

// Next moves the cursor to the next key in ascending order.
func (c *Cursor) Next() (bool, error) {
	if !c.valid {
		return false, nil
	}
	c.stack[len(c.stack)-1].idx++
	return c.settle(true)
}

// Prev moves the cursor to the next key in descending order.
func (c *Cursor) Prev() (bool, error) {
	if !c.valid {
		return false, nil
	}
	c.stack[len(c.stack)-1].idx--
	return c.settle(false)
}

// settle advances or retreats the stack until it rests on a visible entry
// (or, if Deep, any entry at all), stepping past invisible/deleted
// versions along the way.
func (c *Cursor) settle(forward bool) (bool, error) {
	for {
		ok, err := c.position(forward)
		if err != nil || !ok {
			c.valid = false
			return false, err
		}
		cell, err := c.currentCell()
		if err != nil {
			c.valid = false
			return false, err
		}
		value, isDelete, visible, err := c.tree.resolveVisible(cell.Value, c.asOf, c.reader)
		if err != nil {
			c.valid = false
			return false, err
		}
		if !visible {
			if forward {
				c.stack[len(c.stack)-1].idx++
			} else {
				c.stack[len(c.stack)-1].idx--
			}
			continue
		}
		if isDelete && !c.Deep {
			if forward {
				c.stack[len(c.stack)-1].idx++
			} else {
				c.stack[len(c.stack)-1].idx--
			}
			continue
		}
		c.key = append(page.Key(nil), cell.Key...)
		c.value = value
		c.del = isDelete
		c.valid = true
		return true, nil
	}
}

// position ensures the top of the stack names a real cell, walking up and
// across the tree as needed; it does not interpret the cell's contents.
func (c *Cursor) position(forward bool) (bool, error) {
	for len(c.stack) > 0 {
		top := len(c.stack) - 1
		frame := c.stack[top]
		if frame.idx < 0 {
			c.stack = c.stack[:top]
			if len(c.stack) == 0 {
				return false, nil
			}
			c.stack[len(c.stack)-1].idx--
			continue
		}
		claim, err := c.tree.pool.Pin(frame.addr, buffer.Reader)
		if err != nil {
			return false, err
		}
		pg := claim.Page()
		n := int(pg.NumCells())
		if frame.idx >= n {
			claim.Unpin()
			c.stack = c.stack[:top]
			if len(c.stack) == 0 {
				return false, nil
			}
			c.stack[len(c.stack)-1].idx++
			continue
		}
		if pg.IsLeaf() {
			claim.Unpin()
			return true, nil
		}
		cell, err := pg.CellAt(uint16(frame.idx))
		claim.Unpin()
		if err != nil {
			return false, err
		}
		var path []stackFrame
		if forward {
			path, err = c.tree.leftmostPath(cell.Child)
		} else {
			path, err = c.tree.rightmostPath(cell.Child)
		}
		if err != nil {
			return false, err
		}
		c.stack = append(c.stack, path...)
	}
	return false, nil
}

func (c *Cursor) currentCell() (*page.Cell, error) {
	top := c.stack[len(c.stack)-1]
	claim, err := c.tree.pool.Pin(top.addr, buffer.Reader)
	if err != nil {
		return nil, err
	}
	defer claim.Unpin()
	return claim.Page().CellAt(uint16(top.idx))
}

// Key returns the key at the cursor's current position.
func (c *Cursor) Key() page.Key { return c.key }

// Value returns the value at the cursor's current position, or nil if the
// position is a tombstone surfaced because Deep is set.
func (c *Cursor) Value() []byte { return c.value }

// IsDelete reports whether the current position is a tombstone. Only
// possible when Deep is set; otherwise settle skips tombstones entirely.
func (c *Cursor) IsDelete() bool { return c.del }

// Valid reports whether the cursor currently rests on an entry.
func (c *Cursor) Valid() bool { return c.valid }

// descendWithPath descends from root to the leaf that would hold key,
// recording the child index taken at every level.
func (t *Tree) descendWithPath(key page.Key) ([]stackFrame, int, bool, error) {
	var stack []stackFrame
	addr := t.root
	for {
		claim, err := t.pool.Pin(addr, buffer.Reader)
		if err != nil {
			return nil, 0, false, err
		}
		pg := claim.Page()
		idx, found := pg.Search(key)
		if pg.IsLeaf() {
			claim.Unpin()
			stack = append(stack, stackFrame{addr: addr, idx: int(idx)})
			return stack, int(idx), found, nil
		}
		childIdx := int(routingChildIdx(idx, found))
		cell, err := t.childAt(pg, uint16(childIdx))
		claim.Unpin()
		if err != nil {
			return nil, 0, false, err
		}
		stack = append(stack, stackFrame{addr: addr, idx: childIdx})
		addr = cell
	}
}

func (t *Tree) leftmostPath(addr uint32) ([]stackFrame, error) {
	var path []stackFrame
	for {
		claim, err := t.pool.Pin(addr, buffer.Reader)
		if err != nil {
			return nil, err
		}
		pg := claim.Page()
		path = append(path, stackFrame{addr: addr, idx: 0})
		if pg.IsLeaf() || pg.NumCells() == 0 {
			claim.Unpin()
			return path, nil
		}
		cell, err := pg.CellAt(0)
		claim.Unpin()
		if err != nil {
			return nil, err
		}
		addr = cell.Child
	}
}

func (t *Tree) rightmostPath(addr uint32) ([]stackFrame, error) {
	var path []stackFrame
	for {
		claim, err := t.pool.Pin(addr, buffer.Reader)
		if err != nil {
			return nil, err
		}
		pg := claim.Page()
		n := int(pg.NumCells())
		path = append(path, stackFrame{addr: addr, idx: n - 1})
		if pg.IsLeaf() || n == 0 {
			claim.Unpin()
			return path, nil
		}
		cell, err := pg.CellAt(uint16(n - 1))
		claim.Unpin()
		if err != nil {
			return nil, err
		}
		addr = cell.Child
	}
}

// Close drops the cursor's position stack and marks it invalid. Cursor
// never holds a page pinned between calls, so there is nothing to unpin.
func (c *Cursor) Close() error {
	c.stack = nil
	c.valid = false
	return nil
}
