package btree

import (
	"github.com/intellect4all/keystonedb/buffer"
	"github.com/intellect4all/keystonedb/page"
)

// SplitPolicy chooses where a full page is divided. Distinct policies
// trade fill-factor against resistance to pathological sequential-insert
// fragmentation.
type SplitPolicy int

const (
	// NiceBias splits at the midpoint, the general-purpose default.
	NiceBias SplitPolicy = iota
	// LeftBias keeps more cells on the original (left) page, favoring
	// workloads that insert in ascending key order.
	LeftBias
	// RightBias keeps more cells on the new (right) page, favoring
	// descending-order insert workloads.
	RightBias
	// PackBias fills the left page as tightly as possible before
	// spilling, minimizing page count for bulk loads.
	PackBias
)

func (p SplitPolicy) splitPoint(n int) int {
	var mid int
	switch p {
	case LeftBias:
		mid = n * 3 / 4
	case RightBias:
		mid = n / 4
	case PackBias:
		mid = n - 1
	default: // NiceBias
		mid = n / 2
	}
	if mid <= 0 {
		mid = 1
	}
	if mid >= n {
		mid = n - 1
	}
	return mid
}

// splitAndInsert splits a full leaf, inserting cell into whichever half
// it belongs, then propagates the new separator up the tree.
func (t *Tree) splitAndInsert(leftClaim *buffer.Claim, cell *page.Cell) error {
	left := leftClaim.Page()
	all, err := left.AllCells()
	if err != nil {
		leftClaim.Unpin()
		return err
	}
	all = insertSorted(all, cell)
	mid := t.split.splitPoint(len(all))

	rightClaim, err := t.pool.NewPage(page.TypeLeaf)
	if err != nil {
		leftClaim.Unpin()
		return err
	}
	right := rightClaim.Page()

	left.Reset()
	for _, c := range all[:mid] {
		if err := left.InsertCell(c); err != nil {
			leftClaim.Unpin()
			rightClaim.Unpin()
			return err
		}
	}
	for _, c := range all[mid:] {
		if err := right.InsertCell(c); err != nil {
			leftClaim.Unpin()
			rightClaim.Unpin()
			return err
		}
	}

	right.SetRightSibling(left.RightSibling())
	left.SetRightSibling(rightClaim.Addr())
	leftClaim.MarkDirty(0)
	rightClaim.MarkDirty(0)

	separator := append(page.Key(nil), all[mid].Key...)
	leftAddr := leftClaim.Addr()
	rightAddr := rightClaim.Addr()
	wasRoot := leftAddr == t.root
	leftClaim.Unpin()
	rightClaim.Unpin()

	if wasRoot {
		return t.splitRoot(leftAddr, separator, rightAddr)
	}
	return t.insertIntoParent(leftAddr, separator, rightAddr)
}

func insertSorted(cells []*page.Cell, cell *page.Cell) []*page.Cell {
	i := 0
	for i < len(cells) && compareKeys(cells[i].Key, cell.Key) < 0 {
		i++
	}
	out := make([]*page.Cell, 0, len(cells)+1)
	out = append(out, cells[:i]...)
	out = append(out, cell)
	out = append(out, cells[i:]...)
	return out
}

// splitRoot creates a new interior root above the two halves of a split
// former root, the only case where the tree grows taller. leftAddr's
// leftmost-child slot is recorded with the BEFORE sentinel key, so Search
// always resolves a child even for keys smaller than every separator.
func (t *Tree) splitRoot(leftAddr uint32, separator page.Key, rightAddr uint32) error {
	newRootClaim, err := t.pool.NewPage(page.TypeInterior)
	if err != nil {
		return err
	}
	newRoot := newRootClaim.Page()
	if err := newRoot.InsertCell(&page.Cell{Key: page.Before, Child: leftAddr}); err != nil {
		newRootClaim.Unpin()
		return err
	}
	if err := newRoot.InsertCell(&page.Cell{Key: separator, Child: rightAddr}); err != nil {
		newRootClaim.Unpin()
		return err
	}
	newRootClaim.MarkDirty(0)
	newRootAddr := newRootClaim.Addr()
	newRootClaim.Unpin()

	t.root = newRootAddr
	if t.setRoot != nil {
		return t.setRoot(newRootAddr)
	}
	return nil
}

// insertIntoParent walks down from the root again to find leftAddr's
// parent and inserts the new separator/child pair, splitting the parent
// in turn if it is itself full. This two-pass approach (split children
// bottom-up, then locate the parent by a fresh descent) trades one extra
// traversal for not having to carry a full ancestor stack through the
// write path.
func (t *Tree) insertIntoParent(leftAddr uint32, separator page.Key, rightAddr uint32) error {
	parentAddr, err := t.findParent(t.root, leftAddr)
	if err != nil {
		return err
	}
	parentClaim, err := t.pool.Pin(parentAddr, buffer.Writer)
	if err != nil {
		return err
	}
	parent := parentClaim.Page()
	cell := &page.Cell{Key: separator, Child: rightAddr}
	if parent.IsFull(len(separator), 4) {
		return t.splitInteriorAndInsert(parentClaim, cell)
	}
	if err := parent.InsertCell(cell); err != nil {
		parentClaim.Unpin()
		return err
	}
	parentClaim.MarkDirty(0)
	parentClaim.Unpin()
	return nil
}

func (t *Tree) splitInteriorAndInsert(parentClaim *buffer.Claim, cell *page.Cell) error {
	parent := parentClaim.Page()
	all, err := parent.AllCells()
	if err != nil {
		parentClaim.Unpin()
		return err
	}
	all = insertSorted(all, cell)
	mid := t.split.splitPoint(len(all))

	rightClaim, err := t.pool.NewPage(page.TypeInterior)
	if err != nil {
		parentClaim.Unpin()
		return err
	}
	right := rightClaim.Page()

	promoted := append(page.Key(nil), all[mid].Key...)

	parent.Reset()
	for _, c := range all[:mid] {
		if err := parent.InsertCell(c); err != nil {
			parentClaim.Unpin()
			rightClaim.Unpin()
			return err
		}
	}
	// all[mid]'s child becomes the new right page's leftmost (BEFORE) child;
	// its separator key is promoted to the grandparent instead of kept here.
	if err := right.InsertCell(&page.Cell{Key: page.Before, Child: all[mid].Child}); err != nil {
		parentClaim.Unpin()
		rightClaim.Unpin()
		return err
	}
	for _, c := range all[mid+1:] {
		if err := right.InsertCell(c); err != nil {
			parentClaim.Unpin()
			rightClaim.Unpin()
			return err
		}
	}
	parentClaim.MarkDirty(0)
	rightClaim.MarkDirty(0)
	parentAddr := parentClaim.Addr()
	rightAddr := rightClaim.Addr()
	wasRoot := parentAddr == t.root
	parentClaim.Unpin()
	rightClaim.Unpin()

	if wasRoot {
		return t.splitRoot(parentAddr, promoted, rightAddr)
	}
	return t.insertIntoParent(parentAddr, promoted, rightAddr)
}

// findParent locates the interior page whose child pointer is childAddr,
// descending from root.
func (t *Tree) findParent(root, childAddr uint32) (uint32, error) {
	claim, err := t.pool.Pin(root, buffer.Reader)
	if err != nil {
		return 0, err
	}
	pg := claim.Page()
	if pg.IsLeaf() {
		claim.Unpin()
		return 0, ErrKeyNotFound
	}
	cells, err := pg.AllCells()
	claim.Unpin()
	if err != nil {
		return 0, err
	}
	for _, c := range cells {
		if c.Child == childAddr {
			return root, nil
		}
	}
	for _, c := range cells {
		addr, err := t.findParent(c.Child, childAddr)
		if err == nil {
			return addr, nil
		}
	}
	return 0, ErrKeyNotFound
}
