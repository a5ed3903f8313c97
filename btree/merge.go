package btree

import (
	"github.com/intellect4all/keystonedb/buffer"
	"github.com/intellect4all/keystonedb/page"
)

// joinHeadroomDivisor controls how much spare room a join must leave:
// the combined page must use no more than (1 - 1/joinHeadroomDivisor) of
// a page's capacity.
const joinHeadroomDivisor = 8

// tryJoin attempts to merge the page at leafAddr with an adjacent sibling
// after a deletion, opportunistically reclaiming a page when the two
// together fit in one with headroom to spare. It is a no-op, not an
// error, whenever no join is possible: a deletion always succeeds even
// if the tree stays exactly as tall as it was.
func (t *Tree) tryJoin(leafAddr uint32) error {
	if leafAddr == t.root {
		return nil
	}
	parentAddr, err := t.findParent(t.root, leafAddr)
	if err != nil {
		return nil
	}
	parentClaim, err := t.pool.Pin(parentAddr, buffer.Writer)
	if err != nil {
		return err
	}
	defer parentClaim.Unpin()
	parent := parentClaim.Page()

	cells, err := parent.AllCells()
	if err != nil {
		return err
	}
	pos := -1
	for i, c := range cells {
		if c.Child == leafAddr {
			pos = i
			break
		}
	}
	if pos < 0 {
		return nil
	}

	var siblingIdx int
	rightOfPair := true
	switch {
	case pos+1 < len(cells):
		siblingIdx = pos + 1
	case pos > 0:
		siblingIdx = pos - 1
		rightOfPair = false
	default:
		return nil // only child in this parent, nothing to join with
	}

	leftAddr, rightAddr := leafAddr, cells[siblingIdx].Child
	rightIdx := siblingIdx
	if !rightOfPair {
		leftAddr, rightAddr = cells[siblingIdx].Child, leafAddr
		rightIdx = pos
	}

	leftClaim, err := t.pool.Pin(leftAddr, buffer.Writer)
	if err != nil {
		return err
	}
	rightClaim, err := t.pool.Pin(rightAddr, buffer.Writer)
	if err != nil {
		leftClaim.Unpin()
		return err
	}
	left, right := leftClaim.Page(), rightClaim.Page()

	if !joinFits(left, right) {
		leftClaim.Unpin()
		rightClaim.Unpin()
		return nil
	}

	leftCells, err := left.AllCells()
	if err != nil {
		leftClaim.Unpin()
		rightClaim.Unpin()
		return err
	}
	rightCells, err := right.AllCells()
	if err != nil {
		leftClaim.Unpin()
		rightClaim.Unpin()
		return err
	}

	if !left.IsLeaf() && len(rightCells) > 0 {
		// The right page's leftmost cell carries the BEFORE sentinel as its
		// key; pull the parent's separator down to replace it, the standard
		// interior-merge step.
		pulled := append(page.Key(nil), cells[rightIdx].Key...)
		rightCells[0] = &page.Cell{Key: pulled, Child: rightCells[0].Child}
	}

	left.Reset()
	for _, c := range leftCells {
		if err := left.InsertCell(c); err != nil {
			leftClaim.Unpin()
			rightClaim.Unpin()
			return err
		}
	}
	for _, c := range rightCells {
		if err := left.InsertCell(c); err != nil {
			leftClaim.Unpin()
			rightClaim.Unpin()
			return err
		}
	}
	if left.IsLeaf() {
		left.SetRightSibling(right.RightSibling())
	}
	leftClaim.MarkDirty(0)

	// The emptied sibling becomes a garbage page. Its address is not
	// returned to the volume's free list, here or later.
	garbage := page.New(rightAddr, right.Size(), page.TypeGarbage)
	*right = *garbage
	rightClaim.MarkDirty(0)

	leftClaim.Unpin()
	rightClaim.Unpin()

	if err := parent.DeleteCell(uint16(rightIdx)); err != nil {
		return err
	}
	parentClaim.MarkDirty(0)
	return nil
}

func joinFits(left, right *page.Page) bool {
	combined := left.UsedBytes() + right.UsedBytes() - page.HeaderSize
	headroom := left.Size() / joinHeadroomDivisor
	return combined <= left.Size()-headroom
}
