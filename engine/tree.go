package engine

import (
	"github.com/intellect4all/keystonedb/btree"
)

// Tree is a named B+tree opened through Engine.Tree. All reads and
// writes flow through an Exchange, which supplies the MVCC reader/writer
// identity every btree.Tree method requires.
type Tree struct {
	name string
	tree *btree.Tree
}

// Name returns the tree's name as it appears in the owning volume's
// directory.
func (t *Tree) Name() string { return t.name }
