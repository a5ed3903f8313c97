package buffer

import (
	"sync/atomic"

	"github.com/intellect4all/keystonedb/page"
)

// Mode selects reader (shared) or writer (exclusive) pin semantics.
type Mode int

const (
	Reader Mode = iota
	Writer
)

// Claim is a pin on a buffer. Its Unpin method releases the pin; callers
// are expected to defer it immediately after a successful Pin, the way a
// mutex lock is deferred-unlocked, so a forgotten release shows up as
// ErrPinConflict from a later conflicting Pin rather than a silent leak.
type Claim struct {
	pool     *Pool
	shard    *shard
	addr     uint32
	frame    *frame
	mode     Mode
	released atomic.Bool
}

// Page returns the pinned page image. Valid until Unpin.
func (c *Claim) Page() *page.Page {
	return c.frame.pg
}

// Addr returns the page address this claim pins.
func (c *Claim) Addr() uint32 {
	return c.addr
}

// MarkDirty flags the pinned page as modified at journalPos, the journal
// address the record protecting this modification was written at. Only
// valid on a writer claim.
func (c *Claim) MarkDirty(journalPos uint64) error {
	if c.mode != Writer {
		return ErrNotPinned
	}
	c.frame.pg.SetDirty(true)
	c.frame.journalPos = journalPos
	return nil
}

// Unpin releases the claim. Safe to call more than once.
func (c *Claim) Unpin() {
	if c.released.Swap(true) {
		return
	}
	c.shard.mu.Lock()
	if c.mode == Writer {
		c.frame.writerHeld = false
	} else {
		c.frame.readers--
	}
	c.shard.mu.Unlock()
}
