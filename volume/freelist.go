package volume

import (
	"encoding/binary"

	"github.com/intellect4all/keystonedb/page"
)

// freeList is a stack of reclaimed page addresses, persisted as a chain
// of garbage-type pages linked through RightSibling. Each page's body
// holds a count followed by that many big-endian uint32 addresses; the
// chain's head page is fixed at creation (freeListAddr) and never moves.
type freeList struct {
	v    *Volume
	addr uint32
}

func newFreeList(v *Volume, addr uint32) *freeList {
	return &freeList{v: v, addr: addr}
}

func freeListCapacity(pageSize int) int {
	return (pageSize - page.HeaderSize - 4) / 4
}

// push adds addr to the free list, allocating (by direct file extension,
// not through Volume.Allocate) an overflow page if the head is full.
func (fl *freeList) push(addr uint32) error {
	raw, err := fl.v.readRaw(fl.addr)
	if err != nil {
		return err
	}
	pg, err := page.Load(fl.addr, raw)
	if err != nil {
		return err
	}
	body := pg.Body()
	capacity := freeListCapacity(fl.v.pageSize)
	count := int(binary.BigEndian.Uint32(body[0:4]))

	if count < capacity {
		binary.BigEndian.PutUint32(body[4+count*4:], addr)
		binary.BigEndian.PutUint32(body[0:4], uint32(count+1))
		pg.MarkBodyDirty()
		return fl.v.writeRaw(fl.addr, pg.Bytes())
	}

	// Head is full: put addr on a new one-entry overflow page linked
	// directly after the head. The head itself stays full, so each further
	// push while it is full adds another overflow page.
	overflowAddr := fl.v.numPages
	if err := fl.v.extendFile(1); err != nil {
		return err
	}
	fl.v.numPages++

	overflow := page.New(overflowAddr, fl.v.pageSize, page.TypeGarbage)
	overflow.SetRightSibling(pg.RightSibling())
	obody := overflow.Body()
	binary.BigEndian.PutUint32(obody[0:4], 1)
	binary.BigEndian.PutUint32(obody[4:8], addr)
	overflow.MarkBodyDirty()
	if err := fl.v.writeRaw(overflowAddr, overflow.Bytes()); err != nil {
		return err
	}

	pg.SetRightSibling(overflowAddr)
	if err := fl.v.writeRaw(fl.addr, pg.Bytes()); err != nil {
		return err
	}
	return fl.v.syncHead()
}

// pop removes and returns the most recently freed address, or ok=false
// if the list is empty.
func (fl *freeList) pop() (uint32, bool, error) {
	raw, err := fl.v.readRaw(fl.addr)
	if err != nil {
		return 0, false, err
	}
	pg, err := page.Load(fl.addr, raw)
	if err != nil {
		return 0, false, err
	}
	body := pg.Body()
	count := int(binary.BigEndian.Uint32(body[0:4]))
	if count == 0 {
		if pg.RightSibling() == 0 {
			return 0, false, nil
		}
		// The head page is drained. Rather than move the head to another
		// address, copy the next page's contents and link into the head's
		// slot and pop again. The next page's own address is not returned
		// to the free list.
		nextAddr := pg.RightSibling()
		nraw, err := fl.v.readRaw(nextAddr)
		if err != nil {
			return 0, false, err
		}
		npg, err := page.Load(nextAddr, nraw)
		if err != nil {
			return 0, false, err
		}
		npg2 := page.New(fl.addr, fl.v.pageSize, page.TypeGarbage)
		copy(npg2.Body(), npg.Body())
		npg2.SetRightSibling(npg.RightSibling())
		npg2.MarkBodyDirty()
		if err := fl.v.writeRaw(fl.addr, npg2.Bytes()); err != nil {
			return 0, false, err
		}
		return fl.pop()
	}
	addr := binary.BigEndian.Uint32(body[4+(count-1)*4:])
	binary.BigEndian.PutUint32(body[0:4], uint32(count-1))
	pg.MarkBodyDirty()
	if err := fl.v.writeRaw(fl.addr, pg.Bytes()); err != nil {
		return 0, false, err
	}
	return addr, true, nil
}
