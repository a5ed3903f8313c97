package page

import "encoding/binary"

// Long-record pages hold the overflow bytes of a value too large to fit
// inline in a leaf cell. The head page of the chain stores the total
// length of the value; every page in the chain (including the head) stores
// its share of the value bytes in its body, and chains to the next page via
// the page's RightSibling field (0 terminates the chain).

const longRecordLengthSize = 8

// NewLongRecordHead creates the head page of a long-record chain, recording
// the total length of the value it will hold.
func NewLongRecordHead(addr uint32, size int, totalLen uint64) *Page {
	p := New(addr, size, TypeLongRecord)
	binary.BigEndian.PutUint64(p.Body(), totalLen)
	return p
}

// LongRecordTotalLen returns the total value length recorded in the chain's
// head page.
func (p *Page) LongRecordTotalLen() (uint64, error) {
	if p.Type() != TypeLongRecord {
		return 0, ErrNotLongRecord
	}
	return binary.BigEndian.Uint64(p.Body()), nil
}

// LongRecordHeadChunk returns the writable chunk area of the head page,
// which follows the 8-byte length field.
func (p *Page) LongRecordHeadChunk() []byte {
	return p.Body()[longRecordLengthSize:]
}

// LongRecordChunk returns the writable chunk area of a non-head chain page,
// which spans the whole body.
func (p *Page) LongRecordChunk() []byte {
	return p.Body()
}
