// Package page implements the on-disk page format: fixed-size page framing,
// the slot/cell layout for interior and leaf B+tree pages, long-record
// overflow chains, and the typed composite key and multi-version value
// codecs layered on top of a page's raw byte body.
//
// The framing (header layout, cell directory, varint cell sizes, binary
// search over the directory) is adapted from the teacher's btree/page.go;
// the type tag, version timestamp and checksum fields, and the long-record
// and garbage page types, are this module's generalization to the full
// page taxonomy in the spec.
package page

import (
	"bytes"
	"encoding/binary"
	"errors"
	"hash/crc32"
)

// Type is the page type tag stored in every page's header.
type Type byte

const (
	TypeHead       Type = 1
	TypeInterior   Type = 2
	TypeLeaf       Type = 3
	TypeLongRecord Type = 4
	TypeGarbage    Type = 5
)

// Valid page sizes, power-of-two, 1 KiB to 16 KiB as required by spec §3.
var ValidSizes = []int{1024, 2048, 4096, 8192, 16384}

func IsValidSize(size int) bool {
	for _, s := range ValidSizes {
		if s == size {
			return true
		}
	}
	return false
}

// Header layout (big-endian throughout):
//
//	[0]      type        (1 byte)
//	[1:9]    timestamp    (8 bytes)
//	[9:13]   rightSibling (4 bytes, page address; 0 = none)
//	[13:15]  numCells     (2 bytes; meaningful only for interior/leaf pages)
//	[15:17]  freePtr      (2 bytes; offset where the next cell is written)
//	[17:21]  checksum     (4 bytes, CRC32C over the whole page with this
//	                       field zeroed)
//	[21:24]  reserved
const (
	HeaderSize = 24

	offType         = 0
	offTimestamp    = 1
	offRightSibling = 9
	offNumCells     = 13
	offFreePtr      = 15
	offChecksum     = 17

	// CellDirEntrySize is the width of one cell-directory slot. Two bytes
	// suffice since no valid page size exceeds 16 KiB.
	CellDirEntrySize = 2
)

var (
	ErrInvalidPageSize   = errors.New("page: invalid page size")
	ErrChecksumMismatch  = errors.New("page: checksum mismatch")
	ErrPageFull          = errors.New("page: page is full")
	ErrCellNotFound      = errors.New("page: cell not found")
	ErrNotLongRecord     = errors.New("page: not a long-record page")
	ErrNotInteriorOrLeaf = errors.New("page: page is not interior or leaf")
)

// Page is a fixed-size block of bytes, cached by the buffer pool and backed
// by a volume file.
type Page struct {
	addr  uint32
	size  int
	data  []byte
	dirty bool
}

// New allocates a fresh, zeroed page of the given type.
func New(addr uint32, size int, typ Type) *Page {
	p := &Page{addr: addr, size: size, data: make([]byte, size), dirty: true}
	p.data[offType] = byte(typ)
	binary.BigEndian.PutUint16(p.data[offFreePtr:], uint16(size))
	return p
}

// Load reconstructs a page from raw bytes read from a volume file, verifying
// its checksum.
func Load(addr uint32, data []byte) (*Page, error) {
	if !IsValidSize(len(data)) {
		return nil, ErrInvalidPageSize
	}
	p := &Page{addr: addr, size: len(data), data: append([]byte(nil), data...)}
	if err := p.verifyChecksum(); err != nil {
		return nil, err
	}
	return p, nil
}

func (p *Page) Addr() uint32 { return p.addr }
func (p *Page) Size() int    { return p.size }
func (p *Page) Type() Type   { return Type(p.data[offType]) }
func (p *Page) IsLeaf() bool { return p.Type() == TypeLeaf }
func (p *Page) IsDirty() bool     { return p.dirty }
func (p *Page) SetDirty(d bool)   { p.dirty = d }

func (p *Page) Timestamp() uint64 { return binary.BigEndian.Uint64(p.data[offTimestamp:]) }
func (p *Page) SetTimestamp(ts uint64) {
	binary.BigEndian.PutUint64(p.data[offTimestamp:], ts)
	p.dirty = true
}

func (p *Page) RightSibling() uint32 { return binary.BigEndian.Uint32(p.data[offRightSibling:]) }
func (p *Page) SetRightSibling(addr uint32) {
	binary.BigEndian.PutUint32(p.data[offRightSibling:], addr)
	p.dirty = true
}

func (p *Page) NumCells() uint16 { return binary.BigEndian.Uint16(p.data[offNumCells:]) }
func (p *Page) setNumCells(n uint16) {
	binary.BigEndian.PutUint16(p.data[offNumCells:], n)
}

func (p *Page) freePtr() uint16 { return binary.BigEndian.Uint16(p.data[offFreePtr:]) }
func (p *Page) setFreePtr(v uint16) {
	binary.BigEndian.PutUint16(p.data[offFreePtr:], v)
}

// Bytes finalizes the checksum and returns the raw page bytes ready to be
// written to the volume file. The returned slice aliases the page's
// internal buffer and must not be retained across further mutation.
func (p *Page) Bytes() []byte {
	p.writeChecksum()
	return p.data
}

// Clone returns a deep copy of the page.
func (p *Page) Clone() *Page {
	c := &Page{addr: p.addr, size: p.size, dirty: p.dirty, data: append([]byte(nil), p.data...)}
	return c
}

func (p *Page) writeChecksum() {
	binary.BigEndian.PutUint32(p.data[offChecksum:], 0)
	sum := crc32.Checksum(p.data, crc32.MakeTable(crc32.Castagnoli))
	binary.BigEndian.PutUint32(p.data[offChecksum:], sum)
}

func (p *Page) verifyChecksum() error {
	stored := binary.BigEndian.Uint32(p.data[offChecksum:])
	binary.BigEndian.PutUint32(p.data[offChecksum:], 0)
	sum := crc32.Checksum(p.data, crc32.MakeTable(crc32.Castagnoli))
	binary.BigEndian.PutUint32(p.data[offChecksum:], stored)
	if sum != stored {
		return ErrChecksumMismatch
	}
	return nil
}

// Body returns the raw bytes following the header, for use by page types
// (head, long-record) that don't use the cell directory.
func (p *Page) Body() []byte { return p.data[HeaderSize:] }

// MarkBodyDirty flags the page dirty after a caller has mutated Body()
// bytes directly.
func (p *Page) MarkBodyDirty() { p.dirty = true }

// Cell is a single slot in an interior or leaf page.
type Cell struct {
	Key   []byte
	Value []byte // leaf pages: MVV-encoded payload bytes
	Child uint32 // interior pages: child page address
}

func (p *Page) cellDirOffset(n uint16) int { return HeaderSize + int(n)*CellDirEntrySize }

func (p *Page) getCellOffset(n uint16) uint16 {
	return binary.BigEndian.Uint16(p.data[p.cellDirOffset(n):])
}

func (p *Page) setCellOffset(n uint16, offset uint16) {
	binary.BigEndian.PutUint16(p.data[p.cellDirOffset(n):], offset)
}

// cellSize returns the encoded size of a cell with the given key/value
// lengths, including its varint header.
func (p *Page) cellSize(keyLen, valLen int) int {
	if p.IsLeaf() {
		return varintSize32(uint32(keyLen)) + varintSize32(uint32(valLen)) + keyLen + valLen
	}
	return varintSize32(uint32(keyLen)) + 4 + keyLen
}

// IsFull reports whether a cell with the given key/value sizes would not fit.
func (p *Page) IsFull(keyLen, valLen int) bool {
	dirEnd := p.cellDirOffset(p.NumCells() + 1)
	free := int(p.freePtr()) - dirEnd
	return free < p.cellSize(keyLen, valLen)
}

// CellAt returns the cell at the given directory index.
func (p *Page) CellAt(index uint16) (*Cell, error) {
	if index >= p.NumCells() {
		return nil, ErrCellNotFound
	}
	offset := int(p.getCellOffset(index))
	if p.IsLeaf() {
		return p.parseLeafCell(offset)
	}
	return p.parseInteriorCell(offset)
}

func (p *Page) parseLeafCell(offset int) (*Cell, error) {
	keyLen, n1 := uvarint32(p.data[offset:])
	if n1 <= 0 {
		return nil, errors.New("page: invalid cell key length")
	}
	valLen, n2 := uvarint32(p.data[offset+n1:])
	if n2 <= 0 {
		return nil, errors.New("page: invalid cell value length")
	}
	start := offset + n1 + n2
	if start+int(keyLen)+int(valLen) > p.size {
		return nil, errors.New("page: cell exceeds page bounds")
	}
	cell := &Cell{
		Key:   append([]byte(nil), p.data[start:start+int(keyLen)]...),
		Value: append([]byte(nil), p.data[start+int(keyLen):start+int(keyLen)+int(valLen)]...),
	}
	return cell, nil
}

func (p *Page) parseInteriorCell(offset int) (*Cell, error) {
	keyLen, n := uvarint32(p.data[offset:])
	if n <= 0 {
		return nil, errors.New("page: invalid cell key length")
	}
	child := binary.BigEndian.Uint32(p.data[offset+n:])
	start := offset + n + 4
	if start+int(keyLen) > p.size {
		return nil, errors.New("page: cell exceeds page bounds")
	}
	cell := &Cell{
		Key:   append([]byte(nil), p.data[start:start+int(keyLen)]...),
		Child: child,
	}
	return cell, nil
}

func (p *Page) writeLeafCell(offset int, cell *Cell) {
	n1 := putUvarint32(p.data[offset:], uint32(len(cell.Key)))
	n2 := putUvarint32(p.data[offset+n1:], uint32(len(cell.Value)))
	start := offset + n1 + n2
	copy(p.data[start:], cell.Key)
	copy(p.data[start+len(cell.Key):], cell.Value)
}

func (p *Page) writeInteriorCell(offset int, cell *Cell) {
	n := putUvarint32(p.data[offset:], uint32(len(cell.Key)))
	binary.BigEndian.PutUint32(p.data[offset+n:], cell.Child)
	start := offset + n + 4
	copy(p.data[start:], cell.Key)
}

// searchCell performs binary search for key over the cell directory.
// Returns the insertion index (>= 0) if not found, or -(index+1) if found.
func (p *Page) searchCell(key []byte) int {
	lo, hi := 0, int(p.NumCells())
	for lo < hi {
		mid := (lo + hi) / 2
		cell, err := p.CellAt(uint16(mid))
		if err != nil {
			return lo
		}
		switch bytes.Compare(key, cell.Key) {
		case 0:
			return -(mid + 1)
		case -1:
			hi = mid
		default:
			lo = mid + 1
		}
	}
	return lo
}

// Search returns the cell index for key: found=true and the exact index if
// present, else found=false and the insertion index.
func (p *Page) Search(key []byte) (index uint16, found bool) {
	r := p.searchCell(key)
	if r < 0 {
		return uint16(-(r + 1)), true
	}
	return uint16(r), false
}

// InsertCell inserts a cell in sorted order, or overwrites an existing cell
// with the same key.
func (p *Page) InsertCell(cell *Cell) error {
	keyLen := len(cell.Key)
	valLen := 0
	if p.IsLeaf() {
		valLen = len(cell.Value)
	}
	pos := p.searchCell(cell.Key)
	if pos < 0 {
		idx := uint16(-(pos + 1))
		if err := p.DeleteCell(idx); err != nil {
			return err
		}
		return p.insertAt(idx, cell, keyLen, valLen)
	}
	return p.insertAt(uint16(pos), cell, keyLen, valLen)
}

func (p *Page) insertAt(idx uint16, cell *Cell, keyLen, valLen int) error {
	if p.IsFull(keyLen, valLen) {
		return ErrPageFull
	}
	size := p.cellSize(keyLen, valLen)
	newFree := p.freePtr() - uint16(size)

	if p.IsLeaf() {
		p.writeLeafCell(int(newFree), cell)
	} else {
		p.writeInteriorCell(int(newFree), cell)
	}

	n := p.NumCells()
	for i := n; i > idx; i-- {
		p.setCellOffset(i, p.getCellOffset(i-1))
	}
	p.setCellOffset(idx, newFree)
	p.setNumCells(n + 1)
	p.setFreePtr(newFree)
	p.dirty = true
	return nil
}

// DeleteCell removes the cell at the given directory index. Space is not
// reclaimed inline; it is recovered the next time the page is split or
// rewritten wholesale (e.g. during a join), matching the teacher's
// "defragmentation happens at split/join time" tradeoff.
func (p *Page) DeleteCell(index uint16) error {
	n := p.NumCells()
	if index >= n {
		return ErrCellNotFound
	}
	for i := index; i < n-1; i++ {
		p.setCellOffset(i, p.getCellOffset(i+1))
	}
	p.setNumCells(n - 1)
	p.dirty = true
	return nil
}

// AllCells returns every cell in the page in sorted order.
func (p *Page) AllCells() ([]*Cell, error) {
	n := p.NumCells()
	cells := make([]*Cell, 0, n)
	for i := uint16(0); i < n; i++ {
		c, err := p.CellAt(i)
		if err != nil {
			return nil, err
		}
		cells = append(cells, c)
	}
	return cells, nil
}

// Reset clears all cells, leaving the header's type/timestamp/sibling
// pointer untouched. Used when rebuilding a page during a split.
func (p *Page) Reset() {
	p.setNumCells(0)
	p.setFreePtr(uint16(p.size))
	p.dirty = true
}

// FreeBytes returns the number of bytes available for new cells.
func (p *Page) FreeBytes() int {
	dirEnd := p.cellDirOffset(p.NumCells())
	return int(p.freePtr()) - dirEnd
}

// UsedBytes returns the number of bytes occupied by cell data and directory.
func (p *Page) UsedBytes() int {
	return p.size - p.FreeBytes()
}
