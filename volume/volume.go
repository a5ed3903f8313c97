// Package volume implements the on-disk container for one or more named
// B+trees: a head page, a free-page list, and the page-addressable file
// store that the buffer pool reads through and writes back to.
package volume

import (
	"encoding/binary"
	"errors"
	"fmt"
	"os"
	"sync"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/intellect4all/keystonedb/page"
)

const (
	magic          = 0x4B455953 // "KEYS"
	engineVersion  = 1
	headPageAddr   = 0
	freeListAddr   = 1
	directoryAddr  = 2
	defaultExtend  = 64 // pages added per file extension
)

// head page body layout, all big-endian.
const (
	offMagic        = 0
	offVersion      = 4
	offPageSize     = 8
	offDirectory    = 12
	offFreeListHead = 16
	offVolumeIDHi   = 20
	offVolumeIDLo   = 28
	offCreatedAt    = 36
	offNumPages     = 44
	offMaxPages     = 48
	offExtendBy     = 52
)

var (
	ErrBadMagic     = errors.New("volume: bad header magic")
	ErrVersion      = errors.New("volume: unsupported engine version")
	ErrBadPageSize  = errors.New("volume: invalid page size")
	ErrOutOfPages   = errors.New("volume: page maximum reached")
	ErrLocked       = errors.New("volume: file is held by another engine instance")
	ErrBadPageAddr  = errors.New("volume: page address out of range")
)

// Volume is a single backing file: a header page, a free list, a
// directory tree root, and the sequence of data pages they describe.
type Volume struct {
	mu       sync.Mutex
	file     *os.File
	path     string
	pageSize int
	numPages uint32
	maxPages uint32
	extendBy uint32
	freeList *freeList
	dirRoot  uint32
	id       uint64
	created  uint64
}

// Identity is a volume's stable cross-session handle.
type Identity struct {
	ID        uint64
	CreatedAt uint64
}

// Create initializes a new volume file at path with the given page size
// (must be one of page.ValidSizes) and page-count ceiling.
func Create(path string, pageSize int, maxPages uint32) (*Volume, error) {
	if !page.IsValidSize(pageSize) {
		return nil, ErrBadPageSize
	}
	file, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_EXCL, 0644)
	if err != nil {
		return nil, err
	}
	if err := flock(file); err != nil {
		file.Close()
		return nil, err
	}

	v := &Volume{
		file:     file,
		path:     path,
		pageSize: pageSize,
		numPages: 3, // head, free-list root, directory root
		maxPages: maxPages,
		extendBy: defaultExtend,
		dirRoot:  directoryAddr,
		id:       derivedID(),
		created:  uint64(time.Now().UnixNano()),
	}
	v.freeList = newFreeList(v, freeListAddr)

	if err := v.extendFile(int(v.numPages)); err != nil {
		file.Close()
		return nil, err
	}

	head := page.New(headPageAddr, pageSize, page.TypeHead)
	v.encodeHead(head)
	if err := v.writeRaw(headPageAddr, head.Bytes()); err != nil {
		file.Close()
		return nil, err
	}

	fl := page.New(freeListAddr, pageSize, page.TypeGarbage)
	if err := v.writeRaw(freeListAddr, fl.Bytes()); err != nil {
		file.Close()
		return nil, err
	}
	dir := page.New(directoryAddr, pageSize, page.TypeLeaf)
	if err := v.writeRaw(directoryAddr, dir.Bytes()); err != nil {
		file.Close()
		return nil, err
	}

	return v, nil
}

// Open opens an existing volume file, validating its header.
func Open(path string) (*Volume, error) {
	file, err := os.OpenFile(path, os.O_RDWR, 0644)
	if err != nil {
		return nil, err
	}
	if err := flock(file); err != nil {
		file.Close()
		return nil, err
	}
	v := &Volume{file: file, path: path}
	raw := make([]byte, 24+64) // header + enough of the body for fixed fields
	if _, err := file.ReadAt(raw[:24], 0); err != nil {
		file.Close()
		return nil, err
	}
	// Page size is unknown until decoded, so read the header with a
	// provisional guess then re-read once the real size is known.
	for _, guess := range page.ValidSizes {
		buf := make([]byte, guess)
		if _, err := file.ReadAt(buf, 0); err != nil {
			continue
		}
		pg, err := page.Load(headPageAddr, buf)
		if err != nil {
			continue
		}
		body := pg.Body()
		if binary.BigEndian.Uint32(body[offMagic:]) != magic {
			continue
		}
		if err := v.decodeHead(pg); err != nil {
			file.Close()
			return nil, err
		}
		v.freeList = newFreeList(v, freeListAddr)
		return v, nil
	}
	file.Close()
	return nil, ErrBadMagic
}

func (v *Volume) encodeHead(pg *page.Page) {
	body := pg.Body()
	binary.BigEndian.PutUint32(body[offMagic:], magic)
	binary.BigEndian.PutUint32(body[offVersion:], engineVersion)
	binary.BigEndian.PutUint32(body[offPageSize:], uint32(v.pageSize))
	binary.BigEndian.PutUint32(body[offDirectory:], v.dirRoot)
	binary.BigEndian.PutUint32(body[offFreeListHead:], freeListAddr)
	binary.BigEndian.PutUint64(body[offVolumeIDHi:], v.id)
	binary.BigEndian.PutUint64(body[offCreatedAt:], v.created)
	binary.BigEndian.PutUint32(body[offNumPages:], v.numPages)
	binary.BigEndian.PutUint32(body[offMaxPages:], v.maxPages)
	binary.BigEndian.PutUint32(body[offExtendBy:], v.extendBy)
	pg.MarkBodyDirty()
}

func (v *Volume) decodeHead(pg *page.Page) error {
	body := pg.Body()
	if binary.BigEndian.Uint32(body[offMagic:]) != magic {
		return ErrBadMagic
	}
	if binary.BigEndian.Uint32(body[offVersion:]) != engineVersion {
		return ErrVersion
	}
	v.pageSize = int(binary.BigEndian.Uint32(body[offPageSize:]))
	v.dirRoot = binary.BigEndian.Uint32(body[offDirectory:])
	v.id = binary.BigEndian.Uint64(body[offVolumeIDHi:])
	v.created = binary.BigEndian.Uint64(body[offCreatedAt:])
	v.numPages = binary.BigEndian.Uint32(body[offNumPages:])
	v.maxPages = binary.BigEndian.Uint32(body[offMaxPages:])
	v.extendBy = binary.BigEndian.Uint32(body[offExtendBy:])
	return nil
}

func (v *Volume) syncHead() error {
	head := page.New(headPageAddr, v.pageSize, page.TypeHead)
	v.encodeHead(head)
	return v.writeRaw(headPageAddr, head.Bytes())
}

// PageSize implements buffer.Store.
func (v *Volume) PageSize() int { return v.pageSize }

// ReadPage implements buffer.Store.
func (v *Volume) ReadPage(addr uint32) ([]byte, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	if addr >= v.numPages {
		return nil, ErrBadPageAddr
	}
	return v.readRaw(addr)
}

func (v *Volume) readRaw(addr uint32) ([]byte, error) {
	buf := make([]byte, v.pageSize)
	off := int64(addr) * int64(v.pageSize)
	if _, err := v.file.ReadAt(buf, off); err != nil {
		return nil, fmt.Errorf("volume: read page %d: %w", addr, err)
	}
	return buf, nil
}

// WritePage implements buffer.Store.
func (v *Volume) WritePage(addr uint32, data []byte) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	if addr >= v.numPages {
		return ErrBadPageAddr
	}
	return v.writeRaw(addr, data)
}

func (v *Volume) writeRaw(addr uint32, data []byte) error {
	off := int64(addr) * int64(v.pageSize)
	if _, err := v.file.WriteAt(data, off); err != nil {
		return fmt.Errorf("volume: write page %d: %w", addr, err)
	}
	return nil
}

// Allocate implements buffer.Store: it draws from the free list first,
// extending the file by extendBy pages when the free list is empty.
func (v *Volume) Allocate(typ page.Type) (uint32, error) {
	v.mu.Lock()
	defer v.mu.Unlock()

	if addr, ok, err := v.freeList.pop(); err != nil {
		return 0, err
	} else if ok {
		return addr, nil
	}

	if v.numPages >= v.maxPages {
		return 0, ErrOutOfPages
	}
	addr := v.numPages
	if addr%v.extendBy == 0 || int64(addr+1)*int64(v.pageSize) > v.fileSize() {
		if err := v.extendFile(int(v.extendBy)); err != nil {
			return 0, err
		}
	}
	v.numPages++
	if err := v.syncHead(); err != nil {
		return 0, err
	}
	return addr, nil
}

// Free returns addr to the volume's free list for future reuse, the
// deferred reclaim path the cleanup manager drives after a long-record
// collection action.
func (v *Volume) Free(addr uint32) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.freeList.push(addr)
}

func (v *Volume) fileSize() int64 {
	info, err := v.file.Stat()
	if err != nil {
		return 0
	}
	return info.Size()
}

func (v *Volume) extendFile(pages int) error {
	newSize := v.fileSize() + int64(pages)*int64(v.pageSize)
	return v.file.Truncate(newSize)
}

// DirectoryRoot returns the root page address of the directory tree
// mapping tree name to its own root page address.
func (v *Volume) DirectoryRoot() uint32 { return v.dirRoot }

// SetDirectoryRoot updates the directory root, called after the
// directory tree splits its root.
func (v *Volume) SetDirectoryRoot(addr uint32) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.dirRoot = addr
	return v.syncHead()
}

// Identity returns the volume's stable cross-session handle.
func (v *Volume) Identity() Identity {
	return Identity{ID: v.id, CreatedAt: v.created}
}

// NumPages reports the current page-addressable extent of the volume.
func (v *Volume) NumPages() uint32 {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.numPages
}

// Close releases the advisory file lock and closes the underlying file.
func (v *Volume) Close() error {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.file.Close()
}

func flock(f *os.File) error {
	if err := syscall.Flock(int(f.Fd()), syscall.LOCK_EX|syscall.LOCK_NB); err != nil {
		return ErrLocked
	}
	return nil
}

func derivedID() uint64 {
	id := uuid.New()
	return binary.BigEndian.Uint64(id[:8])
}

