package buffer

import (
	"fmt"
	"testing"

	"github.com/intellect4all/keystonedb/page"
)

// memStore is an in-memory Store for tests, mirroring what volume.Volume
// provides in production.
type memStore struct {
	pageSize int
	pages    map[uint32][]byte
	next     uint32
}

func newMemStore(pageSize int) *memStore {
	return &memStore{pageSize: pageSize, pages: make(map[uint32][]byte), next: 1}
}

func (m *memStore) PageSize() int { return m.pageSize }

func (m *memStore) ReadPage(addr uint32) ([]byte, error) {
	data, ok := m.pages[addr]
	if !ok {
		return nil, fmt.Errorf("no such page %d", addr)
	}
	return data, nil
}

func (m *memStore) WritePage(addr uint32, data []byte) error {
	cp := append([]byte(nil), data...)
	m.pages[addr] = cp
	return nil
}

func (m *memStore) Allocate(typ page.Type) (uint32, error) {
	addr := m.next
	m.next++
	pg := page.New(addr, m.pageSize, typ)
	m.pages[addr] = pg.Bytes()
	return addr, nil
}

func TestPinNewPageAndReadBack(t *testing.T) {
	store := newMemStore(4096)
	pool := NewPool(store, "test_pin", WithCapacity(64))

	claim, err := pool.NewPage(page.TypeLeaf)
	if err != nil {
		t.Fatal(err)
	}
	if err := claim.Page().InsertCell(&page.Cell{Key: []byte("a"), Value: []byte("1")}); err != nil {
		t.Fatal(err)
	}
	if err := claim.MarkDirty(10); err != nil {
		t.Fatal(err)
	}
	addr := claim.Addr()
	claim.Unpin()

	if _, err := pool.Flush(100); err != nil {
		t.Fatal(err)
	}

	claim2, err := pool.Pin(addr, Reader)
	if err != nil {
		t.Fatal(err)
	}
	defer claim2.Unpin()
	if claim2.Page().NumCells() != 1 {
		t.Fatalf("expected 1 cell after flush+reload, got %d", claim2.Page().NumCells())
	}
}

func TestWriterExclusivity(t *testing.T) {
	store := newMemStore(4096)
	pool := NewPool(store, "test_excl", WithCapacity(64))

	claim, err := pool.NewPage(page.TypeLeaf)
	if err != nil {
		t.Fatal(err)
	}
	addr := claim.Addr()
	claim.Unpin()

	w, err := pool.Pin(addr, Writer)
	if err != nil {
		t.Fatal(err)
	}
	defer w.Unpin()

	if _, err := pool.Pin(addr, Reader); err != ErrPinConflict {
		t.Fatalf("expected ErrPinConflict, got %v", err)
	}
}

func TestEvictionUnderPressure(t *testing.T) {
	store := newMemStore(1024)
	pool := NewPool(store, "test_evict", WithCapacity(numShards)) // 1 page per shard

	var addrs []uint32
	for i := 0; i < numShards*4; i++ {
		claim, err := pool.NewPage(page.TypeLeaf)
		if err != nil {
			t.Fatal(err)
		}
		addrs = append(addrs, claim.Addr())
		claim.Unpin()
	}

	stats := pool.Stats()
	if stats.Valid > numShards*2 {
		t.Fatalf("pool did not evict under pressure: %d frames resident", stats.Valid)
	}

	for _, addr := range addrs {
		claim, err := pool.Pin(addr, Reader)
		if err != nil {
			t.Fatalf("pin %d after eviction: %v", addr, err)
		}
		claim.Unpin()
	}
}
