package volume

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/intellect4all/keystonedb/page"
)

func tempVolume(t *testing.T) *Volume {
	t.Helper()
	dir := t.TempDir()
	v, err := Create(filepath.Join(dir, "test.vol"), 4096, 10000)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { v.Close() })
	return v
}

func TestCreateAndReopen(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "a.vol")

	v, err := Create(path, 4096, 10000)
	if err != nil {
		t.Fatal(err)
	}
	id := v.Identity()
	if id.ID == 0 {
		t.Fatal("expected nonzero volume identity")
	}
	if err := v.Close(); err != nil {
		t.Fatal(err)
	}

	v2, err := Open(path)
	if err != nil {
		t.Fatal(err)
	}
	defer v2.Close()
	if v2.Identity().ID != id.ID {
		t.Fatalf("identity changed across reopen: %d vs %d", v2.Identity().ID, id.ID)
	}
	if v2.PageSize() != 4096 {
		t.Fatalf("page size changed: %d", v2.PageSize())
	}
}

func TestAllocateAndFree(t *testing.T) {
	v := tempVolume(t)

	addr, err := v.Allocate(page.TypeLeaf)
	if err != nil {
		t.Fatal(err)
	}
	if addr < 3 {
		t.Fatalf("expected allocation past reserved pages, got %d", addr)
	}

	if err := v.Free(addr); err != nil {
		t.Fatal(err)
	}

	reused, err := v.Allocate(page.TypeLeaf)
	if err != nil {
		t.Fatal(err)
	}
	if reused != addr {
		t.Fatalf("expected free list reuse of %d, got %d", addr, reused)
	}
}

func TestReadWritePage(t *testing.T) {
	v := tempVolume(t)
	addr, err := v.Allocate(page.TypeLeaf)
	if err != nil {
		t.Fatal(err)
	}
	pg := page.New(addr, v.PageSize(), page.TypeLeaf)
	if err := pg.InsertCell(&page.Cell{Key: []byte("x"), Value: []byte("y")}); err != nil {
		t.Fatal(err)
	}
	if err := v.WritePage(addr, pg.Bytes()); err != nil {
		t.Fatal(err)
	}

	raw, err := v.ReadPage(addr)
	if err != nil {
		t.Fatal(err)
	}
	loaded, err := page.Load(addr, raw)
	if err != nil {
		t.Fatal(err)
	}
	if loaded.NumCells() != 1 {
		t.Fatalf("expected 1 cell, got %d", loaded.NumCells())
	}
}

func TestSecondOpenFailsLock(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "locked.vol")
	v, err := Create(path, 4096, 1000)
	if err != nil {
		t.Fatal(err)
	}
	defer v.Close()

	if _, err := Open(path); err == nil {
		t.Fatal("expected second open of a locked volume to fail")
	}
}

func TestManyFreeListEntriesOverflow(t *testing.T) {
	v := tempVolume(t)
	capacity := freeListCapacity(v.PageSize())

	var addrs []uint32
	for i := 0; i < capacity+5; i++ {
		addr, err := v.Allocate(page.TypeLeaf)
		if err != nil {
			t.Fatal(err)
		}
		addrs = append(addrs, addr)
	}
	for _, addr := range addrs {
		if err := v.Free(addr); err != nil {
			t.Fatal(err)
		}
	}
	seen := make(map[uint32]bool)
	for range addrs {
		addr, ok, err := v.freeList.pop()
		if err != nil {
			t.Fatal(err)
		}
		if !ok {
			t.Fatal("free list drained early")
		}
		seen[addr] = true
	}
	if len(seen) != len(addrs) {
		t.Fatalf("expected %d distinct reclaimed addresses, got %d", len(addrs), len(seen))
	}
}

func TestOpenRejectsMissingFile(t *testing.T) {
	if _, err := Open(filepath.Join(t.TempDir(), "missing.vol")); !os.IsNotExist(err) {
		t.Fatalf("expected not-exist error, got %v", err)
	}
}
