package page

import (
	"bytes"
	"testing"
)

func TestLeafCellRoundTrip(t *testing.T) {
	p := New(1, 4096, TypeLeaf)

	keys := []string{"banana", "apple", "cherry", "date"}
	for _, k := range keys {
		if err := p.InsertCell(&Cell{Key: []byte(k), Value: []byte("v-" + k)}); err != nil {
			t.Fatalf("InsertCell(%q): %v", k, err)
		}
	}

	cells, err := p.AllCells()
	if err != nil {
		t.Fatalf("AllCells: %v", err)
	}
	if len(cells) != len(keys) {
		t.Fatalf("got %d cells, want %d", len(cells), len(keys))
	}
	for i := 1; i < len(cells); i++ {
		if bytes.Compare(cells[i-1].Key, cells[i].Key) >= 0 {
			t.Fatalf("cells not sorted: %q >= %q", cells[i-1].Key, cells[i].Key)
		}
	}

	idx, found := p.Search([]byte("cherry"))
	if !found {
		t.Fatalf("expected to find cherry")
	}
	cell, err := p.CellAt(idx)
	if err != nil {
		t.Fatalf("CellAt: %v", err)
	}
	if string(cell.Value) != "v-cherry" {
		t.Fatalf("got %q, want v-cherry", cell.Value)
	}
}

func TestInsertCellOverwrite(t *testing.T) {
	p := New(1, 4096, TypeLeaf)
	must(t, p.InsertCell(&Cell{Key: []byte("k"), Value: []byte("v1")}))
	must(t, p.InsertCell(&Cell{Key: []byte("k"), Value: []byte("v2-longer")}))

	if p.NumCells() != 1 {
		t.Fatalf("expected 1 cell after overwrite, got %d", p.NumCells())
	}
	cell, err := p.CellAt(0)
	if err != nil {
		t.Fatal(err)
	}
	if string(cell.Value) != "v2-longer" {
		t.Fatalf("got %q", cell.Value)
	}
}

func TestInteriorCell(t *testing.T) {
	p := New(2, 4096, TypeInterior)
	must(t, p.InsertCell(&Cell{Key: []byte("m"), Child: 10}))
	must(t, p.InsertCell(&Cell{Key: []byte("a"), Child: 5}))

	cells, err := p.AllCells()
	if err != nil {
		t.Fatal(err)
	}
	if len(cells) != 2 || string(cells[0].Key) != "a" || cells[0].Child != 5 {
		t.Fatalf("unexpected cells: %+v", cells)
	}
}

func TestPageFull(t *testing.T) {
	p := New(1, 1024, TypeLeaf)
	big := bytes.Repeat([]byte("x"), 200)
	count := 0
	for i := 0; i < 100; i++ {
		err := p.InsertCell(&Cell{Key: []byte{byte(i)}, Value: big})
		if err == ErrPageFull {
			break
		}
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		count++
	}
	if count == 0 {
		t.Fatal("expected at least one cell to fit")
	}
}

func TestChecksumRoundTrip(t *testing.T) {
	p := New(7, 4096, TypeLeaf)
	must(t, p.InsertCell(&Cell{Key: []byte("a"), Value: []byte("b")}))
	p.SetTimestamp(42)

	raw := append([]byte(nil), p.Bytes()...)
	loaded, err := Load(7, raw)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if loaded.Timestamp() != 42 {
		t.Fatalf("timestamp mismatch: %d", loaded.Timestamp())
	}

	raw[100] ^= 0xFF
	if _, err := Load(7, raw); err != ErrChecksumMismatch {
		t.Fatalf("expected checksum mismatch, got %v", err)
	}
}

func TestDeleteCell(t *testing.T) {
	p := New(1, 4096, TypeLeaf)
	must(t, p.InsertCell(&Cell{Key: []byte("a"), Value: []byte("1")}))
	must(t, p.InsertCell(&Cell{Key: []byte("b"), Value: []byte("2")}))

	idx, found := p.Search([]byte("a"))
	if !found {
		t.Fatal("expected to find a")
	}
	must(t, p.DeleteCell(idx))

	if _, found := p.Search([]byte("a")); found {
		t.Fatal("a should be gone")
	}
	cells, _ := p.AllCells()
	if len(cells) != 1 || string(cells[0].Key) != "b" {
		t.Fatalf("unexpected remaining cells: %+v", cells)
	}
}

func TestLongRecordChain(t *testing.T) {
	head := NewLongRecordHead(3, 1024, 5000)
	total, err := head.LongRecordTotalLen()
	if err != nil || total != 5000 {
		t.Fatalf("LongRecordTotalLen: %d, %v", total, err)
	}
	chunk := head.LongRecordHeadChunk()
	if len(chunk) != 1024-HeaderSize-8 {
		t.Fatalf("unexpected head chunk size %d", len(chunk))
	}
}

func must(t *testing.T, err error) {
	t.Helper()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}
