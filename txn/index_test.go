package txn

import "testing"

func TestBeginCommitVisibility(t *testing.T) {
	idx := NewIndex(0)

	a, err := idx.Begin() // t1
	if err != nil {
		t.Fatal(err)
	}
	b, err := idx.Begin() // t2
	if err != nil {
		t.Fatal(err)
	}

	commitB, err := idx.Commit(b.Handle())
	if err != nil {
		t.Fatal(err)
	}

	// A started before B committed: A must not see B's write.
	if Visible(b, a.StartTS, a.Handle()) {
		t.Fatal("A should not see B's write, committed after A started")
	}

	c, err := idx.Begin() // starts after B committed
	if err != nil {
		t.Fatal(err)
	}
	if !Visible(b, c.StartTS, c.Handle()) {
		t.Fatalf("C (start %d) should see B's write (commit %d)", c.StartTS, commitB)
	}
}

func TestWriterSeesOwnWrites(t *testing.T) {
	idx := NewIndex(0)
	a, err := idx.Begin()
	if err != nil {
		t.Fatal(err)
	}
	if !Visible(a, a.StartTS, a.Handle()) {
		t.Fatal("a transaction must see its own writes even before commit")
	}
}

func TestAbortedWriterNeverVisible(t *testing.T) {
	idx := NewIndex(0)
	writer, err := idx.Begin()
	if err != nil {
		t.Fatal(err)
	}
	if err := idx.Abort(writer.Handle()); err != nil {
		t.Fatal(err)
	}
	reader, err := idx.Begin()
	if err != nil {
		t.Fatal(err)
	}
	if Visible(writer, reader.StartTS, reader.Handle()) {
		t.Fatal("an aborted writer's version must never be visible to another transaction")
	}
}

func TestDoubleCommitFails(t *testing.T) {
	idx := NewIndex(0)
	a, err := idx.Begin()
	if err != nil {
		t.Fatal(err)
	}
	if _, err := idx.Commit(a.Handle()); err != nil {
		t.Fatal(err)
	}
	if _, err := idx.Commit(a.Handle()); err != ErrAlreadyResolved {
		t.Fatalf("expected ErrAlreadyResolved, got %v", err)
	}
}

func TestHandleReuseAfterRelease(t *testing.T) {
	idx := NewIndex(0)
	a, err := idx.Begin()
	if err != nil {
		t.Fatal(err)
	}
	h := a.Handle()
	if _, err := idx.Commit(h); err != nil {
		t.Fatal(err)
	}
	if err := idx.Release(h); err != nil {
		t.Fatal(err)
	}
	if _, err := idx.Lookup(h); err != ErrUnknownHandle {
		t.Fatalf("expected handle to be gone after release, got %v", err)
	}

	b, err := idx.Begin()
	if err != nil {
		t.Fatal(err)
	}
	if b.Handle() != h {
		t.Fatalf("expected handle %d to be reused, got %d", h, b.Handle())
	}
}

func TestMaxConcurrentTransactions(t *testing.T) {
	idx := NewIndex(2)
	if _, err := idx.Begin(); err != nil {
		t.Fatal(err)
	}
	if _, err := idx.Begin(); err != nil {
		t.Fatal(err)
	}
	if _, err := idx.Begin(); err != ErrTooManyActive {
		t.Fatalf("expected ErrTooManyActive, got %v", err)
	}
}

func TestActiveTransactionCache(t *testing.T) {
	idx := NewIndex(0)
	a, err := idx.Begin()
	if err != nil {
		t.Fatal(err)
	}
	idx.RefreshActiveCache()
	if !idx.HasConcurrentTransaction(a.StartTS, a.StartTS) {
		t.Fatal("expected active transaction to be reported as concurrent")
	}
	if _, err := idx.Commit(a.Handle()); err != nil {
		t.Fatal(err)
	}
	idx.RefreshActiveCache()
	if idx.HasConcurrentTransaction(a.StartTS, a.StartTS) {
		t.Fatal("expected no concurrent transaction after the only one committed")
	}
}

func TestWriteWriteConflictDetection(t *testing.T) {
	idx := NewIndex(0)
	a, err := idx.Begin()
	if err != nil {
		t.Fatal(err)
	}
	b, err := idx.Begin()
	if err != nil {
		t.Fatal(err)
	}
	if _, err := idx.Commit(b.Handle()); err != nil {
		t.Fatal(err)
	}
	if !ConflictsWith(b, a.StartTS) {
		t.Fatal("A's write to a key B already committed-over should conflict")
	}
}
