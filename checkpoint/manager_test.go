package checkpoint

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/intellect4all/keystonedb/journal"
	"github.com/intellect4all/keystonedb/txn"
)

// fakeJournal is an in-memory stand-in for journal.Manager, recording
// what the checkpoint manager asked it to do.
type fakeJournal struct {
	mu       sync.Mutex
	current  uint64
	keystone uint64
	base     uint64
	records  []journal.CheckpointPayload
}

func (f *fakeJournal) Current() uint64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.current
}

func (f *fakeJournal) AppendAndForce(kind journal.RecordKind, ts uint64, payload []byte) (uint64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if kind == journal.KindCheckpoint {
		p, err := journal.DecodeCheckpoint(payload)
		if err != nil {
			return 0, err
		}
		f.records = append(f.records, p)
	}
	addr := f.current
	f.current += uint64(journal.HeaderSize + len(payload))
	return addr, nil
}

func (f *fakeJournal) SetKeystone(addr uint64) {
	f.mu.Lock()
	f.keystone = addr
	f.mu.Unlock()
}

func (f *fakeJournal) AdvanceBase(addr uint64) error {
	f.mu.Lock()
	f.base = addr
	f.mu.Unlock()
	return nil
}

// fakePool is a journal.Pool stand-in with no dirty pages, so copy-back
// is always a trivial no-op in these tests; the checkpoint logic under
// test is confirmation, not the copy-back mechanics buffer.Pool already
// covers in its own tests.
type fakePool struct{}

func (fakePool) Flush(upTo uint64) (int, error)        { return 0, nil }
func (fakePool) MinDirtyJournalPos() (uint64, bool) { return 0, false }

func TestProposeConfirmsImmediatelyWithNoActiveTransactions(t *testing.T) {
	idx := txn.NewIndex(0)
	j := &fakeJournal{}
	mgr := NewManager(Config{Interval: time.Minute, PollInterval: time.Millisecond}, j, idx, []journal.Pool{fakePool{}}, zerolog.Nop())

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	ts, confirmed, err := mgr.Propose(ctx)
	require.NoError(t, err)
	require.True(t, confirmed)
	require.NotZero(t, ts)
	require.Equal(t, ts, mgr.LastConfirmed())
	require.Len(t, j.records, 1)
	require.Equal(t, ts, j.records[0].CheckpointTS)
}

func TestProposeWaitsForActiveTransactionToResolve(t *testing.T) {
	idx := txn.NewIndex(0)
	j := &fakeJournal{}
	mgr := NewManager(Config{Interval: time.Minute, PollInterval: time.Millisecond}, j, idx, []journal.Pool{fakePool{}}, zerolog.Nop())

	active, err := idx.Begin()
	require.NoError(t, err)

	go func() {
		time.Sleep(20 * time.Millisecond)
		_, _ = idx.Commit(active.Handle())
	}()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	_, confirmed, err := mgr.Propose(ctx)
	require.NoError(t, err)
	require.True(t, confirmed)
}

func TestProposeFailsWhenContextExpiresFirst(t *testing.T) {
	idx := txn.NewIndex(0)
	j := &fakeJournal{}
	mgr := NewManager(Config{Interval: time.Minute, PollInterval: time.Millisecond}, j, idx, []journal.Pool{fakePool{}}, zerolog.Nop())

	_, err := idx.Begin() // never resolves
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	_, confirmed, err := mgr.Propose(ctx)
	require.ErrorIs(t, err, ErrNotConfirmed)
	require.False(t, confirmed)
}

func TestConfigClampsIntervalToSpecBounds(t *testing.T) {
	cfg := Config{Interval: time.Second}.clamped()
	require.Equal(t, 10*time.Second, cfg.Interval)

	cfg = Config{Interval: 2 * time.Hour}.clamped()
	require.Equal(t, 3600*time.Second, cfg.Interval)
}
