// Package checkpoint implements the checkpoint manager: proposing a
// checkpoint timestamp, waiting for every transaction started before it
// to resolve, copying back the buffers that protects, and writing the CP
// journal record that lets the journal's base address advance past it.
package checkpoint

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog"

	"github.com/intellect4all/keystonedb/journal"
	"github.com/intellect4all/keystonedb/txn"
)

var ErrNotConfirmed = errors.New("checkpoint: proposal not confirmed before context was done")

// Journal is the subset of journal.Manager the checkpoint manager drives.
type Journal interface {
	Current() uint64
	AppendAndForce(kind journal.RecordKind, timestamp uint64, payload []byte) (uint64, error)
	SetKeystone(addr uint64)
	AdvanceBase(addr uint64) error
}

// Config bounds the checkpoint interval per spec §4.5 (default 120s,
// [10s, 3600s]) and the poll interval Propose uses while waiting for
// confirmation.
type Config struct {
	Interval     time.Duration
	PollInterval time.Duration
}

func DefaultConfig() Config {
	return Config{Interval: 120 * time.Second, PollInterval: 50 * time.Millisecond}
}

func (c Config) clamped() Config {
	if c.Interval < 10*time.Second {
		c.Interval = 10 * time.Second
	}
	if c.Interval > 3600*time.Second {
		c.Interval = 3600 * time.Second
	}
	if c.PollInterval <= 0 {
		c.PollInterval = 50 * time.Millisecond
	}
	return c
}

// Manager proposes and confirms checkpoints against one journal and
// transaction index, coordinating copy-back across every buffer pool
// registered at construction.
type Manager struct {
	cfg      Config
	journal  Journal
	txnIndex *txn.Index
	pools    []journal.Pool
	log      zerolog.Logger

	lastConfirmed txn.Timestamp
}

// NewManager wires a checkpoint manager over jrnl and idx, driving
// copy-back across pools (one per open volume's buffer pool) whenever a
// proposal confirms.
func NewManager(cfg Config, jrnl Journal, idx *txn.Index, pools []journal.Pool, logger zerolog.Logger) *Manager {
	return &Manager{
		cfg:      cfg.clamped(),
		journal:  jrnl,
		txnIndex: idx,
		pools:    pools,
		log:      logger.With().Str("component", "checkpoint").Logger(),
	}
}

// Propose draws a new checkpoint timestamp ct and blocks, polling at
// cfg.PollInterval, until every transaction with start_ts < ct has either
// committed or aborted — or ctx is done first. On confirmation it copies
// back every buffer dirtied before the journal frontier observed at
// proposal time, writes the CP record, and advances the journal's
// keystone and base addresses.
func (m *Manager) Propose(ctx context.Context) (ts txn.Timestamp, confirmed bool, err error) {
	ct := m.txnIndex.NextTimestamp()
	frontier := m.journal.Current()

	ticker := time.NewTicker(m.cfg.PollInterval)
	defer ticker.Stop()
	for {
		m.txnIndex.RefreshActiveCache()
		if !m.txnIndex.HasConcurrentTransaction(0, ct-1) {
			break
		}
		select {
		case <-ctx.Done():
			return ct, false, ErrNotConfirmed
		case <-ticker.C:
		}
	}

	for _, pool := range m.pools {
		if _, err := pool.Flush(frontier); err != nil {
			m.log.Error().Err(err).Msg("copy-back failed during checkpoint confirmation")
			return ct, false, err
		}
	}

	newBase := frontier
	for _, pool := range m.pools {
		if pos, ok := pool.MinDirtyJournalPos(); ok && pos < newBase {
			newBase = pos
		}
	}

	active := m.txnIndex.ActiveStartTimestamps()
	payload := journal.EncodeCheckpoint(journal.CheckpointPayload{
		CheckpointTS: ct,
		BaseAddress:  newBase,
		ActiveTxn:    active,
	})
	cpAddr, err := m.journal.AppendAndForce(journal.KindCheckpoint, ct, payload)
	if err != nil {
		return ct, false, err
	}
	m.journal.SetKeystone(cpAddr)
	if err := m.journal.AdvanceBase(newBase); err != nil {
		return ct, false, err
	}

	m.lastConfirmed = ct
	m.log.Info().Uint64("checkpoint_ts", ct).Uint64("base", newBase).Msg("checkpoint confirmed")
	return ct, true, nil
}

// LastConfirmed returns the timestamp of the most recently confirmed
// checkpoint, or 0 if none has confirmed yet.
func (m *Manager) LastConfirmed() txn.Timestamp { return m.lastConfirmed }

// Run proposes a checkpoint every cfg.Interval until ctx is cancelled,
// logging (but not returning) a failed or unconfirmed proposal so one bad
// interval doesn't bring down the engine's task group.
func (m *Manager) Run(ctx context.Context) error {
	ticker := time.NewTicker(m.cfg.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if _, confirmed, err := m.Propose(ctx); err != nil {
				m.log.Error().Err(err).Msg("checkpoint proposal failed")
			} else if !confirmed {
				m.log.Warn().Msg("checkpoint proposal did not confirm within interval")
			}
		}
	}
}
