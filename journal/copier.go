package journal

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
)

// Pool is the subset of buffer.Pool the copier needs; declared here
// rather than imported directly so journal has no compile-time
// dependency on buffer's package (both sit at the same layer and are
// wired together by the engine).
type Pool interface {
	Flush(upTo uint64) (int, error)
	MinDirtyJournalPos() (uint64, bool)
}

// Copier periodically writes dirty buffers back to their volumes and
// advances the journal's base address once it is safe to do so.
type Copier struct {
	mgr      *Manager
	pools    []Pool
	interval time.Duration
	log      zerolog.Logger
	lastErr  atomic.Value
}

func NewCopier(mgr *Manager, pools []Pool, interval time.Duration, logger zerolog.Logger) *Copier {
	if interval <= 0 {
		interval = 10 * time.Second
	}
	return &Copier{mgr: mgr, pools: pools, interval: interval, log: logger.With().Str("task", "copier").Logger()}
}

// Run ticks until ctx is cancelled, performing one copy-back pass per
// interval and a final pass on shutdown.
func (c *Copier) Run(ctx context.Context) error {
	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			c.tick()
			return nil
		case <-ticker.C:
			c.tick()
		}
	}
}

func (c *Copier) tick() {
	frontier := c.mgr.Current()
	for _, pool := range c.pools {
		if _, err := pool.Flush(frontier); err != nil {
			c.lastErr.Store(err)
			c.log.Error().Err(err).Msg("copy-back pass failed")
			return
		}
	}

	newBase := frontier
	for _, pool := range c.pools {
		if pos, ok := pool.MinDirtyJournalPos(); ok && pos < newBase {
			newBase = pos
		}
	}
	if err := c.mgr.AdvanceBase(newBase); err != nil {
		c.lastErr.Store(err)
		c.log.Error().Err(err).Msg("failed to advance base address")
	}
}

// LastError returns the most recent copy-back error, or nil.
func (c *Copier) LastError() error {
	if v := c.lastErr.Load(); v != nil {
		return v.(error)
	}
	return nil
}
