package journal

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
)

// Flusher performs the background fsync-equivalent durability pass at a
// fixed interval, and on demand via Force. It is one of the engine's
// fixed internal tasks (spec §7's "scheduling model").
type Flusher struct {
	mgr      *Manager
	interval time.Duration
	log      zerolog.Logger
	lastErr  atomic.Value // error
}

func NewFlusher(mgr *Manager, interval time.Duration, logger zerolog.Logger) *Flusher {
	if interval <= 0 {
		interval = 100 * time.Millisecond
	}
	return &Flusher{mgr: mgr, interval: interval, log: logger.With().Str("task", "flusher").Logger()}
}

// Run ticks until ctx is cancelled, flushing the staging buffer each
// interval. It finishes the current iteration before returning, so an
// in-flight flush is never abandoned mid-write.
func (f *Flusher) Run(ctx context.Context) error {
	ticker := time.NewTicker(f.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			if err := f.mgr.Force(); err != nil {
				f.log.Error().Err(err).Msg("final flush on shutdown failed")
				return err
			}
			return nil
		case <-ticker.C:
			if err := f.mgr.Force(); err != nil {
				f.lastErr.Store(err)
				f.log.Error().Err(err).Msg("periodic flush failed")
			}
		}
	}
}

// LastError returns the most recent flush error, or nil.
func (f *Flusher) LastError() error {
	if v := f.lastErr.Load(); v != nil {
		return v.(error)
	}
	return nil
}
