// Package cleanup implements the engine's single-consumer bounded queue
// of deferred maintenance actions: pruning an MVV page to its primordial
// form, collecting an orphaned long-record chain onto a volume's free
// list, removing an antivalue range, and verifying a tree after a crash.
package cleanup

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
)

// ActionKind identifies the kind of deferred work an Action carries.
type ActionKind int

const (
	ActionPruneMVV ActionKind = iota
	ActionCollectLongRecord
	ActionRemoveAntivalueRange
	ActionVerifyAfterCrash
)

func (k ActionKind) String() string {
	switch k {
	case ActionPruneMVV:
		return "prune-mvv"
	case ActionCollectLongRecord:
		return "collect-long-record"
	case ActionRemoveAntivalueRange:
		return "remove-antivalue-range"
	case ActionVerifyAfterCrash:
		return "verify-after-crash"
	default:
		return "unknown"
	}
}

// Action is one unit of deferred work.
type Action struct {
	Kind ActionKind

	// Tree names the named B+tree the action concerns (empty for
	// volume-wide actions like ActionVerifyAfterCrash).
	Tree string

	// Volume is the alias of the volume Tree lives in, the key the
	// engine's handler actually resolves a page/pool from.
	Volume string

	// PageAddr is the leaf page a PruneMVV or RemoveAntivalueRange action
	// applies to.
	PageAddr uint32

	// LongRecordHead is the chain head a CollectLongRecord action frees.
	LongRecordHead uint32

	// EnqueuedAt records when the action was accepted. MinRetryDelay is
	// enforced by the manager from its own per-page record of the last
	// attempt, not from this field.
	EnqueuedAt time.Time
}

// Handler performs one action, returning an error that does not stop the
// manager — errors are counted and logged, and the action is simply
// dropped (the condition that produced it, if still true, will produce
// another one).
type Handler func(ctx context.Context, a Action) error

// Stats reports the manager's counters, matching spec §4.6: accepted,
// refused (queue full), performed, errors, currently enqueued.
type Stats struct {
	Accepted  uint64
	Refused   uint64
	Performed uint64
	Errors    uint64
	Enqueued  int32
}

// Config controls queue depth and pacing.
type Config struct {
	QueueDepth    int
	PollInterval  time.Duration // default ~1s
	MinRetryDelay time.Duration // minimum delay between attempts on the same page
}

func DefaultConfig() Config {
	return Config{QueueDepth: 1024, PollInterval: time.Second, MinRetryDelay: 100 * time.Millisecond}
}

// Manager drains a bounded channel of Actions with a single consumer
// goroutine running Handler, the "single-consumer bounded queue" of
// spec §4.6.
type Manager struct {
	cfg     Config
	handler Handler
	log     zerolog.Logger
	ch      chan Action

	accepted  atomic.Uint64
	refused   atomic.Uint64
	performed atomic.Uint64
	errors    atomic.Uint64
	enqueued  atomic.Int32

	lastAttempt map[uint32]time.Time
}

// NewManager creates a cleanup manager that calls handler for each
// accepted action.
func NewManager(cfg Config, handler Handler, logger zerolog.Logger) *Manager {
	if cfg.QueueDepth <= 0 {
		cfg = DefaultConfig()
	}
	return &Manager{
		cfg:         cfg,
		handler:     handler,
		log:         logger.With().Str("component", "cleanup").Logger(),
		ch:          make(chan Action, cfg.QueueDepth),
		lastAttempt: make(map[uint32]time.Time),
	}
}

// Enqueue offers an action to the queue, returning false without
// blocking if it is full (the refused counter is incremented).
func (m *Manager) Enqueue(a Action) bool {
	if a.EnqueuedAt.IsZero() {
		a.EnqueuedAt = time.Now()
	}
	select {
	case m.ch <- a:
		m.accepted.Add(1)
		m.enqueued.Add(1)
		return true
	default:
		m.refused.Add(1)
		return false
	}
}

// Run drains the queue until ctx is cancelled, finishing any action
// already pulled off the channel before returning.
func (m *Manager) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case a := <-m.ch:
			m.enqueued.Add(-1)
			m.process(ctx, a)
		}
	}
}

func (m *Manager) process(ctx context.Context, a Action) {
	if last, ok := m.lastAttempt[a.PageAddr]; ok && time.Since(last) < m.cfg.MinRetryDelay {
		// Too soon after the last attempt on this page; re-enqueue rather
		// than spin the consumer on a contended page.
		if !m.Enqueue(a) {
			m.log.Warn().Str("kind", a.Kind.String()).Msg("dropped re-enqueue of rate-limited action, queue full")
		}
		return
	}
	m.lastAttempt[a.PageAddr] = time.Now()

	if err := m.handler(ctx, a); err != nil {
		m.errors.Add(1)
		m.log.Error().Err(err).Str("kind", a.Kind.String()).Str("tree", a.Tree).Msg("cleanup action failed")
		return
	}
	m.performed.Add(1)
}

// Stats returns a snapshot of the manager's counters.
func (m *Manager) Stats() Stats {
	return Stats{
		Accepted:  m.accepted.Load(),
		Refused:   m.refused.Load(),
		Performed: m.performed.Load(),
		Errors:    m.errors.Load(),
		Enqueued:  m.enqueued.Load(),
	}
}
