// Package alert turns internal failures that aren't returned synchronously
// to a caller (background task errors, cleanup failures, checksum
// mismatches discovered off the hot path) into structured log events,
// rate-limited per error kind so a hot failure loop logs once per window
// instead of once per attempt.
package alert

import (
	"os"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Level is the severity of a reported event.
type Level int

const (
	Normal Level = iota
	Warn
	Error
)

func (l Level) String() string {
	switch l {
	case Warn:
		return "warn"
	case Error:
		return "error"
	default:
		return "normal"
	}
}

// Config controls the monitor's logging destination and rate-limit window.
type Config struct {
	Level      string // "debug", "info", "warn", "error"
	JSONOutput bool
	Window     time.Duration // rate-limit window per error kind, default 1 minute
}

func DefaultConfig() Config {
	return Config{Level: "info", JSONOutput: true, Window: time.Minute}
}

// Monitor is the package-level sink every engine component reports
// asynchronous failures to.
type Monitor struct {
	logger zerolog.Logger
	window time.Duration

	mu       sync.Mutex
	lastSeen map[string]time.Time
	suppressed map[string]uint64
}

var (
	defaultMu sync.RWMutex
	def       *Monitor
)

func init() {
	def = New(DefaultConfig())
}

// Init replaces the package-level default monitor, mirroring the
// package-level Init/Logger pattern other components initialize logging
// with at process start.
func Init(cfg Config) {
	defaultMu.Lock()
	def = New(cfg)
	defaultMu.Unlock()
}

// Default returns the current package-level monitor.
func Default() *Monitor {
	defaultMu.RLock()
	defer defaultMu.RUnlock()
	return def
}

// New builds a standalone Monitor, for components (tests, embedders) that
// want their own instance instead of the package default.
func New(cfg Config) *Monitor {
	lvl, err := zerolog.ParseLevel(cfg.Level)
	if err != nil {
		lvl = zerolog.InfoLevel
	}
	logger := log.Logger.Level(lvl)
	if !cfg.JSONOutput {
		logger = logger.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	}
	window := cfg.Window
	if window <= 0 {
		window = time.Minute
	}
	return &Monitor{
		logger:     logger,
		window:     window,
		lastSeen:   make(map[string]time.Time),
		suppressed: make(map[string]uint64),
	}
}

// WithComponent returns a child monitor scoped to a named component, the
// way logging helpers elsewhere in the stack attach a "component" field to
// every event a subsystem emits.
func (m *Monitor) WithComponent(name string) *Monitor {
	return &Monitor{
		logger:     m.logger.With().Str("component", name).Logger(),
		window:     m.window,
		lastSeen:   make(map[string]time.Time),
		suppressed: make(map[string]uint64),
	}
}

// Report logs an event at the given level, identified by kind for
// rate-limiting purposes. Repeated reports of the same kind within the
// monitor's window are counted but not logged; the next report past the
// window logs once with the suppressed count folded in.
func (m *Monitor) Report(level Level, kind string, err error, fields map[string]interface{}) {
	now := time.Now()
	m.mu.Lock()
	last, seen := m.lastSeen[kind]
	if seen && now.Sub(last) < m.window {
		m.suppressed[kind]++
		m.mu.Unlock()
		return
	}
	suppressed := m.suppressed[kind]
	m.lastSeen[kind] = now
	m.suppressed[kind] = 0
	m.mu.Unlock()

	ev := m.event(level).Str("kind", kind)
	if err != nil {
		ev = ev.Err(err)
	}
	if suppressed > 0 {
		ev = ev.Uint64("suppressed", suppressed)
	}
	for k, v := range fields {
		ev = ev.Interface(k, v)
	}
	ev.Msg(kind)
}

func (m *Monitor) event(level Level) *zerolog.Event {
	switch level {
	case Error:
		return m.logger.Error()
	case Warn:
		return m.logger.Warn()
	default:
		return m.logger.Info()
	}
}

// Report is a convenience wrapper around Default().Report.
func Report(level Level, kind string, err error, fields map[string]interface{}) {
	Default().Report(level, kind, err, fields)
}
