package journal

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"github.com/rs/zerolog"
)

// CommitPolicy controls when a commit waiter is released relative to
// durability of its TC record.
type CommitPolicy int

const (
	// Hard blocks the committer until its TC record's byte range is
	// fsynced.
	Hard CommitPolicy = iota
	// Group batches concurrent commit waiters behind a single fsync.
	Group
	// Commit (soft) releases the committer immediately; durability is
	// deferred to the next flusher tick.
	Commit
)

// Config controls file sizing and rollover naming.
type Config struct {
	Dir                      string
	Prefix                   string
	MaxFileSize              int64 // default ~1 GiB
	CommitPolicy             CommitPolicy
	UrgentFileCountThreshold int // default 15
}

func DefaultConfig(dir string) Config {
	return Config{
		Dir:                      dir,
		Prefix:                   "journal",
		MaxFileSize:              1 << 30,
		CommitPolicy:             Hard,
		UrgentFileCountThreshold: 15,
	}
}

// Manager owns the journal's active file, its staging buffer, and the
// base/keystone/current address bookkeeping.
type Manager struct {
	cfg    Config
	log    zerolog.Logger
	mu     sync.Mutex
	file   *os.File
	fileBaseAddr uint64 // journal address of byte 0 in the active file
	current      uint64 // next byte to be written
	flushed      uint64 // durable up to this address
	base         uint64 // earliest address still referenced
	keystone     uint64 // most recent complete checkpoint

	staged []byte // records appended but not yet written to the file
}

// Open creates or reopens a journal directory, positioning current at
// the end of the most recent file.
func Open(cfg Config, logger zerolog.Logger) (*Manager, error) {
	if cfg.MaxFileSize == 0 {
		cfg = DefaultConfig(cfg.Dir)
	}
	if err := os.MkdirAll(cfg.Dir, 0755); err != nil {
		return nil, err
	}
	m := &Manager{cfg: cfg, log: logger.With().Str("component", "journal").Logger()}

	files, err := m.listFiles()
	if err != nil {
		return nil, err
	}
	if len(files) == 0 {
		if err := m.rollTo(0); err != nil {
			return nil, err
		}
		return m, nil
	}
	last := files[len(files)-1]
	baseAddr, err := parseFileBaseAddr(cfg.Prefix, filepath.Base(last))
	if err != nil {
		return nil, err
	}
	f, err := os.OpenFile(last, os.O_RDWR|os.O_APPEND, 0644)
	if err != nil {
		return nil, err
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, err
	}
	m.file = f
	m.fileBaseAddr = baseAddr
	m.current = baseAddr + uint64(info.Size())
	m.flushed = m.current
	m.base = baseAddr
	return m, nil
}

func (m *Manager) listFiles() ([]string, error) {
	pattern := filepath.Join(m.cfg.Dir, m.cfg.Prefix+".*")
	matches, err := filepath.Glob(pattern)
	if err != nil {
		return nil, err
	}
	sort.Strings(matches)
	return matches, nil
}

func fileName(prefix string, baseAddr uint64) string {
	return fmt.Sprintf("%s.%012d", prefix, baseAddr)
}

func parseFileBaseAddr(prefix, name string) (uint64, error) {
	want := prefix + "."
	if len(name) <= len(want) || name[:len(want)] != want {
		return 0, fmt.Errorf("journal: unrecognized file name %q", name)
	}
	var addr uint64
	for _, c := range name[len(want):] {
		if c < '0' || c > '9' {
			return 0, fmt.Errorf("journal: unrecognized file name %q", name)
		}
		addr = addr*10 + uint64(c-'0')
	}
	return addr, nil
}

// rollTo opens a new active file named for baseAddr, closing any
// previous file first.
func (m *Manager) rollTo(baseAddr uint64) error {
	if m.file != nil {
		if err := m.file.Sync(); err != nil {
			return err
		}
		if err := m.file.Close(); err != nil {
			return err
		}
	}
	path := filepath.Join(m.cfg.Dir, fileName(m.cfg.Prefix, baseAddr))
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_APPEND, 0644)
	if err != nil {
		return err
	}
	m.file = f
	m.fileBaseAddr = baseAddr
	m.current = baseAddr
	m.flushed = baseAddr
	return nil
}

// Append stages a record and returns the address at which it starts.
// Under the Hard policy the caller must follow with Force before
// acknowledging a commit.
func (m *Manager) Append(kind RecordKind, timestamp uint64, payload []byte) (uint64, error) {
	buf := Encode(kind, timestamp, payload)
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.current-m.fileBaseAddr+uint64(len(buf)) > uint64(m.cfg.MaxFileSize) {
		if err := m.flushLocked(); err != nil {
			return 0, err
		}
		if err := m.rollTo(m.current); err != nil {
			return 0, err
		}
	}

	addr := m.current
	m.staged = append(m.staged, buf...)
	m.current += uint64(len(buf))
	return addr, nil
}

// AppendAndForce appends a record and blocks until it (and everything
// staged before it) is durable, the Hard commit-policy path for TC
// records.
func (m *Manager) AppendAndForce(kind RecordKind, timestamp uint64, payload []byte) (uint64, error) {
	addr, err := m.Append(kind, timestamp, payload)
	if err != nil {
		return 0, err
	}
	if err := m.Force(); err != nil {
		return 0, err
	}
	return addr, nil
}

// Force writes the staging buffer to the active file and fsyncs it.
func (m *Manager) Force() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.flushLocked()
}

func (m *Manager) flushLocked() error {
	if len(m.staged) == 0 {
		return nil
	}
	if _, err := m.file.Write(m.staged); err != nil {
		return fmt.Errorf("journal: write: %w", err)
	}
	if err := m.file.Sync(); err != nil {
		return fmt.Errorf("journal: fsync: %w", err)
	}
	m.flushed += uint64(len(m.staged))
	m.staged = m.staged[:0]
	return nil
}

// Current returns the next byte address to be written.
func (m *Manager) Current() uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.current
}

// Base returns the earliest address still referenced by a dirty buffer
// or an uncommitted transaction.
func (m *Manager) Base() uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.base
}

// Keystone returns the address of the most recent complete checkpoint.
func (m *Manager) Keystone() uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.keystone
}

// SetKeystone records a newly confirmed checkpoint's address.
func (m *Manager) SetKeystone(addr uint64) {
	m.mu.Lock()
	m.keystone = addr
	m.mu.Unlock()
}

// AdvanceBase moves the base address forward once the copier has made it
// safe to do so, deleting any journal file now entirely below it.
func (m *Manager) AdvanceBase(addr uint64) error {
	m.mu.Lock()
	if addr <= m.base {
		m.mu.Unlock()
		return nil
	}
	m.base = addr
	m.mu.Unlock()
	return m.reclaimFiles(addr)
}

func (m *Manager) reclaimFiles(base uint64) error {
	files, err := m.listFiles()
	if err != nil {
		return err
	}
	for _, f := range files {
		addr, err := parseFileBaseAddr(m.cfg.Prefix, filepath.Base(f))
		if err != nil {
			continue
		}
		if addr == m.fileBaseAddr {
			continue // never delete the active file
		}
		info, err := os.Stat(f)
		if err != nil {
			continue
		}
		if addr+uint64(info.Size()) <= base {
			if err := os.Remove(f); err != nil {
				m.log.Warn().Err(err).Str("file", f).Msg("failed to reclaim journal file")
			}
		}
	}
	return nil
}

// FileCount reports how many journal files currently exist, the input to
// the engine's admission-control throttle.
func (m *Manager) FileCount() int {
	files, err := m.listFiles()
	if err != nil {
		return 0
	}
	return len(files)
}

// Throttled reports whether the journal has crossed the urgent file
// count threshold and new transactions should be slowed.
func (m *Manager) Throttled() bool {
	return m.FileCount() > m.cfg.UrgentFileCountThreshold
}

// ReadFrom streams every record at or after addr, in address order, for
// recovery replay. The callback receives each record's own address.
func (m *Manager) ReadFrom(addr uint64, fn func(recordAddr uint64, rec Record) error) error {
	files, err := m.listFiles()
	if err != nil {
		return err
	}
	for _, path := range files {
		baseAddr, err := parseFileBaseAddr(m.cfg.Prefix, filepath.Base(path))
		if err != nil {
			continue
		}
		data, err := os.ReadFile(path)
		if err != nil {
			return err
		}
		if baseAddr+uint64(len(data)) <= addr {
			continue
		}
		off := 0
		if addr > baseAddr {
			off = int(addr - baseAddr)
		}
		for off < len(data) {
			rec, n, err := Decode(data[off:])
			if err != nil {
				// Truncated or corrupt tail: stop replay here, the
				// standard physical-WAL recovery boundary.
				break
			}
			if err := fn(baseAddr+uint64(off), rec); err != nil {
				return err
			}
			off += n
		}
	}
	return nil
}

// Close flushes and closes the active file.
func (m *Manager) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.flushLocked(); err != nil {
		return err
	}
	return m.file.Close()
}
