// Package config holds the typed configuration surface the engine is
// assembled from: datapath layout, per-volume specs, buffer pool sizing,
// journal tuning, and the background task intervals.
package config

import (
	"fmt"
	"time"
)

// CommitPolicy controls how aggressively a committing transaction forces
// the journal to disk before returning.
type CommitPolicy string

const (
	// CommitHard forces the journal to disk before Commit returns.
	CommitHard CommitPolicy = "hard"
	// CommitGroup batches concurrent commits into a single force.
	CommitGroup CommitPolicy = "group"
	// CommitAsync returns once the record is appended, without forcing.
	CommitAsync CommitPolicy = "commit"
)

// VolumeSpec describes one backing volume file.
type VolumeSpec struct {
	Alias           string
	Path            string
	CreateIfAbsent  bool
	PageSize        int
	InitialPages    uint32
	ExtendByPages   uint32
	MaxPages        uint32
}

// PoolSizing configures one buffer pool, sized either by page count or by
// a byte budget for a given page size. Exactly one of Count/MemoryBytes
// should be nonzero; Count takes precedence when both are set.
type PoolSizing struct {
	PageSize    int
	Count       int
	MemoryBytes int64
}

// ResolvedCount returns the pool's capacity in pages.
func (p PoolSizing) ResolvedCount() int {
	if p.Count > 0 {
		return p.Count
	}
	if p.PageSize > 0 && p.MemoryBytes > 0 {
		return int(p.MemoryBytes / int64(p.PageSize))
	}
	return 0
}

// Config is the full configuration surface the engine is built from.
type Config struct {
	DataPath string

	Volumes []VolumeSpec
	Pools   []PoolSizing

	JournalPath      string
	JournalBlockSize int64

	FlushInterval      time.Duration
	CopierInterval     time.Duration
	CheckpointInterval time.Duration

	CommitPolicy CommitPolicy

	// AppendOnly is carried in the configuration, but no component reads
	// it: the copier, checkpoint copy-back and Close's final flush write
	// pages back to their volumes whether or not it is set.
	AppendOnly bool

	UrgentFileCountThreshold int

	CleanupQueueDepth    int
	CleanupPollInterval  time.Duration

	MaxConcurrentTransactions int
}

// DefaultConfig returns a configuration with the defaults named across
// the configuration surface: a single volume under datapath, a 4KiB page
// pool sized for 50,000 pages, hard commit, and the documented interval
// and threshold defaults.
func DefaultConfig(dataPath string) Config {
	return Config{
		DataPath: dataPath,
		Volumes: []VolumeSpec{{
			Alias:          "default",
			Path:           dataPath + "/default.vol",
			CreateIfAbsent: true,
			PageSize:       4096,
			InitialPages:   1024,
			ExtendByPages:  1024,
			MaxPages:       1 << 20,
		}},
		Pools: []PoolSizing{{
			PageSize: 4096,
			Count:    50000,
		}},
		JournalPath:               dataPath + "/journal",
		JournalBlockSize:          64 << 20,
		FlushInterval:             100 * time.Millisecond,
		CopierInterval:            10 * time.Second,
		CheckpointInterval:        120 * time.Second,
		CommitPolicy:              CommitHard,
		UrgentFileCountThreshold:  15,
		CleanupQueueDepth:         4096,
		CleanupPollInterval:       time.Second,
		MaxConcurrentTransactions: 10000,
	}
}

// Validate checks the configuration surface for internal consistency,
// returning the first problem found.
func (c Config) Validate() error {
	if c.DataPath == "" {
		return fmt.Errorf("config: datapath is required")
	}
	if len(c.Volumes) == 0 {
		return fmt.Errorf("config: at least one volume is required")
	}
	seen := make(map[string]bool, len(c.Volumes))
	for _, v := range c.Volumes {
		if v.Alias == "" {
			return fmt.Errorf("config: volume alias is required")
		}
		if seen[v.Alias] {
			return fmt.Errorf("config: duplicate volume alias %q", v.Alias)
		}
		seen[v.Alias] = true
		if v.PageSize < 1024 || v.PageSize > 65536 || v.PageSize&(v.PageSize-1) != 0 {
			return fmt.Errorf("config: volume %q page size %d must be a power of two in [1024, 65536]", v.Alias, v.PageSize)
		}
		if v.MaxPages != 0 && v.InitialPages > v.MaxPages {
			return fmt.Errorf("config: volume %q initial pages %d exceeds max pages %d", v.Alias, v.InitialPages, v.MaxPages)
		}
	}
	switch c.CommitPolicy {
	case CommitHard, CommitGroup, CommitAsync:
	default:
		return fmt.Errorf("config: unknown commit policy %q", c.CommitPolicy)
	}
	if c.CheckpointInterval != 0 && (c.CheckpointInterval < 10*time.Second || c.CheckpointInterval > 3600*time.Second) {
		return fmt.Errorf("config: checkpoint interval %s out of [10s, 3600s]", c.CheckpointInterval)
	}
	if c.UrgentFileCountThreshold <= 0 {
		return fmt.Errorf("config: urgent file count threshold must be positive")
	}
	return nil
}
