// Package engine assembles a volume set, buffer pools, a journal, a
// transaction index, and the checkpoint/recovery/cleanup background
// tasks into the single object an embedder opens: Initialize runs
// recovery before anything else is allowed to observe engine state,
// and Close cooperatively stops every background task before the
// journal and volumes are closed.
package engine

import (
	"context"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/intellect4all/keystonedb/alert"
	"github.com/intellect4all/keystonedb/btree"
	"github.com/intellect4all/keystonedb/buffer"
	"github.com/intellect4all/keystonedb/checkpoint"
	"github.com/intellect4all/keystonedb/cleanup"
	"github.com/intellect4all/keystonedb/config"
	"github.com/intellect4all/keystonedb/journal"
	"github.com/intellect4all/keystonedb/metrics"
	"github.com/intellect4all/keystonedb/page"
	"github.com/intellect4all/keystonedb/recovery"
	"github.com/intellect4all/keystonedb/txn"
	"github.com/intellect4all/keystonedb/volume"
)

var ErrClosed = fmt.Errorf("engine: closed")

type openVolume struct {
	vol  *volume.Volume
	pool *buffer.Pool
	dir  *btree.Tree
}

// Engine is the root object an embedder opens once per process (or per
// datapath) and closes on shutdown.
type Engine struct {
	cfg     config.Config
	log     zerolog.Logger
	monitor *alert.Monitor

	journal  *journal.Manager
	txnIndex *txn.Index

	volumes map[string]*openVolume

	checkpointMgr *checkpoint.Manager
	cleanupMgr    *cleanup.Manager
	lastRecovery  *recovery.Report

	treesMu sync.Mutex
	trees   map[string]*Tree // "volumeAlias/treeName" -> open Tree

	cancel context.CancelFunc
	group  *errgroup.Group
	closed atomic.Bool
}

// Initialize opens every configured volume, replays the journal to
// recover from an unclean shutdown, then starts the flusher, copier,
// checkpoint, and cleanup background tasks.
func Initialize(cfg config.Config) (*Engine, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	logger := log.With().Str("component", "engine").Logger()
	mon := alert.Default().WithComponent("engine")

	eng := &Engine{
		cfg:     cfg,
		log:     logger,
		monitor: mon,
		volumes: make(map[string]*openVolume),
		trees:   make(map[string]*Tree),
	}

	poolSizeByPageSize := make(map[int]int)
	for _, p := range cfg.Pools {
		poolSizeByPageSize[p.PageSize] = p.ResolvedCount()
	}

	for _, vspec := range cfg.Volumes {
		vol, err := openOrCreateVolume(vspec)
		if err != nil {
			eng.closeVolumesOnly()
			return nil, fmt.Errorf("engine: open volume %q: %w", vspec.Alias, err)
		}
		capacity := poolSizeByPageSize[vspec.PageSize]
		if capacity == 0 {
			capacity = 4096
		}
		pool := buffer.NewPool(vol, "keystonedb_"+vspec.Alias, buffer.WithCapacity(capacity))
		eng.volumes[vspec.Alias] = &openVolume{vol: vol, pool: pool}
	}

	jcfg := journal.DefaultConfig(cfg.JournalPath)
	if cfg.JournalBlockSize > 0 {
		jcfg.MaxFileSize = cfg.JournalBlockSize
	}
	jcfg.UrgentFileCountThreshold = cfg.UrgentFileCountThreshold
	jcfg.CommitPolicy = journalCommitPolicy(cfg.CommitPolicy)
	jrnl, err := journal.Open(jcfg, logger)
	if err != nil {
		eng.closeVolumesOnly()
		return nil, fmt.Errorf("engine: open journal: %w", err)
	}
	eng.journal = jrnl

	eng.txnIndex = txn.NewIndex(cfg.MaxConcurrentTransactions)

	cleanupMgr := cleanup.NewManager(cleanup.Config{
		QueueDepth:   cfg.CleanupQueueDepth,
		PollInterval: cfg.CleanupPollInterval,
	}, eng.handleCleanupAction, logger)
	eng.cleanupMgr = cleanupMgr

	volumeStores := make(map[uint64]recovery.VolumeStore, len(eng.volumes))
	for _, ov := range eng.volumes {
		volumeStores[ov.vol.Identity().ID] = ov.vol
	}
	recoveryMgr := recovery.NewManager(jrnl, volumeStores, cleanupMgr, logger)
	report, err := recoveryMgr.Recover(context.Background())
	if report != nil {
		eng.lastRecovery = report
		metrics.RecoveryPageMapSize.Set(float64(report.PageMapSize))
		metrics.RecoveryTransactionsApplied.WithLabelValues("committed").Add(float64(report.Committed))
		metrics.RecoveryTransactionsApplied.WithLabelValues("uncommitted").Add(float64(report.Uncommitted))
	}
	if err != nil {
		eng.monitor.Report(alert.Error, "recovery_failed", err, nil)
		jrnl.Close()
		eng.closeVolumesOnly()
		return nil, fmt.Errorf("engine: recovery: %w", err)
	}

	for alias, ov := range eng.volumes {
		dirOpts := btree.DefaultOptions()
		dirOpts.Name = directoryTreeName
		dirOpts.VolumeAlias = alias
		dirOpts.Pruner = cleanupMgr
		ov.dir = btree.Open(ov.pool, eng.txnIndex, ov.vol.DirectoryRoot(), makeSetRoot(ov.vol), dirOpts)
	}

	pools := make([]journal.Pool, 0, len(eng.volumes))
	for _, ov := range eng.volumes {
		pools = append(pools, ov.pool)
	}
	eng.checkpointMgr = checkpoint.NewManager(checkpoint.Config{
		Interval: cfg.CheckpointInterval,
	}, jrnl, eng.txnIndex, pools, logger)

	ctx, cancel := context.WithCancel(context.Background())
	eng.cancel = cancel
	group, gctx := errgroup.WithContext(ctx)
	eng.group = group

	flusher := journal.NewFlusher(jrnl, cfg.FlushInterval, logger)
	copier := journal.NewCopier(jrnl, pools, cfg.CopierInterval, logger)

	group.Go(func() error { return flusher.Run(gctx) })
	group.Go(func() error { return copier.Run(gctx) })
	group.Go(func() error { return eng.checkpointMgr.Run(gctx) })
	group.Go(func() error { return cleanupMgr.Run(gctx) })

	return eng, nil
}

func makeSetRoot(vol *volume.Volume) btree.RootSetter {
	return func(newRoot uint32) error { return vol.SetDirectoryRoot(newRoot) }
}

func openOrCreateVolume(spec config.VolumeSpec) (*volume.Volume, error) {
	vol, err := volume.Open(spec.Path)
	if err == nil {
		return vol, nil
	}
	if !spec.CreateIfAbsent {
		return nil, err
	}
	if err := os.MkdirAll(filepath.Dir(spec.Path), 0755); err != nil {
		return nil, err
	}
	return volume.Create(spec.Path, spec.PageSize, spec.MaxPages)
}

func journalCommitPolicy(p config.CommitPolicy) journal.CommitPolicy {
	switch p {
	case config.CommitGroup:
		return journal.Group
	case config.CommitAsync:
		return journal.Commit
	default:
		return journal.Hard
	}
}

// directoryTreeName is the sentinel cleanup.Action.Tree value for an
// action raised against a volume's own directory tree rather than one
// of the named trees within it.
const directoryTreeName = ""

// handleCleanupAction is the cleanup.Handler wired into the engine's
// cleanup manager. Collecting a long-record chain returns its pages to
// the owning volume's free list; pruning collapses a stale multi-version
// cell back to its primordial form (or deletes a resolved tombstone
// outright); the crash-verification action is purely advisory today.
func (e *Engine) handleCleanupAction(ctx context.Context, a cleanup.Action) error {
	switch a.Kind {
	case cleanup.ActionCollectLongRecord:
		ov, ok := e.volumeFor(a.Volume)
		if !ok {
			return nil
		}
		return e.freeLongRecordChain(ov, a.LongRecordHead)
	case cleanup.ActionPruneMVV, cleanup.ActionRemoveAntivalueRange:
		ov, ok := e.volumeFor(a.Volume)
		if !ok {
			return nil
		}
		tr := e.treeByName(ov, a.Volume, a.Tree)
		if tr == nil {
			return nil
		}
		return tr.Prune(a.PageAddr, e.txnIndex)
	default:
		return nil
	}
}

// treeByName resolves a cleanup action's tree name to the live
// *btree.Tree it concerns, returning nil if the tree isn't currently
// open (a stale action from before a restart, or one enqueued for a
// tree that has since been dropped).
func (e *Engine) treeByName(ov *openVolume, volumeAlias, name string) *btree.Tree {
	if name == directoryTreeName {
		return ov.dir
	}
	e.treesMu.Lock()
	t, ok := e.trees[volumeAlias+"/"+name]
	e.treesMu.Unlock()
	if !ok {
		return nil
	}
	return t.tree
}

func (e *Engine) freeLongRecordChain(ov *openVolume, head uint32) error {
	addr := head
	for addr != 0 {
		claim, err := ov.pool.Pin(addr, buffer.Reader)
		if err != nil {
			return err
		}
		next := claim.Page().RightSibling()
		claim.Unpin()
		if err := ov.vol.Free(addr); err != nil {
			return err
		}
		addr = next
	}
	return nil
}

func (e *Engine) volumeFor(alias string) (*openVolume, bool) {
	ov, ok := e.volumes[alias]
	return ov, ok
}

// Tree opens (creating if absent) the named B+tree within a volume,
// consulting the volume's directory tree and caching the result for
// subsequent lookups.
func (e *Engine) Tree(volumeAlias, name string) (*Tree, error) {
	if e.closed.Load() {
		return nil, ErrClosed
	}
	cacheKey := volumeAlias + "/" + name
	e.treesMu.Lock()
	if t, ok := e.trees[cacheKey]; ok {
		e.treesMu.Unlock()
		return t, nil
	}
	e.treesMu.Unlock()

	ov, ok := e.volumes[volumeAlias]
	if !ok {
		return nil, fmt.Errorf("engine: unknown volume %q", volumeAlias)
	}

	nameKey := page.NewBuilder().AppendString(name).Bytes()
	root, err := e.lookupOrCreateTreeRoot(ov, nameKey)
	if err != nil {
		return nil, err
	}

	treeOpts := btree.DefaultOptions()
	treeOpts.Name = name
	treeOpts.VolumeAlias = volumeAlias
	treeOpts.Pruner = e.cleanupMgr

	t := &Tree{
		name: name,
		tree: btree.Open(ov.pool, e.txnIndex, root, e.makeTreeRootSetter(ov, nameKey), treeOpts),
	}

	e.treesMu.Lock()
	e.trees[cacheKey] = t
	e.treesMu.Unlock()
	return t, nil
}

func (e *Engine) lookupOrCreateTreeRoot(ov *openVolume, nameKey page.Key) (uint32, error) {
	asOf := e.txnIndex.NextTimestamp()
	if value, ok, err := ov.dir.Fetch(nameKey, asOf, txn.NoHandle); err != nil {
		return 0, err
	} else if ok {
		return decodeRootAddr(value), nil
	}

	claim, err := ov.pool.NewPage(page.TypeLeaf)
	if err != nil {
		return 0, err
	}
	newRoot := claim.Addr()
	claim.MarkDirty(0)
	claim.Unpin()

	if err := e.storeDirectoryEntry(ov, nameKey, newRoot); err != nil {
		return 0, err
	}
	return newRoot, nil
}

func (e *Engine) makeTreeRootSetter(ov *openVolume, nameKey page.Key) btree.RootSetter {
	return func(newRoot uint32) error {
		return e.storeDirectoryEntry(ov, nameKey, newRoot)
	}
}

// storeDirectoryEntry writes a directory mapping under a short-lived
// internal transaction, committed immediately so the entry is visible to
// every reader from that point on. Directory updates happen far less
// often than tree operations (tree creation, root splits), so a full
// begin/commit round trip per update is not a hot path concern.
func (e *Engine) storeDirectoryEntry(ov *openVolume, nameKey page.Key, root uint32) error {
	st, err := e.txnIndex.Begin()
	if err != nil {
		return err
	}
	if err := ov.dir.Store(nameKey, encodeRootAddr(root), st.Handle()); err != nil {
		_ = e.txnIndex.Abort(st.Handle())
		return err
	}
	if _, err := e.txnIndex.Commit(st.Handle()); err != nil {
		return err
	}
	return nil
}

// closeVolumesOnly tears down whatever volumes Initialize has already
// opened when a later step fails, before any background task has
// started.
func (e *Engine) closeVolumesOnly() {
	for _, ov := range e.volumes {
		if ov.pool != nil {
			ov.pool.Close()
		}
		if ov.vol != nil {
			ov.vol.Close()
		}
	}
}

func encodeRootAddr(addr uint32) []byte {
	return []byte{byte(addr >> 24), byte(addr >> 16), byte(addr >> 8), byte(addr)}
}

func decodeRootAddr(b []byte) uint32 {
	if len(b) < 4 {
		return 0
	}
	return uint32(b[0])<<24 | uint32(b[1])<<16 | uint32(b[2])<<8 | uint32(b[3])
}

// Checkpoint forces an immediate checkpoint proposal, returning once it
// confirms or ctx is done.
func (e *Engine) Checkpoint(ctx context.Context) (txn.Timestamp, bool, error) {
	return e.checkpointMgr.Propose(ctx)
}

// LastRecovery returns the report produced by the recovery pass run
// during Initialize.
func (e *Engine) LastRecovery() *recovery.Report { return e.lastRecovery }

// TxnIndex exposes the engine's transaction index for Exchange.
func (e *Engine) TxnIndex() *txn.Index { return e.txnIndex }

// Close stops every background task, waits for the current iteration of
// each to finish, then closes the journal and every open volume.
func (e *Engine) Close() error {
	if !e.closed.CompareAndSwap(false, true) {
		return nil
	}
	e.cancel()
	err := e.group.Wait()

	// A clean shutdown copies every dirty buffer back to its volume so the
	// persisted state needs no journal replay to reach it again, per
	// spec.md's clean-shutdown layout.
	for _, ov := range e.volumes {
		if _, ferr := ov.pool.Flush(math.MaxUint64); ferr != nil && err == nil {
			err = ferr
		}
	}

	if cerr := e.journal.Close(); cerr != nil && err == nil {
		err = cerr
	}
	for _, ov := range e.volumes {
		ov.pool.Close()
		if cerr := ov.vol.Close(); cerr != nil && err == nil {
			err = cerr
		}
	}
	return err
}
