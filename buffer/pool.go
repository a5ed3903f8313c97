// Package buffer implements the pool of in-memory page images shared by
// every tree in a volume: pin/claim accounting, a clock-style eviction
// sweep, and coordination with the copier for dirty write-back.
package buffer

import (
	"errors"
	"sync"
	"sync/atomic"

	"github.com/cespare/xxhash/v2"
	"github.com/intellect4all/keystonedb/page"
	"github.com/prometheus/client_golang/prometheus"
)

var (
	ErrClosed      = errors.New("buffer: pool is closed")
	ErrPinConflict = errors.New("buffer: page already held by a writer")
	ErrNotPinned   = errors.New("buffer: page is not pinned by this claim")
)

// Store is the backing page source a Pool draws from and writes back to.
// A volume implements Store for each of its open files.
type Store interface {
	PageSize() int
	ReadPage(addr uint32) ([]byte, error)
	WritePage(addr uint32, data []byte) error
	Allocate(typ page.Type) (uint32, error)
}

const numShards = 16

// Pool caches a configured number of pages per store, serving pin/unpin
// requests under a clock-sweep replacement policy.
type Pool struct {
	store      Store
	shards     [numShards]shard
	perShard   int
	closed     atomic.Bool

	hits      prometheus.Counter
	misses    prometheus.Counter
	evictions prometheus.Counter
	writes    prometheus.Counter
}

type frame struct {
	pg         *page.Page
	readers    int32
	writerHeld bool
	recent     bool
	journalPos uint64
}

type shard struct {
	mu     sync.Mutex
	frames map[uint32]*frame
	clock  []uint32 // insertion-ordered addresses visited by the sweep
	hand   int
}

// Option configures a Pool at construction time.
type Option func(*Pool)

// WithCapacity sets the total number of pages the pool may hold resident,
// divided evenly across the internal shards.
func WithCapacity(pages int) Option {
	return func(p *Pool) {
		if pages < numShards {
			pages = numShards
		}
		p.perShard = pages / numShards
	}
}

// NewPool creates a buffer pool backed by store, naming its counters
// under the given metrics namespace. It does not register them; Collectors
// returns them for the caller to register.
func NewPool(store Store, namespace string, opts ...Option) *Pool {
	p := &Pool{store: store, perShard: 256}
	for i := range p.shards {
		p.shards[i].frames = make(map[uint32]*frame)
	}
	for _, opt := range opts {
		opt(p)
	}
	p.hits = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace, Subsystem: "buffer_pool", Name: "hits_total",
		Help: "Pin requests served from cache.",
	})
	p.misses = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace, Subsystem: "buffer_pool", Name: "misses_total",
		Help: "Pin requests that required a disk read.",
	})
	p.evictions = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace, Subsystem: "buffer_pool", Name: "evictions_total",
		Help: "Buffers evicted by the clock sweep.",
	})
	p.writes = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace, Subsystem: "buffer_pool", Name: "writes_total",
		Help: "Dirty pages written back to their store.",
	})
	return p
}

// Collectors returns the Pool's Prometheus collectors for registration.
func (p *Pool) Collectors() []prometheus.Collector {
	return []prometheus.Collector{p.hits, p.misses, p.evictions, p.writes}
}

func (p *Pool) shardFor(addr uint32) *shard {
	h := xxhash.Sum64(addrBytes(addr))
	return &p.shards[h%numShards]
}

func addrBytes(addr uint32) []byte {
	return []byte{byte(addr >> 24), byte(addr >> 16), byte(addr >> 8), byte(addr)}
}

// Pin returns a claim bound to addr's page image, loading it from the
// store on a cache miss. Reader claims may coexist; a writer claim is
// exclusive. Pin does not wait: a Reader pin on a page a writer holds, or
// a Writer pin on a page any claim holds, fails at once with
// ErrPinConflict.
func (p *Pool) Pin(addr uint32, mode Mode) (*Claim, error) {
	if p.closed.Load() {
		return nil, ErrClosed
	}
	s := p.shardFor(addr)
	s.mu.Lock()
	f, ok := s.frames[addr]
	if !ok {
		s.mu.Unlock()
		data, err := p.store.ReadPage(addr)
		if err != nil {
			return nil, err
		}
		pg, err := page.Load(addr, data)
		if err != nil {
			return nil, err
		}
		p.misses.Inc()
		s.mu.Lock()
		if existing, ok := s.frames[addr]; ok {
			f = existing
		} else {
			f = &frame{pg: pg}
			p.insertLocked(s, addr, f)
		}
	} else {
		p.hits.Inc()
	}
	if f.writerHeld || (mode == Writer && f.readers > 0) {
		s.mu.Unlock()
		return nil, ErrPinConflict
	}
	if mode == Writer {
		f.writerHeld = true
	} else {
		f.readers++
	}
	f.recent = true
	s.mu.Unlock()
	return &Claim{pool: p, shard: s, addr: addr, frame: f, mode: mode}, nil
}

// NewPage allocates a fresh page from the store and returns it pinned for
// writing.
func (p *Pool) NewPage(typ page.Type) (*Claim, error) {
	if p.closed.Load() {
		return nil, ErrClosed
	}
	addr, err := p.store.Allocate(typ)
	if err != nil {
		return nil, err
	}
	pg := page.New(addr, p.store.PageSize(), typ)
	s := p.shardFor(addr)
	f := &frame{pg: pg, writerHeld: true, recent: true}
	s.mu.Lock()
	p.insertLocked(s, addr, f)
	s.mu.Unlock()
	return &Claim{pool: p, shard: s, addr: addr, frame: f, mode: Writer}, nil
}

func (p *Pool) insertLocked(s *shard, addr uint32, f *frame) {
	if len(s.frames) >= p.perShard {
		p.evictOneLocked(s)
	}
	s.frames[addr] = f
	s.clock = append(s.clock, addr)
}

// evictOneLocked runs one clock sweep looking for an evictable candidate.
// Dirty candidates are written back synchronously; the copier normally
// beats the sweep to this by writing pages back before they're cold, so
// this path is the fallback for a saturated pool.
func (p *Pool) evictOneLocked(s *shard) {
	n := len(s.clock)
	for i := 0; i < 2*n; i++ {
		if n == 0 {
			return
		}
		if s.hand >= len(s.clock) {
			s.hand = 0
		}
		addr := s.clock[s.hand]
		f, ok := s.frames[addr]
		if !ok {
			s.clock = append(s.clock[:s.hand], s.clock[s.hand+1:]...)
			n = len(s.clock)
			continue
		}
		if f.readers > 0 || f.writerHeld {
			s.hand++
			continue
		}
		if f.recent {
			f.recent = false
			s.hand++
			continue
		}
		if f.pg.IsDirty() {
			if err := p.store.WritePage(addr, f.pg.Bytes()); err != nil {
				s.hand++
				continue
			}
			p.writes.Inc()
			f.pg.SetDirty(false)
		}
		delete(s.frames, addr)
		s.clock = append(s.clock[:s.hand], s.clock[s.hand+1:]...)
		p.evictions.Inc()
		return
	}
}

// Flush writes back every dirty page whose journal position is below
// upTo, as the copier does during copy-back.
func (p *Pool) Flush(upTo uint64) (int, error) {
	count := 0
	for i := range p.shards {
		s := &p.shards[i]
		s.mu.Lock()
		for addr, f := range s.frames {
			if !f.pg.IsDirty() || f.journalPos >= upTo {
				continue
			}
			if err := p.store.WritePage(addr, f.pg.Bytes()); err != nil {
				s.mu.Unlock()
				return count, err
			}
			p.writes.Inc()
			f.pg.SetDirty(false)
			count++
		}
		s.mu.Unlock()
	}
	return count, nil
}

// Stats reports approximate pool occupancy, as spec'd for the evictor.
type Stats struct {
	Valid, Dirty, ReaderClaimed, WriterClaimed int
}

func (p *Pool) Stats() Stats {
	var st Stats
	for i := range p.shards {
		s := &p.shards[i]
		s.mu.Lock()
		for _, f := range s.frames {
			st.Valid++
			if f.pg.IsDirty() {
				st.Dirty++
			}
			if f.readers > 0 {
				st.ReaderClaimed++
			}
			if f.writerHeld {
				st.WriterClaimed++
			}
		}
		s.mu.Unlock()
	}
	return st
}

// MinDirtyJournalPos returns the smallest journal position among all
// resident dirty pages, the copier's input for how far the journal's
// base address may safely advance. ok is false if nothing is dirty.
func (p *Pool) MinDirtyJournalPos() (pos uint64, ok bool) {
	for i := range p.shards {
		s := &p.shards[i]
		s.mu.Lock()
		for _, f := range s.frames {
			if f.pg.IsDirty() {
				if !ok || f.journalPos < pos {
					pos, ok = f.journalPos, true
				}
			}
		}
		s.mu.Unlock()
	}
	return pos, ok
}

// Close marks the pool closed; further Pin/NewPage calls fail.
func (p *Pool) Close() {
	p.closed.Store(true)
}
