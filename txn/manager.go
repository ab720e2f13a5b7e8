// Package txn implements spec.md §4.9: the snapshot / write transaction
// protocol tying the allocator's copy-on-write arena, the file-level root
// selector, and the commit log together. Readers pin a snapshot version;
// writers are serialized by a single writer lock; the root reference is
// switched atomically under reader concurrency via the file header's
// selector-flip publish point (slab.FileHeader).
//
// Generalized from the teacher's ViewTx/UpdateTx CAS-retry loop
// (Transaction.go): the teacher retries the whole write body on a version
// race because it never takes an explicit writer lock. spec.md §4.9 instead
// calls for begin_write to acquire a single writer lock up front, so there
// is never a race to retry — the CAS loop collapses into straight-line
// lock/mutate/publish/unlock.
package txn

import (
	"context"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/slabdb/slabdb/commitlog"
	"github.com/slabdb/slabdb/errs"
	"github.com/slabdb/slabdb/slab"
)

const coalesceInterval = 5 * time.Second

// Manager owns the single writer lock, the live root ref, and the set of
// versions currently pinned by open read snapshots.
type Manager struct {
	alloc *slab.Allocator
	log   *commitlog.Log

	mu      sync.Mutex
	version uint64
	topRef  slab.Ref
	pins    map[uint64]int

	writerMu sync.Mutex

	sync bool

	logger zerolog.Logger

	cancel context.CancelFunc
	eg     *errgroup.Group

	commits          prometheus.Counter
	rollbacks        prometheus.Counter
	snapshotLifetime prometheus.Histogram
}

// Bootstrap builds the initial root (e.g. an empty table directory) when
// Open finds a file with no valid header yet.
type Bootstrap func(ctx *slab.CowContext) (slab.Ref, error)

// Open wires a Manager around alloc and log. If alloc's backing file has no
// valid slab.FileHeader yet, bootstrap is invoked to build the first root.
// sync controls whether Writer.Commit fsyncs the file header (spec.md §6's
// "Full" durability mode); MemOnly and Unsafe modes pass false.
func Open(alloc *slab.Allocator, log *commitlog.Log, logger zerolog.Logger, bootstrap Bootstrap, sync bool) (*Manager, error) {
	f := alloc.File()
	info, err := f.Stat()
	if err != nil {
		return nil, errs.Wrap(errs.IoError, "txn.Open", "stat backing file", err)
	}

	m := &Manager{
		alloc:  alloc,
		log:    log,
		pins:   make(map[uint64]int),
		sync:   sync,
		logger: logger.With().Str("component", "txn").Logger(),

		commits: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "slabdb_txn_commits_total",
			Help: "Number of write transactions committed.",
		}),
		rollbacks: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "slabdb_txn_rollbacks_total",
			Help: "Number of write transactions rolled back.",
		}),
		snapshotLifetime: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "slabdb_txn_snapshot_lifetime_seconds",
			Help:    "Wall-clock lifetime of read snapshots between BeginRead and Close.",
			Buckets: prometheus.DefBuckets,
		}),
	}

	var hdr slab.FileHeader
	isNew := true
	if info.Size() >= slab.FileHeaderSize {
		buf := make([]byte, slab.FileHeaderSize)
		if _, err := f.ReadAt(buf, 0); err != nil {
			return nil, errs.Wrap(errs.IoError, "txn.Open", "read file header", err)
		}
		if h, derr := slab.DecodeFileHeader(buf); derr == nil {
			hdr = h
			isNew = false
		}
	}

	if isNew {
		alloc.SetNextOffset(slab.FileHeaderSize)
		ctx := &slab.CowContext{Alloc: alloc, WriteHorizon: slab.Ref(alloc.NextOffset()), Version: 1}
		rootRef, err := bootstrap(ctx)
		if err != nil {
			return nil, err
		}
		hdr = slab.FileHeader{FormatVersion: slab.FormatVersion, TopRefA: rootRef, TopRefB: rootRef}
		buf := slab.EncodeFileHeader(hdr)
		if _, err := f.WriteAt(buf[:], 0); err != nil {
			return nil, errs.Wrap(errs.IoError, "txn.Open", "write initial file header", err)
		}
		if sync {
			if err := f.Sync(); err != nil {
				return nil, errs.Wrap(errs.IoError, "txn.Open", "sync initial file header", err)
			}
		}
		m.version = 1
		m.topRef = rootRef
	} else {
		version := uint64(1)
		if log != nil {
			v, err := log.CurrentVersion()
			if err != nil {
				return nil, err
			}
			if v > 0 {
				version = v
			}
		}
		m.version = version
		m.topRef = hdr.LiveTopRef()
	}

	ctx, cancel := context.WithCancel(context.Background())
	eg, egCtx := errgroup.WithContext(ctx)
	m.cancel = cancel
	m.eg = eg
	eg.Go(m.backgroundCoalesce(egCtx))

	return m, nil
}

func (m *Manager) backgroundCoalesce(ctx context.Context) func() error {
	return func() error {
		ticker := time.NewTicker(coalesceInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return nil
			case <-ticker.C:
				// Serialized with BeginWrite/Commit/Rollback via writerMu:
				// coalescing while a writer is in flight could merge one of
				// its not-yet-committed Retire entries into a neighboring
				// entry, which would make Writer.Rollback's exact-start
				// DiscardRetired unable to find (and undo) it.
				m.writerMu.Lock()
				m.alloc.CoalesceFreeList(m.oldestPinned())
				m.writerMu.Unlock()
			}
		}
	}
}

// Close stops the background coalesce goroutine and waits for any in-flight
// writer to finish before returning, per SPEC_FULL.md §4.9.
func (m *Manager) Close(ctx context.Context) error {
	m.cancel()
	done := make(chan error, 1)
	go func() { done <- m.eg.Wait() }()

	select {
	case err := <-done:
		m.writerMu.Lock()
		m.writerMu.Unlock()
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Metrics exposes the manager's prometheus collectors for registration by
// the top-level DB.
func (m *Manager) Metrics() []prometheus.Collector {
	return []prometheus.Collector{m.commits, m.rollbacks, m.snapshotLifetime}
}

func (m *Manager) oldestPinned() uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.pins) == 0 {
		return m.version
	}
	oldest := m.version
	for v := range m.pins {
		if v < oldest {
			oldest = v
		}
	}
	return oldest
}

// Snapshot is a pinned read-only view of the root at the version it was
// opened (spec.md §4.9 begin_read/end_read).
type Snapshot struct {
	mgr       *Manager
	version   uint64
	root      slab.Ref
	openedAt  time.Time
	closeOnce sync.Once
}

func (s *Snapshot) Root() slab.Ref    { return s.root }
func (s *Snapshot) Version() uint64   { return s.version }
func (s *Snapshot) Allocator() *slab.Allocator { return s.mgr.alloc }

// Close releases the pin on this snapshot's version. Safe to call more than
// once.
func (s *Snapshot) Close() {
	s.closeOnce.Do(func() {
		s.mgr.mu.Lock()
		s.mgr.pins[s.version]--
		if s.mgr.pins[s.version] <= 0 {
			delete(s.mgr.pins, s.version)
		}
		s.mgr.mu.Unlock()
		s.mgr.snapshotLifetime.Observe(time.Since(s.openedAt).Seconds())
	})
}

// BeginRead atomically captures the currently-live top ref and pins its
// version so the free list will not reclaim anything it can reach.
func (m *Manager) BeginRead() *Snapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.pins[m.version]++
	return &Snapshot{mgr: m, version: m.version, root: m.topRef, openedAt: time.Now()}
}

// Writer is an in-flight write transaction (spec.md §4.9 WriterHandle).
type Writer struct {
	mgr        *Manager
	ctx        *slab.CowContext
	baseRoot   slab.Ref
	baseVer    uint64
	done       bool
}

// Ctx returns the copy-on-write context mutations should be performed
// through.
func (w *Writer) Ctx() *slab.CowContext { return w.ctx }

// BaseRoot returns the root ref this writer started from.
func (w *Writer) BaseRoot() slab.Ref { return w.baseRoot }

// BeginWrite acquires the single writer lock and returns a handle rooted at
// the currently-live snapshot. Blocks until any other writer has committed
// or rolled back.
func (m *Manager) BeginWrite() *Writer {
	m.writerMu.Lock()

	m.mu.Lock()
	baseRoot := m.topRef
	baseVer := m.version
	m.mu.Unlock()

	ctx := &slab.CowContext{
		Alloc:             m.alloc,
		WriteHorizon:      slab.Ref(m.alloc.NextOffset()),
		Version:           baseVer + 1,
		OldestLiveVersion: m.oldestPinned(),
	}
	return &Writer{mgr: m, ctx: ctx, baseRoot: baseRoot, baseVer: baseVer}
}

// Commit publishes newRoot as the live root and appends changeset (the
// serialized delta since BeginWrite) to the commit log, per spec.md §4.9's
// commit protocol: write the shadow root, append the log entry, flip the
// selector, release the writer lock.
func (w *Writer) Commit(newRoot slab.Ref, changeset []byte) error {
	if w.done {
		return errs.New(errs.LogicError, "txn.Writer.Commit", "writer already finished")
	}
	w.done = true
	defer w.mgr.writerMu.Unlock()

	m := w.mgr
	newVersion := w.baseVer + 1

	f := m.alloc.File()
	buf := make([]byte, slab.FileHeaderSize)
	if _, err := f.ReadAt(buf, 0); err != nil {
		return errs.Wrap(errs.IoError, "txn.Writer.Commit", "read file header", err)
	}
	hdr, err := slab.DecodeFileHeader(buf)
	if err != nil {
		return err
	}

	shadow := hdr.WithNewTopRef(newRoot)
	enc := slab.EncodeFileHeader(shadow)
	if _, err := f.WriteAt(enc[:], 0); err != nil {
		return errs.Wrap(errs.IoError, "txn.Writer.Commit", "write shadow root", err)
	}
	if m.sync {
		if err := f.Sync(); err != nil {
			return errs.Wrap(errs.IoError, "txn.Writer.Commit", "sync shadow root", err)
		}
	}

	if m.log != nil {
		if err := m.log.Append(newVersion, changeset); err != nil {
			return err
		}
	}

	flipped := shadow.Flipped()
	enc = slab.EncodeFileHeader(flipped)
	if _, err := f.WriteAt(enc[:], 0); err != nil {
		return errs.Wrap(errs.IoError, "txn.Writer.Commit", "flip root selector", err)
	}
	if m.sync {
		if err := f.Sync(); err != nil {
			return errs.Wrap(errs.IoError, "txn.Writer.Commit", "sync root selector flip", err)
		}
	}

	m.mu.Lock()
	m.topRef = newRoot
	m.version = newVersion
	m.mu.Unlock()

	m.alloc.CoalesceFreeList(m.oldestPinned())
	m.commits.Inc()
	return nil
}

// Rollback discards every allocation made since BeginWrite by resetting the
// allocator's logical end back to the writer's write horizon — nothing at or
// beyond that offset is reachable from any published root, so it can be
// reclaimed unconditionally — and undoes every free-list entry this writer's
// copy-on-write mutations produced for pre-existing nodes (spec.md §4.9's
// rollback contract: "discard all allocations..., restore the free list,
// release the writer lock"). Without the latter, a COW clone of an
// already-committed, still-reachable node (e.g. array.Array.reencode cloning
// an owned-but-undersized leaf, or any mutation of a node predating this
// writer) would leave that still-live node's old ref sitting on the shared
// free list, eligible for reuse the moment the tagged version is reached —
// silent corruption of a node no rollback ever actually replaced.
func (w *Writer) Rollback() {
	if w.done {
		return
	}
	w.done = true
	defer w.mgr.writerMu.Unlock()

	w.ctx.DiscardRetired()

	if uint64(w.ctx.WriteHorizon) == w.mgr.alloc.NextOffset() {
		// Nothing was ever allocated under this writer.
	} else if w.mgr.alloc.NextOffset() > uint64(w.ctx.WriteHorizon) {
		w.mgr.alloc.SetNextOffset(uint64(w.ctx.WriteHorizon))
	}
	w.mgr.rollbacks.Inc()
}
