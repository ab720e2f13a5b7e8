// Package slabdb is the embedded, memory-mapped, ACID-capable object
// database engine's public surface: open a file, create/open tables and
// columns, and run read snapshots or write transactions against them.
package slabdb

import (
	"context"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/slabdb/slabdb/commitlog"
	"github.com/slabdb/slabdb/config"
	"github.com/slabdb/slabdb/metrics"
	"github.com/slabdb/slabdb/slab"
	"github.com/slabdb/slabdb/txn"
)

// DB is an open database file: the memory-mapped allocator, the commit
// log, the transaction manager, and the group (table directory) rooted at
// the currently-live top ref.
type DB struct {
	opts  config.Options
	alloc *slab.Allocator
	log   *commitlog.Log
	mgr   *txn.Manager

	instanceID uuid.UUID
}

// Open opens (creating if necessary) the database file at path. If
// "<path>.yml" exists it is read as a config overlay (absent is not an
// error).
func Open(path string, opts ...config.Option) (*DB, error) {
	o := config.New(opts...)
	if o.ConfigPath == "" {
		o.ConfigPath = path + ".yml"
	}
	if err := o.ApplyFile(o.ConfigPath); err != nil {
		return nil, err
	}

	alloc, err := slab.Open(path, slab.Options{
		InitialSize: o.InitialSize,
		MaxGrow:     o.MaxGrow,
		Logger:      o.Logger,
		MemOnly:     o.Durability.MemOnly(),
		Sync:        o.Durability.Sync(),
	})
	if err != nil {
		return nil, err
	}

	logDir := path + ".log"
	log, err := commitlog.Open(logDir, o.Logger, o.Durability.Sync())
	if err != nil {
		alloc.Close()
		return nil, err
	}

	bootstrap := func(ctx *slab.CowContext) (slab.Ref, error) {
		g, err := NewGroup(ctx, o.MaxFanout)
		if err != nil {
			return slab.NullRef, err
		}
		return g.Root(), nil
	}

	mgr, err := txn.Open(alloc, log, o.Logger, bootstrap, o.Durability.Sync())
	if err != nil {
		log.Close()
		alloc.Close()
		return nil, err
	}

	// Rehydrate the allocator's in-memory free list from the group's
	// persisted arrays (spec.md §4.1: free space must survive a reopen).
	snap := mgr.BeginRead()
	grp, err := OpenGroup(alloc, snap.Root(), o.MaxFanout)
	snap.Close()
	if err != nil {
		mgr.Close(context.Background())
		log.Close()
		alloc.Close()
		return nil, err
	}
	fl, err := grp.LoadFreeList()
	if err != nil {
		mgr.Close(context.Background())
		log.Close()
		alloc.Close()
		return nil, err
	}
	alloc.SetFreeList(fl)

	return &DB{opts: o, alloc: alloc, log: log, mgr: mgr, instanceID: uuid.New()}, nil
}

// Close stops background maintenance and releases the backing file and
// commit log.
func (db *DB) Close(ctx context.Context) error {
	if err := db.mgr.Close(ctx); err != nil {
		return err
	}
	if err := db.log.Close(); err != nil {
		return err
	}
	return db.alloc.Close()
}

// Collector returns the DB's prometheus collectors for registration into a
// caller-owned registry (spec.md §6 "hooks, not a mandated exporter").
func (db *DB) Collector() []prometheus.Collector {
	collectors := db.mgr.Metrics()
	return append(collectors, metrics.NewAllocatorCollector(db.alloc))
}

// InstanceID uniquely identifies this open handle. No log line carries it.
func (db *DB) InstanceID() uuid.UUID { return db.instanceID }

// Snapshot is a read-only, version-pinned view into the database.
type Snapshot struct {
	db   *DB
	snap *txn.Snapshot
	grp  *Group
}

// BeginRead opens a read snapshot pinned at the currently-live version.
func (db *DB) BeginRead() (*Snapshot, error) {
	snap := db.mgr.BeginRead()
	grp, err := OpenGroup(db.alloc, snap.Root(), db.opts.MaxFanout)
	if err != nil {
		snap.Close()
		return nil, err
	}
	return &Snapshot{db: db, snap: snap, grp: grp}, nil
}

func (s *Snapshot) Version() uint64 { return s.snap.Version() }
func (s *Snapshot) Group() *Group   { return s.grp }
func (s *Snapshot) Close()          { s.snap.Close() }

// WriteTxn is an in-flight write transaction over the database's group
// directory.
type WriteTxn struct {
	db   *DB
	w    *txn.Writer
	grp  *Group
}

// BeginWrite acquires the single writer lock and returns a handle rooted at
// the currently-live group.
func (db *DB) BeginWrite() (*WriteTxn, error) {
	w := db.mgr.BeginWrite()
	grp, err := OpenGroup(db.alloc, w.BaseRoot(), db.opts.MaxFanout)
	if err != nil {
		w.Rollback()
		return nil, err
	}
	return &WriteTxn{db: db, w: w, grp: grp}, nil
}

func (wt *WriteTxn) Ctx() *slab.CowContext { return wt.w.Ctx() }
func (wt *WriteTxn) Group() *Group         { return wt.grp }

// Commit persists the in-flight group and appends changeset (the caller-
// supplied description of what changed, e.g. a serialized instruction list)
// to the commit log.
func (wt *WriteTxn) Commit(changeset []byte) error {
	if err := wt.grp.SyncFreeList(wt.w.Ctx(), wt.db.alloc.FreeList()); err != nil {
		wt.w.Rollback()
		return err
	}
	return wt.w.Commit(wt.grp.Root(), changeset)
}

// Rollback discards every allocation made since BeginWrite.
func (wt *WriteTxn) Rollback() { wt.w.Rollback() }
