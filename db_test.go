package slabdb

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/slabdb/slabdb/column"
	"github.com/slabdb/slabdb/config"
)

func openTestDB(t *testing.T) *DB {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.db")
	db, err := Open(path)
	require.NoError(t, err)
	t.Cleanup(func() { require.NoError(t, db.Close(context.Background())) })
	return db
}

func TestOpenBootstrapsEmptyGroup(t *testing.T) {
	db := openTestDB(t)

	snap, err := db.BeginRead()
	require.NoError(t, err)
	defer snap.Close()

	names, err := snap.Group().TableNames()
	require.NoError(t, err)
	require.Empty(t, names)
	require.Equal(t, uint64(1), snap.Version())
}

func TestCreateTableAddColumnAndReadBack(t *testing.T) {
	db := openTestDB(t)

	wt, err := db.BeginWrite()
	require.NoError(t, err)

	tbl, err := wt.Group().CreateTable(wt.Ctx(), "people")
	require.NoError(t, err)
	require.NoError(t, tbl.AddColumn(wt.Ctx(), "name", column.KindString))
	require.NoError(t, tbl.AddColumn(wt.Ctx(), "age", column.KindInt))

	kind, handle, err := tbl.Column("name")
	require.NoError(t, err)
	require.Equal(t, column.KindString, kind)
	nameCol := handle.(*column.String)
	require.NoError(t, nameCol.Insert(wt.Ctx(), 0, "ada"))

	kind, handle, err = tbl.Column("age")
	require.NoError(t, err)
	require.Equal(t, column.KindInt, kind)
	ageCol := handle.(*column.Int)
	require.NoError(t, ageCol.Insert(wt.Ctx(), 0, 36))

	require.NoError(t, tbl.SetColumnRoot(wt.Ctx(), "name", nameCol.Root()))
	require.NoError(t, tbl.SetColumnRoot(wt.Ctx(), "age", ageCol.Root()))
	require.NoError(t, wt.Group().RefreshTableRoot(wt.Ctx(), "people", tbl))

	require.NoError(t, wt.Commit([]byte("create people; add name,age; insert row 0")))

	snap, err := db.BeginRead()
	require.NoError(t, err)
	defer snap.Close()

	names, err := snap.Group().TableNames()
	require.NoError(t, err)
	require.Equal(t, []string{"people"}, names)

	reopened, err := snap.Group().OpenTable("people")
	require.NoError(t, err)
	_, handle, err = reopened.Column("name")
	require.NoError(t, err)
	s, err := handle.(*column.String).Get(0)
	require.NoError(t, err)
	require.Equal(t, "ada", s)
}

func TestReaderIsolatedFromConcurrentWrite(t *testing.T) {
	db := openTestDB(t)

	wt, err := db.BeginWrite()
	require.NoError(t, err)
	_, err = wt.Group().CreateTable(wt.Ctx(), "t1")
	require.NoError(t, err)
	require.NoError(t, wt.Commit(nil))

	reader, err := db.BeginRead()
	require.NoError(t, err)
	defer reader.Close()

	wt2, err := db.BeginWrite()
	require.NoError(t, err)
	_, err = wt2.Group().CreateTable(wt2.Ctx(), "t2")
	require.NoError(t, err)
	require.NoError(t, wt2.Commit(nil))

	names, err := reader.Group().TableNames()
	require.NoError(t, err)
	require.Equal(t, []string{"t1"}, names)

	latest, err := db.BeginRead()
	require.NoError(t, err)
	defer latest.Close()
	names, err = latest.Group().TableNames()
	require.NoError(t, err)
	require.ElementsMatch(t, []string{"t1", "t2"}, names)
}

func TestDropTableRemovesFromDirectory(t *testing.T) {
	db := openTestDB(t)

	wt, err := db.BeginWrite()
	require.NoError(t, err)
	_, err = wt.Group().CreateTable(wt.Ctx(), "temp")
	require.NoError(t, err)
	require.NoError(t, wt.Commit(nil))

	wt2, err := db.BeginWrite()
	require.NoError(t, err)
	require.NoError(t, wt2.Group().DropTable(wt2.Ctx(), "temp"))
	require.NoError(t, wt2.Commit(nil))

	snap, err := db.BeginRead()
	require.NoError(t, err)
	defer snap.Close()
	names, err := snap.Group().TableNames()
	require.NoError(t, err)
	require.Empty(t, names)
}

func TestPersistsAcrossReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "persist.db")

	db, err := Open(path)
	require.NoError(t, err)
	wt, err := db.BeginWrite()
	require.NoError(t, err)
	tbl, err := wt.Group().CreateTable(wt.Ctx(), "durable")
	require.NoError(t, err)
	require.NoError(t, tbl.AddColumn(wt.Ctx(), "v", column.KindInt))
	_, handle, err := tbl.Column("v")
	require.NoError(t, err)
	col := handle.(*column.Int)
	require.NoError(t, col.Insert(wt.Ctx(), 0, 42))
	require.NoError(t, tbl.SetColumnRoot(wt.Ctx(), "v", col.Root()))
	require.NoError(t, wt.Group().RefreshTableRoot(wt.Ctx(), "durable", tbl))
	require.NoError(t, wt.Commit([]byte("seed")))
	require.NoError(t, db.Close(context.Background()))

	db2, err := Open(path)
	require.NoError(t, err)
	defer db2.Close(context.Background())

	snap, err := db2.BeginRead()
	require.NoError(t, err)
	defer snap.Close()
	require.Equal(t, uint64(2), snap.Version())

	reopenedTbl, err := snap.Group().OpenTable("durable")
	require.NoError(t, err)
	_, handle2, err := reopenedTbl.Column("v")
	require.NoError(t, err)
	v, err := handle2.(*column.Int).Get(0)
	require.NoError(t, err)
	require.Equal(t, int64(42), v)
}

func TestMemOnlyRemovesBackingFileOnClose(t *testing.T) {
	path := filepath.Join(t.TempDir(), "scratch.db")

	db, err := Open(path, config.WithDurability(config.DurabilityMemOnly))
	require.NoError(t, err)

	wt, err := db.BeginWrite()
	require.NoError(t, err)
	_, err = wt.Group().CreateTable(wt.Ctx(), "t")
	require.NoError(t, err)
	require.NoError(t, wt.Commit(nil))

	require.NoError(t, db.Close(context.Background()))

	_, statErr := os.Stat(path)
	require.True(t, os.IsNotExist(statErr), "mem-only backing file should be removed on Close")
}

func TestMemOnlyTruncatesPreexistingFileOnOpen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "reused.db")

	db, err := Open(path)
	require.NoError(t, err)
	wt, err := db.BeginWrite()
	require.NoError(t, err)
	_, err = wt.Group().CreateTable(wt.Ctx(), "stale")
	require.NoError(t, err)
	require.NoError(t, wt.Commit(nil))
	require.NoError(t, db.Close(context.Background()))

	db2, err := Open(path, config.WithDurability(config.DurabilityMemOnly))
	require.NoError(t, err)
	defer func() {
		db2.Close(context.Background())
		os.Remove(path)
	}()

	snap, err := db2.BeginRead()
	require.NoError(t, err)
	defer snap.Close()
	names, err := snap.Group().TableNames()
	require.NoError(t, err)
	require.Empty(t, names, "reopening in mem-only mode should truncate any prior data")
}

func TestUnsafeDurabilityStillPersistsAcrossReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "unsafe.db")

	db, err := Open(path, config.WithDurability(config.DurabilityUnsafe))
	require.NoError(t, err)
	wt, err := db.BeginWrite()
	require.NoError(t, err)
	tbl, err := wt.Group().CreateTable(wt.Ctx(), "unsynced")
	require.NoError(t, err)
	require.NoError(t, tbl.AddColumn(wt.Ctx(), "v", column.KindInt))
	_, handle, err := tbl.Column("v")
	require.NoError(t, err)
	col := handle.(*column.Int)
	require.NoError(t, col.Insert(wt.Ctx(), 0, 7))
	require.NoError(t, tbl.SetColumnRoot(wt.Ctx(), "v", col.Root()))
	require.NoError(t, wt.Group().RefreshTableRoot(wt.Ctx(), "unsynced", tbl))
	require.NoError(t, wt.Commit([]byte("seed")))
	require.NoError(t, db.Close(context.Background()))

	_, statErr := os.Stat(path)
	require.NoError(t, statErr, "unsafe mode must not remove the backing file")

	db2, err := Open(path, config.WithDurability(config.DurabilityUnsafe))
	require.NoError(t, err)
	defer db2.Close(context.Background())

	snap, err := db2.BeginRead()
	require.NoError(t, err)
	defer snap.Close()
	reopened, err := snap.Group().OpenTable("unsynced")
	require.NoError(t, err)
	_, handle2, err := reopened.Column("v")
	require.NoError(t, err)
	got, err := handle2.(*column.Int).Get(0)
	require.NoError(t, err)
	require.Equal(t, int64(7), got)
}
