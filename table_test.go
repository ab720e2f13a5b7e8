package slabdb

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/slabdb/slabdb/column"
)

func TestTableAddColumnRejectsDuplicateName(t *testing.T) {
	alloc := newGroupTestAllocator(t)
	ctx := newGroupTestCtx(alloc)

	tbl, err := newTable(ctx, 8)
	require.NoError(t, err)

	require.NoError(t, tbl.AddColumn(ctx, "c1", column.KindInt))
	require.Error(t, tbl.AddColumn(ctx, "c1", column.KindString))
}

func TestTableColumnRejectsUnknownName(t *testing.T) {
	alloc := newGroupTestAllocator(t)
	ctx := newGroupTestCtx(alloc)

	tbl, err := newTable(ctx, 8)
	require.NoError(t, err)

	_, _, err = tbl.Column("nope")
	require.Error(t, err)
}

func TestTableColumnKindsRoundTrip(t *testing.T) {
	alloc := newGroupTestAllocator(t)
	ctx := newGroupTestCtx(alloc)

	tbl, err := newTable(ctx, 8)
	require.NoError(t, err)

	require.NoError(t, tbl.AddColumn(ctx, "i", column.KindInt))
	require.NoError(t, tbl.AddColumn(ctx, "s", column.KindString))
	require.NoError(t, tbl.AddColumn(ctx, "b", column.KindBinary))

	kind, _, err := tbl.Column("i")
	require.NoError(t, err)
	require.Equal(t, column.KindInt, kind)

	kind, _, err = tbl.Column("s")
	require.NoError(t, err)
	require.Equal(t, column.KindString, kind)

	kind, _, err = tbl.Column("b")
	require.NoError(t, err)
	require.Equal(t, column.KindBinary, kind)

	names, err := tbl.ColumnNames()
	require.NoError(t, err)
	require.Equal(t, []string{"i", "s", "b"}, names)
}

func TestTableSetColumnRootRejectsUnknownName(t *testing.T) {
	alloc := newGroupTestAllocator(t)
	ctx := newGroupTestCtx(alloc)

	tbl, err := newTable(ctx, 8)
	require.NoError(t, err)

	err = tbl.SetColumnRoot(ctx, "nope", 0)
	require.Error(t, err)
}
