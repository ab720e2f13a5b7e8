package slab

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestOpenAllocAndReadNodeRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "data.db")
	a, err := Open(path, Options{InitialSize: 1 << 16, Sync: true})
	require.NoError(t, err)
	defer a.Close()

	ref, err := a.Alloc(HeaderSize+16, 1)
	require.NoError(t, err)

	hdr := Header{Capacity: HeaderSize + 16, Size: 16, WidthType: WidthBytePerElemIgnore}
	payload := []byte("0123456789abcdef")
	require.NoError(t, a.WriteNode(ref, hdr, payload))

	gotHdr, gotPayload, err := a.ReadNode(ref)
	require.NoError(t, err)
	require.Equal(t, hdr.Capacity, gotHdr.Capacity)
	require.Equal(t, payload, gotPayload)
}

func TestGrowDoublesMapping(t *testing.T) {
	path := filepath.Join(t.TempDir(), "data.db")
	a, err := Open(path, Options{InitialSize: 1 << 12, Sync: true})
	require.NoError(t, err)
	defer a.Close()

	before := a.Size()
	// Force at least one grow by allocating past the initial mapping.
	for a.Size() == before {
		_, err := a.Alloc(4096, 1)
		require.NoError(t, err)
	}
	require.Greater(t, a.Size(), before)
}

func TestMemOnlyTruncatesOnOpen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "scratch.db")

	a, err := Open(path, Options{InitialSize: 1 << 16})
	require.NoError(t, err)
	_, err = a.Alloc(HeaderSize+16, 1)
	require.NoError(t, err)
	sizeBefore := a.NextOffset()
	require.NoError(t, a.Close())

	info, err := os.Stat(path)
	require.NoError(t, err)
	require.Greater(t, info.Size(), int64(0))

	a2, err := Open(path, Options{InitialSize: 1 << 16, MemOnly: true})
	require.NoError(t, err)
	defer a2.Close()

	// A mem-only open truncates the file, so the fresh mapping starts empty
	// rather than inheriting the prior session's allocations.
	require.NotEqual(t, sizeBefore, a2.NextOffset())
}

func TestMemOnlyRemovesFileOnClose(t *testing.T) {
	path := filepath.Join(t.TempDir(), "scratch.db")

	a, err := Open(path, Options{InitialSize: 1 << 16, MemOnly: true})
	require.NoError(t, err)
	require.NoError(t, a.Close())

	_, err = os.Stat(path)
	require.True(t, os.IsNotExist(err))
}

func TestUnsafeModeClosesWithoutRemovingFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "unsafe.db")

	a, err := Open(path, Options{InitialSize: 1 << 16, Sync: false})
	require.NoError(t, err)
	require.NoError(t, a.Close())

	_, err = os.Stat(path)
	require.NoError(t, err)
}
