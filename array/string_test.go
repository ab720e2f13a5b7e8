package array

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestBlobReplace(t *testing.T) {
	alloc := newTestAllocator(t)
	ctx := newTestCtx(alloc)

	b, err := NewBlob(ctx)
	require.NoError(t, err)

	_, err = b.Replace(ctx, 0, 0, []byte("hello"))
	require.NoError(t, err)
	require.Equal(t, uint32(5), b.Size())

	bytes, err := b.Bytes(alloc)
	require.NoError(t, err)
	require.Equal(t, []byte("hello"), bytes)

	_, err = b.Replace(ctx, 1, 4, []byte("XYZ"))
	require.NoError(t, err)
	bytes, err = b.Bytes(alloc)
	require.NoError(t, err)
	require.Equal(t, []byte("hXYZo"), bytes)
}

func TestStringShortForm(t *testing.T) {
	alloc := newTestAllocator(t)
	ctx := newTestCtx(alloc)

	s, err := NewString(ctx)
	require.NoError(t, err)

	for _, v := range []string{"short", "strings", "stay", "packed"} {
		_, err := s.Add(ctx, v)
		require.NoError(t, err)
	}
	require.False(t, s.IsLongForm())

	n, err := s.Size(alloc)
	require.NoError(t, err)
	require.Equal(t, uint32(4), n)

	got, err := s.Get(alloc, 1)
	require.NoError(t, err)
	require.Equal(t, "strings", got)
}

func TestStringUpgradesToLongForm(t *testing.T) {
	alloc := newTestAllocator(t)
	ctx := newTestCtx(alloc)

	s, err := NewString(ctx)
	require.NoError(t, err)

	for i := 0; i < 10; i++ {
		_, err := s.Add(ctx, "short")
		require.NoError(t, err)
	}
	require.False(t, s.IsLongForm())

	long := strings.Repeat("x", 200)
	_, err = s.Add(ctx, long)
	require.NoError(t, err)
	require.True(t, s.IsLongForm())

	got, err := s.Get(alloc, 10)
	require.NoError(t, err)
	require.Equal(t, long, got)

	for i := 0; i < 10; i++ {
		got, err := s.Get(alloc, uint32(i))
		require.NoError(t, err)
		require.Equal(t, "short", got)
	}
}

func TestStringSetAndErase(t *testing.T) {
	alloc := newTestAllocator(t)
	ctx := newTestCtx(alloc)

	s, err := NewString(ctx)
	require.NoError(t, err)

	for _, v := range []string{"a", "b", "c"} {
		_, err := s.Add(ctx, v)
		require.NoError(t, err)
	}

	_, err = s.Set(ctx, 1, "bee")
	require.NoError(t, err)
	got, err := s.Get(alloc, 1)
	require.NoError(t, err)
	require.Equal(t, "bee", got)

	_, err = s.Erase(ctx, 0)
	require.NoError(t, err)
	n, err := s.Size(alloc)
	require.NoError(t, err)
	require.Equal(t, uint32(2), n)

	got0, err := s.Get(alloc, 0)
	require.NoError(t, err)
	require.Equal(t, "bee", got0)
}
