package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestNewAppliesDefaults(t *testing.T) {
	o := New()
	require.Equal(t, defaultInitialSize, o.InitialSize)
	require.Equal(t, defaultMaxFanout, o.MaxFanout)
	require.Equal(t, DurabilityFull, o.Durability)
}

func TestFunctionalOptionsOverrideDefaults(t *testing.T) {
	o := New(WithMaxFanout(200), WithDurability(DurabilityUnsafe))
	require.Equal(t, uint32(200), o.MaxFanout)
	require.Equal(t, DurabilityUnsafe, o.Durability)
}

func TestApplyFileMissingIsNotAnError(t *testing.T) {
	o := New()
	err := o.ApplyFile(filepath.Join(t.TempDir(), "does-not-exist.yml"))
	require.NoError(t, err)
}

func TestApplyFileOverridesPresentFields(t *testing.T) {
	path := filepath.Join(t.TempDir(), "overlay.yml")
	require.NoError(t, os.WriteFile(path, []byte("max_fanout: 500\ndurability: unsafe\n"), 0644))

	o := New()
	require.NoError(t, o.ApplyFile(path))
	require.Equal(t, uint32(500), o.MaxFanout)
	require.Equal(t, DurabilityUnsafe, o.Durability)
	require.Equal(t, defaultInitialSize, o.InitialSize) // untouched field keeps its default
}

func TestApplyFileRejectsUnknownDurability(t *testing.T) {
	path := filepath.Join(t.TempDir(), "overlay.yml")
	require.NoError(t, os.WriteFile(path, []byte("durability: sideways\n"), 0644))

	o := New()
	require.Error(t, o.ApplyFile(path))
}

func TestDurabilityModeHelpers(t *testing.T) {
	require.True(t, DurabilityFull.Sync())
	require.False(t, DurabilityMemOnly.Sync())
	require.False(t, DurabilityUnsafe.Sync())

	require.False(t, DurabilityFull.MemOnly())
	require.True(t, DurabilityMemOnly.MemOnly())
	require.False(t, DurabilityUnsafe.MemOnly())
}

func TestApplyFileParsesMemOnly(t *testing.T) {
	path := filepath.Join(t.TempDir(), "overlay.yml")
	require.NoError(t, os.WriteFile(path, []byte("durability: mem_only\n"), 0644))

	o := New()
	require.NoError(t, o.ApplyFile(path))
	require.Equal(t, DurabilityMemOnly, o.Durability)
}
