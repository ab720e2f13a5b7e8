package commitlog

import (
	"io"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
)

func newTestLog(t *testing.T) *Log {
	t.Helper()
	dir := t.TempDir()
	logger := zerolog.New(io.Discard)
	l, err := Open(dir, logger, true)
	require.NoError(t, err)
	t.Cleanup(func() { require.NoError(t, l.Close()) })
	return l
}

func TestAppendAndGetChangesets(t *testing.T) {
	l := newTestLog(t)

	changesets := [][]byte{
		[]byte("first commit"),
		[]byte("second commit"),
		[]byte("a third, slightly longer commit payload"),
	}
	for i, cs := range changesets {
		require.NoError(t, l.Append(uint64(i+1), cs))
	}

	got, err := l.GetChangesets(1, 4)
	require.NoError(t, err)
	require.Equal(t, changesets, got)

	got, err = l.GetChangesets(2, 3)
	require.NoError(t, err)
	require.Equal(t, changesets[1:2], got)
}

func TestGetChangesetsEmptyRange(t *testing.T) {
	l := newTestLog(t)
	got, err := l.GetChangesets(1, 1)
	require.NoError(t, err)
	require.Empty(t, got)
}

func TestGetChangesetsCoalescesConcurrentReads(t *testing.T) {
	l := newTestLog(t)
	require.NoError(t, l.Append(1, []byte("payload")))

	done := make(chan struct{})
	var a, b [][]byte
	var errA, errB error
	go func() {
		a, errA = l.GetChangesets(1, 2)
		close(done)
	}()
	b, errB = l.GetChangesets(1, 2)
	<-done

	require.NoError(t, errA)
	require.NoError(t, errB)
	require.Equal(t, a, b)
}

func TestRecycleBeforeConsumptionKeepsEntries(t *testing.T) {
	l := newTestLog(t)
	require.NoError(t, l.Append(1, []byte("x")))
	require.NoError(t, l.Append(2, []byte("y")))

	// Recycle without ever calling SetLastVersionSeenLocally still rotates
	// (the stale file is empty, so nothing is discarded); both entries stay
	// readable from the file that is now the stale one.
	require.NoError(t, l.Recycle())

	got, err := l.GetChangesets(1, 3)
	require.NoError(t, err)
	require.Equal(t, [][]byte{[]byte("x"), []byte("y")}, got)
}

func TestRecycleRotatesActiveFile(t *testing.T) {
	l := newTestLog(t)
	require.NoError(t, l.Append(1, []byte("x")))
	require.NoError(t, l.Append(2, []byte("y")))
	require.NoError(t, l.SetLastVersionSeenLocally(2))

	liveBefore, _, err := l.hdr.live()
	require.NoError(t, err)

	require.NoError(t, l.Recycle())

	liveAfter, _, err := l.hdr.live()
	require.NoError(t, err)
	require.NotEqual(t, liveBefore.ActiveFileIsLogA, liveAfter.ActiveFileIsLogA)
	require.Equal(t, liveBefore.BeginNewestCommitRange, liveAfter.BeginOldestCommitRange)
	require.Equal(t, liveBefore.EndCommitRange, liveAfter.BeginNewestCommitRange)
	require.Equal(t, uint64(0), liveAfter.WriteOffset)

	// Previously appended entries are still readable through the rotated
	// preamble ranges.
	got, err := l.GetChangesets(1, 3)
	require.NoError(t, err)
	require.Equal(t, [][]byte{[]byte("x"), []byte("y")}, got)

	// New appends land in the newly active (previously stale) file.
	require.NoError(t, l.Append(3, []byte("z")))
	got, err = l.GetChangesets(1, 4)
	require.NoError(t, err)
	require.Equal(t, [][]byte{[]byte("x"), []byte("y"), []byte("z")}, got)
}

func TestCrashBeforeFlipKeepsPriorStateLive(t *testing.T) {
	l := newTestLog(t)
	require.NoError(t, l.Append(1, []byte("committed")))

	live, liveIsA, err := l.hdr.live()
	require.NoError(t, err)

	// Simulate a crash between writing the entry and flipping the
	// selector: a shadow preamble is written but never published.
	shadow := live
	shadow.WriteOffset += 64
	shadow.EndCommitRange = 2
	require.NoError(t, l.hdr.writeShadow(shadow, liveIsA))

	stillLive, stillIsA, err := l.hdr.live()
	require.NoError(t, err)
	require.Equal(t, liveIsA, stillIsA)
	require.Equal(t, live, stillLive)

	got, err := l.GetChangesets(1, 2)
	require.NoError(t, err)
	require.Equal(t, [][]byte{[]byte("committed")}, got)
}

func TestPreambleHasVersion(t *testing.T) {
	p := Preamble{BeginOldestCommitRange: 5, EndCommitRange: 10}
	require.False(t, p.hasVersion(5))
	require.True(t, p.hasVersion(6))
	require.True(t, p.hasVersion(10))
	require.False(t, p.hasVersion(11))
}
