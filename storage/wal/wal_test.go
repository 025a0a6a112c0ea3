package wal

import (
	"encoding/binary"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/thinkermao/replica/protocol"
)

func makeEntries(lo, hi, term uint64) []protocol.Entry {
	entries := make([]protocol.Entry, 0, hi-lo)
	for i := lo; i < hi; i++ {
		entries = append(entries, protocol.Entry{
			Index: i,
			Term:  term,
			Type:  protocol.EntryNormal,
			Data:  []byte{byte(i)},
		})
	}
	return entries
}

func TestWAL_CreateAndReopen(t *testing.T) {
	dir := t.TempDir()

	w, err := Create(dir)
	require.NoError(t, err)

	state := protocol.HardState{Term: 2, Vote: 1, Commit: 3}
	require.NoError(t, w.Append(makeEntries(1, 5, 2)))
	require.NoError(t, w.SaveState(&state))
	require.NoError(t, w.Sync())
	require.NoError(t, w.Close())

	w, err = Open(dir)
	require.NoError(t, err)
	defer w.Close()

	require.EqualValues(t, 1, w.FirstIndex())
	require.EqualValues(t, 4, w.LastIndex())
	require.Equal(t, state, w.State())

	entries, err := w.Entries(1, 5)
	require.NoError(t, err)
	require.Len(t, entries, 4)
	require.EqualValues(t, 2, entries[3].Term)
}

func TestWAL_TruncateAndRewrite(t *testing.T) {
	dir := t.TempDir()

	w, err := Create(dir)
	require.NoError(t, err)
	require.NoError(t, w.Append(makeEntries(1, 4, 1)))

	// a conflicting suffix is replaced from index 2
	require.NoError(t, w.TruncateFrom(2))
	require.NoError(t, w.Append(makeEntries(2, 4, 2)))
	require.NoError(t, w.Sync())
	require.NoError(t, w.Close())

	w, err = Open(dir)
	require.NoError(t, err)
	defer w.Close()

	require.EqualValues(t, 3, w.LastIndex())
	entry, err := w.Entry(2)
	require.NoError(t, err)
	require.EqualValues(t, 2, entry.Term)
	entry, err = w.Entry(1)
	require.NoError(t, err)
	require.EqualValues(t, 1, entry.Term)
}

func TestWAL_Compact(t *testing.T) {
	dir := t.TempDir()

	w, err := Create(dir)
	require.NoError(t, err)
	require.NoError(t, w.Append(makeEntries(1, 6, 1)))
	require.NoError(t, w.CompactBefore(4))
	require.NoError(t, w.Sync())
	require.NoError(t, w.Close())

	w, err = Open(dir)
	require.NoError(t, err)
	defer w.Close()

	require.EqualValues(t, 4, w.FirstIndex())
	require.EqualValues(t, 5, w.LastIndex())
}

func TestWAL_TornTailDiscarded(t *testing.T) {
	dir := t.TempDir()

	w, err := Create(dir)
	require.NoError(t, err)
	require.NoError(t, w.Append(makeEntries(1, 4, 1)))
	require.NoError(t, w.Sync())
	require.NoError(t, w.Close())

	// simulate a crash mid-write: a record claiming 100 bytes with
	// only a fragment behind it.
	names, err := readWalNames(dir)
	require.NoError(t, err)
	file, err := os.OpenFile(filepath.Join(dir, names[len(names)-1]),
		os.O_WRONLY|os.O_APPEND, 0600)
	require.NoError(t, err)
	require.NoError(t, binary.Write(file, binary.LittleEndian, int32(100)))
	_, err = file.Write([]byte("partial"))
	require.NoError(t, err)
	require.NoError(t, file.Close())

	w, err = Open(dir)
	require.NoError(t, err)

	require.EqualValues(t, 3, w.LastIndex())

	// the wal stays appendable after discarding the torn tail
	require.NoError(t, w.Append(makeEntries(4, 5, 2)))
	require.NoError(t, w.Sync())
	require.NoError(t, w.Close())

	w, err = Open(dir)
	require.NoError(t, err)
	defer w.Close()
	require.EqualValues(t, 4, w.LastIndex())
}

func TestWAL_SegmentRotation(t *testing.T) {
	defer func(size int64) { SegmentSizeBytes = size }(SegmentSizeBytes)
	SegmentSizeBytes = 1

	dir := t.TempDir()

	w, err := Create(dir)
	require.NoError(t, err)
	for i := uint64(1); i <= 4; i++ {
		require.NoError(t, w.Append(makeEntries(i, i+1, 1)))
		require.NoError(t, w.Sync())
	}
	require.NoError(t, w.Close())

	names, err := readWalNames(dir)
	require.NoError(t, err)
	require.Greater(t, len(names), 1)

	w, err = Open(dir)
	require.NoError(t, err)
	defer w.Close()
	require.EqualValues(t, 4, w.LastIndex())
}
