package storage

import (
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

func TestMemoryLog_AppendAndRead(t *testing.T) {
	m := MakeMemoryLog()
	require.EqualValues(t, 1, m.FirstIndex())
	require.EqualValues(t, 0, m.LastIndex())

	require.NoError(t, m.Append(makeEntries(1, 4, 1)))
	require.EqualValues(t, 3, m.LastIndex())

	entry, err := m.Entry(2)
	require.NoError(t, err)
	require.EqualValues(t, 2, entry.Index)

	entries, err := m.Entries(1, 4)
	require.NoError(t, err)
	require.Len(t, entries, 3)

	// a gap is refused
	require.ErrorIs(t, m.Append(makeEntries(5, 6, 1)), ErrOutOfRange)

	_, err = m.Entry(4)
	require.ErrorIs(t, err, ErrOutOfRange)
}

func TestMemoryLog_TruncateFrom(t *testing.T) {
	m := MakeMemoryLog()
	require.NoError(t, m.Append(makeEntries(1, 6, 1)))

	require.NoError(t, m.TruncateFrom(3))
	require.EqualValues(t, 2, m.LastIndex())

	// truncating past the end is a no-op
	require.NoError(t, m.TruncateFrom(10))
	require.EqualValues(t, 2, m.LastIndex())

	require.NoError(t, m.Append(makeEntries(3, 5, 2)))
	entry, err := m.Entry(3)
	require.NoError(t, err)
	require.EqualValues(t, 2, entry.Term)
}

func TestMemoryLog_CompactBefore(t *testing.T) {
	m := MakeMemoryLog()
	require.NoError(t, m.Append(makeEntries(1, 6, 1)))

	require.NoError(t, m.CompactBefore(4))
	require.EqualValues(t, 4, m.FirstIndex())
	require.EqualValues(t, 5, m.LastIndex())

	_, err := m.Entry(3)
	require.ErrorIs(t, err, ErrCompacted)

	entry, err := m.Entry(4)
	require.NoError(t, err)
	require.EqualValues(t, 4, entry.Index)

	// compacting below the window is a no-op
	require.NoError(t, m.CompactBefore(2))
	require.EqualValues(t, 4, m.FirstIndex())
}

func TestMemoryLog_State(t *testing.T) {
	m := MakeMemoryLog()
	require.Equal(t, protocol.HardState{}, m.State())

	state := protocol.HardState{Term: 3, Vote: 2, Commit: 7}
	require.NoError(t, m.SaveState(&state))
	require.Equal(t, state, m.State())
}
