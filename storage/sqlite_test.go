package storage

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/thinkermao/replica/protocol"
)

func TestSQLiteLog_RoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "node_1.db")

	s, err := OpenSQLite(path)
	require.NoError(t, err)

	state := protocol.HardState{Term: 4, Vote: 2, Commit: 2}
	require.NoError(t, s.Append(makeEntries(1, 4, 4)))
	require.NoError(t, s.SaveState(&state))
	require.NoError(t, s.Close())

	s, err = OpenSQLite(path)
	require.NoError(t, err)
	defer s.Close()

	require.EqualValues(t, 1, s.FirstIndex())
	require.EqualValues(t, 3, s.LastIndex())
	require.Equal(t, state, s.State())

	entry, err := s.Entry(2)
	require.NoError(t, err)
	require.EqualValues(t, 4, entry.Term)
	require.Equal(t, []byte{2}, entry.Data)

	entries, err := s.Entries(1, 4)
	require.NoError(t, err)
	require.Len(t, entries, 3)
}

func TestSQLiteLog_TruncateAndCompact(t *testing.T) {
	path := filepath.Join(t.TempDir(), "node_1.db")

	s, err := OpenSQLite(path)
	require.NoError(t, err)

	require.NoError(t, s.Append(makeEntries(1, 7, 1)))
	require.NoError(t, s.TruncateFrom(5))
	require.EqualValues(t, 4, s.LastIndex())

	require.NoError(t, s.Append(makeEntries(5, 6, 2)))
	require.NoError(t, s.CompactBefore(3))
	require.NoError(t, s.Close())

	s, err = OpenSQLite(path)
	require.NoError(t, err)
	defer s.Close()

	require.EqualValues(t, 3, s.FirstIndex())
	require.EqualValues(t, 5, s.LastIndex())

	_, err = s.Entry(2)
	require.ErrorIs(t, err, ErrCompacted)

	entry, err := s.Entry(5)
	require.NoError(t, err)
	require.EqualValues(t, 2, entry.Term)
}

func TestSQLiteLog_AppendGapRefused(t *testing.T) {
	path := filepath.Join(t.TempDir(), "node_1.db")

	s, err := OpenSQLite(path)
	require.NoError(t, err)
	defer s.Close()

	require.NoError(t, s.Append(makeEntries(1, 3, 1)))
	require.ErrorIs(t, s.Append(makeEntries(5, 6, 1)), ErrOutOfRange)
}
